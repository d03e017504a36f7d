package serving

import (
	"fmt"
	"time"
)

// Config holds the configuration for the serving engine
type Config struct {
	// MaxBatchSize caps the number of concurrently running sequences.
	MaxBatchSize int
	// CacheBlockCount is the total KV cache pool capacity in blocks.
	CacheBlockCount int
	// BlockSizeTokens is the number of token positions per cache block.
	BlockSizeTokens int
	// MaxModelLen bounds prompt length plus generated tokens.
	MaxModelLen int
	// PreemptionPolicy selects the victim when cache growth fails.
	// One of "newest-first" (default) or "oldest-first".
	PreemptionPolicy string
	// QueueTimeout bounds how long a sequence may stay queued before its
	// session fails with ErrCapacityExceeded. Zero disables the bound.
	QueueTimeout time.Duration
	// EOS is the end-of-sequence token ID. -1 if unknown.
	EOS int
}

// ConfigOption is a functional option for Config
type ConfigOption func(*Config)

// NewConfig creates a new Config with default values
func NewConfig(opts ...ConfigOption) *Config {
	c := &Config{
		MaxBatchSize:     256,
		CacheBlockCount:  1024,
		BlockSizeTokens:  16,
		MaxModelLen:      4096,
		PreemptionPolicy: PolicyNewestFirst,
		QueueTimeout:     0,
		EOS:              -1,
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.validate(); err != nil {
		panic(err)
	}

	return c
}

// validate checks if the configuration is valid
func (c *Config) validate() error {
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("max_batch_size must be at least 1")
	}

	if c.CacheBlockCount < 1 {
		return fmt.Errorf("cache_block_count must be at least 1")
	}

	if c.BlockSizeTokens < 1 {
		return fmt.Errorf("block_size_tokens must be at least 1")
	}

	if c.MaxModelLen < 1 {
		return fmt.Errorf("max_model_len must be at least 1")
	}

	if !IsValidPreemptionPolicy(c.PreemptionPolicy) {
		return fmt.Errorf("unknown preemption policy %q", c.PreemptionPolicy)
	}

	if c.QueueTimeout < 0 {
		return fmt.Errorf("queue_timeout must not be negative")
	}

	return nil
}

// WithMaxBatchSize sets the maximum number of running sequences
func WithMaxBatchSize(n int) ConfigOption {
	return func(c *Config) {
		c.MaxBatchSize = n
	}
}

// WithCacheBlockCount sets the total KV cache pool capacity in blocks
func WithCacheBlockCount(n int) ConfigOption {
	return func(c *Config) {
		c.CacheBlockCount = n
	}
}

// WithBlockSizeTokens sets the number of tokens per cache block
func WithBlockSizeTokens(n int) ConfigOption {
	return func(c *Config) {
		c.BlockSizeTokens = n
	}
}

// WithMaxModelLen sets the maximum total sequence length
func WithMaxModelLen(n int) ConfigOption {
	return func(c *Config) {
		c.MaxModelLen = n
	}
}

// WithPreemptionPolicy selects the preemption victim policy by name
func WithPreemptionPolicy(name string) ConfigOption {
	return func(c *Config) {
		c.PreemptionPolicy = name
	}
}

// WithQueueTimeout bounds the time a sequence may wait for admission
func WithQueueTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.QueueTimeout = d
	}
}

// WithEOS sets the EOS token ID
func WithEOS(id int) ConfigOption {
	return func(c *Config) {
		c.EOS = id
	}
}
