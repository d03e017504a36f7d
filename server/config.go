package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"batchserve/serving"
)

// EngineConfig groups the serving-core knobs exposed in the config file.
type EngineConfig struct {
	MaxBatchSize     int    `yaml:"max_batch_size"`
	CacheBlockCount  int    `yaml:"cache_block_count"`
	BlockSizeTokens  int    `yaml:"block_size_tokens"`
	MaxModelLen      int    `yaml:"max_model_len"`
	PreemptionPolicy string `yaml:"preemption_policy"`
	// QueueTimeout is a Go duration string; empty disables the bound.
	QueueTimeout string `yaml:"queue_timeout"`
}

// Config is the server configuration loaded from YAML.
type Config struct {
	// Listen is the HTTP bind address.
	Listen string `yaml:"listen"`
	// Backend selects the step executor: "mock", "onnx" or "remote".
	Backend string `yaml:"backend"`
	// ModelDir holds tokenizer.json (and the ONNX model for the onnx backend).
	ModelDir string `yaml:"model_dir"`
	// ModelPath points at the ONNX model file for the onnx backend.
	ModelPath string `yaml:"model_path"`
	// RemoteURL is the model server address for the remote backend.
	RemoteURL string `yaml:"remote_url"`
	// VocabSize is required by the onnx backend to shape the output tensor.
	VocabSize int `yaml:"vocab_size"`
	// EOSTokenID is the end-of-sequence token. -1 if unknown.
	EOSTokenID int `yaml:"eos_token_id"`
	// MaxSessions caps concurrently open HTTP generation requests.
	MaxSessions int64 `yaml:"max_sessions"`
	// DefaultMaxTokens applies when a request omits max_tokens.
	DefaultMaxTokens int `yaml:"default_max_tokens"`

	Engine EngineConfig `yaml:"engine"`
}

// DefaultConfig returns a config with working defaults for the mock backend.
func DefaultConfig() *Config {
	return &Config{
		Listen:           "127.0.0.1:8080",
		Backend:          "mock",
		VocabSize:        32000,
		EOSTokenID:       -1,
		MaxSessions:      512,
		DefaultMaxTokens: 128,
		Engine: EngineConfig{
			MaxBatchSize:     256,
			CacheBlockCount:  1024,
			BlockSizeTokens:  16,
			MaxModelLen:      4096,
			PreemptionPolicy: serving.PolicyNewestFirst,
		},
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if _, err := cfg.queueTimeout(); err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case "mock", "onnx", "remote":
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	return cfg, nil
}

func (c *Config) queueTimeout() (time.Duration, error) {
	if c.Engine.QueueTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Engine.QueueTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid queue_timeout: %w", err)
	}
	return d, nil
}

// EngineOptions translates the config into serving options.
func (c *Config) EngineOptions() []serving.ConfigOption {
	timeout, _ := c.queueTimeout()

	return []serving.ConfigOption{
		serving.WithMaxBatchSize(c.Engine.MaxBatchSize),
		serving.WithCacheBlockCount(c.Engine.CacheBlockCount),
		serving.WithBlockSizeTokens(c.Engine.BlockSizeTokens),
		serving.WithMaxModelLen(c.Engine.MaxModelLen),
		serving.WithPreemptionPolicy(c.Engine.PreemptionPolicy),
		serving.WithQueueTimeout(timeout),
		serving.WithEOS(c.EOSTokenID),
	}
}
