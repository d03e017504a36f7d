package serving

import "fmt"

// SamplingParams holds the per-request sampling configuration.
// Fixed at sequence creation.
type SamplingParams struct {
	Temperature float64
	MaxTokens   int
	StopTokens  []int
	IgnoreEOS   bool
}

// SamplingOption is a functional option for SamplingParams
type SamplingOption func(*SamplingParams)

// NewSamplingParams creates a new SamplingParams with default values
func NewSamplingParams(opts ...SamplingOption) *SamplingParams {
	sp := &SamplingParams{
		Temperature: 1.0,
		MaxTokens:   64,
		IgnoreEOS:   false,
	}

	for _, opt := range opts {
		opt(sp)
	}

	if err := sp.Validate(); err != nil {
		panic(err)
	}

	return sp
}

// Validate checks if the sampling parameters are valid
func (sp *SamplingParams) Validate() error {
	if sp.Temperature <= 1e-10 {
		return fmt.Errorf("%w: greedy sampling is not permitted (temperature too low)", ErrMalformedRequest)
	}
	if sp.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive", ErrMalformedRequest)
	}
	return nil
}

// isStopToken reports whether tokenID matches one of the configured stop tokens.
func (sp *SamplingParams) isStopToken(tokenID int) bool {
	for _, t := range sp.StopTokens {
		if t == tokenID {
			return true
		}
	}
	return false
}

// WithTemperature sets the sampling temperature
func WithTemperature(t float64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.Temperature = t
	}
}

// WithMaxTokens sets the maximum number of tokens to generate
func WithMaxTokens(n int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.MaxTokens = n
	}
}

// WithStopTokens sets additional stop token IDs
func WithStopTokens(ids ...int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.StopTokens = ids
	}
}

// WithIgnoreEOS sets whether to ignore the EOS token
func WithIgnoreEOS(b bool) SamplingOption {
	return func(sp *SamplingParams) {
		sp.IgnoreEOS = b
	}
}
