// Package api defines the JSON types of the HTTP generation API.
package api

// GenerateRequest is the body of POST /v1/generate.
type GenerateRequest struct {
	// Prompt is the input text to complete.
	Prompt string `json:"prompt"`

	// MaxTokens caps the number of generated tokens. Zero selects the
	// server default; negative values are rejected.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature scales sampling randomness. Zero selects the server
	// default.
	Temperature float64 `json:"temperature,omitempty"`

	// Stream selects incremental ndjson delivery (default true). When
	// false, the response is a single JSON body sent after completion.
	Stream *bool `json:"stream,omitempty"`
}

// Error kinds reported on abnormal terminations.
const (
	ErrorKindCapacityExceeded = "capacity_exceeded"
	ErrorKindExecutorFailure  = "executor_failure"
	ErrorKindInternal         = "internal"
)

// GenerateResponse is one event of a streamed generation, or the whole
// result when streaming is disabled.
type GenerateResponse struct {
	// ID is the request id assigned by the engine.
	ID string `json:"id,omitempty"`

	// TokenID is the generated token, present on incremental events.
	TokenID int `json:"token_id,omitempty"`

	// Response is the decoded text: one token's text on incremental
	// events, the full concatenated output on the final non-streaming
	// response.
	Response string `json:"response"`

	// Done marks the final event of a generation.
	Done bool `json:"done"`

	// DoneReason says why generation ended: "stop", "length", "shutdown",
	// "error".
	DoneReason string `json:"done_reason,omitempty"`

	// Error carries the failure message when DoneReason is "error".
	Error string `json:"error,omitempty"`

	// ErrorKind discriminates failures for clients: one of the ErrorKind
	// constants.
	ErrorKind string `json:"error_kind,omitempty"`

	// EvalCount is the number of generated tokens, set on the final event.
	EvalCount int `json:"eval_count,omitempty"`

	// PromptEvalCount is the number of prompt tokens, set on the final event.
	PromptEvalCount int `json:"prompt_eval_count,omitempty"`
}

// StatusResponse is the body of GET /health.
type StatusResponse struct {
	Status string `json:"status"`
}
