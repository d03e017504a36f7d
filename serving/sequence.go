package serving

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a sequence
type Status int

const (
	StatusQueued Status = iota
	StatusRunning
	StatusFinished
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusFinished:
		return "finished"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DoneReason records why a sequence reached a terminal state.
type DoneReason string

const (
	DoneReasonStop     DoneReason = "stop"
	DoneReasonLength   DoneReason = "length"
	DoneReasonCancel   DoneReason = "cancel"
	DoneReasonError    DoneReason = "error"
	DoneReasonShutdown DoneReason = "shutdown"
)

// Sequence represents a single in-flight generation request.
// The prompt portion of TokenIDs is immutable after creation; the
// completion portion is append-only and survives preemption.
type Sequence struct {
	ID              string
	Status          Status
	TokenIDs        []int
	LastToken       int
	NumTokens       int
	NumPromptTokens int
	NumCachedTokens int
	BlockTable      []int
	Params          *SamplingParams
	DoneReason      DoneReason
	Err             error

	// EnqueuedAt is when the sequence entered the wait queue; used for the
	// queue timeout bound and FIFO fairness.
	EnqueuedAt time.Time
	// AdmitIndex is a monotonic counter assigned on each admission into the
	// running set; preemption policies use it to rank sequences.
	AdmitIndex int64

	cancelled atomic.Bool
	session   *Session
}

// NewSequence creates a new sequence from prompt token IDs and sampling
// parameters. The prompt is copied.
func NewSequence(tokenIDs []int, params *SamplingParams) *Sequence {
	tokens := make([]int, len(tokenIDs))
	copy(tokens, tokenIDs)

	seq := &Sequence{
		ID:              uuid.NewString(),
		Status:          StatusQueued,
		TokenIDs:        tokens,
		NumTokens:       len(tokens),
		NumPromptTokens: len(tokens),
		BlockTable:      make([]int, 0),
		Params:          params,
		EnqueuedAt:      time.Now(),
	}
	if len(tokens) > 0 {
		seq.LastToken = tokens[len(tokens)-1]
	}
	return seq
}

// Len returns the number of tokens in the sequence
func (s *Sequence) Len() int {
	return s.NumTokens
}

// IsFinished returns true if the sequence reached a terminal state
func (s *Sequence) IsFinished() bool {
	return s.Status == StatusFinished || s.Status == StatusCancelled || s.Status == StatusFailed
}

// NumCompletionTokens returns the number of generated tokens
func (s *Sequence) NumCompletionTokens() int {
	return s.NumTokens - s.NumPromptTokens
}

// PromptTokenIDs returns the prompt token IDs
func (s *Sequence) PromptTokenIDs() []int {
	return s.TokenIDs[:s.NumPromptTokens]
}

// CompletionTokenIDs returns the generated token IDs
func (s *Sequence) CompletionTokenIDs() []int {
	return s.TokenIDs[s.NumPromptTokens:]
}

// AppendToken appends a generated token to the sequence
func (s *Sequence) AppendToken(tokenID int) {
	s.TokenIDs = append(s.TokenIDs, tokenID)
	s.LastToken = tokenID
	s.NumTokens++
}

// Cancel marks the sequence for cancellation. The scheduler observes the
// flag at the start of its next tick.
func (s *Sequence) Cancel() {
	s.cancelled.Store(true)
}

// IsCancelRequested reports whether cancellation has been requested.
func (s *Sequence) IsCancelRequested() bool {
	return s.cancelled.Load()
}
