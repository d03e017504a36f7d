package serving

// StepResult is the outcome of one decoding step for one sequence.
type StepResult struct {
	// TokenID is the sampled next token.
	TokenID int
	// Stop is set when the backend signals end-of-sequence, e.g. after
	// sampling its EOS token.
	Stop bool
}

// StepExecutor is the boundary to the model execution backend. One call
// runs a single forward-decode step for the whole batch and returns one
// result per input sequence, in batch order.
//
// The backend is a black box: tensor layout, weights, and kernel execution
// are its concern. A failed call fails the entire batch; the engine does
// not retry, since backend-side cache state cannot be assumed intact.
//
// Implementations:
// - backend.ONNXExecutor: in-process via ONNX Runtime
// - backend.RemoteExecutor: HTTP calls to an external model server
// - MockExecutor: deterministic tokens for tests and demos
type StepExecutor interface {
	Step(batch []*Sequence) ([]StepResult, error)

	// Close cleans up resources
	Close() error
}

// MockExecutor is a deterministic in-process executor used in tests and
// the bench command's dry-run mode.
type MockExecutor struct {
	vocabSize int
	eos       int
	// stopAfter, when positive, stops every sequence after that many
	// generated tokens.
	stopAfter int
}

// NewMockExecutor creates a mock executor over a fake vocabulary.
func NewMockExecutor(vocabSize, eos int) *MockExecutor {
	return &MockExecutor{
		vocabSize: vocabSize,
		eos:       eos,
	}
}

// SetStopAfter makes the mock signal stop once a sequence has generated n tokens.
func (m *MockExecutor) SetStopAfter(n int) {
	m.stopAfter = n
}

// Step generates one deterministic token per sequence.
func (m *MockExecutor) Step(batch []*Sequence) ([]StepResult, error) {
	results := make([]StepResult, len(batch))

	for i, seq := range batch {
		tokenID := (seq.LastToken + seq.NumTokens) % m.vocabSize
		if tokenID == m.eos {
			tokenID = (tokenID + 1) % m.vocabSize
		}

		stop := false
		if m.stopAfter > 0 && seq.NumCompletionTokens()+1 >= m.stopAfter {
			stop = true
			tokenID = m.eos
		}

		results[i] = StepResult{TokenID: tokenID, Stop: stop}
	}

	return results, nil
}

// Close cleans up resources
func (m *MockExecutor) Close() error {
	return nil
}
