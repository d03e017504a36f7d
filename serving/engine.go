package serving

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// idlePollInterval bounds how long the run loop sleeps when sequences are
// waiting but none can make progress, so queue timeouts still fire.
const idlePollInterval = 10 * time.Millisecond

// Engine drives the serving core: it owns the scheduler, calls the step
// executor once per tick, and fans generated tokens out to sessions.
//
// All scheduling and allocator state is touched only by the run loop
// goroutine; Open and Cancel communicate with it through a pending list
// and per-sequence flags.
type Engine struct {
	config    *Config
	tokenizer Tokenizer
	executor  StepExecutor
	scheduler *Scheduler

	mu      sync.Mutex
	pending []*Sequence
	closed  bool

	wake chan struct{}
}

// NewEngine creates an engine from config, a step executor, and a tokenizer.
func NewEngine(config *Config, executor StepExecutor, tokenizer Tokenizer) *Engine {
	if config.EOS < 0 && tokenizer != nil {
		config.EOS = tokenizer.EOSTokenID()
	}

	return &Engine{
		config:    config,
		tokenizer: tokenizer,
		executor:  executor,
		scheduler: NewScheduler(config),
		wake:      make(chan struct{}, 1),
	}
}

// Scheduler exposes the scheduler for tests and introspection.
func (e *Engine) Scheduler() *Scheduler {
	return e.scheduler
}

// Open validates the request, tokenizes the prompt, and enqueues a new
// sequence. Malformed requests fail synchronously before any sequence
// state is created.
func (e *Engine) Open(prompt string, params *SamplingParams) (*Session, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("%w: empty prompt", ErrMalformedRequest)
	}

	tokens, err := e.tokenizer.Encode(prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}

	return e.OpenTokens(tokens, params)
}

// OpenTokens enqueues a new sequence from pre-tokenized input.
func (e *Engine) OpenTokens(tokens []int, params *SamplingParams) (*Session, error) {
	if params == nil {
		params = NewSamplingParams()
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: prompt produced no tokens", ErrMalformedRequest)
	}
	if len(tokens) >= e.config.MaxModelLen {
		return nil, fmt.Errorf("%w: prompt length %d exceeds model length %d",
			ErrMalformedRequest, len(tokens), e.config.MaxModelLen)
	}

	seq := NewSequence(tokens, params)
	sess := &Session{
		seq: seq,
		// Sized for every token plus the terminal event, so the run loop
		// never blocks on delivery.
		events: make(chan Event, params.MaxTokens+2),
		wake:   e.signalWake,
	}
	seq.session = sess

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	e.pending = append(e.pending, seq)
	e.mu.Unlock()

	e.signalWake()
	return sess, nil
}

// signalWake nudges the run loop without blocking.
func (e *Engine) signalWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// hasWork reports whether any sequence is pending, waiting, or running.
// Only the run loop reads scheduler state.
func (e *Engine) hasWork() bool {
	e.mu.Lock()
	pending := len(e.pending) > 0
	e.mu.Unlock()
	return pending || e.scheduler.HasWork()
}

// Run drives scheduling ticks until ctx is done, then drains every
// remaining sequence with a shutdown event.
func (e *Engine) Run(ctx context.Context) error {
	logrus.Infof("engine started: max_batch_size=%d cache_blocks=%d block_size=%d policy=%s",
		e.config.MaxBatchSize, e.config.CacheBlockCount, e.config.BlockSizeTokens, e.config.PreemptionPolicy)

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		default:
		}

		if !e.hasWork() {
			select {
			case <-ctx.Done():
				e.shutdown()
				return nil
			case <-e.wake:
			}
			continue
		}

		if stepped := e.Step(); !stepped {
			// Sequences are queued but none can run yet; sleep briefly so
			// queue timeouts and wakeups are still observed.
			select {
			case <-ctx.Done():
				e.shutdown()
				return nil
			case <-e.wake:
			case <-time.After(idlePollInterval):
			}
		}
	}
}

// Step executes one scheduling tick: admit, run one decode step, apply
// results, and deliver events. It returns false when no batch could be
// formed. Exposed so tests and offline callers can drive ticks directly.
func (e *Engine) Step() bool {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()
	for _, seq := range pending {
		e.scheduler.Add(seq)
	}

	batch, terminated := e.scheduler.Schedule(time.Now())
	e.deliverTerminal(terminated)

	if len(batch) == 0 {
		return false
	}

	results, err := e.executor.Step(batch)
	if err == nil && len(results) != len(batch) {
		err = fmt.Errorf("executor returned %d results for batch of %d", len(results), len(batch))
	}
	if err != nil {
		logrus.Errorf("step failed for batch of %d: %v", len(batch), err)
		failed := e.scheduler.FailBatch(batch, err)
		e.deliverTerminal(failed)
		return true
	}

	finished := e.scheduler.Postprocess(batch, results)

	// Tokens are already appended to sequence state; now surface them.
	// Every session in the batch is updated here, at the tick boundary.
	for _, seq := range batch {
		e.deliverToken(seq)
	}
	e.deliverTerminal(finished)

	return true
}

// deliverToken sends the most recent token of seq to its session.
func (e *Engine) deliverToken(seq *Sequence) {
	sess := seq.session
	if sess == nil {
		return
	}

	var content string
	if e.tokenizer != nil {
		if text, err := e.tokenizer.Decode([]int{seq.LastToken}); err == nil {
			content = text
		}
	}

	sess.send(Event{Kind: EventToken, TokenID: seq.LastToken, Content: content})
}

// deliverTerminal sends each sequence's terminal event and closes its
// stream. Cancelled sequences get no event, just the close.
func (e *Engine) deliverTerminal(seqs []*Sequence) {
	for _, seq := range seqs {
		sess := seq.session
		if sess == nil {
			continue
		}

		switch {
		case seq.Status == StatusFailed:
			sess.send(Event{Kind: EventError, Reason: DoneReasonError, Err: seq.Err})
		case seq.DoneReason == DoneReasonCancel:
			// Client asked for this; closing the stream is the only signal.
		default:
			sess.send(Event{Kind: EventEnd, Reason: seq.DoneReason})
		}
		sess.closeStream()
	}
}

// shutdown refuses new sessions and terminates the remaining ones.
func (e *Engine) shutdown() {
	e.mu.Lock()
	e.closed = true
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, seq := range pending {
		e.scheduler.Add(seq)
	}
	drained := e.scheduler.Drain()
	e.deliverTerminal(drained)

	logrus.Info("engine stopped")
}
