package serving

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingExecutor always fails the step call.
type failingExecutor struct{}

func (failingExecutor) Step(batch []*Sequence) ([]StepResult, error) {
	return nil, errors.New("backend out of memory")
}

func (failingExecutor) Close() error { return nil }

func newTestEngine(executor StepExecutor, opts ...ConfigOption) *Engine {
	base := []ConfigOption{
		WithMaxBatchSize(4),
		WithCacheBlockCount(16),
		WithBlockSizeTokens(2),
		WithMaxModelLen(128),
		WithEOS(0),
	}
	return NewEngine(NewConfig(append(base, opts...)...), executor, NewWordTokenizer(0))
}

func TestEngineOpenRejectsMalformedRequests(t *testing.T) {
	e := newTestEngine(NewMockExecutor(1000, 0))

	_, err := e.Open("   ", NewSamplingParams())
	assert.ErrorIs(t, err, ErrMalformedRequest)

	_, err = e.OpenTokens([]int{1, 2}, &SamplingParams{Temperature: 1.0, MaxTokens: -1})
	assert.ErrorIs(t, err, ErrMalformedRequest)

	long := make([]int, 500)
	_, err = e.OpenTokens(long, NewSamplingParams())
	assert.ErrorIs(t, err, ErrMalformedRequest)

	assert.False(t, e.hasWork(), "rejected requests must not create sequence state")
}

func TestEngineStreamsTokensUntilStop(t *testing.T) {
	mock := NewMockExecutor(1000, 0)
	mock.SetStopAfter(3)
	e := newTestEngine(mock)

	sess, err := e.Open("hello world", NewSamplingParams(WithMaxTokens(10)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx)
	}()

	var tokens int
	for {
		ev, err := sess.ReadNext(context.Background())
		require.NoError(t, err)
		if ev.Kind == EventEnd {
			assert.Equal(t, DoneReasonStop, ev.Reason)
			break
		}
		require.Equal(t, EventToken, ev.Kind)
		tokens++
	}

	assert.Equal(t, 3, tokens)

	_, err = sess.ReadNext(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)

	cancel()
	<-done
}

func TestEngineSecondRequestWaitsForCapacity(t *testing.T) {
	// Pool of 4 blocks of 2 tokens, batch size 1: two 3-token prompts each
	// need 2 blocks. The second session opens fine but receives nothing
	// until the first finishes and frees its blocks.
	mock := NewMockExecutor(1000, 0)
	mock.SetStopAfter(2)
	e := newTestEngine(mock,
		WithMaxBatchSize(1),
		WithCacheBlockCount(4),
	)

	first, err := e.OpenTokens([]int{1, 2, 3}, NewSamplingParams(WithMaxTokens(10)))
	require.NoError(t, err)
	second, err := e.OpenTokens([]int{7, 8, 9}, NewSamplingParams(WithMaxTokens(10)))
	require.NoError(t, err, "open must not fail while capacity is merely busy")

	// Tick 1: only the first runs; the second has produced no events.
	e.Step()
	assert.Len(t, first.events, 1)
	assert.Empty(t, second.events)

	// Tick 2: the first hits its stop token and releases its blocks.
	e.Step()
	assert.Equal(t, StatusFinished, first.seq.Status)
	assert.Empty(t, second.events, "second request still had no capacity this tick")

	// Tick 3: the freed blocks admit the second sequence.
	e.Step()
	assert.Equal(t, StatusRunning, second.seq.Status)
	require.NotEmpty(t, second.events)

	ev, err := second.ReadNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EventToken, ev.Kind)
}

func TestEngineOpenConcurrent(t *testing.T) {
	// Open runs on one goroutine per client while the run loop decodes
	// tokens; the word tokenizer's vocabulary is shared between them.
	mock := NewMockExecutor(1000, 0)
	mock.SetStopAfter(2)
	e := newTestEngine(mock,
		WithMaxBatchSize(32),
		WithCacheBlockCount(256),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx)
	}()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			sess, err := e.Open(fmt.Sprintf("request %d says something unique%d", i, i), NewSamplingParams(WithMaxTokens(4)))
			if !assert.NoError(t, err) {
				return
			}
			for {
				ev, err := sess.ReadNext(context.Background())
				if err != nil {
					assert.ErrorIs(t, err, ErrSessionClosed)
					return
				}
				if ev.Kind != EventToken {
					assert.Equal(t, EventEnd, ev.Kind)
				}
			}
		}(i)
	}
	wg.Wait()

	cancel()
	<-done
}

func TestEngineCancelReleasesWithinOneTick(t *testing.T) {
	e := newTestEngine(NewMockExecutor(1000, 0))

	sess, err := e.Open("some prompt here", NewSamplingParams(WithMaxTokens(100)))
	require.NoError(t, err)

	e.Step()
	require.Greater(t, e.scheduler.Allocator().UsedBlockCount(), 0)

	// Drain the first token, then cancel mid-generation.
	ev, err := sess.ReadNext(context.Background())
	require.NoError(t, err)
	require.Equal(t, EventToken, ev.Kind)

	sess.Cancel()
	e.Step()

	assert.Equal(t, StatusCancelled, sess.seq.Status)
	assert.Equal(t, 0, e.scheduler.Allocator().UsedBlockCount(),
		"cache handle must be released within one tick of cancellation")

	// No further tokens: the stream just closes.
	_, err = sess.ReadNext(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestEngineExecutorFailureFailsWholeBatch(t *testing.T) {
	e := newTestEngine(failingExecutor{})

	var sessions []*Session
	for i := 0; i < 3; i++ {
		sess, err := e.OpenTokens([]int{10 + i, 20 + i}, NewSamplingParams(WithMaxTokens(10)))
		require.NoError(t, err)
		sessions = append(sessions, sess)
	}

	e.Step()

	for _, sess := range sessions {
		ev, err := sess.ReadNext(context.Background())
		require.NoError(t, err)
		assert.Equal(t, EventError, ev.Kind)
		assert.ErrorIs(t, ev.Err, ErrExecutorFailure)

		_, err = sess.ReadNext(context.Background())
		assert.ErrorIs(t, err, ErrSessionClosed)
	}

	assert.Equal(t, 0, e.scheduler.Allocator().UsedBlockCount(),
		"failed batch must not leak cache blocks")
}

func TestEngineShutdownDrainsSessions(t *testing.T) {
	e := newTestEngine(NewMockExecutor(1000, 0))

	sess, err := e.Open("a prompt", NewSamplingParams(WithMaxTokens(1000)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx)
	}()

	// Let at least one token through, then stop the engine.
	ev, err := sess.ReadNext(context.Background())
	require.NoError(t, err)
	require.Equal(t, EventToken, ev.Kind)

	cancel()
	<-done

	// Drain the stream; it must end with a shutdown event.
	for {
		ev, err := sess.ReadNext(context.Background())
		if err != nil {
			assert.ErrorIs(t, err, ErrSessionClosed)
			break
		}
		if ev.Kind == EventEnd {
			assert.Equal(t, DoneReasonShutdown, ev.Reason)
		}
	}

	_, err = e.Open("too late", NewSamplingParams())
	assert.ErrorIs(t, err, ErrEngineClosed)

	assert.Equal(t, 0, e.scheduler.Allocator().UsedBlockCount())
}

func TestEngineReadNextHonorsContext(t *testing.T) {
	e := newTestEngine(NewMockExecutor(1000, 0))

	sess, err := e.Open("a prompt", NewSamplingParams(WithMaxTokens(10)))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// No ticks are running, so the read must end with the context.
	_, err = sess.ReadNext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
