package serving

import (
	"container/list"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Scheduler forms the execution batch for each tick. It owns the wait
// queue, the running set, and the block allocator; continuous batching
// means the batch is re-formed on every tick rather than waiting for a
// fixed group of requests.
type Scheduler struct {
	maxBatchSize int
	maxModelLen  int
	queueTimeout time.Duration
	eos          int
	allocator    *BlockAllocator
	policy       PreemptionPolicy
	waiting      *list.List
	running      *list.List
	admitCounter int64
}

// NewScheduler creates a scheduler and its block allocator from config.
func NewScheduler(config *Config) *Scheduler {
	return &Scheduler{
		maxBatchSize: config.MaxBatchSize,
		maxModelLen:  config.MaxModelLen,
		queueTimeout: config.QueueTimeout,
		eos:          config.EOS,
		allocator:    NewBlockAllocator(config.CacheBlockCount, config.BlockSizeTokens),
		policy:       NewPreemptionPolicy(config.PreemptionPolicy),
		waiting:      list.New(),
		running:      list.New(),
	}
}

// Allocator exposes the block allocator for invariant checks.
func (s *Scheduler) Allocator() *BlockAllocator {
	return s.allocator
}

// Add enqueues a sequence at the back of the wait queue.
func (s *Scheduler) Add(seq *Sequence) {
	s.waiting.PushBack(seq)
}

// HasWork reports whether any sequence is waiting or running.
func (s *Scheduler) HasWork() bool {
	return s.waiting.Len() > 0 || s.running.Len() > 0
}

// NumWaiting returns the wait queue length.
func (s *Scheduler) NumWaiting() int {
	return s.waiting.Len()
}

// NumRunning returns the running set size.
func (s *Scheduler) NumRunning() int {
	return s.running.Len()
}

// Schedule runs the admission half of one tick and returns the batch to
// submit plus the sequences that reached a terminal state without running
// (cancelled while queued or running, or timed out waiting).
//
// Order within a tick: observe cancellations, expire overdue waiters, grow
// allocations for running sequences (preempting on exhaustion), then admit
// from the wait queue in strict FIFO while capacity allows.
func (s *Scheduler) Schedule(now time.Time) (batch []*Sequence, terminated []*Sequence) {
	terminated = append(terminated, s.sweepCancelled()...)
	terminated = append(terminated, s.expireWaiting(now)...)
	s.growRunning()
	s.admitWaiting()

	batch = make([]*Sequence, 0, s.running.Len())
	for elem := s.running.Front(); elem != nil; elem = elem.Next() {
		batch = append(batch, elem.Value.(*Sequence))
	}
	return batch, terminated
}

// sweepCancelled finalizes every sequence whose session requested
// cancellation since the last tick. Running sequences release their cache
// handle here, within one tick of the cancel call.
func (s *Scheduler) sweepCancelled() []*Sequence {
	var cancelled []*Sequence

	for elem := s.waiting.Front(); elem != nil; {
		next := elem.Next()
		seq := elem.Value.(*Sequence)
		if seq.IsCancelRequested() {
			s.waiting.Remove(elem)
			seq.Status = StatusCancelled
			seq.DoneReason = DoneReasonCancel
			cancelled = append(cancelled, seq)
		}
		elem = next
	}

	for elem := s.running.Front(); elem != nil; {
		next := elem.Next()
		seq := elem.Value.(*Sequence)
		if seq.IsCancelRequested() {
			s.running.Remove(elem)
			s.allocator.Release(seq)
			seq.Status = StatusCancelled
			seq.DoneReason = DoneReasonCancel
			cancelled = append(cancelled, seq)
		}
		elem = next
	}

	return cancelled
}

// expireWaiting fails sequences that exceeded the queue timeout.
func (s *Scheduler) expireWaiting(now time.Time) []*Sequence {
	if s.queueTimeout <= 0 {
		return nil
	}

	var expired []*Sequence
	for elem := s.waiting.Front(); elem != nil; {
		next := elem.Next()
		seq := elem.Value.(*Sequence)
		if now.Sub(seq.EnqueuedAt) > s.queueTimeout {
			s.waiting.Remove(elem)
			seq.Status = StatusFailed
			seq.DoneReason = DoneReasonError
			seq.Err = ErrCapacityExceeded
			expired = append(expired, seq)
			logrus.Warnf("sequence %s waited %s for cache capacity, failing with capacity exceeded",
				seq.ID, now.Sub(seq.EnqueuedAt).Round(time.Millisecond))
		}
		elem = next
	}
	return expired
}

// growRunning ensures every running sequence has a cache slot for the token
// this tick will produce, preempting victims when the pool is exhausted.
func (s *Scheduler) growRunning() {
	snapshot := make([]*Sequence, 0, s.running.Len())
	for elem := s.running.Front(); elem != nil; elem = elem.Next() {
		snapshot = append(snapshot, elem.Value.(*Sequence))
	}

	for _, seq := range snapshot {
		if seq.Status != StatusRunning {
			// Already preempted as a victim earlier in this loop.
			continue
		}

		for {
			err := s.allocator.Grow(seq)
			if err == nil {
				break
			}

			victim := s.policy.SelectVictim(s.runningSeqs())
			s.preempt(victim)
			if victim == seq {
				break
			}
		}
	}
}

// runningSeqs snapshots the running list.
func (s *Scheduler) runningSeqs() []*Sequence {
	seqs := make([]*Sequence, 0, s.running.Len())
	for elem := s.running.Front(); elem != nil; elem = elem.Next() {
		seqs = append(seqs, elem.Value.(*Sequence))
	}
	return seqs
}

// preempt releases a running sequence's cache handle and returns it to the
// front of the wait queue. Generated tokens are retained, so re-admission
// resumes from the same token count.
func (s *Scheduler) preempt(seq *Sequence) {
	logrus.Warnf("preempting sequence %s (%d tokens) to free cache blocks", seq.ID, seq.Len())
	s.removeFromRunning(seq)
	s.allocator.Release(seq)
	seq.Status = StatusQueued
	// Restart the admission clock; the deferral bound covers time spent
	// waiting, not work already done.
	seq.EnqueuedAt = time.Now()
	s.waiting.PushFront(seq)
}

// admitWaiting moves sequences from Waiting to Running in strict FIFO
// order while the batch has room and the allocator can cover both the
// prompt and the first decoded token. The first sequence that does not fit
// stops admission; skipping ahead would starve long prompts.
func (s *Scheduler) admitWaiting() {
	for s.waiting.Len() > 0 && s.running.Len() < s.maxBatchSize {
		elem := s.waiting.Front()
		seq := elem.Value.(*Sequence)

		if err := s.allocator.Reserve(seq); err != nil {
			logrus.Debugf("deferring admission of sequence %s: %v", seq.ID, err)
			break
		}
		if err := s.allocator.Grow(seq); err != nil {
			s.allocator.Release(seq)
			logrus.Debugf("deferring admission of sequence %s: %v", seq.ID, err)
			break
		}

		s.waiting.Remove(elem)
		seq.Status = StatusRunning
		s.admitCounter++
		seq.AdmitIndex = s.admitCounter
		s.running.PushBack(seq)
	}
}

// Postprocess applies one step's executor results: appends each sampled
// token and finalizes sequences that hit a stop condition or length limit.
// Returns the sequences that finished this tick.
func (s *Scheduler) Postprocess(batch []*Sequence, results []StepResult) []*Sequence {
	var finished []*Sequence

	for i, seq := range batch {
		if seq.Status != StatusRunning {
			continue
		}

		res := results[i]
		seq.AppendToken(res.TokenID)

		var reason DoneReason
		switch {
		case res.Stop:
			reason = DoneReasonStop
		case !seq.Params.IgnoreEOS && s.eos >= 0 && res.TokenID == s.eos:
			reason = DoneReasonStop
		case seq.Params.isStopToken(res.TokenID):
			reason = DoneReasonStop
		case seq.NumCompletionTokens() >= seq.Params.MaxTokens:
			reason = DoneReasonLength
		case seq.Len() >= s.maxModelLen:
			reason = DoneReasonLength
		}

		if reason != "" {
			seq.Status = StatusFinished
			seq.DoneReason = reason
			s.removeFromRunning(seq)
			s.allocator.Release(seq)
			finished = append(finished, seq)
		}
	}

	return finished
}

// FailBatch marks every sequence of a failed step as Failed and releases
// all cache handles. The step is not retried.
func (s *Scheduler) FailBatch(batch []*Sequence, cause error) []*Sequence {
	failed := make([]*Sequence, 0, len(batch))

	for _, seq := range batch {
		if seq.Status != StatusRunning {
			continue
		}
		s.removeFromRunning(seq)
		s.allocator.Release(seq)
		seq.Status = StatusFailed
		seq.DoneReason = DoneReasonError
		seq.Err = fmt.Errorf("%w: %v", ErrExecutorFailure, cause)
		failed = append(failed, seq)
	}

	return failed
}

// Drain terminates every remaining sequence, used on engine shutdown.
func (s *Scheduler) Drain() []*Sequence {
	var drained []*Sequence

	for elem := s.running.Front(); elem != nil; elem = elem.Next() {
		seq := elem.Value.(*Sequence)
		s.allocator.Release(seq)
		seq.Status = StatusCancelled
		seq.DoneReason = DoneReasonShutdown
		drained = append(drained, seq)
	}
	s.running.Init()

	for elem := s.waiting.Front(); elem != nil; elem = elem.Next() {
		seq := elem.Value.(*Sequence)
		seq.Status = StatusCancelled
		seq.DoneReason = DoneReasonShutdown
		drained = append(drained, seq)
	}
	s.waiting.Init()

	return drained
}

// removeFromRunning removes seq from the running list if present.
func (s *Scheduler) removeFromRunning(seq *Sequence) {
	for elem := s.running.Front(); elem != nil; elem = elem.Next() {
		if elem.Value.(*Sequence) == seq {
			s.running.Remove(elem)
			return
		}
	}
}
