package serving

import "fmt"

const (
	// PolicyNewestFirst preempts the most recently admitted running
	// sequence, minimizing lost decode work.
	PolicyNewestFirst = "newest-first"
	// PolicyOldestFirst preempts the longest-running sequence.
	PolicyOldestFirst = "oldest-first"
)

// PreemptionPolicy selects which running sequence to evict when the cache
// pool cannot satisfy a growth request.
type PreemptionPolicy interface {
	// SelectVictim picks a victim from the running set. The slice is never
	// empty and is not modified.
	SelectVictim(running []*Sequence) *Sequence
}

// NewestFirstPolicy picks the sequence admitted last; ties cannot occur
// because admission indices are unique.
type NewestFirstPolicy struct{}

func (NewestFirstPolicy) SelectVictim(running []*Sequence) *Sequence {
	victim := running[0]
	for _, seq := range running[1:] {
		if seq.AdmitIndex > victim.AdmitIndex {
			victim = seq
		}
	}
	return victim
}

// OldestFirstPolicy picks the sequence admitted first.
type OldestFirstPolicy struct{}

func (OldestFirstPolicy) SelectVictim(running []*Sequence) *Sequence {
	victim := running[0]
	for _, seq := range running[1:] {
		if seq.AdmitIndex < victim.AdmitIndex {
			victim = seq
		}
	}
	return victim
}

// IsValidPreemptionPolicy reports whether name identifies a known policy.
// The empty string selects the default.
func IsValidPreemptionPolicy(name string) bool {
	switch name {
	case "", PolicyNewestFirst, PolicyOldestFirst:
		return true
	default:
		return false
	}
}

// NewPreemptionPolicy creates a PreemptionPolicy by name. Empty string
// defaults to newest-first. Panics on unrecognized names; Config.validate
// rejects them earlier.
func NewPreemptionPolicy(name string) PreemptionPolicy {
	switch name {
	case "", PolicyNewestFirst:
		return NewestFirstPolicy{}
	case PolicyOldestFirst:
		return OldestFirstPolicy{}
	default:
		panic(fmt.Sprintf("unknown preemption policy %q", name))
	}
}
