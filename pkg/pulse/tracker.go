package pulse

// Tracker is an explicit dependency-discovery context. A computed value
// evaluates its function with a fresh Tracker; every Track call made with it
// records an edge source. A nil *Tracker is valid and records nothing, which
// is how static-dependency computeds and plain code perform untracked reads.
type Tracker struct {
	seen  map[uint64]struct{}
	reads []Observable
}

// NewTracker returns an empty discovery context.
func NewTracker() *Tracker {
	return &Tracker{seen: make(map[uint64]struct{})}
}

// Track records o as read during the current evaluation.
func (t *Tracker) Track(o Observable) {
	if t == nil || o == nil {
		return
	}
	id := o.ID()
	if _, ok := t.seen[id]; ok {
		return
	}
	t.seen[id] = struct{}{}
	t.reads = append(t.reads, o)
}

// Observed returns the recorded reads in first-read order.
func (t *Tracker) Observed() []Observable {
	if t == nil {
		return nil
	}
	out := make([]Observable, len(t.reads))
	copy(out, t.reads)
	return out
}

// Len returns the number of distinct values read.
func (t *Tracker) Len() int {
	if t == nil {
		return 0
	}
	return len(t.reads)
}
