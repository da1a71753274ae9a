package pulse

import (
	"fmt"

	errs "github.com/vango-dev/pulse/internal/errors"
)

// Computed is a value derived from other reactive values. It recomputes when
// any value it read during its last evaluation commits a change, and it
// cannot be written directly.
//
// Example:
//
//	first := pulse.NewState(rt, "Ada")
//	last := pulse.NewState(rt, "Lovelace")
//	full := pulse.NewComputed(rt, func(tr *pulse.Tracker) string {
//	    return first.Track(tr) + " " + last.Track(tr)
//	})
//
// Dependencies are discovered on every evaluation: only values read through
// the evaluation's Tracker become sources. With WithDeps the dependency list
// is fixed and the function receives a nil Tracker.
type Computed[T any] struct {
	*State[T]
}

// NewComputed creates a computed value and evaluates it once.
func NewComputed[T any](rt *Runtime, fn func(tr *Tracker) T, opts ...Option) *Computed[T] {
	return NewComputedE(rt, func(tr *Tracker) (T, error) {
		return fn(tr), nil
	}, opts...)
}

// NewComputedE is NewComputed for derivations that can fail. A failure
// before rt.Boot() is retried once during Boot; after boot it is logged and
// the previous value is kept.
func NewComputedE[T any](rt *Runtime, fn func(tr *Tracker) (T, error), opts ...Option) *Computed[T] {
	o := applyOptions(opts)
	var zero T
	s := newState(rt, zero, o)
	if o.name == "" {
		s.name = fmt.Sprintf("computed#%d", s.id)
	}
	s.compute = fn

	if len(o.deps) > 0 {
		s.static = true
		for _, d := range o.deps {
			if d == nil || d.ID() == s.id {
				continue
			}
			d.Dep().Depend(s)
			s.sources = append(s.sources, d)
		}
	}

	if v, err := s.evaluate(); err != nil {
		rt.derivationFailed(s, err, s.retryDerivation)
	} else {
		s.value = v
		s.next = v
		s.initial = Clone(v)
	}

	if o.persistKey != "" {
		s.Persist(o.persistKey)
	}
	return &Computed[T]{State: s}
}

// Recompute evaluates the derivation and routes the result through the
// normal write path as one job.
func (c *Computed[T]) Recompute() {
	c.State.recompute()
}

// Sources returns the values read by the last successful evaluation (or the
// static dependency list).
func (c *Computed[T]) Sources() []Observable {
	c.sourcesMu.Lock()
	defer c.sourcesMu.Unlock()
	out := make([]Observable, len(c.sources))
	copy(out, c.sources)
	return out
}

func (s *State[T]) recompute() {
	v, err := s.evaluate()
	if err != nil {
		s.rt.derivationFailed(s, err, s.retryDerivation)
		return
	}
	s.mu.Lock()
	s.next = v
	s.mu.Unlock()
	s.rt.ingest(&Job{target: s, value: v, hasValue: true})
}

// retryDerivation is queued by the runtime when a derivation fails before boot.
func (s *State[T]) retryDerivation() {
	s.recompute()
}

// evaluate runs the derivation. On success the dependency edges are replaced
// by exactly the values read; on failure the old edges are kept, plus any
// read before the failure, so the computed still wakes up when a source
// changes.
func (s *State[T]) evaluate() (v T, err error) {
	var tr *Tracker
	if !s.static {
		tr = NewTracker()
	}

	v, err = s.safeCompute(tr)
	s.rt.metrics.recompute(err)
	if s.static {
		return v, err
	}
	if err != nil {
		s.addSources(tr.Observed())
		return v, err
	}
	s.rewire(tr.Observed())
	return v, nil
}

func (s *State[T]) safeCompute(tr *Tracker) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in derivation: %v", r)
		}
	}()
	return s.compute(tr)
}

// rewire makes reads the exact source set: stale sources lose their edge and
// new ones gain it. Self-reads are ignored.
func (s *State[T]) rewire(reads []Observable) {
	next := make([]Observable, 0, len(reads))
	keep := make(map[uint64]struct{}, len(reads))
	for _, r := range reads {
		if r.ID() == s.id {
			continue
		}
		keep[r.ID()] = struct{}{}
		next = append(next, r)
	}

	s.sourcesMu.Lock()
	old := s.sources
	s.sources = next
	s.sourcesMu.Unlock()

	for _, src := range old {
		if _, ok := keep[src.ID()]; !ok {
			src.Dep().Undepend(s)
		}
	}
	for _, src := range next {
		src.Dep().Depend(s)
	}
}

// addSources adds edges without removing existing ones.
func (s *State[T]) addSources(reads []Observable) {
	s.sourcesMu.Lock()
	have := make(map[uint64]struct{}, len(s.sources))
	for _, src := range s.sources {
		have[src.ID()] = struct{}{}
	}
	var added []Observable
	for _, r := range reads {
		if _, ok := have[r.ID()]; ok || r.ID() == s.id {
			continue
		}
		have[r.ID()] = struct{}{}
		s.sources = append(s.sources, r)
		added = append(added, r)
	}
	s.sourcesMu.Unlock()

	for _, src := range added {
		src.Dep().Depend(s)
	}
}

// derivationError wraps a failed evaluation for logging.
func derivationError(o Observable, err error) *errs.PulseError {
	return errs.New("P003").WithSubject(o.Name()).Wrap(err)
}
