package pulse

import (
	"fmt"
	"reflect"
	"sync"

	errs "github.com/vango-dev/pulse/internal/errors"
)

// Observable is a reactive node: something the runtime can commit, a
// computed can depend on, and a subscriber can watch. It is implemented by
// *State[T] and *Computed[T]; types in other packages satisfy it by
// embedding a *State.
type Observable interface {
	// ID returns the node's unique identifier.
	ID() uint64

	// Name returns the node's display name.
	Name() string

	// Dep returns the node's dependency node.
	Dep() *Dep

	// Snapshot returns the public value delivered to subscribers.
	Snapshot() any

	commit(job *Job) bool
	runSideEffects(job *Job)
	runWatchers()
	derived() bool
}

type sideEffect struct {
	name string
	fn   func(*Job)
}

type watcher[T any] struct {
	name string
	fn   func(T)
}

// State is a reactive value container. Writes are turned into jobs that the
// runtime applies one at a time; reads are plain (Value) or tracked (Track).
//
// A State keeps its initial value (deep-copied), the value staged by the
// latest write, and one level of history for Undo.
type State[T any] struct {
	id   uint64
	name string
	rt   *Runtime
	dep  *Dep

	// mu protects the value fields below.
	mu          sync.RWMutex
	value       T
	next        T
	previous    T
	hasPrevious bool
	initial     T
	modified    bool
	staged      uint64 // writes submitted so far

	kind   Kind
	equal  func(T, T) bool
	public func() any

	// hooksMu protects side effects and watchers.
	hooksMu     sync.Mutex
	sideEffects []sideEffect
	watchers    []watcher[T]

	// persistKey is empty when the state is not persisted.
	persistMu  sync.Mutex
	persistKey string

	// compute is non-nil for computed states.
	compute   func(*Tracker) (T, error)
	static    bool
	sourcesMu sync.Mutex
	sources   []Observable
}

// NewState creates a reactive value owned by rt.
//
// Example:
//
//	count := pulse.NewState(rt, 0, pulse.WithName("count"))
//	count.Set(5)
//	count.Update(func(n int) int { return n + 1 })
func NewState[T any](rt *Runtime, initial T, opts ...Option) *State[T] {
	o := applyOptions(opts)
	s := newState(rt, initial, o)
	if o.persistKey != "" {
		s.Persist(o.persistKey)
	}
	return s
}

func newState[T any](rt *Runtime, initial T, o options) *State[T] {
	if rt == nil {
		panic("pulse: NewState requires a runtime")
	}
	s := &State[T]{
		id:      nextID(),
		name:    o.name,
		rt:      rt,
		value:   initial,
		next:    initial,
		initial: Clone(initial),
		kind:    o.kind,
		public:  o.public,
	}
	if s.name == "" {
		s.name = fmt.Sprintf("state#%d", s.id)
	}
	if eq, ok := o.equal.(func(T, T) bool); ok {
		s.equal = eq
	}
	s.dep = newDep(s)
	return s
}

// ID returns the unique identifier for this state.
func (s *State[T]) ID() uint64 {
	return s.id
}

// Name returns the state's display name.
func (s *State[T]) Name() string {
	return s.name
}

// Dep returns the state's dependency node.
func (s *State[T]) Dep() *Dep {
	return s.dep
}

// Runtime returns the runtime that schedules this state's jobs.
func (s *State[T]) Runtime() *Runtime {
	return s.rt
}

// Value returns the current value without recording a dependency.
func (s *State[T]) Value() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Peek is an alias for Value.
func (s *State[T]) Peek() T {
	return s.Value()
}

// Track returns the current value and records it in tr. Inside a computed's
// function this is how dependency edges are discovered. A nil tracker makes
// Track equivalent to Value.
func (s *State[T]) Track(tr *Tracker) T {
	tr.Track(s)
	return s.Value()
}

// Snapshot returns the public value: the current value, or the output of the
// PublicValue option when one was given.
func (s *State[T]) Snapshot() any {
	if s.public != nil {
		return s.public()
	}
	return s.Value()
}

// Next returns the most recently staged value. It differs from Value while a
// write is queued behind other jobs.
func (s *State[T]) Next() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.next
}

// Previous returns the value before the last committed write.
func (s *State[T]) Previous() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.previous, s.hasPrevious
}

// Initial returns a copy of the construction value.
func (s *State[T]) Initial() T {
	return Clone(s.initial)
}

// IsModified reports whether a write has been committed since construction
// or the last Reset.
func (s *State[T]) IsModified() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.modified
}

// IsComputed reports whether the state is derived by a function.
func (s *State[T]) IsComputed() bool {
	return s.compute != nil
}

func (s *State[T]) derived() bool {
	return s.compute != nil
}

// Set stages value and hands a job to the runtime. A value failing the
// declared Kind is rejected: the state is unchanged and no job is created.
func (s *State[T]) Set(value T, opts ...SetOption) {
	if s.compute != nil {
		s.rt.diagnose(errs.New("P002").WithSubject(s.name))
		return
	}
	if !s.kind.accepts(any(value)) {
		s.rt.diagnose(errs.New("P001").
			WithSubject(s.name).
			WithDetail(fmt.Sprintf("declared %s, got %s", s.kind, describeKind(any(value)))))
		return
	}
	s.submit(&Job{target: s, value: value, hasValue: true}, applySetOptions(opts))
}

// Update stages fn applied to the most recently staged value.
//
// Example:
//
//	count.Update(func(n int) int { return n + 1 })
func (s *State[T]) Update(fn func(T) T, opts ...SetOption) {
	s.Set(fn(Clone(s.Next())), opts...)
}

// SetAny sets the value from an interface{}. It returns a
// *TypeMismatchError, without changing the state, when v is not a T or fails
// the declared Kind. A nil v sets the zero value.
func (s *State[T]) SetAny(v any, opts ...SetOption) error {
	if s.compute != nil {
		s.rt.diagnose(errs.New("P002").WithSubject(s.name))
		return ErrComputedWrite
	}
	var value T
	if v != nil {
		typed, ok := v.(T)
		if !ok {
			err := &TypeMismatchError{
				State:    s.name,
				Expected: reflect.TypeOf((*T)(nil)).Elem().String(),
				Got:      reflect.TypeOf(v).String(),
			}
			s.rt.diagnose(errs.New("P001").WithSubject(s.name).Wrap(err))
			return err
		}
		value = typed
	}
	if !s.kind.accepts(any(value)) {
		err := &TypeMismatchError{State: s.name, Expected: s.kind.String(), Got: describeKind(any(value))}
		s.rt.diagnose(errs.New("P001").WithSubject(s.name).Wrap(err))
		return err
	}
	s.submit(&Job{target: s, value: value, hasValue: true}, applySetOptions(opts))
	return nil
}

// GetAny returns the current value as an interface{}.
func (s *State[T]) GetAny() any {
	return s.Value()
}

// Reset restores a copy of the initial value, clears the modified flag and
// the undo history, and removes the persisted copy.
func (s *State[T]) Reset() {
	if s.compute != nil {
		s.rt.diagnose(errs.New("P002").WithSubject(s.name).WithDetail("reset"))
		return
	}
	s.submit(&Job{target: s, value: Clone(s.initial), hasValue: true, reset: true}, setOptions{})
}

// Undo restores the value before the last committed write. Only one level
// of history is kept; calling Undo twice toggles between two values.
func (s *State[T]) Undo() {
	if s.compute != nil {
		s.rt.diagnose(errs.New("P002").WithSubject(s.name).WithDetail("undo"))
		return
	}
	prev, ok := s.Previous()
	if !ok {
		return
	}
	s.submit(&Job{target: s, value: prev, hasValue: true}, setOptions{})
}

// submit stages the job's value and routes it to the runtime.
func (s *State[T]) submit(job *Job, o setOptions) {
	if job.hasValue {
		s.mu.Lock()
		s.next = asValue[T](job.value)
		s.staged++
		s.mu.Unlock()
	}
	if o.background {
		job.background = true
		s.rt.performBackground(job)
		return
	}
	s.rt.ingest(job)
}

// stagedWrites returns how many writes have been submitted.
func (s *State[T]) stagedWrites() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.staged
}

// setUnlessWritten stages v only if no write was submitted since the
// stagedWrites call that returned gen. It reports whether v was staged.
func (s *State[T]) setUnlessWritten(gen uint64, v T) bool {
	if !s.kind.accepts(any(v)) {
		return false
	}
	s.mu.Lock()
	if s.staged != gen {
		s.mu.Unlock()
		return false
	}
	s.next = v
	s.staged++
	s.mu.Unlock()
	s.rt.ingest(&Job{target: s, value: v, hasValue: true})
	return true
}

// SideEffect registers fn to run after every committed write of this state,
// before its dependents are enqueued. Registering an existing name replaces
// the hook in place.
func (s *State[T]) SideEffect(name string, fn func(*Job)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	for i := range s.sideEffects {
		if s.sideEffects[i].name == name {
			s.sideEffects[i].fn = fn
			return
		}
	}
	s.sideEffects = append(s.sideEffects, sideEffect{name: name, fn: fn})
}

// RemoveSideEffect unregisters the named hook.
func (s *State[T]) RemoveSideEffect(name string) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	for i := range s.sideEffects {
		if s.sideEffects[i].name == name {
			s.sideEffects = append(s.sideEffects[:i], s.sideEffects[i+1:]...)
			return
		}
	}
}

// Watch registers fn to be called with the new value after every committed
// write. Registering an existing name replaces the watcher.
func (s *State[T]) Watch(name string, fn func(T)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	for i := range s.watchers {
		if s.watchers[i].name == name {
			s.watchers[i].fn = fn
			return
		}
	}
	s.watchers = append(s.watchers, watcher[T]{name: name, fn: fn})
}

// RemoveWatcher unregisters the named watcher.
func (s *State[T]) RemoveWatcher(name string) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	for i := range s.watchers {
		if s.watchers[i].name == name {
			s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
			return
		}
	}
}

// Destroy clears the state's dependency edges and its own edges into the
// values it was derived from. The state must not be used afterwards.
func (s *State[T]) Destroy() {
	s.sourcesMu.Lock()
	for _, src := range s.sources {
		src.Dep().Undepend(s)
	}
	s.sources = nil
	s.sourcesMu.Unlock()
	s.dep.Clear()
}

// commit writes the job's value. It returns false when nothing changed.
func (s *State[T]) commit(job *Job) bool {
	if !job.hasValue {
		if s.compute != nil {
			v, err := s.evaluate()
			if err != nil {
				s.rt.derivationFailed(s, err, s.retryDerivation)
				return false
			}
			return s.write(v, job)
		}
		// Refresh of a plain value: its sources changed, re-run side effects.
		return true
	}
	return s.write(asValue[T](job.value), job)
}

func (s *State[T]) write(v T, job *Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !job.reset && s.equals(s.value, v) {
		s.next = s.value
		return false
	}
	if job.reset {
		var zero T
		s.previous = zero
		s.hasPrevious = false
		s.modified = false
	} else {
		s.previous = s.value
		s.hasPrevious = true
		s.modified = true
	}
	s.value = v
	s.next = v
	return true
}

func (s *State[T]) runSideEffects(job *Job) {
	s.hooksMu.Lock()
	hooks := make([]sideEffect, len(s.sideEffects))
	copy(hooks, s.sideEffects)
	s.hooksMu.Unlock()

	for _, h := range hooks {
		h.fn(job)
	}
}

func (s *State[T]) runWatchers() {
	s.hooksMu.Lock()
	ws := make([]watcher[T], len(s.watchers))
	copy(ws, s.watchers)
	s.hooksMu.Unlock()

	if len(ws) == 0 {
		return
	}
	v := s.Value()
	for _, w := range ws {
		w.fn(v)
	}
}

// equals checks if two values are equal using the configured equality function.
func (s *State[T]) equals(a, b T) bool {
	if s.equal != nil {
		return s.equal(a, b)
	}
	return defaultEquals(a, b)
}

func describeKind(v any) string {
	if v == nil {
		return "nil"
	}
	if k := KindOf(v); k != KindAny {
		return k.String()
	}
	return reflect.TypeOf(v).String()
}
