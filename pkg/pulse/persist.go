package pulse

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	errs "github.com/vango-dev/pulse/internal/errors"
)

// persistHook is the side-effect name used for persistence writes.
const persistHook = "pulse:persist"

// storageTimeout bounds each synchronous storage call.
const storageTimeout = 5 * time.Second

// persister writes values to the configured storage. The first storage error
// disables persistence for the rest of the runtime's life; values keep
// working in memory.
type persister struct {
	rt     *Runtime
	store  Storage
	codec  Codec
	async  bool

	disabled atomic.Bool

	mu     sync.Mutex
	closed bool
	writes chan storageOp
	wg     sync.WaitGroup
}

type storageOp struct {
	key    string
	data   []byte
	remove bool
}

func newPersister(rt *Runtime, store Storage, codec Codec) *persister {
	p := &persister{
		rt:    rt,
		store: store,
		codec: codec,
	}
	if as, ok := store.(AsyncStorage); ok && as.Async() {
		p.async = true
		p.writes = make(chan storageOp, 256)
		p.wg.Add(1)
		go p.writer()
	}
	return p
}

// writer applies queued operations in order.
func (p *persister) writer() {
	defer p.wg.Done()
	for op := range p.writes {
		if p.disabled.Load() {
			continue
		}
		p.apply(op)
	}
}

func (p *persister) apply(op storageOp) {
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	var err error
	if op.remove {
		err = p.store.Remove(ctx, op.key)
	} else {
		err = p.store.Set(ctx, op.key, op.data)
	}
	if err != nil {
		p.fail(op.key, err)
	}
}

func (p *persister) submit(op storageOp) {
	if p.disabled.Load() {
		return
	}
	if !p.async {
		p.apply(op)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.writes <- op
}

func (p *persister) write(key string, v any) {
	if p.disabled.Load() {
		return
	}
	data, err := p.codec.Marshal(v)
	if err != nil {
		p.fail(key, err)
		return
	}
	p.submit(storageOp{key: key, data: data})
}

func (p *persister) remove(key string) {
	p.submit(storageOp{key: key, remove: true})
}

// load decodes the stored value for key into dst.
func (p *persister) load(key string, dst any) (bool, error) {
	if p.disabled.Load() {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	data, ok, err := p.store.Get(ctx, key)
	if err != nil {
		p.fail(key, err)
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := p.codec.Unmarshal(data, dst); err != nil {
		p.rt.diagnose(errs.New("P005").WithSubject(key).Wrap(err))
		return false, err
	}
	return true, nil
}

// background runs fn on a goroutine that Close waits for.
func (p *persister) background(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn()
	}()
}

func (p *persister) fail(key string, err error) {
	p.rt.metrics.persistenceFailures.Inc()
	if p.disabled.CompareAndSwap(false, true) {
		p.rt.diagnose(errs.New("P004").WithSubject(key).Wrap(err))
	}
}

func (p *persister) close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		if p.writes != nil {
			close(p.writes)
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PersistenceEnabled reports whether storage is configured and has not been
// disabled by a failure.
func (r *Runtime) PersistenceEnabled() bool {
	return r.persister != nil && !r.persister.disabled.Load()
}

// LoadPersisted decodes the value stored under identifier (without prefix)
// into dst. It reports false when nothing is stored or storage is off.
func (r *Runtime) LoadPersisted(identifier string, dst any) bool {
	if r.persister == nil {
		return false
	}
	ok, _ := r.persister.load(r.StorageKey(identifier), dst)
	return ok
}

// SavePersisted writes v under identifier (without prefix).
func (r *Runtime) SavePersisted(identifier string, v any) {
	if r.persister == nil {
		return
	}
	r.persister.write(r.StorageKey(identifier), v)
}

// RemovePersisted deletes the value stored under identifier.
func (r *Runtime) RemovePersisted(identifier string) {
	if r.persister == nil {
		return
	}
	r.persister.remove(r.StorageKey(identifier))
}

// Persist stores the value under key (plus the runtime's prefix) after every
// committed write. A stored value is restored immediately from synchronous
// storage, in the background from asynchronous storage. A background restore
// is dropped when the value was written after Persist was called. When
// nothing is stored yet the current value is written.
//
// Reset removes the stored copy. Computed values are written but never
// restored.
func (s *State[T]) Persist(key string) {
	s.persistMu.Lock()
	s.persistKey = key
	s.persistMu.Unlock()

	p := s.rt.persister
	if p == nil {
		s.rt.logger.Debug("pulse persist without storage", "state", s.name, "key", key)
		return
	}

	s.SideEffect(persistHook, func(job *Job) {
		full := s.rt.StorageKey(s.PersistKey())
		if job.reset {
			p.remove(full)
			return
		}
		p.write(full, s.Value())
	})

	if s.compute != nil {
		p.write(s.rt.StorageKey(key), s.Value())
		return
	}

	restore := func(apply func(T)) {
		var v T
		ok, err := p.load(s.rt.StorageKey(key), &v)
		if err != nil {
			return
		}
		if !ok {
			p.write(s.rt.StorageKey(key), s.Value())
			return
		}
		apply(v)
	}

	if p.async {
		// a write made while the load is in flight wins over the stored copy
		gen := s.stagedWrites()
		p.background(func() {
			restore(func(v T) {
				if !s.setUnlessWritten(gen, v) {
					s.rt.logger.Debug("pulse restore skipped", "state", s.name, "key", key)
				}
			})
		})
		return
	}
	restore(func(v T) { s.Set(v, Background()) })
}

// PersistKey returns the key the value is persisted under, or "".
func (s *State[T]) PersistKey() string {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	return s.persistKey
}

// IsPersisted reports whether Persist has been called.
func (s *State[T]) IsPersisted() bool {
	return s.PersistKey() != ""
}

// MovePersisted moves the stored copy to newKey: the old key is removed and
// the current value written under the new one. It does nothing for values
// that are not persisted.
func (s *State[T]) MovePersisted(newKey string) {
	s.persistMu.Lock()
	old := s.persistKey
	if old == "" {
		s.persistMu.Unlock()
		return
	}
	s.persistKey = newKey
	s.persistMu.Unlock()

	p := s.rt.persister
	if p == nil || old == newKey {
		return
	}
	p.remove(s.rt.StorageKey(old))
	p.write(s.rt.StorageKey(newKey), s.Value())
}

// Unpersist stops persisting and removes the stored copy.
func (s *State[T]) Unpersist() {
	s.persistMu.Lock()
	old := s.persistKey
	s.persistKey = ""
	s.persistMu.Unlock()

	s.RemoveSideEffect(persistHook)
	if p := s.rt.persister; p != nil && old != "" {
		p.remove(s.rt.StorageKey(old))
	}
}
