package pulse

import (
	"sync"

	"github.com/google/uuid"
)

// Container is a subscriber's registration: the values it watches and the
// callback run once per drain cycle in which any of them changed.
type Container struct {
	id       string
	consumer any

	mu     sync.Mutex
	values []Observable
	keys   map[uint64][]string // object form: value ID -> every key naming it

	onArray  func()
	onObject func(patch map[string]any)
}

// ID returns the container's unique identifier.
func (c *Container) ID() string {
	return c.id
}

// Consumer returns the value the container was registered for.
func (c *Container) Consumer() any {
	return c.consumer
}

// IsObject reports whether the container delivers keyed patches.
func (c *Container) IsObject() bool {
	return c.onObject != nil
}

// Values returns the watched values.
func (c *Container) Values() []Observable {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Observable, len(c.values))
	copy(out, c.values)
	return out
}

// deliver runs the callback. Object containers receive only the keys whose
// values are in changed.
func (c *Container) deliver(changed map[uint64]Observable) {
	if c.onObject == nil {
		if c.onArray != nil {
			c.onArray()
		}
		return
	}

	c.mu.Lock()
	patch := make(map[string]any, len(changed))
	for id, o := range changed {
		names := c.keys[id]
		if len(names) == 0 {
			continue
		}
		v := o.Snapshot()
		for _, key := range names {
			patch[key] = v
		}
	}
	c.mu.Unlock()

	if len(patch) > 0 {
		c.onObject(patch)
	}
}

// SubscribeWithArray registers consumer to be called once per drain cycle in
// which any of values changed. Subscribing an already registered consumer
// replaces its container. The consumer must be comparable (typically a
// pointer or a string).
//
// Example:
//
//	rt.SubscribeWithArray(view, []pulse.Observable{count, total}, func() {
//	    view.Render()
//	})
func (r *Runtime) SubscribeWithArray(consumer any, values []Observable, fn func()) *Container {
	c := &Container{
		id:       uuid.NewString(),
		consumer: consumer,
		values:   compactObservables(values),
		onArray:  fn,
	}
	r.register(c)
	return c
}

// SubscribeWithObject registers consumer for named values. The callback
// receives a patch holding the public value of every key that changed
// during the drain cycle, and no others.
//
// Example:
//
//	rt.SubscribeWithObject(view, map[string]pulse.Observable{
//	    "count": count,
//	    "user":  users.FindByID(nil, "42"),
//	}, func(patch map[string]any) {
//	    view.Apply(patch)
//	})
func (r *Runtime) SubscribeWithObject(consumer any, values map[string]Observable, fn func(patch map[string]any)) *Container {
	c := &Container{
		id:       uuid.NewString(),
		consumer: consumer,
		keys:     make(map[uint64][]string, len(values)),
		onObject: fn,
	}
	for key, o := range values {
		if o == nil {
			continue
		}
		if _, seen := c.keys[o.ID()]; !seen {
			c.values = append(c.values, o)
		}
		c.keys[o.ID()] = append(c.keys[o.ID()], key)
	}
	r.register(c)
	return c
}

// Unsubscribe removes consumer's container from every value it watched.
func (r *Runtime) Unsubscribe(consumer any) {
	r.subMu.Lock()
	c, ok := r.containers[consumer]
	delete(r.containers, consumer)
	r.subMu.Unlock()
	if ok {
		c.detach()
	}
}

// Containers returns the registered containers.
func (r *Runtime) Containers() []*Container {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	out := make([]*Container, 0, len(r.containers))
	for _, c := range r.containers {
		out = append(out, c)
	}
	return out
}

func (r *Runtime) register(c *Container) {
	r.subMu.Lock()
	old, replaced := r.containers[c.consumer]
	r.containers[c.consumer] = c
	r.subMu.Unlock()

	if replaced {
		old.detach()
	}
	for _, o := range c.values {
		o.Dep().subscribe(c)
	}
	r.logger.Debug("pulse subscriber registered",
		"container", c.id,
		"values", len(c.values),
		"replaced", replaced)
}

func (c *Container) detach() {
	for _, o := range c.Values() {
		o.Dep().unsubscribe(c)
	}
}

func compactObservables(values []Observable) []Observable {
	out := make([]Observable, 0, len(values))
	seen := make(map[uint64]struct{}, len(values))
	for _, o := range values {
		if o == nil {
			continue
		}
		if _, dup := seen[o.ID()]; dup {
			continue
		}
		seen[o.ID()] = struct{}{}
		out = append(out, o)
	}
	return out
}
