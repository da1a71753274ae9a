package pulse

import "sync"

// Dep is the dependency node attached to every reactive value. It records
// which derived values (computed states, groups) must be refreshed when the
// owner commits, and which subscriber containers must be notified when a
// drain cycle ends.
//
// A Dep never lists its owner as a dependent.
//
// Every node has a height: 0 for a value nothing was derived into, otherwise
// more than the height of every node it depends on. The runtime refreshes
// lower nodes first, so a derived value never reads a source that is still
// waiting for its own refresh.
type Dep struct {
	owner Observable

	mu          sync.RWMutex
	dependents  []Observable
	subscribers []*Container
	height      int
}

func newDep(owner Observable) *Dep {
	return &Dep{owner: owner}
}

// Depend registers o as a dependent of the owner. Duplicate and
// self-registrations are ignored.
func (d *Dep) Depend(o Observable) {
	if o == nil || (d.owner != nil && o.ID() == d.owner.ID()) {
		return
	}

	d.mu.Lock()
	id := o.ID()
	for _, existing := range d.dependents {
		if existing.ID() == id {
			d.mu.Unlock()
			return
		}
	}
	d.dependents = append(d.dependents, o)
	h := d.height + 1
	d.mu.Unlock()

	raiseHeight(o, h)
}

// Height returns the node's position in the dependency order.
func (d *Dep) Height() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.height
}

// maxHeight bounds height propagation, so a dependency cycle stops
// instead of raising forever.
const maxHeight = 1 << 16

// raiseHeight lifts o to at least h and every node derived from it above
// it. Heights never shrink.
func raiseHeight(o Observable, h int) {
	type step struct {
		node   Observable
		height int
	}
	stack := []step{{o, h}}
	for len(stack) > 0 {
		st := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if st.height > maxHeight {
			continue
		}

		d := st.node.Dep()
		d.mu.Lock()
		if d.height >= st.height {
			d.mu.Unlock()
			continue
		}
		d.height = st.height
		for _, n := range d.dependents {
			stack = append(stack, step{n, st.height + 1})
		}
		d.mu.Unlock()
	}
}

// Undepend removes o from the owner's dependents.
func (d *Dep) Undepend(o Observable) {
	if o == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	id := o.ID()
	for i, existing := range d.dependents {
		if existing.ID() == id {
			// equal-height dependents refresh in registration order
			d.dependents = append(d.dependents[:i], d.dependents[i+1:]...)
			return
		}
	}
}

// HasDependent reports whether o is registered as a dependent.
func (d *Dep) HasDependent(o Observable) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, existing := range d.dependents {
		if existing.ID() == o.ID() {
			return true
		}
	}
	return false
}

// Dependents returns a snapshot of the registered dependents.
func (d *Dep) Dependents() []Observable {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Observable, len(d.dependents))
	copy(out, d.dependents)
	return out
}

// Subscribers returns a snapshot of the subscriber containers.
func (d *Dep) Subscribers() []*Container {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Container, len(d.subscribers))
	copy(out, d.subscribers)
	return out
}

func (d *Dep) subscribe(c *Container) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.subscribers {
		if existing == c {
			return
		}
	}
	d.subscribers = append(d.subscribers, c)
}

func (d *Dep) unsubscribe(c *Container) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.subscribers {
		if existing == c {
			d.subscribers[i] = d.subscribers[len(d.subscribers)-1]
			d.subscribers = d.subscribers[:len(d.subscribers)-1]
			return
		}
	}
}

// Clear drops every dependent and subscriber edge.
func (d *Dep) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dependents = nil
	d.subscribers = nil
}
