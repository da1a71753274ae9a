package collection

import (
	"sync"

	"github.com/vango-dev/pulse/pkg/pulse"
)

// buildHook is the side-effect name that regenerates a group's output.
const buildHook = "collection:build"

// Group is an ordered array of keys resolved against its collection. The
// resolved output is rebuilt after every committed change to the keys and
// whenever a referenced record changes. Keys without a record are listed in
// Missing and left out of the output.
//
// Subscribers and watchers of a group receive its output, not its keys.
type Group struct {
	*pulse.State[[]Key]

	coll *Collection
	name string

	mu      sync.RWMutex
	output  []Record
	missing []Key
	indexed []Key
	deps    []*pulse.State[Record]
	compute func(Record) Record
}

func newGroup(c *Collection, name string, keys []Key) *Group {
	g := &Group{coll: c, name: name}
	initial := make([]Key, 0, len(keys))
	for _, k := range keys {
		if indexOf(initial, k) < 0 {
			initial = append(initial, k)
		}
	}
	g.State = pulse.NewState(c.rt, initial,
		pulse.WithName(c.name+"/group/"+name),
		pulse.PublicValue(func() any { return g.Output() }))
	g.State.SideEffect(buildHook, g.build)
	return g
}

// GroupName returns the group's name within its collection.
func (g *Group) GroupName() string {
	return g.name
}

// Output returns the resolved records in key order.
func (g *Group) Output() []Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Record(nil), g.output...)
}

// Missing returns keys that have no record.
func (g *Group) Missing() []Key {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Key(nil), g.missing...)
}

// Keys returns a copy of the key array.
func (g *Group) Keys() []Key {
	return append([]Key(nil), g.Value()...)
}

// Size returns the number of keys, present or missing.
func (g *Group) Size() int {
	return len(g.Value())
}

// Has reports whether key is in the group.
func (g *Group) Has(key Key) bool {
	return g.Index(key) >= 0
}

// Index returns key's position, or -1.
func (g *Group) Index(key Key) int {
	return indexOf(g.Value(), key)
}

// Track returns the output and records the group in tr.
func (g *Group) Track(tr *pulse.Tracker) []Record {
	tr.Track(g)
	return g.Output()
}

// Watch calls fn with the output after every change.
func (g *Group) Watch(name string, fn func([]Record)) {
	g.State.Watch(name, func([]Key) { fn(g.Output()) })
}

// SetCompute sets a transform applied to each record of this group in place
// of the collection's, and rebuilds the output.
func (g *Group) SetCompute(fn func(Record) Record) {
	g.mu.Lock()
	g.compute = fn
	g.mu.Unlock()
	g.coll.rt.Refresh(g)
}

// AddOption configures Group.Add.
type AddOption func(*addOptions)

type addOptions struct {
	index     int
	hasIndex  bool
	overwrite bool
}

// AtIndex inserts at position i. Positions past the end append; negative
// positions insert at the front.
func AtIndex(i int) AddOption {
	return func(o *addOptions) {
		if i < 0 {
			i = 0
		}
		o.index = i
		o.hasIndex = true
	}
}

// NoOverwrite leaves a key that is already present where it is.
func NoOverwrite() AddOption {
	return func(o *addOptions) {
		o.overwrite = false
	}
}

// Add inserts key. By default an existing occurrence is removed first, so
// the group never holds duplicates.
func (g *Group) Add(key Key, opts ...AddOption) {
	o := addOptions{overwrite: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	at := -1
	if o.hasIndex {
		at = o.index
	}
	g.Set(insertKey(g.Next(), key, at, o.overwrite))
}

// Unshift inserts key at the front.
func (g *Group) Unshift(key Key) {
	g.Add(key, AtIndex(0))
}

// Remove drops keys from the group. The records stay in the collection.
func (g *Group) Remove(keys ...Key) {
	if len(keys) == 0 {
		return
	}
	g.Set(removeKeys(g.Next(), keys...))
}

// build resolves the key array into output. It runs as the state's side
// effect, so it sees every committed change to the keys and every refresh
// caused by a record it depends on.
func (g *Group) build(*pulse.Job) {
	c := g.coll
	keys := g.Value()

	g.mu.RLock()
	compute := g.compute
	g.mu.RUnlock()
	if compute == nil {
		c.mu.RLock()
		compute = c.compute
		c.mu.RUnlock()
	}

	output := make([]Record, 0, len(keys))
	var missing []Key
	deps := make([]*pulse.State[Record], 0, len(keys))
	for _, k := range keys {
		st := c.recordState(k)
		deps = append(deps, st)
		rec := st.Value()
		if rec == nil {
			missing = append(missing, k)
			continue
		}
		if compute != nil {
			rec = compute(pulse.Clone(rec))
		}
		output = append(output, rec)
	}

	g.mu.Lock()
	oldDeps := g.deps
	oldKeys := g.indexed
	g.deps = deps
	g.indexed = append([]Key(nil), keys...)
	g.output = output
	g.missing = missing
	g.mu.Unlock()

	keep := make(map[uint64]struct{}, len(deps))
	for _, st := range deps {
		keep[st.ID()] = struct{}{}
	}
	for _, st := range oldDeps {
		if _, ok := keep[st.ID()]; !ok {
			st.Dep().Undepend(g)
		}
	}
	for _, st := range deps {
		st.Dep().Depend(g)
	}

	c.setIndex(g.name, oldKeys, keys)
}
