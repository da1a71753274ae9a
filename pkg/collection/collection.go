package collection

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	errs "github.com/vango-dev/pulse/internal/errors"
	"github.com/vango-dev/pulse/pkg/pulse"
)

// DefaultGroup receives every collected record.
const DefaultGroup = "default"

var (
	// ErrRecordNotFound is returned when updating a key with no record.
	ErrRecordNotFound = errors.New("collection: record not found")

	// ErrNoPrimaryKey is returned for a record without a primary key.
	ErrNoPrimaryKey = errors.New("collection: record has no primary key")
)

// Collection is a keyed store of records plus named groups of keys. Every
// record is a *pulse.State[Record]; every group is a reactive key array that
// resolves its keys into an output slice of records.
//
// The primary-key field is detected from the first collected record
// (id, then _id, then the field given to PrimaryKey) and fixed after that.
type Collection struct {
	name   string
	rt     *pulse.Runtime
	logger *slog.Logger

	// mu protects the fields below. It is never held while calling into the
	// runtime, since jobs may call back into the collection.
	mu         sync.RWMutex
	declaredPK string
	primaryKey string
	records    map[Key]*pulse.State[Record]
	order      []Key
	groups     map[string]*Group
	groupOrder []string
	selectors  map[string]*Selector
	// index maps a key to the position it holds in each group.
	index     map[Key]map[string]int
	compute   func(Record) Record
	persisted bool
}

// Option configures a Collection.
type Option func(*Collection)

// PrimaryKey declares the primary-key field used when records carry
// neither id nor _id.
func PrimaryKey(field string) Option {
	return func(c *Collection) {
		c.declaredPK = field
	}
}

// WithCompute transforms every record as groups resolve it, unless the
// group has its own transform.
func WithCompute(fn func(Record) Record) Option {
	return func(c *Collection) {
		c.compute = fn
	}
}

// WithGroups creates empty groups at construction.
func WithGroups(names ...string) Option {
	return func(c *Collection) {
		c.groupOrder = append(c.groupOrder, names...)
	}
}

// WithLogger sets the collection's logger. Default: the runtime's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Collection) {
		c.logger = logger
	}
}

// New creates a collection owned by rt.
//
// Example:
//
//	users := collection.New(rt, "users", collection.WithGroups("admins"))
//	users.Collect([]collection.Record{
//	    {"id": 1, "name": "Ada"},
//	    {"id": 2, "name": "Grace"},
//	}, collection.IntoGroups("admins"))
func New(rt *pulse.Runtime, name string, opts ...Option) *Collection {
	c := &Collection{
		name:      name,
		rt:        rt,
		records:   make(map[Key]*pulse.State[Record]),
		groups:    make(map[string]*Group),
		selectors: make(map[string]*Selector),
		index:     make(map[Key]map[string]int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.logger == nil {
		c.logger = rt.Logger()
	}

	declared := c.groupOrder
	c.groupOrder = nil
	c.CreateGroup(DefaultGroup)
	for _, g := range declared {
		c.CreateGroup(g)
	}
	return c
}

// Name returns the collection's name.
func (c *Collection) Name() string {
	return c.name
}

// Runtime returns the runtime that owns the collection.
func (c *Collection) Runtime() *pulse.Runtime {
	return c.rt
}

// PrimaryKeyField returns the detected primary-key field, or "" before the
// first record is collected.
func (c *Collection) PrimaryKeyField() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.primaryKey
}

// Size returns the number of records present.
func (c *Collection) Size() int {
	return len(c.Keys())
}

// Keys returns the keys of present records in first-collected order.
func (c *Collection) Keys() []Key {
	c.mu.RLock()
	order := append([]Key(nil), c.order...)
	states := make([]*pulse.State[Record], len(order))
	for i, k := range order {
		states[i] = c.records[k]
	}
	c.mu.RUnlock()

	out := make([]Key, 0, len(order))
	for i, k := range order {
		if states[i].Value() != nil {
			out = append(out, k)
		}
	}
	return out
}

// Has reports whether a record exists for key.
func (c *Collection) Has(key Key) bool {
	c.mu.RLock()
	st, ok := c.records[key]
	c.mu.RUnlock()
	return ok && st.Value() != nil
}

// FindByID returns the state for key. A missing record yields a placeholder
// state holding nil; collecting the key later fills that same state, so
// anything depending on it wakes up. With a tracker the read becomes a
// dependency edge. FindByID never creates a job.
func (c *Collection) FindByID(tr *pulse.Tracker, key Key) *pulse.State[Record] {
	st := c.recordState(key)
	tr.Track(st)
	return st
}

// Get returns the record for key, or nil. It is FindByID(tr, key).Value().
func (c *Collection) Get(tr *pulse.Tracker, key Key) Record {
	return c.FindByID(tr, key).Value()
}

// GetGroup returns the named group, creating an empty one if needed. With a
// tracker the read becomes a dependency edge.
func (c *Collection) GetGroup(tr *pulse.Tracker, name string) *Group {
	g := c.CreateGroup(name)
	tr.Track(g)
	return g
}

// Groups returns the group names in creation order.
func (c *Collection) Groups() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.groupOrder...)
}

// recordState returns the state for key, creating a placeholder if needed.
func (c *Collection) recordState(key Key) *pulse.State[Record] {
	c.mu.RLock()
	st, ok := c.records[key]
	c.mu.RUnlock()
	if ok {
		return st
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.records[key]; ok {
		return st
	}
	st = pulse.NewState[Record](c.rt, nil,
		pulse.WithName(c.name+"/"+string(key)),
		pulse.OfType(pulse.KindObject))
	c.records[key] = st
	c.order = append(c.order, key)
	if c.persisted {
		c.persistRecord(key, st)
	}
	return st
}

// keyOf resolves a record's primary key, detecting the field on first use.
func (c *Collection) keyOf(rec Record) (Key, bool) {
	c.mu.Lock()
	if c.primaryKey == "" {
		for _, field := range []string{"id", "_id", c.declaredPK} {
			if field == "" {
				continue
			}
			if _, ok := rec[field]; ok {
				c.primaryKey = field
				c.logger.Debug("collection primary key detected",
					"collection", c.name,
					"field", field)
				break
			}
		}
	}
	pk := c.primaryKey
	c.mu.Unlock()

	if pk == "" {
		return "", false
	}
	return KeyOf(rec[pk])
}

// CollectOption configures Collect.
type CollectOption func(*collectOptions)

type collectOptions struct {
	groups  []string
	patch   bool
	prepend bool
}

// IntoGroups adds the collected keys to the named groups as well as the
// default group.
func IntoGroups(names ...string) CollectOption {
	return func(o *collectOptions) {
		o.groups = append(o.groups, names...)
	}
}

// Patch merges collected items into existing records instead of replacing
// them.
func Patch() CollectOption {
	return func(o *collectOptions) {
		o.patch = true
	}
}

// Prepend inserts collected keys at the front of each group.
func Prepend() CollectOption {
	return func(o *collectOptions) {
		o.prepend = true
	}
}

// Collect ingests items: a Record, a []Record, a []any of records, or any
// value that encodes to a JSON object or array of objects. Each record is
// created or updated, and its key is added to the default group and to every
// group named by IntoGroups. Each touched group is written once, and the
// whole collect is one batch. Items without a primary key are skipped.
func (c *Collection) Collect(items any, opts ...CollectOption) error {
	var o collectOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	records, err := normalize(items)
	if err != nil {
		e := errs.New("P012").WithSubject(c.name).Wrap(err)
		c.diagnose(e)
		return e
	}

	targets := append([]string{DefaultGroup}, o.groups...)
	var skipped int

	c.rt.Batch(func() {
		staged := make(map[string][]Key, len(targets))
		prepended := make(map[string]int, len(targets))
		var touched []string

		for _, rec := range records {
			key, ok := c.keyOf(rec)
			if !ok {
				skipped++
				c.diagnose(errs.New("P010").WithSubject(c.name).WithDetail(fmt.Sprintf("%v", rec)))
				continue
			}
			c.putRecord(key, rec, o.patch)

			for _, name := range targets {
				keys, ok := staged[name]
				if !ok {
					keys = append([]Key(nil), c.CreateGroup(name).Next()...)
					touched = append(touched, name)
				}
				// keys already in the group keep their position
				if indexOf(keys, key) >= 0 {
					staged[name] = keys
					continue
				}
				at := -1
				if o.prepend {
					// prepended items keep their input order
					at = prepended[name]
					prepended[name]++
				}
				staged[name] = insertKey(keys, key, at, false)
			}
		}

		for _, name := range touched {
			c.group(name).Set(staged[name])
		}
	})

	if skipped > 0 {
		return fmt.Errorf("%w: %d of %d items skipped", ErrNoPrimaryKey, skipped, len(records))
	}
	return nil
}

// putRecord creates or updates the record for key.
func (c *Collection) putRecord(key Key, rec Record, patch bool) {
	st := c.recordState(key)
	if patch {
		if existing := st.Next(); existing != nil {
			rec = deepMerge(pulse.Clone(existing), rec)
		}
	}
	st.Set(rec)
}

// UpdateOption configures Update.
type UpdateOption func(*updateOptions)

type updateOptions struct {
	shallow bool
}

// Shallow replaces top-level fields instead of merging nested records.
func Shallow() UpdateOption {
	return func(o *updateOptions) {
		o.shallow = true
	}
}

// Update merges changes into a copy of the record for key. Changing the
// primary-key field moves the record to the new key in storage and in every
// group at the same position; observers never see it under both keys.
func (c *Collection) Update(key Key, changes Record, opts ...UpdateOption) error {
	var o updateOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	c.mu.RLock()
	st, ok := c.records[key]
	pk := c.primaryKey
	c.mu.RUnlock()
	if !ok || st.Next() == nil {
		c.diagnose(errs.New("P011").WithSubject(c.name + "/" + string(key)))
		return fmt.Errorf("%w: %s/%s", ErrRecordNotFound, c.name, key)
	}

	merged := pulse.Clone(st.Next())
	if o.shallow {
		merged = shallowMerge(merged, changes)
	} else {
		merged = deepMerge(merged, changes)
	}

	if pk != "" {
		if newKey, ok := KeyOf(merged[pk]); ok && newKey != key {
			c.relocate(key, newKey, merged)
			return nil
		}
	}
	st.Set(merged)
	return nil
}

// relocate moves a record from oldKey to newKey in one batch.
func (c *Collection) relocate(oldKey, newKey Key, merged Record) {
	c.mu.RLock()
	positions := make(map[string]int, len(c.index[oldKey]))
	for g, pos := range c.index[oldKey] {
		positions[g] = pos
	}
	c.mu.RUnlock()

	c.rt.Batch(func() {
		c.recordState(newKey).Set(merged)
		c.recordState(oldKey).Set(nil)

		for name, pos := range positions {
			g := c.group(name)
			if g == nil {
				continue
			}
			keys := append([]Key(nil), g.Next()...)
			if pos >= len(keys) || keys[pos] != oldKey {
				// index is behind a queued write; fall back to a scan
				if pos = indexOf(keys, oldKey); pos < 0 {
					continue
				}
			}
			keys[pos] = newKey
			g.Set(dedupeAt(keys, pos))
		}
	})

	c.mu.RLock()
	persisted := c.persisted
	c.mu.RUnlock()
	if persisted {
		c.rt.RemovePersisted(c.recordID(oldKey))
	}
	c.logger.Debug("collection record relocated",
		"collection", c.name,
		"from", oldKey,
		"to", newKey)
}

// Remover detaches keys from groups. Obtain one with Remove.
type Remover struct {
	c    *Collection
	keys []Key
}

// Remove starts a removal of keys; finish it with FromGroups or Everywhere.
//
// Example:
//
//	users.Remove("1", "2").FromGroups("admins")
//	users.Remove("3").Everywhere()
func (c *Collection) Remove(keys ...Key) *Remover {
	return &Remover{c: c, keys: keys}
}

// FromGroups removes the keys from the named groups. The records stay.
func (r *Remover) FromGroups(names ...string) {
	r.c.rt.Batch(func() {
		for _, name := range names {
			if g := r.c.group(name); g != nil {
				g.Remove(r.keys...)
			}
		}
	})
}

// Everywhere removes the keys from every group and deletes the records.
// Deleted records become placeholders for anything still depending on them.
func (r *Remover) Everywhere() {
	c := r.c
	c.rt.Batch(func() {
		for _, name := range c.Groups() {
			if g := c.group(name); g != nil {
				g.Remove(r.keys...)
			}
		}
		for _, key := range r.keys {
			c.mu.RLock()
			st, ok := c.records[key]
			c.mu.RUnlock()
			if ok {
				st.Set(nil)
			}
		}
	})
}

// Reset deletes every record and empties every group.
func (c *Collection) Reset() {
	keys := c.Keys()
	c.rt.Batch(func() {
		for _, name := range c.Groups() {
			c.group(name).Set(nil)
		}
		for _, key := range keys {
			c.recordState(key).Set(nil)
		}
	})
}

// CreateGroup returns the named group, creating it with the given keys if it
// does not exist.
func (c *Collection) CreateGroup(name string, keys ...Key) *Group {
	c.mu.Lock()
	if g, ok := c.groups[name]; ok {
		c.mu.Unlock()
		return g
	}
	g := newGroup(c, name, keys)
	c.groups[name] = g
	c.groupOrder = append(c.groupOrder, name)
	persisted := c.persisted
	c.mu.Unlock()

	g.build(nil)
	if persisted {
		c.persistGroup(g)
	}
	return g
}

func (c *Collection) group(name string) *Group {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.groups[name]
}

// setIndex replaces a group's entries in the back-reference index.
func (c *Collection) setIndex(group string, old, keys []Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range old {
		if m := c.index[k]; m != nil {
			delete(m, group)
			if len(m) == 0 {
				delete(c.index, k)
			}
		}
	}
	for i, k := range keys {
		m := c.index[k]
		if m == nil {
			m = make(map[string]int)
			c.index[k] = m
		}
		m[group] = i
	}
}

// GroupsOf returns the groups holding key and its position in each.
func (c *Collection) GroupsOf(key Key) map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int, len(c.index[key]))
	for g, pos := range c.index[key] {
		out[g] = pos
	}
	return out
}

func (c *Collection) diagnose(e *errs.PulseError) {
	e.Log(c.logger)
}
