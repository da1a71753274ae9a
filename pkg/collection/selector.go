package collection

import "github.com/vango-dev/pulse/pkg/pulse"

// Selector is a computed view of one record whose key can be changed. It
// follows the record through updates and reads nil while the key is
// missing.
type Selector struct {
	*pulse.Computed[Record]

	name     string
	selected *pulse.State[Key]
}

// Select returns the named selector, creating it on first use, and points it
// at key.
//
// Example:
//
//	current := users.Select("current", "42")
//	current.Select("7")
//	name := current.Value()["name"]
func (c *Collection) Select(name string, key Key) *Selector {
	if s := c.Selector(name); s != nil {
		s.Select(key)
		return s
	}

	s := &Selector{name: name}
	s.selected = pulse.NewState(c.rt, key,
		pulse.WithName(c.name+"/selector/"+name+"/key"))
	s.Computed = pulse.NewComputed(c.rt, func(tr *pulse.Tracker) Record {
		k := s.selected.Track(tr)
		if k == "" {
			return nil
		}
		return c.Get(tr, k)
	}, pulse.WithName(c.name+"/selector/"+name))

	c.mu.Lock()
	if existing, ok := c.selectors[name]; ok {
		c.mu.Unlock()
		s.Destroy()
		existing.Select(key)
		return existing
	}
	c.selectors[name] = s
	c.mu.Unlock()
	return s
}

// Selector returns the named selector, or nil.
func (c *Collection) Selector(name string) *Selector {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selectors[name]
}

// Select points the selector at key.
func (s *Selector) Select(key Key) {
	s.selected.Set(key)
}

// Selected returns the key the selector points at.
func (s *Selector) Selected() Key {
	return s.selected.Value()
}
