package collection

import "github.com/vango-dev/pulse/pkg/pulse"

const persistHook = "collection:persist"

func (c *Collection) recordID(key Key) string {
	return c.name + "/" + string(key)
}

func (c *Collection) groupID(name string) string {
	return c.name + "/group/" + name
}

// Persist stores every record under "<collection>/<key>" and every group's
// keys under "<collection>/group/<name>", restoring what storage already
// holds for the existing groups first. It does nothing without storage.
func (c *Collection) Persist() {
	if !c.rt.PersistenceEnabled() {
		c.logger.Debug("collection persist without storage", "collection", c.name)
		return
	}

	c.mu.Lock()
	if c.persisted {
		c.mu.Unlock()
		return
	}
	c.persisted = true
	c.mu.Unlock()

	c.restore()

	c.mu.RLock()
	records := make(map[Key]*pulse.State[Record], len(c.records))
	for k, st := range c.records {
		records[k] = st
	}
	groups := make([]*Group, 0, len(c.groups))
	for _, name := range c.groupOrder {
		groups = append(groups, c.groups[name])
	}
	c.mu.RUnlock()

	for k, st := range records {
		c.persistRecord(k, st)
	}
	for _, g := range groups {
		c.persistGroup(g)
	}
}

// restore re-collects stored records and group keys in one batch.
func (c *Collection) restore() {
	groups := make(map[string][]Key)
	var keys []Key
	seen := make(map[Key]struct{})

	for _, name := range c.Groups() {
		var stored []Key
		if !c.rt.LoadPersisted(c.groupID(name), &stored) {
			continue
		}
		groups[name] = stored
		for _, k := range stored {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}

	records := make(map[Key]Record, len(keys))
	for _, k := range keys {
		var rec Record
		if c.rt.LoadPersisted(c.recordID(k), &rec) && rec != nil {
			records[k] = rec
		}
	}
	if len(groups) == 0 {
		return
	}

	c.rt.Batch(func() {
		for _, k := range keys {
			if rec, ok := records[k]; ok {
				if _, ok := c.keyOf(rec); !ok {
					continue
				}
				c.recordState(k).Set(rec)
			}
		}
		for name, stored := range groups {
			c.group(name).Set(stored)
		}
	})
	c.logger.Debug("collection restored",
		"collection", c.name,
		"records", len(records),
		"groups", len(groups))
}

// persistRecord writes the record now and after every change. A deleted
// record (nil) removes the stored copy.
func (c *Collection) persistRecord(key Key, st *pulse.State[Record]) {
	write := func() {
		if rec := st.Value(); rec != nil {
			c.rt.SavePersisted(c.recordID(key), rec)
		} else {
			c.rt.RemovePersisted(c.recordID(key))
		}
	}
	st.SideEffect(persistHook, func(*pulse.Job) { write() })
	if st.Value() != nil {
		write()
	}
}

func (c *Collection) persistGroup(g *Group) {
	write := func() {
		c.rt.SavePersisted(c.groupID(g.name), g.Value())
	}
	g.State.SideEffect(persistHook, func(job *pulse.Job) {
		// record refreshes rebuild the output but leave the keys alone
		if job.IsRefresh() {
			return
		}
		write()
	})
	write()
}
