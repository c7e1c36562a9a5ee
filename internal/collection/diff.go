package collection

import "github.com/totegamma/concrnt-odm/internal/domain"

// TakeSnapshot makes the current contents the new baseline. Array-stored
// collections are reindexed first because stored arrays cannot have holes.
func (c *PersistentCollection) TakeSnapshot() {
	if c.assoc != nil && c.assoc.Strategy.IsList() {
		c.backing.Reindex()
	}
	c.snapshot = c.backing.Entries()
	c.dirty = false
}

// ClearSnapshot drops the baseline; every element becomes an insertion.
func (c *PersistentCollection) ClearSnapshot() {
	c.snapshot = nil
	c.dirty = c.backing.Len() != 0
}

// Snapshot returns a copy of the baseline.
func (c *PersistentCollection) Snapshot() []Entry {
	out := make([]Entry, len(c.snapshot))
	copy(out, c.snapshot)
	return out
}

func (c *PersistentCollection) mustBeSynchronizable(op string) {
	if c.owner == nil || c.assoc == nil {
		panic(domain.MisuseError{Op: op, Reason: "collection is not attached to an owner"})
	}
	if !c.initialized {
		panic(domain.MisuseError{Op: op, Reason: "collection was never initialized"})
	}
}

// DeleteDiff returns the baseline slots that are gone or hold a different
// value now, under their baseline keys.
func (c *PersistentCollection) DeleteDiff() []Entry {
	c.mustBeSynchronizable("DeleteDiff")
	return keyedDiff(c.snapshot, c.backing)
}

// InsertDiff returns the current slots that are new or hold a different value
// than the baseline, under their current keys.
func (c *PersistentCollection) InsertDiff() []Entry {
	c.mustBeSynchronizable("InsertDiff")
	return keyedDiff(c.backing.Entries(), NewElementsFromEntries(c.snapshot))
}

// DeletedDocuments returns each distinct element of the baseline that is no
// longer contained, in baseline order.
func (c *PersistentCollection) DeletedDocuments() []any {
	c.mustBeSynchronizable("DeletedDocuments")
	return identityDiff(entryValues(c.snapshot), c.backing.Values())
}

// InsertedDocuments returns each distinct element that is contained now but
// was not in the baseline, in current order.
func (c *PersistentCollection) InsertedDocuments() []any {
	c.mustBeSynchronizable("InsertedDocuments")
	return identityDiff(c.backing.Values(), entryValues(c.snapshot))
}

func keyedDiff(from []Entry, against *Elements) []Entry {
	out := []Entry{}
	for _, e := range from {
		v, ok := against.Get(e.Key)
		if !ok || !valueEqual(v, e.Value) {
			out = append(out, e)
		}
	}
	return out
}

func identityDiff(from, against []any) []any {
	seen := make(map[any]struct{}, len(against)+len(from))
	for _, v := range against {
		seen[identityOf(v)] = struct{}{}
	}
	out := []any{}
	for _, v := range from {
		id := identityOf(v)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, v)
	}
	return out
}

func entryValues(entries []Entry) []any {
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Value)
	}
	return out
}
