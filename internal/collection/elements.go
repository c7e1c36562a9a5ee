package collection

// Elements is the ordered container backing a collection. Keys keep their
// insertion order; appends receive one past the highest index used so far.
type Elements struct {
	order  []Key
	values map[Key]any
	next   int
}

// NewElements returns a container holding values under indices 0..n-1.
func NewElements(values ...any) *Elements {
	e := &Elements{values: make(map[Key]any, len(values))}
	for _, v := range values {
		e.Append(v)
	}
	return e
}

// NewElementsFromEntries returns a container holding entries under their keys.
func NewElementsFromEntries(entries []Entry) *Elements {
	e := &Elements{values: make(map[Key]any, len(entries))}
	for _, en := range entries {
		e.Set(en.Key, en.Value)
	}
	return e
}

func (e *Elements) Len() int {
	return len(e.order)
}

func (e *Elements) IsEmpty() bool {
	return len(e.order) == 0
}

func (e *Elements) Get(k Key) (any, bool) {
	v, ok := e.values[k]
	return v, ok
}

func (e *Elements) ContainsKey(k Key) bool {
	_, ok := e.values[k]
	return ok
}

// Set stores v under k. A new key is placed last; an existing key keeps its place.
func (e *Elements) Set(k Key, v any) {
	if e.values == nil {
		e.values = make(map[Key]any)
	}
	if _, ok := e.values[k]; !ok {
		e.order = append(e.order, k)
	}
	e.values[k] = v
	if i, ok := k.Index(); ok && i >= e.next {
		e.next = i + 1
	}
}

// Append stores v under the next free index and returns that key.
func (e *Elements) Append(v any) Key {
	k := Index(e.next)
	e.Set(k, v)
	return k
}

// Remove deletes the slot k and returns what it held.
func (e *Elements) Remove(k Key) (any, bool) {
	v, ok := e.values[k]
	if !ok {
		return nil, false
	}
	delete(e.values, k)
	for i, key := range e.order {
		if key == k {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return v, true
}

// RemoveElement deletes the first slot holding v.
func (e *Elements) RemoveElement(v any) bool {
	k, ok := e.IndexOf(v)
	if !ok {
		return false
	}
	e.Remove(k)
	return true
}

// IndexOf returns the key of the first slot holding v.
func (e *Elements) IndexOf(v any) (Key, bool) {
	id := identityOf(v)
	for _, k := range e.order {
		if identityOf(e.values[k]) == id {
			return k, true
		}
	}
	return Key{}, false
}

func (e *Elements) Contains(v any) bool {
	_, ok := e.IndexOf(v)
	return ok
}

func (e *Elements) Keys() []Key {
	out := make([]Key, len(e.order))
	copy(out, e.order)
	return out
}

func (e *Elements) Values() []any {
	out := make([]any, 0, len(e.order))
	for _, k := range e.order {
		out = append(out, e.values[k])
	}
	return out
}

func (e *Elements) Entries() []Entry {
	out := make([]Entry, 0, len(e.order))
	for _, k := range e.order {
		out = append(out, Entry{Key: k, Value: e.values[k]})
	}
	return out
}

func (e *Elements) First() (any, bool) {
	if len(e.order) == 0 {
		return nil, false
	}
	return e.values[e.order[0]], true
}

func (e *Elements) Last() (any, bool) {
	if len(e.order) == 0 {
		return nil, false
	}
	return e.values[e.order[len(e.order)-1]], true
}

// Clear empties the container and restarts indices at zero.
func (e *Elements) Clear() {
	e.order = nil
	e.values = make(map[Key]any)
	e.next = 0
}

// Reindex drains and re-appends every value so indices become 0..n-1.
func (e *Elements) Reindex() {
	values := e.Values()
	e.Clear()
	for _, v := range values {
		e.Append(v)
	}
}

func (e *Elements) Clone() *Elements {
	c := &Elements{
		order:  e.Keys(),
		values: make(map[Key]any, len(e.values)),
		next:   e.next,
	}
	for k, v := range e.values {
		c.values[k] = v
	}
	return c
}

// ForEach calls fn for every slot in order until fn returns false.
func (e *Elements) ForEach(fn func(Key, any) bool) {
	for _, k := range e.Keys() {
		if !fn(k, e.values[k]) {
			return
		}
	}
}

// Slice returns up to length values starting at offset. A negative length
// means the rest of the container.
func (e *Elements) Slice(offset, length int) []any {
	values := e.Values()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(values) {
		return []any{}
	}
	end := len(values)
	if length >= 0 && offset+length < end {
		end = offset + length
	}
	return values[offset:end]
}

// Filter returns a new container with the slots accepted by fn, keys preserved.
func (e *Elements) Filter(fn func(Key, any) bool) *Elements {
	out := &Elements{values: make(map[Key]any)}
	for _, k := range e.order {
		if fn(k, e.values[k]) {
			out.Set(k, e.values[k])
		}
	}
	return out
}

// Map returns a new container with fn applied to every value, keys preserved.
func (e *Elements) Map(fn func(any) any) *Elements {
	out := &Elements{values: make(map[Key]any, len(e.values))}
	for _, k := range e.order {
		out.Set(k, fn(e.values[k]))
	}
	return out
}
