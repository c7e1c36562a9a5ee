package collection

import "strconv"

// Key addresses one slot of a collection: an integer index for list and set
// strategies, a string name for the map strategy.
type Key struct {
	index int
	name  string
	named bool
}

// Index returns the key of a positional slot.
func Index(i int) Key {
	return Key{index: i}
}

// Name returns the key of a named slot.
func Name(s string) Key {
	return Key{name: s, named: true}
}

// IsIndex reports whether k addresses a positional slot.
func (k Key) IsIndex() bool {
	return !k.named
}

// Index returns the position addressed by k. ok is false for named keys.
func (k Key) Index() (i int, ok bool) {
	return k.index, !k.named
}

// Name returns the name addressed by k. ok is false for positional keys.
func (k Key) Name() (s string, ok bool) {
	return k.name, k.named
}

// String renders the key as a path segment of the stored document.
func (k Key) String() string {
	if k.named {
		return k.name
	}
	return strconv.Itoa(k.index)
}

// Entry is a key and the value stored under it.
type Entry struct {
	Key   Key
	Value any
}

// ParseKey turns a stored key back into a Key. Canonical decimal integers
// become indices so that appends continue after them.
func ParseKey(s string) Key {
	i, err := strconv.Atoi(s)
	if err != nil || i < 0 || strconv.Itoa(i) != s {
		return Name(s)
	}
	return Index(i)
}
