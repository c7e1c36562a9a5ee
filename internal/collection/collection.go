package collection

import (
	"bytes"
	"context"
	"encoding/json"
	"reflect"

	"github.com/pkg/errors"

	"github.com/totegamma/concrnt-odm/internal/domain"
	"github.com/totegamma/concrnt-odm/internal/utils"
)

// Hints are load options attached together with the owner.
type Hints struct {
	// Prime resolves every referenced document of the collection in one query.
	Prime bool
}

// PersistentCollection is a lazily loaded collection field of a document. It
// behaves like an ordinary collection and records enough state for the unit
// of work to compute what changed since the last synchronization.
//
// A collection is not safe for concurrent use.
type PersistentCollection struct {
	backing  *Elements
	snapshot []Entry

	// owner is a non-owning back-reference; the owner holds the collection.
	owner       domain.Document
	assoc       *domain.Association
	coordinator Coordinator
	hints       Hints

	initialized bool
	dirty       bool

	// raw holds the undecoded stored elements until initialization.
	raw []Entry
}

// New wraps backing. A nil backing starts empty.
func New(coordinator Coordinator, backing *Elements) *PersistentCollection {
	if backing == nil {
		backing = NewElements()
	}
	return &PersistentCollection{
		backing:     backing,
		coordinator: coordinator,
	}
}

// SetOwner attaches the collection to the field assoc of owner.
func (c *PersistentCollection) SetOwner(owner domain.Document, assoc *domain.Association) {
	c.owner = owner
	c.assoc = assoc
}

func (c *PersistentCollection) Owner() domain.Document {
	return c.owner
}

func (c *PersistentCollection) Association() *domain.Association {
	return c.assoc
}

func (c *PersistentCollection) SetCoordinator(coordinator Coordinator) {
	c.coordinator = coordinator
}

// SetRawPayload stages stored elements to be hydrated on initialization.
func (c *PersistentCollection) SetRawPayload(raw []Entry) {
	c.raw = raw
}

func (c *PersistentCollection) RawPayload() []Entry {
	return c.raw
}

func (c *PersistentCollection) SetHints(hints Hints) {
	c.hints = hints
}

func (c *PersistentCollection) Hints() Hints {
	return c.hints
}

// TypeClass returns the element type of the collection.
func (c *PersistentCollection) TypeClass() (reflect.Type, error) {
	if c.assoc == nil {
		return nil, domain.ConfigurationError{Reason: "collection has no association attached"}
	}
	if c.assoc.TargetType == nil {
		return nil, domain.ConfigurationError{Subject: c.assoc.Name, Reason: "target type is not resolvable"}
	}
	return c.assoc.TargetType, nil
}

func (c *PersistentCollection) IsInitialized() bool {
	return c.initialized
}

// SetInitialized forces the initialization state without loading.
func (c *PersistentCollection) SetInitialized(initialized bool) {
	c.initialized = initialized
}

// Initialize loads the collection once. Elements added before the load are
// kept on top of the loaded ones. On failure the collection stays
// uninitialized with an empty backing so that a later call can retry.
func (c *PersistentCollection) Initialize(ctx context.Context) error {
	if c.initialized || c.assoc == nil {
		return nil
	}
	if c.coordinator == nil {
		return domain.ConfigurationError{Subject: c.assoc.Name, Reason: "collection has no coordinator attached"}
	}

	var pending []Entry
	if c.dirty {
		pending = c.backing.Entries()
	}

	c.initialized = true
	c.backing.Clear()

	if err := c.coordinator.Load(ctx, c); err != nil {
		c.initialized = false
		c.backing.Clear()
		c.dirty = false
		return &domain.LoadError{Association: c.assoc.Name, Err: err}
	}

	c.TakeSnapshot()
	c.raw = nil

	if len(pending) > 0 {
		for _, e := range pending {
			if c.assoc.Strategy == domain.StrategyMap {
				c.backing.Set(e.Key, e.Value)
			} else {
				c.backing.Append(e.Value)
			}
		}
		c.dirty = true
	}
	return nil
}

// changed marks the collection dirty and, for owners that report their own
// changes, asks the coordinator to check the owner at flush.
func (c *PersistentCollection) changed() {
	if c.dirty {
		return
	}
	c.dirty = true
	if c.owner == nil || c.assoc == nil || c.coordinator == nil || !c.assoc.Owning() {
		return
	}
	if c.coordinator.IsChangeTrackingNotify(c.owner) {
		c.coordinator.ScheduleForDirtyCheck(c.owner)
	}
}

// IsDirty reports whether the collection differs from its snapshot.
func (c *PersistentCollection) IsDirty() bool {
	if c.dirty {
		return true
	}
	if !c.initialized {
		return c.backing.Len() > 0
	}
	if c.backing.Len() != len(c.snapshot) {
		return true
	}
	for _, e := range c.snapshot {
		v, ok := c.backing.Get(e.Key)
		if !ok || !valueEqual(v, e.Value) {
			return true
		}
	}
	return false
}

func (c *PersistentCollection) SetDirty(dirty bool) {
	c.dirty = dirty
}

func (c *PersistentCollection) orphanRemovalEnabled() bool {
	return c.assoc != nil && c.coordinator != nil && c.assoc.OrphanRemovalEnabled()
}

// IsOrphanRemovalEnabled reports whether detached elements are removed at flush.
func (c *PersistentCollection) IsOrphanRemovalEnabled() bool {
	return c.assoc != nil && c.assoc.OrphanRemovalEnabled()
}

// Add appends v. Map collections load first so that v is keyed after the
// stored elements; list and set collections defer the load.
func (c *PersistentCollection) Add(ctx context.Context, v any) error {
	if c.assoc != nil && c.assoc.Strategy == domain.StrategyMap {
		if err := c.Initialize(ctx); err != nil {
			return err
		}
	}
	c.backing.Append(v)
	c.changed()
	if v != nil && c.orphanRemovalEnabled() {
		c.coordinator.UnscheduleOrphanRemoval(v)
	}
	return nil
}

// Set stores v under k.
func (c *PersistentCollection) Set(ctx context.Context, k Key, v any) error {
	if err := c.Initialize(ctx); err != nil {
		return err
	}
	c.backing.Set(k, v)
	if v != nil && c.orphanRemovalEnabled() {
		c.coordinator.UnscheduleOrphanRemoval(v)
	}
	c.changed()
	return nil
}

// Remove deletes the slot k. A missing key is not an error: ok is false.
func (c *PersistentCollection) Remove(ctx context.Context, k Key) (removed any, ok bool, err error) {
	if err := c.Initialize(ctx); err != nil {
		return nil, false, err
	}
	removed, ok = c.backing.Remove(k)
	if !ok {
		return nil, false, nil
	}
	c.changed()
	if removed != nil && c.orphanRemovalEnabled() {
		c.coordinator.ScheduleOrphanRemoval(removed)
	}
	return removed, true, nil
}

// RemoveElement deletes the first slot holding v.
func (c *PersistentCollection) RemoveElement(ctx context.Context, v any) (bool, error) {
	if err := c.Initialize(ctx); err != nil {
		return false, err
	}
	if !c.backing.RemoveElement(v) {
		return false, nil
	}
	c.changed()
	if v != nil && c.orphanRemovalEnabled() {
		c.coordinator.ScheduleOrphanRemoval(v)
	}
	return true, nil
}

// Clear empties the collection. Orphan-removing collections schedule every
// element they held; owning collections that had stored elements schedule a
// deletion of the whole field.
func (c *PersistentCollection) Clear(ctx context.Context) error {
	if c.initialized && c.backing.IsEmpty() {
		return nil
	}
	if c.orphanRemovalEnabled() {
		if err := c.Initialize(ctx); err != nil {
			return err
		}
		for _, v := range c.backing.Values() {
			if v != nil {
				c.coordinator.ScheduleOrphanRemoval(v)
			}
		}
	}
	c.raw = nil
	c.backing.Clear()

	if c.assoc == nil || !c.assoc.Owning() {
		return nil
	}
	if c.initialized && len(c.snapshot) == 0 {
		return nil
	}
	c.changed()
	if c.coordinator != nil {
		c.coordinator.ScheduleCollectionDeletion(c)
	}
	c.TakeSnapshot()
	return nil
}

func (c *PersistentCollection) Get(ctx context.Context, k Key) (any, bool, error) {
	if err := c.Initialize(ctx); err != nil {
		return nil, false, err
	}
	v, ok := c.backing.Get(k)
	return v, ok, nil
}

func (c *PersistentCollection) ContainsKey(ctx context.Context, k Key) (bool, error) {
	if err := c.Initialize(ctx); err != nil {
		return false, err
	}
	return c.backing.ContainsKey(k), nil
}

func (c *PersistentCollection) Contains(ctx context.Context, v any) (bool, error) {
	if err := c.Initialize(ctx); err != nil {
		return false, err
	}
	return c.backing.Contains(v), nil
}

func (c *PersistentCollection) IndexOf(ctx context.Context, v any) (Key, bool, error) {
	if err := c.Initialize(ctx); err != nil {
		return Key{}, false, err
	}
	k, ok := c.backing.IndexOf(v)
	return k, ok, nil
}

// Count returns the number of elements. An uninitialized inverse-side
// collection is counted by a query instead of being loaded; staged and pending
// elements are added to the result.
func (c *PersistentCollection) Count(ctx context.Context) (int, error) {
	if !c.initialized && c.assoc != nil && c.assoc.Inverse() && c.coordinator != nil {
		n, err := c.coordinator.Count(ctx, c)
		if err != nil {
			return 0, err
		}
		return n + len(c.raw) + c.backing.Len(), nil
	}
	if err := c.Initialize(ctx); err != nil {
		return 0, err
	}
	return c.backing.Len(), nil
}

func (c *PersistentCollection) IsEmpty(ctx context.Context) (bool, error) {
	if c.initialized {
		return c.backing.IsEmpty(), nil
	}
	n, err := c.Count(ctx)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (c *PersistentCollection) Keys(ctx context.Context) ([]Key, error) {
	if err := c.Initialize(ctx); err != nil {
		return nil, err
	}
	return c.backing.Keys(), nil
}

// Values returns the elements in order.
func (c *PersistentCollection) Values(ctx context.Context) ([]any, error) {
	if err := c.Initialize(ctx); err != nil {
		return nil, err
	}
	return c.backing.Values(), nil
}

func (c *PersistentCollection) First(ctx context.Context) (any, bool, error) {
	if err := c.Initialize(ctx); err != nil {
		return nil, false, err
	}
	v, ok := c.backing.First()
	return v, ok, nil
}

func (c *PersistentCollection) Last(ctx context.Context) (any, bool, error) {
	if err := c.Initialize(ctx); err != nil {
		return nil, false, err
	}
	v, ok := c.backing.Last()
	return v, ok, nil
}

func (c *PersistentCollection) ForEach(ctx context.Context, fn func(Key, any) bool) error {
	if err := c.Initialize(ctx); err != nil {
		return err
	}
	c.backing.ForEach(fn)
	return nil
}

func (c *PersistentCollection) Slice(ctx context.Context, offset, length int) ([]any, error) {
	if err := c.Initialize(ctx); err != nil {
		return nil, err
	}
	return c.backing.Slice(offset, length), nil
}

// Filter returns a plain container with the accepted elements.
func (c *PersistentCollection) Filter(ctx context.Context, fn func(Key, any) bool) (*Elements, error) {
	if err := c.Initialize(ctx); err != nil {
		return nil, err
	}
	return c.backing.Filter(fn), nil
}

// Map returns a plain container with fn applied to every element.
func (c *PersistentCollection) Map(ctx context.Context, fn func(any) any) (*Elements, error) {
	if err := c.Initialize(ctx); err != nil {
		return nil, err
	}
	return c.backing.Map(fn), nil
}

// Unwrap returns the backing container as is, without loading.
func (c *PersistentCollection) Unwrap() *Elements {
	return c.backing
}

// Clone returns a detached copy: loaded, ownerless, without snapshot and dirty.
func (c *PersistentCollection) Clone(ctx context.Context) (*PersistentCollection, error) {
	if err := c.Initialize(ctx); err != nil {
		return nil, err
	}
	clone := &PersistentCollection{
		backing:     c.backing.Clone(),
		assoc:       c.assoc,
		coordinator: c.coordinator,
		hints:       c.hints,
		initialized: true,
	}
	clone.changed()
	return clone, nil
}

// MarshalJSON encodes the elements in the shape of the storage strategy.
// Referenced documents are encoded as their identifiers. An uninitialized
// collection encodes its staged payload followed by pending additions.
func (c *PersistentCollection) MarshalJSON() ([]byte, error) {
	entries := c.backing.Entries()
	if !c.initialized && len(c.raw) > 0 {
		entries = append(append([]Entry{}, c.raw...), entries...)
	}
	if c.assoc != nil && c.assoc.Strategy == domain.StrategyMap {
		obj := make(utils.OrderedObject, 0, len(entries))
		for _, e := range entries {
			obj = append(obj, utils.Member{Key: e.Key.String(), Value: c.StoredValue(e.Value)})
		}
		return json.Marshal(obj)
	}
	values := make([]any, 0, len(entries))
	for _, e := range entries {
		values = append(values, c.StoredValue(e.Value))
	}
	return json.Marshal(values)
}

// StoredValue returns v in the form it is written to storage.
func (c *PersistentCollection) StoredValue(v any) any {
	if c.assoc == nil || c.assoc.IsEmbedded {
		return v
	}
	if doc, ok := v.(domain.Document); ok {
		return doc.DocumentID()
	}
	return v
}

// UnmarshalJSON stages a stored array or object as the raw payload. The
// collection stays uninitialized until it is attached and read.
func (c *PersistentCollection) UnmarshalJSON(data []byte) error {
	if c.backing == nil {
		c.backing = NewElements()
	}
	raw, err := decodeRaw(data)
	if err != nil {
		return err
	}
	c.raw = raw
	c.initialized = false
	return nil
}

func decodeRaw(data []byte) ([]Entry, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	var out []Entry
	switch tok {
	case nil:
		return nil, nil
	case json.Delim('['):
		for i := 0; dec.More(); i++ {
			var v json.RawMessage
			if err := dec.Decode(&v); err != nil {
				return nil, err
			}
			out = append(out, Entry{Key: Index(i), Value: v})
		}
	case json.Delim('{'):
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return nil, err
			}
			var v json.RawMessage
			if err := dec.Decode(&v); err != nil {
				return nil, err
			}
			out = append(out, Entry{Key: ParseKey(kt.(string)), Value: v})
		}
	default:
		return nil, errors.Errorf("collection payload must be an array or an object, got %v", tok)
	}
	return out, nil
}
