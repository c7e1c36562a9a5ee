package collection

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/totegamma/concrnt-odm/internal/domain"
)

// --- fixtures ---

type post struct {
	id       string
	Comments *PersistentCollection
}

func (p *post) DocumentID() string { return p.id }

type comment struct {
	Body string
}

type fakeCoordinator struct {
	load   func(c *PersistentCollection) error
	count  int
	notify bool

	loads  int
	counts int

	scheduled   []any
	unscheduled []any
	deletions   []*PersistentCollection
	dirtyChecks []domain.Document
}

func (f *fakeCoordinator) Load(ctx context.Context, c *PersistentCollection) error {
	f.loads++
	if f.load != nil {
		return f.load(c)
	}
	for _, e := range c.RawPayload() {
		if c.Association().Strategy == domain.StrategyMap {
			c.Unwrap().Set(e.Key, e.Value)
		} else {
			c.Unwrap().Append(e.Value)
		}
	}
	return nil
}

func (f *fakeCoordinator) Count(ctx context.Context, c *PersistentCollection) (int, error) {
	f.counts++
	return f.count, nil
}

func (f *fakeCoordinator) ScheduleOrphanRemoval(v any)   { f.scheduled = append(f.scheduled, v) }
func (f *fakeCoordinator) UnscheduleOrphanRemoval(v any) { f.unscheduled = append(f.unscheduled, v) }
func (f *fakeCoordinator) ScheduleCollectionDeletion(c *PersistentCollection) {
	f.deletions = append(f.deletions, c)
}
func (f *fakeCoordinator) ScheduleForDirtyCheck(owner domain.Document) {
	f.dirtyChecks = append(f.dirtyChecks, owner)
}
func (f *fakeCoordinator) IsChangeTrackingNotify(owner domain.Document) bool { return f.notify }

func (f *fakeCoordinator) calls() int {
	return f.loads + f.counts + len(f.scheduled) + len(f.unscheduled) + len(f.deletions) + len(f.dirtyChecks)
}

var commentType = reflect.TypeOf(&comment{})

func embedded(strategy domain.Strategy) *domain.Association {
	return &domain.Association{Name: "comments", TargetType: commentType, Strategy: strategy, IsEmbedded: true}
}

func reference(strategy domain.Strategy, orphanRemoval bool) *domain.Association {
	return &domain.Association{Name: "comments", TargetType: commentType, Strategy: strategy, IsOwningSide: true, OrphanRemoval: orphanRemoval}
}

func inverse() *domain.Association {
	return &domain.Association{Name: "comments", TargetType: commentType, Strategy: domain.StrategyList, IsInverseSide: true, MappedBy: "post"}
}

func loaded(t *testing.T, coord *fakeCoordinator, assoc *domain.Association, raw ...Entry) *PersistentCollection {
	t.Helper()
	c := attached(coord, assoc, raw...)
	require.NoError(t, c.Initialize(context.Background()))
	return c
}

func attached(coord *fakeCoordinator, assoc *domain.Association, raw ...Entry) *PersistentCollection {
	c := New(coord, nil)
	c.SetOwner(&post{id: "p1"}, assoc)
	c.SetRawPayload(raw)
	return c
}

func listRaw(values ...any) []Entry {
	out := make([]Entry, 0, len(values))
	for i, v := range values {
		out = append(out, Entry{Key: Index(i), Value: v})
	}
	return out
}

// --- initialization ---

func TestInitializeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	coord := &fakeCoordinator{}
	a, b := &comment{Body: "a"}, &comment{Body: "b"}
	c := attached(coord, embedded(domain.StrategyList), listRaw(a, b)...)

	require.NoError(t, c.Initialize(ctx))
	values := c.Unwrap().Values()
	snapshot := c.Snapshot()

	require.NoError(t, c.Initialize(ctx))
	assert.Equal(t, 1, coord.loads)
	assert.Equal(t, values, c.Unwrap().Values())
	assert.Equal(t, snapshot, c.Snapshot())
	assert.Nil(t, c.RawPayload())
	assert.False(t, c.IsDirty())
}

func TestInitializeWithoutAssociationIsNoop(t *testing.T) {
	coord := &fakeCoordinator{}
	c := New(coord, nil)
	require.NoError(t, c.Initialize(context.Background()))
	assert.False(t, c.IsInitialized())
	assert.Zero(t, coord.loads)
}

func TestPendingAdditionsSurviveInitialization(t *testing.T) {
	ctx := context.Background()
	coord := &fakeCoordinator{}
	x, y := &comment{Body: "x"}, &comment{Body: "y"}
	c := attached(coord, embedded(domain.StrategyList), listRaw(x, y)...)

	a, b, d := &comment{Body: "a"}, &comment{Body: "b"}, &comment{Body: "d"}
	for _, v := range []any{a, b, d} {
		require.NoError(t, c.Add(ctx, v))
	}
	assert.Zero(t, coord.loads, "list additions must not load")
	assert.True(t, c.IsDirty())

	first, ok, err := c.Get(ctx, Index(0))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Same(t, x, first)

	require.NoError(t, c.Initialize(ctx))
	values, err := c.Values(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{x, y, a, b, d}, values)
	assert.Equal(t, 1, coord.loads)
	assert.True(t, c.IsDirty())
	assert.Equal(t, []any{a, b, d}, c.InsertedDocuments())
}

func TestMapAddLoadsBeforeKeying(t *testing.T) {
	ctx := context.Background()
	coord := &fakeCoordinator{}
	x, y, z := &comment{Body: "x"}, &comment{Body: "y"}, &comment{Body: "z"}
	c := attached(coord, embedded(domain.StrategyMap),
		Entry{Key: ParseKey("0"), Value: x},
		Entry{Key: ParseKey("1"), Value: y},
	)

	require.NoError(t, c.Add(ctx, z))
	assert.Equal(t, 1, coord.loads)

	k, ok, err := c.IndexOf(ctx, z)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", k.String())
	assert.Equal(t, []Entry{{Key: Index(2), Value: z}}, c.InsertDiff())
	assert.Empty(t, c.DeleteDiff())
}

func TestLoadFailureLeavesCollectionRetryable(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("store unavailable")
	coord := &fakeCoordinator{}
	coord.load = func(c *PersistentCollection) error {
		c.Unwrap().Append(&comment{Body: "partial"})
		return boom
	}
	raw := listRaw(&comment{Body: "x"})
	c := attached(coord, embedded(domain.StrategyList), raw...)
	require.NoError(t, c.Add(ctx, &comment{Body: "pending"}))

	_, _, err := c.Get(ctx, Index(0))
	require.ErrorIs(t, err, boom)
	var loadErr *domain.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "comments", loadErr.Association)

	assert.False(t, c.IsInitialized())
	assert.Zero(t, c.Unwrap().Len())
	assert.Equal(t, raw, c.RawPayload())

	coord.load = nil
	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, c.IsInitialized())
}

// --- dirtiness ---

func TestNotifyTrackingSchedulesOwnerOnce(t *testing.T) {
	ctx := context.Background()
	coord := &fakeCoordinator{notify: true}
	c := loaded(t, coord, embedded(domain.StrategyList))

	require.NoError(t, c.Add(ctx, &comment{Body: "a"}))
	require.NoError(t, c.Add(ctx, &comment{Body: "b"}))

	require.Len(t, coord.dirtyChecks, 1)
	assert.Equal(t, "p1", coord.dirtyChecks[0].DocumentID())
}

func TestImplicitTrackingDoesNotSchedule(t *testing.T) {
	coord := &fakeCoordinator{}
	c := loaded(t, coord, embedded(domain.StrategyList))
	require.NoError(t, c.Add(context.Background(), &comment{Body: "a"}))
	assert.Empty(t, coord.dirtyChecks)
}

func TestIsDirtyComparesAgainstSnapshot(t *testing.T) {
	coord := &fakeCoordinator{}
	a := &comment{Body: "a"}
	c := loaded(t, coord, embedded(domain.StrategyList), listRaw(a)...)
	require.False(t, c.IsDirty())

	// a structurally equal replacement is not a change
	c.Unwrap().Set(Index(0), &comment{Body: "a"})
	assert.False(t, c.IsDirty())

	c.Unwrap().Append(&comment{Body: "b"})
	assert.True(t, c.IsDirty())
}

// --- snapshot and diffs ---

func TestTakeSnapshotReindexesLists(t *testing.T) {
	ctx := context.Background()
	a, b, d := &comment{Body: "a"}, &comment{Body: "b"}, &comment{Body: "d"}
	c := loaded(t, &fakeCoordinator{}, reference(domain.StrategyList, false), listRaw(a, b, d)...)

	_, ok, err := c.Remove(ctx, Index(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []Key{Index(0), Index(2)}, c.Unwrap().Keys())

	c.TakeSnapshot()
	assert.Equal(t, []Entry{{Key: Index(0), Value: a}, {Key: Index(1), Value: d}}, c.Snapshot())
	assert.False(t, c.IsDirty())
}

func TestTakeSnapshotKeepsMapKeys(t *testing.T) {
	ctx := context.Background()
	x, y := &comment{Body: "x"}, &comment{Body: "y"}
	c := loaded(t, &fakeCoordinator{}, embedded(domain.StrategyMap),
		Entry{Key: Name("a"), Value: x}, Entry{Key: Name("b"), Value: y})

	_, _, err := c.Remove(ctx, Name("a"))
	require.NoError(t, err)
	c.TakeSnapshot()
	assert.Equal(t, []Entry{{Key: Name("b"), Value: y}}, c.Snapshot())
}

func TestMapScenarioDiffs(t *testing.T) {
	ctx := context.Background()
	x, y, z := &comment{Body: "X"}, &comment{Body: "Y"}, &comment{Body: "Z"}
	c := loaded(t, &fakeCoordinator{}, reference(domain.StrategyMap, false),
		Entry{Key: Name("a"), Value: x}, Entry{Key: Name("b"), Value: y})

	require.NoError(t, c.Set(ctx, Name("b"), z))
	_, ok, err := c.Remove(ctx, Name("a"))
	require.NoError(t, err)
	require.True(t, ok)

	// b still exists but holds a different value, so its baseline slot is
	// part of the delete diff and Y is no longer contained.
	assert.Equal(t, []Entry{{Key: Name("a"), Value: x}, {Key: Name("b"), Value: y}}, c.DeleteDiff())
	assert.Equal(t, []Entry{{Key: Name("b"), Value: z}}, c.InsertDiff())
	assert.Equal(t, []any{x, y}, c.DeletedDocuments())
	assert.Equal(t, []any{z}, c.InsertedDocuments())
}

func TestDiffsIgnoreEqualReplacement(t *testing.T) {
	ctx := context.Background()
	c := loaded(t, &fakeCoordinator{}, embedded(domain.StrategyMap), Entry{Key: Name("a"), Value: "v"})
	require.NoError(t, c.Set(ctx, Name("a"), "v"))
	assert.Empty(t, c.DeleteDiff())
	assert.Empty(t, c.InsertDiff())
	assert.Empty(t, c.DeletedDocuments())
}

func TestDiffSymmetry(t *testing.T) {
	ctx := context.Background()
	a, b, d, e := &comment{Body: "a"}, &comment{Body: "b"}, &comment{Body: "d"}, &comment{Body: "e"}
	c := loaded(t, &fakeCoordinator{}, reference(domain.StrategyList, false), listRaw(a, b, d)...)
	pre := entryValues(c.Snapshot())

	_, err := c.RemoveElement(ctx, b)
	require.NoError(t, err)
	require.NoError(t, c.Add(ctx, e))
	require.NoError(t, c.Add(ctx, e))
	_, _, err = c.Remove(ctx, Index(0))
	require.NoError(t, err)
	require.NoError(t, c.Add(ctx, a))

	inserted, deleted := c.InsertedDocuments(), c.DeletedDocuments()
	for _, v := range inserted {
		assert.NotContains(t, deleted, v)
	}
	assert.Equal(t, []any{e}, inserted)
	assert.Equal(t, []any{b}, deleted)

	replay := NewElements(c.Unwrap().Values()...)
	for _, v := range inserted {
		for replay.RemoveElement(v) {
		}
	}
	for _, v := range deleted {
		replay.Append(v)
	}
	assert.ElementsMatch(t, pre, replay.Values())
}

func TestDiffScalarsByEquality(t *testing.T) {
	ctx := context.Background()
	c := loaded(t, &fakeCoordinator{}, embedded(domain.StrategySet), listRaw("a", "b")...)
	_, err := c.RemoveElement(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, c.Add(ctx, "c"))
	require.NoError(t, c.Add(ctx, "c"))

	assert.Equal(t, []any{"a"}, c.DeletedDocuments())
	assert.Equal(t, []any{"c"}, c.InsertedDocuments())
}

func TestDiffBeforeAttachmentPanics(t *testing.T) {
	c := New(&fakeCoordinator{}, NewElements("a"))
	assert.PanicsWithValue(t,
		domain.MisuseError{Op: "InsertDiff", Reason: "collection is not attached to an owner"},
		func() { c.InsertDiff() })

	c.SetOwner(&post{id: "p1"}, embedded(domain.StrategyList))
	assert.Panics(t, func() { c.DeletedDocuments() })
}

// --- orphan removal and clear ---

func TestOrphanRemovalPolicy(t *testing.T) {
	assert.True(t, embedded(domain.StrategyList).OrphanRemovalEnabled())
	assert.True(t, reference(domain.StrategyList, true).OrphanRemovalEnabled())
	assert.False(t, reference(domain.StrategyList, false).OrphanRemovalEnabled())

	inv := inverse()
	inv.OrphanRemoval = true
	assert.False(t, inv.OrphanRemovalEnabled())
}

func TestClearSchedulesOrphansForEmbedded(t *testing.T) {
	ctx := context.Background()
	coord := &fakeCoordinator{}
	a, b := &comment{Body: "a"}, &comment{Body: "b"}
	assoc := embedded(domain.StrategyList)
	assoc.OrphanRemoval = false
	c := attached(coord, assoc, listRaw(a, b)...)

	require.NoError(t, c.Clear(ctx))
	assert.Equal(t, []any{a, b}, coord.scheduled)
	assert.Equal(t, []*PersistentCollection{c}, coord.deletions)
	assert.Empty(t, c.Snapshot())

	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClearWithoutOrphanRemovalSchedulesNone(t *testing.T) {
	ctx := context.Background()
	coord := &fakeCoordinator{}
	c := loaded(t, coord, reference(domain.StrategyList, false), listRaw(&comment{}, &comment{})...)

	require.NoError(t, c.Clear(ctx))
	assert.Empty(t, coord.scheduled)
	assert.Len(t, coord.deletions, 1)
}

func TestClearOnEmptyInitializedIsNoop(t *testing.T) {
	coord := &fakeCoordinator{notify: true}
	c := loaded(t, coord, embedded(domain.StrategyList))
	before := coord.calls()

	require.NoError(t, c.Clear(context.Background()))
	assert.Equal(t, before, coord.calls())
	assert.False(t, c.IsDirty())
}

func TestClearInverseSideSchedulesNothing(t *testing.T) {
	coord := &fakeCoordinator{}
	c := loaded(t, coord, inverse(), listRaw(&comment{})...)

	require.NoError(t, c.Clear(context.Background()))
	assert.Empty(t, coord.deletions)
	assert.Zero(t, c.Unwrap().Len())
}

func TestReaddingUnschedulesOrphanRemoval(t *testing.T) {
	ctx := context.Background()
	coord := &fakeCoordinator{}
	a := &comment{Body: "a"}
	c := loaded(t, coord, reference(domain.StrategyList, true), listRaw(a)...)

	_, err := c.RemoveElement(ctx, a)
	require.NoError(t, err)
	require.NoError(t, c.Add(ctx, a))

	assert.Equal(t, []any{a}, coord.scheduled)
	assert.Equal(t, []any{a}, coord.unscheduled)
}

func TestRemoveMissingKeyIsNoop(t *testing.T) {
	coord := &fakeCoordinator{}
	c := loaded(t, coord, reference(domain.StrategyList, true), listRaw(&comment{})...)

	removed, ok, err := c.Remove(context.Background(), Index(7))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, removed)
	assert.False(t, c.IsDirty())
	assert.Empty(t, coord.scheduled)
}

// --- counting ---

func TestInverseCountUsesQuery(t *testing.T) {
	coord := &fakeCoordinator{count: 4}
	c := attached(coord, inverse(), listRaw(&comment{})...)

	n, err := c.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 1, coord.counts)
	assert.Zero(t, coord.loads)
	assert.False(t, c.IsInitialized())
}

func TestInverseCountIncludesPendingAdditions(t *testing.T) {
	ctx := context.Background()
	coord := &fakeCoordinator{count: 2}
	coord.load = func(c *PersistentCollection) error {
		c.Unwrap().Append(&comment{Body: "a"})
		c.Unwrap().Append(&comment{Body: "b"})
		return nil
	}
	c := attached(coord, inverse())

	require.NoError(t, c.Add(ctx, &comment{Body: "pending"}))
	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Zero(t, coord.loads)

	values, err := c.Values(ctx)
	require.NoError(t, err)
	assert.Len(t, values, n)
}

func TestOwningCountLoads(t *testing.T) {
	coord := &fakeCoordinator{count: 99}
	c := attached(coord, embedded(domain.StrategyList), listRaw(&comment{}, &comment{})...)

	n, err := c.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, coord.counts)
	assert.Equal(t, 1, coord.loads)
}

// --- detach ---

func TestCloneIsDetached(t *testing.T) {
	a := &comment{Body: "a"}
	c := loaded(t, &fakeCoordinator{}, embedded(domain.StrategyList), listRaw(a)...)

	clone, err := c.Clone(context.Background())
	require.NoError(t, err)
	assert.Nil(t, clone.Owner())
	assert.True(t, clone.IsInitialized())
	assert.True(t, clone.IsDirty())
	assert.Empty(t, clone.Snapshot())
	assert.Equal(t, []any{a}, clone.Unwrap().Values())

	clone.Unwrap().Append(&comment{})
	assert.Equal(t, 1, c.Unwrap().Len())
}

func TestTypeClassRequiresAssociation(t *testing.T) {
	c := New(nil, nil)
	_, err := c.TypeClass()
	require.ErrorIs(t, err, domain.ErrConfiguration)

	c.SetOwner(&post{id: "p"}, embedded(domain.StrategyList))
	typ, err := c.TypeClass()
	require.NoError(t, err)
	assert.Equal(t, commentType, typ)
}

func TestMarshalJSONFollowsStrategy(t *testing.T) {
	list := loaded(t, &fakeCoordinator{}, embedded(domain.StrategyList), listRaw("a", "b")...)
	b, err := list.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, string(b))

	m := loaded(t, &fakeCoordinator{}, embedded(domain.StrategyMap), Entry{Key: Name("k"), Value: 1})
	b, err = m.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":1}`, string(b))
}

func TestMarshalJSONKeepsMapInsertionOrder(t *testing.T) {
	m := loaded(t, &fakeCoordinator{}, embedded(domain.StrategyMap),
		Entry{Key: Name("z"), Value: 1},
		Entry{Key: Name("a"), Value: 2},
	)
	require.NoError(t, m.Set(context.Background(), Name("m"), 3))

	b, err := m.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"z":1,"a":2,"m":3}`, string(b))
}
