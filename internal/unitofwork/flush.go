package unitofwork

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/totegamma/concrnt-odm/internal/collection"
	"github.com/totegamma/concrnt-odm/internal/domain"
)

// Flush writes every pending change to the store: insertions first, then
// updates of managed documents, then removals including orphans. Collections
// that were written take a new snapshot. Events are published after the writes.
func (u *UnitOfWork) Flush(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "UnitOfWork.Flush", trace.WithAttributes(
		attribute.Int("managed", len(u.identityMap)),
	))
	defer span.End()

	var events []domain.FlushEvent

	for _, doc := range u.insertions {
		e := u.entries[doc]
		if e == nil || e.state != stateNew {
			continue
		}
		event, err := u.insert(ctx, e)
		if err != nil {
			span.RecordError(errors.Wrap(err, "failed to insert document"))
			return err
		}
		events = append(events, event)
	}
	u.insertions = nil

	for _, e := range append([]*entry{}, u.order...) {
		if e.state != stateManaged || !u.needsDirtyCheck(e) {
			continue
		}
		event, written, err := u.update(ctx, e)
		if err != nil {
			span.RecordError(errors.Wrap(err, "failed to update document"))
			return err
		}
		if written {
			events = append(events, event)
		}
	}

	for i := 0; i < len(u.orphanOrder); i++ {
		v := u.orphanOrder[i]
		if _, ok := u.orphanRemovals[v]; !ok {
			continue
		}
		doc, ok := v.(domain.Document)
		if !ok {
			continue
		}
		if e := u.entries[doc]; e != nil && e.state == stateManaged && !e.meta.IsEmbeddedDocument {
			if err := u.Remove(ctx, doc); err != nil {
				span.RecordError(errors.Wrap(err, "failed to remove orphan"))
				return err
			}
		}
	}

	for len(u.deletions) > 0 {
		doc := u.deletions[0]
		e := u.entries[doc]
		if e != nil && e.state == stateRemoved {
			if err := u.repo.Delete(ctx, e.meta.Collection, doc.DocumentID()); err != nil && !errors.Is(err, domain.ErrNotFound) {
				span.RecordError(errors.Wrap(err, "failed to delete document"))
				return err
			}
			u.forget(e)
			events = append(events, domain.FlushEvent{Collection: e.meta.Collection, ID: doc.DocumentID(), Kind: "delete"})
		}
		u.deletions = u.deletions[1:]
	}

	u.resetSchedules()
	span.SetAttributes(attribute.Int("documents", len(events)))
	u.publish(ctx, events)
	return nil
}

func (u *UnitOfWork) needsDirtyCheck(e *entry) bool {
	if e.meta.ChangeTracking == domain.ChangeTrackingDeferredImplicit {
		return true
	}
	_, ok := u.dirtyChecks[e.doc]
	return ok
}

func (u *UnitOfWork) insert(ctx context.Context, e *entry) (domain.FlushEvent, error) {
	cols := u.collections(e)
	for _, c := range cols {
		if err := c.Initialize(ctx); err != nil {
			return domain.FlushEvent{}, err
		}
	}
	body, err := u.documentBody(e)
	if err != nil {
		return domain.FlushEvent{}, err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return domain.FlushEvent{}, err
	}
	id := e.doc.DocumentID()
	if err := u.repo.Insert(ctx, e.meta.Collection, domain.StoredDocument{ID: id, Body: raw}); err != nil {
		return domain.FlushEvent{}, err
	}

	e.state = stateManaged
	e.original = body
	for _, c := range cols {
		c.TakeSnapshot()
	}
	u.logger.DebugContext(ctx, "document inserted", slog.String("collection", e.meta.Collection), slog.String("id", id))
	return domain.FlushEvent{Collection: e.meta.Collection, ID: id, Kind: "insert"}, nil
}

func (u *UnitOfWork) update(ctx context.Context, e *entry) (domain.FlushEvent, bool, error) {
	id := e.doc.DocumentID()
	update := domain.Update{Collection: e.meta.Collection, ID: id}
	var fields []string

	body, err := u.documentBody(e)
	if err != nil {
		return domain.FlushEvent{}, false, err
	}

	for _, name := range sortedKeys(body) {
		if _, ok := e.meta.Associations[name]; ok {
			continue
		}
		if orig, ok := e.original[name]; ok && sameJSON(orig, body[name]) {
			continue
		}
		update.Add(domain.Pointer(name), body[name])
		fields = append(fields, name)
	}
	for _, name := range sortedKeys(e.original) {
		if _, ok := e.meta.Associations[name]; ok {
			continue
		}
		if _, ok := body[name]; !ok {
			update.Remove(domain.Pointer(name))
			fields = append(fields, name)
		}
	}

	var written []*collection.PersistentCollection
	for _, c := range u.collections(e) {
		if !c.Association().Owning() {
			continue
		}
		ops, changed, err := u.collectionChanges(ctx, e, c)
		if err != nil {
			return domain.FlushEvent{}, false, err
		}
		if !changed {
			continue
		}
		update.Ops = append(update.Ops, ops...)
		written = append(written, c)
		if len(ops) > 0 {
			fields = append(fields, c.Association().Name)
		}
	}

	if update.Empty() {
		for _, c := range written {
			c.TakeSnapshot()
		}
		return domain.FlushEvent{}, false, nil
	}
	if err := u.repo.Patch(ctx, update); err != nil {
		return domain.FlushEvent{}, false, err
	}

	for _, c := range written {
		c.TakeSnapshot()
	}
	if body, err = u.documentBody(e); err != nil {
		return domain.FlushEvent{}, false, err
	}
	e.original = body
	u.logger.DebugContext(ctx, "document updated",
		slog.String("collection", e.meta.Collection),
		slog.String("id", id),
		slog.Int("ops", len(update.Ops)),
	)
	return domain.FlushEvent{Collection: e.meta.Collection, ID: id, Kind: "update", Fields: fields}, true, nil
}

// ComputeChangeSet returns the patch operations that would persist the
// changes of c. It does not write and does not take a snapshot.
func (u *UnitOfWork) ComputeChangeSet(ctx context.Context, c *collection.PersistentCollection) ([]domain.PatchOp, error) {
	owner := c.Owner()
	if owner == nil || c.Association() == nil {
		return nil, domain.ConfigurationError{Reason: "collection is not attached to an owner"}
	}
	e, ok := u.entries[owner]
	if !ok {
		return nil, errors.Errorf("owner %s is not managed", owner.DocumentID())
	}
	if !c.Association().Owning() {
		return []domain.PatchOp{}, nil
	}
	ops, _, err := u.collectionChanges(ctx, e, c)
	if ops == nil {
		ops = []domain.PatchOp{}
	}
	return ops, err
}

// collectionChanges computes the patch operations of one owning collection.
// changed is true when the collection must take a new snapshot.
func (u *UnitOfWork) collectionChanges(ctx context.Context, e *entry, c *collection.PersistentCollection) (ops []domain.PatchOp, changed bool, err error) {
	assoc := c.Association()
	field := assoc.Name
	_, deleted := u.collectionDeletions[c]

	if !deleted && !c.IsDirty() && !(assoc.IsEmbedded && c.IsInitialized()) {
		return nil, false, nil
	}

	if err := c.Initialize(ctx); err != nil {
		return nil, false, err
	}
	if err := checkReferences(c); err != nil {
		return nil, false, err
	}
	if c.IsOrphanRemovalEnabled() {
		for _, v := range c.DeletedDocuments() {
			u.ScheduleOrphanRemoval(v)
		}
	}

	value, err := json.Marshal(c)
	if err != nil {
		return nil, false, err
	}
	full := []domain.PatchOp{{Op: "add", Path: domain.Pointer(field), Value: json.RawMessage(value)}}

	orig, stored := e.original[field]
	if !stored {
		orig = emptyContainer(assoc)
	}
	if sameJSON(orig, value) {
		return nil, true, nil
	}
	// embedded elements are values of the owner and may change in place, so
	// the field is always rewritten
	if deleted || assoc.IsEmbedded || len(c.Snapshot()) == 0 {
		return full, true, nil
	}

	deletes := c.DeleteDiff()
	inserts := c.InsertDiff()
	if len(deletes) == 0 && len(inserts) == 0 {
		return nil, true, nil
	}

	update := domain.Update{}
	if assoc.Strategy.IsList() {
		if !isPureAppend(c, inserts) {
			return full, true, nil
		}
		indices := make([]int, 0, len(deletes))
		for _, d := range deletes {
			i, _ := d.Key.Index()
			indices = append(indices, i)
		}
		sort.Sort(sort.Reverse(sort.IntSlice(indices)))
		for _, i := range indices {
			update.Remove(domain.Pointer(field, strconv.Itoa(i)))
		}
		for _, ins := range inserts {
			update.Add(domain.Pointer(field, "-"), c.StoredValue(ins.Value))
		}
		return update.Ops, true, nil
	}

	reinserted := make(map[collection.Key]struct{}, len(inserts))
	for _, ins := range inserts {
		reinserted[ins.Key] = struct{}{}
	}
	for _, d := range deletes {
		if _, ok := reinserted[d.Key]; ok {
			continue
		}
		update.Remove(domain.Pointer(field, d.Key.String()))
	}
	for _, ins := range inserts {
		update.Add(domain.Pointer(field, ins.Key.String()), c.StoredValue(ins.Value))
	}
	return update.Ops, true, nil
}

// isPureAppend reports whether every inserted slot comes after every retained
// slot, so that the inserts can be appended to the stored array.
func isPureAppend(c *collection.PersistentCollection, inserts []collection.Entry) bool {
	inserted := make(map[collection.Key]struct{}, len(inserts))
	for _, ins := range inserts {
		inserted[ins.Key] = struct{}{}
	}
	seen := false
	for _, k := range c.Unwrap().Keys() {
		if _, ok := inserted[k]; ok {
			seen = true
		} else if seen {
			return false
		}
	}
	return true
}

// documentBody renders the stored body of a document. Inverse-side fields are
// not stored.
func (u *UnitOfWork) documentBody(e *entry) (map[string]json.RawMessage, error) {
	for _, c := range u.collections(e) {
		if c.Association().Owning() {
			if err := checkReferences(c); err != nil {
				return nil, err
			}
		}
	}
	b, err := json.Marshal(e.doc)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %s", identityKey(e.meta.Collection, e.doc.DocumentID()))
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(b, &body); err != nil {
		return nil, errors.Wrap(err, "document must encode as an object")
	}
	for name, assoc := range e.meta.Associations {
		if assoc.Inverse() {
			delete(body, name)
		}
	}
	return body, nil
}

// checkReferences rejects references to documents without an identifier.
func checkReferences(c *collection.PersistentCollection) error {
	assoc := c.Association()
	if assoc.IsEmbedded {
		return nil
	}
	for _, v := range c.Unwrap().Values() {
		doc, ok := v.(domain.Document)
		if !ok || doc.DocumentID() == "" {
			return domain.ConfigurationError{Subject: assoc.Name, Reason: "collection references a document without an identifier"}
		}
	}
	return nil
}

func emptyContainer(assoc *domain.Association) json.RawMessage {
	if assoc.Strategy == domain.StrategyMap {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(`[]`)
}

// sameJSON compares two encodings by their decoded values.
func sameJSON(a, b json.RawMessage) bool {
	var x, y any
	if err := json.Unmarshal(a, &x); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &y); err != nil {
		return false
	}
	return cmp.Equal(x, y)
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedAssociations(meta *domain.ClassMetadata) []string {
	names := make([]string, 0, len(meta.Associations))
	for name := range meta.Associations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (u *UnitOfWork) publish(ctx context.Context, events []domain.FlushEvent) {
	if u.signaler == nil {
		return
	}
	for _, event := range events {
		if err := u.signaler.Publish(ctx, FlushChannel, event); err != nil {
			u.logger.ErrorContext(ctx, "failed to publish flush event",
				slog.String("collection", event.Collection),
				slog.String("id", event.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
