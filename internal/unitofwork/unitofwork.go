package unitofwork

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/totegamma/concrnt-odm/internal/collection"
	"github.com/totegamma/concrnt-odm/internal/domain"
)

var tracer = otel.Tracer("unitofwork")

// FlushChannel is the channel flush events are published on.
const FlushChannel = "odm.flush"

type state int

const (
	stateNew state = iota
	stateManaged
	stateRemoved
)

type entry struct {
	doc   domain.Document
	meta  *domain.ClassMetadata
	state state
	// original is the stored body as of the last load or flush.
	original map[string]json.RawMessage
}

// UnitOfWork tracks the documents of one session and writes their changes
// back on Flush. It is the coordinator of every collection it attaches.
//
// A UnitOfWork is not safe for concurrent use.
type UnitOfWork struct {
	repo     DocumentRepository
	signaler Signaler
	logger   *slog.Logger
	newID    func() string
	loaders  map[string]LoaderFunc

	byType map[reflect.Type]*domain.ClassMetadata
	byName map[string]*domain.ClassMetadata

	identityMap map[string]*entry
	entries     map[domain.Document]*entry
	order       []*entry
	insertions  []domain.Document
	deletions   []domain.Document

	orphanRemovals      map[any]struct{}
	orphanOrder         []any
	collectionDeletions map[*collection.PersistentCollection]struct{}
	dirtyChecks         map[domain.Document]struct{}
}

type Option func(*UnitOfWork)

func WithSignaler(s Signaler) Option {
	return func(u *UnitOfWork) { u.signaler = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(u *UnitOfWork) { u.logger = l }
}

// WithIDGenerator replaces the ULID generator used for new documents.
func WithIDGenerator(fn func() string) Option {
	return func(u *UnitOfWork) { u.newID = fn }
}

// WithLoader registers fn under the repository method name.
func WithLoader(name string, fn LoaderFunc) Option {
	return func(u *UnitOfWork) { u.loaders[name] = fn }
}

// New returns an empty unit of work on top of repo.
func New(repo DocumentRepository, opts ...Option) *UnitOfWork {
	u := &UnitOfWork{
		repo:    repo,
		logger:  slog.Default(),
		newID:   func() string { return ulid.Make().String() },
		loaders: map[string]LoaderFunc{},
		byType:  map[reflect.Type]*domain.ClassMetadata{},
		byName:  map[string]*domain.ClassMetadata{},
	}
	for _, opt := range opts {
		opt(u)
	}
	u.logger = u.logger.With(slog.String("module", "unitofwork"))
	u.reset()
	return u
}

func (u *UnitOfWork) reset() {
	u.identityMap = map[string]*entry{}
	u.entries = map[domain.Document]*entry{}
	u.order = nil
	u.insertions = nil
	u.deletions = nil
	u.resetSchedules()
}

func (u *UnitOfWork) resetSchedules() {
	u.orphanRemovals = map[any]struct{}{}
	u.orphanOrder = nil
	u.collectionDeletions = map[*collection.PersistentCollection]struct{}{}
	u.dirtyChecks = map[domain.Document]struct{}{}
}

// Register adds document mappings. Top-level types must be pointers to structs
// implementing domain.Document and every association must name a
// *collection.PersistentCollection field.
func (u *UnitOfWork) Register(metas ...*domain.ClassMetadata) error {
	for _, meta := range metas {
		if err := meta.Validate(); err != nil {
			return err
		}
		if !meta.IsEmbeddedDocument {
			if meta.Type.Kind() != reflect.Pointer || meta.Type.Elem().Kind() != reflect.Struct {
				return domain.ConfigurationError{Subject: meta.Name, Reason: "document type must be a pointer to a struct"}
			}
			if !meta.Type.Implements(reflect.TypeFor[domain.Document]()) {
				return domain.ConfigurationError{Subject: meta.Name, Reason: "document type does not implement Document"}
			}
			for _, assoc := range meta.Associations {
				f, ok := meta.Type.Elem().FieldByName(assoc.Field)
				if !ok || f.Type != reflect.TypeFor[*collection.PersistentCollection]() {
					return domain.ConfigurationError{Subject: meta.Name + "." + assoc.Name, Reason: "field " + assoc.Field + " is not a *PersistentCollection"}
				}
			}
		}
		u.byType[meta.Type] = meta
		u.byName[meta.Name] = meta
	}
	return nil
}

// Metadata returns the mapping registered for t.
func (u *UnitOfWork) Metadata(t reflect.Type) (*domain.ClassMetadata, error) {
	meta, ok := u.byType[t]
	if !ok {
		return nil, domain.ConfigurationError{Subject: t.String(), Reason: "type is not registered"}
	}
	return meta, nil
}

// MetadataByName returns the mapping registered under name.
func (u *UnitOfWork) MetadataByName(name string) (*domain.ClassMetadata, error) {
	meta, ok := u.byName[name]
	if !ok {
		return nil, domain.NotFoundError{Resource: "document type " + name}
	}
	return meta, nil
}

func (u *UnitOfWork) metadataFor(doc domain.Document) (*domain.ClassMetadata, error) {
	return u.Metadata(reflect.TypeOf(doc))
}

func identityKey(coll, id string) string {
	return coll + "/" + id
}

// Find returns the document of type T with id, from the identity map when it
// is already managed.
func Find[T domain.Document](ctx context.Context, u *UnitOfWork, id string) (T, error) {
	var zero T
	meta, err := u.Metadata(reflect.TypeFor[T]())
	if err != nil {
		return zero, err
	}
	doc, err := u.FindByMetadata(ctx, meta, id)
	if err != nil {
		return zero, err
	}
	return doc.(T), nil
}

// FindByMetadata is Find for callers that only know the mapping.
func (u *UnitOfWork) FindByMetadata(ctx context.Context, meta *domain.ClassMetadata, id string) (domain.Document, error) {
	ctx, span := tracer.Start(ctx, "UnitOfWork.Find")
	defer span.End()

	if e, ok := u.identityMap[identityKey(meta.Collection, id)]; ok {
		if e.state == stateRemoved {
			return nil, domain.NotFoundError{Resource: identityKey(meta.Collection, id)}
		}
		return e.doc, nil
	}

	stored, err := u.repo.Find(ctx, meta.Collection, id)
	if err != nil {
		span.RecordError(errors.Wrap(err, "failed to find document"))
		return nil, err
	}
	return u.hydrate(meta, stored)
}

// TryGetByID returns a managed document without querying the store.
func (u *UnitOfWork) TryGetByID(meta *domain.ClassMetadata, id string) (domain.Document, bool) {
	e, ok := u.identityMap[identityKey(meta.Collection, id)]
	if !ok {
		return nil, false
	}
	return e.doc, true
}

// Contains reports whether doc is managed and not scheduled for removal.
func (u *UnitOfWork) Contains(doc domain.Document) bool {
	e, ok := u.entries[doc]
	return ok && e.state != stateRemoved
}

// Persist makes doc managed. A new document gets an identifier and is inserted
// on the next flush. Persisting a managed document schedules it for a dirty
// check, and persisting a removed one cancels the removal.
func (u *UnitOfWork) Persist(doc domain.Document) error {
	meta, err := u.metadataFor(doc)
	if err != nil {
		return err
	}
	if meta.IsEmbeddedDocument {
		return domain.ConfigurationError{Subject: meta.Name, Reason: "embedded documents are persisted with their owner"}
	}

	if e, ok := u.entries[doc]; ok {
		switch e.state {
		case stateRemoved:
			e.state = stateManaged
			u.deletions = without(u.deletions, doc)
		case stateManaged:
			u.dirtyChecks[doc] = struct{}{}
		}
		return nil
	}

	id := doc.DocumentID()
	if id == "" {
		setter, ok := doc.(domain.IdentitySetter)
		if !ok {
			return domain.ConfigurationError{Subject: meta.Name, Reason: "document has no identifier and cannot be assigned one"}
		}
		id = u.newID()
		setter.SetDocumentID(id)
	}
	key := identityKey(meta.Collection, id)
	if _, ok := u.identityMap[key]; ok {
		return errors.Errorf("another instance of %s is already managed", key)
	}

	for _, c := range u.attach(doc, meta) {
		if !c.IsInitialized() && len(c.RawPayload()) == 0 {
			c.SetInitialized(true)
		}
		c.SetDirty(c.Unwrap().Len() > 0)
	}

	e := &entry{doc: doc, meta: meta, state: stateNew}
	u.entries[doc] = e
	u.identityMap[key] = e
	u.order = append(u.order, e)
	u.insertions = append(u.insertions, doc)
	return nil
}

// Remove schedules doc for deletion. Elements of owning collections with
// orphan removal are scheduled as orphans.
func (u *UnitOfWork) Remove(ctx context.Context, doc domain.Document) error {
	e, ok := u.entries[doc]
	if !ok {
		return errors.Errorf("document %s is not managed", doc.DocumentID())
	}
	switch e.state {
	case stateRemoved:
		return nil
	case stateNew:
		u.insertions = without(u.insertions, doc)
		u.forget(e)
		return nil
	}

	for _, c := range u.collections(e) {
		assoc := c.Association()
		if assoc.IsEmbedded || !assoc.OrphanRemovalEnabled() {
			continue
		}
		values, err := c.Values(ctx)
		if err != nil {
			return err
		}
		for _, v := range values {
			u.ScheduleOrphanRemoval(v)
		}
	}

	e.state = stateRemoved
	u.deletions = append(u.deletions, doc)
	return nil
}

// Clear detaches every managed document and drops all schedules.
func (u *UnitOfWork) Clear() {
	for _, e := range u.order {
		for _, c := range u.collections(e) {
			c.SetOwner(nil, c.Association())
			c.SetCoordinator(nil)
		}
	}
	u.reset()
}

// Collection returns the collection of doc for the association name.
func (u *UnitOfWork) Collection(doc domain.Document, name string) (*collection.PersistentCollection, error) {
	meta, err := u.metadataFor(doc)
	if err != nil {
		return nil, err
	}
	assoc, ok := meta.Association(name)
	if !ok {
		return nil, domain.NotFoundError{Resource: "association " + meta.Name + "." + name}
	}
	fv := reflect.ValueOf(doc).Elem().FieldByName(assoc.Field)
	c, _ := fv.Interface().(*collection.PersistentCollection)
	if c == nil {
		return nil, domain.ConfigurationError{Subject: meta.Name + "." + name, Reason: "collection is not attached"}
	}
	return c, nil
}

// attach makes u the coordinator of every collection field of doc, creating
// empty collections for nil fields.
func (u *UnitOfWork) attach(doc domain.Document, meta *domain.ClassMetadata) []*collection.PersistentCollection {
	rv := reflect.ValueOf(doc).Elem()
	out := make([]*collection.PersistentCollection, 0, len(meta.Associations))
	for _, name := range sortedAssociations(meta) {
		assoc := meta.Associations[name]
		fv := rv.FieldByName(assoc.Field)
		c, _ := fv.Interface().(*collection.PersistentCollection)
		if c == nil {
			c = collection.New(u, nil)
			fv.Set(reflect.ValueOf(c))
		}
		c.SetCoordinator(u)
		c.SetOwner(doc, assoc)
		out = append(out, c)
	}
	return out
}

func (u *UnitOfWork) collections(e *entry) []*collection.PersistentCollection {
	rv := reflect.ValueOf(e.doc).Elem()
	out := make([]*collection.PersistentCollection, 0, len(e.meta.Associations))
	for _, name := range sortedAssociations(e.meta) {
		c, _ := rv.FieldByName(e.meta.Associations[name].Field).Interface().(*collection.PersistentCollection)
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

func (u *UnitOfWork) register(e *entry) {
	u.entries[e.doc] = e
	u.identityMap[identityKey(e.meta.Collection, e.doc.DocumentID())] = e
	u.order = append(u.order, e)
}

func (u *UnitOfWork) forget(e *entry) {
	delete(u.entries, e.doc)
	delete(u.identityMap, identityKey(e.meta.Collection, e.doc.DocumentID()))
	delete(u.dirtyChecks, e.doc)
	for i, o := range u.order {
		if o == e {
			u.order = append(u.order[:i], u.order[i+1:]...)
			break
		}
	}
}

// ScheduleOrphanRemoval marks v for removal at flush. Only pointers are
// tracked; plain values have no identity to remove.
func (u *UnitOfWork) ScheduleOrphanRemoval(v any) {
	if !isPointer(v) {
		return
	}
	if _, ok := u.orphanRemovals[v]; ok {
		return
	}
	u.orphanRemovals[v] = struct{}{}
	u.orphanOrder = append(u.orphanOrder, v)
}

func (u *UnitOfWork) UnscheduleOrphanRemoval(v any) {
	if !isPointer(v) {
		return
	}
	delete(u.orphanRemovals, v)
}

func (u *UnitOfWork) IsScheduledForOrphanRemoval(v any) bool {
	if !isPointer(v) {
		return false
	}
	_, ok := u.orphanRemovals[v]
	return ok
}

func (u *UnitOfWork) ScheduleCollectionDeletion(c *collection.PersistentCollection) {
	u.collectionDeletions[c] = struct{}{}
}

func (u *UnitOfWork) IsCollectionScheduledForDeletion(c *collection.PersistentCollection) bool {
	_, ok := u.collectionDeletions[c]
	return ok
}

func (u *UnitOfWork) ScheduleForDirtyCheck(owner domain.Document) {
	u.dirtyChecks[owner] = struct{}{}
}

func (u *UnitOfWork) IsScheduledForDirtyCheck(owner domain.Document) bool {
	_, ok := u.dirtyChecks[owner]
	return ok
}

func (u *UnitOfWork) IsChangeTrackingNotify(owner domain.Document) bool {
	meta, err := u.metadataFor(owner)
	if err != nil {
		return false
	}
	return meta.IsChangeTrackingNotify()
}

func isPointer(v any) bool {
	return v != nil && reflect.TypeOf(v).Kind() == reflect.Pointer
}

func without(docs []domain.Document, doc domain.Document) []domain.Document {
	out := docs[:0]
	for _, d := range docs {
		if d != doc {
			out = append(out, d)
		}
	}
	return out
}
