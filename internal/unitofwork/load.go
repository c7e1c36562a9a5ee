package unitofwork

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/totegamma/concrnt-odm/internal/collection"
	"github.com/totegamma/concrnt-odm/internal/domain"
)

// hydrate turns a stored document into a managed instance. An instance that is
// already managed wins over the stored state.
func (u *UnitOfWork) hydrate(meta *domain.ClassMetadata, stored domain.StoredDocument) (domain.Document, error) {
	if e, ok := u.identityMap[identityKey(meta.Collection, stored.ID)]; ok {
		return e.doc, nil
	}

	rv := reflect.New(meta.Type.Elem())
	if err := json.Unmarshal(stored.Body, rv.Interface()); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", identityKey(meta.Collection, stored.ID))
	}
	doc := rv.Interface().(domain.Document)
	if setter, ok := doc.(domain.IdentitySetter); ok {
		setter.SetDocumentID(stored.ID)
	}

	var original map[string]json.RawMessage
	if err := json.Unmarshal(stored.Body, &original); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", identityKey(meta.Collection, stored.ID))
	}

	u.attach(doc, meta)
	u.register(&entry{doc: doc, meta: meta, state: stateManaged, original: original})
	return doc, nil
}

// Load fills c from its raw payload, from the store or from a registered loader.
func (u *UnitOfWork) Load(ctx context.Context, c *collection.PersistentCollection) error {
	ctx, span := tracer.Start(ctx, "UnitOfWork.Load")
	defer span.End()

	assoc := c.Association()
	if assoc == nil || c.Owner() == nil {
		return domain.ConfigurationError{Reason: "collection is not attached to an owner"}
	}
	span.SetAttributes(attribute.String("association", assoc.Name))

	var err error
	switch {
	case assoc.RepositoryMethod != "":
		err = u.loadWithRepositoryMethod(ctx, c)
	case assoc.IsEmbedded:
		err = u.loadEmbedded(c)
	case assoc.Inverse():
		err = u.loadInverse(ctx, c)
	default:
		err = u.loadReferences(ctx, c)
	}
	if err != nil {
		span.RecordError(errors.Wrap(err, "failed to load collection"))
		return err
	}
	return nil
}

func put(c *collection.PersistentCollection, k collection.Key, v any) {
	if c.Association().Strategy == domain.StrategyMap {
		c.Unwrap().Set(k, v)
		return
	}
	c.Unwrap().Append(v)
}

func (u *UnitOfWork) loadEmbedded(c *collection.PersistentCollection) error {
	target := c.Association().TargetType
	for _, e := range c.RawPayload() {
		v, err := decodeElement(target, e.Value)
		if err != nil {
			return errors.Wrapf(err, "failed to decode element %s", e.Key)
		}
		put(c, e.Key, v)
	}
	return nil
}

// decodeElement converts a staged element to the target type. Staged values
// that already have the target type are used as they are.
func decodeElement(target reflect.Type, staged any) (any, error) {
	raw, ok := staged.(json.RawMessage)
	if !ok {
		if staged != nil && reflect.TypeOf(staged).AssignableTo(target) {
			return staged, nil
		}
		b, err := json.Marshal(staged)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	ptr := reflect.New(target)
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return nil, err
	}
	return ptr.Elem().Interface(), nil
}

func (u *UnitOfWork) loadReferences(ctx context.Context, c *collection.PersistentCollection) error {
	assoc := c.Association()
	target, err := u.Metadata(assoc.TargetType)
	if err != nil {
		return err
	}

	raw := c.RawPayload()
	ids := make([]string, len(raw))
	for i, e := range raw {
		if staged, ok := e.Value.(domain.Document); ok {
			ids[i] = staged.DocumentID()
			continue
		}
		v, err := decodeElement(reflect.TypeFor[string](), e.Value)
		if err != nil {
			return errors.Wrapf(err, "reference %s of %s is not an identifier", e.Key, assoc.Name)
		}
		ids[i] = v.(string)
	}

	if c.Hints().Prime {
		if err := u.prime(ctx, target, ids); err != nil {
			return err
		}
	}

	for i, id := range ids {
		doc, err := u.FindByMetadata(ctx, target, id)
		if errors.Is(err, domain.ErrNotFound) {
			u.logger.WarnContext(ctx, "dangling reference",
				slog.String("association", assoc.Name),
				slog.String("owner", c.Owner().DocumentID()),
				slog.String("target", id),
			)
			continue
		}
		if err != nil {
			return err
		}
		put(c, raw[i].Key, doc)
	}
	return nil
}

// prime loads every unmanaged id in one query.
func (u *UnitOfWork) prime(ctx context.Context, meta *domain.ClassMetadata, ids []string) error {
	missing := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := u.identityMap[identityKey(meta.Collection, id)]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	stored, err := u.repo.FindMany(ctx, meta.Collection, missing)
	if err != nil {
		return errors.Wrap(err, "failed to prime references")
	}
	for _, s := range stored {
		if _, err := u.hydrate(meta, s); err != nil {
			return err
		}
	}
	return nil
}

func (u *UnitOfWork) loadInverse(ctx context.Context, c *collection.PersistentCollection) error {
	assoc := c.Association()
	target, err := u.Metadata(assoc.TargetType)
	if err != nil {
		return err
	}
	stored, err := u.repo.FindBy(ctx, target.Collection, assoc.MappedBy, c.Owner().DocumentID())
	if err != nil {
		return errors.Wrap(err, "failed to query inverse side")
	}
	for _, s := range stored {
		e, managed := u.identityMap[identityKey(target.Collection, s.ID)]
		if managed && e.state == stateRemoved {
			continue
		}
		doc, err := u.hydrate(target, s)
		if err != nil {
			return err
		}
		c.Unwrap().Append(doc)
	}
	return nil
}

func (u *UnitOfWork) loadWithRepositoryMethod(ctx context.Context, c *collection.PersistentCollection) error {
	assoc := c.Association()
	fn, ok := u.loaders[assoc.RepositoryMethod]
	if !ok {
		return domain.ConfigurationError{Subject: assoc.Name, Reason: "repository method " + assoc.RepositoryMethod + " is not registered"}
	}
	values, err := fn(ctx, u, c.Owner())
	if err != nil {
		return err
	}
	for _, v := range values {
		c.Unwrap().Append(v)
	}
	return nil
}

// Count answers the size of an uninitialized inverse-side collection with a
// query against the target collection.
func (u *UnitOfWork) Count(ctx context.Context, c *collection.PersistentCollection) (int, error) {
	ctx, span := tracer.Start(ctx, "UnitOfWork.Count")
	defer span.End()

	assoc := c.Association()
	if assoc == nil || c.Owner() == nil {
		return 0, domain.ConfigurationError{Reason: "collection is not attached to an owner"}
	}
	if assoc.RepositoryMethod != "" {
		fn, ok := u.loaders[assoc.RepositoryMethod]
		if !ok {
			return 0, domain.ConfigurationError{Subject: assoc.Name, Reason: "repository method " + assoc.RepositoryMethod + " is not registered"}
		}
		values, err := fn(ctx, u, c.Owner())
		if err != nil {
			return 0, err
		}
		return len(values), nil
	}

	target, err := u.Metadata(assoc.TargetType)
	if err != nil {
		return 0, err
	}
	n, err := u.repo.CountBy(ctx, target.Collection, assoc.MappedBy, c.Owner().DocumentID())
	if err != nil {
		span.RecordError(errors.Wrap(err, "failed to count inverse side"))
		return 0, err
	}
	return n, nil
}
