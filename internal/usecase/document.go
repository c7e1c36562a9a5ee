package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"

	"github.com/expr-lang/expr"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/totegamma/concrnt-odm/internal/collection"
	"github.com/totegamma/concrnt-odm/internal/domain"
	"github.com/totegamma/concrnt-odm/internal/unitofwork"
)

var tracer = otel.Tracer("usecase")

// Element is one slot of a collection as served to clients.
type Element struct {
	Key   string `json:"key"`
	ID    string `json:"id,omitempty"`
	Value any    `json:"value"`
}

// DocumentUsecase runs every request in a fresh unit of work.
type DocumentUsecase struct {
	repo     unitofwork.DocumentRepository
	signaler unitofwork.Signaler
	metas    []*domain.ClassMetadata
	loaders  map[string]unitofwork.LoaderFunc
}

func NewDocumentUsecase(
	repo unitofwork.DocumentRepository,
	signaler unitofwork.Signaler,
	metas []*domain.ClassMetadata,
) *DocumentUsecase {
	return &DocumentUsecase{
		repo:     repo,
		signaler: signaler,
		metas:    metas,
		loaders:  map[string]unitofwork.LoaderFunc{},
	}
}

// RegisterLoader makes fn available to associations naming it.
func (uc *DocumentUsecase) RegisterLoader(name string, fn unitofwork.LoaderFunc) {
	uc.loaders[name] = fn
}

func (uc *DocumentUsecase) session() (*unitofwork.UnitOfWork, error) {
	opts := []unitofwork.Option{}
	if uc.signaler != nil {
		opts = append(opts, unitofwork.WithSignaler(uc.signaler))
	}
	for name, fn := range uc.loaders {
		opts = append(opts, unitofwork.WithLoader(name, fn))
	}
	u := unitofwork.New(uc.repo, opts...)
	if err := u.Register(uc.metas...); err != nil {
		return nil, err
	}
	return u, nil
}

func (uc *DocumentUsecase) find(ctx context.Context, u *unitofwork.UnitOfWork, typ, id string) (domain.Document, error) {
	meta, err := u.MetadataByName(typ)
	if err != nil {
		return nil, err
	}
	if meta.IsEmbeddedDocument {
		return nil, domain.NotFoundError{Resource: "document type " + typ}
	}
	return u.FindByMetadata(ctx, meta, id)
}

func (uc *DocumentUsecase) field(ctx context.Context, typ, id, field string) (*unitofwork.UnitOfWork, *collection.PersistentCollection, error) {
	u, err := uc.session()
	if err != nil {
		return nil, nil, err
	}
	doc, err := uc.find(ctx, u, typ, id)
	if err != nil {
		return nil, nil, err
	}
	c, err := u.Collection(doc, field)
	if err != nil {
		return nil, nil, err
	}
	return u, c, nil
}

// GetDocument returns the document as stored, with references as identifiers.
func (uc *DocumentUsecase) GetDocument(ctx context.Context, typ, id string) (domain.Document, error) {
	ctx, span := tracer.Start(ctx, "Document.Usecase.GetDocument")
	defer span.End()

	u, err := uc.session()
	if err != nil {
		return nil, err
	}
	doc, err := uc.find(ctx, u, typ, id)
	if err != nil {
		span.RecordError(errors.Wrap(err, "failed to find document"))
		return nil, err
	}
	return doc, nil
}

// CreateDocument decodes body into a new document of typ and inserts it.
func (uc *DocumentUsecase) CreateDocument(ctx context.Context, typ string, body json.RawMessage) (domain.Document, error) {
	ctx, span := tracer.Start(ctx, "Document.Usecase.CreateDocument")
	defer span.End()

	u, err := uc.session()
	if err != nil {
		return nil, err
	}
	meta, err := u.MetadataByName(typ)
	if err != nil {
		return nil, err
	}
	if meta.IsEmbeddedDocument {
		return nil, domain.NotFoundError{Resource: "document type " + typ}
	}

	rv := reflect.New(meta.Type.Elem())
	if err := json.Unmarshal(body, rv.Interface()); err != nil {
		return nil, domain.ConfigurationError{Subject: typ, Reason: "invalid document body: " + err.Error()}
	}
	doc := rv.Interface().(domain.Document)
	if err := u.Persist(doc); err != nil {
		return nil, err
	}
	if err := u.Flush(ctx); err != nil {
		span.RecordError(errors.Wrap(err, "failed to flush"))
		return nil, err
	}
	return doc, nil
}

func (uc *DocumentUsecase) DeleteDocument(ctx context.Context, typ, id string) error {
	ctx, span := tracer.Start(ctx, "Document.Usecase.DeleteDocument")
	defer span.End()

	u, err := uc.session()
	if err != nil {
		return err
	}
	doc, err := uc.find(ctx, u, typ, id)
	if err != nil {
		return err
	}
	if err := u.Remove(ctx, doc); err != nil {
		return err
	}
	if err := u.Flush(ctx); err != nil {
		span.RecordError(errors.Wrap(err, "failed to flush"))
		return err
	}
	return nil
}

// Page returns limit elements of a collection starting at offset. A negative
// limit reads to the end.
func (uc *DocumentUsecase) Page(ctx context.Context, typ, id, field string, offset, limit int) ([]Element, error) {
	ctx, span := tracer.Start(ctx, "Document.Usecase.Page")
	defer span.End()

	if offset < 0 {
		offset = 0
	}
	_, c, err := uc.field(ctx, typ, id, field)
	if err != nil {
		return nil, err
	}
	keys, err := c.Keys(ctx)
	if err != nil {
		span.RecordError(errors.Wrap(err, "failed to load collection"))
		return nil, err
	}
	values, err := c.Slice(ctx, offset, limit)
	if err != nil {
		return nil, err
	}

	out := make([]Element, 0, len(values))
	for i, v := range values {
		el := Element{Key: keys[offset+i].String(), Value: v}
		if doc, ok := v.(domain.Document); ok && !c.Association().IsEmbedded {
			el.ID = doc.DocumentID()
		}
		out = append(out, el)
	}
	return out, nil
}

// Filter returns the elements for which the boolean expression holds. The
// expression sees the element as value and its slot as key.
func (uc *DocumentUsecase) Filter(ctx context.Context, typ, id, field, expression string) ([]Element, error) {
	ctx, span := tracer.Start(ctx, "Document.Usecase.Filter")
	defer span.End()

	program, err := expr.Compile(expression, expr.AsBool())
	if err != nil {
		return nil, domain.ConfigurationError{Subject: field, Reason: "invalid filter: " + err.Error()}
	}
	_, c, err := uc.field(ctx, typ, id, field)
	if err != nil {
		return nil, err
	}

	var evalErr error
	matched, err := c.Filter(ctx, func(k collection.Key, v any) bool {
		if evalErr != nil {
			return false
		}
		env, err := filterEnv(k, v)
		if err != nil {
			evalErr = err
			return false
		}
		out, err := expr.Run(program, env)
		if err != nil {
			evalErr = domain.ConfigurationError{Subject: field, Reason: "filter failed: " + err.Error()}
			return false
		}
		return out.(bool)
	})
	if err != nil {
		span.RecordError(errors.Wrap(err, "failed to load collection"))
		return nil, err
	}
	if evalErr != nil {
		return nil, evalErr
	}

	out := make([]Element, 0, matched.Len())
	matched.ForEach(func(k collection.Key, v any) bool {
		el := Element{Key: k.String(), Value: v}
		if doc, ok := v.(domain.Document); ok && !c.Association().IsEmbedded {
			el.ID = doc.DocumentID()
		}
		out = append(out, el)
		return true
	})
	return out, nil
}

func filterEnv(k collection.Key, v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode element")
	}
	var value any
	if err := json.Unmarshal(b, &value); err != nil {
		return nil, errors.Wrap(err, "failed to decode element")
	}
	env := map[string]any{"key": k.String(), "value": value}
	if doc, ok := v.(domain.Document); ok {
		env["id"] = doc.DocumentID()
	}
	return env, nil
}

// Get returns the element stored under key.
func (uc *DocumentUsecase) Get(ctx context.Context, typ, id, field, key string) (Element, error) {
	ctx, span := tracer.Start(ctx, "Document.Usecase.Get")
	defer span.End()

	_, c, err := uc.field(ctx, typ, id, field)
	if err != nil {
		return Element{}, err
	}
	v, ok, err := c.Get(ctx, collection.ParseKey(key))
	if err != nil {
		return Element{}, err
	}
	if !ok {
		return Element{}, domain.NotFoundError{Resource: field + "/" + key}
	}
	el := Element{Key: key, Value: v}
	if doc, ok := v.(domain.Document); ok && !c.Association().IsEmbedded {
		el.ID = doc.DocumentID()
	}
	return el, nil
}

// Count returns the size of a collection. Inverse-side collections are
// counted without being loaded.
func (uc *DocumentUsecase) Count(ctx context.Context, typ, id, field string) (int, error) {
	ctx, span := tracer.Start(ctx, "Document.Usecase.Count")
	defer span.End()

	_, c, err := uc.field(ctx, typ, id, field)
	if err != nil {
		return 0, err
	}
	return c.Count(ctx)
}

// Append adds element to the end of a collection. Reference collections take
// the identifier of the target document.
func (uc *DocumentUsecase) Append(ctx context.Context, typ, id, field string, element json.RawMessage) error {
	ctx, span := tracer.Start(ctx, "Document.Usecase.Append")
	defer span.End()

	u, c, err := uc.field(ctx, typ, id, field)
	if err != nil {
		return err
	}
	v, err := uc.decodeElement(ctx, u, c, element)
	if err != nil {
		return err
	}
	if err := c.Add(ctx, v); err != nil {
		return err
	}
	if err := u.Flush(ctx); err != nil {
		span.RecordError(errors.Wrap(err, "failed to flush"))
		return err
	}
	return nil
}

// Put stores element under key.
func (uc *DocumentUsecase) Put(ctx context.Context, typ, id, field, key string, element json.RawMessage) error {
	ctx, span := tracer.Start(ctx, "Document.Usecase.Put")
	defer span.End()

	u, c, err := uc.field(ctx, typ, id, field)
	if err != nil {
		return err
	}
	v, err := uc.decodeElement(ctx, u, c, element)
	if err != nil {
		return err
	}
	if err := c.Set(ctx, collection.ParseKey(key), v); err != nil {
		return err
	}
	if err := u.Flush(ctx); err != nil {
		span.RecordError(errors.Wrap(err, "failed to flush"))
		return err
	}
	return nil
}

// Remove deletes the element stored under key. Orphaned documents are
// removed with it.
func (uc *DocumentUsecase) Remove(ctx context.Context, typ, id, field, key string) error {
	ctx, span := tracer.Start(ctx, "Document.Usecase.Remove")
	defer span.End()

	u, c, err := uc.field(ctx, typ, id, field)
	if err != nil {
		return err
	}
	if !c.Association().Owning() {
		return domain.ConfigurationError{Subject: field, Reason: "inverse side collections are read-only"}
	}
	_, ok, err := c.Remove(ctx, collection.ParseKey(key))
	if err != nil {
		return err
	}
	if !ok {
		return domain.NotFoundError{Resource: field + "/" + key}
	}
	if err := u.Flush(ctx); err != nil {
		span.RecordError(errors.Wrap(err, "failed to flush"))
		return err
	}
	return nil
}

// Clear empties a collection.
func (uc *DocumentUsecase) Clear(ctx context.Context, typ, id, field string) error {
	ctx, span := tracer.Start(ctx, "Document.Usecase.Clear")
	defer span.End()

	u, c, err := uc.field(ctx, typ, id, field)
	if err != nil {
		return err
	}
	if !c.Association().Owning() {
		return domain.ConfigurationError{Subject: field, Reason: "inverse side collections are read-only"}
	}
	if err := c.Clear(ctx); err != nil {
		return err
	}
	if err := u.Flush(ctx); err != nil {
		span.RecordError(errors.Wrap(err, "failed to flush"))
		return err
	}
	return nil
}

func (uc *DocumentUsecase) decodeElement(ctx context.Context, u *unitofwork.UnitOfWork, c *collection.PersistentCollection, element json.RawMessage) (any, error) {
	assoc := c.Association()
	if !assoc.Owning() {
		return nil, domain.ConfigurationError{Subject: assoc.Name, Reason: "inverse side collections are read-only"}
	}
	if assoc.IsEmbedded {
		ptr := reflect.New(assoc.TargetType)
		if err := json.Unmarshal(element, ptr.Interface()); err != nil {
			return nil, domain.ConfigurationError{Subject: assoc.Name, Reason: "invalid element: " + err.Error()}
		}
		return ptr.Elem().Interface(), nil
	}

	var id string
	if err := json.Unmarshal(element, &id); err != nil {
		return nil, domain.ConfigurationError{Subject: assoc.Name, Reason: "reference elements are document identifiers"}
	}
	target, err := u.Metadata(assoc.TargetType)
	if err != nil {
		return nil, err
	}
	doc, err := u.FindByMetadata(ctx, target, id)
	if err != nil {
		slog.WarnContext(ctx, "reference target not found",
			slog.String("module", "usecase"),
			slog.String("association", assoc.Name),
			slog.String("target", id),
		)
		return nil, err
	}
	return doc, nil
}
