package repository

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/totegamma/concrnt-odm/internal/domain"
)

// DocumentStore is the method set shared by the repositories.
type DocumentStore interface {
	Find(ctx context.Context, collection, id string) (domain.StoredDocument, error)
	FindMany(ctx context.Context, collection string, ids []string) ([]domain.StoredDocument, error)
	FindBy(ctx context.Context, collection, field, value string) ([]domain.StoredDocument, error)
	CountBy(ctx context.Context, collection, field, value string) (int, error)
	Insert(ctx context.Context, collection string, doc domain.StoredDocument) error
	Patch(ctx context.Context, update domain.Update) error
	Delete(ctx context.Context, collection, id string) error
}

// CachedRepository serves point reads from an in-process cache. Writes go
// through and evict the written document.
type CachedRepository struct {
	inner DocumentStore
	cache *cache.Cache
}

func NewCachedRepository(inner DocumentStore, ttl time.Duration) *CachedRepository {
	return &CachedRepository{
		inner: inner,
		cache: cache.New(ttl, ttl+ttl/2),
	}
}

func cacheKey(collection, id string) string {
	return collection + "/" + id
}

func (r *CachedRepository) Find(ctx context.Context, collection, id string) (domain.StoredDocument, error) {
	if v, found := r.cache.Get(cacheKey(collection, id)); found {
		return v.(domain.StoredDocument), nil
	}
	doc, err := r.inner.Find(ctx, collection, id)
	if err != nil {
		return domain.StoredDocument{}, err
	}
	r.cache.Set(cacheKey(collection, id), doc, cache.DefaultExpiration)
	return doc, nil
}

func (r *CachedRepository) FindMany(ctx context.Context, collection string, ids []string) ([]domain.StoredDocument, error) {
	out := make([]domain.StoredDocument, 0, len(ids))
	missing := make([]string, 0, len(ids))
	for _, id := range ids {
		if v, found := r.cache.Get(cacheKey(collection, id)); found {
			out = append(out, v.(domain.StoredDocument))
		} else {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}
	docs, err := r.inner.FindMany(ctx, collection, missing)
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		r.cache.Set(cacheKey(collection, doc.ID), doc, cache.DefaultExpiration)
	}
	return append(out, docs...), nil
}

func (r *CachedRepository) FindBy(ctx context.Context, collection, field, value string) ([]domain.StoredDocument, error) {
	return r.inner.FindBy(ctx, collection, field, value)
}

func (r *CachedRepository) CountBy(ctx context.Context, collection, field, value string) (int, error) {
	return r.inner.CountBy(ctx, collection, field, value)
}

func (r *CachedRepository) Insert(ctx context.Context, collection string, doc domain.StoredDocument) error {
	r.cache.Delete(cacheKey(collection, doc.ID))
	return r.inner.Insert(ctx, collection, doc)
}

func (r *CachedRepository) Patch(ctx context.Context, update domain.Update) error {
	r.cache.Delete(cacheKey(update.Collection, update.ID))
	return r.inner.Patch(ctx, update)
}

func (r *CachedRepository) Delete(ctx context.Context, collection, id string) error {
	r.cache.Delete(cacheKey(collection, id))
	return r.inner.Delete(ctx, collection, id)
}
