package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/totegamma/concrnt-odm/internal/domain"
)

// MemoryRepository keeps documents in process. It is used when no database is
// configured and by tests.
type MemoryRepository struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{collections: map[string]map[string][]byte{}}
}

func (r *MemoryRepository) Find(ctx context.Context, collection, id string) (domain.StoredDocument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	body, ok := r.collections[collection][id]
	if !ok {
		return domain.StoredDocument{}, domain.NotFoundError{Resource: collection + "/" + id}
	}
	return stored(id, body), nil
}

func (r *MemoryRepository) FindMany(ctx context.Context, collection string, ids []string) ([]domain.StoredDocument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sorted := append([]string{}, ids...)
	sort.Strings(sorted)
	out := []domain.StoredDocument{}
	for i, id := range sorted {
		if i > 0 && sorted[i-1] == id {
			continue
		}
		if body, ok := r.collections[collection][id]; ok {
			out = append(out, stored(id, body))
		}
	}
	return out, nil
}

func (r *MemoryRepository) FindBy(ctx context.Context, collection, field, value string) ([]domain.StoredDocument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []domain.StoredDocument{}
	for _, id := range r.sortedIDs(collection) {
		body := r.collections[collection][id]
		if references(body, field, value) {
			out = append(out, stored(id, body))
		}
	}
	return out, nil
}

func (r *MemoryRepository) CountBy(ctx context.Context, collection, field, value string) (int, error) {
	docs, err := r.FindBy(ctx, collection, field, value)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

func (r *MemoryRepository) Insert(ctx context.Context, collection string, doc domain.StoredDocument) error {
	if !json.Valid(doc.Body) {
		return errors.Errorf("document %s/%s has an invalid body", collection, doc.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	docs, ok := r.collections[collection]
	if !ok {
		docs = map[string][]byte{}
		r.collections[collection] = docs
	}
	if _, exists := docs[doc.ID]; exists {
		return errors.Errorf("document %s/%s already exists", collection, doc.ID)
	}
	docs[doc.ID] = append([]byte{}, doc.Body...)
	return nil
}

func (r *MemoryRepository) Patch(ctx context.Context, update domain.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	body, ok := r.collections[update.Collection][update.ID]
	if !ok {
		return domain.NotFoundError{Resource: update.Collection + "/" + update.ID}
	}
	patched, err := applyUpdate(body, update)
	if err != nil {
		return err
	}
	r.collections[update.Collection][update.ID] = patched
	return nil
}

func (r *MemoryRepository) Delete(ctx context.Context, collection, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.collections[collection][id]; !ok {
		return domain.NotFoundError{Resource: collection + "/" + id}
	}
	delete(r.collections[collection], id)
	return nil
}

func (r *MemoryRepository) sortedIDs(collection string) []string {
	ids := make([]string, 0, len(r.collections[collection]))
	for id := range r.collections[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func stored(id string, body []byte) domain.StoredDocument {
	return domain.StoredDocument{ID: id, Body: append([]byte{}, body...)}
}

// references mirrors the jsonb containment used by the postgres repository.
func references(body []byte, field, value string) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return false
	}
	raw, ok := fields[field]
	if !ok {
		return false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s == value
	}
	var list []any
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, v := range list {
			if v == value {
				return true
			}
		}
	}
	return false
}
