package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/totegamma/concrnt-odm/internal/domain"
)

func TestMemoryRepositoryFind(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, repo.Insert(ctx, "posts", domain.StoredDocument{ID: "p1", Body: []byte(`{"title":"hello"}`)}))

	doc, err := repo.Find(ctx, "posts", "p1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"hello"}`, string(doc.Body))

	_, err = repo.Find(ctx, "posts", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryRepositoryInsertRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, repo.Insert(ctx, "posts", domain.StoredDocument{ID: "p1", Body: []byte(`{}`)}))
	assert.Error(t, repo.Insert(ctx, "posts", domain.StoredDocument{ID: "p1", Body: []byte(`{}`)}))
	assert.Error(t, repo.Insert(ctx, "posts", domain.StoredDocument{ID: "p2", Body: []byte(`{`)}))
}

func TestMemoryRepositoryPatch(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, repo.Insert(ctx, "posts", domain.StoredDocument{ID: "p1", Body: []byte(`{"tags":["a","b","c"],"meta":{"x":1}}`)}))

	update := domain.Update{Collection: "posts", ID: "p1"}
	update.Remove(domain.Pointer("tags", "1"))
	update.Add(domain.Pointer("tags", "-"), "d")
	update.Add(domain.Pointer("meta", "y"), 2)
	update.Remove(domain.Pointer("meta", "x"))
	require.NoError(t, repo.Patch(ctx, update))

	doc, err := repo.Find(ctx, "posts", "p1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"tags":["a","c","d"],"meta":{"y":2}}`, string(doc.Body))

	missing := domain.Update{Collection: "posts", ID: "nope"}
	missing.Add("/x", 1)
	assert.ErrorIs(t, repo.Patch(ctx, missing), domain.ErrNotFound)
}

func TestMemoryRepositoryFindBy(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, repo.Insert(ctx, "posts", domain.StoredDocument{ID: "p2", Body: []byte(`{"author":"u1"}`)}))
	require.NoError(t, repo.Insert(ctx, "posts", domain.StoredDocument{ID: "p1", Body: []byte(`{"author":"u1"}`)}))
	require.NoError(t, repo.Insert(ctx, "posts", domain.StoredDocument{ID: "p3", Body: []byte(`{"author":"u2"}`)}))
	require.NoError(t, repo.Insert(ctx, "posts", domain.StoredDocument{ID: "p4", Body: []byte(`{"coauthors":["u2","u1"]}`)}))

	docs, err := repo.FindBy(ctx, "posts", "author", "u1")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "p1", docs[0].ID)
	assert.Equal(t, "p2", docs[1].ID)

	n, err := repo.CountBy(ctx, "posts", "coauthors", "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryRepositoryFindMany(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, repo.Insert(ctx, "tags", domain.StoredDocument{ID: id, Body: []byte(`{}`)}))
	}

	docs, err := repo.FindMany(ctx, "tags", []string{"c", "a", "zz", "a"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].ID)
	assert.Equal(t, "c", docs[1].ID)
}

func TestMemoryRepositoryDelete(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, repo.Insert(ctx, "tags", domain.StoredDocument{ID: "a", Body: []byte(`{}`)}))
	require.NoError(t, repo.Delete(ctx, "tags", "a"))
	assert.ErrorIs(t, repo.Delete(ctx, "tags", "a"), domain.ErrNotFound)
}
