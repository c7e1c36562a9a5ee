package unitofwork

import (
	"context"

	"github.com/totegamma/concrnt-odm/internal/domain"
)

// DocumentRepository is the document store used by the unit of work.
// Find returns domain.ErrNotFound when the document does not exist.
type DocumentRepository interface {
	Find(ctx context.Context, collection, id string) (domain.StoredDocument, error)
	FindMany(ctx context.Context, collection string, ids []string) ([]domain.StoredDocument, error)
	// FindBy returns the documents whose field references value, either
	// directly or as an element of an array.
	FindBy(ctx context.Context, collection, field, value string) ([]domain.StoredDocument, error)
	CountBy(ctx context.Context, collection, field, value string) (int, error)
	Insert(ctx context.Context, collection string, doc domain.StoredDocument) error
	Patch(ctx context.Context, update domain.Update) error
	Delete(ctx context.Context, collection, id string) error
}

// Signaler announces the documents written by a flush.
type Signaler interface {
	Publish(ctx context.Context, channel string, event any) error
}

// LoaderFunc loads the elements of a collection whose association names a
// repository method.
type LoaderFunc func(ctx context.Context, u *UnitOfWork, owner domain.Document) ([]any, error)
