package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/totegamma/concrnt-odm/internal/domain"
	"github.com/totegamma/concrnt-odm/internal/infra/database/models"
)

// DocumentRepository stores documents in postgres.
type DocumentRepository struct {
	db *gorm.DB
}

func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func toStored(m models.Document) domain.StoredDocument {
	return domain.StoredDocument{ID: m.ID, Body: []byte(m.Body)}
}

func (r *DocumentRepository) Find(ctx context.Context, collection, id string) (domain.StoredDocument, error) {
	var doc models.Document
	err := r.db.WithContext(ctx).
		Where("collection = ? AND id = ?", collection, id).
		Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.StoredDocument{}, domain.NotFoundError{Resource: collection + "/" + id}
	}
	if err != nil {
		return domain.StoredDocument{}, err
	}
	return toStored(doc), nil
}

func (r *DocumentRepository) FindMany(ctx context.Context, collection string, ids []string) ([]domain.StoredDocument, error) {
	if len(ids) == 0 {
		return []domain.StoredDocument{}, nil
	}
	var docs []models.Document
	err := r.db.WithContext(ctx).
		Where("collection = ? AND id IN ?", collection, ids).
		Order("id").
		Find(&docs).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.StoredDocument, 0, len(docs))
	for _, doc := range docs {
		out = append(out, toStored(doc))
	}
	return out, nil
}

// FindBy matches field holding value itself or an array containing it.
func (r *DocumentRepository) FindBy(ctx context.Context, collection, field, value string) ([]domain.StoredDocument, error) {
	var docs []models.Document
	err := r.db.WithContext(ctx).
		Where("collection = ? AND body -> ? @> to_jsonb(?::text)", collection, field, value).
		Order("id").
		Find(&docs).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.StoredDocument, 0, len(docs))
	for _, doc := range docs {
		out = append(out, toStored(doc))
	}
	return out, nil
}

func (r *DocumentRepository) CountBy(ctx context.Context, collection, field, value string) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Document{}).
		Where("collection = ? AND body -> ? @> to_jsonb(?::text)", collection, field, value).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

func (r *DocumentRepository) Insert(ctx context.Context, collection string, doc domain.StoredDocument) error {
	err := r.db.WithContext(ctx).Create(&models.Document{
		Collection: collection,
		ID:         doc.ID,
		Body:       string(doc.Body),
		Checksum:   checksum(doc.Body),
		MDate:      time.Now(),
	}).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return errors.Errorf("document %s/%s already exists", collection, doc.ID)
	}
	return err
}

// Patch applies update under a row lock. Writes that leave the body unchanged
// are skipped.
func (r *DocumentRepository) Patch(ctx context.Context, update domain.Update) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc models.Document
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("collection = ? AND id = ?", update.Collection, update.ID).
			Take(&doc).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.NotFoundError{Resource: update.Collection + "/" + update.ID}
		}
		if err != nil {
			return err
		}

		patched, err := applyUpdate([]byte(doc.Body), update)
		if err != nil {
			return err
		}
		sum := checksum(patched)
		if sum == doc.Checksum {
			return nil
		}

		return tx.Model(&models.Document{}).
			Where("collection = ? AND id = ?", update.Collection, update.ID).
			Updates(map[string]any{
				"body":     string(patched),
				"checksum": sum,
				"version":  gorm.Expr("version + 1"),
				"m_date":   time.Now(),
			}).Error
	})
}

func (r *DocumentRepository) Delete(ctx context.Context, collection, id string) error {
	result := r.db.WithContext(ctx).
		Where("collection = ? AND id = ?", collection, id).
		Delete(&models.Document{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.NotFoundError{Resource: collection + "/" + id}
	}
	return nil
}
