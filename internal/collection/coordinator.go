package collection

import (
	"context"

	"github.com/totegamma/concrnt-odm/internal/domain"
)

// Coordinator is the unit of work as seen by a collection. It owns loading,
// counting and every schedule that is resolved at flush time.
type Coordinator interface {
	// Load fills the backing container of c from its raw payload or from a
	// query against its owner. It must not touch c through initializing calls.
	Load(ctx context.Context, c *PersistentCollection) error
	// Count answers the size of an uninitialized inverse-side collection.
	Count(ctx context.Context, c *PersistentCollection) (int, error)

	ScheduleOrphanRemoval(v any)
	UnscheduleOrphanRemoval(v any)
	ScheduleCollectionDeletion(c *PersistentCollection)
	ScheduleForDirtyCheck(owner domain.Document)

	// IsChangeTrackingNotify reports whether the owner's type reports its own changes.
	IsChangeTrackingNotify(owner domain.Document) bool
}
