// Package store abstracts the durable record store. It is the source of
// truth for incident and runbook state; the similarity index only carries a
// repairable projection.
package store

import (
	"context"

	"github.com/incidentstack/responder/internal/models"
)

// Store is the durable record contract. Writes use optimistic concurrency:
// expectedVersion 0 means "insert, must not exist"; any other value must
// match the stored version or the write fails with models.ErrVersionConflict.
// Implementations must be safe for concurrent use.
type Store interface {
	PutIncident(ctx context.Context, rec models.IncidentRecord, expectedVersion int64) (models.IncidentRecord, error)
	GetIncident(ctx context.Context, namespace, id string) (models.IncidentRecord, error)
	ListIncidents(ctx context.Context, filter models.ListFilter) ([]models.IncidentRecord, error)
	// ListIndexDirty returns records whose index projection is pending repair.
	ListIndexDirty(ctx context.Context, namespace string, limit int) ([]models.IncidentRecord, error)

	PutRunbook(ctx context.Context, rb models.RunbookRecord, expectedVersion int64) (models.RunbookRecord, error)
	GetRunbook(ctx context.Context, namespace, id string) (models.RunbookRecord, error)

	Close() error
}
