package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/incidentstack/responder/internal/embed"
	"github.com/incidentstack/responder/internal/index"
	"github.com/incidentstack/responder/internal/metrics"
	"github.com/incidentstack/responder/internal/models"
	"github.com/incidentstack/responder/internal/store"
)

// Coordinator orders every write across the two stores: durable record first,
// index projection second. A failed durable write aborts the operation; a
// failed index write after a durable success degrades it instead, flagging
// the record for the repair pass. The index is never written ahead of the
// record and a committed record is never rolled back.
type Coordinator struct {
	store    store.Store
	idx      index.Index
	embedder embed.Provider
	logger   *slog.Logger
}

// NewCoordinator wires the dual-write coordinator.
func NewCoordinator(st store.Store, idx index.Index, embedder embed.Provider, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: st, idx: idx, embedder: embedder, logger: logger}
}

// CommitNew inserts a fresh record and projects it into the index. The
// returned bool reports a degraded commit: durable state is in place but the
// index projection is pending repair.
func (c *Coordinator) CommitNew(ctx context.Context, rec models.IncidentRecord, vector []float32) (models.IncidentRecord, bool, error) {
	stored, err := c.store.PutIncident(ctx, rec, 0)
	if err != nil {
		return models.IncidentRecord{}, false, err
	}
	return c.project(ctx, stored, vector)
}

// CommitUpdate applies mutate to the current record under optimistic
// concurrency, retrying once on a version conflict, then refreshes the index
// projection. mutate returning changed=false short-circuits both writes,
// which is how replayed requests stay idempotent.
func (c *Coordinator) CommitUpdate(ctx context.Context, namespace, id string, mutate func(*models.IncidentRecord) (bool, error)) (models.IncidentRecord, bool, error) {
	const attempts = 2

	var lastErr error
	for i := 0; i < attempts; i++ {
		current, err := c.store.GetIncident(ctx, namespace, id)
		if err != nil {
			return models.IncidentRecord{}, false, err
		}

		expected := current.Version
		changed, err := mutate(&current)
		if err != nil {
			return models.IncidentRecord{}, false, err
		}
		if !changed {
			return current, false, nil
		}

		stored, err := c.store.PutIncident(ctx, current, expected)
		if errors.Is(err, models.ErrVersionConflict) {
			metrics.VersionConflictsTotal.Inc()
			c.logger.Debug("version conflict, retrying",
				slog.String("incident_id", id),
				slog.Int64("expected_version", expected))
			lastErr = err
			continue
		}
		if err != nil {
			return models.IncidentRecord{}, false, err
		}
		return c.project(ctx, stored, nil)
	}
	return models.IncidentRecord{}, false, lastErr
}

// CommitRunbook writes a runbook record and its index entry. Runbook entries
// carry no dirty flag; a failed projection is surfaced to the caller, which
// for seeding means the next startup retries it.
func (c *Coordinator) CommitRunbook(ctx context.Context, rb models.RunbookRecord, expectedVersion int64, vector []float32) (models.RunbookRecord, error) {
	stored, err := c.store.PutRunbook(ctx, rb, expectedVersion)
	if err != nil {
		return models.RunbookRecord{}, err
	}

	entry := index.Entry{
		ID:     stored.ID,
		Vector: vector,
		Metadata: index.Metadata{
			Kind:      index.KindRunbook,
			RecordID:  stored.ID,
			Namespace: stored.Namespace,
			Title:     stored.Title,
			LastSeen:  stored.UpdatedAt,
		},
	}
	if err := c.idx.Upsert(ctx, entry); err != nil {
		return models.RunbookRecord{}, fmt.Errorf("index runbook %s: %w", stored.ID, err)
	}
	return stored, nil
}

// Repair re-projects one dirty record into the index and clears its flag.
func (c *Coordinator) Repair(ctx context.Context, rec models.IncidentRecord) error {
	vector, err := c.embedder.Embed(ctx, rec.Text)
	if err != nil {
		return fmt.Errorf("embed record %s: %w", rec.ID, err)
	}
	if err := c.idx.Upsert(ctx, incidentEntry(rec, vector)); err != nil {
		return fmt.Errorf("reindex record %s: %w", rec.ID, err)
	}

	_, _, err = c.CommitUpdate(ctx, rec.Namespace, rec.ID, func(r *models.IncidentRecord) (bool, error) {
		if !r.IndexDirty {
			return false, nil
		}
		r.IndexDirty = false
		return true, nil
	})
	return err
}

// project pushes the record's index entry after a successful durable write.
// Index failure here flags the record dirty and reports a degraded success.
func (c *Coordinator) project(ctx context.Context, rec models.IncidentRecord, vector []float32) (models.IncidentRecord, bool, error) {
	if vector == nil {
		v, err := c.embedder.Embed(ctx, rec.Text)
		if err != nil {
			c.logger.Warn("embedding for index projection failed, flagging record",
				slog.String("incident_id", rec.ID), slog.Any("error", err))
			return c.flagDirty(ctx, rec), true, nil
		}
		vector = v
	}

	if err := c.idx.Upsert(ctx, incidentEntry(rec, vector)); err != nil {
		c.logger.Warn("index projection failed, flagging record for repair",
			slog.String("incident_id", rec.ID), slog.Any("error", err))
		return c.flagDirty(ctx, rec), true, nil
	}
	return rec, false, nil
}

// flagDirty sets IndexDirty on the committed record. The durable commit
// already happened, so even if the flag write loses a race the operation
// stays a (degraded) success; the returned record always reports dirty.
func (c *Coordinator) flagDirty(ctx context.Context, rec models.IncidentRecord) models.IncidentRecord {
	flagCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	for i := 0; i < 2; i++ {
		rec.IndexDirty = true
		updated, err := c.store.PutIncident(flagCtx, rec, rec.Version)
		if err == nil {
			return updated
		}
		if !errors.Is(err, models.ErrVersionConflict) {
			c.logger.Error("failed to persist index-dirty flag",
				slog.String("incident_id", rec.ID), slog.Any("error", err))
			break
		}
		fresh, gerr := c.store.GetIncident(flagCtx, rec.Namespace, rec.ID)
		if gerr != nil {
			c.logger.Error("failed to reread record for dirty flag",
				slog.String("incident_id", rec.ID), slog.Any("error", gerr))
			break
		}
		rec = fresh
	}
	rec.IndexDirty = true
	return rec
}

func incidentEntry(rec models.IncidentRecord, vector []float32) index.Entry {
	return index.Entry{
		ID:     rec.ID,
		Vector: vector,
		Metadata: index.Metadata{
			Kind:      index.KindIncident,
			RecordID:  rec.ID,
			Namespace: rec.Namespace,
			Status:    string(rec.Status),
			Service:   rec.Service,
			LastSeen:  rec.LastSeen,
		},
	}
}
