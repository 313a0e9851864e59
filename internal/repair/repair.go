// Package repair converges the similarity index back onto the record store.
// Records flagged dirty by a degraded commit are re-projected until the flag
// clears.
package repair

import (
	"context"
	"log/slog"
	"time"

	"github.com/incidentstack/responder/internal/metrics"
	"github.com/incidentstack/responder/internal/models"
	"github.com/incidentstack/responder/internal/store"
)

// Repairer re-projects one record into the index and clears its dirty flag.
type Repairer interface {
	Repair(ctx context.Context, rec models.IncidentRecord) error
}

// Loop periodically sweeps dirty records through the repairer.
type Loop struct {
	store    store.Store
	repairer Repairer
	logger   *slog.Logger
	interval time.Duration
	batch    int
}

// NewLoop wires a repair loop.
func NewLoop(st store.Store, repairer Repairer, logger *slog.Logger, interval time.Duration) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Loop{store: st, repairer: repairer, logger: logger, interval: interval, batch: 100}
}

// Run sweeps until the context is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.RunOnce(ctx); err != nil {
				l.logger.Warn("repair sweep failed", slog.Any("error", err))
			}
		}
	}
}

// RunOnce repairs one batch of dirty records and reports how many converged.
// A record that fails to repair stays flagged and is retried next sweep.
func (l *Loop) RunOnce(ctx context.Context) (int, error) {
	dirty, err := l.store.ListIndexDirty(ctx, "", l.batch)
	if err != nil {
		return 0, err
	}
	metrics.IndexDirtyRecords.Set(float64(len(dirty)))
	if len(dirty) == 0 {
		return 0, nil
	}

	repaired := 0
	for _, rec := range dirty {
		if err := l.repairer.Repair(ctx, rec); err != nil {
			metrics.IndexRepairsTotal.WithLabelValues("failed").Inc()
			l.logger.Warn("record repair failed",
				slog.String("incident_id", rec.ID),
				slog.String("namespace", rec.Namespace),
				slog.Any("error", err))
			continue
		}
		metrics.IndexRepairsTotal.WithLabelValues("ok").Inc()
		repaired++
	}

	if repaired > 0 {
		l.logger.Info("index repair sweep finished",
			slog.Int("dirty", len(dirty)),
			slog.Int("repaired", repaired))
	}
	metrics.IndexDirtyRecords.Set(float64(len(dirty) - repaired))
	return repaired, nil
}
