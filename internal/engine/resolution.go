package engine

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/incidentstack/responder/internal/models"
)

// newIncidentID mints a short random incident id.
func newIncidentID() string {
	raw := uuid.New()
	return "inc_" + hex.EncodeToString(raw[:4])
}

// buildNewRecord assembles the durable record for a report that matched no
// existing lineage.
func buildNewRecord(req models.ReportRequest, runbooks []models.RunbookMatch, severity models.Severity, now time.Time) models.IncidentRecord {
	rec := models.IncidentRecord{
		ID:             newIncidentID(),
		Namespace:      req.Namespace,
		Text:           req.Text,
		Service:        req.Service,
		Severity:       severity,
		Status:         models.StatusOpen,
		Occurrences:    1,
		CreatedAt:      now,
		LastSeen:       now,
		RunbookMatches: runbooks,
		History: []models.HistoryEvent{
			{Kind: models.EventCreated, Timestamp: now},
		},
	}
	if len(runbooks) > 0 {
		top := runbooks[0]
		rec.Runbook = &top
	}
	return rec
}

// applyDuplicate folds a recurring report into its existing open record:
// occurrence count up, last-seen forward, a recurred event appended. The
// attached runbook is replaced only when the new top match scores strictly
// higher than the one already attached.
func applyDuplicate(rec *models.IncidentRecord, runbooks []models.RunbookMatch, now time.Time) {
	rec.Occurrences++
	rec.LastSeen = now
	rec.History = append(rec.History, models.HistoryEvent{
		Kind:      models.EventRecurred,
		Timestamp: now,
	})
	if len(runbooks) == 0 {
		return
	}
	top := runbooks[0]
	if rec.Runbook == nil || top.Score > rec.Runbook.Score {
		rec.Runbook = &top
		rec.RunbookMatches = runbooks
	}
}

// buildRegressionRecord assembles a fresh record for an error that matched a
// resolved lineage. The new record chains to the immediately prior record;
// walking the regression_of links recovers the full lineage.
func buildRegressionRecord(prior models.IncidentRecord, req models.ReportRequest, runbooks []models.RunbookMatch, severity models.Severity, now time.Time) models.IncidentRecord {
	rec := buildNewRecord(req, runbooks, severity, now)
	rec.RegressionOf = prior.ID
	rec.History[0].Note = fmt.Sprintf("regression of %s", prior.ID)
	return rec
}

// applyResolution transitions an open record to RESOLVED. Resolving an
// already resolved record with the same resolution text is treated as a
// replayed request and succeeds without change; a different text fails with
// models.ErrAlreadyResolved.
func applyResolution(rec *models.IncidentRecord, resolution, actor string, now time.Time) (changed bool, err error) {
	if rec.Status == models.StatusResolved {
		if rec.Resolution == resolution {
			return false, nil
		}
		return false, fmt.Errorf("incident %s: %w", rec.ID, models.ErrAlreadyResolved)
	}

	rec.Status = models.StatusResolved
	rec.Resolution = resolution
	rec.ResolvedBy = actor
	ts := now
	rec.ResolvedAt = &ts
	rec.History = append(rec.History, models.HistoryEvent{
		Kind:      models.EventResolved,
		Timestamp: now,
		Actor:     actor,
		Note:      resolution,
	})
	return true, nil
}
