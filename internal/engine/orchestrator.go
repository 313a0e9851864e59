// Package engine implements identity resolution for incident reports and the
// dual-write protocol that keeps the record store and similarity index in
// agreement.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/incidentstack/responder/internal/cache"
	"github.com/incidentstack/responder/internal/config"
	"github.com/incidentstack/responder/internal/matcher"
	"github.com/incidentstack/responder/internal/metrics"
	"github.com/incidentstack/responder/internal/models"
	"github.com/incidentstack/responder/internal/recommend"
	"github.com/incidentstack/responder/internal/runbooks"
	"github.com/incidentstack/responder/internal/store"
	"github.com/incidentstack/responder/internal/utils"
)

const (
	idempotencyKeyPrefix = "responder:idem:"
	recordCacheKeyPrefix = "responder:rec:"
)

var pendingMarker = []byte("pending")

// Engine classifies incoming reports against known incident lineages and
// commits the outcome across both stores.
type Engine struct {
	logger    *slog.Logger
	matcher   *matcher.Matcher
	coord     *Coordinator
	store     store.Store
	cache     cache.Provider
	generator recommend.Generator
	cfg       config.EngineConfig
	// locks serialises reports per lineage key, recLocks serialises writers
	// per record id. Always acquired in that order, each at most once, so the
	// two tables cannot form a cycle.
	locks    *keyLockTable
	recLocks *keyLockTable
	latency  *utils.LatencyTracker
	reports  atomic.Uint64
}

// New wires the engine. A nil cache disables idempotency tracking and a nil
// generator disables recommendations.
func New(logger *slog.Logger, m *matcher.Matcher, coord *Coordinator, st store.Store, cacheProvider cache.Provider, generator recommend.Generator, cfg config.EngineConfig) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if generator == nil {
		generator = recommend.Noop{}
	}
	return &Engine{
		logger:    logger,
		matcher:   m,
		coord:     coord,
		store:     st,
		cache:     cacheProvider,
		generator: generator,
		cfg:       cfg,
		locks:     newKeyLockTable(128),
		recLocks:  newKeyLockTable(128),
		latency:   utils.NewLatencyTracker(1024),
	}
}

// Report classifies one incoming report as NEW, DUPLICATE, or REGRESSION and
// commits the result. The similarity index being unreachable fails the call;
// it is never reported as "no match".
func (e *Engine) Report(ctx context.Context, req models.ReportRequest) (models.ReportResult, error) {
	started := time.Now()

	req, err := e.normalize(req)
	if err != nil {
		metrics.ReportsTotal.WithLabelValues("", "invalid").Inc()
		return models.ReportResult{}, err
	}

	if replay, ok, err := e.reserveToken(ctx, req); err != nil {
		return models.ReportResult{}, err
	} else if ok {
		metrics.IdempotentReplaysTotal.Inc()
		return replay, nil
	}

	// Reports for the same error text serialise here so a burst of identical
	// reports lands as one record with an accurate occurrence count.
	unlock := e.locks.lock(lineageKey(req.Namespace, req.Text))
	result, err := e.classify(ctx, req)
	unlock()

	if err != nil {
		e.releaseToken(ctx, req)
		metrics.ReportsTotal.WithLabelValues("", outcomeLabel(err)).Inc()
		return models.ReportResult{}, err
	}

	e.finalizeToken(ctx, req, result)
	e.observeReport(result, time.Since(started))
	return result, nil
}

func (e *Engine) classify(ctx context.Context, req models.ReportRequest) (models.ReportResult, error) {
	match, err := e.matcher.Match(ctx, req.Text, req.Namespace)
	if err != nil {
		return models.ReportResult{}, err
	}

	if match.Dedup != nil {
		result, handled, err := e.classifyAgainst(ctx, req, match)
		if err != nil || handled {
			return result, err
		}
		// Candidate vanished from the store; the index entry is stale.
		e.logger.Warn("dedup candidate missing from store, treating report as new",
			slog.String("candidate_id", match.Dedup.Metadata.RecordID),
			slog.String("namespace", req.Namespace))
	}
	return e.commitNew(ctx, req, match, models.IncidentRecord{})
}

// classifyAgainst resolves a report against its dedup candidate using the
// durable record's status, not the index projection's.
func (e *Engine) classifyAgainst(ctx context.Context, req models.ReportRequest, match matcher.Result) (models.ReportResult, bool, error) {
	candidateID := match.Dedup.Metadata.RecordID

	// Near-duplicate texts hash to different lineage keys but converge on the
	// same candidate; serialising on the record id here keeps their updates
	// from racing each other and concurrent resolves.
	unlock := e.recLocks.lock(req.Namespace + "/" + candidateID)
	defer unlock()

	current, err := e.store.GetIncident(ctx, req.Namespace, candidateID)
	if errors.Is(err, models.ErrNotFound) {
		return models.ReportResult{}, false, nil
	}
	if err != nil {
		return models.ReportResult{}, true, err
	}

	if current.Status == models.StatusResolved {
		result, err := e.commitNew(ctx, req, match, current)
		return result, true, err
	}

	now := time.Now().UTC()
	updated, degraded, err := e.coord.CommitUpdate(ctx, req.Namespace, candidateID, func(rec *models.IncidentRecord) (bool, error) {
		if rec.Status == models.StatusResolved {
			// Resolved between the read above and the locked write; the
			// caller restarts as a regression.
			return false, errRestartAsRegression
		}
		applyDuplicate(rec, match.Runbooks, now)
		return true, nil
	})
	if errors.Is(err, errRestartAsRegression) {
		fresh, gerr := e.store.GetIncident(ctx, req.Namespace, candidateID)
		if gerr != nil {
			return models.ReportResult{}, true, gerr
		}
		result, cerr := e.commitNew(ctx, req, match, fresh)
		return result, true, cerr
	}
	if err != nil {
		return models.ReportResult{}, true, err
	}

	e.invalidateRecord(ctx, req.Namespace, candidateID)
	return models.ReportResult{
		Classification: models.ClassificationDuplicate,
		Record:         updated,
		Similarity:     match.Dedup.Score,
		RunbookMatched: updated.Runbook != nil,
		RunbookMatches: updated.RunbookMatches,
		Degraded:       degraded,
	}, true, nil
}

var errRestartAsRegression = errors.New("candidate resolved mid-flight")

// commitNew creates a record for a NEW report, or a REGRESSION record when
// prior identifies a resolved lineage.
func (e *Engine) commitNew(ctx context.Context, req models.ReportRequest, match matcher.Result, prior models.IncidentRecord) (models.ReportResult, error) {
	now := time.Now().UTC()
	regression := prior.ID != ""

	var rec models.IncidentRecord
	classification := models.ClassificationNew
	similarity := 0.0
	if regression {
		classification = models.ClassificationRegression
		similarity = match.Dedup.Score
		rec = buildRegressionRecord(prior, req, match.Runbooks, models.ParseSeverity(e.cfg.RegressionSeverity), now)
	} else {
		severity := models.ParseSeverity(e.cfg.DefaultSeverity)
		if req.Severity != "" {
			severity = models.ParseSeverity(req.Severity)
		}
		rec = buildNewRecord(req, match.Runbooks, severity, now)
	}

	e.attachRecommendations(ctx, &rec, prior, match.Runbooks)

	stored, degraded, err := e.coord.CommitNew(ctx, rec, match.Vector)
	if err != nil {
		return models.ReportResult{}, err
	}

	e.invalidateRecord(ctx, stored.Namespace, stored.ID)
	return models.ReportResult{
		Classification: classification,
		Record:         stored,
		Similarity:     similarity,
		RunbookMatched: stored.Runbook != nil,
		RunbookMatches: stored.RunbookMatches,
		RegressionOf:   stored.RegressionOf,
		Degraded:       degraded,
	}, nil
}

// attachRecommendations is best effort: a failed or slow generator never
// blocks classification.
func (e *Engine) attachRecommendations(ctx context.Context, rec *models.IncidentRecord, prior models.IncidentRecord, runbooks []models.RunbookMatch) {
	var parts []string
	if prior.ID != "" {
		note := fmt.Sprintf("REGRESSION of %s.", prior.ID)
		if prior.Resolution != "" {
			note += fmt.Sprintf(" Previous fix: %s", prior.Resolution)
		}
		parts = append(parts, note)
	}

	guidance, err := e.generator.Recommend(ctx, *rec, runbooks)
	if err != nil {
		e.logger.Warn("recommendation generation failed",
			slog.String("incident_id", rec.ID), slog.Any("error", err))
	} else if guidance != "" {
		parts = append(parts, guidance)
	}
	rec.Recommendations = strings.Join(parts, "\n\n")
}

// Resolve transitions an open incident to RESOLVED. Replaying a resolve with
// the same resolution text succeeds without change.
func (e *Engine) Resolve(ctx context.Context, namespace, id, resolution, actor string) (models.IncidentRecord, bool, error) {
	if strings.TrimSpace(resolution) == "" {
		metrics.ResolvesTotal.WithLabelValues("invalid").Inc()
		return models.IncidentRecord{}, false, fmt.Errorf("resolution text is empty: %w", models.ErrValidation)
	}
	if namespace == "" {
		namespace = e.cfg.DefaultNamespace
	}

	unlock := e.recLocks.lock(namespace + "/" + id)
	defer unlock()

	now := time.Now().UTC()
	var resolvedNow bool
	updated, degraded, err := e.coord.CommitUpdate(ctx, namespace, id, func(rec *models.IncidentRecord) (bool, error) {
		changed, err := applyResolution(rec, resolution, actor, now)
		resolvedNow = changed
		return changed, err
	})
	if err != nil {
		metrics.ResolvesTotal.WithLabelValues(outcomeLabel(err)).Inc()
		return models.IncidentRecord{}, false, err
	}
	e.invalidateRecord(ctx, namespace, id)

	if resolvedNow && updated.Runbook != nil {
		// Credit the runbook that guided the fix; purely advisory, so a
		// failure only logs. The runbook may live in the incident's
		// namespace or in the shared scope.
		err := runbooks.IncrementSuccess(ctx, e.store, namespace, updated.Runbook.RunbookID)
		if errors.Is(err, models.ErrNotFound) {
			err = runbooks.IncrementSuccess(ctx, e.store, models.NamespaceGlobal, updated.Runbook.RunbookID)
		}
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			e.logger.Warn("runbook success counter update failed",
				slog.String("runbook_id", updated.Runbook.RunbookID), slog.Any("error", err))
		}
	}

	metrics.ResolvesTotal.WithLabelValues("ok").Inc()
	e.logger.Info("incident resolved",
		slog.String("incident_id", updated.ID),
		slog.String("namespace", namespace),
		slog.String("resolved_by", actor),
		slog.Bool("degraded", degraded))
	return updated, degraded, nil
}

// Get returns one incident record, served from the summary cache when a
// fresh copy is present. Every write path invalidates the cached copy.
func (e *Engine) Get(ctx context.Context, namespace, id string) (models.IncidentRecord, error) {
	if namespace == "" {
		namespace = e.cfg.DefaultNamespace
	}

	key := recordCacheKey(namespace, id)
	if value, err := e.cache.Get(ctx, key); err == nil {
		var rec models.IncidentRecord
		if err := json.Unmarshal(value, &rec); err == nil {
			return rec, nil
		}
	}

	rec, err := e.store.GetIncident(ctx, namespace, id)
	if err != nil {
		return models.IncidentRecord{}, err
	}
	e.cacheRecord(ctx, key, rec)
	return rec, nil
}

func (e *Engine) cacheRecord(ctx context.Context, key string, rec models.IncidentRecord) {
	if e.cfg.RecordCacheTTL <= 0 {
		return
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, key, value, e.cfg.RecordCacheTTL); err != nil {
		e.logger.Debug("record cache write failed", slog.Any("error", err))
	}
}

func (e *Engine) invalidateRecord(ctx context.Context, namespace, id string) {
	if err := e.cache.Del(ctx, recordCacheKey(namespace, id)); err != nil {
		e.logger.Debug("record cache invalidation failed",
			slog.String("incident_id", id), slog.Any("error", err))
	}
}

// List returns incident records matching the filter, newest first.
func (e *Engine) List(ctx context.Context, filter models.ListFilter) ([]models.IncidentRecord, error) {
	if filter.Namespace == "" {
		filter.Namespace = e.cfg.DefaultNamespace
	}
	return e.store.ListIncidents(ctx, filter)
}

func (e *Engine) normalize(req models.ReportRequest) (models.ReportRequest, error) {
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return req, fmt.Errorf("report text is empty: %w", models.ErrValidation)
	}
	if req.Namespace == "" {
		req.Namespace = e.cfg.DefaultNamespace
	}
	return req, nil
}

type idempotencyRecord struct {
	Namespace      string                `json:"namespace"`
	IncidentID     string                `json:"incident_id"`
	Classification models.Classification `json:"classification"`
	Similarity     float64               `json:"similarity"`
	Degraded       bool                  `json:"degraded"`
}

// reserveToken claims the request token. A previously completed request with
// the same token is answered from the stored outcome.
func (e *Engine) reserveToken(ctx context.Context, req models.ReportRequest) (models.ReportResult, bool, error) {
	if req.RequestToken == "" {
		return models.ReportResult{}, false, nil
	}

	key := idempotencyKey(req.Namespace, req.RequestToken)
	ok, err := e.cache.SetNX(ctx, key, pendingMarker, e.cfg.IdempotencyTTL)
	if err != nil {
		e.logger.Warn("idempotency reservation failed, proceeding without it",
			slog.String("token", req.RequestToken), slog.Any("error", err))
		return models.ReportResult{}, false, nil
	}
	if ok {
		return models.ReportResult{}, false, nil
	}

	value, err := e.cache.Get(ctx, key)
	if err != nil || string(value) == string(pendingMarker) {
		// Token reserved but no outcome yet; process normally rather than
		// guess at the in-flight request's result.
		return models.ReportResult{}, false, nil
	}

	var stored idempotencyRecord
	if err := json.Unmarshal(value, &stored); err != nil {
		return models.ReportResult{}, false, nil
	}
	rec, err := e.store.GetIncident(ctx, stored.Namespace, stored.IncidentID)
	if err != nil {
		return models.ReportResult{}, false, nil
	}

	e.logger.Debug("report replayed from request token",
		slog.String("token", req.RequestToken),
		slog.String("incident_id", stored.IncidentID))
	return models.ReportResult{
		Classification: stored.Classification,
		Record:         rec,
		Similarity:     stored.Similarity,
		RunbookMatched: rec.Runbook != nil,
		RunbookMatches: rec.RunbookMatches,
		RegressionOf:   rec.RegressionOf,
		Degraded:       stored.Degraded,
	}, true, nil
}

func (e *Engine) finalizeToken(ctx context.Context, req models.ReportRequest, result models.ReportResult) {
	if req.RequestToken == "" {
		return
	}
	value, err := json.Marshal(idempotencyRecord{
		Namespace:      result.Record.Namespace,
		IncidentID:     result.Record.ID,
		Classification: result.Classification,
		Similarity:     result.Similarity,
		Degraded:       result.Degraded,
	})
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, idempotencyKey(req.Namespace, req.RequestToken), value, e.cfg.IdempotencyTTL); err != nil {
		e.logger.Warn("failed to store idempotency outcome", slog.Any("error", err))
	}
}

func (e *Engine) releaseToken(ctx context.Context, req models.ReportRequest) {
	if req.RequestToken == "" {
		return
	}
	if err := e.cache.Del(ctx, idempotencyKey(req.Namespace, req.RequestToken)); err != nil {
		e.logger.Warn("failed to release idempotency token", slog.Any("error", err))
	}
}

func (e *Engine) observeReport(result models.ReportResult, elapsed time.Duration) {
	outcome := "ok"
	if result.Degraded {
		outcome = "degraded"
	}
	metrics.ReportsTotal.WithLabelValues(string(result.Classification), outcome).Inc()
	metrics.ReportDuration.WithLabelValues(string(result.Classification)).Observe(elapsed.Seconds())
	e.latency.Observe(elapsed)

	if n := e.reports.Add(1); n%100 == 0 {
		e.logger.Info("report latency",
			slog.Uint64("reports", n),
			slog.Duration("p95", e.latency.Percentile(95)))
	}
}

func idempotencyKey(namespace, token string) string {
	return idempotencyKeyPrefix + namespace + ":" + token
}

func recordCacheKey(namespace, id string) string {
	return recordCacheKeyPrefix + namespace + ":" + id
}

func lineageKey(namespace, text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(text)))
	return fmt.Sprintf("%s/%x", namespace, h.Sum64())
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, models.ErrIndexUnavailable):
		return "index_unavailable"
	case errors.Is(err, models.ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, models.ErrVersionConflict):
		return "version_conflict"
	case errors.Is(err, models.ErrAlreadyResolved):
		return "already_resolved"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}
