package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/incidentstack/responder/internal/cache"
	"github.com/incidentstack/responder/internal/config"
	"github.com/incidentstack/responder/internal/embed"
	"github.com/incidentstack/responder/internal/index"
	"github.com/incidentstack/responder/internal/matcher"
	"github.com/incidentstack/responder/internal/models"
	"github.com/incidentstack/responder/internal/store"
)

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		SimilarityThreshold:   0.70,
		RunbookMatchThreshold: 0.70,
		DefaultSeverity:       "MEDIUM",
		RegressionSeverity:    "HIGH",
		TopKDedup:             5,
		TopKRunbooks:          3,
		DefaultNamespace:      "default",
		IdempotencyTTL:        time.Hour,
		RecordCacheTTL:        time.Minute,
	}
}

type testHarness struct {
	engine *Engine
	store  *store.MemoryStore
	index  index.Index
	cache  cache.Provider
}

func newTestHarness(idx index.Index, cacheProvider cache.Provider) *testHarness {
	if idx == nil {
		idx = index.NewMemoryIndex()
	}
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	st := store.NewMemoryStore()
	embedder := embed.NewLocalProvider(64)
	cfg := testEngineConfig()

	m := matcher.New(nil, embedder, idx, matcher.Config{
		SimilarityThreshold:   cfg.SimilarityThreshold,
		RunbookMatchThreshold: cfg.RunbookMatchThreshold,
		TopKDedup:             cfg.TopKDedup,
		TopKRunbooks:          cfg.TopKRunbooks,
	})
	coord := NewCoordinator(st, idx, embedder, nil)
	return &testHarness{
		engine: New(nil, m, coord, st, cacheProvider, nil, cfg),
		store:  st,
		index:  idx,
		cache:  cacheProvider,
	}
}

func TestReportNewIncident(t *testing.T) {
	h := newTestHarness(nil, nil)

	result, err := h.engine.Report(context.Background(), models.ReportRequest{
		Text:    "payment gateway timeout after 30s",
		Service: "payments",
	})
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}

	if result.Classification != models.ClassificationNew {
		t.Errorf("expected NEW, got %s", result.Classification)
	}
	rec := result.Record
	if rec.Occurrences != 1 {
		t.Errorf("expected 1 occurrence, got %d", rec.Occurrences)
	}
	if rec.Severity != models.SeverityMedium {
		t.Errorf("expected default MEDIUM severity, got %s", rec.Severity)
	}
	if rec.Status != models.StatusOpen {
		t.Errorf("expected OPEN status, got %s", rec.Status)
	}
	if len(rec.History) != 1 || rec.History[0].Kind != models.EventCreated {
		t.Errorf("expected a single created event, got %+v", rec.History)
	}
	if !strings.HasPrefix(rec.ID, "inc_") {
		t.Errorf("unexpected incident id %q", rec.ID)
	}
	if rec.Version != 1 {
		t.Errorf("expected version 1, got %d", rec.Version)
	}
}

func TestReportHonorsRequestSeverity(t *testing.T) {
	h := newTestHarness(nil, nil)

	result, err := h.engine.Report(context.Background(), models.ReportRequest{
		Text:     "checkout page returning 500 errors",
		Service:  "storefront",
		Severity: "CRITICAL",
	})
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if result.Record.Severity != models.SeverityCritical {
		t.Errorf("expected CRITICAL severity, got %s", result.Record.Severity)
	}
}

func TestReportDuplicateIncrementsOccurrences(t *testing.T) {
	h := newTestHarness(nil, nil)
	ctx := context.Background()
	req := models.ReportRequest{Text: "database connection pool exhausted on orders", Service: "orders"}

	first, err := h.engine.Report(ctx, req)
	if err != nil {
		t.Fatalf("first report failed: %v", err)
	}
	second, err := h.engine.Report(ctx, req)
	if err != nil {
		t.Fatalf("second report failed: %v", err)
	}

	if second.Classification != models.ClassificationDuplicate {
		t.Fatalf("expected DUPLICATE, got %s", second.Classification)
	}
	if second.Record.ID != first.Record.ID {
		t.Errorf("duplicate must fold into the original record, got %s vs %s", second.Record.ID, first.Record.ID)
	}
	if second.Record.Occurrences != 2 {
		t.Errorf("expected 2 occurrences, got %d", second.Record.Occurrences)
	}
	if second.Similarity < 0.70 {
		t.Errorf("expected similarity at or above threshold, got %f", second.Similarity)
	}

	kinds := eventKinds(second.Record.History)
	if len(kinds) != 2 || kinds[0] != models.EventCreated || kinds[1] != models.EventRecurred {
		t.Errorf("expected [created recurred] history, got %v", kinds)
	}
	if !second.Record.LastSeen.After(first.Record.LastSeen) && !second.Record.LastSeen.Equal(first.Record.LastSeen) {
		t.Errorf("last seen must move forward on recurrence")
	}
}

func TestReportUnrelatedTextCreatesSeparateRecord(t *testing.T) {
	h := newTestHarness(nil, nil)
	ctx := context.Background()

	first, err := h.engine.Report(ctx, models.ReportRequest{Text: "payment gateway timeout", Service: "payments"})
	if err != nil {
		t.Fatalf("first report failed: %v", err)
	}
	second, err := h.engine.Report(ctx, models.ReportRequest{Text: "smtp relay refused connection", Service: "email"})
	if err != nil {
		t.Fatalf("second report failed: %v", err)
	}

	if second.Classification != models.ClassificationNew {
		t.Fatalf("expected NEW for unrelated text, got %s", second.Classification)
	}
	if second.Record.ID == first.Record.ID {
		t.Errorf("unrelated reports must not share a record")
	}
}

func TestReportRegressionAfterResolve(t *testing.T) {
	h := newTestHarness(nil, nil)
	ctx := context.Background()
	req := models.ReportRequest{Text: "lambda function timing out on image resize", Service: "media"}

	first, err := h.engine.Report(ctx, req)
	if err != nil {
		t.Fatalf("first report failed: %v", err)
	}
	if _, _, err := h.engine.Resolve(ctx, "", first.Record.ID, "raised memory to 1024MB", "alice"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	again, err := h.engine.Report(ctx, req)
	if err != nil {
		t.Fatalf("regression report failed: %v", err)
	}

	if again.Classification != models.ClassificationRegression {
		t.Fatalf("expected REGRESSION, got %s", again.Classification)
	}
	if again.Record.ID == first.Record.ID {
		t.Errorf("regression must create a fresh record")
	}
	if again.Record.RegressionOf != first.Record.ID {
		t.Errorf("expected regression_of=%s, got %s", first.Record.ID, again.Record.RegressionOf)
	}
	if again.Record.Severity != models.SeverityHigh {
		t.Errorf("regressions must escalate to HIGH, got %s", again.Record.Severity)
	}
	if !strings.Contains(again.Record.Recommendations, "REGRESSION of "+first.Record.ID) {
		t.Errorf("recommendations must call out the regressed incident, got %q", again.Record.Recommendations)
	}
	if !strings.Contains(again.Record.Recommendations, "raised memory to 1024MB") {
		t.Errorf("recommendations must carry the previous fix, got %q", again.Record.Recommendations)
	}

	// The resolved record itself is untouched.
	original, err := h.engine.Get(ctx, "", first.Record.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if original.Status != models.StatusResolved {
		t.Errorf("prior record must stay resolved, got %s", original.Status)
	}
}

func TestRegressionChainsToImmediatelyPriorRecord(t *testing.T) {
	h := newTestHarness(nil, nil)
	ctx := context.Background()
	req := models.ReportRequest{Text: "dynamodb write throttling on sessions table", Service: "sessions"}

	first, err := h.engine.Report(ctx, req)
	if err != nil {
		t.Fatalf("first report failed: %v", err)
	}
	if _, _, err := h.engine.Resolve(ctx, "", first.Record.ID, "enabled autoscaling", "bob"); err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}

	second, err := h.engine.Report(ctx, req)
	if err != nil {
		t.Fatalf("first regression failed: %v", err)
	}
	if _, _, err := h.engine.Resolve(ctx, "", second.Record.ID, "raised write capacity", "bob"); err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}

	third, err := h.engine.Report(ctx, req)
	if err != nil {
		t.Fatalf("second regression failed: %v", err)
	}
	if third.Classification != models.ClassificationRegression {
		t.Fatalf("expected REGRESSION, got %s", third.Classification)
	}
	if third.Record.RegressionOf != second.Record.ID {
		t.Errorf("chain must point at the immediately prior record %s, got %s",
			second.Record.ID, third.Record.RegressionOf)
	}
}

// brokenWriteIndex serves queries but rejects every upsert.
type brokenWriteIndex struct {
	inner index.Index
}

func (b *brokenWriteIndex) Upsert(context.Context, index.Entry) error {
	return fmt.Errorf("write path down: %w", models.ErrIndexUnavailable)
}

func (b *brokenWriteIndex) Query(ctx context.Context, vector []float32, namespace string, kind index.Kind, topK int) ([]index.Match, error) {
	return b.inner.Query(ctx, vector, namespace, kind, topK)
}

func (b *brokenWriteIndex) Delete(ctx context.Context, id, namespace string) error {
	return b.inner.Delete(ctx, id, namespace)
}

func TestReportDegradesWhenIndexWriteFails(t *testing.T) {
	h := newTestHarness(&brokenWriteIndex{inner: index.NewMemoryIndex()}, nil)

	result, err := h.engine.Report(context.Background(), models.ReportRequest{
		Text:    "api gateway returning 502 from upstream",
		Service: "edge",
	})
	if err != nil {
		t.Fatalf("durable success must not surface an index write failure: %v", err)
	}
	if !result.Degraded {
		t.Fatalf("expected a degraded result")
	}
	if !result.Record.IndexDirty {
		t.Errorf("record must be flagged for repair")
	}

	stored, err := h.store.GetIncident(context.Background(), "default", result.Record.ID)
	if err != nil {
		t.Fatalf("record must be durably committed: %v", err)
	}
	if !stored.IndexDirty {
		t.Errorf("stored record must carry the dirty flag")
	}
}

// downIndex fails every operation.
type downIndex struct{}

func (downIndex) Upsert(context.Context, index.Entry) error {
	return models.ErrIndexUnavailable
}

func (downIndex) Query(context.Context, []float32, string, index.Kind, int) ([]index.Match, error) {
	return nil, models.ErrIndexUnavailable
}

func (downIndex) Delete(context.Context, string, string) error {
	return models.ErrIndexUnavailable
}

func TestReportFailsClosedWhenIndexUnavailable(t *testing.T) {
	h := newTestHarness(downIndex{}, nil)

	_, err := h.engine.Report(context.Background(), models.ReportRequest{
		Text:    "payment gateway timeout",
		Service: "payments",
	})
	if !errors.Is(err, models.ErrIndexUnavailable) {
		t.Fatalf("an unreachable index must fail the report, got %v", err)
	}

	records, err := h.store.ListIncidents(context.Background(), models.ListFilter{Namespace: "default"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("no record may be created when classification is impossible, got %d", len(records))
	}
}

func TestConcurrentIdenticalReportsFoldIntoOneRecord(t *testing.T) {
	h := newTestHarness(nil, nil)
	ctx := context.Background()
	const workers = 8

	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Report(ctx, models.ReportRequest{
				Text:    "redis cluster failover looping on shard 3",
				Service: "caching",
			})
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("concurrent report failed: %v", err)
		}
	}

	records, err := h.store.ListIncidents(ctx, models.ListFilter{Namespace: "default"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected a single record, got %d", len(records))
	}
	if records[0].Occurrences != workers {
		t.Errorf("expected %d occurrences, got %d", workers, records[0].Occurrences)
	}
}

func TestConcurrentNearDuplicateReportsFoldWithoutConflict(t *testing.T) {
	h := newTestHarness(nil, nil)
	ctx := context.Background()

	seed, err := h.engine.Report(ctx, models.ReportRequest{
		Text:    "kafka consumer lag growing on analytics ingest partition three",
		Service: "analytics",
	})
	if err != nil {
		t.Fatalf("seed report failed: %v", err)
	}

	// Each variant hashes to its own lineage key but matches the seeded
	// record, so the updates serialise on the record id instead.
	variants := []string{
		"kafka consumer lag growing on analytics ingest partition three alpha",
		"kafka consumer lag growing on analytics ingest partition three bravo",
		"kafka consumer lag growing on analytics ingest partition three charlie",
		"kafka consumer lag growing on analytics ingest partition three delta",
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(variants))
	for _, text := range variants {
		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			result, err := h.engine.Report(ctx, models.ReportRequest{Text: text, Service: "analytics"})
			if err == nil && result.Classification != models.ClassificationDuplicate {
				err = fmt.Errorf("expected DUPLICATE, got %s", result.Classification)
			}
			errCh <- err
		}(text)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("near-duplicate report failed: %v", err)
		}
	}

	rec, err := h.store.GetIncident(ctx, "default", seed.Record.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.Occurrences != len(variants)+1 {
		t.Errorf("expected %d occurrences, got %d", len(variants)+1, rec.Occurrences)
	}
}

// countingStore tracks read traffic reaching the durable store.
type countingStore struct {
	*store.MemoryStore
	mu   sync.Mutex
	gets int
}

func (c *countingStore) GetIncident(ctx context.Context, namespace, id string) (models.IncidentRecord, error) {
	c.mu.Lock()
	c.gets++
	c.mu.Unlock()
	return c.MemoryStore.GetIncident(ctx, namespace, id)
}

func (c *countingStore) getCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gets
}

func newCountingHarness() (*Engine, *countingStore) {
	st := &countingStore{MemoryStore: store.NewMemoryStore()}
	idx := index.NewMemoryIndex()
	embedder := embed.NewLocalProvider(64)
	cfg := testEngineConfig()

	m := matcher.New(nil, embedder, idx, matcher.Config{
		SimilarityThreshold:   cfg.SimilarityThreshold,
		RunbookMatchThreshold: cfg.RunbookMatchThreshold,
		TopKDedup:             cfg.TopKDedup,
		TopKRunbooks:          cfg.TopKRunbooks,
	})
	coord := NewCoordinator(st, idx, embedder, nil)
	return New(nil, m, coord, st, cache.NewMemoryProvider(), nil, cfg), st
}

func TestGetServesFromRecordCache(t *testing.T) {
	engine, st := newCountingHarness()
	ctx := context.Background()

	result, err := engine.Report(ctx, models.ReportRequest{Text: "search cluster shard relocation stuck", Service: "search"})
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}

	before := st.getCount()
	for i := 0; i < 3; i++ {
		rec, err := engine.Get(ctx, "", result.Record.ID)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if rec.ID != result.Record.ID {
			t.Fatalf("unexpected record %s", rec.ID)
		}
	}
	if got := st.getCount() - before; got != 1 {
		t.Errorf("expected one store read across repeated gets, got %d", got)
	}
}

func TestResolveInvalidatesRecordCache(t *testing.T) {
	engine, _ := newCountingHarness()
	ctx := context.Background()

	result, err := engine.Report(ctx, models.ReportRequest{Text: "cdn origin fetch errors spiking", Service: "edge"})
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if _, err := engine.Get(ctx, "", result.Record.ID); err != nil {
		t.Fatalf("priming get failed: %v", err)
	}

	if _, _, err := engine.Resolve(ctx, "", result.Record.ID, "purged stale origin config", "grace"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	rec, err := engine.Get(ctx, "", result.Record.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.Status != models.StatusResolved {
		t.Errorf("a cached summary must not outlive the resolve, got status %s", rec.Status)
	}
}

func TestResolveReplaySameTextIsIdempotent(t *testing.T) {
	h := newTestHarness(nil, nil)
	ctx := context.Background()

	result, err := h.engine.Report(ctx, models.ReportRequest{Text: "queue consumer lag exceeding sla", Service: "billing"})
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}

	first, _, err := h.engine.Resolve(ctx, "", result.Record.ID, "scaled consumers to 6", "carol")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	replay, _, err := h.engine.Resolve(ctx, "", result.Record.ID, "scaled consumers to 6", "carol")
	if err != nil {
		t.Fatalf("replaying an identical resolve must succeed: %v", err)
	}
	if replay.Version != first.Version {
		t.Errorf("replay must not rewrite the record, version %d vs %d", replay.Version, first.Version)
	}
	if n := countEvents(replay.History, models.EventResolved); n != 1 {
		t.Errorf("expected exactly one resolved event, got %d", n)
	}
}

func TestResolveConflictingTextFails(t *testing.T) {
	h := newTestHarness(nil, nil)
	ctx := context.Background()

	result, err := h.engine.Report(ctx, models.ReportRequest{Text: "tls handshake failures on ingress", Service: "edge"})
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if _, _, err := h.engine.Resolve(ctx, "", result.Record.ID, "rotated certificates", "dave"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	_, _, err = h.engine.Resolve(ctx, "", result.Record.ID, "restarted ingress pods", "dave")
	if !errors.Is(err, models.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved for a conflicting resolution, got %v", err)
	}
}

func TestResolveMissingIncident(t *testing.T) {
	h := newTestHarness(nil, nil)

	_, _, err := h.engine.Resolve(context.Background(), "", "inc_missing", "noop", "erin")
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveRejectsEmptyResolution(t *testing.T) {
	h := newTestHarness(nil, nil)

	_, _, err := h.engine.Resolve(context.Background(), "", "inc_any", "  ", "erin")
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestReportRequestTokenReplay(t *testing.T) {
	h := newTestHarness(nil, cache.NewMemoryProvider())
	ctx := context.Background()

	first, err := h.engine.Report(ctx, models.ReportRequest{
		Text:         "webhook delivery retries exhausted",
		Service:      "integrations",
		RequestToken: "req-42",
	})
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}

	replay, err := h.engine.Report(ctx, models.ReportRequest{
		Text:         "webhook delivery retries exhausted",
		Service:      "integrations",
		RequestToken: "req-42",
	})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	if replay.Record.ID != first.Record.ID {
		t.Errorf("replay must return the original record")
	}
	if replay.Classification != first.Classification {
		t.Errorf("replay must return the original classification, got %s", replay.Classification)
	}
	if replay.Record.Occurrences != 1 {
		t.Errorf("a replayed token must not count as a recurrence, got %d occurrences", replay.Record.Occurrences)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	h := newTestHarness(nil, nil)
	ctx := context.Background()

	open, err := h.engine.Report(ctx, models.ReportRequest{Text: "disk usage above ninety percent", Service: "storage"})
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}
	closedRes, err := h.engine.Report(ctx, models.ReportRequest{Text: "certificate renewal job failing", Service: "pki"})
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if _, _, err := h.engine.Resolve(ctx, "", closedRes.Record.ID, "fixed acme credentials", "frank"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	status := models.StatusOpen
	records, err := h.engine.List(ctx, models.ListFilter{StatusFilter: &status})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != open.Record.ID {
		t.Fatalf("expected only the open record, got %+v", records)
	}
}

func eventKinds(history []models.HistoryEvent) []string {
	kinds := make([]string, 0, len(history))
	for _, ev := range history {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func countEvents(history []models.HistoryEvent, kind string) int {
	n := 0
	for _, ev := range history {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
