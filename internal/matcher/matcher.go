// Package matcher runs similarity queries against the index and applies the
// classification thresholds. It never talks to the durable store: candidate
// metadata from the index is a hint, and callers re-read authoritative state
// before acting on it.
package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/incidentstack/responder/internal/embed"
	"github.com/incidentstack/responder/internal/index"
	"github.com/incidentstack/responder/internal/models"
)

// Config carries the thresholds and fan-out limits for one matcher instance.
type Config struct {
	SimilarityThreshold   float64
	RunbookMatchThreshold float64
	TopKDedup             int
	TopKRunbooks          int
}

// Matcher queries the similarity index through the embedding provider.
type Matcher struct {
	logger   *slog.Logger
	embedder embed.Provider
	idx      index.Index
	cfg      Config
}

// Result bundles the outcome of one report's parallel queries. Vector is the
// report embedding so callers can reuse it for the index write.
type Result struct {
	Vector []float32
	// Dedup is the winning dedup candidate, nil when nothing scored at or
	// above the similarity threshold.
	Dedup *index.Match
	// Incidents is the full ranked incident candidate list.
	Incidents []index.Match
	// Runbooks is the ranked list of runbook matches at or above the runbook
	// threshold, capped at TopKRunbooks.
	Runbooks []models.RunbookMatch
}

// New constructs a Matcher.
func New(logger *slog.Logger, embedder embed.Provider, idx index.Index, cfg Config) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopKDedup <= 0 {
		cfg.TopKDedup = 5
	}
	if cfg.TopKRunbooks <= 0 {
		cfg.TopKRunbooks = 3
	}
	return &Matcher{logger: logger, embedder: embedder, idx: idx, cfg: cfg}
}

// Match embeds the report text once and runs the dedup and runbook queries
// concurrently. Runbooks are searched in the report's namespace and in the
// shared global scope. An unreachable index fails the whole call; "no match"
// is an empty result, never an error.
func (m *Matcher) Match(ctx context.Context, text, namespace string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, fmt.Errorf("report text is empty: %w", models.ErrValidation)
	}

	vector, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return Result{}, fmt.Errorf("embed report: %w", err)
	}

	var (
		incidents  []index.Match
		nsRunbooks []index.Match
		shared     []index.Match
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		incidents, err = m.idx.Query(gctx, vector, namespace, index.KindIncident, m.cfg.TopKDedup)
		return err
	})
	g.Go(func() error {
		var err error
		nsRunbooks, err = m.idx.Query(gctx, vector, namespace, index.KindRunbook, m.cfg.TopKRunbooks)
		return err
	})
	if namespace != models.NamespaceGlobal {
		g.Go(func() error {
			var err error
			shared, err = m.idx.Query(gctx, vector, models.NamespaceGlobal, index.KindRunbook, m.cfg.TopKRunbooks)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	result := Result{
		Vector:    vector,
		Incidents: incidents,
		Dedup:     m.pickDedup(incidents),
		Runbooks:  m.rankRunbooks(append(nsRunbooks, shared...)),
	}

	if result.Dedup != nil {
		m.logger.Debug("dedup candidate found",
			slog.String("candidate_id", result.Dedup.ID),
			slog.Float64("score", result.Dedup.Score))
	}
	return result, nil
}

// FindSimilarIncidents returns the ranked incident candidates for text.
func (m *Matcher) FindSimilarIncidents(ctx context.Context, text, namespace string, topK int) ([]index.Match, error) {
	vector, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed report: %w", err)
	}
	if topK <= 0 {
		topK = m.cfg.TopKDedup
	}
	return m.idx.Query(ctx, vector, namespace, index.KindIncident, topK)
}

// FindMatchingRunbooks returns the ranked runbook matches for text.
func (m *Matcher) FindMatchingRunbooks(ctx context.Context, text, namespace string, topK int) ([]models.RunbookMatch, error) {
	vector, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed report: %w", err)
	}
	if topK <= 0 {
		topK = m.cfg.TopKRunbooks
	}
	matches, err := m.idx.Query(ctx, vector, namespace, index.KindRunbook, topK)
	if err != nil {
		return nil, err
	}
	return m.rankRunbooks(matches), nil
}

// pickDedup selects the winning dedup candidate: highest score at or above
// the threshold (inclusive), ties broken by most recently seen.
func (m *Matcher) pickDedup(candidates []index.Match) *index.Match {
	eligible := make([]index.Match, 0, len(candidates))
	for _, c := range candidates {
		if c.Score >= m.cfg.SimilarityThreshold {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Score != eligible[j].Score {
			return eligible[i].Score > eligible[j].Score
		}
		return eligible[i].Metadata.LastSeen.After(eligible[j].Metadata.LastSeen)
	})
	top := eligible[0]
	return &top
}

// rankRunbooks filters by the runbook threshold (inclusive), dedupes by id,
// and keeps the TopKRunbooks best.
func (m *Matcher) rankRunbooks(matches []index.Match) []models.RunbookMatch {
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })

	seen := make(map[string]struct{}, len(matches))
	out := make([]models.RunbookMatch, 0, m.cfg.TopKRunbooks)
	for _, match := range matches {
		if match.Score < m.cfg.RunbookMatchThreshold {
			continue
		}
		if _, ok := seen[match.ID]; ok {
			continue
		}
		seen[match.ID] = struct{}{}
		out = append(out, models.RunbookMatch{
			RunbookID: match.ID,
			Title:     match.Metadata.Title,
			Score:     match.Score,
		})
		if len(out) == m.cfg.TopKRunbooks {
			break
		}
	}
	return out
}
