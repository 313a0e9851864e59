// Package runbooks loads the operator-maintained runbook pack and seeds it
// into the record store and similarity index at startup.
package runbooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/incidentstack/responder/internal/models"
	"github.com/incidentstack/responder/internal/store"
)

type packFile struct {
	Runbooks []packEntry `yaml:"runbooks"`
}

type packEntry struct {
	ID        string   `yaml:"id"`
	Namespace string   `yaml:"namespace"`
	Title     string   `yaml:"title"`
	Content   string   `yaml:"content"`
	Tags      []string `yaml:"tags"`
}

// LoadPack parses a YAML runbook pack. Entries without a namespace land in
// the shared global scope.
func LoadPack(path string) ([]models.RunbookRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read runbook pack: %w", err)
	}

	var pack packFile
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("parse runbook pack: %w", err)
	}

	now := time.Now().UTC()
	records := make([]models.RunbookRecord, 0, len(pack.Runbooks))
	seen := make(map[string]struct{}, len(pack.Runbooks))
	for i, entry := range pack.Runbooks {
		if entry.ID == "" {
			return nil, fmt.Errorf("runbook %d: missing id", i)
		}
		if strings.TrimSpace(entry.Title) == "" || strings.TrimSpace(entry.Content) == "" {
			return nil, fmt.Errorf("runbook %s: title and content are required", entry.ID)
		}
		if _, dup := seen[entry.ID]; dup {
			return nil, fmt.Errorf("runbook %s: duplicate id", entry.ID)
		}
		seen[entry.ID] = struct{}{}

		namespace := entry.Namespace
		if namespace == "" {
			namespace = models.NamespaceGlobal
		}
		records = append(records, models.RunbookRecord{
			ID:        entry.ID,
			Namespace: namespace,
			Title:     entry.Title,
			Content:   entry.Content,
			Tags:      entry.Tags,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return records, nil
}

// Committer is the slice of the dual-write coordinator the seeder needs.
type Committer interface {
	CommitRunbook(ctx context.Context, rb models.RunbookRecord, expectedVersion int64, vector []float32) (models.RunbookRecord, error)
}

// Embedder produces the vector for a runbook's searchable text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Seeder pushes a runbook pack through the dual-write path.
type Seeder struct {
	store    store.Store
	commit   Committer
	embedder Embedder
	logger   *slog.Logger
}

// NewSeeder wires a seeder.
func NewSeeder(st store.Store, commit Committer, embedder Embedder, logger *slog.Logger) *Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Seeder{store: st, commit: commit, embedder: embedder, logger: logger}
}

// Seed upserts every record. Existing runbooks with unchanged content are
// still re-projected into the index, which heals an index rebuilt from
// scratch. Seeding is idempotent across restarts.
func (s *Seeder) Seed(ctx context.Context, records []models.RunbookRecord) error {
	for _, rb := range records {
		vector, err := s.embedder.Embed(ctx, searchText(rb))
		if err != nil {
			return fmt.Errorf("embed runbook %s: %w", rb.ID, err)
		}

		existing, err := s.store.GetRunbook(ctx, rb.Namespace, rb.ID)
		switch {
		case errors.Is(err, models.ErrNotFound):
			if _, err := s.commit.CommitRunbook(ctx, rb, 0, vector); err != nil {
				return fmt.Errorf("seed runbook %s: %w", rb.ID, err)
			}
			s.logger.Info("runbook seeded", slog.String("runbook_id", rb.ID), slog.String("namespace", rb.Namespace))
		case err != nil:
			return fmt.Errorf("check runbook %s: %w", rb.ID, err)
		default:
			// Keep operational counters, refresh authored fields.
			rb.SuccessCount = existing.SuccessCount
			rb.CreatedAt = existing.CreatedAt
			if _, err := s.commit.CommitRunbook(ctx, rb, existing.Version, vector); err != nil {
				return fmt.Errorf("refresh runbook %s: %w", rb.ID, err)
			}
		}
	}
	return nil
}

// IncrementSuccess bumps a runbook's success counter after it contributed to
// a resolution. Retries once on a concurrent update.
func IncrementSuccess(ctx context.Context, st store.Store, namespace, id string) error {
	for i := 0; i < 2; i++ {
		rb, err := st.GetRunbook(ctx, namespace, id)
		if err != nil {
			return err
		}
		rb.SuccessCount++
		rb.UpdatedAt = time.Now().UTC()
		_, err = st.PutRunbook(ctx, rb, rb.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, models.ErrVersionConflict) {
			return err
		}
	}
	return fmt.Errorf("runbook %s: %w", id, models.ErrVersionConflict)
}

func searchText(rb models.RunbookRecord) string {
	parts := []string{rb.Title, rb.Content}
	if len(rb.Tags) > 0 {
		parts = append(parts, strings.Join(rb.Tags, " "))
	}
	return strings.Join(parts, "\n")
}
