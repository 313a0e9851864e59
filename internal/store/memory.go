package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/incidentstack/responder/internal/models"
)

// MemoryStore keeps records in process memory with the same CAS semantics as
// the Postgres store. Used by tests and single-node local deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	incidents map[string]models.IncidentRecord
	runbooks  map[string]models.RunbookRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		incidents: make(map[string]models.IncidentRecord),
		runbooks:  make(map[string]models.RunbookRecord),
	}
}

func recordKey(namespace, id string) string {
	return namespace + "/" + id
}

// PutIncident inserts or CAS-updates an incident record.
func (s *MemoryStore) PutIncident(_ context.Context, rec models.IncidentRecord, expectedVersion int64) (models.IncidentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey(rec.Namespace, rec.ID)
	current, exists := s.incidents[key]

	if expectedVersion == 0 {
		if exists {
			return models.IncidentRecord{}, fmt.Errorf("incident %s exists: %w", rec.ID, models.ErrVersionConflict)
		}
		rec.Version = 1
	} else {
		if !exists {
			return models.IncidentRecord{}, fmt.Errorf("incident %s: %w", rec.ID, models.ErrNotFound)
		}
		if current.Version != expectedVersion {
			return models.IncidentRecord{}, fmt.Errorf("incident %s at version %d, expected %d: %w",
				rec.ID, current.Version, expectedVersion, models.ErrVersionConflict)
		}
		rec.Version = expectedVersion + 1
	}

	s.incidents[key] = rec.Clone()
	return rec, nil
}

// GetIncident returns a deep copy of the stored record.
func (s *MemoryStore) GetIncident(_ context.Context, namespace, id string) (models.IncidentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.incidents[recordKey(namespace, id)]
	if !ok {
		return models.IncidentRecord{}, fmt.Errorf("incident %s: %w", id, models.ErrNotFound)
	}
	return rec.Clone(), nil
}

// ListIncidents returns records matching the filter, newest first.
func (s *MemoryStore) ListIncidents(_ context.Context, filter models.ListFilter) ([]models.IncidentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.IncidentRecord, 0)
	for _, rec := range s.incidents {
		if filter.Namespace != "" && rec.Namespace != filter.Namespace {
			continue
		}
		if filter.StatusFilter != nil && rec.Status != *filter.StatusFilter {
			continue
		}
		out = append(out, rec.Clone())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListIndexDirty returns records flagged for index repair.
func (s *MemoryStore) ListIndexDirty(_ context.Context, namespace string, limit int) ([]models.IncidentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.IncidentRecord, 0)
	for _, rec := range s.incidents {
		if !rec.IndexDirty {
			continue
		}
		if namespace != "" && rec.Namespace != namespace {
			continue
		}
		out = append(out, rec.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// PutRunbook inserts or CAS-updates a runbook record.
func (s *MemoryStore) PutRunbook(_ context.Context, rb models.RunbookRecord, expectedVersion int64) (models.RunbookRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey(rb.Namespace, rb.ID)
	current, exists := s.runbooks[key]

	if expectedVersion == 0 {
		if exists {
			return models.RunbookRecord{}, fmt.Errorf("runbook %s exists: %w", rb.ID, models.ErrVersionConflict)
		}
		rb.Version = 1
	} else {
		if !exists {
			return models.RunbookRecord{}, fmt.Errorf("runbook %s: %w", rb.ID, models.ErrNotFound)
		}
		if current.Version != expectedVersion {
			return models.RunbookRecord{}, fmt.Errorf("runbook %s at version %d, expected %d: %w",
				rb.ID, current.Version, expectedVersion, models.ErrVersionConflict)
		}
		rb.Version = expectedVersion + 1
	}

	stored := rb
	stored.Tags = append([]string(nil), rb.Tags...)
	s.runbooks[key] = stored
	return rb, nil
}

// GetRunbook returns a runbook by namespace and id.
func (s *MemoryStore) GetRunbook(_ context.Context, namespace, id string) (models.RunbookRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rb, ok := s.runbooks[recordKey(namespace, id)]
	if !ok {
		return models.RunbookRecord{}, fmt.Errorf("runbook %s: %w", id, models.ErrNotFound)
	}
	rb.Tags = append([]string(nil), rb.Tags...)
	return rb, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
