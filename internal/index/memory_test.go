package index

import (
	"context"
	"testing"
	"time"
)

func entry(id string, kind Kind, namespace string, vector []float32) Entry {
	return Entry{
		ID:     id,
		Vector: vector,
		Metadata: Metadata{
			Kind:      kind,
			RecordID:  id,
			Namespace: namespace,
			LastSeen:  time.Now(),
		},
	}
}

func TestMemoryIndexRanksBySimilarity(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()

	_ = idx.Upsert(ctx, entry("close", KindIncident, "ns", []float32{1, 0, 0}))
	_ = idx.Upsert(ctx, entry("far", KindIncident, "ns", []float32{0, 1, 0}))
	_ = idx.Upsert(ctx, entry("mid", KindIncident, "ns", []float32{1, 1, 0}))

	matches, err := idx.Query(ctx, []float32{1, 0, 0}, "ns", KindIncident, 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(matches))
	}
	if matches[0].ID != "close" || matches[1].ID != "mid" || matches[2].ID != "far" {
		t.Errorf("unexpected ranking: %s %s %s", matches[0].ID, matches[1].ID, matches[2].ID)
	}
	if matches[0].Score < 0.999 {
		t.Errorf("identical vector must score ~1, got %f", matches[0].Score)
	}
	if matches[2].Score != 0 {
		t.Errorf("orthogonal vector must score 0, got %f", matches[2].Score)
	}
}

func TestMemoryIndexFiltersByKindAndNamespace(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()

	_ = idx.Upsert(ctx, entry("inc1", KindIncident, "ns", []float32{1, 0}))
	_ = idx.Upsert(ctx, entry("rb1", KindRunbook, "ns", []float32{1, 0}))
	_ = idx.Upsert(ctx, entry("inc2", KindIncident, "other", []float32{1, 0}))

	matches, err := idx.Query(ctx, []float32{1, 0}, "ns", KindIncident, 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != "inc1" {
		t.Fatalf("expected only inc1, got %+v", matches)
	}
}

func TestMemoryIndexTopK(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()

	for _, id := range []string{"a", "b", "c", "d"} {
		_ = idx.Upsert(ctx, entry(id, KindIncident, "ns", []float32{1, 0}))
	}

	matches, err := idx.Query(ctx, []float32{1, 0}, "ns", KindIncident, 2)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
}

func TestMemoryIndexUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()

	_ = idx.Upsert(ctx, entry("id", KindIncident, "ns", []float32{1, 0}))
	updated := entry("id", KindIncident, "ns", []float32{0, 1})
	updated.Metadata.Status = "RESOLVED"
	_ = idx.Upsert(ctx, updated)

	matches, err := idx.Query(ctx, []float32{0, 1}, "ns", KindIncident, 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("upsert must replace, got %d entries", len(matches))
	}
	if matches[0].Metadata.Status != "RESOLVED" {
		t.Errorf("metadata must be replaced, got %+v", matches[0].Metadata)
	}
}

func TestMemoryIndexDelete(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()

	_ = idx.Upsert(ctx, entry("id", KindIncident, "ns", []float32{1, 0}))
	if err := idx.Delete(ctx, "id", "ns"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	matches, _ := idx.Query(ctx, []float32{1, 0}, "ns", KindIncident, 10)
	if len(matches) != 0 {
		t.Fatalf("expected no matches after delete, got %d", len(matches))
	}
}

func TestMemoryIndexNegativeSimilarityClampsToZero(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()

	_ = idx.Upsert(ctx, entry("opposite", KindIncident, "ns", []float32{-1, 0}))

	matches, err := idx.Query(ctx, []float32{1, 0}, "ns", KindIncident, 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if matches[0].Score != 0 {
		t.Errorf("scores are clamped to [0,1], got %f", matches[0].Score)
	}
}
