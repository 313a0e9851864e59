package index

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryIndex is an in-process cosine-similarity index for local development
// and tests. Entries live in a flat slice per namespace; queries scan
// linearly, which is fine at dev-scale cardinality.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string]map[string]Entry // namespace -> id -> entry
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]map[string]Entry)}
}

// Upsert inserts or replaces an entry.
func (m *MemoryIndex) Upsert(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns := entry.Metadata.Namespace
	if m.entries[ns] == nil {
		m.entries[ns] = make(map[string]Entry)
	}
	entry.Vector = append([]float32(nil), entry.Vector...)
	m.entries[ns][entry.ID] = entry
	return nil
}

// Query returns the topK entries of the requested kind ranked by cosine
// similarity, clamped to [0,1].
func (m *MemoryIndex) Query(_ context.Context, vector []float32, namespace string, kind Kind, topK int) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]Match, 0, topK)
	for _, entry := range m.entries[namespace] {
		if entry.Metadata.Kind != kind {
			continue
		}
		score := cosine(vector, entry.Vector)
		if score < 0 {
			score = 0
		}
		matches = append(matches, Match{ID: entry.ID, Score: score, Metadata: entry.Metadata})
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Delete removes an entry if present.
func (m *MemoryIndex) Delete(_ context.Context, id, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries[namespace], id)
	return nil
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
