// Package index abstracts the vector similarity backend. Entries are derived
// projections of durable records: the dual-write coordinator is the only
// writer, and on disagreement the durable record wins.
package index

import (
	"context"
	"time"
)

// Kind distinguishes incident entries from runbook entries in one cluster.
type Kind string

const (
	KindIncident Kind = "incident"
	KindRunbook  Kind = "runbook"
)

// Metadata is the minimal denormalised payload stored beside a vector.
// It is a hint for ranking and display only; authoritative state lives in
// the record store.
type Metadata struct {
	Kind      Kind      `json:"kind"`
	RecordID  string    `json:"record_id"`
	Namespace string    `json:"namespace"`
	Status    string    `json:"status,omitempty"`
	Title     string    `json:"title,omitempty"`
	Service   string    `json:"service,omitempty"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
}

// Entry is one vector plus its metadata.
type Entry struct {
	ID       string
	Vector   []float32
	Metadata Metadata
}

// Match is a ranked query result. Score is a normalised similarity in [0,1];
// higher is more similar.
type Match struct {
	ID       string
	Score    float64
	Metadata Metadata
}

// Index is the similarity search contract. Implementations must be safe for
// concurrent use. An unreachable backend surfaces as
// models.ErrIndexUnavailable, never as an empty result.
type Index interface {
	Upsert(ctx context.Context, entry Entry) error
	Query(ctx context.Context, vector []float32, namespace string, kind Kind, topK int) ([]Match, error)
	Delete(ctx context.Context, id, namespace string) error
}
