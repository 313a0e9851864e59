// Package embed turns incident text into fixed-dimension vectors for the
// similarity index. Embedding is an external capability; the engine only
// depends on the Provider contract.
package embed

import "context"

// Provider converts text into a fixed-length vector. Implementations need not
// be bit-deterministic, but near-duplicate text must yield near-duplicate
// vectors or deduplication recall collapses.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}
