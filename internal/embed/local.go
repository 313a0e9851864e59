package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// LocalProvider is a self-contained hashed bag-of-words embedder for local
// development and tests. Tokens are hashed into a fixed number of buckets and
// the result is L2-normalised, so overlapping text produces high cosine
// similarity without any model dependency.
type LocalProvider struct {
	dimension int
}

// NewLocalProvider creates a local embedder with the given dimension.
func NewLocalProvider(dimension int) *LocalProvider {
	if dimension <= 0 {
		dimension = 384
	}
	return &LocalProvider{dimension: dimension}
}

// Dimension reports the vector length produced by Embed.
func (p *LocalProvider) Dimension() int { return p.dimension }

// Embed hashes each token into a bucket and normalises the histogram.
func (p *LocalProvider) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, p.dimension)
	for _, token := range tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		vec[int(h.Sum32())%p.dimension]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	tokens := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}
