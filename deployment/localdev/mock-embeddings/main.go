// mock-embeddings is a stand-in for an OpenAI-compatible embeddings service,
// used when developing against the http embedding provider without a real
// model endpoint. Vectors are deterministic hashed bag-of-words, so similar
// text still scores as similar.
package main

import (
	"encoding/json"
	"hash/fnv"
	"log"
	"math"
	"net/http"
	"strings"
)

const dimension = 384

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": req.Model,
			"data": []map[string]any{
				{"index": 0, "embedding": embedText(req.Input)},
			},
		})
	})

	addr := ":8090"
	log.Printf("mock embeddings server listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func embedText(text string) []float32 {
	vec := make([]float32, dimension)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		vec[int(h.Sum32())%dimension]++
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
	return vec
}
