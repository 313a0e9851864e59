package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/incidentstack/responder/internal/models"
	"github.com/incidentstack/responder/internal/utils"
)

const weaviateClass = "ResponderEntry"

// WeaviateIndex implements Index against a Weaviate cluster using its REST
// and GraphQL endpoints directly.
type WeaviateIndex struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewWeaviateIndex constructs a Weaviate-backed index client.
func NewWeaviateIndex(endpoint, apiKey string, timeout time.Duration) *WeaviateIndex {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WeaviateIndex{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Upsert writes the entry under a deterministic object id so repeated commits
// of the same record replace rather than duplicate.
func (w *WeaviateIndex) Upsert(ctx context.Context, entry Entry) error {
	if w.endpoint == "" {
		return fmt.Errorf("upsert: %w", models.ErrIndexUnavailable)
	}

	objectID := objectUUID(entry.Metadata.Namespace, entry.ID)
	payload := map[string]interface{}{
		"class":      weaviateClass,
		"id":         objectID,
		"vector":     entry.Vector,
		"properties": entryProperties(entry),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, w.endpoint+"/v1/objects/"+objectID, bytes.NewReader(body))
	if err != nil {
		return err
	}
	w.setHeaders(req)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrIndexUnavailable, err)
	}
	defer resp.Body.Close()

	// Weaviate returns 404 for PUT on a missing object; fall back to create.
	if resp.StatusCode == http.StatusNotFound {
		return w.create(ctx, body)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return utils.NewOpError("weaviate.upsert", strings.TrimSpace(string(data)), nil)
	}
	return nil
}

func (w *WeaviateIndex) create(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint+"/v1/objects", bytes.NewReader(body))
	if err != nil {
		return err
	}
	w.setHeaders(req)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrIndexUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return utils.NewOpError("weaviate.create", strings.TrimSpace(string(data)), nil)
	}
	return nil
}

// Query runs a nearVector search scoped to the namespace and kind. Scores are
// Weaviate certainties, already normalised to [0,1].
func (w *WeaviateIndex) Query(ctx context.Context, vector []float32, namespace string, kind Kind, topK int) ([]Match, error) {
	if w.endpoint == "" {
		return nil, fmt.Errorf("query: %w", models.ErrIndexUnavailable)
	}
	if topK <= 0 {
		topK = 5
	}

	vectorJSON, err := json.Marshal(vector)
	if err != nil {
		return nil, err
	}

	gql := map[string]interface{}{
		"query": fmt.Sprintf(`{
          Get {
            %s(
              limit: %d
              nearVector: {vector: %s}
              where: {
                operator: And
                operands: [
                  {path: ["namespace"], operator: Equal, valueString: %q}
                  {path: ["kind"], operator: Equal, valueString: %q}
                ]
              }
            ) {
              recordId
              kind
              namespace
              status
              title
              service
              lastSeen
              _additional { certainty }
            }
          }
        }`, weaviateClass, topK, vectorJSON, namespace, string(kind)),
	}

	payload, err := json.Marshal(gql)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint+"/v1/graphql", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	w.setHeaders(req)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrIndexUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %d: %s", models.ErrIndexUnavailable, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var response struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
		Data struct {
			Get map[string][]struct {
				RecordID   string `json:"recordId"`
				Kind       string `json:"kind"`
				Namespace  string `json:"namespace"`
				Status     string `json:"status"`
				Title      string `json:"title"`
				Service    string `json:"service"`
				LastSeen   string `json:"lastSeen"`
				Additional struct {
					Certainty float64 `json:"certainty"`
				} `json:"_additional"`
			} `json:"Get"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode query response: %w", err)
	}
	// GraphQL failures arrive as a 200 with an errors array; an empty data
	// section in that case means "could not search", not "no match".
	if len(response.Errors) > 0 {
		return nil, fmt.Errorf("%w: graphql: %s", models.ErrIndexUnavailable, response.Errors[0].Message)
	}

	rows := response.Data.Get[weaviateClass]
	matches := make([]Match, 0, len(rows))
	for _, row := range rows {
		lastSeen, _ := time.Parse(time.RFC3339, row.LastSeen)
		matches = append(matches, Match{
			ID:    row.RecordID,
			Score: row.Additional.Certainty,
			Metadata: Metadata{
				Kind:      Kind(row.Kind),
				RecordID:  row.RecordID,
				Namespace: row.Namespace,
				Status:    row.Status,
				Title:     row.Title,
				Service:   row.Service,
				LastSeen:  lastSeen,
			},
		})
	}
	return matches, nil
}

// Delete removes the entry for a record id.
func (w *WeaviateIndex) Delete(ctx context.Context, id, namespace string) error {
	if w.endpoint == "" {
		return fmt.Errorf("delete: %w", models.ErrIndexUnavailable)
	}

	objectID := objectUUID(namespace, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, w.endpoint+"/v1/objects/"+weaviateClass+"/"+objectID, nil)
	if err != nil {
		return err
	}
	w.setHeaders(req)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrIndexUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		data, _ := io.ReadAll(resp.Body)
		return utils.NewOpError("weaviate.delete", strings.TrimSpace(string(data)), nil)
	}
	return nil
}

func (w *WeaviateIndex) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}
}

func entryProperties(entry Entry) map[string]interface{} {
	lastSeen := entry.Metadata.LastSeen
	if lastSeen.IsZero() {
		lastSeen = time.Now().UTC()
	}
	return map[string]interface{}{
		"recordId":  entry.ID,
		"kind":      string(entry.Metadata.Kind),
		"namespace": entry.Metadata.Namespace,
		"status":    entry.Metadata.Status,
		"title":     entry.Metadata.Title,
		"service":   entry.Metadata.Service,
		"lastSeen":  lastSeen.Format(time.RFC3339),
	}
}

// objectUUID derives a stable Weaviate object id from namespace + record id.
func objectUUID(namespace, id string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(namespace+"/"+id)).String()
}
