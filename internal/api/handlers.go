package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/incidentstack/responder/internal/models"
)

// Service is the engine surface the HTTP layer depends on.
type Service interface {
	Report(ctx context.Context, req models.ReportRequest) (models.ReportResult, error)
	Resolve(ctx context.Context, namespace, id, resolution, actor string) (models.IncidentRecord, bool, error)
	Get(ctx context.Context, namespace, id string) (models.IncidentRecord, error)
	List(ctx context.Context, filter models.ListFilter) ([]models.IncidentRecord, error)
}

// Handlers bundles the HTTP endpoints.
type Handlers struct {
	service Service
	logger  *slog.Logger
}

// NewHandlers constructs the endpoint set.
func NewHandlers(service Service, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{service: service, logger: logger}
}

// Register installs the routes on mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/incidents", h.report)
	mux.HandleFunc("GET /api/v1/incidents", h.list)
	mux.HandleFunc("GET /api/v1/incidents/{id}", h.get)
	mux.HandleFunc("POST /api/v1/incidents/{id}/resolve", h.resolve)
	mux.HandleFunc("GET /healthz", h.healthz)
}

type reportRequest struct {
	ErrorMessage string `json:"error_message"`
	Service      string `json:"service"`
	Namespace    string `json:"namespace"`
	Severity     string `json:"severity"`
	RequestToken string `json:"request_token"`
}

type reportResponse struct {
	Classification models.Classification `json:"classification"`
	Similarity     float64               `json:"similarity"`
	RunbookMatched bool                  `json:"runbook_matched"`
	RunbookMatches []models.RunbookMatch `json:"recommended_runbooks,omitempty"`
	RegressionOf   string                `json:"regression_of,omitempty"`
	Degraded       bool                  `json:"degraded,omitempty"`
	Incident       models.IncidentRecord `json:"incident"`
}

func (h *Handlers) report(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.service.Report(r.Context(), models.ReportRequest{
		Text:         req.ErrorMessage,
		Service:      req.Service,
		Namespace:    req.Namespace,
		Severity:     req.Severity,
		RequestToken: req.RequestToken,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Classification == models.ClassificationDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, reportResponse{
		Classification: result.Classification,
		Similarity:     result.Similarity,
		RunbookMatched: result.RunbookMatched,
		RunbookMatches: result.RunbookMatches,
		RegressionOf:   result.RegressionOf,
		Degraded:       result.Degraded,
		Incident:       result.Record,
	})
}

type resolveRequest struct {
	Namespace  string `json:"namespace"`
	Resolution string `json:"resolution"`
	ResolvedBy string `json:"resolved_by"`
}

type resolveResponse struct {
	Degraded bool                  `json:"degraded,omitempty"`
	Incident models.IncidentRecord `json:"incident"`
}

func (h *Handlers) resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, degraded, err := h.service.Resolve(r.Context(), req.Namespace, r.PathValue("id"), req.Resolution, req.ResolvedBy)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{Degraded: degraded, Incident: rec})
}

func (h *Handlers) get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Get(r.Context(), r.URL.Query().Get("namespace"), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type listResponse struct {
	Incidents []models.Summary `json:"incidents"`
	Count     int              `json:"count"`
}

func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	filter := models.ListFilter{Namespace: r.URL.Query().Get("namespace")}

	if raw := r.URL.Query().Get("status"); raw != "" {
		status := models.Status(raw)
		if status != models.StatusOpen && status != models.StatusResolved {
			writeErrorMessage(w, http.StatusBadRequest, "status must be OPEN or RESOLVED")
			return
		}
		filter.StatusFilter = &status
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeErrorMessage(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	records, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}

	summaries := make([]models.Summary, 0, len(records))
	for _, rec := range records {
		summaries = append(summaries, rec.Summarize())
	}
	writeJSON(w, http.StatusOK, listResponse{Incidents: summaries, Count: len(summaries)})
}

func (h *Handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrAlreadyResolved), errors.Is(err, models.ErrVersionConflict):
		status = http.StatusConflict
	case errors.Is(err, models.ErrIndexUnavailable), errors.Is(err, models.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", slog.Any("error", err))
	}
	writeErrorMessage(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
