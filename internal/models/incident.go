package models

import "time"

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ParseSeverity maps a string onto a known severity, defaulting to MEDIUM.
func ParseSeverity(value string) Severity {
	switch Severity(value) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(value)
	default:
		return SeverityMedium
	}
}

// Status enumerates the incident lifecycle states.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusResolved Status = "RESOLVED"
)

// Classification is the identity-resolution verdict for an incoming report.
type Classification string

const (
	ClassificationNew        Classification = "NEW"
	ClassificationDuplicate  Classification = "DUPLICATE"
	ClassificationRegression Classification = "REGRESSION"
)

// History event kinds. Occurrences must equal the number of created+recurred
// events on a record.
const (
	EventCreated  = "created"
	EventRecurred = "recurred"
	EventResolved = "resolved"
)

// HistoryEvent is one entry in a record's append-only history log.
type HistoryEvent struct {
	Kind      string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor,omitempty"`
	Note      string    `json:"comment,omitempty"`
}

// RunbookMatch references a runbook that scored at or above the match threshold.
type RunbookMatch struct {
	RunbookID string  `json:"runbook_id"`
	Title     string  `json:"title"`
	Score     float64 `json:"similarity"`
}

// IncidentRecord is the authoritative durable representation of an incident.
// The similarity index carries only a projection of it; on disagreement the
// record wins.
type IncidentRecord struct {
	ID              string         `json:"incident_id"`
	Namespace       string         `json:"namespace"`
	Text            string         `json:"error_message"`
	Service         string         `json:"service"`
	Severity        Severity       `json:"severity"`
	Status          Status         `json:"status"`
	Occurrences     int            `json:"occurrences"`
	CreatedAt       time.Time      `json:"created_at"`
	LastSeen        time.Time      `json:"last_seen"`
	Runbook         *RunbookMatch  `json:"runbook,omitempty"`
	RunbookMatches  []RunbookMatch `json:"recommended_runbooks,omitempty"`
	Recommendations string         `json:"recommendations,omitempty"`
	History         []HistoryEvent `json:"history"`
	Resolution      string         `json:"resolution,omitempty"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy      string         `json:"resolved_by,omitempty"`
	RegressionOf    string         `json:"regression_of,omitempty"`
	IndexDirty      bool           `json:"index_dirty,omitempty"`
	Version         int64          `json:"version"`
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (r IncidentRecord) Clone() IncidentRecord {
	out := r
	out.History = append([]HistoryEvent(nil), r.History...)
	out.RunbookMatches = append([]RunbookMatch(nil), r.RunbookMatches...)
	if r.Runbook != nil {
		rb := *r.Runbook
		out.Runbook = &rb
	}
	if r.ResolvedAt != nil {
		ts := *r.ResolvedAt
		out.ResolvedAt = &ts
	}
	return out
}

// Summary flattens a record for list responses.
type Summary struct {
	ID           string    `json:"incident_id"`
	Service      string    `json:"service"`
	Severity     Severity  `json:"severity"`
	Status       Status    `json:"status"`
	Occurrences  int       `json:"occurrences"`
	CreatedAt    time.Time `json:"created_at"`
	LastSeen     time.Time `json:"last_seen"`
	RegressionOf string    `json:"regression_of,omitempty"`
}

// Summarize projects the record onto its list representation.
func (r IncidentRecord) Summarize() Summary {
	return Summary{
		ID:           r.ID,
		Service:      r.Service,
		Severity:     r.Severity,
		Status:       r.Status,
		Occurrences:  r.Occurrences,
		CreatedAt:    r.CreatedAt,
		LastSeen:     r.LastSeen,
		RegressionOf: r.RegressionOf,
	}
}
