package models

// ReportRequest carries one incoming incident report.
type ReportRequest struct {
	Text      string
	Service   string
	Namespace string
	// Severity is optional; unknown or empty values fall back to the
	// configured default.
	Severity string
	// RequestToken makes retried submissions idempotent. Callers that omit it
	// accept that a retry may legitimately create a duplicate record.
	RequestToken string
}

// ReportResult is the engine's verdict for one report.
type ReportResult struct {
	Classification Classification
	Record         IncidentRecord
	Similarity     float64
	RunbookMatched bool
	RunbookMatches []RunbookMatch
	RegressionOf   string
	// Degraded is set when the durable write succeeded but the index
	// projection could not be updated and was left for the repair pass.
	Degraded bool
}

// ListFilter narrows List output. A nil StatusFilter returns every record.
type ListFilter struct {
	Namespace    string
	StatusFilter *Status
	Limit        int
}
