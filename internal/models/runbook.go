package models

import "time"

// NamespaceGlobal is the shared scope runbooks may be published into.
const NamespaceGlobal = "global"

// RunbookRecord is a remediation procedure authored outside this engine.
// The engine reads runbooks for matching and exposes the success-counter
// increment; authoring and editing happen elsewhere.
type RunbookRecord struct {
	ID           string    `json:"runbook_id"`
	Namespace    string    `json:"namespace"`
	Title        string    `json:"title"`
	Content      string    `json:"content"`
	Tags         []string  `json:"tags,omitempty"`
	SuccessCount int       `json:"success_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Version      int64     `json:"version"`
}
