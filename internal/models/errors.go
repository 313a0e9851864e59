package models

import "errors"

// Typed failure conditions surfaced by the engine. Callers branch on these
// with errors.Is; transient backend failures are never silently converted
// into a NEW classification.
var (
	// ErrIndexUnavailable means the similarity backend could not be reached.
	// Distinct from an empty result: "no match found" is not an error.
	ErrIndexUnavailable = errors.New("similarity index unavailable")

	// ErrStoreUnavailable means the durable record store could not be reached.
	ErrStoreUnavailable = errors.New("record store unavailable")

	// ErrVersionConflict signals a lost-update detected by compare-and-swap.
	ErrVersionConflict = errors.New("version conflict")

	// ErrNotFound signals an unknown incident or runbook id.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyResolved signals a conflicting resolve on a resolved record.
	ErrAlreadyResolved = errors.New("incident already resolved")

	// ErrValidation signals malformed caller input, e.g. empty report text.
	ErrValidation = errors.New("invalid input")
)
