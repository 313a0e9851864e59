package utils

import "strings"

// OpError ties a failure to the named engine operation that produced it,
// such as "weaviate.upsert" or "store.put". Detail carries the backend's
// response text and may be empty.
type OpError struct {
	Op     string
	Detail string
	Err    error
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// NewOpError constructs an OpError.
func NewOpError(op, detail string, err error) error {
	return &OpError{Op: op, Detail: detail, Err: err}
}
