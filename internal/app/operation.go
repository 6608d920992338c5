package app

import "time"

// Operation tracks one CLI command run. It is logged when the app starts
// and again, with its outcome, when the app closes.
type Operation struct {
	ID         string
	Name       string
	Parameters string
	Status     string // "success" or "error"
	StartedAt  time.Time
	Err        error
}

// NewOperation creates an operation that has not failed yet.
func NewOperation(id, name, parameters string, startedAt time.Time) *Operation {
	return &Operation{
		ID:         id,
		Name:       name,
		Parameters: parameters,
		Status:     "success",
		StartedAt:  startedAt,
	}
}

// Fail marks the operation failed. The first error is kept.
func (op *Operation) Fail(err error) {
	if err == nil {
		return
	}
	op.Status = "error"
	if op.Err == nil {
		op.Err = err
	}
}

// Failed reports whether any step of the operation failed.
func (op *Operation) Failed() bool {
	return op.Status == "error"
}

// Duration returns the time elapsed since the operation started.
func (op *Operation) Duration(now time.Time) time.Duration {
	return now.Sub(op.StartedAt)
}
