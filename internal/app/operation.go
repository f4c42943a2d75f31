package app

import (
	"context"
	"errors"
)

// Run statuses stored in the run database.
const (
	StatusRunning   = "running"
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// RunOperation tracks one harvest run. It is created in memory with ID=0
// and gets its sequence number when the run is recorded in the database.
type RunOperation struct {
	ID     int64
	RunID  string
	Status string
}

// NewRunOperation creates a new in-memory run operation.
func NewRunOperation(runID string) *RunOperation {
	return &RunOperation{RunID: runID, Status: StatusRunning}
}

// Persisted returns true if this run has been recorded in the database.
func (op *RunOperation) Persisted() bool {
	return op.ID != 0
}

// Finish sets the final status from the error the run ended with.
func (op *RunOperation) Finish(err error) {
	switch {
	case err == nil:
		op.Status = StatusSuccess
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		op.Status = StatusCancelled
	default:
		op.Status = StatusError
	}
}
