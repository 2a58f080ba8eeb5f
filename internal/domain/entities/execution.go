package entities

import "time"

// ExecutionMode selects how much data an execution may materialize.
// Count mode never returns row data; preview runs only after a count.
type ExecutionMode string

const (
	ModeCount   ExecutionMode = "count"
	ModePreview ExecutionMode = "preview"
)

// ExecutionStatus is the outcome of a plan execution.
type ExecutionStatus string

const (
	ExecutionOK    ExecutionStatus = "ok"
	ExecutionError ExecutionStatus = "error"
)

// ExecutionResult is the outcome of running a query plan.
type ExecutionResult struct {
	Status      ExecutionStatus  `json:"status"`
	RowCount    int64            `json:"row_count"`
	Timing      time.Duration    `json:"timing"`
	ErrorKind   ExecErrorKind    `json:"error_kind,omitempty"`
	Error       string           `json:"error,omitempty"`
	PreviewRows []map[string]any `json:"preview_rows,omitempty"`
}

// RepairAttempt records one iteration of the bounded repair loop, with the
// plan diff against the previous version for auditability.
type RepairAttempt struct {
	Attempt     int           `json:"attempt"`
	ErrorKind   ExecErrorKind `json:"error_kind"`
	Error       string        `json:"error"`
	PlanVersion int           `json:"plan_version"`
	Diff        []string      `json:"diff,omitempty"`
	DemotedID   string        `json:"demoted_predicate_id,omitempty"`
	At          time.Time     `json:"at"`
}
