package entities

import "fmt"

// CompileErrorKind classifies compilation failures.
type CompileErrorKind string

const (
	CompileMissingCatalogMapping       CompileErrorKind = "missing_catalog_mapping"
	CompileUnresolvedRequiredPredicate CompileErrorKind = "unresolved_required_predicate"
	CompileUnsupportedAnchor           CompileErrorKind = "unsupported_anchor"
)

// CompileError reports which predicate or domain made compilation fail.
type CompileError struct {
	Kind        CompileErrorKind
	PredicateID string
	Domain      Domain
	Message     string
}

func (e *CompileError) Error() string {
	if e.PredicateID != "" {
		return fmt.Sprintf("compile error (%s) on predicate %s: %s", e.Kind, e.PredicateID, e.Message)
	}
	return fmt.Sprintf("compile error (%s): %s", e.Kind, e.Message)
}

// ExecErrorKind classifies execution failures for the repair loop.
type ExecErrorKind string

const (
	ExecSyntaxError ExecErrorKind = "syntax_error"
	ExecSchemaError ExecErrorKind = "schema_error"
	ExecTimeout     ExecErrorKind = "timeout"
)

// WarningKind classifies non-fatal funnel findings. Warnings are always
// surfaced to the caller, never suppressed.
type WarningKind string

const (
	WarnEmptyCohort    WarningKind = "empty_cohort"
	WarnSuspiciousDrop WarningKind = "suspicious_drop"
	WarnHugeCohort     WarningKind = "huge_cohort"
)

// FunnelWarning flags a step that needs operator attention.
type FunnelWarning struct {
	Kind        WarningKind `json:"kind"`
	StepLabel   string      `json:"step_label,omitempty"`
	PredicateID string      `json:"predicate_id,omitempty"`
	Detail      string      `json:"detail"`
}
