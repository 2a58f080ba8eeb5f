package entities

// Reserved step identifiers for the funnel boundaries.
const (
	FunnelStepBase  = "base"
	FunnelStepFinal = "final"
)

// FunnelStep is one row of the attrition report.
type FunnelStep struct {
	Label         string  `json:"step_label"`
	PredicateID   string  `json:"predicate_id"`
	Count         int64   `json:"count"`
	PercentOfBase float64 `json:"percent_of_base"`
}

// ResultBundle is the full session output handed to the caller: criteria
// snapshot, plan text, execution outcome, funnel, gaps and warnings.
type ResultBundle struct {
	Criteria  *CriteriaSet     `json:"criteria"`
	Plan      *QueryPlan       `json:"plan,omitempty"`
	Execution *ExecutionResult `json:"execution,omitempty"`
	Funnel    []FunnelStep     `json:"funnel,omitempty"`
	Warnings  []FunnelWarning  `json:"warnings,omitempty"`
	RepairLog []RepairAttempt  `json:"repair_log,omitempty"`
}
