package entities

import (
	"fmt"
	"time"
)

// Fragment is one named sub-query implementing a single predicate. The name
// doubles as the CTE name in the generated SQL ("p_I01").
type Fragment struct {
	Name        string   `json:"name"`
	PredicateID string   `json:"predicate_id"`
	Polarity    Polarity `json:"polarity"`
	Description string   `json:"description,omitempty"`
	SQL         string   `json:"sql"`
}

// QueryPlan is the compiled cohort-selection artifact. Plans are immutable:
// a repair produces a new version, never mutates one in place.
type QueryPlan struct {
	PlanID        string     `json:"plan_id"`
	Version       int        `json:"version"`
	StudyID       string     `json:"study_id"`
	SubjectColumn string     `json:"subject_column"`
	AnchorSQL     string     `json:"anchor_sql"`
	BaseSelectSQL string     `json:"base_select_sql"`
	Fragments     []Fragment `json:"fragments"`
	CohortSQL     string     `json:"cohort_sql"`
	FunnelSQL     string     `json:"funnel_sql"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Fragment returns the fragment compiled for the given predicate id.
func (p *QueryPlan) Fragment(predicateID string) (Fragment, bool) {
	for _, f := range p.Fragments {
		if f.PredicateID == predicateID {
			return f, true
		}
	}
	return Fragment{}, false
}

// InclusionFragments returns inclusion fragments in declared order.
func (p *QueryPlan) InclusionFragments() []Fragment {
	var out []Fragment
	for _, f := range p.Fragments {
		if f.Polarity == PolarityInclusion {
			out = append(out, f)
		}
	}
	return out
}

// ExclusionFragments returns exclusion fragments in declared order.
func (p *QueryPlan) ExclusionFragments() []Fragment {
	var out []Fragment
	for _, f := range p.Fragments {
		if f.Polarity == PolarityExclusion {
			out = append(out, f)
		}
	}
	return out
}

// DiffPlans reports fragment-level differences between two plan versions,
// one line per change. Used for the repair audit log.
func DiffPlans(prev, next *QueryPlan) []string {
	var diff []string
	if prev == nil {
		for _, f := range next.Fragments {
			diff = append(diff, fmt.Sprintf("+ fragment %s (%s)", f.Name, f.PredicateID))
		}
		return diff
	}

	prevByID := make(map[string]Fragment, len(prev.Fragments))
	for _, f := range prev.Fragments {
		prevByID[f.PredicateID] = f
	}
	nextIDs := make(map[string]struct{}, len(next.Fragments))

	for _, f := range next.Fragments {
		nextIDs[f.PredicateID] = struct{}{}
		old, ok := prevByID[f.PredicateID]
		switch {
		case !ok:
			diff = append(diff, fmt.Sprintf("+ fragment %s (%s)", f.Name, f.PredicateID))
		case old.SQL != f.SQL:
			diff = append(diff, fmt.Sprintf("~ fragment %s (%s): %s => %s", f.Name, f.PredicateID, old.SQL, f.SQL))
		}
	}
	for _, f := range prev.Fragments {
		if _, ok := nextIDs[f.PredicateID]; !ok {
			diff = append(diff, fmt.Sprintf("- fragment %s (%s)", f.Name, f.PredicateID))
		}
	}
	if prev.AnchorSQL != next.AnchorSQL {
		diff = append(diff, fmt.Sprintf("~ anchor: %s => %s", prev.AnchorSQL, next.AnchorSQL))
	}
	return diff
}
