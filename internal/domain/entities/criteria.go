package entities

import (
	"fmt"
)

// Polarity says whether a predicate admits or removes subjects.
type Polarity string

const (
	PolarityInclusion Polarity = "inclusion"
	PolarityExclusion Polarity = "exclusion"
)

// Domain is the clinical domain a predicate draws its events from.
type Domain string

const (
	DomainDemographic Domain = "demographic"
	DomainDiagnosis   Domain = "diagnosis"
	DomainProcedure   Domain = "procedure"
	DomainDrug        Domain = "drug"
	DomainLab         Domain = "lab"
	DomainEnrollment  Domain = "enrollment"
	DomainObservation Domain = "observation"
)

// Verifiability classifies whether a predicate can be enforced by a query
// against real-world data.
type Verifiability string

const (
	VerifiabilityRWD        Verifiability = "rwd"
	VerifiabilityPartialRWD Verifiability = "partial_rwd"
	VerifiabilityNonRWD     Verifiability = "non_rwd"
)

// MatchingLogic says how resolved codes are matched against source columns.
type MatchingLogic string

const (
	MatchExact      MatchingLogic = "exact"
	MatchWildcard   MatchingLogic = "wildcard"
	MatchHierarchy  MatchingLogic = "hierarchy"
	MatchIngredient MatchingLogic = "ingredient"
)

// Confidence is the resolver's self-reported confidence in a mapping.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// TemporalWindow bounds event dates relative to a named anchor, or to a
// named period when During is set.
type TemporalWindow struct {
	Reference  string `json:"reference"`
	BeforeDays *int   `json:"before_days,omitempty"`
	AfterDays  *int   `json:"after_days,omitempty"`
	During     string `json:"during,omitempty"`
}

// Validate checks window consistency
func (w *TemporalWindow) Validate() error {
	if w.Reference == "" && w.During == "" {
		return fmt.Errorf("temporal window requires a reference anchor or a named period")
	}
	if w.During != "" && (w.BeforeDays != nil || w.AfterDays != nil) {
		return fmt.Errorf("temporal window cannot combine a named period with day offsets")
	}
	if w.BeforeDays != nil && *w.BeforeDays < 0 {
		return fmt.Errorf("before_days must be non-negative")
	}
	if w.AfterDays != nil && *w.AfterDays < 0 {
		return fmt.Errorf("after_days must be non-negative")
	}
	return nil
}

// ValueConstraint is a numeric comparison against a measurement or
// demographic attribute. Range is only used with the "between" operator.
type ValueConstraint struct {
	Operator string     `json:"operator"`
	Value    float64    `json:"value,omitempty"`
	Range    [2]float64 `json:"range,omitempty"`
	Unit     string     `json:"unit,omitempty"`
}

// Validate checks operator and range ordering
func (v *ValueConstraint) Validate() error {
	switch v.Operator {
	case ">=", "<=", ">", "<", "=":
		return nil
	case "between":
		if v.Range[0] > v.Range[1] {
			return fmt.Errorf("between range is out of order: low %v > high %v", v.Range[0], v.Range[1])
		}
		return nil
	default:
		return fmt.Errorf("unknown value operator %q", v.Operator)
	}
}

// CountConstraint requires a number (or proportion) of qualifying events.
type CountConstraint struct {
	Operator   string  `json:"operator"`
	Count      int     `json:"count,omitempty"`
	CountRange [2]int  `json:"count_range,omitempty"`
	WithinDays int     `json:"within_days,omitempty"`
	Proportion float64 `json:"proportion,omitempty"`
}

// Validate checks operator, range ordering and proportion bounds
func (c *CountConstraint) Validate() error {
	switch c.Operator {
	case ">=", "<=", "=":
	case "between":
		if c.CountRange[0] > c.CountRange[1] {
			return fmt.Errorf("count range is out of order: low %d > high %d", c.CountRange[0], c.CountRange[1])
		}
	default:
		return fmt.Errorf("unknown count operator %q", c.Operator)
	}
	if c.Proportion < 0 || c.Proportion > 1 {
		return fmt.Errorf("proportion must be in (0,1], got %v", c.Proportion)
	}
	if c.WithinDays < 0 {
		return fmt.Errorf("within_days must be non-negative")
	}
	return nil
}

// AlternativeResolution is a secondary code mapping offered by the
// resolver. The compiler never uses alternatives unless the caller
// explicitly re-selects one into the primary resolution.
type AlternativeResolution struct {
	CodeSystem    string        `json:"code_system"`
	CodeValues    []string      `json:"code_values"`
	MatchingLogic MatchingLogic `json:"matching_logic"`
	Note          string        `json:"note,omitempty"`
}

// ConceptResolution maps a clinical concept to dataset-specific codes.
type ConceptResolution struct {
	Resolved      bool                    `json:"resolved"`
	CodeSystem    string                  `json:"code_system,omitempty"`
	CodeValues    []string                `json:"code_values,omitempty"`
	MatchingLogic MatchingLogic           `json:"matching_logic,omitempty"`
	Confidence    Confidence              `json:"confidence,omitempty"`
	Alternatives  []AlternativeResolution `json:"alternatives,omitempty"`
}

// Predicate is a single inclusion or exclusion criterion.
type Predicate struct {
	ID              string             `json:"id"`
	Description     string             `json:"description,omitempty"`
	Polarity        Polarity           `json:"polarity"`
	Domain          Domain             `json:"domain"`
	Concept         string             `json:"concept"`
	Resolution      *ConceptResolution `json:"concept_resolution,omitempty"`
	Temporal        *TemporalWindow    `json:"temporal_window,omitempty"`
	Value           *ValueConstraint   `json:"value_constraint,omitempty"`
	Count           *CountConstraint   `json:"count_constraint,omitempty"`
	Verifiability   Verifiability      `json:"verifiability"`
	NeedsDefinition bool               `json:"needs_definition,omitempty"`
}

// Validate checks structural consistency of the predicate
func (p *Predicate) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("predicate id is required")
	}
	if p.Polarity != PolarityInclusion && p.Polarity != PolarityExclusion {
		return fmt.Errorf("predicate %s: unknown polarity %q", p.ID, p.Polarity)
	}
	switch p.Domain {
	case DomainDemographic, DomainDiagnosis, DomainProcedure, DomainDrug,
		DomainLab, DomainEnrollment, DomainObservation:
	default:
		return fmt.Errorf("predicate %s: unknown domain %q", p.ID, p.Domain)
	}
	switch p.Verifiability {
	case VerifiabilityRWD, VerifiabilityPartialRWD, VerifiabilityNonRWD:
	default:
		return fmt.Errorf("predicate %s: unknown verifiability %q", p.ID, p.Verifiability)
	}
	if p.Temporal != nil {
		if err := p.Temporal.Validate(); err != nil {
			return fmt.Errorf("predicate %s: %w", p.ID, err)
		}
	}
	if p.Value != nil {
		if err := p.Value.Validate(); err != nil {
			return fmt.Errorf("predicate %s: %w", p.ID, err)
		}
	}
	if p.Count != nil {
		if err := p.Count.Validate(); err != nil {
			return fmt.Errorf("predicate %s: %w", p.ID, err)
		}
	}
	return nil
}

// NeedsCodeResolution reports whether this predicate requires concept codes
// before it can be compiled. Demographic and enrollment predicates filter on
// attribute columns directly.
func (p *Predicate) NeedsCodeResolution() bool {
	switch p.Domain {
	case DomainDemographic, DomainEnrollment:
		return false
	}
	return true
}

// IsResolved reports whether a usable primary resolution is present.
func (p *Predicate) IsResolved() bool {
	return p.Resolution != nil && p.Resolution.Resolved && len(p.Resolution.CodeValues) > 0
}

// Compilable reports whether this predicate can become a query fragment.
func (p *Predicate) Compilable() bool {
	if p.Verifiability == VerifiabilityNonRWD || p.NeedsDefinition {
		return false
	}
	if p.NeedsCodeResolution() && !p.IsResolved() {
		return false
	}
	return true
}

// Gap records a predicate that could not be resolved or compiled. Gaps stay
// in the audit trail; they never silently vanish.
type Gap struct {
	PredicateID        string `json:"predicate_id"`
	Issue              string `json:"issue"`
	ProposedResolution string `json:"proposed_resolution,omitempty"`
	RequiresUserInput  bool   `json:"requires_user_input"`
}

// AnchorKind selects the index-date derivation rule.
type AnchorKind string

const (
	// AnchorEnrollmentStart uses the enrollment period start date.
	AnchorEnrollmentStart AnchorKind = "enrollment_start"
	// AnchorFirstEvent uses the date of the first qualifying event in a
	// domain, qualified by a code prefix.
	AnchorFirstEvent AnchorKind = "first_event"
)

// AnchorRule derives the index date every temporal window is measured from.
type AnchorRule struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Kind        AnchorKind `json:"kind"`
	Domain      Domain     `json:"domain,omitempty"`
	CodePrefix  string     `json:"code_prefix,omitempty"`
}

// CriteriaSet is the single source of truth for one eligibility session.
type CriteriaSet struct {
	StudyID    string      `json:"study_id"`
	Version    int         `json:"version"`
	Anchor     AnchorRule  `json:"anchor"`
	Predicates []Predicate `json:"predicates"`
	Gaps       []Gap       `json:"gaps,omitempty"`
}

// NewCriteriaSet validates and constructs a criteria set. Validation happens
// here, not at query-execution time.
func NewCriteriaSet(studyID string, anchor AnchorRule, predicates []Predicate) (*CriteriaSet, error) {
	if studyID == "" {
		return nil, fmt.Errorf("study id is required")
	}
	if anchor.Name == "" {
		return nil, fmt.Errorf("anchor rule name is required")
	}
	seen := make(map[string]struct{}, len(predicates))
	for i := range predicates {
		p := &predicates[i]
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("duplicate predicate id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return &CriteriaSet{
		StudyID:    studyID,
		Version:    1,
		Anchor:     anchor,
		Predicates: predicates,
	}, nil
}

// Predicate returns the predicate with the given id.
func (cs *CriteriaSet) Predicate(id string) (*Predicate, bool) {
	for i := range cs.Predicates {
		if cs.Predicates[i].ID == id {
			return &cs.Predicates[i], true
		}
	}
	return nil, false
}

// PredicateIDs returns all predicate ids in declared order.
func (cs *CriteriaSet) PredicateIDs() []string {
	ids := make([]string, 0, len(cs.Predicates))
	for i := range cs.Predicates {
		ids = append(ids, cs.Predicates[i].ID)
	}
	return ids
}

// AddGap appends a gap entry for a predicate.
func (cs *CriteriaSet) AddGap(g Gap) {
	cs.Gaps = append(cs.Gaps, g)
}

// HasGap reports whether a gap is already recorded for the predicate.
func (cs *CriteriaSet) HasGap(predicateID string) bool {
	for _, g := range cs.Gaps {
		if g.PredicateID == predicateID {
			return true
		}
	}
	return false
}

// UnresolvedRequired returns the ids of rwd/partial_rwd predicates that
// still need a code resolution and have no gap recorded for them.
func (cs *CriteriaSet) UnresolvedRequired() []string {
	var ids []string
	for i := range cs.Predicates {
		p := &cs.Predicates[i]
		if p.Verifiability == VerifiabilityNonRWD {
			continue
		}
		if p.NeedsCodeResolution() && !p.IsResolved() && !cs.HasGap(p.ID) {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// CheckCompileInvariants enforces the pre-compilation invariants: every
// rwd exclusion predicate must carry a resolved concept.
func (cs *CriteriaSet) CheckCompileInvariants() error {
	for i := range cs.Predicates {
		p := &cs.Predicates[i]
		if p.Polarity == PolarityExclusion && p.Verifiability == VerifiabilityRWD &&
			p.NeedsCodeResolution() && !p.IsResolved() && !cs.HasGap(p.ID) {
			return fmt.Errorf("exclusion predicate %s must be resolved before compilation", p.ID)
		}
	}
	return nil
}

// Clone returns a deep copy. Engines receive clones, never the
// orchestrator-owned instance.
func (cs *CriteriaSet) Clone() *CriteriaSet {
	out := &CriteriaSet{
		StudyID: cs.StudyID,
		Version: cs.Version,
		Anchor:  cs.Anchor,
	}
	out.Predicates = make([]Predicate, len(cs.Predicates))
	for i := range cs.Predicates {
		p := cs.Predicates[i]
		if p.Resolution != nil {
			r := *p.Resolution
			r.CodeValues = append([]string(nil), p.Resolution.CodeValues...)
			r.Alternatives = append([]AlternativeResolution(nil), p.Resolution.Alternatives...)
			p.Resolution = &r
		}
		if p.Temporal != nil {
			w := *p.Temporal
			p.Temporal = &w
		}
		if p.Value != nil {
			v := *p.Value
			p.Value = &v
		}
		if p.Count != nil {
			c := *p.Count
			p.Count = &c
		}
		out.Predicates[i] = p
	}
	out.Gaps = append([]Gap(nil), cs.Gaps...)
	return out
}
