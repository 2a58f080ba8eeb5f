package services

import (
	"strings"

	"github.com/rwdstudio/cohortengine/internal/domain/entities"
)

// unitConversion rescales a value reported in an alternative unit into the
// concept's standard unit: standard = value*factor + offset.
type unitConversion struct {
	unit   string
	factor float64
	offset float64
}

type unitInfo struct {
	standard     string
	alternatives []unitConversion
}

// labUnits maps common lab concepts to the unit their reference ranges are
// quoted in, plus the alternative units that show up in claims feeds.
var labUnits = map[string]unitInfo{
	"egfr":       {standard: "mL/min/1.73m²"},
	"hba1c":      {standard: "%", alternatives: []unitConversion{{unit: "mmol/mol", factor: 1 / 10.929, offset: 2.15}}},
	"glucose":    {standard: "mg/dL", alternatives: []unitConversion{{unit: "mmol/L", factor: 18.0}}},
	"creatinine": {standard: "mg/dL", alternatives: []unitConversion{{unit: "µmol/L", factor: 1 / 88.4}}},
	"uacr":       {standard: "mg/g", alternatives: []unitConversion{{unit: "mg/mmol", factor: 0.113}}},
	"ldl":        {standard: "mg/dL", alternatives: []unitConversion{{unit: "mmol/L", factor: 38.67}}},
	"hdl":        {standard: "mg/dL", alternatives: []unitConversion{{unit: "mmol/L", factor: 38.67}}},
}

func normalizeLabConcept(concept string) string {
	s := strings.ToLower(concept)
	s = strings.ReplaceAll(s, " ", "")
	return strings.ReplaceAll(s, "_", "")
}

// standardUnitFor returns the standard reporting unit for a lab concept.
func standardUnitFor(concept string) (string, bool) {
	info, ok := labUnits[normalizeLabConcept(concept)]
	if !ok {
		return "", false
	}
	return info.standard, true
}

// convertToStandard rescales a value expressed in the given unit into the
// concept's standard unit. Returns false when the concept or the unit has
// no known conversion.
func convertToStandard(concept, unit string, value float64) (float64, bool) {
	info, ok := labUnits[normalizeLabConcept(concept)]
	if !ok {
		return 0, false
	}
	unit = strings.TrimSpace(unit)
	if strings.EqualFold(unit, info.standard) {
		return value, true
	}
	for _, alt := range info.alternatives {
		if strings.EqualFold(unit, alt.unit) {
			return value*alt.factor + alt.offset, true
		}
	}
	return 0, false
}

// unitScopedConstraint rewrites a value constraint so it only compares
// against rows recorded in a comparable unit. Known units are converted to
// the concept's standard unit; an unrecognized unit keeps the raw numbers
// and scopes the comparison to rows carrying that exact unit.
func unitScopedConstraint(p *entities.Predicate) (entities.ValueConstraint, string) {
	vc := *p.Value
	unit := strings.TrimSpace(vc.Unit)

	std, known := standardUnitFor(p.Concept)
	if !known {
		return vc, unit
	}
	if strings.EqualFold(unit, std) {
		return vc, std
	}

	value, ok := convertToStandard(p.Concept, unit, vc.Value)
	lo, okLo := convertToStandard(p.Concept, unit, vc.Range[0])
	hi, okHi := convertToStandard(p.Concept, unit, vc.Range[1])
	if !ok || !okLo || !okHi {
		return vc, unit
	}

	vc.Value = value
	vc.Range = [2]float64{lo, hi}
	return vc, std
}
