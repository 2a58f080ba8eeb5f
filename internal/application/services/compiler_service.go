package services

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/rwdstudio/cohortengine/internal/domain/entities"
	"github.com/rwdstudio/cohortengine/internal/infrastructure/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CohortCompiler turns a criteria set into an executable query plan. The
// compiler is stateless; it never mutates the criteria set it is given.
type CohortCompiler struct {
	dialect goqu.DialectWrapper
	driver  string
	metrics *observability.Metrics
}

// NewCohortCompiler creates a compiler for the given driver ("postgres" or
// "sqlite3"). metrics may be nil.
func NewCohortCompiler(driver string, metrics *observability.Metrics) *CohortCompiler {
	dialectName := "postgres"
	if driver == "sqlite3" {
		dialectName = "sqlite3"
	}
	return &CohortCompiler{
		dialect: goqu.Dialect(dialectName),
		driver:  driver,
		metrics: metrics,
	}
}

var fragmentNameSanitizer = regexp.MustCompile(`[^A-Za-z0-9_]`)

// FragmentName derives the CTE name for a predicate id.
func FragmentName(predicateID string) string {
	return "p_" + fragmentNameSanitizer.ReplaceAllString(predicateID, "_")
}

// Compile builds a query plan at the given version. Predicates that are not
// compilable (non-rwd, unresolved with a recorded gap, needs definition) are
// skipped; an unresolved rwd predicate with no gap is a compile error.
func (c *CohortCompiler) Compile(ctx context.Context, criteria *entities.CriteriaSet, catalog *entities.SchemaCatalog, version int) (*entities.QueryPlan, error) {
	ctx, span := observability.StartSpan(ctx, "compiler.Compile")
	defer span.End()
	observability.SetSpanAttributes(span,
		attribute.String("study_id", criteria.StudyID),
		attribute.Int("criteria_version", criteria.Version),
	)

	if err := criteria.CheckCompileInvariants(); err != nil {
		return nil, &entities.CompileError{
			Kind:    entities.CompileUnresolvedRequiredPredicate,
			Message: err.Error(),
		}
	}
	if ids := criteria.UnresolvedRequired(); len(ids) > 0 {
		return nil, &entities.CompileError{
			Kind:        entities.CompileUnresolvedRequiredPredicate,
			PredicateID: ids[0],
			Message:     fmt.Sprintf("predicate %s has no concept resolution and no recorded gap", ids[0]),
		}
	}

	anchorSQL, err := c.buildAnchorSQL(&criteria.Anchor, catalog)
	if err != nil {
		return nil, err
	}
	baseSQL, err := c.buildBaseSelect(catalog)
	if err != nil {
		return nil, err
	}

	fragments := make([]entities.Fragment, 0, len(criteria.Predicates))
	for i := range criteria.Predicates {
		p := &criteria.Predicates[i]
		if !p.Compilable() {
			continue
		}
		fragSQL, err := c.buildFragmentSQL(p, catalog)
		if err != nil {
			return nil, err
		}
		description := p.Description
		if description == "" {
			description = p.Concept
		}
		fragments = append(fragments, entities.Fragment{
			Name:        FragmentName(p.ID),
			PredicateID: p.ID,
			Polarity:    p.Polarity,
			Description: description,
			SQL:         fragSQL,
		})
	}

	plan := &entities.QueryPlan{
		PlanID:        uuid.NewString(),
		Version:       version,
		StudyID:       criteria.StudyID,
		SubjectColumn: "subject_id",
		AnchorSQL:     anchorSQL,
		BaseSelectSQL: baseSQL,
		Fragments:     fragments,
		CreatedAt:     time.Now().UTC(),
	}
	plan.CohortSQL = composeSelection(plan, plan.InclusionFragments(), plan.ExclusionFragments())
	plan.FunnelSQL = composeFunnel(plan)

	if c.metrics != nil {
		c.metrics.CompileCount.Add(ctx, 1, metric.WithAttributes(
			attribute.String("study_id", criteria.StudyID),
		))
	}
	observability.LoggerFromContext(ctx).Info().
		Str("study_id", criteria.StudyID).Int("version", version).
		Int("fragments", len(fragments)).Int("gaps", len(criteria.Gaps)).
		Msg("compiled query plan")
	return plan, nil
}

func (c *CohortCompiler) buildAnchorSQL(anchor *entities.AnchorRule, catalog *entities.SchemaCatalog) (string, error) {
	switch anchor.Kind {
	case entities.AnchorEnrollmentStart:
		mapping, ok := catalog.Mapping(entities.DomainEnrollment)
		if !ok || mapping.Table == "" || mapping.StartColumn == "" {
			return "", &entities.CompileError{
				Kind:    entities.CompileMissingCatalogMapping,
				Domain:  entities.DomainEnrollment,
				Message: "no enrollment mapping for the enrollment_start anchor",
			}
		}
		ds := c.dialect.From(mapping.Table).
			Select(
				goqu.C(mapping.SubjectColumn).As("subject_id"),
				goqu.MIN(goqu.C(mapping.StartColumn)).As("index_date"),
			).
			GroupBy(goqu.C(mapping.SubjectColumn))
		return toSQL(ds)

	case entities.AnchorFirstEvent:
		mapping, ok := catalog.Mapping(anchor.Domain)
		if !ok || mapping.Table == "" || mapping.DateColumn == "" || len(mapping.CodeColumns) == 0 {
			return "", &entities.CompileError{
				Kind:    entities.CompileMissingCatalogMapping,
				Domain:  anchor.Domain,
				Message: fmt.Sprintf("no event mapping for the first_event anchor in domain %s", anchor.Domain),
			}
		}
		if anchor.CodePrefix == "" {
			return "", &entities.CompileError{
				Kind:    entities.CompileUnsupportedAnchor,
				Message: "first_event anchor requires a code prefix",
			}
		}
		codeConds := make([]exp.Expression, 0, len(mapping.CodeColumns))
		for _, col := range mapping.CodeColumns {
			codeConds = append(codeConds, goqu.C(col).Like(anchor.CodePrefix+"%"))
		}
		ds := c.dialect.From(mapping.Table).
			Select(
				goqu.C(mapping.SubjectColumn).As("subject_id"),
				goqu.MIN(goqu.C(mapping.DateColumn)).As("index_date"),
			).
			Where(goqu.Or(codeConds...)).
			GroupBy(goqu.C(mapping.SubjectColumn))
		return toSQL(ds)

	default:
		return "", &entities.CompileError{
			Kind:    entities.CompileUnsupportedAnchor,
			Message: fmt.Sprintf("unsupported anchor kind %q", anchor.Kind),
		}
	}
}

func (c *CohortCompiler) buildBaseSelect(catalog *entities.SchemaCatalog) (string, error) {
	mapping, ok := catalog.Mapping(entities.DomainDemographic)
	if !ok || mapping.Table == "" {
		return "", &entities.CompileError{
			Kind:    entities.CompileMissingCatalogMapping,
			Domain:  entities.DomainDemographic,
			Message: "no demographic mapping for the base population",
		}
	}
	ds := c.dialect.From(mapping.Table).
		SelectDistinct(goqu.C(mapping.SubjectColumn).As("subject_id"))
	return toSQL(ds)
}

func (c *CohortCompiler) buildFragmentSQL(p *entities.Predicate, catalog *entities.SchemaCatalog) (string, error) {
	switch p.Domain {
	case entities.DomainDemographic:
		return c.buildDemographicFragment(p, catalog)
	case entities.DomainEnrollment:
		return c.buildEnrollmentFragment(p, catalog)
	default:
		return c.buildEventFragment(p, catalog)
	}
}

func (c *CohortCompiler) buildDemographicFragment(p *entities.Predicate, catalog *entities.SchemaCatalog) (string, error) {
	mapping, ok := catalog.Mapping(entities.DomainDemographic)
	if !ok || mapping.Table == "" {
		return "", missingMapping(p, "no demographic table mapping")
	}
	attrCol, ok := mapping.AttributeColumns[strings.ToLower(strings.TrimSpace(p.Concept))]
	if !ok {
		return "", missingMapping(p, fmt.Sprintf("no attribute column for concept %q", p.Concept))
	}

	var cond exp.Expression
	switch {
	case p.Value != nil:
		var err error
		cond, err = compareColumn(goqu.C(attrCol), p.Value)
		if err != nil {
			return "", missingMapping(p, err.Error())
		}
	case p.Resolution != nil && len(p.Resolution.CodeValues) > 0:
		cond = goqu.C(attrCol).In(toAnySlice(p.Resolution.CodeValues))
	default:
		return "", missingMapping(p, "demographic predicate needs a value constraint or categorical values")
	}

	ds := c.dialect.From(mapping.Table).
		SelectDistinct(goqu.C(mapping.SubjectColumn).As("subject_id")).
		Where(cond)
	return toSQL(ds)
}

func (c *CohortCompiler) buildEnrollmentFragment(p *entities.Predicate, catalog *entities.SchemaCatalog) (string, error) {
	mapping, ok := catalog.Mapping(entities.DomainEnrollment)
	if !ok || mapping.Table == "" || mapping.StartColumn == "" || mapping.EndColumn == "" {
		return "", missingMapping(p, "no enrollment period mapping")
	}

	e := goqu.T(mapping.Table).As("e")
	ds := c.dialect.From(e)

	if p.Temporal != nil {
		index := goqu.I("a.index_date")
		ds = ds.Join(goqu.T("anchor").As("a"),
			goqu.On(goqu.I("e."+mapping.SubjectColumn).Eq(goqu.I("a.subject_id"))))

		lower, upper := exp.Expression(index), exp.Expression(index)
		if p.Temporal.BeforeDays != nil {
			lower = c.shiftDate(index, -*p.Temporal.BeforeDays)
		}
		if p.Temporal.AfterDays != nil {
			upper = c.shiftDate(index, *p.Temporal.AfterDays)
		}
		// continuous coverage of the whole window
		ds = ds.Where(
			goqu.I("e."+mapping.StartColumn).Lte(lower),
			goqu.I("e."+mapping.EndColumn).Gte(upper),
		)
	}

	ds = ds.SelectDistinct(goqu.I("e." + mapping.SubjectColumn).As("subject_id"))
	return toSQL(ds)
}

func (c *CohortCompiler) buildEventFragment(p *entities.Predicate, catalog *entities.SchemaCatalog) (string, error) {
	mapping, ok := catalog.Mapping(p.Domain)
	if !ok || mapping.Table == "" || len(mapping.CodeColumns) == 0 {
		return "", missingMapping(p, fmt.Sprintf("no event mapping for domain %s", p.Domain))
	}

	subject := goqu.I("t." + mapping.SubjectColumn)
	t := goqu.T(mapping.Table).As("t")
	ds := c.dialect.From(t)

	codeCond, err := c.codeMatch(p, mapping)
	if err != nil {
		return "", err
	}

	var conds []exp.Expression

	if p.Temporal != nil {
		if mapping.DateColumn == "" {
			return "", missingMapping(p, fmt.Sprintf("domain %s has no date column for temporal windows", p.Domain))
		}
		date := goqu.I("t." + mapping.DateColumn)

		if p.Temporal.During != "" {
			enroll, ok := catalog.Mapping(entities.DomainEnrollment)
			if !ok || enroll.Table == "" {
				return "", missingMapping(p, "temporal window names a period but no enrollment mapping exists")
			}
			ds = ds.Join(goqu.T(enroll.Table).As("e"),
				goqu.On(subject.Eq(goqu.I("e."+enroll.SubjectColumn))))
			conds = append(conds,
				date.Gte(goqu.I("e."+enroll.StartColumn)),
				date.Lte(goqu.I("e."+enroll.EndColumn)),
			)
		} else {
			index := goqu.I("a.index_date")
			ds = ds.Join(goqu.T("anchor").As("a"),
				goqu.On(subject.Eq(goqu.I("a.subject_id"))))

			switch {
			case p.Temporal.BeforeDays != nil && p.Temporal.AfterDays != nil:
				conds = append(conds,
					date.Gte(c.shiftDate(index, -*p.Temporal.BeforeDays)),
					date.Lte(c.shiftDate(index, *p.Temporal.AfterDays)))
			case p.Temporal.BeforeDays != nil:
				conds = append(conds,
					date.Gte(c.shiftDate(index, -*p.Temporal.BeforeDays)),
					date.Lte(index))
			case p.Temporal.AfterDays != nil:
				conds = append(conds,
					date.Gte(index),
					date.Lte(c.shiftDate(index, *p.Temporal.AfterDays)))
			default:
				// history predicate: any time on or before the index date
				conds = append(conds, date.Lte(index))
			}
		}
	}

	if p.Value != nil {
		if mapping.ValueColumn == "" {
			return "", missingMapping(p, fmt.Sprintf("domain %s has no value column for value constraints", p.Domain))
		}
		vc := p.Value
		if vc.Unit != "" && mapping.UnitColumn != "" {
			scoped, unit := unitScopedConstraint(p)
			vc = &scoped
			conds = append(conds, goqu.I("t."+mapping.UnitColumn).Eq(unit))
		}
		valueCond, err := compareColumn(goqu.I("t."+mapping.ValueColumn), vc)
		if err != nil {
			return "", missingMapping(p, err.Error())
		}
		conds = append(conds, valueCond)
	}

	// Proportion constraints count all of a subject's rows in the window
	// and require the code-matched share to reach the threshold, so the
	// code condition moves from WHERE into a conditional sum.
	if p.Count != nil && p.Count.Proportion > 0 {
		having := goqu.L("SUM(CASE WHEN ? THEN 1 ELSE 0 END) >= ? * COUNT(*)",
			codeCond, p.Count.Proportion)
		ds = ds.Where(conds...).
			Select(subject.As("subject_id")).
			GroupBy(subject).
			Having(having)
		return toSQL(ds)
	}

	conds = append(conds, codeCond)
	ds = ds.Where(conds...)

	if p.Count != nil {
		having, err := c.countHaving(p.Count, mapping)
		if err != nil {
			return "", missingMapping(p, err.Error())
		}
		ds = ds.Select(subject.As("subject_id")).
			GroupBy(subject).
			Having(having...)
		return toSQL(ds)
	}

	ds = ds.SelectDistinct(subject.As("subject_id"))
	return toSQL(ds)
}

func (c *CohortCompiler) codeMatch(p *entities.Predicate, mapping entities.DomainMapping) (exp.Expression, error) {
	res := p.Resolution
	if res == nil || len(res.CodeValues) == 0 {
		return nil, missingMapping(p, "predicate has no resolved codes")
	}

	logic := res.MatchingLogic
	if logic == "" {
		logic = entities.MatchExact
	}

	switch logic {
	case entities.MatchExact:
		conds := make([]exp.Expression, 0, len(mapping.CodeColumns))
		for _, col := range mapping.CodeColumns {
			conds = append(conds, goqu.I("t."+col).In(toAnySlice(res.CodeValues)))
		}
		return goqu.Or(conds...), nil

	case entities.MatchWildcard:
		var conds []exp.Expression
		for _, col := range mapping.CodeColumns {
			for _, code := range res.CodeValues {
				prefix := strings.TrimRight(code, "%*")
				conds = append(conds, goqu.I("t."+col).Like(prefix+"%"))
			}
		}
		return goqu.Or(conds...), nil

	case entities.MatchHierarchy:
		if mapping.ReferenceTable == "" || mapping.ReferenceCodeColumn == "" {
			return nil, missingMapping(p, fmt.Sprintf("domain %s has no reference table for hierarchy matching", p.Domain))
		}
		var prefixConds []exp.Expression
		for _, code := range res.CodeValues {
			prefix := strings.TrimRight(code, "%*")
			prefixConds = append(prefixConds, goqu.C(mapping.ReferenceCodeColumn).Like(prefix+"%"))
		}
		descendants := c.dialect.From(mapping.ReferenceTable).
			Select(goqu.C(mapping.ReferenceCodeColumn)).
			Where(goqu.Or(prefixConds...))
		conds := make([]exp.Expression, 0, len(mapping.CodeColumns))
		for _, col := range mapping.CodeColumns {
			conds = append(conds, goqu.I("t."+col).In(descendants))
		}
		return goqu.Or(conds...), nil

	case entities.MatchIngredient:
		if mapping.ClassColumn == "" {
			return nil, missingMapping(p, fmt.Sprintf("domain %s has no class column for ingredient matching", p.Domain))
		}
		return goqu.I("t." + mapping.ClassColumn).In(toAnySlice(res.CodeValues)), nil

	default:
		return nil, missingMapping(p, fmt.Sprintf("unknown matching logic %q", logic))
	}
}

func (c *CohortCompiler) countHaving(cc *entities.CountConstraint, mapping entities.DomainMapping) ([]exp.Expression, error) {
	var having []exp.Expression
	count := goqu.COUNT(goqu.Star())

	switch cc.Operator {
	case ">=":
		having = append(having, count.Gte(cc.Count))
	case "<=":
		having = append(having, count.Lte(cc.Count))
	case "=":
		having = append(having, count.Eq(cc.Count))
	case "between":
		having = append(having,
			count.Gte(cc.CountRange[0]),
			count.Lte(cc.CountRange[1]))
	default:
		return nil, fmt.Errorf("unknown count operator %q", cc.Operator)
	}

	if cc.WithinDays > 0 {
		if mapping.DateColumn == "" {
			return nil, fmt.Errorf("within_days requires a date column")
		}
		date := goqu.I("t." + mapping.DateColumn)
		if c.driver == "sqlite3" {
			having = append(having,
				goqu.L("julianday(MAX(?)) - julianday(MIN(?)) <= ?", date, date, cc.WithinDays))
		} else {
			having = append(having,
				goqu.L("MAX(?) - MIN(?) <= ?", date, date, cc.WithinDays))
		}
	}
	return having, nil
}

func compareColumn(col exp.IdentifierExpression, vc *entities.ValueConstraint) (exp.Expression, error) {
	switch vc.Operator {
	case ">=":
		return col.Gte(vc.Value), nil
	case "<=":
		return col.Lte(vc.Value), nil
	case ">":
		return col.Gt(vc.Value), nil
	case "<":
		return col.Lt(vc.Value), nil
	case "=":
		return col.Eq(vc.Value), nil
	case "between":
		return col.Between(goqu.Range(vc.Range[0], vc.Range[1])), nil
	default:
		return nil, fmt.Errorf("unknown value operator %q", vc.Operator)
	}
}

// shiftDate moves a date expression by a signed number of days in the
// target dialect.
func (c *CohortCompiler) shiftDate(base exp.Expression, days int) exp.Expression {
	if days == 0 {
		return base
	}
	if c.driver == "sqlite3" {
		return goqu.L(fmt.Sprintf("date(?, '%+d days')", days), base)
	}
	if days > 0 {
		return goqu.L(fmt.Sprintf("(? + INTERVAL '%d days')", days), base)
	}
	return goqu.L(fmt.Sprintf("(? - INTERVAL '%d days')", -days), base)
}

func missingMapping(p *entities.Predicate, msg string) *entities.CompileError {
	return &entities.CompileError{
		Kind:        entities.CompileMissingCatalogMapping,
		PredicateID: p.ID,
		Domain:      p.Domain,
		Message:     msg,
	}
}

func toSQL(ds *goqu.SelectDataset) (string, error) {
	sql, _, err := ds.ToSQL()
	if err != nil {
		return "", fmt.Errorf("failed to render sql: %w", err)
	}
	return sql, nil
}

func toAnySlice(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// composeSelection builds a runnable subject-selection statement from a
// subset of the plan's fragments. With no inclusion fragments the base
// population is the starting set.
func composeSelection(plan *entities.QueryPlan, include, exclude []entities.Fragment) string {
	var b strings.Builder
	b.WriteString("WITH anchor AS (\n  ")
	b.WriteString(plan.AnchorSQL)
	b.WriteString("\n)")
	for _, f := range append(append([]entities.Fragment{}, include...), exclude...) {
		b.WriteString(",\n")
		b.WriteString(f.Name)
		b.WriteString(" AS (\n  ")
		b.WriteString(f.SQL)
		b.WriteString("\n)")
	}

	b.WriteString(",\nincluded AS (\n")
	if len(include) == 0 {
		b.WriteString("  ")
		b.WriteString(plan.BaseSelectSQL)
		b.WriteString("\n")
	} else {
		for i, f := range include {
			if i > 0 {
				b.WriteString("  INTERSECT\n")
			}
			b.WriteString("  SELECT subject_id FROM ")
			b.WriteString(f.Name)
			b.WriteString("\n")
		}
	}
	b.WriteString(")")

	if len(exclude) > 0 {
		b.WriteString(",\nexcluded AS (\n")
		for i, f := range exclude {
			if i > 0 {
				b.WriteString("  UNION\n")
			}
			b.WriteString("  SELECT subject_id FROM ")
			b.WriteString(f.Name)
			b.WriteString("\n")
		}
		b.WriteString(")")
	}

	b.WriteString("\nSELECT subject_id FROM included")
	if len(exclude) > 0 {
		b.WriteString("\nWHERE subject_id NOT IN (SELECT subject_id FROM excluded)")
	}
	return b.String()
}

// composeFunnel builds the single-statement attrition report: one row per
// cumulative inclusion step plus the base and final counts.
func composeFunnel(plan *entities.QueryPlan) string {
	include := plan.InclusionFragments()
	exclude := plan.ExclusionFragments()

	var b strings.Builder
	b.WriteString("WITH anchor AS (\n  ")
	b.WriteString(plan.AnchorSQL)
	b.WriteString("\n)")
	for _, f := range plan.Fragments {
		b.WriteString(",\n")
		b.WriteString(f.Name)
		b.WriteString(" AS (\n  ")
		b.WriteString(f.SQL)
		b.WriteString("\n)")
	}
	b.WriteString(",\nbase AS (\n  ")
	b.WriteString(plan.BaseSelectSQL)
	b.WriteString("\n)\n")

	b.WriteString("SELECT 'base' AS step, COUNT(*) AS n FROM base")
	for i := range include {
		b.WriteString("\nUNION ALL\nSELECT '")
		b.WriteString(include[i].Name)
		b.WriteString("' AS step, COUNT(*) AS n FROM (\n")
		writeIntersectChain(&b, include[:i+1])
		b.WriteString(") step_")
		b.WriteString(fmt.Sprint(i + 1))
	}

	b.WriteString("\nUNION ALL\nSELECT 'final' AS step, COUNT(*) AS n FROM (\n")
	b.WriteString("  SELECT subject_id FROM (\n")
	if len(include) == 0 {
		b.WriteString("  SELECT subject_id FROM base\n")
	} else {
		writeIntersectChain(&b, include)
	}
	b.WriteString("  ) kept\n")
	if len(exclude) > 0 {
		b.WriteString("  WHERE subject_id NOT IN (\n")
		for i, f := range exclude {
			if i > 0 {
				b.WriteString("    UNION\n")
			}
			b.WriteString("    SELECT subject_id FROM ")
			b.WriteString(f.Name)
			b.WriteString("\n")
		}
		b.WriteString("  )\n")
	}
	b.WriteString(") final_step")
	return b.String()
}

func writeIntersectChain(b *strings.Builder, fragments []entities.Fragment) {
	for i, f := range fragments {
		if i > 0 {
			b.WriteString("  INTERSECT\n")
		}
		b.WriteString("  SELECT subject_id FROM ")
		b.WriteString(f.Name)
		b.WriteString("\n")
	}
}
