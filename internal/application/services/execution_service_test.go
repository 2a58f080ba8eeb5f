package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rwdstudio/cohortengine/internal/domain/entities"
)

// scriptedExecutor returns a fixed sequence of results, repeating the last
// one once the script runs out.
type scriptedExecutor struct {
	results []*entities.ExecutionResult
	queries []string
}

func (e *scriptedExecutor) Execute(ctx context.Context, query string, mode entities.ExecutionMode) (*entities.ExecutionResult, error) {
	e.queries = append(e.queries, query)
	i := len(e.queries) - 1
	if i >= len(e.results) {
		i = len(e.results) - 1
	}
	return e.results[i], nil
}

type stubCatalog struct {
	catalog   *entities.SchemaCatalog
	refreshes int
}

func (s *stubCatalog) GetSchema(ctx context.Context) (*entities.SchemaCatalog, error) {
	return s.catalog, nil
}

func (s *stubCatalog) Refresh(ctx context.Context) (*entities.SchemaCatalog, error) {
	s.refreshes++
	return s.catalog, nil
}

func okResult(count int64) *entities.ExecutionResult {
	return &entities.ExecutionResult{Status: entities.ExecutionOK, RowCount: count}
}

func schemaError(msg string) *entities.ExecutionResult {
	return &entities.ExecutionResult{
		Status:    entities.ExecutionError,
		ErrorKind: entities.ExecSchemaError,
		Error:     msg,
	}
}

func compiledPlan(t *testing.T, criteria *entities.CriteriaSet) *entities.QueryPlan {
	t.Helper()
	plan, err := NewCohortCompiler("postgres", nil).Compile(context.Background(), criteria, testCatalog(), 1)
	require.NoError(t, err)
	return plan
}

func TestExecuteSucceedsWithoutRepair(t *testing.T) {
	criteria := testCriteria(t, diagnosisPredicate("I01", entities.PolarityInclusion))
	plan := compiledPlan(t, criteria)

	executor := &scriptedExecutor{results: []*entities.ExecutionResult{okResult(1234)}}
	catalog := &stubCatalog{catalog: testCatalog()}
	svc := NewExecutionService(NewCohortCompiler("postgres", nil), executor, catalog, 3, nil)

	outcome, err := svc.ExecuteWithRepair(context.Background(), criteria, plan, entities.ModeCount)
	require.NoError(t, err)

	assert.False(t, outcome.Exhausted)
	assert.Empty(t, outcome.Attempts)
	assert.Equal(t, int64(1234), outcome.Result.RowCount)
	assert.Same(t, plan, outcome.Plan)
	assert.Equal(t, 0, catalog.refreshes)
}

func TestRepairLoopIsBounded(t *testing.T) {
	criteria := testCriteria(t,
		diagnosisPredicate("I01", entities.PolarityInclusion),
		diagnosisPredicate("I02", entities.PolarityInclusion),
	)
	plan := compiledPlan(t, criteria)

	executor := &scriptedExecutor{results: []*entities.ExecutionResult{
		schemaError(`pq: column "secondary_diagnosis_code" does not exist`),
	}}
	catalog := &stubCatalog{catalog: testCatalog()}
	svc := NewExecutionService(NewCohortCompiler("postgres", nil), executor, catalog, 3, nil)

	outcome, err := svc.ExecuteWithRepair(context.Background(), criteria, plan, entities.ModeCount)
	require.NoError(t, err)

	assert.True(t, outcome.Exhausted)
	assert.Len(t, outcome.Attempts, 3)
	assert.Len(t, executor.queries, 4) // initial run plus one per repair
	assert.Equal(t, entities.ExecutionError, outcome.Result.Status)
	assert.Equal(t, 3, catalog.refreshes)

	// each repair produced a new plan version with an audit diff
	for i, attempt := range outcome.Attempts {
		assert.Equal(t, i+1, attempt.Attempt)
		assert.Equal(t, plan.Version+i+1, attempt.PlanVersion)
		assert.Equal(t, entities.ExecSchemaError, attempt.ErrorKind)
	}

	// the caller's criteria set is untouched; demotions live on the clone
	assert.Empty(t, criteria.Gaps)
	assert.NotEmpty(t, outcome.Criteria.Gaps)
}

func TestSchemaErrorRecompilesBeforeDemoting(t *testing.T) {
	criteria := testCriteria(t,
		diagnosisPredicate("I01", entities.PolarityInclusion),
		diagnosisPredicate("I02", entities.PolarityInclusion),
	)
	plan := compiledPlan(t, criteria)

	executor := &scriptedExecutor{results: []*entities.ExecutionResult{
		schemaError(`pq: column "primary_diagnosis_code" does not exist`),
		okResult(500),
	}}
	catalog := &stubCatalog{catalog: testCatalog()}
	svc := NewExecutionService(NewCohortCompiler("postgres", nil), executor, catalog, 3, nil)

	outcome, err := svc.ExecuteWithRepair(context.Background(), criteria, plan, entities.ModeCount)
	require.NoError(t, err)

	// the refreshed-catalog recompile fixed it, so nothing was demoted
	require.Len(t, outcome.Attempts, 1)
	assert.Empty(t, outcome.Attempts[0].DemotedID)
	assert.Equal(t, 1, catalog.refreshes)
	assert.Empty(t, outcome.Criteria.Gaps)
	assert.Equal(t, int64(500), outcome.Result.RowCount)
}

func TestRepairDemotesOffendingPredicateOnRecurrence(t *testing.T) {
	criteria := testCriteria(t,
		diagnosisPredicate("I01", entities.PolarityInclusion),
		diagnosisPredicate("I02", entities.PolarityInclusion),
	)
	plan := compiledPlan(t, criteria)

	executor := &scriptedExecutor{results: []*entities.ExecutionResult{
		schemaError(`pq: column "primary_diagnosis_code" does not exist`),
		schemaError(`pq: column "primary_diagnosis_code" does not exist`),
		okResult(500),
	}}
	catalog := &stubCatalog{catalog: testCatalog()}
	svc := NewExecutionService(NewCohortCompiler("postgres", nil), executor, catalog, 3, nil)

	outcome, err := svc.ExecuteWithRepair(context.Background(), criteria, plan, entities.ModeCount)
	require.NoError(t, err)

	// first attempt is a plain refresh-and-recompile; the verbatim
	// recurrence demotes the offending predicate
	require.Len(t, outcome.Attempts, 2)
	assert.Empty(t, outcome.Attempts[0].DemotedID)
	assert.Equal(t, "I01", outcome.Attempts[1].DemotedID)
	assert.NotEmpty(t, outcome.Attempts[1].Diff)

	demoted, ok := outcome.Criteria.Predicate("I01")
	require.True(t, ok)
	assert.Equal(t, entities.VerifiabilityNonRWD, demoted.Verifiability)
	assert.True(t, outcome.Criteria.HasGap("I01"))

	// the repaired plan no longer carries the demoted fragment
	_, ok = outcome.Plan.Fragment("I01")
	assert.False(t, ok)
	assert.Equal(t, plan.Version+2, outcome.Plan.Version)
	assert.Equal(t, int64(500), outcome.Result.RowCount)
}

func TestRepairRecompilesOnSyntaxError(t *testing.T) {
	criteria := testCriteria(t, diagnosisPredicate("I01", entities.PolarityInclusion))
	plan := compiledPlan(t, criteria)

	executor := &scriptedExecutor{results: []*entities.ExecutionResult{
		{Status: entities.ExecutionError, ErrorKind: entities.ExecSyntaxError, Error: "pq: syntax error at or near \"INTERSECT\""},
		okResult(42),
	}}
	catalog := &stubCatalog{catalog: testCatalog()}
	svc := NewExecutionService(NewCohortCompiler("postgres", nil), executor, catalog, 3, nil)

	outcome, err := svc.ExecuteWithRepair(context.Background(), criteria, plan, entities.ModeCount)
	require.NoError(t, err)

	require.Len(t, outcome.Attempts, 1)
	assert.Empty(t, outcome.Attempts[0].DemotedID)
	assert.Equal(t, 0, catalog.refreshes) // syntax errors do not touch the catalog
	assert.Equal(t, entities.ExecutionOK, outcome.Result.Status)
}

func TestOffendingPredicateLookup(t *testing.T) {
	criteria := testCriteria(t, diagnosisPredicate("I01", entities.PolarityInclusion))
	plan := compiledPlan(t, criteria)
	svc := NewExecutionService(nil, nil, nil, 3, nil)

	assert.Equal(t, "I01",
		svc.offendingPredicate(plan, `pq: column "primary_diagnosis_code" does not exist`))
	assert.Equal(t, "I01",
		svc.offendingPredicate(plan, `no such column: t.primary_diagnosis_code`))
	assert.Equal(t, "",
		svc.offendingPredicate(plan, `pq: column "unrelated_col" does not exist`))
	assert.Equal(t, "",
		svc.offendingPredicate(plan, "connection reset"))
}
