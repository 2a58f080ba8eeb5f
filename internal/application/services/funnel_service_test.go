package services

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rwdstudio/cohortengine/internal/domain/entities"
)

type funcExecutor struct {
	fn    func(query string) *entities.ExecutionResult
	calls int
}

func (e *funcExecutor) Execute(ctx context.Context, query string, mode entities.ExecutionMode) (*entities.ExecutionResult, error) {
	e.calls++
	return e.fn(query), nil
}

func funnelPlan(planID string) *entities.QueryPlan {
	return &entities.QueryPlan{
		PlanID:        planID,
		Version:       1,
		StudyID:       "ST-1",
		SubjectColumn: "subject_id",
		AnchorSQL:     `SELECT "patient_id" AS "subject_id", MIN("enrollment_start") AS "index_date" FROM "enrollment_periods" GROUP BY "patient_id"`,
		BaseSelectSQL: `SELECT DISTINCT "patient_id" AS "subject_id" FROM "patients"`,
		Fragments: []entities.Fragment{
			{Name: "p_D01", PredicateID: "D01", Polarity: entities.PolarityInclusion, SQL: "SELECT 1"},
			{Name: "p_I01", PredicateID: "I01", Polarity: entities.PolarityInclusion, SQL: "SELECT 2"},
			{Name: "p_E01", PredicateID: "E01", Polarity: entities.PolarityExclusion, SQL: "SELECT 3"},
		},
	}
}

// attritionCounts mimics a dataset where the base population is 500, the
// age filter keeps 450, the diagnosis filter keeps 380 and the exclusion
// removes 12 more.
func attritionCounts(query string) *entities.ExecutionResult {
	switch {
	case strings.Contains(query, "excluded"):
		return okResult(368)
	case strings.Contains(query, "p_I01"):
		return okResult(380)
	case strings.Contains(query, "p_D01"):
		return okResult(450)
	default:
		return okResult(500)
	}
}

func TestComputeFunnel(t *testing.T) {
	executor := &funcExecutor{fn: attritionCounts}
	svc := NewFunnelService(executor, 0.95, 1_000_000, nil)

	steps, warnings, err := svc.ComputeFunnel(context.Background(), funnelPlan("plan-1"), nil)
	require.NoError(t, err)

	require.Len(t, steps, 4)
	assert.Equal(t, entities.FunnelStepBase, steps[0].Label)
	assert.Equal(t, int64(500), steps[0].Count)
	assert.Equal(t, "p_D01", steps[1].Label)
	assert.Equal(t, int64(450), steps[1].Count)
	assert.Equal(t, "p_I01", steps[2].Label)
	assert.Equal(t, int64(380), steps[2].Count)
	assert.Equal(t, entities.FunnelStepFinal, steps[3].Label)
	assert.Equal(t, int64(368), steps[3].Count)

	assert.InDelta(t, 100.0, steps[0].PercentOfBase, 0.01)
	assert.InDelta(t, 76.0, steps[2].PercentOfBase, 0.01)
	assert.InDelta(t, 73.6, steps[3].PercentOfBase, 0.01)

	assert.Empty(t, warnings)
	assert.Equal(t, 4, executor.calls)
}

func TestFunnelCombinationCache(t *testing.T) {
	executor := &funcExecutor{fn: attritionCounts}
	svc := NewFunnelService(executor, 0.95, 1_000_000, nil)
	plan := funnelPlan("plan-1")

	_, _, err := svc.ComputeFunnel(context.Background(), plan, nil)
	require.NoError(t, err)
	require.Equal(t, 4, executor.calls)

	// identical recomputation is served entirely from cache
	steps, _, err := svc.ComputeFunnel(context.Background(), plan, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, executor.calls)
	assert.Equal(t, int64(368), steps[len(steps)-1].Count)

	// a what-if over already-seen combinations costs nothing new
	steps, _, err = svc.ComputeFunnel(context.Background(), plan, []string{"D01"})
	require.NoError(t, err)
	assert.Equal(t, 4, executor.calls)
	require.Len(t, steps, 3) // base, p_D01, final
	assert.Equal(t, int64(450), steps[2].Count)
}

func TestFunnelCacheIsScopedPerPlan(t *testing.T) {
	executor := &funcExecutor{fn: attritionCounts}
	svc := NewFunnelService(executor, 0.95, 1_000_000, nil)

	_, _, err := svc.ComputeFunnel(context.Background(), funnelPlan("plan-1"), nil)
	require.NoError(t, err)
	require.Equal(t, 4, executor.calls)

	// a different plan never sees plan-1's counts
	_, _, err = svc.ComputeFunnel(context.Background(), funnelPlan("plan-2"), nil)
	require.NoError(t, err)
	assert.Equal(t, 8, executor.calls)

	// and computing it does not evict plan-1's entries: an interleaved
	// what-if on plan-1 is still served from cache
	_, _, err = svc.ComputeFunnel(context.Background(), funnelPlan("plan-1"), []string{"D01"})
	require.NoError(t, err)
	assert.Equal(t, 8, executor.calls)
}

func TestFunnelWhatIfExcludesDisabledExclusions(t *testing.T) {
	executor := &funcExecutor{fn: attritionCounts}
	svc := NewFunnelService(executor, 0.95, 1_000_000, nil)

	steps, _, err := svc.ComputeFunnel(context.Background(), funnelPlan("plan-1"),
		[]string{"D01", "I01"})
	require.NoError(t, err)

	// without the exclusion the final step equals the last inclusion step
	require.Len(t, steps, 4)
	assert.Equal(t, int64(380), steps[2].Count)
	assert.Equal(t, int64(380), steps[3].Count)
}

func TestFunnelZeroBase(t *testing.T) {
	executor := &funcExecutor{fn: func(string) *entities.ExecutionResult { return okResult(0) }}
	svc := NewFunnelService(executor, 0.95, 1_000_000, nil)

	steps, warnings, err := svc.ComputeFunnel(context.Background(), funnelPlan("plan-1"), nil)
	require.NoError(t, err)

	for _, s := range steps {
		assert.Zero(t, s.PercentOfBase)
	}
	require.Len(t, warnings, 1)
	assert.Equal(t, entities.WarnEmptyCohort, warnings[0].Kind)
}

func TestFunnelSuspiciousDropWarning(t *testing.T) {
	executor := &funcExecutor{fn: func(query string) *entities.ExecutionResult {
		if strings.Contains(query, "p_D01") {
			return okResult(10) // 98% drop from base
		}
		return okResult(500)
	}}
	plan := funnelPlan("plan-1")
	plan.Fragments = plan.Fragments[:1] // single inclusion
	svc := NewFunnelService(executor, 0.95, 1_000_000, nil)

	_, warnings, err := svc.ComputeFunnel(context.Background(), plan, nil)
	require.NoError(t, err)

	require.NotEmpty(t, warnings)
	assert.Equal(t, entities.WarnSuspiciousDrop, warnings[0].Kind)
	assert.Equal(t, "p_D01", warnings[0].StepLabel)
	assert.Equal(t, "D01", warnings[0].PredicateID)
}

func TestFunnelHugeCohortWarning(t *testing.T) {
	executor := &funcExecutor{fn: attritionCounts}
	svc := NewFunnelService(executor, 0.95, 100, nil)

	_, warnings, err := svc.ComputeFunnel(context.Background(), funnelPlan("plan-1"), nil)
	require.NoError(t, err)

	require.Len(t, warnings, 1)
	assert.Equal(t, entities.WarnHugeCohort, warnings[0].Kind)
}

func TestFunnelSurfacesExecutionFailure(t *testing.T) {
	executor := &funcExecutor{fn: func(string) *entities.ExecutionResult {
		return schemaError("no such table: patients")
	}}
	svc := NewFunnelService(executor, 0.95, 1_000_000, nil)

	_, _, err := svc.ComputeFunnel(context.Background(), funnelPlan("plan-1"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema_error")
}

func TestFunnelEmptySelection(t *testing.T) {
	executor := &funcExecutor{fn: attritionCounts}
	svc := NewFunnelService(executor, 0.95, 1_000_000, nil)

	// nothing enabled: the funnel is the base population and nothing else
	steps, _, err := svc.ComputeFunnel(context.Background(), funnelPlan("plan-1"), []string{})
	require.NoError(t, err)

	require.Len(t, steps, 1)
	assert.Equal(t, entities.FunnelStepBase, steps[0].Label)
	assert.Equal(t, int64(500), steps[0].Count)
	assert.Equal(t, 1, executor.calls)
}

func TestFunnelExclusionsOnlyApplyToBase(t *testing.T) {
	executor := &funcExecutor{fn: attritionCounts}
	svc := NewFunnelService(executor, 0.95, 1_000_000, nil)

	// an enabled exclusion with no inclusions still subtracts from the base
	steps, _, err := svc.ComputeFunnel(context.Background(), funnelPlan("plan-1"), []string{"E01"})
	require.NoError(t, err)

	require.Len(t, steps, 2)
	assert.Equal(t, entities.FunnelStepBase, steps[0].Label)
	assert.Equal(t, entities.FunnelStepFinal, steps[1].Label)
	assert.Equal(t, int64(368), steps[1].Count)
}
