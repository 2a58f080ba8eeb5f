package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rwdstudio/cohortengine/internal/domain/entities"
	"github.com/rwdstudio/cohortengine/internal/domain/providers"
)

type stubResolver struct {
	resolution *entities.ConceptResolution
	err        error
	calls      int
}

func (r *stubResolver) Resolve(ctx context.Context, concept string, domain entities.Domain, hint string) (*entities.ConceptResolution, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.resolution, nil
}

func newTestSessionService(executor *funcExecutor, resolver providers.ConceptResolver) *SessionService {
	compiler := NewCohortCompiler("postgres", nil)
	catalog := &stubCatalog{catalog: testCatalog()}
	execution := NewExecutionService(compiler, executor, catalog, 3, nil)
	funnel := NewFunnelService(executor, 0.95, 1_000_000, nil)
	return NewSessionService(resolver, catalog, compiler, execution, funnel, time.Second)
}

func unresolvedDiagnosis(id string) entities.Predicate {
	return entities.Predicate{
		ID:            id,
		Polarity:      entities.PolarityInclusion,
		Domain:        entities.DomainDiagnosis,
		Concept:       "heart failure",
		Verifiability: entities.VerifiabilityRWD,
	}
}

func TestSessionHappyPath(t *testing.T) {
	executor := &funcExecutor{fn: attritionCounts}
	resolver := &stubResolver{resolution: &entities.ConceptResolution{
		Resolved:      true,
		CodeSystem:    "ICD10CM",
		CodeValues:    []string{"I50"},
		MatchingLogic: entities.MatchWildcard,
		Confidence:    entities.ConfidenceHigh,
	}}
	svc := newTestSessionService(executor, resolver)
	ctx := context.Background()

	session := svc.NewSession()
	assert.Equal(t, StageCollectingCriteria, session.Stage)

	anchor := entities.AnchorRule{Name: "index", Kind: entities.AnchorEnrollmentStart}
	require.NoError(t, svc.SubmitCriteria(ctx, session.ID, "ST-1", anchor,
		[]entities.Predicate{unresolvedDiagnosis("I01")}))
	assert.Equal(t, StageResolvingConcepts, session.Stage)

	require.NoError(t, svc.ResolveConcepts(ctx, session.ID))
	assert.Equal(t, StageCompiling, session.Stage)
	assert.Equal(t, 1, resolver.calls)
	assert.Empty(t, session.Criteria.Gaps)

	plan, err := svc.Compile(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, StageExecuting, session.Stage)
	assert.Len(t, plan.Fragments, 1)

	result, err := svc.Execute(ctx, session.ID, entities.ModeCount)
	require.NoError(t, err)
	assert.Equal(t, StageComputingFunnel, session.Stage)
	assert.Equal(t, entities.ExecutionOK, result.Status)

	steps, _, err := svc.ComputeFunnel(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, StageAwaitingFeedback, session.Stage)
	assert.Equal(t, entities.FunnelStepBase, steps[0].Label)

	bundle, err := svc.Finalize(ctx, session.ID, "approve")
	require.NoError(t, err)
	assert.Equal(t, StageFinalized, session.Stage)
	assert.NotNil(t, bundle.Criteria)
	assert.NotNil(t, bundle.Execution)
	assert.NotEmpty(t, bundle.Funnel)
}

func TestSessionStageGuards(t *testing.T) {
	svc := newTestSessionService(&funcExecutor{fn: attritionCounts}, nil)
	ctx := context.Background()
	session := svc.NewSession()

	// cannot skip ahead
	_, err := svc.Compile(ctx, session.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires stage")

	_, err = svc.Execute(ctx, session.ID, entities.ModeCount)
	require.Error(t, err)

	_, _, err = svc.WhatIf(ctx, session.ID, nil)
	require.Error(t, err)
}

func TestSessionResolverFailureBecomesGap(t *testing.T) {
	executor := &funcExecutor{fn: attritionCounts}
	resolver := &stubResolver{err: context.DeadlineExceeded}
	svc := newTestSessionService(executor, resolver)
	ctx := context.Background()

	session := svc.NewSession()
	anchor := entities.AnchorRule{Name: "index", Kind: entities.AnchorEnrollmentStart}
	require.NoError(t, svc.SubmitCriteria(ctx, session.ID, "ST-1", anchor,
		[]entities.Predicate{unresolvedDiagnosis("I01")}))
	require.NoError(t, svc.ResolveConcepts(ctx, session.ID))

	require.Len(t, session.Criteria.Gaps, 1)
	assert.Equal(t, "I01", session.Criteria.Gaps[0].PredicateID)
	assert.True(t, session.Criteria.Gaps[0].RequiresUserInput)

	// compilation still succeeds: the gapped predicate is just skipped
	plan, err := svc.Compile(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, plan.Fragments)
}

func TestSessionWithoutResolverGapsEverything(t *testing.T) {
	svc := newTestSessionService(&funcExecutor{fn: attritionCounts}, nil)
	ctx := context.Background()

	session := svc.NewSession()
	anchor := entities.AnchorRule{Name: "index", Kind: entities.AnchorEnrollmentStart}
	require.NoError(t, svc.SubmitCriteria(ctx, session.ID, "ST-1", anchor,
		[]entities.Predicate{unresolvedDiagnosis("I01"), unresolvedDiagnosis("I02")}))
	require.NoError(t, svc.ResolveConcepts(ctx, session.ID))

	assert.Len(t, session.Criteria.Gaps, 2)
}

func TestSessionFinalizeRequiresToken(t *testing.T) {
	svc := newTestSessionService(&funcExecutor{fn: attritionCounts}, nil)
	ctx := context.Background()
	session := driveToFeedback(t, svc)

	_, err := svc.Finalize(ctx, session.ID, "looks good")
	require.Error(t, err)
	assert.Equal(t, StageAwaitingFeedback, session.Stage)

	_, err = svc.Finalize(ctx, session.ID, "finalize")
	require.NoError(t, err)
	assert.Equal(t, StageFinalized, session.Stage)

	// finalized is terminal
	_, _, err = svc.WhatIf(ctx, session.ID, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "finalized")
}

func TestSessionReviseRestartsPipeline(t *testing.T) {
	svc := newTestSessionService(&funcExecutor{fn: attritionCounts}, nil)
	ctx := context.Background()
	session := driveToFeedback(t, svc)

	priorVersion := session.Criteria.Version
	require.NoError(t, svc.Revise(ctx, session.ID, []entities.Predicate{
		demographicAge(), diagnosisPredicate("I02", entities.PolarityInclusion),
	}))

	assert.Equal(t, StageResolvingConcepts, session.Stage)
	assert.Equal(t, priorVersion+1, session.Criteria.Version)
	assert.Nil(t, session.Execution)
	assert.Nil(t, session.Funnel)
	assert.NotEmpty(t, session.PlanHistory) // prior plans stay auditable
}

func TestSessionWhatIfDoesNotMutate(t *testing.T) {
	svc := newTestSessionService(&funcExecutor{fn: attritionCounts}, nil)
	ctx := context.Background()
	session := driveToFeedback(t, svc)

	before := append([]entities.FunnelStep(nil), session.Funnel...)
	steps, _, err := svc.WhatIf(ctx, session.ID, []string{"D01"})
	require.NoError(t, err)

	assert.Equal(t, before, session.Funnel)
	assert.Equal(t, StageAwaitingFeedback, session.Stage)
	assert.NotEmpty(t, steps)
}

func demographicAge() entities.Predicate {
	return entities.Predicate{
		ID:            "D01",
		Polarity:      entities.PolarityInclusion,
		Domain:        entities.DomainDemographic,
		Concept:       "age",
		Verifiability: entities.VerifiabilityRWD,
		Value:         &entities.ValueConstraint{Operator: ">=", Value: 18},
	}
}

// driveToFeedback runs a session through the pipeline to the feedback stage
// using a demographic predicate that needs no resolver.
func driveToFeedback(t *testing.T, svc *SessionService) *Session {
	t.Helper()
	ctx := context.Background()

	session := svc.NewSession()
	anchor := entities.AnchorRule{Name: "index", Kind: entities.AnchorEnrollmentStart}
	require.NoError(t, svc.SubmitCriteria(ctx, session.ID, "ST-1", anchor,
		[]entities.Predicate{demographicAge()}))
	require.NoError(t, svc.ResolveConcepts(ctx, session.ID))
	_, err := svc.Compile(ctx, session.ID)
	require.NoError(t, err)
	_, err = svc.Execute(ctx, session.ID, entities.ModeCount)
	require.NoError(t, err)
	_, _, err = svc.ComputeFunnel(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, StageAwaitingFeedback, session.Stage)
	return session
}
