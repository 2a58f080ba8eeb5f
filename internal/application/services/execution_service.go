package services

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rwdstudio/cohortengine/internal/domain/entities"
	"github.com/rwdstudio/cohortengine/internal/domain/providers"
	"github.com/rwdstudio/cohortengine/internal/infrastructure/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ExecutionService runs a compiled plan and drives the bounded repair loop.
// Every repair produces a new plan version; the attempt log carries the
// fragment-level diff between versions.
type ExecutionService struct {
	compiler    *CohortCompiler
	executor    providers.CohortExecutor
	catalog     providers.CatalogProvider
	maxAttempts int
	metrics     *observability.Metrics
}

// NewExecutionService creates an execution service. maxAttempts bounds the
// repair loop; values below 1 fall back to 3.
func NewExecutionService(compiler *CohortCompiler, executor providers.CohortExecutor, catalog providers.CatalogProvider, maxAttempts int, metrics *observability.Metrics) *ExecutionService {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &ExecutionService{
		compiler:    compiler,
		executor:    executor,
		catalog:     catalog,
		maxAttempts: maxAttempts,
		metrics:     metrics,
	}
}

// RepairOutcome is the result of an execute-with-repair cycle. Criteria and
// Plan reflect any demotions and recompilations the loop performed; the
// caller decides whether to adopt them.
type RepairOutcome struct {
	Criteria  *entities.CriteriaSet
	Plan      *entities.QueryPlan
	Result    *entities.ExecutionResult
	Attempts  []entities.RepairAttempt
	Exhausted bool
}

// ExecuteWithRepair runs the plan and, on a classified failure, repairs and
// retries up to the configured bound. Guard violations and context errors
// are returned as Go errors; exhaustion is reported in the outcome.
func (s *ExecutionService) ExecuteWithRepair(ctx context.Context, criteria *entities.CriteriaSet, plan *entities.QueryPlan, mode entities.ExecutionMode) (*RepairOutcome, error) {
	ctx, span := observability.StartSpan(ctx, "execution.ExecuteWithRepair")
	defer span.End()

	working := criteria.Clone()
	outcome := &RepairOutcome{Criteria: working, Plan: plan}

	var lastError string
	for attempt := 0; ; attempt++ {
		start := time.Now()
		result, err := s.executor.Execute(ctx, outcome.Plan.CohortSQL, mode)
		if err != nil {
			observability.RecordError(span, err)
			return nil, err
		}
		if s.metrics != nil {
			s.metrics.ExecDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
				metric.WithAttributes(
					attribute.String("study_id", outcome.Plan.StudyID),
					attribute.String("status", string(result.Status)),
				))
		}

		outcome.Result = result
		if result.Status == entities.ExecutionOK {
			return outcome, nil
		}

		if attempt >= s.maxAttempts {
			outcome.Exhausted = true
			observability.LoggerFromContext(ctx).Error().
				Str("study_id", outcome.Plan.StudyID).Int("attempts", attempt).
				Str("error_kind", string(result.ErrorKind)).
				Msg("repair attempts exhausted")
			return outcome, nil
		}

		repaired, attemptLog, err := s.repair(ctx, working, outcome.Plan, result, attempt+1, lastError)
		if err != nil {
			return nil, fmt.Errorf("repair attempt %d failed: %w", attempt+1, err)
		}
		if s.metrics != nil {
			s.metrics.RepairAttempts.Add(ctx, 1, metric.WithAttributes(
				attribute.String("study_id", outcome.Plan.StudyID),
				attribute.String("error_kind", string(result.ErrorKind)),
			))
		}

		outcome.Attempts = append(outcome.Attempts, attemptLog)
		outcome.Plan = repaired
		lastError = result.Error
	}
}

// repair produces the next plan version for a classified failure. Schema
// errors and timeouts refresh the catalog first and get one
// recompile-against-refreshed-catalog retry; a failure that then recurs
// verbatim demotes the offending predicate to keep the loop from spinning.
func (s *ExecutionService) repair(ctx context.Context, criteria *entities.CriteriaSet, plan *entities.QueryPlan, failure *entities.ExecutionResult, attempt int, lastError string) (*entities.QueryPlan, entities.RepairAttempt, error) {
	var demotedID string

	catalog, err := s.catalogFor(ctx, failure.ErrorKind)
	if err != nil {
		return nil, entities.RepairAttempt{}, err
	}

	if lastError != "" && failure.Error == lastError {
		if id := s.offendingPredicate(plan, failure.Error); id != "" {
			s.demote(criteria, id, failure)
			demotedID = id
		}
	}

	next, err := s.compiler.Compile(ctx, criteria, catalog, plan.Version+1)
	if err != nil {
		return nil, entities.RepairAttempt{}, err
	}

	attemptLog := entities.RepairAttempt{
		Attempt:     attempt,
		ErrorKind:   failure.ErrorKind,
		Error:       failure.Error,
		PlanVersion: next.Version,
		Diff:        entities.DiffPlans(plan, next),
		DemotedID:   demotedID,
		At:          time.Now().UTC(),
	}

	observability.LoggerFromContext(ctx).Warn().
		Str("study_id", plan.StudyID).Int("attempt", attempt).
		Str("error_kind", string(failure.ErrorKind)).Str("demoted", demotedID).
		Int("plan_version", next.Version).
		Msg("repaired query plan")
	return next, attemptLog, nil
}

func (s *ExecutionService) catalogFor(ctx context.Context, kind entities.ExecErrorKind) (*entities.SchemaCatalog, error) {
	switch kind {
	case entities.ExecSchemaError, entities.ExecTimeout:
		return s.catalog.Refresh(ctx)
	default:
		return s.catalog.GetSchema(ctx)
	}
}

var quotedIdentifier = regexp.MustCompile(`"([A-Za-z0-9_]+)"|no such (?:table|column): ([A-Za-z0-9_.]+)`)

// offendingPredicate maps a driver error message back to the predicate
// whose fragment references the failing identifier.
func (s *ExecutionService) offendingPredicate(plan *entities.QueryPlan, errMsg string) string {
	m := quotedIdentifier.FindStringSubmatch(errMsg)
	if m == nil {
		return ""
	}
	ident := m[1]
	if ident == "" {
		ident = m[2]
	}
	if i := strings.LastIndex(ident, "."); i >= 0 {
		ident = ident[i+1:]
	}
	if ident == "" {
		return ""
	}
	for _, f := range plan.Fragments {
		if strings.Contains(f.SQL, ident) {
			return f.PredicateID
		}
	}
	return ""
}

// demote marks a predicate as unenforceable and records the gap. The
// predicate stays in the criteria set for the audit trail; it just stops
// producing a fragment.
func (s *ExecutionService) demote(criteria *entities.CriteriaSet, predicateID string, failure *entities.ExecutionResult) {
	p, ok := criteria.Predicate(predicateID)
	if !ok {
		return
	}
	p.Verifiability = entities.VerifiabilityNonRWD
	if !criteria.HasGap(predicateID) {
		criteria.AddGap(entities.Gap{
			PredicateID:       predicateID,
			Issue:             fmt.Sprintf("demoted after repeated %s: %s", failure.ErrorKind, failure.Error),
			RequiresUserInput: true,
		})
	}
}
