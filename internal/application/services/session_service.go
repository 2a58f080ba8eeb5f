package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/rwdstudio/cohortengine/internal/domain/entities"
	"github.com/rwdstudio/cohortengine/internal/domain/providers"
	"github.com/rwdstudio/cohortengine/internal/infrastructure/observability"
	apperrors "github.com/rwdstudio/cohortengine/pkg/errors"
)

// Stage is the pipeline position of a cohort-selection session.
type Stage string

const (
	StageCollectingCriteria Stage = "collecting_criteria"
	StageResolvingConcepts  Stage = "resolving_concepts"
	StageCompiling          Stage = "compiling"
	StageExecuting          Stage = "executing"
	StageRepairing          Stage = "repairing"
	StageComputingFunnel    Stage = "computing_funnel"
	StageAwaitingFeedback   Stage = "awaiting_feedback"
	StageFinalized          Stage = "finalized"
)

// Session holds the state of one cohort-selection run. The session owns the
// criteria set; engines only ever see clones.
type Session struct {
	mu sync.Mutex

	ID          string
	Stage       Stage
	Criteria    *entities.CriteriaSet
	Plan        *entities.QueryPlan
	PlanHistory []*entities.QueryPlan
	Execution   *entities.ExecutionResult
	Funnel      []entities.FunnelStep
	Warnings    []entities.FunnelWarning
	RepairLog   []entities.RepairAttempt
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SessionService orchestrates the pipeline: criteria intake, concept
// resolution, compilation, execution with repair, funnel, feedback and
// finalization. The resolver is optional; without one every unresolved
// predicate becomes a gap.
type SessionService struct {
	resolver        providers.ConceptResolver
	catalog         providers.CatalogProvider
	compiler        *CohortCompiler
	execution       *ExecutionService
	funnel          *FunnelService
	resolverTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionService creates the orchestrator. resolver may be nil.
func NewSessionService(resolver providers.ConceptResolver, catalog providers.CatalogProvider, compiler *CohortCompiler, execution *ExecutionService, funnel *FunnelService, resolverTimeout time.Duration) *SessionService {
	if resolverTimeout <= 0 {
		resolverTimeout = 20 * time.Second
	}
	return &SessionService{
		resolver:        resolver,
		catalog:         catalog,
		compiler:        compiler,
		execution:       execution,
		funnel:          funnel,
		resolverTimeout: resolverTimeout,
		sessions:        map[string]*Session{},
	}
}

// NewSession creates an empty session in the criteria-collection stage.
func (s *SessionService) NewSession() *Session {
	now := time.Now().UTC()
	session := &Session{
		ID:        uuid.NewString(),
		Stage:     StageCollectingCriteria,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()
	log.Info().Str("session_id", session.ID).Msg("created session")
	return session
}

// GetSession returns a session by id.
func (s *SessionService) GetSession(id string) (*Session, error) {
	s.mu.RLock()
	session, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("session %s not found", id))
	}
	return session, nil
}

// SubmitCriteria validates and attaches a criteria set to the session and
// advances it to concept resolution.
func (s *SessionService) SubmitCriteria(ctx context.Context, sessionID, studyID string, anchor entities.AnchorRule, predicates []entities.Predicate) error {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return err
	}
	session.mu.Lock()
	defer session.mu.Unlock()

	if err := requireStage(session, StageCollectingCriteria); err != nil {
		return err
	}
	criteria, err := entities.NewCriteriaSet(studyID, anchor, predicates)
	if err != nil {
		return apperrors.NewValidationError(err.Error())
	}
	session.Criteria = criteria
	session.advance(StageResolvingConcepts)
	observability.LoggerFromContext(ctx).Info().
		Str("session_id", sessionID).Str("study_id", studyID).
		Int("predicates", len(predicates)).Msg("criteria submitted")
	return nil
}

// ResolveConcepts resolves every predicate that still needs codes. Resolver
// failures and timeouts become gaps, never errors; the pipeline always
// reaches compilation.
func (s *SessionService) ResolveConcepts(ctx context.Context, sessionID string) error {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return err
	}
	session.mu.Lock()
	defer session.mu.Unlock()

	if err := requireStage(session, StageResolvingConcepts); err != nil {
		return err
	}
	ctx, span := observability.StartSpan(ctx, "session.ResolveConcepts")
	defer span.End()

	for i := range session.Criteria.Predicates {
		p := &session.Criteria.Predicates[i]
		if !p.NeedsCodeResolution() || p.IsResolved() || p.Verifiability == entities.VerifiabilityNonRWD {
			continue
		}
		if session.Criteria.HasGap(p.ID) {
			continue
		}

		if s.resolver == nil {
			session.Criteria.AddGap(entities.Gap{
				PredicateID:       p.ID,
				Issue:             "no concept resolver configured",
				RequiresUserInput: true,
			})
			continue
		}

		hint := ""
		if p.Resolution != nil {
			hint = p.Resolution.CodeSystem
		}
		resolveCtx, cancel := context.WithTimeout(ctx, s.resolverTimeout)
		resolution, err := s.resolver.Resolve(resolveCtx, p.Concept, p.Domain, hint)
		cancel()
		if err != nil {
			session.Criteria.AddGap(entities.Gap{
				PredicateID:       p.ID,
				Issue:             fmt.Sprintf("concept resolution failed: %v", err),
				RequiresUserInput: true,
			})
			observability.LoggerFromContext(ctx).Warn().
				Err(err).Str("predicate_id", p.ID).Str("concept", p.Concept).
				Msg("concept resolution failed")
			continue
		}
		if !resolution.Resolved || len(resolution.CodeValues) == 0 {
			session.Criteria.AddGap(entities.Gap{
				PredicateID:       p.ID,
				Issue:             fmt.Sprintf("no confident code mapping for %q", p.Concept),
				RequiresUserInput: true,
			})
			p.Resolution = resolution
			continue
		}
		p.Resolution = resolution
	}

	session.advance(StageCompiling)
	return nil
}

// Compile builds the query plan for the session's criteria.
func (s *SessionService) Compile(ctx context.Context, sessionID string) (*entities.QueryPlan, error) {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	session.mu.Lock()
	defer session.mu.Unlock()

	if err := requireStage(session, StageCompiling); err != nil {
		return nil, err
	}
	catalog, err := s.catalog.GetSchema(ctx)
	if err != nil {
		return nil, apperrors.NewExternalError("failed to load schema catalog", err)
	}

	version := 1
	if session.Plan != nil {
		version = session.Plan.Version + 1
	}
	plan, err := s.compiler.Compile(ctx, session.Criteria.Clone(), catalog, version)
	if err != nil {
		return nil, err
	}

	session.Plan = plan
	session.PlanHistory = append(session.PlanHistory, plan)
	session.advance(StageExecuting)
	return plan, nil
}

// Execute runs the plan with the bounded repair loop. A successful run
// advances to funnel computation; exhausted repairs drop the session into
// the feedback stage with the failure surfaced on the bundle.
func (s *SessionService) Execute(ctx context.Context, sessionID string, mode entities.ExecutionMode) (*entities.ExecutionResult, error) {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	session.mu.Lock()
	defer session.mu.Unlock()

	if err := requireStage(session, StageExecuting); err != nil {
		return nil, err
	}
	session.Stage = StageRepairing

	outcome, err := s.execution.ExecuteWithRepair(ctx, session.Criteria, session.Plan, mode)
	if err != nil {
		session.Stage = StageExecuting
		return nil, err
	}

	// adopt the demotions and recompilations the loop performed
	session.Criteria = outcome.Criteria
	if outcome.Plan != session.Plan {
		session.Plan = outcome.Plan
		session.PlanHistory = append(session.PlanHistory, outcome.Plan)
	}
	session.Execution = outcome.Result
	session.RepairLog = append(session.RepairLog, outcome.Attempts...)

	if outcome.Exhausted {
		session.advance(StageAwaitingFeedback)
		return outcome.Result, nil
	}
	session.advance(StageComputingFunnel)
	return outcome.Result, nil
}

// ComputeFunnel builds the attrition funnel and moves the session to the
// feedback stage.
func (s *SessionService) ComputeFunnel(ctx context.Context, sessionID string) ([]entities.FunnelStep, []entities.FunnelWarning, error) {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return nil, nil, err
	}
	session.mu.Lock()
	defer session.mu.Unlock()

	if err := requireStage(session, StageComputingFunnel); err != nil {
		return nil, nil, err
	}
	steps, warnings, err := s.funnel.ComputeFunnel(ctx, session.Plan, nil)
	if err != nil {
		return nil, nil, err
	}
	session.Funnel = steps
	session.Warnings = warnings
	session.advance(StageAwaitingFeedback)
	return steps, warnings, nil
}

// WhatIf recomputes the funnel with only the given predicates enabled. It
// never mutates session state; repeated calls with the same subset hit the
// combination cache.
func (s *SessionService) WhatIf(ctx context.Context, sessionID string, enabledIDs []string) ([]entities.FunnelStep, []entities.FunnelWarning, error) {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return nil, nil, err
	}
	session.mu.Lock()
	defer session.mu.Unlock()

	if err := requireStage(session, StageAwaitingFeedback); err != nil {
		return nil, nil, err
	}
	return s.funnel.ComputeFunnel(ctx, session.Plan, enabledIDs)
}

// Revise replaces the session's predicates and sends it back through the
// pipeline. The criteria version increments; prior plans stay in history.
func (s *SessionService) Revise(ctx context.Context, sessionID string, predicates []entities.Predicate) error {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return err
	}
	session.mu.Lock()
	defer session.mu.Unlock()

	if err := requireStage(session, StageAwaitingFeedback); err != nil {
		return err
	}
	revised, err := entities.NewCriteriaSet(session.Criteria.StudyID, session.Criteria.Anchor, predicates)
	if err != nil {
		return apperrors.NewValidationError(err.Error())
	}
	revised.Version = session.Criteria.Version + 1

	session.Criteria = revised
	session.Execution = nil
	session.Funnel = nil
	session.Warnings = nil
	session.advance(StageResolvingConcepts)
	observability.LoggerFromContext(ctx).Info().
		Str("session_id", sessionID).Int("criteria_version", revised.Version).
		Msg("criteria revised")
	return nil
}

// Finalize locks the session. Only an explicit approval token is accepted;
// finalized is terminal.
func (s *SessionService) Finalize(ctx context.Context, sessionID, token string) (*entities.ResultBundle, error) {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	session.mu.Lock()
	defer session.mu.Unlock()

	if err := requireStage(session, StageAwaitingFeedback); err != nil {
		return nil, err
	}
	switch token {
	case "finalize", "approve":
	default:
		return nil, apperrors.NewValidationError(fmt.Sprintf("unrecognized approval token %q", token))
	}

	session.advance(StageFinalized)
	observability.LoggerFromContext(ctx).Info().
		Str("session_id", sessionID).Msg("session finalized")
	return session.bundleLocked(), nil
}

// Bundle returns a snapshot of the session's current outputs.
func (s *SessionService) Bundle(sessionID string) (*entities.ResultBundle, error) {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.bundleLocked(), nil
}

func (session *Session) bundleLocked() *entities.ResultBundle {
	bundle := &entities.ResultBundle{
		Plan:      session.Plan,
		Execution: session.Execution,
		Funnel:    append([]entities.FunnelStep(nil), session.Funnel...),
		Warnings:  append([]entities.FunnelWarning(nil), session.Warnings...),
		RepairLog: append([]entities.RepairAttempt(nil), session.RepairLog...),
	}
	if session.Criteria != nil {
		bundle.Criteria = session.Criteria.Clone()
	}
	return bundle
}

func (session *Session) advance(next Stage) {
	session.Stage = next
	session.UpdatedAt = time.Now().UTC()
}

func requireStage(session *Session, want Stage) error {
	if session.Stage == StageFinalized {
		return apperrors.NewValidationError("session is finalized")
	}
	if session.Stage != want {
		return apperrors.NewValidationError(
			fmt.Sprintf("operation requires stage %s, session is in %s", want, session.Stage))
	}
	return nil
}
