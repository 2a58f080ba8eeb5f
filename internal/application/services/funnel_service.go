package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rwdstudio/cohortengine/internal/domain/entities"
	"github.com/rwdstudio/cohortengine/internal/domain/providers"
	"github.com/rwdstudio/cohortengine/internal/infrastructure/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// FunnelService computes attrition funnels and what-if variants. Counts per
// fragment combination are cached for the lifetime of a plan, so a what-if
// toggle only pays for the combinations it has not seen yet. Combinations
// are keyed by plan id; concurrent sessions never see each other's entries,
// and a recompiled plan starts from an empty slate.
type FunnelService struct {
	executor       providers.CohortExecutor
	suspiciousDrop float64
	hugeCeiling    int64
	metrics        *observability.Metrics

	mu    sync.Mutex
	cache map[string]map[string]int64
}

// NewFunnelService creates a funnel service. suspiciousDrop is the drop
// fraction between consecutive steps above which a warning is emitted.
func NewFunnelService(executor providers.CohortExecutor, suspiciousDrop float64, hugeCeiling int64, metrics *observability.Metrics) *FunnelService {
	if suspiciousDrop <= 0 || suspiciousDrop > 1 {
		suspiciousDrop = 0.95
	}
	return &FunnelService{
		executor:       executor,
		suspiciousDrop: suspiciousDrop,
		hugeCeiling:    hugeCeiling,
		metrics:        metrics,
		cache:          map[string]map[string]int64{},
	}
}

// ComputeFunnel builds the attrition funnel for the plan. enabledIDs limits
// the funnel to a subset of predicates for what-if analysis; nil means all.
// Inclusion steps are cumulative in declared order; all enabled exclusions
// collapse into the single final subtractive step. With nothing enabled the
// funnel is a single base-population step.
func (s *FunnelService) ComputeFunnel(ctx context.Context, plan *entities.QueryPlan, enabledIDs []string) ([]entities.FunnelStep, []entities.FunnelWarning, error) {
	ctx, span := observability.StartSpan(ctx, "funnel.ComputeFunnel")
	defer span.End()
	start := time.Now()

	include, exclude := s.enabledFragments(plan, enabledIDs)

	baseCount, err := s.countFor(ctx, plan, "base", plan.BaseSelectSQL)
	if err != nil {
		return nil, nil, err
	}

	steps := []entities.FunnelStep{{
		Label:         entities.FunnelStepBase,
		Count:         baseCount,
		PercentOfBase: percentOf(baseCount, baseCount),
	}}

	if len(include) > 0 || len(exclude) > 0 {
		for i := range include {
			prefix := include[:i+1]
			key := combinationKey(prefix, nil)
			count, err := s.countFor(ctx, plan, key, composeSelection(plan, prefix, nil))
			if err != nil {
				return nil, nil, err
			}
			steps = append(steps, entities.FunnelStep{
				Label:         prefix[i].Name,
				PredicateID:   prefix[i].PredicateID,
				Count:         count,
				PercentOfBase: percentOf(count, baseCount),
			})
		}

		finalKey := combinationKey(include, exclude)
		finalCount, err := s.countFor(ctx, plan, finalKey, composeSelection(plan, include, exclude))
		if err != nil {
			return nil, nil, err
		}
		steps = append(steps, entities.FunnelStep{
			Label:         entities.FunnelStepFinal,
			Count:         finalCount,
			PercentOfBase: percentOf(finalCount, baseCount),
		})
	}

	warnings := s.checkWarnings(steps)

	if s.metrics != nil {
		s.metrics.FunnelDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("study_id", plan.StudyID)))
	}
	observability.LoggerFromContext(ctx).Debug().
		Str("study_id", plan.StudyID).Int("steps", len(steps)).
		Int64("final", steps[len(steps)-1].Count).Int("warnings", len(warnings)).
		Msg("computed funnel")
	return steps, warnings, nil
}

func (s *FunnelService) enabledFragments(plan *entities.QueryPlan, enabledIDs []string) (include, exclude []entities.Fragment) {
	enabled := func(string) bool { return true }
	if enabledIDs != nil {
		set := make(map[string]struct{}, len(enabledIDs))
		for _, id := range enabledIDs {
			set[id] = struct{}{}
		}
		enabled = func(id string) bool {
			_, ok := set[id]
			return ok
		}
	}
	for _, f := range plan.Fragments {
		if !enabled(f.PredicateID) {
			continue
		}
		if f.Polarity == entities.PolarityInclusion {
			include = append(include, f)
		} else {
			exclude = append(exclude, f)
		}
	}
	return include, exclude
}

// countFor returns the subject count for one fragment combination, from the
// plan's cache entry when the combination has already run.
func (s *FunnelService) countFor(ctx context.Context, plan *entities.QueryPlan, key, query string) (int64, error) {
	s.mu.Lock()
	if n, ok := s.cache[plan.PlanID][key]; ok {
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()

	result, err := s.executor.Execute(ctx, query, entities.ModeCount)
	if err != nil {
		return 0, err
	}
	if result.Status != entities.ExecutionOK {
		return 0, fmt.Errorf("funnel count failed (%s): %s", result.ErrorKind, result.Error)
	}

	s.mu.Lock()
	if s.cache[plan.PlanID] == nil {
		s.cache[plan.PlanID] = map[string]int64{}
	}
	s.cache[plan.PlanID][key] = result.RowCount
	s.mu.Unlock()
	return result.RowCount, nil
}

func (s *FunnelService) checkWarnings(steps []entities.FunnelStep) []entities.FunnelWarning {
	var warnings []entities.FunnelWarning

	for i := 1; i < len(steps); i++ {
		prev, cur := steps[i-1], steps[i]
		if prev.Count == 0 {
			continue
		}
		drop := float64(prev.Count-cur.Count) / float64(prev.Count)
		if drop > s.suspiciousDrop {
			warnings = append(warnings, entities.FunnelWarning{
				Kind:        entities.WarnSuspiciousDrop,
				StepLabel:   cur.Label,
				PredicateID: cur.PredicateID,
				Detail:      fmt.Sprintf("step removes %.1f%% of remaining subjects", drop*100),
			})
		}
	}

	final := steps[len(steps)-1]
	if final.Count == 0 {
		warnings = append(warnings, entities.FunnelWarning{
			Kind:      entities.WarnEmptyCohort,
			StepLabel: final.Label,
			Detail:    "no subjects satisfy the criteria",
		})
	}
	if s.hugeCeiling > 0 && final.Count > s.hugeCeiling {
		warnings = append(warnings, entities.FunnelWarning{
			Kind:      entities.WarnHugeCohort,
			StepLabel: final.Label,
			Detail:    fmt.Sprintf("cohort of %d exceeds the ceiling of %d", final.Count, s.hugeCeiling),
		})
	}
	return warnings
}

func combinationKey(include, exclude []entities.Fragment) string {
	parts := make([]string, 0, len(include)+len(exclude)+1)
	for _, f := range include {
		parts = append(parts, "+"+f.Name)
	}
	for _, f := range exclude {
		parts = append(parts, "-"+f.Name)
	}
	if len(parts) == 0 {
		return "base"
	}
	return strings.Join(parts, "|")
}

func percentOf(count, base int64) float64 {
	if base == 0 {
		return 0
	}
	return float64(count) / float64(base) * 100
}
