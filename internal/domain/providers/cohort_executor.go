package providers

import (
	"context"

	"github.com/rwdstudio/cohortengine/internal/domain/entities"
)

// CohortExecutor runs compiled cohort queries against the data store.
// Count mode must never materialize more than the count ("count-first"
// discipline); classified failures are reported in the result, not as a
// Go error.
type CohortExecutor interface {
	Execute(ctx context.Context, query string, mode entities.ExecutionMode) (*entities.ExecutionResult, error)
}
