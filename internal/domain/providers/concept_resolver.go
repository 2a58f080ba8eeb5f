package providers

import (
	"context"

	"github.com/rwdstudio/cohortengine/internal/domain/entities"
)

// ConceptResolver maps a clinical concept label to code-system identifiers.
// A resolver may return Resolved=false with zero or more alternatives; a
// timeout surfaces as an unresolved-predicate gap, never a crash.
type ConceptResolver interface {
	Resolve(ctx context.Context, concept string, domain entities.Domain, codeSystemHint string) (*entities.ConceptResolution, error)
}
