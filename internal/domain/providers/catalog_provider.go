package providers

import (
	"context"

	"github.com/rwdstudio/cohortengine/internal/domain/entities"
)

// CatalogProvider exposes the read-only schema catalog of the clinical
// dataset. GetSchema must be called before the first compilation; Refresh
// is called when execution reports a schema error.
type CatalogProvider interface {
	// GetSchema returns the catalog, possibly from cache.
	GetSchema(ctx context.Context) (*entities.SchemaCatalog, error)

	// Refresh discards any cached catalog and re-introspects the source.
	Refresh(ctx context.Context) (*entities.SchemaCatalog, error)
}
