package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/rwdstudio/cohortengine/internal/domain/entities"
	"github.com/rwdstudio/cohortengine/internal/domain/providers"
)

const schemaCacheKey = "catalog:schema"

// CatalogAdapter implements providers.CatalogProvider by introspecting the
// claims database. The introspected catalog is cached in Redis when a cache
// is wired; Refresh busts the cache and re-introspects.
type CatalogAdapter struct {
	db       *sql.DB
	driver   string
	cache    providers.CacheProvider
	cacheTTL int
	mappings map[entities.Domain]entities.DomainMapping
}

// NewCatalogAdapter creates a catalog provider for the given driver
// ("postgres" or "sqlite3"). cache may be nil.
func NewCatalogAdapter(db *sql.DB, driver string, cache providers.CacheProvider, cacheTTLSeconds int) *CatalogAdapter {
	return &CatalogAdapter{
		db:       db,
		driver:   driver,
		cache:    cache,
		cacheTTL: cacheTTLSeconds,
		mappings: DefaultDomainMappings(),
	}
}

// GetSchema returns the catalog, from cache when available.
func (a *CatalogAdapter) GetSchema(ctx context.Context) (*entities.SchemaCatalog, error) {
	if a.cache != nil {
		if data, err := a.cache.Get(ctx, schemaCacheKey); err == nil && len(data) > 0 {
			var catalog entities.SchemaCatalog
			if unmarshalErr := json.Unmarshal(data, &catalog); unmarshalErr == nil {
				return &catalog, nil
			} else {
				log.Warn().Err(unmarshalErr).Msg("discarding unreadable cached schema catalog")
			}
		}
	}
	return a.introspect(ctx)
}

// Refresh discards the cached catalog and re-introspects the database.
func (a *CatalogAdapter) Refresh(ctx context.Context) (*entities.SchemaCatalog, error) {
	if a.cache != nil {
		if err := a.cache.Delete(ctx, schemaCacheKey); err != nil {
			log.Warn().Err(err).Msg("failed to invalidate schema catalog cache")
		}
	}
	return a.introspect(ctx)
}

func (a *CatalogAdapter) introspect(ctx context.Context) (*entities.SchemaCatalog, error) {
	var tables []entities.TableSchema
	var err error

	switch a.driver {
	case "sqlite3":
		tables, err = a.introspectSQLite(ctx)
	default:
		tables, err = a.introspectPostgres(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to introspect schema: %w", err)
	}

	catalog := &entities.SchemaCatalog{
		Tables:         tables,
		DomainMappings: a.mappings,
	}

	if a.cache != nil {
		if data, err := json.Marshal(catalog); err == nil {
			if err := a.cache.Set(ctx, schemaCacheKey, data, a.cacheTTL); err != nil {
				log.Warn().Err(err).Msg("failed to cache schema catalog")
			}
		}
	}

	log.Debug().Int("tables", len(tables)).Str("driver", a.driver).Msg("introspected schema catalog")
	return catalog, nil
}

func (a *CatalogAdapter) introspectPostgres(ctx context.Context) ([]entities.TableSchema, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT table_name, column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = 'public'
		ORDER BY table_name, ordinal_position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byTable := map[string]*entities.TableSchema{}
	var order []string
	for rows.Next() {
		var table, column, dataType, nullable string
		if err := rows.Scan(&table, &column, &dataType, &nullable); err != nil {
			return nil, err
		}
		t, ok := byTable[table]
		if !ok {
			t = &entities.TableSchema{Name: table}
			byTable[table] = t
			order = append(order, table)
		}
		t.Columns = append(t.Columns, entities.ColumnSchema{
			Name:     column,
			Type:     dataType,
			Nullable: nullable == "YES",
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Estimated row counts from the planner statistics; exact counts are
	// too expensive on billion-row claims tables.
	counts, err := a.db.QueryContext(ctx, `
		SELECT relname, reltuples::bigint
		FROM pg_class
		WHERE relkind = 'r' AND relnamespace = 'public'::regnamespace`)
	if err == nil {
		defer counts.Close()
		for counts.Next() {
			var name string
			var n int64
			if err := counts.Scan(&name, &n); err != nil {
				continue
			}
			if t, ok := byTable[name]; ok && n > 0 {
				t.RowCount = n
			}
		}
	}

	tables := make([]entities.TableSchema, 0, len(order))
	for _, name := range order {
		tables = append(tables, *byTable[name])
	}
	return tables, nil
}

func (a *CatalogAdapter) introspectSQLite(ctx context.Context) ([]entities.TableSchema, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tables := make([]entities.TableSchema, 0, len(names))
	for _, name := range names {
		table := entities.TableSchema{Name: name}

		cols, err := a.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", name))
		if err != nil {
			return nil, err
		}
		for cols.Next() {
			var cid int
			var colName, colType string
			var notNull int
			var dfltValue sql.NullString
			var pk int
			if err := cols.Scan(&cid, &colName, &colType, &notNull, &dfltValue, &pk); err != nil {
				cols.Close()
				return nil, err
			}
			table.Columns = append(table.Columns, entities.ColumnSchema{
				Name:     colName,
				Type:     colType,
				Nullable: notNull == 0,
			})
		}
		if err := cols.Err(); err != nil {
			cols.Close()
			return nil, err
		}
		cols.Close()

		var n int64
		if err := a.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %q", name)).Scan(&n); err == nil {
			table.RowCount = n
		}

		tables = append(tables, table)
	}
	return tables, nil
}

// DefaultDomainMappings returns the standard claims-schema mapping. The
// layout mirrors the demo claims extract: one wide claims table with
// primary/secondary/tertiary diagnosis codes, plus patients and
// enrollment_periods.
func DefaultDomainMappings() map[entities.Domain]entities.DomainMapping {
	return map[entities.Domain]entities.DomainMapping{
		entities.DomainDemographic: {
			Table:         "patients",
			SubjectColumn: "patient_id",
			AttributeColumns: map[string]string{
				"age":           "age",
				"sex":           "sex",
				"gender":        "sex",
				"race":          "race",
				"region":        "region",
				"state":         "state",
				"year of birth": "birth_year",
			},
		},
		entities.DomainDiagnosis: {
			Table:               "claims",
			SubjectColumn:       "patient_id",
			CodeColumns:         []string{"primary_diagnosis_code", "secondary_diagnosis_code", "tertiary_diagnosis_code"},
			DateColumn:          "service_date",
			ReferenceTable:      "ref_icd10",
			ReferenceCodeColumn: "code",
		},
		entities.DomainProcedure: {
			Table:               "claims",
			SubjectColumn:       "patient_id",
			CodeColumns:         []string{"procedure_code"},
			DateColumn:          "service_date",
			ReferenceTable:      "ref_cpt",
			ReferenceCodeColumn: "code",
		},
		entities.DomainDrug: {
			Table:               "pharmacy_claims",
			SubjectColumn:       "patient_id",
			CodeColumns:         []string{"ndc_code"},
			DateColumn:          "fill_date",
			ClassColumn:         "drug_class",
			ReferenceTable:      "ref_ndc",
			ReferenceCodeColumn: "code",
		},
		entities.DomainLab: {
			Table:         "lab_results",
			SubjectColumn: "patient_id",
			CodeColumns:   []string{"loinc_code"},
			DateColumn:    "result_date",
			ValueColumn:   "result_value",
			UnitColumn:    "result_unit",
		},
		entities.DomainObservation: {
			Table:         "observations",
			SubjectColumn: "patient_id",
			CodeColumns:   []string{"observation_code"},
			DateColumn:    "observation_date",
			ValueColumn:   "observation_value",
		},
		entities.DomainEnrollment: {
			Table:         "enrollment_periods",
			SubjectColumn: "patient_id",
			StartColumn:   "enrollment_start",
			EndColumn:     "enrollment_end",
		},
	}
}
