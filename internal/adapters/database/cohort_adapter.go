package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/rwdstudio/cohortengine/internal/domain/entities"
)

// CohortAdapter implements providers.CohortExecutor. Every query runs under
// the configured statement timeout; count mode never materializes rows.
type CohortAdapter struct {
	db           *sql.DB
	driver       string
	queryTimeout time.Duration
	previewLimit int
}

// NewCohortAdapter creates a cohort executor for the given driver.
func NewCohortAdapter(db *sql.DB, driver string, queryTimeout time.Duration, previewLimit int) *CohortAdapter {
	if previewLimit <= 0 {
		previewLimit = 10
	}
	return &CohortAdapter{
		db:           db,
		driver:       driver,
		queryTimeout: queryTimeout,
		previewLimit: previewLimit,
	}
}

var destructiveKeywords = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|truncate|create|grant|revoke)\b`)

// validateReadOnly rejects anything that is not a plain read. The engine
// only ever emits SELECT/WITH statements; anything else is a bug upstream.
func validateReadOnly(query string) error {
	trimmed := strings.TrimSpace(query)
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return fmt.Errorf("query must start with SELECT or WITH")
	}
	if destructiveKeywords.MatchString(trimmed) {
		return fmt.Errorf("query contains a destructive keyword")
	}
	return nil
}

// Execute runs a compiled cohort query. Classified failures (syntax,
// schema, timeout) come back in the result; only guard violations and
// context cancellation before the query starts are Go errors.
func (a *CohortAdapter) Execute(ctx context.Context, query string, mode entities.ExecutionMode) (*entities.ExecutionResult, error) {
	if err := validateReadOnly(query); err != nil {
		return nil, err
	}

	if a.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.queryTimeout)
		defer cancel()
	}

	start := time.Now()

	count, err := a.runCount(ctx, query)
	if err != nil {
		result := a.classify(err, time.Since(start))
		log.Warn().Str("error_kind", string(result.ErrorKind)).Err(err).Msg("cohort query failed")
		return result, nil
	}

	result := &entities.ExecutionResult{
		Status:   entities.ExecutionOK,
		RowCount: count,
		Timing:   time.Since(start),
	}

	if mode == entities.ModePreview && count > 0 {
		rows, err := a.runPreview(ctx, query)
		if err != nil {
			failed := a.classify(err, time.Since(start))
			log.Warn().Str("error_kind", string(failed.ErrorKind)).Err(err).Msg("cohort preview failed")
			return failed, nil
		}
		result.PreviewRows = rows
		result.Timing = time.Since(start)
	}

	log.Debug().Int64("row_count", count).Dur("timing", result.Timing).Str("mode", string(mode)).
		Msg("cohort query executed")
	return result, nil
}

func (a *CohortAdapter) runCount(ctx context.Context, query string) (int64, error) {
	countSQL := fmt.Sprintf("SELECT COUNT(*) AS n FROM (%s) cohort_count", query)
	var n int64
	if err := a.db.QueryRowContext(ctx, countSQL).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (a *CohortAdapter) runPreview(ctx context.Context, query string) ([]map[string]any, error) {
	previewSQL := fmt.Sprintf("SELECT * FROM (%s) cohort_preview LIMIT %d", query, a.previewLimit)
	rows, err := a.db.QueryContext(ctx, previewSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// classify maps a driver error to a repairable error kind. Timeouts are
// treated as schema-class for the repair loop in the sense that the catalog
// gets refreshed, but keep their own kind for the audit log.
func (a *CohortAdapter) classify(err error, elapsed time.Duration) *entities.ExecutionResult {
	result := &entities.ExecutionResult{
		Status: entities.ExecutionError,
		Timing: elapsed,
		Error:  err.Error(),
	}

	if errors.Is(err, context.DeadlineExceeded) {
		result.ErrorKind = entities.ExecTimeout
		return result
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "42601": // syntax_error
			result.ErrorKind = entities.ExecSyntaxError
		case "42P01", "42703": // undefined_table, undefined_column
			result.ErrorKind = entities.ExecSchemaError
		case "57014": // query_canceled, statement_timeout
			result.ErrorKind = entities.ExecTimeout
		default:
			result.ErrorKind = entities.ExecSchemaError
		}
		return result
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "syntax error"):
		result.ErrorKind = entities.ExecSyntaxError
	case strings.Contains(msg, "no such table"), strings.Contains(msg, "no such column"):
		result.ErrorKind = entities.ExecSchemaError
	case strings.Contains(msg, "context deadline exceeded"), strings.Contains(msg, "interrupted"):
		result.ErrorKind = entities.ExecTimeout
	default:
		result.ErrorKind = entities.ExecSchemaError
	}
	return result
}
