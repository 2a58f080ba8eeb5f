package database

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rwdstudio/cohortengine/internal/domain/entities"
)

const cohortQuery = `SELECT subject_id FROM included`

func newMockAdapter(t *testing.T) (*CohortAdapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewCohortAdapter(db, "postgres", 30*time.Second, 5), mock
}

func TestExecuteCountMode(t *testing.T) {
	adapter, mock := newMockAdapter(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) AS n FROM (SELECT subject_id FROM included) cohort_count`)).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1234))

	result, err := adapter.Execute(context.Background(), cohortQuery, entities.ModeCount)
	require.NoError(t, err)

	assert.Equal(t, entities.ExecutionOK, result.Status)
	assert.Equal(t, int64(1234), result.RowCount)
	assert.Empty(t, result.PreviewRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutePreviewCountsFirst(t *testing.T) {
	adapter, mock := newMockAdapter(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) AS n`)).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(2))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM (SELECT subject_id FROM included) cohort_preview LIMIT 5`)).
		WillReturnRows(sqlmock.NewRows([]string{"subject_id"}).AddRow("P001").AddRow("P002"))

	result, err := adapter.Execute(context.Background(), cohortQuery, entities.ModePreview)
	require.NoError(t, err)

	assert.Equal(t, int64(2), result.RowCount)
	require.Len(t, result.PreviewRows, 2)
	assert.Equal(t, "P001", result.PreviewRows[0]["subject_id"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutePreviewSkipsEmptyCohort(t *testing.T) {
	adapter, mock := newMockAdapter(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) AS n`)).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(0))

	result, err := adapter.Execute(context.Background(), cohortQuery, entities.ModePreview)
	require.NoError(t, err)

	assert.Equal(t, int64(0), result.RowCount)
	assert.Empty(t, result.PreviewRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteRejectsDestructiveSQL(t *testing.T) {
	adapter, _ := newMockAdapter(t)

	cases := []string{
		"DROP TABLE patients",
		"DELETE FROM claims",
		"SELECT 1; DROP TABLE patients",
		"WITH x AS (SELECT 1) UPDATE patients SET age = 0",
	}
	for _, q := range cases {
		_, err := adapter.Execute(context.Background(), q, entities.ModeCount)
		assert.Error(t, err, q)
	}
}

func TestExecuteClassifiesSyntaxError(t *testing.T) {
	adapter, mock := newMockAdapter(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*)`)).
		WillReturnError(&pq.Error{Code: "42601", Message: "syntax error at or near \"FORM\""})

	result, err := adapter.Execute(context.Background(), cohortQuery, entities.ModeCount)
	require.NoError(t, err)

	assert.Equal(t, entities.ExecutionError, result.Status)
	assert.Equal(t, entities.ExecSyntaxError, result.ErrorKind)
}

func TestExecuteClassifiesSchemaError(t *testing.T) {
	adapter, mock := newMockAdapter(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*)`)).
		WillReturnError(&pq.Error{Code: "42P01", Message: `relation "claims" does not exist`})

	result, err := adapter.Execute(context.Background(), cohortQuery, entities.ModeCount)
	require.NoError(t, err)
	assert.Equal(t, entities.ExecSchemaError, result.ErrorKind)
}

func TestExecuteClassifiesSQLiteErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	adapter := NewCohortAdapter(db, "sqlite3", 30*time.Second, 5)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*)`)).
		WillReturnError(assert.AnError)

	// unknown errors default to schema-class so the repair loop refreshes
	result, err := adapter.Execute(context.Background(), cohortQuery, entities.ModeCount)
	require.NoError(t, err)
	assert.Equal(t, entities.ExecSchemaError, result.ErrorKind)
}

func TestExecuteClassifiesTimeout(t *testing.T) {
	adapter, mock := newMockAdapter(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*)`)).
		WillReturnError(context.DeadlineExceeded)

	result, err := adapter.Execute(context.Background(), cohortQuery, entities.ModeCount)
	require.NoError(t, err)
	assert.Equal(t, entities.ExecTimeout, result.ErrorKind)
}

func TestValidateReadOnly(t *testing.T) {
	assert.NoError(t, validateReadOnly("SELECT 1"))
	assert.NoError(t, validateReadOnly("  WITH x AS (SELECT 1) SELECT * FROM x"))
	assert.NoError(t, validateReadOnly("select subject_id from included"))
	assert.Error(t, validateReadOnly("TRUNCATE claims"))
	assert.Error(t, validateReadOnly("EXPLAIN SELECT 1"))
	// keyword check is word-bounded, not substring
	assert.NoError(t, validateReadOnly("SELECT updated_at FROM claims"))
	assert.NoError(t, validateReadOnly("SELECT created_flag FROM claims"))
}
