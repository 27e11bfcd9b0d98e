package audit

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDBLogger_RequiresDB(t *testing.T) {
	_, err := NewDBLogger(nil)
	assert.Error(t, err)
}

func TestDBLogger_Log(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ts := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs("evt-1", ts, int64(42), int64(10), int64(7), "PLAN_TEMPLATE", "9", "PUBLISH",
			`{"plan_id":2,"version":3}`, "10.0.0.1", "curl/8").
		WillReturnResult(sqlmock.NewResult(0, 1))

	logger, err := NewDBLogger(db)
	require.NoError(t, err)

	err = logger.Log(context.Background(), &Event{
		ID:             "evt-1",
		Timestamp:      ts,
		ActorUserID:    42,
		ActorRole:      10,
		TargetTenantID: int64p(7),
		EntityType:     EntityPlanTemplate,
		EntityID:       "9",
		Action:         ActionPublish,
		Details:        map[string]interface{}{"plan_id": 2, "version": 3},
		IP:             "10.0.0.1",
		UserAgent:      "curl/8",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBLogger_LogWithoutDetails(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), int64(1), int64(2), sql.NullInt64{}, "PERMISSIONS", "3", "REPLACE",
			sql.NullString{}, "", "").
		WillReturnError(errors.New("relation does not exist"))

	logger, err := NewDBLogger(db)
	require.NoError(t, err)

	err = logger.Log(context.Background(), &Event{ID: "x", ActorUserID: 1, ActorRole: 2, EntityType: EntityPermissions, EntityID: "3", Action: ActionReplace})
	assert.ErrorContains(t, err, "failed to insert audit event")
}

func TestDBLogger_DeleteOlderThan(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("DELETE FROM audit_events WHERE timestamp").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 12))

	logger, err := NewDBLogger(db)
	require.NoError(t, err)

	n, err := logger.DeleteOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
}
