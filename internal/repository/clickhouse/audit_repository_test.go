package clickhouse

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"volunteer-auth-service/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// passthrough lets array columns reach the mock unchanged, as the ClickHouse
// driver accepts them.
type passthrough struct{}

func (passthrough) ConvertValue(v interface{}) (driver.Value, error) { return v, nil }

func newMock(t *testing.T) (*AuditRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(passthrough{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewAuditRepository(db), mock
}

var at = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestInsertStatements(t *testing.T) {
	assert.Equal(t,
		"INSERT INTO otp_dispatch_log (event_id, email, provider, outcome, error, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		insertDispatch)
	assert.Equal(t, 12, strings.Count(insertMismatch, "?"))
}

func TestInsertDispatch(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(insertDispatch)).
		WithArgs("ev-1", "demo@example.com", "resend", "sent", "", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.InsertDispatch(context.Background(), models.DispatchLogEntry{
		EventID: "ev-1", Email: "demo@example.com", Provider: "resend", Outcome: models.DispatchSent, CreatedAt: at,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertMismatch(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(insertMismatch)).
		WithArgs("ev-2", "vol-1", []string{"email"}, "Demo", "de**@example.com", "******7177",
			"Demo Volunteer", "demo@example.com", `{"ciphertext":"x"}`, "local-dev", uint8(1), at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.InsertMismatch(context.Background(), models.MismatchLogEntry{
		EventID:          "ev-2",
		VolunteerID:      "vol-1",
		Fields:           []string{"email"},
		SubmittedName:    "Demo",
		SubmittedEmail:   "de**@example.com",
		SubmittedMobile:  "******7177",
		StoredName:       "Demo Volunteer",
		StoredEmail:      "demo@example.com",
		SealedSubmission: []byte(`{"ciphertext":"x"}`),
		SealKeyID:        "local-dev",
		CountsToward:     true,
		CreatedAt:        at,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertEmailChangeAndAdminAction(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(insertEmailChange)).
		WithArgs("ev-3", "vol-1", "old@example.com", "new@example.com", "approved", "<b>lost</b> inbox", uint8(1), "", "admin", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(insertAdminAction)).
		WithArgs("ev-4", "vol-1", "unblock", "", "admin", at).
		WillReturnError(errors.New("table is read-only"))

	ctx := context.Background()
	require.NoError(t, repo.InsertEmailChange(ctx, models.EmailChangeAuditEntry{
		EventID: "ev-3", VolunteerID: "vol-1", OldEmail: "old@example.com", NewEmail: "new@example.com",
		Decision: models.DecisionApproved, Reason: "<b>lost</b> inbox", Flagged: true, Actor: "admin", CreatedAt: at,
	}))
	err := repo.InsertAdminAction(ctx, models.AdminActionEntry{
		EventID: "ev-4", VolunteerID: "vol-1", Action: models.ActionUnblock, Actor: "admin", CreatedAt: at,
	})
	assert.ErrorContains(t, err, "failed to archive admin action")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	repo, mock := newMock(t)
	for range schema {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, repo.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountMismatches(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT count() FROM identity_mismatch_log")).
		WithArgs("vol-1").
		WillReturnRows(sqlmock.NewRows([]string{"count()"}).AddRow(uint64(3)))

	n, err := repo.CountMismatches(context.Background(), "vol-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
