// Package clickhouse archives the append-only audit trail: OTP dispatches,
// identity mismatches, email-change decisions and admin overrides.
package clickhouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"volunteer-auth-service/internal/models"
)

const (
	dispatchTable    = "otp_dispatch_log"
	mismatchTable    = "identity_mismatch_log"
	emailChangeTable = "email_change_audit"
	adminActionTable = "admin_action_log"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ` + dispatchTable + ` (
		event_id String,
		email String,
		provider LowCardinality(String),
		outcome LowCardinality(String),
		error String,
		created_at DateTime64(3, 'UTC')
	) ENGINE = MergeTree ORDER BY (email, created_at)`,
	`CREATE TABLE IF NOT EXISTS ` + mismatchTable + ` (
		event_id String,
		volunteer_id String,
		fields Array(String),
		submitted_name String,
		submitted_email String,
		submitted_mobile String,
		stored_name String,
		stored_email String,
		sealed_submission String,
		seal_key_id String,
		counts_toward UInt8,
		created_at DateTime64(3, 'UTC')
	) ENGINE = MergeTree ORDER BY (volunteer_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS ` + emailChangeTable + ` (
		event_id String,
		volunteer_id String,
		old_email String,
		new_email String,
		decision LowCardinality(String),
		reason String,
		reason_flagged UInt8,
		note String,
		actor String,
		created_at DateTime64(3, 'UTC')
	) ENGINE = MergeTree ORDER BY (volunteer_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS ` + adminActionTable + ` (
		event_id String,
		volunteer_id String,
		action LowCardinality(String),
		detail String,
		actor String,
		created_at DateTime64(3, 'UTC')
	) ENGINE = MergeTree ORDER BY (volunteer_id, created_at)`,
}

type AuditRepository struct {
	db *sql.DB
}

func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create audit table: %w", err)
		}
	}
	return nil
}

func insert(table string, columns ...string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", "))
}

var (
	insertDispatch = insert(dispatchTable,
		"event_id", "email", "provider", "outcome", "error", "created_at")
	insertMismatch = insert(mismatchTable,
		"event_id", "volunteer_id", "fields", "submitted_name", "submitted_email", "submitted_mobile",
		"stored_name", "stored_email", "sealed_submission", "seal_key_id", "counts_toward", "created_at")
	insertEmailChange = insert(emailChangeTable,
		"event_id", "volunteer_id", "old_email", "new_email", "decision", "reason", "reason_flagged", "note", "actor", "created_at")
	insertAdminAction = insert(adminActionTable,
		"event_id", "volunteer_id", "action", "detail", "actor", "created_at")
)

// boolFlag maps to ClickHouse UInt8.
func boolFlag(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func (r *AuditRepository) InsertDispatch(ctx context.Context, e models.DispatchLogEntry) error {
	_, err := r.db.ExecContext(ctx, insertDispatch,
		e.EventID, e.Email, e.Provider, string(e.Outcome), e.Error, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to archive dispatch: %w", err)
	}
	return nil
}

func (r *AuditRepository) InsertMismatch(ctx context.Context, e models.MismatchLogEntry) error {
	_, err := r.db.ExecContext(ctx, insertMismatch,
		e.EventID, e.VolunteerID, e.Fields, e.SubmittedName, e.SubmittedEmail, e.SubmittedMobile,
		e.StoredName, e.StoredEmail, string(e.SealedSubmission), e.SealKeyID, boolFlag(e.CountsToward), e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to archive mismatch: %w", err)
	}
	return nil
}

func (r *AuditRepository) InsertEmailChange(ctx context.Context, e models.EmailChangeAuditEntry) error {
	_, err := r.db.ExecContext(ctx, insertEmailChange,
		e.EventID, e.VolunteerID, e.OldEmail, e.NewEmail, string(e.Decision), e.Reason, boolFlag(e.Flagged),
		e.Note, e.Actor, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to archive email change: %w", err)
	}
	return nil
}

func (r *AuditRepository) InsertAdminAction(ctx context.Context, e models.AdminActionEntry) error {
	_, err := r.db.ExecContext(ctx, insertAdminAction,
		e.EventID, e.VolunteerID, string(e.Action), e.Detail, e.Actor, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to archive admin action: %w", err)
	}
	return nil
}

// CountMismatches returns how many counted mismatches a volunteer has on
// record. The admin dashboard shows it next to attempts_count.
func (r *AuditRepository) CountMismatches(ctx context.Context, volunteerID string) (int, error) {
	var n uint64
	err := r.db.QueryRowContext(ctx,
		"SELECT count() FROM "+mismatchTable+" WHERE volunteer_id = ? AND counts_toward = 1", volunteerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count mismatches: %w", err)
	}
	return int(n), nil
}

func (r *AuditRepository) HealthCheck(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *AuditRepository) Close() error {
	return r.db.Close()
}
