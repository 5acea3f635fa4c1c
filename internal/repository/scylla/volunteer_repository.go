package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"volunteer-auth-service/internal/bucketing"
	"volunteer-auth-service/internal/models"
	"volunteer-auth-service/internal/repository"
	"volunteer-auth-service/internal/util"
)

const (
	volunteerColumns = `volunteer_bucket, volunteer_id, mobile, email, full_name, district,
		status, fraud_score, attempts_count, otp_failed_attempts, last_login_at, blocked_at,
		new_email_requested, new_email_value, request_reason, email_requested_at,
		admin_approval_status, created_at, updated_at, version`

	selectVolunteer = `SELECT ` + volunteerColumns + ` FROM volunteers
		WHERE volunteer_bucket = ? AND volunteer_id = ?`

	insertVolunteer = `INSERT INTO volunteers (` + volunteerColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`

	// email and mobile are deliberately absent; they move only through
	// the lookup tables.
	updateVolunteer = `UPDATE volunteers SET full_name = ?, district = ?, status = ?,
		fraud_score = ?, attempts_count = ?, otp_failed_attempts = ?, last_login_at = ?,
		blocked_at = ?, new_email_requested = ?, new_email_value = ?, request_reason = ?,
		email_requested_at = ?, admin_approval_status = ?, updated_at = ?, version = ?
		WHERE volunteer_bucket = ? AND volunteer_id = ? IF version = ?`

	updateVolunteerEmail = `UPDATE volunteers SET email = ?, full_name = ?, district = ?, status = ?,
		fraud_score = ?, attempts_count = ?, otp_failed_attempts = ?, last_login_at = ?,
		blocked_at = ?, new_email_requested = ?, new_email_value = ?, request_reason = ?,
		email_requested_at = ?, admin_approval_status = ?, updated_at = ?, version = ?
		WHERE volunteer_bucket = ? AND volunteer_id = ? IF version = ?`

	selectByMobile = `SELECT volunteer_id FROM volunteers_by_mobile WHERE mobile = ?`
	selectByEmail  = `SELECT volunteer_id FROM volunteers_by_email WHERE email = ?`
	claimMobile    = `INSERT INTO volunteers_by_mobile (mobile, volunteer_id) VALUES (?, ?) IF NOT EXISTS`
	claimEmail     = `INSERT INTO volunteers_by_email (email, volunteer_id) VALUES (?, ?) IF NOT EXISTS`
	releaseMobile  = `DELETE FROM volunteers_by_mobile WHERE mobile = ? IF volunteer_id = ?`
	releaseEmail   = `DELETE FROM volunteers_by_email WHERE email = ? IF volunteer_id = ?`
)

// VolunteerRepository stores the directory in Scylla. Uniqueness of mobile
// and email is enforced by lightweight transactions on the lookup tables;
// row updates are compare-and-set on version.
type VolunteerRepository struct {
	client    *ScyllaClient
	bucketing *bucketing.BucketingManager
	logger    *zap.Logger
}

func NewVolunteerRepository(client *ScyllaClient, bm *bucketing.BucketingManager, logger *zap.Logger) *VolunteerRepository {
	return &VolunteerRepository{client: client, bucketing: bm, logger: logger}
}

func (r *VolunteerRepository) GetByID(ctx context.Context, volunteerID string) (*models.Volunteer, error) {
	bucket := r.bucketing.GetVolunteerBucket(volunteerID)
	var row volunteerRow
	err := r.client.ScanWithRetry(r.client.Query(ctx, selectVolunteer, bucket, volunteerID), row.dest()...)
	if err == gocql.ErrNotFound {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		r.logger.Error("Failed to get volunteer", zap.String("volunteer_id", volunteerID), zap.Error(err))
		return nil, fmt.Errorf("failed to get volunteer: %w", err)
	}
	return row.toModel(), nil
}

func (r *VolunteerRepository) GetByMobile(ctx context.Context, mobile string) (*models.Volunteer, error) {
	return r.getByLookup(ctx, selectByMobile, mobile)
}

// GetByEmail matches case-insensitively; lookup keys are stored lowercased.
func (r *VolunteerRepository) GetByEmail(ctx context.Context, email string) (*models.Volunteer, error) {
	return r.getByLookup(ctx, selectByEmail, util.NormalizeEmail(email))
}

func (r *VolunteerRepository) getByLookup(ctx context.Context, stmt, key string) (*models.Volunteer, error) {
	var volunteerID string
	err := r.client.ScanWithRetry(r.client.Query(ctx, stmt, key), &volunteerID)
	if err == gocql.ErrNotFound {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve volunteer: %w", err)
	}
	return r.GetByID(ctx, volunteerID)
}

// Create claims mobile and email, then writes the row. Claims are released
// if a later step fails.
func (r *VolunteerRepository) Create(ctx context.Context, v *models.Volunteer) error {
	r.prepareInsert(v)

	if err := r.claim(ctx, claimMobile, v.Mobile, v.VolunteerID, repository.ErrDuplicateMobile); err != nil {
		return err
	}
	if err := r.claim(ctx, claimEmail, v.Email, v.VolunteerID, repository.ErrDuplicateEmail); err != nil {
		r.release(ctx, releaseMobile, v.Mobile, v.VolunteerID)
		return err
	}

	args := append(newVolunteerRow(v).values(), v.Version)
	applied, err := r.client.Query(ctx, insertVolunteer, args...).MapScanCAS(map[string]interface{}{})
	if err != nil || !applied {
		r.release(ctx, releaseEmail, v.Email, v.VolunteerID)
		r.release(ctx, releaseMobile, v.Mobile, v.VolunteerID)
		if err != nil {
			return fmt.Errorf("failed to create volunteer: %w", err)
		}
		return fmt.Errorf("volunteer %s already exists: %w", v.VolunteerID, repository.ErrVersionConflict)
	}

	r.logger.Info("Volunteer created", zap.String("volunteer_id", v.VolunteerID))
	return nil
}

// prepareInsert stamps the partition, creation time and first version, and
// lowercases the email so the row and its lookup key agree.
func (r *VolunteerRepository) prepareInsert(v *models.Volunteer) {
	v.VolunteerBucket = r.bucketing.GetVolunteerBucket(v.VolunteerID)
	v.Email = util.NormalizeEmail(v.Email)
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	v.Version = 1
}

func (r *VolunteerRepository) Update(ctx context.Context, v *models.Volunteer, expectedVersion int64) error {
	args := append(mutableValues(v), expectedVersion+1, v.VolunteerBucket, v.VolunteerID, expectedVersion)
	applied, err := r.client.Query(ctx, updateVolunteer, args...).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to update volunteer: %w", err)
	}
	if !applied {
		return repository.ErrVersionConflict
	}
	v.Version = expectedVersion + 1
	return nil
}

// ChangeEmail claims v.Email, swaps the row and then drops oldEmail. A lost
// race on the claim leaves everything untouched.
func (r *VolunteerRepository) ChangeEmail(ctx context.Context, v *models.Volunteer, oldEmail string, expectedVersion int64) error {
	v.Email = util.NormalizeEmail(v.Email)
	oldEmail = util.NormalizeEmail(oldEmail)
	if err := r.claim(ctx, claimEmail, v.Email, v.VolunteerID, repository.ErrDuplicateEmail); err != nil {
		return err
	}

	args := append([]interface{}{v.Email}, mutableValues(v)...)
	args = append(args, expectedVersion+1, v.VolunteerBucket, v.VolunteerID, expectedVersion)
	applied, err := r.client.Query(ctx, updateVolunteerEmail, args...).MapScanCAS(map[string]interface{}{})
	if err != nil || !applied {
		r.release(ctx, releaseEmail, v.Email, v.VolunteerID)
		if err != nil {
			return fmt.Errorf("failed to change email: %w", err)
		}
		return repository.ErrVersionConflict
	}
	v.Version = expectedVersion + 1

	r.release(ctx, releaseEmail, oldEmail, v.VolunteerID)
	return nil
}

// claim inserts into a lookup table. A row already owned by the same
// volunteer counts as success so a retried operation can proceed.
func (r *VolunteerRepository) claim(ctx context.Context, stmt, key, volunteerID string, dup error) error {
	existing := map[string]interface{}{}
	applied, err := r.client.Query(ctx, stmt, key, volunteerID).MapScanCAS(existing)
	if err != nil {
		return fmt.Errorf("failed to claim %s: %w", key, err)
	}
	if applied {
		return nil
	}
	if owner, _ := existing["volunteer_id"].(string); owner == volunteerID {
		return nil
	}
	return dup
}

func (r *VolunteerRepository) release(ctx context.Context, stmt, key, volunteerID string) {
	if _, err := r.client.Query(ctx, stmt, key, volunteerID).MapScanCAS(map[string]interface{}{}); err != nil {
		r.logger.Error("Failed to release lookup row",
			zap.String("volunteer_id", volunteerID),
			zap.Error(err))
	}
}

// volunteerRow mirrors the table; nullable timestamps scan into zero values.
type volunteerRow struct {
	bucket              int
	id                  string
	mobile              string
	email               string
	fullName            string
	district            string
	status              string
	fraudScore          string
	attempts            int
	otpFailed           int
	lastLogin           time.Time
	blockedAt           time.Time
	newEmailRequested   bool
	newEmailValue       string
	requestReason       string
	emailRequestedAt    time.Time
	adminApprovalStatus string
	createdAt           time.Time
	updatedAt           time.Time
	version             int64
}

func (r *volunteerRow) dest() []interface{} {
	return []interface{}{
		&r.bucket, &r.id, &r.mobile, &r.email, &r.fullName, &r.district,
		&r.status, &r.fraudScore, &r.attempts, &r.otpFailed, &r.lastLogin, &r.blockedAt,
		&r.newEmailRequested, &r.newEmailValue, &r.requestReason, &r.emailRequestedAt,
		&r.adminApprovalStatus, &r.createdAt, &r.updatedAt, &r.version,
	}
}

func (r *volunteerRow) toModel() *models.Volunteer {
	approval := models.ApprovalStatus(r.adminApprovalStatus)
	if approval == "" {
		approval = models.ApprovalNone
	}
	score := models.FraudScore(r.fraudScore)
	if score == "" {
		score = models.FraudLow
	}
	return &models.Volunteer{
		VolunteerBucket:     r.bucket,
		VolunteerID:         r.id,
		Mobile:              r.mobile,
		Email:               r.email,
		FullName:            r.fullName,
		District:            r.district,
		Status:              models.VolunteerStatus(r.status),
		FraudScore:          score,
		AttemptsCount:       r.attempts,
		OTPFailedAttempts:   r.otpFailed,
		LastLoginAt:         nullableTime(r.lastLogin),
		BlockedAt:           nullableTime(r.blockedAt),
		NewEmailRequested:   r.newEmailRequested,
		NewEmailValue:       r.newEmailValue,
		RequestReason:       r.requestReason,
		EmailRequestedAt:    nullableTime(r.emailRequestedAt),
		AdminApprovalStatus: approval,
		CreatedAt:           r.createdAt,
		UpdatedAt:           nullableTime(r.updatedAt),
		Version:             r.version,
	}
}

func newVolunteerRow(v *models.Volunteer) *volunteerRow {
	return &volunteerRow{
		bucket:              v.VolunteerBucket,
		id:                  v.VolunteerID,
		mobile:              v.Mobile,
		email:               v.Email,
		fullName:            v.FullName,
		district:            v.District,
		status:              string(v.Status),
		fraudScore:          string(v.FraudScore),
		attempts:            v.AttemptsCount,
		otpFailed:           v.OTPFailedAttempts,
		newEmailRequested:   v.NewEmailRequested,
		newEmailValue:       v.NewEmailValue,
		requestReason:       v.RequestReason,
		adminApprovalStatus: string(v.AdminApprovalStatus),
		createdAt:           v.CreatedAt,
	}
}

// values is the insert column order minus version.
func (r *volunteerRow) values() []interface{} {
	return []interface{}{
		r.bucket, r.id, r.mobile, r.email, r.fullName, r.district,
		r.status, r.fraudScore, r.attempts, r.otpFailed, nil, nil,
		r.newEmailRequested, r.newEmailValue, r.requestReason, nil,
		r.adminApprovalStatus, r.createdAt, nil,
	}
}

// mutableValues follows the SET order of updateVolunteer up to updated_at.
func mutableValues(v *models.Volunteer) []interface{} {
	return []interface{}{
		v.FullName, v.District, string(v.Status),
		string(v.FraudScore), v.AttemptsCount, v.OTPFailedAttempts, v.LastLoginAt,
		v.BlockedAt, v.NewEmailRequested, v.NewEmailValue, v.RequestReason,
		v.EmailRequestedAt, string(v.AdminApprovalStatus), v.UpdatedAt,
	}
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
