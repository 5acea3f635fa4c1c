package service

import (
	"context"
	"time"

	"volunteer-auth-service/internal/mailer"
	"volunteer-auth-service/internal/models"
)

// VolunteerStore is the directory of record. Update and ChangeEmail are
// compare-and-set on Version and fail with repository.ErrVersionConflict when
// the row moved underneath the caller.
type VolunteerStore interface {
	GetByID(ctx context.Context, volunteerID string) (*models.Volunteer, error)
	GetByMobile(ctx context.Context, mobile string) (*models.Volunteer, error)
	GetByEmail(ctx context.Context, email string) (*models.Volunteer, error)
	Create(ctx context.Context, v *models.Volunteer) error
	Update(ctx context.Context, v *models.Volunteer, expectedVersion int64) error
	// ChangeEmail moves v from oldEmail to v.Email. The new address is
	// claimed first; repository.ErrDuplicateEmail means nothing was written.
	ChangeEmail(ctx context.Context, v *models.Volunteer, oldEmail string, expectedVersion int64) error
}

// ChallengeStore keeps the single live challenge per email.
type ChallengeStore interface {
	// Upsert replaces any existing challenge for the email.
	Upsert(ctx context.Context, ch *models.OTPChallenge, ttl time.Duration) error
	Get(ctx context.Context, email string) (*models.OTPChallenge, error)
	// Consume deletes the challenge only if it still carries otpHash.
	// repository.ErrNotFound means another caller got there first.
	Consume(ctx context.Context, email, otpHash string) error
	// RecordFailure bumps the attempt counter of the challenge carrying
	// otpHash and locks it at ceiling.
	RecordFailure(ctx context.Context, email, otpHash string, ceiling int) (attempts int, locked bool, err error)
	Lock(ctx context.Context, email, otpHash string) error
	Delete(ctx context.Context, email string) error
}

// DispatchWindow is the rolling issuance log used for the daily cap and
// the throttle.
type DispatchWindow interface {
	Window(ctx context.Context, email string, now time.Time) (models.DispatchWindow, error)
	// Reserve appends an issuance at now only if the window still holds
	// expectedCount entries.
	Reserve(ctx context.Context, email string, now time.Time, expectedCount int) (bool, error)
	Reset(ctx context.Context, email string) error
}

// AuditSink receives the append-only trail. Implementations must surface
// their own failures; callers never fail because of them.
type AuditSink interface {
	RecordDispatch(ctx context.Context, e models.DispatchLogEntry)
	RecordMismatch(ctx context.Context, e models.MismatchLogEntry)
	RecordEmailChange(ctx context.Context, e models.EmailChangeAuditEntry)
	RecordAdminAction(ctx context.Context, e models.AdminActionEntry)
}

// Mailer hands a code to whichever provider can take it.
type Mailer interface {
	Send(ctx context.Context, msg mailer.Message) (mailer.Delivery, error)
}

type TicketStore interface {
	Create(ctx context.Context, t *models.SupportTicket) error
	Get(ctx context.Context, ticketID string) (*models.SupportTicket, error)
	List(ctx context.Context, status models.TicketStatus, limit int) ([]*models.SupportTicket, error)
	// Transition moves a ticket to `to` only from one of `from`.
	Transition(ctx context.Context, ticketID string, from []models.TicketStatus, to models.TicketStatus, change models.TicketChange) (*models.SupportTicket, error)
}

type TicketIndex interface {
	Index(ctx context.Context, t *models.SupportTicket) error
	Search(ctx context.Context, query string, limit int) ([]*models.SupportTicket, error)
}

// TokenIssuer mints the session token handed out after verification.
type TokenIssuer interface {
	IssueVolunteerToken(v *models.Volunteer) (token string, expiresAt time.Time, err error)
}

// Clock is injected so tests can move time.
type Clock func() time.Time
