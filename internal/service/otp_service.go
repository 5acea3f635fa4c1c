package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"volunteer-auth-service/internal/encryption"
	"volunteer-auth-service/internal/hashing"
	"volunteer-auth-service/internal/mailer"
	"volunteer-auth-service/internal/models"
	"volunteer-auth-service/internal/repository"
	"volunteer-auth-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	mobilePattern = regexp.MustCompile(`^[0-9]{10}$`)
	codePattern   = regexp.MustCompile(`^[0-9]+$`)
)

const maxReserveRetries = 3

// CodeHasher digests and checks one-time codes.
type CodeHasher interface {
	HashOTP(code string) (*hashing.HashResult, error)
	VerifyOTP(code string, stored *hashing.HashResult) (bool, error)
}

// Sealer encrypts PII before it is written to the audit archive.
type Sealer interface {
	Seal(ctx context.Context, purpose string, v interface{}) (*encryption.Envelope, error)
}

// ChallengeIssued is the successful result of RequestChallenge.
type ChallengeIssued struct {
	MaskedEmail string
	ExpiresAt   time.Time
}

// AuthenticatedPrincipal is the successful result of VerifyChallenge.
type AuthenticatedPrincipal struct {
	Volunteer *models.Volunteer
	Token     string
	ExpiresAt time.Time
}

type OTPService struct {
	volunteers VolunteerStore
	challenges ChallengeStore
	dispatch   DispatchWindow
	hasher     CodeHasher
	mailer     Mailer
	audit      AuditSink
	sealer     Sealer
	tokens     TokenIssuer
	policy     Policy
	subject    string
	clock      Clock
	logger     *zap.Logger
}

type OTPServiceDeps struct {
	Volunteers VolunteerStore
	Challenges ChallengeStore
	Dispatch   DispatchWindow
	Hasher     CodeHasher
	Mailer     Mailer
	Audit      AuditSink
	Sealer     Sealer
	Tokens     TokenIssuer
	Policy     Policy
	Subject    string
	Clock      Clock
	Logger     *zap.Logger
}

func NewOTPService(d OTPServiceDeps) *OTPService {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &OTPService{
		volunteers: d.Volunteers,
		challenges: d.Challenges,
		dispatch:   d.Dispatch,
		hasher:     d.Hasher,
		mailer:     d.Mailer,
		audit:      d.Audit,
		sealer:     d.Sealer,
		tokens:     d.Tokens,
		policy:     d.Policy,
		subject:    d.Subject,
		clock:      d.Clock,
		logger:     d.Logger,
	}
}

// RequestChallenge checks the claimed identity against the directory and,
// when everything lines up, emails a fresh code.
func (s *OTPService) RequestChallenge(ctx context.Context, name, mobile, email string) (*ChallengeIssued, error) {
	mobile = strings.TrimSpace(mobile)
	email = util.NormalizeEmail(email)
	if !mobilePattern.MatchString(mobile) {
		return nil, validationError("mobile must be exactly 10 digits")
	}
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return nil, validationError("email is not valid")
	}
	now := s.clock()

	v, err := s.volunteers.GetByMobile(ctx, mobile)
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Info("OTP requested for unknown mobile", util.Email("email", email))
		return nil, ErrIdentityMismatch
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up volunteer: %w", err)
	}

	if s.policy.IssuanceBlocked(v) {
		return nil, ErrAccountBlocked
	}

	window, err := s.dispatch.Window(ctx, email, now)
	if err != nil {
		return nil, fmt.Errorf("failed to read dispatch window: %w", err)
	}
	if err := s.policy.CheckIssuance(window, now); err != nil {
		return nil, err
	}

	check := CompareIdentity(v, name, email, mobile)
	if !check.Matched() {
		s.recordMismatch(ctx, v, check, name, email, mobile, now)
		if check.Counts {
			return nil, s.applyIdentityMismatch(ctx, v.VolunteerID, now)
		}
		s.logger.Info("Name differs from record, continuing",
			util.VolunteerID(v.VolunteerID))
	}

	v, err = mutateVolunteer(ctx, s.volunteers, s.clock, v.VolunteerID, func(v *models.Volunteer) (bool, error) {
		if s.policy.IssuanceBlocked(v) {
			return false, ErrAccountBlocked
		}
		if v.AttemptsCount == 0 {
			return false, nil
		}
		v.AttemptsCount = 0
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.reserve(ctx, email, now, window); err != nil {
		return nil, err
	}

	code, err := hashing.GenerateNumericCode(s.policy.CodeLength)
	if err != nil {
		return nil, err
	}
	digest, err := s.hasher.HashOTP(code)
	if err != nil {
		return nil, fmt.Errorf("failed to hash code: %w", err)
	}

	challenge := &models.OTPChallenge{
		Email:         email,
		VolunteerID:   v.VolunteerID,
		OTPHash:       digest.Hash,
		OTPSalt:       digest.Salt,
		PepperVersion: digest.PepperVersion,
		ExpiresAt:     now.Add(s.policy.TTL),
	}
	if err := s.challenges.Upsert(ctx, challenge, s.policy.TTL); err != nil {
		return nil, fmt.Errorf("failed to store challenge: %w", err)
	}

	delivery, sendErr := s.mailer.Send(ctx, mailer.Message{
		To:        v.Email,
		Name:      v.FullName,
		OTP:       code,
		Subject:   s.subject,
		ExpiresIn: s.policy.TTL,
	})
	if sendErr != nil {
		if err := s.challenges.Consume(ctx, email, digest.Hash); err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error("Failed to withdraw undelivered challenge", util.VolunteerID(v.VolunteerID), zap.Error(err))
		}
		s.audit.RecordDispatch(ctx, models.DispatchLogEntry{
			EventID:   uuid.NewString(),
			Email:     email,
			Outcome:   models.DispatchFailed,
			Error:     sendErr.Error(),
			CreatedAt: now,
		})
		return nil, fmt.Errorf("%w: %v", ErrDispatchFailed, sendErr)
	}

	outcome := models.DispatchSent
	if delivery.Fallback {
		outcome = models.DispatchFallback
	}
	s.audit.RecordDispatch(ctx, models.DispatchLogEntry{
		EventID:   uuid.NewString(),
		Email:     email,
		Provider:  delivery.Provider,
		Outcome:   outcome,
		CreatedAt: now,
	})

	s.logger.Info("OTP issued",
		util.VolunteerID(v.VolunteerID),
		zap.String("provider", delivery.Provider),
		zap.Int("issued_in_window", window.Count+1))

	return &ChallengeIssued{MaskedEmail: util.MaskEmail(email), ExpiresAt: challenge.ExpiresAt}, nil
}

// reserve claims a slot in the dispatch window. A concurrent issuance moves
// the window, so the cap and cooldown are re-checked before trying again.
func (s *OTPService) reserve(ctx context.Context, email string, now time.Time, window models.DispatchWindow) error {
	for i := 0; i < maxReserveRetries; i++ {
		ok, err := s.dispatch.Reserve(ctx, email, now, window.Count)
		if err != nil {
			return fmt.Errorf("failed to reserve dispatch slot: %w", err)
		}
		if ok {
			return nil
		}
		window, err = s.dispatch.Window(ctx, email, now)
		if err != nil {
			return fmt.Errorf("failed to read dispatch window: %w", err)
		}
		if err := s.policy.CheckIssuance(window, now); err != nil {
			return err
		}
	}
	return &ThrottleError{Wait: s.policy.Cooldown(1)}
}

func (s *OTPService) applyIdentityMismatch(ctx context.Context, volunteerID string, now time.Time) error {
	v, err := mutateVolunteer(ctx, s.volunteers, s.clock, volunteerID, func(v *models.Volunteer) (bool, error) {
		if s.policy.IssuanceBlocked(v) {
			return false, ErrAccountBlocked
		}
		blocked, remaining := s.policy.ApplyIdentityMismatch(v, now)
		if blocked {
			return true, ErrAccountBlocked
		}
		return true, &MismatchError{Remaining: remaining}
	})
	if err != nil && v != nil && v.IsBlocked() {
		s.logger.Warn("Volunteer blocked after identity mismatches",
			util.VolunteerID(volunteerID),
			zap.Int("attempts", v.AttemptsCount))
	}
	return err
}

type sealedSubmission struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	Mobile string `json:"mobile"`
}

func (s *OTPService) recordMismatch(ctx context.Context, v *models.Volunteer, check IdentityCheck, name, email, mobile string, now time.Time) {
	entry := models.MismatchLogEntry{
		EventID:         uuid.NewString(),
		VolunteerID:     v.VolunteerID,
		Fields:          check.Fields,
		SubmittedName:   util.SanitizeInput(name),
		SubmittedEmail:  util.MaskEmail(email),
		SubmittedMobile: maskMobile(mobile),
		StoredName:      v.FullName,
		StoredEmail:     v.Email,
		CountsToward:    check.Counts,
		CreatedAt:       now,
	}
	if s.sealer != nil {
		env, err := s.sealer.Seal(ctx, "mismatch-submission", sealedSubmission{Name: name, Email: email, Mobile: mobile})
		if err != nil {
			s.logger.Error("Failed to seal mismatch submission", util.VolunteerID(v.VolunteerID), zap.Error(err))
		} else if raw, err := json.Marshal(env); err == nil {
			entry.SealedSubmission = raw
			entry.SealKeyID = env.KeyID
		}
	}
	s.audit.RecordMismatch(ctx, entry)
}

// VerifyChallenge checks a submitted code. At most one caller can consume a
// given challenge.
func (s *OTPService) VerifyChallenge(ctx context.Context, email, code string) (*AuthenticatedPrincipal, error) {
	email = util.NormalizeEmail(email)
	code = strings.TrimSpace(code)
	if email == "" {
		return nil, validationError("email is required")
	}
	if len(code) != s.policy.CodeLength || !codePattern.MatchString(code) {
		return nil, validationError("code must be %d digits", s.policy.CodeLength)
	}
	now := s.clock()

	ch, err := s.challenges.Get(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrInvalidRequest
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load challenge: %w", err)
	}
	if ch.Locked {
		return nil, ErrTooManyAttempts
	}
	if ch.Expired(now) {
		return nil, ErrExpired
	}

	v, err := s.volunteers.GetByID(ctx, ch.VolunteerID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrInvalidRequest
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up volunteer: %w", err)
	}
	if v.IsBlocked() {
		return nil, ErrAccountBlocked
	}

	ok, err := s.hasher.VerifyOTP(code, &hashing.HashResult{
		Hash:          ch.OTPHash,
		Salt:          ch.OTPSalt,
		PepperVersion: ch.PepperVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to verify code: %w", err)
	}
	if !ok {
		return nil, s.handleWrongCode(ctx, ch, now)
	}

	switch err := s.challenges.Consume(ctx, email, ch.OTPHash); {
	case errors.Is(err, repository.ErrNotFound):
		return nil, ErrInvalidRequest
	case errors.Is(err, repository.ErrChallengeLocked):
		return nil, ErrTooManyAttempts
	case err != nil:
		return nil, fmt.Errorf("failed to consume challenge: %w", err)
	}

	v, err = mutateVolunteer(ctx, s.volunteers, s.clock, ch.VolunteerID, func(v *models.Volunteer) (bool, error) {
		if v.IsBlocked() {
			return false, ErrAccountBlocked
		}
		t := now
		v.LastLoginAt = &t
		v.OTPFailedAttempts = 0
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	token, expiresAt, err := s.tokens.IssueVolunteerToken(v)
	if err != nil {
		return nil, fmt.Errorf("failed to issue session token: %w", err)
	}

	s.logger.Info("Volunteer signed in", util.VolunteerID(v.VolunteerID))
	return &AuthenticatedPrincipal{Volunteer: v, Token: token, ExpiresAt: expiresAt}, nil
}

// CurrentVolunteer loads the holder of a volunteer session. A block placed
// after sign-in takes effect here.
func (s *OTPService) CurrentVolunteer(ctx context.Context, volunteerID string) (*models.Volunteer, error) {
	v, err := s.volunteers.GetByID(ctx, volunteerID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up volunteer: %w", err)
	}
	if v.IsBlocked() {
		return nil, ErrAccountBlocked
	}
	return v, nil
}

func (s *OTPService) handleWrongCode(ctx context.Context, ch *models.OTPChallenge, now time.Time) error {
	_, challengeLocked, err := s.challenges.RecordFailure(ctx, ch.Email, ch.OTPHash, s.policy.CodeBlockThreshold)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrInvalidRequest
	}
	if err != nil {
		return fmt.Errorf("failed to record failed attempt: %w", err)
	}

	var outcome CodeOutcome
	_, err = mutateVolunteer(ctx, s.volunteers, s.clock, ch.VolunteerID, func(v *models.Volunteer) (bool, error) {
		outcome = s.policy.ApplyCodeFailure(v, now)
		return true, nil
	})
	if err != nil {
		// The challenge counter already moved; the volunteer ladder did not.
		s.logger.Error("Failed code attempt not recorded on volunteer",
			util.VolunteerID(ch.VolunteerID),
			zap.Error(err))
		return err
	}

	switch {
	case outcome == CodeLocked || challengeLocked:
		if err := s.challenges.Lock(ctx, ch.Email, ch.OTPHash); err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error("Failed to lock challenge", util.VolunteerID(ch.VolunteerID), zap.Error(err))
		}
		s.logger.Warn("Volunteer locked after failed codes", util.VolunteerID(ch.VolunteerID))
		return ErrAccountLocked
	case outcome == CodeFlagged:
		s.logger.Warn("Volunteer flagged after failed codes", util.VolunteerID(ch.VolunteerID))
	}
	return ErrInvalidCode
}

func maskMobile(m string) string {
	if len(m) <= 4 {
		return strings.Repeat("*", len(m))
	}
	return strings.Repeat("*", len(m)-4) + m[len(m)-4:]
}
