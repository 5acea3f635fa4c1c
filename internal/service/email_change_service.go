package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"time"
	"unicode/utf8"

	"volunteer-auth-service/internal/models"
	"volunteer-auth-service/internal/repository"
	"volunteer-auth-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxReasonLength = 500

// EmailChangeService runs the volunteer-request / admin-decision workflow
// for moving a volunteer to a new address.
type EmailChangeService struct {
	volunteers VolunteerStore
	challenges ChallengeStore
	dispatch   DispatchWindow
	audit      AuditSink
	clock      Clock
	logger     *zap.Logger
}

func NewEmailChangeService(volunteers VolunteerStore, challenges ChallengeStore, dispatch DispatchWindow, audit AuditSink, clock Clock, logger *zap.Logger) *EmailChangeService {
	if clock == nil {
		clock = time.Now
	}
	return &EmailChangeService{
		volunteers: volunteers,
		challenges: challenges,
		dispatch:   dispatch,
		audit:      audit,
		clock:      clock,
		logger:     logger,
	}
}

// RequestChange records a pending request. Counters and status are untouched.
func (s *EmailChangeService) RequestChange(ctx context.Context, currentEmail, newEmail, reason string) (*models.Volunteer, error) {
	currentEmail = util.NormalizeEmail(currentEmail)
	newEmail = util.NormalizeEmail(newEmail)
	reason = util.SanitizeInput(reason)

	if _, err := mail.ParseAddress(currentEmail); err != nil {
		return nil, validationError("current email is not valid")
	}
	if _, err := mail.ParseAddress(newEmail); err != nil {
		return nil, validationError("new email is not valid")
	}
	if currentEmail == newEmail {
		return nil, validationError("new email must differ from the current one")
	}
	if reason == "" || utf8.RuneCountInString(reason) > maxReasonLength {
		return nil, validationError("reason is required and must be at most %d characters", maxReasonLength)
	}

	v, err := s.volunteers.GetByEmail(ctx, currentEmail)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up volunteer: %w", err)
	}

	if err := s.ensureEmailFree(ctx, newEmail, v.VolunteerID); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			s.logger.Warn("Email change requested to an address already in use",
				util.VolunteerID(v.VolunteerID),
				util.Email("requested_email", newEmail))
		}
		return nil, err
	}

	if util.ContainsSuspicious(reason) {
		s.logger.Warn("Email change reason flagged for review", util.VolunteerID(v.VolunteerID))
	}

	now := s.clock()
	return mutateVolunteer(ctx, s.volunteers, s.clock, v.VolunteerID, func(v *models.Volunteer) (bool, error) {
		t := now
		v.NewEmailRequested = true
		v.NewEmailValue = newEmail
		v.RequestReason = reason
		v.EmailRequestedAt = &t
		v.AdminApprovalStatus = models.ApprovalPending
		return true, nil
	})
}

// DecideChange applies an admin decision. Approval re-checks that the new
// address is still free right before the swap; a lost race returns
// ErrEmailTaken and leaves both records as they were.
func (s *EmailChangeService) DecideChange(ctx context.Context, volunteerID string, approve bool, actor, note string) (*models.Volunteer, error) {
	if actor == "" {
		return nil, validationError("actor is required")
	}
	note = util.SanitizeInput(note)

	for attempt := 0; attempt < maxMutationRetries; attempt++ {
		v, err := s.volunteers.GetByID(ctx, volunteerID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load volunteer: %w", err)
		}
		if !v.NewEmailRequested || v.AdminApprovalStatus != models.ApprovalPending {
			return nil, fmt.Errorf("%w: no pending email change", ErrInvalidTransition)
		}

		entry := models.EmailChangeAuditEntry{
			EventID:     uuid.NewString(),
			VolunteerID: v.VolunteerID,
			OldEmail:    v.Email,
			NewEmail:    v.NewEmailValue,
			Reason:      v.RequestReason,
			Flagged:     util.ContainsSuspicious(v.RequestReason),
			Note:        note,
			Actor:       actor,
		}

		var done bool
		if approve {
			done, err = s.approve(ctx, v, &entry)
		} else {
			done, err = s.reject(ctx, v, &entry)
		}
		if err != nil {
			return nil, err
		}
		if !done {
			continue
		}

		entry.CreatedAt = s.clock()
		s.audit.RecordEmailChange(ctx, entry)
		s.logger.Info("Email change decided",
			util.VolunteerID(v.VolunteerID),
			zap.String("decision", string(entry.Decision)),
			zap.String("actor", actor))
		return v, nil
	}
	return nil, fmt.Errorf("volunteer %s: %w", volunteerID, repository.ErrVersionConflict)
}

func (s *EmailChangeService) approve(ctx context.Context, v *models.Volunteer, entry *models.EmailChangeAuditEntry) (bool, error) {
	oldEmail, newEmail := v.Email, v.NewEmailValue
	expected := v.Version

	if err := s.ensureEmailFree(ctx, newEmail, v.VolunteerID); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			s.recordTaken(ctx, entry)
		}
		return false, err
	}

	now := s.clock()
	v.Email = newEmail
	v.ClearEmailChange()
	v.AdminApprovalStatus = models.ApprovalApproved
	v.OTPFailedAttempts = 0
	v.UpdatedAt = &now

	err := s.volunteers.ChangeEmail(ctx, v, oldEmail, expected)
	switch {
	case errors.Is(err, repository.ErrVersionConflict):
		return false, nil
	case errors.Is(err, repository.ErrDuplicateEmail):
		s.recordTaken(ctx, entry)
		return false, ErrEmailTaken
	case err != nil:
		return false, fmt.Errorf("failed to change email: %w", err)
	}

	for _, email := range []string{oldEmail, newEmail} {
		if err := s.dispatch.Reset(ctx, email); err != nil {
			s.logger.Error("Failed to reset dispatch window", util.VolunteerID(v.VolunteerID), zap.Error(err))
		}
	}
	if err := s.challenges.Delete(ctx, oldEmail); err != nil {
		s.logger.Error("Failed to drop challenge for old email", util.VolunteerID(v.VolunteerID), zap.Error(err))
	}

	entry.Decision = models.DecisionApproved
	return true, nil
}

func (s *EmailChangeService) reject(ctx context.Context, v *models.Volunteer, entry *models.EmailChangeAuditEntry) (bool, error) {
	expected := v.Version
	now := s.clock()
	v.ClearEmailChange()
	v.AdminApprovalStatus = models.ApprovalRejected
	v.UpdatedAt = &now

	err := s.volunteers.Update(ctx, v, expected)
	if errors.Is(err, repository.ErrVersionConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to update volunteer: %w", err)
	}
	entry.Decision = models.DecisionRejected
	return true, nil
}

func (s *EmailChangeService) recordTaken(ctx context.Context, entry *models.EmailChangeAuditEntry) {
	entry.Decision = models.DecisionFailed
	entry.CreatedAt = s.clock()
	s.audit.RecordEmailChange(ctx, *entry)
	s.logger.Warn("Email change approval blocked, address taken",
		util.VolunteerID(entry.VolunteerID),
		util.Email("requested_email", entry.NewEmail))
}

func (s *EmailChangeService) ensureEmailFree(ctx context.Context, email, volunteerID string) error {
	other, err := s.volunteers.GetByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check email: %w", err)
	}
	if other.VolunteerID != volunteerID {
		return ErrEmailTaken
	}
	return nil
}
