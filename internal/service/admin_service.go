package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"volunteer-auth-service/internal/models"
	"volunteer-auth-service/internal/repository"
	"volunteer-auth-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AdminService holds the dashboard overrides. They bypass the ladders on
// purpose: an administrator can always unblock.
type AdminService struct {
	volunteers VolunteerStore
	challenges ChallengeStore
	dispatch   DispatchWindow
	audit      AuditSink
	clock      Clock
	logger     *zap.Logger
}

func NewAdminService(volunteers VolunteerStore, challenges ChallengeStore, dispatch DispatchWindow, audit AuditSink, clock Clock, logger *zap.Logger) *AdminService {
	if clock == nil {
		clock = time.Now
	}
	return &AdminService{
		volunteers: volunteers,
		challenges: challenges,
		dispatch:   dispatch,
		audit:      audit,
		clock:      clock,
		logger:     logger,
	}
}

func (s *AdminService) GetVolunteer(ctx context.Context, volunteerID string) (*models.Volunteer, error) {
	v, err := s.volunteers.GetByID(ctx, volunteerID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load volunteer: %w", err)
	}
	return v, nil
}

func (s *AdminService) Block(ctx context.Context, volunteerID, actor, reason string) (*models.Volunteer, error) {
	now := s.clock()
	v, err := mutateVolunteer(ctx, s.volunteers, s.clock, volunteerID, func(v *models.Volunteer) (bool, error) {
		if v.IsBlocked() {
			return false, nil
		}
		t := now
		v.Status = models.StatusBlocked
		v.BlockedAt = &t
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.challenges.Delete(ctx, v.Email); err != nil {
		s.logger.Error("Failed to drop challenge on block", util.VolunteerID(volunteerID), zap.Error(err))
	}
	s.record(ctx, volunteerID, models.ActionBlock, util.SanitizeInput(reason), actor)
	return v, nil
}

// Unblock returns the volunteer to pending and zeroes both ladders, the
// issuance window and any live challenge.
func (s *AdminService) Unblock(ctx context.Context, volunteerID, actor string) (*models.Volunteer, error) {
	v, err := mutateVolunteer(ctx, s.volunteers, s.clock, volunteerID, func(v *models.Volunteer) (bool, error) {
		if v.IsBlocked() {
			v.Status = models.StatusPending
		}
		v.BlockedAt = nil
		v.AttemptsCount = 0
		v.OTPFailedAttempts = 0
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.clearIssuance(ctx, v)
	s.record(ctx, volunteerID, models.ActionUnblock, "", actor)
	return v, nil
}

func (s *AdminService) SetFraudScore(ctx context.Context, volunteerID string, score models.FraudScore, actor string) (*models.Volunteer, error) {
	if !score.Valid() {
		return nil, validationError("fraud score must be Low, Medium or High")
	}
	v, err := mutateVolunteer(ctx, s.volunteers, s.clock, volunteerID, func(v *models.Volunteer) (bool, error) {
		if v.FraudScore == score {
			return false, nil
		}
		v.FraudScore = score
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, volunteerID, models.ActionFraudScore, string(score), actor)
	return v, nil
}

// ResetOTPLimits clears the code ladder and the issuance window without
// touching status.
func (s *AdminService) ResetOTPLimits(ctx context.Context, volunteerID, actor string) (*models.Volunteer, error) {
	v, err := mutateVolunteer(ctx, s.volunteers, s.clock, volunteerID, func(v *models.Volunteer) (bool, error) {
		if v.OTPFailedAttempts == 0 {
			return false, nil
		}
		v.OTPFailedAttempts = 0
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.clearIssuance(ctx, v)
	s.record(ctx, volunteerID, models.ActionOTPReset, "", actor)
	return v, nil
}

func (s *AdminService) clearIssuance(ctx context.Context, v *models.Volunteer) {
	if err := s.dispatch.Reset(ctx, v.Email); err != nil {
		s.logger.Error("Failed to reset dispatch window", util.VolunteerID(v.VolunteerID), zap.Error(err))
	}
	if err := s.challenges.Delete(ctx, v.Email); err != nil {
		s.logger.Error("Failed to drop challenge", util.VolunteerID(v.VolunteerID), zap.Error(err))
	}
}

func (s *AdminService) record(ctx context.Context, volunteerID string, action models.AdminAction, detail, actor string) {
	s.audit.RecordAdminAction(ctx, models.AdminActionEntry{
		EventID:     uuid.NewString(),
		VolunteerID: volunteerID,
		Action:      action,
		Detail:      detail,
		Actor:       actor,
		CreatedAt:   s.clock(),
	})
	s.logger.Info("Admin action applied",
		util.VolunteerID(volunteerID),
		zap.String("action", string(action)),
		zap.String("actor", actor))
}
