package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"volunteer-auth-service/internal/models"
	"volunteer-auth-service/internal/repository"
	"volunteer-auth-service/internal/util"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

const maxTicketMessage = 2000

var ticketCategories = map[string]bool{
	"login":        true,
	"otp":          true,
	"email_change": true,
	"agreement":    true,
	"other":        true,
}

// TicketService handles support ticket intake and the admin transitions.
// Intake is deliberately open: no rate limit, no fraud scoring.
type TicketService struct {
	tickets    TicketStore
	index      TicketIndex
	volunteers VolunteerStore
	clock      Clock
	logger     *zap.Logger
}

func NewTicketService(tickets TicketStore, index TicketIndex, volunteers VolunteerStore, clock Clock, logger *zap.Logger) *TicketService {
	if clock == nil {
		clock = time.Now
	}
	return &TicketService{tickets: tickets, index: index, volunteers: volunteers, clock: clock, logger: logger}
}

func (s *TicketService) CreateTicket(ctx context.Context, name, mobile, email, category, message string) (*models.SupportTicket, error) {
	name = util.SanitizeInput(name)
	mobile = strings.TrimSpace(mobile)
	email = util.NormalizeEmail(email)
	category = strings.ToLower(strings.TrimSpace(category))
	message = util.SanitizeInput(message)

	if name == "" {
		return nil, validationError("name is required")
	}
	if mobile == "" && email == "" {
		return nil, validationError("mobile or email is required")
	}
	if mobile != "" && !mobilePattern.MatchString(mobile) {
		return nil, validationError("mobile must be exactly 10 digits")
	}
	if !ticketCategories[category] {
		category = "other"
	}
	if message == "" || utf8.RuneCountInString(message) > maxTicketMessage {
		return nil, validationError("message is required and must be at most %d characters", maxTicketMessage)
	}

	now := s.clock().UTC()
	ticket := &models.SupportTicket{
		TicketID:    ksuid.New().String(),
		VolunteerID: s.linkVolunteer(ctx, email, mobile),
		Name:        name,
		Mobile:      mobile,
		Email:       email,
		Category:    category,
		Message:     message,
		Status:      models.TicketPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		Flagged:     util.ContainsSuspicious(name) || util.ContainsSuspicious(message),
	}
	if err := s.tickets.Create(ctx, ticket); err != nil {
		return nil, fmt.Errorf("failed to create ticket: %w", err)
	}
	s.reindex(ctx, ticket)

	s.logger.Info("Support ticket created",
		zap.String("ticket_id", ticket.TicketID),
		zap.String("category", category),
		zap.Bool("linked", ticket.VolunteerID != nil),
		zap.Bool("flagged", ticket.Flagged))
	return ticket, nil
}

// linkVolunteer is a best-effort weak reference: email first, then mobile.
func (s *TicketService) linkVolunteer(ctx context.Context, email, mobile string) *string {
	lookups := []func() (*models.Volunteer, error){}
	if email != "" {
		lookups = append(lookups, func() (*models.Volunteer, error) { return s.volunteers.GetByEmail(ctx, email) })
	}
	if mobile != "" {
		lookups = append(lookups, func() (*models.Volunteer, error) { return s.volunteers.GetByMobile(ctx, mobile) })
	}
	for _, lookup := range lookups {
		v, err := lookup()
		if err == nil {
			id := v.VolunteerID
			return &id
		}
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("Ticket volunteer lookup failed", zap.Error(err))
		}
	}
	return nil
}

func (s *TicketService) Start(ctx context.Context, ticketID string) (*models.SupportTicket, error) {
	return s.transition(ctx, ticketID,
		[]models.TicketStatus{models.TicketPending},
		models.TicketInProgress, models.TicketChange{})
}

// Resolve closes a ticket with a response and stamps the resolving officer.
func (s *TicketService) Resolve(ctx context.Context, ticketID, message, officer string) (*models.SupportTicket, error) {
	message = util.SanitizeInput(message)
	if message == "" || utf8.RuneCountInString(message) > maxTicketMessage {
		return nil, validationError("resolution message is required and must be at most %d characters", maxTicketMessage)
	}
	now := s.clock().UTC()
	change := models.TicketChange{AdminResponse: &message, ResolvedAt: &now}
	if officer != "" {
		change.AssignedOfficer = &officer
	}
	return s.transition(ctx, ticketID,
		[]models.TicketStatus{models.TicketPending, models.TicketInProgress, models.TicketEscalated},
		models.TicketResolved, change)
}

func (s *TicketService) Escalate(ctx context.Context, ticketID string) (*models.SupportTicket, error) {
	return s.transition(ctx, ticketID,
		[]models.TicketStatus{models.TicketPending, models.TicketInProgress},
		models.TicketEscalated, models.TicketChange{})
}

func (s *TicketService) transition(ctx context.Context, ticketID string, from []models.TicketStatus, to models.TicketStatus, change models.TicketChange) (*models.SupportTicket, error) {
	change.UpdatedAt = s.clock().UTC()
	t, err := s.tickets.Transition(ctx, ticketID, from, to, change)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, ErrNotFound
	case errors.Is(err, repository.ErrStateConflict):
		return nil, fmt.Errorf("%w: cannot move ticket to %s", ErrInvalidTransition, to)
	case err != nil:
		return nil, fmt.Errorf("failed to update ticket: %w", err)
	}
	s.reindex(ctx, t)
	return t, nil
}

func (s *TicketService) List(ctx context.Context, status string, limit int) ([]*models.SupportTicket, error) {
	st := models.TicketStatus(status)
	if status != "" && !st.Valid() {
		return nil, validationError("unknown ticket status %q", status)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.tickets.List(ctx, st, limit)
}

func (s *TicketService) Search(ctx context.Context, query string, limit int) ([]*models.SupportTicket, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, validationError("query is required")
	}
	if s.index == nil {
		return nil, fmt.Errorf("ticket search is not configured")
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.index.Search(ctx, query, limit)
}

func (s *TicketService) reindex(ctx context.Context, t *models.SupportTicket) {
	if s.index == nil {
		return
	}
	if err := s.index.Index(ctx, t); err != nil {
		s.logger.Warn("Failed to index ticket", zap.String("ticket_id", t.TicketID), zap.Error(err))
	}
}
