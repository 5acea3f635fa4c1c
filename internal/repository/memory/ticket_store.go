package memory

import (
	"context"
	"sort"
	"sync"

	"volunteer-auth-service/internal/models"
	"volunteer-auth-service/internal/repository"
)

// TicketStore keeps support tickets in a map. Transition is atomic under the
// store mutex, which gives it the same conditional-update semantics as the
// Postgres store.
type TicketStore struct {
	mu      sync.RWMutex
	tickets map[string]*models.SupportTicket
}

func NewTicketStore() *TicketStore {
	return &TicketStore{tickets: make(map[string]*models.SupportTicket)}
}

func copyTicket(t *models.SupportTicket) *models.SupportTicket {
	c := *t
	if t.VolunteerID != nil {
		id := *t.VolunteerID
		c.VolunteerID = &id
	}
	if t.AdminResponse != nil {
		r := *t.AdminResponse
		c.AdminResponse = &r
	}
	if t.AssignedOfficer != nil {
		o := *t.AssignedOfficer
		c.AssignedOfficer = &o
	}
	if t.ResolvedAt != nil {
		at := *t.ResolvedAt
		c.ResolvedAt = &at
	}
	return &c
}

func (s *TicketStore) Create(_ context.Context, t *models.SupportTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[t.TicketID]; ok {
		return repository.ErrStateConflict
	}
	s.tickets[t.TicketID] = copyTicket(t)
	return nil
}

func (s *TicketStore) Get(_ context.Context, ticketID string) (*models.SupportTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[ticketID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyTicket(t), nil
}

// List returns tickets newest first, optionally filtered by status.
func (s *TicketStore) List(_ context.Context, status models.TicketStatus, limit int) ([]*models.SupportTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.SupportTicket, 0, len(s.tickets))
	for _, t := range s.tickets {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, copyTicket(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TicketID > out[j].TicketID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *TicketStore) Transition(_ context.Context, ticketID string, from []models.TicketStatus, to models.TicketStatus, change models.TicketChange) (*models.SupportTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[ticketID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	allowed := false
	for _, f := range from {
		if t.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, repository.ErrStateConflict
	}

	t.Status = to
	t.UpdatedAt = change.UpdatedAt
	if change.AdminResponse != nil {
		t.AdminResponse = change.AdminResponse
	}
	if change.AssignedOfficer != nil {
		t.AssignedOfficer = change.AssignedOfficer
	}
	if change.ResolvedAt != nil {
		t.ResolvedAt = change.ResolvedAt
	}
	t = copyTicket(t)
	return t, nil
}
