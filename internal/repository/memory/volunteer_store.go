// Package memory is an in-process volunteer directory for development and
// tests. It honours the same version and uniqueness rules as the Scylla store.
package memory

import (
	"context"
	"sync"
	"time"

	"volunteer-auth-service/internal/models"
	"volunteer-auth-service/internal/repository"
	"volunteer-auth-service/internal/util"
)

type VolunteerStore struct {
	mu       sync.RWMutex
	byID     map[string]*models.Volunteer
	byMobile map[string]string
	byEmail  map[string]string
}

func NewVolunteerStore() *VolunteerStore {
	return &VolunteerStore{
		byID:     make(map[string]*models.Volunteer),
		byMobile: make(map[string]string),
		byEmail:  make(map[string]string),
	}
}

func (s *VolunteerStore) GetByID(_ context.Context, volunteerID string) (*models.Volunteer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.byID[volunteerID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return v.Clone(), nil
}

func (s *VolunteerStore) GetByMobile(ctx context.Context, mobile string) (*models.Volunteer, error) {
	s.mu.RLock()
	id, ok := s.byMobile[mobile]
	s.mu.RUnlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.GetByID(ctx, id)
}

func (s *VolunteerStore) GetByEmail(ctx context.Context, email string) (*models.Volunteer, error) {
	s.mu.RLock()
	id, ok := s.byEmail[util.NormalizeEmail(email)]
	s.mu.RUnlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.GetByID(ctx, id)
}

func (s *VolunteerStore) Create(_ context.Context, v *models.Volunteer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := util.NormalizeEmail(v.Email)
	if _, ok := s.byMobile[v.Mobile]; ok {
		return repository.ErrDuplicateMobile
	}
	if _, ok := s.byEmail[email]; ok {
		return repository.ErrDuplicateEmail
	}
	if _, ok := s.byID[v.VolunteerID]; ok {
		return repository.ErrVersionConflict
	}

	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	v.Version = 1
	v.Email = email
	s.byID[v.VolunteerID] = v.Clone()
	s.byMobile[v.Mobile] = v.VolunteerID
	s.byEmail[email] = v.VolunteerID
	return nil
}

func (s *VolunteerStore) Update(_ context.Context, v *models.Volunteer, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[v.VolunteerID]
	if !ok {
		return repository.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return repository.ErrVersionConflict
	}

	next := v.Clone()
	next.Email = cur.Email
	next.Mobile = cur.Mobile
	next.Version = expectedVersion + 1
	s.byID[v.VolunteerID] = next
	v.Version = next.Version
	return nil
}

func (s *VolunteerStore) ChangeEmail(_ context.Context, v *models.Volunteer, oldEmail string, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[v.VolunteerID]
	if !ok {
		return repository.ErrNotFound
	}
	newEmail := util.NormalizeEmail(v.Email)
	if owner, taken := s.byEmail[newEmail]; taken && owner != v.VolunteerID {
		return repository.ErrDuplicateEmail
	}
	if cur.Version != expectedVersion {
		return repository.ErrVersionConflict
	}

	v.Email = newEmail
	next := v.Clone()
	next.Mobile = cur.Mobile
	next.Version = expectedVersion + 1
	s.byID[v.VolunteerID] = next
	delete(s.byEmail, util.NormalizeEmail(oldEmail))
	s.byEmail[newEmail] = v.VolunteerID
	v.Version = next.Version
	return nil
}

// SeedDemo inserts the demo volunteer used for local walkthroughs.
func (s *VolunteerStore) SeedDemo(ctx context.Context) error {
	return s.Create(ctx, &models.Volunteer{
		VolunteerID:         "demo-volunteer",
		Mobile:              "8555007177",
		Email:               "demo@example.com",
		FullName:            "Demo Volunteer",
		District:            "Hyderabad",
		Status:              models.StatusPending,
		FraudScore:          models.FraudLow,
		AdminApprovalStatus: models.ApprovalNone,
	})
}
