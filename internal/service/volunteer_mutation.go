package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"volunteer-auth-service/internal/models"
	"volunteer-auth-service/internal/repository"
)

const (
	maxMutationRetries = 5
	mutationBackoff    = 2 * time.Millisecond
	maxMutationBackoff = 50 * time.Millisecond
)

// mutation edits a freshly loaded volunteer. persist=false skips the write;
// result is returned to the caller as-is after a successful write.
type mutation func(v *models.Volunteer) (persist bool, result error)

// mutateVolunteer is the read-modify-write loop every counter change goes
// through. A version conflict reloads the row and re-runs fn, so two racing
// failures both land. Past maxMutationRetries it backs off but keeps going
// until ctx ends; a conflict always means another writer made progress.
func mutateVolunteer(ctx context.Context, store VolunteerStore, clock Clock, volunteerID string, fn mutation) (*models.Volunteer, error) {
	for attempt := 0; ; attempt++ {
		if attempt >= maxMutationRetries {
			if err := backoff(ctx, attempt-maxMutationRetries+1); err != nil {
				return nil, fmt.Errorf("volunteer %s: %w after %d attempts: %v", volunteerID, repository.ErrVersionConflict, attempt, err)
			}
		}

		v, err := store.GetByID(ctx, volunteerID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("failed to load volunteer: %w", err)
		}

		expected := v.Version
		persist, result := fn(v)
		if !persist {
			return v, result
		}

		now := clock()
		v.UpdatedAt = &now
		err = store.Update(ctx, v, expected)
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update volunteer: %w", err)
		}
		return v, result
	}
}

func backoff(ctx context.Context, step int) error {
	d := time.Duration(step) * mutationBackoff
	if d > maxMutationBackoff {
		d = maxMutationBackoff
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
