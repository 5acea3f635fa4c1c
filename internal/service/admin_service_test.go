package service

import (
	"context"
	"testing"

	"volunteer-auth-service/internal/models"
	"volunteer-auth-service/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmin_BlockDropsChallenge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.requestDemo(t)

	v, err := h.admin.Block(ctx, demoID, "admin@example.com", "  <b>spam</b>\x00 ")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBlocked, v.Status)
	require.NotNil(t, v.BlockedAt)

	_, err = h.challenges.Get(ctx, demoEmail)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	require.Len(t, h.audit.admin, 1)
	assert.Equal(t, models.ActionBlock, h.audit.admin[0].Action)
	assert.Equal(t, "<b>spam</b>", h.audit.admin[0].Detail)
}

func TestAdmin_UnblockResetsEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = h.otp.RequestChallenge(ctx, demoName, demoMobile, "wrong@example.com")
	}
	require.Equal(t, models.StatusBlocked, h.volunteer(t, demoID).Status)

	// Fill the window so the unblock has something to clear.
	h.requestDemoAfterUnblock(t)

	v, err := h.admin.Unblock(ctx, demoID, "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, v.Status)
	assert.Nil(t, v.BlockedAt)
	assert.Zero(t, v.AttemptsCount)
	assert.Zero(t, v.OTPFailedAttempts)

	// Window was reset, so no cooldown applies.
	h.requestDemo(t)
}

// requestDemoAfterUnblock issues one code while temporarily unblocked, then
// re-blocks, leaving a populated dispatch window behind.
func (h *harness) requestDemoAfterUnblock(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := h.admin.Unblock(ctx, demoID, "setup")
	require.NoError(t, err)
	h.requestDemo(t)
	_, err = h.admin.Block(ctx, demoID, "setup", "")
	require.NoError(t, err)
}

func TestAdmin_SetFraudScore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	v, err := h.admin.SetFraudScore(ctx, demoID, models.FraudMedium, "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.FraudMedium, v.FraudScore)

	_, err = h.admin.SetFraudScore(ctx, demoID, "Extreme", "admin@example.com")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.admin.SetFraudScore(ctx, "ghost", models.FraudLow, "admin@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdmin_ResetOTPLimits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.requestDemo(t)
	code := h.mail.lastCode(t)
	_, err := h.otp.VerifyChallenge(ctx, demoEmail, wrongCode(code))
	require.ErrorIs(t, err, ErrInvalidCode)

	v, err := h.admin.ResetOTPLimits(ctx, demoID, "admin@example.com")
	require.NoError(t, err)
	assert.Zero(t, v.OTPFailedAttempts)
	assert.Equal(t, models.StatusPending, v.Status)

	// Immediately allowed again: the one-minute cooldown went with the window.
	h.requestDemo(t)
	require.Len(t, h.audit.admin, 1)
	assert.Equal(t, models.ActionOTPReset, h.audit.admin[0].Action)
}

func TestAdmin_GetVolunteer(t *testing.T) {
	h := newHarness(t)
	v, err := h.admin.GetVolunteer(context.Background(), demoID)
	require.NoError(t, err)
	assert.Equal(t, demoEmail, v.Email)

	_, err = h.admin.GetVolunteer(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}
