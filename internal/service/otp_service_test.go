package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"volunteer-auth-service/internal/models"
	"volunteer-auth-service/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestChallenge_SendsCode(t *testing.T) {
	h := newHarness(t)

	issued := h.requestDemo(t)
	assert.Equal(t, "de**@example.com", issued.MaskedEmail)
	assert.Equal(t, h.clock.Now().Add(10*time.Minute), issued.ExpiresAt)

	require.Len(t, h.mail.sent, 1)
	msg := h.mail.sent[0]
	assert.Equal(t, demoEmail, msg.To)
	assert.Len(t, msg.OTP, 6)

	ch, err := h.challenges.Get(context.Background(), demoEmail)
	require.NoError(t, err)
	assert.NotContains(t, ch.OTPHash, msg.OTP)
	assert.Equal(t, demoID, ch.VolunteerID)

	require.Len(t, h.audit.dispatches, 1)
	assert.Equal(t, models.DispatchSent, h.audit.dispatches[0].Outcome)
}

func TestRequestChallenge_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name, mobile, email string
	}{
		{demoName, "85550071", demoEmail},
		{demoName, "85550071ab", demoEmail},
		{demoName, demoMobile, "not-an-email"},
		{demoName, demoMobile, ""},
	}
	for _, tc := range cases {
		_, err := h.otp.RequestChallenge(ctx, tc.name, tc.mobile, tc.email)
		assert.ErrorIs(t, err, ErrValidation, "mobile=%q email=%q", tc.mobile, tc.email)
	}
	assert.Empty(t, h.mail.sent)
}

func TestRequestChallenge_UnknownMobile(t *testing.T) {
	h := newHarness(t)

	_, err := h.otp.RequestChallenge(context.Background(), demoName, "9999999999", demoEmail)
	assert.ErrorIs(t, err, ErrIdentityMismatch)

	var mismatch *MismatchError
	assert.False(t, errors.As(err, &mismatch))
	assert.Empty(t, h.mail.sent)
}

func TestRequestChallenge_MismatchLadder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.otp.RequestChallenge(ctx, demoName, demoMobile, "someone@example.com")
	var mismatch *MismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, 1, mismatch.Remaining)
	assert.NotContains(t, err.Error(), "email")

	v := h.volunteer(t, demoID)
	assert.Equal(t, 1, v.AttemptsCount)
	assert.Equal(t, models.StatusPending, v.Status)

	require.Len(t, h.audit.mismatches, 1)
	entry := h.audit.mismatches[0]
	assert.Equal(t, []string{"email"}, entry.Fields)
	assert.True(t, entry.CountsToward)
	assert.Equal(t, "test-key", entry.SealKeyID)
	assert.NotEmpty(t, entry.SealedSubmission)

	_, err = h.otp.RequestChallenge(ctx, demoName, demoMobile, "someone@example.com")
	assert.ErrorIs(t, err, ErrAccountBlocked)

	v = h.volunteer(t, demoID)
	assert.Equal(t, 2, v.AttemptsCount)
	assert.Equal(t, models.StatusBlocked, v.Status)
	assert.Equal(t, models.FraudHigh, v.FraudScore)
	require.NotNil(t, v.BlockedAt)

	// Even the correct details are refused once blocked.
	_, err = h.otp.RequestChallenge(ctx, demoName, demoMobile, demoEmail)
	assert.ErrorIs(t, err, ErrAccountBlocked)
	assert.Empty(t, h.mail.sent)
}

func TestRequestChallenge_MatchResetsAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.otp.RequestChallenge(ctx, demoName, demoMobile, "someone@example.com")
	require.Error(t, err)
	assert.Equal(t, 1, h.volunteer(t, demoID).AttemptsCount)

	h.requestDemo(t)
	assert.Equal(t, 0, h.volunteer(t, demoID).AttemptsCount)
}

func TestRequestChallenge_NameOnlyMismatchIsLogged(t *testing.T) {
	h := newHarness(t)

	_, err := h.otp.RequestChallenge(context.Background(), "  demo   VOLUNTEER ", demoMobile, "Demo@Example.com")
	require.NoError(t, err)

	_, err = h.otp.RequestChallenge(context.Background(), "Someone Else", demoMobile, demoEmail)
	var throttled *ThrottleError
	require.True(t, errors.As(err, &throttled), "name mismatch should still reach the throttle, got %v", err)

	h.clock.Advance(time.Minute)
	_, err = h.otp.RequestChallenge(context.Background(), "Someone Else", demoMobile, demoEmail)
	require.NoError(t, err)

	require.Len(t, h.audit.mismatches, 1)
	assert.Equal(t, []string{"name"}, h.audit.mismatches[0].Fields)
	assert.False(t, h.audit.mismatches[0].CountsToward)
	assert.Equal(t, 0, h.volunteer(t, demoID).AttemptsCount)
}

func TestRequestChallenge_Throttle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.requestDemo(t)
	h.clock.Advance(time.Minute)
	h.requestDemo(t)
	h.clock.Advance(3 * time.Minute)
	h.requestDemo(t)

	_, err := h.otp.RequestChallenge(ctx, demoName, demoMobile, demoEmail)
	var throttled *ThrottleError
	require.True(t, errors.As(err, &throttled))
	assert.ErrorIs(t, err, ErrThrottled)
	assert.Equal(t, 5*time.Minute, throttled.Wait)

	h.clock.Advance(4 * time.Minute)
	_, err = h.otp.RequestChallenge(ctx, demoName, demoMobile, demoEmail)
	require.True(t, errors.As(err, &throttled))
	assert.Equal(t, time.Minute, throttled.Wait)
	assert.Len(t, h.mail.sent, 3)
}

func TestRequestChallenge_DailyCapSlides(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i, gap := range []time.Duration{0, time.Minute, 3 * time.Minute, 5 * time.Minute, 5 * time.Minute} {
		h.clock.Advance(gap)
		_, err := h.otp.RequestChallenge(ctx, demoName, demoMobile, demoEmail)
		require.NoError(t, err, "issue %d", i+1)
	}

	h.clock.Advance(time.Hour)
	_, err := h.otp.RequestChallenge(ctx, demoName, demoMobile, demoEmail)
	assert.ErrorIs(t, err, ErrDailyLimitExceeded)

	// The first issue was 24h+ ago once the clock passes t0+24h.
	h.clock.Advance(23 * time.Hour)
	_, err = h.otp.RequestChallenge(ctx, demoName, demoMobile, demoEmail)
	require.NoError(t, err)
	assert.Len(t, h.mail.sent, 6)
}

func TestRequestChallenge_DispatchFailureWithdrawsChallenge(t *testing.T) {
	h := newHarness(t)
	h.mail.err = errors.New("provider down")

	_, err := h.otp.RequestChallenge(context.Background(), demoName, demoMobile, demoEmail)
	assert.ErrorIs(t, err, ErrDispatchFailed)

	_, err = h.challenges.Get(context.Background(), demoEmail)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	require.Len(t, h.audit.dispatches, 1)
	assert.Equal(t, models.DispatchFailed, h.audit.dispatches[0].Outcome)
}

func TestRequestChallenge_SealFailureStillRecords(t *testing.T) {
	h := newHarness(t)
	h.otp.sealer = fakeSealer{fail: true}

	_, err := h.otp.RequestChallenge(context.Background(), demoName, demoMobile, "x@example.com")
	require.Error(t, err)
	require.Len(t, h.audit.mismatches, 1)
	assert.Empty(t, h.audit.mismatches[0].SealedSubmission)
}

func TestVerifyChallenge_RoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.requestDemo(t)
	code := h.mail.lastCode(t)

	h.clock.Advance(2 * time.Minute)
	principal, err := h.otp.VerifyChallenge(ctx, "DEMO@example.com", code)
	require.NoError(t, err)
	assert.Equal(t, "token-"+demoID, principal.Token)
	assert.Equal(t, demoID, principal.Volunteer.VolunteerID)

	v := h.volunteer(t, demoID)
	require.NotNil(t, v.LastLoginAt)
	assert.True(t, v.LastLoginAt.Equal(h.clock.Now()))
	assert.Equal(t, 0, v.OTPFailedAttempts)

	_, err = h.otp.VerifyChallenge(ctx, demoEmail, code)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestVerifyChallenge_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, code := range []string{"", "123", "1234567", "12a456"} {
		_, err := h.otp.VerifyChallenge(ctx, demoEmail, code)
		assert.ErrorIs(t, err, ErrValidation, "code=%q", code)
	}
	_, err := h.otp.VerifyChallenge(ctx, "", "123456")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestVerifyChallenge_NoChallenge(t *testing.T) {
	h := newHarness(t)
	_, err := h.otp.VerifyChallenge(context.Background(), demoEmail, "123456")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestVerifyChallenge_Expired(t *testing.T) {
	h := newHarness(t)
	h.requestDemo(t)
	code := h.mail.lastCode(t)

	h.clock.Advance(10*time.Minute + time.Second)
	_, err := h.otp.VerifyChallenge(context.Background(), demoEmail, code)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifyChallenge_ReissueReplacesCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.requestDemo(t)
	first := h.mail.lastCode(t)
	h.clock.Advance(time.Minute)
	h.requestDemo(t)
	second := h.mail.lastCode(t)

	if first != second {
		_, err := h.otp.VerifyChallenge(ctx, demoEmail, first)
		assert.ErrorIs(t, err, ErrInvalidCode)
	}
	_, err := h.otp.VerifyChallenge(ctx, demoEmail, second)
	require.NoError(t, err)
}

func TestVerifyChallenge_CodeLadder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.requestDemo(t)
	code := h.mail.lastCode(t)
	bad := wrongCode(code)

	for i := 1; i <= 4; i++ {
		_, err := h.otp.VerifyChallenge(ctx, demoEmail, bad)
		assert.ErrorIs(t, err, ErrInvalidCode, "attempt %d", i)

		v := h.volunteer(t, demoID)
		assert.Equal(t, i, v.OTPFailedAttempts)
		if i >= 3 {
			assert.Equal(t, models.FraudMedium, v.FraudScore)
		} else {
			assert.Equal(t, models.FraudLow, v.FraudScore)
		}
	}

	_, err := h.otp.VerifyChallenge(ctx, demoEmail, bad)
	assert.ErrorIs(t, err, ErrAccountLocked)

	v := h.volunteer(t, demoID)
	assert.Equal(t, models.StatusBlocked, v.Status)
	assert.Equal(t, models.FraudHigh, v.FraudScore)

	_, err = h.otp.VerifyChallenge(ctx, demoEmail, code)
	assert.ErrorIs(t, err, ErrTooManyAttempts)
}

func TestVerifyChallenge_BlockedVolunteer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.requestDemo(t)
	code := h.mail.lastCode(t)

	_, err := h.admin.Block(ctx, demoID, "admin@example.com", "test")
	require.NoError(t, err)

	_, err = h.otp.VerifyChallenge(ctx, demoEmail, code)
	assert.Error(t, err)
	v := h.volunteer(t, demoID)
	assert.Nil(t, v.LastLoginAt)
}

func TestVerifyChallenge_ConcurrentSingleWinner(t *testing.T) {
	h := newHarness(t)
	h.requestDemo(t)
	code := h.mail.lastCode(t)

	const callers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.otp.VerifyChallenge(context.Background(), demoEmail, code); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func lenientPolicy() Policy {
	p := DefaultPolicy()
	p.IdentityBlockThreshold = 1000
	p.CodeMediumThreshold = 500
	p.CodeBlockThreshold = 1000
	return p
}

func TestRequestChallenge_ConcurrentMismatchesAllCount(t *testing.T) {
	h := newHarness(t, withPolicy(lenientPolicy()))

	const callers = 40
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.otp.RequestChallenge(context.Background(), demoName, demoMobile, "other@example.com")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.ErrorIs(t, err, ErrIdentityMismatch)
	}
	v := h.volunteer(t, demoID)
	assert.Equal(t, callers, v.AttemptsCount)
	assert.False(t, v.IsBlocked())
}

func TestVerifyChallenge_ConcurrentWrongCodesAllCount(t *testing.T) {
	h := newHarness(t, withPolicy(lenientPolicy()))
	h.requestDemo(t)
	bad := wrongCode(h.mail.lastCode(t))

	const callers = 40
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.otp.VerifyChallenge(context.Background(), demoEmail, bad)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.ErrorIs(t, err, ErrInvalidCode)
	}
	assert.Equal(t, callers, h.volunteer(t, demoID).OTPFailedAttempts)

	ch, err := h.challenges.Get(context.Background(), demoEmail)
	require.NoError(t, err)
	assert.Equal(t, callers, ch.Attempts)
	assert.False(t, ch.Locked)
}

func TestVerifyChallenge_WrongCodeSurvivesConflictStreak(t *testing.T) {
	store := &conflictingStore{n: maxMutationRetries + 3}
	h := newHarness(t, withVolunteerStore(func(inner VolunteerStore) VolunteerStore {
		store.VolunteerStore = inner
		return store
	}))
	h.requestDemo(t)
	code := h.mail.lastCode(t)

	_, err := h.otp.VerifyChallenge(context.Background(), demoEmail, wrongCode(code))
	assert.ErrorIs(t, err, ErrInvalidCode)
	assert.Equal(t, 1, h.volunteer(t, demoID).OTPFailedAttempts)
}

func TestVerifyChallenge_UnrecordedWrongCodeIsLogged(t *testing.T) {
	store := &conflictingStore{}
	core, logs := observer.New(zapcore.ErrorLevel)
	h := newHarness(t,
		withLogger(zap.New(core)),
		withVolunteerStore(func(inner VolunteerStore) VolunteerStore {
			store.VolunteerStore = inner
			return store
		}))
	h.requestDemo(t)
	code := h.mail.lastCode(t)

	store.mu.Lock()
	store.n = -1
	store.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := h.otp.VerifyChallenge(ctx, demoEmail, wrongCode(code))
	require.ErrorIs(t, err, repository.ErrVersionConflict)

	entries := logs.FilterMessage("Failed code attempt not recorded on volunteer").All()
	require.Len(t, entries, 1)
	assert.Equal(t, demoID, entries[0].ContextMap()["volunteer_id"])

	ch, err := h.challenges.Get(context.Background(), demoEmail)
	require.NoError(t, err)
	assert.Equal(t, 1, ch.Attempts)
}

func TestKind(t *testing.T) {
	assert.Equal(t, "identity_mismatch", Kind(&MismatchError{Remaining: 1}))
	assert.Equal(t, "throttled", Kind(&ThrottleError{Wait: time.Minute}))
	assert.Equal(t, "validation_error", Kind(validationError("x")))
	assert.Equal(t, "internal", Kind(errors.New("boom")))
}

func TestMaskMobile(t *testing.T) {
	assert.Equal(t, "******7177", maskMobile(demoMobile))
	assert.Equal(t, "***", maskMobile("123"))
}

func TestCurrentVolunteer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	v, err := h.otp.CurrentVolunteer(ctx, demoID)
	require.NoError(t, err)
	assert.Equal(t, demoEmail, v.Email)

	_, err = h.otp.CurrentVolunteer(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.admin.Block(ctx, demoID, "officer", "test")
	require.NoError(t, err)
	_, err = h.otp.CurrentVolunteer(ctx, demoID)
	assert.ErrorIs(t, err, ErrAccountBlocked)
}
