package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"volunteer-auth-service/internal/client"
	"volunteer-auth-service/internal/encryption"
	"volunteer-auth-service/internal/hashing"
	"volunteer-auth-service/internal/mailer"
	"volunteer-auth-service/internal/models"
	"volunteer-auth-service/internal/repository"
	"volunteer-auth-service/internal/repository/memory"
	redisrepo "volunteer-auth-service/internal/repository/redis"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	demoID     = "demo-volunteer"
	demoName   = "Demo Volunteer"
	demoMobile = "8555007177"
	demoEmail  = "demo@example.com"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type captureMailer struct {
	mu   sync.Mutex
	sent []mailer.Message
	err  error
}

func (m *captureMailer) Send(_ context.Context, msg mailer.Message) (mailer.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return mailer.Delivery{}, m.err
	}
	m.sent = append(m.sent, msg)
	return mailer.Delivery{Provider: "capture"}, nil
}

func (m *captureMailer) lastCode(t *testing.T) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.sent, "no mail captured")
	return m.sent[len(m.sent)-1].OTP
}

type fakeAudit struct {
	mu          sync.Mutex
	dispatches  []models.DispatchLogEntry
	mismatches  []models.MismatchLogEntry
	emailChange []models.EmailChangeAuditEntry
	admin       []models.AdminActionEntry
}

func (a *fakeAudit) RecordDispatch(_ context.Context, e models.DispatchLogEntry) {
	a.mu.Lock()
	a.dispatches = append(a.dispatches, e)
	a.mu.Unlock()
}

func (a *fakeAudit) RecordMismatch(_ context.Context, e models.MismatchLogEntry) {
	a.mu.Lock()
	a.mismatches = append(a.mismatches, e)
	a.mu.Unlock()
}

func (a *fakeAudit) RecordEmailChange(_ context.Context, e models.EmailChangeAuditEntry) {
	a.mu.Lock()
	a.emailChange = append(a.emailChange, e)
	a.mu.Unlock()
}

func (a *fakeAudit) RecordAdminAction(_ context.Context, e models.AdminActionEntry) {
	a.mu.Lock()
	a.admin = append(a.admin, e)
	a.mu.Unlock()
}

type fakeTokens struct{}

func (fakeTokens) IssueVolunteerToken(v *models.Volunteer) (string, time.Time, error) {
	return "token-" + v.VolunteerID, time.Now().Add(time.Hour), nil
}

type fakeSealer struct{ fail bool }

func (s fakeSealer) Seal(_ context.Context, purpose string, _ interface{}) (*encryption.Envelope, error) {
	if s.fail {
		return nil, errors.New("kms unavailable")
	}
	return &encryption.Envelope{Ciphertext: "sealed", KeyID: "test-key", Purpose: purpose}, nil
}

var fastArgon = hashing.Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

// harness wires the services the way the factory does, on top of the
// in-memory directory and a miniredis-backed challenge store.
type harness struct {
	clock      *testClock
	volunteers *memory.VolunteerStore
	challenges *redisrepo.ChallengeStore
	dispatch   *redisrepo.DispatchWindowStore
	mail       *captureMailer
	audit      *fakeAudit
	otp        *OTPService
	emails     *EmailChangeService
	admin      *AdminService
	mr         *miniredis.Miniredis
}

// harnessOption adjusts the OTP engine's dependencies before it is built.
type harnessOption func(*OTPServiceDeps)

func withPolicy(p Policy) harnessOption {
	return func(d *OTPServiceDeps) { d.Policy = p }
}

func withLogger(l *zap.Logger) harnessOption {
	return func(d *OTPServiceDeps) { d.Logger = l }
}

func withVolunteerStore(wrap func(VolunteerStore) VolunteerStore) harnessOption {
	return func(d *OTPServiceDeps) { d.Volunteers = wrap(d.Volunteers) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	redis := client.WrapRedis(rc)

	h := &harness{
		clock:      newTestClock(),
		volunteers: memory.NewVolunteerStore(),
		challenges: redisrepo.NewChallengeStore(redis),
		dispatch:   redisrepo.NewDispatchWindowStore(redis, 24*time.Hour),
		mail:       &captureMailer{},
		audit:      &fakeAudit{},
		mr:         mr,
	}
	require.NoError(t, h.volunteers.SeedDemo(context.Background()))

	logger := zap.NewNop()
	deps := OTPServiceDeps{
		Volunteers: h.volunteers,
		Challenges: h.challenges,
		Dispatch:   h.dispatch,
		Hasher:     hashing.NewHasherWithPeppers(fastArgon, []string{"test-pepper"}),
		Mailer:     h.mail,
		Audit:      h.audit,
		Sealer:     fakeSealer{},
		Tokens:     fakeTokens{},
		Policy:     DefaultPolicy(),
		Subject:    "Your code",
		Clock:      h.clock.Now,
		Logger:     logger,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.otp = NewOTPService(deps)
	h.emails = NewEmailChangeService(h.volunteers, h.challenges, h.dispatch, h.audit, h.clock.Now, logger)
	h.admin = NewAdminService(h.volunteers, h.challenges, h.dispatch, h.audit, h.clock.Now, logger)
	return h
}

func (h *harness) volunteer(t *testing.T, id string) *models.Volunteer {
	t.Helper()
	v, err := h.volunteers.GetByID(context.Background(), id)
	require.NoError(t, err)
	return v
}

func (h *harness) requestDemo(t *testing.T) *ChallengeIssued {
	t.Helper()
	issued, err := h.otp.RequestChallenge(context.Background(), demoName, demoMobile, demoEmail)
	require.NoError(t, err)
	return issued
}

// wrongCode returns a code of the same length that differs from code.
func wrongCode(code string) string {
	b := []byte(code)
	if b[0] == '9' {
		b[0] = '0'
	} else {
		b[0]++
	}
	return string(b)
}

// conflictingStore reports a version conflict on the next n updates
// without writing. n < 0 conflicts forever.
type conflictingStore struct {
	VolunteerStore
	mu sync.Mutex
	n  int
}

func (s *conflictingStore) Update(ctx context.Context, v *models.Volunteer, expectedVersion int64) error {
	s.mu.Lock()
	if s.n != 0 {
		if s.n > 0 {
			s.n--
		}
		s.mu.Unlock()
		return repository.ErrVersionConflict
	}
	s.mu.Unlock()
	return s.VolunteerStore.Update(ctx, v, expectedVersion)
}
