package session

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"volunteer-auth-service/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return NewManagerWithKey(key, "volunteer-auth-test", time.Hour, 2*time.Hour)
}

func TestVolunteerToken_RoundTrip(t *testing.T) {
	m := newTestManager(t)
	token, exp, err := m.IssueVolunteerToken(&models.Volunteer{VolunteerID: "vol-1", Email: "demo@example.com"})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	claims, err := m.Verify(token, RoleVolunteer)
	require.NoError(t, err)
	assert.Equal(t, "vol-1", claims.Subject)
	assert.Equal(t, "demo@example.com", claims.Email)

	_, err = m.Verify(token, RoleAdmin)
	assert.ErrorIs(t, err, ErrWrongRole)
}

func TestAdminToken(t *testing.T) {
	m := newTestManager(t)
	token, _, err := m.IssueAdminToken("officer@example.com")
	require.NoError(t, err)

	claims, err := m.Verify(token, RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, "officer@example.com", claims.Subject)

	_, _, err = m.IssueAdminToken("")
	assert.Error(t, err)
}

func TestVerify_Expired(t *testing.T) {
	m := newTestManager(t)
	token, _, err := m.IssueAdminToken("officer")
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(3 * time.Hour) }
	_, err = m.Verify(token, RoleAdmin)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_OtherKeyOrIssuer(t *testing.T) {
	a, b := newTestManager(t), newTestManager(t)
	token, _, err := a.IssueAdminToken("officer")
	require.NoError(t, err)

	_, err = b.Verify(token, RoleAdmin)
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := NewManagerWithKey(a.key, "someone-else", time.Hour, time.Hour)
	_, err = other.Verify(token, RoleAdmin)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RejectsHMAC(t *testing.T) {
	m := newTestManager(t)
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "volunteer-auth-test", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Role:             RoleAdmin,
	}).SignedString([]byte("guess"))
	require.NoError(t, err)

	_, err = m.Verify(forged, RoleAdmin)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
