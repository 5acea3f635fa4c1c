// Package session mints and checks the RS256 tokens handed to volunteers
// after a verified code and to dashboard administrators.
package session

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"time"

	"volunteer-auth-service/internal/config"
	"volunteer-auth-service/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	RoleVolunteer = "volunteer"
	RoleAdmin     = "admin"
)

var (
	ErrInvalidToken = errors.New("invalid session token")
	ErrWrongRole    = errors.New("token does not carry the required role")
)

type Claims struct {
	jwt.RegisteredClaims
	Role  string `json:"role"`
	Email string `json:"email,omitempty"`
}

type Manager struct {
	key          *rsa.PrivateKey
	issuer       string
	volunteerTTL time.Duration
	adminTTL     time.Duration
	now          func() time.Time
}

// NewManager loads the signing key from JWT_PRIVATE_KEY_PATH. Outside
// production a missing key is replaced by a throwaway one, so tokens do not
// survive a restart.
func NewManager(cfg *config.Config, logger *zap.Logger) (*Manager, error) {
	jc := cfg.JWT
	if jc.PrivateKeyPath == "" {
		if cfg.IsProduction() {
			return nil, errors.New("JWT_PRIVATE_KEY_PATH is required in production")
		}
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		logger.Warn("No JWT signing key configured, using an ephemeral one")
		return NewManagerWithKey(key, jc.Issuer, jc.VolunteerTTL, jc.AdminTTL), nil
	}

	pem, err := os.ReadFile(jc.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	return NewManagerWithKey(key, jc.Issuer, jc.VolunteerTTL, jc.AdminTTL), nil
}

func NewManagerWithKey(key *rsa.PrivateKey, issuer string, volunteerTTL, adminTTL time.Duration) *Manager {
	return &Manager{
		key:          key,
		issuer:       issuer,
		volunteerTTL: volunteerTTL,
		adminTTL:     adminTTL,
		now:          time.Now,
	}
}

func (m *Manager) IssueVolunteerToken(v *models.Volunteer) (string, time.Time, error) {
	return m.issue(v.VolunteerID, RoleVolunteer, v.Email, m.volunteerTTL)
}

// IssueAdminToken is used by the admin-token CLI; there is no admin login
// endpoint in this service.
func (m *Manager) IssueAdminToken(subject string) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, errors.New("admin subject is required")
	}
	return m.issue(subject, RoleAdmin, "", m.adminTTL)
}

func (m *Manager) issue(subject, role, email string, ttl time.Duration) (string, time.Time, error) {
	now := m.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Role:  role,
		Email: email,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(m.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify parses a token, checks signature, issuer and expiry, and requires
// the given role.
func (m *Manager) Verify(token, role string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return &m.key.PublicKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Role != role {
		return nil, ErrWrongRole
	}
	return claims, nil
}
