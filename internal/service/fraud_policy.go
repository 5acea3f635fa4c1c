package service

import (
	"time"

	"volunteer-auth-service/internal/config"
	"volunteer-auth-service/internal/models"
	"volunteer-auth-service/internal/util"
)

// Policy holds the issuance limits and both escalation ladders. It has no
// side effects beyond mutating the volunteer it is handed.
type Policy struct {
	CodeLength             int
	TTL                    time.Duration
	DailyCap               int
	Window                 time.Duration
	Cooldowns              []time.Duration
	IdentityBlockThreshold int
	CodeMediumThreshold    int
	CodeBlockThreshold     int
}

func PolicyFromConfig(c config.OTPConfig) Policy {
	return Policy{
		CodeLength:             c.Length,
		TTL:                    c.TTL,
		DailyCap:               c.DailyCap,
		Window:                 c.Window,
		Cooldowns:              c.Cooldowns,
		IdentityBlockThreshold: c.IdentityBlockThreshold,
		CodeMediumThreshold:    c.CodeMediumThreshold,
		CodeBlockThreshold:     c.CodeBlockThreshold,
	}
}

// DefaultPolicy is the production policy: 6 digits, 10 minutes, 5 a day,
// 1/3/5 minute spacing, block after 2 identity or 5 code failures.
func DefaultPolicy() Policy {
	return Policy{
		CodeLength:             6,
		TTL:                    10 * time.Minute,
		DailyCap:               5,
		Window:                 24 * time.Hour,
		Cooldowns:              []time.Duration{time.Minute, 3 * time.Minute, 5 * time.Minute},
		IdentityBlockThreshold: 2,
		CodeMediumThreshold:    3,
		CodeBlockThreshold:     5,
	}
}

// Cooldown returns the minimum spacing after `issued` codes inside the
// window. Past the end of the schedule the last step holds.
func (p Policy) Cooldown(issued int) time.Duration {
	if issued <= 0 || len(p.Cooldowns) == 0 {
		return 0
	}
	if issued > len(p.Cooldowns) {
		return p.Cooldowns[len(p.Cooldowns)-1]
	}
	return p.Cooldowns[issued-1]
}

// CheckIssuance applies the daily cap and throttle to the current window.
func (p Policy) CheckIssuance(w models.DispatchWindow, now time.Time) error {
	if w.Count >= p.DailyCap {
		return ErrDailyLimitExceeded
	}
	if w.Count == 0 {
		return nil
	}
	if wait := p.Cooldown(w.Count) - now.Sub(w.Last); wait > 0 {
		return &ThrottleError{Wait: wait}
	}
	return nil
}

// IssuanceBlocked reports whether no code may be sent to v at all.
func (p Policy) IssuanceBlocked(v *models.Volunteer) bool {
	return v.IsBlocked() || v.AttemptsCount >= p.IdentityBlockThreshold
}

// IdentityCheck is the outcome of comparing claimed identity with the record.
type IdentityCheck struct {
	Fields []string
	// Counts is false when only the name differs; name is logged, not enforced.
	Counts bool
}

func (c IdentityCheck) Matched() bool { return len(c.Fields) == 0 }

func CompareIdentity(v *models.Volunteer, name, email, mobile string) IdentityCheck {
	var check IdentityCheck
	if util.NormalizeEmail(email) != util.NormalizeEmail(v.Email) {
		check.Fields = append(check.Fields, "email")
		check.Counts = true
	}
	if util.NormalizeMobile(mobile) != util.NormalizeMobile(v.Mobile) {
		check.Fields = append(check.Fields, "mobile")
		check.Counts = true
	}
	if util.NormalizeName(name) != util.NormalizeName(v.FullName) {
		check.Fields = append(check.Fields, "name")
	}
	return check
}

// ApplyIdentityMismatch advances the identity ladder. It returns true when
// the volunteer is now blocked, else the attempts left.
func (p Policy) ApplyIdentityMismatch(v *models.Volunteer, now time.Time) (blocked bool, remaining int) {
	v.AttemptsCount++
	if v.AttemptsCount >= p.IdentityBlockThreshold {
		block(v, now)
		return true, 0
	}
	return false, p.IdentityBlockThreshold - v.AttemptsCount
}

type CodeOutcome int

const (
	CodeRetry CodeOutcome = iota
	CodeFlagged
	CodeLocked
)

// ApplyCodeFailure advances the code ladder on the volunteer record.
func (p Policy) ApplyCodeFailure(v *models.Volunteer, now time.Time) CodeOutcome {
	v.OTPFailedAttempts++
	switch {
	case v.OTPFailedAttempts >= p.CodeBlockThreshold:
		block(v, now)
		return CodeLocked
	case v.OTPFailedAttempts >= p.CodeMediumThreshold:
		if v.FraudScore != models.FraudHigh {
			v.FraudScore = models.FraudMedium
		}
		return CodeFlagged
	}
	return CodeRetry
}

func block(v *models.Volunteer, now time.Time) {
	v.Status = models.StatusBlocked
	v.FraudScore = models.FraudHigh
	t := now
	v.BlockedAt = &t
}
