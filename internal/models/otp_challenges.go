package models

import "time"

// OTPChallenge is the single live passcode for an email. Only the argon2
// digest is kept; the clear code exists only on its way to the mailer.
type OTPChallenge struct {
	Email         string    `db:"email"`
	VolunteerID   string    `db:"volunteer_id"`
	OTPHash       string    `db:"otp_hash"`
	OTPSalt       string    `db:"otp_salt"`
	PepperVersion int       `db:"pepper_version"`
	ExpiresAt     time.Time `db:"expires_at"`
	Attempts      int       `db:"attempts"`
	Locked        bool      `db:"locked"`
}

func (c *OTPChallenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// DispatchWindow summarises issuances for one email inside the rolling window.
type DispatchWindow struct {
	Count int
	Last  time.Time
}
