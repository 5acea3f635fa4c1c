package models

import "time"

type DispatchOutcome string

const (
	DispatchSent     DispatchOutcome = "sent"
	DispatchFallback DispatchOutcome = "sent_fallback"
	DispatchFailed   DispatchOutcome = "failed"
)

type DispatchLogEntry struct {
	EventID   string          `db:"event_id"`
	Email     string          `db:"email"`
	Provider  string          `db:"provider"`
	Outcome   DispatchOutcome `db:"outcome"`
	Error     string          `db:"error"`
	CreatedAt time.Time       `db:"created_at"`
}

// MismatchLogEntry records one failed identity match. Submitted values are
// sealed by the encryption manager before they reach the archive.
type MismatchLogEntry struct {
	EventID          string    `db:"event_id"`
	VolunteerID      string    `db:"volunteer_id"`
	Fields           []string  `db:"fields"`
	SubmittedName    string    `db:"submitted_name"`
	SubmittedEmail   string    `db:"submitted_email"`
	SubmittedMobile  string    `db:"submitted_mobile"`
	StoredName       string    `db:"stored_name"`
	StoredEmail      string    `db:"stored_email"`
	SealedSubmission []byte    `db:"sealed_submission"`
	SealKeyID        string    `db:"seal_key_id"`
	CountsToward     bool      `db:"counts_toward"`
	CreatedAt        time.Time `db:"created_at"`
}

type EmailChangeDecision string

const (
	DecisionApproved EmailChangeDecision = "approved"
	DecisionRejected EmailChangeDecision = "rejected"
	DecisionFailed   EmailChangeDecision = "failed_email_taken"
)

type EmailChangeAuditEntry struct {
	EventID     string              `db:"event_id"`
	VolunteerID string              `db:"volunteer_id"`
	OldEmail    string              `db:"old_email"`
	NewEmail    string              `db:"new_email"`
	Decision    EmailChangeDecision `db:"decision"`
	Reason      string              `db:"reason"`
	Flagged     bool                `db:"reason_flagged"`
	Note        string              `db:"note"`
	Actor       string              `db:"actor"`
	CreatedAt   time.Time           `db:"created_at"`
}

type AdminAction string

const (
	ActionBlock      AdminAction = "block"
	ActionUnblock    AdminAction = "unblock"
	ActionFraudScore AdminAction = "fraud_score"
	ActionOTPReset   AdminAction = "otp_reset"
)

type AdminActionEntry struct {
	EventID     string      `db:"event_id"`
	VolunteerID string      `db:"volunteer_id"`
	Action      AdminAction `db:"action"`
	Detail      string      `db:"detail"`
	Actor       string      `db:"actor"`
	CreatedAt   time.Time   `db:"created_at"`
}

// SecurityEvent is the streamed form of any of the above, published to Kafka
// for the fraud-review consumers.
type SecurityEvent struct {
	EventID     string            `json:"event_id"`
	EventType   string            `json:"event_type"`
	VolunteerID string            `json:"volunteer_id,omitempty"`
	Email       string            `json:"email,omitempty"`
	RiskScore   FraudScore        `json:"risk_score,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
	EventTime   time.Time         `json:"event_time"`
}
