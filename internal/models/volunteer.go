package models

import "time"

type VolunteerStatus string

const (
	StatusPending   VolunteerStatus = "pending"
	StatusCompleted VolunteerStatus = "completed"
	StatusBlocked   VolunteerStatus = "blocked"
)

type FraudScore string

const (
	FraudLow    FraudScore = "Low"
	FraudMedium FraudScore = "Medium"
	FraudHigh   FraudScore = "High"
)

// Valid reports whether s is one of the three known scores.
func (s FraudScore) Valid() bool {
	return s == FraudLow || s == FraudMedium || s == FraudHigh
}

type ApprovalStatus string

const (
	ApprovalNone     ApprovalStatus = "none"
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Volunteer is the directory record for one registered participant.
// Version is bumped on every write and used for compare-and-set updates.
type Volunteer struct {
	VolunteerBucket   int             `db:"volunteer_bucket" json:"-"`
	VolunteerID       string          `db:"volunteer_id" json:"volunteer_id"`
	Mobile            string          `db:"mobile" json:"mobile"`
	Email             string          `db:"email" json:"email"`
	FullName          string          `db:"full_name" json:"full_name"`
	District          string          `db:"district" json:"district"`
	Status            VolunteerStatus `db:"status" json:"status"`
	FraudScore        FraudScore      `db:"fraud_score" json:"fraud_score"`
	AttemptsCount     int             `db:"attempts_count" json:"attempts_count"`
	OTPFailedAttempts int             `db:"otp_failed_attempts" json:"otp_failed_attempts"`
	LastLoginAt       *time.Time      `db:"last_login_at" json:"last_login_at,omitempty"`
	BlockedAt         *time.Time      `db:"blocked_at" json:"blocked_at,omitempty"`

	NewEmailRequested   bool           `db:"new_email_requested" json:"new_email_requested"`
	NewEmailValue       string         `db:"new_email_value" json:"new_email_value,omitempty"`
	RequestReason       string         `db:"request_reason" json:"request_reason,omitempty"`
	EmailRequestedAt    *time.Time     `db:"email_requested_at" json:"email_requested_at,omitempty"`
	AdminApprovalStatus ApprovalStatus `db:"admin_approval_status" json:"admin_approval_status"`

	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt *time.Time `db:"updated_at" json:"updated_at,omitempty"`
	Version   int64      `db:"version" json:"-"`
}

func (v *Volunteer) IsBlocked() bool {
	return v.Status == StatusBlocked
}

// ClearEmailChange drops the email-change sub-state. The approval status is
// left for the caller to set.
func (v *Volunteer) ClearEmailChange() {
	v.NewEmailRequested = false
	v.NewEmailValue = ""
	v.RequestReason = ""
	v.EmailRequestedAt = nil
}

// Clone returns a deep copy so stores never hand out shared pointers.
func (v *Volunteer) Clone() *Volunteer {
	if v == nil {
		return nil
	}
	c := *v
	c.LastLoginAt = cloneTime(v.LastLoginAt)
	c.BlockedAt = cloneTime(v.BlockedAt)
	c.EmailRequestedAt = cloneTime(v.EmailRequestedAt)
	c.UpdatedAt = cloneTime(v.UpdatedAt)
	return &c
}

// PublicView is the record handed to the signed-in volunteer; fraud counters
// stay server side.
type PublicView struct {
	VolunteerID         string          `json:"volunteer_id"`
	FullName            string          `json:"full_name"`
	Email               string          `json:"email"`
	Mobile              string          `json:"mobile"`
	District            string          `json:"district"`
	Status              VolunteerStatus `json:"status"`
	AdminApprovalStatus ApprovalStatus  `json:"admin_approval_status"`
	LastLoginAt         *time.Time      `json:"last_login_at,omitempty"`
}

func (v *Volunteer) Public() PublicView {
	return PublicView{
		VolunteerID:         v.VolunteerID,
		FullName:            v.FullName,
		Email:               v.Email,
		Mobile:              v.Mobile,
		District:            v.District,
		Status:              v.Status,
		AdminApprovalStatus: v.AdminApprovalStatus,
		LastLoginAt:         v.LastLoginAt,
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
