package models

import "time"

type TicketStatus string

const (
	TicketPending    TicketStatus = "pending"
	TicketInProgress TicketStatus = "in_progress"
	TicketResolved   TicketStatus = "resolved"
	TicketEscalated  TicketStatus = "escalated"
)

func (s TicketStatus) Valid() bool {
	switch s {
	case TicketPending, TicketInProgress, TicketResolved, TicketEscalated:
		return true
	}
	return false
}

type SupportTicket struct {
	TicketID        string       `db:"ticket_id" json:"ticket_id"`
	VolunteerID     *string      `db:"volunteer_id" json:"volunteer_id,omitempty"`
	Name            string       `db:"name" json:"name"`
	Mobile          string       `db:"mobile" json:"mobile"`
	Email           string       `db:"email" json:"email"`
	Category        string       `db:"category" json:"category"`
	Message         string       `db:"message" json:"message"`
	Status          TicketStatus `db:"status" json:"status"`
	AdminResponse   *string      `db:"admin_response" json:"admin_response,omitempty"`
	AssignedOfficer *string      `db:"assigned_officer" json:"assigned_officer,omitempty"`
	CreatedAt       time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at" json:"updated_at"`
	ResolvedAt      *time.Time   `db:"resolved_at" json:"resolved_at,omitempty"`
	// Flagged marks a message carrying markup or template fragments.
	Flagged bool `db:"flagged" json:"flagged"`
}

// TicketChange carries the optional fields a transition stamps.
type TicketChange struct {
	AdminResponse   *string
	AssignedOfficer *string
	ResolvedAt      *time.Time
	UpdatedAt       time.Time
}
