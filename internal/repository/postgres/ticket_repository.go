// Package postgres stores support tickets. Status changes are a single
// conditional UPDATE, so two officers racing on one ticket cannot both win.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"volunteer-auth-service/internal/models"
	"volunteer-auth-service/internal/repository"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const ticketColumns = `ticket_id, volunteer_id, name, mobile, email, category, message, status,
	admin_response, assigned_officer, created_at, updated_at, resolved_at, flagged`

const ticketDDL = `
CREATE TABLE IF NOT EXISTS support_tickets (
  ticket_id TEXT PRIMARY KEY,
  volunteer_id TEXT,
  name TEXT NOT NULL,
  mobile TEXT NOT NULL DEFAULT '',
  email TEXT NOT NULL DEFAULT '',
  category TEXT NOT NULL,
  message TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  admin_response TEXT,
  assigned_officer TEXT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  resolved_at TIMESTAMPTZ,
  flagged BOOLEAN NOT NULL DEFAULT FALSE
);
ALTER TABLE support_tickets ADD COLUMN IF NOT EXISTS flagged BOOLEAN NOT NULL DEFAULT FALSE;
CREATE INDEX IF NOT EXISTS idx_support_tickets_status ON support_tickets(status, created_at DESC);
`

type TicketRepository struct {
	db *sqlx.DB
}

func NewTicketRepository(db *sqlx.DB) *TicketRepository {
	return &TicketRepository{db: db}
}

func (r *TicketRepository) EnsureTable(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, ticketDDL); err != nil {
		return fmt.Errorf("failed to create support_tickets: %w", err)
	}
	return nil
}

func (r *TicketRepository) Create(ctx context.Context, t *models.SupportTicket) error {
	q := `INSERT INTO support_tickets (` + ticketColumns + `)
		VALUES (:ticket_id, :volunteer_id, :name, :mobile, :email, :category, :message, :status,
			:admin_response, :assigned_officer, :created_at, :updated_at, :resolved_at, :flagged)`
	if _, err := r.db.NamedExecContext(ctx, q, t); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return repository.ErrStateConflict
		}
		return fmt.Errorf("failed to insert ticket: %w", err)
	}
	return nil
}

func (r *TicketRepository) Get(ctx context.Context, ticketID string) (*models.SupportTicket, error) {
	var t models.SupportTicket
	err := r.db.GetContext(ctx, &t, `SELECT `+ticketColumns+` FROM support_tickets WHERE ticket_id = $1`, ticketID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ticket: %w", err)
	}
	return &t, nil
}

func (r *TicketRepository) List(ctx context.Context, status models.TicketStatus, limit int) ([]*models.SupportTicket, error) {
	var out []*models.SupportTicket
	err := r.db.SelectContext(ctx, &out,
		`SELECT `+ticketColumns+` FROM support_tickets
		 WHERE ($1 = '' OR status = $1)
		 ORDER BY created_at DESC, ticket_id DESC
		 LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	return out, nil
}

// Transition moves the ticket to `to` only while its status is one of
// `from`. No row back means either no ticket or a status that moved on; a
// follow-up read tells the two apart.
func (r *TicketRepository) Transition(ctx context.Context, ticketID string, from []models.TicketStatus, to models.TicketStatus, change models.TicketChange) (*models.SupportTicket, error) {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	var t models.SupportTicket
	err := r.db.GetContext(ctx, &t,
		`UPDATE support_tickets SET
			status = $1,
			updated_at = $2,
			admin_response = COALESCE($3, admin_response),
			assigned_officer = COALESCE($4, assigned_officer),
			resolved_at = COALESCE($5, resolved_at)
		 WHERE ticket_id = $6 AND status = ANY($7)
		 RETURNING `+ticketColumns,
		string(to), change.UpdatedAt, change.AdminResponse, change.AssignedOfficer, change.ResolvedAt,
		ticketID, pq.Array(allowed))
	if err == nil {
		return &t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to transition ticket: %w", err)
	}

	if _, getErr := r.Get(ctx, ticketID); getErr != nil {
		return nil, getErr
	}
	return nil, repository.ErrStateConflict
}
