// Package elasticsearch keeps a searchable copy of support tickets for the
// admin dashboard. Postgres stays the source of truth.
package elasticsearch

import (
	"context"
	"fmt"

	"volunteer-auth-service/internal/client"
	"volunteer-auth-service/internal/models"
)

type TicketIndex struct {
	es    *client.ESClient
	index string
}

func NewTicketIndex(es *client.ESClient, index string) *TicketIndex {
	return &TicketIndex{es: es, index: index}
}

func (t *TicketIndex) Index(ctx context.Context, ticket *models.SupportTicket) error {
	res, err := t.es.IndexDocument(ctx, t.index, ticket.TicketID, ticket)
	if err != nil {
		return err
	}
	if err := t.es.ParseResponse(res, nil); err != nil {
		return fmt.Errorf("failed to index ticket %s: %w", ticket.TicketID, err)
	}
	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source models.SupportTicket `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search runs a free-text match over the ticket text fields, newest first.
func (t *TicketIndex) Search(ctx context.Context, query string, limit int) ([]*models.SupportTicket, error) {
	body := map[string]interface{}{
		"size": limit,
		"query": map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  query,
				"fields": []string{"message^2", "name", "email", "mobile", "category", "admin_response"},
			},
		},
		"sort": []interface{}{
			map[string]interface{}{"created_at": map[string]string{"order": "desc"}},
		},
	}

	res, err := t.es.Search(ctx, t.index, body)
	if err != nil {
		return nil, err
	}
	var out searchResponse
	if err := t.es.ParseResponse(res, &out); err != nil {
		return nil, fmt.Errorf("failed to search tickets: %w", err)
	}

	tickets := make([]*models.SupportTicket, 0, len(out.Hits.Hits))
	for i := range out.Hits.Hits {
		tickets = append(tickets, &out.Hits.Hits[i].Source)
	}
	return tickets, nil
}
