package handler

import (
	"net/http"
	"strconv"
	"time"

	"volunteer-auth-service/internal/models"
	"volunteer-auth-service/internal/service"
	"volunteer-auth-service/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// AdminHandler serves the dashboard endpoints. Every route sits behind
// RequireRole(admin), which puts the officer identity on the request context.
type AdminHandler struct {
	responder
	admin   *service.AdminService
	emails  *service.EmailChangeService
	tickets *service.TicketService
}

func NewAdminHandler(admin *service.AdminService, emails *service.EmailChangeService, tickets *service.TicketService, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		responder: responder{logger: logger},
		admin:     admin,
		emails:    emails,
		tickets:   tickets,
	}
}

type blockRequest struct {
	Reason string `json:"reason"`
}

type fraudScoreRequest struct {
	Score models.FraudScore `json:"score"`
}

type decisionRequest struct {
	Approve bool   `json:"approve"`
	Note    string `json:"note"`
}

type resolveRequest struct {
	Message string `json:"message"`
}

func (h *AdminHandler) RegisterRoutes(router chi.Router, auth func(http.Handler) http.Handler) {
	router.Route("/admin", func(r chi.Router) {
		r.Use(auth)

		r.Route("/volunteers/{volunteerID}", func(r chi.Router) {
			r.Get("/", h.GetVolunteer)
			r.Post("/block", h.Block)
			r.Post("/unblock", h.Unblock)
			r.Post("/fraud-score", h.SetFraudScore)
			r.Post("/otp-reset", h.ResetOTPLimits)
			r.Post("/email-change/decision", h.DecideEmailChange)
		})

		r.Route("/tickets", func(r chi.Router) {
			r.Get("/", h.ListTickets)
			r.Get("/search", h.SearchTickets)
			r.Post("/{ticketID}/start", h.StartTicket)
			r.Post("/{ticketID}/resolve", h.ResolveTicket)
			r.Post("/{ticketID}/escalate", h.EscalateTicket)
		})
	})
}

func (h *AdminHandler) GetVolunteer(w http.ResponseWriter, r *http.Request) {
	v, err := h.admin.GetVolunteer(r.Context(), chi.URLParam(r, "volunteerID"))
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to load volunteer")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(v, ""))
}

// Block handles an administrative block
// @Summary Block a volunteer
// @Tags admin
// @Param volunteerID path string true "Volunteer ID"
// @Success 200 {object} Response
// @Failure 404 {object} Response
// @Router /admin/volunteers/{volunteerID}/block [post]
func (h *AdminHandler) Block(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
			return
		}
	}

	volunteerID := chi.URLParam(r, "volunteerID")
	v, err := h.admin.Block(r.Context(), volunteerID, ActorFromContext(r.Context()), req.Reason)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to block volunteer")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(v, "Volunteer blocked"))
	h.logger.Info("Volunteer blocked via HTTP",
		util.String("volunteer_id", volunteerID),
		util.String("actor", ActorFromContext(r.Context())),
	)
}

func (h *AdminHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	volunteerID := chi.URLParam(r, "volunteerID")
	v, err := h.admin.Unblock(r.Context(), volunteerID, ActorFromContext(r.Context()))
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to unblock volunteer")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(v, "Volunteer unblocked"))
	h.logger.Info("Volunteer unblocked via HTTP",
		util.String("volunteer_id", volunteerID),
		util.String("actor", ActorFromContext(r.Context())),
	)
}

func (h *AdminHandler) SetFraudScore(w http.ResponseWriter, r *http.Request) {
	var req fraudScoreRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	v, err := h.admin.SetFraudScore(r.Context(), chi.URLParam(r, "volunteerID"), req.Score, ActorFromContext(r.Context()))
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to set fraud score")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(v, "Fraud score updated"))
}

func (h *AdminHandler) ResetOTPLimits(w http.ResponseWriter, r *http.Request) {
	v, err := h.admin.ResetOTPLimits(r.Context(), chi.URLParam(r, "volunteerID"), ActorFromContext(r.Context()))
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to reset OTP limits")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(v, "OTP limits reset"))
}

// DecideEmailChange approves or rejects a pending email change
// @Summary Decide an email change
// @Tags admin
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Failure 409 {object} Response
// @Router /admin/volunteers/{volunteerID}/email-change/decision [post]
func (h *AdminHandler) DecideEmailChange(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req decisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	volunteerID := chi.URLParam(r, "volunteerID")
	v, err := h.emails.DecideChange(r.Context(), volunteerID, req.Approve, ActorFromContext(r.Context()), req.Note)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to apply email change decision")
		return
	}

	message := "Email change rejected"
	if req.Approve {
		message = "Email change approved"
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(v, message))
	h.logger.Info("Email change decided via HTTP",
		util.String("volunteer_id", volunteerID),
		util.Bool("approved", req.Approve),
		util.Duration("duration", time.Since(startTime)),
	)
}

func (h *AdminHandler) ListTickets(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid limit")
		return
	}

	tickets, err := h.tickets.List(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to list tickets")
		return
	}
	resp := successResponse(tickets, "")
	resp.Meta = &Meta{Total: len(tickets), PageSize: limit}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) SearchTickets(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid limit")
		return
	}

	tickets, err := h.tickets.Search(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to search tickets")
		return
	}
	resp := successResponse(tickets, "")
	resp.Meta = &Meta{Total: len(tickets), PageSize: limit}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) StartTicket(w http.ResponseWriter, r *http.Request) {
	t, err := h.tickets.Start(r.Context(), chi.URLParam(r, "ticketID"))
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to start ticket")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(t, "Ticket in progress"))
}

func (h *AdminHandler) ResolveTicket(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	t, err := h.tickets.Resolve(r.Context(), chi.URLParam(r, "ticketID"), req.Message, ActorFromContext(r.Context()))
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to resolve ticket")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(t, "Ticket resolved"))
}

func (h *AdminHandler) EscalateTicket(w http.ResponseWriter, r *http.Request) {
	t, err := h.tickets.Escalate(r.Context(), chi.URLParam(r, "ticketID"))
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to escalate ticket")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(t, "Ticket escalated"))
}

// queryLimit returns 0 when the parameter is absent so the service default applies.
func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, invalidBody{err}
	}
	return n, nil
}
