package handler

import (
	"context"
	"net/http"
	"time"

	"volunteer-auth-service/internal/models"
	"volunteer-auth-service/internal/service"
	"volunteer-auth-service/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// SessionRevoker is satisfied by the Redis session cache.
type SessionRevoker interface {
	Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error
}

// AuthHandler serves the volunteer endpoints: code request and verify,
// email-change intake, support tickets and the signed-in session.
type AuthHandler struct {
	responder
	otp      *service.OTPService
	emails   *service.EmailChangeService
	tickets  *service.TicketService
	sessions SessionRevoker
}

func NewAuthHandler(otp *service.OTPService, emails *service.EmailChangeService, tickets *service.TicketService, sessions SessionRevoker, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		responder: responder{logger: logger},
		otp:       otp,
		emails:    emails,
		tickets:   tickets,
		sessions:  sessions,
	}
}

type otpRequest struct {
	Name   string `json:"name"`
	Mobile string `json:"mobile"`
	Email  string `json:"email"`
}

type otpRequestResult struct {
	MaskedEmail      string `json:"masked_email"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

type otpVerify struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type otpVerifyResult struct {
	Token     string            `json:"token"`
	ExpiresAt time.Time         `json:"expires_at"`
	Volunteer models.PublicView `json:"volunteer"`
}

type emailChangeRequest struct {
	CurrentEmail string `json:"current_email"`
	NewEmail     string `json:"new_email"`
	Reason       string `json:"reason"`
}

type ticketRequest struct {
	Name     string `json:"name"`
	Mobile   string `json:"mobile"`
	Email    string `json:"email"`
	Category string `json:"category"`
	Message  string `json:"message"`
}

type ticketReceipt struct {
	TicketID string              `json:"ticket_id"`
	Status   models.TicketStatus `json:"status"`
}

// RegisterRoutes mounts the volunteer routes. limit guards the code
// endpoints; auth guards the session endpoints.
func (h *AuthHandler) RegisterRoutes(router chi.Router, limit, auth func(http.Handler) http.Handler) {
	router.Route("/auth/otp", func(r chi.Router) {
		r.Use(limit)
		r.Post("/request", h.RequestOTP)
		r.Post("/verify", h.VerifyOTP)
	})
	router.With(limit).Post("/email-change", h.RequestEmailChange)
	router.Post("/support/tickets", h.CreateTicket)

	router.Group(func(r chi.Router) {
		r.Use(auth)
		r.Get("/me", h.Me)
		r.Post("/auth/logout", h.Logout)
	})
}

// RequestOTP checks the claimed identity and emails a code
// @Summary Request a sign-in code
// @Tags auth
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Failure 429 {object} Response
// @Router /auth/otp/request [post]
func (h *AuthHandler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req otpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	issued, err := h.otp.RequestChallenge(r.Context(), req.Name, req.Mobile, req.Email)
	if err != nil {
		h.respondWithServiceError(w, err, "Could not send a code")
		return
	}

	expiresIn := int(time.Until(issued.ExpiresAt).Round(time.Second) / time.Second)
	if expiresIn < 0 {
		expiresIn = 0
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(otpRequestResult{
		MaskedEmail:      issued.MaskedEmail,
		ExpiresInSeconds: expiresIn,
	}, "Verification code sent"))
	h.logger.Info("OTP requested via HTTP",
		util.String("email", issued.MaskedEmail),
		util.Duration("duration", time.Since(startTime)),
	)
}

// VerifyOTP exchanges a code for a session token
// @Summary Verify a sign-in code
// @Tags auth
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Failure 410 {object} Response
// @Failure 423 {object} Response
// @Router /auth/otp/verify [post]
func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req otpVerify
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	principal, err := h.otp.VerifyChallenge(r.Context(), req.Email, req.Code)
	if err != nil {
		h.respondWithServiceError(w, err, "Verification failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(otpVerifyResult{
		Token:     principal.Token,
		ExpiresAt: principal.ExpiresAt,
		Volunteer: principal.Volunteer.Public(),
	}, "Signed in"))
}

func (h *AuthHandler) RequestEmailChange(w http.ResponseWriter, r *http.Request) {
	var req emailChangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if _, err := h.emails.RequestChange(r.Context(), req.CurrentEmail, req.NewEmail, req.Reason); err != nil {
		h.respondWithServiceError(w, err, "Could not record the email change request")
		return
	}
	h.respondWithJSON(w, http.StatusAccepted, successResponse(nil, "Email change request submitted for review"))
}

func (h *AuthHandler) CreateTicket(w http.ResponseWriter, r *http.Request) {
	var req ticketRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	t, err := h.tickets.CreateTicket(r.Context(), req.Name, req.Mobile, req.Email, req.Category, req.Message)
	if err != nil {
		h.respondWithServiceError(w, err, "Could not create the ticket")
		return
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(ticketReceipt{TicketID: t.TicketID, Status: t.Status}, "Ticket created"))
}

// Me returns the signed-in volunteer.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	v, err := h.otp.CurrentVolunteer(r.Context(), ActorFromContext(r.Context()))
	if err != nil {
		h.respondWithServiceError(w, err, "Session no longer valid")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(v.Public(), ""))
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if h.sessions != nil && claims != nil && claims.ExpiresAt != nil {
		if err := h.sessions.Revoke(r.Context(), claims.ID, claims.ExpiresAt.Time); err != nil {
			h.respondWithServiceError(w, err, "Failed to sign out")
			return
		}
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Signed out"))
}
