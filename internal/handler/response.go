package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"volunteer-auth-service/internal/service"
	"volunteer-auth-service/internal/util"

	"go.uber.org/zap"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Kind    string      `json:"kind,omitempty"`
	Message string      `json:"message,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// Meta carries list sizes and the retry hints attached to fraud errors.
type Meta struct {
	Total             int `json:"total,omitempty"`
	PageSize          int `json:"page_size,omitempty"`
	RemainingAttempts int `json:"remaining_attempts,omitempty"`
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorResponse never echoes internal error text to the caller.
func errorResponse(err error, message string) Response {
	kind := service.Kind(err)
	resp := Response{
		Success: false,
		Error:   publicError(kind, err),
		Kind:    kind,
		Message: message,
	}

	var mismatch *service.MismatchError
	if errors.As(err, &mismatch) {
		resp.Meta = &Meta{RemainingAttempts: mismatch.Remaining}
	}
	var throttle *service.ThrottleError
	if errors.As(err, &throttle) {
		resp.Meta = &Meta{RetryAfterSeconds: retryAfterSeconds(throttle.Wait)}
	}
	return resp
}

func publicError(kind string, err error) string {
	switch kind {
	case "internal":
		return "internal server error"
	case "dispatch_failed":
		return service.ErrDispatchFailed.Error()
	default:
		return err.Error()
	}
}

func retryAfterSeconds(wait time.Duration) int {
	secs := int((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

var kindStatus = map[string]int{
	"validation_error":     http.StatusBadRequest,
	"invalid_request":      http.StatusBadRequest,
	"identity_mismatch":    http.StatusUnauthorized,
	"invalid_code":         http.StatusUnauthorized,
	"account_blocked":      http.StatusForbidden,
	"expired":              http.StatusGone,
	"daily_limit_exceeded": http.StatusTooManyRequests,
	"throttled":            http.StatusTooManyRequests,
	"too_many_attempts":    http.StatusLocked,
	"account_locked":       http.StatusLocked,
	"dispatch_failed":      http.StatusBadGateway,
	"not_found":            http.StatusNotFound,
	"email_taken":          http.StatusConflict,
	"invalid_transition":   http.StatusConflict,
}

// getStatusCode determines the appropriate HTTP status code for an error
func getStatusCode(err error) int {
	if code, ok := kindStatus[service.Kind(err)]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// responder is shared by every handler in the package.
type responder struct {
	logger *zap.Logger
}

func (h responder) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h responder) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	if statusCode >= http.StatusInternalServerError {
		h.logger.Error("HTTP error response",
			util.ErrorField(err),
			util.Int("status_code", statusCode),
			util.String("message", message),
		)
	} else {
		h.logger.Warn("HTTP error response",
			util.String("kind", service.Kind(err)),
			util.Int("status_code", statusCode),
			util.String("message", message),
		)
	}

	var throttle *service.ThrottleError
	if errors.As(err, &throttle) {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(throttle.Wait)))
	}
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// respondWithServiceError maps a service error to its status and responds.
func (h responder) respondWithServiceError(w http.ResponseWriter, err error, message string) {
	h.respondWithError(w, getStatusCode(err), err, message)
}

// decodeJSON reads a bounded JSON body and rejects unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return invalidBody{err}
	}
	return nil
}

// invalidBody reports as a validation error so it maps to 400.
type invalidBody struct{ err error }

func (e invalidBody) Error() string { return "invalid request body" }
func (e invalidBody) Unwrap() error { return service.ErrValidation }
