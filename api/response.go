package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aswathylr-builds/secure-delivery/models"
)

// Remediation hints tell clients what to do next
const (
	RemedyPay            = "pay"
	RemedyRetry          = "retry"
	RemedyRequestNewLink = "request_new_link"
	RemedyContactSupport = "contact_support"
)

type successResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
}

type errorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Remediation string `json:"remediation,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
}

type errorResponse struct {
	Status string       `json:"status"`
	Error  errorPayload `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, successResponse{Status: "success", Data: data})
}

// mapDomainError turns a domain error into status, code, client-safe message
// and remediation. Messages are fixed per error so they never echo another
// requester's data.
func mapDomainError(err error) (status int, code, message, remediation string) {
	switch {
	case errors.Is(err, models.ErrPolicyDenied):
		return http.StatusPaymentRequired, "payment_required", "purchase required for this content", RemedyPay
	case errors.Is(err, models.ErrSignatureInvalid):
		return http.StatusBadRequest, "signature_invalid", "payment signature could not be verified", RemedyContactSupport
	case errors.Is(err, models.ErrValidationFailed):
		return http.StatusBadRequest, "validation_failed", err.Error(), ""
	case errors.Is(err, models.ErrTokenNotFound):
		return http.StatusNotFound, "token_not_found", "download link not recognised", RemedyRequestNewLink
	case errors.Is(err, models.ErrTokenExpired):
		return http.StatusGone, "token_expired", "download link has expired", RemedyRequestNewLink
	case errors.Is(err, models.ErrTokenAlreadyUsed):
		return http.StatusConflict, "token_already_used", "download link has already been used", RemedyRequestNewLink
	case errors.Is(err, models.ErrUpstreamTimeout):
		return http.StatusServiceUnavailable, "upstream_unavailable", "payment provider unavailable", RemedyRetry
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "order cannot change state", RemedyContactSupport
	case errors.Is(err, models.ErrOrderNotFound):
		return http.StatusNotFound, "order_not_found", "order not found", ""
	case errors.Is(err, models.ErrContentNotFound):
		return http.StatusNotFound, "content_not_found", "content item not found", ""
	case errors.Is(err, models.ErrTokenCollision):
		return http.StatusInternalServerError, "token_collision", "could not issue a download link", RemedyRetry
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized", "invalid or missing credentials", ""
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden, "forbidden", "not allowed", ""
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error", RemedyContactSupport
	}
}

// fail writes the error envelope and logs server-side failures
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, remediation := mapDomainError(err)
	requestID := requestIDFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			"request_id", requestID,
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}
	writeJSON(w, status, errorResponse{
		Status: "error",
		Error: errorPayload{
			Code:        code,
			Message:     message,
			Remediation: remediation,
			RequestID:   requestID,
		},
	})
}
