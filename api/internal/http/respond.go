package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/repository"
	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/service/auth"
	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/service/lifecycle"
	"github.com/ThLemay/Nut-WebAPP-V3/pkg/crypto"
	"github.com/ThLemay/Nut-WebAPP-V3/pkg/qr"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps service errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound),
		errors.Is(err, lifecycle.ErrClientNotFound),
		errors.Is(err, lifecycle.ErrCompanyNotFound),
		errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrOwnershipMismatch),
		errors.Is(err, lifecycle.ErrHolderMismatch),
		errors.Is(err, lifecycle.ErrNotAClient):
		return http.StatusForbidden
	case errors.Is(err, qr.ErrEmptyInput),
		errors.Is(err, qr.ErrMissingID),
		errors.Is(err, qr.ErrUnrecognizedFormat),
		errors.Is(err, auth.ErrInvalidEmail),
		errors.Is(err, auth.ErrNameRequired),
		errors.Is(err, auth.ErrInvalidRole),
		errors.Is(err, auth.ErrInvalidPoints),
		errors.Is(err, crypto.ErrWeakPassword),
		errors.Is(err, repository.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrEmailTaken), errors.Is(err, repository.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrTokenRequired),
		errors.Is(err, auth.ErrTokenRevoked):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError reports err with its mapped status. Lifecycle failures
// also carry their kind so clients can branch without parsing messages.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	body := map[string]string{"error": err.Error()}
	if lifecycle.IsDomainError(err) {
		body["kind"] = lifecycle.Kind(err)
	}
	writeJSON(w, status, body)
}
