// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/fleetgate/fleetgate/internal/policy"
)

// ErrValidation wraps request payload validation failures.
var ErrValidation = errors.New("validation failed")

// RespondError maps engine errors to RFC7807 problem responses. Denials
// and SoD violations carry their reason so callers can explain the
// rejection; infrastructure failures deliberately do not.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, policy.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, policy.ErrSoDViolation):
		Problem(w, http.StatusConflict, "Separation of Duties Violation", err.Error())
	case errors.Is(err, policy.ErrInvalidElevation):
		Problem(w, http.StatusBadRequest, "Invalid Elevation Request", err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, policy.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, policy.ErrDenied):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, policy.ErrInfra):
		// Fail closed without leaking which backend is unreachable.
		Problem(w, http.StatusServiceUnavailable, "Temporarily Unavailable", "")
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
