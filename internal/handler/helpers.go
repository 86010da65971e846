package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/storefront/gatehouse/internal/gateway"
	"github.com/storefront/gatehouse/internal/identity"
	"github.com/storefront/gatehouse/internal/model"
)

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response using the standard error
// envelope. The optional ctx map provides additional context fields.
func writeError(w http.ResponseWriter, code int, message string, ctx ...map[string]any) {
	var ctxMap map[string]any
	if len(ctx) > 0 {
		ctxMap = ctx[0]
	}
	writeJSON(w, code, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    code,
			Message: message,
			Context: ctxMap,
		},
	})
}

// writeAuthFailure maps a sign-in or session error to its HTTP status.
// Rate-limit and lockout rejections carry a Retry-After header and the same
// wait in the error context.
func writeAuthFailure(w http.ResponseWriter, err error) {
	var (
		rl     *gateway.RateLimitedError
		locked *gateway.LockedError
	)
	switch {
	case errors.As(err, &rl):
		secs := retrySeconds(w, err)
		writeError(w, http.StatusTooManyRequests, rl.Error(), map[string]any{"retry_after_seconds": secs})
	case errors.As(err, &locked):
		secs := retrySeconds(w, err)
		writeError(w, http.StatusLocked, locked.Error(), map[string]any{
			"retry_after_seconds": secs,
			"locked_until":        locked.Until,
		})
	case errors.Is(err, gateway.ErrInactive):
		writeError(w, http.StatusForbidden, "Account is inactive")
	case errors.Is(err, gateway.ErrNotPermitted):
		writeError(w, http.StatusForbidden, "Not permitted to use the back-office")
	case errors.Is(err, gateway.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
	case errors.Is(err, identity.ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, "Token expired")
	case errors.Is(err, identity.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "Invalid token")
	default:
		writeError(w, http.StatusInternalServerError, "Authentication error")
	}
}

// retrySeconds sets the Retry-After header and returns the whole seconds
// it announced.
func retrySeconds(w http.ResponseWriter, err error) int {
	d, _ := gateway.RetryAfter(err)
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	return secs
}

// readJSON decodes the request body as JSON into v. The body is closed after
// decoding regardless of success or failure.
func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// queryInt extracts an integer query parameter, returning defaultVal if the
// parameter is missing or cannot be parsed.
func queryInt(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// queryString extracts a string query parameter.
func queryString(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}

// clampInt constrains val to be within [min, max].
func clampInt(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
