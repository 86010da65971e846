package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/storefront/gatehouse/internal/authz"
	"github.com/storefront/gatehouse/internal/gateway"
	"github.com/storefront/gatehouse/internal/identity"
	"github.com/storefront/gatehouse/internal/model"
)

type contextKeyAuth string

const (
	// AuthPrincipalKey is the context key for the authenticated principal.
	AuthPrincipalKey contextKeyAuth = "auth_principal"
)

// Principal is the admin behind a request's bearer token, as currently
// recorded in the directory.
type Principal struct {
	IdentityID string
	Email      string
	Role       model.Role
	Token      string
}

// TokenValidator verifies bearer tokens.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*identity.Claims, error)
}

// AccountChecker loads the directory account behind a token and refuses
// deactivated or removed admins.
type AccountChecker interface {
	CheckActive(ctx context.Context, identityID string) (*model.AdminAccount, error)
}

// Authenticate returns an HTTP middleware that validates the Bearer token
// in the Authorization header and then re-reads the account, so a role
// change or deactivation applies to the very next request.
//
// On success, a Principal is attached to the request context. On failure,
// a 401 or 403 JSON error response is returned.
func Authenticate(tokens TokenValidator, accounts AccountChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeAuthError(w, http.StatusUnauthorized, "Authentication required. Provide a Bearer token.")
				return
			}
			token := strings.TrimPrefix(authHeader, "Bearer ")

			claims, err := tokens.ValidateToken(r.Context(), token)
			if errors.Is(err, identity.ErrTokenExpired) {
				writeAuthError(w, http.StatusUnauthorized, "Token expired")
				return
			}
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			acct, err := accounts.CheckActive(r.Context(), claims.IdentityID)
			switch {
			case errors.Is(err, gateway.ErrInactive):
				writeAuthError(w, http.StatusForbidden, "Account is inactive")
				return
			case errors.Is(err, gateway.ErrNotPermitted):
				writeAuthError(w, http.StatusForbidden, "Account no longer exists")
				return
			case err != nil:
				writeAuthError(w, http.StatusInternalServerError, "Could not load account")
				return
			}

			principal := &Principal{
				IdentityID: acct.IdentityID,
				Email:      acct.Email,
				Role:       acct.Role,
				Token:      token,
			}
			ctx := context.WithValue(r.Context(), AuthPrincipalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Require returns an HTTP middleware that admits only principals whose role
// grants the capability. It must be used after Authenticate in the
// middleware chain.
func Require(gate *authz.Gate, capability authz.Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetPrincipal(r.Context())
			if principal == nil {
				writeAuthError(w, http.StatusUnauthorized, "Authentication required")
				return
			}
			if !gate.Can(principal.Role, capability) {
				writeAuthError(w, http.StatusForbidden, "Missing capability "+string(capability))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetPrincipal extracts the authenticated principal from the context.
// Returns nil if no principal is present (i.e., unauthenticated request).
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(AuthPrincipalKey).(*Principal); ok {
		return p
	}
	return nil
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="gatehouse"`)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorResponse{
		Error: model.ErrorDetail{Code: status, Message: message},
	})
}
