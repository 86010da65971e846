package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/storefront/gatehouse/internal/authz"
	"github.com/storefront/gatehouse/internal/gateway"
	"github.com/storefront/gatehouse/internal/model"
	"github.com/storefront/gatehouse/internal/server/middleware"
)

// Authenticator is the sign-in pipeline the session endpoints drive.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (*gateway.Result, error)
	LoginFederated(ctx context.Context, providerToken string) (*gateway.Result, error)
	Refresh(ctx context.Context, identityID, token string) (*model.Token, error)
	Logout(ctx context.Context, identityKey string)
}

// SessionHandler serves sign-in, refresh, session introspection and
// sign-out.
type SessionHandler struct {
	auth  Authenticator
	gate  *authz.Gate
	clock clockwork.Clock
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(auth Authenticator, gate *authz.Gate, clock clockwork.Clock) *SessionHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SessionHandler{auth: auth, gate: gate, clock: clock}
}

// ---------------------------------------------------------------------------
// Sign-in
// ---------------------------------------------------------------------------

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type federatedRequest struct {
	ProviderToken string `json:"provider_token"`
}

// sessionResponse is the payload for every endpoint that hands out a token.
type sessionResponse struct {
	Token      string     `json:"session_token"`
	TokenType  string     `json:"token_type"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ExpiresIn  int        `json:"expires_in"`
	IdentityID string     `json:"identity_id"`
	Email      string     `json:"email"`
	Role       model.Role `json:"role,omitempty"`
}

// Login authenticates an admin with email and password.
// POST /api/v1/auth/session
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	res, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeAuthFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.sessionFor(res.Identity.ID, res.Account.Email, res.Role, res.Token))
}

// LoginFederated authenticates with an ID token from a trusted issuer.
// POST /api/v1/auth/federated
func (h *SessionHandler) LoginFederated(w http.ResponseWriter, r *http.Request) {
	var req federatedRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.ProviderToken == "" {
		writeError(w, http.StatusBadRequest, "provider_token is required")
		return
	}

	res, err := h.auth.LoginFederated(r.Context(), req.ProviderToken)
	if err != nil {
		writeAuthFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.sessionFor(res.Identity.ID, res.Account.Email, res.Role, res.Token))
}

// ---------------------------------------------------------------------------
// Authenticated session endpoints
// ---------------------------------------------------------------------------

// Refresh exchanges the caller's still-valid token for a new one.
// POST /api/v1/auth/session/refresh
func (h *SessionHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	tok, err := h.auth.Refresh(r.Context(), p.IdentityID, p.Token)
	if err != nil {
		writeAuthFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.sessionFor(p.IdentityID, p.Email, p.Role, *tok))
}

// principalResponse describes the caller and what they may do.
type principalResponse struct {
	IdentityID   string             `json:"identity_id"`
	Email        string             `json:"email"`
	Role         model.Role         `json:"role"`
	Capabilities []authz.Capability `json:"capabilities"`
}

// Current returns the signed-in admin and their capabilities.
// GET /api/v1/auth/session
func (h *SessionHandler) Current(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	writeJSON(w, http.StatusOK, principalResponse{
		IdentityID:   p.IdentityID,
		Email:        p.Email,
		Role:         p.Role,
		Capabilities: h.gate.CapabilitiesFor(p.Role),
	})
}

// Logout records the end of the caller's session. Bearer tokens are
// stateless, so the client must discard its token.
// DELETE /api/v1/auth/session
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	h.auth.Logout(r.Context(), p.Email)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Session ended",
	})
}

func (h *SessionHandler) sessionFor(identityID, email string, role model.Role, tok model.Token) sessionResponse {
	expiresIn := int(tok.ExpiresAt.Sub(h.clock.Now()) / time.Second)
	if expiresIn < 0 {
		expiresIn = 0
	}
	return sessionResponse{
		Token:      tok.Value,
		TokenType:  "bearer",
		ExpiresAt:  tok.ExpiresAt,
		ExpiresIn:  expiresIn,
		IdentityID: identityID,
		Email:      email,
		Role:       role,
	}
}
