package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/storefront/gatehouse/internal/identity"
	"github.com/storefront/gatehouse/internal/model"
	"github.com/storefront/gatehouse/internal/server/middleware"
	"github.com/storefront/gatehouse/internal/store"
)

// AccountStore is the slice of the account directory the operator endpoints
// use.
type AccountStore interface {
	ListAccounts(ctx context.Context) ([]model.AdminAccount, error)
	GetAccount(ctx context.Context, identityID string) (*model.AdminAccount, error)
	CreateAccount(ctx context.Context, acct *model.AdminAccount) error
	UpdateAccount(ctx context.Context, identityID string, mutate func(*model.AdminAccount) (bool, error)) (*model.AdminAccount, error)
	DeleteAccount(ctx context.Context, identityID string) error
}

// PasswordSetter stores a local password for an identity.
type PasswordSetter interface {
	SetPassword(ctx context.Context, identityID, email, password string) error
}

// Unlocker clears an account lockout ahead of expiry.
type Unlocker interface {
	Unlock(ctx context.Context, identityID string) (*model.AdminAccount, error)
}

// AccountHandler manages admin accounts: listing, creation, role and status
// changes, and operator unlocks.
type AccountHandler struct {
	accounts  AccountStore
	passwords PasswordSetter
	lockout   Unlocker
	logger    *slog.Logger
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(accounts AccountStore, passwords PasswordSetter, lockout Unlocker, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		accounts:  accounts,
		passwords: passwords,
		lockout:   lockout,
		logger:    logger,
	}
}

type createAccountRequest struct {
	Email       string     `json:"email"`
	DisplayName string     `json:"display_name"`
	Role        model.Role `json:"role"`
	Password    string     `json:"password"`
}

// updateAccountRequest holds the fields an operator may change. Nil fields
// are left untouched.
type updateAccountRequest struct {
	DisplayName *string     `json:"display_name"`
	Role        *model.Role `json:"role"`
	IsActive    *bool       `json:"is_active"`
}

// ListAccounts returns every admin account.
// GET /api/v1/system/account
func (h *AccountHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accounts.ListAccounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list accounts: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: accounts,
		Meta:     &model.ResponseMeta{Count: len(accounts)},
	})
}

// CreateAccount adds an admin account, optionally with a local password.
// POST /api/v1/system/account
func (h *AccountHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	if !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "A valid email is required")
		return
	}
	if !req.Role.Valid() {
		writeError(w, http.StatusBadRequest, "Role must be one of admin, editor, viewer")
		return
	}
	if req.Password != "" && len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, identity.ErrWeakPassword.Error())
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.Email
	}

	acct := &model.AdminAccount{
		IdentityID:  identity.NewIdentityID(),
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Role:        req.Role,
		IsActive:    true,
	}
	if err := h.accounts.CreateAccount(r.Context(), acct); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, "An account with this email already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to create account: "+err.Error())
		return
	}

	if req.Password != "" {
		if err := h.passwords.SetPassword(r.Context(), acct.IdentityID, acct.Email, req.Password); err != nil {
			// Remove the half-created account so the request can be retried.
			if derr := h.accounts.DeleteAccount(r.Context(), acct.IdentityID); derr != nil {
				h.logger.Error("rollback of account without password failed", "identity", acct.IdentityID, "error", derr)
			}
			writeError(w, http.StatusInternalServerError, "Failed to set password: "+err.Error())
			return
		}
	}

	h.logger.Info("admin account created", "identity", acct.IdentityID, "role", acct.Role, "by", operator(r))
	writeJSON(w, http.StatusCreated, acct)
}

// GetAccount returns one admin account.
// GET /api/v1/system/account/{id}
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.accounts.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err, "Failed to get account")
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// UpdateAccount changes an account's display name, role or active flag.
// Deactivation takes effect on the admin's next request or refresh.
// PUT /api/v1/system/account/{id}
func (h *AccountHandler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	var req updateAccountRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Role != nil && !req.Role.Valid() {
		writeError(w, http.StatusBadRequest, "Role must be one of admin, editor, viewer")
		return
	}

	id := chi.URLParam(r, "id")
	if p := middleware.GetPrincipal(r.Context()); p != nil && p.IdentityID == id && req.IsActive != nil && !*req.IsActive {
		writeError(w, http.StatusBadRequest, "You cannot deactivate your own account")
		return
	}

	acct, err := h.accounts.UpdateAccount(r.Context(), id, func(a *model.AdminAccount) (bool, error) {
		changed := false
		if req.DisplayName != nil && *req.DisplayName != a.DisplayName {
			a.DisplayName = *req.DisplayName
			changed = true
		}
		if req.Role != nil && *req.Role != a.Role {
			a.Role = *req.Role
			changed = true
		}
		if req.IsActive != nil && *req.IsActive != a.IsActive {
			a.IsActive = *req.IsActive
			changed = true
		}
		return changed, nil
	})
	if err != nil {
		writeStoreError(w, err, "Failed to update account")
		return
	}

	h.logger.Info("admin account updated", "identity", id, "role", acct.Role, "active", acct.IsActive, "by", operator(r))
	writeJSON(w, http.StatusOK, acct)
}

// UnlockAccount clears a lockout without waiting for it to expire.
// POST /api/v1/system/account/{id}/unlock
func (h *AccountHandler) UnlockAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.lockout.Unlock(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err, "Failed to unlock account")
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func writeStoreError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Account not found")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, msg+": concurrent update, retry")
	default:
		writeError(w, http.StatusInternalServerError, msg+": "+err.Error())
	}
}

func operator(r *http.Request) string {
	if p := middleware.GetPrincipal(r.Context()); p != nil {
		return p.Email
	}
	return ""
}
