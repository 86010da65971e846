// Package gateway is the authentication and access-control core for the
// back-office: it admits or rejects sign-in attempts, keeps lockout state in
// the account directory, writes one audit entry per attempt and, through the
// per-client Gateway, holds and refreshes the resulting session.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/storefront/gatehouse/internal/identity"
	"github.com/storefront/gatehouse/internal/model"
	"github.com/storefront/gatehouse/internal/store"
)

// Audit reasons recorded on ledger entries.
const (
	ReasonAuthenticated      = "authenticated"
	ReasonInvalidCredentials = "invalid_credentials"
	ReasonRateLimited        = "rate_limited"
	ReasonLocked             = "locked"
	ReasonInactive           = "inactive"
	ReasonNotPermitted       = "not_permitted"
	ReasonInternal           = "internal_error"
	ReasonLogout             = "logout"
)

// federatedKey is the identity key recorded when a federated token cannot
// be verified and so names no identity.
const federatedKey = "federated"

// IdentityProvider verifies credentials and mints tokens. VerifyCredentials
// and VerifyFederated report rejected input with identity.ErrInvalidCredentials
// and identity.ErrInvalidToken respectively.
type IdentityProvider interface {
	VerifyCredentials(ctx context.Context, email, password string) (*model.Identity, error)
	VerifyFederated(ctx context.Context, providerToken string) (*model.Identity, error)
	IssueToken(ctx context.Context, id model.Identity) (*model.Token, error)
	RefreshToken(ctx context.Context, token string) (*model.Token, error)
}

// Auditor appends entries to the audit ledger.
type Auditor interface {
	Append(ctx context.Context, entry *model.AuditEntry) error
}

// Result is a successful sign-in.
type Result struct {
	Identity model.Identity      `json:"identity"`
	Account  *model.AdminAccount `json:"account"`
	Role     model.Role          `json:"role"`
	Token    model.Token         `json:"token"`
}

// Authenticator runs the sign-in pipeline: attempt limiter, lockout,
// credential verification, allow-list, then directory update and token
// issue. It keeps no per-request state and is safe for concurrent use.
// Every Login, LoginFederated and Logout call writes exactly one audit entry.
type Authenticator struct {
	dir     Directory
	idp     IdentityProvider
	ledger  Auditor
	lockout *LockoutManager
	limiter AttemptRateLimiter
	clock   clockwork.Clock
	logger  *slog.Logger

	policy        LockoutPolicy
	allow         map[string]struct{}
	autoProvision bool
	defaultRole   model.Role
}

// AuthOption configures an Authenticator.
type AuthOption func(*Authenticator)

// WithLimiter injects the advisory attempt limiter. The default admits all.
func WithLimiter(l AttemptRateLimiter) AuthOption {
	return func(a *Authenticator) { a.limiter = l }
}

// WithLockoutPolicy overrides DefaultLockoutPolicy.
func WithLockoutPolicy(p LockoutPolicy) AuthOption {
	return func(a *Authenticator) { a.policy = p }
}

// WithAllowList restricts sign-in to the given emails. An empty list admits
// every directory account.
func WithAllowList(emails ...string) AuthOption {
	return func(a *Authenticator) {
		for _, e := range emails {
			if e = normalizeKey(e); e != "" {
				if a.allow == nil {
					a.allow = make(map[string]struct{})
				}
				a.allow[e] = struct{}{}
			}
		}
	}
}

// WithAutoProvision creates directory accounts with role for federated
// identities signing in for the first time.
func WithAutoProvision(role model.Role) AuthOption {
	return func(a *Authenticator) {
		a.autoProvision = true
		a.defaultRole = role
	}
}

// WithClock sets the clock for lockout decisions.
func WithClock(c clockwork.Clock) AuthOption {
	return func(a *Authenticator) { a.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) AuthOption {
	return func(a *Authenticator) { a.logger = logger }
}

// NewAuthenticator wires the pipeline.
func NewAuthenticator(dir Directory, idp IdentityProvider, ledger Auditor, opts ...AuthOption) *Authenticator {
	a := &Authenticator{
		dir:     dir,
		idp:     idp,
		ledger:  ledger,
		limiter: NopLimiter{},
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
		policy:  DefaultLockoutPolicy(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.lockout = NewLockoutManager(dir, a.policy, a.clock, a.logger)
	return a
}

// Lockout exposes the lockout manager for operator actions.
func (a *Authenticator) Lockout() *LockoutManager {
	return a.lockout
}

// Directory returns the account directory the authenticator decides against.
func (a *Authenticator) Directory() Directory {
	return a.dir
}

// attempt accumulates the single audit entry for one call.
type attempt struct {
	entry model.AuditEntry
}

func newAttempt(action model.AuditAction, key string) *attempt {
	return &attempt{entry: model.AuditEntry{Action: action, IdentityKey: key}}
}

func (t *attempt) success(reason string) {
	t.entry.Action = model.ActionLoginSuccess
	t.entry.Status = model.StatusSuccess
	t.entry.Reason = reason
}

func (t *attempt) failed(reason string, meta map[string]string) {
	t.entry.Action = model.ActionLoginFailed
	t.entry.Status = model.StatusFailure
	t.entry.Reason = reason
	t.entry.Metadata = meta
}

func (t *attempt) blocked(reason string, meta map[string]string) {
	t.entry.Action = model.ActionLoginBlocked
	t.entry.Status = model.StatusBlocked
	t.entry.Reason = reason
	t.entry.Metadata = meta
}

// record writes the entry. A ledger failure is logged here and surfaced by
// the ledger's reporter; it never changes the decision already made.
func (a *Authenticator) record(ctx context.Context, t *attempt) {
	if t.entry.Status == "" {
		t.failed(ReasonInternal, nil)
	}
	if err := a.ledger.Append(context.WithoutCancel(ctx), &t.entry); err != nil {
		a.logger.Warn("audit entry not persisted",
			"action", t.entry.Action,
			"identity", t.entry.IdentityKey,
			"error", err,
		)
	}
}

// Login authenticates an email and password.
func (a *Authenticator) Login(ctx context.Context, email, password string) (*Result, error) {
	key := normalizeKey(email)
	t := newAttempt(model.ActionLoginFailed, key)
	defer a.record(ctx, t)

	if d := a.limiter.CheckAllowed(key); !d.Allowed {
		t.blocked(ReasonRateLimited, retryMeta(d.RetryAfter))
		return nil, &RateLimitedError{RetryAfter: d.RetryAfter}
	}
	a.limiter.RecordAttempt(key)

	acct, err := a.dir.GetAccountByEmail(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		acct = nil
	} else if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	if acct != nil {
		if err := a.authorize(ctx, t, acct.IdentityID); err != nil {
			return nil, err
		}
	}

	id, err := a.idp.VerifyCredentials(ctx, key, password)
	if errors.Is(err, identity.ErrInvalidCredentials) {
		meta := map[string]string{}
		if acct != nil {
			out, ferr := a.lockout.OnFailure(ctx, acct.IdentityID)
			if ferr != nil {
				return nil, ferr
			}
			meta["attempt"] = strconv.Itoa(out.Attempts)
			if out.LockDuration > 0 {
				meta["lock_duration"] = out.LockDuration.String()
			}
		}
		t.failed(ReasonInvalidCredentials, meta)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("verify credentials: %w", err)
	}

	// Verified, but the back-office only admits directory accounts bound to
	// this identity.
	if acct == nil || acct.IdentityID != id.ID {
		t.blocked(ReasonNotPermitted, nil)
		return nil, ErrNotPermitted
	}
	if !a.allowed(key) {
		t.blocked(ReasonNotPermitted, map[string]string{"check": "allow_list"})
		return nil, ErrNotPermitted
	}

	return a.complete(ctx, t, *id)
}

// LoginFederated authenticates with an ID token from a trusted external
// provider, provisioning a directory account on first use when enabled.
func (a *Authenticator) LoginFederated(ctx context.Context, providerToken string) (*Result, error) {
	t := newAttempt(model.ActionLoginFailed, federatedKey)
	defer a.record(ctx, t)

	id, err := a.idp.VerifyFederated(ctx, providerToken)
	if errors.Is(err, identity.ErrInvalidToken) || errors.Is(err, identity.ErrInvalidCredentials) {
		t.failed(ReasonInvalidCredentials, map[string]string{"provider": "federated"})
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("verify federated token: %w", err)
	}

	key := normalizeKey(id.Email)
	t.entry.IdentityKey = key
	meta := map[string]string{"provider": id.Provider}

	if d := a.limiter.CheckAllowed(key); !d.Allowed {
		m := retryMeta(d.RetryAfter)
		m["provider"] = id.Provider
		t.blocked(ReasonRateLimited, m)
		return nil, &RateLimitedError{RetryAfter: d.RetryAfter}
	}
	a.limiter.RecordAttempt(key)

	if !a.allowed(key) {
		meta["check"] = "allow_list"
		t.blocked(ReasonNotPermitted, meta)
		return nil, ErrNotPermitted
	}

	_, err = a.dir.GetAccount(ctx, id.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if !a.autoProvision {
			t.blocked(ReasonNotPermitted, meta)
			return nil, ErrNotPermitted
		}
		if err := a.provision(ctx, *id); err != nil {
			if errors.Is(err, ErrNotPermitted) {
				t.blocked(ReasonNotPermitted, meta)
			}
			return nil, err
		}
		meta["provisioned"] = "true"
	case err != nil:
		return nil, fmt.Errorf("load account: %w", err)
	}

	if err := a.authorize(ctx, t, id.ID); err != nil {
		return nil, err
	}

	res, err := a.complete(ctx, t, *id)
	if err == nil {
		t.entry.Metadata = meta
	}
	return res, err
}

// Logout records the end of a session for the identity.
func (a *Authenticator) Logout(ctx context.Context, identityKey string) {
	t := newAttempt(model.ActionLogout, normalizeKey(identityKey))
	t.entry.Status = model.StatusSuccess
	t.entry.Reason = ReasonLogout
	a.record(ctx, t)
}

// CheckActive re-reads the account and fails with ErrInactive when it has
// been deactivated, or ErrNotPermitted when it no longer exists.
func (a *Authenticator) CheckActive(ctx context.Context, identityID string) (*model.AdminAccount, error) {
	acct, err := a.dir.GetAccount(ctx, identityID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotPermitted
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if !acct.IsActive {
		return acct, ErrInactive
	}
	return acct, nil
}

// Refresh exchanges a still-valid token for a new one, provided the account
// behind it is still active.
func (a *Authenticator) Refresh(ctx context.Context, identityID, token string) (*model.Token, error) {
	if _, err := a.CheckActive(ctx, identityID); err != nil {
		return nil, err
	}
	tok, err := a.idp.RefreshToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return tok, nil
}

// authorize runs the lockout check and records a block on the attempt.
func (a *Authenticator) authorize(ctx context.Context, t *attempt, identityID string) error {
	err := a.lockout.Authorize(ctx, identityID)
	if err == nil {
		return nil
	}
	var locked *LockedError
	switch {
	case errors.Is(err, ErrInactive):
		t.blocked(ReasonInactive, nil)
	case errors.As(err, &locked):
		t.blocked(ReasonLocked, retryMeta(locked.RetryAfter))
	}
	return err
}

// complete finishes a verified, permitted sign-in.
func (a *Authenticator) complete(ctx context.Context, t *attempt, id model.Identity) (*Result, error) {
	acct, err := a.lockout.OnSuccess(ctx, id.ID)
	if err != nil {
		return nil, err
	}
	a.limiter.Clear(t.entry.IdentityKey)

	tok, err := a.idp.IssueToken(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}

	t.success(ReasonAuthenticated)
	a.logger.Info("admin signed in", "identity", id.ID, "role", acct.Role, "provider", id.Provider)
	return &Result{Identity: id, Account: acct, Role: acct.Role, Token: *tok}, nil
}

func (a *Authenticator) provision(ctx context.Context, id model.Identity) error {
	acct := &model.AdminAccount{
		IdentityID:  id.ID,
		Email:       id.Email,
		DisplayName: id.DisplayName,
		Role:        a.defaultRole,
		IsActive:    true,
	}
	if acct.DisplayName == "" {
		acct.DisplayName = id.Email
	}
	if err := a.dir.CreateAccount(ctx, acct); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("provision account: %w", err)
		}
		// Either a concurrent sign-in provisioned this identity first, or
		// the email already belongs to a different identity.
		if _, err := a.dir.GetAccount(ctx, id.ID); err != nil {
			return ErrNotPermitted
		}
		return nil
	}
	a.logger.Info("provisioned federated admin", "identity", id.ID, "role", a.defaultRole)
	return nil
}

func (a *Authenticator) allowed(key string) bool {
	if len(a.allow) == 0 {
		return true
	}
	_, ok := a.allow[key]
	return ok
}

func retryMeta(d time.Duration) map[string]string {
	return map[string]string{"retry_after_seconds": strconv.Itoa(int(roundUp(d) / time.Second))}
}

// IdentityKey normalizes an email the way audit entries and limiter keys do.
func IdentityKey(email string) string {
	return normalizeKey(email)
}
