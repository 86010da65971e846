package gateway

import (
	"context"
	"errors"
	"sync"

	"github.com/storefront/gatehouse/internal/authz"
	"github.com/storefront/gatehouse/internal/model"
	"github.com/storefront/gatehouse/internal/session"
)

// Principal is the signed-in admin as seen by one client.
type Principal struct {
	IdentityID string     `json:"identity_id"`
	Email      string     `json:"email"`
	Role       model.Role `json:"role"`
}

// Gateway is the per-client facade: it signs in through the shared
// Authenticator, holds the resulting session with scheduled refresh, and
// answers capability questions for the signed-in admin.
type Gateway struct {
	auth     *Authenticator
	gate     *authz.Gate
	sessions *session.Manager

	mu        sync.Mutex
	principal *Principal
}

// NewGateway creates a client gateway. Session options tune refresh timing.
func NewGateway(auth *Authenticator, gate *authz.Gate, opts ...session.Option) *Gateway {
	g := &Gateway{auth: auth, gate: gate}
	all := append([]session.Option{session.WithLogger(auth.logger)}, opts...)
	all = append(all, session.WithBeforeRefresh(g.beforeRefresh))
	g.sessions = session.NewManager(auth.idp, all...)
	return g
}

// Login signs in with email and password and starts the session.
func (g *Gateway) Login(ctx context.Context, email, password string) (*Result, error) {
	res, err := g.auth.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return g.establish(res)
}

// LoginFederated signs in with an external provider's ID token.
func (g *Gateway) LoginFederated(ctx context.Context, providerToken string) (*Result, error) {
	res, err := g.auth.LoginFederated(ctx, providerToken)
	if err != nil {
		return nil, err
	}
	return g.establish(res)
}

func (g *Gateway) establish(res *Result) (*Result, error) {
	if _, err := g.sessions.Install(res.Identity.ID, &res.Token); err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.principal = &Principal{IdentityID: res.Identity.ID, Email: res.Identity.Email, Role: res.Role}
	g.mu.Unlock()
	return res, nil
}

// Logout ends the session. The refresh timer is cancelled before Logout
// returns, and the logout is audited.
func (g *Gateway) Logout(ctx context.Context) error {
	g.mu.Lock()
	p := g.principal
	g.principal = nil
	g.mu.Unlock()

	g.sessions.Revoke()
	if p == nil {
		return ErrNotAuthenticated
	}
	g.auth.Logout(ctx, p.Email)
	return nil
}

// CurrentSession returns the held session, or nil when signed out or
// expired.
func (g *Gateway) CurrentSession() *model.Session {
	return g.sessions.Current()
}

// Principal returns the signed-in admin, or nil.
func (g *Gateway) Principal() *Principal {
	if g.sessions.Current() == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.principal == nil {
		return nil
	}
	p := *g.principal
	return &p
}

// RefreshNow forces an immediate token refresh.
func (g *Gateway) RefreshNow(ctx context.Context) (*model.Session, error) {
	return g.sessions.RefreshNow(ctx)
}

// IsAuthorized reports whether the signed-in admin currently holds the
// capability. The account is re-read, so a role change or deactivation
// takes effect immediately.
func (g *Gateway) IsAuthorized(ctx context.Context, capability authz.Capability) bool {
	sess := g.sessions.Current()
	if sess == nil {
		return false
	}
	acct, err := g.auth.CheckActive(ctx, sess.IdentityID)
	if err != nil {
		return false
	}
	return g.gate.Can(acct.Role, capability)
}

// Close drops the session without auditing a logout.
func (g *Gateway) Close() {
	g.sessions.Revoke()
}

// beforeRefresh discards the session when the account was deactivated or
// removed since sign-in. Directory errors let the refresh proceed.
func (g *Gateway) beforeRefresh(ctx context.Context, sess *model.Session) error {
	_, err := g.auth.CheckActive(ctx, sess.IdentityID)
	if errors.Is(err, ErrInactive) || errors.Is(err, ErrNotPermitted) {
		g.mu.Lock()
		g.principal = nil
		g.mu.Unlock()
		g.auth.logger.Info("session ended: account no longer permitted", "identity", sess.IdentityID, "reason", err)
		return err
	}
	if err != nil {
		g.auth.logger.Warn("could not re-check account before refresh", "identity", sess.IdentityID, "error", err)
	}
	return nil
}
