// Package session holds a client's bearer session and keeps it fresh. Each
// installed session owns exactly one refresh goroutine, which is cancelled
// and joined before Revoke returns.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/storefront/gatehouse/internal/model"
)

const (
	// DefaultRefreshBuffer is how long before expiry the refresh fires.
	DefaultRefreshBuffer = 15 * time.Minute
	// DefaultRetryInterval spaces out attempts after a failed refresh.
	DefaultRetryInterval = time.Minute
)

var (
	// ErrNoSession is returned when an operation needs a session and none is
	// held.
	ErrNoSession = errors.New("no active session")

	errSuperseded = errors.New("session superseded")
)

// TokenSource issues and refreshes bearer tokens.
type TokenSource interface {
	IssueToken(ctx context.Context, id model.Identity) (*model.Token, error)
	RefreshToken(ctx context.Context, token string) (*model.Token, error)
}

// BeforeRefreshFunc runs before each refresh. A non-nil error discards the
// session instead of refreshing it. It runs on the refresh goroutine and must
// not call Revoke.
type BeforeRefreshFunc func(ctx context.Context, sess *model.Session) error

// RefreshError reports a failed refresh. The held session stays valid until
// ExpiresAt unless Discarded is set.
type RefreshError struct {
	ExpiresAt time.Time
	Discarded bool
	Err       error
}

func (e *RefreshError) Error() string {
	if e.Discarded {
		return fmt.Sprintf("session refresh rejected, session discarded: %v", e.Err)
	}
	return fmt.Sprintf("session refresh failed, token valid until %s: %v", e.ExpiresAt.Format(time.RFC3339), e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Manager owns at most one session at a time.
type Manager struct {
	tokens        TokenSource
	clock         clockwork.Clock
	buffer        time.Duration
	retry         time.Duration
	beforeRefresh BeforeRefreshFunc
	logger        *slog.Logger

	// lifecycleMu serializes installing and revoking sessions.
	lifecycleMu sync.Mutex
	// refreshMu serializes refresh round-trips between the loop and
	// RefreshNow.
	refreshMu sync.Mutex

	mu      sync.Mutex
	current *model.Session
	gen     uint64 // bumped whenever the held session is replaced or dropped
	cancel  context.CancelFunc
	done    chan struct{}
	reset   chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock driving refresh timers.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithRefreshBuffer sets how long before expiry the refresh is scheduled.
func WithRefreshBuffer(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.buffer = d
		}
	}
}

// WithRetryInterval sets the delay between attempts after a failed refresh.
func WithRetryInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retry = d
		}
	}
}

// WithBeforeRefresh installs a hook consulted before each refresh.
func WithBeforeRefresh(fn BeforeRefreshFunc) Option {
	return func(m *Manager) { m.beforeRefresh = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a manager using tokens for issue and refresh.
func NewManager(tokens TokenSource, opts ...Option) *Manager {
	m := &Manager{
		tokens: tokens,
		clock:  clockwork.NewRealClock(),
		buffer: DefaultRefreshBuffer,
		retry:  DefaultRetryInterval,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issue obtains a token for the identity, installs it as the held session
// and schedules its refresh. Any previously held session is revoked first.
func (m *Manager) Issue(ctx context.Context, id model.Identity) (*model.Session, error) {
	tok, err := m.tokens.IssueToken(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return m.Install(id.ID, tok)
}

// Install adopts a token obtained elsewhere, such as a sign-in response, as
// the held session and schedules its refresh.
func (m *Manager) Install(identityID string, tok *model.Token) (*model.Session, error) {
	sess, err := m.newSession(identityID, tok)
	if err != nil {
		return nil, err
	}
	m.ScheduleRefresh(sess)
	out := *sess
	return &out, nil
}

// ScheduleRefresh installs sess as the held session and starts its refresh
// goroutine, replacing (and joining) any previous one.
func (m *Manager) ScheduleRefresh(sess *model.Session) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	m.stop()

	held := *sess
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.current = &held
	m.cancel = cancel
	m.done = done
	m.reset = make(chan struct{}, 1)
	reset := m.reset
	m.mu.Unlock()

	go m.run(ctx, gen, held.RefreshAt, reset, done)
}

// Current returns a copy of the held session, or nil when there is none or
// it has expired.
func (m *Manager) Current() *model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.Expired(m.clock.Now()) {
		return nil
	}
	out := *m.current
	return &out
}

// RefreshNow refreshes the held session immediately and reschedules the next
// refresh from the new token. On failure the existing session is kept until
// its own expiry and a *RefreshError is returned.
func (m *Manager) RefreshNow(ctx context.Context) (*model.Session, error) {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return nil, ErrNoSession
	}
	gen, reset := m.gen, m.reset
	m.mu.Unlock()

	sess, err := m.refresh(ctx, gen, true)
	if errors.Is(err, errSuperseded) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, err
	}

	select {
	case reset <- struct{}{}:
	default:
	}
	out := *sess
	return &out, nil
}

// Revoke drops the held session and cancels its refresh goroutine. The
// goroutine has exited by the time Revoke returns.
func (m *Manager) Revoke() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	m.stop()
}

func (m *Manager) stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.current = nil
	m.cancel = nil
	m.done = nil
	m.reset = nil
	m.gen++
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (m *Manager) newSession(identityID string, tok *model.Token) (*model.Session, error) {
	now := m.clock.Now()
	if !tok.ExpiresAt.After(now) {
		return nil, fmt.Errorf("token already expired at %s", tok.ExpiresAt.Format(time.RFC3339))
	}
	refreshAt := tok.ExpiresAt.Add(-m.buffer)
	if refreshAt.Before(now) {
		// Short-lived token: refresh halfway through what is left.
		refreshAt = now.Add(tok.ExpiresAt.Sub(now) / 2)
	}
	return &model.Session{
		Token:      tok.Value,
		IdentityID: identityID,
		IssuedAt:   now,
		ExpiresAt:  tok.ExpiresAt,
		RefreshAt:  refreshAt,
	}, nil
}

// run is the refresh goroutine for one session generation.
func (m *Manager) run(ctx context.Context, gen uint64, next time.Time, reset <-chan struct{}, done chan struct{}) {
	defer close(done)

	for {
		if wait := next.Sub(m.clock.Now()); wait > 0 {
			timer := m.clock.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-reset:
				timer.Stop()
				sess := m.sessionFor(gen)
				if sess == nil {
					return
				}
				next = sess.RefreshAt
				continue
			case <-timer.Chan():
			}
		}
		if ctx.Err() != nil {
			return
		}

		held := m.sessionFor(gen)
		if held == nil {
			return
		}
		now := m.clock.Now()
		if held.Expired(now) {
			m.logger.Warn("session expired before it could be refreshed", "identity", held.IdentityID)
			m.discard(gen)
			return
		}

		sess, err := m.refresh(ctx, gen, false)
		if err == nil {
			next = sess.RefreshAt
			continue
		}
		if errors.Is(err, errSuperseded) || ctx.Err() != nil {
			return
		}
		var rerr *RefreshError
		if errors.As(err, &rerr) && rerr.Discarded {
			m.logger.Info("session discarded before refresh", "identity", held.IdentityID, "reason", rerr.Err)
			return
		}

		next = now.Add(m.retry)
		if next.After(held.ExpiresAt) {
			next = held.ExpiresAt
		}
		m.logger.Warn("session refresh failed, will retry",
			"identity", held.IdentityID,
			"error", err,
			"retry_at", next,
			"expires_at", held.ExpiresAt,
		)
	}
}

// refresh performs one refresh round-trip for generation gen. Unless force
// is set, a session whose refresh time has not arrived is returned as is.
func (m *Manager) refresh(ctx context.Context, gen uint64, force bool) (*model.Session, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	held := m.sessionFor(gen)
	if held == nil {
		return nil, errSuperseded
	}
	if !force && m.clock.Now().Before(held.RefreshAt) {
		return held, nil
	}

	if m.beforeRefresh != nil {
		if err := m.beforeRefresh(ctx, held); err != nil {
			m.discard(gen)
			return nil, &RefreshError{ExpiresAt: held.ExpiresAt, Discarded: true, Err: err}
		}
	}

	tok, err := m.tokens.RefreshToken(ctx, held.Token)
	if err != nil {
		return nil, &RefreshError{ExpiresAt: held.ExpiresAt, Err: err}
	}
	sess, err := m.newSession(held.IdentityID, tok)
	if err != nil {
		return nil, &RefreshError{ExpiresAt: held.ExpiresAt, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.current == nil {
		// Revoked while the round-trip was in flight.
		return nil, errSuperseded
	}
	m.current = sess
	m.logger.Debug("session refreshed", "identity", sess.IdentityID, "expires_at", sess.ExpiresAt)
	out := *sess
	return &out, nil
}

// sessionFor returns a copy of the held session if it still belongs to gen.
func (m *Manager) sessionFor(gen uint64) *model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.current == nil {
		return nil
	}
	out := *m.current
	return &out
}

// discard drops the session of generation gen without joining its goroutine,
// so it is safe to call from that goroutine. done is kept so a later Revoke
// still waits for the goroutine to exit.
func (m *Manager) discard(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.current = nil
	m.cancel = nil
	m.reset = nil
	m.gen++
}
