package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/storefront/gatehouse/internal/model"
)

// Directory is the durable account store the gateway decides against. Every
// decision re-reads the account; UpdateAccount must apply its mutation
// atomically with respect to concurrent writers.
type Directory interface {
	GetAccount(ctx context.Context, identityID string) (*model.AdminAccount, error)
	GetAccountByEmail(ctx context.Context, email string) (*model.AdminAccount, error)
	CreateAccount(ctx context.Context, acct *model.AdminAccount) error
	UpdateAccount(ctx context.Context, identityID string, mutate func(*model.AdminAccount) (bool, error)) (*model.AdminAccount, error)
}

// LockoutPolicy is the authoritative failed-attempt policy.
type LockoutPolicy struct {
	MaxAttempts int
	// Window is how long a failure keeps counting toward the limit. A failure
	// arriving more than Window after the previous one starts a new count.
	Window   time.Duration
	Duration time.Duration
}

// DefaultLockoutPolicy locks for 15 minutes after 5 failures in 15 minutes.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{MaxAttempts: 5, Window: 15 * time.Minute, Duration: 15 * time.Minute}
}

// FailureOutcome describes the account state after a recorded failure.
type FailureOutcome struct {
	Attempts     int
	Locked       bool
	LockedUntil  time.Time
	LockDuration time.Duration
}

// LockoutManager enforces the lockout state machine on directory records:
// unlocked, then locked for Duration once MaxAttempts failures accumulate,
// then unlocked again. Expiry is pull-based: a lapsed lock is cleared by the
// next Authorize call for that account, never by a background sweep.
type LockoutManager struct {
	dir    Directory
	policy LockoutPolicy
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewLockoutManager creates a manager over dir.
func NewLockoutManager(dir Directory, policy LockoutPolicy, clock clockwork.Clock, logger *slog.Logger) *LockoutManager {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = DefaultLockoutPolicy().MaxAttempts
	}
	if policy.Window <= 0 {
		policy.Window = DefaultLockoutPolicy().Window
	}
	if policy.Duration <= 0 {
		policy.Duration = DefaultLockoutPolicy().Duration
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LockoutManager{dir: dir, policy: policy, clock: clock, logger: logger}
}

// Policy returns the policy in force.
func (m *LockoutManager) Policy() LockoutPolicy {
	return m.policy
}

// Authorize decides whether the account may attempt to sign in. Inactive
// accounts always fail with ErrInactive. An active lock fails with
// *LockedError; a lapsed one is cleared (and its counter reset) atomically
// before returning nil.
func (m *LockoutManager) Authorize(ctx context.Context, identityID string) error {
	now := m.clock.Now()
	var locked *LockedError

	acct, err := m.dir.UpdateAccount(ctx, identityID, func(a *model.AdminAccount) (bool, error) {
		locked = nil
		if !a.IsActive {
			return false, nil
		}
		if a.LockActive(now) {
			locked = &LockedError{RetryAfter: a.LockedUntil.Sub(now), Until: *a.LockedUntil}
			return false, nil
		}
		if a.LockExpired(now) {
			clearLock(a)
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("authorize %s: %w", identityID, err)
	}
	if !acct.IsActive {
		return ErrInactive
	}
	if locked != nil {
		return locked
	}
	return nil
}

// OnFailure records a failed attempt and locks the account when the count
// reaches the limit, all in one atomic update.
func (m *LockoutManager) OnFailure(ctx context.Context, identityID string) (FailureOutcome, error) {
	now := m.clock.Now()
	var out FailureOutcome

	_, err := m.dir.UpdateAccount(ctx, identityID, func(a *model.AdminAccount) (bool, error) {
		out = FailureOutcome{}
		if a.LockActive(now) {
			// A concurrent attempt already locked it; the lock stands as is.
			out = FailureOutcome{Attempts: a.FailedAttempts, Locked: true, LockedUntil: *a.LockedUntil}
			return false, nil
		}
		if a.LockExpired(now) {
			clearLock(a)
		}
		if a.LastFailedAt != nil && now.Sub(*a.LastFailedAt) >= m.policy.Window {
			a.FailedAttempts = 0
		}

		a.FailedAttempts++
		failedAt := now
		a.LastFailedAt = &failedAt
		out.Attempts = a.FailedAttempts

		if a.FailedAttempts >= m.policy.MaxAttempts {
			until := now.Add(m.policy.Duration)
			a.IsLocked = true
			a.LockedUntil = &until
			out.Locked = true
			out.LockedUntil = until
			out.LockDuration = m.policy.Duration
		}
		return true, nil
	})
	if err != nil {
		return FailureOutcome{}, fmt.Errorf("record failure for %s: %w", identityID, err)
	}

	if out.Locked && out.LockDuration > 0 {
		m.logger.Warn("account locked after repeated failures",
			"identity", identityID,
			"attempts", out.Attempts,
			"locked_until", out.LockedUntil,
		)
	}
	return out, nil
}

// OnSuccess resets the failure counter, clears any lock and stamps the
// login time.
func (m *LockoutManager) OnSuccess(ctx context.Context, identityID string) (*model.AdminAccount, error) {
	now := m.clock.Now()
	acct, err := m.dir.UpdateAccount(ctx, identityID, func(a *model.AdminAccount) (bool, error) {
		clearLock(a)
		loginAt := now
		a.LastLoginAt = &loginAt
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("record success for %s: %w", identityID, err)
	}
	return acct, nil
}

// Unlock is the operator override: it clears the lock and counter without
// waiting for expiry.
func (m *LockoutManager) Unlock(ctx context.Context, identityID string) (*model.AdminAccount, error) {
	acct, err := m.dir.UpdateAccount(ctx, identityID, func(a *model.AdminAccount) (bool, error) {
		if !a.IsLocked && a.FailedAttempts == 0 {
			return false, nil
		}
		clearLock(a)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("unlock %s: %w", identityID, err)
	}
	m.logger.Info("account unlocked by operator", "identity", identityID)
	return acct, nil
}

func clearLock(a *model.AdminAccount) {
	a.FailedAttempts = 0
	a.IsLocked = false
	a.LockedUntil = nil
	a.LastFailedAt = nil
}
