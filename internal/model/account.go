package model

import "time"

// AdminAccount is the persisted record for one privileged identity. The
// identity ID comes from the identity provider and never changes.
type AdminAccount struct {
	IdentityID     string     `json:"identity_id" db:"identity_id"`
	Email          string     `json:"email" db:"email"`
	DisplayName    string     `json:"display_name" db:"display_name"`
	Role           Role       `json:"role" db:"role"`
	IsActive       bool       `json:"is_active" db:"is_active"`
	FailedAttempts int        `json:"failed_attempts" db:"failed_attempts"`
	IsLocked       bool       `json:"is_locked" db:"is_locked"`
	LockedUntil    *time.Time `json:"locked_until,omitempty" db:"locked_until"`
	LastFailedAt   *time.Time `json:"last_failed_at,omitempty" db:"last_failed_at"`
	LastLoginAt    *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
	Version        int64      `json:"-" db:"version"` // optimistic concurrency token
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// LockActive reports whether the account holds a lock that has not yet
// expired at now.
func (a *AdminAccount) LockActive(now time.Time) bool {
	return a.IsLocked && a.LockedUntil != nil && now.Before(*a.LockedUntil)
}

// LockExpired reports whether the account is still flagged as locked in
// storage although its lock time has passed.
func (a *AdminAccount) LockExpired(now time.Time) bool {
	return a.IsLocked && (a.LockedUntil == nil || !now.Before(*a.LockedUntil))
}

// Identity is a verified principal as returned by the identity provider.
type Identity struct {
	ID          string `json:"identity_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
	Provider    string `json:"provider,omitempty"`
}
