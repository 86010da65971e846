package gateway

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials hides whether the email or the password was wrong.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrInactive is returned for deactivated accounts regardless of lock
	// state. Only an operator can reactivate.
	ErrInactive = errors.New("account is inactive")
	// ErrNotPermitted is returned when a verified identity may not use the
	// back-office: it is outside the allow-list or has no directory record.
	ErrNotPermitted = errors.New("identity is not permitted")
	// ErrNotAuthenticated is returned by operations that need a session.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// RateLimitedError is the advisory rejection from the attempt limiter.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many login attempts, retry in %s", roundUp(e.RetryAfter))
}

// LockedError is the authoritative rejection for a locked account.
type LockedError struct {
	RetryAfter time.Duration
	Until      time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account is locked, retry in %s", roundUp(e.RetryAfter))
}

// RetryAfter extracts the wait time from a rate-limit or lockout error.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	var le *LockedError
	if errors.As(err, &le) {
		return le.RetryAfter, true
	}
	return 0, false
}

// roundUp renders a wait time in whole seconds, never rounding down to zero.
func roundUp(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	r := d.Truncate(time.Second)
	if r < d {
		r += time.Second
	}
	return r
}
