package gateway

import (
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// DefaultAttemptWindow is the sliding window attempts are counted in.
	DefaultAttemptWindow = 15 * time.Minute
	// DefaultMaxAttempts is how many attempts the window admits.
	DefaultMaxAttempts = 5
	// DefaultLimiterCapacity bounds the number of retained attempt records.
	DefaultLimiterCapacity = 1024
)

// Decision is the result of a limiter check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// AttemptRateLimiter is the advisory, client-local throttle in front of the
// authoritative lockout. Removing it changes only how early a caller is
// told to wait, never whether a locked account can sign in.
type AttemptRateLimiter interface {
	// CheckAllowed reports whether another attempt for key is admitted. It
	// does not record anything.
	CheckAllowed(key string) Decision
	// RecordAttempt notes an attempt for key and prunes old records.
	RecordAttempt(key string)
	// Clear forgets all attempts for key.
	Clear(key string)
}

// NopLimiter admits every attempt.
type NopLimiter struct{}

func (NopLimiter) CheckAllowed(string) Decision { return Decision{Allowed: true} }
func (NopLimiter) RecordAttempt(string)         {}
func (NopLimiter) Clear(string)                 {}

type attemptRecord struct {
	key string
	at  time.Time
}

// SlidingWindowLimiter counts attempts per key over a sliding window. Records
// live in a fixed-size ring buffer; when it is full the oldest record is
// overwritten, so memory stays bounded no matter how many keys are probed.
type SlidingWindowLimiter struct {
	clock       clockwork.Clock
	window      time.Duration
	maxAttempts int

	mu    sync.Mutex
	ring  []attemptRecord
	head  int // index of the oldest record
	count int
}

// LimiterOption configures a SlidingWindowLimiter.
type LimiterOption func(*SlidingWindowLimiter)

// WithLimiterClock sets the limiter's clock.
func WithLimiterClock(c clockwork.Clock) LimiterOption {
	return func(l *SlidingWindowLimiter) { l.clock = c }
}

// WithWindow sets the sliding window length.
func WithWindow(d time.Duration) LimiterOption {
	return func(l *SlidingWindowLimiter) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithMaxAttempts sets how many attempts the window admits.
func WithMaxAttempts(n int) LimiterOption {
	return func(l *SlidingWindowLimiter) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// WithCapacity sets the ring buffer size.
func WithCapacity(n int) LimiterOption {
	return func(l *SlidingWindowLimiter) {
		if n > 0 {
			l.ring = make([]attemptRecord, n)
		}
	}
}

// NewSlidingWindowLimiter creates a limiter with the default 5 attempts per
// 15 minutes.
func NewSlidingWindowLimiter(opts ...LimiterOption) *SlidingWindowLimiter {
	l := &SlidingWindowLimiter{
		clock:       clockwork.NewRealClock(),
		window:      DefaultAttemptWindow,
		maxAttempts: DefaultMaxAttempts,
		ring:        make([]attemptRecord, DefaultLimiterCapacity),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAllowed implements AttemptRateLimiter. When the key is at its limit,
// RetryAfter is the time until its oldest counted attempt leaves the window.
func (l *SlidingWindowLimiter) CheckAllowed(key string) Decision {
	key = normalizeKey(key)
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		n      int
		oldest time.Time
	)
	l.each(func(r attemptRecord) {
		if r.key != key || now.Sub(r.at) >= l.window {
			return
		}
		if n == 0 || r.at.Before(oldest) {
			oldest = r.at
		}
		n++
	})
	if n < l.maxAttempts {
		return Decision{Allowed: true}
	}
	return Decision{Allowed: false, RetryAfter: l.window - now.Sub(oldest)}
}

// RecordAttempt implements AttemptRateLimiter.
func (l *SlidingWindowLimiter) RecordAttempt(key string) {
	key = normalizeKey(key)
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(now)
	rec := attemptRecord{key: key, at: now}
	if l.count == len(l.ring) {
		l.ring[l.head] = rec
		l.head = (l.head + 1) % len(l.ring)
		return
	}
	l.ring[(l.head+l.count)%len(l.ring)] = rec
	l.count++
}

// Clear implements AttemptRateLimiter.
func (l *SlidingWindowLimiter) Clear(key string) {
	key = normalizeKey(key)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := make([]attemptRecord, 0, l.count)
	l.each(func(r attemptRecord) {
		if r.key != key {
			kept = append(kept, r)
		}
	})
	l.head = 0
	l.count = len(kept)
	copy(l.ring, kept)
}

// Len returns the number of retained records.
func (l *SlidingWindowLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// prune drops records that have left the window. Records are appended in
// time order, so expired ones are always at the head.
func (l *SlidingWindowLimiter) prune(now time.Time) {
	for l.count > 0 && now.Sub(l.ring[l.head].at) >= l.window {
		l.ring[l.head] = attemptRecord{}
		l.head = (l.head + 1) % len(l.ring)
		l.count--
	}
}

func (l *SlidingWindowLimiter) each(fn func(attemptRecord)) {
	for i := 0; i < l.count; i++ {
		fn(l.ring[(l.head+i)%len(l.ring)])
	}
}

// normalizeKey makes identity keys case- and whitespace-insensitive.
func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
