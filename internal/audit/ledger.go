// Package audit is the append-only ledger of authentication events. Entries
// are written once to a primary sink and optionally mirrored to others; no
// code path updates or deletes an entry.
package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/segmentio/ksuid"

	"github.com/storefront/gatehouse/internal/model"
)

const (
	// DefaultMirrorQueueSize bounds the entries waiting for mirror delivery.
	DefaultMirrorQueueSize = 256
	// DefaultMirrorTimeout caps a single mirror write.
	DefaultMirrorTimeout = 2 * time.Second
	// DefaultDrainTimeout caps how long Close waits for queued mirror writes.
	DefaultDrainTimeout = 5 * time.Second
)

var (
	// ErrMirrorQueueFull is reported when an entry is dropped for a mirror
	// because the delivery queue is full.
	ErrMirrorQueueFull = errors.New("mirror queue full")
	// ErrLedgerClosed is reported for mirror deliveries attempted after Close.
	ErrLedgerClosed = errors.New("ledger closed")
)

// Sink is a durable append-only destination for audit entries.
type Sink interface {
	Name() string
	Write(ctx context.Context, entry *model.AuditEntry) error
}

// Reader is implemented by sinks that privileged readers can query.
type Reader interface {
	QueryAudit(ctx context.Context, filter model.AuditFilter) ([]model.AuditEntry, error)
}

// WriteError reports that an entry could not be persisted to a sink.
type WriteError struct {
	Sink    string
	EntryID string
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("audit write to %s failed for entry %s: %v", e.Sink, e.EntryID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Ledger appends entries to its primary sink and mirrors them to any
// secondary sinks. The primary write is synchronous; mirrors are fed from a
// bounded queue by a single worker, so a slow mirror never delays Append.
// It is safe for concurrent use as long as its sinks are.
type Ledger struct {
	primary  Sink
	mirrors  []Sink
	clock    clockwork.Clock
	reporter *Reporter
	logger   *slog.Logger

	queueSize     int
	mirrorTimeout time.Duration
	drainTimeout  time.Duration

	mu        sync.RWMutex
	closed    bool
	queue     chan model.AuditEntry
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithMirror adds a secondary sink. Mirror failures are reported but do not
// fail Append.
func WithMirror(s Sink) Option {
	return func(l *Ledger) { l.mirrors = append(l.mirrors, s) }
}

// WithMirrorQueue sets how many entries may wait for mirror delivery before
// new ones are dropped and reported.
func WithMirrorQueue(size int) Option {
	return func(l *Ledger) {
		if size > 0 {
			l.queueSize = size
		}
	}
}

// WithMirrorTimeout caps each mirror write.
func WithMirrorTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.mirrorTimeout = d
		}
	}
}

// WithDrainTimeout caps how long Close waits for queued mirror writes.
func WithDrainTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.drainTimeout = d
		}
	}
}

// WithClock sets the clock used to timestamp entries.
func WithClock(c clockwork.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithReporter sets where write failures are surfaced to operators.
func WithReporter(r *Reporter) Option {
	return func(l *Ledger) { l.reporter = r }
}

// WithLogger sets the logger for debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// NewLedger creates a ledger writing to primary.
func NewLedger(primary Sink, opts ...Option) *Ledger {
	l := &Ledger{
		primary:       primary,
		clock:         clockwork.NewRealClock(),
		logger:        slog.Default(),
		queueSize:     DefaultMirrorQueueSize,
		mirrorTimeout: DefaultMirrorTimeout,
		drainTimeout:  DefaultDrainTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	if len(l.mirrors) > 0 {
		l.queue = make(chan model.AuditEntry, l.queueSize)
		l.done = make(chan struct{})
		go l.runMirrors()
	}
	return l
}

// Append stamps the entry with a time-ordered ID and timestamp (when unset)
// and writes it. Entries are never rejected for their content; the only
// failure is a *WriteError from the primary sink.
func (l *Ledger) Append(ctx context.Context, entry *model.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.clock.Now().UTC()
	}
	if entry.ID == "" {
		entry.ID = newEntryID(entry)
	}

	if err := l.primary.Write(ctx, entry); err != nil {
		werr := &WriteError{Sink: l.primary.Name(), EntryID: entry.ID, Err: err}
		l.reporter.Report(werr)
		return werr
	}

	l.enqueue(entry)

	l.logger.Debug("audit entry appended",
		"id", entry.ID,
		"action", entry.Action,
		"identity", entry.IdentityKey,
		"status", entry.Status,
	)
	return nil
}

// enqueue hands a copy of entry to the mirror worker without blocking.
func (l *Ledger) enqueue(entry *model.AuditEntry) {
	if len(l.mirrors) == 0 {
		return
	}
	e := *entry
	e.Metadata = maps.Clone(entry.Metadata)

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.reportMirrors(e.ID, ErrLedgerClosed)
		return
	}
	select {
	case l.queue <- e:
	default:
		l.reportMirrors(e.ID, ErrMirrorQueueFull)
	}
}

func (l *Ledger) reportMirrors(entryID string, err error) {
	for _, m := range l.mirrors {
		l.reporter.Report(&WriteError{Sink: m.Name(), EntryID: entryID, Err: err})
	}
}

func (l *Ledger) runMirrors() {
	defer close(l.done)
	for entry := range l.queue {
		for _, m := range l.mirrors {
			ctx, cancel := context.WithTimeout(context.Background(), l.mirrorTimeout)
			err := m.Write(ctx, &entry)
			cancel()
			if err != nil {
				l.reporter.Report(&WriteError{Sink: m.Name(), EntryID: entry.ID, Err: err})
			}
		}
	}
}

// Record builds and appends an entry in one call.
func (l *Ledger) Record(ctx context.Context, action model.AuditAction, identityKey, status, reason string, metadata map[string]string) error {
	return l.Append(ctx, &model.AuditEntry{
		Action:      action,
		IdentityKey: identityKey,
		Status:      status,
		Reason:      reason,
		Metadata:    metadata,
	})
}

// Query reads entries from the primary sink when it supports reads.
func (l *Ledger) Query(ctx context.Context, filter model.AuditFilter) ([]model.AuditEntry, error) {
	r, ok := l.primary.(Reader)
	if !ok {
		return nil, fmt.Errorf("audit sink %s does not support queries", l.primary.Name())
	}
	return r.QueryAudit(ctx, filter)
}

// Close stops accepting mirror deliveries, waits up to the drain timeout for
// queued entries, then closes every sink that holds resources. It is safe to
// call more than once.
func (l *Ledger) Close() error {
	l.closeOnce.Do(func() { l.closeErr = l.close() })
	return l.closeErr
}

func (l *Ledger) close() error {
	var errs []error
	if l.queue != nil {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()

		select {
		case <-l.done:
		case <-time.After(l.drainTimeout):
			errs = append(errs, fmt.Errorf("audit mirrors: %d entries not delivered within %s", len(l.queue), l.drainTimeout))
		}
	}
	for _, s := range append([]Sink{l.primary}, l.mirrors...) {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

func newEntryID(entry *model.AuditEntry) string {
	id, err := ksuid.NewRandomWithTime(entry.Timestamp)
	if err != nil {
		return ksuid.New().String()
	}
	return id.String()
}
