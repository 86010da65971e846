package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/segmentio/kafka-go"

	"github.com/storefront/gatehouse/internal/model"
	"github.com/storefront/gatehouse/internal/store"
)

type memorySink struct {
	mu      sync.Mutex
	name    string
	entries []model.AuditEntry
	err     error
}

func (m *memorySink) Name() string { return m.name }

func (m *memorySink) Write(_ context.Context, e *model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, *e)
	return nil
}

func (m *memorySink) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAppendStampsIDAndTimestamp(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	sink := &memorySink{name: "mem"}
	l := NewLedger(sink, WithClock(clock), WithLogger(discardLogger()))

	e := &model.AuditEntry{Action: model.ActionLoginFailed, IdentityKey: "a@x.com", Status: model.StatusFailure}
	if err := l.Append(context.Background(), e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e.ID == "" {
		t.Error("expected ID to be assigned")
	}
	if !e.Timestamp.Equal(clock.Now()) {
		t.Errorf("timestamp = %v, want %v", e.Timestamp, clock.Now())
	}
	if sink.len() != 1 {
		t.Errorf("sink has %d entries, want 1", sink.len())
	}
}

func TestAppendIDsAreTimeOrdered(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l := NewLedger(&memorySink{name: "mem"}, WithClock(clock), WithLogger(discardLogger()))

	var ids []string
	for i := 0; i < 3; i++ {
		e := &model.AuditEntry{Action: model.ActionLoginFailed, IdentityKey: "a@x.com"}
		if err := l.Append(context.Background(), e); err != nil {
			t.Fatalf("Append: %v", err)
		}
		ids = append(ids, e.ID)
		clock.Advance(2 * time.Second)
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Errorf("id %q not after %q", ids[i], ids[i-1])
		}
	}
}

func TestAppendNeverRejectsContent(t *testing.T) {
	sink := &memorySink{name: "mem"}
	l := NewLedger(sink, WithLogger(discardLogger()))
	if err := l.Append(context.Background(), &model.AuditEntry{}); err != nil {
		t.Fatalf("Append of empty entry: %v", err)
	}
	if sink.len() != 1 {
		t.Error("empty entry should still be written")
	}
}

func TestAppendPrimaryFailure(t *testing.T) {
	boom := errors.New("disk full")
	reporter := NewReporter(discardLogger(), 10, 4)
	l := NewLedger(&memorySink{name: "mem", err: boom}, WithReporter(reporter), WithLogger(discardLogger()))

	err := l.Append(context.Background(), &model.AuditEntry{Action: model.ActionLogout})
	var werr *WriteError
	if !errors.As(err, &werr) {
		t.Fatalf("err = %v, want *WriteError", err)
	}
	if werr.Sink != "mem" || !errors.Is(err, boom) {
		t.Errorf("unexpected write error: %+v", werr)
	}
	if reporter.Failures() != 1 {
		t.Errorf("failures = %d, want 1", reporter.Failures())
	}
	select {
	case got := <-reporter.Errors():
		if !errors.Is(got, boom) {
			t.Errorf("reported error = %v", got)
		}
	default:
		t.Error("expected error on reporter channel")
	}
}

func TestMirrorFailureDoesNotFailAppend(t *testing.T) {
	primary := &memorySink{name: "primary"}
	mirror := &memorySink{name: "mirror", err: errors.New("unreachable")}
	reporter := NewReporter(discardLogger(), 10, 4)
	l := NewLedger(primary, WithMirror(mirror), WithReporter(reporter), WithLogger(discardLogger()))

	if err := l.Append(context.Background(), &model.AuditEntry{Action: model.ActionLoginSuccess}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if primary.len() != 1 {
		t.Error("primary should hold the entry")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if reporter.Failures() != 1 {
		t.Errorf("failures = %d, want 1", reporter.Failures())
	}
}

func TestConcurrentAppends(t *testing.T) {
	sink := &memorySink{name: "mem"}
	l := NewLedger(sink, WithLogger(discardLogger()))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Record(context.Background(), model.ActionLoginFailed, "a@x.com", model.StatusFailure, "invalid credentials", nil)
		}()
	}
	wg.Wait()
	if sink.len() != 50 {
		t.Errorf("sink has %d entries, want 50", sink.len())
	}
}

func TestReporterNeverBlocks(t *testing.T) {
	r := NewReporter(discardLogger(), 1, 1)
	for i := 0; i < 100; i++ {
		r.Report(errors.New("fail"))
	}
	if r.Failures() != 100 {
		t.Errorf("failures = %d, want 100", r.Failures())
	}

	var nilReporter *Reporter
	nilReporter.Report(errors.New("ignored"))
	if nilReporter.Failures() != 0 {
		t.Error("nil reporter should report zero failures")
	}
}

func TestStoreSinkQuery(t *testing.T) {
	s, err := store.Open(store.Options{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer s.Close()

	l := NewLedger(NewStoreSink(s), WithLogger(discardLogger()))
	ctx := context.Background()
	l.Record(ctx, model.ActionLoginFailed, "a@x.com", model.StatusFailure, "invalid credentials", map[string]string{"attempt": "1"})
	l.Record(ctx, model.ActionLoginBlocked, "b@x.com", model.StatusBlocked, "locked", nil)

	got, err := l.Query(ctx, model.AuditFilter{IdentityKey: "a@x.com"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].Metadata["attempt"] != "1" {
		t.Errorf("Query = %+v", got)
	}
}

func TestQueryUnsupported(t *testing.T) {
	l := NewLedger(&memorySink{name: "mem"}, WithLogger(discardLogger()))
	if _, err := l.Query(context.Background(), model.AuditFilter{}); err == nil {
		t.Error("expected error when primary sink cannot be queried")
	}
}

func TestStreamValues(t *testing.T) {
	e := &model.AuditEntry{
		ID: "id-1", Action: model.ActionLoginBlocked, IdentityKey: "b@x.com", Status: model.StatusBlocked,
		Reason: "locked", Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Metadata: map[string]string{"retry_after_seconds": "300"},
	}
	v, err := streamValues(e)
	if err != nil {
		t.Fatalf("streamValues: %v", err)
	}
	if v["action"] != "login_blocked" || v["identity"] != "b@x.com" {
		t.Errorf("values = %v", v)
	}
	if v["timestamp"] != "2026-03-01T12:00:00Z" {
		t.Errorf("timestamp = %v", v["timestamp"])
	}
	if v["metadata"] != `{"retry_after_seconds":"300"}` {
		t.Errorf("metadata = %v", v["metadata"])
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink(t *testing.T) {
	w := &fakeWriter{}
	sink := NewKafkaSinkWithWriter(w, "gatehouse.audit")
	l := NewLedger(&memorySink{name: "mem"}, WithMirror(sink), WithLogger(discardLogger()))

	if err := l.Record(context.Background(), model.ActionLogout, "c@x.com", model.StatusSuccess, "logout", nil); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "c@x.com" {
		t.Errorf("key = %q", w.msgs[0].Key)
	}
	var decoded model.AuditEntry
	if err := json.Unmarshal(w.msgs[0].Value, &decoded); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if decoded.Action != model.ActionLogout {
		t.Errorf("action = %q", decoded.Action)
	}

	if !w.closed {
		t.Error("expected kafka writer to be closed")
	}
}

func TestNewKafkaSinkRequiresBrokers(t *testing.T) {
	if _, err := NewKafkaSink(nil, "topic"); err == nil {
		t.Error("expected error without brokers")
	}
}

// stalledWriter blocks every write until release is closed, ignoring the
// context like a broker that accepts the connection and never answers.
type stalledWriter struct {
	release chan struct{}
}

func (w *stalledWriter) WriteMessages(context.Context, ...kafka.Message) error {
	<-w.release
	return nil
}

func (w *stalledWriter) Close() error { return nil }

func TestAppendDoesNotWaitForStalledMirror(t *testing.T) {
	primary := &memorySink{name: "primary"}
	w := &stalledWriter{release: make(chan struct{})}
	reporter := NewReporter(discardLogger(), 10, 16)
	l := NewLedger(primary,
		WithMirror(NewKafkaSinkWithWriter(w, "gatehouse.audit")),
		WithMirrorQueue(2),
		WithReporter(reporter),
		WithDrainTimeout(time.Second),
		WithLogger(discardLogger()),
	)

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := l.Record(context.Background(), model.ActionLoginFailed, "a@x.com", model.StatusFailure, "invalid credentials", nil); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("appends took %s with a stalled mirror", elapsed)
	}
	if primary.len() != 5 {
		t.Errorf("primary has %d entries, want 5", primary.len())
	}

	// One entry is held by the stalled worker and two fit the queue; the
	// rest are dropped and reported.
	if got := reporter.Failures(); got < 2 {
		t.Errorf("failures = %d, want at least 2 dropped entries", got)
	}
	select {
	case err := <-reporter.Errors():
		if !errors.Is(err, ErrMirrorQueueFull) {
			t.Errorf("reported %v, want ErrMirrorQueueFull", err)
		}
	default:
		t.Error("expected a dropped-entry report")
	}

	close(w.release)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// deadlineWriter blocks until the write context ends.
type deadlineWriter struct{}

func (deadlineWriter) WriteMessages(ctx context.Context, _ ...kafka.Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func (deadlineWriter) Close() error { return nil }

func TestMirrorWriteIsBoundedByTimeout(t *testing.T) {
	reporter := NewReporter(discardLogger(), 10, 4)
	l := NewLedger(&memorySink{name: "primary"},
		WithMirror(NewKafkaSinkWithWriter(deadlineWriter{}, "gatehouse.audit")),
		WithMirrorTimeout(20*time.Millisecond),
		WithReporter(reporter),
		WithLogger(discardLogger()),
	)

	if err := l.Record(context.Background(), model.ActionLogout, "c@x.com", model.StatusSuccess, "logout", nil); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if reporter.Failures() != 1 {
		t.Fatalf("failures = %d, want 1", reporter.Failures())
	}
	err := <-reporter.Errors()
	var werr *WriteError
	if !errors.As(err, &werr) || werr.Sink != "kafka:gatehouse.audit" {
		t.Errorf("reported %v, want a kafka WriteError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("reported %v, want deadline exceeded", err)
	}
}

func TestCloseDrainsAndRejectsLateEntries(t *testing.T) {
	mirror := &memorySink{name: "mirror"}
	reporter := NewReporter(discardLogger(), 10, 4)
	l := NewLedger(&memorySink{name: "primary"}, WithMirror(mirror), WithReporter(reporter), WithLogger(discardLogger()))

	for i := 0; i < 10; i++ {
		l.Record(context.Background(), model.ActionLoginSuccess, "a@x.com", model.StatusSuccess, "authenticated", nil)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if mirror.len() != 10 {
		t.Errorf("mirror has %d entries after Close, want 10", mirror.len())
	}

	if err := l.Record(context.Background(), model.ActionLogout, "a@x.com", model.StatusSuccess, "logout", nil); err != nil {
		t.Fatalf("Record after Close: %v", err)
	}
	if !errors.Is(<-reporter.Errors(), ErrLedgerClosed) {
		t.Error("expected late mirror delivery to be reported as closed")
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
