package audit

import (
	"log/slog"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Reporter surfaces audit write failures to operators. Every failure is
// counted and offered on a buffered channel; the error log is throttled so a
// broken sink cannot flood the logs.
type Reporter struct {
	logger     *slog.Logger
	limiter    *rate.Limiter
	failures   atomic.Int64
	suppressed atomic.Int64
	errs       chan error
}

// NewReporter creates a reporter that logs at most logsPerSecond failures
// (with a small burst) and buffers up to buffer errors for consumers.
func NewReporter(logger *slog.Logger, logsPerSecond float64, buffer int) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	if logsPerSecond <= 0 {
		logsPerSecond = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	return &Reporter{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(logsPerSecond), 5),
		errs:    make(chan error, buffer),
	}
}

// Report records a failure. It never blocks. A nil Reporter ignores reports.
func (r *Reporter) Report(err error) {
	if r == nil || err == nil {
		return
	}
	total := r.failures.Add(1)

	if r.limiter.Allow() {
		r.logger.Error("audit write failed",
			"error", err,
			"failures_total", total,
			"suppressed", r.suppressed.Swap(0),
		)
	} else {
		r.suppressed.Add(1)
	}

	select {
	case r.errs <- err:
	default:
	}
}

// Failures returns the number of failures reported so far.
func (r *Reporter) Failures() int64 {
	if r == nil {
		return 0
	}
	return r.failures.Load()
}

// Errors exposes reported failures. When nobody drains it, failures beyond
// the buffer are dropped from the channel but still counted.
func (r *Reporter) Errors() <-chan error {
	return r.errs
}
