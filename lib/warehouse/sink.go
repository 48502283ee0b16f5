package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("warehouse")

// ErrFlushFailed marks a flush that exhausted its retries. The batch it
// carried has been written to a CSV backup (when configured) so the
// records are never silently discarded.
var ErrFlushFailed = fmt.Errorf("warehouse flush failed")

type SinkConfig struct {
	// flush is triggered once this many records are buffered, and each
	// flushed batch is at most this large
	FlushThreshold int
	// cap on total retry time for a failing flush
	MaxRetryElapsed time.Duration
	// directory for CSV backups of batches that could not be flushed.
	// empty disables backups.
	BackupDir string
}

// Sink accumulates fetched records and flushes them to the warehouse in
// bounded batches. Flushes are synchronous: the pushing caller blocks
// while a flush is in flight, which bounds memory use.
type Sink struct {
	cfg    SinkConfig
	loader Loader

	mu      sync.Mutex
	buf     []Record
	flushes int
	total   int
}

func NewSink(loader Loader, cfg SinkConfig) *Sink {
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = 500
	}
	if cfg.MaxRetryElapsed <= 0 {
		cfg.MaxRetryElapsed = 2 * time.Minute
	}
	return &Sink{cfg: cfg, loader: loader}
}

// Push buffers records, flushing threshold-sized batches synchronously
// whenever the buffer reaches the configured bound.
func (s *Sink) Push(ctx context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = append(s.buf, records...)
	for len(s.buf) >= s.cfg.FlushThreshold {
		if err := s.flushLocked(ctx, s.cfg.FlushThreshold); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes out everything currently buffered.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) > 0 {
		n := len(s.buf)
		if n > s.cfg.FlushThreshold {
			n = s.cfg.FlushThreshold
		}
		if err := s.flushLocked(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// Drain is invoked unconditionally at the end of a run, including early
// termination, so buffered records are never dropped. It ignores the
// cancellation state of the surrounding run context.
func (s *Sink) Drain(ctx context.Context) error {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
	}
	return s.Flush(ctx)
}

func (s *Sink) flushLocked(ctx context.Context, n int) error {
	ctx, span := tracer.Start(ctx, "flush")
	defer span.End()

	batch := s.buf[:n]

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = s.cfg.MaxRetryElapsed
	err := backoff.Retry(func() error {
		err := s.loader.LoadBatch(ctx, batch)
		if err != nil {
			slog.WarnContext(ctx, "warehouse flush attempt failed",
				"records", len(batch), "err", err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		// The run is about to abort; back up everything still buffered,
		// not just the batch that failed, so no records are lost.
		if backupErr := s.backup(s.buf); backupErr != nil {
			slog.ErrorContext(ctx, "failed to back up unflushed records",
				"records", len(s.buf), "err", backupErr)
		}
		return fmt.Errorf("%w: %v", ErrFlushFailed, err)
	}

	s.buf = s.buf[n:]
	s.flushes++
	s.total += len(batch)
	slog.DebugContext(ctx, "flushed batch", "records", len(batch), "total", s.total)
	return nil
}

// Flushes reports how many batches have been written.
func (s *Sink) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

// Total reports how many records have been written.
func (s *Sink) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}
