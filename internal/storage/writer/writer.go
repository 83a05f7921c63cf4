// Package writer implements the batch writer: the single consumer of the
// ingestion queue that groups samples into batches and persists each
// batch with one store call.
//
// A batch is flushed when it reaches the size threshold or when the
// queue stays empty for a full poll timeout. A failed flush keeps the
// batch and retries it on the next trigger together with whatever
// arrived meanwhile. On Stop the writer drains the queue and performs
// one final flush.
package writer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/sentinel/config"
	"github.com/xtxerr/sentinel/internal/errors"
	"github.com/xtxerr/sentinel/internal/logging"
	"github.com/xtxerr/sentinel/internal/storage/types"
)

var log = logging.Component("writer")

// Source is the queue the writer consumes.
type Source interface {
	DequeueWithTimeout(ctx context.Context, maxWait time.Duration) (types.Sample, bool)
	DrainAll() []types.Sample
	Close()
	Closed() bool
}

// Store persists one batch per call, all or nothing.
type Store interface {
	BatchInsert(ctx context.Context, samples []types.Sample) error
}

// Reason says what triggered a flush.
type Reason string

const (
	ReasonSize  Reason = "size"
	ReasonIdle  Reason = "idle"
	ReasonFinal Reason = "final"
)

// FlushResult describes one flush attempt.
type FlushResult struct {
	Reason   Reason
	Samples  int
	Duration time.Duration
	Err      error
}

// Config configures a Writer.
type Config struct {
	// BatchSize is the size trigger.
	BatchSize int

	// PollTimeout is how long an empty queue is awaited before a
	// partial batch is flushed.
	PollTimeout time.Duration

	// FlushTimeout bounds each BatchInsert call.
	FlushTimeout time.Duration

	// OnFlush, if set, is called after every flush attempt from the
	// writer goroutine.
	OnFlush func(FlushResult)
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:    config.DefaultBatchSize,
		PollTimeout:  config.DefaultPollTimeout,
		FlushTimeout: config.DefaultFlushTimeout,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.BatchSize <= 0 {
		errs = append(errs, errors.NewInvalidValue("batch_size", c.BatchSize, "must be positive"))
	}
	if c.PollTimeout <= 0 {
		errs = append(errs, errors.NewInvalidValue("poll_timeout", c.PollTimeout, "must be positive"))
	}
	if c.FlushTimeout <= 0 {
		errs = append(errs, errors.NewInvalidValue("flush_timeout", c.FlushTimeout, "must be positive"))
	}
	return errors.Join(errs...)
}

// Stats holds writer statistics.
type Stats struct {
	SamplesPersisted atomic.Int64
	BatchesFlushed   atomic.Int64
	FlushFailures    atomic.Int64
	SamplesLost      atomic.Int64
	Pending          atomic.Int64
	Panics           atomic.Int64
}

// Writer is the batch writer.
type Writer struct {
	cfg    Config
	source Source
	store  Store

	state atomic.Int32

	// batch is touched only by the goroutine that runs the loop (or by
	// Stop when the writer never started).
	batch *types.Batch

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	stats Stats
}

// New creates a writer in StateIdle.
func New(source Source, store Store, cfg Config) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Writer{
		cfg:    cfg,
		source: source,
		store:  store,
		batch:  types.NewBatch(cfg.BatchSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}, nil
}

// =============================================================================
// State Transition Methods
// =============================================================================

// State returns the current state.
func (w *Writer) State() State {
	return State(w.state.Load())
}

// transitionFrom attempts to transition from a specific state to a new state.
func (w *Writer) transitionFrom(from, to State) bool {
	if !validTransitions[stateTransition{from: from, to: to}] {
		return false
	}
	return w.state.CompareAndSwap(int32(from), int32(to))
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start launches the writer loop. It fails unless the writer is Idle.
func (w *Writer) Start() error {
	if !w.transitionFrom(StateIdle, StateRunning) {
		return fmt.Errorf("%w: cannot start writer in state %s", errors.ErrInvalidTransition, w.State())
	}

	go w.run()

	log.Info("writer started",
		"batch_size", w.cfg.BatchSize,
		"poll_timeout", w.cfg.PollTimeout,
		"flush_timeout", w.cfg.FlushTimeout)
	return nil
}

// Stop requests shutdown and blocks until the writer is Stopped. Any
// number of callers may call Stop concurrently; all of them return
// after the final flush has completed.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() {
		if w.transitionFrom(StateIdle, StateDraining) {
			// Never started: drain on the caller's goroutine.
			w.finish()
			return
		}
		if w.transitionFrom(StateRunning, StateDraining) {
			w.cancel()
		}
	})
	<-w.done
}

// Done is closed once the writer is Stopped.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}

// Stats returns a snapshot of the writer statistics.
func (w *Writer) Stats() StatsSnapshot {
	return StatsSnapshot{
		State:            w.State(),
		SamplesPersisted: w.stats.SamplesPersisted.Load(),
		BatchesFlushed:   w.stats.BatchesFlushed.Load(),
		FlushFailures:    w.stats.FlushFailures.Load(),
		SamplesLost:      w.stats.SamplesLost.Load(),
		Pending:          int(w.stats.Pending.Load()),
		Panics:           w.stats.Panics.Load(),
	}
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	State            State
	SamplesPersisted int64
	BatchesFlushed   int64
	FlushFailures    int64
	SamplesLost      int64
	Pending          int
	Panics           int64
}

// =============================================================================
// Loop
// =============================================================================

func (w *Writer) run() {
	for w.ctx.Err() == nil {
		sample, ok := w.source.DequeueWithTimeout(w.ctx, w.cfg.PollTimeout)
		if ok {
			w.batch.Add(sample)
			w.stats.Pending.Store(int64(w.batch.Len()))
			if w.ctx.Err() != nil {
				// Stop arrived; the final flush takes it from here.
				break
			}
			if w.batch.Len() >= w.cfg.BatchSize {
				w.flush(ReasonSize)
			}
			continue
		}

		if w.ctx.Err() != nil {
			break
		}
		if w.source.Closed() {
			// Closed by someone else; nothing more will arrive.
			log.Warn("queue closed while running, draining")
			w.transitionFrom(StateRunning, StateDraining)
			break
		}
		if w.batch.Len() > 0 {
			w.flush(ReasonIdle)
		}
	}

	w.finish()
}

// finish drains the queue, performs the final flush and moves the
// writer to Stopped.
func (w *Writer) finish() {
	defer close(w.done)
	defer w.cancel()

	w.source.Close()
	for _, s := range w.source.DrainAll() {
		w.batch.Add(s)
	}
	w.stats.Pending.Store(int64(w.batch.Len()))

	if n := w.batch.Len(); n > 0 {
		if err := w.flush(ReasonFinal); err != nil {
			w.stats.SamplesLost.Add(int64(n))
			log.Error("final flush failed, samples lost",
				"samples", n,
				"error", err)
			w.batch.Clear()
			w.stats.Pending.Store(0)
		}
	}

	w.transitionFrom(StateDraining, StateStopped)
	log.Info("writer stopped",
		"persisted", w.stats.SamplesPersisted.Load(),
		"lost", w.stats.SamplesLost.Load())
}

// flush persists the whole batch. On success the batch is cleared; on
// failure it is kept for the next trigger.
func (w *Writer) flush(reason Reason) error {
	n := w.batch.Len()

	// A fresh context: a stop request must not abort an in-flight insert.
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.FlushTimeout)
	defer cancel()

	start := time.Now()
	err := w.insert(ctx, w.batch.Samples)
	elapsed := time.Since(start)

	if err != nil {
		w.stats.FlushFailures.Add(1)
		if reason != ReasonFinal {
			log.Warn("flush failed, batch retained",
				"reason", reason,
				"samples", n,
				"duration", elapsed,
				"error", err)
		}
	} else {
		w.stats.BatchesFlushed.Add(1)
		w.stats.SamplesPersisted.Add(int64(n))
		w.batch.Clear()
		w.stats.Pending.Store(0)
		log.Debug("batch flushed", "reason", reason, "samples", n, "duration", elapsed)
	}

	if w.cfg.OnFlush != nil {
		w.cfg.OnFlush(FlushResult{Reason: reason, Samples: n, Duration: elapsed, Err: err})
	}
	return err
}

// insert calls the store, converting a panic into an error.
func (w *Writer) insert(ctx context.Context, samples []types.Sample) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.stats.Panics.Add(1)
			err = fmt.Errorf("%w: panic in BatchInsert: %v", errors.ErrInternal, r)
		}
	}()
	return w.store.BatchInsert(ctx, samples)
}
