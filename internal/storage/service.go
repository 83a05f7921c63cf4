package storage

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/xtxerr/sentinel/internal/clock"
	"github.com/xtxerr/sentinel/internal/config"
	"github.com/xtxerr/sentinel/internal/errors"
	"github.com/xtxerr/sentinel/internal/logging"
	"github.com/xtxerr/sentinel/internal/storage/archive"
	"github.com/xtxerr/sentinel/internal/storage/backend"
	"github.com/xtxerr/sentinel/internal/storage/duckdb"
	"github.com/xtxerr/sentinel/internal/storage/influx"
	"github.com/xtxerr/sentinel/internal/storage/ingestion"
	"github.com/xtxerr/sentinel/internal/storage/memory"
	"github.com/xtxerr/sentinel/internal/storage/postgres"
	"github.com/xtxerr/sentinel/internal/storage/queue"
	"github.com/xtxerr/sentinel/internal/storage/writer"
)

var log = logging.Component("storage")

// OpenBackend opens the store selected by cfg.Driver.
func OpenBackend(ctx context.Context, cfg config.StorageConfig) (backend.Backend, error) {
	switch cfg.Driver {
	case "duckdb":
		return duckdb.Open(ctx, duckdb.Config{Path: cfg.DuckDB.Path, MemoryLimit: cfg.DuckDB.MemoryLimit})
	case "postgres":
		return postgres.Open(ctx, postgres.Config{
			DSN:          cfg.Postgres.DSN,
			MaxOpenConns: cfg.Postgres.MaxOpenConns,
			MaxIdleConns: cfg.Postgres.MaxIdleConns,
		})
	case "influx":
		return influx.Open(ctx, influx.Config{
			URL:         cfg.Influx.URL,
			Token:       cfg.Influx.Token,
			Org:         cfg.Influx.Org,
			Bucket:      cfg.Influx.Bucket,
			Measurement: cfg.Influx.Measurement,
		})
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("%q: %w", cfg.Driver, errors.ErrUnknownDriver)
	}
}

// Options configures a Service.
type Options struct {
	Pipeline config.PipelineConfig
	Archive  config.ArchiveConfig

	Clock     clock.Clock
	Publisher ingestion.Publisher

	// OnFlush observes every flush attempt, e.g. for metrics.
	OnFlush func(writer.FlushResult)
}

// Service owns the queue, the batch writer, the ingestion boundary and
// the optional archiver on top of one backend.
type Service struct {
	store     backend.Backend
	queue     *queue.Queue
	writer    *writer.Writer
	ingestion *ingestion.Service
	archiver  *archive.Archiver // nil when disabled

	running   atomic.Bool
	stopped   atomic.Bool
	startTime time.Time
}

// New builds the pipeline on store. The service takes ownership of the
// store and closes it on Stop.
func New(store backend.Backend, opts Options) (*Service, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if err := opts.Pipeline.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}

	q := queue.New()

	w, err := writer.New(q, store, writer.Config{
		BatchSize:    opts.Pipeline.BatchSize,
		PollTimeout:  opts.Pipeline.PollTimeout,
		FlushTimeout: opts.Pipeline.FlushTimeout,
		OnFlush:      opts.OnFlush,
	})
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}

	s := &Service{
		store:  store,
		queue:  q,
		writer: w,
		ingestion: ingestion.New(q, ingestion.Options{
			Clock:      opts.Clock,
			Publisher:  opts.Publisher,
			MaxSamples: opts.Pipeline.MaxSamplesPerRequest,
		}),
	}

	if opts.Archive.Enabled {
		pruner, ok := store.(backend.Pruner)
		if !ok {
			log.Warn("archive enabled but the store cannot prune; archiver disabled", "driver", store.Name())
		} else {
			compression, err := archive.ParseCompressionType(opts.Archive.Compression)
			if err != nil {
				return nil, err
			}
			s.archiver, err = archive.New(pruner, archive.Options{
				Dir:         opts.Archive.Dir,
				Retention:   opts.Archive.Retention,
				Interval:    opts.Archive.Interval,
				Compression: compression,
				Clock:       opts.Clock,
			})
			if err != nil {
				return nil, fmt.Errorf("create archiver: %w", err)
			}
		}
	}

	return s, nil
}

// Start starts the writer and the archiver.
func (s *Service) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("storage service already running: %w", errors.ErrInvalidState)
	}
	s.startTime = time.Now()

	if err := s.writer.Start(); err != nil {
		s.running.Store(false)
		return fmt.Errorf("start writer: %w", err)
	}
	if s.archiver != nil {
		if err := s.archiver.Start(); err != nil {
			s.writer.Stop()
			s.running.Store(false)
			return fmt.Errorf("start archiver: %w", err)
		}
	}

	log.Info("storage service started",
		"driver", s.store.Name(),
		"archive", s.archiver != nil)
	return nil
}

// Stop drains the pipeline: the writer closes the queue, flushes what
// is left, then the archiver stops and the store is closed. Producers
// must already be stopped; any that remain get ErrShuttingDown.
func (s *Service) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	s.writer.Stop()
	if s.archiver != nil {
		s.archiver.Stop()
	}
	s.running.Store(false)

	ws := s.writer.Stats()
	log.Info("storage service stopped",
		"persisted", ws.SamplesPersisted,
		"lost", ws.SamplesLost)

	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

// Ingestion returns the ingestion boundary.
func (s *Service) Ingestion() *ingestion.Service { return s.ingestion }

// Writer returns the batch writer.
func (s *Service) Writer() *writer.Writer { return s.writer }

// Queue returns the ingestion queue.
func (s *Service) Queue() *queue.Queue { return s.queue }

// Store returns the backend.
func (s *Service) Store() backend.Backend { return s.store }

// Archiver returns the archiver, or nil when archiving is disabled.
func (s *Service) Archiver() *archive.Archiver { return s.archiver }

// IsRunning returns whether the service is running.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// Health reports whether the pipeline can accept and persist samples.
func (s *Service) Health(ctx context.Context) error {
	if s.queue.Closed() {
		return errors.ErrShuttingDown
	}
	return s.store.Health(ctx)
}

// ServiceStats holds combined statistics.
type ServiceStats struct {
	Running   bool
	Uptime    time.Duration
	Driver    string
	Queue     queue.Stats
	Writer    writer.StatsSnapshot
	Ingestion ingestion.StatsSnapshot
	Archive   *archive.StatsSnapshot `json:",omitempty"`
}

// Stats returns combined statistics.
func (s *Service) Stats() ServiceStats {
	st := ServiceStats{
		Running:   s.running.Load(),
		Driver:    s.store.Name(),
		Queue:     s.queue.Stats(),
		Writer:    s.writer.Stats(),
		Ingestion: s.ingestion.Stats(),
	}
	if st.Running {
		st.Uptime = time.Since(s.startTime)
	}
	if s.archiver != nil {
		as := s.archiver.Stats()
		st.Archive = &as
	}
	return st
}
