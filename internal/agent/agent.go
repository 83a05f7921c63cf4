// Package agent runs the device-side collect and submit loop.
//
// Every interval the agent collects one sample, stamps it with the
// configured device id and the round-trip time of the previous
// submission, and submits it. A failed collection or submission is
// logged and the loop moves on to the next cycle; samples are not
// buffered across cycles.
package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/sentinel/config"
	"github.com/xtxerr/sentinel/internal/clock"
	"github.com/xtxerr/sentinel/internal/collector"
	"github.com/xtxerr/sentinel/internal/errors"
	"github.com/xtxerr/sentinel/internal/logging"
	"github.com/xtxerr/sentinel/internal/storage/ingestion"
	"github.com/xtxerr/sentinel/internal/storage/types"
)

var log = logging.Component("agent")

// Submitter delivers samples to sentineld. *client.Client satisfies it.
type Submitter interface {
	Submit(ctx context.Context, samples ...types.Sample) (ingestion.Ack, error)
}

// Config holds agent settings.
type Config struct {
	DeviceID string
	Interval time.Duration

	// Timeout bounds one cycle, retries included.
	Timeout time.Duration

	Clock clock.Clock
}

// Stats holds agent counters.
type Stats struct {
	Cycles        atomic.Int64
	CollectErrors atomic.Int64
	Submitted     atomic.Int64
	SubmitErrors  atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Cycles        int64
	CollectErrors int64
	Submitted     int64
	SubmitErrors  int64
	LastRTT       time.Duration
	LastSuccess   time.Time
}

// Agent periodically collects and submits samples.
type Agent struct {
	cfg       Config
	collector collector.Collector
	submitter Submitter

	stats Stats

	mu          sync.Mutex
	lastRTT     time.Duration
	haveRTT     bool
	lastSuccess time.Time
}

// New creates an agent.
func New(cfg Config, col collector.Collector, sub Submitter) (*Agent, error) {
	if cfg.DeviceID == "" {
		return nil, errors.NewMissingField("device_id")
	}
	// Zero metrics are in range, so only the id can fail.
	if err := (&types.Sample{DeviceID: cfg.DeviceID}).Validate(); err != nil {
		return nil, fmt.Errorf("device id: %w", err)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = config.DefaultAgentInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Agent{cfg: cfg, collector: col, submitter: sub}, nil
}

// Run collects immediately and then every interval until ctx is done.
// It always returns ctx.Err().
func (a *Agent) Run(ctx context.Context) error {
	log.Info("agent started", "device", a.cfg.DeviceID, "interval", a.cfg.Interval)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := a.Tick(ctx); err != nil && ctx.Err() == nil {
			log.Warn("cycle failed; will retry next cycle", "error", err)
		}

		select {
		case <-ctx.Done():
			s := a.Stats()
			log.Info("agent stopped", "cycles", s.Cycles, "submitted", s.Submitted, "submit_errors", s.SubmitErrors)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one collect and submit cycle.
func (a *Agent) Tick(ctx context.Context) error {
	a.stats.Cycles.Add(1)

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	s, err := a.collector.Collect(ctx)
	if err != nil {
		a.stats.CollectErrors.Add(1)
		return errors.Wrap(err, "collect")
	}
	s.DeviceID = a.cfg.DeviceID

	// A collector that measures its own latency (SNMP) keeps it.
	a.mu.Lock()
	if s.LatencyMs == nil && a.haveRTT {
		s.LatencyMs = types.Float64(float64(a.lastRTT.Microseconds()) / 1000)
	}
	a.mu.Unlock()

	start := a.cfg.Clock.Now()
	ack, err := a.submitter.Submit(ctx, s)
	rtt := a.cfg.Clock.Now().Sub(start)
	if err != nil {
		a.stats.SubmitErrors.Add(1)
		return errors.Wrap(err, "submit")
	}

	a.mu.Lock()
	a.lastRTT, a.haveRTT = rtt, true
	a.lastSuccess = ack.ReceivedAt
	a.mu.Unlock()

	a.stats.Submitted.Add(int64(ack.Accepted))
	log.Debug("sample submitted",
		"cpu", s.CPUUsage, "memory", s.MemoryUsage, "disk", s.DiskUsage, "rtt", rtt)
	return nil
}

// Stats returns a snapshot of the agent counters.
func (a *Agent) Stats() StatsSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return StatsSnapshot{
		Cycles:        a.stats.Cycles.Load(),
		CollectErrors: a.stats.CollectErrors.Load(),
		Submitted:     a.stats.Submitted.Load(),
		SubmitErrors:  a.stats.SubmitErrors.Load(),
		LastRTT:       a.lastRTT,
		LastSuccess:   a.lastSuccess,
	}
}
