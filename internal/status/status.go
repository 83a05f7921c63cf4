// Package status derives device liveness from the durable store.
//
// A device is online when its newest persisted sample arrived less than
// the liveness window ago. Only persisted samples count: a device whose
// samples are still queued or batched is not yet visible here.
package status

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/sentinel/config"
	"github.com/xtxerr/sentinel/internal/clock"
	"github.com/xtxerr/sentinel/internal/errors"
	"github.com/xtxerr/sentinel/internal/logging"
	"github.com/xtxerr/sentinel/internal/storage/types"
)

var log = logging.Component("status")

// LatestReader returns the newest persisted sample per device.
type LatestReader interface {
	LatestPerDevice(ctx context.Context) ([]types.Sample, error)
}

// Stats holds aggregator counters.
type Stats struct {
	Queries   atomic.Int64
	StoreHits atomic.Int64 // reads that reached the store
	Failures  atomic.Int64
}

// Aggregator answers status queries.
type Aggregator struct {
	store  LatestReader
	clock  clock.Clock
	window time.Duration

	group singleflight.Group
	stats Stats
}

// New creates an aggregator. A non-positive window uses
// config.DefaultLivenessWindow; a nil clock uses the real one.
func New(store LatestReader, clk clock.Clock, window time.Duration) *Aggregator {
	if window <= 0 {
		window = config.DefaultLivenessWindow
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Aggregator{store: store, clock: clk, window: window}
}

// Window returns the liveness window.
func (a *Aggregator) Window() time.Duration {
	return a.window
}

// latest reads the store once for all concurrent callers.
func (a *Aggregator) latest(ctx context.Context) ([]types.Sample, error) {
	a.stats.Queries.Add(1)
	v, err, _ := a.group.Do("latest", func() (any, error) {
		a.stats.StoreHits.Add(1)
		// Detach from the first caller's cancellation; other callers
		// share this read.
		return a.store.LatestPerDevice(context.WithoutCancel(ctx))
	})
	if err != nil {
		a.stats.Failures.Add(1)
		log.Warn("latest-per-device read failed", "error", err)
		return nil, errors.Wrap(err, "read latest samples")
	}
	return v.([]types.Sample), nil
}

// ListStatuses returns the status of every device with at least one
// persisted sample, sorted by device id.
func (a *Aggregator) ListStatuses(ctx context.Context) ([]types.DeviceStatus, error) {
	latest, err := a.latest(ctx)
	if err != nil {
		return nil, err
	}

	now := a.clock.Now()
	out := make([]types.DeviceStatus, 0, len(latest))
	for _, s := range latest {
		out = append(out, types.DeriveStatus(s.DeviceID, s.Timestamp, now, a.window))
	}
	types.SortStatuses(out)
	return out, nil
}

// Status returns the status of one device, or ErrDeviceNotFound when it
// has no persisted sample.
func (a *Aggregator) Status(ctx context.Context, deviceID string) (types.DeviceStatus, error) {
	latest, err := a.latest(ctx)
	if err != nil {
		return types.DeviceStatus{}, err
	}
	for _, s := range latest {
		if s.DeviceID == deviceID {
			return types.DeriveStatus(s.DeviceID, s.Timestamp, a.clock.Now(), a.window), nil
		}
	}
	return types.DeviceStatus{}, errors.Wrapf(errors.ErrDeviceNotFound, "device %q", deviceID)
}

// Devices returns the sorted ids of every device with a persisted sample.
func (a *Aggregator) Devices(ctx context.Context) ([]string, error) {
	statuses, err := a.ListStatuses(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(statuses))
	for i, s := range statuses {
		ids[i] = s.DeviceID
	}
	return ids, nil
}

// Online counts online devices. Used by the metrics gauge.
func (a *Aggregator) Online(ctx context.Context) (online, total int, err error) {
	statuses, err := a.ListStatuses(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, s := range statuses {
		if s.Online {
			online++
		}
	}
	return online, len(statuses), nil
}

// StatsSnapshot is a copy of Stats.
type StatsSnapshot struct {
	Queries   int64
	StoreHits int64
	Failures  int64
}

// Stats returns the aggregator counters.
func (a *Aggregator) Stats() StatsSnapshot {
	return StatsSnapshot{
		Queries:   a.stats.Queries.Load(),
		StoreHits: a.stats.StoreHits.Load(),
		Failures:  a.stats.Failures.Load(),
	}
}
