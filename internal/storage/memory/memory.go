// Package memory is a non-durable store kept in process memory. It
// serves development setups and tests that need a real backend.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xtxerr/sentinel/internal/errors"
	"github.com/xtxerr/sentinel/internal/storage/backend"
	"github.com/xtxerr/sentinel/internal/storage/types"
)

// Store keeps samples per device in arrival order.
type Store struct {
	mu      sync.RWMutex
	devices map[string][]types.Sample
	closed  bool
}

// New creates an empty store.
func New() *Store {
	return &Store{devices: make(map[string][]types.Sample)}
}

// Name returns "memory".
func (s *Store) Name() string { return "memory" }

// BatchInsert appends the samples, keeping each device ordered by time.
func (s *Store) BatchInsert(_ context.Context, samples []types.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrStoreUnavailable
	}

	for _, sample := range samples {
		rows := s.devices[sample.DeviceID]
		// Arrival stamps are nearly monotonic, so search from the end.
		i := len(rows)
		for i > 0 && rows[i-1].Timestamp.After(sample.Timestamp) {
			i--
		}
		rows = append(rows, types.Sample{})
		copy(rows[i+1:], rows[i:])
		rows[i] = sample
		s.devices[sample.DeviceID] = rows
	}
	return nil
}

// LatestPerDevice returns the last sample of every device.
func (s *Store) LatestPerDevice(_ context.Context) ([]types.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.ErrStoreUnavailable
	}

	out := make([]types.Sample, 0, len(s.devices))
	for _, rows := range s.devices {
		if len(rows) > 0 {
			out = append(out, rows[len(rows)-1])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

// QuerySamples returns matching samples newest first.
func (s *Store) QuerySamples(_ context.Context, q backend.Query) ([]types.Sample, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.ErrStoreUnavailable
	}

	rows := s.devices[q.DeviceID]
	var out []types.Sample
	for i := len(rows) - 1; i >= 0; i-- {
		if !q.Matches(&rows[i]) {
			continue
		}
		out = append(out, rows[i])
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// Prune archives and removes samples older than cutoff, keeping the
// newest sample of each device.
func (s *Store) Prune(_ context.Context, cutoff time.Time, archive func([]types.Sample) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var victims []types.Sample
	keepFrom := make(map[string]int, len(s.devices))
	for device, rows := range s.devices {
		n := 0
		for n < len(rows)-1 && rows[n].Timestamp.Before(cutoff) {
			n++
		}
		if n > 0 {
			victims = append(victims, rows[:n]...)
			keepFrom[device] = n
		}
	}
	if len(victims) == 0 {
		return 0, nil
	}

	sort.SliceStable(victims, func(i, j int) bool { return victims[i].DeviceID < victims[j].DeviceID })
	if err := archive(victims); err != nil {
		return 0, err
	}

	for device, n := range keepFrom {
		rest := make([]types.Sample, len(s.devices[device])-n)
		copy(rest, s.devices[device][n:])
		s.devices[device] = rest
	}
	return len(victims), nil
}

// Len returns the total number of stored samples.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rows := range s.devices {
		n += len(rows)
	}
	return n
}

// Health reports an error once the store is closed.
func (s *Store) Health(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.ErrStoreUnavailable
	}
	return nil
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
