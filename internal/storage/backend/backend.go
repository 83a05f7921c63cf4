// Package backend defines the contract between the pipeline and a
// durable sample store.
//
// Implementations live in sibling packages (duckdb, postgres, influx,
// memory). The batch writer is the only caller of BatchInsert; status
// derivation, history and summaries only read.
package backend

import (
	"context"
	"time"

	"github.com/xtxerr/sentinel/internal/errors"
	"github.com/xtxerr/sentinel/internal/storage/types"
)

// Backend is a durable sample store.
type Backend interface {
	// Name identifies the driver ("duckdb", "postgres", ...).
	Name() string

	// BatchInsert persists all samples or none of them.
	BatchInsert(ctx context.Context, samples []types.Sample) error

	// LatestPerDevice returns the newest persisted sample of every
	// device that has one, ordered by device id.
	LatestPerDevice(ctx context.Context) ([]types.Sample, error)

	// QuerySamples returns persisted samples of one device, newest first.
	QuerySamples(ctx context.Context, q Query) ([]types.Sample, error)

	// Health reports whether the store is reachable.
	Health(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

// Pruner is implemented by stores that support moving old rows out.
type Pruner interface {
	// Prune passes every sample older than cutoff, except the newest
	// sample of each device, to archive. When archive returns nil the
	// same rows are deleted; otherwise nothing is deleted. It returns
	// the number of rows removed.
	Prune(ctx context.Context, cutoff time.Time, archive func([]types.Sample) error) (int, error)
}

// Query selects persisted samples of one device.
type Query struct {
	DeviceID string

	// Since and Until bound the arrival time, both inclusive. Zero
	// values leave the side open.
	Since time.Time
	Until time.Time

	// Limit caps the number of rows. Zero means no limit.
	Limit int
}

// Validate checks the query.
func (q *Query) Validate() error {
	if q.DeviceID == "" {
		return errors.NewMissingField("deviceId")
	}
	if q.Limit < 0 {
		return errors.NewInvalidValue("limit", q.Limit, "must not be negative")
	}
	if !q.Since.IsZero() && !q.Until.IsZero() && q.Until.Before(q.Since) {
		return errors.Wrap(errors.ErrInvalidQuery, "until is before since")
	}
	return nil
}

// Matches reports whether s falls within the query.
func (q *Query) Matches(s *types.Sample) bool {
	if s.DeviceID != q.DeviceID {
		return false
	}
	if !q.Since.IsZero() && s.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && s.Timestamp.After(q.Until) {
		return false
	}
	return true
}
