package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/xtxerr/sentinel/internal/errors"
	"github.com/xtxerr/sentinel/internal/storage/backend"
	"github.com/xtxerr/sentinel/internal/storage/types"
)

// SampleColumns lists the samples table columns in scan order.
const SampleColumns = `device_id, timestamp_ms, cpu_usage, memory_usage, disk_usage,
	bytes_sent_per_sec, bytes_recv_per_sec, disk_read_bytes_per_sec, disk_write_bytes_per_sec,
	latency_ms, system_uptime_seconds`

const columnsPerRow = 11

// maxSamplesPerInsert keeps one statement well under driver parameter
// limits. 11 columns * 100 rows = 1100 parameters.
const maxSamplesPerInsert = 100

// BatchInsert inserts all samples in one transaction using multi-row
// INSERT statements.
func (s *Store) BatchInsert(ctx context.Context, samples []types.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	err := s.TransactionContext(ctx, nil, func(tx *sql.Tx) error {
		for i := 0; i < len(samples); i += maxSamplesPerInsert {
			end := i + maxSamplesPerInsert
			if end > len(samples) {
				end = len(samples)
			}

			query, args := s.buildMultiRowInsert(samples[i:end])
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert %d samples: %w: %w", len(samples), errors.ErrDatabase, err)
	}
	return nil
}

// buildMultiRowInsert builds one INSERT with a VALUES tuple per sample.
func (s *Store) buildMultiRowInsert(samples []types.Sample) (string, []interface{}) {
	args := make([]interface{}, 0, len(samples)*columnsPerRow)

	var query strings.Builder
	query.Grow(200 + len(samples)*columnsPerRow*4)

	query.WriteString("INSERT INTO samples (")
	query.WriteString(SampleColumns)
	query.WriteString(") VALUES ")

	n := 0
	for i := range samples {
		if i > 0 {
			query.WriteByte(',')
		}
		query.WriteByte('(')
		for c := 0; c < columnsPerRow; c++ {
			if c > 0 {
				query.WriteByte(',')
			}
			n++
			query.WriteString(s.dialect.Placeholder(n))
		}
		query.WriteByte(')')

		sample := &samples[i]
		args = append(args,
			sample.DeviceID,
			sample.TimestampMs(),
			sample.CPUUsage,
			sample.MemoryUsage,
			sample.DiskUsage,
			nullInt(sample.BytesSentPerSec),
			nullInt(sample.BytesRecvPerSec),
			nullInt(sample.DiskReadBytesPerSec),
			nullInt(sample.DiskWriteBytesPerSec),
			nullFloat(sample.LatencyMs),
			nullFloat(sample.SystemUptimeSeconds),
		)
	}

	return query.String(), args
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

// ============================================================================
// Query methods
// ============================================================================

// LatestPerDevice returns the newest sample of every device.
func (s *Store) LatestPerDevice(ctx context.Context) ([]types.Sample, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.LatestQuery)
	if err != nil {
		return nil, fmt.Errorf("query latest samples: %w: %w", errors.ErrDatabase, err)
	}
	defer rows.Close()

	return scanSamples(rows, 0)
}

// QuerySamples returns samples of one device, newest first.
func (s *Store) QuerySamples(ctx context.Context, q backend.Query) ([]types.Sample, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	var query strings.Builder
	query.WriteString("SELECT ")
	query.WriteString(SampleColumns)
	query.WriteString(" FROM samples WHERE device_id = ")
	query.WriteString(s.dialect.Placeholder(1))
	args := []interface{}{q.DeviceID}

	if !q.Since.IsZero() {
		args = append(args, q.Since.UnixMilli())
		fmt.Fprintf(&query, " AND timestamp_ms >= %s", s.dialect.Placeholder(len(args)))
	}
	if !q.Until.IsZero() {
		args = append(args, q.Until.UnixMilli())
		fmt.Fprintf(&query, " AND timestamp_ms <= %s", s.dialect.Placeholder(len(args)))
	}

	query.WriteString(" ORDER BY timestamp_ms DESC")

	if q.Limit > 0 {
		fmt.Fprintf(&query, " LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w: %w", errors.ErrDatabase, err)
	}
	defer rows.Close()

	return scanSamples(rows, q.Limit)
}

// scanSamples reads rows selected with SampleColumns.
func scanSamples(rows *sql.Rows, capacity int) ([]types.Sample, error) {
	if capacity <= 0 {
		capacity = 64
	}
	samples := make([]types.Sample, 0, capacity)

	for rows.Next() {
		var (
			sample      types.Sample
			tsMs        int64
			sent, recv  sql.NullInt64
			dRead, dWr  sql.NullInt64
			latency, up sql.NullFloat64
		)

		if err := rows.Scan(
			&sample.DeviceID, &tsMs,
			&sample.CPUUsage, &sample.MemoryUsage, &sample.DiskUsage,
			&sent, &recv, &dRead, &dWr,
			&latency, &up,
		); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}

		sample.Timestamp = time.UnixMilli(tsMs).UTC()
		sample.BytesSentPerSec = intPtr(sent)
		sample.BytesRecvPerSec = intPtr(recv)
		sample.DiskReadBytesPerSec = intPtr(dRead)
		sample.DiskWriteBytesPerSec = intPtr(dWr)
		sample.LatencyMs = floatPtr(latency)
		sample.SystemUptimeSeconds = floatPtr(up)

		samples = append(samples, sample)
	}

	return samples, rows.Err()
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// ============================================================================
// Pruning
// ============================================================================

// prunePredicate selects rows older than the cutoff that are not the
// newest row of their device.
const prunePredicate = `timestamp_ms < %s AND timestamp_ms < (
	SELECT max(m.timestamp_ms) FROM samples m WHERE m.device_id = samples.device_id)`

// Prune hands rows older than cutoff to archive and deletes them in the
// same transaction. The newest row per device is always kept.
func (s *Store) Prune(ctx context.Context, cutoff time.Time, archive func([]types.Sample) error) (int, error) {
	where := fmt.Sprintf(prunePredicate, s.dialect.Placeholder(1))
	cutoffMs := cutoff.UnixMilli()

	var deleted int
	err := s.TransactionContext(ctx, s.dialect.PruneTxOptions, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			"SELECT "+SampleColumns+" FROM samples WHERE "+where+" ORDER BY device_id, timestamp_ms",
			cutoffMs)
		if err != nil {
			return fmt.Errorf("select prunable samples: %w", err)
		}
		samples, err := scanSamples(rows, 0)
		rows.Close()
		if err != nil {
			return err
		}
		if len(samples) == 0 {
			return nil
		}

		if err := archive(samples); err != nil {
			return fmt.Errorf("archive samples: %w", err)
		}

		res, err := tx.ExecContext(ctx, "DELETE FROM samples WHERE "+where, cutoffMs)
		if err != nil {
			return fmt.Errorf("delete pruned samples: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}
