// Package postgres stores samples in PostgreSQL (or TimescaleDB) via
// lib/pq.
package postgres

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/xtxerr/sentinel/internal/storage/sqlstore"
)

// Config configures the PostgreSQL store.
type Config struct {
	// DSN is a lib/pq connection string or URL.
	DSN string `yaml:"dsn"`

	MaxOpenConns int `yaml:"max_open_conns"`
	MaxIdleConns int `yaml:"max_idle_conns"`
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS samples (
		device_id                TEXT             NOT NULL,
		timestamp_ms             BIGINT           NOT NULL,
		cpu_usage                DOUBLE PRECISION NOT NULL,
		memory_usage             DOUBLE PRECISION NOT NULL,
		disk_usage               DOUBLE PRECISION NOT NULL,
		bytes_sent_per_sec       BIGINT,
		bytes_recv_per_sec       BIGINT,
		disk_read_bytes_per_sec  BIGINT,
		disk_write_bytes_per_sec BIGINT,
		latency_ms               DOUBLE PRECISION,
		system_uptime_seconds    DOUBLE PRECISION
	)`,
	`CREATE INDEX IF NOT EXISTS idx_samples_device_ts ON samples (device_id, timestamp_ms DESC)`,
}

const latestQuery = `SELECT DISTINCT ON (device_id) ` + sqlstore.SampleColumns + `
	FROM samples
	ORDER BY device_id, timestamp_ms DESC`

// Dialect returns the PostgreSQL SQL dialect.
func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Name:        "postgres",
		DriverName:  "postgres",
		Placeholder: sqlstore.Dollar,
		Schema:      schema,
		LatestQuery: latestQuery,
		// The select and the delete of a prune must see the same rows.
		PruneTxOptions: &sql.TxOptions{Isolation: sql.LevelRepeatableRead},
	}
}

// Open connects to PostgreSQL and applies the schema.
func Open(ctx context.Context, cfg Config) (*sqlstore.Store, error) {
	storeCfg := sqlstore.DefaultConfig()
	storeCfg.DSN = cfg.DSN
	if cfg.MaxOpenConns > 0 {
		storeCfg.MaxOpenConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		storeCfg.MaxIdleConns = cfg.MaxIdleConns
	}
	return sqlstore.Open(ctx, storeCfg, Dialect())
}
