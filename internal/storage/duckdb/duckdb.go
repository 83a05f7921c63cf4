// Package duckdb is the default durable store: an embedded DuckDB file.
package duckdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/sentinel/internal/storage/sqlstore"
)

// Config configures the DuckDB store.
type Config struct {
	// Path is the database file. Empty opens an in-memory database.
	Path string `yaml:"path"`

	// MemoryLimit caps DuckDB's memory use, e.g. "1GB". Empty keeps the
	// engine default.
	MemoryLimit string `yaml:"memory_limit"`
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS samples (
		device_id                VARCHAR NOT NULL,
		timestamp_ms             BIGINT  NOT NULL,
		cpu_usage                DOUBLE  NOT NULL,
		memory_usage             DOUBLE  NOT NULL,
		disk_usage               DOUBLE  NOT NULL,
		bytes_sent_per_sec       BIGINT,
		bytes_recv_per_sec       BIGINT,
		disk_read_bytes_per_sec  BIGINT,
		disk_write_bytes_per_sec BIGINT,
		latency_ms               DOUBLE,
		system_uptime_seconds    DOUBLE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_samples_device_ts ON samples (device_id, timestamp_ms)`,
}

// latestQuery keeps the newest row of each device partition.
const latestQuery = `SELECT ` + sqlstore.SampleColumns + `
	FROM samples
	QUALIFY ROW_NUMBER() OVER (PARTITION BY device_id ORDER BY timestamp_ms DESC) = 1
	ORDER BY device_id`

// Dialect returns the DuckDB SQL dialect.
func Dialect(memoryLimit string) sqlstore.Dialect {
	stmts := schema
	if memoryLimit != "" {
		stmts = append([]string{fmt.Sprintf("SET memory_limit='%s'", memoryLimit)}, schema...)
	}
	return sqlstore.Dialect{
		Name:        "duckdb",
		DriverName:  "duckdb",
		Placeholder: sqlstore.QuestionMark,
		Schema:      stmts,
		LatestQuery: latestQuery,
	}
}

// Open opens (creating if needed) the DuckDB file and applies the schema.
func Open(ctx context.Context, cfg Config) (*sqlstore.Store, error) {
	if cfg.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	storeCfg := sqlstore.DefaultConfig()
	storeCfg.DSN = cfg.Path
	return sqlstore.Open(ctx, storeCfg, Dialect(cfg.MemoryLimit))
}
