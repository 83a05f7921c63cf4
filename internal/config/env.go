package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/xtxerr/sentinel/internal/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SENTINEL_"

// LookupFunc reads one environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv loads variables from .env files into the process
// environment without overriding variables that are already set.
// Missing files are ignored; with no paths, ./.env is tried.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// envReader applies typed overrides and collects parse errors.
type envReader struct {
	lookup LookupFunc
	errs   []error
}

func (r *envReader) get(name string) (string, bool) {
	v, ok := r.lookup(EnvPrefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (r *envReader) fail(name, value, reason string) {
	r.errs = append(r.errs, fmt.Errorf("%s%s=%q: %s: %w", EnvPrefix, name, value, reason, errors.ErrInvalidConfig))
}

func (r *envReader) str(name string, dst *string) {
	if v, ok := r.get(name); ok {
		*dst = v
	}
}

func (r *envReader) list(name string, dst *[]string) {
	v, ok := r.get(name)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (r *envReader) integer(name string, dst *int) {
	if v, ok := r.get(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.fail(name, v, "not an integer")
			return
		}
		*dst = n
	}
}

func (r *envReader) int64(name string, dst *int64) {
	if v, ok := r.get(name); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			r.fail(name, v, "not an integer")
			return
		}
		*dst = n
	}
}

func (r *envReader) boolean(name string, dst *bool) {
	if v, ok := r.get(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.fail(name, v, "not a boolean")
			return
		}
		*dst = b
	}
}

func (r *envReader) duration(name string, dst *time.Duration) {
	if v, ok := r.get(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.fail(name, v, "not a duration")
			return
		}
		*dst = d
	}
}

func (r *envReader) err() error {
	return errors.Join(r.errs...)
}

// ApplyEnv overrides cfg from SENTINEL_* variables.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	r := &envReader{lookup: lookup}

	r.str("LISTEN", &cfg.Server.Listen)
	r.str("STREAM_LISTEN", &cfg.Server.StreamListen)
	r.list("CORS_ORIGINS", &cfg.Server.CORSOrigins)
	r.int64("MAX_BODY_SIZE", &cfg.Server.MaxBodySize)
	r.duration("SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	r.integer("BATCH_SIZE", &cfg.Pipeline.BatchSize)
	r.duration("POLL_TIMEOUT", &cfg.Pipeline.PollTimeout)
	r.duration("FLUSH_TIMEOUT", &cfg.Pipeline.FlushTimeout)
	r.integer("SUBSCRIBER_BUFFER", &cfg.Pipeline.SubscriberBuffer)

	r.duration("LIVENESS_WINDOW", &cfg.Status.LivenessWindow)

	r.str("STORAGE_DRIVER", &cfg.Storage.Driver)
	r.str("DUCKDB_PATH", &cfg.Storage.DuckDB.Path)
	r.str("DUCKDB_MEMORY_LIMIT", &cfg.Storage.DuckDB.MemoryLimit)
	r.str("POSTGRES_DSN", &cfg.Storage.Postgres.DSN)
	r.str("INFLUX_URL", &cfg.Storage.Influx.URL)
	r.str("INFLUX_TOKEN", &cfg.Storage.Influx.Token)
	r.str("INFLUX_ORG", &cfg.Storage.Influx.Org)
	r.str("INFLUX_BUCKET", &cfg.Storage.Influx.Bucket)

	r.boolean("ARCHIVE_ENABLED", &cfg.Archive.Enabled)
	r.str("ARCHIVE_DIR", &cfg.Archive.Dir)
	r.duration("ARCHIVE_RETENTION", &cfg.Archive.Retention)
	r.duration("ARCHIVE_INTERVAL", &cfg.Archive.Interval)

	r.str("LOG_LEVEL", &cfg.Logging.Level)
	r.boolean("LOG_JSON", &cfg.Logging.JSON)

	return r.err()
}

// ApplyAgentEnv overrides cfg from SENTINEL_* variables.
func ApplyAgentEnv(cfg *AgentConfig, lookup LookupFunc) error {
	r := &envReader{lookup: lookup}

	r.str("SERVER_URL", &cfg.ServerURL)
	r.str("DEVICE_ID", &cfg.DeviceID)
	r.duration("AGENT_INTERVAL", &cfg.Interval)
	r.integer("AGENT_MAX_RETRIES", &cfg.MaxRetries)
	r.duration("AGENT_TIMEOUT", &cfg.Timeout)
	r.str("AGENT_FORMAT", &cfg.Format)
	r.boolean("AGENT_COMPRESS", &cfg.Compress)
	r.str("AGENT_COLLECTOR", &cfg.Collector)

	r.str("SNMP_TARGET", &cfg.SNMP.Target)
	r.str("SNMP_COMMUNITY", &cfg.SNMP.Community)
	r.integer("SNMP_TIMEOUT_MS", &cfg.SNMP.TimeoutMs)

	r.str("LOG_LEVEL", &cfg.Logging.Level)
	r.boolean("LOG_JSON", &cfg.Logging.JSON)

	return r.err()
}
