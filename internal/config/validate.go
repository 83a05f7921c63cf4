package config

import (
	"fmt"
	"net/url"

	"github.com/xtxerr/sentinel/internal/errors"
	"github.com/xtxerr/sentinel/internal/logging"
)

// Drivers lists the supported storage drivers.
var Drivers = []string{"duckdb", "postgres", "influx", "memory"}

var compressions = map[string]bool{
	"":       true,
	"none":   true,
	"snappy": true,
	"zstd":   true,
	"lz4":    true,
	"gzip":   true,
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errors.ErrInvalidConfig)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	if err := c.Pipeline.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}
	if c.Status.LivenessWindow <= 0 {
		errs = append(errs, invalid("status: liveness_window must be positive"))
	}
	if err := c.Storage.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	if err := c.Archive.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("archive: %w", err))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}

	return errors.Join(errs...)
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, invalid("listen is required"))
	}
	if c.MaxBodySize <= 0 {
		errs = append(errs, invalid("max_body_size must be positive"))
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		errs = append(errs, invalid("timeouts must not be negative"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, invalid("shutdown_timeout must be positive"))
	}
	if c.StreamListen != "" && c.StreamHeartbeat <= 0 {
		errs = append(errs, invalid("stream_heartbeat must be positive"))
	}

	return errors.Join(errs...)
}

// Validate checks the pipeline configuration.
func (c *PipelineConfig) Validate() error {
	var errs []error

	if c.BatchSize <= 0 {
		errs = append(errs, invalid("batch_size must be positive"))
	}
	if c.PollTimeout <= 0 {
		errs = append(errs, invalid("poll_timeout must be positive"))
	}
	if c.FlushTimeout <= 0 {
		errs = append(errs, invalid("flush_timeout must be positive"))
	}
	if c.SubscriberBuffer <= 0 {
		errs = append(errs, invalid("subscriber_buffer must be positive"))
	}
	if c.MaxSamplesPerRequest <= 0 {
		errs = append(errs, invalid("max_samples_per_request must be positive"))
	}

	return errors.Join(errs...)
}

// Validate checks the storage configuration.
func (c *StorageConfig) Validate() error {
	switch c.Driver {
	case "duckdb":
		if c.DuckDB.Path == "" {
			return invalid("duckdb.path is required")
		}
	case "postgres":
		if c.Postgres.DSN == "" {
			return invalid("postgres.dsn is required")
		}
	case "influx":
		var errs []error
		if _, err := url.ParseRequestURI(c.Influx.URL); err != nil {
			errs = append(errs, invalid("influx.url %q is not a URL", c.Influx.URL))
		}
		if c.Influx.Org == "" {
			errs = append(errs, invalid("influx.org is required"))
		}
		if c.Influx.Bucket == "" {
			errs = append(errs, invalid("influx.bucket is required"))
		}
		return errors.Join(errs...)
	case "memory":
	default:
		return fmt.Errorf("driver %q (want one of %v): %w", c.Driver, Drivers, errors.ErrUnknownDriver)
	}
	return nil
}

// Validate checks the archive configuration. A disabled archive is not
// checked.
func (c *ArchiveConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if c.Dir == "" {
		errs = append(errs, invalid("dir is required"))
	}
	if c.Retention <= 0 {
		errs = append(errs, invalid("retention must be positive"))
	}
	if c.Interval <= 0 {
		errs = append(errs, invalid("interval must be positive"))
	}
	if !compressions[c.Compression] {
		errs = append(errs, invalid("compression %q is not supported", c.Compression))
	}
	return errors.Join(errs...)
}

// Validate checks the logging configuration.
func (c *LoggingConfig) Validate() error {
	if _, err := logging.ParseLevel(c.Level); err != nil {
		return invalid("%v", err)
	}
	return nil
}

// Validate checks the agent configuration.
func (c *AgentConfig) Validate() error {
	var errs []error

	if _, err := url.ParseRequestURI(c.ServerURL); err != nil {
		errs = append(errs, invalid("server_url %q is not a URL", c.ServerURL))
	}
	if c.DeviceID == "" {
		errs = append(errs, invalid("device_id is required"))
	}
	if c.Interval <= 0 {
		errs = append(errs, invalid("interval must be positive"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, invalid("max_retries must not be negative"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, invalid("timeout must be positive"))
	}
	if c.Format != "json" && c.Format != "cbor" {
		errs = append(errs, invalid("format must be json or cbor"))
	}
	switch c.Collector {
	case "local":
	case "snmp":
		if c.SNMP.Target == "" {
			errs = append(errs, invalid("snmp.target is required for the snmp collector"))
		}
		if c.SNMP.TimeoutMs <= 0 {
			errs = append(errs, invalid("snmp.timeout_ms must be positive"))
		}
		if c.SNMP.DiskIndex <= 0 {
			errs = append(errs, invalid("snmp.disk_index must be positive"))
		}
	default:
		errs = append(errs, invalid("collector must be local or snmp"))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
