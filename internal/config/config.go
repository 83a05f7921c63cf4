// Package config loads the sentineld and sentinel-agent configuration
// from YAML, .env files and SENTINEL_* environment variables.
//
// Precedence, lowest first: built-in defaults (see the top-level config
// package), the YAML file, environment variables, command-line flags
// (applied by the commands).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	defaults "github.com/xtxerr/sentinel/config"
)

// Config is the sentineld configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Status   StatusConfig   `yaml:"status"`
	Storage  StorageConfig  `yaml:"storage"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the HTTP and live-stream listeners.
type ServerConfig struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// StreamListen is the TCP live-stream address. Empty disables it.
	StreamListen string `yaml:"stream_listen"`

	// CORSOrigins lists allowed browser origins. "*" allows any.
	CORSOrigins []string `yaml:"cors_origins"`

	// MaxBodySize limits a decoded ingest body in bytes.
	MaxBodySize int64 `yaml:"max_body_size"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// StreamHeartbeat is the idle heartbeat period for live streams.
	StreamHeartbeat time.Duration `yaml:"stream_heartbeat"`
}

// PipelineConfig configures the queue, batch writer and fan-out.
type PipelineConfig struct {
	// BatchSize is the flush size trigger.
	BatchSize int `yaml:"batch_size"`

	// PollTimeout is the idle flush trigger.
	PollTimeout time.Duration `yaml:"poll_timeout"`

	// FlushTimeout bounds one store insert.
	FlushTimeout time.Duration `yaml:"flush_timeout"`

	// SubscriberBuffer is the per-subscriber channel capacity.
	SubscriberBuffer int `yaml:"subscriber_buffer"`

	// MaxSamplesPerRequest bounds one ingest request.
	MaxSamplesPerRequest int `yaml:"max_samples_per_request"`
}

// StatusConfig configures liveness derivation.
type StatusConfig struct {
	LivenessWindow time.Duration `yaml:"liveness_window"`
}

// StorageConfig selects and configures the durable store.
type StorageConfig struct {
	// Driver is one of duckdb, postgres, influx, memory.
	Driver string `yaml:"driver"`

	DuckDB   DuckDBConfig   `yaml:"duckdb"`
	Postgres PostgresConfig `yaml:"postgres"`
	Influx   InfluxConfig   `yaml:"influx"`
}

// DuckDBConfig configures the duckdb driver.
type DuckDBConfig struct {
	Path string `yaml:"path"`

	// MemoryLimit is passed to DuckDB, e.g. "1GB". Empty keeps the default.
	MemoryLimit string `yaml:"memory_limit"`
}

// PostgresConfig configures the postgres driver.
type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// InfluxConfig configures the influx driver.
type InfluxConfig struct {
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
}

// ArchiveConfig configures the Parquet archiver.
type ArchiveConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Dir         string        `yaml:"dir"`
	Retention   time.Duration `yaml:"retention"`
	Interval    time.Duration `yaml:"interval"`
	Compression string        `yaml:"compression"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns a configuration with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          defaults.DefaultListenAddress,
			StreamListen:    defaults.DefaultStreamListenAddress,
			CORSOrigins:     []string{"*"},
			MaxBodySize:     defaults.DefaultMaxBodySize,
			ReadTimeout:     defaults.DefaultReadTimeout,
			WriteTimeout:    defaults.DefaultWriteTimeout,
			ShutdownTimeout: defaults.DefaultShutdownTimeout,
			StreamHeartbeat: defaults.DefaultStreamHeartbeat,
		},
		Pipeline: PipelineConfig{
			BatchSize:            defaults.DefaultBatchSize,
			PollTimeout:          defaults.DefaultPollTimeout,
			FlushTimeout:         defaults.DefaultFlushTimeout,
			SubscriberBuffer:     defaults.DefaultSubscriberBuffer,
			MaxSamplesPerRequest: 1000,
		},
		Status: StatusConfig{
			LivenessWindow: defaults.DefaultLivenessWindow,
		},
		Storage: StorageConfig{
			Driver: defaults.DefaultStorageDriver,
			DuckDB: DuckDBConfig{
				Path: defaults.DefaultDuckDBPath,
			},
			Postgres: PostgresConfig{
				MaxOpenConns: 10,
				MaxIdleConns: 5,
			},
			Influx: InfluxConfig{
				Bucket:      defaults.DefaultInfluxBucket,
				Measurement: defaults.DefaultInfluxMeasurement,
			},
		},
		Archive: ArchiveConfig{
			Enabled:     false,
			Dir:         defaults.DefaultArchiveDir,
			Retention:   defaults.DefaultArchiveRetention,
			Interval:    defaults.DefaultArchiveInterval,
			Compression: defaults.DefaultArchiveCompression,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file over the defaults, applies SENTINEL_*
// environment overrides and validates the result. An empty path skips
// the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// AgentConfig is the sentinel-agent configuration.
type AgentConfig struct {
	// ServerURL is the sentineld base URL.
	ServerURL string `yaml:"server_url"`

	// DeviceID identifies this device. Defaults to the hostname.
	DeviceID string `yaml:"device_id"`

	Interval   time.Duration `yaml:"interval"`
	MaxRetries int           `yaml:"max_retries"`
	Timeout    time.Duration `yaml:"timeout"`

	// Format is the payload encoding: json or cbor.
	Format string `yaml:"format"`

	// Compress gzips the payload.
	Compress bool `yaml:"compress"`

	// Collector is "local" (this host) or "snmp" (a remote device).
	Collector string `yaml:"collector"`

	SNMP    SNMPConfig    `yaml:"snmp"`
	Logging LoggingConfig `yaml:"logging"`
}

// SNMPConfig configures the SNMP collector.
type SNMPConfig struct {
	Target    string `yaml:"target"`
	Port      uint16 `yaml:"port"`
	Community string `yaml:"community"`
	TimeoutMs int    `yaml:"timeout_ms"`
	Retries   int    `yaml:"retries"`

	// DiskIndex is the dskTable row to report, 1-based.
	DiskIndex int `yaml:"disk_index"`
}

// DefaultAgentConfig returns the agent defaults.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		ServerURL:  defaults.DefaultServerURL,
		Interval:   defaults.DefaultAgentInterval,
		MaxRetries: defaults.DefaultAgentMaxRetries,
		Timeout:    defaults.DefaultAgentTimeout,
		Format:     "json",
		Collector:  "local",
		SNMP: SNMPConfig{
			Port:      defaults.DefaultSNMPPort,
			Community: defaults.DefaultSNMPCommunity,
			TimeoutMs: defaults.DefaultSNMPTimeoutMs,
			Retries:   defaults.DefaultSNMPRetries,
			DiskIndex: 1,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadAgent is Load for the agent.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := ApplyAgentEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if cfg.DeviceID == "" {
		if cfg.Collector == "snmp" {
			cfg.DeviceID = cfg.SNMP.Target
		} else if host, err := os.Hostname(); err == nil {
			cfg.DeviceID = host
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
