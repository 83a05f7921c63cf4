// Package config provides configuration defaults for the sentinel
// binaries.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml, SENTINEL_* environment
// variables or command-line flags.
package config

import "time"

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultListenAddress is the default HTTP listen address.
	// Override via config: server.listen
	DefaultListenAddress = "0.0.0.0:8080"

	// DefaultStreamListenAddress is the default TCP live-stream address.
	// Empty disables the stream listener.
	// Override via config: server.stream_listen
	DefaultStreamListenAddress = "0.0.0.0:9180"

	// DefaultMaxBodySize limits an ingest request body (after decompression).
	// Override via config: server.max_body_size
	DefaultMaxBodySize = 4 * 1024 * 1024

	// DefaultMaxFrameSize limits one live-stream frame.
	DefaultMaxFrameSize = 1024 * 1024

	// DefaultReadTimeout bounds reading a full request.
	// Override via config: server.read_timeout
	DefaultReadTimeout = 15 * time.Second

	// DefaultWriteTimeout bounds writing a non-streaming response.
	// Streaming endpoints (SSE) clear the deadline themselves.
	// Override via config: server.write_timeout
	DefaultWriteTimeout = 15 * time.Second

	// DefaultStreamHeartbeat is how often idle live-stream clients receive
	// a heartbeat frame or SSE comment.
	// Override via config: server.stream_heartbeat
	DefaultStreamHeartbeat = 15 * time.Second
)

// =============================================================================
// Pipeline Defaults
// =============================================================================

const (
	// DefaultBatchSize is the number of samples that triggers a flush.
	// A retained batch after a failed flush may grow beyond this.
	// Override via config: pipeline.batch_size
	DefaultBatchSize = 20

	// DefaultPollTimeout is how long the writer waits for the next sample
	// before flushing a partial batch.
	// Override via config: pipeline.poll_timeout
	DefaultPollTimeout = 5 * time.Second

	// DefaultFlushTimeout bounds a single BatchInsert call.
	// Override via config: pipeline.flush_timeout
	DefaultFlushTimeout = 10 * time.Second

	// DefaultSubscriberBuffer is the capacity of each live subscriber's
	// channel. When full, new samples for that subscriber are dropped.
	// Override via config: pipeline.subscriber_buffer
	DefaultSubscriberBuffer = 64
)

// =============================================================================
// Status Defaults
// =============================================================================

const (
	// DefaultLivenessWindow is how recently a device must have reported a
	// persisted sample to count as online.
	// Override via config: status.liveness_window
	DefaultLivenessWindow = 120 * time.Second
)

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultStorageDriver selects the durable store.
	// Override via config: storage.driver
	DefaultStorageDriver = "duckdb"

	// DefaultDuckDBPath is the database file for the duckdb driver.
	// Override via config: storage.duckdb.path
	DefaultDuckDBPath = "data/sentinel.duckdb"

	// DefaultInfluxBucket and DefaultInfluxMeasurement name where the
	// influx driver writes points.
	DefaultInfluxBucket      = "sentinel"
	DefaultInfluxMeasurement = "device_metrics"

	// DefaultHistoryLimit caps rows returned by a history query when the
	// caller gives no limit.
	DefaultHistoryLimit = 500

	// MaxHistoryLimit is the largest limit a caller may request.
	MaxHistoryLimit = 10000
)

// =============================================================================
// Archive Defaults
// =============================================================================

const (
	// DefaultArchiveDir is where Parquet archive files are written.
	// Override via config: archive.dir
	DefaultArchiveDir = "data/archive"

	// DefaultArchiveRetention is the age after which rows are archived.
	// Override via config: archive.retention
	DefaultArchiveRetention = 7 * 24 * time.Hour

	// DefaultArchiveInterval is how often the archiver runs.
	// Override via config: archive.interval
	DefaultArchiveInterval = time.Hour

	// DefaultArchiveCompression is the Parquet page compression codec.
	// Override via config: archive.compression
	DefaultArchiveCompression = "zstd"
)

// =============================================================================
// Agent Defaults
// =============================================================================

const (
	// DefaultAgentInterval is how often the agent collects and submits.
	// Override via config: agent.interval
	DefaultAgentInterval = 30 * time.Second

	// DefaultAgentMaxRetries is how many times a failed submission is
	// retried before the sample is dropped.
	// Override via config: agent.max_retries
	DefaultAgentMaxRetries = 3

	// DefaultAgentTimeout bounds one submission attempt.
	DefaultAgentTimeout = 10 * time.Second

	// DefaultServerURL is where the agent and sentinelctl reach sentineld.
	DefaultServerURL = "http://localhost:8080"
)

// =============================================================================
// SNMP Defaults
// =============================================================================

const (
	// DefaultSNMPPort is the UDP port of the SNMP agent.
	DefaultSNMPPort = 161

	// DefaultSNMPCommunity is the v2c community string.
	DefaultSNMPCommunity = "public"

	// DefaultSNMPTimeoutMs is the timeout for a single SNMP request.
	// Override via config: snmp.timeout_ms
	DefaultSNMPTimeoutMs = 5000

	// DefaultSNMPRetries is the number of retry attempts after timeout.
	// Override via config: snmp.retries
	DefaultSNMPRetries = 2
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultShutdownTimeout bounds graceful HTTP shutdown. The writer's
	// final flush is bounded separately by the flush timeout.
	// Override via config: server.shutdown_timeout
	DefaultShutdownTimeout = 30 * time.Second
)
