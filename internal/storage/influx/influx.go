// Package influx stores samples as InfluxDB 2.x points: one point per
// sample, tagged with device_id, one field per reported metric.
package influx

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/xtxerr/sentinel/internal/errors"
	"github.com/xtxerr/sentinel/internal/logging"
	"github.com/xtxerr/sentinel/internal/storage/backend"
	"github.com/xtxerr/sentinel/internal/storage/types"
)

var log = logging.Component("influx")

// Config configures the InfluxDB store.
type Config struct {
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
}

// Field names of a point.
const (
	tagDevice      = "device_id"
	fieldCPU       = "cpu_usage"
	fieldMemory    = "memory_usage"
	fieldDisk      = "disk_usage"
	fieldBytesSent = "bytes_sent_per_sec"
	fieldBytesRecv = "bytes_recv_per_sec"
	fieldDiskRead  = "disk_read_bytes_per_sec"
	fieldDiskWrite = "disk_write_bytes_per_sec"
	fieldLatency   = "latency_ms"
	fieldUptime    = "system_uptime_seconds"
)

// Store writes through the blocking write API and reads with Flux.
type Store struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPIBlocking
	queryAPI    api.QueryAPI
	bucket      string
	measurement string
}

// Open creates a client and verifies the server is reachable.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.NewValidation("storage.influx", "url, org and bucket are required")
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	s := New(client, cfg)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Health(pingCtx); err != nil {
		client.Close()
		return nil, err
	}

	log.Info("store opened", "url", cfg.URL, "bucket", cfg.Bucket)
	return s, nil
}

// New wraps an existing client.
func New(client influxdb2.Client, cfg Config) *Store {
	measurement := cfg.Measurement
	if measurement == "" {
		measurement = "device_metrics"
	}
	return &Store{
		client:      client,
		writeAPI:    client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		queryAPI:    client.QueryAPI(cfg.Org),
		bucket:      cfg.Bucket,
		measurement: measurement,
	}
}

// Name returns "influx".
func (s *Store) Name() string { return "influx" }

// BatchInsert writes one point per sample in a single request.
func (s *Store) BatchInsert(ctx context.Context, samples []types.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	points := make([]*write.Point, 0, len(samples))
	for i := range samples {
		points = append(points, s.point(&samples[i]))
	}

	if err := s.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("write %d points: %w: %w", len(points), errors.ErrDatabase, err)
	}
	return nil
}

// point converts a sample. Absent optional metrics become absent fields.
func (s *Store) point(sample *types.Sample) *write.Point {
	p := influxdb2.NewPointWithMeasurement(s.measurement).
		AddTag(tagDevice, sample.DeviceID).
		AddField(fieldCPU, sample.CPUUsage).
		AddField(fieldMemory, sample.MemoryUsage).
		AddField(fieldDisk, sample.DiskUsage).
		SetTime(sample.Timestamp)

	addInt := func(name string, v *int64) {
		if v != nil {
			p.AddField(name, *v)
		}
	}
	addFloat := func(name string, v *float64) {
		if v != nil {
			p.AddField(name, *v)
		}
	}
	addInt(fieldBytesSent, sample.BytesSentPerSec)
	addInt(fieldBytesRecv, sample.BytesRecvPerSec)
	addInt(fieldDiskRead, sample.DiskReadBytesPerSec)
	addInt(fieldDiskWrite, sample.DiskWriteBytesPerSec)
	addFloat(fieldLatency, sample.LatencyMs)
	addFloat(fieldUptime, sample.SystemUptimeSeconds)

	return p
}

// LatestPerDevice pivots each device's series into rows and keeps the
// newest row per device.
func (s *Store) LatestPerDevice(ctx context.Context) ([]types.Sample, error) {
	return s.query(ctx, s.latestFlux())
}

func (s *Store) latestFlux() string {
	return fmt.Sprintf(`from(bucket: %s)
	|> range(start: 0)
	|> filter(fn: (r) => r._measurement == %s)
	|> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
	|> last(column: "_time")
	|> group()
	|> sort(columns: ["device_id"])`, fluxString(s.bucket), fluxString(s.measurement))
}

// QuerySamples returns one device's samples newest first.
func (s *Store) QuerySamples(ctx context.Context, q backend.Query) ([]types.Sample, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return s.query(ctx, s.historyFlux(q))
}

func (s *Store) historyFlux(q backend.Query) string {
	start := "0"
	if !q.Since.IsZero() {
		start = q.Since.UTC().Format(time.RFC3339Nano)
	}
	stop := "now()"
	if !q.Until.IsZero() {
		// range stop is exclusive; until is inclusive.
		stop = q.Until.Add(time.Nanosecond).UTC().Format(time.RFC3339Nano)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `from(bucket: %s)
	|> range(start: %s, stop: %s)
	|> filter(fn: (r) => r._measurement == %s and r.device_id == %s)
	|> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
	|> group()
	|> sort(columns: ["_time"], desc: true)`,
		fluxString(s.bucket), start, stop, fluxString(s.measurement), fluxString(q.DeviceID))
	if q.Limit > 0 {
		fmt.Fprintf(&b, "\n\t|> limit(n: %d)", q.Limit)
	}
	return b.String()
}

// fluxEscaper applies Flux's string escapes. Every other character is
// valid literally inside a Flux string; Go's \x and \u escapes are not.
var fluxEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"${", `\${`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

// fluxString quotes v as a Flux string literal.
func fluxString(v string) string {
	return `"` + fluxEscaper.Replace(v) + `"`
}

func (s *Store) query(ctx context.Context, flux string) ([]types.Sample, error) {
	result, err := s.queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("flux query: %w: %w", errors.ErrDatabase, err)
	}
	defer result.Close()

	var samples []types.Sample
	for result.Next() {
		samples = append(samples, sampleFromValues(result.Record().Values()))
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("flux result: %w: %w", errors.ErrDatabase, result.Err())
	}

	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].DeviceID < samples[j].DeviceID
	})
	return samples, nil
}

// sampleFromValues maps one pivoted Flux record back to a Sample.
func sampleFromValues(values map[string]interface{}) types.Sample {
	var s types.Sample
	if v, ok := values[tagDevice].(string); ok {
		s.DeviceID = v
	}
	if v, ok := values["_time"].(time.Time); ok {
		s.Timestamp = v.UTC()
	}
	s.CPUUsage = floatOf(values[fieldCPU])
	s.MemoryUsage = floatOf(values[fieldMemory])
	s.DiskUsage = floatOf(values[fieldDisk])
	s.BytesSentPerSec = optInt(values[fieldBytesSent])
	s.BytesRecvPerSec = optInt(values[fieldBytesRecv])
	s.DiskReadBytesPerSec = optInt(values[fieldDiskRead])
	s.DiskWriteBytesPerSec = optInt(values[fieldDiskWrite])
	s.LatencyMs = optFloat(values[fieldLatency])
	s.SystemUptimeSeconds = optFloat(values[fieldUptime])
	return s
}

func floatOf(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func optInt(v interface{}) *int64 {
	switch n := v.(type) {
	case int64:
		return &n
	case float64:
		i := int64(n)
		return &i
	default:
		return nil
	}
}

func optFloat(v interface{}) *float64 {
	switch n := v.(type) {
	case float64:
		return &n
	case int64:
		f := float64(n)
		return &f
	default:
		return nil
	}
}

// Health pings the server.
func (s *Store) Health(ctx context.Context) error {
	ok, err := s.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", errors.ErrStoreUnavailable, err)
	}
	if !ok {
		return errors.ErrStoreUnavailable
	}
	return nil
}

// Close releases the client.
func (s *Store) Close() error {
	s.client.Close()
	return nil
}
