package types

import (
	"fmt"
	"time"
)

// Metric names one numeric field of a Sample by its wire name.
type Metric string

const (
	MetricCPUUsage             Metric = "cpuUsage"
	MetricMemoryUsage          Metric = "memoryUsage"
	MetricDiskUsage            Metric = "diskUsage"
	MetricBytesSentPerSec      Metric = "bytesSentPerSec"
	MetricBytesRecvPerSec      Metric = "bytesRecvPerSec"
	MetricDiskReadBytesPerSec  Metric = "diskReadBytesPerSec"
	MetricDiskWriteBytesPerSec Metric = "diskWriteBytesPerSec"
	MetricLatencyMs            Metric = "latencyMs"
	MetricSystemUptimeSeconds  Metric = "systemUptimeSeconds"
)

// AllMetrics lists every metric in wire order.
func AllMetrics() []Metric {
	return []Metric{
		MetricCPUUsage,
		MetricMemoryUsage,
		MetricDiskUsage,
		MetricBytesSentPerSec,
		MetricBytesRecvPerSec,
		MetricDiskReadBytesPerSec,
		MetricDiskWriteBytesPerSec,
		MetricLatencyMs,
		MetricSystemUptimeSeconds,
	}
}

// ParseMetric validates a metric name.
func ParseMetric(s string) (Metric, error) {
	for _, m := range AllMetrics() {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown metric: %s", s)
}

// Value extracts the metric from s. ok is false when an optional metric
// was not reported.
func (m Metric) Value(s *Sample) (v float64, ok bool) {
	switch m {
	case MetricCPUUsage:
		return s.CPUUsage, true
	case MetricMemoryUsage:
		return s.MemoryUsage, true
	case MetricDiskUsage:
		return s.DiskUsage, true
	case MetricBytesSentPerSec:
		return intValue(s.BytesSentPerSec)
	case MetricBytesRecvPerSec:
		return intValue(s.BytesRecvPerSec)
	case MetricDiskReadBytesPerSec:
		return intValue(s.DiskReadBytesPerSec)
	case MetricDiskWriteBytesPerSec:
		return intValue(s.DiskWriteBytesPerSec)
	case MetricLatencyMs:
		return floatValue(s.LatencyMs)
	case MetricSystemUptimeSeconds:
		return floatValue(s.SystemUptimeSeconds)
	default:
		return 0, false
	}
}

func intValue(p *int64) (float64, bool) {
	if p == nil {
		return 0, false
	}
	return float64(*p), true
}

func floatValue(p *float64) (float64, bool) {
	if p == nil {
		return 0, false
	}
	return *p, true
}

// Summary holds statistics for one metric of one device over a window.
type Summary struct {
	Metric Metric `json:"metric"`

	Count int64   `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`

	// Percentiles, nil when Count is zero.
	P50 *float64 `json:"p50,omitempty"`
	P90 *float64 `json:"p90,omitempty"`
	P95 *float64 `json:"p95,omitempty"`
	P99 *float64 `json:"p99,omitempty"`
}

// IsEmpty returns true if no samples were summarized.
func (s *Summary) IsEmpty() bool {
	return s.Count == 0
}

// SetPercentiles sets all percentile values.
func (s *Summary) SetPercentiles(p50, p90, p95, p99 float64) {
	s.P50 = &p50
	s.P90 = &p90
	s.P95 = &p95
	s.P99 = &p99
}

// DeviceSummary groups the per-metric summaries of one device.
type DeviceSummary struct {
	DeviceID string    `json:"deviceId"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	Samples  int       `json:"samples"`
	Metrics  []Summary `json:"metrics"`
}
