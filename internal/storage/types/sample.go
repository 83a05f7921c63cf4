package types

import (
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/xtxerr/sentinel/internal/errors"
)

// MaxDeviceIDLength bounds a device identifier.
const MaxDeviceIDLength = 128

// Sample is one point-in-time metrics report from a single device.
// Optional metrics are pointers; nil means "not reported", which is
// different from zero and is preserved by every codec and store.
type Sample struct {
	DeviceID string `json:"deviceId" cbor:"deviceId"`

	// Required utilisation metrics, percent in [0, 100].
	CPUUsage    float64 `json:"cpuUsage" cbor:"cpuUsage"`
	MemoryUsage float64 `json:"memoryUsage" cbor:"memoryUsage"`
	DiskUsage   float64 `json:"diskUsage" cbor:"diskUsage"`

	// Optional rates, bytes per second.
	BytesSentPerSec      *int64 `json:"bytesSentPerSec,omitempty" cbor:"bytesSentPerSec,omitempty"`
	BytesRecvPerSec      *int64 `json:"bytesRecvPerSec,omitempty" cbor:"bytesRecvPerSec,omitempty"`
	DiskReadBytesPerSec  *int64 `json:"diskReadBytesPerSec,omitempty" cbor:"diskReadBytesPerSec,omitempty"`
	DiskWriteBytesPerSec *int64 `json:"diskWriteBytesPerSec,omitempty" cbor:"diskWriteBytesPerSec,omitempty"`

	LatencyMs           *float64 `json:"latencyMs,omitempty" cbor:"latencyMs,omitempty"`
	SystemUptimeSeconds *float64 `json:"systemUptimeSeconds,omitempty" cbor:"systemUptimeSeconds,omitempty"`

	// Timestamp is the server arrival time, assigned at ingestion.
	Timestamp time.Time `json:"timestamp" cbor:"timestamp"`
}

// TimestampMs returns the timestamp as Unix milliseconds.
func (s *Sample) TimestampMs() int64 {
	return s.Timestamp.UnixMilli()
}

// Validate checks the sample's shape and ranges. The timestamp is not
// checked because the ingestion boundary always overwrites it.
func (s *Sample) Validate() error {
	errs := errors.NewValidationErrors()

	id := strings.TrimSpace(s.DeviceID)
	switch {
	case id == "":
		errs.AddMissing("deviceId")
	case len(s.DeviceID) > MaxDeviceIDLength:
		errs.Add(errors.NewInvalidValue("deviceId", len(s.DeviceID), "longer than 128 bytes"))
	case id != s.DeviceID || strings.ContainsAny(s.DeviceID, "/*") || hasControl(s.DeviceID):
		errs.Add(errors.NewInvalidValue("deviceId", s.DeviceID, "contains a control character, surrounding whitespace, '/' or '*'"))
	}

	checkPercent(errs, "cpuUsage", s.CPUUsage)
	checkPercent(errs, "memoryUsage", s.MemoryUsage)
	checkPercent(errs, "diskUsage", s.DiskUsage)

	checkRate(errs, "bytesSentPerSec", s.BytesSentPerSec)
	checkRate(errs, "bytesRecvPerSec", s.BytesRecvPerSec)
	checkRate(errs, "diskReadBytesPerSec", s.DiskReadBytesPerSec)
	checkRate(errs, "diskWriteBytesPerSec", s.DiskWriteBytesPerSec)

	checkNonNegative(errs, "latencyMs", s.LatencyMs)
	checkNonNegative(errs, "systemUptimeSeconds", s.SystemUptimeSeconds)

	return errs.Err()
}

func checkPercent(errs *errors.ValidationErrors, field string, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 100 {
		errs.Add(errors.NewInvalidValue(field, v, "must be within 0..100"))
	}
}

func checkRate(errs *errors.ValidationErrors, field string, v *int64) {
	if v != nil && *v < 0 {
		errs.Add(errors.NewInvalidValue(field, *v, "must not be negative"))
	}
}

func checkNonNegative(errs *errors.ValidationErrors, field string, v *float64) {
	if v == nil {
		return
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0 {
		errs.Add(errors.NewInvalidValue(field, *v, "must be a non-negative number"))
	}
}

// Batch is an ordered group of samples persisted in one store call.
// It is owned exclusively by the batch writer.
type Batch struct {
	Samples []Sample
}

// NewBatch creates a new batch with the given capacity.
func NewBatch(capacity int) *Batch {
	return &Batch{
		Samples: make([]Sample, 0, capacity),
	}
}

// Add appends a sample to the batch.
func (b *Batch) Add(s Sample) {
	b.Samples = append(b.Samples, s)
}

// Len returns the number of samples in the batch.
func (b *Batch) Len() int {
	return len(b.Samples)
}

// Clear resets the batch for reuse.
func (b *Batch) Clear() {
	b.Samples = b.Samples[:0]
}

// Int64 returns a pointer to v. Helper for building optional metrics.
func Int64(v int64) *int64 { return &v }

// Float64 returns a pointer to v. Helper for building optional metrics.
func Float64(v float64) *float64 { return &v }

func hasControl(s string) bool {
	return strings.IndexFunc(s, unicode.IsControl) >= 0
}
