// Package codec converts ingest payloads between their wire forms and
// types.Sample.
//
// A payload is one sample object or an array of them, encoded as JSON or
// CBOR and optionally compressed with gzip or zstd. Required fields are
// decoded through pointers so that an absent cpuUsage is reported as
// missing rather than silently read as zero.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/xtxerr/sentinel/internal/errors"
	"github.com/xtxerr/sentinel/internal/storage/types"
)

// Content types understood by the ingest endpoint.
const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

// Format is a payload serialization.
type Format string

const (
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

// ParseFormat parses a config value ("json" or "cbor").
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "cbor":
		return FormatCBOR, nil
	default:
		return "", fmt.Errorf("%w: format %q", errors.ErrUnsupportedType, s)
	}
}

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	if f == FormatCBOR {
		return ContentTypeCBOR
	}
	return ContentTypeJSON
}

// FormatFromContentType maps a Content-Type header to a Format. An empty
// header is treated as JSON.
func FormatFromContentType(ct string) (Format, error) {
	mt, _, _ := strings.Cut(ct, ";")
	switch strings.ToLower(strings.TrimSpace(mt)) {
	case "", ContentTypeJSON, "text/json":
		return FormatJSON, nil
	case ContentTypeCBOR:
		return FormatCBOR, nil
	default:
		return "", fmt.Errorf("%w: %q", errors.ErrUnsupportedType, ct)
	}
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Time: cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 65536,
		MaxNestedLevels:  8,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// wireSample is the ingest shape of a sample. A client-supplied timestamp
// is not part of it: arrival time is assigned by the server.
type wireSample struct {
	DeviceID *string `json:"deviceId" cbor:"deviceId"`

	CPUUsage    *float64 `json:"cpuUsage" cbor:"cpuUsage"`
	MemoryUsage *float64 `json:"memoryUsage" cbor:"memoryUsage"`
	DiskUsage   *float64 `json:"diskUsage" cbor:"diskUsage"`

	BytesSentPerSec      *int64 `json:"bytesSentPerSec,omitempty" cbor:"bytesSentPerSec,omitempty"`
	BytesRecvPerSec      *int64 `json:"bytesRecvPerSec,omitempty" cbor:"bytesRecvPerSec,omitempty"`
	DiskReadBytesPerSec  *int64 `json:"diskReadBytesPerSec,omitempty" cbor:"diskReadBytesPerSec,omitempty"`
	DiskWriteBytesPerSec *int64 `json:"diskWriteBytesPerSec,omitempty" cbor:"diskWriteBytesPerSec,omitempty"`

	LatencyMs           *float64 `json:"latencyMs,omitempty" cbor:"latencyMs,omitempty"`
	SystemUptimeSeconds *float64 `json:"systemUptimeSeconds,omitempty" cbor:"systemUptimeSeconds,omitempty"`
}

func (w *wireSample) toSample() (types.Sample, *errors.ValidationErrors) {
	errs := errors.NewValidationErrors()
	s := types.Sample{
		BytesSentPerSec:      w.BytesSentPerSec,
		BytesRecvPerSec:      w.BytesRecvPerSec,
		DiskReadBytesPerSec:  w.DiskReadBytesPerSec,
		DiskWriteBytesPerSec: w.DiskWriteBytesPerSec,
		LatencyMs:            w.LatencyMs,
		SystemUptimeSeconds:  w.SystemUptimeSeconds,
	}

	if w.DeviceID == nil {
		errs.AddMissing("deviceId")
	} else {
		s.DeviceID = *w.DeviceID
	}
	required := []struct {
		name string
		src  *float64
		dst  *float64
	}{
		{"cpuUsage", w.CPUUsage, &s.CPUUsage},
		{"memoryUsage", w.MemoryUsage, &s.MemoryUsage},
		{"diskUsage", w.DiskUsage, &s.DiskUsage},
	}
	for _, f := range required {
		if f.src == nil {
			errs.AddMissing(f.name)
			continue
		}
		*f.dst = *f.src
	}
	return s, errs
}

func fromSample(s *types.Sample) wireSample {
	id := s.DeviceID
	cpu, mem, disk := s.CPUUsage, s.MemoryUsage, s.DiskUsage
	return wireSample{
		DeviceID:             &id,
		CPUUsage:             &cpu,
		MemoryUsage:          &mem,
		DiskUsage:            &disk,
		BytesSentPerSec:      s.BytesSentPerSec,
		BytesRecvPerSec:      s.BytesRecvPerSec,
		DiskReadBytesPerSec:  s.DiskReadBytesPerSec,
		DiskWriteBytesPerSec: s.DiskWriteBytesPerSec,
		LatencyMs:            s.LatencyMs,
		SystemUptimeSeconds:  s.SystemUptimeSeconds,
	}
}

// DecodeSamples decodes a payload holding one sample or an array.
//
// Syntax errors wrap ErrInvalidPayload. Missing required fields are
// reported together as a ValidationErrors, each prefixed with the
// sample's position. Range checks are left to the ingestion boundary.
func DecodeSamples(data []byte, f Format) ([]types.Sample, error) {
	var (
		batch []wireSample
		err   error
	)
	switch f {
	case FormatJSON:
		batch, err = decodeJSON(data)
	case FormatCBOR:
		batch, err = decodeCBOR(data)
	default:
		return nil, fmt.Errorf("%w: format %q", errors.ErrUnsupportedType, f)
	}
	if err != nil {
		return nil, err
	}

	out := make([]types.Sample, 0, len(batch))
	errs := errors.NewValidationErrors()
	for i := range batch {
		s, missing := batch[i].toSample()
		errs.AddPrefixed(fmt.Sprintf("samples[%d]", i), missing)
		out = append(out, s)
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeJSON(data []byte) ([]wireSample, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", errors.ErrInvalidPayload)
	}

	if trimmed[0] == '[' {
		var batch []wireSample
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrInvalidPayload, err)
		}
		return batch, nil
	}

	var one wireSample
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidPayload, err)
	}
	return []wireSample{one}, nil
}

// CBOR major type 4 is an array.
func isCBORArray(b byte) bool { return b>>5 == 4 }

func decodeCBOR(data []byte) ([]wireSample, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", errors.ErrInvalidPayload)
	}

	if isCBORArray(data[0]) {
		var batch []wireSample
		if err := decMode.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrInvalidPayload, err)
		}
		return batch, nil
	}

	var one wireSample
	if err := decMode.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidPayload, err)
	}
	return []wireSample{one}, nil
}

// EncodeSamples encodes samples as an array in format f. Timestamps are
// omitted.
func EncodeSamples(samples []types.Sample, f Format) ([]byte, error) {
	batch := make([]wireSample, len(samples))
	for i := range samples {
		batch[i] = fromSample(&samples[i])
	}

	switch f {
	case FormatJSON:
		return json.Marshal(batch)
	case FormatCBOR:
		return encMode.Marshal(batch)
	default:
		return nil, fmt.Errorf("%w: format %q", errors.ErrUnsupportedType, f)
	}
}

// EncodeSample encodes one sample as a bare object in format f.
func EncodeSample(s types.Sample, f Format) ([]byte, error) {
	one := fromSample(&s)
	switch f {
	case FormatJSON:
		return json.Marshal(one)
	case FormatCBOR:
		return encMode.Marshal(one)
	default:
		return nil, fmt.Errorf("%w: format %q", errors.ErrUnsupportedType, f)
	}
}

// Marshal encodes any value with the package's CBOR options.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data with the package's limits.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
