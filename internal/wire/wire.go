// Package wire provides framing for the live-stream TCP protocol.
//
// Every frame is a google.protobuf.Struct, length-delimited with
// protobuf's varint prefix. The "type" field selects the frame kind:
//
//	subscribe   client -> server   {type, topic}
//	subscribed  server -> client   {type, topic, subscription}
//	sample      server -> client   {type, topic, sample{...}}
//	heartbeat   server -> client   {type, time}
//	error       server -> client   {type, message}
package wire

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/sentinel/config"
	"github.com/xtxerr/sentinel/internal/errors"
	"github.com/xtxerr/sentinel/internal/storage/types"
)

// Frame types.
const (
	TypeSubscribe  = "subscribe"
	TypeSubscribed = "subscribed"
	TypeSample     = "sample"
	TypeHeartbeat  = "heartbeat"
	TypeError      = "error"
)

// Reader reads length-delimited frames from an io.Reader.
// It is safe for concurrent use.
type Reader struct {
	r  *bufio.Reader
	mu sync.Mutex
}

// NewReader creates a Reader wrapping the given io.Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Read reads and unmarshals the next frame.
// Returns an error if the frame exceeds DefaultMaxFrameSize.
func (r *Reader) Read() (*structpb.Struct, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f := &structpb.Struct{}
	opts := protodelim.UnmarshalOptions{
		MaxSize: config.DefaultMaxFrameSize,
	}
	if err := opts.UnmarshalFrom(r.r, f); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return f, nil
}

// Writer writes length-delimited frames to an io.Writer.
// It is safe for concurrent use.
type Writer struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriter creates a Writer wrapping the given io.Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write marshals and writes a frame with length prefix.
func (w *Writer) Write(f *structpb.Struct) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := protodelim.MarshalTo(w.w, f); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Conn combines Reader and Writer for bidirectional communication.
type Conn struct {
	*Reader
	*Writer
}

// NewConn creates a Conn from an io.ReadWriter (e.g., net.Conn).
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{
		Reader: NewReader(rw),
		Writer: NewWriter(rw),
	}
}

// =============================================================================
// Frame Constructors
// =============================================================================

func mustStruct(m map[string]any) *structpb.Struct {
	s, err := structpb.NewStruct(m)
	if err != nil {
		// Only called with string, float64 and nested map values.
		panic(err)
	}
	return s
}

// NewSubscribe creates a subscribe frame.
func NewSubscribe(topic string) *structpb.Struct {
	return mustStruct(map[string]any{"type": TypeSubscribe, "topic": topic})
}

// NewSubscribed acknowledges a subscription.
func NewSubscribed(topic, id string) *structpb.Struct {
	return mustStruct(map[string]any{"type": TypeSubscribed, "topic": topic, "subscription": id})
}

// NewHeartbeat creates a heartbeat frame.
func NewHeartbeat(t time.Time) *structpb.Struct {
	return mustStruct(map[string]any{"type": TypeHeartbeat, "time": t.UTC().Format(time.RFC3339Nano)})
}

// NewError creates an error frame.
func NewError(msg string) *structpb.Struct {
	return mustStruct(map[string]any{"type": TypeError, "message": msg})
}

// NewErrorf creates an error frame with a formatted message.
func NewErrorf(format string, args ...any) *structpb.Struct {
	return NewError(fmt.Sprintf(format, args...))
}

// NewSample creates a sample frame. Unreported optional metrics are
// left out of the nested struct.
func NewSample(topic string, s types.Sample) *structpb.Struct {
	sample := map[string]any{
		"deviceId":  s.DeviceID,
		"timestamp": s.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	for _, m := range types.AllMetrics() {
		if v, ok := m.Value(&s); ok {
			sample[string(m)] = v
		}
	}
	return mustStruct(map[string]any{"type": TypeSample, "topic": topic, "sample": sample})
}

// =============================================================================
// Frame Accessors
// =============================================================================

// Type returns the frame's type, or "" if absent.
func Type(f *structpb.Struct) string {
	return stringField(f, "type")
}

// Topic returns the frame's topic, or "" if absent.
func Topic(f *structpb.Struct) string {
	return stringField(f, "topic")
}

// Message returns an error frame's message.
func Message(f *structpb.Struct) string {
	return stringField(f, "message")
}

func stringField(f *structpb.Struct, name string) string {
	if f == nil {
		return ""
	}
	return f.GetFields()[name].GetStringValue()
}

// Sample extracts the sample from a sample frame.
func Sample(f *structpb.Struct) (types.Sample, error) {
	if Type(f) != TypeSample {
		return types.Sample{}, fmt.Errorf("%w: frame type %q is not %q", errors.ErrInvalidPayload, Type(f), TypeSample)
	}
	inner := f.GetFields()["sample"].GetStructValue()
	if inner == nil {
		return types.Sample{}, fmt.Errorf("%w: sample frame without sample", errors.ErrInvalidPayload)
	}
	fields := inner.GetFields()

	s := types.Sample{DeviceID: fields["deviceId"].GetStringValue()}
	if ts := fields["timestamp"].GetStringValue(); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return types.Sample{}, fmt.Errorf("%w: timestamp: %v", errors.ErrInvalidPayload, err)
		}
		s.Timestamp = t
	}

	num := func(name string) (float64, bool) {
		v, ok := fields[name]
		if !ok {
			return 0, false
		}
		_, isNum := v.GetKind().(*structpb.Value_NumberValue)
		return v.GetNumberValue(), isNum
	}
	integer := func(name string) *int64 {
		if v, ok := num(name); ok {
			return types.Int64(int64(v))
		}
		return nil
	}
	float := func(name string) *float64 {
		if v, ok := num(name); ok {
			return types.Float64(v)
		}
		return nil
	}

	s.CPUUsage, _ = num(string(types.MetricCPUUsage))
	s.MemoryUsage, _ = num(string(types.MetricMemoryUsage))
	s.DiskUsage, _ = num(string(types.MetricDiskUsage))
	s.BytesSentPerSec = integer(string(types.MetricBytesSentPerSec))
	s.BytesRecvPerSec = integer(string(types.MetricBytesRecvPerSec))
	s.DiskReadBytesPerSec = integer(string(types.MetricDiskReadBytesPerSec))
	s.DiskWriteBytesPerSec = integer(string(types.MetricDiskWriteBytesPerSec))
	s.LatencyMs = float(string(types.MetricLatencyMs))
	s.SystemUptimeSeconds = float(string(types.MetricSystemUptimeSeconds))
	return s, nil
}
