package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/sentinel/internal/errors"
	"github.com/xtxerr/sentinel/internal/storage/types"
)

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// ParseCompressionType parses a compression name.
func ParseCompressionType(s string) (CompressionType, error) {
	switch strings.ToLower(s) {
	case "snappy":
		return CompressionSnappy, nil
	case "zstd", "":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	case "gzip":
		return CompressionGzip, nil
	case "none":
		return CompressionNone, nil
	default:
		return CompressionZstd, errors.NewInvalidValue("compression", s, "expected none, snappy, zstd, lz4 or gzip")
	}
}

func (c CompressionType) codec() compress.Codec {
	switch c {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// Row is a sample in Parquet form. Unreported optional metrics are
// stored as nulls.
type Row struct {
	DeviceID             string   `parquet:"device_id,dict"`
	TimestampMs          int64    `parquet:"timestamp_ms"`
	CPUUsage             float64  `parquet:"cpu_usage"`
	MemoryUsage          float64  `parquet:"memory_usage"`
	DiskUsage            float64  `parquet:"disk_usage"`
	BytesSentPerSec      *int64   `parquet:"bytes_sent_per_sec,optional"`
	BytesRecvPerSec      *int64   `parquet:"bytes_recv_per_sec,optional"`
	DiskReadBytesPerSec  *int64   `parquet:"disk_read_bytes_per_sec,optional"`
	DiskWriteBytesPerSec *int64   `parquet:"disk_write_bytes_per_sec,optional"`
	LatencyMs            *float64 `parquet:"latency_ms,optional"`
	SystemUptimeSeconds  *float64 `parquet:"system_uptime_seconds,optional"`
}

// SampleToRow converts a Sample to a Row.
func SampleToRow(s *types.Sample) Row {
	return Row{
		DeviceID:             s.DeviceID,
		TimestampMs:          s.TimestampMs(),
		CPUUsage:             s.CPUUsage,
		MemoryUsage:          s.MemoryUsage,
		DiskUsage:            s.DiskUsage,
		BytesSentPerSec:      s.BytesSentPerSec,
		BytesRecvPerSec:      s.BytesRecvPerSec,
		DiskReadBytesPerSec:  s.DiskReadBytesPerSec,
		DiskWriteBytesPerSec: s.DiskWriteBytesPerSec,
		LatencyMs:            s.LatencyMs,
		SystemUptimeSeconds:  s.SystemUptimeSeconds,
	}
}

// RowToSample converts a Row to a Sample.
func RowToSample(r *Row) types.Sample {
	return types.Sample{
		DeviceID:             r.DeviceID,
		Timestamp:            time.UnixMilli(r.TimestampMs).UTC(),
		CPUUsage:             r.CPUUsage,
		MemoryUsage:          r.MemoryUsage,
		DiskUsage:            r.DiskUsage,
		BytesSentPerSec:      r.BytesSentPerSec,
		BytesRecvPerSec:      r.BytesRecvPerSec,
		DiskReadBytesPerSec:  r.DiskReadBytesPerSec,
		DiskWriteBytesPerSec: r.DiskWriteBytesPerSec,
		LatencyMs:            r.LatencyMs,
		SystemUptimeSeconds:  r.SystemUptimeSeconds,
	}
}

// Writer writes samples to a Parquet file.
type Writer struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[Row]
	rowCount int64
	closed   bool
}

// NewWriter creates a Parquet writer at path.
func NewWriter(path string, compression CompressionType) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	return &Writer{
		path:   path,
		file:   f,
		writer: parquet.NewGenericWriter[Row](f, parquet.Compression(compression.codec())),
	}, nil
}

// Write appends samples.
func (w *Writer) Write(samples []types.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	rows := make([]Row, len(samples))
	for i := range samples {
		rows[i] = SampleToRow(&samples[i])
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	w.rowCount += int64(n)
	return nil
}

// Close flushes the footer and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("sync: %w", err)
	}
	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *Writer) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *Writer) Path() string {
	return w.path
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = errors.New("parquet writer is closed")

// Reader reads samples from a Parquet file.
type Reader struct {
	file   *os.File
	reader *parquet.GenericReader[Row]
	path   string
}

// OpenReader opens a Parquet archive file.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	pf, err := parquet.OpenFile(f, info.Size(), parquet.ReadBufferSize(1024*1024))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open parquet %s: %w", path, err)
	}
	return &Reader{
		file:   f,
		reader: parquet.NewGenericReader[Row](pf),
		path:   path,
	}, nil
}

// Read reads up to n samples. It returns io.EOF after the last row.
func (r *Reader) Read(n int) ([]types.Sample, error) {
	rows := make([]Row, n)
	count, err := r.reader.Read(rows)
	if err != nil && !(errors.Is(err, io.EOF) && count > 0) {
		return nil, err
	}

	samples := make([]types.Sample, count)
	for i := 0; i < count; i++ {
		samples[i] = RowToSample(&rows[i])
	}
	return samples, nil
}

// ReadAll reads every sample in the file.
func (r *Reader) ReadAll() ([]types.Sample, error) {
	out := make([]types.Sample, 0, r.reader.NumRows())
	for {
		batch, err := r.Read(4096)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if int64(len(out)) >= r.reader.NumRows() {
			return out, nil
		}
	}
}

// NumRows returns the number of rows in the file.
func (r *Reader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *Reader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *Reader) Path() string {
	return r.path
}

// ReadFile reads a whole archive file.
func ReadFile(path string) ([]types.Sample, error) {
	r, err := OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.ReadAll()
}
