// Package archive moves aged samples out of the durable store into
// Parquet files.
//
// Every interval the Archiver prunes rows older than the retention
// period, keeping each device's newest row so that status derivation
// still sees every known device. Pruned rows are written to one
// <dir>/samples-<from>-<to>.parquet file per run before they are
// deleted; if the file cannot be written nothing is deleted.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/sentinel/config"
	"github.com/xtxerr/sentinel/internal/clock"
	"github.com/xtxerr/sentinel/internal/errors"
	"github.com/xtxerr/sentinel/internal/logging"
	"github.com/xtxerr/sentinel/internal/storage/backend"
	"github.com/xtxerr/sentinel/internal/storage/types"
)

var log = logging.Component("archive")

const fileTimeLayout = "20060102T150405.000Z"

// Options configures an Archiver.
type Options struct {
	Dir         string
	Retention   time.Duration
	Interval    time.Duration
	Compression CompressionType
	Clock       clock.Clock
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	c, _ := ParseCompressionType(config.DefaultArchiveCompression)
	return Options{
		Dir:         config.DefaultArchiveDir,
		Retention:   config.DefaultArchiveRetention,
		Interval:    config.DefaultArchiveInterval,
		Compression: c,
	}
}

// Result describes one archive run.
type Result struct {
	Cutoff time.Time
	Rows   int
	File   string // empty when nothing was archived
}

// Stats holds archiver statistics.
type Stats struct {
	Runs         atomic.Int64
	RowsArchived atomic.Int64
	Files        atomic.Int64
	Errors       atomic.Int64
}

// Archiver periodically prunes a store into Parquet files.
type Archiver struct {
	store backend.Pruner
	opts  Options

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stats Stats
}

// New creates an archiver.
func New(store backend.Pruner, opts Options) (*Archiver, error) {
	if opts.Dir == "" {
		return nil, errors.NewMissingField("archive.dir")
	}
	if opts.Retention <= 0 {
		return nil, errors.NewInvalidValue("archive.retention", opts.Retention, "must be positive")
	}
	if opts.Interval <= 0 {
		return nil, errors.NewInvalidValue("archive.interval", opts.Interval, "must be positive")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Archiver{store: store, opts: opts, ctx: ctx, cancel: cancel}, nil
}

// Start runs the archiver in the background until Stop.
func (a *Archiver) Start() error {
	if !a.running.CompareAndSwap(false, true) {
		return fmt.Errorf("archiver already running: %w", errors.ErrInvalidState)
	}

	a.wg.Add(1)
	go a.worker()

	log.Info("archiver started",
		"dir", a.opts.Dir,
		"retention", a.opts.Retention,
		"interval", a.opts.Interval)
	return nil
}

// Stop stops the worker and waits for a run in progress.
func (a *Archiver) Stop() {
	if !a.running.CompareAndSwap(true, false) {
		return
	}
	a.cancel()
	a.wg.Wait()
	log.Info("archiver stopped", "rows_archived", a.stats.RowsArchived.Load())
}

func (a *Archiver) worker() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.RunOnce(a.ctx); err != nil && a.ctx.Err() == nil {
				log.Error("archive run failed", "error", err)
			}
		}
	}
}

// RunOnce archives everything older than the retention period.
func (a *Archiver) RunOnce(ctx context.Context) (Result, error) {
	a.stats.Runs.Add(1)
	result := Result{Cutoff: a.opts.Clock.Now().Add(-a.opts.Retention).UTC()}

	n, err := a.store.Prune(ctx, result.Cutoff, func(samples []types.Sample) error {
		if len(samples) == 0 {
			return nil
		}
		path, err := a.writeFile(samples)
		if err != nil {
			return err
		}
		result.File = path
		return nil
	})
	if err != nil {
		a.stats.Errors.Add(1)
		if result.File != "" {
			// The delete was rolled back; the rows are still in the store.
			os.Remove(result.File)
			result.File = ""
		}
		return result, errors.Wrap(err, "prune")
	}

	result.Rows = n
	if n > 0 {
		a.stats.RowsArchived.Add(int64(n))
		a.stats.Files.Add(1)
		log.Info("archived samples", "rows", n, "file", result.File, "cutoff", result.Cutoff)
	}
	return result, nil
}

// writeFile writes samples to a new archive file named after their
// time range. The file is written under a temporary name and renamed
// once complete.
func (a *Archiver) writeFile(samples []types.Sample) (string, error) {
	from, to := samples[0].Timestamp, samples[0].Timestamp
	for i := range samples {
		if samples[i].Timestamp.Before(from) {
			from = samples[i].Timestamp
		}
		if samples[i].Timestamp.After(to) {
			to = samples[i].Timestamp
		}
	}

	base := fmt.Sprintf("samples-%s-%s", from.UTC().Format(fileTimeLayout), to.UTC().Format(fileTimeLayout))
	final := filepath.Join(a.opts.Dir, base+".parquet")
	for i := 1; fileExists(final); i++ {
		final = filepath.Join(a.opts.Dir, fmt.Sprintf("%s-%d.parquet", base, i))
	}
	tmp := final + ".tmp"

	w, err := NewWriter(tmp, a.opts.Compression)
	if err != nil {
		return "", err
	}
	if err := w.Write(samples); err != nil {
		w.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := w.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename archive: %w", err)
	}
	return final, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// StatsSnapshot is a copy of Stats.
type StatsSnapshot struct {
	Runs         int64
	RowsArchived int64
	Files        int64
	Errors       int64
}

// Stats returns archiver statistics.
func (a *Archiver) Stats() StatsSnapshot {
	return StatsSnapshot{
		Runs:         a.stats.Runs.Load(),
		RowsArchived: a.stats.RowsArchived.Load(),
		Files:        a.stats.Files.Load(),
		Errors:       a.stats.Errors.Load(),
	}
}

// FileInfo describes one archive file.
type FileInfo struct {
	Name string
	Path string
	Size int64
	From time.Time
	To   time.Time
}

// ListFiles lists archive files in dir, oldest first.
func ListFiles(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []FileInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".parquet" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		fi := FileInfo{Name: name, Path: filepath.Join(dir, name), Size: info.Size()}
		fi.From, fi.To, _ = ParseFileName(name)
		files = append(files, fi)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Name < files[j].Name
	})
	return files, nil
}

// ParseFileName extracts the time range from an archive file name.
func ParseFileName(name string) (from, to time.Time, err error) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	rest, ok := strings.CutPrefix(base, "samples-")
	if !ok {
		return from, to, fmt.Errorf("not an archive file: %s", name)
	}
	n := len(fileTimeLayout)
	if len(rest) < 2*n+1 || rest[n] != '-' {
		return from, to, fmt.Errorf("not an archive file: %s", name)
	}
	if from, err = time.Parse(fileTimeLayout, rest[:n]); err != nil {
		return from, to, err
	}
	to, err = time.Parse(fileTimeLayout, rest[n+1:2*n+1])
	return from, to, err
}

// FormatBytes formats bytes as a human-readable string.
func FormatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
