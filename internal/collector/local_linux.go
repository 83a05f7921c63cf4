//go:build linux

package collector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/procfs"
	"github.com/prometheus/procfs/blockdevice"
	"golang.org/x/sys/unix"

	"github.com/xtxerr/sentinel/internal/storage/types"
)

const sectorSize = 512

// LocalConfig locates the host's kernel interfaces. Zero values use the
// real mount points.
type LocalConfig struct {
	ProcPath string
	SysPath  string

	// DiskPath is the filesystem whose usage is reported.
	DiskPath string

	// Window is how long the first Collect waits between its two
	// counter readings. Later calls measure since the previous call.
	Window time.Duration
}

// Local collects from /proc and statfs.
type Local struct {
	cfg   LocalConfig
	proc  procfs.FS
	block blockdevice.FS
	now   func() time.Time

	prev *counters
}

type counters struct {
	at       time.Time
	cpuTotal float64
	cpuIdle  float64
	netRx    uint64
	netTx    uint64
	diskRead uint64
	diskWrit uint64
}

// NewLocal opens the host's proc and sys filesystems.
func NewLocal(cfg LocalConfig) (*Local, error) {
	if cfg.ProcPath == "" {
		cfg.ProcPath = procfs.DefaultMountPoint
	}
	if cfg.SysPath == "" {
		cfg.SysPath = "/sys"
	}
	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}

	proc, err := procfs.NewFS(cfg.ProcPath)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	block, err := blockdevice.NewFS(cfg.ProcPath, cfg.SysPath)
	if err != nil {
		return nil, fmt.Errorf("open blockdevice fs: %w", err)
	}
	return &Local{cfg: cfg, proc: proc, block: block, now: time.Now}, nil
}

// Collect reads the current counters and derives the sample.
func (l *Local) Collect(ctx context.Context) (types.Sample, error) {
	if l.prev == nil {
		first, err := l.read()
		if err != nil {
			return types.Sample{}, err
		}
		l.prev = first

		select {
		case <-time.After(l.cfg.Window):
		case <-ctx.Done():
			return types.Sample{}, ctx.Err()
		}
	}

	cur, err := l.read()
	if err != nil {
		return types.Sample{}, err
	}
	prev := l.prev
	l.prev = cur

	s := types.Sample{}

	if dt := cur.cpuTotal - prev.cpuTotal; dt > 0 {
		busy := dt - (cur.cpuIdle - prev.cpuIdle)
		s.CPUUsage = clampPercent(busy / dt * 100)
	}

	mem, err := l.proc.Meminfo()
	if err != nil {
		return types.Sample{}, fmt.Errorf("read meminfo: %w", err)
	}
	if mem.MemTotal != nil && *mem.MemTotal > 0 {
		avail := uint64(0)
		switch {
		case mem.MemAvailable != nil:
			avail = *mem.MemAvailable
		case mem.MemFree != nil:
			avail = *mem.MemFree
		}
		s.MemoryUsage = clampPercent(float64(*mem.MemTotal-min(avail, *mem.MemTotal)) / float64(*mem.MemTotal) * 100)
	}

	disk, err := diskUsage(l.cfg.DiskPath)
	if err != nil {
		return types.Sample{}, err
	}
	s.DiskUsage = disk

	elapsed := cur.at.Sub(prev.at)
	s.BytesRecvPerSec = types.Int64(rate(prev.netRx, cur.netRx, elapsed))
	s.BytesSentPerSec = types.Int64(rate(prev.netTx, cur.netTx, elapsed))
	s.DiskReadBytesPerSec = types.Int64(rate(prev.diskRead, cur.diskRead, elapsed))
	s.DiskWriteBytesPerSec = types.Int64(rate(prev.diskWrit, cur.diskWrit, elapsed))

	if st, err := l.proc.Stat(); err == nil && st.BootTime > 0 {
		up := cur.at.Sub(time.Unix(int64(st.BootTime), 0)).Seconds()
		if up > 0 {
			s.SystemUptimeSeconds = types.Float64(up)
		}
	}

	return s, nil
}

func (l *Local) read() (*counters, error) {
	c := &counters{at: l.now()}

	st, err := l.proc.Stat()
	if err != nil {
		return nil, fmt.Errorf("read stat: %w", err)
	}
	t := st.CPUTotal
	c.cpuIdle = t.Idle + t.Iowait
	c.cpuTotal = t.User + t.Nice + t.System + t.Idle + t.Iowait + t.IRQ + t.SoftIRQ + t.Steal

	nd, err := l.proc.NetDev()
	if err != nil {
		return nil, fmt.Errorf("read net/dev: %w", err)
	}
	for name, line := range nd {
		if name == "lo" {
			continue
		}
		c.netRx += line.RxBytes
		c.netTx += line.TxBytes
	}

	disks, err := l.wholeDisks()
	if err != nil {
		return nil, err
	}
	stats, err := l.block.ProcDiskstats()
	if err != nil {
		return nil, fmt.Errorf("read diskstats: %w", err)
	}
	for _, d := range stats {
		if _, ok := disks[d.DeviceName]; !ok {
			continue
		}
		c.diskRead += d.ReadSectors * sectorSize
		c.diskWrit += d.WriteSectors * sectorSize
	}
	return c, nil
}

// wholeDisks lists block devices excluding partitions and virtual
// loop/ram devices, so that traffic is not counted twice.
func (l *Local) wholeDisks() (map[string]struct{}, error) {
	names, err := l.block.SysBlockDevices()
	if err != nil {
		return nil, fmt.Errorf("list block devices: %w", err)
	}
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		if strings.HasPrefix(n, "loop") || strings.HasPrefix(n, "ram") {
			continue
		}
		out[n] = struct{}{}
	}
	return out, nil
}

// diskUsage reports used space the way df does: used / (used + available
// to unprivileged users).
func diskUsage(path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	used := st.Blocks - st.Bfree
	denom := used + st.Bavail
	if denom == 0 {
		return 0, nil
	}
	return clampPercent(float64(used) / float64(denom) * 100), nil
}

// Close releases nothing; Local holds no open files between calls.
func (l *Local) Close() error { return nil }
