// Package collector produces metric samples for the device agent.
//
// Two collectors exist: Local reads this host's kernel counters, and
// SNMP polls a remote device through UCD-SNMP-MIB. Both report the three
// required utilisation metrics; Local also reports network and disk
// rates and uptime.
package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/xtxerr/sentinel/internal/config"
	"github.com/xtxerr/sentinel/internal/errors"
	"github.com/xtxerr/sentinel/internal/logging"
	"github.com/xtxerr/sentinel/internal/storage/types"
)

var log = logging.Component("collector")

// Collector produces one sample per call. DeviceID is left for the
// caller to fill in.
type Collector interface {
	Collect(ctx context.Context) (types.Sample, error)
	Close() error
}

// New builds the collector selected by cfg.Collector.
func New(cfg *config.AgentConfig) (Collector, error) {
	switch cfg.Collector {
	case "", "local":
		return NewLocal(LocalConfig{})
	case "snmp":
		return NewSNMP(SNMPConfig{
			Target:    cfg.SNMP.Target,
			Port:      cfg.SNMP.Port,
			Community: cfg.SNMP.Community,
			Timeout:   time.Duration(cfg.SNMP.TimeoutMs) * time.Millisecond,
			Retries:   cfg.SNMP.Retries,
			DiskIndex: cfg.SNMP.DiskIndex,
		})
	default:
		return nil, fmt.Errorf("%w: collector %q", errors.ErrInvalidConfig, cfg.Collector)
	}
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

// rate converts a counter delta into a per-second value. Counter resets
// yield zero rather than a negative rate.
func rate(prev, cur uint64, elapsed time.Duration) int64 {
	if cur < prev || elapsed <= 0 {
		return 0
	}
	return int64(float64(cur-prev) / elapsed.Seconds())
}
