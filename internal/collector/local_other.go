//go:build !linux

package collector

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/xtxerr/sentinel/internal/errors"
	"github.com/xtxerr/sentinel/internal/storage/types"
)

// LocalConfig locates the host's kernel interfaces.
type LocalConfig struct {
	ProcPath string
	SysPath  string
	DiskPath string
	Window   time.Duration
}

// Local is only implemented on Linux.
type Local struct{}

// NewLocal fails on this platform; use the snmp collector instead.
func NewLocal(LocalConfig) (*Local, error) {
	return nil, fmt.Errorf("%w: local collector on %s", errors.ErrUnsupportedProtocol, runtime.GOOS)
}

func (*Local) Collect(context.Context) (types.Sample, error) {
	return types.Sample{}, errors.ErrUnsupportedProtocol
}

func (*Local) Close() error { return nil }
