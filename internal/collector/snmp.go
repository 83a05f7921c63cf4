package collector

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"

	defaults "github.com/xtxerr/sentinel/config"
	"github.com/xtxerr/sentinel/internal/errors"
	"github.com/xtxerr/sentinel/internal/storage/types"
)

// UCD-SNMP-MIB and SNMPv2-MIB objects.
const (
	oidSysUpTime     = ".1.3.6.1.2.1.1.3.0"
	oidSsCPUIdle     = ".1.3.6.1.4.1.2021.11.11.0"
	oidMemTotalReal  = ".1.3.6.1.4.1.2021.4.5.0"
	oidMemAvailReal  = ".1.3.6.1.4.1.2021.4.6.0"
	oidMemBuffer     = ".1.3.6.1.4.1.2021.4.14.0"
	oidMemCached     = ".1.3.6.1.4.1.2021.4.15.0"
	oidDskPercentCol = ".1.3.6.1.4.1.2021.9.1.9."
)

// SNMPConfig holds SNMP v2c poll configuration.
type SNMPConfig struct {
	Target    string
	Port      uint16
	Community string

	Timeout time.Duration
	Retries int

	// DiskIndex is the dskTable row reported as diskUsage.
	DiskIndex int
}

// getter is the part of gosnmp.GoSNMP the collector uses.
type getter interface {
	Get(oids []string) (*gosnmp.SnmpPacket, error)
}

// SNMP polls a remote device. It is not safe for concurrent Collect
// calls on the same device, and does not need to be: the agent loop is
// sequential.
type SNMP struct {
	cfg SNMPConfig

	mu        sync.Mutex
	client    *gosnmp.GoSNMP
	get       getter
	connected bool
}

// NewSNMP validates cfg and prepares a client. The UDP socket is opened
// on the first Collect.
func NewSNMP(cfg SNMPConfig) (*SNMP, error) {
	if cfg.Target == "" {
		return nil, errors.NewMissingField("snmp.target")
	}
	if cfg.Community == "" {
		return nil, fmt.Errorf("%w: SNMP v2c requires a community string", errors.ErrInvalidConfig)
	}
	if cfg.Port == 0 {
		cfg.Port = defaults.DefaultSNMPPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Duration(defaults.DefaultSNMPTimeoutMs) * time.Millisecond
	}
	if cfg.Retries < 0 {
		cfg.Retries = defaults.DefaultSNMPRetries
	}
	if cfg.DiskIndex <= 0 {
		cfg.DiskIndex = 1
	}

	client := &gosnmp.GoSNMP{
		Target:    cfg.Target,
		Port:      cfg.Port,
		Community: cfg.Community,
		Version:   gosnmp.Version2c,
		Timeout:   cfg.Timeout,
		Retries:   cfg.Retries,
		MaxOids:   gosnmp.MaxOids,
	}
	return &SNMP{cfg: cfg, client: client, get: client}, nil
}

func (c *SNMP) oids() []string {
	return []string{
		oidSsCPUIdle,
		oidMemTotalReal,
		oidMemAvailReal,
		oidMemBuffer,
		oidMemCached,
		c.diskOID(),
		oidSysUpTime,
	}
}

func (c *SNMP) diskOID() string {
	return oidDskPercentCol + strconv.Itoa(c.cfg.DiskIndex)
}

// Collect performs one GET of every object. The poll round trip is
// reported as latencyMs.
func (c *SNMP) Collect(ctx context.Context) (types.Sample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.client.Context = ctx
		if !c.connected {
			if err := c.client.Connect(); err != nil {
				return types.Sample{}, fmt.Errorf("%w: connect %s: %v", errors.ErrConnectionFailed, c.cfg.Target, err)
			}
			c.connected = true
		}
	}

	start := time.Now()
	pkt, err := c.get.Get(c.oids())
	if err != nil {
		if isTimeoutError(err) {
			return types.Sample{}, fmt.Errorf("%w: get %s: %v", errors.ErrTimeout, c.cfg.Target, err)
		}
		return types.Sample{}, fmt.Errorf("%w: get %s: %v", errors.ErrSNMPError, c.cfg.Target, err)
	}
	rtt := time.Since(start)

	s, err := parseUCD(pkt.Variables, c.diskOID())
	if err != nil {
		return types.Sample{}, err
	}
	s.LatencyMs = types.Float64(float64(rtt.Microseconds()) / 1000)
	return s, nil
}

// Close closes the UDP socket.
func (c *SNMP) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected && c.client.Conn != nil {
		c.connected = false
		return c.client.Conn.Close()
	}
	return nil
}

// parseUCD maps the GET response to a sample.
func parseUCD(vars []gosnmp.SnmpPDU, diskOID string) (types.Sample, error) {
	values := make(map[string]float64, len(vars))
	for _, v := range vars {
		if n, ok := pduNumber(v); ok {
			values[normalizeOID(v.Name)] = n
		}
	}

	missing := []string{}
	need := func(oid, name string) float64 {
		v, ok := values[oid]
		if !ok {
			missing = append(missing, name)
		}
		return v
	}

	idle := need(oidSsCPUIdle, "ssCpuIdle")
	total := need(oidMemTotalReal, "memTotalReal")
	avail := need(oidMemAvailReal, "memAvailReal")
	disk := need(diskOID, "dskPercent")
	if len(missing) > 0 {
		return types.Sample{}, fmt.Errorf("%w: device did not return %s", errors.ErrSNMPError, strings.Join(missing, ", "))
	}

	s := types.Sample{
		CPUUsage:  clampPercent(100 - idle),
		DiskUsage: clampPercent(disk),
	}
	if total > 0 {
		// Buffers and page cache are reclaimable; count them as free.
		used := total - avail - values[oidMemBuffer] - values[oidMemCached]
		s.MemoryUsage = clampPercent(used / total * 100)
	}
	if ticks, ok := values[oidSysUpTime]; ok {
		s.SystemUptimeSeconds = types.Float64(ticks / 100)
	}
	return s, nil
}

func normalizeOID(oid string) string {
	if !strings.HasPrefix(oid, ".") {
		return "." + oid
	}
	return oid
}

// pduNumber extracts a numeric value. NoSuchObject and NoSuchInstance
// report false.
func pduNumber(v gosnmp.SnmpPDU) (float64, bool) {
	switch v.Type {
	case gosnmp.Integer, gosnmp.Counter32, gosnmp.Counter64, gosnmp.Gauge32,
		gosnmp.Uinteger32, gosnmp.TimeTicks:
		return float64(gosnmp.ToBigInt(v.Value).Int64()), true
	case gosnmp.OctetString:
		// Some agents return dskPercent and friends as strings.
		b, ok := v.Value.([]byte)
		if !ok {
			return 0, false
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "request timeout") ||
		strings.Contains(msg, "context deadline exceeded")
}
