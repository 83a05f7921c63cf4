package collector

import (
	"context"
	"fmt"
	"testing"

	"github.com/gosnmp/gosnmp"

	"github.com/xtxerr/sentinel/internal/config"
	"github.com/xtxerr/sentinel/internal/errors"
)

type fakeGetter struct {
	vars []gosnmp.SnmpPDU
	err  error
	oids []string
}

func (f *fakeGetter) Get(oids []string) (*gosnmp.SnmpPacket, error) {
	f.oids = oids
	if f.err != nil {
		return nil, f.err
	}
	return &gosnmp.SnmpPacket{Variables: f.vars}, nil
}

func ucdResponse(diskOID string) []gosnmp.SnmpPDU {
	return []gosnmp.SnmpPDU{
		{Name: oidSsCPUIdle, Type: gosnmp.Integer, Value: 85},
		{Name: oidMemTotalReal, Type: gosnmp.Integer, Value: 1000000},
		{Name: oidMemAvailReal, Type: gosnmp.Integer, Value: 300000},
		{Name: oidMemBuffer, Type: gosnmp.Integer, Value: 50000},
		{Name: oidMemCached, Type: gosnmp.Integer, Value: 150000},
		{Name: diskOID[1:], Type: gosnmp.Integer, Value: 63},
		{Name: oidSysUpTime, Type: gosnmp.TimeTicks, Value: uint32(123456)},
	}
}

func newTestSNMP(t *testing.T, g getter) *SNMP {
	t.Helper()
	c, err := NewSNMP(SNMPConfig{Target: "192.0.2.10", Community: "public", DiskIndex: 2})
	if err != nil {
		t.Fatalf("NewSNMP: %v", err)
	}
	c.client = nil
	c.get = g
	return c
}

func TestSNMP_Collect(t *testing.T) {
	g := &fakeGetter{}
	c := newTestSNMP(t, g)
	g.vars = ucdResponse(c.diskOID())

	s, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if s.CPUUsage != 15 {
		t.Errorf("cpu = %v, want 15", s.CPUUsage)
	}
	if s.MemoryUsage != 50 {
		t.Errorf("memory = %v, want 50", s.MemoryUsage)
	}
	if s.DiskUsage != 63 {
		t.Errorf("disk = %v, want 63", s.DiskUsage)
	}
	if s.SystemUptimeSeconds == nil || *s.SystemUptimeSeconds != 1234.56 {
		t.Errorf("uptime = %v, want 1234.56", s.SystemUptimeSeconds)
	}
	if s.LatencyMs == nil {
		t.Error("latency not reported")
	}
	if len(g.oids) != 7 || g.oids[5] != oidDskPercentCol+"2" {
		t.Errorf("requested oids = %v", g.oids)
	}
	if err := s.Validate(); err == nil {
		t.Error("sample without device id should not validate")
	}
}

func TestSNMP_MissingObjects(t *testing.T) {
	g := &fakeGetter{}
	c := newTestSNMP(t, g)
	g.vars = []gosnmp.SnmpPDU{
		{Name: oidSsCPUIdle, Type: gosnmp.NoSuchObject},
		{Name: oidMemTotalReal, Type: gosnmp.Integer, Value: 100},
		{Name: oidMemAvailReal, Type: gosnmp.Integer, Value: 50},
		{Name: c.diskOID(), Type: gosnmp.NoSuchInstance},
	}

	_, err := c.Collect(context.Background())
	if !errors.Is(err, errors.ErrSNMPError) {
		t.Fatalf("err = %v, want ErrSNMPError", err)
	}
}

func TestSNMP_GetErrors(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{fmt.Errorf("request timeout (after 2 retries)"), errors.ErrTimeout},
		{fmt.Errorf("connection refused"), errors.ErrSNMPError},
	}
	for _, tt := range tests {
		c := newTestSNMP(t, &fakeGetter{err: tt.err})
		if _, err := c.Collect(context.Background()); !errors.Is(err, tt.want) {
			t.Errorf("Collect with %v = %v, want %v", tt.err, err, tt.want)
		}
	}
}

func TestPDUNumber(t *testing.T) {
	tests := []struct {
		pdu  gosnmp.SnmpPDU
		want float64
		ok   bool
	}{
		{gosnmp.SnmpPDU{Type: gosnmp.Integer, Value: 42}, 42, true},
		{gosnmp.SnmpPDU{Type: gosnmp.Counter64, Value: uint64(1 << 40)}, 1 << 40, true},
		{gosnmp.SnmpPDU{Type: gosnmp.Gauge32, Value: uint(7)}, 7, true},
		{gosnmp.SnmpPDU{Type: gosnmp.OctetString, Value: []byte(" 12.5 ")}, 12.5, true},
		{gosnmp.SnmpPDU{Type: gosnmp.OctetString, Value: []byte("n/a")}, 0, false},
		{gosnmp.SnmpPDU{Type: gosnmp.NoSuchObject}, 0, false},
	}
	for i, tt := range tests {
		got, ok := pduNumber(tt.pdu)
		if ok != tt.ok || got != tt.want {
			t.Errorf("case %d: pduNumber = %v, %v; want %v, %v", i, got, ok, tt.want, tt.ok)
		}
	}
}

func TestNewSNMP_Validation(t *testing.T) {
	if _, err := NewSNMP(SNMPConfig{Community: "public"}); !errors.Is(err, errors.ErrMissingField) {
		t.Errorf("missing target: err = %v", err)
	}
	if _, err := NewSNMP(SNMPConfig{Target: "h"}); !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("missing community: err = %v", err)
	}
}

func TestNew_SelectsCollector(t *testing.T) {
	cfg := config.DefaultAgentConfig()
	cfg.Collector = "snmp"
	cfg.SNMP.Target = "192.0.2.1"
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New(snmp): %v", err)
	}
	if _, ok := c.(*SNMP); !ok {
		t.Errorf("got %T, want *SNMP", c)
	}

	cfg.Collector = "wmi"
	if _, err := New(cfg); !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("unknown collector: err = %v", err)
	}
}

func TestRate(t *testing.T) {
	if got := rate(1000, 3000, 2e9); got != 1000 {
		t.Errorf("rate = %d, want 1000", got)
	}
	if got := rate(3000, 1000, 2e9); got != 0 {
		t.Errorf("reset counter rate = %d, want 0", got)
	}
	if got := rate(0, 10, 0); got != 0 {
		t.Errorf("zero elapsed rate = %d, want 0", got)
	}
}
