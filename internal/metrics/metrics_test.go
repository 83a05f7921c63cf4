package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xtxerr/sentinel/internal/fanout"
	"github.com/xtxerr/sentinel/internal/storage/ingestion"
	"github.com/xtxerr/sentinel/internal/storage/queue"
	"github.com/xtxerr/sentinel/internal/storage/writer"
)

func TestRegister_ReadsSources(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	err := m.Register(Sources{
		Queue: func() queue.Stats { return queue.Stats{Depth: 7, Enqueued: 100} },
		Writer: func() writer.StatsSnapshot {
			return writer.StatsSnapshot{State: writer.StateRunning, SamplesPersisted: 93, SamplesLost: 2}
		},
		Ingestion: func() ingestion.StatsSnapshot { return ingestion.StatsSnapshot{SamplesAccepted: 100} },
		Hub:       func() fanout.StatsSnapshot { return fanout.StatsSnapshot{Dropped: 4, Subscribers: 3} },
		Online: func(context.Context) (int, int, error) {
			return 2, 5, nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	expected := `
# HELP sentinel_queue_depth Samples waiting for the writer.
# TYPE sentinel_queue_depth gauge
sentinel_queue_depth 7
# HELP sentinel_writer_samples_lost_total Samples dropped after a failed final flush.
# TYPE sentinel_writer_samples_lost_total counter
sentinel_writer_samples_lost_total 2
# HELP sentinel_writer_state Writer state: 0 idle, 1 running, 2 draining, 3 stopped.
# TYPE sentinel_writer_state gauge
sentinel_writer_state 1
# HELP sentinel_fanout_dropped_total Per-subscriber drops on a full buffer.
# TYPE sentinel_fanout_dropped_total counter
sentinel_fanout_dropped_total 4
# HELP sentinel_status_devices_online Devices seen within the liveness window.
# TYPE sentinel_status_devices_online gauge
sentinel_status_devices_online 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"sentinel_queue_depth",
		"sentinel_writer_samples_lost_total",
		"sentinel_writer_state",
		"sentinel_fanout_dropped_total",
		"sentinel_status_devices_online",
	); err != nil {
		t.Fatal(err)
	}
}

func TestRegister_SkipsNilAndFailingSources(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	err := m.Register(Sources{
		Online: func(context.Context) (int, int, error) { return 0, 0, errors.New("store down") },
	})
	if err != nil {
		t.Fatal(err)
	}

	// histogram vec (no observations yet) + 2 device gauges
	n, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("gathered %d series, want 2", n)
	}
}

func TestRegister_Twice(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	src := Sources{Queue: func() queue.Stats { return queue.Stats{} }}
	if err := m.Register(src); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(src); err == nil {
		t.Error("duplicate registration should fail")
	}
}

func TestObserveFlush(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveFlush(writer.FlushResult{Reason: writer.ReasonSize, Samples: 20, Duration: 3 * time.Millisecond})
	m.ObserveFlush(writer.FlushResult{Reason: writer.ReasonIdle, Samples: 4, Duration: time.Millisecond, Err: errors.New("x")})

	if n := testutil.CollectAndCount(m.flushDuration); n != 2 {
		t.Errorf("histogram series = %d, want 2", n)
	}
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Register(Sources{Queue: func() queue.Stats { return queue.Stats{Depth: 1} }})

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sentinel_queue_depth 1") {
		t.Errorf("body missing queue depth:\n%s", rec.Body.String())
	}
}
