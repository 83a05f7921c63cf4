package summary

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/xtxerr/sentinel/internal/clock"
	"github.com/xtxerr/sentinel/internal/errors"
	"github.com/xtxerr/sentinel/internal/storage/types"
	testutil "github.com/xtxerr/sentinel/internal/testing"
)

func TestAggregate_Basic(t *testing.T) {
	agg := NewAggregate(types.MetricCPUUsage, DefaultAccuracy)
	if got := agg.Result(); !got.IsEmpty() || got.P50 != nil {
		t.Fatalf("empty aggregate result = %+v", got)
	}

	for _, v := range []float64{10, 20, 30} {
		agg.Add(v)
	}

	r := agg.Result()
	if r.Count != 3 || r.Min != 10 || r.Max != 30 {
		t.Errorf("result = %+v", r)
	}
	if math.Abs(r.Avg-20) > 0.001 {
		t.Errorf("avg = %f, want 20", r.Avg)
	}
	if r.P50 == nil || math.Abs(*r.P50-20) > 20*0.02 {
		t.Errorf("p50 = %v, want ~20", r.P50)
	}
}

func TestAggregate_Percentiles(t *testing.T) {
	agg := NewAggregate(types.MetricMemoryUsage, DefaultAccuracy)
	for i := 1; i <= 100; i++ {
		agg.Add(float64(i))
	}
	r := agg.Result()

	checks := []struct {
		name string
		got  *float64
		want float64
	}{
		{"p50", r.P50, 50},
		{"p90", r.P90, 90},
		{"p95", r.P95, 95},
		{"p99", r.P99, 99},
	}
	for _, c := range checks {
		if c.got == nil {
			t.Fatalf("%s missing", c.name)
		}
		if math.Abs(*c.got-c.want) > c.want*0.03 {
			t.Errorf("%s = %f, want ~%f", c.name, *c.got, c.want)
		}
		if *c.got < r.Min || *c.got > r.Max {
			t.Errorf("%s = %f outside [%f, %f]", c.name, *c.got, r.Min, r.Max)
		}
	}
}

func TestSummarize_SkipsUnreportedMetrics(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := testutil.SampleAt("d1", 10, t0)
	b := testutil.SampleAt("d1", 30, t0.Add(time.Minute))
	b.LatencyMs = types.Float64(12.5)

	sum := Summarize("d1", []types.Sample{b, a})

	if sum.Samples != 2 || !sum.From.Equal(t0) || !sum.To.Equal(t0.Add(time.Minute)) {
		t.Errorf("summary header = %+v", sum)
	}

	byMetric := map[types.Metric]types.Summary{}
	for _, m := range sum.Metrics {
		byMetric[m.Metric] = m
	}
	if cpu := byMetric[types.MetricCPUUsage]; cpu.Count != 2 || cpu.Min != 10 || cpu.Max != 30 {
		t.Errorf("cpu = %+v", cpu)
	}
	if lat, ok := byMetric[types.MetricLatencyMs]; !ok || lat.Count != 1 || lat.Max != 12.5 {
		t.Errorf("latency = %+v (present %v)", lat, ok)
	}
	if _, ok := byMetric[types.MetricBytesSentPerSec]; ok {
		t.Error("unreported metric should be omitted")
	}
}

func TestService_Device(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store := testutil.NewFakeStore()
	store.BatchInsert(context.Background(), []types.Sample{
		testutil.SampleAt("d1", 50, now.Add(-2*time.Hour)),
		testutil.SampleAt("d1", 10, now.Add(-30*time.Minute)),
		testutil.SampleAt("d1", 20, now.Add(-10*time.Minute)),
	})
	svc := NewService(store, clock.NewFake(now))

	sum, err := svc.Device(context.Background(), "d1", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Samples != 2 {
		t.Errorf("default window should cover the last hour, got %d samples", sum.Samples)
	}

	sum, err = svc.Device(context.Background(), "d1", now.Add(-3*time.Hour))
	if err != nil || sum.Samples != 3 {
		t.Errorf("explicit since: %d samples, %v", sum.Samples, err)
	}

	if _, err := svc.Device(context.Background(), "ghost", time.Time{}); !errors.Is(err, errors.ErrDeviceNotFound) {
		t.Errorf("unknown device: %v", err)
	}
	if _, err := svc.Device(context.Background(), "", time.Time{}); !errors.IsValidation(err) {
		t.Errorf("empty id: %v", err)
	}
}
