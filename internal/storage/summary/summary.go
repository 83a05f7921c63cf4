// Package summary computes per-metric statistics over a device's
// persisted samples, with DDSketch percentiles.
package summary

import (
	"context"
	"math"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/sentinel/config"
	"github.com/xtxerr/sentinel/internal/clock"
	"github.com/xtxerr/sentinel/internal/errors"
	"github.com/xtxerr/sentinel/internal/storage/backend"
	"github.com/xtxerr/sentinel/internal/storage/types"
)

// DefaultAccuracy is the sketch's relative accuracy.
const DefaultAccuracy = 0.01

// Aggregate maintains running statistics for one metric.
// It is not safe for concurrent use.
type Aggregate struct {
	metric types.Metric

	count int64
	sum   float64
	min   float64
	max   float64

	// nil if the sketch could not be created
	sketch *ddsketch.DDSketch
}

// NewAggregate creates an empty aggregate for metric.
func NewAggregate(metric types.Metric, accuracy float64) *Aggregate {
	agg := &Aggregate{
		metric: metric,
		min:    math.MaxFloat64,
		max:    -math.MaxFloat64,
	}
	if sketch, err := ddsketch.NewDefaultDDSketch(accuracy); err == nil {
		agg.sketch = sketch
	}
	return agg
}

// Add adds a value.
func (a *Aggregate) Add(value float64) {
	a.count++
	a.sum += value
	if value < a.min {
		a.min = value
	}
	if value > a.max {
		a.max = value
	}
	if a.sketch != nil {
		a.sketch.Add(value)
	}
}

// AddSample adds the sample's value for this metric, if reported.
func (a *Aggregate) AddSample(s *types.Sample) {
	if v, ok := a.metric.Value(s); ok {
		a.Add(v)
	}
}

// Count returns the number of values added.
func (a *Aggregate) Count() int64 {
	return a.count
}

// Result returns the summary.
func (a *Aggregate) Result() types.Summary {
	result := types.Summary{Metric: a.metric, Count: a.count}
	if a.count == 0 {
		return result
	}

	result.Avg = a.sum / float64(a.count)
	result.Min = a.min
	result.Max = a.max

	if a.sketch != nil {
		p50, _ := a.sketch.GetValueAtQuantile(0.50)
		p90, _ := a.sketch.GetValueAtQuantile(0.90)
		p95, _ := a.sketch.GetValueAtQuantile(0.95)
		p99, _ := a.sketch.GetValueAtQuantile(0.99)
		// The sketch is only relatively accurate; keep results within
		// the observed range.
		result.SetPercentiles(clamp(p50, a.min, a.max), clamp(p90, a.min, a.max),
			clamp(p95, a.min, a.max), clamp(p99, a.min, a.max))
	}
	return result
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Summarize computes a DeviceSummary over samples. Metrics never
// reported by any sample are omitted.
func Summarize(deviceID string, samples []types.Sample) types.DeviceSummary {
	out := types.DeviceSummary{DeviceID: deviceID, Samples: len(samples), Metrics: []types.Summary{}}

	aggs := make([]*Aggregate, 0, len(types.AllMetrics()))
	for _, m := range types.AllMetrics() {
		aggs = append(aggs, NewAggregate(m, DefaultAccuracy))
	}

	for i := range samples {
		s := &samples[i]
		if out.From.IsZero() || s.Timestamp.Before(out.From) {
			out.From = s.Timestamp
		}
		if s.Timestamp.After(out.To) {
			out.To = s.Timestamp
		}
		for _, agg := range aggs {
			agg.AddSample(s)
		}
	}

	for _, agg := range aggs {
		if agg.Count() > 0 {
			out.Metrics = append(out.Metrics, agg.Result())
		}
	}
	return out
}

// Querier reads persisted history.
type Querier interface {
	QuerySamples(ctx context.Context, q backend.Query) ([]types.Sample, error)
}

// Service summarizes stored history on demand.
type Service struct {
	store Querier
	clock clock.Clock
}

// NewService creates a summary service.
func NewService(store Querier, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{store: store, clock: clk}
}

// Device summarizes a device's samples that arrived since the given
// time (a zero since means the last hour). At most MaxHistoryLimit of
// the newest samples are considered. A device without samples in the
// window yields ErrDeviceNotFound.
func (s *Service) Device(ctx context.Context, deviceID string, since time.Time) (types.DeviceSummary, error) {
	if since.IsZero() {
		since = s.clock.Now().Add(-time.Hour)
	}
	q := backend.Query{DeviceID: deviceID, Since: since, Limit: config.MaxHistoryLimit}
	if err := q.Validate(); err != nil {
		return types.DeviceSummary{}, err
	}

	samples, err := s.store.QuerySamples(ctx, q)
	if err != nil {
		return types.DeviceSummary{}, errors.Wrapf(err, "summarize %s", deviceID)
	}
	if len(samples) == 0 {
		return types.DeviceSummary{}, errors.Wrapf(errors.ErrDeviceNotFound, "no samples for %q since %s", deviceID, since.Format(time.RFC3339))
	}
	return Summarize(deviceID, samples), nil
}
