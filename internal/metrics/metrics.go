// Package metrics exposes pipeline statistics as Prometheus collectors.
//
// Counters and gauges read the components' own atomic statistics at
// scrape time, so the hot path pays nothing for them. Only the flush
// duration histogram is fed directly, from the writer's OnFlush hook.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtxerr/sentinel/internal/fanout"
	"github.com/xtxerr/sentinel/internal/logging"
	"github.com/xtxerr/sentinel/internal/status"
	"github.com/xtxerr/sentinel/internal/storage"
	"github.com/xtxerr/sentinel/internal/storage/archive"
	"github.com/xtxerr/sentinel/internal/storage/ingestion"
	"github.com/xtxerr/sentinel/internal/storage/queue"
	"github.com/xtxerr/sentinel/internal/storage/writer"
)

var log = logging.Component("metrics")

const namespace = "sentinel"

// Sources supplies statistics snapshots. Nil fields are skipped.
type Sources struct {
	Queue     func() queue.Stats
	Writer    func() writer.StatsSnapshot
	Ingestion func() ingestion.StatsSnapshot
	Hub       func() fanout.StatsSnapshot
	Archive   func() archive.StatsSnapshot
	Online    func(ctx context.Context) (online, total int, err error)
}

// SourcesFor builds Sources from the running components. agg may be nil.
func SourcesFor(svc *storage.Service, hub *fanout.Hub, agg *status.Aggregator) Sources {
	src := Sources{
		Queue:     svc.Queue().Stats,
		Writer:    svc.Writer().Stats,
		Ingestion: svc.Ingestion().Stats,
		Hub:       hub.Stats,
	}
	if a := svc.Archiver(); a != nil {
		src.Archive = a.Stats
	}
	if agg != nil {
		src.Online = agg.Online
	}
	return src
}

// Metrics owns the collectors registered on one registry.
type Metrics struct {
	reg           prometheus.Registerer
	flushDuration *prometheus.HistogramVec
}

// New creates the flush histogram and registers it on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reg: reg,
		flushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "flush_duration_seconds",
			Help:      "Duration of batch insert calls.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"reason", "result"}),
	}
	reg.MustRegister(m.flushDuration)
	return m
}

// ObserveFlush records one flush attempt. It matches writer.Config.OnFlush.
func (m *Metrics) ObserveFlush(r writer.FlushResult) {
	result := "ok"
	if r.Err != nil {
		result = "error"
	}
	m.flushDuration.WithLabelValues(string(r.Reason), result).Observe(r.Duration.Seconds())
}

func counter(subsystem, name, help string, fn func() float64) prometheus.Collector {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, fn)
}

func gauge(subsystem, name, help string, fn func() float64) prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, fn)
}

// Register registers scrape-time collectors for every non-nil source.
func (m *Metrics) Register(src Sources) error {
	var cs []prometheus.Collector

	if src.Queue != nil {
		q := src.Queue
		cs = append(cs,
			gauge("queue", "depth", "Samples waiting for the writer.", func() float64 { return float64(q().Depth) }),
			gauge("queue", "peak_depth", "Highest queue depth seen.", func() float64 { return float64(q().Peak) }),
			counter("queue", "enqueued_total", "Samples enqueued.", func() float64 { return float64(q().Enqueued) }),
			counter("queue", "rejected_total", "Enqueues refused after shutdown began.", func() float64 { return float64(q().Rejected) }),
		)
	}

	if src.Writer != nil {
		w := src.Writer
		cs = append(cs,
			counter("writer", "samples_persisted_total", "Samples persisted.", func() float64 { return float64(w().SamplesPersisted) }),
			counter("writer", "batches_flushed_total", "Successful flushes.", func() float64 { return float64(w().BatchesFlushed) }),
			counter("writer", "flush_failures_total", "Failed flushes.", func() float64 { return float64(w().FlushFailures) }),
			counter("writer", "samples_lost_total", "Samples dropped after a failed final flush.", func() float64 { return float64(w().SamplesLost) }),
			counter("writer", "panics_total", "Panics recovered during a flush.", func() float64 { return float64(w().Panics) }),
			gauge("writer", "pending_samples", "Samples held in the current batch.", func() float64 { return float64(w().Pending) }),
			gauge("writer", "state", "Writer state: 0 idle, 1 running, 2 draining, 3 stopped.", func() float64 { return float64(w().State) }),
		)
	}

	if src.Ingestion != nil {
		in := src.Ingestion
		cs = append(cs,
			counter("ingest", "requests_total", "Ingest requests.", func() float64 { return float64(in().Requests) }),
			counter("ingest", "requests_rejected_total", "Ingest requests refused.", func() float64 { return float64(in().RequestsRejected) }),
			counter("ingest", "samples_accepted_total", "Samples accepted.", func() float64 { return float64(in().SamplesAccepted) }),
			counter("ingest", "samples_rejected_total", "Samples refused.", func() float64 { return float64(in().SamplesRejected) }),
		)
	}

	if src.Hub != nil {
		h := src.Hub
		cs = append(cs,
			counter("fanout", "published_total", "Samples published.", func() float64 { return float64(h().Published) }),
			counter("fanout", "delivered_total", "Per-subscriber deliveries.", func() float64 { return float64(h().Delivered) }),
			counter("fanout", "dropped_total", "Per-subscriber drops on a full buffer.", func() float64 { return float64(h().Dropped) }),
			gauge("fanout", "subscribers", "Live subscriptions.", func() float64 { return float64(h().Subscribers) }),
		)
	}

	if src.Archive != nil {
		a := src.Archive
		cs = append(cs,
			counter("archive", "rows_total", "Rows moved to Parquet.", func() float64 { return float64(a().RowsArchived) }),
			counter("archive", "files_total", "Archive files written.", func() float64 { return float64(a().Files) }),
			counter("archive", "errors_total", "Failed archive runs.", func() float64 { return float64(a().Errors) }),
		)
	}

	if src.Online != nil {
		online := src.Online
		read := func(pick func(online, total int) int) func() float64 {
			return func() float64 {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				on, total, err := online(ctx)
				if err != nil {
					log.Debug("device gauge read failed", "error", err)
					return 0
				}
				return float64(pick(on, total))
			}
		}
		cs = append(cs,
			gauge("status", "devices_online", "Devices seen within the liveness window.", read(func(on, _ int) int { return on })),
			gauge("status", "devices_known", "Devices with at least one persisted sample.", read(func(_, total int) int { return total })),
		)
	}

	for _, c := range cs {
		if err := m.reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
