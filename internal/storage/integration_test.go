package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/sentinel/internal/clock"
	"github.com/xtxerr/sentinel/internal/config"
	"github.com/xtxerr/sentinel/internal/fanout"
	"github.com/xtxerr/sentinel/internal/status"
	"github.com/xtxerr/sentinel/internal/storage"
	"github.com/xtxerr/sentinel/internal/storage/backend"
	"github.com/xtxerr/sentinel/internal/storage/types"
	testutil "github.com/xtxerr/sentinel/internal/testing"
)

// TestIntegration_FullPipeline runs accept → publish → queue → writer →
// DuckDB → status.
func TestIntegration_FullPipeline(t *testing.T) {
	ctx := context.Background()

	cfg := config.DefaultConfig()
	cfg.Storage.DuckDB.Path = filepath.Join(t.TempDir(), "sentinel.duckdb")
	cfg.Pipeline.PollTimeout = 50 * time.Millisecond

	store, err := storage.OpenBackend(ctx, cfg.Storage)
	if err != nil {
		t.Fatalf("OpenBackend: %v", err)
	}

	clk := clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	hub := fanout.NewHub(cfg.Pipeline.SubscriberBuffer)
	sub := hub.Subscribe(fanout.DeviceTopic("router-01"), 64)
	defer sub.Close()

	svc, err := storage.New(store, storage.Options{
		Pipeline:  cfg.Pipeline,
		Clock:     clk,
		Publisher: hub,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	// 25 samples: one size-triggered batch and one idle batch.
	batch := testutil.Samples("router-01", 25)
	batch[3].LatencyMs = types.Float64(4.5)
	if _, err := svc.Ingestion().Accept(ctx, batch); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	clk.Advance(time.Second)
	if _, err := svc.Ingestion().AcceptOne(ctx, testutil.Sample("switch-02", 55)); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	// Live subscribers see samples before they are durable.
	if got := len(sub.C()); got != 25 {
		t.Errorf("subscriber buffered %d samples, want 25", got)
	}

	if err := testutil.Eventually(3*time.Second, 10*time.Millisecond, func() bool {
		return svc.Writer().Stats().SamplesPersisted == 26
	}); err != nil {
		t.Fatalf("persisted %d: %v", svc.Writer().Stats().SamplesPersisted, err)
	}
	if st := svc.Writer().Stats(); st.BatchesFlushed < 2 {
		t.Errorf("BatchesFlushed = %d, want at least 2", st.BatchesFlushed)
	}

	history, err := store.QuerySamples(ctx, backend.Query{DeviceID: "router-01", Limit: 5})
	if err != nil {
		t.Fatalf("QuerySamples: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("history = %d rows", len(history))
	}

	agg := status.New(store, clk, cfg.Status.LivenessWindow)
	clk.Advance(2 * time.Minute)
	statuses, err := agg.ListStatuses(ctx)
	if err != nil {
		t.Fatalf("ListStatuses: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("statuses = %+v", statuses)
	}
	// router-01 was last seen 121s ago, switch-02 120s ago: both offline.
	for _, st := range statuses {
		if st.Online {
			t.Errorf("%s should be offline", st.DeviceID)
		}
	}
}

// TestIntegration_ShutdownDrains checks that a stop right after a burst
// persists everything with one final flush.
func TestIntegration_ShutdownDrains(t *testing.T) {
	ctx := context.Background()

	cfg := config.DefaultConfig()
	cfg.Storage.DuckDB.Path = filepath.Join(t.TempDir(), "sentinel.duckdb")
	cfg.Pipeline.PollTimeout = time.Hour

	store, err := storage.OpenBackend(ctx, cfg.Storage)
	if err != nil {
		t.Fatal(err)
	}
	svc, err := storage.New(store, storage.Options{Pipeline: cfg.Pipeline})
	if err != nil {
		t.Fatal(err)
	}
	svc.Start()

	svc.Ingestion().Accept(ctx, testutil.Samples("d1", 7))
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	st := svc.Writer().Stats()
	if st.SamplesPersisted != 7 || st.SamplesLost != 0 {
		t.Errorf("writer stats = %+v", st)
	}

	// Reopen the file to check durability.
	reopened, err := storage.OpenBackend(ctx, cfg.Storage)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	rows, err := reopened.QuerySamples(ctx, backend.Query{DeviceID: "d1"})
	if err != nil || len(rows) != 7 {
		t.Errorf("reopened store has %d rows, %v", len(rows), err)
	}
}
