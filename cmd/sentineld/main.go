// sentineld is the telemetry ingestion server daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/sentinel/internal/clock"
	"github.com/xtxerr/sentinel/internal/config"
	"github.com/xtxerr/sentinel/internal/fanout"
	"github.com/xtxerr/sentinel/internal/handler"
	"github.com/xtxerr/sentinel/internal/logging"
	"github.com/xtxerr/sentinel/internal/metrics"
	"github.com/xtxerr/sentinel/internal/server"
	"github.com/xtxerr/sentinel/internal/status"
	"github.com/xtxerr/sentinel/internal/storage"
	"github.com/xtxerr/sentinel/internal/storage/summary"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Component("sentineld")

func main() {
	// CLI flags
	cfgPath := flag.StringP("config", "c", "", "config file path (YAML)")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before SENTINEL_* overrides")
	listen := flag.String("listen", "", "HTTP listen address (overrides config)")
	streamListen := flag.String("stream-listen", "", "TCP stream listen address (overrides config, \"off\" disables)")
	driver := flag.String("driver", "", "storage driver: duckdb, postgres, influx, memory (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	logJSON := flag.Bool("log-json", false, "log as JSON")
	printConfig := flag.Bool("print-config", false, "print the effective config and exit")
	version := flag.BoolP("version", "v", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println("sentineld", Version)
		return
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "sentineld: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentineld: %v\n", err)
		os.Exit(1)
	}

	// CLI overrides
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *streamListen == "off" {
		cfg.Server.StreamListen = ""
	} else if *streamListen != "" {
		cfg.Server.StreamListen = *streamListen
	}
	if *driver != "" {
		cfg.Storage.Driver = *driver
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logJSON {
		cfg.Logging.JSON = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "sentineld: %v\n", err)
		os.Exit(1)
	}

	if *printConfig {
		out, err := cfg.Marshal()
		if err != nil {
			fmt.Fprintf(os.Stderr, "sentineld: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		return
	}

	level, _ := logging.ParseLevel(cfg.Logging.Level)
	logging.Init(level, cfg.Logging.JSON)

	if err := run(cfg); err != nil {
		log.Error("sentineld failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log.Info("sentineld starting", "version", Version, "driver", cfg.Storage.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// =========================================================================
	// Storage pipeline
	// =========================================================================

	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	store, err := storage.OpenBackend(openCtx, cfg.Storage)
	cancel()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	hub := fanout.NewHub(cfg.Pipeline.SubscriberBuffer)
	defer hub.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	clk := clock.Real()
	svc, err := storage.New(store, storage.Options{
		Pipeline:  cfg.Pipeline,
		Archive:   cfg.Archive,
		Clock:     clk,
		Publisher: hub,
		OnFlush:   m.ObserveFlush,
	})
	if err != nil {
		store.Close()
		return fmt.Errorf("create storage service: %w", err)
	}
	if err := svc.Start(); err != nil {
		store.Close()
		return fmt.Errorf("start storage service: %w", err)
	}
	// Stop is idempotent; this covers early returns below.
	defer svc.Stop()

	agg := status.New(svc.Store(), clk, cfg.Status.LivenessWindow)
	if err := m.Register(metrics.SourcesFor(svc, hub, agg)); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	// =========================================================================
	// Listeners
	// =========================================================================

	if level, _ := logging.ParseLevel(cfg.Logging.Level); level > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}
	api := handler.NewAPI(handler.Deps{
		Ingest:  svc.Ingestion(),
		Status:  agg,
		History: svc.Store(),
		Summary: summary.NewService(svc.Store(), clk),
		Hub:     hub,
		Health:  svc,
		Metrics: metrics.Handler(reg),
	}, handler.Options{
		MaxBodySize:      cfg.Server.MaxBodySize,
		CORSOrigins:      cfg.Server.CORSOrigins,
		StreamHeartbeat:  cfg.Server.StreamHeartbeat,
		SubscriberBuffer: cfg.Pipeline.SubscriberBuffer,
	})

	httpSrv := server.NewHTTP(server.HTTPConfig{
		Listen:       cfg.Server.Listen,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, handler.NewRouter(api))
	// Closing the hub ends open SSE streams so Shutdown need not wait
	// for those clients to hang up.
	httpSrv.OnShutdown(hub.Close)
	if err := httpSrv.Start(); err != nil {
		return fmt.Errorf("start http: %w", err)
	}

	var streamSrv *server.StreamServer
	if cfg.Server.StreamListen != "" {
		streamSrv = server.NewStream(server.StreamConfig{
			Listen:    cfg.Server.StreamListen,
			Heartbeat: cfg.Server.StreamHeartbeat,
			Buffer:    cfg.Pipeline.SubscriberBuffer,
		}, hub)
		if err := streamSrv.Start(); err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			httpSrv.Shutdown(shutdownCtx)
			cancel()
			return fmt.Errorf("start stream listener: %w", err)
		}
	}

	log.Info("sentineld ready",
		"http", httpSrv.Addr().String(),
		"stream", cfg.Server.StreamListen,
		"liveness_window", agg.Window(),
		"archive", svc.Archiver() != nil)

	// =========================================================================
	// Run until signalled, then shut down in order: hub and listeners,
	// writer drain and final flush, archiver, store.
	// =========================================================================

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case err := <-httpSrv.Done():
			if err != nil {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if streamSrv != nil {
			streamSrv.Shutdown()
		}
		if err := svc.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("storage stop: %w", err))
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	ws := svc.Writer().Stats()
	log.Info("sentineld stopped", "persisted", ws.SamplesPersisted, "lost", ws.SamplesLost)
	return err
}
