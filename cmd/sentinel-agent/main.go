// sentinel-agent collects device metrics and submits them to sentineld.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/xtxerr/sentinel/internal/agent"
	"github.com/xtxerr/sentinel/internal/client"
	"github.com/xtxerr/sentinel/internal/codec"
	"github.com/xtxerr/sentinel/internal/collector"
	"github.com/xtxerr/sentinel/internal/config"
	"github.com/xtxerr/sentinel/internal/logging"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Component("sentinel-agent")

func main() {
	cfgPath := flag.StringP("config", "c", "", "config file path (YAML)")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before SENTINEL_* overrides")
	serverURL := flag.StringP("server", "s", "", "sentineld base URL (overrides config)")
	deviceID := flag.StringP("device", "d", "", "device id (default: hostname, or the SNMP target)")
	interval := flag.DurationP("interval", "i", 0, "collection interval (overrides config)")
	collectorName := flag.String("collector", "", "collector: local or snmp (overrides config)")
	snmpTarget := flag.String("snmp-target", "", "SNMP agent host for the snmp collector")
	format := flag.String("format", "", "payload format: json or cbor (overrides config)")
	compress := flag.Bool("compress", false, "gzip the payload")
	once := flag.Bool("once", false, "collect and submit one sample, then exit")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	version := flag.BoolP("version", "v", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println("sentinel-agent", Version)
		return
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		fatal(err)
	}

	// Flags are applied through the environment so that LoadAgent's
	// device id defaulting sees them.
	setEnv := func(name, value string) {
		if value != "" {
			os.Setenv(config.EnvPrefix+name, value)
		}
	}
	setEnv("SERVER_URL", *serverURL)
	setEnv("DEVICE_ID", *deviceID)
	setEnv("AGENT_COLLECTOR", *collectorName)
	setEnv("SNMP_TARGET", *snmpTarget)
	setEnv("AGENT_FORMAT", *format)
	setEnv("LOG_LEVEL", *logLevel)
	if *interval > 0 {
		setEnv("AGENT_INTERVAL", interval.String())
	}
	if *compress {
		setEnv("AGENT_COMPRESS", "true")
	}

	cfg, err := config.LoadAgent(*cfgPath)
	if err != nil {
		fatal(err)
	}

	level, _ := logging.ParseLevel(cfg.Logging.Level)
	logging.Init(level, cfg.Logging.JSON)

	if err := run(cfg, *once); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("agent failed", "error", err)
		os.Exit(1)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "sentinel-agent: %v\n", err)
	os.Exit(1)
}

func run(cfg *config.AgentConfig, once bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	col, err := collector.New(cfg)
	if err != nil {
		return fmt.Errorf("create collector: %w", err)
	}
	defer col.Close()

	f, err := codec.ParseFormat(cfg.Format)
	if err != nil {
		return err
	}
	encoding := codec.EncodingIdentity
	if cfg.Compress {
		encoding = codec.EncodingGzip
	}

	c, err := client.New(client.Config{
		ServerURL:  cfg.ServerURL,
		Format:     f,
		Encoding:   encoding,
		MaxRetries: cfg.MaxRetries,
		Timeout:    cfg.Timeout,
	})
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	a, err := agent.New(agent.Config{
		DeviceID: cfg.DeviceID,
		Interval: cfg.Interval,
	}, col, c)
	if err != nil {
		return err
	}

	log.Info("sentinel-agent starting",
		"version", Version,
		"server", c.ServerURL(),
		"device", cfg.DeviceID,
		"collector", cfg.Collector,
		"format", f,
		"encoding", encoding)

	if once {
		return a.Tick(ctx)
	}
	return a.Run(ctx)
}
