// sentinelctl is the operator CLI for sentineld.
//
// Usage:
//
//	sentinelctl [flags] <command> [args]
//	sentinelctl [flags]            # interactive shell when stdin is a terminal
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/xtxerr/sentinel/config"
	"github.com/xtxerr/sentinel/internal/client"
	iconfig "github.com/xtxerr/sentinel/internal/config"
	"github.com/xtxerr/sentinel/internal/logging"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	serverURL := flag.StringP("server", "s", "", "sentineld base URL (default $SENTINEL_SERVER_URL or "+config.DefaultServerURL+")")
	streamAddr := flag.String("stream", "", "sentineld TCP stream address (default: server host, port 9180)")
	archiveDir := flag.String("archive-dir", config.DefaultArchiveDir, "archive directory for \"archive ls\"")
	jsonOut := flag.BoolP("json", "j", false, "print JSON instead of tables")
	timeout := flag.Duration("timeout", 10*time.Second, "per-command timeout (watch excluded)")
	retries := flag.Int("retries", 1, "retries for failed requests")
	verbose := flag.Bool("verbose", false, "log requests and retries")
	version := flag.BoolP("version", "v", false, "print version and exit")
	flag.SetInterspersed(false)
	flag.Usage = usage
	flag.Parse()

	if *version {
		fmt.Println("sentinelctl", Version)
		return
	}

	if err := iconfig.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "sentinelctl: %v\n", err)
		os.Exit(1)
	}
	if *serverURL == "" {
		*serverURL = os.Getenv(iconfig.EnvPrefix + "SERVER_URL")
	}
	if *serverURL == "" {
		*serverURL = config.DefaultServerURL
	}
	if *streamAddr == "" {
		*streamAddr = os.Getenv(iconfig.EnvPrefix + "STREAM_ADDR")
	}
	if *streamAddr == "" {
		*streamAddr = defaultStreamAddr(*serverURL)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logging.InitWriter(os.Stderr, level, false)

	c, err := client.New(client.Config{
		ServerURL:  *serverURL,
		MaxRetries: *retries,
		Timeout:    *timeout,
		Quiet:      !*verbose,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentinelctl: %v\n", err)
		os.Exit(2)
	}

	a := &app{
		client:     c,
		streamAddr: *streamAddr,
		archiveDir: *archiveDir,
		jsonOut:    *jsonOut,
		timeout:    *timeout,
		out:        os.Stdout,
		now:        time.Now,
	}

	args := flag.Args()
	if len(args) == 0 || args[0] == "shell" {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			usage()
			os.Exit(2)
		}
		runShell(a)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.exec(ctx, args); err != nil {
		fmt.Fprintf(os.Stderr, "sentinelctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: sentinelctl [flags] <command> [args]\n\n")
	a := &app{out: os.Stderr}
	a.help(context.Background(), nil)
	fmt.Fprintf(os.Stderr, "  %-8s %-40s %s\n", "shell", "", "interactive shell (default on a terminal)")
	fmt.Fprintf(os.Stderr, "\nFlags:\n")
	flag.PrintDefaults()
}
