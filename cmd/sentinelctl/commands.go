package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	flag "github.com/spf13/pflag"

	"github.com/xtxerr/sentinel/config"
	"github.com/xtxerr/sentinel/internal/client"
	"github.com/xtxerr/sentinel/internal/errors"
	"github.com/xtxerr/sentinel/internal/fanout"
	"github.com/xtxerr/sentinel/internal/storage/archive"
	"github.com/xtxerr/sentinel/internal/storage/types"
)

// app runs sentinelctl commands against one server.
type app struct {
	client     *client.Client
	streamAddr string
	archiveDir string
	jsonOut    bool
	timeout    time.Duration
	out        io.Writer
	now        func() time.Time
}

type command struct {
	name string
	args string
	help string
	run  func(a *app, ctx context.Context, args []string) error
}

var commands []command

// commands is assigned in init because help refers back to it.
func init() {
	commands = []command{
		{name: "status", args: "[device]", help: "show device liveness", run: (*app).status},
		{name: "devices", help: "list known device ids", run: (*app).devices},
		{name: "history", args: "<device> [--since] [--until] [--limit]", help: "show persisted samples, newest first", run: (*app).history},
		{name: "summary", args: "<device> [--since]", help: "show percentile summaries", run: (*app).summary},
		{name: "watch", args: "<device|*>", help: "follow live samples over the TCP stream", run: (*app).watch},
		{name: "health", help: "check server health", run: (*app).health},
		{name: "archive", args: "ls [dir] | cat <file> [--limit]", help: "inspect Parquet archive files", run: (*app).archive},
		{name: "help", help: "show this help", run: (*app).help},
	}
}

func findCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

// exec runs one command line.
func (a *app) exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return nil
	}
	cmd, ok := findCommand(args[0])
	if !ok {
		return fmt.Errorf("unknown command %q (try \"help\")", args[0])
	}
	if cmd.name != "watch" && a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	return cmd.run(a, ctx, args[1:])
}

func (a *app) help(_ context.Context, _ []string) error {
	fmt.Fprintln(a.out, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(a.out, "  %-8s %-40s %s\n", c.name, c.args, c.help)
	}
	fmt.Fprintln(a.out, "\nTimes accept RFC 3339 or a duration ago (15m, 2h).")
	return nil
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func (a *app) table(header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(a.out)
	t.SetHeader(header)
	t.SetAutoFormatHeaders(false)
	t.SetAutoWrapText(false)
	t.SetBorder(false)
	t.SetHeaderLine(false)
	t.SetColumnSeparator("")
	t.SetCenterSeparator("")
	t.SetRowSeparator("")
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetTablePadding("  ")
	t.SetNoWhiteSpace(true)
	return t
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =============================================================================
// Server queries
// =============================================================================

func (a *app) status(ctx context.Context, args []string) error {
	var statuses []types.DeviceStatus
	if len(args) > 0 {
		st, err := a.client.Status(ctx, args[0])
		if err != nil {
			return err
		}
		statuses = []types.DeviceStatus{st}
	} else {
		var err error
		if statuses, err = a.client.Statuses(ctx); err != nil {
			return err
		}
	}

	if a.jsonOut {
		return a.printJSON(statuses)
	}
	if len(statuses) == 0 {
		fmt.Fprintln(a.out, "no devices")
		return nil
	}

	online := 0
	t := a.table("DEVICE", "STATE", "LAST HEARTBEAT", "AGE")
	for _, st := range statuses {
		state := "offline"
		if st.Online {
			state = "online"
			online++
		}
		t.Append([]string{
			st.DeviceID,
			state,
			st.LastSeen.Local().Format(time.DateTime),
			formatAge(a.now().Sub(st.LastSeen)),
		})
	}
	t.Render()
	if len(args) == 0 {
		fmt.Fprintf(a.out, "\n%d of %d online\n", online, len(statuses))
	}
	return nil
}

func (a *app) devices(ctx context.Context, _ []string) error {
	ids, err := a.client.Devices(ctx)
	if err != nil {
		return err
	}
	if a.jsonOut {
		return a.printJSON(ids)
	}
	for _, id := range ids {
		fmt.Fprintln(a.out, id)
	}
	return nil
}

func (a *app) history(ctx context.Context, args []string) error {
	fs := newFlagSet("history")
	since := fs.String("since", "", "oldest arrival time")
	until := fs.String("until", "", "newest arrival time")
	limit := fs.IntP("limit", "n", 20, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: history <device> [--since] [--until] [--limit]")
	}

	q := client.HistoryQuery{Limit: *limit}
	var err error
	if q.Since, err = parseWhen(*since, a.now()); err != nil {
		return err
	}
	if q.Until, err = parseWhen(*until, a.now()); err != nil {
		return err
	}

	samples, err := a.client.History(ctx, fs.Arg(0), q)
	if err != nil {
		return err
	}
	if a.jsonOut {
		return a.printJSON(samples)
	}
	if len(samples) == 0 {
		fmt.Fprintln(a.out, "no samples")
		return nil
	}
	a.renderSamples(samples, false)
	return nil
}

func (a *app) renderSamples(samples []types.Sample, withDevice bool) {
	header := []string{"TIME", "CPU%", "MEM%", "DISK%", "TX/s", "RX/s", "LATENCY"}
	if withDevice {
		header = append([]string{"DEVICE"}, header...)
	}
	t := a.table(header...)
	for i := range samples {
		t.Append(sampleRow(&samples[i], withDevice))
	}
	t.Render()
}

func sampleRow(s *types.Sample, withDevice bool) []string {
	row := []string{
		s.Timestamp.Local().Format("2006-01-02 15:04:05.000"),
		formatPercent(s.CPUUsage),
		formatPercent(s.MemoryUsage),
		formatPercent(s.DiskUsage),
		formatRate(s.BytesSentPerSec),
		formatRate(s.BytesRecvPerSec),
		"-",
	}
	if s.LatencyMs != nil {
		row[6] = strconv.FormatFloat(*s.LatencyMs, 'f', 1, 64) + "ms"
	}
	if withDevice {
		row = append([]string{s.DeviceID}, row...)
	}
	return row
}

func (a *app) summary(ctx context.Context, args []string) error {
	fs := newFlagSet("summary")
	since := fs.String("since", "", "window start (default: the last hour)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: summary <device> [--since]")
	}
	from, err := parseWhen(*since, a.now())
	if err != nil {
		return err
	}

	sum, err := a.client.Summary(ctx, fs.Arg(0), from)
	if err != nil {
		return err
	}
	if a.jsonOut {
		return a.printJSON(sum)
	}

	fmt.Fprintf(a.out, "%s: %d samples, %s .. %s\n\n", sum.DeviceID, sum.Samples,
		sum.From.Local().Format(time.DateTime), sum.To.Local().Format(time.DateTime))
	if len(sum.Metrics) == 0 {
		return nil
	}
	t := a.table("METRIC", "COUNT", "MIN", "AVG", "MAX", "P50", "P90", "P95", "P99")
	for _, m := range sum.Metrics {
		t.Append([]string{
			string(m.Metric),
			strconv.FormatInt(m.Count, 10),
			formatFloat(m.Min),
			formatFloat(m.Avg),
			formatFloat(m.Max),
			formatOptional(m.P50),
			formatOptional(m.P90),
			formatOptional(m.P95),
			formatOptional(m.P99),
		})
	}
	t.Render()
	return nil
}

func (a *app) health(ctx context.Context, _ []string) error {
	if err := a.client.Health(ctx); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s: ok\n", a.client.ServerURL())
	return nil
}

// watch prints live samples until ctx is done.
func (a *app) watch(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: watch <device|*>")
	}
	if a.streamAddr == "" {
		return fmt.Errorf("no stream address (use --stream)")
	}
	topic := fanout.AllDevices
	if args[0] != "*" {
		topic = fanout.DeviceTopic(args[0])
	}

	fmt.Fprintf(a.out, "watching %s on %s (Ctrl-C to stop)\n", topic, a.streamAddr)
	err := client.Watch(ctx, client.StreamConfig{Addr: a.streamAddr, Topic: topic}, func(s types.Sample) error {
		if a.jsonOut {
			return json.NewEncoder(a.out).Encode(s)
		}
		row := sampleRow(&s, true)
		_, err := fmt.Fprintln(a.out, strings.Join(row, "  "))
		return err
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// =============================================================================
// Archive files
// =============================================================================

func (a *app) archive(_ context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: archive ls [dir] | archive cat <file> [--limit]")
	}
	switch args[0] {
	case "ls":
		dir := a.archiveDir
		if len(args) > 1 {
			dir = args[1]
		}
		return a.archiveList(dir)
	case "cat":
		return a.archiveCat(args[1:])
	default:
		return fmt.Errorf("unknown archive command %q", args[0])
	}
}

func (a *app) archiveList(dir string) error {
	files, err := archive.ListFiles(dir)
	if err != nil {
		return err
	}
	if a.jsonOut {
		return a.printJSON(files)
	}
	if len(files) == 0 {
		fmt.Fprintf(a.out, "no archive files in %s\n", dir)
		return nil
	}
	t := a.table("FILE", "SIZE", "FROM", "TO")
	var total int64
	for _, f := range files {
		total += f.Size
		t.Append([]string{
			f.Name,
			archive.FormatBytes(f.Size),
			f.From.Local().Format(time.DateTime),
			f.To.Local().Format(time.DateTime),
		})
	}
	t.Render()
	fmt.Fprintf(a.out, "\n%d files, %s\n", len(files), archive.FormatBytes(total))
	return nil
}

func (a *app) archiveCat(args []string) error {
	fs := newFlagSet("archive cat")
	limit := fs.IntP("limit", "n", 0, "maximum rows (0 = all)")
	device := fs.StringP("device", "d", "", "only this device")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: archive cat <file> [--limit] [--device]")
	}

	samples, err := archive.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	if *device != "" {
		kept := samples[:0]
		for _, s := range samples {
			if s.DeviceID == *device {
				kept = append(kept, s)
			}
		}
		samples = kept
	}
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})
	if *limit > 0 && len(samples) > *limit {
		samples = samples[:*limit]
	}

	if a.jsonOut {
		return a.printJSON(samples)
	}
	a.renderSamples(samples, true)
	fmt.Fprintf(a.out, "\n%d rows\n", len(samples))
	return nil
}

// =============================================================================
// Formatting
// =============================================================================

// parseWhen accepts RFC 3339 or a duration meaning that long ago. A
// leading minus sign is optional.
func parseWhen(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(strings.TrimPrefix(s, "-"))
	if err != nil {
		return time.Time{}, errors.NewInvalidValue("time", s, "want RFC 3339 or a duration such as 15m")
	}
	return now.Add(-d), nil
}

func formatAge(d time.Duration) string {
	switch {
	case d < 0:
		return "0s"
	case d < time.Hour:
		return d.Truncate(time.Second).String()
	case d < 48*time.Hour:
		return d.Truncate(time.Minute).String()
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func formatPercent(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return "-"
	}
	return formatFloat(*v)
}

func formatRate(v *int64) string {
	if v == nil {
		return "-"
	}
	return archive.FormatBytes(*v)
}

// defaultStreamAddr pairs the server URL's host with the default
// stream port.
func defaultStreamAddr(serverURL string) string {
	_, port, _ := net.SplitHostPort(config.DefaultStreamListenAddress)
	host := "localhost"
	if u, err := url.Parse(serverURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	return net.JoinHostPort(host, port)
}
