package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/sentinel/internal/client"
	"github.com/xtxerr/sentinel/internal/errors"
	"github.com/xtxerr/sentinel/internal/storage/archive"
	"github.com/xtxerr/sentinel/internal/storage/types"
	testutil "github.com/xtxerr/sentinel/internal/testing"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestApp(t *testing.T, h http.Handler) (*app, *bytes.Buffer) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := client.New(client.Config{ServerURL: srv.URL, MaxRetries: 0, Quiet: true})
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	var out bytes.Buffer
	return &app{
		client:  c,
		out:     &out,
		timeout: 5 * time.Second,
		now:     func() time.Time { return testNow },
	}, &out
}

func jsonHandler(status int, body any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	}
}

func TestStatusCommand(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("GET /api/metrics/status", jsonHandler(http.StatusOK, []map[string]any{
		{"deviceId": "d1", "lastHeartbeat": testNow.Add(-10 * time.Second), "online": true},
		{"deviceId": "d2", "lastHeartbeat": testNow.Add(-3 * time.Hour), "online": false},
	}))
	mux.Handle("GET /api/metrics/ghost/status", jsonHandler(http.StatusNotFound, map[string]string{"error": "not found"}))
	a, out := newTestApp(t, mux)

	if err := a.exec(context.Background(), []string{"status"}); err != nil {
		t.Fatalf("status: %v", err)
	}
	got := out.String()
	for _, want := range []string{"DEVICE", "d1", "online", "10s", "d2", "offline", "3h0m0s", "1 of 2 online"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}

	err := a.exec(context.Background(), []string{"status", "ghost"})
	if !errors.IsNotFound(err) {
		t.Errorf("status ghost: err = %v, want not found", err)
	}
}

func TestHistoryCommand(t *testing.T) {
	var query string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/metrics/d1", func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query().Encode()
		s := testutil.SampleAt("d1", 55.5, testNow)
		jsonHandler(http.StatusOK, []any{s})(w, r)
	})
	a, out := newTestApp(t, mux)

	if err := a.exec(context.Background(), []string{"history", "d1", "--since", "15m", "-n", "5"}); err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out.String(), "55.5") {
		t.Errorf("output missing cpu value:\n%s", out.String())
	}
	if !strings.Contains(query, "limit=5") || !strings.Contains(query, "since=2026-03-01T11%3A45%3A00Z") {
		t.Errorf("query = %q", query)
	}

	if err := a.exec(context.Background(), []string{"history"}); err == nil {
		t.Error("history without device should fail")
	}
}

func TestDevicesCommand_JSON(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("GET /api/metrics/devices", jsonHandler(http.StatusOK, []string{"a", "b"}))
	a, out := newTestApp(t, mux)
	a.jsonOut = true

	if err := a.exec(context.Background(), []string{"devices"}); err != nil {
		t.Fatalf("devices: %v", err)
	}
	var ids []string
	if err := json.Unmarshal(out.Bytes(), &ids); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if len(ids) != 2 || ids[0] != "a" {
		t.Errorf("ids = %v", ids)
	}
}

func TestUnknownCommand(t *testing.T) {
	a, _ := newTestApp(t, http.NotFoundHandler())
	if err := a.exec(context.Background(), []string{"frobnicate"}); err == nil {
		t.Error("expected error")
	}
}

func TestArchiveCommands(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "samples-20260301T000000.000Z-20260301T010000.000Z.parquet")

	w, err := archive.NewWriter(path, archive.CompressionZstd)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	err = w.Write([]types.Sample{
		testutil.SampleAt("d2", 30, testNow.Add(-2*time.Hour)),
		testutil.SampleAt("d1", 10, testNow.Add(-3*time.Hour)),
		testutil.SampleAt("d1", 20, testNow.Add(-time.Hour)),
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	a, out := newTestApp(t, http.NotFoundHandler())
	a.archiveDir = dir

	if err := a.exec(context.Background(), []string{"archive", "ls"}); err != nil {
		t.Fatalf("archive ls: %v", err)
	}
	if !strings.Contains(out.String(), "samples-20260301T000000.000Z") || !strings.Contains(out.String(), "1 files") {
		t.Errorf("ls output:\n%s", out.String())
	}

	out.Reset()
	if err := a.exec(context.Background(), []string{"archive", "cat", path, "--device", "d1"}); err != nil {
		t.Fatalf("archive cat: %v", err)
	}
	got := out.String()
	if strings.Contains(got, "d2") {
		t.Errorf("device filter ignored:\n%s", got)
	}
	if i, j := strings.Index(got, "10.0"), strings.Index(got, "20.0"); i < 0 || j < 0 || i > j {
		t.Errorf("rows not in time order:\n%s", got)
	}
	if !strings.Contains(got, "2 rows") {
		t.Errorf("missing row count:\n%s", got)
	}
}

func TestParseWhen(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"", time.Time{}, false},
		{"15m", testNow.Add(-15 * time.Minute), false},
		{"-2h", testNow.Add(-2 * time.Hour), false},
		{"2026-02-28T10:00:00Z", time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC), false},
		{"yesterday", time.Time{}, true},
	}
	for _, tt := range tests {
		got, err := parseWhen(tt.in, testNow)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseWhen(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseWhen(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDefaultStreamAddr(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://localhost:8080", "localhost:9180"},
		{"https://metrics.example.com", "metrics.example.com:9180"},
		{"http://[::1]:8080/", "[::1]:9180"},
		{"", "localhost:9180"},
	}
	for _, tt := range tests {
		if got := defaultStreamAddr(tt.in); got != tt.want {
			t.Errorf("defaultStreamAddr(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
