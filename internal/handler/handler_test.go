package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xtxerr/sentinel/internal/clock"
	"github.com/xtxerr/sentinel/internal/codec"
	"github.com/xtxerr/sentinel/internal/fanout"
	"github.com/xtxerr/sentinel/internal/status"
	"github.com/xtxerr/sentinel/internal/storage/ingestion"
	"github.com/xtxerr/sentinel/internal/storage/memory"
	"github.com/xtxerr/sentinel/internal/storage/queue"
	"github.com/xtxerr/sentinel/internal/storage/summary"
	"github.com/xtxerr/sentinel/internal/storage/types"
	testutil "github.com/xtxerr/sentinel/internal/testing"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	router *gin.Engine
	store  *memory.Store
	queue  *queue.Queue
	hub    *fanout.Hub
	clock  *clock.Fake
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := &testEnv{
		store: memory.New(),
		queue: queue.New(),
		hub:   fanout.NewHub(8),
		clock: clock.NewFake(base),
	}
	t.Cleanup(env.hub.Close)

	api := NewAPI(Deps{
		Ingest:  ingestion.New(env.queue, ingestion.Options{Clock: env.clock, Publisher: env.hub}),
		Status:  status.New(env.store, env.clock, 0),
		History: env.store,
		Summary: summary.NewService(env.store, env.clock),
		Hub:     env.hub,
		Health:  env.store,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("sentinel_up 1\n"))
		}),
	}, Options{
		MaxBodySize:     4096,
		CORSOrigins:     []string{"https://ui.example"},
		StreamHeartbeat: 50 * time.Millisecond,
	})
	env.router = NewRouter(api)
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) persist(t *testing.T, samples ...types.Sample) {
	t.Helper()
	if err := e.store.BatchInsert(context.Background(), samples); err != nil {
		t.Fatalf("BatchInsert: %v", err)
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestIngest_JSON(t *testing.T) {
	env := newTestEnv(t)
	sub := env.hub.Subscribe(fanout.DeviceTopic("d1"), 4)

	body := `{"deviceId":"d1","cpuUsage":12.5,"memoryUsage":40,"diskUsage":70}`
	req := httptest.NewRequest(http.MethodPost, "/api/metrics", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := env.do(req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	ack := decode[ingestion.Ack](t, rec)
	if ack.Accepted != 1 || !ack.ReceivedAt.Equal(base) {
		t.Errorf("ack = %+v", ack)
	}
	if env.queue.Len() != 1 {
		t.Errorf("queue len = %d, want 1", env.queue.Len())
	}

	select {
	case s := <-sub.C():
		if s.DeviceID != "d1" || !s.Timestamp.Equal(base) {
			t.Errorf("published %+v", s)
		}
	default:
		t.Error("sample not published")
	}
}

func TestIngest_CBORGzipArray(t *testing.T) {
	env := newTestEnv(t)

	data, err := codec.EncodeSamples(testutil.Samples("d2", 3), codec.FormatCBOR)
	if err != nil {
		t.Fatal(err)
	}
	gz, err := codec.Compress(data, codec.EncodingGzip)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/metrics", bytes.NewReader(gz))
	req.Header.Set("Content-Type", codec.ContentTypeCBOR)
	req.Header.Set("Content-Encoding", "gzip")
	rec := env.do(req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if env.queue.Len() != 3 {
		t.Errorf("queue len = %d, want 3", env.queue.Len())
	}
}

func TestIngest_Rejections(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		want        int
		problem     string
	}{
		{"missing cpu", "application/json", `{"deviceId":"d1","memoryUsage":1,"diskUsage":2}`, http.StatusBadRequest, "samples[0]: cpuUsage"},
		{"out of range", "application/json", `[{"deviceId":"d1","cpuUsage":1,"memoryUsage":2,"diskUsage":3},{"deviceId":"d1","cpuUsage":101,"memoryUsage":2,"diskUsage":3}]`, http.StatusBadRequest, "samples[1]"},
		{"empty array", "application/json", `[]`, http.StatusBadRequest, ""},
		{"malformed", "application/json", `{"deviceId":`, http.StatusBadRequest, ""},
		{"media type", "text/plain", `hello`, http.StatusUnsupportedMediaType, ""},
		{"too large", "application/json", `[` + strings.Repeat(" ", 5000) + `]`, http.StatusRequestEntityTooLarge, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			req := httptest.NewRequest(http.MethodPost, "/api/metrics", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			rec := env.do(req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
			if env.queue.Len() != 0 {
				t.Errorf("rejected request queued %d samples", env.queue.Len())
			}
			resp := decode[errorResponse](t, rec)
			if resp.RequestID == "" {
				t.Error("error response missing request id")
			}
			if tt.problem == "" {
				return
			}
			found := false
			for _, p := range resp.Problems {
				if strings.HasPrefix(p, tt.problem) {
					found = true
				}
			}
			if !found {
				t.Errorf("problems %v, want one starting with %q", resp.Problems, tt.problem)
			}
		})
	}
}

func TestIngest_ShuttingDown(t *testing.T) {
	env := newTestEnv(t)
	env.queue.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/metrics",
		strings.NewReader(`{"deviceId":"d1","cpuUsage":1,"memoryUsage":2,"diskUsage":3}`))
	rec := env.do(req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

// closeAfterQueue closes the underlying queue once n samples are queued.
type closeAfterQueue struct {
	*queue.Queue
	n int
}

func (c *closeAfterQueue) Enqueue(s types.Sample) error {
	if c.n == 0 {
		c.Queue.Close()
	}
	c.n--
	return c.Queue.Enqueue(s)
}

func TestIngest_ShutdownMidRequestKeepsAck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	q := &closeAfterQueue{Queue: queue.New(), n: 2}
	hub := fanout.NewHub(8)
	defer hub.Close()
	sub := hub.Subscribe(fanout.AllDevices, 0)

	router := NewRouter(NewAPI(Deps{
		Ingest: ingestion.New(q, ingestion.Options{Clock: clock.NewFake(base), Publisher: hub}),
	}, Options{}))

	body := `[{"deviceId":"d1","cpuUsage":1,"memoryUsage":2,"diskUsage":3},
		{"deviceId":"d1","cpuUsage":4,"memoryUsage":5,"diskUsage":6},
		{"deviceId":"d1","cpuUsage":7,"memoryUsage":8,"diskUsage":9}]`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/metrics", strings.NewReader(body)))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 for queued samples; body %s", rec.Code, rec.Body.String())
	}
	ack := decode[ingestion.Ack](t, rec)
	if ack.Accepted != 2 || ack.Refused != 1 {
		t.Errorf("ack = %+v, want 2 accepted, 1 refused", ack)
	}
	if q.Len() != 2 {
		t.Errorf("queued %d samples, want 2", q.Len())
	}
	if got := len(sub.C()); got != 2 {
		t.Errorf("published %d samples, the refused one must not be published", got)
	}
}

func TestStatusRoutes(t *testing.T) {
	env := newTestEnv(t)
	env.persist(t,
		testutil.SampleAt("d1", 10, base.Add(-30*time.Second)),
		testutil.SampleAt("d2", 20, base.Add(-10*time.Minute)),
	)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/metrics/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	statuses := decode[[]types.DeviceStatus](t, rec)
	if len(statuses) != 2 {
		t.Fatalf("got %d statuses", len(statuses))
	}
	if !statuses[0].Online || statuses[1].Online {
		t.Errorf("statuses = %+v, want d1 online and d2 offline", statuses)
	}
	if !strings.Contains(rec.Body.String(), `"lastHeartbeat"`) {
		t.Errorf("body missing lastHeartbeat: %s", rec.Body.String())
	}

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/metrics/d2/status", nil))
	if st := decode[types.DeviceStatus](t, rec); st.DeviceID != "d2" || st.Online {
		t.Errorf("d2 status = %+v", st)
	}

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/metrics/nope/status", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown device status = %d, want 404", rec.Code)
	}

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/metrics/devices", nil))
	if ids := decode[[]string](t, rec); len(ids) != 2 || ids[0] != "d1" {
		t.Errorf("devices = %v", ids)
	}
}

func TestStatusRoutes_Empty(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/metrics/status", nil))
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("body = %s, want []", rec.Body.String())
	}
	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/metrics/devices", nil))
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("body = %s, want []", rec.Body.String())
	}
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		env.persist(t, testutil.SampleAt("d1", float64(i), base.Add(time.Duration(i-5)*time.Minute)))
	}

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/metrics/d1?limit=3", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	got := decode[[]types.Sample](t, rec)
	if len(got) != 3 {
		t.Fatalf("got %d samples, want 3", len(got))
	}
	if got[0].CPUUsage != 4 || got[2].CPUUsage != 2 {
		t.Errorf("not newest first: %v %v %v", got[0].CPUUsage, got[1].CPUUsage, got[2].CPUUsage)
	}

	since := base.Add(-2 * time.Minute).Format(time.RFC3339)
	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/metrics/d1?since="+since, nil))
	if got := decode[[]types.Sample](t, rec); len(got) != 2 {
		t.Errorf("since filter returned %d samples, want 2", len(got))
	}

	tests := []struct {
		url  string
		want int
	}{
		{"/api/metrics/nope", http.StatusNotFound},
		{"/api/metrics/d1?limit=-1", http.StatusBadRequest},
		{"/api/metrics/d1?since=yesterday", http.StatusBadRequest},
		{"/api/metrics/d1?since=2026-03-02T00:00:00Z&until=2026-03-01T00:00:00Z", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if rec := env.do(httptest.NewRequest(http.MethodGet, tt.url, nil)); rec.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.url, rec.Code, tt.want)
		}
	}
}

func TestSummary(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 10; i++ {
		env.persist(t, testutil.SampleAt("d1", float64(i*10), base.Add(time.Duration(-i)*time.Minute)))
	}

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/metrics/d1/summary", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	sum := decode[types.DeviceSummary](t, rec)
	if sum.Samples != 10 || len(sum.Metrics) != 3 {
		t.Errorf("summary = %+v", sum)
	}

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/metrics/nope/summary", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown device summary = %d, want 404", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "sentinel_up 1") {
		t.Errorf("metrics body = %q", rec.Body.String())
	}

	env.store.Close()
	if rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("healthz after close = %d, want 503", rec.Code)
	}
}

func TestMiddleware_RequestID(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("response missing generated request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	if got := env.do(req).Header().Get(RequestIDHeader); got != "abc-123" {
		t.Errorf("request id = %q, want abc-123", got)
	}
}

func TestMiddleware_CORS(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/metrics", nil)
	req.Header.Set("Origin", "https://ui.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := env.do(req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://ui.example" {
		t.Errorf("allow origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/metrics", nil)
	req.Header.Set("Origin", "https://evil.example")
	if rec := env.do(req); rec.Code != http.StatusForbidden {
		t.Errorf("foreign preflight = %d, want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = env.do(req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("foreign origin should not be allowed")
	}
}

func TestStream_SSE(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/metrics/d1/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	if err := testutil.Eventually(time.Second, 5*time.Millisecond, func() bool {
		return env.hub.Subscribers() == 1
	}); err != nil {
		t.Fatal("subscription not registered")
	}
	env.hub.PublishSample(testutil.SampleAt("d2", 1, base))
	env.hub.PublishSample(testutil.SampleAt("d1", 55, base))

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	deadline := time.After(2 * time.Second)
	var sawEvent, sawHeartbeat bool
	for !(sawEvent && sawHeartbeat) {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream ended early")
			}
			switch {
			case line == "event:sample":
				sawEvent = true
			case strings.HasPrefix(line, "data:"):
				if strings.Contains(line, `"d2"`) {
					t.Errorf("received other device's sample: %s", line)
				}
			case line == ": heartbeat":
				sawHeartbeat = true
			}
		case <-deadline:
			t.Fatalf("event=%v heartbeat=%v before deadline", sawEvent, sawHeartbeat)
		}
	}

	cancel()
	if err := testutil.Eventually(time.Second, 5*time.Millisecond, func() bool {
		return env.hub.Subscribers() == 0
	}); err != nil {
		t.Error("subscription not released after client left")
	}
}
