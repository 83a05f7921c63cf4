package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/xtxerr/sentinel/internal/fanout"
	testutil "github.com/xtxerr/sentinel/internal/testing"
	"github.com/xtxerr/sentinel/internal/wire"
)

func startStream(t *testing.T, hub *fanout.Hub, heartbeat time.Duration) *StreamServer {
	t.Helper()
	s := NewStream(StreamConfig{
		Listen:           "127.0.0.1:0",
		Heartbeat:        heartbeat,
		Buffer:           8,
		SubscribeTimeout: time.Second,
	}, hub)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Shutdown)
	return s
}

func dial(t *testing.T, s *StreamServer) (net.Conn, *wire.Conn) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn, wire.NewConn(conn)
}

func subscribe(t *testing.T, w *wire.Conn, topic string) {
	t.Helper()
	if err := w.Write(wire.NewSubscribe(topic)); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	f, err := w.Read()
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if wire.Type(f) != wire.TypeSubscribed {
		t.Fatalf("ack type = %q (%s)", wire.Type(f), wire.Message(f))
	}
}

func TestStream_DeliversDeviceSamples(t *testing.T) {
	hub := fanout.NewHub(8)
	defer hub.Close()
	s := startStream(t, hub, time.Hour)
	_, w := dial(t, s)

	subscribe(t, w, fanout.DeviceTopic("d1"))

	hub.PublishSample(testutil.Sample("d2", 1))
	hub.PublishSample(testutil.Sample("d1", 77))

	f, err := w.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got, err := wire.Sample(f)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if got.DeviceID != "d1" || got.CPUUsage != 77 {
		t.Errorf("got %+v, want d1 cpu 77", got)
	}
	if wire.Topic(f) != "metrics/d1" {
		t.Errorf("topic = %q", wire.Topic(f))
	}
}

func TestStream_Wildcard(t *testing.T) {
	hub := fanout.NewHub(8)
	defer hub.Close()
	s := startStream(t, hub, time.Hour)
	_, w := dial(t, s)

	subscribe(t, w, fanout.AllDevices)

	for _, id := range []string{"a", "b"} {
		hub.PublishSample(testutil.Sample(id, 1))
	}
	var seen []string
	for i := 0; i < 2; i++ {
		f, err := w.Read()
		if err != nil {
			t.Fatal(err)
		}
		smp, _ := wire.Sample(f)
		seen = append(seen, smp.DeviceID)
	}
	if seen[0] != "a" || seen[1] != "b" {
		t.Errorf("seen = %v, want [a b]", seen)
	}
}

func TestStream_Heartbeat(t *testing.T) {
	hub := fanout.NewHub(8)
	defer hub.Close()
	s := startStream(t, hub, 20*time.Millisecond)
	_, w := dial(t, s)

	subscribe(t, w, fanout.AllDevices)

	f, err := w.Read()
	if err != nil {
		t.Fatal(err)
	}
	if wire.Type(f) != wire.TypeHeartbeat {
		t.Errorf("type = %q, want heartbeat", wire.Type(f))
	}
}

func TestStream_Rejects(t *testing.T) {
	hub := fanout.NewHub(8)
	defer hub.Close()
	s := startStream(t, hub, time.Hour)

	cases := []struct {
		name  string
		first func(w *wire.Conn) error
	}{
		{"heartbeat first", func(w *wire.Conn) error { return w.Write(wire.NewHeartbeat(time.Now())) }},
		{"bad topic", func(w *wire.Conn) error { return w.Write(wire.NewSubscribe("devices/d1")) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, w := dial(t, s)
			if err := tc.first(w); err != nil {
				t.Fatal(err)
			}
			f, err := w.Read()
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if wire.Type(f) != wire.TypeError {
				t.Errorf("type = %q, want error", wire.Type(f))
			}
			if _, err := w.Read(); err != io.EOF {
				t.Errorf("connection should be closed, got %v", err)
			}
		})
	}
	if got := s.Stats().Rejected; got != 2 {
		t.Errorf("Rejected = %d, want 2", got)
	}
}

func TestStream_ClientHangupReleasesSubscription(t *testing.T) {
	hub := fanout.NewHub(8)
	defer hub.Close()
	s := startStream(t, hub, time.Hour)
	conn, w := dial(t, s)

	subscribe(t, w, fanout.AllDevices)
	if hub.Subscribers() != 1 {
		t.Fatalf("subscribers = %d, want 1", hub.Subscribers())
	}

	conn.Close()
	if err := testutil.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		return hub.Subscribers() == 0 && s.Stats().Active == 0
	}); err != nil {
		t.Fatal("session not cleaned up after hangup")
	}
}

func TestStream_ShutdownClosesSessions(t *testing.T) {
	hub := fanout.NewHub(8)
	defer hub.Close()
	s := startStream(t, hub, time.Hour)
	_, w := dial(t, s)
	subscribe(t, w, fanout.AllDevices)

	done := make(chan struct{})
	go func() {
		s.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return")
	}
	if _, err := w.Read(); err == nil {
		t.Error("read after shutdown should fail")
	}
	s.Shutdown()
}

func TestStream_HubCloseEndsSession(t *testing.T) {
	hub := fanout.NewHub(8)
	s := startStream(t, hub, time.Hour)
	_, w := dial(t, s)
	subscribe(t, w, fanout.AllDevices)

	hub.Close()
	if _, err := w.Read(); err == nil {
		t.Error("session should end when the hub closes")
	}
}

func TestHTTPServer_StartShutdown(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	s := NewHTTP(HTTPConfig{Listen: "127.0.0.1:0"}, h)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := http.Get("http://" + s.Addr().String() + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Errorf("body = %q", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if err := <-s.Done(); err != nil {
		t.Errorf("serve error = %v", err)
	}
}

func TestHTTPServer_ShutdownEndsLiveStreams(t *testing.T) {
	hub := fanout.NewHub(8)
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub := hub.Subscribe(fanout.AllDevices, 0)
		defer sub.Close()
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		for {
			select {
			case _, ok := <-sub.C():
				if !ok {
					return
				}
			case <-r.Context().Done():
				return
			}
		}
	})
	s := NewHTTP(HTTPConfig{Listen: "127.0.0.1:0"}, h)
	s.OnShutdown(hub.Close)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	go func() {
		resp, err := http.Get("http://" + s.Addr().String() + "/")
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
	}()
	if err := testutil.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		return hub.Subscribers() == 1
	}); err != nil {
		t.Fatalf("stream never subscribed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Shutdown took %v with an open stream", elapsed)
	}
}

func TestHTTPServer_BindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	s := NewHTTP(HTTPConfig{Listen: ln.Addr().String()}, http.NotFoundHandler())
	if err := s.Start(); err == nil {
		t.Error("binding a used port should fail")
	}
}
