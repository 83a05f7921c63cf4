package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/sentinel/config"
	"github.com/xtxerr/sentinel/internal/fanout"
	"github.com/xtxerr/sentinel/internal/wire"
)

// Subscriber opens hub subscriptions.
type Subscriber interface {
	Subscribe(topic string, buffer int) *fanout.Subscription
}

// StreamConfig holds live-stream listener settings.
type StreamConfig struct {
	// Listen is the TCP address (e.g., "0.0.0.0:9180").
	Listen string

	// Heartbeat is the idle interval between heartbeat frames.
	Heartbeat time.Duration

	// Buffer is each subscription's channel capacity.
	Buffer int

	// SubscribeTimeout bounds the wait for the first frame.
	SubscribeTimeout time.Duration

	// WriteTimeout bounds writing one frame. A client that cannot keep up
	// within it is disconnected.
	WriteTimeout time.Duration
}

// StreamStats holds stream listener counters.
type StreamStats struct {
	Connections int64
	Active      int64
	Rejected    int64
	FramesSent  int64
}

// StreamServer accepts TCP clients and forwards hub samples to them.
type StreamServer struct {
	cfg StreamConfig
	hub Subscriber

	listener net.Listener
	shutdown chan struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session

	connections atomic.Int64
	rejected    atomic.Int64
	framesSent  atomic.Int64
}

// NewStream creates a stream server. Zero settings take defaults.
func NewStream(cfg StreamConfig, hub Subscriber) *StreamServer {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = config.DefaultStreamHeartbeat
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = config.DefaultSubscriberBuffer
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &StreamServer{
		cfg:      cfg,
		hub:      hub,
		shutdown: make(chan struct{}),
		sessions: make(map[string]*session),
	}
}

// Start binds the listener and accepts connections in the background.
func (s *StreamServer) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("stream listen %s: %w", s.cfg.Listen, err)
	}
	s.listener = ln
	log.Info("stream listening", "address", ln.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *StreamServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *StreamServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Error("accept error", "error", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
		}
		s.connections.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Shutdown closes the listener and every session, then waits for the
// connection goroutines.
func (s *StreamServer) Shutdown() {
	select {
	case <-s.shutdown:
		return
	default:
		close(s.shutdown)
	}
	log.Info("stream shutting down")

	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Stats returns listener counters.
func (s *StreamServer) Stats() StreamStats {
	s.mu.Lock()
	active := len(s.sessions)
	s.mu.Unlock()
	return StreamStats{
		Connections: s.connections.Load(),
		Active:      int64(active),
		Rejected:    s.rejected.Load(),
		FramesSent:  s.framesSent.Load(),
	}
}

// =============================================================================
// Connection Handling
// =============================================================================

// session is one subscribed client. There is no resumption: a client
// that reconnects subscribes again and misses what was published while
// it was away.
type session struct {
	ID        string
	Remote    string
	CreatedAt time.Time

	conn net.Conn
	wire *wire.Conn
	sub  *fanout.Subscription

	closeOnce sync.Once
}

func (sess *session) close() {
	sess.closeOnce.Do(func() {
		if sess.sub != nil {
			sess.sub.Close()
		}
		sess.conn.Close()
	})
}

func (s *StreamServer) reject(w *wire.Conn, conn net.Conn, msg string) {
	s.rejected.Add(1)
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	w.Write(wire.NewError(msg))
	conn.Close()
}

func (s *StreamServer) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	w := wire.NewConn(conn)

	conn.SetReadDeadline(time.Now().Add(s.cfg.SubscribeTimeout))
	f, err := w.Read()
	if err != nil {
		log.Debug("subscribe read failed", "remote", remote, "error", err)
		s.rejected.Add(1)
		conn.Close()
		return
	}
	if wire.Type(f) != wire.TypeSubscribe {
		s.reject(w, conn, "first frame must be subscribe")
		return
	}
	topic := wire.Topic(f)
	if !fanout.ValidTopic(topic) {
		s.reject(w, conn, fmt.Sprintf("invalid topic %q", topic))
		return
	}
	conn.SetReadDeadline(time.Time{})

	sess := &session{
		ID:        uuid.NewString(),
		Remote:    remote,
		CreatedAt: time.Now(),
		conn:      conn,
		wire:      w,
	}

	s.mu.Lock()
	select {
	case <-s.shutdown:
		s.mu.Unlock()
		conn.Close()
		return
	default:
	}
	sess.sub = s.hub.Subscribe(topic, s.cfg.Buffer)
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	defer func() {
		sess.close()
		s.mu.Lock()
		delete(s.sessions, sess.ID)
		s.mu.Unlock()
		log.Info("stream session closed", "session_id", sess.ID, "dropped", sess.sub.Dropped())
	}()

	log.Info("stream session opened", "session_id", sess.ID, "remote", remote, "topic", topic)

	if err := s.send(sess, wire.NewSubscribed(topic, sess.sub.ID)); err != nil {
		return
	}

	// Clients send nothing after subscribing; a read returning means
	// they hung up.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, err := w.Read(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case sample, ok := <-sess.sub.C():
			if !ok {
				return
			}
			if err := s.send(sess, wire.NewSample(fanout.DeviceTopic(sample.DeviceID), sample)); err != nil {
				return
			}
		case now := <-heartbeat.C:
			if err := s.send(sess, wire.NewHeartbeat(now)); err != nil {
				return
			}
		case <-gone:
			return
		case <-s.shutdown:
			return
		}
	}
}

func (s *StreamServer) send(sess *session, f *structpb.Struct) error {
	sess.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := sess.wire.Write(f); err != nil {
		log.Debug("stream write failed, closing session", "session_id", sess.ID, "error", err)
		return err
	}
	s.framesSent.Add(1)
	return nil
}
