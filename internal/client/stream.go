package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/sentinel/config"
	"github.com/xtxerr/sentinel/internal/errors"
	"github.com/xtxerr/sentinel/internal/storage/types"
	"github.com/xtxerr/sentinel/internal/wire"
)

// StreamState is the lifecycle state of a Stream.
type StreamState int32

const (
	StateConnecting StreamState = iota
	StateSubscribed
	StateClosed
)

// String returns the human-readable name of the state.
func (s StreamState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// StreamConfig configures a live-stream connection.
type StreamConfig struct {
	// Addr is the sentineld stream listener (host:port).
	Addr string

	// Topic is "metrics/<deviceId>" or "metrics/*".
	Topic string

	DialTimeout time.Duration

	// IdleTimeout fails Next when no frame, heartbeats included, arrives
	// in time. It should exceed the server's heartbeat interval.
	IdleTimeout time.Duration
}

// Stream is a subscribed live-stream connection.
type Stream struct {
	cfg   StreamConfig
	conn  net.Conn
	wire  *wire.Conn
	subID string

	state     atomic.Int32
	closeOnce sync.Once
}

// DialStream connects to addr and subscribes to the configured topic.
func DialStream(ctx context.Context, cfg StreamConfig) (*Stream, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 3 * config.DefaultStreamHeartbeat
	}

	d := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %w", cfg.Addr, errors.ErrConnectionFailed, err)
	}

	s := &Stream{cfg: cfg, conn: conn, wire: wire.NewConn(conn)}
	s.state.Store(int32(StateConnecting))

	if err := s.subscribe(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Stream) subscribe() error {
	s.conn.SetDeadline(time.Now().Add(s.cfg.DialTimeout))
	defer s.conn.SetDeadline(time.Time{})

	if err := s.wire.Write(wire.NewSubscribe(s.cfg.Topic)); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	f, err := s.wire.Read()
	if err != nil {
		return fmt.Errorf("read subscribe reply: %w", err)
	}

	switch wire.Type(f) {
	case wire.TypeSubscribed:
		s.subID = f.GetFields()["subscription"].GetStringValue()
		s.state.Store(int32(StateSubscribed))
		return nil
	case wire.TypeError:
		return fmt.Errorf("subscribe %q: %s: %w", s.cfg.Topic, wire.Message(f), errors.ErrInvalidQuery)
	default:
		return fmt.Errorf("%w: unexpected %q frame", errors.ErrInvalidPayload, wire.Type(f))
	}
}

// State returns the current state.
func (s *Stream) State() StreamState {
	return StreamState(s.state.Load())
}

// SubscriptionID returns the id the server assigned.
func (s *Stream) SubscriptionID() string {
	return s.subID
}

// Next blocks until the next sample. Heartbeats are consumed silently.
// It returns io.EOF when the server closes the stream.
func (s *Stream) Next() (types.Sample, error) {
	for {
		if s.State() == StateClosed {
			return types.Sample{}, errors.ErrSubscriptionGone
		}
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		f, err := s.wire.Read()
		if err != nil {
			if s.State() == StateClosed {
				return types.Sample{}, errors.ErrSubscriptionGone
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return types.Sample{}, fmt.Errorf("no frame for %s: %w", s.cfg.IdleTimeout, errors.ErrTimeout)
			}
			return types.Sample{}, err
		}

		switch wire.Type(f) {
		case wire.TypeHeartbeat:
			continue
		case wire.TypeSample:
			return wire.Sample(f)
		case wire.TypeError:
			return types.Sample{}, fmt.Errorf("server: %s: %w", wire.Message(f), errors.ErrSubscriptionGone)
		default:
			// Unknown frame types are skipped for forward compatibility.
			continue
		}
	}
}

// Close closes the connection. Safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		err = s.conn.Close()
	})
	return err
}

// Watch subscribes and calls fn for every sample until ctx is done, the
// server closes the stream, or fn returns an error.
func Watch(ctx context.Context, cfg StreamConfig, fn func(types.Sample) error) error {
	s, err := DialStream(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		sample, err := s.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(sample); err != nil {
			return err
		}
	}
}
