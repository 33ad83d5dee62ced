package transport

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quarrydb/quarry-go/wire"
)

// StreamConfig controls dialing of a byte-stream transport.
type StreamConfig struct {
	// Addr is the host:port to dial.
	Addr string
	// TLS, when non-nil, upgrades the connection; nil means plaintext TCP.
	TLS *tls.Config
	// ConnectTimeout bounds the dial. Zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration
}

// DefaultConnectTimeout bounds socket establishment when the config does not.
const DefaultConnectTimeout = 10 * time.Second

// Stream is an Async transport over TCP or TLS. Outbound commands are
// serialized and length-framed; a read loop delivers inbound frame payloads
// to the sink in arrival order and reports stream closure exactly once.
type Stream struct {
	conn net.Conn
	sink Sink

	writeMu sync.Mutex
	closed  atomic.Bool
	once    sync.Once
}

// DialStream establishes a framed byte-stream transport and starts its read
// loop. The sink must be non-nil; it will not be called after Closed.
func DialStream(ctx context.Context, cfg StreamConfig, sink Sink) (*Stream, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var conn net.Conn
	var err error
	if cfg.TLS != nil {
		dialer := &tls.Dialer{NetDialer: &net.Dialer{}, Config: cfg.TLS}
		conn, err = dialer.DialContext(dialCtx, "tcp", cfg.Addr)
	} else {
		dialer := &net.Dialer{}
		conn, err = dialer.DialContext(dialCtx, "tcp", cfg.Addr)
	}
	if err != nil {
		return nil, err
	}
	return NewStream(conn, sink), nil
}

// NewStream wraps an established connection. Used directly in tests with
// pipes; production code goes through DialStream.
func NewStream(conn net.Conn, sink Sink) *Stream {
	s := &Stream{conn: conn, sink: sink}
	go s.readLoop()
	return s
}

// Send implements Async. The write itself is the only blocking step.
func (s *Stream) Send(ref uint64, env *wire.Command) error {
	if s.closed.Load() {
		return ErrClosed
	}
	env.Ref = ref
	payload, err := wire.EncodeCommand(env)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wire.WriteFrame(s.conn, payload)
}

// Close implements Transport. The read loop observes the closed connection
// and reports closure to the sink.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		err = s.conn.Close()
	})
	return err
}

func (s *Stream) readLoop() {
	for {
		payload, err := wire.ReadFrame(s.conn)
		if err != nil {
			if s.closed.Load() {
				s.sink.Closed(nil)
			} else {
				s.sink.Closed(err)
			}
			return
		}
		s.sink.Deliver(payload)
	}
}
