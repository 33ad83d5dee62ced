// Package transport provides the delivery mechanisms a session can sit on:
// direct in-process calls into a backend, a named-peer registry for
// process-local rendezvous, and length-framed TCP/TLS byte streams. The
// session discovers a transport's capabilities through interface assertion
// rather than a mode flag.
package transport

import (
	"context"
	"errors"

	"github.com/quarrydb/quarry-go/wire"
)

// ErrClosed is returned by Send on a transport that has been closed.
var ErrClosed = errors.New("transport closed")

// ErrUnknownPeer is returned when dialing a peer name with no registration.
var ErrUnknownPeer = errors.New("unknown peer")

// Transport is the minimal contract shared by every variant. Close is
// idempotent.
type Transport interface {
	Close() error
}

// Direct is a transport that reaches its backend without leaving the
// process: the reply to a command is produced synchronously by Call.
type Direct interface {
	Transport
	Call(ctx context.Context, env *wire.Command) (*wire.Result, error)
}

// Async is a byte-stream transport. Send writes one framed command and
// returns; replies and events surface later through the Sink the transport
// was built with, in arrival order.
type Async interface {
	Transport
	Send(ref uint64, env *wire.Command) error
}

// EventSource is implemented by transports able to push unsolicited change
// notifications from an in-process backend.
type EventSource interface {
	Watch(fn func(wire.Event)) (cancel func())
}

// Sink receives inbound traffic from an Async transport. Deliver is called
// once per frame payload from the transport's read loop; Closed is called
// exactly once when the stream terminates, with the causing error (nil on
// orderly shutdown).
type Sink interface {
	Deliver(payload []byte)
	Closed(err error)
}
