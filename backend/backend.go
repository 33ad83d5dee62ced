// Package backend declares the execution-engine boundary of the session
// layer and ships an in-memory implementation used by in-process transports
// and tests. The engine behind this interface is opaque to the session: it
// accepts a command tuple and returns a result or an error.
package backend

import (
	"context"

	"github.com/quarrydb/quarry-go/wire"
)

// Options carries per-call context the backend may consult.
type Options struct {
	Schema string
}

// Backend executes one command on behalf of a session. Token is the
// session's security context, empty before authentication. A returned error
// is a command failure, not a transport fault; the session delivers it as an
// error reply to the caller.
type Backend interface {
	Exec(ctx context.Context, token, name string, args []string, opts Options) (*wire.Result, error)
}

// EventSource is implemented by backends that can push change notifications.
// Watch registers fn to be called for every subsequent event; the returned
// cancel func detaches it.
type EventSource interface {
	Watch(fn func(wire.Event)) (cancel func())
}
