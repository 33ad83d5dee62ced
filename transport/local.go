package transport

import (
	"context"
	"sync/atomic"

	"github.com/quarrydb/quarry-go/backend"
	"github.com/quarrydb/quarry-go/wire"
)

// Local is a Direct transport wrapping an in-process backend. The secured
// flag only affects how the session treats authentication: an unsecured
// local connection bypasses the credential exchange entirely, a secured one
// still performs it and carries the resulting token on every call.
type Local struct {
	be      backend.Backend
	secured bool
	closed  atomic.Bool
}

// NewLocal wraps be as an unsecured in-process transport.
func NewLocal(be backend.Backend) *Local {
	return &Local{be: be}
}

// NewSecuredLocal wraps be as an in-process transport that still requires a
// security context.
func NewSecuredLocal(be backend.Backend) *Local {
	return &Local{be: be, secured: true}
}

// Secured reports whether the session must authenticate before use.
func (l *Local) Secured() bool {
	return l.secured
}

// Call implements Direct by invoking the backend synchronously.
func (l *Local) Call(ctx context.Context, env *wire.Command) (*wire.Result, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	return l.be.Exec(ctx, env.Token, env.Name, env.Args, backend.Options{Schema: env.Schema})
}

// Watch implements EventSource when the wrapped backend can push events.
func (l *Local) Watch(fn func(wire.Event)) (cancel func()) {
	src, ok := l.be.(backend.EventSource)
	if !ok {
		return func() {}
	}
	return src.Watch(fn)
}

// Close implements Transport.
func (l *Local) Close() error {
	l.closed.Store(true)
	return nil
}
