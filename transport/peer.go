package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/quarrydb/quarry-go/backend"
	"github.com/quarrydb/quarry-go/wire"
)

// PeerRegistry is a process-local rendezvous of named backends. It stands in
// for addressing a named peer node: a backend registers under a name, and a
// session dials that name instead of a network address.
type PeerRegistry struct {
	mu    sync.RWMutex
	peers map[string]backend.Backend
}

// NewPeerRegistry returns an empty registry.
func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{peers: make(map[string]backend.Backend)}
}

// Register binds name to be, replacing any previous registration.
func (r *PeerRegistry) Register(name string, be backend.Backend) {
	r.mu.Lock()
	r.peers[name] = be
	r.mu.Unlock()
}

// Deregister removes name. Unknown names are a no-op.
func (r *PeerRegistry) Deregister(name string) {
	r.mu.Lock()
	delete(r.peers, name)
	r.mu.Unlock()
}

// Dial resolves name to a Direct transport addressing the registered peer.
func (r *PeerRegistry) Dial(name string) (*Peer, error) {
	r.mu.RLock()
	be, ok := r.peers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownPeer
	}
	return &Peer{name: name, be: be}, nil
}

// Peer is a Direct transport addressing one named backend. Delivery is
// synchronous per the backend's own semantics.
type Peer struct {
	name   string
	be     backend.Backend
	closed atomic.Bool
}

// Name returns the peer name this transport addresses.
func (p *Peer) Name() string {
	return p.name
}

// Call implements Direct.
func (p *Peer) Call(ctx context.Context, env *wire.Command) (*wire.Result, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	return p.be.Exec(ctx, env.Token, env.Name, env.Args, backend.Options{Schema: env.Schema})
}

// Watch implements EventSource when the peer backend can push events.
func (p *Peer) Watch(fn func(wire.Event)) (cancel func()) {
	src, ok := p.be.(backend.EventSource)
	if !ok {
		return func() {}
	}
	return src.Watch(fn)
}

// Close implements Transport.
func (p *Peer) Close() error {
	p.closed.Store(true)
	return nil
}
