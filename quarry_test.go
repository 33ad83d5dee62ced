package quarry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quarrydb/quarry-go/backend"
	"github.com/quarrydb/quarry-go/wire"
)

// scriptedBackend is an in-process backend whose command outcomes are
// supplied by the test, with direct control over event emission.
type scriptedBackend struct {
	mu       sync.Mutex
	exec     func(token, name string, args []string) (*wire.Result, error)
	calls    []string
	watchers map[int]func(wire.Event)
	seq      int
}

func newScriptedBackend(exec func(token, name string, args []string) (*wire.Result, error)) *scriptedBackend {
	return &scriptedBackend{
		exec:     exec,
		watchers: make(map[int]func(wire.Event)),
	}
}

func (b *scriptedBackend) Exec(_ context.Context, token, name string, args []string, _ backend.Options) (*wire.Result, error) {
	b.mu.Lock()
	b.calls = append(b.calls, name)
	fn := b.exec
	b.mu.Unlock()
	if fn == nil {
		return &wire.Result{Done: true}, nil
	}
	return fn(token, name, args)
}

func (b *scriptedBackend) Watch(fn func(wire.Event)) (cancel func()) {
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.watchers[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.watchers, id)
		b.mu.Unlock()
	}
}

func (b *scriptedBackend) fire(ev wire.Event) {
	b.mu.Lock()
	fns := make([]func(wire.Event), 0, len(b.watchers))
	for _, fn := range b.watchers {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (b *scriptedBackend) callNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.calls))
	copy(out, b.calls)
	return out
}

// openLocal builds a local-variant dialer over be and opens one session.
func openLocal(t *testing.T, be backend.Backend) (*Dialer, *Session) {
	t.Helper()
	d, err := New().WithBackend(be).Build()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	s, err := d.Open(context.Background(), "test")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return d, s
}

func counterValue(d *Dialer, id MetricID) uint64 {
	return d.Metrics().Snapshot().Counters[id]
}

// waitCounter polls until the counter reaches at least want.
func waitCounter(t *testing.T, d *Dialer, id MetricID, want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if counterValue(d, id) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("counter %d did not reach %d, got %d", id, want, counterValue(d, id))
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
