package quarry

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/quarrydb/quarry-go/backend"
	"github.com/quarrydb/quarry-go/wire"
)

// scriptServer accepts one framed connection and answers commands through a
// test-supplied handler. A nil reply from the handler withholds the answer,
// leaving the call pending on the session side.
type scriptServer struct {
	t  *testing.T
	ln net.Listener

	handler func(cmd *wire.Command) *wire.Reply

	mu    sync.Mutex
	conn  net.Conn
	ready chan struct{}
}

func newScriptServer(t *testing.T, handler func(cmd *wire.Command) *wire.Reply) *scriptServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	srv := &scriptServer{
		t:       t,
		ln:      ln,
		handler: handler,
		ready:   make(chan struct{}),
	}
	t.Cleanup(srv.close)
	go srv.serve()
	return srv
}

// memoryServer answers every command through an in-memory backend.
func memoryServer(t *testing.T, be *backend.Memory) *scriptServer {
	t.Helper()
	return newScriptServer(t, func(cmd *wire.Command) *wire.Reply {
		res, err := be.Exec(context.Background(), cmd.Token, cmd.Name, cmd.Args,
			backend.Options{Schema: cmd.Schema})
		rep := &wire.Reply{Ref: cmd.Ref}
		if err != nil {
			rep.Err = err.Error()
		} else {
			rep.Result = res
		}
		return rep
	})
}

func (s *scriptServer) addr() string {
	return s.ln.Addr().String()
}

func (s *scriptServer) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	close(s.ready)

	for {
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		msg, err := wire.DecodeMessage(payload)
		if err != nil || msg.Command == nil {
			continue
		}
		if rep := s.handler(msg.Command); rep != nil {
			s.sendReply(rep)
		}
	}
}

func (s *scriptServer) write(payload []byte) {
	select {
	case <-s.ready:
	case <-time.After(2 * time.Second):
		s.t.Errorf("no connection to write to")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := wire.WriteFrame(s.conn, payload); err != nil {
		s.t.Logf("server write failed: %v", err)
	}
}

func (s *scriptServer) sendReply(rep *wire.Reply) {
	payload, err := wire.EncodeReply(rep)
	if err != nil {
		s.t.Errorf("encode reply failed: %v", err)
		return
	}
	s.write(payload)
}

func (s *scriptServer) pushEvent(ev wire.Event) {
	payload, err := wire.EncodeEvent(&ev)
	if err != nil {
		s.t.Errorf("encode event failed: %v", err)
		return
	}
	s.write(payload)
}

func (s *scriptServer) close() {
	s.ln.Close()
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
}

func openTCP(t *testing.T, addr string, idle time.Duration) (*Dialer, *Session) {
	t.Helper()
	cfg := defaultConfig()
	cfg.Transport.Variant = VariantTCP
	cfg.Transport.Addr = addr
	if idle > 0 {
		cfg.Auth.IdleTimeout = idle
	}
	d, err := New().WithConfig(cfg).Build()
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

func TestStreamRepliesMatchedByRef(t *testing.T) {
	// Replies go out in reverse arrival order; correlation references must
	// still route each to its own caller.
	var mu sync.Mutex
	var held []*wire.Command
	release := make(chan struct{})
	srv := newScriptServer(t, func(cmd *wire.Command) *wire.Reply {
		mu.Lock()
		held = append(held, cmd)
		n := len(held)
		mu.Unlock()
		if n == 3 {
			close(release)
		}
		return nil
	})

	_, s := openTCP(t, srv.addr(), time.Minute)
	ctx := testContext(t)

	type outcome struct {
		arg string
		res *Result
		err error
	}
	results := make(chan outcome, 3)
	for _, arg := range []string{"a", "b", "c"} {
		go func(arg string) {
			res, err := s.Call(ctx, CmdExecute, arg)
			results <- outcome{arg: arg, res: res, err: err}
		}(arg)
	}

	select {
	case <-release:
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not receive all calls")
	}
	mu.Lock()
	for i := len(held) - 1; i >= 0; i-- {
		cmd := held[i]
		// Echo the argument back so the caller can verify it got its own
		// reply.
		srv.sendReply(&wire.Reply{Ref: cmd.Ref, Result: &wire.Result{Handle: cmd.Args[0]}})
	}
	mu.Unlock()

	for i := 0; i < 3; i++ {
		select {
		case out := <-results:
			if out.err != nil {
				t.Fatalf("call %q failed: %v", out.arg, out.err)
			}
			if out.res.Handle != out.arg {
				t.Fatalf("call %q received reply for %q", out.arg, out.res.Handle)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing reply %d", i)
		}
	}
}

func TestStreamDuplicateReplyIgnored(t *testing.T) {
	arrived := make(chan *wire.Command, 1)
	srv := newScriptServer(t, func(cmd *wire.Command) *wire.Reply {
		arrived <- cmd
		return nil
	})

	d, s := openTCP(t, srv.addr(), time.Minute)
	ctx := testContext(t)

	done := make(chan error, 1)
	go func() {
		_, err := s.Call(ctx, CmdExecute, "select 1")
		done <- err
	}()

	var cmd *wire.Command
	select {
	case cmd = <-arrived:
	case <-time.After(2 * time.Second):
		t.Fatalf("command never arrived")
	}

	rep := &wire.Reply{Ref: cmd.Ref, Result: &wire.Result{Done: true}}
	srv.sendReply(rep)
	srv.sendReply(rep)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("call failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("call never resolved")
	}

	// The second copy found no pending call and was dropped.
	waitCounter(t, d, MetricReplyUnmatched, 1)
	if got := counterValue(d, MetricReplyMatched); got != 1 {
		t.Fatalf("expected exactly one matched reply, got %d", got)
	}
}

func TestStreamCorruptFrameIsRecoverable(t *testing.T) {
	proceed := make(chan *wire.Command, 1)
	srv := newScriptServer(t, func(cmd *wire.Command) *wire.Reply {
		proceed <- cmd
		return nil
	})

	d, s := openTCP(t, srv.addr(), time.Minute)
	ctx := testContext(t)

	done := make(chan error, 1)
	go func() {
		_, err := s.Call(ctx, CmdExecute, "select 1")
		done <- err
	}()

	var cmd *wire.Command
	select {
	case cmd = <-proceed:
	case <-time.After(2 * time.Second):
		t.Fatalf("command never arrived")
	}

	// A garbage frame arrives ahead of the real reply.
	srv.write([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	waitCounter(t, d, MetricFrameDropped, 1)

	srv.sendReply(&wire.Reply{Ref: cmd.Ref, Result: &wire.Result{Done: true}})
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("call failed after corrupt frame: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("call never resolved after corrupt frame")
	}
}

func TestStreamLoopStaysResponsiveWhileCallPending(t *testing.T) {
	proceed := make(chan *wire.Command, 1)
	srv := newScriptServer(t, func(cmd *wire.Command) *wire.Reply {
		if cmd.Name == CmdSubscribe {
			return &wire.Reply{Ref: cmd.Ref, Result: &wire.Result{Done: true}}
		}
		proceed <- cmd
		return nil
	})

	_, s := openTCP(t, srv.addr(), time.Minute)
	ctx := testContext(t)

	events, err := s.Subscribe(ctx, TableDetailKey("parts"))
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Call(ctx, CmdExecute, "select 1")
		done <- err
	}()
	var cmd *wire.Command
	select {
	case cmd = <-proceed:
	case <-time.After(2 * time.Second):
		t.Fatalf("command never arrived")
	}

	// While the call is pending, a notification frame must still route.
	srv.pushEvent(wire.Event{Table: "parts", Op: "write", Row: []string{"1"}})
	select {
	case ev := <-events:
		if ev.Table != "parts" {
			t.Fatalf("unexpected notification: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("loop blocked on pending call")
	}
	select {
	case err := <-done:
		t.Fatalf("call resolved without a reply: %v", err)
	default:
	}

	srv.sendReply(&wire.Reply{Ref: cmd.Ref, Result: &wire.Result{Done: true}})
	if err := <-done; err != nil {
		t.Fatalf("call failed: %v", err)
	}
}

func TestStreamIdleTimeoutFailsPendingCalls(t *testing.T) {
	srv := newScriptServer(t, func(cmd *wire.Command) *wire.Reply {
		return nil // never answer
	})

	_, s := openTCP(t, srv.addr(), 100*time.Millisecond)
	ctx := testContext(t)

	done := make(chan error, 1)
	go func() {
		_, err := s.Call(ctx, CmdExecute, "select 1")
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, ErrAuthTimeout) {
			t.Fatalf("expected ErrAuthTimeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending call hung past the idle window")
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not terminate on idle timeout")
	}
}

func TestStreamTwoStepAuthResetsIdleWindow(t *testing.T) {
	be := backend.NewMemory(backend.MemoryConfig{
		RequireAuth: true,
		AppSecret:   "app-secret",
		Password:    "hunter2",
	})
	srv := newScriptServer(t, func(cmd *wire.Command) *wire.Reply {
		rep := &wire.Reply{Ref: cmd.Ref}
		if cmd.Name == CmdAuthenticate {
			res, err := be.Exec(context.Background(), cmd.Token, cmd.Name, cmd.Args,
				backend.Options{Schema: cmd.Schema})
			if err != nil {
				rep.Err = err.Error()
			} else {
				rep.Result = res
			}
			return rep
		}
		rep.Result = &wire.Result{Done: true}
		return rep
	})

	// Each accepted step restarts the window; the whole exchange below
	// takes longer than one window but no single gap does.
	_, s := openTCP(t, srv.addr(), 400*time.Millisecond)
	ctx := testContext(t)

	step1, err := s.Authenticate(ctx, "app", "s1", "app-secret")
	if err != nil {
		t.Fatalf("step one failed: %v", err)
	}
	if step1.Complete || len(step1.RemainingSteps) != 1 {
		t.Fatalf("unexpected step one result: %+v", step1)
	}

	time.Sleep(250 * time.Millisecond)

	// Calls are allowed mid-exchange; the idle window has not expired
	// because the accepted first step restarted it.
	if _, err := s.Call(ctx, CmdListStatements); err != nil {
		t.Fatalf("call between credential steps failed: %v", err)
	}

	step2, err := s.Authenticate(ctx, "app", "s1", "hunter2")
	if err != nil {
		t.Fatalf("step two failed: %v", err)
	}
	if !step2.Complete || step2.Token == "" {
		t.Fatalf("unexpected step two result: %+v", step2)
	}

	// Authenticated sessions outlive the former idle window.
	time.Sleep(500 * time.Millisecond)
	if _, err := s.Call(ctx, CmdListStatements); err != nil {
		t.Fatalf("authenticated session unusable: %v", err)
	}
}

func TestStreamAuthRejectionTerminatesSession(t *testing.T) {
	be := backend.NewMemory(backend.MemoryConfig{
		RequireAuth: true,
		AppSecret:   "app-secret",
		Password:    "hunter2",
	})
	srv := memoryServer(t, be)

	d, s := openTCP(t, srv.addr(), time.Minute)
	ctx := testContext(t)

	if _, err := s.Authenticate(ctx, "app", "s1", "wrong"); err == nil {
		t.Fatalf("rejected credentials reported success")
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session survived credential rejection")
	}
	if got := counterValue(d, MetricAuthFailure); got != 1 {
		t.Fatalf("expected one auth failure, got %d", got)
	}
}

func TestStreamCloseLogoutIsExpectedReply(t *testing.T) {
	var mu sync.Mutex
	var names []string
	srv := newScriptServer(t, func(cmd *wire.Command) *wire.Reply {
		mu.Lock()
		names = append(names, cmd.Name)
		mu.Unlock()
		return &wire.Reply{Ref: cmd.Ref, Result: &wire.Result{Done: true}}
	})

	d, s := openTCP(t, srv.addr(), time.Minute)
	ctx := testContext(t)

	if _, err := s.Call(ctx, CmdListStatements); err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	sawLogout := func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, name := range names {
			if name == CmdLogout {
				return true
			}
		}
		return false
	}
	deadline := time.Now().Add(2 * time.Second)
	for !sawLogout() {
		if time.Now().After(deadline) {
			mu.Lock()
			seen := append([]string(nil), names...)
			mu.Unlock()
			t.Fatalf("close did not send logout, server saw: %v", seen)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The logout reply correlates to a registered call; it must never be
	// accounted as a stray reply.
	if got := counterValue(d, MetricReplyUnmatched); got != 0 {
		t.Fatalf("logout reply counted as stray: %d", got)
	}
}

func TestStreamRemoteDisconnectFailsPendingCalls(t *testing.T) {
	srv := newScriptServer(t, func(cmd *wire.Command) *wire.Reply {
		return nil
	})

	_, s := openTCP(t, srv.addr(), time.Minute)
	ctx := testContext(t)

	done := make(chan error, 1)
	go func() {
		_, err := s.Call(ctx, CmdExecute, "select 1")
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)

	srv.close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrTransportClosed) {
			t.Fatalf("expected ErrTransportClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending call hung past remote disconnect")
	}
}
