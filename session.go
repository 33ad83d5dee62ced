package quarry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quarrydb/quarry-go/transport"
	"github.com/quarrydb/quarry-go/wire"
)

type sessionState uint8

const (
	stateConnecting sessionState = iota
	stateUnauthenticated
	stateAuthenticated
	stateClosing
	stateClosed
)

// pendingCall is one blocking client request awaiting an asynchronous reply.
// complete runs on the session loop and is invoked exactly once, with either
// the matched reply or the session's termination cause.
type pendingCall struct {
	complete func(res *wire.Result, err error)
}

// Session is one logical connection to the backend. All of its state lives
// on a single control loop fed by one mailbox, so transitions, registry
// mutations, and subscription updates are strictly sequential without locks.
// The exported methods are safe for concurrent use; each is a message to the
// loop.
type Session struct {
	cfg     Config
	log     zerolog.Logger
	metrics *Metrics
	cache   *TokenCache
	schema  string

	mail chan message
	done chan struct{}

	// Loop-owned state. Touched only from run and shutdown.
	state   sessionState
	token   string
	fixed   bool
	tr      transport.Transport
	direct  transport.Direct
	async   transport.Async
	nextRef uint64
	pending map[uint64]*pendingCall
	stmts   map[string]*stmtEntry
	subs    map[EventKey]chan Event
	idle    *time.Timer
	idleC   <-chan time.Time
	unwatch func()
	termErr error
}

func newSession(cfg Config, log zerolog.Logger, metrics *Metrics, cache *TokenCache, schema string) *Session {
	return &Session{
		cfg:     cfg,
		log:     log.With().Str("schema", schema).Logger(),
		metrics: metrics,
		cache:   cache,
		schema:  schema,
		mail:    make(chan message, cfg.Transport.MailboxSize),
		done:    make(chan struct{}),
		state:   stateConnecting,
		token:   NoToken,
		pending: make(map[uint64]*pendingCall),
		stmts:   make(map[string]*stmtEntry),
		subs:    make(map[EventKey]chan Event),
	}
}

// abandon marks a session whose transport never came up. The loop has not
// started; operations fail with ErrSessionClosed.
func (s *Session) abandon() {
	s.state = stateClosed
	close(s.done)
}

// start attaches the established transport and launches the control loop.
func (s *Session) start(tr transport.Transport, variant Variant) {
	s.tr = tr
	if d, ok := tr.(transport.Direct); ok {
		s.direct = d
	}
	if a, ok := tr.(transport.Async); ok {
		s.async = a
	}

	if variant.requiresAuth() {
		s.state = stateUnauthenticated
		s.armIdle()
	} else {
		s.state = stateAuthenticated
		s.fixed = true
	}

	if src, ok := tr.(transport.EventSource); ok {
		s.unwatch = src.Watch(func(ev wire.Event) {
			s.postEvent(ev)
		})
	}

	go s.run()
}

// Done is closed once the session has fully terminated and released its
// resources.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) run() {
	for s.state != stateClosed {
		select {
		case m := <-s.mail:
			s.dispatch(m)
		case <-s.idleC:
			s.idleTimeout()
		}
	}
	s.shutdown()
}

func (s *Session) dispatch(m message) {
	switch msg := m.(type) {
	case callMsg:
		s.handleCall(msg)
	case execMsg:
		s.handleExec(msg)
	case fetchMsg:
		s.handleFetch(msg)
	case subscribeMsg:
		s.handleSubscribe(msg)
	case closeStmtMsg:
		s.handleCloseStmt(msg)
	case listStmtsMsg:
		s.handleListStmts(msg)
	case authMsg:
		s.handleAuth(msg)
	case closeMsg:
		s.handleClose(msg)
	case frameMsg:
		s.handleFrame(msg.payload)
	case eventMsg:
		s.routeEvent(msg.event)
	case ownerDownMsg:
		s.handleOwnerDown(msg.owner)
	case transportClosedMsg:
		s.handleTransportClosed(msg.err)
	default:
		// A call shape the loop cannot interpret has no well-formed reply,
		// so it is fatal rather than a silent drop.
		s.log.Error().Type("message", m).Msg("unrecognized session message")
		s.terminate(ErrBadCall)
	}
}

// callable gates client operations on the connection state. The loop never
// observes Connecting: start flips the state before launching it, and a
// failed connect abandons the session without a loop.
func (s *Session) callable() error {
	switch s.state {
	case stateClosing:
		return ErrSessionClosing
	case stateClosed:
		return ErrSessionClosed
	}
	return nil
}

// sendCommand annotates cmd with the session's security context and
// delivers it. complete always runs on the session loop, exactly once.
func (s *Session) sendCommand(ctx context.Context, name string, args []string, complete func(res *wire.Result, err error)) {
	cmd := &wire.Command{
		Token:  s.token,
		Schema: s.schema,
		Name:   name,
		Args:   args,
	}
	s.metrics.inc(MetricCallIssued)

	if s.direct != nil {
		res, err := s.direct.Call(ctx, cmd)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				complete(nil, ErrSessionClosed)
			} else {
				complete(nil, &CommandError{Reason: err.Error()})
			}
			return
		}
		complete(res, nil)
		return
	}

	ref := s.nextRef + 1
	s.nextRef = ref
	s.pending[ref] = &pendingCall{complete: complete}
	if err := s.async.Send(ref, cmd); err != nil {
		delete(s.pending, ref)
		complete(nil, err)
	}
}

func (s *Session) handleCall(m callMsg) {
	if err := s.callable(); err != nil {
		m.reply <- callOutcome{err: err}
		return
	}
	s.sendCommand(m.ctx, m.name, m.args, func(res *wire.Result, err error) {
		m.reply <- callOutcome{result: res, err: err}
	})
}

func (s *Session) handleFrame(payload []byte) {
	msg, err := wire.DecodeMessage(payload)
	if err != nil {
		// Recoverable: a corrupt frame affects nothing in flight.
		s.metrics.inc(MetricFrameDropped)
		s.log.Debug().Err(err).Msg("dropping undecodable frame")
		return
	}
	switch {
	case msg.Reply != nil:
		s.resolveReply(msg.Reply)
	case msg.Event != nil:
		s.routeEvent(*msg.Event)
	default:
		s.metrics.inc(MetricFrameDropped)
		s.log.Debug().Msg("dropping unexpected inbound command frame")
	}
}

// resolveReply matches an inbound reply to its pending call by correlation
// reference. Arrival order is irrelevant; the reference decides. An
// error-with-reference is an error reply to that call, not a protocol fault.
func (s *Session) resolveReply(rep *wire.Reply) {
	pc, ok := s.pending[rep.Ref]
	if !ok {
		s.metrics.inc(MetricReplyUnmatched)
		s.log.Debug().Uint64("ref", rep.Ref).Msg("reply with no pending call")
		return
	}
	delete(s.pending, rep.Ref)
	s.metrics.inc(MetricReplyMatched)
	if rep.Failed() {
		pc.complete(nil, &CommandError{Reason: rep.Err})
		return
	}
	pc.complete(rep.Result, nil)
}

func (s *Session) handleClose(m closeMsg) {
	if s.state == stateClosing || s.state == stateClosed {
		m.reply <- struct{}{}
		return
	}
	s.state = stateClosing
	s.releaseStatements(ErrSessionClosed)
	s.sendLogout()
	s.terminate(ErrSessionClosed)
	m.reply <- struct{}{}
}

func (s *Session) sendLogout() {
	cmd := &wire.Command{Token: s.token, Schema: s.schema, Name: CmdLogout}
	if s.direct != nil {
		if _, err := s.direct.Call(context.Background(), cmd); err != nil {
			s.log.Debug().Err(err).Msg("best-effort logout failed")
		}
		return
	}
	ref := s.nextRef + 1
	s.nextRef = ref
	// The entry keeps the correlation table consistent: a logout reply is
	// an expected reply, not a stray one.
	s.pending[ref] = &pendingCall{complete: func(res *wire.Result, err error) {
		if err != nil {
			s.log.Debug().Err(err).Msg("best-effort logout failed")
		}
	}}
	if err := s.async.Send(ref, cmd); err != nil {
		delete(s.pending, ref)
		s.log.Debug().Err(err).Msg("best-effort logout failed")
	}
}

func (s *Session) handleTransportClosed(err error) {
	if s.state == stateClosed {
		return
	}
	if err == nil {
		s.terminate(ErrTransportClosed)
		return
	}
	s.log.Warn().Err(err).Msg("transport closed")
	s.terminate(fmt.Errorf("%w: %v", ErrTransportClosed, err))
}

func (s *Session) idleTimeout() {
	if s.state != stateUnauthenticated {
		return
	}
	s.metrics.inc(MetricAuthTimeout)
	s.log.Warn().Dur("window", s.cfg.Auth.IdleTimeout).Msg("authentication idle timeout")
	s.terminate(ErrAuthTimeout)
}

// terminate flips the session to Closed; the loop then runs shutdown.
func (s *Session) terminate(cause error) {
	if s.state == stateClosed {
		return
	}
	s.termErr = cause
	s.state = stateClosed
}

// shutdown releases everything exactly once: statements are told to release
// their resources, every outstanding pending call receives the termination
// cause, subscription channels close, and the transport handle closes.
func (s *Session) shutdown() {
	s.stopIdle()
	if s.unwatch != nil {
		s.unwatch()
	}

	cause := s.termErr
	if cause == nil {
		cause = ErrSessionClosed
	}

	s.releaseStatements(cause)

	for ref, pc := range s.pending {
		delete(s.pending, ref)
		pc.complete(nil, cause)
	}
	for key, ch := range s.subs {
		delete(s.subs, key)
		close(ch)
	}
	if s.tr != nil {
		_ = s.tr.Close()
	}

	// Messages accepted before termination but never dispatched still carry
	// waiting callers.
	s.failQueued(cause)
	close(s.done)
	// A post that passed its done check before the close may have slipped
	// in behind the first sweep.
	s.failQueued(cause)

	s.metrics.inc(MetricSessionClosed)
}

func (s *Session) failQueued(cause error) {
	for {
		select {
		case m := <-s.mail:
			s.failMessage(m, cause)
		default:
			return
		}
	}
}

// failMessage resolves one undispatched client message with the termination
// cause. Messages without a waiting caller are dropped. Reply channels are
// buffered, so the sends cannot block.
func (s *Session) failMessage(m message, cause error) {
	switch msg := m.(type) {
	case callMsg:
		msg.reply <- callOutcome{err: cause}
	case execMsg:
		msg.reply <- execOutcome{err: cause}
	case fetchMsg:
		msg.reply <- cause
	case subscribeMsg:
		msg.reply <- subscribeOutcome{err: cause}
	case closeStmtMsg:
		msg.reply <- cause
	case listStmtsMsg:
		msg.reply <- nil
	case authMsg:
		msg.reply <- authOutcome{err: cause}
	case closeMsg:
		msg.reply <- struct{}{}
	}
}

func (s *Session) armIdle() {
	s.idle = time.NewTimer(s.cfg.Auth.IdleTimeout)
	s.idleC = s.idle.C
}

func (s *Session) resetIdle() {
	if s.idle == nil {
		return
	}
	if !s.idle.Stop() {
		select {
		case <-s.idle.C:
		default:
		}
	}
	s.idle.Reset(s.cfg.Auth.IdleTimeout)
}

func (s *Session) stopIdle() {
	if s.idle == nil {
		return
	}
	if !s.idle.Stop() {
		select {
		case <-s.idle.C:
		default:
		}
	}
	s.idle = nil
	s.idleC = nil
}

// Deliver implements transport.Sink: inbound frames enter the mailbox in
// arrival order.
func (s *Session) Deliver(payload []byte) {
	_ = s.post(frameMsg{payload: payload})
}

// Closed implements transport.Sink.
func (s *Session) Closed(err error) {
	_ = s.post(transportClosedMsg{err: err})
}

// post blocks until the mailbox accepts m or the session terminates.
// Termination takes priority over a mailbox with free capacity: nothing
// drains the mailbox once the loop has exited, so a message accepted there
// would strand its caller.
func (s *Session) post(m message) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.mail <- m:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *Session) postCtx(ctx context.Context, m message) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.mail <- m:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// postEvent never blocks the producer: notifications are droppable and a
// full mailbox must not stall an in-process backend mid-write.
func (s *Session) postEvent(ev wire.Event) {
	select {
	case s.mail <- eventMsg{event: ev}:
	case <-s.done:
	default:
		s.metrics.inc(MetricEventDropped)
		s.log.Warn().Str("table", ev.Table).Msg("mailbox full, dropping notification")
	}
}
