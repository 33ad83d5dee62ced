package quarry

import (
	"context"
	"strconv"

	"github.com/quarrydb/quarry-go/wire"
)

// message is one mailbox entry. Client calls, inbound network events, timer
// and liveness notices all funnel through the same channel.
type message interface {
	sessionMessage()
}

type callOutcome struct {
	result *wire.Result
	err    error
}

type callMsg struct {
	ctx   context.Context
	name  string
	args  []string
	reply chan callOutcome
}

type execOutcome struct {
	st  *Statement
	err error
}

type execMsg struct {
	ctx   context.Context
	stmt  string
	owner Owner
	reply chan execOutcome
}

type fetchMsg struct {
	handle string
	reply  chan error
}

type subscribeOutcome struct {
	ch  <-chan Event
	err error
}

type subscribeMsg struct {
	ctx   context.Context
	key   EventKey
	reply chan subscribeOutcome
}

type closeStmtMsg struct {
	ctx    context.Context
	handle string
	reply  chan error
}

type listStmtsMsg struct {
	reply chan []StatementInfo
}

type authOutcome struct {
	result *AuthResult
	err    error
}

type authMsg struct {
	appID       string
	sessionID   string
	step        string
	resumeToken string
	reply       chan authOutcome
}

type closeMsg struct {
	reply chan struct{}
}

type frameMsg struct {
	payload []byte
}

type eventMsg struct {
	event wire.Event
}

type transportClosedMsg struct {
	err error
}

type ownerDownMsg struct {
	owner Owner
}

func (callMsg) sessionMessage()            {}
func (execMsg) sessionMessage()            {}
func (fetchMsg) sessionMessage()           {}
func (subscribeMsg) sessionMessage()       {}
func (closeStmtMsg) sessionMessage()       {}
func (listStmtsMsg) sessionMessage()       {}
func (authMsg) sessionMessage()            {}
func (closeMsg) sessionMessage()           {}
func (frameMsg) sessionMessage()           {}
func (eventMsg) sessionMessage()           {}
func (transportClosedMsg) sessionMessage() {}
func (ownerDownMsg) sessionMessage()       {}

// Call issues a generic command and blocks until its reply arrives or the
// session terminates. Backend command failures come back as *CommandError;
// the session itself stays usable after them.
func (s *Session) Call(ctx context.Context, name string, args ...string) (*Result, error) {
	reply := make(chan callOutcome, 1)
	if err := s.postCtx(ctx, callMsg{ctx: ctx, name: name, args: args, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case out := <-reply:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Execute runs a statement. When the backend returns a result-set reference,
// the handle is registered under owner, whose liveness the session monitors
// until the statement closes. A nil owner is allowed for statements that
// produce no result set.
func (s *Session) Execute(ctx context.Context, stmt string, owner Owner) (*Statement, error) {
	reply := make(chan execOutcome, 1)
	if err := s.postCtx(ctx, execMsg{ctx: ctx, stmt: stmt, owner: owner, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case out := <-reply:
		return out.st, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Fetch starts the asynchronous row-fetch loop for st. It returns as soon as
// the first fetch command is on its way; batches and the completion flag are
// delivered to the statement's owner, and a mid-stream error arrives as an
// error event rather than a row batch.
func (s *Session) Fetch(ctx context.Context, st *Statement) error {
	if st == nil {
		return ErrStatementNotFound
	}
	reply := make(chan error, 1)
	if err := s.postCtx(ctx, fetchMsg{handle: st.Handle, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers the caller for notifications matching key and returns
// the delivery channel. Re-subscribing the same key replaces the previous
// subscriber; the old channel is closed. The channel closes on session
// termination.
func (s *Session) Subscribe(ctx context.Context, key EventKey) (<-chan Event, error) {
	reply := make(chan subscribeOutcome, 1)
	if err := s.postCtx(ctx, subscribeMsg{ctx: ctx, key: key, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case out := <-reply:
		return out.ch, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CloseStatement releases one statement. It succeeds even when the handle is
// unknown.
func (s *Session) CloseStatement(ctx context.Context, handle string) error {
	reply := make(chan error, 1)
	if err := s.postCtx(ctx, closeStmtMsg{ctx: ctx, handle: handle, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Statements returns a snapshot of the open statement table, never a live
// reference.
func (s *Session) Statements(ctx context.Context) ([]StatementInfo, error) {
	reply := make(chan []StatementInfo, 1)
	if err := s.postCtx(ctx, listStmtsMsg{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case list := <-reply:
		return list, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close terminates the session: open statements release their resources, a
// best-effort logout goes out, and the transport closes. Idempotent.
func (s *Session) Close() error {
	reply := make(chan struct{}, 1)
	if err := s.post(closeMsg{reply: reply}); err != nil {
		// Already terminated.
		return nil
	}
	select {
	case <-reply:
	case <-s.done:
	}
	<-s.done
	return nil
}

func (s *Session) handleExec(m execMsg) {
	if err := s.callable(); err != nil {
		m.reply <- execOutcome{err: err}
		return
	}
	s.sendCommand(m.ctx, CmdExecute, []string{m.stmt}, func(res *wire.Result, err error) {
		if err != nil {
			m.reply <- execOutcome{err: err}
			return
		}
		st := &Statement{}
		if res != nil {
			st.Handle = res.Handle
			st.Columns = res.Columns
		}
		if st.Handle != "" && m.owner != nil {
			s.registerStatement(st.Handle, m.owner, st.Columns)
		}
		m.reply <- execOutcome{st: st}
	})
}

func (s *Session) handleFetch(m fetchMsg) {
	if err := s.callable(); err != nil {
		m.reply <- err
		return
	}
	entry, ok := s.stmts[m.handle]
	if !ok {
		m.reply <- ErrStatementNotFound
		return
	}
	s.issueFetch(m.handle, entry.owner)
	m.reply <- nil
}

// issueFetch sends one fetch command; its reply handler continues the loop
// until the backend reports completion or an error.
func (s *Session) issueFetch(handle string, owner Owner) {
	args := []string{handle, strconv.Itoa(s.cfg.Fetch.BatchSize)}
	s.sendCommand(context.Background(), CmdFetch, args, func(res *wire.Result, err error) {
		s.onFetchReply(handle, owner, res, err)
	})
}

func (s *Session) onFetchReply(handle string, owner Owner, res *wire.Result, err error) {
	if _, live := s.stmts[handle]; !live {
		// Removed mid-flight; a removed handle never delivers stale data.
		s.log.Debug().Str("handle", handle).Msg("dropping fetch reply for removed statement")
		return
	}
	if err != nil {
		s.metrics.inc(MetricFetchError)
		owner.Fail(err)
		return
	}
	var batch [][]string
	done := true
	if res != nil {
		batch = res.Rows
		done = res.Done
	}
	s.metrics.inc(MetricFetchBatch)
	owner.Insert(batch, done)
	if !done {
		s.issueFetch(handle, owner)
	}
}

func (s *Session) handleSubscribe(m subscribeMsg) {
	if err := s.callable(); err != nil {
		m.reply <- subscribeOutcome{err: err}
		return
	}
	s.sendCommand(m.ctx, CmdSubscribe, []string{m.key.wireSpec()}, func(res *wire.Result, err error) {
		if err != nil {
			m.reply <- subscribeOutcome{err: err}
			return
		}
		ch := make(chan Event, eventBuffer)
		if old, ok := s.subs[m.key]; ok {
			close(old)
		}
		s.subs[m.key] = ch
		m.reply <- subscribeOutcome{ch: ch}
	})
}

func (s *Session) handleCloseStmt(m closeStmtMsg) {
	if err := s.callable(); err != nil {
		m.reply <- err
		return
	}
	s.removeStatement(m.handle, "closed")
	s.sendCommand(m.ctx, CmdCloseStatement, []string{m.handle}, func(res *wire.Result, err error) {
		if err != nil {
			// Close is idempotent; a backend that no longer knows the
			// handle is not an error worth surfacing.
			s.log.Debug().Err(err).Str("handle", m.handle).Msg("backend close_statement failed")
		}
		m.reply <- nil
	})
}

func (s *Session) handleListStmts(m listStmtsMsg) {
	list := make([]StatementInfo, 0, len(s.stmts))
	for handle, entry := range s.stmts {
		columns := make([]string, len(entry.columns))
		copy(columns, entry.columns)
		list = append(list, StatementInfo{Handle: handle, Columns: columns})
	}
	m.reply <- list
}
