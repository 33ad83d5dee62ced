package quarry

import (
	"context"
	"errors"

	"github.com/quarrydb/quarry-go/wire"
)

// Authenticate forwards one credential step to the backend. When the backend
// reports completion the security context is fixed and the idle timer
// cleared; when it reports more steps the challenge continues and the idle
// window restarts. A backend rejection is fatal to the session.
//
// With a configured token cache, a usable cached token for
// (appID, sessionID) short-circuits the exchange entirely.
func (s *Session) Authenticate(ctx context.Context, appID, sessionID, step string) (*AuthResult, error) {
	var resume string
	if s.cache != nil {
		if tok, ok := s.cache.Lookup(ctx, appID, sessionID); ok {
			s.metrics.inc(MetricTokenCacheHit)
			resume = tok
		} else {
			s.metrics.inc(MetricTokenCacheMiss)
		}
	}

	reply := make(chan authOutcome, 1)
	m := authMsg{
		appID:       appID,
		sessionID:   sessionID,
		step:        step,
		resumeToken: resume,
		reply:       reply,
	}
	if err := s.postCtx(ctx, m); err != nil {
		return nil, err
	}

	select {
	case out := <-reply:
		if out.err == nil && out.result.Complete && resume == "" && s.cache != nil {
			s.cache.Store(ctx, appID, sessionID, out.result.Token)
		}
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) handleAuth(m authMsg) {
	switch s.state {
	case stateAuthenticated:
		// The security context is assigned at most once; repeat attempts
		// are no-ops reporting the fixed token.
		m.reply <- authOutcome{result: &AuthResult{Token: s.token, Complete: true}}
		return
	case stateClosing:
		m.reply <- authOutcome{err: ErrSessionClosing}
		return
	case stateClosed:
		m.reply <- authOutcome{err: ErrSessionClosed}
		return
	}

	if m.resumeToken != "" {
		s.fixToken(m.resumeToken)
		s.log.Debug().Str("app", m.appID).Msg("session resumed from token cache")
		m.reply <- authOutcome{result: &AuthResult{Token: s.token, Complete: true}}
		return
	}

	args := []string{m.appID, m.sessionID, m.step}
	s.sendCommand(context.Background(), CmdAuthenticate, args, func(res *wire.Result, err error) {
		s.onAuthReply(m, res, err)
	})
}

func (s *Session) onAuthReply(m authMsg, res *wire.Result, err error) {
	if err != nil {
		s.metrics.inc(MetricAuthFailure)
		m.reply <- authOutcome{err: err}
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && s.state == stateUnauthenticated {
			// Rejected credentials are fatal to the session, unlike
			// ordinary command failures.
			s.log.Warn().Err(err).Msg("authentication rejected")
			s.terminate(ErrAuthRejected)
		}
		return
	}

	if res != nil && (res.Done || len(res.Steps) == 0) {
		s.fixToken(res.Token)
		s.metrics.inc(MetricAuthSuccess)
		m.reply <- authOutcome{result: &AuthResult{Token: s.token, Complete: true}}
		return
	}

	// Partial step accepted: the challenge continues and the idle window
	// restarts rather than clears.
	s.resetIdle()
	out := &AuthResult{}
	if res != nil {
		out.Token = res.Token
		out.RemainingSteps = res.Steps
	}
	m.reply <- authOutcome{result: out}
}

// fixToken assigns the security context. At most one assignment takes
// effect for the session's lifetime.
func (s *Session) fixToken(tok string) {
	if !s.fixed {
		s.fixed = true
		if tok != "" {
			s.token = tok
		}
	}
	s.state = stateAuthenticated
	s.stopIdle()
}
