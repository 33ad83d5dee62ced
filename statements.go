package quarry

// stmtEntry is one registry slot: the statement's owning consumer, its
// column metadata, and the stop channel of the liveness watcher.
type stmtEntry struct {
	owner   Owner
	columns []string
	stop    chan struct{}
	stopped bool
}

func (e *stmtEntry) stopWatch() {
	if !e.stopped {
		e.stopped = true
		close(e.stop)
	}
}

// registerStatement binds a handle to its owner and begins monitoring the
// owner's liveness. A re-registered handle replaces its previous entry.
func (s *Session) registerStatement(handle string, owner Owner, columns []string) {
	if old, ok := s.stmts[handle]; ok {
		old.stopWatch()
	}
	entry := &stmtEntry{owner: owner, columns: columns, stop: make(chan struct{})}
	s.stmts[handle] = entry
	s.metrics.inc(MetricStatementRegistered)

	if owner.Done() != nil {
		go s.watchOwner(owner, entry.stop)
	}
}

func (s *Session) watchOwner(owner Owner, stop chan struct{}) {
	select {
	case <-owner.Done():
		// Cancellation can race the owner's death; a cancelled watcher
		// must not post a stale notice.
		select {
		case <-stop:
			return
		default:
		}
		select {
		case s.mail <- ownerDownMsg{owner: owner}:
		case <-s.done:
		}
	case <-stop:
	}
}

// handleOwnerDown removes every handle owned by the terminated consumer.
// Zero matching handles is fine: the owner may have closed its statements
// before terminating.
func (s *Session) handleOwnerDown(owner Owner) {
	s.metrics.inc(MetricOwnerCleanup)
	removed := 0
	for handle, entry := range s.stmts {
		if entry.owner != owner {
			continue
		}
		entry.stopWatch()
		delete(s.stmts, handle)
		removed++
		s.metrics.inc(MetricStatementRemoved)
		s.log.Info().
			Str("handle", handle).
			Str("reason", "owner terminated").
			Int("remaining", len(s.stmts)).
			Msg("statement cleanup")
	}
	if removed == 0 {
		s.log.Debug().Msg("owner termination with no registered statements")
	}
}

// removeStatement drops one handle and cancels its liveness watcher so no
// stale notification leaks. Idempotent.
func (s *Session) removeStatement(handle, reason string) {
	entry, ok := s.stmts[handle]
	if !ok {
		return
	}
	entry.stopWatch()
	delete(s.stmts, handle)
	s.metrics.inc(MetricStatementRemoved)
	s.log.Debug().
		Str("handle", handle).
		Str("reason", reason).
		Int("remaining", len(s.stmts)).
		Msg("statement removed")
}

// releaseStatements tells every open statement's owner to release its
// resources and empties the registry.
func (s *Session) releaseStatements(cause error) {
	if len(s.stmts) == 0 {
		return
	}
	owners := make(map[Owner]struct{}, len(s.stmts))
	for handle, entry := range s.stmts {
		entry.stopWatch()
		owners[entry.owner] = struct{}{}
		delete(s.stmts, handle)
		s.metrics.inc(MetricStatementRemoved)
	}
	for owner := range owners {
		owner.Fail(cause)
	}
}
