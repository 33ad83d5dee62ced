package quarry

import "errors"

var (
	// ErrSessionClosed is returned by any operation on a terminated session.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionClosing is returned by operations issued while an explicit
	// close is in progress.
	ErrSessionClosing = errors.New("session closing")
	// ErrAuthTimeout is the termination cause when the unauthenticated-idle
	// window elapses before the credential exchange completes.
	ErrAuthTimeout = errors.New("authentication idle timeout")
	// ErrAuthRejected is the termination cause when the backend rejects a
	// credential step.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrTransportClosed is the termination cause when a byte-stream
	// transport reports closure.
	ErrTransportClosed = errors.New("transport closed")
	// ErrConnectFailed wraps transport establishment failures.
	ErrConnectFailed = errors.New("connect failed")
	// ErrStatementNotFound is returned when an operation names a statement
	// handle with no registry entry.
	ErrStatementNotFound = errors.New("statement not found")
	// ErrBadCall marks a call shape the session loop cannot interpret. It is
	// fatal to the session because no well-formed reply can be produced.
	ErrBadCall = errors.New("unrecognized call shape")
	// ErrBuilderUsed is returned when Build is invoked twice on one Builder.
	ErrBuilderUsed = errors.New("builder already used")
)

// CommandError is a backend-reported command failure. It is recoverable: the
// session stays usable and only the originating caller sees it.
type CommandError struct {
	Reason string
}

func (e *CommandError) Error() string {
	return "command failed: " + e.Reason
}
