package quarry

import (
	"github.com/quarrydb/quarry-go/wire"
)

// Variant selects how a session reaches its backend.
type Variant string

const (
	// VariantLocal invokes an in-process backend directly and bypasses
	// authentication.
	VariantLocal Variant = "local"
	// VariantSecuredLocal invokes an in-process backend directly but still
	// requires a security context.
	VariantSecuredLocal Variant = "secured_local"
	// VariantTCP is a plaintext length-framed byte stream.
	VariantTCP Variant = "tcp"
	// VariantTLS is an encrypted length-framed byte stream with the same
	// framing as VariantTCP.
	VariantTLS Variant = "tls"
	// VariantPeer addresses a named in-process peer backend.
	VariantPeer Variant = "peer"
)

func (v Variant) valid() bool {
	switch v {
	case VariantLocal, VariantSecuredLocal, VariantTCP, VariantTLS, VariantPeer:
		return true
	}
	return false
}

// requiresAuth reports whether sessions on this variant start
// unauthenticated.
func (v Variant) requiresAuth() bool {
	return v != VariantLocal
}

// NoToken is the security-context sentinel carried before authentication.
const NoToken = ""

// Event is a change notification delivered to a subscriber.
type Event = wire.Event

// Result is the payload of a successful command reply.
type Result = wire.Result

// Owner is the consumer side of one statement: it receives row batches and
// completion flags from the fetch loop, failures as error events, and
// signals its own termination through Done so the registry can clean up the
// statements it owns. *rows.Buffer satisfies Owner.
type Owner interface {
	Insert(batch [][]string, done bool)
	Fail(err error)
	Done() <-chan struct{}
}

// Statement identifies one server-side cursor together with the column
// metadata reported when it was opened.
type Statement struct {
	Handle  string
	Columns []string
}

// StatementInfo is a snapshot entry from Session.Statements.
type StatementInfo struct {
	Handle  string
	Columns []string
}

// AuthResult reports the outcome of one authentication step. Complete is
// true once the security context is fixed; otherwise Token holds an
// intermediate challenge token and RemainingSteps names what the backend
// still expects.
type AuthResult struct {
	Token          string
	RemainingSteps []string
	Complete       bool
}

// Command names understood by the backend collaborator.
const (
	CmdAuthenticate   = "authenticate"
	CmdExecute        = "execute"
	CmdFetch          = "fetch"
	CmdCloseStatement = "close_statement"
	CmdListStatements = "list_statements"
	CmdSubscribe      = "subscribe"
	CmdLogout         = "logout"
)
