package mqi

import (
	"errors"
	"fmt"

	"github.com/zhubert/prolog-mqi/term"
)

// ErrorKind classifies every failure the library can report. The set is
// closed: hosts can switch on it exhaustively.
type ErrorKind int

const (
	// LaunchFailed: the child could not be spawned, or the handshake
	// output was absent or malformed within the startup window.
	LaunchFailed ErrorKind = iota

	// AuthenticationFailed: the engine rejected the shared secret.
	AuthenticationFailed

	// TransportError: underlying I/O failure. The session is Broken.
	TransportError

	// MalformedFrame: well-formed transport but an unparseable frame.
	// The session is Broken.
	MalformedFrame

	// ProtocolViolation: a parseable frame whose payload does not
	// follow the protocol. The session is Broken.
	ProtocolViolation

	// InvalidState: the operation is not permitted in the session's
	// current state. Recoverable.
	InvalidState

	// TimeoutExceeded: the engine reported time_limit_exceeded. The
	// session remains usable.
	TimeoutExceeded

	// QueryException: the engine reported an uncaught exception from
	// host code. Payload carries the exception term.
	QueryException

	// Cancelled: the engine reported cancel_goal.
	Cancelled

	// NoQuery: cancel or poll with no outstanding async query.
	NoQuery

	// NoMoreResults: terminal, non-error end of an async result stream.
	NoMoreResults

	// SessionUnavailable: the session is Broken or Closed.
	SessionUnavailable
)

// String returns the kind name for logs and error text.
func (k ErrorKind) String() string {
	switch k {
	case LaunchFailed:
		return "launch failed"
	case AuthenticationFailed:
		return "authentication failed"
	case TransportError:
		return "transport error"
	case MalformedFrame:
		return "malformed frame"
	case ProtocolViolation:
		return "protocol violation"
	case InvalidState:
		return "invalid state"
	case TimeoutExceeded:
		return "time limit exceeded"
	case QueryException:
		return "query exception"
	case Cancelled:
		return "query cancelled"
	case NoQuery:
		return "no outstanding query"
	case NoMoreResults:
		return "no more results"
	case SessionUnavailable:
		return "session unavailable"
	default:
		return fmt.Sprintf("error kind %d", int(k))
	}
}

// Error is the library's error type. Kind is always meaningful; Payload
// is set for QueryException; Err wraps an underlying cause when one
// exists.
type Error struct {
	Kind    ErrorKind
	Op      string    // operation that failed, e.g. "run", "poll"
	Payload term.Term // exception term for QueryException
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Kind == QueryException {
		msg = fmt.Sprintf("%s: %s", msg, e.Payload)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// errKind builds a bare Error.
func errKind(op string, kind ErrorKind) *Error {
	return &Error{Kind: kind, Op: op}
}

// errWrap builds an Error wrapping an underlying cause.
func errWrap(op string, kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// errException builds a QueryException carrying the engine's term.
func errException(op string, payload term.Term) *Error {
	return &Error{Kind: QueryException, Op: op, Payload: payload}
}

// KindOf extracts the ErrorKind from err. The second result is false
// when err did not originate from this library.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsKind reports whether err is a library error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
