// Package errs defines the error taxonomy used throughout the forwarder and
// its transports. Kinds are classified by this package's Is (a Kind field
// on *Error), rather than by matching error strings at call sites.
package errs

import "fmt"

// Kind identifies a class of error for retry/propagation decisions.
type Kind string

const (
	KindConnectionClosed         Kind = "connection_closed"
	KindTimeout                  Kind = "timeout"
	KindIO                       Kind = "io"
	KindBadProxyReply            Kind = "bad_proxy_reply"
	KindUDPAssociationNotFound   Kind = "udp_association_not_found"
	KindUDPAssociationTerminated Kind = "udp_association_terminated"
	KindInvalidConnState         Kind = "invalid_conn_state"
	KindDuplicateID              Kind = "duplicate_id"
	KindConnectionIDNotFound     Kind = "connection_id_not_found"
	KindUnexpectedData           Kind = "unexpected_data"
	KindDecodeError              Kind = "decode_error"
	KindExchangeFailed           Kind = "exchange_failed"
	KindShuttingDown             Kind = "shutting_down"
	KindInProgress               Kind = "in_progress"
)

// Error wraps an underlying cause with a Kind for classification.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds a *Error of the given kind wrapping cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Is reports whether the first *Error found along err's Unwrap chain has
// the given Kind; Kinds of *Errors wrapped deeper inside it are not
// checked.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ce, ok := err.(*Error); ok {
			e = ce
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}

var (
	ErrConnectionClosed         = New(KindConnectionClosed, "connection closed")
	ErrTimeout                  = New(KindTimeout, "operation timed out")
	ErrUDPAssociationNotFound   = New(KindUDPAssociationNotFound, "no udp association for event loop")
	ErrUDPAssociationTerminated = New(KindUDPAssociationTerminated, "udp association terminated")
	ErrInvalidConnState         = New(KindInvalidConnState, "connection in unexpected state for this operation")
	ErrUnexpectedData           = New(KindUnexpectedData, "unexpected data on control channel")
	ErrExchangeFailed           = New(KindExchangeFailed, "all upstreams failed")
	ErrShuttingDown             = New(KindShuttingDown, "forwarder is shutting down")
	ErrInProgress               = New(KindInProgress, "an operation is already in progress on this socket")
)
