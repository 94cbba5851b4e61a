// Package jetserr defines the sentinel errors shared across jetstream.
package jetserr

import (
	"errors"
	"fmt"
)

var (
	// ErrObjectUnknown is returned when a fragment addresses a UUID the
	// scope has never seen.
	ErrObjectUnknown = errors.New("jetstream: unknown object")
	// ErrClassUnknown is returned when a fragment names a class with no
	// registered schema.
	ErrClassUnknown = errors.New("jetstream: unknown class")
	// ErrUnknownProperty is returned by strict property accessors; the
	// fragment-apply path instead skips and warns per spec.
	ErrUnknownProperty = errors.New("jetstream: unknown property")
	// ErrWrongScope is returned when an object already belongs to a
	// different scope.
	ErrWrongScope = errors.New("jetstream: object belongs to another scope")
	// ErrUnpairedRemoteApply is the fatal programmer error from an
	// unbalanced StartApplyingRemote/EndApplyingRemote pair.
	ErrUnpairedRemoteApply = errors.New("jetstream: unpaired remote-apply")
	// ErrClosed is returned by operations attempted after Client.Close.
	ErrClosed = errors.New("jetstream: client closed")
	// ErrNoSession is returned when an operation requires an attached
	// Session that does not exist yet.
	ErrNoSession = errors.New("jetstream: no session")
	// ErrFetchDenied wraps a server-reported ScopeFetch failure.
	ErrFetchDenied = errors.New("jetstream: scope fetch denied")
	// ErrSessionDenied marks a SessionCreate rejected by the server.
	ErrSessionDenied = errors.New("jetstream: session denied")
)

// FatalTransportCode classifies the subset of server-signalled close
// codes that must never trigger a reconnect.
type FatalTransportCode int

const (
	// CodeDeniedConnection is the server refusing the connection outright.
	CodeDeniedConnection FatalTransportCode = 4096
	// CodeClosedConnection is the server closing an established connection
	// for a reason that forbids resuming it.
	CodeClosedConnection FatalTransportCode = 4097
)

// IsFatal reports whether code is one of the fixed fatal codes that
// must suppress reconnection.
func IsFatal(code int) bool {
	switch FatalTransportCode(code) {
	case CodeDeniedConnection, CodeClosedConnection:
		return true
	default:
		return false
	}
}

// CodedError is a Channel-close error carrying the server-signalled code
// that caused it, letting Transport tell a fatal disconnect from a
// transient one without depending on any particular Channel
// implementation's error types.
type CodedError struct {
	Code int
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("jetstream: transport closed with code %d", e.Code)
}

// NewCodedError wraps a server-signalled close code for delivery through
// a Channel's onClosed callback.
func NewCodedError(code int) error {
	return &CodedError{Code: code}
}

// CodeFromError extracts the code from err if it is (or wraps) a
// *CodedError.
func CodeFromError(err error) (int, bool) {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	return 0, false
}
