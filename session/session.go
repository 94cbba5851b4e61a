// Package session implements jetstream's Session: per-connection
// identity, the monotonic outbound index counter, and the scope-fetch
// helper.
package session

import (
	"sync/atomic"

	"github.com/uber/jetstream-go/jetserr"
	"github.com/uber/jetstream-go/protocol"
	"github.com/uber/jetstream-go/transport"
)

// FetchCallback receives the outcome of a ScopeFetch: on success
// scopeIndex is the attached index; on failure err describes why.
type FetchCallback func(scopeIndex int, err error)

// Session holds the server-issued token and the monotonic index counter
// every outbound Message draws from.
type Session struct {
	Token string

	transport *transport.Transport
	nextIndex int64
}

// New wraps transport with a Session identified by token. The counter
// seeds at 1, not 0: index 1 was already spent on the bootstrap
// SessionCreate sent before any Session existed, so the first message
// this Session allocates an index for is 2.
func New(token string, tr *transport.Transport) *Session {
	return &Session{Token: token, transport: tr, nextIndex: 1}
}

// NextIndexFunc returns an allocator suitable for transport.Options.NextIndex,
// so Transport-originated messages (keep-alive Pings) draw from the same
// counter as Session-originated ones.
func (s *Session) NextIndexFunc() func() int64 {
	return s.GetIndexForMessage
}

// GetIndexForMessage atomically allocates the next strictly monotonic
// outbound index.
func (s *Session) GetIndexForMessage() int64 {
	return atomic.AddInt64(&s.nextIndex, 1)
}

// ServerIndex is the highest index seen from the peer, the value a
// keep-alive Ping advertises as its ack.
func (s *Session) ServerIndex() int64 {
	return s.transport.LastServerIndex()
}

// Fetch sends ScopeFetch(name, params) and invokes cb at most once with
// the resulting scopeIndex or error; if no reply arrives before the
// Transport closes, cb is never invoked. It does not itself attach the scope
// to a Client; callers (normally Client.AttachScope) are responsible for
// recording scopeIndex → scope.
func (s *Session) Fetch(name string, params map[string]any, cb FetchCallback) error {
	index := s.GetIndexForMessage()
	m := protocol.NewScopeFetch(index, name, params)
	return s.transport.SendMessageReply(m, func(reply protocol.Message) {
		if reply.Result != nil && *reply.Result {
			scopeIndex := 0
			if reply.ScopeIndex != nil {
				scopeIndex = *reply.ScopeIndex
			}
			cb(scopeIndex, nil)
			return
		}
		cb(0, fetchError(reply))
	})
}

func fetchError(reply protocol.Message) error {
	if reply.Error != nil {
		return &FetchError{Code: reply.Error.Code, Message: reply.Error.Message}
	}
	return &FetchError{Message: "scope fetch denied"}
}

// FetchError is the structured failure a denied ScopeFetch carries.
// It unwraps to jetserr.ErrFetchDenied so callers can test for a denial
// with errors.Is without caring about the structured detail.
type FetchError struct {
	Code    int
	Message string
}

func (e *FetchError) Error() string {
	return e.Message
}

func (e *FetchError) Unwrap() error {
	return jetserr.ErrFetchDenied
}
