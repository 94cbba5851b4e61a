// Package client implements jetstream's Client: the top-level state
// machine coordinating Transport, Session, and the attached Scopes.
package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/uber/jetstream-go/fragment"
	"github.com/uber/jetstream-go/jetserr"
	"github.com/uber/jetstream-go/jlog"
	"github.com/uber/jetstream-go/protocol"
	"github.com/uber/jetstream-go/scope"
	"github.com/uber/jetstream-go/session"
	"github.com/uber/jetstream-go/transport"
)

// State is the Client's top-level connectivity state.
type State int

const (
	StateOffline State = iota
	StateOnline
)

func (s State) String() string {
	if s == StateOnline {
		return "online"
	}
	return "offline"
}

// AttachCallback receives the outcome of AttachScope.
type AttachCallback func(err error)

// Client coordinates Transport, Session, and attached Scopes behind an
// offline/online state machine derived from transport status.
type Client struct {
	log       jlog.Logger
	transport *transport.Transport

	mu       sync.Mutex
	state    State
	closed   bool
	sess     *session.Session
	logCtx   context.Context
	scopes   map[int]*scope.Scope
	scopeCtx map[int]context.Context
	pending  map[string][]pendingAttach

	onSession       func(*session.Session)
	onSessionDenied func(err error)
}

type pendingAttach struct {
	s  *scope.Scope
	cb AttachCallback
}

// New constructs a Client around an already-built Transport. The
// Transport must not yet be connected; Client drives Connect itself via
// Start so it can observe every status transition.
func New(tr *transport.Transport, log jlog.Logger) *Client {
	c := &Client{
		log:       log,
		transport: tr,
		logCtx:    context.Background(),
		scopes:    make(map[int]*scope.Scope),
		scopeCtx:  make(map[int]context.Context),
		pending:   make(map[string][]pendingAttach),
	}
	tr.OnStatusChanged(c.handleStatusChanged)
	tr.OnMessage(c.handleMessage)
	return c
}

// OnSession registers the callback fired once a SessionCreateResponse
// succeeds.
func (c *Client) OnSession(fn func(*session.Session)) {
	c.mu.Lock()
	c.onSession = fn
	c.mu.Unlock()
}

// OnSessionDenied registers the callback fired when the server refuses
// SessionCreate.
func (c *Client) OnSessionDenied(fn func(err error)) {
	c.mu.Lock()
	c.onSessionDenied = fn
	c.mu.Unlock()
}

// State returns the Client's current offline/online state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the active Session, or nil if none has been
// established yet.
func (c *Client) Session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// Start connects the underlying Transport. The handshake (SessionCreate
// or resume) happens automatically once the Transport reports connected.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return jetserr.ErrClosed
	}
	return c.transport.Connect(ctx)
}

func (c *Client) handleStatusChanged(status transport.Status) {
	c.mu.Lock()
	prev := c.state
	if status == transport.StatusConnected {
		c.state = StateOnline
	} else {
		c.state = StateOffline
	}
	enteringOnline := prev != StateOnline && c.state == StateOnline
	hasSession := c.sess != nil
	c.mu.Unlock()

	if !enteringOnline {
		return
	}
	if hasSession {
		c.resume()
		return
	}
	c.sendSessionCreate()
}

// sendSessionCreate is only called while no Session exists yet (see
// handleStatusChanged), so the bootstrap SessionCreate always claims
// index 1; session.New accounts for that index already being spent.
func (c *Client) sendSessionCreate() {
	m := protocol.NewSessionCreate(1)
	err := c.transport.SendMessageReply(m, c.handleSessionCreateResponse)
	if err != nil {
		c.log.Error("client: sending SessionCreate failed", "err", err)
	}
}

// resume re-advertises an existing session after a reconnect by sending
// Ping(resendMissing=true).
func (c *Client) resume() {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return
	}
	index := sess.GetIndexForMessage()
	m := protocol.NewPing(index, sess.ServerIndex(), true)
	if err := c.transport.SendMessage(m); err != nil {
		c.log.Error("client: resume ping failed", "err", err)
	}
}

func (c *Client) handleSessionCreateResponse(reply protocol.Message) {
	if reply.Success == nil || !*reply.Success {
		c.mu.Lock()
		cb := c.onSessionDenied
		c.mu.Unlock()
		c.log.Warn("client: session denied")
		if cb != nil {
			cb(jetserr.ErrSessionDenied)
		}
		return
	}

	sess := session.New(reply.SessionToken, c.transport)
	c.mu.Lock()
	c.sess = sess
	c.logCtx = jlog.WithArgs(context.Background(), "session", sess.Token)
	cb := c.onSession
	c.mu.Unlock()
	c.transport.SetNextIndexFunc(sess.NextIndexFunc())
	c.transport.AdvertiseSessionToken(sess.Token)
	c.transport.SetSessionActive(true)
	c.log.Info("client: session established")
	if cb != nil {
		cb(sess)
	}
}

// AttachScope sends ScopeFetch(s.Name) and, on success, attaches s at
// the returned scopeIndex and begins forwarding its flushes as
// ScopeSync messages.
func (c *Client) AttachScope(s *scope.Scope, params map[string]any, cb AttachCallback) error {
	c.mu.Lock()
	closed := c.closed
	sess := c.sess
	c.mu.Unlock()
	if closed {
		return jetserr.ErrClosed
	}
	if sess == nil {
		return jetserr.ErrNoSession
	}
	return sess.Fetch(s.Name, params, func(scopeIndex int, err error) {
		if err != nil {
			if cb != nil {
				cb(err)
			}
			return
		}
		s.Attach(scopeIndex)
		c.mu.Lock()
		c.scopes[scopeIndex] = s
		c.scopeCtx[scopeIndex] = jlog.WithArgs(c.logCtx, "scope", s.Name, "scopeIndex", scopeIndex)
		c.mu.Unlock()
		s.ObserveChanges(func(frags []fragment.Fragment) {
			c.forwardScopeSync(s, scopeIndex, frags)
		})
		if cb != nil {
			cb(nil)
		}
	})
}

func (c *Client) forwardScopeSync(s *scope.Scope, scopeIndex int, frags []fragment.Fragment) {
	if len(frags) == 0 {
		return
	}
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		c.log.WarnCtx(c.scopeLogCtx(scopeIndex), "client: dropping scope flush with no session")
		return
	}
	index := sess.GetIndexForMessage()
	m := protocol.NewScopeSync(index, scopeIndex, frags)
	if err := c.transport.SendMessage(m); err != nil {
		c.log.ErrorCtx(c.scopeLogCtx(scopeIndex), "client: sending ScopeSync failed", "err", err)
	}
}

// scopeLogCtx returns the logging context carrying this scope's name and
// index, built once at attach time via jlog.WithArgs, or the bare
// session context if the scope was never attached through AttachScope.
func (c *Client) scopeLogCtx(scopeIndex int) context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx, ok := c.scopeCtx[scopeIndex]; ok {
		return ctx
	}
	return c.logCtx
}

func (c *Client) handleMessage(m protocol.Message) {
	switch m.Type {
	case protocol.TypeScopeState:
		c.routeScopeState(m)
	case protocol.TypeScopeSync:
		c.routeScopeSync(m)
	case protocol.TypeReply:
		// Routed by Transport's reply correlation; a no-op at this level.
	default:
		c.log.Warn("client: unhandled inbound message", "type", m.Type)
	}
}

func (c *Client) routeScopeState(m protocol.Message) {
	s, ok := c.scopeFor(m.ScopeIndex)
	if !ok {
		c.log.Warn("client: ScopeState for unknown scopeIndex", "scopeIndex", m.ScopeIndex)
		return
	}
	ctx := c.scopeLogCtx(*m.ScopeIndex)
	if m.RootFragment == nil {
		c.log.WarnCtx(ctx, "client: ScopeState without rootFragment")
		return
	}
	if err := s.ApplyRootFragment(*m.RootFragment, m.SyncFragments); err != nil {
		c.log.ErrorCtx(ctx, "client: applying ScopeState failed", "err", err)
	}
}

func (c *Client) routeScopeSync(m protocol.Message) {
	s, ok := c.scopeFor(m.ScopeIndex)
	if !ok {
		c.log.Warn("client: ScopeSync for unknown scopeIndex", "scopeIndex", m.ScopeIndex)
		return
	}
	ctx := c.scopeLogCtx(*m.ScopeIndex)
	if len(m.SyncFragments) == 0 {
		c.log.InfoCtx(ctx, "client: empty ScopeSync ignored")
		return
	}
	if err := s.ApplySyncFragments(m.SyncFragments); err != nil {
		c.log.ErrorCtx(ctx, "client: applying ScopeSync failed", "err", err)
	}
}

func (c *Client) scopeFor(scopeIndex *int) (*scope.Scope, bool) {
	if scopeIndex == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.scopes[*scopeIndex]
	return s, ok
}

// Close detaches observers, drops the scope table and session, and
// closes the Transport. In-flight reply callbacks are abandoned
// silently; further operations return ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	attached := c.scopes
	c.scopes = make(map[int]*scope.Scope)
	c.scopeCtx = make(map[int]context.Context)
	c.sess = nil
	c.mu.Unlock()
	for _, s := range attached {
		s.ObserveChanges(nil)
	}
	if err := c.transport.Close(); err != nil {
		return fmt.Errorf("client: closing transport: %w", err)
	}
	return nil
}
