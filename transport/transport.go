// Package transport implements jetstream's Transport: connection
// lifecycle, reply correlation, the non-acked resend buffer, and the
// keep-alive/reconnect discipline sitting atop a pluggable Channel.
//
// The concrete Channel (an actual WebSocket or long-poll socket) is
// supplied by the embedding application; Transport owns only the
// message-level protocol logic, no byte-level buffering.
package transport

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/uber/jetstream-go/jetserr"
	"github.com/uber/jetstream-go/jlog"
	"github.com/uber/jetstream-go/protocol"
)

// Status is the Transport's connection lifecycle state.
type Status int

const (
	StatusClosed Status = iota
	StatusConnecting
	StatusConnected
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusClosed:
		return "closed"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Channel is an opaque, in-order bidirectional message pipe. A WebSocket
// or long-poll implementation satisfies this; see transport/ws for the
// WebSocket one.
type Channel interface {
	// Open establishes the connection. It must be safe to call again
	// after a Close.
	Open(ctx context.Context) error
	// Close tears the connection down. Idempotent.
	Close() error
	// Send writes one already-framed JSON message (or batch) to the wire.
	Send(data []byte) error
	// SetHandlers installs the Channel's event callbacks. They may be
	// invoked from any goroutine; Transport is responsible for hopping to
	// its own dispatch goroutine before calling application code.
	SetHandlers(onMessage func([]byte), onClosed func(err error))
}

// TokenCarrier is optionally implemented by Channels that can advertise
// the session token out of band when re-opening, e.g. via the
// X-Jetstream-SessionToken header. Channels without it rely on the
// post-reconnect Ping(resendMissing=true) alone.
type TokenCarrier interface {
	SetSessionToken(token string)
}

// ReplyCallback receives the Reply (or SessionCreateResponse) correlated
// to an earlier SendMessageReply call, at most once; callbacks still
// waiting when the Transport closes are dropped without being invoked.
type ReplyCallback func(protocol.Message)

// Reachability lets the embedding application supply a platform
// reachability probe. The default always reports reachable, which is
// adequate for Channels (like the WebSocket one) that fail fast on their
// own.
type Reachability func() bool

// Options configures keep-alive cadence and buffering. Zero-value
// fields fall back to defaults.
type Options struct {
	// PingInterval is the keep-alive cadence. Defaults to 10s.
	PingInterval time.Duration
	// PingJitter is the +/- jitter applied to PingInterval each tick.
	PingJitter time.Duration
	// ReconnectRetry is the flat delay between reachability probes while
	// disconnected. Defaults to 100ms.
	ReconnectRetry time.Duration
	// NonAckedLimit caps the resend buffer; 0 means unbounded.
	NonAckedLimit int
	Reachable     Reachability
	// NextIndex allocates the Index for Transport-originated messages
	// (keep-alive Pings and the post-reconnect resend Ping), so they draw
	// from the same counter as the owning Session's outbound messages.
	// Defaults to an internal counter if left nil, which is only
	// correct for a Transport used without a Session.
	NextIndex func() int64
}

func (o Options) withDefaults() Options {
	if o.PingInterval == 0 {
		o.PingInterval = 10 * time.Second
	}
	if o.PingJitter == 0 {
		o.PingJitter = time.Second
	}
	if o.ReconnectRetry == 0 {
		o.ReconnectRetry = 100 * time.Millisecond
	}
	if o.Reachable == nil {
		o.Reachable = func() bool { return true }
	}
	if o.NextIndex == nil {
		var counter int64
		o.NextIndex = func() int64 {
			counter++
			return counter
		}
	}
	return o
}

// Transport drives one Channel: connect/reconnect, reply correlation,
// the non-acked buffer, and keep-alive pings.
type Transport struct {
	log     jlog.Logger
	opts    Options
	channel Channel

	mu            sync.Mutex
	status        Status
	sessionActive bool
	nonAcked      []protocol.Message
	waitingReply  map[int64]ReplyCallback
	lastServerIdx int64
	pingTimer     *time.Timer
	userClosed    bool
	torndown      bool

	onStatusChanged func(Status)
	onMessage       func(protocol.Message)

	// dispatch is the single-goroutine "app thread" every Channel event
	// hops onto before application callbacks run.
	dispatch chan func()
	done     chan struct{}
}

// New constructs a Transport around channel. Call Connect to start it.
func New(channel Channel, opts Options, log jlog.Logger) *Transport {
	t := &Transport{
		log:          log,
		opts:         opts.withDefaults(),
		channel:      channel,
		waitingReply: make(map[int64]ReplyCallback),
		dispatch:     make(chan func(), 256),
		done:         make(chan struct{}),
	}
	channel.SetHandlers(t.onChannelMessage, t.onChannelClosed)
	go t.runDispatch()
	return t
}

func (t *Transport) runDispatch() {
	for {
		select {
		case fn := <-t.dispatch:
			fn()
		case <-t.done:
			return
		}
	}
}

func (t *Transport) post(fn func()) {
	select {
	case t.dispatch <- fn:
	case <-t.done:
	}
}

// OnStatusChanged registers the status-change observer.
func (t *Transport) OnStatusChanged(fn func(Status)) {
	t.mu.Lock()
	t.onStatusChanged = fn
	t.mu.Unlock()
}

// OnMessage registers the inbound-message observer.
func (t *Transport) OnMessage(fn func(protocol.Message)) {
	t.mu.Lock()
	t.onMessage = fn
	t.mu.Unlock()
}

// SetNextIndexFunc swaps in the allocator Transport uses for its own
// originated messages (keep-alive and resume Pings). Client calls this
// once a Session is established so Transport draws from the same
// counter as Session-originated messages.
func (t *Transport) SetNextIndexFunc(fn func() int64) {
	t.mu.Lock()
	t.opts.NextIndex = fn
	t.mu.Unlock()
}

// AdvertiseSessionToken hands the session token to the Channel so future
// re-opens carry it out of band, if the Channel supports that.
func (t *Transport) AdvertiseSessionToken(token string) {
	if tc, ok := t.channel.(TokenCarrier); ok {
		tc.SetSessionToken(token)
	}
}

// SetSessionActive tells the Transport whether a Session currently
// exists. The non-acked buffer and the keep-alive ping only operate
// while a session does.
func (t *Transport) SetSessionActive(active bool) {
	t.mu.Lock()
	t.sessionActive = active
	if active && t.status == StatusConnected {
		t.armPingLocked()
	}
	t.mu.Unlock()
}

func (t *Transport) setStatusLocked(s Status) {
	if t.status == s {
		return
	}
	t.status = s
	cb := t.onStatusChanged
	if cb != nil {
		t.post(func() { cb(s) })
	}
}

// Connect opens the channel and begins the reconnect loop on failure.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.userClosed = false
	t.setStatusLocked(StatusConnecting)
	t.mu.Unlock()
	return t.openOnce(ctx)
}

func (t *Transport) openOnce(ctx context.Context) error {
	if err := t.channel.Open(ctx); err != nil {
		t.mu.Lock()
		t.setStatusLocked(StatusClosed)
		t.mu.Unlock()
		go t.reconnectLoop(ctx)
		return err
	}
	t.mu.Lock()
	t.setStatusLocked(StatusConnected)
	if t.sessionActive {
		t.armPingLocked()
	}
	t.mu.Unlock()
	return nil
}

// Disconnect closes the channel without entering the reconnect loop;
// only non-user-initiated disconnects trigger reconnection.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	t.userClosed = true
	t.stopPingLocked()
	t.setStatusLocked(StatusClosed)
	t.mu.Unlock()
	return t.channel.Close()
}

// Reconnect forces a fresh connection attempt now.
func (t *Transport) Reconnect() error {
	_ = t.channel.Close()
	return t.Connect(context.Background())
}

func (t *Transport) onChannelClosed(err error) {
	t.post(func() {
		t.mu.Lock()
		if t.status == StatusFatal {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		if code, ok := jetserr.CodeFromError(err); ok && jetserr.IsFatal(code) {
			t.Fatal(err)
			return
		}

		t.mu.Lock()
		userClosed := t.userClosed
		wasConnecting := t.status == StatusConnecting
		t.stopPingLocked()
		if wasConnecting {
			t.setStatusLocked(StatusClosed)
		} else {
			t.setStatusLocked(StatusConnecting)
		}
		t.mu.Unlock()
		if userClosed {
			return
		}
		t.log.Warn("transport: channel closed", "err", err)
		go t.reconnectLoop(context.Background())
	})
}

// reconnectLoop probes reachability, retries every ReconnectRetry while
// unreachable, then reopens and re-advertises the session via
// Ping(resendMissing=true).
func (t *Transport) reconnectLoop(ctx context.Context) {
	for {
		t.mu.Lock()
		closed := t.userClosed
		t.mu.Unlock()
		if closed {
			return
		}
		if !t.opts.Reachable() {
			time.Sleep(t.opts.ReconnectRetry)
			continue
		}
		if err := t.channel.Open(ctx); err != nil {
			time.Sleep(t.opts.ReconnectRetry)
			continue
		}
		t.mu.Lock()
		t.setStatusLocked(StatusConnected)
		sessionActive := t.sessionActive
		if sessionActive {
			t.armPingLocked()
		}
		t.mu.Unlock()
		if sessionActive {
			_ = t.sendRaw(protocol.NewPing(t.nextIndex(), t.currentAck(), true))
		}
		return
	}
}

// Fatal moves the Transport into the fatal state: no further reconnects;
// a fresh Transport is required afterwards.
func (t *Transport) Fatal(reason error) {
	t.mu.Lock()
	t.userClosed = true
	t.stopPingLocked()
	t.setStatusLocked(StatusFatal)
	t.mu.Unlock()
	t.log.Error("transport: fatal", "err", reason)
	_ = t.channel.Close()
}

func (t *Transport) currentAck() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastServerIdx
}

func (t *Transport) nextIndex() int64 {
	t.mu.Lock()
	fn := t.opts.NextIndex
	t.mu.Unlock()
	return fn()
}

func (t *Transport) armPingLocked() {
	t.stopPingLocked()
	jitter := time.Duration(rand.Int63n(int64(2*t.opts.PingJitter))) - t.opts.PingJitter
	t.pingTimer = time.AfterFunc(t.opts.PingInterval+jitter, t.firePing)
}

func (t *Transport) stopPingLocked() {
	if t.pingTimer != nil {
		t.pingTimer.Stop()
		t.pingTimer = nil
	}
}

func (t *Transport) firePing() {
	t.mu.Lock()
	connected := t.status == StatusConnected && t.sessionActive
	if connected {
		t.armPingLocked()
	}
	ack := t.lastServerIdx
	t.mu.Unlock()
	if !connected {
		return
	}
	_ = t.sendRaw(protocol.NewPing(t.nextIndex(), ack, false))
}

// SendMessage sends m with no reply expected.
func (t *Transport) SendMessage(m protocol.Message) error {
	return t.send(m, nil)
}

// SendMessageReply sends m and registers cb to fire at most once, when a
// Reply (or SessionCreateResponse) with ReplyTo == m.Index arrives.
func (t *Transport) SendMessageReply(m protocol.Message, cb ReplyCallback) error {
	return t.send(m, cb)
}

func (t *Transport) send(m protocol.Message, cb ReplyCallback) error {
	t.mu.Lock()
	if cb != nil {
		t.waitingReply[m.Index] = cb
	}
	if m.Type != protocol.TypePing && t.sessionActive {
		t.nonAcked = append(t.nonAcked, m)
		if t.opts.NonAckedLimit > 0 && len(t.nonAcked) > t.opts.NonAckedLimit {
			t.nonAcked = t.nonAcked[len(t.nonAcked)-t.opts.NonAckedLimit:]
		}
	}
	t.mu.Unlock()
	return t.sendRaw(m)
}

func (t *Transport) sendRaw(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return fmt.Errorf("transport: encoding message: %w", err)
	}
	return t.channel.Send(data)
}

func (t *Transport) onChannelMessage(data []byte) {
	t.post(func() {
		batch, err := protocol.DecodeBatch(data)
		if err != nil {
			t.log.Warn("transport: dropping malformed message", "err", err)
			return
		}
		for _, m := range batch {
			t.handleInbound(m)
		}
	})
}

func (t *Transport) handleInbound(m protocol.Message) {
	t.mu.Lock()
	if m.Index > t.lastServerIdx {
		t.lastServerIdx = m.Index
	}
	t.mu.Unlock()

	if m.Type == protocol.TypePing {
		t.handlePing(m)
		return
	}

	if m.ReplyTo != 0 {
		t.mu.Lock()
		cb, ok := t.waitingReply[m.ReplyTo]
		if ok {
			delete(t.waitingReply, m.ReplyTo)
		}
		t.mu.Unlock()
		if ok {
			cb(m)
			return
		}
	}

	t.mu.Lock()
	onMessage := t.onMessage
	t.mu.Unlock()
	if onMessage != nil {
		onMessage(m)
	}
}

// handlePing prunes the non-acked buffer up to the peer's ack and, on
// resendMissing, re-transmits the remainder in index order.
func (t *Transport) handlePing(m protocol.Message) {
	t.mu.Lock()
	kept := t.nonAcked[:0]
	var toResend []protocol.Message
	for _, pending := range t.nonAcked {
		if pending.Index <= m.Ack {
			continue
		}
		kept = append(kept, pending)
	}
	t.nonAcked = kept
	if m.ResendMissing {
		toResend = append(toResend, t.nonAcked...)
	}
	t.mu.Unlock()

	for _, pending := range toResend {
		if err := t.sendRaw(pending); err != nil {
			t.log.Error("transport: resend failed", "index", pending.Index, "err", err)
		}
	}
}

// Close shuts the Transport down: stops timers, closes the channel, and
// abandons any in-flight reply callbacks silently. Safe to call more
// than once.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.torndown {
		t.mu.Unlock()
		return nil
	}
	t.torndown = true
	t.userClosed = true
	t.stopPingLocked()
	t.waitingReply = make(map[int64]ReplyCallback)
	t.mu.Unlock()
	close(t.done)
	return t.channel.Close()
}

// LastServerIndex returns the highest message index received from the
// peer so far — the value Session surfaces as its own serverIndex and
// that keep-alive Pings advertise as ack.
func (t *Transport) LastServerIndex() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastServerIdx
}

// CurrentStatus returns the Transport's current connection status.
func (t *Transport) CurrentStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}
