package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uber/jetstream-go/codec"
	"github.com/uber/jetstream-go/fragment"
	"github.com/uber/jetstream-go/jetserr"
	"github.com/uber/jetstream-go/jlog"
	"github.com/uber/jetstream-go/model"
	"github.com/uber/jetstream-go/protocol"
	"github.com/uber/jetstream-go/scope"
	"github.com/uber/jetstream-go/session"
	"github.com/uber/jetstream-go/transport"
)

type loopbackChannel struct {
	mu        sync.Mutex
	sent      []protocol.Message
	onMessage func([]byte)
}

func (c *loopbackChannel) Open(ctx context.Context) error { return nil }
func (c *loopbackChannel) Close() error                   { return nil }

func (c *loopbackChannel) Send(data []byte) error {
	batch, err := protocol.DecodeBatch(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, batch...)
	c.mu.Unlock()
	return nil
}

func (c *loopbackChannel) SetHandlers(onMessage func([]byte), onClosed func(error)) {
	c.mu.Lock()
	c.onMessage = onMessage
	c.mu.Unlock()
}

func (c *loopbackChannel) deliver(m protocol.Message) {
	raw, _ := protocol.Encode(m)
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	fn(raw)
}

func (c *loopbackChannel) sentSince(n int) []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message{}, c.sent[n:]...)
}

func (c *loopbackChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func newTestClient(t *testing.T) (*Client, *loopbackChannel) {
	t.Helper()
	ch := &loopbackChannel{}
	tr := transport.New(ch, transport.Options{PingInterval: time.Hour}, jlog.Noop())
	cl := New(tr, jlog.Noop())
	t.Cleanup(func() { _ = cl.Close() })
	return cl, ch
}

func establishSession(t *testing.T, cl *Client, ch *loopbackChannel) {
	t.Helper()
	require.NoError(t, cl.Start(context.Background()))
	require.Eventually(t, func() bool { return ch.count() >= 1 }, time.Second, time.Millisecond)
	sent := ch.sentSince(0)
	require.Equal(t, protocol.TypeSessionCreate, sent[0].Type)
	ch.deliver(protocol.NewSessionCreateResponse(sent[0].Index, true, "tok-1"))
	require.Eventually(t, func() bool { return cl.Session() != nil }, time.Second, time.Millisecond)
}

// TestPostHandshakeIndexContinuesAfterBootstrap pins the handshake's
// index accounting: the bootstrap SessionCreate spends index 1 before
// any Session exists, so the first message the new Session allocates an
// index for must be 2, not a reused 1.
func TestPostHandshakeIndexContinuesAfterBootstrap(t *testing.T) {
	cl, ch := newTestClient(t)
	establishSession(t, cl, ch)

	reg := model.NewRegistry()
	reg.Register(roomSchema())
	sc := scope.New("lobby", reg, jlog.Noop())

	attached := make(chan error, 1)
	require.NoError(t, cl.AttachScope(sc, nil, func(err error) { attached <- err }))

	fetchSent := ch.sentSince(ch.count() - 1)
	require.Equal(t, protocol.TypeScopeFetch, fetchSent[0].Type)
	require.Equal(t, int64(2), fetchSent[0].Index)

	ch.deliver(protocol.NewScopeFetchSuccess(fetchSent[0].Index, 1))
	require.NoError(t, <-attached)
}

func TestOperationsAfterCloseReturnErrClosed(t *testing.T) {
	cl, ch := newTestClient(t)
	establishSession(t, cl, ch)
	require.NoError(t, cl.Close())

	reg := model.NewRegistry()
	reg.Register(roomSchema())
	sc := scope.New("lobby", reg, jlog.Noop())

	require.ErrorIs(t, cl.AttachScope(sc, nil, nil), jetserr.ErrClosed)
	require.ErrorIs(t, cl.Start(context.Background()), jetserr.ErrClosed)
}

func TestSessionCreateSuccessFiresOnSession(t *testing.T) {
	cl, ch := newTestClient(t)
	var got *session.Session
	done := make(chan struct{})
	cl.OnSession(func(s *session.Session) { got = s; close(done) })

	establishSession(t, cl, ch)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onSession never fired")
	}
	require.Equal(t, "tok-1", got.Token)
}

func TestSessionCreateDeniedFiresOnSessionDenied(t *testing.T) {
	cl, ch := newTestClient(t)
	denied := make(chan error, 1)
	cl.OnSessionDenied(func(err error) { denied <- err })

	require.NoError(t, cl.Start(context.Background()))
	require.Eventually(t, func() bool { return ch.count() >= 1 }, time.Second, time.Millisecond)
	sent := ch.sentSince(0)
	ch.deliver(protocol.NewSessionCreateResponse(sent[0].Index, false, ""))

	select {
	case <-denied:
	case <-time.After(time.Second):
		t.Fatal("onSessionDenied never fired")
	}
	require.Nil(t, cl.Session())
}

func roomSchema() *model.Schema {
	s := model.NewSchema("Room")
	s.Property("label", codec.TagString)
	return s
}

func shapeSchema() *model.Schema {
	s := model.NewSchema("Shape")
	s.Property("x", codec.TagInt)
	s.Property("color", codec.TagInt)
	return s
}

func TestAttachScopeForwardsFlushesAsScopeSync(t *testing.T) {
	cl, ch := newTestClient(t)
	establishSession(t, cl, ch)

	reg := model.NewRegistry()
	reg.Register(roomSchema())
	sc := scope.New("lobby", reg, jlog.Noop())

	attached := make(chan error, 1)
	require.NoError(t, cl.AttachScope(sc, nil, func(err error) { attached <- err }))

	before := ch.count()
	fetchSent := ch.sentSince(before - 1)
	require.Equal(t, protocol.TypeScopeFetch, fetchSent[0].Type)
	require.Equal(t, "lobby", fetchSent[0].Name)

	ch.deliver(protocol.NewScopeFetchSuccess(fetchSent[0].Index, 9))
	require.NoError(t, <-attached)

	root := model.New(reg.MustLookup("Room"))
	sc.AttachRoot(root)

	require.Eventually(t, func() bool { return ch.count() > before }, time.Second, time.Millisecond)
	synced := ch.sentSince(before)
	last := synced[len(synced)-1]
	require.Equal(t, protocol.TypeScopeSync, last.Type)
	require.Equal(t, 9, *last.ScopeIndex)
}

func TestScopeStateMessageAppliesToAttachedScope(t *testing.T) {
	cl, ch := newTestClient(t)
	establishSession(t, cl, ch)

	reg := model.NewRegistry()
	reg.Register(roomSchema())
	reg.Register(shapeSchema())
	sc := scope.New("lobby", reg, jlog.Noop())

	attached := make(chan error, 1)
	require.NoError(t, cl.AttachScope(sc, nil, func(err error) { attached <- err }))
	fetchSent := ch.sentSince(ch.count() - 1)
	ch.deliver(protocol.NewScopeFetchSuccess(fetchSent[0].Index, 2))
	require.NoError(t, <-attached)

	remoteRoot := model.New(reg.MustLookup("Room"))
	require.NoError(t, remoteRoot.Set("label", "hello"))
	rootFrag := fragment.BuildRoot(remoteRoot)

	remoteShape := model.New(reg.MustLookup("Shape"))
	require.NoError(t, remoteShape.Set("x", int64(10)))
	require.NoError(t, remoteShape.Set("color", int64(255)))
	addFrag, err := fragment.BuildAdd(remoteShape)
	require.NoError(t, err)

	m := protocol.NewScopeState(50, 2, rootFrag, []fragment.Fragment{addFrag})
	ch.deliver(m)

	require.Eventually(t, func() bool { return sc.Root() != nil }, time.Second, time.Millisecond)
	require.Equal(t, remoteRoot.UUID(), sc.Root().UUID())

	shape, ok := sc.GetObjectByUUID(remoteShape.UUID())
	require.True(t, ok)
	color, err := shape.Get("color")
	require.NoError(t, err)
	require.Equal(t, int64(255), color)
}
