// Package ws provides a transport.Channel backed by a WebSocket, using
// gorilla/websocket.
package ws

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/uber/jetstream-go/jetserr"
)

// Channel implements transport.Channel over a single WebSocket
// connection. It is not safe to Open concurrently with itself; Transport
// never does so.
type Channel struct {
	URL     string
	Header  http.Header
	Dialer  *websocket.Dialer
	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	onMessage func([]byte)
	onClosed  func(error)
}

// SessionTokenHeader carries the session token on re-opened connections
// so the server can resume the session before any message flows.
const SessionTokenHeader = "X-Jetstream-SessionToken"

// New constructs a Channel dialing url when Opened.
func New(url string) *Channel {
	return &Channel{URL: url, Dialer: websocket.DefaultDialer}
}

// SetSessionToken implements transport.TokenCarrier: every subsequent
// Open dials with the token in the SessionTokenHeader header.
func (c *Channel) SetSessionToken(token string) {
	c.mu.Lock()
	if c.Header == nil {
		c.Header = http.Header{}
	}
	c.Header.Set(SessionTokenHeader, token)
	c.mu.Unlock()
}

func (c *Channel) SetHandlers(onMessage func([]byte), onClosed func(error)) {
	c.mu.Lock()
	c.onMessage = onMessage
	c.onClosed = onClosed
	c.mu.Unlock()
}

// Open dials the WebSocket and starts the read pump. ctx bounds only the
// dial; the resulting connection lives until Close.
func (c *Channel) Open(ctx context.Context) error {
	if _, err := url.Parse(c.URL); err != nil {
		return err
	}
	c.mu.Lock()
	dialer := c.Dialer
	header := c.Header
	c.mu.Unlock()
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, c.URL, header)
	if err != nil {
		return err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readPump(conn)
	return nil
}

// readPump is the single reader goroutine gorilla/websocket requires;
// it hands each complete text/binary frame to Transport's dispatch via
// onMessage, and reports the terminal read error via onClosed.
func (c *Channel) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			cb := c.onClosed
			c.mu.Unlock()
			if cb != nil {
				cb(closeErr(err))
			}
			return
		}
		c.mu.Lock()
		cb := c.onMessage
		c.mu.Unlock()
		if cb != nil {
			cb(data)
		}
	}
}

// closeErr rewrites a close-frame error carrying a server-signalled
// close code into a jetserr.CodedError, so transport.Transport can
// recognize a fatal code without importing gorilla/websocket.
func closeErr(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return jetserr.NewCodedError(ce.Code)
	}
	return err
}

// Send writes one frame. gorilla/websocket permits only one concurrent
// writer per connection, hence writeMu.
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return websocket.ErrCloseSent
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and releases the connection.
func (c *Channel) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}
