package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the server
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the server
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size
	maxMessageSize = 1 << 20

	defaultHandshakeTimeout = 10 * time.Second
)

// WebSocketTransport dials the real-time endpoint over a websocket,
// presenting the session token as a bearer credential
type WebSocketTransport struct {
	URL              string
	HandshakeTimeout time.Duration

	// State, when set, remembers the endpoint after every successful dial
	State StateInterface

	dialer *websocket.Dialer
}

// NewWebSocketTransport creates a transport for url
func NewWebSocketTransport(url string) *WebSocketTransport {
	return &WebSocketTransport{
		URL:              url,
		HandshakeTimeout: defaultHandshakeTimeout,
	}
}

// Dial opens an authenticated websocket connection
func (t *WebSocketTransport) Dial(ctx context.Context, token string) (Conn, error) {
	dialer := t.dialer
	if dialer == nil {
		timeout := t.HandshakeTimeout
		if timeout <= 0 {
			timeout = defaultHandshakeTimeout
		}
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		}
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	ws, resp, err := dialer.DialContext(ctx, t.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake with %s failed (status %d): %w", t.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", t.URL, err)
	}

	if t.State != nil {
		// Best effort, a failed write must not fail the dial
		_ = t.State.SaveSuccessfulEndpoint(t.URL)
	}

	return newWSConn(ws), nil
}

// wsConn adapts a gorilla connection to Conn and keeps it alive with pings
type wsConn struct {
	ws        *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{
		ws:   ws,
		done: make(chan struct{}),
	}

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.pingLoop()
	return c
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				// The read side will notice the dead connection
				return
			}
		}
	}
}

// ReadMessage returns the next text frame, skipping binary frames
func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and closes the underlying connection
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.ws.Close()
	})
	return err
}
