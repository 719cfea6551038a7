package client

import (
	"context"
	"errors"
	"sync"

	"github.com/aeolun/storychat/pkg/protocol"
)

// ErrMockConnClosed is returned by a closed MockConn
var ErrMockConnClosed = errors.New("mock connection closed")

// MockTransport is a test implementation of Transport. Every successful Dial
// produces a MockConn that tests drive with Simulate and inspect with Sent.
type MockTransport struct {
	mu sync.Mutex

	// Error injection
	dialErrs   []error // consumed one per Dial before failAlways is consulted
	failAlways error

	tokens []string
	conns  []*MockConn
	dialed chan *MockConn
}

// NewMockTransport creates a transport whose dials succeed
func NewMockTransport() *MockTransport {
	return &MockTransport{
		dialed: make(chan *MockConn, 64),
	}
}

// FailNext makes the next len(errs) dials fail with the given errors
func (t *MockTransport) FailNext(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialErrs = append(t.dialErrs, errs...)
}

// FailAlways makes every dial fail with err. A nil err lets dials succeed again.
func (t *MockTransport) FailAlways(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failAlways = err
}

// Dial records the token and returns a fresh MockConn
func (t *MockTransport) Dial(ctx context.Context, token string) (Conn, error) {
	t.mu.Lock()
	t.tokens = append(t.tokens, token)

	var err error
	if len(t.dialErrs) > 0 {
		err = t.dialErrs[0]
		t.dialErrs = t.dialErrs[1:]
	} else if t.failAlways != nil {
		err = t.failAlways
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}

	conn := NewMockConn()
	t.conns = append(t.conns, conn)
	t.mu.Unlock()

	select {
	case t.dialed <- conn:
	default:
	}
	return conn, nil
}

// DialCount returns how many times Dial was called, failed dials included
func (t *MockTransport) DialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tokens)
}

// Tokens returns the tokens presented to Dial, in order
func (t *MockTransport) Tokens() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.tokens...)
}

// Conns returns every connection handed out so far
func (t *MockTransport) Conns() []*MockConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*MockConn(nil), t.conns...)
}

// LastConn returns the most recent connection, or nil
func (t *MockTransport) LastConn() *MockConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

// Dialed delivers each connection as it is handed out
func (t *MockTransport) Dialed() <-chan *MockConn {
	return t.dialed
}

// MockConn is an in-memory Conn
type MockConn struct {
	mu       sync.Mutex
	sent     [][]byte
	writeErr error
	dropErr  error

	incoming  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// NewMockConn creates an open connection
func NewMockConn() *MockConn {
	return &MockConn{
		incoming: make(chan []byte, 256),
		closed:   make(chan struct{}),
	}
}

// ReadMessage blocks until a simulated frame arrives or the connection closes
func (c *MockConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.incoming:
		return data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.dropErr != nil {
			return nil, c.dropErr
		}
		return nil, ErrMockConnClosed
	}
}

// WriteMessage records data unless the connection is closed or failing
func (c *MockConn) WriteMessage(data []byte) error {
	if c.IsClosed() {
		return ErrMockConnClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

// Close closes the connection
func (c *MockConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// IsClosed reports whether Close or Drop was called
func (c *MockConn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Test helpers

// Simulate delivers ev as if the server had sent it
func (c *MockConn) Simulate(ev protocol.Event) error {
	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	c.SimulateRaw(data)
	return nil
}

// SimulateRaw delivers an arbitrary frame
func (c *MockConn) SimulateRaw(data []byte) {
	c.incoming <- data
}

// Drop simulates the server going away; pending and future reads fail with err
func (c *MockConn) Drop(err error) {
	c.mu.Lock()
	c.dropErr = err
	c.mu.Unlock()
	c.Close()
}

// SetWriteError makes subsequent writes fail with err
func (c *MockConn) SetWriteError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// SentRaw returns the frames written so far
func (c *MockConn) SentRaw() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

// Sent returns the written frames decoded back into events
func (c *MockConn) Sent() []protocol.Event {
	var events []protocol.Event
	for _, data := range c.SentRaw() {
		if ev, err := protocol.Decode(data); err == nil {
			events = append(events, ev)
		}
	}
	return events
}

var (
	_ Transport = (*MockTransport)(nil)
	_ Conn      = (*MockConn)(nil)
)
