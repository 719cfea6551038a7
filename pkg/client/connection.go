package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aeolun/storychat/pkg/logging"
	"github.com/aeolun/storychat/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// ConnectionState represents the connection status
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed" // Reconnect attempts exhausted, needs a new Connect
)

var allStates = []ConnectionState{
	StateDisconnected,
	StateConnecting,
	StateConnected,
	StateReconnecting,
	StateFailed,
}

// ConnectionStateUpdate represents a connection state change
type ConnectionStateUpdate struct {
	State   ConnectionState
	Attempt int
	Err     error
}

// ErrNotConnected is returned by Emit when no connection is live. The event is dropped.
var ErrNotConnected = errors.New("not connected")

// ReconnectOptions controls the automatic reconnect policy
type ReconnectOptions struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

// DefaultReconnectOptions returns 1s initial delay, 5s cap, 5 attempts
func DefaultReconnectOptions() ReconnectOptions {
	return ReconnectOptions{
		InitialDelay: 1 * time.Second,
		MaxDelay:     5 * time.Second,
		MaxAttempts:  5,
	}
}

// Delay returns how long to wait before reconnect attempt n (1-based).
// The delay grows linearly with the attempt number and is capped at MaxDelay.
func (o ReconnectOptions) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := o.InitialDelay * time.Duration(attempt)
	if o.MaxDelay > 0 && delay > o.MaxDelay {
		delay = o.MaxDelay
	}
	return delay
}

type subscription struct {
	id      uint64
	handler Handler
}

// Manager owns the single real-time connection of a session
type Manager struct {
	transport Transport
	reconnect ReconnectOptions

	mu      sync.RWMutex
	state   ConnectionState
	attempt int
	lastErr error
	token   string
	conn    Conn
	gen     uint64 // Bumped by every Connect/Disconnect; goroutines of older generations exit
	ctx     context.Context
	cancel  context.CancelFunc

	writeMu sync.Mutex

	subMu     sync.RWMutex
	subs      map[string][]subscription
	nextSubID uint64

	stateChange chan ConnectionStateUpdate

	metrics *Metrics
	logger  logrus.FieldLogger
}

// NewManager creates a connection manager on top of transport
func NewManager(transport Transport, opts ReconnectOptions) *Manager {
	return &Manager{
		transport:   transport,
		reconnect:   opts,
		state:       StateDisconnected,
		subs:        make(map[string][]subscription),
		stateChange: make(chan ConnectionStateUpdate, 16),
		metrics:     NewMetrics(nil),
		logger:      logging.Discard(),
	}
}

// SetLogger sets a logger for connection events
func (m *Manager) SetLogger(logger logrus.FieldLogger) {
	m.logger = logger
}

// SetMetrics replaces the default unregistered collectors
func (m *Manager) SetMetrics(metrics *Metrics) {
	m.metrics = metrics
}

// Connect opens a connection authenticated with token. If a connection for the
// same token is already live it is returned unchanged; any other live or
// pending connection is torn down first. Dial failures never surface here:
// the reconnect policy takes over and the outcome is visible through Status
// and StateChanges. The returned handle is nil unless the first dial succeeded.
func (m *Manager) Connect(ctx context.Context, token string) Conn {
	m.mu.Lock()
	if m.state == StateConnected && m.conn != nil && m.token == token {
		conn := m.conn
		m.mu.Unlock()
		return conn
	}

	old := m.teardownLocked()
	m.gen++
	gen := m.gen
	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	loopCtx := m.ctx
	m.token = token
	m.attempt = 0
	m.lastErr = nil
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	if old != nil {
		m.logger.Debug("Closing previous connection before reconnecting")
		old.Close()
	}

	conn, err := m.dial(ctx, token)

	m.mu.Lock()
	if gen != m.gen {
		// Disconnect or another Connect happened while dialing
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return nil
	}
	if err != nil {
		m.lastErr = err
		m.setStateLocked(StateReconnecting)
		m.mu.Unlock()
		m.logger.WithError(err).Warn("Initial connection failed, starting reconnect loop")
		go m.reconnectLoop(loopCtx, gen)
		return nil
	}
	m.installLocked(conn)
	m.mu.Unlock()

	m.logger.Info("Connected")
	go m.readLoop(gen, conn)
	return conn
}

// Disconnect tears down the connection, stops reconnecting and releases all
// listeners. It is safe to call at any time.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	old := m.teardownLocked()
	m.gen++
	m.token = ""
	m.attempt = 0
	wasActive := m.state != StateDisconnected
	if wasActive {
		m.lastErr = nil
		m.setStateLocked(StateDisconnected)
	}
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}

	m.subMu.Lock()
	m.subs = make(map[string][]subscription)
	m.subMu.Unlock()

	if wasActive {
		m.logger.Info("Disconnected (user requested)")
	}
}

// CurrentConnection returns the live handle, or nil
func (m *Manager) CurrentConnection() Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateConnected {
		return nil
	}
	return m.conn
}

// Status returns the current state, reconnect attempt and last error
func (m *Manager) Status() ConnectionStateUpdate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ConnectionStateUpdate{State: m.state, Attempt: m.attempt, Err: m.lastErr}
}

// IsConnected returns whether the connection is active
func (m *Manager) IsConnected() bool {
	return m.Status().State == StateConnected
}

// StateChanges returns the channel for connection state updates.
// Updates are dropped when nobody keeps up with the channel.
func (m *Manager) StateChanges() <-chan ConnectionStateUpdate {
	return m.stateChange
}

// Emit writes an event to the live connection. Nothing is queued: without a
// connection the event is dropped, logged and ErrNotConnected is returned.
func (m *Manager) Emit(ev protocol.Event) error {
	name := "invalid"
	if ev != nil {
		name = ev.EventName()
	}

	data, err := protocol.Encode(ev)
	if err != nil {
		m.metrics.EventsDropped.WithLabelValues(name, "invalid").Inc()
		return err
	}

	m.mu.RLock()
	conn := m.conn
	gen := m.gen
	connected := m.state == StateConnected
	m.mu.RUnlock()

	if !connected || conn == nil {
		m.metrics.EventsDropped.WithLabelValues(name, "not_connected").Inc()
		m.logger.WithField("event", name).Warn("Dropping event, no live connection")
		return ErrNotConnected
	}

	m.writeMu.Lock()
	err = conn.WriteMessage(data)
	m.writeMu.Unlock()

	if err != nil {
		m.metrics.EventsDropped.WithLabelValues(name, "write_error").Inc()
		m.logger.WithError(err).WithField("event", name).Error("Write failed")
		m.handleDisconnect(gen, conn, err)
		return fmt.Errorf("failed to send %s: %w", name, err)
	}

	m.metrics.EventsEmitted.WithLabelValues(name).Inc()
	m.logger.WithField("event", name).Debug("→ SEND")
	return nil
}

// Subscribe registers h for inbound events named eventName. Handlers run on
// the connection's dispatch goroutine in the order events arrive. The returned
// function removes the handler and may be called more than once.
func (m *Manager) Subscribe(eventName string, h Handler) func() {
	m.subMu.Lock()
	m.nextSubID++
	id := m.nextSubID
	m.subs[eventName] = append(m.subs[eventName], subscription{id: id, handler: h})
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(eventName, id) })
	}
}

func (m *Manager) unsubscribe(eventName string, id uint64) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	current := m.subs[eventName]
	kept := make([]subscription, 0, len(current))
	for _, s := range current {
		if s.id != id {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(m.subs, eventName)
		return
	}
	m.subs[eventName] = kept
}

// SubscriberCount returns how many handlers are registered for eventName
func (m *Manager) SubscriberCount(eventName string) int {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	return len(m.subs[eventName])
}

func (m *Manager) dispatch(ev protocol.Event) {
	m.subMu.RLock()
	handlers := append([]subscription(nil), m.subs[ev.EventName()]...)
	m.subMu.RUnlock()

	m.metrics.EventsReceived.WithLabelValues(ev.EventName()).Inc()
	m.logger.WithFields(logrus.Fields{
		"event":    ev.EventName(),
		"handlers": len(handlers),
	}).Debug("← RECV")

	for _, s := range handlers {
		s.handler(ev)
	}
}

// readLoop reads frames from conn until it fails or is replaced
func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(gen, conn, err)
			return
		}

		if !m.isCurrent(gen, conn) {
			return
		}

		ev, err := protocol.Decode(data)
		if err != nil {
			m.metrics.MalformedEvents.Inc()
			m.logger.WithError(err).Warn("Dropping malformed inbound event")
			continue
		}

		m.dispatch(ev)
	}
}

func (m *Manager) isCurrent(gen uint64, conn Conn) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gen == gen && m.conn == conn
}

// handleDisconnect handles unexpected loss of conn
func (m *Manager) handleDisconnect(gen uint64, conn Conn, err error) {
	m.mu.Lock()
	if gen != m.gen || m.conn != conn {
		// Intentional teardown, or already handled by the other side of the connection
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.lastErr = err
	m.attempt = 0
	m.setStateLocked(StateReconnecting)
	ctx := m.ctx
	m.mu.Unlock()

	conn.Close()
	m.logger.WithError(err).Warn("Connection lost, starting reconnect loop")
	go m.reconnectLoop(ctx, gen)
}

// reconnectLoop attempts to reconnect with linear-capped backoff until the
// attempt budget is spent, then parks the manager in StateFailed
func (m *Manager) reconnectLoop(ctx context.Context, gen uint64) {
	for attempt := 1; attempt <= m.reconnect.MaxAttempts; attempt++ {
		delay := m.reconnect.Delay(attempt)
		m.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay,
		}).Debug("Waiting before reconnect attempt")

		select {
		case <-ctx.Done():
			m.logger.Debug("Reconnect loop cancelled")
			return
		case <-time.After(delay):
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.attempt = attempt
		token := m.token
		m.setStateLocked(StateReconnecting)
		m.mu.Unlock()

		m.metrics.ReconnectAttempts.Inc()
		conn, err := m.dial(ctx, token)

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			m.lastErr = err
			m.mu.Unlock()
			m.logger.WithError(err).WithField("attempt", attempt).Warn("Reconnect attempt failed")
			continue
		}
		m.installLocked(conn)
		m.mu.Unlock()

		m.logger.WithField("attempt", attempt).Info("Reconnected")
		go m.readLoop(gen, conn)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.setStateLocked(StateFailed)
	m.logger.WithError(m.lastErr).WithField("attempts", m.reconnect.MaxAttempts).Error("Giving up on reconnecting")
}

func (m *Manager) dial(ctx context.Context, token string) (Conn, error) {
	if m.transport == nil {
		return nil, errors.New("no transport configured")
	}
	conn, err := m.transport.Dial(ctx, token)
	if err != nil {
		m.metrics.Dials.WithLabelValues("error").Inc()
		return nil, err
	}
	m.metrics.Dials.WithLabelValues("ok").Inc()
	return conn, nil
}

// installLocked makes conn the live connection. Caller holds m.mu.
func (m *Manager) installLocked(conn Conn) {
	m.conn = conn
	m.attempt = 0
	m.lastErr = nil
	m.setStateLocked(StateConnected)
}

// teardownLocked cancels pending reconnects and detaches the live connection,
// returning it so the caller can close it outside the lock. Caller holds m.mu.
func (m *Manager) teardownLocked() Conn {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conn := m.conn
	m.conn = nil
	return conn
}

// setStateLocked records a state and publishes it. Caller holds m.mu.
func (m *Manager) setStateLocked(state ConnectionState) {
	m.state = state
	m.metrics.setState(state)

	select {
	case m.stateChange <- ConnectionStateUpdate{State: state, Attempt: m.attempt, Err: m.lastErr}:
	default:
		m.logger.WithField("state", state).Debug("State change channel full, dropping update")
	}
}
