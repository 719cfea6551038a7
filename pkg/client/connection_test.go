package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/storychat/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastReconnect = ReconnectOptions{
	InitialDelay: 5 * time.Millisecond,
	MaxDelay:     20 * time.Millisecond,
	MaxAttempts:  5,
}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func newTestManager(t *testing.T) (*Manager, *MockTransport) {
	t.Helper()
	transport := NewMockTransport()
	m := NewManager(transport, fastReconnect)
	t.Cleanup(m.Disconnect)
	return m, transport
}

// eventRecorder collects events delivered to a handler
type eventRecorder struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *eventRecorder) handle(ev protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) snapshot() []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Event(nil), r.events...)
}

func (r *eventRecorder) len() int {
	return len(r.snapshot())
}

func TestReconnectDelayIsLinearAndCapped(t *testing.T) {
	opts := DefaultReconnectOptions()
	assert.Equal(t, 5, opts.MaxAttempts)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		3 * time.Second,
		4 * time.Second,
		5 * time.Second,
		5 * time.Second,
	}
	for i, expected := range want {
		assert.Equal(t, expected, opts.Delay(i+1), "attempt %d", i+1)
	}
}

func TestConnectSucceeds(t *testing.T) {
	m, transport := newTestManager(t)

	conn := m.Connect(context.Background(), "token-a")
	require.NotNil(t, conn)

	status := m.Status()
	assert.Equal(t, StateConnected, status.State)
	assert.NoError(t, status.Err)
	assert.True(t, m.IsConnected())
	assert.Equal(t, conn, m.CurrentConnection())
	assert.Equal(t, []string{"token-a"}, transport.Tokens())
}

func TestConnectSameTokenReturnsExistingConnection(t *testing.T) {
	m, transport := newTestManager(t)

	first := m.Connect(context.Background(), "token-a")
	second := m.Connect(context.Background(), "token-a")

	assert.Same(t, first, second)
	assert.Equal(t, 1, transport.DialCount())
}

func TestConnectDifferentTokenReplacesConnection(t *testing.T) {
	m, transport := newTestManager(t)

	first := m.Connect(context.Background(), "token-a")
	require.NotNil(t, first)
	second := m.Connect(context.Background(), "token-b")
	require.NotNil(t, second)

	assert.NotSame(t, first, second)
	assert.True(t, first.(*MockConn).IsClosed(), "old connection must be closed")
	assert.False(t, second.(*MockConn).IsClosed())
	assert.Equal(t, []string{"token-a", "token-b"}, transport.Tokens())
	assert.Equal(t, StateConnected, m.Status().State)
}

func TestStateChangesArePublished(t *testing.T) {
	m, _ := newTestManager(t)

	m.Connect(context.Background(), "token")

	var states []ConnectionState
	for len(states) < 2 {
		select {
		case update := <-m.StateChanges():
			states = append(states, update.State)
		case <-time.After(waitFor):
			t.Fatalf("timed out waiting for state changes, got %v", states)
		}
	}
	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected}, states)
}

func TestEmitWithoutConnectionDropsEvent(t *testing.T) {
	m, _ := newTestManager(t)

	err := m.Emit(&protocol.SendMessageEvent{ThreadID: "t1", Content: "hi"})

	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.metrics.EventsDropped.WithLabelValues(protocol.EventSendMessage, "not_connected")))
}

func TestEmitWritesEnvelope(t *testing.T) {
	m, _ := newTestManager(t)
	conn := m.Connect(context.Background(), "token").(*MockConn)

	require.NoError(t, m.Emit(&protocol.SendMessageEvent{ThreadID: "t1", Content: "hi"}))

	raw := conn.SentRaw()
	require.Len(t, raw, 1)
	assert.JSONEq(t, `{"event":"send_message","data":{"threadId":"t1","content":"hi"}}`, string(raw[0]))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.EventsEmitted.WithLabelValues(protocol.EventSendMessage)))
}

func TestEmitRejectsInvalidEvent(t *testing.T) {
	m, _ := newTestManager(t)
	conn := m.Connect(context.Background(), "token").(*MockConn)

	err := m.Emit(&protocol.AcceptRequestEvent{})

	assert.ErrorIs(t, err, protocol.ErrMalformedEvent)
	assert.Empty(t, conn.SentRaw())
}

func TestSubscribeDeliversEventsInOrder(t *testing.T) {
	m, _ := newTestManager(t)
	conn := m.Connect(context.Background(), "token").(*MockConn)

	rec := &eventRecorder{}
	m.Subscribe(protocol.EventPresenceUpdate, rec.handle)

	for _, id := range []string{"u1", "u2", "u3"} {
		require.NoError(t, conn.Simulate(&protocol.PresenceUpdateEvent{UserID: id, IsOnline: true}))
	}

	require.Eventually(t, func() bool { return rec.len() == 3 }, waitFor, tick)
	var got []string
	for _, ev := range rec.snapshot() {
		got = append(got, ev.(*protocol.PresenceUpdateEvent).UserID)
	}
	assert.Equal(t, []string{"u1", "u2", "u3"}, got)
}

func TestSubscribeOnlyReceivesNamedEvent(t *testing.T) {
	m, _ := newTestManager(t)
	conn := m.Connect(context.Background(), "token").(*MockConn)

	presence := &eventRecorder{}
	typing := &eventRecorder{}
	m.Subscribe(protocol.EventPresenceUpdate, presence.handle)
	m.Subscribe(protocol.EventTyping, typing.handle)

	require.NoError(t, conn.Simulate(&protocol.TypingEvent{ThreadID: "t1", IsTyping: true, UserID: "u2"}))

	require.Eventually(t, func() bool { return typing.len() == 1 }, waitFor, tick)
	assert.Equal(t, 0, presence.len())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m, _ := newTestManager(t)
	conn := m.Connect(context.Background(), "token").(*MockConn)

	removed := &eventRecorder{}
	marker := &eventRecorder{}
	unsubscribe := m.Subscribe(protocol.EventPresenceUpdate, removed.handle)
	m.Subscribe(protocol.EventPresenceUpdate, marker.handle)

	unsubscribe()
	unsubscribe() // second call is a no-op

	require.NoError(t, conn.Simulate(&protocol.PresenceUpdateEvent{UserID: "u1"}))

	require.Eventually(t, func() bool { return marker.len() == 1 }, waitFor, tick)
	assert.Equal(t, 0, removed.len())
	assert.Equal(t, 1, m.SubscriberCount(protocol.EventPresenceUpdate))
}

func TestMalformedInboundFramesAreSkipped(t *testing.T) {
	m, _ := newTestManager(t)
	conn := m.Connect(context.Background(), "token").(*MockConn)

	rec := &eventRecorder{}
	m.Subscribe(protocol.EventPresenceUpdate, rec.handle)

	conn.SimulateRaw([]byte(`not json`))
	conn.SimulateRaw([]byte(`{"event":"self_destruct","data":{}}`))
	conn.SimulateRaw([]byte(`{"event":"presence_update","data":{}}`))
	require.NoError(t, conn.Simulate(&protocol.PresenceUpdateEvent{UserID: "u1"}))

	require.Eventually(t, func() bool { return rec.len() == 1 }, waitFor, tick)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.metrics.MalformedEvents))
	assert.Equal(t, StateConnected, m.Status().State)
}

func TestReconnectAfterDropKeepsSubscriptions(t *testing.T) {
	m, transport := newTestManager(t)
	first := m.Connect(context.Background(), "token").(*MockConn)

	rec := &eventRecorder{}
	m.Subscribe(protocol.EventPresenceUpdate, rec.handle)

	first.Drop(errors.New("server went away"))

	require.Eventually(t, func() bool {
		return transport.DialCount() == 2 && m.Status().State == StateConnected
	}, waitFor, tick)

	second := transport.LastConn()
	require.NotSame(t, first, second)
	require.NoError(t, second.Simulate(&protocol.PresenceUpdateEvent{UserID: "u9", IsOnline: true}))

	require.Eventually(t, func() bool { return rec.len() == 1 }, waitFor, tick)
	assert.Equal(t, []string{"token", "token"}, transport.Tokens())
}

func TestInitialDialFailureRecovers(t *testing.T) {
	m, transport := newTestManager(t)
	transport.FailNext(errors.New("connection refused"))

	conn := m.Connect(context.Background(), "token")
	assert.Nil(t, conn)

	require.Eventually(t, func() bool { return m.Status().State == StateConnected }, waitFor, tick)
	assert.Equal(t, 2, transport.DialCount())
	assert.NotNil(t, m.CurrentConnection())
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	m, transport := newTestManager(t)
	transport.FailAlways(errors.New("connection refused"))

	m.Connect(context.Background(), "token")

	require.Eventually(t, func() bool { return m.Status().State == StateFailed }, waitFor, tick)

	status := m.Status()
	assert.Equal(t, 5, status.Attempt)
	assert.EqualError(t, status.Err, "connection refused")
	// One initial dial plus five reconnect attempts
	assert.Equal(t, 6, transport.DialCount())
	assert.Equal(t, 5.0, testutil.ToFloat64(m.metrics.ReconnectAttempts))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 6, transport.DialCount(), "no attempts after failing")
	assert.ErrorIs(t, m.Emit(&protocol.TypingEvent{ThreadID: "t1"}), ErrNotConnected)
}

func TestConnectAfterFailureStartsOver(t *testing.T) {
	m, transport := newTestManager(t)
	transport.FailAlways(errors.New("connection refused"))
	m.Connect(context.Background(), "token")
	require.Eventually(t, func() bool { return m.Status().State == StateFailed }, waitFor, tick)

	transport.FailAlways(nil)
	conn := m.Connect(context.Background(), "token")

	require.NotNil(t, conn)
	assert.Equal(t, StateConnected, m.Status().State)
}

func TestWriteErrorTriggersReconnect(t *testing.T) {
	m, transport := newTestManager(t)
	first := m.Connect(context.Background(), "token").(*MockConn)
	first.SetWriteError(errors.New("broken pipe"))

	err := m.Emit(&protocol.TypingEvent{ThreadID: "t1", IsTyping: true})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotConnected)
	assert.True(t, first.IsClosed())

	require.Eventually(t, func() bool {
		return transport.DialCount() == 2 && m.Status().State == StateConnected
	}, waitFor, tick)
	require.NoError(t, m.Emit(&protocol.TypingEvent{ThreadID: "t1", IsTyping: true}))
	assert.Len(t, transport.LastConn().SentRaw(), 1)
}

func TestDisconnectIsIdempotentAndReleasesListeners(t *testing.T) {
	m, _ := newTestManager(t)
	conn := m.Connect(context.Background(), "token").(*MockConn)
	m.Subscribe(protocol.EventPresenceUpdate, func(protocol.Event) {})
	m.Subscribe(protocol.EventTyping, func(protocol.Event) {})

	m.Disconnect()
	m.Disconnect()

	assert.True(t, conn.IsClosed())
	assert.Equal(t, StateDisconnected, m.Status().State)
	assert.Nil(t, m.CurrentConnection())
	assert.Equal(t, 0, m.SubscriberCount(protocol.EventPresenceUpdate))
	assert.Equal(t, 0, m.SubscriberCount(protocol.EventTyping))
}

func TestDisconnectWhenNeverConnected(t *testing.T) {
	m, _ := newTestManager(t)

	m.Disconnect()

	assert.Equal(t, StateDisconnected, m.Status().State)
	select {
	case update := <-m.StateChanges():
		t.Fatalf("unexpected state change %v", update.State)
	default:
	}
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	m, transport := newTestManager(t)
	transport.FailAlways(errors.New("connection refused"))
	m.Connect(context.Background(), "token")

	m.Disconnect()
	time.Sleep(20 * time.Millisecond)
	dials := transport.DialCount()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, dials, transport.DialCount())
	assert.Equal(t, StateDisconnected, m.Status().State)
}

func TestDisconnectFromHandlerDoesNotDeadlock(t *testing.T) {
	m, _ := newTestManager(t)
	conn := m.Connect(context.Background(), "token").(*MockConn)

	m.Subscribe(protocol.EventPresenceUpdate, func(protocol.Event) {
		m.Disconnect()
	})
	require.NoError(t, conn.Simulate(&protocol.PresenceUpdateEvent{UserID: "u1"}))

	require.Eventually(t, func() bool { return m.Status().State == StateDisconnected }, waitFor, tick)
	assert.True(t, conn.IsClosed())
}

func TestEmitFromHandler(t *testing.T) {
	m, _ := newTestManager(t)
	conn := m.Connect(context.Background(), "token").(*MockConn)

	m.Subscribe(protocol.EventPresenceUpdate, func(ev protocol.Event) {
		m.Emit(&protocol.TypingEvent{ThreadID: "t1", IsTyping: false})
	})
	require.NoError(t, conn.Simulate(&protocol.PresenceUpdateEvent{UserID: "u1"}))

	require.Eventually(t, func() bool { return len(conn.SentRaw()) == 1 }, waitFor, tick)
}
