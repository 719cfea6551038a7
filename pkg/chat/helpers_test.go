package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aeolun/storychat/pkg/client"
	"github.com/aeolun/storychat/pkg/protocol"
)

// fakeClock only moves when Advance is called
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	done    bool
	stopped bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and fires due timers in deadline order
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.done && !t.stopped && !t.at.After(c.now) {
			t.done = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

type fakeSub struct {
	id      uint64
	handler client.Handler
}

// fakeConn is a synchronous ConnectionInterface: deliver runs handlers inline
type fakeConn struct {
	mu      sync.Mutex
	subs    map[string][]fakeSub
	nextID  uint64
	emitted []protocol.Event
	emitErr error
	onEmit  func(protocol.Event)
}

func newFakeConn() *fakeConn {
	return &fakeConn{subs: make(map[string][]fakeSub)}
}

func (c *fakeConn) Emit(ev protocol.Event) error {
	if _, err := protocol.Encode(ev); err != nil {
		return err
	}

	c.mu.Lock()
	hook := c.onEmit
	err := c.emitErr
	if err == nil {
		c.emitted = append(c.emitted, ev)
	}
	c.mu.Unlock()

	if hook != nil {
		hook(ev)
	}
	return err
}

func (c *fakeConn) Subscribe(eventName string, h client.Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.subs[eventName] = append(c.subs[eventName], fakeSub{id: id, handler: h})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		kept := c.subs[eventName][:0:0]
		for _, s := range c.subs[eventName] {
			if s.id != id {
				kept = append(kept, s)
			}
		}
		c.subs[eventName] = kept
	}
}

func (c *fakeConn) Status() client.ConnectionStateUpdate {
	return client.ConnectionStateUpdate{State: client.StateConnected}
}

func (c *fakeConn) deliver(ev protocol.Event) {
	c.mu.Lock()
	subs := append([]fakeSub(nil), c.subs[ev.EventName()]...)
	c.mu.Unlock()

	for _, s := range subs {
		s.handler(ev)
	}
}

func (c *fakeConn) subscriberCount(eventName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs[eventName])
}

func (c *fakeConn) emittedNamed(eventName string) []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Event
	for _, ev := range c.emitted {
		if ev.EventName() == eventName {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) setEmitErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitErr = err
}

// fakeResource is an in-memory Resource
type fakeResource struct {
	mu           sync.Mutex
	threads      []protocol.ChatThread
	messages     map[string][]protocol.Message
	listErr      error
	decisionErr  error
	messageCalls map[string]int
	threadCalls  int
	accepted     []string
	rejected     []string
}

func newFakeResource() *fakeResource {
	return &fakeResource{
		messages:     make(map[string][]protocol.Message),
		messageCalls: make(map[string]int),
	}
}

func (r *fakeResource) ListThreads(ctx context.Context) ([]protocol.ChatThread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threadCalls++
	if r.listErr != nil {
		return nil, r.listErr
	}
	return append([]protocol.ChatThread(nil), r.threads...), nil
}

func (r *fakeResource) GetThread(ctx context.Context, threadID string) (*protocol.ChatThread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.threads {
		if t.ID == threadID {
			thread := t
			return &thread, nil
		}
	}
	return nil, ErrThreadNotFound
}

func (r *fakeResource) ListMessages(ctx context.Context, threadID string, page int) ([]protocol.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messageCalls[threadID]++
	if r.listErr != nil {
		return nil, r.listErr
	}
	return append([]protocol.Message(nil), r.messages[threadID]...), nil
}

func (r *fakeResource) AcceptMessageRequest(ctx context.Context, requestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.decisionErr != nil {
		return r.decisionErr
	}
	r.accepted = append(r.accepted, requestID)
	return nil
}

func (r *fakeResource) RejectMessageRequest(ctx context.Context, requestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.decisionErr != nil {
		return r.decisionErr
	}
	r.rejected = append(r.rejected, requestID)
	return nil
}

func (r *fakeResource) setMessages(threadID string, msgs ...protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[threadID] = msgs
}

func (r *fakeResource) setThreads(threads ...protocol.ChatThread) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threads = threads
}

func (r *fakeResource) setListErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listErr = err
}

func (r *fakeResource) messageCallCount(threadID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messageCalls[threadID]
}

func (r *fakeResource) threadCallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.threadCalls
}

// drainUpdates empties an update channel without blocking
func drainUpdates(ch <-chan Update) []Update {
	var out []Update
	for {
		select {
		case u := <-ch:
			out = append(out, u)
		default:
			return out
		}
	}
}
