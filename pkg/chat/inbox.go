package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/aeolun/storychat/pkg/client"
	"github.com/aeolun/storychat/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// Inbox is the principal's thread list. It keeps one Thread per conversation,
// routes presence to counterparties and refreshes itself when a request is
// accepted or a message arrives for an unknown thread.
type Inbox struct {
	env *env

	mu      sync.RWMutex
	threads map[string]*Thread
	order   []string

	ctx    context.Context
	unsubs []func()
}

// NewInbox creates an empty inbox for the local user self
func NewInbox(self string, conn client.ConnectionInterface, resource Resource, opts Options) *Inbox {
	return newInbox(newEnv(self, conn, resource, opts))
}

func newInbox(e *env) *Inbox {
	return &Inbox{
		env:     e,
		threads: make(map[string]*Thread),
		ctx:     context.Background(),
	}
}

// Updates returns the channel announcing state changes. Updates are dropped
// when the reader falls behind.
func (in *Inbox) Updates() <-chan Update {
	return in.env.updates.ch
}

// Attach subscribes the inbox to presence, acceptance, message and typing events.
// ctx bounds the background thread list reloads.
func (in *Inbox) Attach(ctx context.Context) {
	in.Detach()

	unsubs := []func(){
		in.env.conn.Subscribe(protocol.EventPresenceUpdate, func(ev protocol.Event) {
			if presence, ok := ev.(*protocol.PresenceUpdateEvent); ok {
				in.onPresence(presence)
			}
		}),
		in.env.conn.Subscribe(protocol.EventMessageAccepted, func(ev protocol.Event) {
			if accepted, ok := ev.(*protocol.MessageAcceptedEvent); ok {
				in.onAccepted(accepted)
			}
		}),
		in.env.conn.Subscribe(protocol.EventMessageReceived, func(ev protocol.Event) {
			if msg, ok := ev.(*protocol.MessageReceivedEvent); ok {
				in.onMessage(msg)
			}
		}),
		in.env.conn.Subscribe(protocol.EventTyping, func(ev protocol.Event) {
			if typing, ok := ev.(*protocol.TypingEvent); ok {
				in.onTyping(typing)
			}
		}),
	}

	in.mu.Lock()
	in.ctx = ctx
	in.unsubs = unsubs
	in.mu.Unlock()
}

// Detach removes the inbox subscriptions and closes every open thread
func (in *Inbox) Detach() {
	in.mu.Lock()
	unsubs := in.unsubs
	in.unsubs = nil
	threads := in.snapshotLocked()
	in.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	for _, t := range threads {
		t.Close()
	}
}

// LoadThreads fetches the thread list. Threads already known keep their
// message state; their summaries are refreshed.
func (in *Inbox) LoadThreads(ctx context.Context) error {
	summaries, err := in.env.resource.ListThreads(ctx)
	if err != nil {
		return fmt.Errorf("failed to load threads: %w", err)
	}

	in.mu.Lock()
	order := make([]string, 0, len(summaries))
	seen := make(map[string]bool, len(summaries))
	for _, summary := range summaries {
		if summary.ID == "" || seen[summary.ID] {
			continue
		}
		seen[summary.ID] = true
		order = append(order, summary.ID)

		if t, ok := in.threads[summary.ID]; ok {
			t.applyInfo(summary)
		} else {
			in.threads[summary.ID] = newThread(in.env, summary)
		}
	}
	// Threads missing from the listing stay reachable by id but drop out of the list order
	in.order = order
	in.mu.Unlock()

	in.env.logger().WithField("threads", len(order)).Debug("Thread list loaded")
	in.env.updates.publish(Update{Kind: UpdateThreads})
	return nil
}

// Threads returns the threads in list order
func (in *Inbox) Threads() []*Thread {
	in.mu.RLock()
	defer in.mu.RUnlock()

	threads := make([]*Thread, 0, len(in.order))
	for _, id := range in.order {
		threads = append(threads, in.threads[id])
	}
	return threads
}

// Thread returns a known thread
func (in *Inbox) Thread(threadID string) (*Thread, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	t, ok := in.threads[threadID]
	return t, ok
}

// OpenThread opens a thread for viewing and loads its messages. Unknown
// threads are fetched from the resource first.
func (in *Inbox) OpenThread(ctx context.Context, threadID string) (*Thread, error) {
	t, ok := in.Thread(threadID)
	if !ok {
		summary, err := in.env.resource.GetThread(ctx, threadID)
		if err != nil {
			return nil, err
		}
		if summary.ID == "" {
			summary.ID = threadID
		}

		in.mu.Lock()
		if existing, ok := in.threads[threadID]; ok {
			t = existing
		} else {
			t = newThread(in.env, *summary)
			in.threads[threadID] = t
			in.order = append([]string{threadID}, in.order...)
		}
		in.mu.Unlock()
	}

	in.mu.RLock()
	openCtx := in.ctx
	in.mu.RUnlock()

	t.Open(openCtx)
	if err := t.LoadMessages(ctx); err != nil {
		return t, err
	}
	return t, nil
}

// CloseThread stops viewing a thread
func (in *Inbox) CloseThread(threadID string) error {
	t, ok := in.Thread(threadID)
	if !ok {
		return ErrThreadNotFound
	}
	t.Close()
	return nil
}

// SendMessage sends content into a known thread
func (in *Inbox) SendMessage(threadID, content string) (string, error) {
	t, ok := in.Thread(threadID)
	if !ok {
		return "", ErrThreadNotFound
	}
	return t.SendMessage(content)
}

// LoadMessages re-fetches a known thread's messages
func (in *Inbox) LoadMessages(ctx context.Context, threadID string) error {
	t, ok := in.Thread(threadID)
	if !ok {
		return ErrThreadNotFound
	}
	return t.LoadMessages(ctx)
}

// SetTypingLocal announces composing in a known thread
func (in *Inbox) SetTypingLocal(threadID, draft string) error {
	t, ok := in.Thread(threadID)
	if !ok {
		return ErrThreadNotFound
	}
	return t.SetTypingLocal(draft)
}

func (in *Inbox) onPresence(ev *protocol.PresenceUpdateEvent) {
	in.mu.RLock()
	threads := in.snapshotLocked()
	in.mu.RUnlock()

	for _, t := range threads {
		if t.counterpartyID() != ev.UserID {
			continue
		}
		if t.setOnline(ev.IsOnline) {
			in.env.updates.publish(Update{Kind: UpdatePresence, ThreadID: t.ID()})
		}
	}
}

func (in *Inbox) onAccepted(ev *protocol.MessageAcceptedEvent) {
	in.env.logger().WithFields(logrus.Fields{
		"request_id": ev.RequestID,
		"thread_id":  ev.ThreadID,
	}).Info("Message request accepted, reloading threads")
	in.reloadAsync()
}

// onMessage covers threads that are not open. Open threads handle their own
// messages so each event causes a single re-fetch.
func (in *Inbox) onMessage(ev *protocol.MessageReceivedEvent) {
	t, ok := in.Thread(ev.ThreadID)
	if !ok {
		in.env.logger().WithField("thread_id", ev.ThreadID).Debug("Message for unknown thread, reloading threads")
		in.reloadAsync()
		return
	}
	if t.IsOpen() {
		return
	}
	t.OnMessageReceived(ev)
}

// onTyping covers threads that are not open, like onMessage
func (in *Inbox) onTyping(ev *protocol.TypingEvent) {
	t, ok := in.Thread(ev.ThreadID)
	if !ok || t.IsOpen() {
		return
	}
	t.OnTyping(ev)
}

func (in *Inbox) reloadAsync() {
	in.mu.RLock()
	ctx := in.ctx
	in.mu.RUnlock()

	go func() {
		if err := in.LoadThreads(ctx); err != nil {
			in.env.logger().WithError(err).Warn("Thread list reload failed")
		}
	}()
}

func (in *Inbox) snapshotLocked() []*Thread {
	threads := make([]*Thread, 0, len(in.threads))
	for _, t := range in.threads {
		threads = append(threads, t)
	}
	return threads
}
