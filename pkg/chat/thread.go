package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/storychat/pkg/client"
	"github.com/aeolun/storychat/pkg/protocol"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DeliveryState of a message shown in a thread
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
)

// ChatMessage is a message as displayed in a thread. ClientID is the temporary
// id assigned on send; it stays attached to the confirmed copy so a UI can keep
// the row stable across reconciliation.
type ChatMessage struct {
	protocol.Message
	ClientID string
	State    DeliveryState
}

// Pending reports whether the message is still waiting for confirmation
func (m ChatMessage) Pending() bool {
	return m.State == DeliveryPending
}

// Thread is the client-side state of one conversation
type Thread struct {
	id  string
	env *env

	mu        sync.Mutex
	info      protocol.ChatThread
	messages  []ChatMessage
	typing    bool
	typingGen uint64
	timer     Timer

	open   bool
	ctx    context.Context
	cancel context.CancelFunc
	unsubs []func()
}

// NewThread creates a standalone thread for the local user self
func NewThread(info protocol.ChatThread, self string, conn client.ConnectionInterface, resource Resource, opts Options) *Thread {
	return newThread(newEnv(self, conn, resource, opts), info)
}

func newThread(e *env, info protocol.ChatThread) *Thread {
	return &Thread{
		id:   info.ID,
		env:  e,
		info: info,
		ctx:  context.Background(),
	}
}

// ID returns the thread id
func (t *Thread) ID() string {
	return t.id
}

// Info returns the thread summary (counterparty, unread count, online flag, last message)
func (t *Thread) Info() protocol.ChatThread {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info
}

// Messages returns a copy of the displayed message sequence
func (t *Thread) Messages() []ChatMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ChatMessage(nil), t.messages...)
}

// PendingMessages returns the messages still waiting for confirmation
func (t *Thread) PendingMessages() []ChatMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pending []ChatMessage
	for _, m := range t.messages {
		if m.Pending() {
			pending = append(pending, m)
		}
	}
	return pending
}

// PendingSince returns when the pending message was (last) sent
func (t *Thread) PendingSince(clientID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := t.pendingIndexLocked(clientID); i >= 0 {
		return t.messages[i].CreatedAt, true
	}
	return time.Time{}, false
}

// CounterpartyTyping reports whether the other participant is composing
func (t *Thread) CounterpartyTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

// IsOpen reports whether the thread is currently being viewed
func (t *Thread) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// Open marks the thread as viewed: it subscribes to its inbound message and
// typing events and clears the unread count. Opening an open thread is a no-op.
func (t *Thread) Open(ctx context.Context) {
	t.mu.Lock()
	if t.open {
		t.mu.Unlock()
		return
	}
	t.open = true
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.info.UnreadCount = 0
	t.mu.Unlock()

	unsubs := []func(){
		t.env.conn.Subscribe(protocol.EventMessageReceived, func(ev protocol.Event) {
			if msg, ok := ev.(*protocol.MessageReceivedEvent); ok {
				t.OnMessageReceived(msg)
			}
		}),
		t.env.conn.Subscribe(protocol.EventTyping, func(ev protocol.Event) {
			if typing, ok := ev.(*protocol.TypingEvent); ok {
				t.OnTyping(typing)
			}
		}),
	}

	t.mu.Lock()
	t.unsubs = unsubs
	t.mu.Unlock()

	t.env.logger().WithField("thread_id", t.id).Debug("Thread opened")
	t.env.updates.publish(Update{Kind: UpdateThreads, ThreadID: t.id})
}

// Close stops listening for the thread's events, cancels in-flight fetches
// and clears the typing indicator
func (t *Thread) Close() {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return
	}
	t.open = false
	unsubs := t.unsubs
	t.unsubs = nil
	if t.cancel != nil {
		t.cancel()
	}
	t.ctx = context.Background()
	t.clearTypingLocked()
	t.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	t.env.logger().WithField("thread_id", t.id).Debug("Thread closed")
}

// LoadMessages fetches the authoritative message list and replaces the local
// sequence with it, keeping pending messages that were not confirmed
func (t *Thread) LoadMessages(ctx context.Context) error {
	fetched, err := t.env.resource.ListMessages(ctx, t.id, 0)
	if err != nil {
		return fmt.Errorf("failed to load messages for thread %s: %w", t.id, err)
	}

	t.mu.Lock()
	claimed := t.reconcileLocked(fetched)
	if n := len(t.messages); n > 0 {
		last := t.messages[n-1].Message
		t.info.LastMessage = &last
	}
	t.mu.Unlock()

	if claimed > 0 {
		t.env.metrics().Reconciled.Add(float64(claimed))
		t.env.metrics().Pending.Sub(float64(claimed))
	}
	t.env.logger().WithFields(logrus.Fields{
		"thread_id":  t.id,
		"fetched":    len(fetched),
		"reconciled": claimed,
	}).Debug("Messages loaded")
	t.env.updates.publish(Update{Kind: UpdateMessages, ThreadID: t.id})
	return nil
}

// reconcileLocked rebuilds the message sequence from a fetched list.
// Each fetched message from the local user that was not confirmed before
// claims at most one pending message with identical content sent within the
// reconcile window; claimed pending
// entries disappear and unclaimed ones are kept after the fetched messages.
func (t *Thread) reconcileLocked(fetched []protocol.Message) int {
	var pending []ChatMessage
	knownClientIDs := make(map[string]string)
	// Messages confirmed by an earlier fetch already had their chance to claim
	confirmedBefore := make(map[string]bool)
	for _, m := range t.messages {
		if m.Pending() {
			pending = append(pending, m)
			continue
		}
		confirmedBefore[m.ID] = true
		if m.ClientID != "" {
			knownClientIDs[m.ID] = m.ClientID
		}
	}

	window := t.env.opts.ReconcileWindow
	claimedBy := make([]bool, len(pending))
	claimed := 0
	seen := make(map[string]bool, len(fetched))
	next := make([]ChatMessage, 0, len(fetched)+len(pending))

	for _, msg := range fetched {
		if msg.ID != "" {
			if seen[msg.ID] {
				continue
			}
			seen[msg.ID] = true
		}

		confirmed := ChatMessage{
			Message:  msg,
			ClientID: knownClientIDs[msg.ID],
			State:    DeliveryConfirmed,
		}

		if msg.SenderID == t.env.self && !confirmedBefore[msg.ID] {
			for i, p := range pending {
				if claimedBy[i] || p.Content != msg.Content || !withinWindow(p.CreatedAt, msg.CreatedAt, window) {
					continue
				}
				claimedBy[i] = true
				claimed++
				confirmed.ClientID = p.ClientID
				break
			}
		}

		next = append(next, confirmed)
	}

	for i, p := range pending {
		if !claimedBy[i] {
			next = append(next, p)
		}
	}

	t.messages = next
	return claimed
}

// withinWindow compares send and server timestamps. A server copy without a
// timestamp matches on content alone.
func withinWindow(sent, created time.Time, window time.Duration) bool {
	if created.IsZero() {
		return true
	}
	diff := created.Sub(sent)
	if diff < 0 {
		diff = -diff
	}
	return diff <= window
}

// SendMessage appends a pending message and emits send_message. Blank content
// is rejected with ErrEmptyContent and changes nothing. A failed emit leaves
// the message pending; it returns the temporary client id either way.
func (t *Thread) SendMessage(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}

	clientID := uuid.New().String()
	msg := ChatMessage{
		Message: protocol.Message{
			ID:        clientID,
			ThreadID:  t.id,
			SenderID:  t.env.self,
			Content:   content,
			CreatedAt: t.env.now(),
		},
		ClientID: clientID,
		State:    DeliveryPending,
	}

	t.mu.Lock()
	t.messages = append(t.messages, msg)
	t.mu.Unlock()

	t.env.metrics().Pending.Inc()
	t.env.updates.publish(Update{Kind: UpdateMessages, ThreadID: t.id})

	t.emitSend(clientID, content)
	return clientID, nil
}

func (t *Thread) emitSend(clientID, content string) {
	err := t.env.conn.Emit(&protocol.SendMessageEvent{ThreadID: t.id, Content: content})
	if err != nil {
		t.env.logger().WithError(err).WithFields(logrus.Fields{
			"thread_id": t.id,
			"client_id": clientID,
		}).Warn("Message left pending, send failed")
	}
}

// RetryPending re-emits a pending message and refreshes its timestamp
func (t *Thread) RetryPending(clientID string) error {
	t.mu.Lock()
	i := t.pendingIndexLocked(clientID)
	if i < 0 {
		t.mu.Unlock()
		return ErrPendingNotFound
	}
	t.messages[i].CreatedAt = t.env.now()
	content := t.messages[i].Content
	t.mu.Unlock()

	t.emitSend(clientID, content)
	t.env.updates.publish(Update{Kind: UpdateMessages, ThreadID: t.id})
	return nil
}

// DropPending removes a pending message from the thread
func (t *Thread) DropPending(clientID string) error {
	t.mu.Lock()
	i := t.pendingIndexLocked(clientID)
	if i < 0 {
		t.mu.Unlock()
		return ErrPendingNotFound
	}
	t.messages = append(t.messages[:i:i], t.messages[i+1:]...)
	t.mu.Unlock()

	t.env.metrics().Pending.Dec()
	t.env.updates.publish(Update{Kind: UpdateMessages, ThreadID: t.id})
	return nil
}

func (t *Thread) pendingIndexLocked(clientID string) int {
	for i, m := range t.messages {
		if m.Pending() && m.ClientID == clientID {
			return i
		}
	}
	return -1
}

// OnMessageReceived handles a message delivered into this thread. An open
// thread re-fetches its message list exactly once per event; a thread that is
// not being viewed only bumps its unread count and last message.
func (t *Thread) OnMessageReceived(ev *protocol.MessageReceivedEvent) {
	if ev.ThreadID != t.id {
		return
	}

	t.mu.Lock()
	msg := ev.Message
	t.info.LastMessage = &msg
	if !msg.CreatedAt.IsZero() {
		t.info.UpdatedAt = msg.CreatedAt
	}
	open := t.open
	ctx := t.ctx
	if !open && msg.SenderID != t.env.self {
		t.info.UnreadCount++
	}
	t.mu.Unlock()

	if !open {
		t.env.updates.publish(Update{Kind: UpdateThreads, ThreadID: t.id})
		return
	}

	t.env.metrics().Refetches.Inc()
	go func() {
		if err := t.LoadMessages(ctx); err != nil {
			t.env.logger().WithError(err).WithField("thread_id", t.id).Warn("Reconciliation fetch failed")
		}
	}()
}

// OnTyping updates the counterparty typing indicator. A true signal expires
// after the typing expiry unless another signal arrives first; false clears
// it at once. Echoes of the local user's own typing are ignored.
func (t *Thread) OnTyping(ev *protocol.TypingEvent) {
	if ev.ThreadID != t.id {
		return
	}
	if ev.UserID != "" && ev.UserID == t.env.self {
		return
	}

	t.mu.Lock()
	if ev.IsTyping {
		if t.timer != nil {
			t.timer.Stop()
		}
		t.typing = true
		t.typingGen++
		gen := t.typingGen
		t.timer = t.env.opts.Clock.AfterFunc(t.env.opts.TypingExpiry, func() {
			t.expireTyping(gen)
		})
	} else {
		t.clearTypingLocked()
	}
	t.mu.Unlock()

	t.env.updates.publish(Update{Kind: UpdateTyping, ThreadID: t.id})
}

func (t *Thread) expireTyping(gen uint64) {
	t.mu.Lock()
	if gen != t.typingGen || !t.typing {
		t.mu.Unlock()
		return
	}
	t.typing = false
	t.timer = nil
	t.mu.Unlock()

	t.env.updates.publish(Update{Kind: UpdateTyping, ThreadID: t.id})
}

func (t *Thread) clearTypingLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.typing = false
	t.typingGen++
}

// SetTypingLocal announces that the local user is composing draft. Blank drafts
// emit nothing.
func (t *Thread) SetTypingLocal(draft string) error {
	if strings.TrimSpace(draft) == "" {
		return nil
	}
	return t.env.conn.Emit(&protocol.TypingEvent{ThreadID: t.id, IsTyping: true})
}

// applyInfo merges a fresh summary from the thread list
func (t *Thread) applyInfo(info protocol.ChatThread) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open {
		info.UnreadCount = 0
	}
	t.info = info
}

// setOnline updates the counterparty presence flag, reporting whether it changed
func (t *Thread) setOnline(online bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.info.IsOnline == online {
		return false
	}
	t.info.IsOnline = online
	return true
}

func (t *Thread) counterpartyID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.info.ParticipantID != "" {
		return t.info.ParticipantID
	}
	return t.info.Participant.ID
}
