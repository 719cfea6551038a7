// Package protocol defines the real-time chat events exchanged over the socket
// connection and the JSON records shared with the REST API.
//
// Every frame on the wire is a JSON envelope of the form
//
//	{"event": "send_message", "data": {"threadId": "t1", "content": "hi"}}
//
// The set of events is closed: Decode only accepts the names listed below and
// returns a *MalformedEventError for anything else, including recognized names
// whose payload is missing required fields.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Event names (Client → Server)
const (
	EventSendMessage    = "send_message"
	EventMessageRequest = "message_request"
	EventAcceptRequest  = "accept_request"
	EventRejectRequest  = "reject_request"
)

// Event names (Server → Client)
const (
	EventMessageReceived        = "message_received"
	EventMessageRequestReceived = "message_request_received"
	EventMessageAccepted        = "message_accepted"
	EventPresenceUpdate         = "presence_update"
)

// EventTyping travels in both directions with the same payload
const EventTyping = "typing"

// ErrMalformedEvent is matched (via errors.Is) by every decode failure
var ErrMalformedEvent = errors.New("malformed event")

// MalformedEventError describes why a frame could not be turned into an Event
type MalformedEventError struct {
	Event  string // Event name from the envelope, empty if the envelope itself was unreadable
	Reason string
	Err    error // Underlying JSON error, if any
}

func (e *MalformedEventError) Error() string {
	if e.Event == "" {
		return fmt.Sprintf("malformed event: %s", e.Reason)
	}
	return fmt.Sprintf("malformed event %q: %s", e.Event, e.Reason)
}

// Is reports whether target is ErrMalformedEvent
func (e *MalformedEventError) Is(target error) bool {
	return target == ErrMalformedEvent
}

func (e *MalformedEventError) Unwrap() error {
	return e.Err
}

func malformed(event, reason string, err error) error {
	return &MalformedEventError{Event: event, Reason: reason, Err: err}
}

// Event is implemented by every event variant
type Event interface {
	// EventName returns the wire name of the event
	EventName() string
	// Validate checks the required fields of the payload
	Validate() error
}

// Envelope is the wire format of a single socket frame
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// SendMessageEvent asks the server to deliver content into a thread (or to a user)
type SendMessageEvent struct {
	ThreadID string `json:"threadId,omitempty"`
	ToUserID string `json:"toUserId,omitempty"`
	Content  string `json:"content"`
}

func (e *SendMessageEvent) EventName() string { return EventSendMessage }

func (e *SendMessageEvent) Validate() error {
	if e.ThreadID == "" && e.ToUserID == "" {
		return malformed(EventSendMessage, "threadId or toUserId is required", nil)
	}
	if strings.TrimSpace(e.Content) == "" {
		return malformed(EventSendMessage, "content is empty", nil)
	}
	return nil
}

// MessageRequestEvent proposes first contact to a user
type MessageRequestEvent struct {
	ToUserID string `json:"toUserId"`
	Preview  string `json:"preview"`
}

func (e *MessageRequestEvent) EventName() string { return EventMessageRequest }

func (e *MessageRequestEvent) Validate() error {
	if e.ToUserID == "" {
		return malformed(EventMessageRequest, "toUserId is required", nil)
	}
	if strings.TrimSpace(e.Preview) == "" {
		return malformed(EventMessageRequest, "preview is empty", nil)
	}
	return nil
}

// AcceptRequestEvent announces acceptance of a message request
type AcceptRequestEvent struct {
	RequestID string `json:"requestId"`
}

func (e *AcceptRequestEvent) EventName() string { return EventAcceptRequest }

func (e *AcceptRequestEvent) Validate() error {
	if e.RequestID == "" {
		return malformed(EventAcceptRequest, "requestId is required", nil)
	}
	return nil
}

// RejectRequestEvent announces rejection of a message request
type RejectRequestEvent struct {
	RequestID string `json:"requestId"`
}

func (e *RejectRequestEvent) EventName() string { return EventRejectRequest }

func (e *RejectRequestEvent) Validate() error {
	if e.RequestID == "" {
		return malformed(EventRejectRequest, "requestId is required", nil)
	}
	return nil
}

// TypingEvent signals that a participant is composing in a thread.
// UserID is filled in by the server on relayed events.
type TypingEvent struct {
	ThreadID string `json:"threadId"`
	IsTyping bool   `json:"isTyping"`
	UserID   string `json:"userId,omitempty"`
}

func (e *TypingEvent) EventName() string { return EventTyping }

func (e *TypingEvent) Validate() error {
	if e.ThreadID == "" {
		return malformed(EventTyping, "threadId is required", nil)
	}
	return nil
}

// MessageReceivedEvent carries a message delivered into a thread
type MessageReceivedEvent struct {
	Message
}

func (e *MessageReceivedEvent) EventName() string { return EventMessageReceived }

func (e *MessageReceivedEvent) Validate() error {
	if e.ThreadID == "" {
		return malformed(EventMessageReceived, "threadId is required", nil)
	}
	return nil
}

// MessageRequestReceivedEvent delivers a message request to its recipient
type MessageRequestReceivedEvent struct {
	MessageRequest
}

func (e *MessageRequestReceivedEvent) EventName() string { return EventMessageRequestReceived }

func (e *MessageRequestReceivedEvent) Validate() error {
	if e.ID == "" {
		return malformed(EventMessageRequestReceived, "id is required", nil)
	}
	if e.FromUser.ID == "" && e.FromUserID == "" {
		return malformed(EventMessageRequestReceived, "fromUser is required", nil)
	}
	return nil
}

// SenderID returns the id of the proposing user
func (e *MessageRequestReceivedEvent) SenderID() string {
	if e.FromUser.ID != "" {
		return e.FromUser.ID
	}
	return e.FromUserID
}

// MessageAcceptedEvent tells a sender that a recipient accepted their request.
// All fields are optional; the client reacts by reloading its thread list.
type MessageAcceptedEvent struct {
	RequestID string `json:"requestId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
	UserID    string `json:"userId,omitempty"`
}

func (e *MessageAcceptedEvent) EventName() string { return EventMessageAccepted }

func (e *MessageAcceptedEvent) Validate() error { return nil }

// PresenceUpdateEvent reports a user going online or offline
type PresenceUpdateEvent struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

func (e *PresenceUpdateEvent) EventName() string { return EventPresenceUpdate }

func (e *PresenceUpdateEvent) Validate() error {
	if e.UserID == "" {
		return malformed(EventPresenceUpdate, "userId is required", nil)
	}
	return nil
}

// newEvent returns an empty variant for a recognized name
func newEvent(name string) (Event, bool) {
	switch name {
	case EventSendMessage:
		return &SendMessageEvent{}, true
	case EventMessageRequest:
		return &MessageRequestEvent{}, true
	case EventAcceptRequest:
		return &AcceptRequestEvent{}, true
	case EventRejectRequest:
		return &RejectRequestEvent{}, true
	case EventTyping:
		return &TypingEvent{}, true
	case EventMessageReceived:
		return &MessageReceivedEvent{}, true
	case EventMessageRequestReceived:
		return &MessageRequestReceivedEvent{}, true
	case EventMessageAccepted:
		return &MessageAcceptedEvent{}, true
	case EventPresenceUpdate:
		return &PresenceUpdateEvent{}, true
	}
	return nil, false
}

// IsKnownEvent reports whether name belongs to the recognized event set
func IsKnownEvent(name string) bool {
	_, ok := newEvent(name)
	return ok
}

// Encode validates an event and serializes it into a wire envelope
func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, malformed("", "nil event", nil)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", ev.EventName(), err)
	}
	return json.Marshal(Envelope{Event: ev.EventName(), Data: data})
}

// Decode parses a wire envelope into its typed event variant
func Decode(frame []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, malformed("", "invalid envelope", err)
	}
	if env.Event == "" {
		return nil, malformed("", "missing event name", nil)
	}

	ev, ok := newEvent(env.Event)
	if !ok {
		return nil, malformed(env.Event, "unrecognized event", nil)
	}

	data := strings.TrimSpace(string(env.Data))
	if data == "" || data == "null" || !strings.HasPrefix(data, "{") {
		return nil, malformed(env.Event, "payload must be an object", nil)
	}
	if err := json.Unmarshal(env.Data, ev); err != nil {
		return nil, malformed(env.Event, "invalid payload", err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}
