package protocol

import (
	"encoding/json"
	"time"
)

// User is the public profile of a platform user as returned by the REST API
// and embedded in socket payloads.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// Name returns the best human-readable label for the user
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	if u.Username != "" {
		return u.Username
	}
	return u.ID
}

// Message is a chat message record
type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"threadId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	IsRead    bool      `json:"isRead"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChatThread is a thread summary as returned by the thread list endpoint
type ChatThread struct {
	ID            string    `json:"id"`
	ParticipantID string    `json:"participantId"`
	Participant   User      `json:"participant"`
	LastMessage   *Message  `json:"lastMessage,omitempty"`
	UnreadCount   int       `json:"unreadCount"`
	IsOnline      bool      `json:"isOnline"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// MessageRequest is a first-contact proposal awaiting the recipient's decision
type MessageRequest struct {
	ID         string    `json:"id"`
	FromUserID string    `json:"fromUserId,omitempty"`
	FromUser   User      `json:"fromUser"`
	Preview    string    `json:"preview"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ReadingProgress is how far a reader got through a story
type ReadingProgress struct {
	StoryID    string  `json:"storyId"`
	Position   int     `json:"position"`
	Percentage float64 `json:"percentage"`
}

// UnmarshalJSON accepts an empty or null createdAt as the zero time
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var raw struct {
		*plain
		CreatedAt json.RawMessage `json:"createdAt"`
	}
	raw.plain = (*plain)(m)
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return parseTimestamp(raw.CreatedAt, &m.CreatedAt)
}

// UnmarshalJSON accepts an empty or null createdAt as the zero time
func (r *MessageRequest) UnmarshalJSON(data []byte) error {
	type plain MessageRequest
	var raw struct {
		*plain
		CreatedAt json.RawMessage `json:"createdAt"`
	}
	raw.plain = (*plain)(r)
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return parseTimestamp(raw.CreatedAt, &r.CreatedAt)
}

func parseTimestamp(raw json.RawMessage, out *time.Time) error {
	switch string(raw) {
	case "", "null", `""`:
		*out = time.Time{}
		return nil
	}
	return json.Unmarshal(raw, out)
}
