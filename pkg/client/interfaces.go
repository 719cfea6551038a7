package client

import (
	"context"

	"github.com/aeolun/storychat/pkg/protocol"
)

// Conn is a single live transport channel carrying JSON event frames.
// ReadMessage is only ever called from one goroutine; WriteMessage calls are
// serialized by the Manager.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Transport opens authenticated connections to the real-time server
type Transport interface {
	// Dial opens a new connection presenting token as the bearer credential
	Dial(ctx context.Context, token string) (Conn, error)
}

// Handler is invoked once per inbound event of the subscribed name
type Handler func(ev protocol.Event)

// ConnectionInterface is what the chat layer needs from the connection manager.
// This allows for mocking in tests while the real Manager implements all these methods
type ConnectionInterface interface {
	// Emit sends an event without waiting for any acknowledgment
	Emit(ev protocol.Event) error
	// Subscribe registers a handler and returns the function that removes it
	Subscribe(eventName string, h Handler) (unsubscribe func())
	// Status returns the current connection state
	Status() ConnectionStateUpdate
}

// StateInterface defines the interface for client state persistence
// This allows for mocking in tests while the real State implements all these methods
type StateInterface interface {
	// Guest reading progress
	GetReadingProgress(storyID string) (*protocol.ReadingProgress, error)
	SaveReadingProgress(progress protocol.ReadingProgress) error

	// Connection history
	GetLastSuccessfulEndpoint() string
	SaveSuccessfulEndpoint(endpoint string) error

	// Close the state
	Close() error
}
