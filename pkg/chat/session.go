package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aeolun/storychat/pkg/client"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a bearer token does not name a user
var ErrInvalidToken = errors.New("invalid session token")

// Principal is the authenticated local user
type Principal struct {
	UserID    string
	Token     string
	ExpiresAt time.Time // zero when the token carries no expiry
}

// Expired reports whether the token expiry has passed at now
func (p Principal) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// ParsePrincipal reads the user id from a JWT bearer token (claims "sub",
// "userId" or "id"). The signature is not checked; the server does that on
// every request and the client only needs to know which messages are its own.
func ParsePrincipal(token string) (Principal, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var userID string
	for _, key := range []string{"sub", "userId", "id"} {
		if v, ok := claims[key]; ok {
			switch id := v.(type) {
			case string:
				userID = id
			case float64:
				userID = fmt.Sprintf("%.0f", id)
			}
		}
		if userID != "" {
			break
		}
	}
	if userID == "" {
		return Principal{}, fmt.Errorf("%w: no user id claim", ErrInvalidToken)
	}

	principal := Principal{UserID: userID, Token: token}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		principal.ExpiresAt = exp.Time
	}
	return principal, nil
}

// Session ties one principal's connection to its inbox and request book
type Session struct {
	principal Principal
	manager   *client.Manager
	inbox     *Inbox
	requests  *Requests
}

// NewSession creates a session. The manager is owned by the session from
// here on: Close disconnects it.
func NewSession(principal Principal, manager *client.Manager, resource Resource, opts Options) *Session {
	e := newEnv(principal.UserID, manager, resource, opts)
	inbox := newInbox(e)
	return &Session{
		principal: principal,
		manager:   manager,
		inbox:     inbox,
		requests:  newRequests(e, inbox),
	}
}

// Start subscribes the session state, connects and loads the thread list.
// Connection failures are not returned; watch Manager().StateChanges().
func (s *Session) Start(ctx context.Context) error {
	s.inbox.Attach(ctx)
	s.requests.Attach()
	s.manager.Connect(ctx, s.principal.Token)

	if err := s.inbox.LoadThreads(ctx); err != nil {
		return err
	}
	return nil
}

// Close releases every subscription and disconnects
func (s *Session) Close() {
	s.requests.Detach()
	s.inbox.Detach()
	s.manager.Disconnect()
}

// Principal returns the local user
func (s *Session) Principal() Principal { return s.principal }

// Manager returns the connection manager
func (s *Session) Manager() *client.Manager { return s.manager }

// Inbox returns the thread list
func (s *Session) Inbox() *Inbox { return s.inbox }

// Requests returns the message request book
func (s *Session) Requests() *Requests { return s.requests }

// Updates returns the state change notifications of the session
func (s *Session) Updates() <-chan Update { return s.inbox.Updates() }
