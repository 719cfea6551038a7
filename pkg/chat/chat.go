// Package chat holds the client-side state of a chat session: the thread list,
// each thread's message sequence with optimistic sends, counterparty typing and
// presence, and the message request handshake.
//
// Inbound events arrive through a client.ConnectionInterface and are handled on
// its dispatch goroutine. The authoritative message list always comes from the
// REST Resource; inbound messages only trigger a re-fetch.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/aeolun/storychat/pkg/client"
	"github.com/aeolun/storychat/pkg/logging"
	"github.com/aeolun/storychat/pkg/protocol"
	"github.com/sirupsen/logrus"
)

var (
	ErrEmptyContent    = errors.New("content is empty")
	ErrMissingUser     = errors.New("user id is required")
	ErrThreadNotFound  = errors.New("thread not found")
	ErrPendingNotFound = errors.New("pending message not found")
	ErrRequestNotFound = errors.New("message request not found")
	// ErrRequestResolved is returned when a request already has (or is
	// getting) a terminal decision
	ErrRequestResolved = errors.New("message request already resolved")
)

// Resource is the REST collaborator holding the authoritative chat state
type Resource interface {
	ListThreads(ctx context.Context) ([]protocol.ChatThread, error)
	GetThread(ctx context.Context, threadID string) (*protocol.ChatThread, error)
	ListMessages(ctx context.Context, threadID string, page int) ([]protocol.Message, error)
	AcceptMessageRequest(ctx context.Context, requestID string) error
	RejectMessageRequest(ctx context.Context, requestID string) error
}

const (
	DefaultTypingExpiry    = 3000 * time.Millisecond
	DefaultReconcileWindow = 60 * time.Second
)

// Options tunes a chat session. Zero values select the defaults.
type Options struct {
	TypingExpiry    time.Duration
	ReconcileWindow time.Duration
	Clock           Clock
	Logger          logrus.FieldLogger
	Metrics         *Metrics
}

func (o Options) withDefaults() Options {
	if o.TypingExpiry <= 0 {
		o.TypingExpiry = DefaultTypingExpiry
	}
	if o.ReconcileWindow <= 0 {
		o.ReconcileWindow = DefaultReconcileWindow
	}
	if o.Clock == nil {
		o.Clock = RealClock()
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
	return o
}

// env is what every thread, inbox and request book of one session shares
type env struct {
	self     string
	conn     client.ConnectionInterface
	resource Resource
	opts     Options
	updates  *updateFeed
}

func newEnv(self string, conn client.ConnectionInterface, resource Resource, opts Options) *env {
	opts = opts.withDefaults()
	return &env{
		self:     self,
		conn:     conn,
		resource: resource,
		opts:     opts,
		updates:  newUpdateFeed(opts.Logger),
	}
}

func (e *env) logger() logrus.FieldLogger { return e.opts.Logger }
func (e *env) metrics() *Metrics          { return e.opts.Metrics }
func (e *env) now() time.Time             { return e.opts.Clock.Now() }
