package chat

import (
	"context"
	"strings"
	"sync"

	"github.com/aeolun/storychat/pkg/client"
	"github.com/aeolun/storychat/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// RequestStatus is where a message request is in its lifecycle
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestResolving RequestStatus = "resolving" // decision sent, waiting for the resource
	RequestAccepted  RequestStatus = "accepted"
	RequestRejected  RequestStatus = "rejected"
)

// Terminal reports whether no further decision is possible
func (s RequestStatus) Terminal() bool {
	return s == RequestAccepted || s == RequestRejected
}

// Request is a received message request and its current status
type Request struct {
	protocol.MessageRequest
	Status RequestStatus
}

// SenderID returns the id of the user proposing contact
func (r Request) SenderID() string {
	if r.FromUser.ID != "" {
		return r.FromUser.ID
	}
	return r.FromUserID
}

// Requests runs the message request handshake for the local user: sending
// requests, collecting received ones and deciding on them exactly once
type Requests struct {
	env   *env
	inbox *Inbox

	mu     sync.Mutex
	byID   map[string]*Request
	order  []string
	hooks  map[uint64]func(Request)
	nextID uint64

	unsubscribe func()
}

// NewRequests creates a request book. inbox, if set, is reloaded after an accept.
func NewRequests(self string, conn client.ConnectionInterface, resource Resource, inbox *Inbox, opts Options) *Requests {
	e := newEnv(self, conn, resource, opts)
	if inbox != nil {
		e = inbox.env
	}
	return newRequests(e, inbox)
}

func newRequests(e *env, inbox *Inbox) *Requests {
	return &Requests{
		env:   e,
		inbox: inbox,
		byID:  make(map[string]*Request),
		hooks: make(map[uint64]func(Request)),
	}
}

// Attach subscribes to message_request_received
func (r *Requests) Attach() {
	r.Detach()
	unsubscribe := r.env.conn.Subscribe(protocol.EventMessageRequestReceived, func(ev protocol.Event) {
		if received, ok := ev.(*protocol.MessageRequestReceivedEvent); ok {
			r.OnRequestReceived(received)
		}
	})

	r.mu.Lock()
	r.unsubscribe = unsubscribe
	r.mu.Unlock()
}

// Detach removes the subscription made by Attach
func (r *Requests) Detach() {
	r.mu.Lock()
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// OnRequest registers a hook called for every newly received request.
// Hooks run on the dispatch goroutine and must not block.
func (r *Requests) OnRequest(hook func(Request)) (remove func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.hooks[id] = hook
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.hooks, id)
		r.mu.Unlock()
	}
}

// Send proposes first contact to toUserID. No thread exists until the
// recipient accepts.
func (r *Requests) Send(toUserID, preview string) error {
	toUserID = strings.TrimSpace(toUserID)
	preview = strings.TrimSpace(preview)
	if toUserID == "" {
		return ErrMissingUser
	}
	if preview == "" {
		return ErrEmptyContent
	}

	if err := r.env.conn.Emit(&protocol.MessageRequestEvent{ToUserID: toUserID, Preview: preview}); err != nil {
		return err
	}
	r.env.logger().WithField("to_user_id", toUserID).Info("Message request sent")
	return nil
}

// OnRequestReceived stores a received request as pending. Redelivered
// requests are ignored.
func (r *Requests) OnRequestReceived(ev *protocol.MessageRequestReceivedEvent) {
	r.mu.Lock()
	if _, exists := r.byID[ev.ID]; exists {
		r.mu.Unlock()
		r.env.logger().WithField("request_id", ev.ID).Debug("Ignoring duplicate message request")
		return
	}
	req := &Request{MessageRequest: ev.MessageRequest, Status: RequestPending}
	if req.FromUserID == "" {
		req.FromUserID = ev.SenderID()
	}
	r.byID[ev.ID] = req
	r.order = append(r.order, ev.ID)
	snapshot := *req
	hooks := make([]func(Request), 0, len(r.hooks))
	for _, hook := range r.hooks {
		hooks = append(hooks, hook)
	}
	r.mu.Unlock()

	r.env.metrics().RequestsReceived.Inc()
	r.env.logger().WithFields(logrus.Fields{
		"request_id": ev.ID,
		"from":       snapshot.SenderID(),
	}).Info("Message request received")

	for _, hook := range hooks {
		hook(snapshot)
	}
	r.env.updates.publish(Update{Kind: UpdateRequests, RequestID: ev.ID})
}

// Track records a request learned outside the socket (for example from a
// listing or a command line argument) as pending so it can be decided.
// Requests already known keep their state; Track reports whether req was new.
func (r *Requests) Track(req protocol.MessageRequest) bool {
	if req.ID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[req.ID]; exists {
		return false
	}
	r.byID[req.ID] = &Request{MessageRequest: req, Status: RequestPending}
	r.order = append(r.order, req.ID)
	return true
}

// Get returns a request by id
func (r *Requests) Get(requestID string) (Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.byID[requestID]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// Pending returns the undecided requests in arrival order
func (r *Requests) Pending() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pending []Request
	for _, id := range r.order {
		if req := r.byID[id]; req.Status == RequestPending {
			pending = append(pending, *req)
		}
	}
	return pending
}

// Accept accepts a received request, announces it and reloads the thread list
func (r *Requests) Accept(ctx context.Context, requestID string) error {
	return r.decide(ctx, requestID, RequestAccepted)
}

// Reject rejects a received request and announces it
func (r *Requests) Reject(ctx context.Context, requestID string) error {
	return r.decide(ctx, requestID, RequestRejected)
}

// decide applies a single terminal decision. Concurrent or repeated decisions
// return ErrRequestResolved; a failed resource call puts the request back to pending.
func (r *Requests) decide(ctx context.Context, requestID string, decision RequestStatus) error {
	r.mu.Lock()
	req, ok := r.byID[requestID]
	if !ok {
		r.mu.Unlock()
		return ErrRequestNotFound
	}
	if req.Status != RequestPending {
		r.mu.Unlock()
		return ErrRequestResolved
	}
	req.Status = RequestResolving
	r.mu.Unlock()

	log := r.env.logger().WithFields(logrus.Fields{
		"request_id": requestID,
		"decision":   decision,
	})

	var err error
	var event protocol.Event
	if decision == RequestAccepted {
		err = r.env.resource.AcceptMessageRequest(ctx, requestID)
		event = &protocol.AcceptRequestEvent{RequestID: requestID}
	} else {
		err = r.env.resource.RejectMessageRequest(ctx, requestID)
		event = &protocol.RejectRequestEvent{RequestID: requestID}
	}
	if err != nil {
		r.mu.Lock()
		req.Status = RequestPending
		r.mu.Unlock()
		r.env.metrics().RequestDecisions.WithLabelValues("failed").Inc()
		log.WithError(err).Warn("Message request decision failed")
		return err
	}

	if err := r.env.conn.Emit(event); err != nil {
		// The resource already recorded the decision
		log.WithError(err).Warn("Could not announce message request decision")
	}

	r.mu.Lock()
	req.Status = decision
	r.mu.Unlock()

	r.env.metrics().RequestDecisions.WithLabelValues(string(decision)).Inc()
	log.Info("Message request decided")
	r.env.updates.publish(Update{Kind: UpdateRequests, RequestID: requestID})

	if decision == RequestAccepted && r.inbox != nil {
		if err := r.inbox.LoadThreads(ctx); err != nil {
			log.WithError(err).Warn("Thread list reload after accept failed")
		}
	}
	return nil
}
