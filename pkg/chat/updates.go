package chat

import "github.com/sirupsen/logrus"

// UpdateKind says which part of the session state changed
type UpdateKind string

const (
	UpdateThreads  UpdateKind = "threads"
	UpdateMessages UpdateKind = "messages"
	UpdateTyping   UpdateKind = "typing"
	UpdatePresence UpdateKind = "presence"
	UpdateRequests UpdateKind = "requests"
)

// Update tells a UI layer to re-read some state. It carries identifiers only;
// the state itself is read through the accessors.
type Update struct {
	Kind      UpdateKind
	ThreadID  string
	RequestID string
}

const updateBuffer = 128

// updateFeed is a buffered notification channel that never blocks publishers
type updateFeed struct {
	ch     chan Update
	logger logrus.FieldLogger
}

func newUpdateFeed(logger logrus.FieldLogger) *updateFeed {
	return &updateFeed{
		ch:     make(chan Update, updateBuffer),
		logger: logger,
	}
}

func (f *updateFeed) publish(u Update) {
	select {
	case f.ch <- u:
	default:
		f.logger.WithField("kind", u.Kind).Debug("Update channel full, dropping update")
	}
}
