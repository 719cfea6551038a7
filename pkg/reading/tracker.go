// Package reading tracks how far the user got through a story. Signed-in
// readers store progress on the server; guests keep it in the local state
// database.
package reading

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aeolun/storychat/pkg/client"
	"github.com/aeolun/storychat/pkg/logging"
	"github.com/aeolun/storychat/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// ErrNoStore is returned when neither a remote nor a local store is configured
var ErrNoStore = errors.New("no progress store configured")

// Remote is the server-side progress store
type Remote interface {
	GetProgress(ctx context.Context, storyID string) (*protocol.ReadingProgress, error)
	SaveProgress(ctx context.Context, progress protocol.ReadingProgress) error
}

// Tracker loads and saves reading progress
type Tracker struct {
	remote Remote
	local  client.StateInterface
	logger logrus.FieldLogger

	mu     sync.Mutex
	saving map[string]bool
	last   map[string]protocol.ReadingProgress
}

// NewTracker creates a tracker. A nil remote means the reader is a guest.
func NewTracker(remote Remote, local client.StateInterface) *Tracker {
	return &Tracker{
		remote: remote,
		local:  local,
		logger: logging.Discard(),
		saving: make(map[string]bool),
		last:   make(map[string]protocol.ReadingProgress),
	}
}

// SetLogger sets a logger for progress events
func (t *Tracker) SetLogger(logger logrus.FieldLogger) {
	t.logger = logger
}

// Guest reports whether progress is kept locally
func (t *Tracker) Guest() bool {
	return t.remote == nil
}

// Load returns the stored progress for storyID. A story never opened yields
// zero progress.
func (t *Tracker) Load(ctx context.Context, storyID string) (protocol.ReadingProgress, error) {
	var (
		stored *protocol.ReadingProgress
		err    error
	)
	switch {
	case t.remote != nil:
		stored, err = t.remote.GetProgress(ctx, storyID)
	case t.local != nil:
		stored, err = t.local.GetReadingProgress(storyID)
	default:
		return protocol.ReadingProgress{}, ErrNoStore
	}
	if err != nil {
		return protocol.ReadingProgress{}, fmt.Errorf("failed to load progress for %s: %w", storyID, err)
	}

	progress := protocol.ReadingProgress{StoryID: storyID}
	if stored != nil {
		progress.Position = stored.Position
		progress.Percentage = stored.Percentage
	}
	progress = clamp(progress)

	t.mu.Lock()
	t.last[storyID] = progress
	t.mu.Unlock()
	return progress, nil
}

// Save stores progress for storyID. For signed-in readers a save that starts
// while another one for the same story is in flight is skipped, reported by
// saved=false.
func (t *Tracker) Save(ctx context.Context, storyID string, position int, percentage float64) (saved bool, err error) {
	progress := clamp(protocol.ReadingProgress{StoryID: storyID, Position: position, Percentage: percentage})

	if t.remote == nil {
		if t.local == nil {
			return false, ErrNoStore
		}
		if err := t.local.SaveReadingProgress(progress); err != nil {
			return false, err
		}
		t.remember(progress)
		return true, nil
	}

	t.mu.Lock()
	if t.saving[storyID] {
		t.mu.Unlock()
		t.logger.WithField("story_id", storyID).Debug("Progress save in flight, skipping")
		return false, nil
	}
	t.saving[storyID] = true
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.saving, storyID)
		t.mu.Unlock()
	}()

	if err := t.remote.SaveProgress(ctx, progress); err != nil {
		t.logger.WithError(err).WithField("story_id", storyID).Warn("Failed to save progress")
		return false, err
	}
	t.remember(progress)
	return true, nil
}

// Last returns the most recent progress loaded or saved through this tracker
func (t *Tracker) Last(storyID string) (protocol.ReadingProgress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.last[storyID]
	return p, ok
}

func (t *Tracker) remember(progress protocol.ReadingProgress) {
	t.mu.Lock()
	t.last[progress.StoryID] = progress
	t.mu.Unlock()
}

func clamp(p protocol.ReadingProgress) protocol.ReadingProgress {
	if p.Position < 0 {
		p.Position = 0
	}
	if p.Percentage < 0 {
		p.Percentage = 0
	}
	if p.Percentage > 100 {
		p.Percentage = 100
	}
	return p
}
