package reading

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aeolun/storychat/pkg/client"
	"github.com/aeolun/storychat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingRemote holds SaveProgress until release is closed
type blockingRemote struct {
	mu      sync.Mutex
	saved   []protocol.ReadingProgress
	stored  map[string]protocol.ReadingProgress
	entered chan struct{}
	release chan struct{}
	err     error
}

func newBlockingRemote() *blockingRemote {
	return &blockingRemote{
		stored:  make(map[string]protocol.ReadingProgress),
		entered: make(chan struct{}, 8),
	}
}

func (r *blockingRemote) GetProgress(ctx context.Context, storyID string) (*protocol.ReadingProgress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	p, ok := r.stored[storyID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (r *blockingRemote) SaveProgress(ctx context.Context, progress protocol.ReadingProgress) error {
	r.entered <- struct{}{}
	if r.release != nil {
		<-r.release
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.saved = append(r.saved, progress)
	r.stored[progress.StoryID] = progress
	return nil
}

func TestGuestProgressUsesLocalState(t *testing.T) {
	state, err := client.OpenState(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer state.Close()

	tracker := NewTracker(nil, state)
	assert.True(t, tracker.Guest())

	progress, err := tracker.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, protocol.ReadingProgress{StoryID: "s1"}, progress)

	saved, err := tracker.Save(context.Background(), "s1", 300, 42.5)
	require.NoError(t, err)
	assert.True(t, saved)

	// A fresh tracker over the same database sees it
	progress, err = NewTracker(nil, state).Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, protocol.ReadingProgress{StoryID: "s1", Position: 300, Percentage: 42.5}, progress)
}

func TestSaveClampsValues(t *testing.T) {
	state := client.NewMockState()
	tracker := NewTracker(nil, state)

	_, err := tracker.Save(context.Background(), "s1", -10, 180)
	require.NoError(t, err)
	assert.Equal(t, protocol.ReadingProgress{StoryID: "s1", Position: 0, Percentage: 100}, state.GetAllProgress()["s1"])

	_, err = tracker.Save(context.Background(), "s1", 5, -3)
	require.NoError(t, err)
	assert.Equal(t, 0.0, state.GetAllProgress()["s1"].Percentage)
}

func TestRemoteProgress(t *testing.T) {
	remote := newBlockingRemote()
	local := client.NewMockState()
	tracker := NewTracker(remote, local)
	assert.False(t, tracker.Guest())

	saved, err := tracker.Save(context.Background(), "s1", 10, 5)
	require.NoError(t, err)
	assert.True(t, saved)
	assert.Empty(t, local.GetAllProgress(), "signed-in progress is not stored locally")

	progress, err := tracker.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, protocol.ReadingProgress{StoryID: "s1", Position: 10, Percentage: 5}, progress)

	last, ok := tracker.Last("s1")
	require.True(t, ok)
	assert.Equal(t, progress, last)
}

func TestConcurrentRemoteSaveIsSkipped(t *testing.T) {
	remote := newBlockingRemote()
	remote.release = make(chan struct{})
	tracker := NewTracker(remote, nil)

	done := make(chan bool)
	go func() {
		saved, _ := tracker.Save(context.Background(), "s1", 10, 1)
		done <- saved
	}()
	<-remote.entered

	saved, err := tracker.Save(context.Background(), "s1", 20, 2)
	require.NoError(t, err)
	assert.False(t, saved, "second save skipped while the first is in flight")

	close(remote.release)
	assert.True(t, <-done)

	saved, err = tracker.Save(context.Background(), "s1", 30, 3)
	require.NoError(t, err)
	assert.True(t, saved)
	assert.Len(t, remote.saved, 2)
}

func TestRemoteErrors(t *testing.T) {
	remote := newBlockingRemote()
	remote.err = errors.New("401 unauthorized")
	tracker := NewTracker(remote, nil)

	_, err := tracker.Load(context.Background(), "s1")
	assert.Error(t, err)

	saved, err := tracker.Save(context.Background(), "s1", 1, 1)
	assert.Error(t, err)
	assert.False(t, saved)

	// The failed save must not leave the story marked as in flight
	remote.err = nil
	saved, err = tracker.Save(context.Background(), "s1", 1, 1)
	require.NoError(t, err)
	assert.True(t, saved)
}

func TestNoStore(t *testing.T) {
	tracker := NewTracker(nil, nil)

	_, err := tracker.Load(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrNoStore)
	_, err = tracker.Save(context.Background(), "s1", 1, 1)
	assert.ErrorIs(t, err, ErrNoStore)
}
