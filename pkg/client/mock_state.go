package client

import (
	"sync"

	"github.com/aeolun/storychat/pkg/protocol"
)

// MockState is an in-memory test implementation of StateInterface
type MockState struct {
	mu sync.RWMutex

	progress  map[string]protocol.ReadingProgress
	endpoints []string

	// Error injection
	getProgressErr  error
	saveProgressErr error
}

// NewMockState creates a new mock state
func NewMockState() *MockState {
	return &MockState{
		progress: make(map[string]protocol.ReadingProgress),
	}
}

// GetReadingProgress returns stored progress or nil
func (s *MockState) GetReadingProgress(storyID string) (*protocol.ReadingProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.getProgressErr != nil {
		return nil, s.getProgressErr
	}
	p, ok := s.progress[storyID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// SaveReadingProgress stores progress in memory
func (s *MockState) SaveReadingProgress(progress protocol.ReadingProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveProgressErr != nil {
		return s.saveProgressErr
	}
	s.progress[progress.StoryID] = progress
	return nil
}

// GetLastSuccessfulEndpoint returns the most recently saved endpoint
func (s *MockState) GetLastSuccessfulEndpoint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.endpoints) == 0 {
		return ""
	}
	return s.endpoints[len(s.endpoints)-1]
}

// SaveSuccessfulEndpoint records an endpoint
func (s *MockState) SaveSuccessfulEndpoint(endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints = append(s.endpoints, endpoint)
	return nil
}

// Close closes the mock state (no-op for in-memory)
func (s *MockState) Close() error {
	return nil
}

// Test helpers

// SetGetProgressError sets an error to return from GetReadingProgress()
func (s *MockState) SetGetProgressError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getProgressErr = err
}

// SetSaveProgressError sets an error to return from SaveReadingProgress()
func (s *MockState) SetSaveProgressError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveProgressErr = err
}

// GetAllProgress returns a copy of all stored progress (for testing)
func (s *MockState) GetAllProgress() map[string]protocol.ReadingProgress {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]protocol.ReadingProgress, len(s.progress))
	for k, v := range s.progress {
		result[k] = v
	}
	return result
}

// Verify that MockState implements StateInterface
var _ StateInterface = (*MockState)(nil)
