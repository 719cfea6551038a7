package client

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aeolun/storychat/pkg/protocol"
	_ "modernc.org/sqlite"
)

// State manages client-side persistent state: guest reading progress and the
// endpoints that last accepted a connection
type State struct {
	db *sql.DB
}

// OpenState opens or creates the client state database
func OpenState(path string) (*State, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// Client only needs one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the state database
func (s *State) Close() error {
	return s.db.Close()
}

// GetReadingProgress returns the locally stored progress for a story,
// or nil when the story was never opened on this device
func (s *State) GetReadingProgress(storyID string) (*protocol.ReadingProgress, error) {
	progress := protocol.ReadingProgress{StoryID: storyID}
	err := s.db.QueryRow(`
		SELECT position, percentage
		FROM ReadingProgress
		WHERE story_id = ?
	`, storyID).Scan(&progress.Position, &progress.Percentage)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load reading progress for %s: %w", storyID, err)
	}
	return &progress, nil
}

// SaveReadingProgress stores progress for a story, replacing any previous value
func (s *State) SaveReadingProgress(progress protocol.ReadingProgress) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO ReadingProgress (story_id, position, percentage, updated_at)
		VALUES (?, ?, ?, ?)
	`, progress.StoryID, progress.Position, progress.Percentage, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save reading progress for %s: %w", progress.StoryID, err)
	}
	return nil
}

// GetLastSuccessfulEndpoint returns the socket endpoint that most recently
// accepted a connection, or "" when there is no history
func (s *State) GetLastSuccessfulEndpoint() string {
	var endpoint string
	err := s.db.QueryRow(`
		SELECT endpoint
		FROM ConnectionHistory
		ORDER BY last_success_at DESC
		LIMIT 1
	`).Scan(&endpoint)
	if err != nil {
		return ""
	}
	return endpoint
}

// SaveSuccessfulEndpoint records a successful connection to endpoint
func (s *State) SaveSuccessfulEndpoint(endpoint string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO ConnectionHistory (endpoint, last_success_at)
		VALUES (?, ?)
	`, endpoint, time.Now().UnixNano())
	return err
}

var _ StateInterface = (*State)(nil)
