// Package history provides persistent storage for billing lifecycle events
// using SQLite for durability across restarts.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/billbridge/billbridge/internal/billing"
	"github.com/billbridge/billbridge/internal/metrics"
)

// Event is a recorded billing lifecycle event.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StoreConfig holds configuration for the history store
type StoreConfig struct {
	DBPath          string
	WriteBufferSize int           // Number of events to buffer before batch write
	FlushInterval   time.Duration // Max time between flushes
	Retention       time.Duration // How long to keep events
}

// DefaultConfig returns sensible defaults for history storage
func DefaultConfig(dataDir string) StoreConfig {
	return StoreConfig{
		DBPath:          filepath.Join(dataDir, "history.db"),
		WriteBufferSize: 64,
		FlushInterval:   2 * time.Second,
		Retention:       90 * 24 * time.Hour,
	}
}

// bufferedEvent holds an event waiting to be written
type bufferedEvent struct {
	id        string
	eventType string
	detail    string
	timestamp time.Time
}

// Store provides persistent billing event storage. It satisfies
// billing.EventRecorder so the controller can log lifecycle transitions
// without knowing about the database.
type Store struct {
	db     *sql.DB
	config StoreConfig

	// Write buffer
	bufferMu sync.Mutex
	buffer   []bufferedEvent

	// Background workers
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewStore creates a new history store with the given configuration
func NewStore(config StoreConfig) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(config.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	// Open database with WAL mode for better concurrent access
	db, err := sql.Open("sqlite", config.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// Configure connection pool (SQLite works best with single writer)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{
		db:     db,
		config: config,
		buffer: make([]bufferedEvent, 0, config.WriteBufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	// Initialize schema
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// Start background worker
	go store.backgroundWorker()

	log.Info().
		Str("path", config.DBPath).
		Int("bufferSize", config.WriteBufferSize).
		Msg("History store initialized")

	return store, nil
}

// initSchema creates the database schema if it doesn't exist
func (s *Store) initSchema() error {
	schema := `
		-- Billing lifecycle events, keyed by ULID (lexically time-ordered)
		CREATE TABLE IF NOT EXISTS billing_events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			detail TEXT,
			timestamp INTEGER NOT NULL
		);

		-- Index for recency queries and retention pruning
		CREATE INDEX IF NOT EXISTS idx_billing_events_time
		ON billing_events(timestamp);

		-- Index for per-type queries
		CREATE INDEX IF NOT EXISTS idx_billing_events_type
		ON billing_events(event_type, timestamp);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	log.Debug().Msg("History schema initialized")
	return nil
}

// RecordEvent adds a billing event to the write buffer
func (s *Store) RecordEvent(eventType billing.EventType, detail string) {
	s.bufferMu.Lock()
	defer s.bufferMu.Unlock()

	s.buffer = append(s.buffer, bufferedEvent{
		id:        ulid.Make().String(),
		eventType: string(eventType),
		detail:    detail,
		timestamp: time.Now(),
	})

	// Flush if buffer is full
	if len(s.buffer) >= s.config.WriteBufferSize {
		s.flushLocked()
	}
}

// flushLocked writes buffered events to the database (caller must hold bufferMu)
func (s *Store) flushLocked() {
	if len(s.buffer) == 0 {
		return
	}

	// Copy buffer for writing
	toWrite := make([]bufferedEvent, len(s.buffer))
	copy(toWrite, s.buffer)
	s.buffer = s.buffer[:0]

	// Write in background to not block callers
	go s.writeBatch(toWrite)
}

// writeBatch writes a batch of events to the database
func (s *Store) writeBatch(events []bufferedEvent) {
	if len(events) == 0 {
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		log.Error().Err(err).Msg("Failed to begin history transaction")
		return
	}

	stmt, err := tx.Prepare(`
		INSERT INTO billing_events (id, event_type, detail, timestamp)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		log.Error().Err(err).Msg("Failed to prepare history insert")
		return
	}
	defer stmt.Close()

	for _, e := range events {
		_, err := stmt.Exec(e.id, e.eventType, e.detail, e.timestamp.UnixMilli())
		if err != nil {
			log.Warn().Err(err).
				Str("event", e.eventType).
				Msg("Failed to insert history event")
		}
	}

	if err := tx.Commit(); err != nil {
		log.Error().Err(err).Msg("Failed to commit history batch")
		return
	}

	metrics.RecordHistoryEvents(len(events))
	log.Debug().Int("count", len(events)).Msg("Wrote history batch")
}

// RecentEvents returns the most recent events, newest first.
func (s *Store) RecentEvents(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
		SELECT id, event_type, detail, timestamp
		FROM billing_events
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var ts int64
		if err := rows.Scan(&e.ID, &e.Type, &e.Detail, &ts); err != nil {
			log.Warn().Err(err).Msg("Failed to scan history row")
			continue
		}
		e.Timestamp = time.UnixMilli(ts)
		events = append(events, e)
	}

	return events, rows.Err()
}

// EventsByType returns the most recent events of a single type, newest first.
func (s *Store) EventsByType(eventType billing.EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
		SELECT id, event_type, detail, timestamp
		FROM billing_events
		WHERE event_type = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, string(eventType), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history by type: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var ts int64
		if err := rows.Scan(&e.ID, &e.Type, &e.Detail, &ts); err != nil {
			log.Warn().Err(err).Msg("Failed to scan history row")
			continue
		}
		e.Timestamp = time.UnixMilli(ts)
		events = append(events, e)
	}

	return events, rows.Err()
}

// backgroundWorker runs periodic flush and retention tasks
func (s *Store) backgroundWorker() {
	defer close(s.doneCh)

	flushTicker := time.NewTicker(s.config.FlushInterval)
	retentionTicker := time.NewTicker(1 * time.Hour)

	defer flushTicker.Stop()
	defer retentionTicker.Stop()

	for {
		select {
		case <-s.stopCh:
			// Final flush runs on this goroutine so no write is in flight
			// when the database closes.
			s.flushSync()
			return

		case <-flushTicker.C:
			s.Flush()

		case <-retentionTicker.C:
			s.runRetention()
		}
	}
}

// Flush writes any buffered events to the database
func (s *Store) Flush() {
	s.bufferMu.Lock()
	defer s.bufferMu.Unlock()
	s.flushLocked()
}

// flushSync drains the buffer and writes it on the calling goroutine
func (s *Store) flushSync() {
	s.bufferMu.Lock()
	toWrite := make([]bufferedEvent, len(s.buffer))
	copy(toWrite, s.buffer)
	s.buffer = s.buffer[:0]
	s.bufferMu.Unlock()

	s.writeBatch(toWrite)
}

// runRetention deletes events older than the retention period
func (s *Store) runRetention() {
	if s.config.Retention <= 0 {
		return
	}

	start := time.Now()
	cutoff := time.Now().Add(-s.config.Retention).UnixMilli()

	result, err := s.db.Exec(`DELETE FROM billing_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to prune history events")
		return
	}

	if deleted, _ := result.RowsAffected(); deleted > 0 {
		log.Info().
			Int64("deleted", deleted).
			Dur("duration", time.Since(start)).
			Msg("History retention cleanup completed")
	}
}

// Close shuts down the store gracefully
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})

	// Wait for background worker to finish
	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("History store shutdown timed out")
	}

	return s.db.Close()
}

// Stats holds history store statistics
type Stats struct {
	DBPath     string `json:"dbPath"`
	DBSize     int64  `json:"dbSize"`
	EventCount int64  `json:"eventCount"`
	BufferSize int    `json:"bufferSize"`
}

// GetStats returns storage statistics
func (s *Store) GetStats() Stats {
	stats := Stats{
		DBPath: s.config.DBPath,
	}

	row := s.db.QueryRow(`SELECT COUNT(*) FROM billing_events`)
	if err := row.Scan(&stats.EventCount); err != nil {
		log.Warn().Err(err).Msg("Failed to count history events")
	}

	// Get database size
	if fi, err := os.Stat(s.config.DBPath); err == nil {
		stats.DBSize = fi.Size()
	}

	// Get buffer size
	s.bufferMu.Lock()
	stats.BufferSize = len(s.buffer)
	s.bufferMu.Unlock()

	return stats
}
