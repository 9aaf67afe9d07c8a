// internal/eventlog/store.go
package eventlog

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists the journal to SQLite so a restarted engine can reload it
type Store struct {
	db *sql.DB
}

// NewStore creates a journal store and initializes the schema
func NewStore(db *sql.DB) (*Store, error) {
	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// initSchema creates the journal tables and indexes
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_events (
		sequence_id INTEGER PRIMARY KEY,
		task_id TEXT NOT NULL,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_snapshots (
		task_id TEXT NOT NULL,
		sequence_id INTEGER NOT NULL,
		state TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (task_id, sequence_id)
	);

	CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id);
	CREATE INDEX IF NOT EXISTS idx_task_events_type ON task_events(type);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// SaveEvent persists one journal record
func (s *Store) SaveEvent(event Event) error {
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO task_events (sequence_id, task_id, type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := s.db.Exec(query,
		event.SequenceID,
		event.AggregateID,
		string(event.Type),
		string(payloadJSON),
		event.Timestamp,
	); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// SaveSnapshot persists a projection snapshot
func (s *Store) SaveSnapshot(snap Snapshot) error {
	stateJSON, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	query := `
		INSERT OR REPLACE INTO task_snapshots (task_id, sequence_id, state, created_at)
		VALUES (?, ?, ?, ?)
	`
	if _, err := s.db.Exec(query, snap.TaskID, snap.SequenceID, string(stateJSON), snap.Timestamp); err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// LoadEvents reads the full journal back in sequence order
func (s *Store) LoadEvents() ([]Event, error) {
	rows, err := s.db.Query(`
		SELECT sequence_id, task_id, type, payload, created_at
		FROM task_events
		ORDER BY sequence_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var event Event
		var eventType, payloadJSON string

		if err := rows.Scan(&event.SequenceID, &event.AggregateID, &eventType, &payloadJSON, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		event.Type = EventType(eventType)
		if err := json.Unmarshal([]byte(payloadJSON), &event.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return events, nil
}

// LoadSnapshots reads every persisted snapshot ordered by task and sequence
func (s *Store) LoadSnapshots() ([]Snapshot, error) {
	rows, err := s.db.Query(`
		SELECT task_id, sequence_id, state, created_at
		FROM task_snapshots
		ORDER BY task_id ASC, sequence_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		var snap Snapshot
		var stateJSON string

		if err := rows.Scan(&snap.TaskID, &snap.SequenceID, &stateJSON, &snap.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		if err := json.Unmarshal([]byte(stateJSON), &snap.State); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return snaps, nil
}

// Load rebuilds a journal from the store
func (s *Store) Load() (ExportData, error) {
	events, err := s.LoadEvents()
	if err != nil {
		return ExportData{}, err
	}
	snaps, err := s.LoadSnapshots()
	if err != nil {
		return ExportData{}, err
	}
	return ExportData{Events: events, Snapshots: snaps}, nil
}
