// internal/audit/store.go
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AGENTCORE/internal/types"
	_ "github.com/mattn/go-sqlite3"
)

// Store persists the audit chain and violations to SQLite
type Store struct {
	db *sql.DB
}

// NewStore creates an audit store and initializes the schema
func NewStore(db *sql.DB) (*Store, error) {
	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		user TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		details TEXT,
		compliance_level TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_violations (
		id TEXT PRIMARY KEY,
		rule TEXT NOT NULL,
		user TEXT,
		severity TEXT,
		timestamp TIMESTAMP NOT NULL,
		details TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entries_ts ON audit_entries(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_type ON audit_entries(type);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// SaveEntry persists one chain entry
func (s *Store) SaveEntry(entry Entry) error {
	detailsJSON, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal details: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO audit_entries (id, type, user, timestamp, details, compliance_level, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Type, entry.User, entry.Timestamp, string(detailsJSON),
		string(entry.ComplianceLevel), entry.PrevHash, entry.Hash)
	if err != nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

// SaveViolation persists one violation
func (s *Store) SaveViolation(v Violation) error {
	detailsJSON, err := json.Marshal(v.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal details: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO audit_violations (id, rule, user, severity, timestamp, details)
		VALUES (?, ?, ?, ?, ?, ?)
	`, v.ID, v.Rule, v.User, v.Severity, v.Timestamp, string(detailsJSON))
	if err != nil {
		return fmt.Errorf("failed to insert violation: %w", err)
	}
	return nil
}

// LoadEntries reads the chain back in timestamp order
func (s *Store) LoadEntries() ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, type, user, timestamp, details, compliance_level, prev_hash, hash
		FROM audit_entries
		ORDER BY timestamp ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var detailsJSON, level string
		if err := rows.Scan(&entry.ID, &entry.Type, &entry.User, &entry.Timestamp,
			&detailsJSON, &level, &entry.PrevHash, &entry.Hash); err != nil {
			return nil, fmt.Errorf("failed to scan entry row: %w", err)
		}
		entry.ComplianceLevel = types.ComplianceLevel(level)
		if detailsJSON != "" && detailsJSON != "null" {
			if err := json.Unmarshal([]byte(detailsJSON), &entry.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal details: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// DeleteBefore prunes entries and violations older than the cutoff
func (s *Store) DeleteBefore(cutoff time.Time) error {
	if _, err := s.db.Exec(`DELETE FROM audit_entries WHERE timestamp < ?`, cutoff); err != nil {
		return fmt.Errorf("failed to prune entries: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM audit_violations WHERE timestamp < ?`, cutoff); err != nil {
		return fmt.Errorf("failed to prune violations: %w", err)
	}
	return nil
}
