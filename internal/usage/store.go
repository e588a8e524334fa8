package usage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SQLITE EVENT STORE
// ═══════════════════════════════════════════════════════════════════════════════

const schema = `
CREATE TABLE IF NOT EXISTS usage_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id  TEXT NOT NULL,
	ts          INTEGER NOT NULL,
	agent       TEXT NOT NULL,
	model       TEXT NOT NULL,
	latency_ms  INTEGER NOT NULL,
	tokens      INTEGER NOT NULL,
	fallback    INTEGER NOT NULL,
	retries     INTEGER NOT NULL,
	success     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_events_ts ON usage_events(ts);
CREATE INDEX IF NOT EXISTS idx_usage_events_model ON usage_events(model);
`

// Store persists usage events to a SQLite file.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the event store at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create usage directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	// SQLite tolerates one writer; the tracker serializes through this pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init usage schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Insert persists one event.
func (s *Store) Insert(ev Event) error {
	_, err := s.db.Exec(
		`INSERT INTO usage_events
			(request_id, ts, agent, model, latency_ms, tokens, fallback, retries, success)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RequestID, ev.Timestamp.Unix(), ev.Agent, ev.Model,
		ev.LatencyMs, ev.Tokens, boolInt(ev.FallbackUsed), ev.Retries, boolInt(ev.Success),
	)
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}
	return nil
}

// Count returns the number of persisted events.
func (s *Store) Count() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM usage_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count usage events: %w", err)
	}
	return n, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
