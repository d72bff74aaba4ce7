// ABOUTME: SQLite event journal using modernc.org/sqlite
// ABOUTME: Persists accepted stream events per session for post-incident review

package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/codeready-toolchain/tarsy-console/internal/event"
)

// Entry is one journaled event row.
type Entry struct {
	ID          string
	SessionID   string
	Type        string
	TimestampUs int64
	Fingerprint string
	Payload     json.RawMessage
	RecordedAt  time.Time
}

// SQLiteJournal persists accepted events to a local SQLite database. Writes
// are best effort from the caller's point of view; the journal never sits on
// the live event path's critical section.
type SQLiteJournal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the journal database at path. The schema is created
// if it doesn't exist. Parent directories are created if needed.
func Open(path string) (*SQLiteJournal, error) {
	logger := slog.Default().With("component", "journal")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	j := &SQLiteJournal{
		db:     db,
		logger: logger,
	}

	if err := j.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("event journal initialized", "path", path)
	return j, nil
}

// createSchema creates the journal tables if they don't exist
func (j *SQLiteJournal) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			id           TEXT PRIMARY KEY,
			session_id   TEXT NOT NULL,
			type         TEXT NOT NULL,
			timestamp_us INTEGER NOT NULL,
			fingerprint  TEXT NOT NULL,
			payload      TEXT NOT NULL,
			recorded_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_session
			ON events(session_id, timestamp_us);

		CREATE INDEX IF NOT EXISTS idx_events_fingerprint
			ON events(fingerprint);
	`
	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Record persists one accepted event. The decoded event is re-serialized so
// the journal holds exactly what the client state was folded from.
func (j *SQLiteJournal) Record(ctx context.Context, sessionID string, ev event.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("serializing event: %w", err)
	}

	query := `
		INSERT INTO events (id, session_id, type, timestamp_us, fingerprint, payload, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = j.db.ExecContext(ctx, query,
		uuid.New().String(),
		sessionID,
		ev.EventType(),
		ev.TimestampUS(),
		event.Fingerprint(ev),
		string(payload),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	j.logger.Debug("journaled event", "session_id", sessionID, "type", ev.EventType())
	return nil
}

// Events retrieves journaled events for a session ordered by event timestamp
// ascending. Limit is capped at 500 and defaults to 100.
func (j *SQLiteJournal) Events(ctx context.Context, sessionID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	query := `
		SELECT id, session_id, type, timestamp_us, fingerprint, payload, recorded_at
		FROM events
		WHERE session_id = ?
		ORDER BY timestamp_us ASC
		LIMIT ?
	`

	rows, err := j.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry := &Entry{}
		var payload, recordedAt string

		if err := rows.Scan(
			&entry.ID,
			&entry.SessionID,
			&entry.Type,
			&entry.TimestampUs,
			&entry.Fingerprint,
			&payload,
			&recordedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}

		entry.Payload = json.RawMessage(payload)
		entry.RecordedAt, err = time.Parse(time.RFC3339, recordedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing recorded_at: %w", err)
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}

	return entries, nil
}

// Sessions lists distinct journaled session ids, most recently recorded first.
func (j *SQLiteJournal) Sessions(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT session_id
		FROM events
		GROUP BY session_id
		ORDER BY MAX(recorded_at) DESC
		LIMIT ?
	`

	rows, err := j.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}

	return ids, nil
}

// Close closes the underlying database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
