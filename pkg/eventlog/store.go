package eventlog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	_ "github.com/mattn/go-sqlite3"
)

// ErrAppendFailed wraps storage failures on the append path. Callers must
// treat it as fatal for the in-flight operation: nothing dependent on the
// append may be considered committed.
var ErrAppendFailed = errors.New("event append failed")

// ErrArchiveFailed wraps storage failures on the retention sweep. The hot
// table is unchanged when it is returned; the sweep can simply run again.
var ErrArchiveFailed = errors.New("event archive failed")

// Store is the SQLite backing of the event log. It is not safe for
// concurrent use on its own; the Log actor serializes all access.
type Store struct {
	db   *sql.DB
	path string
}

// OpenStore opens (and migrates) a file-backed store. The parent directory
// is created if missing.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create event log directory: %w", err)
		}
	}
	return openStore(fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), path)
}

// OpenInMemoryStore opens a private in-memory store, used in tests.
func OpenInMemoryStore() (*Store, error) {
	return openStore(":memory:", ":memory:")
}

func openStore(dsn, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open event database: %w", err)
	}

	// One connection only: every access goes through the Log actor's
	// mailbox anyway, and a single handle keeps :memory: databases whole.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id   TEXT    NOT NULL UNIQUE,
			timestamp  TEXT    NOT NULL,
			event_type TEXT    NOT NULL,
			payload    TEXT    NOT NULL,
			actor_id   TEXT    NOT NULL,
			user_id    TEXT    NOT NULL DEFAULT 'system',
			session_id TEXT,
			thread_id  TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_scope ON events(actor_id, session_id, thread_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`,
		`CREATE TABLE IF NOT EXISTS events_archive (
			seq        INTEGER PRIMARY KEY,
			event_id   TEXT    NOT NULL UNIQUE,
			timestamp  TEXT    NOT NULL,
			event_type TEXT    NOT NULL,
			payload    TEXT    NOT NULL,
			actor_id   TEXT    NOT NULL,
			user_id    TEXT    NOT NULL,
			session_id TEXT,
			thread_id  TEXT,
			archived_at TEXT   NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to migrate event schema: %w", err)
		}
	}
	return nil
}

// Append persists one event and returns it with seq, event_id, and
// timestamp assigned. The INSERT committing is the durability point.
func (s *Store) Append(req AppendRequest) (Event, error) {
	if req.EventType == "" {
		return Event{}, fmt.Errorf("%w: event type is required", ErrAppendFailed)
	}
	if req.ActorID == "" {
		return Event{}, fmt.Errorf("%w: actor id is required", ErrAppendFailed)
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("%w: payload not serializable: %v", ErrAppendFailed, err)
	}

	eventID, err := gonanoid.New()
	if err != nil {
		return Event{}, fmt.Errorf("%w: id generation: %v", ErrAppendFailed, err)
	}

	userID := req.UserID
	if userID == "" {
		userID = "system"
	}

	now := time.Now().UTC()

	res, err := s.db.Exec(
		`INSERT INTO events (event_id, timestamp, event_type, payload, actor_id, user_id, session_id, thread_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		eventID,
		now.Format(time.RFC3339Nano),
		req.EventType,
		string(payload),
		req.ActorID,
		userID,
		nullable(req.SessionID),
		nullable(req.ThreadID),
	)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}

	return Event{
		Seq:       seq,
		EventID:   eventID,
		Timestamp: now,
		EventType: req.EventType,
		Payload:   payload,
		ActorID:   req.ActorID,
		UserID:    userID,
		SessionID: req.SessionID,
		ThreadID:  req.ThreadID,
	}, nil
}

// Query returns events matching the filter's scope columns in seq order.
// Type patterns are applied in Go since SQL has no wildcard semantics for
// them.
func (s *Store) Query(f Filter) ([]Event, error) {
	var (
		conds []string
		args  []interface{}
	)
	conds = append(conds, "seq > ?")
	args = append(args, f.SinceSeq)
	if f.ActorID != "" {
		conds = append(conds, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.ThreadID != "" {
		conds = append(conds, "thread_id = ?")
		args = append(args, f.ThreadID)
	}

	query := `SELECT seq, event_id, timestamp, event_type, payload, actor_id, user_id, session_id, thread_id
		FROM events WHERE ` + strings.Join(conds, " AND ") + ` ORDER BY seq ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		if matchesType(f.TypePattern, ev.EventType) {
			events = append(events, ev)
		}
	}
	return events, rows.Err()
}

// GetBySeq returns a single event, or false when no event has that seq.
func (s *Store) GetBySeq(seq int64) (Event, bool, error) {
	rows, err := s.db.Query(
		`SELECT seq, event_id, timestamp, event_type, payload, actor_id, user_id, session_id, thread_id
		 FROM events WHERE seq = ?`, seq)
	if err != nil {
		return Event{}, false, fmt.Errorf("failed to query event: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return Event{}, false, rows.Err()
	}
	ev, err := scanEvent(rows)
	if err != nil {
		return Event{}, false, err
	}
	return ev, true, nil
}

// LastSeq returns the highest assigned seq, 0 when the log is empty.
func (s *Store) LastSeq() (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(seq) FROM events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read last seq: %w", err)
	}
	return seq.Int64, nil
}

// ArchiveBefore copies events older than the cutoff into the archive table
// and removes them from the hot table. This is the retention sweep, never
// invoked on the append path.
func (s *Store) ArchiveBefore(cutoff time.Time) (int64, error) {
	ts := cutoff.UTC().Format(time.RFC3339Nano)

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("%w: begin transaction: %v", ErrArchiveFailed, err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO events_archive (seq, event_id, timestamp, event_type, payload, actor_id, user_id, session_id, thread_id, archived_at)
		 SELECT seq, event_id, timestamp, event_type, payload, actor_id, user_id, session_id, thread_id, ?
		 FROM events WHERE timestamp < ?`,
		time.Now().UTC().Format(time.RFC3339Nano), ts)
	if err != nil {
		return 0, fmt.Errorf("%w: copy into archive: %v", ErrArchiveFailed, err)
	}
	moved, _ := res.RowsAffected()

	if _, err := tx.Exec(`DELETE FROM events WHERE timestamp < ?`, ts); err != nil {
		return 0, fmt.Errorf("%w: trim hot table: %v", ErrArchiveFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", ErrArchiveFailed, err)
	}
	return moved, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var (
		ev        Event
		ts        string
		payload   string
		sessionID sql.NullString
		threadID  sql.NullString
	)
	if err := rows.Scan(&ev.Seq, &ev.EventID, &ts, &ev.EventType, &payload, &ev.ActorID, &ev.UserID, &sessionID, &threadID); err != nil {
		return Event{}, fmt.Errorf("failed to scan event row: %w", err)
	}

	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Event{}, fmt.Errorf("invalid event timestamp %q: %w", ts, err)
	}
	ev.Timestamp = parsed
	ev.Payload = json.RawMessage(payload)
	ev.SessionID = sessionID.String
	ev.ThreadID = threadID.String
	return ev, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
