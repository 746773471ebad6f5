package stubserver

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Quickkill0/agentsync/internal/backend"
	"github.com/Quickkill0/agentsync/internal/protocol"
)

// Store persists the stub backend's sessions, messages, checkpoints,
// change log, and preference blobs in SQLite.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// NewStore opens (and migrates) the store at dsn.
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// In-memory SQLite gives every connection its own database; pin a
	// single connection so schema and data survive across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'idle',
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			record TEXT NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			checkpoint_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			preview TEXT NOT NULL DEFAULT '',
			has_snapshot INTEGER NOT NULL DEFAULT 0,
			message_seq INTEGER NOT NULL,
			created_at INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id, idx)`,
		`CREATE TABLE IF NOT EXISTS changes (
			change_id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			event TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_changes_session ON changes(session_id, change_id)`,
		`CREATE TABLE IF NOT EXISTS preferences (
			name TEXT PRIMARY KEY,
			blob TEXT NOT NULL
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("run migration: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// CreateSession inserts a session row if it does not exist yet.
func (s *Store) CreateSession(sessionID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO sessions (session_id, title) VALUES (?, ?)`,
		sessionID, title)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession assembles the full server-side view of a session.
func (s *Store) GetSession(sessionID string) (*backend.SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := &backend.SessionState{SessionID: sessionID}
	err := s.db.QueryRow(
		`SELECT title, status, prompt_tokens, completion_tokens, total_tokens, cost_usd
		 FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&state.Title, &state.Status,
			&state.Usage.PromptTokens, &state.Usage.CompletionTokens,
			&state.Usage.TotalTokens, &state.Usage.CostUSD)
	if err == sql.ErrNoRows {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	messages, err := s.listMessagesLocked(sessionID)
	if err != nil {
		return nil, err
	}
	state.Messages = messages
	return state, nil
}

func (s *Store) listMessagesLocked(sessionID string) ([]protocol.HistoryMessage, error) {
	rows, err := s.db.Query(
		`SELECT record FROM messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []protocol.HistoryMessage
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var msg protocol.HistoryMessage
		if err := json.Unmarshal([]byte(record), &msg); err != nil {
			return nil, fmt.Errorf("decode message record: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// AppendMessage stores one message at the end of the session's log and
// returns its sequence number.
func (s *Store) AppendMessage(sessionID string, msg protocol.HistoryMessage) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var seq int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?`, sessionID).
		Scan(&seq); err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}

	record, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encode message record: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO messages (message_id, session_id, seq, kind, record) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, sessionID, seq, msg.Kind, string(record))
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	return seq, nil
}

// CountMessages returns the number of messages in the session's log.
func (s *Store) CountMessages(sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// AddUsage accumulates one turn's usage into the session's running totals.
func (s *Store) AddUsage(sessionID string, delta protocol.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE sessions SET
			prompt_tokens = prompt_tokens + ?,
			completion_tokens = completion_tokens + ?,
			total_tokens = total_tokens + ?,
			cost_usd = cost_usd + ?
		 WHERE session_id = ?`,
		delta.PromptTokens, delta.CompletionTokens, delta.TotalTokens, delta.CostUSD, sessionID)
	if err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	return nil
}

// AddCheckpoint records a rewind target at the session's current position.
func (s *Store) AddCheckpoint(sessionID, checkpointID, preview string, hasSnapshot bool, messageSeq int, createdAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var idx int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(idx), 0) + 1 FROM checkpoints WHERE session_id = ?`, sessionID).
		Scan(&idx); err != nil {
		return fmt.Errorf("next checkpoint index: %w", err)
	}

	_, err := s.db.Exec(
		`INSERT INTO checkpoints (checkpoint_id, session_id, idx, preview, has_snapshot, message_seq, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		checkpointID, sessionID, idx, preview, boolToInt(hasSnapshot), messageSeq, createdAt)
	if err != nil {
		return fmt.Errorf("add checkpoint: %w", err)
	}
	return nil
}

// ListCheckpoints returns the session's checkpoints ordered by index.
func (s *Store) ListCheckpoints(sessionID string) ([]backend.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT checkpoint_id, idx, preview, has_snapshot, created_at
		 FROM checkpoints WHERE session_id = ? ORDER BY idx`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []backend.Checkpoint
	for rows.Next() {
		var cp backend.Checkpoint
		var hasSnapshot int
		if err := rows.Scan(&cp.ID, &cp.Index, &cp.Preview, &hasSnapshot, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.HasSnapshot = hasSnapshot != 0
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

// Rewind truncates the session's log to the named checkpoint and drops the
// checkpoints that pointed past it. Returns the number of removed messages.
func (s *Store) Rewind(sessionID, checkpointID string, keepResponse bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var idx, messageSeq int
	err := s.db.QueryRow(
		`SELECT idx, message_seq FROM checkpoints WHERE session_id = ? AND checkpoint_id = ?`,
		sessionID, checkpointID).Scan(&idx, &messageSeq)
	if err == sql.ErrNoRows {
		return 0, backend.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("find checkpoint: %w", err)
	}

	keepSeq := messageSeq
	if keepResponse {
		keepSeq++
	}

	res, err := s.db.Exec(
		`DELETE FROM messages WHERE session_id = ? AND seq > ?`, sessionID, keepSeq)
	if err != nil {
		return 0, fmt.Errorf("truncate messages: %w", err)
	}
	removed, _ := res.RowsAffected()

	if _, err := s.db.Exec(
		`DELETE FROM checkpoints WHERE session_id = ? AND idx > ?`, sessionID, idx); err != nil {
		return 0, fmt.Errorf("truncate checkpoints: %w", err)
	}
	return int(removed), nil
}

// AppendChange records one event in the session's change log for the
// polling fallback and returns its id.
func (s *Store) AppendChange(sessionID string, event []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`INSERT INTO changes (session_id, event) VALUES (?, ?)`, sessionID, string(event))
	if err != nil {
		return 0, fmt.Errorf("append change: %w", err)
	}
	return res.LastInsertId()
}

// ChangesSince returns changes recorded after sinceID, plus the latest id.
func (s *Store) ChangesSince(sessionID string, sinceID int64) ([]backend.Change, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT change_id, event FROM changes WHERE session_id = ? AND change_id > ? ORDER BY change_id`,
		sessionID, sinceID)
	if err != nil {
		return nil, 0, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	latest := sinceID
	var changes []backend.Change
	for rows.Next() {
		var c backend.Change
		var event string
		if err := rows.Scan(&c.ID, &event); err != nil {
			return nil, 0, fmt.Errorf("scan change: %w", err)
		}
		c.Event = json.RawMessage(event)
		changes = append(changes, c)
		if c.ID > latest {
			latest = c.ID
		}
	}
	return changes, latest, rows.Err()
}

// GetPreference returns the stored blob for name.
func (s *Store) GetPreference(name string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var blob string
	err := s.db.QueryRow(`SELECT blob FROM preferences WHERE name = ?`, name).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get preference: %w", err)
	}
	return json.RawMessage(blob), nil
}

// SavePreference upserts the blob for name.
func (s *Store) SavePreference(name string, blob json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO preferences (name, blob) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET blob = excluded.blob`,
		name, string(blob))
	if err != nil {
		return fmt.Errorf("save preference: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
