package replay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/graphstream/pkg/graphstream/log"
)

// ErrDeadLetterClosed is returned by operations on a closed store.
var ErrDeadLetterClosed = errors.New("dead letter store is closed")

// DeadLetter is one undecodable record kept for forensics: the raw frame
// exactly as consumed, its transport cursor, and why decoding failed.
type DeadLetter struct {
	ID        int64
	Cursor    log.Cursor
	Frame     []byte
	Reason    string
	Topic     string
	Timestamp time.Time
}

// DeadLetterStore archives undecodable frames. In fail-closed mode the
// ingest loop only commits a cursor after the store accepted the frame, so
// the store's durability bounds what the pipeline can lose silently.
type DeadLetterStore interface {
	Archive(ctx context.Context, dl DeadLetter) error
	List(ctx context.Context, limit int) ([]DeadLetter, error)
	Count(ctx context.Context) (int, error)
	Delete(ctx context.Context, id int64) error
	Close() error
}

// SQLiteDeadLetterStore persists dead letters to SQLite. Suitable for
// single-process production use.
type SQLiteDeadLetterStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteDeadLetterStore opens (or creates) the archive. The path should
// be a file path (e.g. "./deadletters.db") or ":memory:" for testing.
func NewSQLiteDeadLetterStore(path string) (*SQLiteDeadLetterStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dead_letters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			partition INTEGER NOT NULL,
			log_offset INTEGER NOT NULL,
			topic TEXT NOT NULL,
			reason TEXT NOT NULL,
			frame BLOB NOT NULL,
			archived_at TEXT NOT NULL,
			UNIQUE (partition, log_offset)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &SQLiteDeadLetterStore{db: db}, nil
}

// Archive stores one dead letter. Re-archiving the same cursor (redelivery
// after a crash between archive and commit) is a no-op.
func (s *SQLiteDeadLetterStore) Archive(ctx context.Context, dl DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDeadLetterClosed
	}

	ts := dl.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (partition, log_offset, topic, reason, frame, archived_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(partition, log_offset) DO NOTHING
	`, dl.Cursor.Partition, dl.Cursor.Offset, dl.Topic, dl.Reason, dl.Frame,
		ts.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("archive dead letter: %w", err)
	}
	return nil
}

// List returns archived dead letters, oldest first.
func (s *SQLiteDeadLetterStore) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrDeadLetterClosed
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, partition, log_offset, topic, reason, frame, archived_at
		FROM dead_letters
		ORDER BY id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var archivedAt string
		if err := rows.Scan(&dl.ID, &dl.Cursor.Partition, &dl.Cursor.Offset,
			&dl.Topic, &dl.Reason, &dl.Frame, &archivedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, archivedAt); err == nil {
			dl.Timestamp = ts
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// Count returns the number of archived dead letters.
func (s *SQLiteDeadLetterStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrDeadLetterClosed
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

// Delete removes one archived dead letter after manual triage.
func (s *SQLiteDeadLetterStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDeadLetterClosed
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	return nil
}

// Close closes the archive.
func (s *SQLiteDeadLetterStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// MemoryDeadLetterStore is an in-memory DeadLetterStore for tests.
type MemoryDeadLetterStore struct {
	mu      sync.Mutex
	letters []DeadLetter
	nextID  int64
	failing bool
}

// NewMemoryDeadLetterStore creates an in-memory archive.
func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{}
}

// SetFailing makes Archive fail, for exercising fail-closed ingest.
func (m *MemoryDeadLetterStore) SetFailing(failing bool) {
	m.mu.Lock()
	m.failing = failing
	m.mu.Unlock()
}

// Archive stores one dead letter.
func (m *MemoryDeadLetterStore) Archive(_ context.Context, dl DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("dead letter store unavailable")
	}
	for _, existing := range m.letters {
		if existing.Cursor == dl.Cursor {
			return nil
		}
	}
	m.nextID++
	dl.ID = m.nextID
	m.letters = append(m.letters, dl)
	return nil
}

// List returns archived dead letters, oldest first.
func (m *MemoryDeadLetterStore) List(_ context.Context, limit int) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.letters) {
		limit = len(m.letters)
	}
	out := make([]DeadLetter, limit)
	copy(out, m.letters[:limit])
	return out, nil
}

// Count returns the number of archived dead letters.
func (m *MemoryDeadLetterStore) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.letters), nil
}

// Delete removes one archived dead letter.
func (m *MemoryDeadLetterStore) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, dl := range m.letters {
		if dl.ID == id {
			m.letters = append(m.letters[:i], m.letters[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("dead letter %d not found", id)
}

// Close releases the archive.
func (m *MemoryDeadLetterStore) Close() error {
	return nil
}
