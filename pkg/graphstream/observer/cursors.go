// Package observer connects to the replay service, feeds the
// reconstruction engine, and durably tracks resume cursors.
package observer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// ErrCursorStoreClosed is returned by operations on a closed store.
var ErrCursorStoreClosed = errors.New("cursor store is closed")

// CursorStore persists resume cursors. A cursor is only saved after the
// record it addresses was decoded and applied; saving earlier would let the
// cursor overrun unprocessed records across a crash.
type CursorStore interface {
	// Load returns the persisted partition and thread cursors.
	Load(ctx context.Context) (partitions map[int32]int64, threads map[string]uint64, err error)

	// SavePartition records the last processed offset for a partition.
	SavePartition(ctx context.Context, partition int32, offset int64) error

	// SaveThread records the last applied real sequence for a thread.
	SaveThread(ctx context.Context, threadID string, seq uint64) error

	Close() error
}

// MemoryCursorStore keeps cursors in memory, for tests and ephemeral
// observers.
type MemoryCursorStore struct {
	mu         sync.Mutex
	partitions map[int32]int64
	threads    map[string]uint64
}

// NewMemoryCursorStore creates an empty in-memory store.
func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{
		partitions: make(map[int32]int64),
		threads:    make(map[string]uint64),
	}
}

// Load implements CursorStore.
func (m *MemoryCursorStore) Load(_ context.Context) (map[int32]int64, map[string]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	partitions := make(map[int32]int64, len(m.partitions))
	for p, o := range m.partitions {
		partitions[p] = o
	}
	threads := make(map[string]uint64, len(m.threads))
	for t, s := range m.threads {
		threads[t] = s
	}
	return partitions, threads, nil
}

// SavePartition implements CursorStore.
func (m *MemoryCursorStore) SavePartition(_ context.Context, partition int32, offset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.partitions[partition]; !ok || offset > existing {
		m.partitions[partition] = offset
	}
	return nil
}

// SaveThread implements CursorStore.
func (m *MemoryCursorStore) SaveThread(_ context.Context, threadID string, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.threads[threadID]; !ok || seq > existing {
		m.threads[threadID] = seq
	}
	return nil
}

// Close implements CursorStore.
func (m *MemoryCursorStore) Close() error {
	return nil
}

// SQLiteCursorStore persists cursors to SQLite so an observer survives
// restarts without replaying everything. Offsets and sequences are stored
// as TEXT: SQLite INTEGER is signed and sequences span the full uint64
// range.
type SQLiteCursorStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// NewSQLiteCursorStore opens (or creates) the store at path.
func NewSQLiteCursorStore(path string) (*SQLiteCursorStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS partition_cursors (
			partition INTEGER PRIMARY KEY,
			log_offset TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS thread_cursors (
			thread_id TEXT PRIMARY KEY,
			sequence TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &SQLiteCursorStore{db: db}, nil
}

// Load implements CursorStore.
func (s *SQLiteCursorStore) Load(ctx context.Context) (map[int32]int64, map[string]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrCursorStoreClosed
	}

	partitions := make(map[int32]int64)
	rows, err := s.db.QueryContext(ctx, `SELECT partition, log_offset FROM partition_cursors`)
	if err != nil {
		return nil, nil, fmt.Errorf("load partition cursors: %w", err)
	}
	for rows.Next() {
		var partition int32
		var raw string
		if err := rows.Scan(&partition, &raw); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scan partition cursor: %w", err)
		}
		offset, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("corrupt partition cursor %q: %w", raw, err)
		}
		partitions[partition] = offset
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, nil, err
	}
	rows.Close()

	threads := make(map[string]uint64)
	rows, err = s.db.QueryContext(ctx, `SELECT thread_id, sequence FROM thread_cursors`)
	if err != nil {
		return nil, nil, fmt.Errorf("load thread cursors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var threadID, raw string
		if err := rows.Scan(&threadID, &raw); err != nil {
			return nil, nil, fmt.Errorf("scan thread cursor: %w", err)
		}
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("corrupt thread cursor %q: %w", raw, err)
		}
		threads[threadID] = seq
	}
	return partitions, threads, rows.Err()
}

// SavePartition implements CursorStore. Saves never move a cursor backward.
func (s *SQLiteCursorStore) SavePartition(ctx context.Context, partition int32, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrCursorStoreClosed
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO partition_cursors (partition, log_offset) VALUES (?, ?)
		ON CONFLICT(partition) DO UPDATE SET log_offset = excluded.log_offset
		WHERE CAST(excluded.log_offset AS INTEGER) > CAST(partition_cursors.log_offset AS INTEGER)
	`, partition, strconv.FormatInt(offset, 10))
	if err != nil {
		return fmt.Errorf("save partition cursor: %w", err)
	}
	return nil
}

// SaveThread implements CursorStore. Sequence comparison happens on the
// zero-padded text form so the full uint64 range compares correctly.
func (s *SQLiteCursorStore) SaveThread(ctx context.Context, threadID string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrCursorStoreClosed
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_cursors (thread_id, sequence) VALUES (?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET sequence = excluded.sequence
		WHERE excluded.sequence > thread_cursors.sequence
	`, threadID, fmt.Sprintf("%020d", seq))
	if err != nil {
		return fmt.Errorf("save thread cursor: %w", err)
	}
	return nil
}

// Close implements CursorStore.
func (s *SQLiteCursorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
