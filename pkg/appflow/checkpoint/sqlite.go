package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteLockTTL sets how long a thread lease survives without a refresh.
// The owner refreshes it every TTL/3 while held.
func WithSQLiteLockTTL(ttl time.Duration) SQLiteOption {
	return func(s *SQLiteStore) {
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// WithSQLitePollInterval sets how often a blocked Lock retries a lease
// held by another process.
func WithSQLitePollInterval(d time.Duration) SQLiteOption {
	return func(s *SQLiteStore) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithSQLiteLogger sets a custom logger.
func WithSQLiteLogger(l *slog.Logger) SQLiteOption {
	return func(s *SQLiteStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// SQLiteStore persists checkpoints to SQLite. Every save is also appended to
// a history table for audit.
//
// Thread locks are leases in the database file, so separate processes
// sharing one file (two CLI invocations, say) exclude each other. Callers in
// the same process queue on an in-memory lock first.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool

	logger       *slog.Logger
	lockTTL      time.Duration
	pollInterval time.Duration

	locker keyedLocker
	leases leaseSet
}

// NewSQLiteStore creates a new SQLite checkpoint store.
// The path should be a file path (e.g., "./appflow.db") or ":memory:" for testing.
func NewSQLiteStore(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Other processes may hold the write lock briefly.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS threads (
			thread_id TEXT PRIMARY KEY,
			sequence INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			data BLOB NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create threads table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoint_history (
			thread_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (thread_id, sequence)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS thread_leases (
			thread_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create lease table: %w", err)
	}

	s := &SQLiteStore{
		db:           db,
		logger:       slog.Default(),
		lockTTL:      defaultLockTTL,
		pollInterval: defaultPollInterval,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Save implements Store. While this store holds the thread's lease, the
// write is applied only if the lease is still ours; otherwise it fails with
// ErrLockLost.
func (s *SQLiteStore) Save(ctx context.Context, threadID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	l := s.leases.get(threadID)
	if l != nil && l.lost.Load() {
		return fmt.Errorf("save checkpoint %s: %w", threadID, ErrLockLost)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	// Writing first takes the database write lock before anything is read.
	if l != nil {
		ok, err := extendLease(ctx, tx, threadID, l.owner, s.lockTTL)
		if err != nil {
			return fmt.Errorf("check lease: %w", err)
		}
		if !ok {
			l.lost.Store(true)
			return fmt.Errorf("save checkpoint %s: %w", threadID, ErrLockLost)
		}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	var seq int
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO threads (thread_id, sequence, updated_at, data)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			sequence = threads.sequence + 1,
			updated_at = excluded.updated_at,
			data = excluded.data
		RETURNING sequence
	`, threadID, now, data).Scan(&seq); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoint_history (thread_id, sequence, created_at, data)
		VALUES (?, ?, ?, ?)
	`, threadID, seq, now, data); err != nil {
		return fmt.Errorf("append history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, threadID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM threads WHERE thread_id = ?
	`, threadID).Scan(&data)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return data, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, sequence, updated_at, LENGTH(data)
		FROM threads
	`)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	infos, err := scanInfos(rows)
	if err != nil {
		return nil, err
	}
	sortInfos(infos)
	return infos, nil
}

// History returns every saved sequence of a thread, oldest first.
func (s *SQLiteStore) History(ctx context.Context, threadID string) ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, sequence, created_at, LENGTH(data)
		FROM checkpoint_history
		WHERE thread_id = ?
		ORDER BY sequence
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	return scanInfos(rows)
}

// LoadSequence retrieves a historical checkpoint.
func (s *SQLiteStore) LoadSequence(ctx context.Context, threadID string, sequence int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM checkpoint_history
		WHERE thread_id = ? AND sequence = ?
	`, threadID, sequence).Scan(&data)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return data, nil
}

func scanInfos(rows *sql.Rows) ([]Info, error) {
	var infos []Info
	for rows.Next() {
		var info Info
		var timestamp string
		if err := rows.Scan(&info.ThreadID, &info.Sequence, &timestamp, &info.Size); err != nil {
			return nil, fmt.Errorf("scan checkpoint info: %w", err)
		}
		info.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
		infos = append(infos, info)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return infos, nil
}

// Delete implements Store. History rows are removed too.
func (s *SQLiteStore) Delete(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoint_history WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	return nil
}

// Lock implements Store. It waits behind local callers first, then polls
// the lease until it is free or ctx ends.
func (s *SQLiteStore) Lock(ctx context.Context, threadID string) (Unlock, error) {
	return s.acquire(ctx, threadID, true)
}

// TryLock implements Store.
func (s *SQLiteStore) TryLock(ctx context.Context, threadID string) (Unlock, error) {
	return s.acquire(ctx, threadID, false)
}

func (s *SQLiteStore) acquire(ctx context.Context, threadID string, wait bool) (Unlock, error) {
	local, err := s.locker.acquire(ctx, threadID, wait)
	if err != nil {
		return nil, err
	}

	owner := uuid.New().String()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		ok, err := s.claimLease(ctx, threadID, owner)
		if err != nil {
			local()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if ok {
			break
		}
		if !wait {
			local()
			return nil, ErrLocked
		}
		select {
		case <-ctx.Done():
			local()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	l := s.leases.start(threadID, owner, s.lockTTL, func(ctx context.Context) (bool, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.closed {
			return false, ErrStoreClosed
		}
		return extendLease(ctx, s.db, threadID, owner, s.lockTTL)
	}, s.logger)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.leases.end(threadID, l)
			s.releaseLease(threadID, owner)
			local()
		})
	}, nil
}

// claimLease inserts the lease, or takes it over once the previous owner
// let it expire.
func (s *SQLiteStore) claimLease(ctx context.Context, threadID, owner string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, ErrStoreClosed
	}

	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_leases (thread_id, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE thread_leases.expires_at <= ?
	`, threadID, owner, now.Add(s.lockTTL).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("claim lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim lease: %w", err)
	}
	return n == 1, nil
}

// releaseLease deletes the lease only if owner still holds it.
func (s *SQLiteStore) releaseLease(threadID, owner string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM thread_leases WHERE thread_id = ? AND owner = ?
	`, threadID, owner); err != nil {
		s.logger.Warn("failed to release thread lock", "thread_id", threadID, "error", err)
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// extendLease pushes the lease's expiry out by ttl if owner still holds it.
func extendLease(ctx context.Context, db execer, threadID, owner string, ttl time.Duration) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE thread_leases SET expires_at = ?
		WHERE thread_id = ? AND owner = ?
	`, time.Now().Add(ttl).UnixMilli(), threadID, owner)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Close implements Store. Leases still held are released.
func (s *SQLiteStore) Close() error {
	held := s.leases.endAll()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	for threadID, l := range held {
		if _, err := s.db.Exec(`DELETE FROM thread_leases WHERE thread_id = ? AND owner = ?`, threadID, l.owner); err != nil {
			s.logger.Warn("failed to release thread lock", "thread_id", threadID, "error", err)
		}
	}

	s.closed = true
	return s.db.Close()
}
