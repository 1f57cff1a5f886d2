package kvstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/finedu/finedu-sync/internal/domain/shared"
	"github.com/finedu/finedu-sync/pkg/logger"
)

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	// Path is the database file. ":memory:" keeps it in memory.
	Path string

	// PollInterval is how often other writers' commits are looked for.
	// Zero disables change notification.
	PollInterval time.Duration

	// BusyTimeout is how long a write waits for another process' lock.
	BusyTimeout time.Duration
}

// DefaultSQLiteConfig returns defaults for a local data directory.
func DefaultSQLiteConfig(path string) SQLiteConfig {
	return SQLiteConfig{
		Path:         path,
		PollInterval: time.Second,
		BusyTimeout:  5 * time.Second,
	}
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
    key     TEXT PRIMARY KEY,
    value   TEXT,
    origin  TEXT NOT NULL,
    seq     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_kv_seq ON kv(seq);
`

// SQLite is a Store over a single SQLite database file.
//
// Every write bumps a global sequence and records the writer's origin id.
// A poller reads rows with a sequence above the last one seen and reports
// those written by other origins. Removals are kept as tombstones (NULL
// value) so that they can be reported too.
type SQLite struct {
	db     *sql.DB
	origin string
	log    *logger.Logger
	subs   notifier

	mu     sync.Mutex
	seen   int64
	closed bool

	stop chan struct{}
	done chan struct{}
}

// OpenSQLite opens (creating if necessary) the database at cfg.Path.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig, log *logger.Logger) (*SQLite, error) {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.Path == "" {
		return nil, shared.NewDomainError("kvstore", "OpenSQLite", shared.ErrEmptyValue, "sqlite path is empty")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, persistenceError("OpenSQLite", cfg.Path, err)
		}
	}
	dsn := cfg.Path
	if cfg.BusyTimeout > 0 {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", cfg.Path, cfg.BusyTimeout.Milliseconds())
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, persistenceError("OpenSQLite", cfg.Path, err)
	}
	// Single writer per process.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, persistenceError("OpenSQLite", cfg.Path, fmt.Errorf("create schema: %w", err))
	}

	s := &SQLite{
		db:     db,
		origin: uuid.NewString(),
		log:    log.With(logger.Component("kvstore.sqlite")),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM kv`).Scan(&s.seen); err != nil {
		db.Close()
		return nil, persistenceError("OpenSQLite", cfg.Path, err)
	}

	if cfg.PollInterval > 0 {
		go s.poll(cfg.PollInterval)
	} else {
		close(s.done)
	}
	return s, nil
}

func (s *SQLite) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return shared.ErrStoreClosed
	}
	return nil
}

// Get implements Store.
func (s *SQLite) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var value sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !value.Valid) {
		return nil, shared.ErrKeyNotFound
	}
	if err != nil {
		return nil, persistenceError("Get", key, err)
	}
	return json.RawMessage(value.String), nil
}

// Set implements Store.
func (s *SQLite) Set(ctx context.Context, key string, value json.RawMessage) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := validate("Set", key, value); err != nil {
		return err
	}
	return s.write(ctx, "Set", key, sql.NullString{String: string(value), Valid: true})
}

// Remove implements Store.
func (s *SQLite) Remove(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv WHERE key = ? AND value IS NOT NULL`, key).Scan(&exists)
	if err != nil {
		return persistenceError("Remove", key, err)
	}
	if exists == 0 {
		return nil
	}
	return s.write(ctx, "Remove", key, sql.NullString{})
}

func (s *SQLite) write(ctx context.Context, op, key string, value sql.NullString) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, origin, seq)
		VALUES (?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM kv))
		ON CONFLICT(key) DO UPDATE SET
			value  = excluded.value,
			origin = excluded.origin,
			seq    = excluded.seq`,
		key, value, s.origin)
	return persistenceError(op, key, err)
}

// Keys implements Store.
func (s *SQLite) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv WHERE value IS NOT NULL AND substr(key, 1, ?) = ?`, len(prefix), prefix)
	if err != nil {
		return nil, persistenceError("Keys", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, persistenceError("Keys", prefix, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("Keys", prefix, err)
	}
	return filterKeys(keys, prefix), nil
}

// Subscribe implements Store.
func (s *SQLite) Subscribe(fn ChangeHandler) func() {
	return s.subs.subscribe(fn)
}

// Close stops the poller and closes the database.
func (s *SQLite) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case <-s.done:
	default:
		close(s.stop)
		<-s.done
	}
	return s.db.Close()
}

func (s *SQLite) poll(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.pollOnce(); err != nil {
				s.log.Warn("change poll failed", logger.Err(err))
			}
		}
	}
}

func (s *SQLite) pollOnce() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.mu.Lock()
	since := s.seen
	s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, origin, seq FROM kv WHERE seq > ? ORDER BY seq`, since)
	if err != nil {
		return err
	}

	var changes []Change
	maxSeq := since
	for rows.Next() {
		var (
			key, origin string
			value       sql.NullString
			seq         int64
		)
		if err := rows.Scan(&key, &value, &origin, &seq); err != nil {
			rows.Close()
			return err
		}
		if seq > maxSeq {
			maxSeq = seq
		}
		if origin == s.origin {
			continue
		}
		if value.Valid {
			changes = append(changes, Change{Key: key, Value: json.RawMessage(value.String)})
		} else {
			changes = append(changes, Change{Key: key, Removed: true})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.seen = maxSeq
	s.mu.Unlock()

	for _, c := range changes {
		s.subs.notify(c)
	}
	return nil
}
