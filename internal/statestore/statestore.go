// Package statestore is the durable per-call state primitive (C1): a
// TTL-backed key/value store, an append-only ordered stream per key, and a
// sorted-set, all persisted to a single sqlite database with a
// single-writer connection. A background sweep goroutine expires stale
// rows the way the teacher's media.SessionManager reaper expires orphaned
// RTP sessions.
package statestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/callengine/callengine/internal/dbutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	defaultSweepInterval = 30 * time.Second
)

// ErrNotFound is returned by Get when the key is absent or has expired.
var ErrNotFound = errors.New("statestore: not found")

// StreamEntry is one ordered entry in a stream.
type StreamEntry struct {
	ID    int64
	Value []byte
}

// Store is the sqlite-backed implementation of the StateStore primitive.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	cache sync.Map // key -> cachedValue, read-through hot-path cache

	cancelSweep context.CancelFunc
	sweepDone   chan struct{}
}

type cachedValue struct {
	value     []byte
	expiresAt int64 // unix seconds, 0 = no expiry
}

// Open opens (creating if necessary) the state database under dataDir.
func Open(dataDir string, logger *slog.Logger) (*Store, error) {
	db, err := dbutil.Open(dataDir, "state.db", migrationsFS)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, logger: logger.With("subsystem", "statestore")}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartSweeper launches a background goroutine that periodically deletes
// expired kv rows. Call StopSweeper to shut it down gracefully.
func (s *Store) StartSweeper() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelSweep = cancel
	s.sweepDone = make(chan struct{})
	go s.sweepLoop(ctx)
	s.logger.Info("statestore sweeper started", "interval", defaultSweepInterval.String())
}

// StopSweeper stops the sweep goroutine and waits for it to exit.
func (s *Store) StopSweeper() {
	if s.cancelSweep == nil {
		return
	}
	s.cancelSweep()
	<-s.sweepDone
	s.logger.Info("statestore sweeper stopped")
}

func (s *Store) sweepLoop(ctx context.Context) {
	defer close(s.sweepDone)
	ticker := time.NewTicker(defaultSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *Store) sweepExpired() {
	now := time.Now().Unix()
	res, err := s.db.Exec(`DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err != nil {
		s.logger.Warn("sweep failed", "error", err)
		return
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("swept expired keys", "count", n)
	}
	s.cache.Range(func(k, v any) bool {
		cv := v.(cachedValue)
		if cv.expiresAt != 0 && cv.expiresAt <= now {
			s.cache.Delete(k)
		}
		return true
	})
}

// Get returns the value stored at key. ErrNotFound is returned if the key
// is absent or has expired.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	now := time.Now().Unix()

	if v, ok := s.cache.Load(key); ok {
		cv := v.(cachedValue)
		if cv.expiresAt == 0 || cv.expiresAt > now {
			return cv.value, nil
		}
		s.cache.Delete(key)
	}

	var value []byte
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("statestore get %q: %w", key, err)
	}
	if expiresAt.Valid && expiresAt.Int64 <= now {
		return nil, ErrNotFound
	}

	s.cache.Store(key, cachedValue{value: value, expiresAt: expiresAt.Int64})
	return value, nil
}

// Set stores value at key with the given TTL (zero means no expiry),
// refreshing the TTL on every call.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := time.Now()
	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: now.Add(ttl).Unix(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at, expires_at = excluded.expires_at
	`, key, value, now.UnixNano(), expiresAt)
	if err != nil {
		return fmt.Errorf("statestore set %q: %w", key, err)
	}

	s.cache.Store(key, cachedValue{value: value, expiresAt: expiresAt.Int64})
	return nil
}

// SetNX stores value at key only if the key is absent or already expired,
// used by the Outbound Wave Scheduler to guarantee at most one dispatched
// wave per occurrence. Returns true if the value was stored.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("statestore setnx %q: %w", key, err)
	}
	defer tx.Rollback()

	now := time.Now()
	var expiresAt sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT expires_at FROM kv WHERE key = ?`, key).Scan(&expiresAt)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("statestore setnx %q: %w", key, err)
	}
	if exists && (!expiresAt.Valid || expiresAt.Int64 > now.Unix()) {
		return false, nil
	}

	var newExpiresAt sql.NullInt64
	if ttl > 0 {
		newExpiresAt = sql.NullInt64{Int64: now.Add(ttl).Unix(), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at, expires_at = excluded.expires_at
	`, key, value, now.UnixNano(), newExpiresAt)
	if err != nil {
		return false, fmt.Errorf("statestore setnx %q: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("statestore setnx %q: %w", key, err)
	}

	s.cache.Store(key, cachedValue{value: value, expiresAt: newExpiresAt.Int64})
	return true, nil
}

// Del removes key.
func (s *Store) Del(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("statestore del %q: %w", key, err)
	}
	s.cache.Delete(key)
	return nil
}

// StreamAppend appends value to the stream at streamKey, returning its
// monotonically increasing id.
func (s *Store) StreamAppend(ctx context.Context, streamKey string, value []byte) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("statestore streamappend %q: %w", streamKey, err)
	}
	defer tx.Rollback()

	var maxID sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(id) FROM streams WHERE stream_key = ?`, streamKey).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("statestore streamappend %q: %w", streamKey, err)
	}
	nextID := maxID.Int64 + 1

	if _, err := tx.ExecContext(ctx, `INSERT INTO streams (stream_key, id, value, created_at) VALUES (?, ?, ?, ?)`,
		streamKey, nextID, value, time.Now().UnixNano()); err != nil {
		return 0, fmt.Errorf("statestore streamappend %q: %w", streamKey, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("statestore streamappend %q: %w", streamKey, err)
	}
	return nextID, nil
}

// StreamRange returns entries with id > afterID, in ascending order,
// limited to count entries (count <= 0 means unlimited, matching the
// spec's "+" range sentinel).
func (s *Store) StreamRange(ctx context.Context, streamKey string, afterID int64, count int) ([]StreamEntry, error) {
	query := `SELECT id, value FROM streams WHERE stream_key = ? AND id > ? ORDER BY id ASC`
	args := []any{streamKey, afterID}
	if count > 0 {
		query += ` LIMIT ?`
		args = append(args, count)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("statestore streamrange %q: %w", streamKey, err)
	}
	defer rows.Close()

	var entries []StreamEntry
	for rows.Next() {
		var e StreamEntry
		if err := rows.Scan(&e.ID, &e.Value); err != nil {
			return nil, fmt.Errorf("statestore streamrange %q: %w", streamKey, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ZAdd sets member's score in the sorted set at zsetKey.
func (s *Store) ZAdd(ctx context.Context, zsetKey, member string, score float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO zsets (zset_key, member, score) VALUES (?, ?, ?)
		ON CONFLICT(zset_key, member) DO UPDATE SET score = excluded.score
	`, zsetKey, member, score)
	if err != nil {
		return fmt.Errorf("statestore zadd %q: %w", zsetKey, err)
	}
	return nil
}

// ZRank returns member's zero-based rank (ascending by score) within the
// sorted set, and false if the member is absent.
func (s *Store) ZRank(ctx context.Context, zsetKey, member string) (int, bool, error) {
	var score float64
	err := s.db.QueryRowContext(ctx, `SELECT score FROM zsets WHERE zset_key = ? AND member = ?`, zsetKey, member).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("statestore zrank %q: %w", zsetKey, err)
	}

	var rank int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM zsets WHERE zset_key = ? AND score < ?`, zsetKey, score).Scan(&rank)
	if err != nil {
		return 0, false, fmt.Errorf("statestore zrank %q: %w", zsetKey, err)
	}
	return rank, true, nil
}

// ZRem removes member from the sorted set at zsetKey.
func (s *Store) ZRem(ctx context.Context, zsetKey, member string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM zsets WHERE zset_key = ? AND member = ?`, zsetKey, member); err != nil {
		return fmt.Errorf("statestore zrem %q: %w", zsetKey, err)
	}
	return nil
}

// ZRange returns members in [start, stop] rank order (ascending by score),
// inclusive, following Redis ZRANGE semantics: negative indices count from
// the end (-1 is the highest-scored member).
func (s *Store) ZRange(ctx context.Context, zsetKey string, start, stop int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT member FROM zsets WHERE zset_key = ? ORDER BY score ASC`, zsetKey)
	if err != nil {
		return nil, fmt.Errorf("statestore zrange %q: %w", zsetKey, err)
	}
	defer rows.Close()

	var all []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("statestore zrange %q: %w", zsetKey, err)
		}
		all = append(all, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	n := len(all)
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil, nil
	}
	return all[start : stop+1], nil
}
