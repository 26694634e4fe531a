// Package kvstore implements the ordered byte-key store of spec §4.2. It
// follows the same SQLite-via-modernc.org/sqlite pattern the teacher uses
// for its vector store (DSN pragma tuning, connection pooling), but keyed
// on a single BLOB-keyed table: SQLite's default BLOB collation is
// byte-wise, so range scans are plain "ORDER BY key" queries and satisfy
// the "forward seek, stop at first non-match" contract without any
// storage-engine prefix extractor.
package kvstore

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/memorose/engine/pkg/logging"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = fmt.Errorf("kvstore: key not found")

// Store is the ordered byte-keyed store.
type Store struct {
	db     *sql.DB
	path   string
	logger logging.Logger
}

// Open opens (creating if necessary) the KV store at path.
func Open(path string, logger logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_cache_size=-2000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(2 * time.Hour)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (key BLOB PRIMARY KEY, value BLOB NOT NULL)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: create table: %w", err)
	}

	return &Store{db: db, path: path, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores value under key, overwriting any existing value.
func (s *Store) Put(ctx context.Context, key, value []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv(key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("kvstore: put: %w", err)
	}
	return nil
}

// Get retrieves the value stored under key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore: get: %w", err)
	}
	return value, nil
}

// Delete removes key. Idempotent: no error if the key does not exist.
func (s *Store) Delete(ctx context.Context, key []byte) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("kvstore: delete: %w", err)
	}
	return nil
}

// KV is a single key/value pair, returned by scans and multi-get.
type KV struct {
	Key   []byte
	Value []byte
}

// MultiGet retrieves every key present among keys, omitting the rest.
func (s *Store) MultiGet(ctx context.Context, keys [][]byte) ([]KV, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		placeholders[i] = "?"
		args[i] = k
	}

	q := "SELECT key, value FROM kv WHERE key IN ("
	for i, p := range placeholders {
		if i > 0 {
			q += ","
		}
		q += p
	}
	q += ")"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("kvstore: multi_get: %w", err)
	}
	defer rows.Close()

	var out []KV
	for rows.Next() {
		var kv KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, fmt.Errorf("kvstore: multi_get scan: %w", err)
		}
		out = append(out, kv)
	}
	return out, rows.Err()
}

// Flush runs a passive WAL checkpoint (PRAGMA wal_checkpoint(PASSIVE)).
// The store keeps no in-memory write buffer of its own, so there is
// nothing else to flush.
func (s *Store) Flush(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(PASSIVE)`)
	if err != nil {
		return fmt.Errorf("kvstore: flush: %w", err)
	}
	return nil
}

// Checkpoint snapshots the store into a new SQLite file at dstPath using
// SQLite's online backup (VACUUM INTO), so a snapshot can be taken
// concurrently with live traffic.
func (s *Store) Checkpoint(ctx context.Context, dstPath string) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO %s", quoteSQLString(dstPath))); err != nil {
		return fmt.Errorf("kvstore: checkpoint: %w", err)
	}
	return nil
}

func quoteSQLString(s string) string {
	return "'" + escapeSingleQuotes(s) + "'"
}

func escapeSingleQuotes(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\'')
		} else {
			out = append(out, s[i])
		}
	}
	return string(out)
}

// Scan returns every key/value pair whose key has prefix, in ascending
// key order. It performs a forward seek from prefix and stops at the
// first non-matching key, per the store's scan contract.
func (s *Store) Scan(ctx context.Context, prefix []byte) ([]KV, error) {
	upper := prefixUpperBound(prefix)

	var rows *sql.Rows
	var err error
	if upper == nil {
		rows, err = s.db.QueryContext(ctx, `SELECT key, value FROM kv WHERE key >= ? ORDER BY key`, prefix)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key`, prefix, upper)
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore: scan: %w", err)
	}
	defer rows.Close()

	var out []KV
	for rows.Next() {
		var kv KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, fmt.Errorf("kvstore: scan: %w", err)
		}
		if !bytes.HasPrefix(kv.Key, prefix) {
			break
		}
		out = append(out, kv)
	}
	return out, rows.Err()
}

// CountPrefix returns the number of keys with the given prefix, without
// loading any values.
func (s *Store) CountPrefix(ctx context.Context, prefix []byte) (int, error) {
	upper := prefixUpperBound(prefix)

	var row *sql.Row
	if upper == nil {
		row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv WHERE key >= ?`, prefix)
	} else {
		row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv WHERE key >= ? AND key < ?`, prefix, upper)
	}

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("kvstore: count_prefix: %w", err)
	}
	return count, nil
}

// ScanRange returns every key/value pair in [start, endExclusive).
func (s *Store) ScanRange(ctx context.Context, start, endExclusive []byte) ([]KV, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key`, start, endExclusive)
	if err != nil {
		return nil, fmt.Errorf("kvstore: scan_range: %w", err)
	}
	defer rows.Close()

	var out []KV
	for rows.Next() {
		var kv KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, fmt.Errorf("kvstore: scan_range: %w", err)
		}
		out = append(out, kv)
	}
	return out, rows.Err()
}

// prefixUpperBound computes the smallest key strictly greater than every
// key with the given prefix, by incrementing the last non-0xFF byte. A
// prefix of all 0xFF bytes (or empty) has no finite upper bound.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
