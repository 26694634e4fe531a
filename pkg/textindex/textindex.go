// Package textindex implements the multi-field inverted index of spec
// §4.4, backed by SQLite FTS5 (the same engine the teacher wires up for
// hybrid search in its vector store). Writes are buffered in memory and
// drained by a background commit loop on commit_interval_ms, mirroring
// the spec's "background commit loop... makes new documents visible no
// later than commit_interval_ms" contract, even though FTS5 itself does
// not require segment merging the way a tantivy-style index does.
package textindex

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/memorose/engine/pkg/logging"
)

// Document is one record to index.
type Document struct {
	ID              string
	UserID          string
	AppID           string
	StreamID        string
	Content         string
	Level           uint64
	TransactionTime time.Time
	ValidTime       *time.Time
}

// TimeRange bounds a bi-temporal filter; either end may be zero to mean
// unbounded.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

func (r TimeRange) empty() bool { return r.Start.IsZero() && r.End.IsZero() }

// Index is the bi-temporal, multi-field text index.
type Index struct {
	mu     sync.Mutex
	db     *sql.DB
	logger logging.Logger

	commitInterval time.Duration
	pending        []Document
	stopCh         chan struct{}
	doneCh         chan struct{}
}

// Open creates/opens the FTS5-backed index at path and starts the
// background commit loop.
func Open(path string, commitInterval time.Duration, logger logging.Logger) (*Index, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if commitInterval <= 0 {
		commitInterval = 500 * time.Millisecond
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("textindex: open: %w", err)
	}

	if err := recreateIfIncompatible(db); err != nil {
		db.Close()
		return nil, err
	}

	idx := &Index{
		db:             db,
		logger:         logger,
		commitInterval: commitInterval,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	go idx.commitLoop()
	return idx, nil
}

func recreateIfIncompatible(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS doc_fields (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		app_id TEXT NOT NULL,
		stream_id TEXT NOT NULL,
		level INTEGER NOT NULL,
		transaction_time INTEGER NOT NULL,
		valid_time INTEGER
	);
	CREATE VIRTUAL TABLE IF NOT EXISTS doc_content USING fts5(
		id UNINDEXED, content
	);
	`
	if _, err := db.Exec(schema); err != nil {
		if strings.Contains(err.Error(), "malformed") || strings.Contains(err.Error(), "no such module") {
			if _, dropErr := db.Exec(`DROP TABLE IF EXISTS doc_fields; DROP TABLE IF EXISTS doc_content;`); dropErr != nil {
				return fmt.Errorf("textindex: recreate: %w", dropErr)
			}
			_, err = db.Exec(schema)
		}
		if err != nil {
			return fmt.Errorf("textindex: schema: %w", err)
		}
	}
	return nil
}

// Close stops the commit loop, flushes pending writes, and closes the db.
func (idx *Index) Close() error {
	close(idx.stopCh)
	<-idx.doneCh
	_ = idx.commit(context.Background())
	return idx.db.Close()
}

func (idx *Index) commitLoop() {
	defer close(idx.doneCh)
	ticker := time.NewTicker(idx.commitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := idx.commit(context.Background()); err != nil {
				idx.logger.Error("textindex commit failed", "error", err)
			}
		case <-idx.stopCh:
			return
		}
	}
}

// Add buffers a document for the next commit cycle.
func (idx *Index) Add(doc Document) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.pending = append(idx.pending, doc)
}

func (idx *Index) commit(ctx context.Context) error {
	idx.mu.Lock()
	batch := idx.pending
	idx.pending = nil
	idx.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("textindex: commit begin: %w", err)
	}
	defer tx.Rollback()

	for _, d := range batch {
		var validTime any
		if d.ValidTime != nil {
			validTime = d.ValidTime.UnixMicro()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO doc_fields (id, user_id, app_id, stream_id, level, transaction_time, valid_time)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				user_id=excluded.user_id, app_id=excluded.app_id, stream_id=excluded.stream_id,
				level=excluded.level, transaction_time=excluded.transaction_time, valid_time=excluded.valid_time
		`, d.ID, d.UserID, d.AppID, d.StreamID, d.Level, d.TransactionTime.UnixMicro(), validTime); err != nil {
			return fmt.Errorf("textindex: commit fields: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM doc_content WHERE id = ?`, d.ID); err != nil {
			return fmt.Errorf("textindex: commit delete stale fts row: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO doc_content (id, content) VALUES (?, ?)`, d.ID, d.Content); err != nil {
			return fmt.Errorf("textindex: commit content: %w", err)
		}
	}

	return tx.Commit()
}

// Flush forces an immediate commit of buffered writes, bypassing the
// commit_interval_ms cadence; used by tests that need read-your-writes.
func (idx *Index) Flush(ctx context.Context) error {
	return idx.commit(ctx)
}

// Checkpoint flushes pending writes and snapshots the index into a new
// SQLite file at dstPath via VACUUM INTO (spec §4.12 snapshot build).
func (idx *Index) Checkpoint(ctx context.Context, dstPath string) error {
	if err := idx.commit(ctx); err != nil {
		return err
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, err := idx.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO %s", quoteSQLString(dstPath))); err != nil {
		return fmt.Errorf("textindex: checkpoint: %w", err)
	}
	return nil
}

func quoteSQLString(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			b.WriteString("''")
		} else {
			b.WriteByte(s[i])
		}
	}
	b.WriteByte('\'')
	return b.String()
}

// Hit is one search result.
type Hit struct {
	ID    string
	Score float64
}

// SearchBitemporal runs a full-text query ANDed with user/app term filters
// and valid/transaction-time range filters (spec §4.4).
func (idx *Index) SearchBitemporal(ctx context.Context, query string, limit int, validRange, txRange TimeRange, userID, appID string) ([]Hit, error) {
	q := `
	SELECT doc_content.id, bm25(doc_content) AS rank
	FROM doc_content
	JOIN doc_fields ON doc_fields.id = doc_content.id
	WHERE doc_content MATCH ?`
	args := []any{escapeFTSQuery(query)}

	if userID != "" {
		q += " AND doc_fields.user_id = ?"
		args = append(args, userID)
	}
	if appID != "" {
		q += " AND doc_fields.app_id = ?"
		args = append(args, appID)
	}
	if !validRange.empty() {
		if !validRange.Start.IsZero() {
			q += " AND doc_fields.valid_time >= ?"
			args = append(args, validRange.Start.UnixMicro())
		}
		if !validRange.End.IsZero() {
			q += " AND doc_fields.valid_time <= ?"
			args = append(args, validRange.End.UnixMicro())
		}
	}
	if !txRange.empty() {
		if !txRange.Start.IsZero() {
			q += " AND doc_fields.transaction_time >= ?"
			args = append(args, txRange.Start.UnixMicro())
		}
		if !txRange.End.IsZero() {
			q += " AND doc_fields.transaction_time <= ?"
			args = append(args, txRange.End.UnixMicro())
		}
	}

	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := idx.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("textindex: search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var rank float64
		if err := rows.Scan(&h.ID, &rank); err != nil {
			return nil, fmt.Errorf("textindex: search scan: %w", err)
		}
		// bm25() returns lower-is-better; invert to a positive score.
		h.Score = -rank
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Delete removes a document from both the field table and the FTS index.
func (idx *Index) Delete(ctx context.Context, id string) error {
	if _, err := idx.db.ExecContext(ctx, `DELETE FROM doc_fields WHERE id = ?`, id); err != nil {
		return fmt.Errorf("textindex: delete fields: %w", err)
	}
	if _, err := idx.db.ExecContext(ctx, `DELETE FROM doc_content WHERE id = ?`, id); err != nil {
		return fmt.Errorf("textindex: delete content: %w", err)
	}
	return nil
}

// escapeFTSQuery quotes the raw query as a single FTS5 phrase so user
// content containing FTS operators (AND, OR, NOT, -, *) is treated as
// literal text rather than query syntax.
func escapeFTSQuery(q string) string {
	return `"` + strings.ReplaceAll(q, `"`, `""`) + `"`
}
