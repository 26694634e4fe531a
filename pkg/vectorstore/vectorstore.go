// Package vectorstore implements the per-table fixed-dimension embedding
// store of spec §4.3. It is adapted from the teacher's SQLite-backed
// vector store (originally a single-collection RAG schema): the DSN/pragma
// tuning, connection-pool sizing, and HNSW-index integration are carried
// over, but the schema itself is rewritten to the spec's per-table layout
// so that both the "memories" table (engine) and the "relationships" table
// (graphstore, §4.5 — "vector-store-backed") share one implementation.
package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/memorose/engine/internal/encoding"
	"github.com/memorose/engine/pkg/index"
	"github.com/memorose/engine/pkg/logging"
	"github.com/memorose/engine/pkg/vecmath"
)

// ErrTableMissing is returned by NearestK/MultiGet when the requested
// table does not exist. Callers in the retrieval pipeline treat this as an
// empty contribution rather than a hard failure (spec §4.1 step 1).
var ErrTableMissing = fmt.Errorf("vectorstore: table missing")

// requiredColumns is the schema spec §4.3 mandates for every table.
var requiredColumns = []string{
	"id", "user_id", "app_id", "stream_id", "content",
	"level", "transaction_time", "valid_time", "vector",
}

// Row is one record of a vectorstore table.
type Row struct {
	ID              string
	UserID          string
	AppID           string
	StreamID        string
	Content         string
	Level           uint8
	TransactionTime time.Time
	ValidTime       *time.Time
	Vector          []float32
}

// Result is a nearest-neighbour hit: similarity = 1/(1+distance).
type Result struct {
	ID         string
	Similarity float64
}

// Store is the fixed-dimension vector store, multiplexed over named
// tables within a single SQLite database file.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	logger logging.Logger

	dims    map[string]int
	indices map[string]*index.HNSW
}

// Open opens (creating if necessary) the SQLite-backed vector store at path.
func Open(path string, logger logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_cache_size=-2000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(2 * time.Hour)

	return &Store{
		db:      db,
		logger:  logger,
		dims:    make(map[string]int),
		indices: make(map[string]*index.HNSW),
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func tableName(name string) string {
	return "vt_" + name
}

// EnsureTable creates table with the spec schema if it does not exist, or
// recreates it if an existing table is missing a required column (spec
// §4.3: "recreating if schema is missing a required column").
func (s *Store) EnsureTable(ctx context.Context, name string, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tbl := tableName(name)

	hasCols, err := s.tableColumns(ctx, tbl)
	if err != nil {
		return fmt.Errorf("vectorstore: ensure_table %s: %w", name, err)
	}

	if len(hasCols) > 0 {
		missing := false
		for _, c := range requiredColumns {
			if !hasCols[c] {
				missing = true
				break
			}
		}
		if missing {
			s.logger.Warn("recreating table with incompatible schema", "table", name)
			if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE %q", tbl)); err != nil {
				return fmt.Errorf("vectorstore: drop stale table: %w", err)
			}
		} else {
			s.dims[name] = dim
			return nil
		}
	}

	schema := fmt.Sprintf(`
	CREATE TABLE %q (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		app_id TEXT NOT NULL,
		stream_id TEXT NOT NULL,
		content TEXT,
		level INTEGER NOT NULL DEFAULT 0,
		transaction_time INTEGER NOT NULL,
		valid_time INTEGER,
		vector BLOB
	);
	CREATE INDEX IF NOT EXISTS %q ON %q(user_id, app_id);
	`, tbl, "idx_"+tbl+"_user", tbl)

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("vectorstore: create table %s: %w", name, err)
	}

	s.dims[name] = dim
	s.indices[name] = index.NewHNSW(16, 200, func(a, b []float32) float32 {
		return float32(vecmath.EuclideanDistance(a, b))
	})
	return nil
}

func (s *Store) tableColumns(ctx context.Context, tbl string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", tbl))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, colType string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// Add inserts or replaces a batch of rows. Missing embeddings (nil/empty
// Vector) are stored as zero vectors of the table's configured dimension
// (spec invariant 7).
func (s *Store) Add(ctx context.Context, table string, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tbl := tableName(table)
	dim := s.dims[table]

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vectorstore: add: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %q (id, user_id, app_id, stream_id, content, level, transaction_time, valid_time, vector)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id=excluded.user_id, app_id=excluded.app_id, stream_id=excluded.stream_id,
			content=excluded.content, level=excluded.level,
			transaction_time=excluded.transaction_time, valid_time=excluded.valid_time,
			vector=excluded.vector
	`, tbl))
	if err != nil {
		return fmt.Errorf("vectorstore: add: prepare: %w", err)
	}
	defer stmt.Close()

	idx := s.indices[table]
	for _, r := range rows {
		vec := r.Vector
		if len(vec) == 0 && dim > 0 {
			vec = make([]float32, dim)
		}
		vecBytes, err := encoding.EncodeVector(vec)
		if err != nil {
			return fmt.Errorf("vectorstore: encode vector %s: %w", r.ID, err)
		}

		var validTime any
		if r.ValidTime != nil {
			validTime = r.ValidTime.UnixMicro()
		}

		if _, err := stmt.ExecContext(ctx, r.ID, r.UserID, r.AppID, r.StreamID, r.Content,
			r.Level, r.TransactionTime.UnixMicro(), validTime, vecBytes); err != nil {
			return fmt.Errorf("vectorstore: add %s: %w", r.ID, err)
		}

		if idx != nil && len(vec) > 0 {
			_ = idx.Delete(r.ID)
			_ = idx.Insert(r.ID, vec)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("vectorstore: add: commit: %w", err)
	}
	return nil
}

// DeleteByID removes a single row.
func (s *Store) DeleteByID(ctx context.Context, table, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tbl := tableName(table)
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %q WHERE id = ?", tbl), id); err != nil {
		return fmt.Errorf("vectorstore: delete %s: %w", id, err)
	}
	if idx, ok := s.indices[table]; ok {
		_ = idx.Delete(id)
	}
	return nil
}

// MultiGet fetches rows by id, returning only the ids that exist.
func (s *Store) MultiGet(ctx context.Context, table string, ids []string) (map[string]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(ids) == 0 {
		return map[string]Row{}, nil
	}

	tbl := tableName(table)
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	q := fmt.Sprintf("SELECT id, user_id, app_id, stream_id, content, level, transaction_time, valid_time, vector FROM %q WHERE id IN (%s)",
		tbl, joinPlaceholders(placeholders))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		if isNoSuchTable(err) {
			return nil, ErrTableMissing
		}
		return nil, fmt.Errorf("vectorstore: multi_get: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Row, len(ids))
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out[r.ID] = r
	}
	return out, rows.Err()
}

// NearestK returns the k nearest rows to query by similarity
// 1/(1+distance) over Euclidean distance, optionally narrowed by a raw SQL WHERE-clause filter
// (spec §4.3: "SQL-style filters"). When an HNSW index is populated, it is
// always consulted first, over-fetching k*4 candidates and applying
// sqlFilter as a post-filter against that candidate set — the same
// over-fetch-then-filter pattern the teacher's own store uses (TopK*2
// candidates, metadata filter applied after), so a tenant/metadata filter
// never disables the index. Only an empty or unpopulated index falls back
// to a full brute-force scan. A missing table returns ErrTableMissing
// rather than failing — callers treat this as an empty contribution.
func (s *Store) NearestK(ctx context.Context, table string, query []float32, k int, sqlFilter string) ([]Result, error) {
	s.mu.RLock()
	idx := s.indices[table]
	s.mu.RUnlock()

	if idx != nil && idx.Size() > 0 {
		return s.nearestKViaIndex(ctx, idx, table, query, k, sqlFilter)
	}

	rows, err := s.scanAll(ctx, table, sqlFilter)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(rows))
	for _, r := range rows {
		if len(r.Vector) != len(query) || len(query) == 0 {
			continue
		}
		dist := vecmath.EuclideanDistance(query, r.Vector)
		results = append(results, Result{ID: r.ID, Similarity: vecmath.SimilarityFromDistance(dist)})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// nearestKViaIndex searches the HNSW index for k*4 candidates, then — if
// sqlFilter is set — re-queries the table for just those candidate ids
// with sqlFilter applied, keeping only the survivors in their HNSW rank
// order (spec §4.3; grounded on the teacher's searchWithHNSW, which
// over-fetches TopK*2 and applies the metadata filter to the fetched
// candidates rather than to the whole table).
func (s *Store) nearestKViaIndex(ctx context.Context, idx *index.HNSW, table string, query []float32, k int, sqlFilter string) ([]Result, error) {
	ids, dists := idx.Search(query, k*4, k*4)
	if len(ids) == 0 {
		return nil, nil
	}

	simByID := make(map[string]float64, len(ids))
	order := make([]string, 0, len(ids))
	for i, id := range ids {
		simByID[id] = vecmath.SimilarityFromDistance(float64(dists[i]))
		order = append(order, id)
	}

	if sqlFilter == "" {
		if k > 0 && len(order) > k {
			order = order[:k]
		}
		out := make([]Result, 0, len(order))
		for _, id := range order {
			out = append(out, Result{ID: id, Similarity: simByID[id]})
		}
		return out, nil
	}

	tbl := tableName(table)
	placeholders := make([]string, len(order))
	args := make([]any, len(order))
	for i, id := range order {
		placeholders[i] = "?"
		args[i] = id
	}
	q := fmt.Sprintf("SELECT id FROM %q WHERE id IN (%s) AND %s", tbl, joinPlaceholders(placeholders), sqlFilter)

	s.mu.RLock()
	rows, err := s.db.QueryContext(ctx, q, args...)
	s.mu.RUnlock()
	if err != nil {
		if isNoSuchTable(err) {
			return nil, ErrTableMissing
		}
		return nil, fmt.Errorf("vectorstore: nearest_k filter: %w", err)
	}
	defer rows.Close()

	survivors := make(map[string]bool, len(order))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("vectorstore: nearest_k filter scan: %w", err)
		}
		survivors[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(survivors))
	for _, id := range order {
		if survivors[id] {
			out = append(out, Result{ID: id, Similarity: simByID[id]})
		}
	}
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// ScanFiltered returns every row in table matching a raw SQL WHERE-clause
// fragment, without computing any similarity score. Used by callers (such
// as graphstore) that query the store purely as structured metadata
// storage rather than for nearest-neighbour search.
func (s *Store) ScanFiltered(ctx context.Context, table, sqlFilter string, args ...any) ([]Row, error) {
	return s.scanAll(ctx, table, sqlFilter, args...)
}

// Vacuum compacts the database file in place, reclaiming space left by
// deleted rows (spec §4.11 cycle 3 compaction).
func (s *Store) Vacuum(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vectorstore: vacuum: %w", err)
	}
	return nil
}

// Checkpoint snapshots the store into a new SQLite file at dstPath via
// SQLite's online backup (VACUUM INTO), safe to run concurrently with
// live traffic (spec §4.12 snapshot build).
func (s *Store) Checkpoint(ctx context.Context, dstPath string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO %s", quoteSQLString(dstPath))); err != nil {
		return fmt.Errorf("vectorstore: checkpoint: %w", err)
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

// scanAll returns every row in table matching the optional SQL filter
// fragment (appended after WHERE 1=1 AND ...).
func (s *Store) scanAll(ctx context.Context, table, sqlFilter string, args ...any) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tbl := tableName(table)
	q := fmt.Sprintf("SELECT id, user_id, app_id, stream_id, content, level, transaction_time, valid_time, vector FROM %q WHERE 1=1", tbl)
	if sqlFilter != "" {
		q += " AND " + sqlFilter
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		if isNoSuchTable(err) {
			return nil, ErrTableMissing
		}
		return nil, fmt.Errorf("vectorstore: scan: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRow(rows *sql.Rows) (Row, error) {
	var r Row
	var txMicros int64
	var validMicros sql.NullInt64
	var vecBytes []byte

	if err := rows.Scan(&r.ID, &r.UserID, &r.AppID, &r.StreamID, &r.Content, &r.Level, &txMicros, &validMicros, &vecBytes); err != nil {
		return Row{}, fmt.Errorf("vectorstore: scan row: %w", err)
	}

	r.TransactionTime = time.UnixMicro(txMicros).UTC()
	if validMicros.Valid {
		t := time.UnixMicro(validMicros.Int64).UTC()
		r.ValidTime = &t
	}
	vec, err := encoding.DecodeVector(vecBytes)
	if err != nil {
		return Row{}, fmt.Errorf("vectorstore: decode vector: %w", err)
	}
	r.Vector = vec

	return r, nil
}

func joinPlaceholders(p []string) string {
	out := ""
	for i, s := range p {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

func isNoSuchTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
