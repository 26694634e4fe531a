// Package graphstore implements the typed relationship graph of spec §4.5.
// Edges are rows of a single vectorstore table named "relationships" (spec:
// "graph store... vector-store-backed"), so the same SQLite/HNSW machinery
// that serves the memory-unit embeddings also serves edges, each of which
// may optionally carry a relation embedding for future semantic edge
// search. Writes are buffered in memory and drained on a size/time trigger,
// the same batched-transaction idiom the teacher uses in its graph store
// (UpsertEdgesBatch's single prepared statement inside one transaction).
package graphstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memorose/engine/pkg/logging"
	"github.com/memorose/engine/pkg/model"
	"github.com/memorose/engine/pkg/vectorstore"
)

const (
	relationshipsTable = "relationships"
	flushThreshold     = 100
	flushInterval      = 5 * time.Second
)

// edgeContent is the JSON payload stored in a relationships row's content
// column; the vectorstore row's id/user_id fields carry the columns
// graphstore needs to filter on without decoding JSON.
type edgeContent struct {
	SourceID string         `json:"source_id"`
	TargetID string         `json:"target_id"`
	Relation model.Relation `json:"relation"`
	Weight   float64        `json:"weight"`
}

// Store is the typed relationship graph.
type Store struct {
	mu     sync.Mutex
	vs     *vectorstore.Store
	logger logging.Logger

	buffer []model.GraphEdge

	stopCh chan struct{}
	doneCh chan struct{}
}

// Open wires a graph store on top of an already-open vector store, ensuring
// the relationships table exists, and starts the periodic flush loop.
func Open(ctx context.Context, vs *vectorstore.Store, logger logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if err := vs.EnsureTable(ctx, relationshipsTable, 0); err != nil {
		return nil, fmt.Errorf("graphstore: ensure table: %w", err)
	}

	s := &Store{
		vs:     vs,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the periodic flush loop and drains any remaining buffered
// edges.
func (s *Store) Close() error {
	close(s.stopCh)
	<-s.doneCh
	return s.flush(context.Background())
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.flush(context.Background()); err != nil {
				s.logger.Error("graphstore flush failed", "error", err)
			}
		case <-s.stopCh:
			return
		}
	}
}

// AddEdge buffers an edge for the next flush, triggering an immediate flush
// if the buffer has reached its size threshold.
func (s *Store) AddEdge(ctx context.Context, e model.GraphEdge) error {
	s.mu.Lock()
	s.buffer = append(s.buffer, e)
	shouldFlush := len(s.buffer) >= flushThreshold
	s.mu.Unlock()

	if shouldFlush {
		return s.flush(ctx)
	}
	return nil
}

// flush atomically drains the buffer and writes it to the underlying
// vector-store table. On failure the drained edges are reinjected into the
// buffer so no write is lost.
func (s *Store) flush(ctx context.Context) error {
	s.mu.Lock()
	drained := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if len(drained) == 0 {
		return nil
	}

	rows := make([]vectorstore.Row, 0, len(drained))
	for _, e := range drained {
		row, err := edgeToRow(e)
		if err != nil {
			s.reinject(drained)
			return fmt.Errorf("graphstore: flush encode: %w", err)
		}
		rows = append(rows, row)
	}

	if err := s.vs.Add(ctx, relationshipsTable, rows); err != nil {
		s.reinject(drained)
		return fmt.Errorf("graphstore: flush: %w", err)
	}
	return nil
}

func (s *Store) reinject(edges []model.GraphEdge) {
	s.mu.Lock()
	s.buffer = append(edges, s.buffer...)
	s.mu.Unlock()
}

// Flush forces an immediate drain of buffered edges, bypassing the
// 100-row/5-second cadence; used by callers that need read-your-writes.
func (s *Store) Flush(ctx context.Context) error {
	return s.flush(ctx)
}

func edgeToRow(e model.GraphEdge) (vectorstore.Row, error) {
	payload, err := json.Marshal(edgeContent{
		SourceID: e.SourceID,
		TargetID: e.TargetID,
		Relation: e.Relation,
		Weight:   e.Weight,
	})
	if err != nil {
		return vectorstore.Row{}, err
	}
	return vectorstore.Row{
		ID:              edgeRowID(e.UserID, e.SourceID, e.TargetID, e.Relation),
		UserID:          e.UserID,
		AppID:           "",
		StreamID:        e.SourceID,
		Content:         string(payload),
		TransactionTime: e.TransactionTime,
	}, nil
}

// edgeRowID derives a deterministic id from the edge's logical identity
// (UserID, SourceID, TargetID, Relation) so re-adding the same logical edge
// upserts in place rather than accumulating duplicate rows.
func edgeRowID(userID, sourceID, targetID string, rel model.Relation) string {
	name := fmt.Sprintf("%s|%s|%s|%s", userID, sourceID, targetID, rel)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

func rowToEdge(r vectorstore.Row) (model.GraphEdge, error) {
	var c edgeContent
	if err := json.Unmarshal([]byte(r.Content), &c); err != nil {
		return model.GraphEdge{}, err
	}
	return model.GraphEdge{
		SourceID:        c.SourceID,
		TargetID:        c.TargetID,
		UserID:          r.UserID,
		Relation:        c.Relation,
		Weight:          c.Weight,
		TransactionTime: r.TransactionTime,
	}, nil
}

// GetOutgoingEdges returns every edge from sourceID belonging to userID,
// unioning the in-memory buffer with the underlying table and deduplicating
// by (user, source, target, relation), keeping the row with the latest
// transaction time (tiebreak: higher weight).
func (s *Store) GetOutgoingEdges(ctx context.Context, userID, sourceID string) ([]model.GraphEdge, error) {
	stored, err := s.vs.ScanFiltered(ctx, relationshipsTable, "user_id = ? AND stream_id = ?", userID, sourceID)
	if err != nil && err != vectorstore.ErrTableMissing {
		return nil, fmt.Errorf("graphstore: get_outgoing_edges: %w", err)
	}

	edges, err := rowsToEdges(stored)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	buffered := append([]model.GraphEdge(nil), s.buffer...)
	s.mu.Unlock()
	for _, e := range buffered {
		if e.UserID == userID && e.SourceID == sourceID {
			edges = append(edges, e)
		}
	}

	return dedupeEdges(edges), nil
}

// GetIncomingEdges returns every edge into targetID belonging to userID,
// with the same buffer/table union and dedup rule as GetOutgoingEdges.
func (s *Store) GetIncomingEdges(ctx context.Context, userID, targetID string) ([]model.GraphEdge, error) {
	stored, err := s.vs.ScanFiltered(ctx, relationshipsTable, "user_id = ?", userID)
	if err != nil && err != vectorstore.ErrTableMissing {
		return nil, fmt.Errorf("graphstore: get_incoming_edges: %w", err)
	}

	edges, err := rowsToEdges(stored)
	if err != nil {
		return nil, err
	}

	filtered := edges[:0]
	for _, e := range edges {
		if e.TargetID == targetID {
			filtered = append(filtered, e)
		}
	}
	edges = filtered

	s.mu.Lock()
	buffered := append([]model.GraphEdge(nil), s.buffer...)
	s.mu.Unlock()
	for _, e := range buffered {
		if e.UserID == userID && e.TargetID == targetID {
			edges = append(edges, e)
		}
	}

	return dedupeEdges(edges), nil
}

// BatchGetOutgoingEdges fetches outgoing edges for every id in sourceIDs in
// a single query plus a single buffer scan, rather than one round trip per
// id.
func (s *Store) BatchGetOutgoingEdges(ctx context.Context, userID string, sourceIDs []string) (map[string][]model.GraphEdge, error) {
	return s.batchGetEdges(ctx, userID, sourceIDs, true)
}

// BatchGetIncomingEdges fetches incoming edges for every id in targetIDs in
// a single query plus a single buffer scan.
func (s *Store) BatchGetIncomingEdges(ctx context.Context, userID string, targetIDs []string) (map[string][]model.GraphEdge, error) {
	return s.batchGetEdges(ctx, userID, targetIDs, false)
}

func (s *Store) batchGetEdges(ctx context.Context, userID string, ids []string, outgoing bool) (map[string][]model.GraphEdge, error) {
	out := make(map[string][]model.GraphEdge, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}

	var stored []vectorstore.Row
	var err error
	if outgoing {
		placeholders, args := inListArgs(userID, ids)
		stored, err = s.vs.ScanFiltered(ctx, relationshipsTable,
			fmt.Sprintf("user_id = ? AND stream_id IN (%s)", placeholders), args...)
	} else {
		stored, err = s.vs.ScanFiltered(ctx, relationshipsTable, "user_id = ?", userID)
	}
	if err != nil && err != vectorstore.ErrTableMissing {
		return nil, fmt.Errorf("graphstore: batch_get_edges: %w", err)
	}

	edges, err := rowsToEdges(stored)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	buffered := append([]model.GraphEdge(nil), s.buffer...)
	s.mu.Unlock()
	edges = append(edges, buffered...)

	grouped := make(map[string][]model.GraphEdge, len(ids))
	for _, e := range edges {
		if e.UserID != userID {
			continue
		}
		var key string
		if outgoing {
			key = e.SourceID
		} else {
			key = e.TargetID
		}
		if idSet[key] {
			grouped[key] = append(grouped[key], e)
		}
	}
	for key, es := range grouped {
		out[key] = dedupeEdges(es)
	}
	return out, nil
}

func inListArgs(userID string, ids []string) (string, []any) {
	placeholders := ""
	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, id)
	}
	return placeholders, args
}

// ReinforceEdge strengthens (or creates) the RelatedTo edge between
// sourceID and targetID for userID: if present, weight becomes
// min(1, old+delta); if absent, weight becomes min(1, delta).
func (s *Store) ReinforceEdge(ctx context.Context, userID, sourceID, targetID string, delta float64) error {
	existing, err := s.findEdge(ctx, userID, sourceID, targetID, model.RelRelatedTo)
	if err != nil {
		return err
	}

	weight := delta
	if existing != nil {
		weight = existing.Weight + delta
		if err := s.deleteEdge(ctx, userID, sourceID, targetID, model.RelRelatedTo); err != nil {
			return err
		}
	}
	if weight > 1 {
		weight = 1
	}

	return s.AddEdge(ctx, model.GraphEdge{
		SourceID:        sourceID,
		TargetID:        targetID,
		UserID:          userID,
		Relation:        model.RelRelatedTo,
		Weight:          weight,
		TransactionTime: time.Now().UTC(),
	})
}

func (s *Store) findEdge(ctx context.Context, userID, sourceID, targetID string, rel model.Relation) (*model.GraphEdge, error) {
	edges, err := s.GetOutgoingEdges(ctx, userID, sourceID)
	if err != nil {
		return nil, err
	}
	for _, e := range edges {
		if e.TargetID == targetID && e.Relation == rel {
			cp := e
			return &cp, nil
		}
	}
	return nil, nil
}

// deleteEdge removes the stored row for a logical edge and purges any
// matching buffered row, so ReinforceEdge never leaves a stale copy behind
// a fresh one.
func (s *Store) deleteEdge(ctx context.Context, userID, sourceID, targetID string, rel model.Relation) error {
	id := edgeRowID(userID, sourceID, targetID, rel)
	if err := s.vs.DeleteByID(ctx, relationshipsTable, id); err != nil {
		return fmt.Errorf("graphstore: delete_edge: %w", err)
	}

	s.mu.Lock()
	kept := s.buffer[:0]
	for _, e := range s.buffer {
		if e.UserID == userID && e.SourceID == sourceID && e.TargetID == targetID && e.Relation == rel {
			continue
		}
		kept = append(kept, e)
	}
	s.buffer = kept
	s.mu.Unlock()
	return nil
}

func rowsToEdges(rows []vectorstore.Row) ([]model.GraphEdge, error) {
	out := make([]model.GraphEdge, 0, len(rows))
	for _, r := range rows {
		e, err := rowToEdge(r)
		if err != nil {
			return nil, fmt.Errorf("graphstore: decode edge row %s: %w", r.ID, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// dedupeEdges collapses duplicates sharing (user, source, target, relation)
// down to the copy with the latest transaction time, tiebreaking on the
// higher weight.
func dedupeEdges(edges []model.GraphEdge) []model.GraphEdge {
	best := make(map[string]model.GraphEdge, len(edges))
	for _, e := range edges {
		key := fmt.Sprintf("%s|%s|%s|%s", e.UserID, e.SourceID, e.TargetID, e.Relation)
		cur, ok := best[key]
		if !ok || e.TransactionTime.After(cur.TransactionTime) ||
			(e.TransactionTime.Equal(cur.TransactionTime) && e.Weight > cur.Weight) {
			best[key] = e
		}
	}

	out := make([]model.GraphEdge, 0, len(best))
	for _, e := range best {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		return out[i].TargetID < out[j].TargetID
	})
	return out
}
