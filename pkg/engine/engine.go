// Package engine implements the Memory Engine orchestrator of spec §4.1:
// it composes the KV store, vector store, text index, graph store, query
// cache, batch executor, reranker, and arbitrator into the public
// ingest/store/search/forgetting/community contract. It generalizes the
// teacher's pkg/memory orchestration (which wires together sqvect's
// vector store, hooks, and reranker behind one VectorDB facade) to a
// multi-store, multi-tenant composition.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memorose/engine/pkg/apperr"
	"github.com/memorose/engine/pkg/arbitrator"
	"github.com/memorose/engine/pkg/batchexec"
	"github.com/memorose/engine/pkg/community"
	"github.com/memorose/engine/pkg/config"
	"github.com/memorose/engine/pkg/graphstore"
	"github.com/memorose/engine/pkg/kvstore"
	"github.com/memorose/engine/pkg/llmcap"
	"github.com/memorose/engine/pkg/logging"
	"github.com/memorose/engine/pkg/model"
	"github.com/memorose/engine/pkg/querycache"
	"github.com/memorose/engine/pkg/reranker"
	"github.com/memorose/engine/pkg/textindex"
	"github.com/memorose/engine/pkg/vectorstore"
)

// MemoriesTable is the vectorstore/text-index table name for MemoryUnits
// (spec §6.3: "lancedb/ ... containing memories and relationships tables").
const MemoriesTable = "memories"

// Engine composes every store and capability behind the public contract
// of spec §4.1. All stores are internally synchronized and may be shared
// freely; the engine itself holds no global mutable state besides the
// per-parent task locks.
type Engine struct {
	cfg config.AppConfig

	kv    *kvstore.Store
	vs    *vectorstore.Store
	text  *textindex.Index
	graph *graphstore.Store
	cache *querycache.Cache
	batch *batchexec.Executor

	rerank reranker.Reranker
	arb    *arbitrator.Arbitrator
	llm    llmcap.Client

	logger logging.Logger

	taskLocksMu sync.Mutex
	taskLocks   map[string]*sync.Mutex
}

// New wires an Engine over already-open stores and capabilities. rerank,
// arb, and llm may be the spec's default implementations; llm may be nil.
func New(cfg config.AppConfig, kv *kvstore.Store, vs *vectorstore.Store, text *textindex.Index,
	graph *graphstore.Store, cache *querycache.Cache, batch *batchexec.Executor,
	rerank reranker.Reranker, arb *arbitrator.Arbitrator, llm llmcap.Client, logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Engine{
		cfg: cfg, kv: kv, vs: vs, text: text, graph: graph, cache: cache, batch: batch,
		rerank: rerank, arb: arb, llm: llm, logger: logger,
		taskLocks: make(map[string]*sync.Mutex),
	}
}

func (e *Engine) taskLock(parentID string) *sync.Mutex {
	e.taskLocksMu.Lock()
	defer e.taskLocksMu.Unlock()
	m, ok := e.taskLocks[parentID]
	if !ok {
		m = &sync.Mutex{}
		e.taskLocks[parentID] = m
	}
	return m
}

// IngestEvent validates and writes a raw event (spec §4.1). Idempotent on
// identical ids.
func (e *Engine) IngestEvent(ctx context.Context, ev model.Event) error {
	if ev.Content.IsEmpty() {
		return apperr.Wrap("ingest_event", apperr.ErrRejectedInput, fmt.Errorf("empty content for event %s", ev.ID))
	}

	body, err := marshalJSON(ev)
	if err != nil {
		return apperr.Wrap("ingest_event", apperr.ErrStorePersistent, err)
	}
	if err := e.kv.Put(ctx, eventKey(ev.UserID, ev.ID), body); err != nil {
		return apperr.Wrap("ingest_event", apperr.ErrStorePersistent, err)
	}

	marker, err := marshalJSON(model.PendingMarker{UserID: ev.UserID, AppID: ev.AppID})
	if err != nil {
		return apperr.Wrap("ingest_event", apperr.ErrStorePersistent, err)
	}
	if err := e.kv.Put(ctx, pendingKey(ev.ID), marker); err != nil {
		return apperr.Wrap("ingest_event", apperr.ErrStorePersistent, err)
	}

	if err := e.kv.Put(ctx, activeUserKey(ev.UserID), []byte("1")); err != nil {
		return apperr.Wrap("ingest_event", apperr.ErrStorePersistent, err)
	}
	return nil
}

// StoreMemoryUnits atomically writes each unit's KV row, secondary
// indices, vector/text entries, then spawns auto-link and semantic-link
// for every unit in parallel (spec §4.1).
func (e *Engine) StoreMemoryUnits(ctx context.Context, units []model.MemoryUnit) error {
	for i := range units {
		if err := e.storeOne(ctx, &units[i]); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	for i := range units {
		unit := units[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.postStoreLinks(ctx, unit)
		}()
	}
	wg.Wait()

	touched := make(map[string]bool)
	for _, u := range units {
		touched[u.UserID] = true
	}
	for user := range touched {
		if err := e.kv.Put(ctx, needsReflectKey(user), []byte("1")); err != nil {
			e.logger.Warn("failed to set needs_reflect marker", "user", user, "error", err)
		}
	}

	return nil
}

// StoreMemoryUnit stores a single unit; see StoreMemoryUnits.
func (e *Engine) StoreMemoryUnit(ctx context.Context, unit model.MemoryUnit) error {
	return e.StoreMemoryUnits(ctx, []model.MemoryUnit{unit})
}

func (e *Engine) storeOne(ctx context.Context, unit *model.MemoryUnit) error {
	if unit.ID == "" {
		unit.ID = uuid.NewString()
	}
	if unit.TransactionTime.IsZero() {
		unit.TransactionTime = time.Now().UTC()
	}
	if unit.LastAccessed.IsZero() {
		unit.LastAccessed = unit.TransactionTime
	}

	body, err := marshalJSON(*unit)
	if err != nil {
		return apperr.Wrap("store_memory_unit", apperr.ErrStorePersistent, err)
	}
	if err := e.kv.Put(ctx, unitKey(unit.UserID, unit.ID), body); err != nil {
		return apperr.Wrap("store_memory_unit", apperr.ErrStorePersistent, err)
	}
	if err := e.kv.Put(ctx, idxUnitKey(unit.ID), []byte(unit.UserID)); err != nil {
		return apperr.Wrap("store_memory_unit", apperr.ErrStorePersistent, err)
	}

	if unit.Level == model.LevelConsolidated {
		if err := e.kv.Put(ctx, l1IdxKey(unit.UserID, unit.ID), encodeMicros(unit.TransactionTime.UnixMicro())); err != nil {
			return apperr.Wrap("store_memory_unit", apperr.ErrStorePersistent, err)
		}
		if err := e.bumpL1Count(ctx, unit.UserID); err != nil {
			e.logger.Warn("failed to bump l1_count", "user", unit.UserID, "error", err)
		}
	}

	if err := e.vs.EnsureTable(ctx, MemoriesTable, e.cfg.LLM.EmbeddingDim); err != nil {
		return apperr.Wrap("store_memory_unit", apperr.ErrStorePersistent, err)
	}
	if err := e.vs.Add(ctx, MemoriesTable, []vectorstore.Row{unitToRow(*unit)}); err != nil {
		return apperr.Wrap("store_memory_unit", apperr.ErrStorePersistent, err)
	}

	e.text.Add(unitToDoc(*unit))

	if unit.Level >= model.LevelInsight && len(unit.References) > 0 {
		for _, ref := range unit.References {
			edge := model.GraphEdge{
				SourceID: unit.ID, TargetID: ref, UserID: unit.UserID,
				Relation: model.RelDerivedFrom, Weight: 1.0, TransactionTime: unit.TransactionTime,
			}
			if err := e.graph.AddEdge(ctx, edge); err != nil {
				e.logger.Warn("failed to add DerivedFrom edge", "unit", unit.ID, "ref", ref, "error", err)
			}
		}
	}

	e.cache.InvalidateUser(unit.UserID)
	return nil
}

func (e *Engine) bumpL1Count(ctx context.Context, userID string) error {
	key := l1CountKey(userID)
	raw, err := e.kv.Get(ctx, key)
	var count uint32
	if err == nil {
		count = decodeUint32(raw)
	} else if err != kvstore.ErrNotFound {
		return err
	}
	return e.kv.Put(ctx, key, encodeUint32(count+1))
}

// postStoreLinks runs auto-link (vector-neighbour RelatedTo edges) and
// semantic-link (Arbitrator-inferred relation typing against recent L1
// units). Failures are logged and skipped per spec §4.1 failure semantics.
func (e *Engine) postStoreLinks(ctx context.Context, unit model.MemoryUnit) {
	if len(unit.Embedding) == 0 {
		return
	}
	if err := e.autoLink(ctx, unit); err != nil {
		e.logger.Warn("auto_link failed", "unit", unit.ID, "error", err)
	}
	if err := e.semanticLink(ctx, unit); err != nil {
		e.logger.Warn("semantic_link failed", "unit", unit.ID, "error", err)
	}
}

func (e *Engine) autoLink(ctx context.Context, unit model.MemoryUnit) error {
	filter := fmt.Sprintf("user_id = %s", sqlQuote(unit.UserID))
	results, err := e.vs.NearestK(ctx, MemoriesTable, unit.Embedding, 11, filter)
	if err != nil && err != vectorstore.ErrTableMissing {
		return err
	}

	any := false
	for _, r := range results {
		if r.ID == unit.ID {
			continue
		}
		if r.Similarity <= e.cfg.Retrieval.AutoLinkSimilarityThreshold {
			continue
		}
		edge := model.GraphEdge{
			SourceID: unit.ID, TargetID: r.ID, UserID: unit.UserID,
			Relation: model.RelRelatedTo, Weight: r.Similarity, TransactionTime: time.Now().UTC(),
		}
		if err := e.graph.AddEdge(ctx, edge); err != nil {
			return err
		}
		any = true
	}
	if any {
		if err := e.kv.Put(ctx, needsCommunityKey(unit.UserID), []byte("1")); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) semanticLink(ctx context.Context, unit model.MemoryUnit) error {
	recent, err := e.fetchRecentL1Units(ctx, unit.UserID, 5)
	if err != nil {
		return err
	}
	context := make([]model.MemoryUnit, 0, len(recent))
	for _, u := range recent {
		if u.ID != unit.ID {
			context = append(context, u)
		}
	}
	if len(context) == 0 {
		return nil
	}

	edges, err := e.arb.AnalyzeRelations(ctx, unit, context)
	if err != nil {
		return err
	}
	for _, edge := range edges {
		if err := e.graph.AddEdge(ctx, edge); err != nil {
			return err
		}
	}
	return nil
}

// fetchRecentL1Units returns up to limit of the user's level-1 units,
// most recent first, via the l1_idx secondary index.
func (e *Engine) fetchRecentL1Units(ctx context.Context, userID string, limit int) ([]model.MemoryUnit, error) {
	rows, err := e.kv.Scan(ctx, l1IdxPrefix(userID))
	if err != nil {
		return nil, err
	}

	type idTime struct {
		id    string
		micros int64
	}
	ids := make([]idTime, 0, len(rows))
	prefix := l1IdxPrefix(userID)
	for _, r := range rows {
		ids = append(ids, idTime{id: string(r.Key[len(prefix):]), micros: decodeMicros(r.Value)})
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].micros > ids[j].micros })
	if len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]model.MemoryUnit, 0, len(ids))
	for _, it := range ids {
		raw, err := e.kv.Get(ctx, unitKey(userID, it.id))
		if err == kvstore.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		var u model.MemoryUnit
		if err := unmarshalJSON(raw, &u); err != nil {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

// DecayImportance multiplies every unit's importance by factor for the
// given user (spec §4.11 cycle 1).
func (e *Engine) DecayImportance(ctx context.Context, userID string, factor float64) error {
	prefix := []byte(fmt.Sprintf("u:%s:unit:", userID))
	rows, err := e.kv.Scan(ctx, prefix)
	if err != nil {
		return apperr.Wrap("decay_importance", apperr.ErrStorePersistent, err)
	}

	for _, r := range rows {
		var unit model.MemoryUnit
		if err := unmarshalJSON(r.Value, &unit); err != nil {
			continue
		}
		unit.Importance *= factor
		if unit.Importance < 0 {
			unit.Importance = 0
		}
		body, err := marshalJSON(unit)
		if err != nil {
			continue
		}
		if err := e.kv.Put(ctx, r.Key, body); err != nil {
			return apperr.Wrap("decay_importance", apperr.ErrStorePersistent, err)
		}
	}
	return nil
}

// PruneMemories removes every unit whose importance is below threshold
// from KV, the vector store, the text index, and the L1 secondary index.
func (e *Engine) PruneMemories(ctx context.Context, userID string, threshold float64) error {
	prefix := []byte(fmt.Sprintf("u:%s:unit:", userID))
	rows, err := e.kv.Scan(ctx, prefix)
	if err != nil {
		return apperr.Wrap("prune_memories", apperr.ErrStorePersistent, err)
	}

	for _, r := range rows {
		var unit model.MemoryUnit
		if err := unmarshalJSON(r.Value, &unit); err != nil {
			continue
		}
		if unit.Importance >= threshold {
			continue
		}

		if err := e.kv.Delete(ctx, r.Key); err != nil {
			return apperr.Wrap("prune_memories", apperr.ErrStorePersistent, err)
		}
		_ = e.kv.Delete(ctx, idxUnitKey(unit.ID))
		if unit.Level == model.LevelConsolidated {
			_ = e.kv.Delete(ctx, l1IdxKey(userID, unit.ID))
		}
		if err := e.vs.DeleteByID(ctx, MemoriesTable, unit.ID); err != nil {
			e.logger.Warn("failed to delete pruned unit from vector store", "unit", unit.ID, "error", err)
		}
		if err := e.text.Delete(ctx, unit.ID); err != nil {
			e.logger.Warn("failed to delete pruned unit from text index", "unit", unit.ID, "error", err)
		}
	}

	e.cache.InvalidateUser(userID)
	return nil
}

// ApplyRerankerFeedback updates reranker weights from which ids were cited
// versus merely retrieved, and (spec §4.1) if at least two ids were cited,
// reinforces all pairwise edges between them symmetrically by +0.1.
func (e *Engine) ApplyRerankerFeedback(ctx context.Context, userID string, citedIDs, retrievedIDs []string) error {
	if err := e.rerank.ApplyFeedback(ctx, citedIDs, retrievedIDs); err != nil {
		e.logger.Warn("apply_feedback failed", "error", err)
	}

	if len(citedIDs) < 2 {
		return nil
	}
	for i := 0; i < len(citedIDs); i++ {
		for j := 0; j < len(citedIDs); j++ {
			if i == j {
				continue
			}
			if err := e.graph.ReinforceEdge(ctx, userID, citedIDs[i], citedIDs[j], 0.1); err != nil {
				e.logger.Warn("reinforce_edge failed", "source", citedIDs[i], "target", citedIDs[j], "error", err)
			}
		}
	}
	e.cache.InvalidateUser(userID)
	return nil
}

// ApplyGraphEdge adds a single graph edge directly, bypassing auto-link
// and semantic-link inference. Used by the Raft state machine to apply a
// replicated UpdateGraph log entry (spec §4.12).
func (e *Engine) ApplyGraphEdge(ctx context.Context, edge model.GraphEdge) error {
	if err := e.graph.AddEdge(ctx, edge); err != nil {
		return apperr.Wrap("apply_graph_edge", apperr.ErrStorePersistent, err)
	}
	e.cache.InvalidateUser(edge.UserID)
	return nil
}

// Checkpoint flushes and snapshots every backing store into dir, writing
// kv.db, vectors.db, and text.db. Used by the Raft FSM to build a
// consistent point-in-time snapshot (spec §4.12).
func (e *Engine) Checkpoint(ctx context.Context, dir string) error {
	if err := e.graph.Flush(ctx); err != nil {
		return apperr.Wrap("checkpoint", apperr.ErrStorePersistent, err)
	}
	if err := e.text.Flush(ctx); err != nil {
		return apperr.Wrap("checkpoint", apperr.ErrStorePersistent, err)
	}
	if err := e.kv.Checkpoint(ctx, dir+"/kv.db"); err != nil {
		return apperr.Wrap("checkpoint", apperr.ErrStorePersistent, err)
	}
	if err := e.vs.Checkpoint(ctx, dir+"/vectors.db"); err != nil {
		return apperr.Wrap("checkpoint", apperr.ErrStorePersistent, err)
	}
	if err := e.text.Checkpoint(ctx, dir+"/text.db"); err != nil {
		return apperr.Wrap("checkpoint", apperr.ErrStorePersistent, err)
	}
	return nil
}

func sqlQuote(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '\'')
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\'')
		} else {
			out = append(out, s[i])
		}
	}
	out = append(out, '\'')
	return string(out)
}
