package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/memorose/engine/pkg/model"
	"github.com/memorose/engine/pkg/reranker"
	"github.com/memorose/engine/pkg/textindex"
	"github.com/memorose/engine/pkg/vecmath"
	"github.com/memorose/engine/pkg/vectorstore"
)

// rrfK is reciprocal rank fusion's rank-smoothing constant (spec §4.1
// step 2, GLOSSARY: "score(id) = Σ 1/(60+rank_i(id))").
const rrfK = 60

// SearchParams bundles the hybrid-search pipeline's inputs (spec §4.1).
type SearchParams struct {
	UserID             string
	AppID              string
	QueryText          string
	QueryVec           []float32
	Limit              int
	EnableArbitration  bool
	MinScore           *float64
	GraphDepth         int
	ValidTimeRange     textindex.TimeRange
	TxTimeRange        textindex.TimeRange
}

// SearchResult is one hybrid-search hit.
type SearchResult struct {
	Unit  model.MemoryUnit
	Score float64
}

// SearchHybrid runs the full retrieval pipeline of spec §4.1: concurrent
// vector+text retrieval, reciprocal rank fusion, graph BFS expansion,
// reranking, min-score filtering, semantic deduplication, and optional
// LLM arbitration.
func (e *Engine) SearchHybrid(ctx context.Context, p SearchParams) ([]SearchResult, error) {
	if p.Limit <= 0 {
		p.Limit = 10
	}
	if p.GraphDepth <= 0 {
		p.GraphDepth = 2
	}
	minScore := e.cfg.Retrieval.DefaultMinScore
	if p.MinScore != nil {
		minScore = *p.MinScore
	}

	vecRanks, textRanks := e.retrieveRanked(ctx, p)
	fused := reciprocalRankFusion(vecRanks, textRanks)

	topIDs := topNIDs(fused, 3*p.Limit)
	units, err := e.multiGetUnits(ctx, p.UserID, topIDs)
	if err != nil {
		return nil, fmt.Errorf("engine: search_hybrid multi_get: %w", err)
	}

	scores := make(map[string]float64, len(fused))
	for id, s := range fused {
		scores[id] = s
	}

	if err := e.expandGraph(ctx, p, units, scores); err != nil {
		e.logger.Warn("graph expansion failed", "error", err)
	}

	candidates := make([]reranker.Candidate, 0, len(units))
	for id, unit := range units {
		candidates = append(candidates, reranker.Candidate{Unit: unit, BaseScore: scores[id]})
	}

	scoredList, err := e.rerank.Rerank(ctx, p.QueryText, candidates)
	if err != nil {
		return nil, fmt.Errorf("engine: search_hybrid rerank: %w", err)
	}

	filtered := make([]reranker.Scored, 0, len(scoredList))
	for _, s := range scoredList {
		if s.Score >= minScore {
			filtered = append(filtered, s)
		}
	}

	deduped := semanticDedup(filtered, e.cfg.Retrieval.SemanticDedupThreshold, p.Limit)

	scoreByID := make(map[string]float64, len(deduped))
	survivors := make([]model.MemoryUnit, len(deduped))
	for i, s := range deduped {
		survivors[i] = s.Unit
		scoreByID[s.Unit.ID] = s.Score
	}

	if p.EnableArbitration && len(deduped) >= 2 {
		if deduped[0].Score-deduped[1].Score < e.cfg.Retrieval.ArbitrationScoreGapThreshold {
			kept, err := e.arb.Arbitrate(ctx, survivors, p.QueryText)
			if err != nil {
				e.logger.Warn("arbitration failed, passing through", "error", err)
			} else {
				survivors = kept
			}
		}
	}

	out := make([]SearchResult, 0, len(survivors))
	for _, u := range survivors {
		out = append(out, SearchResult{Unit: u, Score: scoreByID[u.ID]})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, nil
}

// retrieveRanked runs vector-NN and bi-temporal text search concurrently,
// each bounded to limit*2 (spec §4.1 step 1). A missing vector table is
// treated as an empty contribution, never a failure.
func (e *Engine) retrieveRanked(ctx context.Context, p SearchParams) (vecRanks, textRanks []string) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if len(p.QueryVec) == 0 {
			return
		}
		filter := fmt.Sprintf("user_id = %s", sqlQuote(p.UserID))
		if p.AppID != "" {
			filter += fmt.Sprintf(" AND app_id = %s", sqlQuote(p.AppID))
		}
		results, err := e.vs.NearestK(ctx, MemoriesTable, p.QueryVec, p.Limit*2, filter)
		if err != nil && err != vectorstore.ErrTableMissing {
			e.logger.Warn("vector search failed", "error", err)
			return
		}
		for _, r := range results {
			vecRanks = append(vecRanks, r.ID)
		}
	}()

	go func() {
		defer wg.Done()
		if p.QueryText == "" {
			return
		}
		hits, err := e.text.SearchBitemporal(ctx, p.QueryText, p.Limit*2, p.ValidTimeRange, p.TxTimeRange, p.UserID, p.AppID)
		if err != nil {
			e.logger.Warn("text search failed", "error", err)
			return
		}
		for _, h := range hits {
			textRanks = append(textRanks, h.ID)
		}
	}()

	wg.Wait()
	return vecRanks, textRanks
}

// reciprocalRankFusion combines ranked id lists, normalizing by the
// maximum fused score so the result lies in [0,1] (spec §4.1 step 2,
// Open Question 4).
func reciprocalRankFusion(rankLists ...[]string) map[string]float64 {
	fused := make(map[string]float64)
	for _, ranks := range rankLists {
		for i, id := range ranks {
			fused[id] += 1.0 / float64(rrfK+i+1)
		}
	}

	max := 0.0
	for _, s := range fused {
		if s > max {
			max = s
		}
	}
	if max == 0 {
		return fused
	}
	for id := range fused {
		fused[id] /= max
	}
	return fused
}

func topNIDs(scores map[string]float64, n int) []string {
	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return scores[ids[i]] > scores[ids[j]] })
	if len(ids) > n {
		ids = ids[:n]
	}
	return ids
}

func (e *Engine) multiGetUnits(ctx context.Context, userID string, ids []string) (map[string]model.MemoryUnit, error) {
	out := make(map[string]model.MemoryUnit, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([][]byte, len(ids))
	for i, id := range ids {
		keys[i] = unitKey(userID, id)
	}
	rows, err := e.kv.MultiGet(ctx, keys)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		var u model.MemoryUnit
		if err := unmarshalJSON(r.Value, &u); err != nil {
			continue
		}
		out[u.ID] = u
	}
	return out, nil
}

// expandGraph performs bounded BFS from the current result set (spec
// §4.1 step 4), adding newly-discovered units into both the units map and
// the scores map with score 0.8^(d+1) * 0.8.
func (e *Engine) expandGraph(ctx context.Context, p SearchParams, units map[string]model.MemoryUnit, scores map[string]float64) error {
	frontier := make([]string, 0, len(units))
	for id := range units {
		frontier = append(frontier, id)
	}
	sort.Strings(frontier)

	visited := make(map[string]bool, len(frontier))
	for _, id := range frontier {
		visited[id] = true
	}

	totalNodes := len(visited)
	const frontierLimit = 10
	const nodeCap = 500

	for depth := 0; depth < p.GraphDepth && len(frontier) > 0 && totalNodes < nodeCap; depth++ {
		if len(frontier) > frontierLimit {
			frontier = frontier[:frontierLimit]
		}

		// Both directions are expanded in parallel (spec §4.1 step 4:
		// "neighbour fetches use batched outgoing+incoming queries in
		// parallel") since DerivedFrom/EvolvedTo/RelatedTo edges may point
		// either way relative to the frontier node. The batched,
		// cache-backed fetch and relation/weight admission are both
		// delegated to batchexec, which issues one outgoing and one
		// incoming query for the entire frontier rather than one per node.
		dual, err := e.batch.BatchDualEdges(ctx, p.UserID, frontier)
		if err != nil {
			return err
		}

		next := make([]string, 0)
		admit := func(discovered string) {
			if visited[discovered] || totalNodes >= nodeCap {
				return
			}
			visited[discovered] = true
			totalNodes++
			next = append(next, discovered)
			scores[discovered] = scoreAtDepth(depth)
		}
		for _, neighbors := range dual.Outgoing {
			for _, id := range neighbors {
				admit(id)
			}
		}
		for _, neighbors := range dual.Incoming {
			for _, id := range neighbors {
				admit(id)
			}
		}
		frontier = next
	}

	newIDs := make([]string, 0)
	for id := range visited {
		if _, already := units[id]; !already {
			newIDs = append(newIDs, id)
		}
	}
	if len(newIDs) == 0 {
		return nil
	}

	fetched, err := e.multiGetUnits(ctx, p.UserID, newIDs)
	if err != nil {
		return err
	}
	for id, u := range fetched {
		units[id] = u
	}
	return nil
}

func scoreAtDepth(depth int) float64 {
	score := 0.8
	for i := 0; i <= depth; i++ {
		score *= 0.8
	}
	return score
}

// semanticDedup caps the candidate list to max(4*limit,20) then linearly
// scans, dropping any unit whose embedding has cosine similarity above
// threshold with an already-kept unit (spec §4.1 step 7).
func semanticDedup(scored []reranker.Scored, threshold float64, limit int) []reranker.Scored {
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	keepCap := 4 * limit
	if keepCap < 20 {
		keepCap = 20
	}
	if len(scored) > keepCap {
		scored = scored[:keepCap]
	}

	kept := make([]reranker.Scored, 0, len(scored))
	for _, s := range scored {
		dup := false
		for _, k := range kept {
			if len(s.Unit.Embedding) == 0 || len(k.Unit.Embedding) == 0 {
				continue
			}
			if vecmath.Cosine(s.Unit.Embedding, k.Unit.Embedding) > threshold {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, s)
		}
	}
	return kept
}

// SearchText restricts search_hybrid to the text retriever only.
func (e *Engine) SearchText(ctx context.Context, p SearchParams) ([]SearchResult, error) {
	p.QueryVec = nil
	return e.SearchHybrid(ctx, p)
}

// SearchSimilar restricts search_hybrid to the vector retriever only.
func (e *Engine) SearchSimilar(ctx context.Context, p SearchParams) ([]SearchResult, error) {
	p.QueryText = ""
	return e.SearchHybrid(ctx, p)
}

// SearchProcedural restricts results to MemoryProcedural units.
func (e *Engine) SearchProcedural(ctx context.Context, p SearchParams) ([]SearchResult, error) {
	results, err := e.SearchHybrid(ctx, p)
	if err != nil {
		return nil, err
	}
	return filterByMemoryType(results, model.MemoryProcedural), nil
}

// SearchConsolidated restricts results to level-1 (consolidated) units.
func (e *Engine) SearchConsolidated(ctx context.Context, p SearchParams) ([]SearchResult, error) {
	results, err := e.SearchHybrid(ctx, p)
	if err != nil {
		return nil, err
	}
	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		if r.Unit.Level == model.LevelConsolidated {
			out = append(out, r)
		}
	}
	return out, nil
}

func filterByMemoryType(results []SearchResult, t model.MemoryType) []SearchResult {
	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		if r.Unit.MemoryType == t {
			out = append(out, r)
		}
	}
	return out
}
