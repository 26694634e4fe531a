package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/memorose/engine/pkg/arbitrator"
	"github.com/memorose/engine/pkg/batchexec"
	"github.com/memorose/engine/pkg/config"
	"github.com/memorose/engine/pkg/graphstore"
	"github.com/memorose/engine/pkg/kvstore"
	"github.com/memorose/engine/pkg/model"
	"github.com/memorose/engine/pkg/querycache"
	"github.com/memorose/engine/pkg/reranker"
	"github.com/memorose/engine/pkg/textindex"
	"github.com/memorose/engine/pkg/vectorstore"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()

	kv, err := kvstore.Open(filepath.Join(dir, "kv.db"), nil)
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	vs, err := vectorstore.Open(filepath.Join(dir, "vec.db"), nil)
	if err != nil {
		t.Fatalf("open vectorstore: %v", err)
	}
	t.Cleanup(func() { vs.Close() })
	if err := vs.EnsureTable(context.Background(), MemoriesTable, 4); err != nil {
		t.Fatalf("ensure table: %v", err)
	}

	text, err := textindex.Open(filepath.Join(dir, "text.db"), 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("open textindex: %v", err)
	}
	t.Cleanup(func() { text.Close() })

	graph, err := graphstore.Open(context.Background(), vs, nil)
	if err != nil {
		t.Fatalf("open graphstore: %v", err)
	}
	t.Cleanup(func() { graph.Close() })

	cache := querycache.New()
	batch := batchexec.New(graph, cache)
	rerank := reranker.NewWeighted(kv)
	arb := arbitrator.New(nil)

	cfg := config.Default()
	return New(cfg, kv, vs, text, graph, cache, batch, rerank, arb, nil, nil)
}

func TestIngestEventRejectsEmptyContent(t *testing.T) {
	e := newTestEngine(t)
	ev := model.Event{ID: "e1", UserID: "alice", AppID: "demo", StreamID: "s1", Content: model.EventContent{Type: model.ContentText}}
	if err := e.IngestEvent(context.Background(), ev); err == nil {
		t.Fatalf("expected rejection of empty content")
	}
}

func TestIngestEventWritesPendingMarker(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	ev := model.Event{ID: "e1", UserID: "alice", AppID: "demo", StreamID: "s1",
		Content: model.EventContent{Type: model.ContentText, Text: "hello"}}

	if err := e.IngestEvent(ctx, ev); err != nil {
		t.Fatalf("ingest_event: %v", err)
	}

	if _, err := e.kv.Get(ctx, pendingKey("e1")); err != nil {
		t.Fatalf("expected pending marker, got error: %v", err)
	}
	if _, err := e.kv.Get(ctx, eventKey("alice", "e1")); err != nil {
		t.Fatalf("expected event body, got error: %v", err)
	}
}

func TestStoreMemoryUnitSearchRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	unit := model.MemoryUnit{
		ID: "u1", UserID: "alice", AppID: "demo", StreamID: "s1",
		Content: "I like coding in Rust", Level: model.LevelConsolidated,
		MemoryType: model.MemoryFactual, Importance: 0.5,
	}
	if err := e.StoreMemoryUnit(ctx, unit); err != nil {
		t.Fatalf("store_memory_unit: %v", err)
	}
	if err := e.text.Flush(ctx); err != nil {
		t.Fatalf("flush text index: %v", err)
	}

	results, err := e.SearchHybrid(ctx, SearchParams{UserID: "alice", AppID: "demo", QueryText: "Rust", Limit: 5})
	if err != nil {
		t.Fatalf("search_hybrid: %v", err)
	}
	if len(results) == 0 {
		t.Fatalf("expected at least one result")
	}
	if results[0].Unit.Content != unit.Content {
		t.Fatalf("expected top result to be the stored unit, got %+v", results[0])
	}
}

func TestUserIsolationInTextSearch(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	unitA := model.MemoryUnit{ID: "a1", UserID: "alice", AppID: "app1", StreamID: "s1",
		Content: "Secret of user A", Level: model.LevelConsolidated, MemoryType: model.MemoryFactual}
	unitB := model.MemoryUnit{ID: "b1", UserID: "bob", AppID: "app1", StreamID: "s1",
		Content: "Secret of user B", Level: model.LevelConsolidated, MemoryType: model.MemoryFactual}

	if err := e.StoreMemoryUnits(ctx, []model.MemoryUnit{unitA, unitB}); err != nil {
		t.Fatalf("store_memory_units: %v", err)
	}
	if err := e.text.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	results, err := e.SearchHybrid(ctx, SearchParams{UserID: "alice", AppID: "app1", QueryText: "Secret", Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].Unit.UserID != "alice" {
		t.Fatalf("expected exactly one alice result, got %+v", results)
	}
}

func TestAutoLinkCreatesRelatedToEdge(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	a := model.MemoryUnit{ID: "a", UserID: "alice", AppID: "demo", StreamID: "s1",
		Content: "first", Level: model.LevelConsolidated, MemoryType: model.MemoryFactual,
		Embedding: []float32{1, 0, 0, 0},
	}
	if err := e.StoreMemoryUnit(ctx, a); err != nil {
		t.Fatalf("store a: %v", err)
	}

	b := model.MemoryUnit{ID: "b", UserID: "alice", AppID: "demo", StreamID: "s1",
		Content: "second", Level: model.LevelConsolidated, MemoryType: model.MemoryFactual,
		Embedding: []float32{0.99, 0, 0, 0},
	}
	if err := e.StoreMemoryUnit(ctx, b); err != nil {
		t.Fatalf("store b: %v", err)
	}

	edges, err := e.graph.GetOutgoingEdges(ctx, "alice", "b")
	if err != nil {
		t.Fatalf("get_outgoing_edges: %v", err)
	}
	found := false
	for _, edge := range edges {
		if edge.TargetID == "a" && edge.Relation == model.RelRelatedTo {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected auto-link edge b->a, got %+v", edges)
	}
}

func TestApplyRerankerFeedbackReinforcesCitedPairs(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	if err := e.ApplyRerankerFeedback(ctx, "alice", []string{"u1", "u2"}, []string{"u1", "u2", "u3"}); err != nil {
		t.Fatalf("apply_reranker_feedback: %v", err)
	}

	edges, err := e.graph.GetOutgoingEdges(ctx, "alice", "u1")
	if err != nil {
		t.Fatalf("get_outgoing_edges: %v", err)
	}
	found := false
	for _, edge := range edges {
		if edge.TargetID == "u2" && edge.Relation == model.RelRelatedTo {
			if edge.Weight < 0.099 || edge.Weight > 0.101 {
				t.Fatalf("expected weight ~0.1, got %f", edge.Weight)
			}
			found = true
		}
	}
	if !found {
		t.Fatalf("expected reinforced edge u1->u2")
	}
}

func TestDecayImportanceAndPrune(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	unit := model.MemoryUnit{ID: "u1", UserID: "alice", AppID: "demo", StreamID: "s1",
		Content: "fading", Level: model.LevelConsolidated, MemoryType: model.MemoryFactual, Importance: 1.0}
	if err := e.StoreMemoryUnit(ctx, unit); err != nil {
		t.Fatalf("store: %v", err)
	}

	if err := e.DecayImportance(ctx, "alice", 0.1); err != nil {
		t.Fatalf("decay: %v", err)
	}
	raw, err := e.kv.Get(ctx, unitKey("alice", "u1"))
	if err != nil {
		t.Fatalf("get after decay: %v", err)
	}
	var decayed model.MemoryUnit
	if err := unmarshalJSON(raw, &decayed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decayed.Importance >= 0.2 {
		t.Fatalf("expected importance to decay below 0.2, got %f", decayed.Importance)
	}

	if err := e.PruneMemories(ctx, "alice", 0.5); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if _, err := e.kv.Get(ctx, unitKey("alice", "u1")); err != kvstore.ErrNotFound {
		t.Fatalf("expected unit pruned, got err=%v", err)
	}
}
