package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/memorose/engine/pkg/arbitrator"
	"github.com/memorose/engine/pkg/batchexec"
	"github.com/memorose/engine/pkg/config"
	"github.com/memorose/engine/pkg/engine"
	"github.com/memorose/engine/pkg/graphstore"
	"github.com/memorose/engine/pkg/kvstore"
	"github.com/memorose/engine/pkg/llmcap"
	"github.com/memorose/engine/pkg/model"
	"github.com/memorose/engine/pkg/querycache"
	"github.com/memorose/engine/pkg/reranker"
	"github.com/memorose/engine/pkg/textindex"
	"github.com/memorose/engine/pkg/vectorstore"
)

func newTestEngine(t *testing.T) *engine.Engine {
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
	if err := vs.EnsureTable(context.Background(), engine.MemoriesTable, 4); err != nil {
		t.Fatalf("ensure table: %v", err)
	}

	text, err := textindex.Open(filepath.Join(dir, "text.db"), 20*time.Millisecond, nil)
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
	return engine.New(cfg, kv, vs, text, graph, cache, batch, rerank, arb, nil, nil)
}

func TestConsolidationCycleStoresUnitAndClearsPending(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	ev := model.Event{
		ID: "ev1", UserID: "alice", AppID: "demo", StreamID: "s1",
		Content: model.EventContent{Type: model.ContentText, Text: "remembered this"},
	}
	if err := eng.IngestEvent(ctx, ev); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	cfg := config.Default()
	w := New(eng, nil, cfg, nil, nil)

	if err := w.runConsolidationCycle(ctx); err != nil {
		t.Fatalf("consolidation cycle: %v", err)
	}

	pending, err := eng.FetchPendingEvents(ctx, 10)
	if err != nil {
		t.Fatalf("fetch_pending_events: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending events after consolidation, got %+v", pending)
	}
}

func TestConsolidationCycleMarksExhaustedRetriesFailed(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	ev := model.Event{
		ID: "ev1", UserID: "alice", AppID: "demo", StreamID: "s1",
		Content: model.EventContent{Type: model.ContentText, Text: "x"},
	}
	if err := eng.IngestEvent(ctx, ev); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := eng.IncrementRetryCountIfPending(ctx, "ev1"); err != nil {
			t.Fatalf("increment retry: %v", err)
		}
	}

	cfg := config.Default()
	w := New(eng, nil, cfg, nil, nil)
	if err := w.runConsolidationCycle(ctx); err != nil {
		t.Fatalf("consolidation cycle: %v", err)
	}

	pending, err := eng.FetchPendingEvents(ctx, 10)
	if err != nil {
		t.Fatalf("fetch_pending_events: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected event to leave the pending queue once failed, got %+v", pending)
	}
}

func TestConsolidationUsesLLMCompressionWhenAvailable(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	ev := model.Event{
		ID: "ev1", UserID: "alice", AppID: "demo", StreamID: "s1",
		Content: model.EventContent{Type: model.ContentText, Text: "long raw text"},
	}
	if err := eng.IngestEvent(ctx, ev); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	mock := &llmcap.MockClient{
		CompleteFn: func(ctx context.Context, systemPrompt, prompt string) (string, error) {
			return "compressed summary", nil
		},
		EmbedFn: func(ctx context.Context, text string) ([]float32, error) {
			return []float32{0.1, 0.2, 0.3, 0.4}, nil
		},
	}

	cfg := config.Default()
	w := New(eng, mock, cfg, nil, nil)
	if err := w.runConsolidationCycle(ctx); err != nil {
		t.Fatalf("consolidation cycle: %v", err)
	}
	if err := eng.FlushIndexes(ctx); err != nil {
		t.Fatalf("flush_indexes: %v", err)
	}

	results, err := eng.SearchText(ctx, engine.SearchParams{UserID: "alice", AppID: "demo", QueryText: "compressed", Limit: 5})
	if err != nil {
		t.Fatalf("search_text: %v", err)
	}
	found := false
	for _, r := range results {
		if r.Unit.Content == "compressed summary" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the consolidated unit to carry the LLM-compressed content, got %+v", results)
	}
}

func TestDecayCycleSkipsUsersWithNoActiveMarker(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	cfg := config.Default()
	w := New(eng, nil, cfg, nil, nil)

	if err := w.runDecayCycle(ctx); err != nil {
		t.Fatalf("decay cycle with no active users should be a no-op: %v", err)
	}
}

func TestTickSkipsWhenNotLeader(t *testing.T) {
	eng := newTestEngine(t)
	cfg := config.Default()
	calls := 0
	w := New(eng, nil, cfg, func() bool { calls++; return false }, nil)

	w.tick(context.Background())
	if calls != 1 {
		t.Fatalf("expected the leadership check to run exactly once, got %d", calls)
	}
}
