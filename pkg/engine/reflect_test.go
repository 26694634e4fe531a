package engine

import (
	"context"
	"testing"

	"github.com/memorose/engine/pkg/arbitrator"
	"github.com/memorose/engine/pkg/llmcap"
	"github.com/memorose/engine/pkg/model"
)

func TestReflectOnSessionDegradesToEmptyWithoutLLM(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	unit := model.MemoryUnit{ID: "u1", UserID: "alice", AppID: "demo", StreamID: "s1",
		Content: "note", Level: model.LevelConsolidated, MemoryType: model.MemoryFactual}
	if err := e.StoreMemoryUnit(ctx, unit); err != nil {
		t.Fatalf("store: %v", err)
	}

	if err := e.ReflectOnSession(ctx, "alice", "s1"); err != nil {
		t.Fatalf("reflect_on_session: %v", err)
	}
	// No LLM configured: ExtractTopics degrades to empty, nothing stored.
}

func TestReflectOnSessionStoresExtractedTopics(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.arb = arbitrator.New(&llmcap.MockClient{
		CompleteFn: func(ctx context.Context, systemPrompt, prompt string) (string, error) {
			return `[{"content":"topic summary","reference_ids":["u1"]}]`, nil
		},
	})

	unit := model.MemoryUnit{ID: "u1", UserID: "alice", AppID: "demo", StreamID: "s1",
		Content: "note about Go", Level: model.LevelConsolidated, MemoryType: model.MemoryFactual}
	if err := e.StoreMemoryUnit(ctx, unit); err != nil {
		t.Fatalf("store: %v", err)
	}

	if err := e.ReflectOnSession(ctx, "alice", "s1"); err != nil {
		t.Fatalf("reflect_on_session: %v", err)
	}

	rows, err := e.kv.Scan(ctx, []byte("u:alice:unit:"))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	foundTopic := false
	for _, r := range rows {
		var u model.MemoryUnit
		if err := unmarshalJSON(r.Value, &u); err != nil {
			continue
		}
		if u.Level == model.LevelInsight && u.Content == "topic summary" {
			foundTopic = true
		}
	}
	if !foundTopic {
		t.Fatalf("expected extracted topic unit to be stored")
	}
}
