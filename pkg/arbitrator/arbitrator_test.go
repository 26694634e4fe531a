package arbitrator

import (
	"context"
	"testing"

	"github.com/memorose/engine/pkg/llmcap"
	"github.com/memorose/engine/pkg/model"
)

func TestArbitrateDegradesToIdentityWithoutLLM(t *testing.T) {
	a := New(nil)
	memories := []model.MemoryUnit{{ID: "1", Content: "a"}, {ID: "2", Content: "b"}}

	out, err := a.Arbitrate(context.Background(), memories, "query")
	if err != nil {
		t.Fatalf("arbitrate: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected identity fallback, got %+v", out)
	}
}

func TestArbitrateFiltersByLLMResponse(t *testing.T) {
	llm := &llmcap.MockClient{
		CompleteFn: func(ctx context.Context, systemPrompt, prompt string) (string, error) {
			return "1", nil
		},
	}
	a := New(llm)
	memories := []model.MemoryUnit{{ID: "1", Content: "a"}, {ID: "2", Content: "b"}}

	out, err := a.Arbitrate(context.Background(), memories, "query")
	if err != nil {
		t.Fatalf("arbitrate: %v", err)
	}
	if len(out) != 1 || out[0].ID != "1" {
		t.Fatalf("expected only id 1 kept, got %+v", out)
	}
}

func TestConsolidateDegradesToConcat(t *testing.T) {
	a := New(nil)
	memories := []model.MemoryUnit{{Content: "first"}, {Content: "second"}}

	out, err := a.Consolidate(context.Background(), memories)
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if out == "" {
		t.Fatalf("expected non-empty concatenated fallback")
	}
}

func TestExtractTopicsDegradesToEmpty(t *testing.T) {
	a := New(nil)
	out, err := a.ExtractTopics(context.Background(), "u", "app", "stream", []model.MemoryUnit{{Content: "x"}})
	if err != nil {
		t.Fatalf("extract_topics: %v", err)
	}
	if out != nil {
		t.Fatalf("expected empty fallback, got %+v", out)
	}
}

func TestAnalyzeRelationsFiltersInvalidRelation(t *testing.T) {
	llm := &llmcap.MockClient{
		CompleteFn: func(ctx context.Context, systemPrompt, prompt string) (string, error) {
			return `[{"target_id":"c1","relation":"RelatedTo","weight":0.5},{"target_id":"c2","relation":"Bogus","weight":0.9}]`, nil
		},
	}
	a := New(llm)
	edges, err := a.AnalyzeRelations(context.Background(),
		model.MemoryUnit{ID: "new", UserID: "u1", Content: "x"},
		[]model.MemoryUnit{{ID: "c1", Content: "y"}, {ID: "c2", Content: "z"}})
	if err != nil {
		t.Fatalf("analyze_relations: %v", err)
	}
	if len(edges) != 1 || edges[0].TargetID != "c1" {
		t.Fatalf("expected only the valid relation edge, got %+v", edges)
	}
}

func TestAnalyzeRelationsStripsCodeFence(t *testing.T) {
	llm := &llmcap.MockClient{
		CompleteFn: func(ctx context.Context, systemPrompt, prompt string) (string, error) {
			return "```json\n[{\"target_id\":\"c1\",\"relation\":\"CausedBy\",\"weight\":0.7}]\n```", nil
		},
	}
	a := New(llm)
	edges, err := a.AnalyzeRelations(context.Background(),
		model.MemoryUnit{ID: "new", UserID: "u1"},
		[]model.MemoryUnit{{ID: "c1"}})
	if err != nil {
		t.Fatalf("analyze_relations: %v", err)
	}
	if len(edges) != 1 || edges[0].Relation != model.RelCausedBy {
		t.Fatalf("expected one CausedBy edge after fence strip, got %+v", edges)
	}
}

func TestDecomposeGoalDegradesToEmpty(t *testing.T) {
	a := New(nil)
	out, err := a.DecomposeGoal(context.Background(), "u", "app", "stream", "ship the feature")
	if err != nil {
		t.Fatalf("decompose_goal: %v", err)
	}
	if out != nil {
		t.Fatalf("expected empty fallback, got %+v", out)
	}
}

func TestBuildContextStopsAtBudget(t *testing.T) {
	texts := []string{"aaaaa", "bbbbb", "ccccc"}
	out := buildContext(texts, 6)
	if out != "aaaaa" {
		t.Fatalf("expected only first chunk under tiny budget, got %q", out)
	}
}

func TestStripCodeFence(t *testing.T) {
	in := "```json\n{\"a\":1}\n```"
	out := stripCodeFence(in)
	if out != `{"a":1}` {
		t.Fatalf("expected fence stripped, got %q", out)
	}
}

func TestSummarizeCommunityDegradesToConcat(t *testing.T) {
	a := New(nil)
	summary, err := a.SummarizeCommunity(context.Background(), []string{"x", "y"})
	if err != nil {
		t.Fatalf("summarize_community: %v", err)
	}
	if summary.Summary == "" {
		t.Fatalf("expected non-empty fallback summary")
	}
}
