package engine

import (
	"context"
	"testing"

	"github.com/memorose/engine/pkg/model"
)

func TestSearchHybridExpandsGraphViaDerivedFrom(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	root := model.MemoryUnit{ID: "root", UserID: "alice", AppID: "demo", StreamID: "s1",
		Content: "Rust ownership model", Level: model.LevelConsolidated, MemoryType: model.MemoryFactual}
	if err := e.StoreMemoryUnit(ctx, root); err != nil {
		t.Fatalf("store root: %v", err)
	}

	insight := model.MemoryUnit{ID: "insight", UserID: "alice", AppID: "demo", StreamID: "s1",
		Content: "Summary of systems programming notes", Level: model.LevelInsight,
		MemoryType: model.MemoryFactual, References: []string{"root"}}
	if err := e.StoreMemoryUnit(ctx, insight); err != nil {
		t.Fatalf("store insight: %v", err)
	}
	if err := e.text.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	results, err := e.SearchHybrid(ctx, SearchParams{UserID: "alice", AppID: "demo", QueryText: "Rust", Limit: 10, GraphDepth: 2})
	if err != nil {
		t.Fatalf("search_hybrid: %v", err)
	}

	foundExpanded := false
	for _, r := range results {
		if r.Unit.ID == "insight" {
			foundExpanded = true
		}
	}
	if !foundExpanded {
		t.Fatalf("expected the DerivedFrom-linked insight unit to be reached via graph expansion, got %+v", results)
	}
}

func TestSearchHybridFiltersBelowMinScore(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	unit := model.MemoryUnit{ID: "u1", UserID: "alice", AppID: "demo", StreamID: "s1",
		Content: "Rust", Level: model.LevelConsolidated, MemoryType: model.MemoryFactual}
	if err := e.StoreMemoryUnit(ctx, unit); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := e.text.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	impossible := 2.0
	results, err := e.SearchHybrid(ctx, SearchParams{UserID: "alice", AppID: "demo", QueryText: "Rust", Limit: 10, MinScore: &impossible})
	if err != nil {
		t.Fatalf("search_hybrid: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results above an impossible min_score, got %+v", results)
	}
}

func TestReciprocalRankFusionNormalizesToUnitMax(t *testing.T) {
	fused := reciprocalRankFusion([]string{"a", "b"}, []string{"b", "a"})
	max := 0.0
	for _, s := range fused {
		if s > max {
			max = s
		}
	}
	if max != 1.0 {
		t.Fatalf("expected max fused score normalized to 1.0, got %f", max)
	}
}
