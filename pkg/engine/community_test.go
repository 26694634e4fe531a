package engine

import (
	"context"
	"testing"

	"github.com/memorose/engine/pkg/model"
)

func TestProcessCommunitiesGeneratesL2Unit(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	members := []model.MemoryUnit{
		{ID: "m1", UserID: "alice", AppID: "demo", StreamID: "s1", Content: "alpha", Level: model.LevelConsolidated, MemoryType: model.MemoryFactual},
		{ID: "m2", UserID: "alice", AppID: "demo", StreamID: "s1", Content: "beta", Level: model.LevelConsolidated, MemoryType: model.MemoryFactual},
		{ID: "m3", UserID: "alice", AppID: "demo", StreamID: "s1", Content: "gamma", Level: model.LevelConsolidated, MemoryType: model.MemoryFactual},
	}
	if err := e.StoreMemoryUnits(ctx, members); err != nil {
		t.Fatalf("store members: %v", err)
	}

	pairs := [][2]string{{"m1", "m2"}, {"m2", "m3"}, {"m1", "m3"}}
	for _, p := range pairs {
		edge := model.GraphEdge{SourceID: p[0], TargetID: p[1], UserID: "alice", Relation: model.RelRelatedTo, Weight: 0.9}
		if err := e.graph.AddEdge(ctx, edge); err != nil {
			t.Fatalf("add_edge: %v", err)
		}
	}
	if err := e.graph.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := e.ProcessCommunitiesWithLimits(ctx, "alice", 3, 100); err != nil {
		t.Fatalf("process_communities: %v", err)
	}

	rows, err := e.kv.Scan(ctx, []byte("u:alice:unit:"))
	if err != nil {
		t.Fatalf("scan units: %v", err)
	}

	foundInsight := false
	for _, r := range rows {
		var u model.MemoryUnit
		if err := unmarshalJSON(r.Value, &u); err != nil {
			continue
		}
		if u.Level == model.LevelInsight && len(u.References) == 3 {
			foundInsight = true
		}
	}
	if !foundInsight {
		t.Fatalf("expected one L2 insight unit referencing all three members")
	}
}
