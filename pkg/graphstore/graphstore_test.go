package graphstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/memorose/engine/pkg/model"
	"github.com/memorose/engine/pkg/vectorstore"
)

func openTestStore(t *testing.T) (*Store, *vectorstore.Store) {
	t.Helper()
	vs, err := vectorstore.Open(filepath.Join(t.TempDir(), "graph.db"), nil)
	if err != nil {
		t.Fatalf("open vectorstore: %v", err)
	}
	t.Cleanup(func() { vs.Close() })

	gs, err := Open(context.Background(), vs, nil)
	if err != nil {
		t.Fatalf("open graphstore: %v", err)
	}
	t.Cleanup(func() { gs.Close() })
	return gs, vs
}

func TestAddEdgeAndGetOutgoing(t *testing.T) {
	ctx := context.Background()
	gs, _ := openTestStore(t)

	if err := gs.AddEdge(ctx, model.GraphEdge{
		SourceID: "a", TargetID: "b", UserID: "u1",
		Relation: model.RelNext, Weight: 0.8, TransactionTime: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("add_edge: %v", err)
	}

	edges, err := gs.GetOutgoingEdges(ctx, "u1", "a")
	if err != nil {
		t.Fatalf("get_outgoing_edges: %v", err)
	}
	if len(edges) != 1 || edges[0].TargetID != "b" {
		t.Fatalf("expected 1 edge to b, got %+v", edges)
	}
}

func TestAddEdgeSurvivesFlush(t *testing.T) {
	ctx := context.Background()
	gs, _ := openTestStore(t)

	if err := gs.AddEdge(ctx, model.GraphEdge{
		SourceID: "a", TargetID: "b", UserID: "u1",
		Relation: model.RelSupports, Weight: 0.5, TransactionTime: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("add_edge: %v", err)
	}
	if err := gs.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	edges, err := gs.GetOutgoingEdges(ctx, "u1", "a")
	if err != nil {
		t.Fatalf("get_outgoing_edges: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("expected 1 edge after flush, got %+v", edges)
	}
}

func TestGetIncomingEdges(t *testing.T) {
	ctx := context.Background()
	gs, _ := openTestStore(t)

	if err := gs.AddEdge(ctx, model.GraphEdge{
		SourceID: "a", TargetID: "c", UserID: "u1",
		Relation: model.RelCausedBy, Weight: 0.3, TransactionTime: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("add_edge: %v", err)
	}
	if err := gs.AddEdge(ctx, model.GraphEdge{
		SourceID: "b", TargetID: "c", UserID: "u1",
		Relation: model.RelCausedBy, Weight: 0.3, TransactionTime: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("add_edge: %v", err)
	}

	edges, err := gs.GetIncomingEdges(ctx, "u1", "c")
	if err != nil {
		t.Fatalf("get_incoming_edges: %v", err)
	}
	if len(edges) != 2 {
		t.Fatalf("expected 2 incoming edges, got %+v", edges)
	}
}

func TestBatchGetOutgoingEdges(t *testing.T) {
	ctx := context.Background()
	gs, _ := openTestStore(t)

	for _, target := range []string{"x", "y"} {
		if err := gs.AddEdge(ctx, model.GraphEdge{
			SourceID: "a", TargetID: target, UserID: "u1",
			Relation: model.RelNext, Weight: 0.5, TransactionTime: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("add_edge: %v", err)
		}
	}
	if err := gs.AddEdge(ctx, model.GraphEdge{
		SourceID: "b", TargetID: "z", UserID: "u1",
		Relation: model.RelNext, Weight: 0.5, TransactionTime: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("add_edge: %v", err)
	}

	grouped, err := gs.BatchGetOutgoingEdges(ctx, "u1", []string{"a", "b"})
	if err != nil {
		t.Fatalf("batch_get_outgoing_edges: %v", err)
	}
	if len(grouped["a"]) != 2 {
		t.Fatalf("expected 2 outgoing edges for a, got %+v", grouped["a"])
	}
	if len(grouped["b"]) != 1 {
		t.Fatalf("expected 1 outgoing edge for b, got %+v", grouped["b"])
	}
}

func TestReinforceEdge(t *testing.T) {
	ctx := context.Background()
	gs, _ := openTestStore(t)

	if err := gs.ReinforceEdge(ctx, "u1", "a", "b", 0.4); err != nil {
		t.Fatalf("reinforce_edge: %v", err)
	}
	edges, err := gs.GetOutgoingEdges(ctx, "u1", "a")
	if err != nil {
		t.Fatalf("get_outgoing_edges: %v", err)
	}
	if len(edges) != 1 || edges[0].Weight != 0.4 {
		t.Fatalf("expected single edge weight 0.4, got %+v", edges)
	}

	if err := gs.ReinforceEdge(ctx, "u1", "a", "b", 0.9); err != nil {
		t.Fatalf("reinforce_edge: %v", err)
	}
	edges, err = gs.GetOutgoingEdges(ctx, "u1", "a")
	if err != nil {
		t.Fatalf("get_outgoing_edges: %v", err)
	}
	if len(edges) != 1 || edges[0].Weight != 1.0 {
		t.Fatalf("expected clamped weight 1.0, got %+v", edges)
	}
}

func TestDedupeKeepsLatestTransactionTime(t *testing.T) {
	older := time.Now().Add(-time.Hour).UTC()
	newer := time.Now().UTC()

	edges := []model.GraphEdge{
		{SourceID: "a", TargetID: "b", UserID: "u1", Relation: model.RelNext, Weight: 0.2, TransactionTime: older},
		{SourceID: "a", TargetID: "b", UserID: "u1", Relation: model.RelNext, Weight: 0.9, TransactionTime: newer},
	}
	out := dedupeEdges(edges)
	if len(out) != 1 || out[0].Weight != 0.9 {
		t.Fatalf("expected single deduped edge with latest weight 0.9, got %+v", out)
	}
}
