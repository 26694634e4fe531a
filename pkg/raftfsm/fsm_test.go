package raftfsm

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/raft"

	"github.com/memorose/engine/pkg/arbitrator"
	"github.com/memorose/engine/pkg/batchexec"
	"github.com/memorose/engine/pkg/config"
	"github.com/memorose/engine/pkg/engine"
	"github.com/memorose/engine/pkg/graphstore"
	"github.com/memorose/engine/pkg/kvstore"
	"github.com/memorose/engine/pkg/model"
	"github.com/memorose/engine/pkg/querycache"
	"github.com/memorose/engine/pkg/reranker"
	"github.com/memorose/engine/pkg/textindex"
	"github.com/memorose/engine/pkg/vectorstore"
)

func openEngineAt(liveDir string) (*engine.Engine, *kvstore.Store, error) {
	if err := os.MkdirAll(liveDir, 0o755); err != nil {
		return nil, nil, err
	}
	kv, err := kvstore.Open(filepath.Join(liveDir, "kv.db"), nil)
	if err != nil {
		return nil, nil, err
	}
	vs, err := vectorstore.Open(filepath.Join(liveDir, "vectors.db"), nil)
	if err != nil {
		return nil, nil, err
	}
	if err := vs.EnsureTable(context.Background(), engine.MemoriesTable, 4); err != nil {
		return nil, nil, err
	}
	text, err := textindex.Open(filepath.Join(liveDir, "text.db"), 50*time.Millisecond, nil)
	if err != nil {
		return nil, nil, err
	}
	graph, err := graphstore.Open(context.Background(), vs, nil)
	if err != nil {
		return nil, nil, err
	}
	cache := querycache.New()
	batch := batchexec.New(graph, cache)
	rerank := reranker.NewWeighted(kv)
	arb := arbitrator.New(nil)
	eng := engine.New(config.Default(), kv, vs, text, graph, cache, batch, rerank, arb, nil, nil)
	return eng, kv, nil
}

func newTestFSM(t *testing.T) (*FSM, *kvstore.Store) {
	t.Helper()
	root := t.TempDir()
	liveDir := filepath.Join(root, "live")

	eng, kv, err := openEngineAt(liveDir)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}

	openFn := func(dir string) (*engine.Engine, error) {
		e, _, err := openEngineAt(dir)
		return e, err
	}
	return New(eng, kv, liveDir, openFn, nil), kv
}

func TestFSMApplyIngestEventAdvancesLastApplied(t *testing.T) {
	fsm, kv := newTestFSM(t)

	req := ClientRequest{Type: RequestIngestEvent, Event: &model.Event{
		ID: "ev1", UserID: "alice", AppID: "demo", StreamID: "s1",
		Content: model.EventContent{Type: model.ContentText, Text: "hello"},
	}}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	resp := fsm.Apply(&raft.Log{Index: 1, Term: 1, Type: raft.LogCommand, Data: data})
	cr, ok := resp.(ClientResponse)
	if !ok || !cr.Success {
		t.Fatalf("expected successful apply, got %+v", resp)
	}

	applied, err := LastApplied(context.Background(), kv)
	if err != nil || applied != 1 {
		t.Fatalf("expected last_applied 1, got %d, %v", applied, err)
	}
}

func TestFSMApplyUpdateGraphAddsEdge(t *testing.T) {
	fsm, _ := newTestFSM(t)
	ctx := context.Background()

	if err := fsm.Engine().StoreMemoryUnit(ctx, model.MemoryUnit{
		ID: "a", UserID: "alice", AppID: "demo", StreamID: "s1",
		Content: "a", Level: model.LevelConsolidated, MemoryType: model.MemoryFactual,
	}); err != nil {
		t.Fatalf("store a: %v", err)
	}
	if err := fsm.Engine().StoreMemoryUnit(ctx, model.MemoryUnit{
		ID: "b", UserID: "alice", AppID: "demo", StreamID: "s1",
		Content: "b", Level: model.LevelConsolidated, MemoryType: model.MemoryFactual,
	}); err != nil {
		t.Fatalf("store b: %v", err)
	}

	req := ClientRequest{Type: RequestUpdateGraph, Edge: &model.GraphEdge{
		SourceID: "a", TargetID: "b", UserID: "alice", Relation: model.RelRelatedTo, Weight: 0.9,
	}}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp := fsm.Apply(&raft.Log{Index: 1, Term: 1, Type: raft.LogCommand, Data: data})
	if cr, ok := resp.(ClientResponse); !ok || !cr.Success {
		t.Fatalf("expected successful apply, got %+v", resp)
	}
}

func TestFSMApplyUnknownRequestTypeFails(t *testing.T) {
	fsm, _ := newTestFSM(t)

	data, err := json.Marshal(ClientRequest{Type: "bogus"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp := fsm.Apply(&raft.Log{Index: 1, Term: 1, Type: raft.LogCommand, Data: data})
	cr, ok := resp.(ClientResponse)
	if !ok || cr.Success {
		t.Fatalf("expected a failed apply for an unknown request type, got %+v", resp)
	}
}

func TestFSMSnapshotAndRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	fsm, _ := newTestFSM(t)

	if err := fsm.Engine().StoreMemoryUnit(ctx, model.MemoryUnit{
		ID: "u1", UserID: "alice", AppID: "demo", StreamID: "s1",
		Content: "durable across snapshot", Level: model.LevelConsolidated, MemoryType: model.MemoryFactual,
	}); err != nil {
		t.Fatalf("store: %v", err)
	}

	snap, err := fsm.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	archivePath := filepath.Join(t.TempDir(), "snap.tar.gz")
	f, err := os.Create(archivePath)
	if err != nil {
		t.Fatalf("create archive file: %v", err)
	}
	sink := &fakeSnapshotSink{File: f}
	if err := snap.Persist(sink); err != nil {
		t.Fatalf("persist: %v", err)
	}
	snap.Release()

	r, err := os.Open(archivePath)
	if err != nil {
		t.Fatalf("reopen archive: %v", err)
	}
	defer r.Close()

	if err := fsm.Restore(r); err != nil {
		t.Fatalf("restore: %v", err)
	}

	results, err := fsm.Engine().SearchText(ctx, engine.SearchParams{
		UserID: "alice", AppID: "demo", QueryText: "durable", Limit: 5,
	})
	if err != nil {
		t.Fatalf("search_text after restore: %v", err)
	}
	found := false
	for _, r := range results {
		if r.Unit.ID == "u1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected unit u1 to survive the snapshot/restore round trip, got %+v", results)
	}
}

type fakeSnapshotSink struct {
	*os.File
}

func (s *fakeSnapshotSink) ID() string     { return "test-snapshot" }
func (s *fakeSnapshotSink) Cancel() error  { return s.File.Close() }
