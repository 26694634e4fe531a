package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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
	"github.com/memorose/engine/pkg/raftfsm"
	"github.com/memorose/engine/pkg/reranker"
	"github.com/memorose/engine/pkg/textindex"
	"github.com/memorose/engine/pkg/vectorstore"
)

func openTestEngine(t *testing.T, dir string) (*engine.Engine, *kvstore.Store) {
	t.Helper()
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
	eng := engine.New(cfg, kv, vs, text, graph, cache, batch, rerank, arb, nil, nil)
	return eng, kv
}

// newSingleNodeRaft builds a bootstrapped, single-voter Raft group backed
// entirely by in-memory transport/log/stable/snapshot stores, the same
// pattern the raft library's own tests use, so ShardNode.IsLeader and
// Raft.Apply behave realistically without a real network.
func newSingleNodeRaft(t *testing.T, fsm raft.FSM) *raft.Raft {
	t.Helper()
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID("1")
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	cfg.ElectionTimeout = 50 * time.Millisecond
	cfg.LeaderLeaseTimeout = 50 * time.Millisecond
	cfg.CommitTimeout = 5 * time.Millisecond

	_, transport := raft.NewInmemTransport("1")
	logStore := raft.NewInmemStore()
	stableStore := raft.NewInmemStore()
	snapStore := raft.NewInmemSnapshotStore()

	r, err := raft.NewRaft(cfg, fsm, logStore, stableStore, snapStore, transport)
	if err != nil {
		t.Fatalf("new raft: %v", err)
	}
	t.Cleanup(func() { r.Shutdown().Error() })

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: cfg.LocalID, Address: transport.LocalAddr()}},
	})
	if err := future.Error(); err != nil {
		t.Fatalf("bootstrap cluster: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.State() == raft.Leader {
			return r
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("raft node never became leader")
	return nil
}

func newTestShardNode(t *testing.T) *ShardNode {
	t.Helper()
	dir := t.TempDir()
	eng, kv := openTestEngine(t, dir)

	openEngine := func(liveDir string) (*engine.Engine, error) {
		e2, _ := openTestEngine(t, liveDir)
		return e2, nil
	}
	fsm := raftfsm.New(eng, kv, dir, openEngine, nil)
	r := newSingleNodeRaft(t, fsm)

	return &ShardNode{ShardID: 0, Raft: r, Engine: eng}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	node := newTestShardNode(t)
	cfg := config.Default()
	cfg.Sharding.ShardCount = 1
	return New(cfg, map[uint32]*ShardNode{0: node}, nil, nil)
}

func TestHandleIngestEventAccepted(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	body, _ := json.Marshal(ingestEventRequest{Content: "remember this fact", ContentType: string(model.ContentText)})
	req := httptest.NewRequest(http.MethodPost, "/v1/users/alice/apps/demo/streams/s1/events", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandlePendingStatusReportsZeroWhenEmpty(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/v1/status/pending", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out["total"].(float64) != 0 {
		t.Fatalf("expected zero pending events, got %v", out["total"])
	}
}

func TestHandleRetrieveRejectsEmptyQuery(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	body, _ := json.Marshal(retrieveRequest{})
	req := httptest.NewRequest(http.MethodPost, "/v1/users/alice/apps/demo/streams/s1/retrieve", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty query, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestParseServerIDAndUint32Helpers(t *testing.T) {
	if n, ok := parseServerID(raft.ServerID("1042")); !ok || n != 1042 {
		t.Fatalf("parseServerID(1042) = %d, %v", n, ok)
	}
	if _, ok := parseServerID(raft.ServerID("abc")); ok {
		t.Fatalf("parseServerID should reject non-numeric ids")
	}
	if n, ok := parseUint32("7"); !ok || n != 7 {
		t.Fatalf("parseUint32(7) = %d, %v", n, ok)
	}
	if _, ok := parseUint32(""); ok {
		t.Fatalf("parseUint32 should reject empty string")
	}
}
