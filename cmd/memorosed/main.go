// Command memorosed runs the sharded memory engine server: one Raft
// group and one Engine per shard this process is configured to serve,
// fronted by the HTTP surface of pkg/httpapi. Flag and subcommand
// conventions follow the teacher's cmd/sqvect-graph cobra CLI.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/memorose/engine/pkg/arbitrator"
	"github.com/memorose/engine/pkg/batchexec"
	"github.com/memorose/engine/pkg/config"
	"github.com/memorose/engine/pkg/engine"
	"github.com/memorose/engine/pkg/graphstore"
	"github.com/memorose/engine/pkg/httpapi"
	"github.com/memorose/engine/pkg/kvstore"
	"github.com/memorose/engine/pkg/llmcap"
	"github.com/memorose/engine/pkg/logging"
	"github.com/memorose/engine/pkg/querycache"
	"github.com/memorose/engine/pkg/reranker"
	"github.com/memorose/engine/pkg/sharding"
	"github.com/memorose/engine/pkg/textindex"
	"github.com/memorose/engine/pkg/vectorstore"
	"github.com/memorose/engine/pkg/worker"

	"github.com/hashicorp/raft"

	"github.com/memorose/engine/pkg/raftfsm"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "memorosed",
	Short: "Sharded AI-agent memory engine server",
	Long:  "memorosed serves the memory engine's ingest, retrieval, and graph write API over a Raft-replicated set of shards.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server and every Raft group this node serves",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (defaults are used if omitted)")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// shardRuntime bundles the open Raft group and Engine for one shard.
type shardRuntime struct {
	shardID   uint32
	raftNode  *raft.Raft
	transport *raft.NetworkTransport
	eng       *engine.Engine
	kv        *kvstore.Store
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.NewStdout(logging.LevelInfo)

	llm := llmClientFrom(cfg)

	runtimes := make(map[uint32]*shardRuntime, cfg.Sharding.ShardCount)
	shards := make(map[uint32]*httpapi.ShardNode, cfg.Sharding.ShardCount)
	for shardID := uint32(0); shardID < max1(cfg.Sharding.ShardCount); shardID++ {
		rt, err := openShard(cfg, shardID, llm, logger)
		if err != nil {
			return fmt.Errorf("open shard %d: %w", shardID, err)
		}
		runtimes[shardID] = rt
		shards[shardID] = &httpapi.ShardNode{ShardID: shardID, Raft: rt.raftNode, Engine: rt.eng}

		node := rt.raftNode
		isLeader := func() bool { return node.State() == raft.Leader }
		w := worker.New(rt.eng, llm, cfg, isLeader, logger)
		go w.Run(cmd.Context())
	}

	cluster := &clusterManager{cfg: cfg, runtimes: runtimes}
	srv := httpapi.New(cfg, shards, cluster, logger)

	httpServer := &http.Server{Addr: cfg.HTTP.ListenAddr, Handler: srv.Router()}
	logger.Info("memorosed: listening", "addr", cfg.HTTP.ListenAddr, "shards", len(shards))
	return httpServer.ListenAndServe()
}

func max1(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	return n
}

func llmClientFrom(cfg config.AppConfig) llmcap.Client {
	if cfg.LLM.BaseURL == "" {
		return nil
	}
	return llmcap.NewHTTPClient(cfg.LLM.BaseURL)
}

// openShard wires the full storage+Raft stack for one shard: kv/vector/
// text/graph stores, an Engine over them, a raftfsm.FSM adapting that
// Engine to raft.FSM, and a bootstrapped single-voter raft.Raft using a
// real TCP transport and on-disk file snapshot store.
func openShard(cfg config.AppConfig, shardID uint32, llm llmcap.Client, logger logging.Logger) (*shardRuntime, error) {
	shardDir := filepath.Join(cfg.Storage.DataDir, fmt.Sprintf("shard-%d", shardID))
	if err := os.MkdirAll(shardDir, 0o755); err != nil {
		return nil, err
	}

	eng, kv, err := openEngineAt(cfg, shardDir, llm, logger)
	if err != nil {
		return nil, err
	}

	raftNodeID, err := sharding.EncodeRaftNodeID(shardID, cfg.Sharding.PhysicalNodeID)
	if err != nil {
		return nil, err
	}
	addr := sharding.ListenAddress(cfg.Sharding.Host, cfg.Sharding.BasePort, shardID)

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(fmt.Sprintf("%d", raftNodeID))
	raftCfg.Logger = nil

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve raft addr %s: %w", addr, err)
	}
	transport, err := raft.NewTCPTransport(addr, tcpAddr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("new tcp transport: %w", err)
	}

	snapDir := filepath.Join(shardDir, "raft-snapshots")
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return nil, err
	}
	snapStore, err := raft.NewFileSnapshotStore(snapDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("new file snapshot store: %w", err)
	}

	logStore := raftfsm.NewLogStore(kv)
	stableStore := raftfsm.NewStableStore(kv)

	liveDir := filepath.Join(shardDir, "live")
	if err := os.MkdirAll(liveDir, 0o755); err != nil {
		return nil, err
	}
	openEngine := func(dir string) (*engine.Engine, error) {
		e, _, err := openEngineAt(cfg, dir, llm, logger)
		return e, err
	}
	fsm := raftfsm.New(eng, kv, liveDir, openEngine, logger)

	node, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapStore, transport)
	if err != nil {
		return nil, fmt.Errorf("new raft: %w", err)
	}

	hasState, err := raft.HasExistingState(logStore, stableStore, snapStore)
	if err != nil {
		return nil, err
	}
	if !hasState {
		future := node.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
		})
		if err := future.Error(); err != nil {
			return nil, fmt.Errorf("bootstrap cluster: %w", err)
		}
	}

	return &shardRuntime{shardID: shardID, raftNode: node, transport: transport, eng: eng, kv: kv}, nil
}

func openEngineAt(cfg config.AppConfig, dir string, llm llmcap.Client, logger logging.Logger) (*engine.Engine, *kvstore.Store, error) {
	kv, err := kvstore.Open(filepath.Join(dir, "kv.db"), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open kv: %w", err)
	}
	vs, err := vectorstore.Open(filepath.Join(dir, "vectors.db"), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open vectorstore: %w", err)
	}
	ctx := context.Background()
	if err := vs.EnsureTable(ctx, engine.MemoriesTable, cfg.LLM.EmbeddingDim); err != nil {
		return nil, nil, fmt.Errorf("ensure vector table: %w", err)
	}
	text, err := textindex.Open(filepath.Join(dir, "text.db"), time.Duration(cfg.Storage.CommitIntervalMS)*time.Millisecond, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open textindex: %w", err)
	}
	graph, err := graphstore.Open(ctx, vs, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open graphstore: %w", err)
	}

	cache := querycache.New()
	batch := batchexec.New(graph, cache)
	var rerank reranker.Reranker
	if cfg.Reranker.Type == config.RerankerHTTP && cfg.Reranker.Endpoint != "" {
		rerank = reranker.NewHTTP(cfg.Reranker.Endpoint)
	} else {
		rerank = reranker.NewWeighted(kv)
	}
	arb := arbitrator.New(llm)

	eng := engine.New(cfg, kv, vs, text, graph, cache, batch, rerank, arb, llm, logger)
	return eng, kv, nil
}

// clusterManager implements httpapi.ClusterManager by fanning each
// operation out across every shard this process serves.
type clusterManager struct {
	cfg      config.AppConfig
	runtimes map[uint32]*shardRuntime
}

func (c *clusterManager) Initialize() error {
	for shardID, rt := range c.runtimes {
		cfgFuture := rt.raftNode.GetConfiguration()
		if err := cfgFuture.Error(); err != nil {
			return fmt.Errorf("shard %d: get configuration: %w", shardID, err)
		}
		if len(cfgFuture.Configuration().Servers) > 0 {
			continue
		}
		raftNodeID, err := sharding.EncodeRaftNodeID(shardID, c.cfg.Sharding.PhysicalNodeID)
		if err != nil {
			return err
		}
		future := rt.raftNode.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: raft.ServerID(fmt.Sprintf("%d", raftNodeID)), Address: rt.transport.LocalAddr()}},
		})
		if err := future.Error(); err != nil {
			return fmt.Errorf("shard %d: bootstrap: %w", shardID, err)
		}
	}
	return nil
}

func (c *clusterManager) Join(physicalNodeID uint32, addr string) error {
	for shardID, rt := range c.runtimes {
		raftNodeID, err := sharding.EncodeRaftNodeID(shardID, physicalNodeID)
		if err != nil {
			return err
		}
		shardAddr := sharding.ListenAddress(addr, c.cfg.Sharding.BasePort, shardID)
		future := rt.raftNode.AddVoter(raft.ServerID(fmt.Sprintf("%d", raftNodeID)), raft.ServerAddress(shardAddr), 0, 0)
		if err := future.Error(); err != nil {
			return fmt.Errorf("shard %d: add voter: %w", shardID, err)
		}
	}
	return nil
}

func (c *clusterManager) RemoveNode(physicalNodeID uint32) error {
	for shardID, rt := range c.runtimes {
		raftNodeID, err := sharding.EncodeRaftNodeID(shardID, physicalNodeID)
		if err != nil {
			return err
		}
		future := rt.raftNode.RemoveServer(raft.ServerID(fmt.Sprintf("%d", raftNodeID)), 0, 0)
		if err := future.Error(); err != nil {
			return fmt.Errorf("shard %d: remove server: %w", shardID, err)
		}
	}
	return nil
}
