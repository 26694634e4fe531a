// Package config implements the unified AppConfig of spec §9 Open
// Question 1: the source configuration was split across two incompatible
// schemas (llm.embedding_dim / worker.tick_interval_ms / reranker.{type,
// endpoint} / WorkerConfig.consolidation_max_retries); this package
// resolves them into one YAML-loadable schema, following the teacher's
// plain-struct-plus-yaml.v3 convention (the teacher itself has no config
// loader, so this generalizes the yaml.v3 dependency the rest of the pack
// uses for structured config files).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RerankerType is the closed set of pluggable reranker implementations
// (spec §4.8).
type RerankerType string

const (
	RerankerWeighted RerankerType = "weighted"
	RerankerHTTP     RerankerType = "http"
)

// LLMConfig configures the llmcap.Client used by the arbitrator and
// consolidation worker.
type LLMConfig struct {
	BaseURL      string `yaml:"base_url"`
	EmbeddingDim int    `yaml:"embedding_dim"`
}

// RerankerConfig selects and configures the reranker implementation.
type RerankerConfig struct {
	Type     RerankerType `yaml:"type"`
	Endpoint string       `yaml:"endpoint"`
}

// WorkerConfig configures the background consolidation tick loop (spec
// §4.11).
type WorkerConfig struct {
	TickIntervalMS            int     `yaml:"tick_interval_ms"`
	DecayIntervalSecs         int     `yaml:"decay_interval_secs"`
	DecayFactor               float64 `yaml:"decay_factor"`
	PruneThreshold            float64 `yaml:"prune_threshold"`
	BatchSize                 int     `yaml:"batch_size"`
	LLMConcurrency            int     `yaml:"llm_concurrency"`
	ConsolidationMaxRetries   int     `yaml:"consolidation_max_retries"`
	CompactionIntervalSecs    int     `yaml:"compaction_interval_secs"`
	InsightIntervalMS         int     `yaml:"insight_interval_ms"`
	InsightRecentL1Limit      int     `yaml:"insight_recent_l1_limit"`
	CommunityIntervalMS       int     `yaml:"community_interval_ms"`
	CommunityMaxUsersPerCycle int     `yaml:"community_max_users_per_cycle"`
	CommunityTriggerL1Step    int     `yaml:"community_trigger_l1_step"`
	CommunityMinMembers       int     `yaml:"community_min_members"`
	CommunityMaxGroups        int     `yaml:"community_max_groups"`
	EnableTaskReflection      bool    `yaml:"enable_task_reflection"`
}

// ShardingConfig configures shard assignment and Raft addressing (spec
// §6.2).
type ShardingConfig struct {
	ShardCount     uint32 `yaml:"shard_count"`
	PhysicalNodeID uint32 `yaml:"physical_node_id"`
	Host           string `yaml:"host"`
	BasePort       uint16 `yaml:"base_port"`
}

// RetrievalConfig configures the hybrid search pipeline (spec §4.1).
type RetrievalConfig struct {
	AutoLinkSimilarityThreshold float64 `yaml:"auto_link_similarity_threshold"`
	DefaultMinScore             float64 `yaml:"default_min_score"`
	DefaultGraphDepth           int     `yaml:"default_graph_depth"`
	GraphFrontierLimit          int     `yaml:"graph_frontier_limit"`
	GraphNodeCap                int     `yaml:"graph_node_cap"`
	SemanticDedupThreshold      float64 `yaml:"semantic_dedup_threshold"`
	ArbitrationScoreGapThreshold float64 `yaml:"arbitration_score_gap_threshold"`
}

// StorageConfig locates the per-shard data directory roots (spec §6.3).
type StorageConfig struct {
	DataDir          string `yaml:"data_dir"`
	CommitIntervalMS int    `yaml:"commit_interval_ms"`
	SnapshotLogs     uint64 `yaml:"snapshot_logs"`
}

// HTTPConfig configures the gateway-facing HTTP listener (spec §6.1).
type HTTPConfig struct {
	ListenAddr     string `yaml:"listen_addr"`
	ForwardTimeout int    `yaml:"forward_timeout_secs"`
}

// AppConfig is the single unified configuration schema (resolves Open
// Question 1).
type AppConfig struct {
	LLM       LLMConfig       `yaml:"llm"`
	Reranker  RerankerConfig  `yaml:"reranker"`
	Worker    WorkerConfig    `yaml:"worker"`
	Sharding  ShardingConfig  `yaml:"sharding"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Storage   StorageConfig   `yaml:"storage"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// Default returns the sensible-defaults AppConfig named by spec §9 Open
// Question 1 (embedding_dim=768, tick_interval_ms=200,
// consolidation_max_retries=3, reranker.type=weighted).
func Default() AppConfig {
	return AppConfig{
		LLM: LLMConfig{EmbeddingDim: 768},
		Reranker: RerankerConfig{
			Type: RerankerWeighted,
		},
		Worker: WorkerConfig{
			TickIntervalMS:            200,
			DecayIntervalSecs:         3600,
			DecayFactor:               0.99,
			PruneThreshold:            0.05,
			BatchSize:                 100,
			LLMConcurrency:            4,
			ConsolidationMaxRetries:   3,
			CompactionIntervalSecs:    86400,
			InsightIntervalMS:         60_000,
			InsightRecentL1Limit:      50,
			CommunityIntervalMS:       120_000,
			CommunityMaxUsersPerCycle: 20,
			CommunityTriggerL1Step:    10,
			CommunityMinMembers:       3,
			CommunityMaxGroups:        100,
			EnableTaskReflection:      true,
		},
		Sharding: ShardingConfig{
			ShardCount:     1,
			PhysicalNodeID: 1,
			Host:           "127.0.0.1",
			BasePort:       8300,
		},
		Retrieval: RetrievalConfig{
			AutoLinkSimilarityThreshold: 0.85,
			DefaultMinScore:             0.3,
			DefaultGraphDepth:           2,
			GraphFrontierLimit:          10,
			GraphNodeCap:                500,
			SemanticDedupThreshold:      0.92,
			ArbitrationScoreGapThreshold: 0.25,
		},
		Storage: StorageConfig{
			DataDir:          "./data",
			CommitIntervalMS: 500,
			SnapshotLogs:     10_000,
		},
		HTTP: HTTPConfig{
			ListenAddr:     ":8080",
			ForwardTimeout: 30,
		},
	}
}

// Load reads a YAML config file at path and overlays it onto Default().
// A missing file is not an error; Default() is returned unmodified.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return AppConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// TickInterval returns Worker.TickIntervalMS as a time.Duration.
func (c AppConfig) TickInterval() time.Duration {
	return time.Duration(c.Worker.TickIntervalMS) * time.Millisecond
}
