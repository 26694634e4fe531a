// Package httpapi implements the gateway-facing HTTP surface of spec
// §6.1, routed with go-chi/chi/v5 (the teacher's own HTTP layer uses the
// standard library net/http ServeMux directly; chi is adopted here from
// the rest of the example corpus, since the spec's path-parameter-heavy
// routing table benefits from chi's pattern matching).
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/raft"

	"github.com/memorose/engine/pkg/config"
	"github.com/memorose/engine/pkg/engine"
	"github.com/memorose/engine/pkg/logging"
)

// ShardNode binds one shard's Engine to its Raft consensus group.
type ShardNode struct {
	ShardID uint32
	Raft    *raft.Raft
	Engine  *engine.Engine
}

// IsLeader reports whether this process holds leadership for the shard.
func (n *ShardNode) IsLeader() bool {
	return n.Raft.State() == raft.Leader
}

// ClusterManager bootstraps and reshapes the set of Raft groups this
// process serves; it is implementation-owned by cmd/memorosed, which
// knows how to wire a fresh *raft.Raft per shard.
type ClusterManager interface {
	Initialize() error
	Join(physicalNodeID uint32, addr string) error
	RemoveNode(physicalNodeID uint32) error
}

// Server composes every shard this process serves behind the spec's
// single HTTP surface.
type Server struct {
	cfg     config.AppConfig
	shards  map[uint32]*ShardNode
	cluster ClusterManager
	logger  logging.Logger
}

// New constructs a Server. shards must contain every shard this process
// is a Raft member of, keyed by shard id.
func New(cfg config.AppConfig, shards map[uint32]*ShardNode, cluster ClusterManager, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{cfg: cfg, shards: shards, cluster: cluster, logger: logger}
}

// Router builds the chi.Mux implementing every endpoint of spec §6.1.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(time.Duration(s.cfg.HTTP.ForwardTimeout) * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/users/{user}/apps/{app}/streams/{stream}/events", s.handleIngestEvent)
		r.Post("/users/{user}/apps/{app}/streams/{stream}/retrieve", s.handleRetrieve)
		r.Get("/users/{user}/apps/{app}/streams/{stream}/tasks/tree", s.handleTaskTree)
		r.Post("/users/{user}/graph/edges", s.handleWriteEdge)
		r.Get("/status/pending", s.handlePendingStatus)
		r.Post("/cluster/initialize", s.handleClusterInitialize)
		r.Post("/cluster/join", s.handleClusterJoin)
		r.Delete("/cluster/nodes/{id}", s.handleClusterRemoveNode)
	})
	return r
}
