package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/hashicorp/raft"

	"github.com/memorose/engine/pkg/sharding"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// notLeaderBody is the 503 body returned to a write issued against a
// non-leader, per spec §6.1's redirection contract.
type notLeaderBody struct {
	Error              string  `json:"error"`
	CurrentLeader      string  `json:"current_leader"`
	ShardID            *uint32 `json:"shard_id,omitempty"`
	LeaderPhysicalNode *uint32 `json:"leader_physical_node,omitempty"`
	Hint               string  `json:"hint,omitempty"`
}

func (s *Server) writeNotLeader(w http.ResponseWriter, node *ShardNode) {
	addr, id := node.Raft.LeaderWithID()
	body := notLeaderBody{
		Error:         "Not Leader",
		CurrentLeader: string(addr),
		ShardID:       &node.ShardID,
		Hint:          "decode raft_node_id = shard_id*1000 + physical_node_id to locate the leader",
	}
	if id != "" {
		if raftID, ok := parseServerID(id); ok {
			_, physicalNodeID := sharding.DecodeRaftNodeID(raftID)
			body.LeaderPhysicalNode = &physicalNodeID
		}
	}
	writeJSON(w, http.StatusServiceUnavailable, body)
}

func parseServerID(id raft.ServerID) (uint64, bool) {
	var n uint64
	for _, c := range string(id) {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + uint64(c-'0')
	}
	return n, len(id) > 0
}

// shardNode resolves the ShardNode responsible for userID, or nil if
// this process does not serve that shard.
func (s *Server) shardNode(userID string) (*ShardNode, uint32) {
	shardID := sharding.ShardForUser(userID, s.cfg.Sharding.ShardCount)
	return s.shards[shardID], shardID
}
