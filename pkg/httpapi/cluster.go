package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleClusterInitialize bootstraps this process's Raft groups as a
// single-node cluster (spec §6.1's cluster bootstrap endpoint).
func (s *Server) handleClusterInitialize(w http.ResponseWriter, r *http.Request) {
	if s.cluster == nil {
		writeError(w, http.StatusServiceUnavailable, "cluster manager not configured")
		return
	}
	if err := s.cluster.Initialize(); err != nil {
		writeError(w, http.StatusInternalServerError, "cluster initialize: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "initialized"})
}

type clusterJoinRequest struct {
	PhysicalNodeID uint32 `json:"physical_node_id"`
	Addr           string `json:"addr"`
}

// handleClusterJoin adds a voter to every shard's Raft configuration.
func (s *Server) handleClusterJoin(w http.ResponseWriter, r *http.Request) {
	if s.cluster == nil {
		writeError(w, http.StatusServiceUnavailable, "cluster manager not configured")
		return
	}
	var body clusterJoinRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Addr == "" {
		writeError(w, http.StatusBadRequest, "addr is required")
		return
	}
	if err := s.cluster.Join(body.PhysicalNodeID, body.Addr); err != nil {
		writeError(w, http.StatusInternalServerError, "cluster join: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "joined"})
}

// handleClusterRemoveNode removes a voter from every shard's Raft
// configuration, e.g. after a permanent node loss.
func (s *Server) handleClusterRemoveNode(w http.ResponseWriter, r *http.Request) {
	if s.cluster == nil {
		writeError(w, http.StatusServiceUnavailable, "cluster manager not configured")
		return
	}
	idParam := chi.URLParam(r, "id")
	physicalNodeID, ok := parseUint32(idParam)
	if !ok {
		writeError(w, http.StatusBadRequest, "id must be a numeric physical node id")
		return
	}
	if err := s.cluster.RemoveNode(physicalNodeID); err != nil {
		writeError(w, http.StatusInternalServerError, "cluster remove node: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func parseUint32(s string) (uint32, bool) {
	if s == "" {
		return 0, false
	}
	var n uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + uint64(c-'0')
		if n > uint64(^uint32(0)) {
			return 0, false
		}
	}
	return uint32(n), true
}
