package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/memorose/engine/pkg/engine"
	"github.com/memorose/engine/pkg/textindex"
)

type retrieveRequest struct {
	Query             string    `json:"query"`
	IncludeVector     []float32 `json:"include_vector,omitempty"`
	EnableArbitration bool      `json:"enable_arbitration,omitempty"`
	MinScore          *float64  `json:"min_score,omitempty"`
	GraphDepth        *int      `json:"graph_depth,omitempty"`
	StartTime         *time.Time `json:"start_time,omitempty"`
	EndTime           *time.Time `json:"end_time,omitempty"`
	AsOf              *time.Time `json:"as_of,omitempty"`
}

type retrieveResultView struct {
	Unit  any     `json:"unit"`
	Score float64 `json:"score"`
}

// handleRetrieve implements POST .../retrieve (spec §6.1): reads are
// served locally off this node's Engine, per the spec's "reads are local
// to the receiving node" ordering guarantee — no Raft round trip.
func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user")
	appID := chi.URLParam(r, "app")
	streamID := chi.URLParam(r, "stream")

	var body retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Query == "" && len(body.IncludeVector) == 0 {
		writeError(w, http.StatusBadRequest, "query or include_vector is required")
		return
	}

	node, _ := s.shardNode(userID)
	if node == nil {
		writeError(w, http.StatusServiceUnavailable, "shard not served by this node")
		return
	}

	params := engine.SearchParams{
		UserID: userID, AppID: appID,
		QueryText: body.Query, QueryVec: body.IncludeVector,
		EnableArbitration: body.EnableArbitration, MinScore: body.MinScore,
	}
	if body.GraphDepth != nil {
		params.GraphDepth = *body.GraphDepth
	}
	if body.StartTime != nil || body.EndTime != nil {
		params.ValidTimeRange = timeRangeOf(body.StartTime, body.EndTime)
	}
	if body.AsOf != nil {
		params.TxTimeRange = timeRangeOf(nil, body.AsOf)
	}

	results, err := node.Engine.SearchHybrid(r.Context(), params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "search_hybrid: "+err.Error())
		return
	}

	view := make([]retrieveResultView, 0, len(results))
	for _, res := range results {
		view = append(view, retrieveResultView{Unit: res.Unit, Score: res.Score})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stream_id": streamID,
		"query":     body.Query,
		"results":   view,
	})
}

func timeRangeOf(start, end *time.Time) textindex.TimeRange {
	var tr textindex.TimeRange
	if start != nil {
		tr.Start = *start
	}
	if end != nil {
		tr.End = *end
	}
	return tr
}

// handleTaskTree implements GET .../tasks/tree (spec §6.1).
func (s *Server) handleTaskTree(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user")
	appID := chi.URLParam(r, "app")
	streamID := chi.URLParam(r, "stream")

	node, _ := s.shardNode(userID)
	if node == nil {
		writeError(w, http.StatusServiceUnavailable, "shard not served by this node")
		return
	}

	tree, err := node.Engine.TaskTree(r.Context(), userID, appID, streamID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "task_tree: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tree})
}

// handlePendingStatus implements GET /status/pending (spec §6.1): an
// idempotent, read-only aggregate across every shard this node serves.
func (s *Server) handlePendingStatus(w http.ResponseWriter, r *http.Request) {
	total := 0
	perShard := make(map[string]int, len(s.shards))
	for shardID, node := range s.shards {
		pending, err := node.Engine.FetchPendingEvents(r.Context(), 1_000_000)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "fetch_pending_events: "+err.Error())
			return
		}
		perShard[itoaShard(shardID)] = len(pending)
		total += len(pending)
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "by_shard": perShard})
}

func itoaShard(shardID uint32) string {
	if shardID == 0 {
		return "0"
	}
	digits := make([]byte, 0, 10)
	for shardID > 0 {
		digits = append([]byte{byte('0' + shardID%10)}, digits...)
		shardID /= 10
	}
	return string(digits)
}
