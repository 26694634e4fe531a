package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/memorose/engine/pkg/model"
	"github.com/memorose/engine/pkg/raftfsm"
)

const raftApplyTimeout = 5 * time.Second

type ingestEventRequest struct {
	Content      string   `json:"content"`
	ContentType  string   `json:"content_type"`
	Level        *int     `json:"level,omitempty"`
	ParentID     *string  `json:"parent_id,omitempty"`
	TaskStatus   *string  `json:"task_status,omitempty"`
	TaskProgress *float64 `json:"task_progress,omitempty"`
}

// handleIngestEvent implements POST .../events (spec §6.1): the event is
// proposed through Raft so it linearises with every other write to the
// shard before the handler reports it accepted.
func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user")
	appID := chi.URLParam(r, "app")
	streamID := chi.URLParam(r, "stream")

	var body ingestEventRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Content == "" || body.ContentType == "" {
		writeError(w, http.StatusBadRequest, "content and content_type are required")
		return
	}

	node, _ := s.shardNode(userID)
	if node == nil {
		writeError(w, http.StatusServiceUnavailable, "shard not served by this node")
		return
	}
	if !node.IsLeader() {
		s.writeNotLeader(w, node)
		return
	}

	ev := model.Event{
		ID:              uuid.NewString(),
		UserID:          userID,
		AppID:           appID,
		StreamID:        streamID,
		Content:         model.EventContent{Type: model.ContentType(body.ContentType), Text: body.Content},
		TransactionTime: time.Now().UTC(),
		ParentID:        body.ParentID,
		TaskProgress:    body.TaskProgress,
	}
	if body.TaskStatus != nil {
		status := model.TaskStatus(*body.TaskStatus)
		ev.TaskStatus = &status
	}

	req := raftfsm.ClientRequest{Type: raftfsm.RequestIngestEvent, Event: &ev}
	data, err := json.Marshal(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode request: "+err.Error())
		return
	}

	future := node.Raft.Apply(data, raftApplyTimeout)
	if err := future.Error(); err != nil {
		writeError(w, http.StatusInternalServerError, "raft apply: "+err.Error())
		return
	}
	if resp, ok := future.Response().(raftfsm.ClientResponse); ok && !resp.Success {
		writeError(w, http.StatusInternalServerError, resp.Error)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "event_id": ev.ID})
}

type writeEdgeRequest struct {
	SourceID string  `json:"source_id"`
	TargetID string  `json:"target_id"`
	Relation string  `json:"relation"`
	Weight   float64 `json:"weight"`
}

// handleWriteEdge implements POST .../graph/edges (spec §6.1): the edge
// is proposed through Raft, same as an ingested event.
func (s *Server) handleWriteEdge(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user")

	var body writeEdgeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.SourceID == "" || body.TargetID == "" || body.Relation == "" {
		writeError(w, http.StatusBadRequest, "source_id, target_id, and relation are required")
		return
	}

	node, _ := s.shardNode(userID)
	if node == nil {
		writeError(w, http.StatusServiceUnavailable, "shard not served by this node")
		return
	}
	if !node.IsLeader() {
		s.writeNotLeader(w, node)
		return
	}

	edge := model.GraphEdge{
		SourceID: body.SourceID, TargetID: body.TargetID, UserID: userID,
		Relation: model.Relation(body.Relation), Weight: body.Weight, TransactionTime: time.Now().UTC(),
	}
	req := raftfsm.ClientRequest{Type: raftfsm.RequestUpdateGraph, Edge: &edge}
	data, err := json.Marshal(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode request: "+err.Error())
		return
	}

	future := node.Raft.Apply(data, raftApplyTimeout)
	if err := future.Error(); err != nil {
		writeError(w, http.StatusInternalServerError, "raft apply: "+err.Error())
		return
	}
	if resp, ok := future.Response().(raftfsm.ClientResponse); ok && !resp.Success {
		writeError(w, http.StatusInternalServerError, resp.Error)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
