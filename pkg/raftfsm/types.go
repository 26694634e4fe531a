// Package raftfsm wraps the Memory Engine as the replicated state machine
// of a single per-shard hashicorp/raft group (spec §4.12). No example repo
// in the corpus uses hashicorp/raft directly; it is the canonical Go Raft
// implementation and the spec explicitly requires "a per-shard Raft
// replication contract that turns it into a linearizable replicated state
// machine" — so it is named here as a domain dependency rather than a
// teacher-grounded one (see DESIGN.md).
package raftfsm

import "github.com/memorose/engine/pkg/model"

// RequestType is the closed sum-type tag for a ClientRequest (spec §4.12).
type RequestType string

const (
	RequestIngestEvent RequestType = "ingest_event"
	RequestUpdateGraph RequestType = "update_graph"
)

// ClientRequest is the closed sum {IngestEvent(Event), UpdateGraph(GraphEdge)}
// proposed to the Raft log. Exactly one of Event/Edge is populated,
// selected by Type.
type ClientRequest struct {
	Type  RequestType      `json:"type"`
	Event *model.Event     `json:"event,omitempty"`
	Edge  *model.GraphEdge `json:"edge,omitempty"`
}

// ClientResponse is returned by apply_to_state_machine for every entry.
type ClientResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
