// Package model defines the entities shared across every Memorose
// component: events, memory units, graph edges, and the transient results
// of community detection. All entities are tagged with user_id, app_id,
// and stream_id for multi-tenant isolation (spec §3).
package model

import "time"

// ContentType is the closed set of event content variants.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentAudio ContentType = "audio"
	ContentVideo ContentType = "video"
	ContentJSON  ContentType = "json"
)

// EventContent is a tagged union over the closed ContentType set. Exactly
// one of Text/URL/JSON is populated, selected by Type.
type EventContent struct {
	Type ContentType `json:"type"`
	Text string      `json:"text,omitempty"`
	URL  string       `json:"url,omitempty"`
	JSON any          `json:"json,omitempty"`
}

// IsEmpty reports whether the content carries no payload, the condition
// ingest_event rejects with apperr.RejectedEmpty.
func (c EventContent) IsEmpty() bool {
	switch c.Type {
	case ContentText:
		return c.Text == ""
	case ContentImage, ContentAudio, ContentVideo:
		return c.URL == ""
	case ContentJSON:
		return c.JSON == nil
	default:
		return true
	}
}

// Event is a raw ingested item, immutable once written (spec §3).
type Event struct {
	ID              string            `json:"id"`
	UserID          string            `json:"user_id"`
	AppID           string            `json:"app_id"`
	StreamID        string            `json:"stream_id"`
	AgentID         *string           `json:"agent_id,omitempty"`
	Content         EventContent      `json:"content"`
	TransactionTime time.Time         `json:"transaction_time"`
	ValidTime       *time.Time        `json:"valid_time,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ParentID        *string           `json:"parent_id,omitempty"`
	TaskStatus      *TaskStatus       `json:"task_status,omitempty"`
	TaskProgress    *float64          `json:"task_progress,omitempty"`
}

// IsAgentAuthored reports whether the event was authored by an assistant/agent,
// per spec §4.11 and Open Question 3: metadata.role == "assistant" or an
// agent_id is present.
func (e Event) IsAgentAuthored() bool {
	if e.AgentID != nil && *e.AgentID != "" {
		return true
	}
	return e.Metadata["role"] == "assistant"
}

// MemoryLevel is the consolidation tier of a MemoryUnit.
type MemoryLevel int

const (
	LevelEvent       MemoryLevel = 0 // L0, raw
	LevelConsolidated MemoryLevel = 1 // L1
	LevelInsight      MemoryLevel = 2 // L2: insight/topic
	LevelGoal         MemoryLevel = 3 // L3: goal
)

// MemoryType classifies how a MemoryUnit was compressed (Open Question 2).
type MemoryType string

const (
	MemoryFactual    MemoryType = "factual"
	MemoryProcedural MemoryType = "procedural"
)

// TaskStatus is the closed set of task lifecycle states.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskBlocked   TaskStatus = "blocked"
)

// TaskMetadata tracks the progress of an L3 goal or L2 milestone.
type TaskMetadata struct {
	Status   TaskStatus `json:"status"`
	Progress float64    `json:"progress"` // [0,1]
}

// MemoryUnit is a consolidated memory (spec §3).
type MemoryUnit struct {
	ID              string       `json:"id"`
	UserID          string       `json:"user_id"`
	AppID           string       `json:"app_id"`
	StreamID        string       `json:"stream_id"`
	AgentID         *string      `json:"agent_id,omitempty"`
	Content         string       `json:"content"`
	Embedding       []float32    `json:"embedding,omitempty"`
	Keywords        []string     `json:"keywords,omitempty"`
	Importance      float64      `json:"importance"` // [0,1]
	Level           MemoryLevel  `json:"level"`
	MemoryType      MemoryType   `json:"memory_type"`
	TransactionTime time.Time    `json:"transaction_time"`
	ValidTime       *time.Time   `json:"valid_time,omitempty"`
	LastAccessed    time.Time    `json:"last_accessed"`
	AccessCount     int64        `json:"access_count"`
	References      []string     `json:"references,omitempty"`
	Assets          []string     `json:"assets,omitempty"`
	Task            *TaskMetadata `json:"task,omitempty"`
}

// Relation is the closed set of directed, typed graph edge relations.
type Relation string

const (
	RelNext          Relation = "Next"
	RelRelatedTo     Relation = "RelatedTo"
	RelContradicts   Relation = "Contradicts"
	RelSupports      Relation = "Supports"
	RelAbstracts     Relation = "Abstracts"
	RelDerivedFrom   Relation = "DerivedFrom"
	RelCausedBy      Relation = "CausedBy"
	RelEvolvedTo     Relation = "EvolvedTo"
	RelIsSubTaskOf   Relation = "IsSubTaskOf"
	RelBlocks        Relation = "Blocks"
	RelAccomplishes  Relation = "Accomplishes"
)

// GraphEdge is a directed, typed, weighted edge between two memory units
// (spec §3). Logical identity is (UserID, SourceID, TargetID, Relation).
type GraphEdge struct {
	SourceID        string    `json:"source_id"`
	TargetID        string    `json:"target_id"`
	UserID          string    `json:"user_id"`
	Relation        Relation  `json:"relation"`
	Weight          float64   `json:"weight"` // [0,1]
	TransactionTime time.Time `json:"transaction_time"`
}

// CommunityResult is the transient output of a community-detection pass.
type CommunityResult struct {
	NodeToCommunity map[string]int   `json:"node_to_community"`
	Members         map[int][]string `json:"members"`
	Modularity      float64          `json:"modularity"`
	Count           int              `json:"count"`
}

// PendingMarker is the value stored at pending:{id}.
type PendingMarker struct {
	UserID string `json:"user_id"`
	AppID  string `json:"app_id"`
}

// FailedMarker is the value stored at failed:{id} once an event exhausts
// its retries.
type FailedMarker struct {
	Error      string    `json:"error"`
	FailedAt   time.Time `json:"failed_at"`
	RetryCount uint32    `json:"retry_count"`
}
