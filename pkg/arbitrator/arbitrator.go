// Package arbitrator implements the LLM-delegated reasoning capabilities of
// spec §4.9: conflict arbitration, consolidation, topic extraction,
// relation analysis, community summarization, and goal decomposition. It
// generalizes the teacher's LLM-provider-agnostic design note in
// pkg/memory/reflect.go ("sqvect does not call an LLM itself... keeping
// sqvect LLM-provider-agnostic") by depending on the llmcap.Client
// interface rather than assuming any concrete provider, and degrades every
// capability to an identity/empty/concat fallback when the client is nil
// or returns llmcap.ErrUnavailable.
package arbitrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/memorose/engine/pkg/llmcap"
	"github.com/memorose/engine/pkg/model"
)

// MaxContextChars bounds how much memory text is concatenated into a
// single LLM prompt (spec §4.9: "~100k").
const MaxContextChars = 100_000

// Arbitrator wraps an llmcap.Client with the engine's reasoning
// capabilities. A nil Client is valid and causes every capability to
// degrade to its fallback behavior.
type Arbitrator struct {
	llm llmcap.Client
}

// New constructs an Arbitrator over llm. llm may be nil.
func New(llm llmcap.Client) *Arbitrator {
	return &Arbitrator{llm: llm}
}

// buildContext concatenates texts with a separator, stopping before the
// next addition would exceed MaxContextChars (spec §4.9: "built greedily
// by concatenation ... until the budget would be exceeded").
func buildContext(texts []string, maxChars int) string {
	var b strings.Builder
	for i, t := range texts {
		addition := t
		if i > 0 {
			addition = "\n---\n" + t
		}
		if b.Len()+len(addition) > maxChars {
			break
		}
		b.WriteString(addition)
	}
	return b.String()
}

// stripCodeFence removes a leading/trailing ```-delimited code fence (with
// an optional language tag) from an LLM response before JSON parsing.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		firstLine := strings.TrimSpace(s[:nl])
		if firstLine != "" && !strings.Contains(firstLine, " ") {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

const arbitrateSystemPrompt = `You resolve conflicts among candidate memories for a retrieval query.
Rules:
- If the query concerns the history of a fact (asks how something changed over time), keep ALL versions.
- If the query asks for the "original", "earliest", or "initial" value, keep only the OLDEST version.
- If the query targets a specific fact precisely, keep only the version matching that fact.
- Otherwise, keep only the LATEST version.
Respond with a comma-separated list of the ids to keep, and nothing else.`

// Arbitrate filters memories down to the versions the query calls for. On
// missing LLM it degrades to identity (returns memories unchanged).
func (a *Arbitrator) Arbitrate(ctx context.Context, memories []model.MemoryUnit, query string) ([]model.MemoryUnit, error) {
	if a.llm == nil || len(memories) == 0 {
		return memories, nil
	}

	texts := make([]string, len(memories))
	for i, m := range memories {
		texts[i] = fmt.Sprintf("id=%s time=%s: %s", m.ID, m.TransactionTime.Format(time.RFC3339), m.Content)
	}
	prompt := buildContext(texts, MaxContextChars) + "\n\nquery: " + query

	resp, err := a.llm.Complete(ctx, arbitrateSystemPrompt, prompt)
	if err != nil {
		return memories, nil
	}

	kept := make(map[string]bool)
	for _, id := range strings.Split(resp, ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			kept[id] = true
		}
	}
	if len(kept) == 0 {
		return memories, nil
	}

	out := make([]model.MemoryUnit, 0, len(memories))
	for _, m := range memories {
		if kept[m.ID] {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		return memories, nil
	}
	return out, nil
}

const consolidateSystemPrompt = `Synthesize the following memories into a single coherent narrative.
Never drop or silently overwrite the history of a fact that changed over time; describe the change instead.`

// Consolidate synthesizes memories into a single narrative. On missing LLM
// it degrades to concatenation.
func (a *Arbitrator) Consolidate(ctx context.Context, memories []model.MemoryUnit) (string, error) {
	texts := make([]string, len(memories))
	for i, m := range memories {
		texts[i] = m.Content
	}
	narrativeContext := buildContext(texts, MaxContextChars)

	if a.llm == nil {
		return narrativeContext, nil
	}

	resp, err := a.llm.Complete(ctx, consolidateSystemPrompt, narrativeContext)
	if err != nil {
		return narrativeContext, nil
	}
	return resp, nil
}

const extractTopicsSystemPrompt = `Identify the recurring topics discussed across the following memories.
Respond with a JSON array of objects: {"content": string, "reference_ids": [string]}.`

// ExtractTopics returns level-2 topic units referencing their source
// units. On missing LLM it degrades to empty.
func (a *Arbitrator) ExtractTopics(ctx context.Context, userID, appID, streamID string, memories []model.MemoryUnit) ([]model.MemoryUnit, error) {
	if a.llm == nil || len(memories) == 0 {
		return nil, nil
	}

	texts := make([]string, len(memories))
	for i, m := range memories {
		texts[i] = fmt.Sprintf("id=%s: %s", m.ID, m.Content)
	}
	prompt := buildContext(texts, MaxContextChars)

	resp, err := a.llm.Complete(ctx, extractTopicsSystemPrompt, prompt)
	if err != nil {
		return nil, nil
	}

	var parsed []struct {
		Content      string   `json:"content"`
		ReferenceIDs []string `json:"reference_ids"`
	}
	if err := json.Unmarshal([]byte(stripCodeFence(resp)), &parsed); err != nil {
		return nil, nil
	}

	now := time.Now().UTC()
	out := make([]model.MemoryUnit, 0, len(parsed))
	for _, p := range parsed {
		out = append(out, model.MemoryUnit{
			UserID:          userID,
			AppID:           appID,
			StreamID:        streamID,
			Content:         p.Content,
			Level:           model.LevelInsight,
			MemoryType:      model.MemoryFactual,
			References:      p.ReferenceIDs,
			TransactionTime: now,
			LastAccessed:    now,
			Importance:      0.5,
		})
	}
	return out, nil
}

const analyzeRelationsSystemPrompt = `Given a new memory and candidate context memories, identify the relations from the new memory to each context memory.
Valid relations: RelatedTo, CausedBy, EvolvedTo, DerivedFrom.
Respond with a JSON array of objects: {"target_id": string, "relation": string, "weight": number between 0 and 1}.
Omit any context memory with no relation.`

var allowedAnalysisRelations = map[model.Relation]bool{
	model.RelRelatedTo:   true,
	model.RelCausedBy:    true,
	model.RelEvolvedTo:   true,
	model.RelDerivedFrom: true,
}

// AnalyzeRelations returns edges from newUnit to the context units it is
// related to. On missing LLM it degrades to empty.
func (a *Arbitrator) AnalyzeRelations(ctx context.Context, newUnit model.MemoryUnit, contextUnits []model.MemoryUnit) ([]model.GraphEdge, error) {
	if a.llm == nil || len(contextUnits) == 0 {
		return nil, nil
	}

	texts := make([]string, 0, len(contextUnits)+1)
	texts = append(texts, fmt.Sprintf("NEW id=%s: %s", newUnit.ID, newUnit.Content))
	for _, c := range contextUnits {
		texts = append(texts, fmt.Sprintf("CONTEXT id=%s: %s", c.ID, c.Content))
	}
	prompt := buildContext(texts, MaxContextChars)

	resp, err := a.llm.Complete(ctx, analyzeRelationsSystemPrompt, prompt)
	if err != nil {
		return nil, nil
	}

	var parsed []struct {
		TargetID string  `json:"target_id"`
		Relation string  `json:"relation"`
		Weight   float64 `json:"weight"`
	}
	if err := json.Unmarshal([]byte(stripCodeFence(resp)), &parsed); err != nil {
		return nil, nil
	}

	now := time.Now().UTC()
	out := make([]model.GraphEdge, 0, len(parsed))
	for _, p := range parsed {
		rel := model.Relation(p.Relation)
		if !allowedAnalysisRelations[rel] {
			continue
		}
		out = append(out, model.GraphEdge{
			SourceID:        newUnit.ID,
			TargetID:        p.TargetID,
			UserID:          newUnit.UserID,
			Relation:        rel,
			Weight:          p.Weight,
			TransactionTime: now,
		})
	}
	return out, nil
}

const summarizeCommunitySystemPrompt = `Summarize the following set of related memories as a community.
Respond with a JSON object: {"name": string, "summary": string, "keywords": [string]}.`

// CommunitySummary is the output of SummarizeCommunity.
type CommunitySummary struct {
	Name     string   `json:"name"`
	Summary  string   `json:"summary"`
	Keywords []string `json:"keywords"`
}

// SummarizeCommunity names and summarizes a set of community member texts.
// On missing LLM it degrades to an empty name, a concatenated summary, and
// no keywords.
func (a *Arbitrator) SummarizeCommunity(ctx context.Context, texts []string) (CommunitySummary, error) {
	joined := buildContext(texts, MaxContextChars)

	if a.llm == nil {
		return CommunitySummary{Summary: joined}, nil
	}

	resp, err := a.llm.Complete(ctx, summarizeCommunitySystemPrompt, joined)
	if err != nil {
		return CommunitySummary{Summary: joined}, nil
	}

	var summary CommunitySummary
	if err := json.Unmarshal([]byte(stripCodeFence(resp)), &summary); err != nil {
		return CommunitySummary{Summary: joined}, nil
	}
	return summary, nil
}

const decomposeGoalSystemPrompt = `Decompose the following goal into 3 to 5 ordered milestones.
Respond with a JSON array of objects: {"content": string}.`

// DecomposeGoal returns 3-5 level-2 milestone units with Pending/0.0 task
// metadata. On missing LLM it degrades to empty.
func (a *Arbitrator) DecomposeGoal(ctx context.Context, userID, appID, streamID, goalDescription string) ([]model.MemoryUnit, error) {
	if a.llm == nil || goalDescription == "" {
		return nil, nil
	}

	resp, err := a.llm.Complete(ctx, decomposeGoalSystemPrompt, goalDescription)
	if err != nil {
		return nil, nil
	}

	var parsed []struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(stripCodeFence(resp)), &parsed); err != nil {
		return nil, nil
	}

	now := time.Now().UTC()
	out := make([]model.MemoryUnit, 0, len(parsed))
	for _, p := range parsed {
		out = append(out, model.MemoryUnit{
			UserID:          userID,
			AppID:           appID,
			StreamID:        streamID,
			Content:         p.Content,
			Level:           model.LevelInsight,
			MemoryType:      model.MemoryFactual,
			TransactionTime: now,
			LastAccessed:    now,
			Importance:      0.5,
			Task: &model.TaskMetadata{
				Status:   model.TaskPending,
				Progress: 0.0,
			},
		})
	}
	return out, nil
}
