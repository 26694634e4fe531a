// Package reranker implements the final relevance-scoring stage of spec
// §4.8. The Reranker interface and RerankerFunc adapter are carried over in
// spirit from the teacher's pkg/core/reranker.go; weights now live in the
// KV store (reranker:weights) rather than in-process struct fields, so the
// bandit-style feedback loop persists across restarts.
package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/memorose/engine/pkg/kvstore"
	"github.com/memorose/engine/pkg/model"
)

// Candidate is one result awaiting a final score.
type Candidate struct {
	Unit      model.MemoryUnit
	BaseScore float64
}

// Scored is a Candidate with its final reranked score.
type Scored struct {
	Unit  model.MemoryUnit
	Score float64
}

// Reranker reorders candidates into a final relevance order.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []Candidate) ([]Scored, error)
	// ApplyFeedback adjusts internal weights from which candidates were
	// actually cited versus merely retrieved.
	ApplyFeedback(ctx context.Context, citedIDs, retrievedIDs []string) error
}

// RerankerFunc adapts a plain function to the Reranker interface for
// rerank-only implementations with a no-op feedback step.
type RerankerFunc func(ctx context.Context, query string, candidates []Candidate) ([]Scored, error)

func (f RerankerFunc) Rerank(ctx context.Context, query string, candidates []Candidate) ([]Scored, error) {
	return f(ctx, query, candidates)
}

func (f RerankerFunc) ApplyFeedback(ctx context.Context, citedIDs, retrievedIDs []string) error {
	return nil
}

const weightsKey = "reranker:weights"

// Weights are the linear combination coefficients for the default
// weighted reranker.
type Weights struct {
	Similarity float64 `json:"similarity"`
	Importance float64 `json:"importance"`
	Recency    float64 `json:"recency"`
}

// DefaultWeights matches spec §4.8's defaults: 1.0 / 0.2 / 0.1.
func DefaultWeights() Weights {
	return Weights{Similarity: 1.0, Importance: 0.2, Recency: 0.1}
}

const recencyHalfLife = 7 * 24 * time.Hour

// Weighted is the default reranker: final = sim*w_s + importance*w_i +
// recency*w_r, where recency = 0.5^(age/half_life) with a 7-day half-life.
type Weighted struct {
	kv  *kvstore.Store
	now func() time.Time
}

// NewWeighted constructs the default weighted reranker, loading/persisting
// its weights from kv.
func NewWeighted(kv *kvstore.Store) *Weighted {
	return &Weighted{kv: kv, now: time.Now}
}

func (w *Weighted) loadWeights(ctx context.Context) Weights {
	raw, err := w.kv.Get(ctx, []byte(weightsKey))
	if err != nil {
		return DefaultWeights()
	}
	var weights Weights
	if err := json.Unmarshal(raw, &weights); err != nil {
		return DefaultWeights()
	}
	return weights
}

func (w *Weighted) saveWeights(ctx context.Context, weights Weights) error {
	data, err := json.Marshal(weights)
	if err != nil {
		return fmt.Errorf("reranker: encode weights: %w", err)
	}
	return w.kv.Put(ctx, []byte(weightsKey), data)
}

func (w *Weighted) Rerank(ctx context.Context, query string, candidates []Candidate) ([]Scored, error) {
	weights := w.loadWeights(ctx)
	now := w.now()

	out := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		ageSecs := now.Sub(c.Unit.TransactionTime).Seconds()
		if ageSecs < 0 {
			ageSecs = 0
		}
		recency := math.Pow(0.5, ageSecs/recencyHalfLife.Seconds())

		score := c.BaseScore*weights.Similarity +
			c.Unit.Importance*weights.Importance +
			recency*weights.Recency

		out = append(out, Scored{Unit: c.Unit, Score: score})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// ApplyFeedback implements the bandit-style update of spec §4.8: for each
// retrieved id, reward is +1 if it was cited, else -1; the similarity
// weight is nudged by 0.01*reward and clamped to [0.1, 2.0].
func (w *Weighted) ApplyFeedback(ctx context.Context, citedIDs, retrievedIDs []string) error {
	cited := make(map[string]bool, len(citedIDs))
	for _, id := range citedIDs {
		cited[id] = true
	}

	weights := w.loadWeights(ctx)
	for _, id := range retrievedIDs {
		reward := -1.0
		if cited[id] {
			reward = 1.0
		}
		weights.Similarity = clamp(weights.Similarity+0.01*reward, 0.1, 2.0)
	}

	return w.saveWeights(ctx, weights)
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// httpCandidate/httpResult are the wire shapes for the HTTP reranker's POST
// body and response (spec §4.8: "POST {query, candidates:[id, text,
// base_score]}").
type httpCandidate struct {
	ID        string  `json:"id"`
	Text      string  `json:"text"`
	BaseScore float64 `json:"base_score"`
}

type httpRequest struct {
	Query      string          `json:"query"`
	Candidates []httpCandidate `json:"candidates"`
}

type httpResult struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

type httpResponse struct {
	Results []httpResult `json:"results"`
}

// HTTP delegates reranking to a remote endpoint, falling back to the base
// scores on any error. Feedback is a no-op (the remote service owns its
// own learning loop, if any).
type HTTP struct {
	endpoint string
	hc       *http.Client
}

// NewHTTP constructs an HTTP-delegated reranker with a 10-second timeout.
func NewHTTP(endpoint string) *HTTP {
	return &HTTP{endpoint: endpoint, hc: &http.Client{Timeout: 10 * time.Second}}
}

func (h *HTTP) Rerank(ctx context.Context, query string, candidates []Candidate) ([]Scored, error) {
	fallback := func() []Scored {
		out := make([]Scored, len(candidates))
		for i, c := range candidates {
			out[i] = Scored{Unit: c.Unit, Score: c.BaseScore}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
		return out
	}

	byID := make(map[string]model.MemoryUnit, len(candidates))
	reqCandidates := make([]httpCandidate, len(candidates))
	for i, c := range candidates {
		byID[c.Unit.ID] = c.Unit
		reqCandidates[i] = httpCandidate{ID: c.Unit.ID, Text: c.Unit.Content, BaseScore: c.BaseScore}
	}

	results, err := h.call(ctx, httpRequest{Query: query, Candidates: reqCandidates})
	if err != nil {
		return fallback(), nil
	}

	out := make([]Scored, 0, len(results))
	for _, r := range results {
		unit, ok := byID[r.ID]
		if !ok {
			continue
		}
		out = append(out, Scored{Unit: unit, Score: r.Score})
	}
	if len(out) == 0 {
		return fallback(), nil
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func (h *HTTP) call(ctx context.Context, req httpRequest) ([]httpResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.hc.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reranker: http status %d", resp.StatusCode)
	}

	var out httpResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (h *HTTP) ApplyFeedback(ctx context.Context, citedIDs, retrievedIDs []string) error {
	return nil
}
