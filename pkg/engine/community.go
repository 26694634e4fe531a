package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/memorose/engine/pkg/apperr"
	"github.com/memorose/engine/pkg/community"
	"github.com/memorose/engine/pkg/model"
)

// ProcessCommunitiesWithLimits runs LPA on the user's edge set, summarises
// each community with at least minMembers members (up to maxGroups) via
// the Arbitrator into an L2 unit, and adds DerivedFrom edges from the new
// unit to every member (spec §4.1, §4.10).
func (e *Engine) ProcessCommunitiesWithLimits(ctx context.Context, userID string, minMembers, maxGroups int) error {
	edges, err := e.collectUserEdges(ctx, userID)
	if err != nil {
		return apperr.Wrap("process_communities", apperr.ErrStorePersistent, err)
	}
	if len(edges) == 0 {
		return nil
	}

	graph := community.BuildGraph(edges)
	result := community.LPA(graph, 100)

	groups := 0
	for _, members := range result.Members {
		if groups >= maxGroups {
			break
		}
		if len(members) < minMembers {
			continue
		}

		units, err := e.multiGetUnits(ctx, userID, members)
		if err != nil {
			e.logger.Warn("failed to fetch community members", "error", err)
			continue
		}
		texts := make([]string, 0, len(members))
		refIDs := make([]string, 0, len(members))
		for _, m := range members {
			if u, ok := units[m]; ok {
				texts = append(texts, u.Content)
				refIDs = append(refIDs, m)
			}
		}
		if len(texts) == 0 {
			continue
		}

		summary, err := e.arb.SummarizeCommunity(ctx, texts)
		if err != nil {
			e.logger.Warn("summarize_community failed", "error", err)
			continue
		}

		now := time.Now().UTC()
		l2 := model.MemoryUnit{
			UserID:          userID,
			Content:         summary.Summary,
			Keywords:        summary.Keywords,
			Level:           model.LevelInsight,
			MemoryType:      model.MemoryFactual,
			References:      refIDs,
			TransactionTime: now,
			LastAccessed:    now,
			Importance:      0.5,
		}
		if err := e.StoreMemoryUnit(ctx, l2); err != nil {
			e.logger.Warn("failed to store community insight unit", "error", err)
			continue
		}
		groups++
	}

	return nil
}

// collectUserEdges gathers the user's outgoing edges reachable from every
// level-1 unit, used as the community detector's input edge set.
func (e *Engine) collectUserEdges(ctx context.Context, userID string) ([]model.GraphEdge, error) {
	recent, err := e.fetchRecentL1Units(ctx, userID, 10_000)
	if err != nil {
		return nil, fmt.Errorf("collect_user_edges: fetch l1 units: %w", err)
	}
	if len(recent) == 0 {
		return nil, nil
	}

	ids := make([]string, len(recent))
	for i, u := range recent {
		ids[i] = u.ID
	}

	grouped, err := e.graph.BatchGetOutgoingEdges(ctx, userID, ids)
	if err != nil {
		return nil, fmt.Errorf("collect_user_edges: batch_get_outgoing: %w", err)
	}

	var edges []model.GraphEdge
	for _, es := range grouped {
		edges = append(edges, es...)
	}
	return edges, nil
}
