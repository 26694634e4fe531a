package engine

import (
	"context"
	"fmt"

	"github.com/memorose/engine/pkg/apperr"
	"github.com/memorose/engine/pkg/model"
)

// ReflectOnSession collects the recent L1 units in a stream and asks the
// Arbitrator to extract L2 topics, embedding them (if an LLM client is
// configured) before storing (spec §4.1, §4.11 cycle 4).
func (e *Engine) ReflectOnSession(ctx context.Context, userID, streamID string) error {
	recent, err := e.fetchRecentL1Units(ctx, userID, e.cfg.Worker.InsightRecentL1Limit)
	if err != nil {
		return apperr.Wrap("reflect_on_session", apperr.ErrStorePersistent, err)
	}

	inStream := make([]model.MemoryUnit, 0, len(recent))
	for _, u := range recent {
		if u.StreamID == streamID {
			inStream = append(inStream, u)
		}
	}
	if len(inStream) == 0 {
		return nil
	}

	appID := inStream[0].AppID
	topics, err := e.arb.ExtractTopics(ctx, userID, appID, streamID, inStream)
	if err != nil {
		return fmt.Errorf("reflect_on_session: extract_topics: %w", err)
	}
	if len(topics) == 0 {
		return nil
	}

	for i := range topics {
		if e.llm != nil && len(topics[i].Embedding) == 0 {
			vec, err := e.llm.Embed(ctx, topics[i].Content)
			if err == nil {
				topics[i].Embedding = vec
			}
		}
	}

	return e.StoreMemoryUnits(ctx, topics)
}
