package worker

import (
	"context"
	"fmt"
)

// runDecayCycle multiplies every active user's unit importance by
// decay_factor, then prunes anything below prune_threshold (spec §4.11
// cycle 1).
func (w *Worker) runDecayCycle(ctx context.Context) error {
	users, err := w.eng.ActiveUsers(ctx)
	if err != nil {
		return fmt.Errorf("decay cycle: active_users: %w", err)
	}

	for _, user := range users {
		if err := w.eng.DecayImportance(ctx, user, w.cfg.Worker.DecayFactor); err != nil {
			w.logger.Error("decay_importance failed", "user", user, "error", err)
			continue
		}
		if err := w.eng.PruneMemories(ctx, user, w.cfg.Worker.PruneThreshold); err != nil {
			w.logger.Error("prune_memories failed", "user", user, "error", err)
		}
	}
	return nil
}
