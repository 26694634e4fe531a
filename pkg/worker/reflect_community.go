package worker

import (
	"context"
	"fmt"
)

// runInsightCycle reflects on every stream of every user marked
// needs_reflect, then clears the marker (spec §4.11 cycle 4).
func (w *Worker) runInsightCycle(ctx context.Context) error {
	users, err := w.eng.NeedsReflectUsers(ctx)
	if err != nil {
		return fmt.Errorf("insight cycle: needs_reflect_users: %w", err)
	}

	for _, user := range users {
		streams, err := w.eng.RecentStreams(ctx, user, w.cfg.Worker.InsightRecentL1Limit)
		if err != nil {
			w.logger.Error("recent_streams failed", "user", user, "error", err)
			continue
		}
		for _, stream := range streams {
			if err := w.eng.ReflectOnSession(ctx, user, stream); err != nil {
				w.logger.Error("reflect_on_session failed", "user", user, "stream", stream, "error", err)
			}
		}
		if err := w.eng.ClearNeedsReflect(ctx, user); err != nil {
			w.logger.Error("clear_needs_reflect failed", "user", user, "error", err)
		}
	}
	return nil
}

// runCommunityCycle processes community detection for up to
// community_max_users_per_cycle users marked needs_community, then clears
// their markers (spec §4.11 cycle 5).
func (w *Worker) runCommunityCycle(ctx context.Context) error {
	users, err := w.eng.NeedsCommunityUsers(ctx, w.cfg.Worker.CommunityMaxUsersPerCycle)
	if err != nil {
		return fmt.Errorf("community cycle: needs_community_users: %w", err)
	}

	for _, user := range users {
		if err := w.eng.ProcessCommunitiesWithLimits(ctx, user, w.cfg.Worker.CommunityMinMembers, w.cfg.Worker.CommunityMaxGroups); err != nil {
			w.logger.Error("process_communities_with_limits failed", "user", user, "error", err)
		}
		if err := w.eng.ClearNeedsCommunity(ctx, user); err != nil {
			w.logger.Error("clear_needs_community failed", "user", user, "error", err)
		}
	}
	return nil
}
