package engine

import (
	"context"
	"time"

	"github.com/memorose/engine/pkg/apperr"
	"github.com/memorose/engine/pkg/model"
)

// PendingEvent is one row of the pending: queue, joined with its current
// retry_count (spec §4.11 cycle 2).
type PendingEvent struct {
	ID         string
	UserID     string
	AppID      string
	RetryCount uint32
}

// ActiveUsers returns every user with at least one active_user: marker
// (spec §4.11 cycle 1 "scan active_user:*").
func (e *Engine) ActiveUsers(ctx context.Context) ([]string, error) {
	rows, err := e.kv.Scan(ctx, activeUserPrefix())
	if err != nil {
		return nil, apperr.Wrap("active_users", apperr.ErrStorePersistent, err)
	}
	prefix := activeUserPrefix()
	users := make([]string, 0, len(rows))
	for _, r := range rows {
		users = append(users, userFromPendingPrefixedKey(r.Key, prefix))
	}
	return users, nil
}

// FetchPendingEvents returns up to limit entries from the pending: queue,
// each joined with its retry_count (0 if never incremented).
func (e *Engine) FetchPendingEvents(ctx context.Context, limit int) ([]PendingEvent, error) {
	rows, err := e.kv.Scan(ctx, pendingPrefix())
	if err != nil {
		return nil, apperr.Wrap("fetch_pending_events", apperr.ErrStorePersistent, err)
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}

	prefix := pendingPrefix()
	out := make([]PendingEvent, 0, len(rows))
	for _, r := range rows {
		id := userFromPendingPrefixedKey(r.Key, prefix)
		var marker model.PendingMarker
		if err := unmarshalJSON(r.Value, &marker); err != nil {
			continue
		}
		retryRaw, err := e.kv.Get(ctx, retryCountKey(id))
		var retry uint32
		if err == nil {
			retry = decodeUint32(retryRaw)
		}
		out = append(out, PendingEvent{ID: id, UserID: marker.UserID, AppID: marker.AppID, RetryCount: retry})
	}
	return out, nil
}

// GetEvent fetches a previously-ingested event.
func (e *Engine) GetEvent(ctx context.Context, userID, id string) (model.Event, error) {
	raw, err := e.kv.Get(ctx, eventKey(userID, id))
	if err != nil {
		return model.Event{}, apperr.Wrap("get_event", apperr.ErrStorePersistent, err)
	}
	var ev model.Event
	if err := unmarshalJSON(raw, &ev); err != nil {
		return model.Event{}, apperr.Wrap("get_event", apperr.ErrStorePersistent, err)
	}
	return ev, nil
}

// ClearPending removes an event's pending marker and retry_count once it
// has been consolidated (or marked failed).
func (e *Engine) ClearPending(ctx context.Context, id string) error {
	if err := e.kv.Delete(ctx, pendingKey(id)); err != nil {
		return apperr.Wrap("clear_pending", apperr.ErrStorePersistent, err)
	}
	_ = e.kv.Delete(ctx, retryCountKey(id))
	return nil
}

// IncrementRetryCountIfPending bumps retry_count:{id} by one, but only if
// the event is still in the pending queue; a no-op otherwise (spec §4.11
// cycle 2: "no-op if the entry already left the queue").
func (e *Engine) IncrementRetryCountIfPending(ctx context.Context, id string) error {
	if _, err := e.kv.Get(ctx, pendingKey(id)); err != nil {
		return nil
	}
	raw, err := e.kv.Get(ctx, retryCountKey(id))
	var count uint32
	if err == nil {
		count = decodeUint32(raw)
	}
	if err := e.kv.Put(ctx, retryCountKey(id), encodeUint32(count+1)); err != nil {
		return apperr.Wrap("increment_retry_count", apperr.ErrStorePersistent, err)
	}
	return nil
}

// MarkEventFailed records a failed: marker with the given cause and
// removes the event from the pending queue (spec §4.11 cycle 2: "mark
// failed, keep error, clear retry counter").
func (e *Engine) MarkEventFailed(ctx context.Context, id string, retryCount uint32, cause error) error {
	marker := model.FailedMarker{Error: cause.Error(), FailedAt: time.Now().UTC(), RetryCount: retryCount}
	body, err := marshalJSON(marker)
	if err != nil {
		return apperr.Wrap("mark_event_failed", apperr.ErrStorePersistent, err)
	}
	if err := e.kv.Put(ctx, failedKey(id), body); err != nil {
		return apperr.Wrap("mark_event_failed", apperr.ErrStorePersistent, err)
	}
	return e.ClearPending(ctx, id)
}

// L1Count returns the user's cumulative level-1 unit count.
func (e *Engine) L1Count(ctx context.Context, userID string) (uint32, error) {
	raw, err := e.kv.Get(ctx, l1CountKey(userID))
	if err != nil {
		return 0, nil
	}
	return decodeUint32(raw), nil
}

// SetNeedsCommunity sets the needs_community: marker for userID.
func (e *Engine) SetNeedsCommunity(ctx context.Context, userID string) error {
	if err := e.kv.Put(ctx, needsCommunityKey(userID), []byte("1")); err != nil {
		return apperr.Wrap("set_needs_community", apperr.ErrStorePersistent, err)
	}
	return nil
}

// NeedsReflectUsers returns every user currently marked needs_reflect.
func (e *Engine) NeedsReflectUsers(ctx context.Context) ([]string, error) {
	rows, err := e.kv.Scan(ctx, needsReflectPrefix())
	if err != nil {
		return nil, apperr.Wrap("needs_reflect_users", apperr.ErrStorePersistent, err)
	}
	prefix := needsReflectPrefix()
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, userFromPendingPrefixedKey(r.Key, prefix))
	}
	return out, nil
}

// ClearNeedsReflect removes the needs_reflect: marker for userID.
func (e *Engine) ClearNeedsReflect(ctx context.Context, userID string) error {
	if err := e.kv.Delete(ctx, needsReflectKey(userID)); err != nil {
		return apperr.Wrap("clear_needs_reflect", apperr.ErrStorePersistent, err)
	}
	return nil
}

// NeedsCommunityUsers returns up to limit users currently marked
// needs_community.
func (e *Engine) NeedsCommunityUsers(ctx context.Context, limit int) ([]string, error) {
	rows, err := e.kv.Scan(ctx, needsCommunityPrefix())
	if err != nil {
		return nil, apperr.Wrap("needs_community_users", apperr.ErrStorePersistent, err)
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}
	prefix := needsCommunityPrefix()
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, userFromPendingPrefixedKey(r.Key, prefix))
	}
	return out, nil
}

// ClearNeedsCommunity removes the needs_community: marker for userID.
func (e *Engine) ClearNeedsCommunity(ctx context.Context, userID string) error {
	if err := e.kv.Delete(ctx, needsCommunityKey(userID)); err != nil {
		return apperr.Wrap("clear_needs_community", apperr.ErrStorePersistent, err)
	}
	return nil
}

// RecentStreams returns the distinct stream ids among a user's most
// recent limit L1 units, in no particular order.
func (e *Engine) RecentStreams(ctx context.Context, userID string, limit int) ([]string, error) {
	units, err := e.fetchRecentL1Units(ctx, userID, limit)
	if err != nil {
		return nil, apperr.Wrap("recent_streams", apperr.ErrStorePersistent, err)
	}
	seen := make(map[string]bool)
	var streams []string
	for _, u := range units {
		if !seen[u.StreamID] {
			seen[u.StreamID] = true
			streams = append(streams, u.StreamID)
		}
	}
	return streams, nil
}

// FlushIndexes forces an immediate flush of the text index and graph
// write buffer, bypassing their background commit cadence. Callers that
// need read-your-writes outside the store's own commit_interval_ms
// (tests, the insight/community cycles immediately after a consolidation
// batch) should call this first.
func (e *Engine) FlushIndexes(ctx context.Context) error {
	if err := e.text.Flush(ctx); err != nil {
		return apperr.Wrap("flush_indexes", apperr.ErrStorePersistent, err)
	}
	if err := e.graph.Flush(ctx); err != nil {
		return apperr.Wrap("flush_indexes", apperr.ErrStorePersistent, err)
	}
	return nil
}

// VacuumVectorStore compacts the vector store (spec §4.11 cycle 3).
func (e *Engine) VacuumVectorStore(ctx context.Context) error {
	if err := e.vs.Vacuum(ctx); err != nil {
		return apperr.Wrap("vacuum_vector_store", apperr.ErrStorePersistent, err)
	}
	return nil
}

// StreamsForUser groups the given units by stream id, preserving the
// relative order units were given in.
func StreamsForUser(units []model.MemoryUnit) map[string][]model.MemoryUnit {
	byStream := make(map[string][]model.MemoryUnit)
	for _, u := range units {
		byStream[u.StreamID] = append(byStream[u.StreamID], u)
	}
	return byStream
}
