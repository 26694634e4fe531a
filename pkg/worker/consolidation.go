package worker

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/memorose/engine/pkg/engine"
	"github.com/memorose/engine/pkg/model"
)

// consolidationMiniBatch is the consumer stage's batch-embed size (spec
// §4.11 cycle 2: "buffers producer outputs into mini-batches of 20").
const consolidationMiniBatch = 20

// producedUnit is the producer stage's output: an extracted-and-compressed
// event, ready for batch embedding.
type producedUnit struct {
	event   model.Event
	content string
}

// runConsolidationCycle fetches up to batch_size pending events and runs
// them through a bounded-concurrency producer (extract + compress) and a
// mini-batching consumer (embed + store), per spec §4.11 cycle 2.
func (w *Worker) runConsolidationCycle(ctx context.Context) error {
	pending, err := w.eng.FetchPendingEvents(ctx, w.cfg.Worker.BatchSize)
	if err != nil {
		return fmt.Errorf("consolidation cycle: fetch_pending_events: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	var valid []engine.PendingEvent
	for _, p := range pending {
		if p.RetryCount >= uint32(w.cfg.Worker.ConsolidationMaxRetries) {
			if err := w.eng.MarkEventFailed(ctx, p.ID, p.RetryCount, fmt.Errorf("exceeded max retries")); err != nil {
				w.logger.Error("mark_event_failed failed", "event", p.ID, "error", err)
			}
			continue
		}
		valid = append(valid, p)
	}
	if len(valid) == 0 {
		return nil
	}

	produced := w.runProducerStage(ctx, valid)
	processed := w.runConsumerStage(ctx, produced)

	for _, p := range valid {
		if !processed[p.ID] {
			if err := w.eng.IncrementRetryCountIfPending(ctx, p.ID); err != nil {
				w.logger.Error("increment_retry_count_if_pending failed", "event", p.ID, "error", err)
			}
		}
	}
	return nil
}

// runProducerStage extracts and compresses each event's content under a
// concurrency bound of llm_concurrency.
func (w *Worker) runProducerStage(ctx context.Context, pending []engine.PendingEvent) []producedUnit {
	sem := semaphore.NewWeighted(int64(maxInt(w.cfg.Worker.LLMConcurrency, 1)))
	var mu sync.Mutex
	var out []producedUnit
	var wg sync.WaitGroup

	for _, p := range pending {
		p := p
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			ev, err := w.eng.GetEvent(ctx, p.UserID, p.ID)
			if err != nil {
				w.logger.Error("get_event failed", "event", p.ID, "error", err)
				return
			}
			content := w.extractAndCompress(ctx, ev)
			mu.Lock()
			out = append(out, producedUnit{event: ev, content: content})
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// extractAndCompress turns raw event content into consolidated text,
// falling back to the raw text on any LLM failure (spec §4.11 cycle 2).
func (w *Worker) extractAndCompress(ctx context.Context, ev model.Event) string {
	raw := ev.Content.Text
	if w.llm != nil {
		switch ev.Content.Type {
		case model.ContentImage, model.ContentVideo:
			if desc, err := w.llm.DescribeImage(ctx, ev.Content.URL, ""); err == nil {
				raw = desc
			}
		case model.ContentAudio:
			if text, err := w.llm.Transcribe(ctx, ev.Content.URL); err == nil {
				raw = text
			}
		}
	}

	if w.llm == nil || raw == "" {
		return raw
	}

	system := userCompressionPrompt
	if ev.IsAgentAuthored() {
		system = agentCompressionPrompt
	}
	compressed, err := w.llm.Complete(ctx, system, raw)
	if err != nil || compressed == "" {
		return raw
	}
	return compressed
}

const (
	userCompressionPrompt  = "Summarize the following user message into a concise, factual memory."
	agentCompressionPrompt = "Summarize the following assistant message into a concise record of the action or decision it represents."
)

// runConsumerStage batch-embeds produced units in mini-batches of
// consolidationMiniBatch, builds MemoryUnits, stores them, and propagates
// task progress for any unit that completes a task. It returns the set of
// event ids that were successfully stored.
func (w *Worker) runConsumerStage(ctx context.Context, produced []producedUnit) map[string]bool {
	processed := make(map[string]bool, len(produced))

	for start := 0; start < len(produced); start += consolidationMiniBatch {
		end := start + consolidationMiniBatch
		if end > len(produced) {
			end = len(produced)
		}
		batch := produced[start:end]
		units, ids := w.embedAndBuildUnits(ctx, batch)
		if len(units) == 0 {
			continue
		}

		touchedUsers := make(map[string]bool)
		for _, u := range units {
			touchedUsers[u.UserID] = true
		}
		before := make(map[string]uint32, len(touchedUsers))
		for user := range touchedUsers {
			before[user], _ = w.eng.L1Count(ctx, user)
		}

		if err := w.eng.StoreMemoryUnits(ctx, units); err != nil {
			w.logger.Error("store_memory_units failed", "error", err)
			continue
		}
		for _, id := range ids {
			if err := w.eng.ClearPending(ctx, id); err != nil {
				w.logger.Error("clear_pending failed", "event", id, "error", err)
				continue
			}
			processed[id] = true
		}

		for user := range touchedUsers {
			after, _ := w.eng.L1Count(ctx, user)
			step := uint32(maxInt(w.cfg.Worker.CommunityTriggerL1Step, 1))
			if before[user]/step != after/step {
				if err := w.eng.SetNeedsCommunity(ctx, user); err != nil {
					w.logger.Error("set_needs_community failed", "user", user, "error", err)
				}
			}
		}

		if w.cfg.Worker.EnableTaskReflection {
			for _, u := range units {
				if u.Task != nil && u.Task.Status == model.TaskCompleted {
					if err := w.eng.PropagateTaskProgress(ctx, u.UserID, u.ID); err != nil {
						w.logger.Error("propagate_task_progress failed", "unit", u.ID, "error", err)
					}
				}
			}
		}
	}
	return processed
}

func (w *Worker) embedAndBuildUnits(ctx context.Context, batch []producedUnit) ([]model.MemoryUnit, []string) {
	units := make([]model.MemoryUnit, 0, len(batch))
	ids := make([]string, 0, len(batch))

	for _, p := range batch {
		if p.content == "" {
			continue
		}
		var embedding []float32
		if w.llm != nil {
			if vec, err := w.llm.Embed(ctx, p.content); err == nil {
				embedding = vec
			}
		}

		memType := model.MemoryFactual
		if p.event.IsAgentAuthored() {
			memType = model.MemoryProcedural
		}

		level := model.LevelConsolidated
		var task *model.TaskMetadata
		if p.event.TaskStatus != nil {
			progress := 0.0
			if p.event.TaskProgress != nil {
				progress = *p.event.TaskProgress
			}
			task = &model.TaskMetadata{Status: *p.event.TaskStatus, Progress: progress}
		}

		var refs []string
		if p.event.ParentID != nil {
			refs = []string{*p.event.ParentID}
		}

		units = append(units, model.MemoryUnit{
			UserID:          p.event.UserID,
			AppID:           p.event.AppID,
			StreamID:        p.event.StreamID,
			AgentID:         p.event.AgentID,
			Content:         p.content,
			Embedding:       embedding,
			Importance:      1.0,
			Level:           level,
			MemoryType:      memType,
			TransactionTime: p.event.TransactionTime,
			ValidTime:       p.event.ValidTime,
			References:      refs,
			Task:            task,
		})
		ids = append(ids, p.event.ID)
	}
	return units, ids
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
