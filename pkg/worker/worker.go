// Package worker implements the single background task loop of spec
// §4.11: one ticker drives five cycles (decay, consolidation, compaction,
// insight, community), each gated by its own interval and, for consensus
// correctness, by Raft leadership.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/memorose/engine/pkg/config"
	"github.com/memorose/engine/pkg/engine"
	"github.com/memorose/engine/pkg/llmcap"
	"github.com/memorose/engine/pkg/logging"
)

// LeadershipChecker reports whether this node currently holds Raft
// leadership for the shard the worker serves. Cycles that mutate
// replicated state are skipped on non-leaders.
type LeadershipChecker func() bool

// Worker drives the background cycles over a single Engine.
type Worker struct {
	eng    *engine.Engine
	llm    llmcap.Client
	cfg    config.AppConfig
	logger logging.Logger

	isLeader LeadershipChecker

	mu             sync.Mutex
	lastDecay      time.Time
	lastCompaction time.Time
	lastInsight    time.Time
	lastCommunity  time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Worker. llm may be nil, in which case the
// consolidation cycle falls back to each event's raw text (spec §4.11
// cycle 2 "LLM failure falls back to the raw text").
func New(eng *engine.Engine, llm llmcap.Client, cfg config.AppConfig, isLeader LeadershipChecker, logger logging.Logger) *Worker {
	if logger == nil {
		logger = logging.Nop()
	}
	if isLeader == nil {
		isLeader = func() bool { return true }
	}
	return &Worker{
		eng: eng, llm: llm, cfg: cfg, logger: logger, isLeader: isLeader,
		stopCh: make(chan struct{}), doneCh: make(chan struct{}),
	}
}

// Run blocks, ticking every tick_interval_ms until ctx is cancelled or
// Stop is called.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// Stop signals Run to exit and waits for it to return.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Worker) tick(ctx context.Context) {
	if !w.isLeader() {
		return
	}

	now := time.Now()
	w.mu.Lock()
	dueDecay := now.Sub(w.lastDecay) >= time.Duration(w.cfg.Worker.DecayIntervalSecs)*time.Second
	dueCompaction := now.Sub(w.lastCompaction) >= time.Duration(w.cfg.Worker.CompactionIntervalSecs)*time.Second
	dueInsight := now.Sub(w.lastInsight) >= time.Duration(w.cfg.Worker.InsightIntervalMS)*time.Millisecond
	dueCommunity := now.Sub(w.lastCommunity) >= time.Duration(w.cfg.Worker.CommunityIntervalMS)*time.Millisecond
	w.mu.Unlock()

	// Consolidation has no standalone interval: it runs every tick, same
	// as the spec's "fetch up to batch_size pending events" cadence.
	if err := w.runConsolidationCycle(ctx); err != nil {
		w.logger.Error("consolidation cycle failed", "error", err)
	}

	if dueDecay {
		if err := w.runDecayCycle(ctx); err != nil {
			w.logger.Error("decay cycle failed", "error", err)
		}
		w.mu.Lock()
		w.lastDecay = now
		w.mu.Unlock()
	}
	if dueCompaction {
		if err := w.eng.VacuumVectorStore(ctx); err != nil {
			w.logger.Error("compaction cycle failed", "error", err)
		}
		w.mu.Lock()
		w.lastCompaction = now
		w.mu.Unlock()
	}
	if dueInsight {
		if err := w.runInsightCycle(ctx); err != nil {
			w.logger.Error("insight cycle failed", "error", err)
		}
		w.mu.Lock()
		w.lastInsight = now
		w.mu.Unlock()
	}
	if dueCommunity {
		if err := w.runCommunityCycle(ctx); err != nil {
			w.logger.Error("community cycle failed", "error", err)
		}
		w.mu.Lock()
		w.lastCommunity = now
		w.mu.Unlock()
	}
}
