package engine

import (
	"context"
	"fmt"

	"github.com/memorose/engine/pkg/model"
)

// maxTaskTreeDepth bounds the task-tree BFS (spec §9 design note: "task
// tree ≤ 10" to prevent stack/queue exhaustion on pathological graphs).
const maxTaskTreeDepth = 10

// TaskNode is one node of a task tree rooted at a level-3 goal.
type TaskNode struct {
	Unit     model.MemoryUnit
	Children []*TaskNode
}

// TaskTree builds the task tree rooted at every level-3 goal in the given
// stream, following incoming IsSubTaskOf edges (child -> parent) down to
// milestones, bounded to maxTaskTreeDepth (spec §6.1 GET .../tasks/tree).
func (e *Engine) TaskTree(ctx context.Context, userID, appID, streamID string) ([]*TaskNode, error) {
	rows, err := e.kv.Scan(ctx, []byte(fmt.Sprintf("u:%s:unit:", userID)))
	if err != nil {
		return nil, fmt.Errorf("task_tree: fetch units: %w", err)
	}
	units := make([]model.MemoryUnit, 0, len(rows))
	for _, r := range rows {
		var u model.MemoryUnit
		if err := unmarshalJSON(r.Value, &u); err != nil {
			continue
		}
		units = append(units, u)
	}

	byID := make(map[string]model.MemoryUnit, len(units))
	for _, u := range units {
		byID[u.ID] = u
	}

	var roots []*TaskNode
	for _, u := range units {
		if u.Level == model.LevelGoal && u.AppID == appID && u.StreamID == streamID {
			root, err := e.buildTaskSubtree(ctx, userID, u, byID, 0)
			if err != nil {
				return nil, err
			}
			roots = append(roots, root)
		}
	}
	return roots, nil
}

func (e *Engine) buildTaskSubtree(ctx context.Context, userID string, unit model.MemoryUnit, byID map[string]model.MemoryUnit, depth int) (*TaskNode, error) {
	node := &TaskNode{Unit: unit}
	if depth >= maxTaskTreeDepth {
		return node, nil
	}

	incoming, err := e.graph.GetIncomingEdges(ctx, userID, unit.ID)
	if err != nil {
		return nil, fmt.Errorf("task_tree: get_incoming_edges: %w", err)
	}

	for _, edge := range incoming {
		if edge.Relation != model.RelIsSubTaskOf {
			continue
		}
		child, ok := byID[edge.SourceID]
		if !ok {
			continue
		}
		childNode, err := e.buildTaskSubtree(ctx, userID, child, byID, depth+1)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, childNode)
	}
	return node, nil
}

// PropagateTaskProgress recomputes and stores the parent's progress as the
// mean of its children's progress whenever a child task completes,
// serialised per parent id by a task lock to avoid lost updates when
// multiple children complete concurrently (spec §4.11 cycle 2, §5).
func (e *Engine) PropagateTaskProgress(ctx context.Context, userID, childID string) error {
	return e.propagateTaskProgress(ctx, userID, childID, 0)
}

func (e *Engine) propagateTaskProgress(ctx context.Context, userID, childID string, depth int) error {
	if depth >= maxTaskTreeDepth {
		return nil
	}

	// IsSubTaskOf edges point child -> parent, so the parent is found via
	// childID's outgoing edges.
	outgoing, err := e.graph.GetOutgoingEdges(ctx, userID, childID)
	if err != nil {
		return fmt.Errorf("propagate_task_progress: get_outgoing_edges: %w", err)
	}

	for _, edge := range outgoing {
		if edge.Relation != model.RelIsSubTaskOf {
			continue
		}
		if err := e.recomputeParentProgress(ctx, userID, edge.TargetID); err != nil {
			e.logger.Warn("failed to recompute parent progress", "parent", edge.TargetID, "error", err)
			continue
		}
		if err := e.propagateTaskProgress(ctx, userID, edge.TargetID, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) recomputeParentProgress(ctx context.Context, userID, parentID string) error {
	lock := e.taskLock(parentID)
	lock.Lock()
	defer lock.Unlock()

	parentRaw, err := e.kv.Get(ctx, unitKey(userID, parentID))
	if err != nil {
		return err
	}
	var parent model.MemoryUnit
	if err := unmarshalJSON(parentRaw, &parent); err != nil {
		return err
	}

	children, err := e.graph.GetIncomingEdges(ctx, userID, parentID)
	if err != nil {
		return err
	}

	var total float64
	var count int
	for _, edge := range children {
		if edge.Relation != model.RelIsSubTaskOf {
			continue
		}
		childRaw, err := e.kv.Get(ctx, unitKey(userID, edge.SourceID))
		if err != nil {
			continue
		}
		var child model.MemoryUnit
		if err := unmarshalJSON(childRaw, &child); err != nil {
			continue
		}
		if child.Task != nil {
			total += child.Task.Progress
			count++
		}
	}
	if count == 0 {
		return nil
	}

	progress := total / float64(count)
	if parent.Task == nil {
		parent.Task = &model.TaskMetadata{}
	}
	parent.Task.Progress = progress
	if progress >= 1.0 {
		parent.Task.Status = model.TaskCompleted
	}

	body, err := marshalJSON(parent)
	if err != nil {
		return err
	}
	return e.kv.Put(ctx, unitKey(userID, parentID), body)
}
