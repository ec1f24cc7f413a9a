package engine

import (
	"voxelswarm.ai/internal/sim/tasks"
	"voxelswarm.ai/internal/sim/zone"
)

// Debug accessors return copies of loop-owned state. They are only safe while
// the loop is not running (StepOnce-driven tests, post-shutdown inspection).

func (e *Engine) DebugTask(taskID string) (tasks.Task, bool) {
	t := e.tasksByID[taskID]
	if t == nil {
		return tasks.Task{}, false
	}
	return *t, true
}

func (e *Engine) DebugAction(actionID string) (tasks.Action, bool) {
	a := e.actions[actionID]
	if a == nil {
		return tasks.Action{}, false
	}
	return *a, true
}

// DebugTaskActions returns the task's actions in creation order.
func (e *Engine) DebugTaskActions(taskID string) []tasks.Action {
	t := e.tasksByID[taskID]
	if t == nil {
		return nil
	}
	out := make([]tasks.Action, 0, len(t.ActionIDs))
	for _, id := range t.ActionIDs {
		if a := e.actions[id]; a != nil {
			out = append(out, *a)
		}
	}
	return out
}

func (e *Engine) DebugAgent(agentID string) (Agent, bool) {
	a := e.agents[agentID]
	if a == nil {
		return Agent{}, false
	}
	cp := *a
	cp.Queue = nil
	if a.Current != nil {
		cur := *a.Current
		cp.Current = &cur
	}
	cp.Queue = make([]*tasks.Action, 0, len(a.Queue))
	for _, q := range a.Queue {
		qc := *q
		cp.Queue = append(cp.Queue, &qc)
	}
	return cp, true
}

func (e *Engine) DebugZone(zoneID string) (zone.Zone, bool) {
	z := e.zones.Get(zoneID)
	if z == nil {
		return zone.Zone{}, false
	}
	return *z, true
}

func (e *Engine) DebugTaskCount() int { return len(e.tasksByID) }
