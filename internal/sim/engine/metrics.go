package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// counters accumulate on the loop goroutine only.
type counters struct {
	tasksDone        uint64
	tasksFailed      uint64
	actionsSucceeded uint64
	actionsFailed    uint64
	claimDenials     uint64
}

func (e *Engine) noteTaskDone()        { e.counters.tasksDone++ }
func (e *Engine) noteTaskFailed()      { e.counters.tasksFailed++ }
func (e *Engine) noteActionSucceeded() { e.counters.actionsSucceeded++ }
func (e *Engine) noteActionFailed()    { e.counters.actionsFailed++ }
func (e *Engine) noteClaimDenial()     { e.counters.claimDenials++ }

// Metrics is an immutable per-tick snapshot published for transports and the
// admin surface. Readers get a consistent view without touching loop state.
type Metrics struct {
	Tick             uint64 `json:"tick"`
	Agents           int    `json:"agents"`
	TasksLive        int    `json:"tasks_live"`
	TasksDone        uint64 `json:"tasks_done"`
	TasksFailed      uint64 `json:"tasks_failed"`
	ActionsSucceeded uint64 `json:"actions_succeeded"`
	ActionsFailed    uint64 `json:"actions_failed"`
	ClaimDenials     uint64 `json:"claim_denials"`
	ClaimsHeld       int    `json:"claims_held"`
	PendingTasks     int    `json:"pending_tasks"`
}

func (e *Engine) publishMetrics(now uint64) {
	live := 0
	for _, t := range e.tasksByID {
		if !t.Status.Terminal() {
			live++
		}
	}
	e.metrics.Store(&Metrics{
		Tick:             now,
		Agents:           len(e.agents),
		TasksLive:        live,
		TasksDone:        e.counters.tasksDone,
		TasksFailed:      e.counters.tasksFailed,
		ActionsSucceeded: e.counters.actionsSucceeded,
		ActionsFailed:    e.counters.actionsFailed,
		ClaimDenials:     e.counters.claimDenials,
		ClaimsHeld:       e.claims.Count(),
		PendingTasks:     len(e.pendingTasks) + len(e.awaitingPlan),
	})
}

// StateDigest hashes the observable simulation state in deterministic order.
// Two runs fed the same inputs at the same ticks produce identical digests.
func (e *Engine) StateDigest() string {
	h := sha256.New()
	fmt.Fprintf(h, "tick=%d\n", e.tick.Load())

	for _, id := range e.sortedAgentIDs() {
		a := e.agents[id]
		cur := "-"
		if a.Current != nil {
			cur = fmt.Sprintf("%s/%s/%d", a.Current.ID, a.Current.Status, a.Current.StepIndex)
		}
		fmt.Fprintf(h, "agent %s pos=%d,%d,%d task=%s cur=%s q=%d\n", id, a.Pos.X, a.Pos.Y, a.Pos.Z, a.TaskID, cur, len(a.Queue))
	}

	taskIDs := make([]string, 0, len(e.tasksByID))
	for id := range e.tasksByID {
		taskIDs = append(taskIDs, id)
	}
	sort.Strings(taskIDs)
	for _, id := range taskIDs {
		t := e.tasksByID[id]
		fmt.Fprintf(h, "task %s status=%s rev=%d actions=%d\n", id, t.Status, t.Revisions, len(t.ActionIDs))
	}

	for _, c := range e.claims.Snapshot() {
		fmt.Fprintf(h, "claim %s %s %s exp=%d\n", c.Key, c.Holder, c.Mode, c.ExpiryTick)
	}

	for _, id := range e.zones.IDs() {
		z := e.zones.Get(id)
		fmt.Fprintf(h, "zone %s owner=%s pct=%d\n", id, z.Owner, z.Percent)
	}

	return hex.EncodeToString(h.Sum(nil))
}
