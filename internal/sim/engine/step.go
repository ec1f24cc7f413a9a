package engine

import (
	"context"
	"sort"
	"strings"

	"voxelswarm.ai/internal/protocol"
	"voxelswarm.ai/internal/sim/bus"
	"voxelswarm.ai/internal/sim/plan"
	"voxelswarm.ai/internal/sim/sanitize"
	"voxelswarm.ai/internal/sim/tasks"
	"voxelswarm.ai/internal/sim/zone"
)

// step is one full tick. Phase order is fixed: membership, lease sweep,
// translation results, submissions, assignment, cancellations, admin, agent
// advancement, heartbeats, rebalance, metrics. Everything inside runs on the
// loop goroutine.
func (e *Engine) step(in TickInput) {
	now := e.tick.Add(1)

	for _, req := range in.Joins {
		e.addAgent(req)
	}
	for _, id := range in.Leaves {
		e.removeAgent(id, now)
	}

	e.sweepLeases(now)
	e.drainTranslations(now)

	for _, req := range in.Submits {
		req.Resp <- e.processSubmit(req, now)
	}
	e.assignPending(now)

	for _, req := range in.Cancels {
		req.Resp <- e.processCancel(req.TaskID, now)
	}
	for _, req := range in.Assigns {
		req.Resp <- e.processAssign(req.AgentID, req.ZoneID, now)
	}
	for _, req := range in.Inspects {
		req.Resp <- e.inspectTask(req.TaskID)
	}

	for _, id := range e.sortedAgentIDs() {
		e.advanceAgent(e.agents[id], now)
	}

	for _, id := range e.sortedAgentIDs() {
		a := e.agents[id]
		a.LastSeenTick = now
		e.zones.Heartbeat(id, now)
	}

	forced := len(in.Rebalance) > 0
	if forced || (e.cfg.RebalanceEveryTicks > 0 && now%uint64(e.cfg.RebalanceEveryTicks) == 0) {
		n := e.rebalanceZones(now)
		for _, req := range in.Rebalance {
			req.Resp <- n
		}
	}

	e.publishMetrics(now)
}

func (e *Engine) addAgent(req JoinRequest) {
	id := e.newAgentID()
	e.agents[id] = &Agent{ID: id, Name: req.Name, Pos: req.Pos}
	req.Resp <- id
}

// removeAgent drops an agent. Its live action fails; its leases fall to the
// same-tick sweep because the holder is no longer alive.
func (e *Engine) removeAgent(id string, now uint64) {
	a := e.agents[id]
	if a == nil {
		return
	}
	if a.Current != nil {
		e.finalizeAction(a, a.Current, now, tasks.FailCancelled, "agent left")
		if t := e.tasksByID[a.Current.TaskID]; t != nil && !t.Status.Terminal() {
			t.Status = tasks.TaskFailed
			t.Reason = "agent left"
			e.noteTaskFailed()
		}
	} else if a.TaskID != "" {
		if t := e.tasksByID[a.TaskID]; t != nil && !t.Status.Terminal() {
			t.Status = tasks.TaskFailed
			t.Reason = "agent left"
			e.noteTaskFailed()
		}
	}
	a.Queue = nil
	delete(e.agents, id)
}

// sweepLeases expires overdue or orphaned leases and force-fails the actions
// that depended on them.
func (e *Engine) sweepLeases(now uint64) {
	alive := func(holder string) bool {
		_, ok := e.agents[holder]
		return ok
	}
	released := e.claims.Sweep(now, alive)
	if len(released) == 0 {
		return
	}
	failed := map[string]bool{}
	for _, c := range released {
		e.bus.Publish(bus.Event{Kind: bus.ClaimExpired, Tick: now, AgentID: c.Holder, ActionID: c.ActionID, Resource: c.Key})
		e.auditClaim(ClaimAuditEntry{Tick: now, Actor: c.Holder, Op: "EXPIRE", Key: c.Key, Mode: string(c.Mode), Action: c.ActionID})
		if c.ActionID == "" || failed[c.ActionID] {
			continue
		}
		failed[c.ActionID] = true
		a := e.agents[c.Holder]
		if a == nil || a.Current == nil || a.Current.ID != c.ActionID {
			continue
		}
		e.failAction(a, now, tasks.FailClaimExpired, "lease expired on "+c.Key)
	}
}

func (e *Engine) drainTranslations(now uint64) {
	for {
		select {
		case tr := <-e.translations:
			t := e.awaitingPlan[tr.taskID]
			if t == nil {
				continue
			}
			delete(e.awaitingPlan, tr.taskID)
			if t.Status.Terminal() {
				continue
			}
			if tr.err != nil {
				t.Status = tasks.TaskFailed
				t.Reason = "translation failed: " + tr.err.Error()
				e.noteTaskFailed()
				continue
			}
			t.Text = tr.text
			t.Status = tasks.TaskPending
			e.pendingTasks = append(e.pendingTasks, t.ID)
		default:
			return
		}
	}
}

func (e *Engine) processSubmit(req SubmitRequest, now uint64) SubmitResult {
	clean, verdict := e.sanitizer.Sanitize(req.Text)
	if e.sanAudit != nil {
		_ = e.sanAudit.WriteSanitizerAudit(sanitize.NewAuditRecord(now, req.Requester, req.Text, verdict))
	}
	if !verdict.Accept {
		return submitErr(protocol.ErrSanitizeRejected, verdict.Reason)
	}
	if !e.rateAllow(req.Requester, now) {
		return submitErr(protocol.ErrRateLimit, "submit rate exceeded")
	}

	t := &tasks.Task{
		ID:          e.newTaskID(),
		Requester:   req.Requester,
		Text:        clean,
		Priority:    req.Priority,
		Status:      tasks.TaskPending,
		CreatedTick: now,
	}
	e.tasksByID[t.ID] = t

	if e.translator != nil {
		t.Status = tasks.TaskPlanning
		e.awaitingPlan[t.ID] = t
		go func(taskID, text string) {
			out, err := e.translator.Translate(context.Background(), text)
			e.translations <- translated{taskID: taskID, text: out, err: err}
		}(t.ID, clean)
		return SubmitResult{TaskID: t.ID}
	}

	// Plan eagerly when an agent is free so the requester sees planning
	// failures synchronously; otherwise the task waits its turn.
	if a := e.idleAgent(); a != nil {
		if err := e.planAndAssign(t, a, now); err != nil {
			delete(e.tasksByID, t.ID)
			return submitErr(protocol.ErrPlanning, err.Error())
		}
		return SubmitResult{TaskID: t.ID}
	}
	e.pendingTasks = append(e.pendingTasks, t.ID)
	return SubmitResult{TaskID: t.ID}
}

// assignPending hands waiting tasks to idle agents in submission order.
func (e *Engine) assignPending(now uint64) {
	for len(e.pendingTasks) > 0 {
		a := e.idleAgent()
		if a == nil {
			return
		}
		id := e.pendingTasks[0]
		e.pendingTasks = e.pendingTasks[1:]
		t := e.tasksByID[id]
		if t == nil || t.Status.Terminal() {
			continue
		}
		if err := e.planAndAssign(t, a, now); err != nil {
			t.Status = tasks.TaskFailed
			t.Reason = err.Error()
			e.noteTaskFailed()
		}
	}
}

func (e *Engine) planAndAssign(t *tasks.Task, a *Agent, now uint64) error {
	specs, err := e.planner.Plan(plan.Goal{TaskID: t.ID, Text: t.Text, Origin: a.Pos}, a.ID)
	if err != nil {
		return err
	}
	t.Status = tasks.TaskActive
	a.TaskID = t.ID
	a.IdleSince = 0
	for _, spec := range specs {
		act := &tasks.Action{
			ID:      e.newActionID(),
			TaskID:  t.ID,
			Spec:    spec,
			Status:  tasks.ActionQueued,
			Attempt: 1,
		}
		e.actions[act.ID] = act
		t.ActionIDs = append(t.ActionIDs, act.ID)
		a.Queue = append(a.Queue, act)
	}
	return nil
}

// idleAgent returns the lowest-id agent with no work, or nil.
func (e *Engine) idleAgent() *Agent {
	for _, id := range e.sortedAgentIDs() {
		a := e.agents[id]
		if a.Current == nil && len(a.Queue) == 0 && a.TaskID == "" {
			return a
		}
	}
	return nil
}

// processCancel marks a task cancelled. Queued actions drop immediately; a
// running action is failed when its agent next advances.
func (e *Engine) processCancel(taskID string, now uint64) bool {
	t := e.tasksByID[taskID]
	if t == nil {
		return false
	}
	if t.Status.Terminal() {
		return true
	}
	t.Status = tasks.TaskCancelled
	t.Reason = "cancelled by requester"
	delete(e.awaitingPlan, taskID)
	for i, id := range e.pendingTasks {
		if id == taskID {
			e.pendingTasks = append(e.pendingTasks[:i], e.pendingTasks[i+1:]...)
			break
		}
	}
	for _, a := range e.agents {
		if a.TaskID != taskID {
			continue
		}
		e.dropQueued(a, taskID)
		if a.Current == nil {
			a.TaskID = ""
		}
	}
	return true
}

// processAssign is the admin override: it forces zone ownership, displacing
// any stale claim on the zone key.
func (e *Engine) processAssign(agentID, zoneID string, now uint64) string {
	a := e.agents[agentID]
	z := e.zones.Get(zoneID)
	if a == nil || z == nil {
		return "invalid"
	}
	if z.Owner != "" && z.Owner != agentID {
		if holder, ok := e.agents[z.Owner]; ok && holder.Current != nil {
			// A live owner actively surveying keeps the zone.
			if holder.Current.Spec.ZoneID == zoneID {
				return "conflict"
			}
		}
		e.claims.Release(z.Key(), z.Owner)
	}
	if _, ok := e.claims.TryAcquire(z.Key(), agentID, tasks.ClaimExclusive, "", now, 0); !ok {
		return "conflict"
	}
	z.Owner = agentID
	z.LastBeatTick = now
	e.bus.Publish(bus.Event{Kind: bus.ZoneClaimed, Tick: now, AgentID: agentID, ZoneID: zoneID})
	return ""
}

// rebalanceZones hands unowned or stale zones to idle agents.
func (e *Engine) rebalanceZones(now uint64) int {
	candidates := e.zones.Claimable(now, uint64(e.cfg.HeartbeatStaleTicks))
	if len(candidates) == 0 {
		return 0
	}
	policy := zone.PickPolicy(e.cfg.ZonePickPolicy)
	assigned := 0
	for _, id := range e.sortedAgentIDs() {
		if len(candidates) == 0 {
			break
		}
		a := e.agents[id]
		if a.Current != nil || len(a.Queue) > 0 || a.TaskID != "" {
			continue
		}
		if e.ownsZone(a.ID) {
			continue
		}
		z := zone.Pick(candidates, a.Pos, policy)
		if z == nil {
			break
		}
		if z.Owner != "" {
			e.claims.Release(z.Key(), z.Owner)
		}
		if _, ok := e.claims.TryAcquire(z.Key(), a.ID, tasks.ClaimExclusive, "", now, 0); !ok {
			candidates = removeZone(candidates, z.ID)
			continue
		}
		z.Owner = a.ID
		z.LastBeatTick = now
		e.bus.Publish(bus.Event{Kind: bus.ZoneClaimed, Tick: now, AgentID: a.ID, ZoneID: z.ID})
		candidates = removeZone(candidates, z.ID)
		assigned++
	}
	return assigned
}

func (e *Engine) ownsZone(agentID string) bool {
	for _, id := range e.zones.IDs() {
		if e.zones.Get(id).Owner == agentID {
			return true
		}
	}
	return false
}

func removeZone(zs []*zone.Zone, id string) []*zone.Zone {
	out := zs[:0]
	for _, z := range zs {
		if z.ID != id {
			out = append(out, z)
		}
	}
	return out
}

func (e *Engine) inspectTask(taskID string) TaskView {
	t := e.tasksByID[taskID]
	if t == nil {
		return TaskView{}
	}
	v := TaskView{Found: true, Task: *t}
	for _, id := range t.ActionIDs {
		if a := e.actions[id]; a != nil {
			v.Actions = append(v.Actions, *a)
		}
	}
	return v
}

func (e *Engine) sortedAgentIDs() []string {
	ids := make([]string, 0, len(e.agents))
	for id := range e.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) dropQueued(a *Agent, taskID string) {
	kept := a.Queue[:0]
	for _, act := range a.Queue {
		if act.TaskID == taskID {
			continue
		}
		kept = append(kept, act)
	}
	a.Queue = kept
}

func zoneIDFromKey(key string) (string, bool) {
	if strings.HasPrefix(key, "zone:") {
		return strings.TrimPrefix(key, "zone:"), true
	}
	return "", false
}
