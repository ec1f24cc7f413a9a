package engine

import (
	"fmt"

	"voxelswarm.ai/internal/sim/bus"
	"voxelswarm.ai/internal/sim/plan"
	"voxelswarm.ai/internal/sim/tasks"
)

// advanceAgent performs at most one unit of work for one agent on this tick.
// A tick either makes a claim attempt, executes one step, or resolves a
// terminal transition; never more than one world mutation.
func (e *Engine) advanceAgent(a *Agent, now uint64) {
	if a.Current == nil {
		if len(a.Queue) == 0 {
			if a.TaskID != "" {
				a.TaskID = ""
			}
			if a.IdleSince == 0 {
				a.IdleSince = now
			}
			return
		}
		next := a.Queue[0]
		a.Queue = a.Queue[1:]
		next.Status = tasks.ActionClaiming
		next.AgentID = a.ID
		a.Current = next
		a.TaskID = next.TaskID
	}

	act := a.Current

	// A cancelled task fails its in-flight action before anything else runs.
	if t := e.tasksByID[act.TaskID]; t != nil && t.Status == tasks.TaskCancelled {
		e.finalizeAction(a, act, now, tasks.FailCancelled, "task cancelled")
		a.TaskID = ""
		return
	}

	switch act.Status {
	case tasks.ActionClaiming:
		e.tickClaiming(a, act, now)
	case tasks.ActionSuspended:
		e.tickSuspended(a, act, now)
	case tasks.ActionRunning:
		e.tickRunning(a, act, now)
	}
}

// tickClaiming attempts the action's full claim set atomically from the
// executor's point of view: either every resource is acquired this tick or
// none remain held.
func (e *Engine) tickClaiming(a *Agent, act *tasks.Action, now uint64) {
	if now < act.RetryAtTick {
		return
	}
	expiry := uint64(0)
	if e.cfg.LeaseGraceTicks > 0 {
		expiry = now + uint64(e.cfg.LeaseGraceTicks)
	}
	acquired := make([]string, 0, len(act.Spec.Claims))
	for _, cr := range act.Spec.Claims {
		if _, ok := e.claims.TryAcquire(cr.Key, a.ID, cr.Mode, act.ID, now, expiry); !ok {
			for _, k := range acquired {
				e.claims.Release(k, a.ID)
			}
			e.auditClaim(ClaimAuditEntry{Tick: now, Actor: a.ID, Op: "DENY", Key: cr.Key, Mode: string(cr.Mode), Action: act.ID})
			e.noteClaimDenial()
			act.Denials++
			if act.Denials > act.Spec.RetryMax {
				e.failAction(a, now, tasks.FailClaimDenied, "claim denied on "+cr.Key)
				return
			}
			act.RetryAtTick = now + e.backoff(act.Denials)
			return
		}
		acquired = append(acquired, cr.Key)
	}
	for _, cr := range act.Spec.Claims {
		e.bus.Publish(bus.Event{Kind: bus.ClaimAcquired, Tick: now, AgentID: a.ID, TaskID: act.TaskID, ActionID: act.ID, Resource: cr.Key})
		e.auditClaim(ClaimAuditEntry{Tick: now, Actor: a.ID, Op: "ACQUIRE", Key: cr.Key, Mode: string(cr.Mode), Action: act.ID})
		if zoneID, ok := zoneIDFromKey(cr.Key); ok {
			if z := e.zones.Get(zoneID); z != nil {
				z.Owner = a.ID
				z.LastBeatTick = now
				e.bus.Publish(bus.Event{Kind: bus.ZoneClaimed, Tick: now, AgentID: a.ID, ZoneID: zoneID})
			}
		}
	}
	act.Status = tasks.ActionRunning
	act.Denials = 0
	act.StartedTick = now
	act.DeadlineTick = now + act.Spec.TickBudget
	// First step executes on the next tick; acquisition consumed this one.
}

func (e *Engine) tickSuspended(a *Agent, act *tasks.Action, now uint64) {
	if now > act.DeadlineTick {
		e.failAction(a, now, tasks.FailTimeout, "tick budget exhausted while suspended")
		return
	}
	e.renewLeases(act, a.ID, now)
	if e.world.Loaded(e.currentStepPos(a, act)) {
		act.Status = tasks.ActionRunning
	}
}

func (e *Engine) tickRunning(a *Agent, act *tasks.Action, now uint64) {
	if now > act.DeadlineTick {
		e.failAction(a, now, tasks.FailTimeout, "tick budget exhausted")
		return
	}
	e.renewLeases(act, a.ID, now)

	pos := e.currentStepPos(a, act)
	if !e.world.Loaded(pos) {
		act.Status = tasks.ActionSuspended
		return
	}

	switch act.Spec.Kind {
	case tasks.KindMoveTo:
		a.Pos = stepToward(a.Pos, act.Spec.Target)
		if a.Pos == act.Spec.Target {
			e.succeedAction(a, act, now)
		}
		return
	case tasks.KindSurveyZone:
		e.tickSurvey(a, act, now)
		return
	}

	params := map[string]string{}
	if act.Spec.Block != "" {
		params["block"] = act.Spec.Block
	}
	res := e.world.ApplyMutation(act.Spec.Kind, pos, params)
	switch {
	case res.OK:
		act.StepIndex++
		if act.StepIndex >= act.Spec.StepCount() {
			e.succeedAction(a, act, now)
		}
	case res.Precondition:
		e.failAction(a, now, tasks.FailPrecondition, res.Reason)
	default:
		e.failAction(a, now, tasks.FailMutationRejected, res.Reason)
	}
}

// tickSurvey advances the zone a fixed amount per tick until it completes.
func (e *Engine) tickSurvey(a *Agent, act *tasks.Action, now uint64) {
	z := e.zones.Get(act.Spec.ZoneID)
	if z == nil {
		e.failAction(a, now, tasks.FailPrecondition, "unknown zone "+act.Spec.ZoneID)
		return
	}
	res := e.world.ApplyMutation(tasks.KindSurveyZone, act.Spec.Target, nil)
	if !res.OK {
		e.failAction(a, now, tasks.FailMutationRejected, res.Reason)
		return
	}
	if e.zones.Progress(z.ID, z.Percent+surveyPerTick) {
		e.bus.Publish(bus.Event{Kind: bus.ZoneCompleted, Tick: now, AgentID: a.ID, TaskID: act.TaskID, ZoneID: z.ID})
	}
	if z.Percent >= 100 {
		e.succeedAction(a, act, now)
	}
}

const surveyPerTick = 2 // completion percent gained per survey tick

func (e *Engine) renewLeases(act *tasks.Action, holder string, now uint64) {
	if e.cfg.LeaseGraceTicks <= 0 {
		return
	}
	expiry := now + uint64(e.cfg.LeaseGraceTicks)
	for _, cr := range act.Spec.Claims {
		e.claims.Renew(cr.Key, holder, expiry)
	}
}

func (e *Engine) currentStepPos(a *Agent, act *tasks.Action) tasks.Vec3i {
	if act.Spec.Kind == tasks.KindMoveTo {
		return a.Pos
	}
	i := act.StepIndex
	if i >= act.Spec.StepCount() {
		i = act.Spec.StepCount() - 1
	}
	return act.Spec.StepAt(i)
}

// stepToward moves one block along the first unfinished axis.
func stepToward(from, to tasks.Vec3i) tasks.Vec3i {
	switch {
	case from.X != to.X:
		from.X += sign(to.X - from.X)
	case from.Y != to.Y:
		from.Y += sign(to.Y - from.Y)
	case from.Z != to.Z:
		from.Z += sign(to.Z - from.Z)
	}
	return from
}

func sign(n int) int {
	if n < 0 {
		return -1
	}
	if n > 0 {
		return 1
	}
	return 0
}

// finalizeAction records the terminal failure, releases every lease the action
// held, and publishes the failure. No retry or revision happens here.
func (e *Engine) finalizeAction(a *Agent, act *tasks.Action, now uint64, code tasks.FailureCode, reason string) {
	act.Status = tasks.ActionFailed
	act.FailCode = code
	act.Reason = reason
	e.releaseActionClaims(act, now)
	e.bus.Publish(bus.Event{Kind: bus.ActionFailed, Tick: now, AgentID: a.ID, TaskID: act.TaskID, ActionID: act.ID, Code: string(code), Reason: reason})
	e.noteActionFailed()
	if a.Current == act {
		a.Current = nil
	}
}

// failAction is the full failure path: finalize, then retry the same spec as a
// fresh instance if the code is transient, otherwise hand the remaining plan
// tail to the planner for revision.
func (e *Engine) failAction(a *Agent, now uint64, code tasks.FailureCode, reason string) {
	act := a.Current
	e.finalizeAction(a, act, now, code, reason)

	t := e.tasksByID[act.TaskID]
	if t == nil || t.Status.Terminal() {
		e.dropQueued(a, act.TaskID)
		a.TaskID = ""
		return
	}

	if code.Retryable() && act.Attempt < act.Spec.RetryMax {
		retry := &tasks.Action{
			ID:          e.newActionID(),
			TaskID:      act.TaskID,
			Spec:        act.Spec,
			Status:      tasks.ActionQueued,
			Attempt:     act.Attempt + 1,
			RetryAtTick: now + e.backoff(act.Attempt),
		}
		e.actions[retry.ID] = retry
		t.ActionIDs = append(t.ActionIDs, retry.ID)
		a.Queue = append([]*tasks.Action{retry}, a.Queue...)
		return
	}

	// Revision: the failed spec plus every queued spec of this task form the
	// remaining tail.
	tail := []tasks.ActionSpec{act.Spec}
	for _, q := range a.Queue {
		if q.TaskID == act.TaskID {
			tail = append(tail, q.Spec)
		}
	}
	newTail, ok := plan.Revise(tail, plan.FailureContext{
		Code:      code,
		StepIndex: act.StepIndex,
		Revision:  t.Revisions,
		ReviseMax: e.cfg.ReviseMax,
	})
	if !ok {
		t.Status = tasks.TaskFailed
		t.Reason = fmt.Sprintf("%s: %s", code, reason)
		e.dropQueued(a, act.TaskID)
		a.TaskID = ""
		e.noteTaskFailed()
		return
	}
	t.Revisions++
	e.dropQueued(a, act.TaskID)
	for i := len(newTail) - 1; i >= 0; i-- {
		rev := &tasks.Action{
			ID:      e.newActionID(),
			TaskID:  act.TaskID,
			Spec:    newTail[i],
			Status:  tasks.ActionQueued,
			Attempt: 1,
		}
		e.actions[rev.ID] = rev
		t.ActionIDs = append(t.ActionIDs, rev.ID)
		a.Queue = append([]*tasks.Action{rev}, a.Queue...)
	}
}

func (e *Engine) succeedAction(a *Agent, act *tasks.Action, now uint64) {
	act.Status = tasks.ActionSucceeded
	e.releaseActionClaims(act, now)
	e.bus.Publish(bus.Event{Kind: bus.ActionSucceeded, Tick: now, AgentID: a.ID, TaskID: act.TaskID, ActionID: act.ID})
	e.noteActionSucceeded()
	a.Current = nil

	remaining := false
	for _, q := range a.Queue {
		if q.TaskID == act.TaskID {
			remaining = true
			break
		}
	}
	if !remaining {
		if t := e.tasksByID[act.TaskID]; t != nil && !t.Status.Terminal() {
			t.Status = tasks.TaskDone
			e.noteTaskDone()
		}
		a.TaskID = ""
	}
}

func (e *Engine) releaseActionClaims(act *tasks.Action, now uint64) {
	for _, c := range e.claims.ReleaseAction(act.ID) {
		e.bus.Publish(bus.Event{Kind: bus.ClaimReleased, Tick: now, AgentID: c.Holder, TaskID: act.TaskID, ActionID: act.ID, Resource: c.Key})
		e.auditClaim(ClaimAuditEntry{Tick: now, Actor: c.Holder, Op: "RELEASE", Key: c.Key, Mode: string(c.Mode), Action: act.ID})
	}
}
