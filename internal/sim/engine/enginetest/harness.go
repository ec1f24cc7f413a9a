// Package enginetest is a black-box test helper for driving the engine via
// exported APIs only: requests go through StepOnce, observations come back as
// bus events captured by a tap. Tests stay outside the engine package.
package enginetest

import (
	"testing"

	"voxelswarm.ai/internal/sim/bus"
	"voxelswarm.ai/internal/sim/engine"
	"voxelswarm.ai/internal/sim/tasks"
	"voxelswarm.ai/internal/sim/tuning"
	"voxelswarm.ai/internal/sim/zone"
)

type Harness struct {
	T     *testing.T
	Eng   *engine.Engine
	World *engine.MemWorld

	events []bus.Event
}

func NewHarness(t *testing.T, cfg tuning.Tuning) *Harness {
	t.Helper()
	w := engine.NewMemWorld()
	e := engine.New(cfg, w, nil)
	h := &Harness{T: t, Eng: e, World: w}
	if err := e.Bus().Tap(func(ev bus.Event) { h.events = append(h.events, ev) }); err != nil {
		t.Fatalf("bus tap: %v", err)
	}
	return h
}

// Join adds an agent at pos and advances one tick.
func (h *Harness) Join(name string, pos tasks.Vec3i) string {
	h.T.Helper()
	resp := make(chan string, 1)
	h.Eng.StepOnce(engine.TickInput{Joins: []engine.JoinRequest{{Name: name, Pos: pos, Resp: resp}}})
	id := <-resp
	if id == "" {
		h.T.Fatalf("join returned empty agent id")
	}
	return id
}

// JoinAll adds several agents on the same tick, preserving order.
func (h *Harness) JoinAll(names []string, pos tasks.Vec3i) []string {
	h.T.Helper()
	reqs := make([]engine.JoinRequest, len(names))
	resps := make([]chan string, len(names))
	for i, n := range names {
		resps[i] = make(chan string, 1)
		reqs[i] = engine.JoinRequest{Name: n, Pos: pos, Resp: resps[i]}
	}
	h.Eng.StepOnce(engine.TickInput{Joins: reqs})
	ids := make([]string, len(names))
	for i := range resps {
		ids[i] = <-resps[i]
	}
	return ids
}

// Submit sends one goal and advances one tick.
func (h *Harness) Submit(requester, text string) engine.SubmitResult {
	h.T.Helper()
	return h.SubmitAll(requester, text)[0]
}

// SubmitAll sends several goals from one requester on the same tick.
func (h *Harness) SubmitAll(requester string, texts ...string) []engine.SubmitResult {
	h.T.Helper()
	reqs := make([]engine.SubmitRequest, len(texts))
	resps := make([]chan engine.SubmitResult, len(texts))
	for i, txt := range texts {
		resps[i] = make(chan engine.SubmitResult, 1)
		reqs[i] = engine.SubmitRequest{Requester: requester, Text: txt, Resp: resps[i]}
	}
	h.Eng.StepOnce(engine.TickInput{Submits: reqs})
	out := make([]engine.SubmitResult, len(texts))
	for i := range resps {
		out[i] = <-resps[i]
	}
	return out
}

// Cancel requests task cancellation and advances one tick.
func (h *Harness) Cancel(taskID string) bool {
	h.T.Helper()
	resp := make(chan bool, 1)
	h.Eng.StepOnce(engine.TickInput{Cancels: []engine.CancelRequest{{TaskID: taskID, Resp: resp}}})
	return <-resp
}

// Leave removes an agent and advances one tick.
func (h *Harness) Leave(agentID string) {
	h.T.Helper()
	h.Eng.StepOnce(engine.TickInput{Leaves: []string{agentID}})
}

// AssignZone forces zone ownership and advances one tick.
func (h *Harness) AssignZone(agentID, zoneID string) string {
	h.T.Helper()
	resp := make(chan string, 1)
	h.Eng.StepOnce(engine.TickInput{Assigns: []engine.AssignRequest{{AgentID: agentID, ZoneID: zoneID, Resp: resp}}})
	return <-resp
}

// Rebalance forces a zone rebalance pass and advances one tick.
func (h *Harness) Rebalance() int {
	h.T.Helper()
	resp := make(chan int, 1)
	h.Eng.StepOnce(engine.TickInput{Rebalance: []engine.RebalanceRequest{{Resp: resp}}})
	return <-resp
}

// AddZone registers a zone (before any stepping).
func (h *Harness) AddZone(id string, anchor tasks.Vec3i, size int) {
	h.Eng.AddZone(&zone.Zone{ID: id, Anchor: anchor, Size: size})
}

// Tick advances n empty ticks.
func (h *Harness) Tick(n int) {
	for i := 0; i < n; i++ {
		h.Eng.StepOnce(engine.TickInput{})
	}
}

// TickUntil advances until pred holds or max ticks elapse.
func (h *Harness) TickUntil(max int, pred func() bool) bool {
	for i := 0; i < max; i++ {
		if pred() {
			return true
		}
		h.Tick(1)
	}
	return pred()
}

// Events returns every captured event of one kind, in emit order.
func (h *Harness) Events(kind bus.Kind) []bus.Event {
	var out []bus.Event
	for _, ev := range h.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// AllEvents returns the full captured event stream.
func (h *Harness) AllEvents() []bus.Event { return h.events }

// LastEvent returns the most recent event of a kind, or nil.
func (h *Harness) LastEvent(kind bus.Kind) *bus.Event {
	for i := len(h.events) - 1; i >= 0; i-- {
		if h.events[i].Kind == kind {
			return &h.events[i]
		}
	}
	return nil
}

// FastTuning is a config with short windows so scenario tests finish quickly.
func FastTuning() tuning.Tuning {
	t := tuning.Defaults()
	t.BackoffBaseTicks = 1
	t.BackoffMaxTicks = 4
	t.LeaseGraceTicks = 8
	t.HeartbeatStaleTicks = 5
	t.RebalanceEveryTicks = 1000000 // effectively manual in tests
	return t
}
