// Package engine drives the swarm: one logical tick loop advances every
// agent's current action exactly once per tick. All simulation state is owned
// by the loop goroutine; external callers talk to it over channels.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"voxelswarm.ai/internal/sim/bus"
	"voxelswarm.ai/internal/sim/claim"
	"voxelswarm.ai/internal/sim/plan"
	"voxelswarm.ai/internal/sim/sanitize"
	"voxelswarm.ai/internal/sim/tasks"
	"voxelswarm.ai/internal/sim/tuning"
	"voxelswarm.ai/internal/sim/zone"
)

type Agent struct {
	ID   string
	Name string
	Pos  tasks.Vec3i

	Current *tasks.Action
	Queue   []*tasks.Action
	TaskID  string

	LastSeenTick uint64
	IdleSince    uint64
}

type JoinRequest struct {
	Name string
	Pos  tasks.Vec3i
	Resp chan string // agent id
}

type SubmitRequest struct {
	Requester string
	Text      string
	Priority  int
	Resp      chan SubmitResult
}

type SubmitResult struct {
	TaskID string
	Code   string
	Reason string
}

func (r SubmitResult) Err() error {
	if r.Code == "" {
		return nil
	}
	return fmt.Errorf("%s: %s", r.Code, r.Reason)
}

type CancelRequest struct {
	TaskID string
	Resp   chan bool // found
}

type AssignRequest struct {
	AgentID string
	ZoneID  string
	Resp    chan string // "", "invalid", "conflict"
}

type RebalanceRequest struct {
	Resp chan int // assignments made
}

// TaskView is a consistent copy of one task and its actions, taken at a tick
// boundary.
type TaskView struct {
	Found   bool
	Task    tasks.Task
	Actions []tasks.Action
}

type InspectRequest struct {
	TaskID string
	Resp   chan TaskView
}

// TickInput is everything one tick consumes from the outside world.
type TickInput struct {
	Joins     []JoinRequest
	Leaves    []string
	Submits   []SubmitRequest
	Cancels   []CancelRequest
	Assigns   []AssignRequest
	Rebalance []RebalanceRequest
	Inspects  []InspectRequest
}

// Translator is the external LLM boundary: it normalizes a raw goal into
// planner-ready text. Calls run off the tick loop; results are polled.
type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
}

type translated struct {
	taskID string
	text   string
	err    error
}

// SanitizerAuditSink persists one record per submitted text (append-only).
type SanitizerAuditSink interface {
	WriteSanitizerAudit(rec sanitize.AuditRecord) error
}

// ClaimAuditEntry traces one claim transition.
type ClaimAuditEntry struct {
	Tick   uint64 `json:"tick"`
	Actor  string `json:"actor"`
	Op     string `json:"op"` // ACQUIRE | RELEASE | EXPIRE | DENY
	Key    string `json:"key"`
	Mode   string `json:"mode,omitempty"`
	Action string `json:"action,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type ClaimAuditSink interface {
	WriteClaimAudit(entry ClaimAuditEntry) error
}

type rateWindow struct {
	StartTick uint64
	Count     int
}

// Engine owns agents, tasks, actions, zones, and the claim manager. Only the
// claim manager is safe to touch off-loop (it has its own critical section).
type Engine struct {
	cfg tuning.Tuning

	sanitizer *sanitize.Sanitizer
	planner   *plan.Planner
	claims    *claim.Manager
	zones     *zone.Registry
	bus       *bus.Bus
	world     World

	translator Translator

	tick atomic.Uint64

	agents    map[string]*Agent
	tasksByID map[string]*tasks.Task
	actions   map[string]*tasks.Action

	// Tasks waiting on an async translation, keyed by task id.
	awaitingPlan map[string]*tasks.Task
	translations chan translated

	// Accepted tasks waiting for an idle agent, FIFO.
	pendingTasks []string

	rl map[string]*rateWindow

	join      chan JoinRequest
	leave     chan string
	submit    chan SubmitRequest
	cancelCh  chan CancelRequest
	assign    chan AssignRequest
	rebalance chan RebalanceRequest
	inspect   chan InspectRequest
	stop      chan struct{}

	nextTaskNum   atomic.Uint64
	nextActionNum atomic.Uint64
	nextAgentNum  atomic.Uint64

	sanAudit   SanitizerAuditSink
	claimAudit ClaimAuditSink

	counters counters
	metrics  atomic.Pointer[Metrics]
}

func New(cfg tuning.Tuning, w World, store claim.Store) *Engine {
	cfg.ApplyDefaults()
	claims := claim.NewManager(store)
	e := &Engine{
		cfg:          cfg,
		sanitizer:    sanitize.New(cfg.Sanitizer.MaxTextLen),
		claims:       claims,
		zones:        zone.NewRegistry(),
		bus:          bus.New(),
		world:        w,
		agents:       map[string]*Agent{},
		tasksByID:    map[string]*tasks.Task{},
		actions:      map[string]*tasks.Action{},
		awaitingPlan: map[string]*tasks.Task{},
		translations: make(chan translated, 64),
		rl:           map[string]*rateWindow{},
		join:         make(chan JoinRequest, 64),
		leave:        make(chan string, 64),
		submit:       make(chan SubmitRequest, 256),
		cancelCh:     make(chan CancelRequest, 64),
		assign:       make(chan AssignRequest, 16),
		rebalance:    make(chan RebalanceRequest, 16),
		inspect:      make(chan InspectRequest, 16),
		stop:         make(chan struct{}),
	}
	e.planner = plan.New(nil, claims)
	e.metrics.Store(&Metrics{})
	return e
}

// SetMemory injects the planner's read-only memory collaborator.
func (e *Engine) SetMemory(mem plan.Memory) { e.planner = plan.New(mem, e.claims) }

// SetTranslator enables async goal translation before planning.
func (e *Engine) SetTranslator(t Translator) { e.translator = t }

func (e *Engine) SetSanitizerAudit(s SanitizerAuditSink) { e.sanAudit = s }
func (e *Engine) SetClaimAudit(s ClaimAuditSink)         { e.claimAudit = s }

// Bus exposes the coordination bus for subscriber registration before Run.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Claims exposes the claim manager (safe off-loop).
func (e *Engine) Claims() *claim.Manager { return e.claims }

// AddZone registers a zone before the loop starts.
func (e *Engine) AddZone(z *zone.Zone) { e.zones.Put(z) }

func (e *Engine) CurrentTick() uint64 { return e.tick.Load() }

// Submit routes raw text through the sanitizer and planner. Blocks until the
// tick loop answers; rejections return an error and never a task id.
func (e *Engine) Submit(requester, text string, priority int) (string, error) {
	resp := make(chan SubmitResult, 1)
	e.submit <- SubmitRequest{Requester: requester, Text: text, Priority: priority, Resp: resp}
	r := <-resp
	return r.TaskID, r.Err()
}

// Cancel marks a task cancelled. Returns false for unknown ids.
func (e *Engine) Cancel(taskID string) bool {
	resp := make(chan bool, 1)
	e.cancelCh <- CancelRequest{TaskID: taskID, Resp: resp}
	return <-resp
}

// Join adds an agent and returns its id.
func (e *Engine) Join(name string, pos tasks.Vec3i) string {
	resp := make(chan string, 1)
	e.join <- JoinRequest{Name: name, Pos: pos, Resp: resp}
	return <-resp
}

// Leave detaches an agent; its leases expire on the next sweep.
func (e *Engine) Leave(agentID string) { e.leave <- agentID }

// AssignZone forces zone ownership. Returns "" on success, "invalid" for an
// unknown agent/zone, "conflict" when the zone claim is held elsewhere.
func (e *Engine) AssignZone(agentID, zoneID string) string {
	resp := make(chan string, 1)
	e.assign <- AssignRequest{AgentID: agentID, ZoneID: zoneID, Resp: resp}
	return <-resp
}

// Rebalance runs a rebalance pass on the next tick and reports assignments.
func (e *Engine) Rebalance() int {
	resp := make(chan int, 1)
	e.rebalance <- RebalanceRequest{Resp: resp}
	return <-resp
}

// InspectTask returns a consistent view of one task at the next tick boundary.
func (e *Engine) InspectTask(taskID string) TaskView {
	resp := make(chan TaskView, 1)
	e.inspect <- InspectRequest{TaskID: taskID, Resp: resp}
	return <-resp
}

// Metrics returns the latest published metrics snapshot.
func (e *Engine) Metrics() Metrics { return *e.metrics.Load() }

func (e *Engine) Stop() { close(e.stop) }

// Run drives the tick loop until ctx is done or Stop is called. Pending
// requests buffer between ticks and apply at the tick boundary, keeping
// per-tick processing deterministic.
func (e *Engine) Run(ctx context.Context) error {
	e.bus.Seal()
	interval := time.Second / time.Duration(e.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pending TickInput

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stop:
			return nil
		case req := <-e.join:
			pending.Joins = append(pending.Joins, req)
		case id := <-e.leave:
			pending.Leaves = append(pending.Leaves, id)
		case req := <-e.submit:
			pending.Submits = append(pending.Submits, req)
		case req := <-e.cancelCh:
			pending.Cancels = append(pending.Cancels, req)
		case req := <-e.assign:
			pending.Assigns = append(pending.Assigns, req)
		case req := <-e.rebalance:
			pending.Rebalance = append(pending.Rebalance, req)
		case req := <-e.inspect:
			pending.Inspects = append(pending.Inspects, req)
		case <-ticker.C:
			e.step(pending)
			pending = TickInput{}
		}
	}
}

// StepOnce advances the engine by a single tick with the same ordering
// semantics as Run. Intended for deterministic tests and replays.
func (e *Engine) StepOnce(in TickInput) (tick uint64, digest string) {
	e.step(in)
	return e.tick.Load(), e.StateDigest()
}

func (e *Engine) newTaskID() string   { return fmt.Sprintf("T%06d", e.nextTaskNum.Add(1)) }
func (e *Engine) newActionID() string { return fmt.Sprintf("K%06d", e.nextActionNum.Add(1)) }
func (e *Engine) newAgentID() string  { return fmt.Sprintf("A%d", e.nextAgentNum.Add(1)) }

// rateAllow is a per-requester sliding tick window.
func (e *Engine) rateAllow(requester string, now uint64) bool {
	w := e.rl[requester]
	window := uint64(e.cfg.RateLimits.SubmitWindowTicks)
	if w == nil {
		w = &rateWindow{StartTick: now}
		e.rl[requester] = w
	}
	if now-w.StartTick >= window {
		w.StartTick = now
		w.Count = 0
	}
	w.Count++
	return w.Count <= e.cfg.RateLimits.SubmitMax
}

func (e *Engine) backoff(attempt int) uint64 {
	if attempt < 1 {
		attempt = 1
	}
	b := uint64(e.cfg.BackoffBaseTicks)
	for i := 1; i < attempt; i++ {
		b *= 2
		if b >= uint64(e.cfg.BackoffMaxTicks) {
			return uint64(e.cfg.BackoffMaxTicks)
		}
	}
	return b
}

func (e *Engine) auditClaim(entry ClaimAuditEntry) {
	if e.claimAudit != nil {
		_ = e.claimAudit.WriteClaimAudit(entry)
	}
}

func submitErr(code, reason string) SubmitResult {
	return SubmitResult{Code: code, Reason: reason}
}
