package tasks

import "fmt"

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskPlanning  TaskStatus = "planning"
	TaskActive    TaskStatus = "active"
	TaskDone      TaskStatus = "done"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskFailed || s == TaskCancelled
}

type ActionStatus string

const (
	ActionQueued    ActionStatus = "queued"
	ActionClaiming  ActionStatus = "claimed"
	ActionRunning   ActionStatus = "running"
	ActionSuspended ActionStatus = "suspended"
	ActionSucceeded ActionStatus = "succeeded"
	ActionFailed    ActionStatus = "failed"
)

func (s ActionStatus) Terminal() bool {
	return s == ActionSucceeded || s == ActionFailed
}

// Kind enumerates the primitive operations an agent can perform.
type Kind string

const (
	KindMoveTo     Kind = "MOVE_TO"
	KindBreakBlock Kind = "BREAK_BLOCK"
	KindPlaceBlock Kind = "PLACE_BLOCK"
	KindGatherItem Kind = "GATHER_ITEM"
	KindTendFarm   Kind = "TEND_FARM"
	KindSurveyZone Kind = "SURVEY_ZONE"
)

// FailureCode classifies why an action ended.
type FailureCode string

const (
	FailNone             FailureCode = ""
	FailClaimDenied      FailureCode = "CLAIM_DENIED"
	FailPrecondition     FailureCode = "PRECONDITION_FAILED"
	FailTimeout          FailureCode = "TIMEOUT"
	FailMutationRejected FailureCode = "WORLD_MUTATION_REJECTED"
	FailClaimExpired     FailureCode = "CLAIM_EXPIRED"
	FailCancelled        FailureCode = "CANCELLED"
)

// Retryable reports whether the executor may retry the action automatically.
// Only transient failures qualify; structural ones go back to the planner.
func (c FailureCode) Retryable() bool {
	return c == FailClaimDenied || c == FailTimeout
}

type Vec3i struct{ X, Y, Z int }

func (v Vec3i) Key() string { return fmt.Sprintf("block:%d,%d,%d", v.X, v.Y, v.Z) }

func Manhattan(a, b Vec3i) int {
	dx := a.X - b.X
	if dx < 0 {
		dx = -dx
	}
	dy := a.Y - b.Y
	if dy < 0 {
		dy = -dy
	}
	dz := a.Z - b.Z
	if dz < 0 {
		dz = -dz
	}
	return dx + dy + dz
}

type ClaimMode string

const (
	ClaimExclusive ClaimMode = "exclusive"
	ClaimShared    ClaimMode = "shared"
)

// ClaimReq declares one resource the action needs before it may run.
type ClaimReq struct {
	Key  string
	Mode ClaimMode
}

// ActionSpec is the immutable recipe an Action executes. A retried action is a
// new Action instance sharing the same spec.
type ActionSpec struct {
	Kind   Kind
	Target Vec3i
	// Steps holds the sub-step queue for batched operations (one consumed per
	// tick). Empty means a single step at Target.
	Steps  []Vec3i
	Block  string // block/item id for PLACE_BLOCK and TEND_FARM
	ZoneID string // for SURVEY_ZONE

	Claims     []ClaimReq
	TickBudget uint64
	RetryMax   int
}

// StepCount is the number of per-tick units of work in the spec.
func (s ActionSpec) StepCount() int {
	if len(s.Steps) > 0 {
		return len(s.Steps)
	}
	return 1
}

// StepAt returns the coordinate of step i.
func (s ActionSpec) StepAt(i int) Vec3i {
	if len(s.Steps) > 0 {
		return s.Steps[i]
	}
	return s.Target
}

// Action is one executable unit. Terminal records are never mutated back to a
// live state; a retry creates a fresh instance with Attempt+1.
type Action struct {
	ID     string
	TaskID string
	Spec   ActionSpec

	Status  ActionStatus
	Attempt int

	AgentID      string
	StepIndex    int
	Denials      int // consecutive claim denials this instance
	StartedTick  uint64
	DeadlineTick uint64
	RetryAtTick  uint64

	FailCode FailureCode
	Reason   string
}

// Task is a top-level goal expanded into an ordered list of actions.
type Task struct {
	ID          string
	Requester   string
	Text        string
	Priority    int
	Status      TaskStatus
	ActionIDs   []string
	CreatedTick uint64
	Revisions   int

	// Reason is the human-readable terminal reason (failed/cancelled).
	Reason string
}
