package engine

import "voxelswarm.ai/internal/sim/tasks"

// MutationResult is the world collaborator's answer to one mutation attempt.
// Precondition marks "target state no longer matches expectation" (re-plan);
// a plain rejection is fatal for the action.
type MutationResult struct {
	OK           bool
	Precondition bool
	Reason       string
}

// World is the external voxel engine boundary. It is authoritative over
// whether a mutation is legal; the executor only calls it while holding a
// valid claim on the target.
type World interface {
	ApplyMutation(kind tasks.Kind, pos tasks.Vec3i, params map[string]string) MutationResult
	// Loaded reports whether the region around pos is available. Unloaded
	// regions suspend the action until a later tick.
	Loaded(pos tasks.Vec3i) bool
}
