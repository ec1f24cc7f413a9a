package engine

import (
	"sync"

	"voxelswarm.ai/internal/sim/tasks"
)

// MemWorld is a small in-memory world used by the dev server and tests. The
// real voxel engine sits behind the same World interface.
type MemWorld struct {
	mu       sync.Mutex
	blocks   map[tasks.Vec3i]string
	unloaded map[tasks.Vec3i]bool
	denied   map[tasks.Vec3i]bool
}

const airBlock = "AIR"

func NewMemWorld() *MemWorld {
	return &MemWorld{
		blocks:   map[tasks.Vec3i]string{},
		unloaded: map[tasks.Vec3i]bool{},
		denied:   map[tasks.Vec3i]bool{},
	}
}

func (w *MemWorld) BlockAt(pos tasks.Vec3i) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.blockAtLocked(pos)
}

func (w *MemWorld) blockAtLocked(pos tasks.Vec3i) string {
	if b, ok := w.blocks[pos]; ok {
		return b
	}
	if pos.Y < 0 {
		return "STONE"
	}
	return airBlock
}

func (w *MemWorld) SetBlock(pos tasks.Vec3i, block string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.blocks[pos] = block
}

// SetLoaded marks a position (un)available, driving the suspension path.
func (w *MemWorld) SetLoaded(pos tasks.Vec3i, loaded bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if loaded {
		delete(w.unloaded, pos)
	} else {
		w.unloaded[pos] = true
	}
}

// Deny makes every mutation at pos fail hard, simulating the engine refusing
// an operation.
func (w *MemWorld) Deny(pos tasks.Vec3i) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.denied[pos] = true
}

func (w *MemWorld) Loaded(pos tasks.Vec3i) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.unloaded[pos]
}

func (w *MemWorld) ApplyMutation(kind tasks.Kind, pos tasks.Vec3i, params map[string]string) MutationResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.denied[pos] {
		return MutationResult{Reason: "operation refused"}
	}
	switch kind {
	case tasks.KindBreakBlock:
		if w.blockAtLocked(pos) == airBlock {
			return MutationResult{Precondition: true, Reason: "no block"}
		}
		w.blocks[pos] = airBlock
		return MutationResult{OK: true}
	case tasks.KindPlaceBlock:
		block := params["block"]
		if block == "" {
			return MutationResult{Reason: "missing block"}
		}
		cur := w.blockAtLocked(pos)
		if cur == block {
			return MutationResult{Precondition: true, Reason: "already placed"}
		}
		if cur != airBlock {
			return MutationResult{Precondition: true, Reason: "space occupied"}
		}
		w.blocks[pos] = block
		return MutationResult{OK: true}
	case tasks.KindGatherItem, tasks.KindTendFarm, tasks.KindSurveyZone:
		return MutationResult{OK: true}
	}
	return MutationResult{Reason: "unknown mutation kind"}
}
