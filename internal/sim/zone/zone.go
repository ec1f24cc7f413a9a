// Package zone tracks coarse world partitions used to divide project work
// among many agents. Zones are independent of the task/action graph; they only
// drive load distribution.
package zone

import (
	"sort"

	"voxelswarm.ai/internal/sim/tasks"
)

type Zone struct {
	ID     string
	Anchor tasks.Vec3i
	Size   int // square side length in blocks

	Owner        string // agent id, "" = unclaimed
	Percent      int    // completion 0..100
	LastBeatTick uint64
}

// Key is the claim-manager resource key for the zone.
func (z *Zone) Key() string { return "zone:" + z.ID }

// Remaining is the amount of work left, used by the "largest" pick policy.
func (z *Zone) Remaining() int {
	size := z.Size
	if size <= 0 {
		size = 1
	}
	return (100 - z.Percent) * size * size
}

// Registry is owned by the engine loop goroutine; all access happens there.
type Registry struct {
	zones map[string]*Zone
}

func NewRegistry() *Registry {
	return &Registry{zones: map[string]*Zone{}}
}

func (r *Registry) Put(z *Zone) { r.zones[z.ID] = z }

func (r *Registry) Get(id string) *Zone { return r.zones[id] }

func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.zones))
	for id := range r.zones {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Heartbeat refreshes liveness for every zone the agent owns.
func (r *Registry) Heartbeat(owner string, tick uint64) {
	for _, z := range r.zones {
		if z.Owner == owner {
			z.LastBeatTick = tick
		}
	}
}

// Progress advances completion; returns true when the zone just completed.
func (r *Registry) Progress(id string, percent int) bool {
	z := r.zones[id]
	if z == nil {
		return false
	}
	if percent > 100 {
		percent = 100
	}
	wasDone := z.Percent >= 100
	if percent > z.Percent {
		z.Percent = percent
	}
	return !wasDone && z.Percent >= 100
}

// ReleaseOwner clears ownership of every zone the agent holds (crash/expiry).
func (r *Registry) ReleaseOwner(owner string) []*Zone {
	var out []*Zone
	for _, id := range r.IDs() {
		z := r.zones[id]
		if z.Owner == owner {
			z.Owner = ""
			out = append(out, z)
		}
	}
	return out
}

// Claimable lists incomplete zones that are unowned or whose owner's last
// heartbeat is stale, in ascending id order.
func (r *Registry) Claimable(now, staleAfter uint64) []*Zone {
	var out []*Zone
	for _, id := range r.IDs() {
		z := r.zones[id]
		if z.Percent >= 100 {
			continue
		}
		if z.Owner == "" {
			out = append(out, z)
			continue
		}
		if now > z.LastBeatTick && now-z.LastBeatTick >= staleAfter {
			out = append(out, z)
		}
	}
	return out
}

type PickPolicy string

const (
	PickLargest PickPolicy = "largest"
	PickNearest PickPolicy = "nearest"
)

// Pick chooses a zone for an idle agent. Ties break on lowest zone id so
// contention outcomes are reproducible.
func Pick(candidates []*Zone, agentPos tasks.Vec3i, policy PickPolicy) *Zone {
	var best *Zone
	for _, z := range candidates {
		if best == nil {
			best = z
			continue
		}
		switch policy {
		case PickNearest:
			dz := tasks.Manhattan(z.Anchor, agentPos)
			db := tasks.Manhattan(best.Anchor, agentPos)
			if dz < db || (dz == db && z.ID < best.ID) {
				best = z
			}
		default: // largest remaining
			if z.Remaining() > best.Remaining() || (z.Remaining() == best.Remaining() && z.ID < best.ID) {
				best = z
			}
		}
	}
	return best
}
