package zone

import (
	"testing"

	"voxelswarm.ai/internal/sim/tasks"
)

func mkRegistry() *Registry {
	r := NewRegistry()
	r.Put(&Zone{ID: "Z1", Anchor: tasks.Vec3i{X: 0, Z: 0}, Size: 64})
	r.Put(&Zone{ID: "Z2", Anchor: tasks.Vec3i{X: 128, Z: 0}, Size: 64})
	r.Put(&Zone{ID: "Z3", Anchor: tasks.Vec3i{X: 0, Z: 128}, Size: 32})
	return r
}

func TestClaimable_StaleOwner(t *testing.T) {
	r := mkRegistry()
	r.Get("Z1").Owner = "A1"
	r.Get("Z1").LastBeatTick = 10
	r.Get("Z2").Owner = "A2"
	r.Get("Z2").LastBeatTick = 95
	r.Get("Z3").Percent = 100

	got := r.Claimable(110, 100)
	if len(got) != 1 || got[0].ID != "Z1" {
		t.Fatalf("expected only stale Z1, got %v", ids(got))
	}
}

func TestClaimable_UnownedAndOrder(t *testing.T) {
	r := mkRegistry()
	got := r.Claimable(0, 100)
	want := []string{"Z1", "Z2", "Z3"}
	g := ids(got)
	if len(g) != len(want) {
		t.Fatalf("got %v", g)
	}
	for i := range want {
		if g[i] != want[i] {
			t.Fatalf("order: got %v", g)
		}
	}
}

func TestPickLargestPrefersRemainingWork(t *testing.T) {
	r := mkRegistry()
	r.Get("Z1").Percent = 90 // 64x64 but nearly done
	cands := r.Claimable(0, 100)
	z := Pick(cands, tasks.Vec3i{}, PickLargest)
	if z == nil || z.ID != "Z2" {
		t.Fatalf("expected Z2, got %v", z)
	}
}

func TestPickLargestTieBreaksLowestID(t *testing.T) {
	r := mkRegistry()
	cands := []*Zone{r.Get("Z2"), r.Get("Z1")} // equal remaining
	z := Pick(cands, tasks.Vec3i{}, PickLargest)
	if z.ID != "Z1" {
		t.Fatalf("tie should go to Z1, got %s", z.ID)
	}
}

func TestPickNearest(t *testing.T) {
	r := mkRegistry()
	cands := r.Claimable(0, 100)
	z := Pick(cands, tasks.Vec3i{X: 130, Z: 2}, PickNearest)
	if z.ID != "Z2" {
		t.Fatalf("expected nearest Z2, got %s", z.ID)
	}
}

func TestProgressAndCompletion(t *testing.T) {
	r := mkRegistry()
	if r.Progress("Z1", 50) {
		t.Fatal("50%% should not complete")
	}
	if !r.Progress("Z1", 100) {
		t.Fatal("completion edge not reported")
	}
	if r.Progress("Z1", 100) {
		t.Fatal("completion reported twice")
	}
	// Progress never goes backwards.
	r.Progress("Z2", 40)
	r.Progress("Z2", 30)
	if r.Get("Z2").Percent != 40 {
		t.Fatalf("progress regressed: %d", r.Get("Z2").Percent)
	}
}

func TestReleaseOwner(t *testing.T) {
	r := mkRegistry()
	r.Get("Z1").Owner = "A1"
	r.Get("Z3").Owner = "A1"
	rel := r.ReleaseOwner("A1")
	if len(rel) != 2 || r.Get("Z1").Owner != "" || r.Get("Z3").Owner != "" {
		t.Fatalf("release failed: %v", ids(rel))
	}
}

func ids(zs []*Zone) []string {
	out := make([]string, 0, len(zs))
	for _, z := range zs {
		out = append(out, z.ID)
	}
	return out
}
