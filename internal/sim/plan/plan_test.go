package plan

import (
	"testing"

	"voxelswarm.ai/internal/sim/tasks"
)

type fakeMemory struct {
	hits []Similarity
}

func (f *fakeMemory) Lookup(query string, limit int) []Similarity { return f.hits }

type fakeFeas struct {
	blocked map[string]bool
}

func (f *fakeFeas) CanAcquire(key, holder string, mode tasks.ClaimMode) bool {
	return !f.blocked[key]
}

func TestCategorize(t *testing.T) {
	cases := []struct {
		text string
		want Category
		ok   bool
	}{
		{"mine 4 iron ore at 10,20,30", CategoryMine, true},
		{"build a 9x9 wall at 0,5,0", CategoryBuild, true},
		{"gather wood near the river", CategoryGather, true},
		{"tend the wheat crop", CategoryFarm, true},
		{"survey zone Z3", CategoryCoordinate, true},
		{"sing a sea shanty", "", false},
	}
	for _, tc := range cases {
		got, ok := Categorize(tc.text)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("Categorize(%q) = %q,%v want %q,%v", tc.text, got, ok, tc.want, tc.ok)
		}
	}
}

func TestPlanMineDeclaresClaims(t *testing.T) {
	p := New(nil, nil)
	specs, err := p.Plan(Goal{TaskID: "T1", Text: "mine 4 iron ore at 10,20,30"}, "A1")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected move+break, got %d specs", len(specs))
	}
	if specs[0].Kind != tasks.KindMoveTo {
		t.Fatalf("first spec should move, got %s", specs[0].Kind)
	}
	br := specs[1]
	if br.Kind != tasks.KindBreakBlock || br.StepCount() != 4 {
		t.Fatalf("break spec wrong: %+v", br)
	}
	if len(br.Claims) != 4 || br.Claims[0].Key != "block:10,20,30" || br.Claims[0].Mode != tasks.ClaimExclusive {
		t.Fatalf("claims not declared up front: %+v", br.Claims)
	}
}

func TestPlanBuildParsesDims(t *testing.T) {
	p := New(nil, nil)
	specs, err := p.Plan(Goal{TaskID: "T1", Text: "build a 9x9 wall at 0,5,0"}, "A1")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	wall := specs[1]
	if wall.Kind != tasks.KindPlaceBlock || wall.StepCount() != 81 {
		t.Fatalf("expected 81 placement sub-steps, got %d", wall.StepCount())
	}
	if wall.TickBudget <= uint64(wall.StepCount()) {
		t.Fatalf("budget too small for batch: %d", wall.TickBudget)
	}
}

func TestPlanUsesMemoryWhenNoCoords(t *testing.T) {
	mem := &fakeMemory{hits: []Similarity{{Key: "m1", Text: "iron vein at 40,12,-7", Score: 0.9}}}
	p := New(mem, nil)
	specs, err := p.Plan(Goal{TaskID: "T1", Text: "mine some iron"}, "A1")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if specs[0].Target != (tasks.Vec3i{X: 40, Y: 12, Z: -7}) {
		t.Fatalf("memory target not used: %+v", specs[0].Target)
	}
}

func TestPlanFailsFastOnUnclaimable(t *testing.T) {
	feas := &fakeFeas{blocked: map[string]bool{"block:10,20,30": true}}
	p := New(nil, feas)
	_, err := p.Plan(Goal{TaskID: "T1", Text: "mine 1 ore at 10,20,30"}, "A1")
	if err == nil {
		t.Fatal("expected planning error")
	}
	if _, ok := err.(*Error); !ok {
		t.Fatalf("expected *plan.Error, got %T", err)
	}
}

func TestPlanNoRule(t *testing.T) {
	p := New(nil, nil)
	if _, err := p.Plan(Goal{TaskID: "T1", Text: "compose a poem"}, "A1"); err == nil {
		t.Fatal("expected no-rule planning error")
	}
}

func TestRevise(t *testing.T) {
	two := []tasks.ActionSpec{
		{Kind: tasks.KindBreakBlock, Steps: []tasks.Vec3i{{X: 1}, {X: 2}, {X: 3}}},
		{Kind: tasks.KindPlaceBlock, Steps: []tasks.Vec3i{{X: 9}}},
	}
	cases := []struct {
		name     string
		tail     []tasks.ActionSpec
		fc       FailureContext
		wantOK   bool
		wantLen  int
		wantStep int // step count of first spec, -1 = skip check
	}{
		{"precondition drops satisfied step", two, FailureContext{Code: tasks.FailPrecondition, StepIndex: 1, ReviseMax: 2}, true, 2, 2},
		{"mutation rejected is structural", two, FailureContext{Code: tasks.FailMutationRejected, ReviseMax: 2}, false, 0, -1},
		{"claim expired reissues", two, FailureContext{Code: tasks.FailClaimExpired, ReviseMax: 2}, true, 2, 3},
		{"revision budget exhausted", two, FailureContext{Code: tasks.FailClaimExpired, Revision: 2, ReviseMax: 2}, false, 0, -1},
		{"empty tail", nil, FailureContext{Code: tasks.FailTimeout, ReviseMax: 2}, false, 0, -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Revise(tc.tail, tc.fc)
			if ok != tc.wantOK {
				t.Fatalf("ok=%v want %v", ok, tc.wantOK)
			}
			if !ok {
				return
			}
			if len(got) != tc.wantLen {
				t.Fatalf("len=%d want %d", len(got), tc.wantLen)
			}
			if tc.wantStep >= 0 && got[0].StepCount() != tc.wantStep {
				t.Fatalf("steps=%d want %d", got[0].StepCount(), tc.wantStep)
			}
		})
	}
}

func TestReviseIsPure(t *testing.T) {
	tail := []tasks.ActionSpec{{Kind: tasks.KindBreakBlock, Steps: []tasks.Vec3i{{X: 1}, {X: 2}}}}
	fc := FailureContext{Code: tasks.FailPrecondition, StepIndex: 0, ReviseMax: 3}
	Revise(tail, fc)
	if len(tail[0].Steps) != 2 {
		t.Fatal("Revise mutated its input")
	}
}
