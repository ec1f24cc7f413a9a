// Package plan decomposes validated goals into primitive action specs using a
// fixed library of expansion rules per task category. The planner never
// mutates world state; revision on failure is a pure function.
package plan

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"voxelswarm.ai/internal/sim/tasks"
)

type Category string

const (
	CategoryMine       Category = "mine"
	CategoryBuild      Category = "build"
	CategoryGather     Category = "gather"
	CategoryFarm       Category = "farm"
	CategoryCoordinate Category = "coordinate"
)

// Error is a planning failure: no valid decomposition exists.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return "planning: " + e.Reason }

// Similarity is one hit from the injected memory collaborator.
type Similarity struct {
	Key   string
	Text  string
	Score float64
}

// Memory is a read-only lookup collaborator (vector store or fake), injected
// at construction so planners are testable in isolation.
type Memory interface {
	Lookup(query string, limit int) []Similarity
}

// Feasibility lets the planner pre-validate the declared claim set before
// execution starts (fail fast on unclaimable plans).
type Feasibility interface {
	CanAcquire(key, holder string, mode tasks.ClaimMode) bool
}

type Goal struct {
	TaskID string
	Text   string
	Origin tasks.Vec3i // requesting agent's position, movement reference
}

type Planner struct {
	mem  Memory
	feas Feasibility
}

func New(mem Memory, feas Feasibility) *Planner {
	return &Planner{mem: mem, feas: feas}
}

var categoryKeywords = []struct {
	cat   Category
	words []string
}{
	{CategoryMine, []string{"mine", "dig", "break", "excavate", "quarry", "ore"}},
	{CategoryBuild, []string{"build", "place", "construct", "wall", "tower", "bridge"}},
	{CategoryGather, []string{"gather", "collect", "pick up", "fetch", "wood", "harvest wood"}},
	{CategoryFarm, []string{"farm", "plant", "sow", "tend", "crop", "wheat"}},
	{CategoryCoordinate, []string{"survey", "coordinate", "scout", "zone", "partition"}},
}

// Categorize maps sanitized text onto an expansion-rule category.
func Categorize(text string) (Category, bool) {
	t := strings.ToLower(text)
	for _, ck := range categoryKeywords {
		for _, w := range ck.words {
			if strings.Contains(t, w) {
				return ck.cat, true
			}
		}
	}
	return "", false
}

var (
	coordRe = regexp.MustCompile(`(?i)\bat\s+(-?\d+)\s*,\s*(-?\d+)\s*,\s*(-?\d+)\b`)
	dimsRe  = regexp.MustCompile(`\b(\d+)\s*x\s*(\d+)\b`)
	countRe = regexp.MustCompile(`\b(\d+)\b`)
	zoneRe  = regexp.MustCompile(`(?i)\bzone\s+([A-Za-z0-9_-]+)\b`)
)

// Plan expands a goal into an ordered list of action specs with their claim
// sets declared up front.
func (p *Planner) Plan(goal Goal, agentID string) ([]tasks.ActionSpec, error) {
	cat, ok := Categorize(goal.Text)
	if !ok {
		return nil, &Error{Reason: fmt.Sprintf("no expansion rule matches %q", goal.Text)}
	}

	target, haveTarget := parseCoord(goal.Text)
	if !haveTarget && p.mem != nil {
		// Fall back to remembered context for goals without coordinates.
		for _, hit := range p.mem.Lookup(goal.Text, 3) {
			if v, ok := parseCoord(hit.Text); ok {
				target, haveTarget = v, true
				break
			}
		}
	}
	if !haveTarget {
		target = tasks.Vec3i{X: goal.Origin.X + 4, Y: goal.Origin.Y, Z: goal.Origin.Z}
	}

	var specs []tasks.ActionSpec
	switch cat {
	case CategoryMine:
		n := parseCount(goal.Text, 1, 64)
		specs = append(specs, moveSpec(target))
		specs = append(specs, batchSpec(tasks.KindBreakBlock, target, lineSteps(target, n), ""))
	case CategoryBuild:
		w, h := parseDims(goal.Text, 3, 3)
		steps := wallSteps(target, w, h)
		specs = append(specs, moveSpec(target))
		specs = append(specs, batchSpec(tasks.KindPlaceBlock, target, steps, "STONE"))
	case CategoryGather:
		n := parseCount(goal.Text, 1, 32)
		specs = append(specs, moveSpec(target))
		specs = append(specs, batchSpec(tasks.KindGatherItem, target, lineSteps(target, n), ""))
	case CategoryFarm:
		n := parseCount(goal.Text, 4, 32)
		specs = append(specs, moveSpec(target))
		specs = append(specs, batchSpec(tasks.KindTendFarm, target, lineSteps(target, n), "WHEAT"))
	case CategoryCoordinate:
		zoneID := "Z1"
		if m := zoneRe.FindStringSubmatch(goal.Text); m != nil {
			zoneID = m[1]
		}
		specs = append(specs, tasks.ActionSpec{
			Kind:       tasks.KindSurveyZone,
			Target:     target,
			ZoneID:     zoneID,
			Claims:     []tasks.ClaimReq{{Key: "zone:" + zoneID, Mode: tasks.ClaimExclusive}},
			TickBudget: 200,
			RetryMax:   1,
		})
	}

	if err := p.preValidate(specs, agentID); err != nil {
		return nil, err
	}
	return specs, nil
}

func (p *Planner) preValidate(specs []tasks.ActionSpec, agentID string) error {
	if p.feas == nil {
		return nil
	}
	for _, s := range specs {
		for _, cr := range s.Claims {
			if !p.feas.CanAcquire(cr.Key, agentID, cr.Mode) {
				return &Error{Reason: fmt.Sprintf("resource %s already claimed", cr.Key)}
			}
		}
	}
	return nil
}

// FailureContext describes why an action ended so Revise can produce a new
// plan tail or give up.
type FailureContext struct {
	Code      tasks.FailureCode
	StepIndex int
	Revision  int
	ReviseMax int
}

// Revise maps (failed tail, failure) to a new tail. tail[0] is the spec of
// the failed action; the rest are the actions that never started. A false
// return means no valid revision exists and the task fails.
func Revise(tail []tasks.ActionSpec, fc FailureContext) ([]tasks.ActionSpec, bool) {
	if len(tail) == 0 {
		return nil, false
	}
	if fc.Revision >= fc.ReviseMax {
		return nil, false
	}
	switch fc.Code {
	case tasks.FailPrecondition:
		// Target no longer matches expectation. For ensure-style primitives the
		// completed prefix stays done; drop the step that is already satisfied
		// and carry on with the remainder of the batch.
		head := tail[0]
		if rest, ok := dropStep(head, fc.StepIndex); ok {
			return append([]tasks.ActionSpec{rest}, tail[1:]...), true
		}
		if len(tail) == 1 {
			return nil, false
		}
		return tail[1:], true
	case tasks.FailClaimExpired, tasks.FailClaimDenied, tasks.FailTimeout:
		// Transient at plan level: reissue the same tail (bounded by Revision).
		return tail, true
	default:
		// WorldMutationRejected and everything unknown is structural.
		return nil, false
	}
}

func dropStep(s tasks.ActionSpec, idx int) (tasks.ActionSpec, bool) {
	if len(s.Steps) == 0 || idx < 0 || idx >= len(s.Steps) {
		return s, false
	}
	rest := make([]tasks.Vec3i, 0, len(s.Steps)-1)
	rest = append(rest, s.Steps[:idx]...)
	rest = append(rest, s.Steps[idx+1:]...)
	if len(rest) == 0 {
		return s, false
	}
	out := s
	out.Steps = rest
	out.Claims = claimsForSteps(rest)
	if s.ZoneID != "" {
		out.Claims = s.Claims
	}
	return out, true
}

func moveSpec(target tasks.Vec3i) tasks.ActionSpec {
	return tasks.ActionSpec{
		Kind:       tasks.KindMoveTo,
		Target:     target,
		TickBudget: 400,
		RetryMax:   2,
	}
}

func batchSpec(kind tasks.Kind, target tasks.Vec3i, steps []tasks.Vec3i, block string) tasks.ActionSpec {
	return tasks.ActionSpec{
		Kind:       kind,
		Target:     target,
		Steps:      steps,
		Block:      block,
		Claims:     claimsForSteps(steps),
		TickBudget: uint64(20 + 5*len(steps)),
		RetryMax:   3,
	}
}

func claimsForSteps(steps []tasks.Vec3i) []tasks.ClaimReq {
	out := make([]tasks.ClaimReq, 0, len(steps))
	seen := map[string]bool{}
	for _, s := range steps {
		k := s.Key()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, tasks.ClaimReq{Key: k, Mode: tasks.ClaimExclusive})
	}
	return out
}

func lineSteps(start tasks.Vec3i, n int) []tasks.Vec3i {
	out := make([]tasks.Vec3i, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, tasks.Vec3i{X: start.X + i, Y: start.Y, Z: start.Z})
	}
	return out
}

func wallSteps(anchor tasks.Vec3i, w, h int) []tasks.Vec3i {
	out := make([]tasks.Vec3i, 0, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out = append(out, tasks.Vec3i{X: anchor.X + x, Y: anchor.Y + y, Z: anchor.Z})
		}
	}
	return out
}

func parseCoord(text string) (tasks.Vec3i, bool) {
	m := coordRe.FindStringSubmatch(text)
	if m == nil {
		return tasks.Vec3i{}, false
	}
	x, _ := strconv.Atoi(m[1])
	y, _ := strconv.Atoi(m[2])
	z, _ := strconv.Atoi(m[3])
	return tasks.Vec3i{X: x, Y: y, Z: z}, true
}

func parseDims(text string, defW, defH int) (int, int) {
	m := dimsRe.FindStringSubmatch(text)
	if m == nil {
		return defW, defH
	}
	w, _ := strconv.Atoi(m[1])
	h, _ := strconv.Atoi(m[2])
	if w < 1 || w > 32 || h < 1 || h > 32 {
		return defW, defH
	}
	return w, h
}

func parseCount(text string, def, max int) int {
	// Skip dims like "9x9" so "build 9x9" does not read as count 9.
	t := dimsRe.ReplaceAllString(text, "")
	t = coordRe.ReplaceAllString(t, "")
	m := countRe.FindStringSubmatch(t)
	if m == nil {
		return def
	}
	n, _ := strconv.Atoi(m[1])
	if n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
