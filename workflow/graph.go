package workflow

import (
	"math"
	"sort"
)

// ProximityThreshold is the maximum first-ordinate distance between
// adjacent members that still lands them in one concurrency group.
const ProximityThreshold = 10.0

// groupableKinds are the kinds eligible for concurrency groups.
// Structural nodes never group.
var groupableKinds = map[Kind]bool{
	KindUser:     true,
	KindAgent:    true,
	KindWorkflow: true,
	KindBlock:    true,
}

// sortByPosition returns the specs ordered ascending by first ordinate,
// stable with respect to the configured order.
func sortByPosition(specs []MemberSpec) []MemberSpec {
	sorted := make([]MemberSpec, len(specs))
	copy(sorted, specs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].LocX < sorted[j].LocX
	})
	return sorted
}

// nonLoopInputs indexes edges by target id, skipping loop edges.
func nonLoopInputs(edges []InputSpec) map[string][]string {
	idx := make(map[string][]string)
	for _, e := range edges {
		if e.Config.Looper {
			continue
		}
		idx[e.MemberID] = append(idx[e.MemberID], e.InputMemberID)
	}
	return idx
}

// reachesAny walks non-loop inbound edges upstream from id and reports
// whether any member of targets is reachable. The visited set guards
// against sanctioned cycles that survived as non-loop edges elsewhere.
func reachesAny(inputs map[string][]string, id string, targets map[string]bool, visited map[string]bool) bool {
	if visited[id] {
		return false
	}
	visited[id] = true
	for _, inp := range inputs[id] {
		if targets[inp] {
			return true
		}
		if reachesAny(inputs, inp, targets, visited) {
			return true
		}
	}
	return false
}

// WouldCreateCycle reports whether an edge into targetID from the given
// sources would close a cycle, walking non-loop inbound edges only. Loop
// edges never count toward reachability.
func WouldCreateCycle(edges []InputSpec, targetID string, sourceIDs []string) bool {
	inputs := nonLoopInputs(edges)
	targets := map[string]bool{targetID: true}
	visited := make(map[string]bool)
	for _, src := range sourceIDs {
		if src == targetID {
			return true
		}
		if reachesAny(inputs, src, targets, visited) {
			return true
		}
	}
	return false
}

// DeriveGroups computes concurrency groups from position proximity and
// validates them against the edge set. It returns the kept groups and the
// ones rejected because a member can reach another member of the same
// group over non-loop edges (those members run sequentially instead).
//
// Pure: recomputed from scratch per load, no incremental mutation.
func DeriveGroups(specs []MemberSpec, edges []InputSpec) (groups, rejected [][]string) {
	sorted := sortByPosition(specs)

	lastID := ""
	lastX := math.Inf(-1)
	var current []string

	flush := func() {
		if len(current) > 1 {
			groups = append(groups, current)
		}
		current = nil
	}

	for _, sp := range sorted {
		if !groupableKinds[sp.Config.Kind()] {
			continue
		}
		if lastID != "" && math.Abs(sp.LocX-lastX) < ProximityThreshold {
			if len(current) == 0 {
				current = append(current, lastID)
			}
			current = append(current, sp.ID)
		} else {
			flush()
		}
		lastID = sp.ID
		lastX = sp.LocX
	}
	flush()

	inputs := nonLoopInputs(edges)
	kept := groups[:0]
	for _, g := range groups {
		members := make(map[string]bool, len(g))
		for _, id := range g {
			members[id] = true
		}
		internal := false
		for _, id := range g {
			if reachesAny(inputs, id, members, make(map[string]bool)) {
				internal = true
				break
			}
		}
		if internal {
			rejected = append(rejected, g)
		} else {
			kept = append(kept, g)
		}
	}
	return kept, rejected
}
