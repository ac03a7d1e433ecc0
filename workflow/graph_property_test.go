package workflow

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func genMemberSpecs() gopter.Gen {
	return gen.SliceOf(gen.Float64Range(0, 500)).Map(func(xs []float64) []MemberSpec {
		specs := make([]MemberSpec, len(xs))
		for i, x := range xs {
			specs[i] = member(fmt.Sprintf("m%d", i), x, KindAgent)
		}
		return specs
	})
}

// Property: every group member exists, appears in exactly one group, and
// no member of a kept group can reach another member of the same group.
func TestProperty_DeriveGroupsWellFormed(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("groups partition a subset of the members", prop.ForAll(
		func(specs []MemberSpec) bool {
			known := make(map[string]bool, len(specs))
			for _, sp := range specs {
				known[sp.ID] = true
			}

			groups, rejected := DeriveGroups(specs, nil)
			seen := make(map[string]bool)
			for _, g := range append(groups, rejected...) {
				if len(g) < 2 {
					t.Logf("group smaller than two members: %v", g)
					return false
				}
				for _, id := range g {
					if !known[id] {
						t.Logf("unknown member %s in group", id)
						return false
					}
					if seen[id] {
						t.Logf("member %s in two groups", id)
						return false
					}
					seen[id] = true
				}
			}
			return true
		},
		genMemberSpecs(),
	))

	properties.Property("kept groups have no internal dependencies", prop.ForAll(
		func(specs []MemberSpec, edgePairs []int) bool {
			// Forward-only edges keep the set acyclic.
			var edges []InputSpec
			n := len(specs)
			if n > 1 {
				for _, p := range edgePairs {
					i := p % (n - 1)
					edges = append(edges, edge(specs[i+1].ID, specs[i].ID))
				}
			}

			groups, _ := DeriveGroups(specs, edges)
			inputs := nonLoopInputs(edges)
			for _, g := range groups {
				members := make(map[string]bool, len(g))
				for _, id := range g {
					members[id] = true
				}
				for _, id := range g {
					if reachesAny(inputs, id, members, make(map[string]bool)) {
						t.Logf("kept group %v has internal dependency via %s", g, id)
						return false
					}
				}
			}
			return true
		},
		genMemberSpecs(),
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.Property("derivation is deterministic", prop.ForAll(
		func(specs []MemberSpec) bool {
			first, _ := DeriveGroups(specs, nil)
			second, _ := DeriveGroups(specs, nil)
			if len(first) != len(second) {
				return false
			}
			for i := range first {
				if len(first[i]) != len(second[i]) {
					return false
				}
				for j := range first[i] {
					if first[i][j] != second[i][j] {
						return false
					}
				}
			}
			return true
		},
		genMemberSpecs(),
	))

	properties.TestingRun(t)
}
