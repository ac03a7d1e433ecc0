package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func member(id string, locX float64, kind Kind) MemberSpec {
	return MemberSpec{
		ID:     id,
		LocX:   locX,
		Config: MemberConfig{"_TYPE": string(kind)},
	}
}

func edge(target, source string) InputSpec {
	return InputSpec{MemberID: target, InputMemberID: source,
		Config: EdgeConfig{InputType: InputTypeMessage}}
}

func loopEdge(target, source string) InputSpec {
	return InputSpec{MemberID: target, InputMemberID: source,
		Config: EdgeConfig{InputType: InputTypeMessage, Looper: true}}
}

func TestDeriveGroups_ProximityClustering(t *testing.T) {
	specs := []MemberSpec{
		member("u", 20, KindUser),
		member("a", 100, KindAgent),
		member("b", 105, KindAgent),
		member("c", 200, KindAgent),
	}
	edges := []InputSpec{
		edge("a", "u"), edge("b", "u"),
		edge("c", "a"), edge("c", "b"),
	}

	groups, rejected := DeriveGroups(specs, edges)
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"a", "b"}, groups[0])
	assert.Empty(t, rejected)
}

func TestDeriveGroups_ChainOfAdjacentMembers(t *testing.T) {
	specs := []MemberSpec{
		member("a", 100, KindAgent),
		member("b", 105, KindAgent),
		member("c", 111, KindAgent),
	}

	groups, _ := DeriveGroups(specs, nil)
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"a", "b", "c"}, groups[0])
}

func TestDeriveGroups_RejectsInternallyDependentGroup(t *testing.T) {
	specs := []MemberSpec{
		member("a", 100, KindAgent),
		member("b", 105, KindAgent),
	}
	edges := []InputSpec{edge("b", "a")}

	groups, rejected := DeriveGroups(specs, edges)
	assert.Empty(t, groups)
	require.Len(t, rejected, 1)
	assert.Equal(t, []string{"a", "b"}, rejected[0])
}

func TestDeriveGroups_TransitiveDependencyRejects(t *testing.T) {
	// a feeds x, x feeds b; a and b sit adjacent.
	specs := []MemberSpec{
		member("a", 100, KindAgent),
		member("b", 105, KindAgent),
		member("x", 200, KindAgent),
	}
	edges := []InputSpec{edge("x", "a"), edge("b", "x")}

	groups, rejected := DeriveGroups(specs, edges)
	assert.Empty(t, groups)
	require.Len(t, rejected, 1)
}

func TestDeriveGroups_LoopEdgeDoesNotReject(t *testing.T) {
	specs := []MemberSpec{
		member("a", 100, KindAgent),
		member("b", 105, KindAgent),
	}
	edges := []InputSpec{loopEdge("b", "a")}

	groups, rejected := DeriveGroups(specs, edges)
	require.Len(t, groups, 1)
	assert.Empty(t, rejected)
}

func TestDeriveGroups_NodesNeverGroup(t *testing.T) {
	specs := []MemberSpec{
		member("a", 100, KindAgent),
		member("n", 103, KindNode),
		member("b", 106, KindAgent),
	}

	// The node is invisible to grouping, so a and b end up adjacent.
	groups, _ := DeriveGroups(specs, nil)
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"a", "b"}, groups[0])
}

func TestDeriveGroups_UserIsGroupable(t *testing.T) {
	specs := []MemberSpec{
		member("u", 100, KindUser),
		member("a", 105, KindAgent),
	}

	groups, _ := DeriveGroups(specs, nil)
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"u", "a"}, groups[0])
}

func TestWouldCreateCycle(t *testing.T) {
	edges := []InputSpec{
		edge("b", "a"),
		edge("c", "b"),
	}

	// --- closing the chain back to its head is a cycle ---
	assert.True(t, WouldCreateCycle(edges, "a", []string{"c"}))
	// --- self edge ---
	assert.True(t, WouldCreateCycle(edges, "a", []string{"a"}))
	// --- forward edges are fine ---
	assert.False(t, WouldCreateCycle(edges, "c", []string{"a"}))
	assert.False(t, WouldCreateCycle(edges, "d", []string{"c"}))
}

func TestWouldCreateCycle_IgnoresLoopEdges(t *testing.T) {
	edges := []InputSpec{
		edge("b", "a"),
		loopEdge("a", "b"),
	}

	// The sanctioned back-edge already closes b -> a; a further non-loop
	// edge a -> b must still be judged against non-loop edges only.
	assert.False(t, WouldCreateCycle(edges, "b", []string{"b2"}))
	assert.True(t, WouldCreateCycle(edges, "a", []string{"b"}))
}
