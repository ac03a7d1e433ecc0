package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- helpers ---

func testDoc(members []MemberSpec, inputs []InputSpec) *Document {
	return &Document{
		Type:    string(KindWorkflow),
		Members: members,
		Inputs:  inputs,
		Config:  map[string]any{},
	}
}

// pipelineDoc is the canonical four-member shape: a user feeding two
// adjacent agents that both feed a final agent.
func pipelineDoc() *Document {
	return testDoc(
		[]MemberSpec{
			member("1", 20, KindUser),
			member("2", 100, KindAgent),
			member("3", 105, KindAgent),
			member("4", 200, KindAgent),
		},
		[]InputSpec{
			edge("2", "1"), edge("3", "1"),
			edge("4", "2"), edge("4", "3"),
		},
	)
}

func newTestWorkflow(t *testing.T, doc *Document) *Workflow {
	t.Helper()
	root := NewRoot(nil, 0, nil, nil, zap.NewNop())
	wf := NewWorkflow(doc, root)
	require.NoError(t, wf.Load(context.Background()))
	return wf
}

// --- loading ---

func TestLoad_BuildsMembersInTraversalOrder(t *testing.T) {
	wf := newTestWorkflow(t, pipelineDoc())

	var ids []string
	for _, m := range wf.Members() {
		ids = append(ids, m.ID())
	}
	assert.Equal(t, []string{"1", "2", "3", "4"}, ids)

	groups := wf.Groups()
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"2", "3"}, groups[0])
	assert.Equal(t, "3 members", wf.ChatName())
}

func TestLoad_SingleAgentWrapping(t *testing.T) {
	doc, err := ParseDocument([]byte(`{"_TYPE": "agent", "info": {"name": "Helper"}}`))
	require.NoError(t, err)

	wf := newTestWorkflow(t, doc)
	require.Len(t, wf.Members(), 2)
	assert.Equal(t, KindUser, wf.Members()[0].Kind())
	assert.Equal(t, KindAgent, wf.Members()[1].Kind())
	assert.Equal(t, "Helper", wf.ChatName())
}

func TestLoad_DefaultChatName(t *testing.T) {
	doc, err := ParseDocument([]byte(`{"_TYPE": "agent"}`))
	require.NoError(t, err)

	wf := newTestWorkflow(t, doc)
	assert.Equal(t, "Assistant", wf.ChatName())
}

func TestLoad_RejectsDuplicateMemberID(t *testing.T) {
	doc := testDoc(
		[]MemberSpec{member("1", 20, KindAgent), member("1", 100, KindAgent)},
		nil,
	)
	root := NewRoot(nil, 0, nil, nil, zap.NewNop())
	err := NewWorkflow(doc, root).Load(context.Background())
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestLoad_RejectsEdgeToUnknownMember(t *testing.T) {
	doc := testDoc(
		[]MemberSpec{member("1", 20, KindAgent)},
		[]InputSpec{edge("1", "ghost")},
	)
	root := NewRoot(nil, 0, nil, nil, zap.NewNop())
	err := NewWorkflow(doc, root).Load(context.Background())
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestLoad_RejectsUnknownKind(t *testing.T) {
	doc := testDoc(
		[]MemberSpec{{ID: "1", LocX: 20, Config: MemberConfig{"_TYPE": "teapot"}}},
		nil,
	)
	root := NewRoot(nil, 0, nil, nil, zap.NewNop())
	err := NewWorkflow(doc, root).Load(context.Background())
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestLoad_FailsFastOnDependencyCycle(t *testing.T) {
	doc := testDoc(
		[]MemberSpec{member("1", 20, KindAgent), member("2", 100, KindAgent)},
		[]InputSpec{edge("1", "2"), edge("2", "1")},
	)
	root := NewRoot(nil, 0, nil, nil, zap.NewNop())
	err := NewWorkflow(doc, root).Load(context.Background())
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestLoad_LoopEdgeBreaksCycle(t *testing.T) {
	doc := testDoc(
		[]MemberSpec{member("1", 20, KindAgent), member("2", 100, KindAgent)},
		[]InputSpec{edge("2", "1"), loopEdge("1", "2")},
	)
	wf := newTestWorkflow(t, doc)
	assert.Len(t, wf.Members(), 2)
}

// --- nested workflows ---

func nestedDoc() *Document {
	inner := map[string]any{
		"_TYPE": string(KindWorkflow),
		"members": []any{
			map[string]any{
				"id": "1", "loc_x": 100.0, "loc_y": 80.0,
				"config": map[string]any{"_TYPE": string(KindBlock), "data": "inner text"},
			},
		},
		"inputs": []any{},
	}
	return testDoc(
		[]MemberSpec{
			member("1", 20, KindUser),
			{ID: "2", LocX: 100, Config: MemberConfig(inner)},
		},
		[]InputSpec{edge("2", "1")},
	)
}

func TestMemberAtPath_DescendsNestedWorkflows(t *testing.T) {
	wf := newTestWorkflow(t, nestedDoc())

	m, ok := wf.MemberAtPath("2.1")
	require.True(t, ok)
	assert.Equal(t, KindBlock, m.Kind())
	assert.Equal(t, "2.1", m.FullID())

	nested, ok := wf.MemberAtPath("2")
	require.True(t, ok)
	assert.Equal(t, KindWorkflow, nested.Kind())
	assert.Equal(t, "2", nested.FullID())

	_, ok = wf.MemberAtPath("2.9")
	assert.False(t, ok)
	_, ok = wf.MemberAtPath("")
	assert.False(t, ok)
}

// --- traversal state ---

func TestNextExpected_WalksPendingMembers(t *testing.T) {
	wf := newTestWorkflow(t, pipelineDoc())

	require.NotNil(t, wf.NextExpected())
	assert.Equal(t, "1", wf.NextExpected().ID())
	assert.False(t, wf.nextExpectedIsLast())

	wf.SetTurnOutputs(map[string]string{"1": "hi", "2": "a", "3": "b"})
	require.NotNil(t, wf.NextExpected())
	assert.Equal(t, "4", wf.NextExpected().ID())
	assert.True(t, wf.nextExpectedIsLast())

	wf.SetTurnOutputs(map[string]string{"4": "done"})
	assert.Nil(t, wf.NextExpected())

	wf.Reset()
	assert.Equal(t, "1", wf.NextExpected().ID())
}

func TestReset_ClearsBothOutputs(t *testing.T) {
	wf := newTestWorkflow(t, pipelineDoc())
	wf.SetTurnOutputs(map[string]string{"2": "prior round output"})

	m, ok := wf.Member("2")
	require.True(t, ok)
	require.Equal(t, "prior round output", m.LastOutput())

	wf.Reset()
	_, done := m.TurnOutput()
	assert.False(t, done)
	assert.Empty(t, m.LastOutput())
}

func TestCommonGroupKey(t *testing.T) {
	doc := testDoc(
		[]MemberSpec{
			{ID: "1", LocX: 20, Config: MemberConfig{"_TYPE": string(KindAgent), "group_key": "team"}},
			{ID: "2", LocX: 100, Config: MemberConfig{"_TYPE": string(KindAgent), "group_key": "team"}},
		},
		nil,
	)
	wf := newTestWorkflow(t, doc)
	assert.Equal(t, "team", wf.CommonGroupKey())

	mixed := testDoc(
		[]MemberSpec{
			{ID: "1", LocX: 20, Config: MemberConfig{"_TYPE": string(KindAgent), "group_key": "team"}},
			member("2", 100, KindAgent),
		},
		nil,
	)
	assert.Equal(t, "", newTestWorkflow(t, mixed).CommonGroupKey())
}

// --- config accessors ---

func TestMemberConfig_Section(t *testing.T) {
	cfg := MemberConfig{
		"info": map[string]any{"name": "Helper", "use_plugin": "echo"},
		"flat": "value",
	}

	assert.Equal(t, "Helper", cfg.Section("info").String("name"))
	assert.Equal(t, "echo", cfg.Section("info").String("use_plugin"))
	// Absent or non-map keys chain into empty lookups instead of panicking.
	assert.Equal(t, "", cfg.Section("missing").String("name"))
	assert.Equal(t, "", cfg.Section("flat").String("name"))
}

// --- plugin resolution ---

type stubResolver struct {
	members   map[string]MemberFactory
	behaviors map[string]BehaviorFactory
}

func (r stubResolver) ResolveMember(kind Kind, pluginID string) (MemberFactory, bool) {
	f, ok := r.members[string(kind)+"/"+pluginID]
	return f, ok
}

func (r stubResolver) ResolveBehavior(groupKey string) (BehaviorFactory, bool) {
	f, ok := r.behaviors[groupKey]
	return f, ok
}

type cannedMember struct {
	*Base
	text string
}

func (m *cannedMember) Respond(_ context.Context, emit EmitFunc) error {
	return emit(Chunk{Role: RoleAssistant, Content: m.text})
}

func TestLoad_ResolvesAgentPluginFromInfoSection(t *testing.T) {
	resolver := stubResolver{members: map[string]MemberFactory{
		"agent/echo": func(b *Base) Member {
			return &cannedMember{Base: b, text: "canned"}
		},
	}}
	doc := testDoc(
		[]MemberSpec{
			{ID: "1", LocX: 100, Config: MemberConfig{
				"_TYPE": string(KindAgent),
				"info":  map[string]any{"use_plugin": "echo"},
			}},
			member("2", 200, KindAgent),
		},
		nil,
	)

	root := NewRoot(nil, 0, resolver, nil, zap.NewNop())
	wf := NewWorkflow(doc, root)
	require.NoError(t, wf.Load(context.Background()))

	m, ok := wf.Member("1")
	require.True(t, ok)
	_, isCanned := m.(*cannedMember)
	assert.True(t, isCanned)

	// No plugin id registered for the plain agent, so the default applies.
	m, ok = wf.Member("2")
	require.True(t, ok)
	_, isDefault := m.(*AgentMember)
	assert.True(t, isDefault)
}

// --- edge mutation ---

func TestAddInput_RejectsInvalidEdges(t *testing.T) {
	ctx := context.Background()
	wf := newTestWorkflow(t, pipelineDoc())
	before := len(wf.Document().Inputs)

	assert.ErrorIs(t, wf.AddInput(ctx, "2", "ghost", EdgeConfig{}), ErrConfiguration)
	assert.ErrorIs(t, wf.AddInput(ctx, "2", "2", EdgeConfig{}), ErrConfiguration)
	assert.ErrorIs(t, wf.AddInput(ctx, "2", "1", EdgeConfig{}), ErrConfiguration)

	// 4 is downstream of 2, so 2 <- 4 closes a cycle.
	assert.ErrorIs(t, wf.AddInput(ctx, "2", "4", EdgeConfig{}), ErrCircularDependency)
	assert.Len(t, wf.Document().Inputs, before)
}

func TestAddInput_AcceptsLoopEdgeClosingCycle(t *testing.T) {
	ctx := context.Background()
	wf := newTestWorkflow(t, pipelineDoc())
	before := len(wf.Document().Inputs)

	require.NoError(t, wf.AddInput(ctx, "2", "4", EdgeConfig{Looper: true}))
	assert.Len(t, wf.Document().Inputs, before+1)

	m, ok := wf.Member("2")
	require.True(t, ok)
	assert.NotContains(t, m.Inputs(), "4")
}

func TestAddInput_AcceptsForwardEdge(t *testing.T) {
	ctx := context.Background()
	wf := newTestWorkflow(t, pipelineDoc())

	require.NoError(t, wf.AddInput(ctx, "4", "1", EdgeConfig{InputType: InputTypeFlow}))
	m, ok := wf.Member("4")
	require.True(t, ok)
	assert.Contains(t, m.Inputs(), "1")
}
