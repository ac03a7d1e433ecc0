package plugins

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/workflow"
)

type echoMember struct {
	*workflow.Base
}

func (m *echoMember) Respond(_ context.Context, emit workflow.EmitFunc) error {
	return emit(workflow.Chunk{Role: workflow.RoleAssistant, Content: "echo"})
}

func echoFactory(b *workflow.Base) workflow.Member {
	return &echoMember{Base: b}
}

func TestRegistry_MemberResolution(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.RegisterMember(workflow.KindAgent, "echo", echoFactory))

	f, ok := r.ResolveMember(workflow.KindAgent, "echo")
	require.True(t, ok)
	assert.NotNil(t, f)

	_, ok = r.ResolveMember(workflow.KindAgent, "missing")
	assert.False(t, ok)
	_, ok = r.ResolveMember(workflow.KindBlock, "echo")
	assert.False(t, ok)
}

func TestRegistry_KindFallback(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.RegisterMember(workflow.KindAgent, "", echoFactory))

	// An unknown plugin id falls back to the kind override.
	_, ok := r.ResolveMember(workflow.KindAgent, "anything")
	assert.True(t, ok)
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.RegisterMember(workflow.KindAgent, "echo", echoFactory))
	assert.Error(t, r.RegisterMember(workflow.KindAgent, "echo", echoFactory))

	behavior := func(w *workflow.Workflow) workflow.Behavior {
		return workflow.NewTurnBehavior(w)
	}
	require.NoError(t, r.RegisterBehavior("team", behavior))
	assert.Error(t, r.RegisterBehavior("team", behavior))
	assert.Error(t, r.RegisterBehavior("", behavior))
	assert.Error(t, r.RegisterMember(workflow.KindAgent, "nil", nil))
}

func TestRegistry_BehaviorResolution(t *testing.T) {
	r := NewRegistry(nil)
	_, ok := r.ResolveBehavior("team")
	assert.False(t, ok)

	require.NoError(t, r.RegisterBehavior("team", func(w *workflow.Workflow) workflow.Behavior {
		return workflow.NewTurnBehavior(w)
	}))
	f, ok := r.ResolveBehavior("team")
	require.True(t, ok)
	assert.NotNil(t, f)
}
