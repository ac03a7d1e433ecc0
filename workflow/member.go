package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/BaSui01/convoflow/history"
)

// Chunk is one streamed fragment of a member response.
type Chunk struct {
	Role    string
	Content string
}

// EmitFunc receives streamed chunks while a member responds. Returning an
// error aborts the producer.
type EmitFunc func(Chunk) error

// InputBinding is the resolved value of one inbound edge at response time.
// Loop edges deliver the source's last completed output; regular edges
// deliver the current turn output when the source already responded.
type InputBinding struct {
	SourceID  string
	InputType string
	Looper    bool
	Output    string
}

// CompletionRequest is everything an agent backend needs to produce a
// response for one member turn.
type CompletionRequest struct {
	MemberPath string
	Config     MemberConfig
	Messages   []history.Message
	Inputs     []InputBinding
}

// Completer produces agent responses. Implementations stream the reply
// through emit; the engine accumulates and persists it.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest, emit func(chunk string) error) error
}

// Member is one participant of a workflow. Implementations embed *Base;
// the unexported task methods keep the set closed to this package's
// cancellation handling.
type Member interface {
	ID() string
	Kind() Kind
	Config() MemberConfig
	// Inputs returns the ordered non-loop source ids this member depends on.
	Inputs() []string
	GroupKey() string
	// FullID is the dotted path from the root workflow down to this member.
	FullID() string
	LastOutput() string
	// TurnOutput reports the output produced in the current turn; ok is
	// false while the member has not responded yet.
	TurnOutput() (string, bool)
	SetTurnOutput(s string)
	SetLastOutput(s string)
	// Reset clears turn state ahead of a fresh response round.
	Reset()
	// Respond produces this member's contribution, streaming through emit.
	Respond(ctx context.Context, emit EmitFunc) error

	setTask(cancel context.CancelFunc)
	cancelTask()
	base() *Base
}

// Base carries the member state shared by every kind.
type Base struct {
	id    string
	kind  Kind
	cfg   MemberConfig
	locX  float64
	locY  float64
	edges []InputSpec
	wf    *Workflow

	mu         sync.RWMutex
	lastOutput string
	turnOutput *string
	cancel     context.CancelFunc
}

func newBase(spec MemberSpec, edges []InputSpec, wf *Workflow) *Base {
	return &Base{
		id:    spec.ID,
		kind:  spec.Config.Kind(),
		cfg:   spec.Config,
		locX:  spec.LocX,
		locY:  spec.LocY,
		edges: edges,
		wf:    wf,
	}
}

func (b *Base) ID() string           { return b.id }
func (b *Base) Kind() Kind           { return b.kind }
func (b *Base) Config() MemberConfig { return b.cfg }
func (b *Base) GroupKey() string     { return b.cfg.GroupKey() }

// Workflow returns the workflow this member belongs to.
func (b *Base) Workflow() *Workflow { return b.wf }

func (b *Base) Inputs() []string {
	var ids []string
	for _, e := range b.edges {
		if !e.Config.Looper {
			ids = append(ids, e.InputMemberID)
		}
	}
	return ids
}

// InputEdges returns every inbound edge, loop edges included.
func (b *Base) InputEdges() []InputSpec { return b.edges }

func (b *Base) FullID() string {
	prefix := b.wf.FullID()
	if prefix == "" {
		return b.id
	}
	return prefix + "." + b.id
}

func (b *Base) LastOutput() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastOutput
}

func (b *Base) SetLastOutput(s string) {
	b.mu.Lock()
	b.lastOutput = s
	b.mu.Unlock()
}

func (b *Base) TurnOutput() (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.turnOutput == nil {
		return "", false
	}
	return *b.turnOutput, true
}

func (b *Base) SetTurnOutput(s string) {
	b.mu.Lock()
	b.turnOutput = &s
	b.lastOutput = s
	b.mu.Unlock()
}

func (b *Base) Reset() {
	b.mu.Lock()
	b.turnOutput = nil
	b.lastOutput = ""
	b.mu.Unlock()
}

func (b *Base) setTask(cancel context.CancelFunc) {
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()
}

func (b *Base) base() *Base { return b }

func (b *Base) cancelTask() {
	b.mu.RLock()
	cancel := b.cancel
	b.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// inputBindings resolves the inbound edge values for this member's turn.
func (b *Base) inputBindings() []InputBinding {
	var out []InputBinding
	for _, e := range b.edges {
		src, ok := b.wf.memberByID(e.InputMemberID)
		if !ok {
			continue
		}
		bind := InputBinding{
			SourceID:  e.InputMemberID,
			InputType: e.Config.InputType,
			Looper:    e.Config.Looper,
		}
		if !e.Config.Looper {
			if v, done := src.TurnOutput(); done {
				bind.Output = v
			} else {
				bind.Output = src.LastOutput()
			}
		} else {
			bind.Output = src.LastOutput()
		}
		out = append(out, bind)
	}
	return out
}

// --- built-in member kinds ---

// UserMember represents the human seat. During an automated turn it
// declines by emitting the skip marker; actual user input arrives via the
// conversation surface before the turn starts.
type UserMember struct {
	*Base
}

var _ Member = (*UserMember)(nil)

func (m *UserMember) Respond(_ context.Context, emit EmitFunc) error {
	return emit(Chunk{Role: RoleControl, Content: ControlSkip})
}

// AgentMember produces a response through the conversation's Completer.
type AgentMember struct {
	*Base
}

var _ Member = (*AgentMember)(nil)

func (m *AgentMember) Respond(ctx context.Context, emit EmitFunc) error {
	completer := m.wf.Root().Completer()
	if completer == nil {
		return fmt.Errorf("%w: member %s", ErrNoCompleter, m.FullID())
	}
	req := CompletionRequest{
		MemberPath: m.FullID(),
		Config:     m.cfg,
		Messages:   m.wf.Root().History().Messages(),
		Inputs:     m.inputBindings(),
	}
	return completer.Complete(ctx, req, func(chunk string) error {
		return emit(Chunk{Role: RoleAssistant, Content: chunk})
	})
}

// TextBlock emits its configured data verbatim.
type TextBlock struct {
	*Base
}

var _ Member = (*TextBlock)(nil)

func (m *TextBlock) Respond(_ context.Context, emit EmitFunc) error {
	return emit(Chunk{Role: RoleBlock, Content: m.cfg.String("data")})
}

// NodeMember is a structural routing point. It forwards nothing and skips
// every turn.
type NodeMember struct {
	*Base
}

var _ Member = (*NodeMember)(nil)

func (m *NodeMember) Respond(_ context.Context, emit EmitFunc) error {
	return emit(Chunk{Role: RoleControl, Content: ControlSkip})
}
