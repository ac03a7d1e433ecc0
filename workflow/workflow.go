package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/history"
)

// emptyOutputSentinel replaces blank content for output-role messages so
// executed code with no stdout still leaves a visible record.
const emptyOutputSentinel = "The code executed without any output"

// BehaviorFactory builds the turn behavior driving a workflow.
type BehaviorFactory func(w *Workflow) Behavior

// MemberFactory builds a member implementation around its base state.
type MemberFactory func(b *Base) Member

// Resolver maps plugin identifiers to member and behavior factories.
// Registries in the plugins package implement it.
type Resolver interface {
	ResolveBehavior(groupKey string) (BehaviorFactory, bool)
	ResolveMember(kind Kind, pluginID string) (MemberFactory, bool)
}

// Root is the state shared by a workflow tree: the persistence handle,
// the message history, the backends and the turn gate. Nested workflows
// reach it directly instead of walking parent pointers.
type Root struct {
	store     history.Store
	logger    *zap.Logger
	resolver  Resolver
	completer Completer

	conversationID int64
	hist           *history.MessageHistory

	mu        sync.RWMutex
	title     string
	workflow  *Workflow
	onPromote func(role, memberPath, content string)

	turnMu sync.Mutex
	saveMu sync.Mutex
}

// NewRoot creates the shared root for a conversation rooted at the given
// context id. A zero conversation id means the tree is ephemeral and
// nothing is persisted.
func NewRoot(store history.Store, conversationID int64, resolver Resolver, completer Completer, logger *zap.Logger) *Root {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Root{
		store:          store,
		logger:         logger,
		resolver:       resolver,
		completer:      completer,
		conversationID: conversationID,
		hist:           history.NewMessageHistory(store, conversationID, logger),
	}
}

func (r *Root) Store() history.Store             { return r.store }
func (r *Root) Logger() *zap.Logger              { return r.logger }
func (r *Root) Resolver() Resolver               { return r.resolver }
func (r *Root) Completer() Completer             { return r.completer }
func (r *Root) ConversationID() int64            { return r.conversationID }
func (r *Root) History() *history.MessageHistory { return r.hist }

// Workflow returns the root workflow of the tree.
func (r *Root) Workflow() *Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workflow
}

// Title returns the conversation title.
func (r *Root) Title() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.title
}

// SetTitle renames the conversation and persists the name on the root
// context.
func (r *Root) SetTitle(ctx context.Context, title string) error {
	if r.conversationID != 0 {
		if err := history.SetContextName(ctx, r.store, r.conversationID, title); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.title = title
	r.mu.Unlock()
	return nil
}

// SetOnPromote registers an observer invoked when a nested workflow's
// final message is promoted into its parent.
func (r *Root) SetOnPromote(fn func(role, memberPath, content string)) {
	r.mu.Lock()
	r.onPromote = fn
	r.mu.Unlock()
}

func (r *Root) promoteObserver() func(role, memberPath, content string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onPromote
}

// beginTurn claims the tree-wide turn gate without blocking.
func (r *Root) beginTurn() bool { return r.turnMu.TryLock() }

func (r *Root) endTurn() { r.turnMu.Unlock() }

// Workflow is a group of members wired by input edges. A nested workflow
// is itself a member of its parent.
type Workflow struct {
	*Base

	parent *Workflow
	root   *Root
	doc    *Document
	logger *zap.Logger

	autorun    bool
	filterRole string

	mu         sync.RWMutex
	members    map[string]Member
	order      []string
	edges      []InputSpec
	boxes      [][]string
	chatName   string
	behavior   Behavior
	lastStatus TurnStatus
}

var _ Member = (*Workflow)(nil)

// NewWorkflow builds the root workflow of a tree from a parsed document.
// Call Load before use.
func NewWorkflow(doc *Document, root *Root) *Workflow {
	w := &Workflow{
		root:   root,
		doc:    doc,
		logger: root.logger.With(zap.String("component", "workflow")),
	}
	w.Base = &Base{id: "", kind: KindWorkflow, cfg: MemberConfig{}, wf: w}
	root.mu.Lock()
	root.workflow = w
	root.mu.Unlock()
	return w
}

func newNestedWorkflow(spec MemberSpec, edges []InputSpec, parent *Workflow) (*Workflow, error) {
	doc, err := DocumentFromConfig(spec.Config)
	if err != nil {
		return nil, err
	}
	w := &Workflow{
		parent: parent,
		root:   parent.root,
		doc:    doc,
		logger: parent.logger.With(zap.String("nested", spec.ID)),
	}
	w.Base = newBase(spec, edges, parent)
	return w, nil
}

// Root returns the shared tree root.
func (w *Workflow) Root() *Root { return w.root }

// Document returns the workflow configuration document.
func (w *Workflow) Document() *Document { return w.doc }

func (w *Workflow) FullID() string {
	if w.parent == nil {
		return ""
	}
	prefix := w.parent.FullID()
	if prefix == "" {
		return w.id
	}
	return prefix + "." + w.id
}

// LastTurnStatus reports how this workflow's most recent turn ended.
func (w *Workflow) LastTurnStatus() TurnStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastStatus
}

func (w *Workflow) setLastStatus(s TurnStatus) {
	w.mu.Lock()
	w.lastStatus = s
	w.mu.Unlock()
}

// Load builds the member set from the document and, for the tree root,
// loads the persisted history and title.
func (w *Workflow) Load(ctx context.Context) error {
	w.autorun = w.doc.Autorun()
	w.filterRole = w.doc.FilterRole()

	if err := w.loadMembers(ctx); err != nil {
		return err
	}

	if w.parent == nil && w.root.conversationID != 0 {
		if err := w.root.hist.Load(ctx); err != nil {
			return err
		}
		v, err := w.root.store.ReadScalar(ctx,
			"SELECT name FROM contexts WHERE id = ?", w.root.conversationID)
		if err == nil {
			if name, ok := v.(string); ok {
				w.root.mu.Lock()
				w.root.title = name
				w.root.mu.Unlock()
			}
		}
		w.restoreOutputs()
	}

	w.logger.Debug("workflow loaded",
		zap.String("path", w.FullID()),
		zap.Int("members", len(w.order)),
		zap.Int("groups", len(w.boxes)))
	return nil
}

// loadMembers validates the document, instantiates members in dependency
// order and derives the concurrency groups. Instantiation is fail-fast: a
// pass over the pending specs that makes no progress means the non-loop
// edges contain a cycle.
func (w *Workflow) loadMembers(ctx context.Context) error {
	ids := make(map[string]bool, len(w.doc.Members))
	for _, sp := range w.doc.Members {
		if sp.ID == "" {
			return fmt.Errorf("%w: member with empty id", ErrConfiguration)
		}
		if ids[sp.ID] {
			return fmt.Errorf("%w: duplicate member id %q", ErrConfiguration, sp.ID)
		}
		ids[sp.ID] = true
	}
	for _, e := range w.doc.Inputs {
		if !ids[e.MemberID] || !ids[e.InputMemberID] {
			return fmt.Errorf("%w: edge %s -> %s references unknown member",
				ErrConfiguration, e.InputMemberID, e.MemberID)
		}
	}

	sorted := sortByPosition(w.doc.Members)
	edgesByTarget := make(map[string][]InputSpec)
	for _, e := range w.doc.Inputs {
		edgesByTarget[e.MemberID] = append(edgesByTarget[e.MemberID], e)
	}

	members := make(map[string]Member, len(sorted))
	order := make([]string, 0, len(sorted))

	pending := sorted
	for len(pending) > 0 {
		var deferred []MemberSpec
		progressed := false
		for _, sp := range pending {
			ready := true
			for _, e := range edgesByTarget[sp.ID] {
				if e.Config.Looper {
					continue
				}
				if _, ok := members[e.InputMemberID]; !ok {
					ready = false
					break
				}
			}
			if !ready {
				deferred = append(deferred, sp)
				continue
			}
			m, err := w.instantiate(ctx, sp, edgesByTarget[sp.ID])
			if err != nil {
				return err
			}
			members[sp.ID] = m
			progressed = true
		}
		if !progressed {
			var stuck []string
			for _, sp := range deferred {
				stuck = append(stuck, sp.ID)
			}
			return fmt.Errorf("%w: unresolved dependency cycle among members %v",
				ErrConfiguration, stuck)
		}
		pending = deferred
	}

	for _, sp := range sorted {
		order = append(order, sp.ID)
	}
	boxes, rejected := DeriveGroups(w.doc.Members, w.doc.Inputs)
	for _, g := range rejected {
		w.logger.Warn("concurrency group rejected, members depend on each other",
			zap.Strings("members", g))
	}

	w.mu.Lock()
	w.members = members
	w.order = order
	w.edges = w.doc.Inputs
	w.boxes = boxes
	w.chatName = deriveChatName(sorted)
	w.mu.Unlock()

	w.updateBehavior()
	return nil
}

func (w *Workflow) instantiate(ctx context.Context, sp MemberSpec, edges []InputSpec) (Member, error) {
	kind := sp.Config.Kind()
	base := newBase(sp, edges, w)

	if w.root.resolver != nil {
		pluginID := sp.Config.Section("info").String("use_plugin")
		if kind == KindBlock {
			pluginID = sp.Config.String("block_type")
		}
		if factory, ok := w.root.resolver.ResolveMember(kind, pluginID); ok {
			return factory(base), nil
		}
	}

	switch kind {
	case KindUser:
		return &UserMember{Base: base}, nil
	case KindAgent:
		return &AgentMember{Base: base}, nil
	case KindBlock:
		return &TextBlock{Base: base}, nil
	case KindNode:
		return &NodeMember{Base: base}, nil
	case KindWorkflow:
		nw, err := newNestedWorkflow(sp, edges, w)
		if err != nil {
			return nil, err
		}
		if err := nw.Load(ctx); err != nil {
			return nil, err
		}
		return nw, nil
	default:
		return nil, fmt.Errorf("%w: unknown member kind %q", ErrConfiguration, kind)
	}
}

// updateBehavior picks the turn behavior. When every substantive member
// shares one group key a registered specialized behavior takes over,
// otherwise the default turn behavior drives the workflow.
func (w *Workflow) updateBehavior() {
	var b Behavior
	if key := w.CommonGroupKey(); key != "" && w.root.resolver != nil {
		if factory, ok := w.root.resolver.ResolveBehavior(key); ok {
			b = factory(w)
		}
	}
	if b == nil {
		b = NewTurnBehavior(w)
	}
	w.mu.Lock()
	w.behavior = b
	w.mu.Unlock()
}

func deriveChatName(sorted []MemberSpec) string {
	var substantive []MemberSpec
	for _, sp := range sorted {
		if sp.Config.Kind() != KindNode {
			substantive = append(substantive, sp)
		}
	}
	n := len(substantive)
	if n > 0 && substantive[0].Config.Kind() == KindUser {
		substantive = substantive[1:]
		n--
	}
	if n == 1 {
		if name := substantive[0].Config.Section("info").String("name"); name != "" {
			return name
		}
		return "Assistant"
	}
	return fmt.Sprintf("%d members", n)
}

// restoreOutputs replays the persisted last outputs so loop edges and
// input bindings survive a process restart.
func (w *Workflow) restoreOutputs() {
	for _, m := range w.root.hist.Messages() {
		if m.Role == RoleControl || m.MemberID == "" {
			continue
		}
		if member, ok := w.MemberAtPath(m.MemberID); ok {
			member.SetLastOutput(m.Content)
		}
	}
}

// AddInput adds a dependency edge from sourceID into targetID. A non-loop
// edge that would close a cycle is rejected with ErrCircularDependency
// and the workflow is left unchanged.
func (w *Workflow) AddInput(ctx context.Context, targetID, sourceID string, cfg EdgeConfig) error {
	w.mu.RLock()
	_, hasTarget := w.members[targetID]
	_, hasSource := w.members[sourceID]
	w.mu.RUnlock()
	if !hasTarget || !hasSource {
		return fmt.Errorf("%w: edge %s -> %s references unknown member",
			ErrConfiguration, sourceID, targetID)
	}
	if targetID == sourceID {
		return fmt.Errorf("%w: member %s cannot input itself", ErrConfiguration, targetID)
	}
	for _, e := range w.doc.Inputs {
		if e.MemberID == targetID && e.InputMemberID == sourceID {
			return fmt.Errorf("%w: duplicate edge %s -> %s", ErrConfiguration, sourceID, targetID)
		}
	}
	if !cfg.Looper && WouldCreateCycle(w.doc.Inputs, targetID, []string{sourceID}) {
		return fmt.Errorf("%w: edge %s -> %s", ErrCircularDependency, sourceID, targetID)
	}

	edge := InputSpec{MemberID: targetID, InputMemberID: sourceID, Config: cfg}
	w.doc.Inputs = append(w.doc.Inputs, edge)

	boxes, rejected := DeriveGroups(w.doc.Members, w.doc.Inputs)
	for _, g := range rejected {
		w.logger.Warn("concurrency group rejected, members depend on each other",
			zap.Strings("members", g))
	}

	w.mu.Lock()
	w.edges = w.doc.Inputs
	w.boxes = boxes
	if m, ok := w.members[targetID]; ok {
		m.base().edges = append(m.base().edges, edge)
	}
	w.mu.Unlock()

	if w.parent == nil && w.root.conversationID != 0 {
		snapshot, err := w.doc.JSON()
		if err != nil {
			return err
		}
		return history.SaveContextConfig(ctx, w.root.store, w.root.conversationID, snapshot)
	}
	return nil
}

func (w *Workflow) memberByID(id string) (Member, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	m, ok := w.members[id]
	return m, ok
}

// Member returns a direct member by id.
func (w *Workflow) Member(id string) (Member, bool) { return w.memberByID(id) }

// Members returns the substantive members in traversal order, structural
// nodes excluded.
func (w *Workflow) Members() []Member {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var out []Member
	for _, id := range w.order {
		m := w.members[id]
		if m.Kind() == KindNode {
			continue
		}
		out = append(out, m)
	}
	return out
}

// AllMembers returns every direct member in traversal order.
func (w *Workflow) AllMembers() []Member {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Member, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.members[id])
	}
	return out
}

// MembersOf resolves a set of member ids in the given order.
func (w *Workflow) MembersOf(ids []string) []Member {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var out []Member
	for _, id := range ids {
		if m, ok := w.members[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

// MembersOfKind returns the direct members of one kind, in traversal
// order.
func (w *Workflow) MembersOfKind(kind Kind) []Member {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var out []Member
	for _, id := range w.order {
		if m := w.members[id]; m.Kind() == kind {
			out = append(out, m)
		}
	}
	return out
}

// Groups returns the derived concurrency groups.
func (w *Workflow) Groups() [][]string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([][]string, len(w.boxes))
	for i, g := range w.boxes {
		out[i] = append([]string(nil), g...)
	}
	return out
}

// GroupOf returns the concurrency group containing the member, or nil.
func (w *Workflow) GroupOf(memberID string) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, g := range w.boxes {
		for _, id := range g {
			if id == memberID {
				return append([]string(nil), g...)
			}
		}
	}
	return nil
}

// MemberAtPath resolves a dotted member path relative to this workflow,
// descending through nested workflows.
func (w *Workflow) MemberAtPath(path string) (Member, bool) {
	if path == "" {
		return nil, false
	}
	parts := strings.SplitN(path, ".", 2)
	m, ok := w.memberByID(parts[0])
	if !ok {
		return nil, false
	}
	if len(parts) == 1 {
		return m, true
	}
	nested, ok := m.(*Workflow)
	if !ok {
		return nil, false
	}
	return nested.MemberAtPath(parts[1])
}

// NextExpected returns the first substantive member in traversal order
// that has not produced a turn output yet, or nil when the round is done.
func (w *Workflow) NextExpected() Member {
	for _, m := range w.Members() {
		if _, done := m.TurnOutput(); !done {
			return m
		}
	}
	return nil
}

// nextExpectedIsLast reports whether exactly one substantive member is
// still pending, which makes its output the turn's final message.
func (w *Workflow) nextExpectedIsLast() bool {
	pending := 0
	for _, m := range w.Members() {
		if _, done := m.TurnOutput(); !done {
			pending++
			if pending > 1 {
				return false
			}
		}
	}
	return pending == 1
}

// CountMembers counts the substantive members.
func (w *Workflow) CountMembers() int { return len(w.Members()) }

// CommonGroupKey returns the group key shared by every substantive
// member, or "" when they differ or any member has none.
func (w *Workflow) CommonGroupKey() string {
	key := ""
	for i, m := range w.Members() {
		k := m.GroupKey()
		if k == "" {
			return ""
		}
		if i == 0 {
			key = k
		} else if k != key {
			return ""
		}
	}
	return key
}

// ChatName is the display name derived from the member set.
func (w *Workflow) ChatName() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.chatName
}

// GetMemberConfig returns the config of a direct member.
func (w *Workflow) GetMemberConfig(id string) (MemberConfig, bool) {
	m, ok := w.memberByID(id)
	if !ok {
		return nil, false
	}
	return m.Config(), true
}

// GetFinalMessage returns the last persisted message produced inside this
// workflow.
func (w *Workflow) GetFinalMessage() (history.Message, bool) {
	if w.parent == nil {
		return w.root.hist.Last()
	}
	msgs := w.root.hist.MessagesFor(w.FullID())
	if len(msgs) == 0 {
		return history.Message{}, false
	}
	return msgs[len(msgs)-1], true
}

// Reset clears the turn outputs of every member, recursively.
func (w *Workflow) Reset() {
	if w.Base != nil {
		w.Base.Reset()
	}
	for _, m := range w.AllMembers() {
		m.Reset()
	}
}

// SetTurnOutputs seeds turn outputs by full member path.
func (w *Workflow) SetTurnOutputs(outputs map[string]string) {
	for path, v := range outputs {
		if m, ok := w.MemberAtPath(path); ok {
			m.SetTurnOutput(v)
		}
	}
}

// SetLastOutputs seeds last outputs by full member path.
func (w *Workflow) SetLastOutputs(outputs map[string]string) {
	for path, v := range outputs {
		if m, ok := w.MemberAtPath(path); ok {
			m.SetLastOutput(v)
		}
	}
}

// allTurnOutputsUnset reports whether no substantive member of the whole
// tree has responded yet this round.
func (w *Workflow) allTurnOutputsUnset() bool {
	for _, m := range w.Members() {
		if _, done := m.TurnOutput(); done {
			return false
		}
		if nested, ok := m.(*Workflow); ok && !nested.allTurnOutputsUnset() {
			return false
		}
	}
	return true
}

// SaveMessage persists a message under this workflow's path. The turn
// parity flag toggles when the message opens a fresh response round,
// meaning every member's turn output was still unset at append time.
// Blank output-role content is replaced by a sentinel; otherwise empty
// content is dropped.
func (w *Workflow) SaveMessage(ctx context.Context, role, content, memberID, logJSON string) (int64, error) {
	w.root.saveMu.Lock()
	defer w.root.saveMu.Unlock()
	return w.saveMessageLocked(ctx, role, content, memberID, logJSON)
}

func (w *Workflow) saveMessageLocked(ctx context.Context, role, content, memberID, logJSON string) (int64, error) {
	if content == "" && role == RoleOutput {
		content = emptyOutputSentinel
	}
	if strings.TrimSpace(content) == "" {
		w.logger.Warn("dropping empty message",
			zap.String("role", role), zap.String("member", memberID))
		return 0, nil
	}
	if w.root.conversationID == 0 {
		return 0, nil
	}
	if w.root.Workflow().allTurnOutputsUnset() {
		w.root.hist.ToggleAltTurn()
	}
	return w.root.hist.Add(ctx, role, content, memberID, logJSON)
}

// saveTurnOutput persists a member's turn message and then marks its
// turn output, both under the save lock. Concurrent group members thus
// observe each other's progress and the parity toggle fires exactly
// once per round.
func (w *Workflow) saveTurnOutput(ctx context.Context, m Member, role, content, logJSON string) (int64, error) {
	w.root.saveMu.Lock()
	defer w.root.saveMu.Unlock()
	id, err := w.saveMessageLocked(ctx, role, content, m.FullID(), logJSON)
	if err != nil {
		return 0, err
	}
	m.SetTurnOutput(content)
	return id, nil
}

// Respond runs this workflow's own turn when it participates as a member
// of its parent.
func (w *Workflow) Respond(ctx context.Context, emit EmitFunc) error {
	status, err := w.Receive(ctx, "", emit)
	w.setLastStatus(status)
	return err
}

// Receive runs one turn starting after fromMemberID ("" starts from the
// beginning), streaming yielded chunks through stream.
func (w *Workflow) Receive(ctx context.Context, fromMemberID string, stream EmitFunc) (TurnStatus, error) {
	w.mu.RLock()
	b := w.behavior
	w.mu.RUnlock()
	return b.Receive(ctx, fromMemberID, stream)
}

// Stop requests cancellation of the running turn.
func (w *Workflow) Stop() {
	w.mu.RLock()
	b := w.behavior
	w.mu.RUnlock()
	if b != nil {
		b.Stop()
	}
}

func (w *Workflow) autorunEnabled() bool { return w.autorun }

func (w *Workflow) roleFilter() string { return w.filterRole }
