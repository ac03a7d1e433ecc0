// Package convoflow provides the top-level entry point for running
// multi-participant conversational workflows over a persisted history.
//
// Usage:
//
//	conv, err := convoflow.Open(ctx,
//	    convoflow.WithDatabase("chats.db"),
//	    convoflow.WithCompleter(myCompleter),
//	    convoflow.WithLatest(),
//	)
//	status, err := conv.Send(ctx, "hello", func(c workflow.Chunk) error {
//	    fmt.Print(c.Content)
//	    return nil
//	})
package convoflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/history"
	"github.com/BaSui01/convoflow/workflow"
)

// Option configures the conversation opened by [Open].
type Option func(*options)

type options struct {
	store     history.Store
	dbPath    string
	logger    *zap.Logger
	resolver  workflow.Resolver
	completer workflow.Completer
	onPromote func(role, memberPath, content string)

	contextID int64
	latest    bool
	doc       *workflow.Document
	configRaw []byte
	title     string
}

// WithStore injects an existing conversation store. The caller keeps
// ownership; Close will not close it.
func WithStore(s history.Store) Option {
	return func(o *options) { o.store = s }
}

// WithDatabase opens a SQLite store at the given path.
func WithDatabase(path string) Option {
	return func(o *options) { o.dbPath = path }
}

// WithLogger sets a custom zap logger. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithResolver sets the plugin resolver for specialized members and
// behaviors.
func WithResolver(r workflow.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithCompleter sets the backend producing agent responses.
func WithCompleter(c workflow.Completer) Option {
	return func(o *options) { o.completer = c }
}

// WithContextID resumes the conversation rooted at an existing context.
func WithContextID(id int64) Option {
	return func(o *options) { o.contextID = id }
}

// WithLatest resumes the most recent conversation, creating a fresh one
// when the store is empty.
func WithLatest() Option {
	return func(o *options) { o.latest = true }
}

// WithDocument sets the workflow document for a fresh conversation.
func WithDocument(doc *workflow.Document) Option {
	return func(o *options) { o.doc = doc }
}

// WithConfigJSON sets the workflow configuration for a fresh conversation
// from a serialized blob. Single-member configs are wrapped implicitly.
func WithConfigJSON(data []byte) Option {
	return func(o *options) { o.configRaw = data }
}

// WithTitle names a freshly created conversation.
func WithTitle(title string) Option {
	return func(o *options) { o.title = title }
}

// WithPromotionObserver registers a callback invoked when a nested
// workflow's final message is promoted into its parent.
func WithPromotionObserver(fn func(role, memberPath, content string)) Option {
	return func(o *options) { o.onPromote = fn }
}

// Conversation is one open conversation: a workflow tree bound to a
// persisted context.
type Conversation struct {
	root     *workflow.Root
	wf       *workflow.Workflow
	store    history.Store
	ownStore bool
	logger   *zap.Logger
}

// Open loads or creates a conversation.
func Open(ctx context.Context, opts ...Option) (*Conversation, error) {
	o := &options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}

	store := o.store
	ownStore := false
	if store == nil {
		path := o.dbPath
		if path == "" {
			path = ":memory:"
		}
		s, err := history.OpenSQLite(path, o.logger)
		if err != nil {
			return nil, err
		}
		store = s
		ownStore = true
	}

	doc, contextID, err := resolveContext(ctx, store, o)
	if err != nil {
		if ownStore {
			store.Close()
		}
		return nil, err
	}

	root := workflow.NewRoot(store, contextID, o.resolver, o.completer, o.logger)
	if o.onPromote != nil {
		root.SetOnPromote(o.onPromote)
	}
	wf := workflow.NewWorkflow(doc, root)
	if err := wf.Load(ctx); err != nil {
		if ownStore {
			store.Close()
		}
		return nil, err
	}
	if o.title != "" && root.Title() == "" {
		if err := root.SetTitle(ctx, o.title); err != nil {
			if ownStore {
				store.Close()
			}
			return nil, err
		}
	}

	return &Conversation{
		root:     root,
		wf:       wf,
		store:    store,
		ownStore: ownStore,
		logger:   o.logger,
	}, nil
}

// resolveContext finds or creates the root context and its workflow
// document.
func resolveContext(ctx context.Context, store history.Store, o *options) (*workflow.Document, int64, error) {
	contextID := o.contextID
	if contextID == 0 && o.latest {
		id, err := history.LatestContext(ctx, store, history.KindChat)
		if err != nil {
			return nil, 0, err
		}
		contextID = id
	}

	if contextID != 0 {
		c, err := history.LoadContext(ctx, store, contextID)
		if err != nil {
			return nil, 0, err
		}
		doc, err := workflow.ParseDocument([]byte(c.Config))
		if err != nil {
			return nil, 0, err
		}
		return doc, contextID, nil
	}

	doc := o.doc
	if doc == nil {
		raw := o.configRaw
		if raw == nil {
			// A bare agent paired with an implicit user seat.
			raw = []byte(`{"_TYPE": "agent"}`)
		}
		d, err := workflow.ParseDocument(raw)
		if err != nil {
			return nil, 0, err
		}
		doc = d
	}
	snapshot, err := doc.JSON()
	if err != nil {
		return nil, 0, err
	}
	id, err := history.CreateContext(ctx, store, history.KindChat, snapshot)
	if err != nil {
		return nil, 0, err
	}
	return doc, id, nil
}

// Workflow returns the root workflow.
func (c *Conversation) Workflow() *workflow.Workflow { return c.wf }

// ID returns the root context id.
func (c *Conversation) ID() int64 { return c.root.ConversationID() }

// Title returns the conversation title.
func (c *Conversation) Title() string { return c.root.Title() }

// SetTitle renames the conversation.
func (c *Conversation) SetTitle(ctx context.Context, title string) error {
	return c.root.SetTitle(ctx, title)
}

// ChatName returns the display name derived from the member set.
func (c *Conversation) ChatName() string { return c.wf.ChatName() }

// Messages returns the messages of the active branch.
func (c *Conversation) Messages() []history.Message {
	return c.root.History().Messages()
}

// Send starts a fresh turn from the user's message and streams the final
// response through stream.
func (c *Conversation) Send(ctx context.Context, text string, stream workflow.EmitFunc) (workflow.TurnStatus, error) {
	c.wf.Reset()

	fromID := ""
	if users := c.wf.MembersOfKind(workflow.KindUser); len(users) > 0 {
		m := users[0]
		fromID = m.ID()
		if _, err := c.wf.SaveMessage(ctx, workflow.RoleUser, text, m.FullID(), ""); err != nil {
			return workflow.StatusFailed, err
		}
		m.SetTurnOutput(text)
	}
	return c.wf.Receive(ctx, fromID, stream)
}

// Run starts a fresh turn without user input, for workflows that begin
// with automated members.
func (c *Conversation) Run(ctx context.Context, stream workflow.EmitFunc) (workflow.TurnStatus, error) {
	c.wf.Reset()
	return c.wf.Receive(ctx, "", stream)
}

// Resume continues a paused turn, keeping the outputs already produced.
func (c *Conversation) Resume(ctx context.Context, stream workflow.EmitFunc) (workflow.TurnStatus, error) {
	return c.wf.Receive(ctx, "", stream)
}

// Reply answers the user member a paused turn is waiting on and continues
// the turn.
func (c *Conversation) Reply(ctx context.Context, text string, stream workflow.EmitFunc) (workflow.TurnStatus, error) {
	m := c.wf.NextExpected()
	if m == nil || m.Kind() != workflow.KindUser {
		return workflow.StatusIdle, fmt.Errorf("no user member awaiting input")
	}
	if _, err := c.wf.SaveMessage(ctx, workflow.RoleUser, text, m.FullID(), ""); err != nil {
		return workflow.StatusFailed, err
	}
	m.SetTurnOutput(text)
	return c.wf.Receive(ctx, m.ID(), stream)
}

// Stop cancels the running turn.
func (c *Conversation) Stop() { c.wf.Stop() }

// Branch forks a new context off the given message and makes it the
// active branch.
func (c *Conversation) Branch(ctx context.Context, msgID int64) error {
	v, err := c.store.ReadScalar(ctx,
		"SELECT context_id FROM contexts_messages WHERE id = ?", msgID)
	if err != nil {
		return err
	}
	parentID, ok := v.(int64)
	if !ok {
		return fmt.Errorf("%w: context id has unexpected type %T", history.ErrPersistence, v)
	}
	snapshot, err := c.wf.Document().JSON()
	if err != nil {
		return err
	}
	if _, err := history.Fork(ctx, c.store, parentID, msgID, snapshot); err != nil {
		return err
	}
	return c.root.History().Load(ctx)
}

// ActivateBranch switches the active branch to the context owning msgID
// and reloads the history view.
func (c *Conversation) ActivateBranch(ctx context.Context, msgID int64) error {
	h := c.root.History()
	if err := h.DeactivateBranches(ctx, msgID); err != nil {
		return err
	}
	if err := h.ActivateBranch(ctx, msgID); err != nil {
		return err
	}
	return h.Load(ctx)
}

// ClearMessages deletes every message and branch of the conversation,
// keeping the root context.
func (c *Conversation) ClearMessages(ctx context.Context) error {
	if err := history.ClearMessages(ctx, c.store, c.root.ConversationID()); err != nil {
		return err
	}
	c.wf.Reset()
	return c.root.History().Load(ctx)
}

// SaveAs stores the workflow configuration under a unique name for reuse.
func (c *Conversation) SaveAs(ctx context.Context, name string) error {
	snapshot, err := c.wf.Document().JSON()
	if err != nil {
		return err
	}
	return history.SaveEntity(ctx, c.store, name, string(workflow.KindWorkflow), snapshot)
}

// Close releases the conversation's store when it was opened by Open.
func (c *Conversation) Close() error {
	if c.ownStore {
		return c.store.Close()
	}
	return nil
}
