package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TurnStatus describes how a turn ended.
type TurnStatus string

const (
	StatusIdle       TurnStatus = "idle"
	StatusResponding TurnStatus = "responding"
	StatusCompleted  TurnStatus = "completed"
	StatusPaused     TurnStatus = "paused"
	StatusCancelled  TurnStatus = "cancelled"
	StatusFailed     TurnStatus = "failed"
)

// Behavior drives turn execution over a workflow's members. The default
// is TurnBehavior; registries may substitute specialized behaviors for
// member sets sharing a group key.
type Behavior interface {
	// Receive runs one turn starting after fromMemberID ("" starts at the
	// first member), streaming yielded chunks through stream.
	Receive(ctx context.Context, fromMemberID string, stream EmitFunc) (TurnStatus, error)
	// Stop cancels the running turn.
	Stop()
}

// pauseKinds are member kinds the turn halts on instead of running.
var pauseKinds = map[Kind]bool{
	KindUser: true,
}

// TurnBehavior walks the members in traversal order, fanning out
// concurrency groups and pausing when a member needs outside input.
type TurnBehavior struct {
	wf *Workflow

	mu         sync.Mutex
	turnCancel context.CancelFunc
	stopped    bool
	responding bool
}

var _ Behavior = (*TurnBehavior)(nil)

// NewTurnBehavior returns the default turn behavior for a workflow.
func NewTurnBehavior(w *Workflow) *TurnBehavior {
	return &TurnBehavior{wf: w}
}

func (b *TurnBehavior) Receive(ctx context.Context, fromMemberID string, stream EmitFunc) (TurnStatus, error) {
	if b.wf.parent == nil {
		if !b.wf.root.beginTurn() {
			return StatusIdle, ErrTurnActive
		}
		defer b.wf.root.endTurn()
	}

	turnCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.turnCancel = cancel
	b.stopped = false
	b.responding = true
	b.mu.Unlock()

	logger := b.wf.logger.With(
		zap.String("turn_id", uuid.New().String()),
		zap.String("path", b.wf.FullID()))
	logger.Debug("turn started", zap.String("from", fromMemberID))

	defer func() {
		cancel()
		b.mu.Lock()
		b.turnCancel = nil
		b.responding = false
		b.mu.Unlock()
		for _, m := range b.wf.AllMembers() {
			m.setTask(nil)
		}
	}()

	status, err := b.runTurn(turnCtx, fromMemberID, stream, logger)
	if errors.Is(err, context.Canceled) || (err == nil && b.isStopped()) {
		logger.Debug("turn cancelled")
		status, err = StatusCancelled, nil
	}
	if err != nil {
		status = StatusFailed
		logger.Warn("turn failed", zap.Error(err))
	}
	b.wf.setLastStatus(status)
	logger.Debug("turn finished", zap.String("status", string(status)))
	return status, err
}

func (b *TurnBehavior) runTurn(ctx context.Context, fromMemberID string, stream EmitFunc, logger *zap.Logger) (TurnStatus, error) {
	found := fromMemberID == ""
	for _, m := range b.wf.Members() {
		if !found {
			if m.ID() == fromMemberID {
				found = true
			}
			continue
		}
		if _, done := m.TurnOutput(); done {
			continue
		}
		if b.isStopped() {
			return StatusCancelled, nil
		}

		if group := b.wf.GroupOf(m.ID()); len(group) > 1 {
			if err := b.runGroup(ctx, group, logger); err != nil {
				return StatusFailed, err
			}
			// The pause-kind policy applies to the member that triggered
			// the group, same as the single-member path.
			if pauseKinds[m.Kind()] && b.wf.NextExpected() != nil {
				logger.Debug("turn paused after group", zap.String("member", m.FullID()))
				return StatusPaused, nil
			}
			if !b.wf.autorunEnabled() && b.wf.NextExpected() != nil {
				logger.Debug("turn paused after group", zap.Strings("members", group))
				return StatusPaused, nil
			}
			continue
		}
		if pauseKinds[m.Kind()] {
			logger.Debug("turn paused", zap.String("member", m.FullID()))
			return StatusPaused, nil
		}

		yield := b.wf.nextExpectedIsLast() && b.wf.NextExpected() == m
		if err := b.runMember(ctx, m, yield, stream); err != nil {
			return StatusFailed, err
		}
		if !b.wf.autorunEnabled() && b.wf.NextExpected() != nil {
			logger.Debug("turn paused after member", zap.String("member", m.FullID()))
			return StatusPaused, nil
		}
	}
	return StatusCompleted, nil
}

// runGroup fans the pending members of one concurrency group out and
// waits for all of them. Group members never yield into the stream; the
// dual yield condition cannot hold while more than one member is pending.
func (b *TurnBehavior) runGroup(ctx context.Context, group []string, logger *zap.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range b.wf.MembersOf(group) {
		if _, done := m.TurnOutput(); done {
			continue
		}
		m := m
		g.Go(func() error {
			return b.runMember(gctx, m, false, nil)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Debug("group completed", zap.Strings("members", group))
	return nil
}

// runMember executes one member's response, accumulates the streamed
// content and persists it. The turn output is set regardless of the
// outcome role so traversal order stays consistent.
func (b *TurnBehavior) runMember(ctx context.Context, m Member, yield bool, stream EmitFunc) error {
	mctx, cancel := context.WithCancel(ctx)
	m.setTask(cancel)
	defer func() {
		cancel()
		m.setTask(nil)
	}()

	var content strings.Builder
	role := defaultRole(m.Kind())
	skipped := false
	filter := b.wf.roleFilter()

	err := m.Respond(mctx, func(c Chunk) error {
		if c.Role == RoleControl {
			if c.Content == ControlSkip {
				skipped = true
				return errStopProduce
			}
			return nil
		}
		if c.Role != "" {
			role = c.Role
		}
		content.WriteString(c.Content)
		if yield && stream != nil && roleAllowed(filter, role) {
			return stream(c)
		}
		return nil
	})
	if errors.Is(err, errStopProduce) {
		err = nil
	}
	if err != nil {
		return err
	}

	if nested, ok := m.(*Workflow); ok {
		return b.finishNested(ctx, nested, content.String())
	}

	if skipped || m.Kind() == KindUser || m.Kind() == KindNode {
		m.SetTurnOutput(content.String())
		return nil
	}
	// Persist before marking the output so the parity check still sees
	// this member as pending.
	_, err = b.wf.saveTurnOutput(ctx, m, role, content.String(), "")
	return err
}

// finishNested promotes a completed nested workflow's final message into
// the parent under the nested member's path. A paused or cancelled nested
// turn leaves the parent running with the partial output.
func (b *TurnBehavior) finishNested(ctx context.Context, nested *Workflow, accumulated string) error {
	if nested.LastTurnStatus() != StatusCompleted {
		nested.SetTurnOutput(accumulated)
		return nil
	}
	final, ok := nested.GetFinalMessage()
	if !ok {
		nested.SetTurnOutput(accumulated)
		return nil
	}
	nested.SetTurnOutput(final.Content)

	logJSON := ""
	if final.ID != 0 {
		if l, err := b.wf.root.hist.MessageLog(ctx, final.ID); err == nil {
			logJSON = l
		}
	}
	if _, err := b.wf.SaveMessage(ctx, final.Role, final.Content, nested.FullID(), logJSON); err != nil {
		return err
	}
	if obs := b.wf.root.promoteObserver(); obs != nil {
		obs(final.Role, nested.FullID(), final.Content)
	}
	return nil
}

// Start runs a turn to completion, discarding the stream.
func (b *TurnBehavior) Start(ctx context.Context, fromMemberID string) (TurnStatus, error) {
	return b.Receive(ctx, fromMemberID, nil)
}

// Stop cancels the running turn and every in-flight member task.
func (b *TurnBehavior) Stop() {
	b.mu.Lock()
	b.stopped = true
	cancel := b.turnCancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, m := range b.wf.AllMembers() {
		m.cancelTask()
	}
}

// Responding reports whether a turn is currently running.
func (b *TurnBehavior) Responding() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.responding
}

func (b *TurnBehavior) isStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

func defaultRole(k Kind) string {
	switch k {
	case KindUser:
		return RoleUser
	case KindBlock:
		return RoleBlock
	default:
		return RoleAssistant
	}
}

func roleAllowed(filter, role string) bool {
	return filter == "" || strings.EqualFold(filter, "all") || strings.EqualFold(filter, role)
}
