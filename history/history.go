package history

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Message is one persisted conversation message.
type Message struct {
	ID        int64
	ContextID int64
	Role      string
	Content   string
	// MemberID is the dotted path of the member that produced the
	// message, e.g. "3.2" for member 2 of the nested workflow member 3.
	MemberID string
	Log      string
	// AltTurn alternates between 0 and 1 per response round.
	AltTurn int
}

// MessageHistory is the in-memory view of one conversation's active
// branch. It appends into the leaf context of the active chain and keeps
// the turn parity flag.
type MessageHistory struct {
	store  Store
	rootID int64
	logger *zap.Logger

	mu       sync.RWMutex
	messages []Message
	leafID   int64
	altTurn  int
}

// NewMessageHistory creates a history view rooted at the given context.
// Call Load before reading.
func NewMessageHistory(store Store, rootContextID int64, logger *zap.Logger) *MessageHistory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageHistory{
		store:  store,
		rootID: rootContextID,
		leafID: rootContextID,
		logger: logger.With(zap.String("component", "message_history")),
	}
}

// activeChainQuery walks from the root context down through active child
// contexts. The branch exclusivity invariant (one active sibling per fork
// point) makes the chain a single path.
const activeChainQuery = `
	WITH RECURSIVE ctx_chain(id) AS (
		SELECT id FROM contexts WHERE id = ?
		UNION ALL
		SELECT c.id FROM contexts c
		JOIN ctx_chain p ON c.parent_id = p.id
		WHERE c.active = 1
	)`

// Load reads the messages along the active context chain and refreshes
// the leaf pointer and parity state.
func (h *MessageHistory) Load(ctx context.Context) error {
	rows, err := h.store.ReadRows(ctx, activeChainQuery+`
		SELECT m.id, m.context_id, m.role, m.content, m.member_id, m.log, m.alt_turn
		FROM contexts_messages m
		JOIN ctx_chain ON m.context_id = ctx_chain.id
		ORDER BY m.id`, h.rootID)
	if err != nil {
		return fmt.Errorf("load message history: %w", err)
	}

	msgs := make([]Message, 0, len(rows))
	for _, r := range rows {
		m := Message{
			Role:     asString(r[2]),
			Content:  asString(r[3]),
			MemberID: asString(r[4]),
			Log:      asString(r[5]),
		}
		m.ID, _ = asInt64(r[0])
		m.ContextID, _ = asInt64(r[1])
		if alt, ok := asInt64(r[6]); ok {
			m.AltTurn = int(alt)
		}
		msgs = append(msgs, m)
	}

	leaf, err := h.store.ReadScalar(ctx, activeChainQuery+`
		SELECT id FROM ctx_chain ORDER BY id DESC LIMIT 1`, h.rootID)
	if err != nil {
		return fmt.Errorf("resolve leaf context: %w", err)
	}
	leafID, _ := asInt64(leaf)

	h.mu.Lock()
	h.messages = msgs
	h.leafID = leafID
	if len(msgs) > 0 {
		h.altTurn = msgs[len(msgs)-1].AltTurn
	}
	h.mu.Unlock()

	h.logger.Debug("message history loaded",
		zap.Int64("root_context", h.rootID),
		zap.Int64("leaf_context", leafID),
		zap.Int("messages", len(msgs)))
	return nil
}

// Add appends a message to the leaf context of the active chain and
// returns its id.
func (h *MessageHistory) Add(ctx context.Context, role, content, memberID, logJSON string) (int64, error) {
	if logJSON == "" {
		logJSON = "{}"
	}
	h.mu.Lock()
	leaf := h.leafID
	alt := h.altTurn
	h.mu.Unlock()

	if err := h.store.Execute(ctx,
		"INSERT INTO contexts_messages (context_id, role, content, member_id, log, alt_turn) VALUES (?, ?, ?, ?, ?, ?)",
		leaf, role, content, memberID, logJSON, alt); err != nil {
		return 0, err
	}
	v, err := h.store.ReadScalar(ctx,
		"SELECT id FROM contexts_messages WHERE context_id = ? ORDER BY id DESC LIMIT 1", leaf)
	if err != nil {
		return 0, err
	}
	id, ok := asInt64(v)
	if !ok {
		return 0, fmt.Errorf("%w: message id has unexpected type %T", ErrPersistence, v)
	}

	h.mu.Lock()
	h.messages = append(h.messages, Message{
		ID:        id,
		ContextID: leaf,
		Role:      role,
		Content:   content,
		MemberID:  memberID,
		Log:       logJSON,
		AltTurn:   alt,
	})
	h.mu.Unlock()
	return id, nil
}

// Messages returns a copy of the loaded active-branch messages.
func (h *MessageHistory) Messages() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// MessagesFor returns the messages produced by the member at baseMemberID
// or by any member nested under it.
func (h *MessageHistory) MessagesFor(baseMemberID string) []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []Message
	for _, m := range h.messages {
		if m.MemberID == baseMemberID || strings.HasPrefix(m.MemberID, baseMemberID+".") {
			out = append(out, m)
		}
	}
	return out
}

// Last returns the most recent message on the active branch.
func (h *MessageHistory) Last() (Message, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.messages) == 0 {
		return Message{}, false
	}
	return h.messages[len(h.messages)-1], true
}

// LeafID returns the context currently appended into.
func (h *MessageHistory) LeafID() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.leafID
}

// AltTurn returns the current turn parity flag.
func (h *MessageHistory) AltTurn() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.altTurn
}

// ToggleAltTurn flips the turn parity flag. The workflow calls this when
// the first message of a fresh response round is appended.
func (h *MessageHistory) ToggleAltTurn() {
	h.mu.Lock()
	h.altTurn = 1 - h.altTurn
	h.mu.Unlock()
}

// DeactivateBranches marks inactive every context that shares the fork
// point of the context owning msgID.
func (h *MessageHistory) DeactivateBranches(ctx context.Context, msgID int64) error {
	return h.store.Execute(ctx, `
		UPDATE contexts
		SET active = 0
		WHERE branch_msg_id = (
			SELECT branch_msg_id
			FROM contexts
			WHERE id = (
				SELECT context_id
				FROM contexts_messages
				WHERE id = ?
			)
		);`, msgID)
}

// ActivateBranch marks active the context owning msgID. Combined with
// DeactivateBranches this switches which sibling chain is live; callers
// should Load afterwards to refresh the in-memory view.
func (h *MessageHistory) ActivateBranch(ctx context.Context, msgID int64) error {
	return h.store.Execute(ctx, `
		UPDATE contexts
		SET active = 1
		WHERE id = (
			SELECT context_id
			FROM contexts_messages
			WHERE id = ?
		);`, msgID)
}

// MessageLog reads the structured trace stored with a message.
func (h *MessageHistory) MessageLog(ctx context.Context, msgID int64) (string, error) {
	v, err := h.store.ReadScalar(ctx, "SELECT log FROM contexts_messages WHERE id = ?", msgID)
	if err != nil {
		return "", err
	}
	return asString(v), nil
}
