package history

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ContextKind labels a conversation context row.
const (
	KindChat  = "CHAT"
	KindBlock = "BLOCK"
)

// Context is one node of the persisted conversation tree. A context with a
// nil ParentID is a conversation root; a context with a BranchMsgID forked
// off the message with that id.
type Context struct {
	ID          int64
	ParentID    *int64
	BranchMsgID *int64
	Active      bool
	Kind        string
	Name        string
	Config      string
}

// CreateContext inserts a new root context with the given kind and config
// snapshot and returns its id.
func CreateContext(ctx context.Context, store Store, kind, configJSON string) (int64, error) {
	if configJSON == "" {
		configJSON = "{}"
	}
	if err := store.Execute(ctx,
		"INSERT INTO contexts (kind, config) VALUES (?, ?)", kind, configJSON); err != nil {
		return 0, err
	}
	v, err := store.ReadScalar(ctx,
		"SELECT id FROM contexts WHERE kind = ? ORDER BY id DESC LIMIT 1", kind)
	if err != nil {
		return 0, err
	}
	id, ok := asInt64(v)
	if !ok {
		return 0, fmt.Errorf("%w: context id has unexpected type %T", ErrPersistence, v)
	}
	return id, nil
}

// LatestContext returns the most recent root context of the given kind.
func LatestContext(ctx context.Context, store Store, kind string) (int64, error) {
	v, err := store.ReadScalar(ctx,
		"SELECT id FROM contexts WHERE parent_id IS NULL AND kind = ? ORDER BY id DESC LIMIT 1", kind)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	id, _ := asInt64(v)
	return id, nil
}

// LoadContext reads a context row by id.
func LoadContext(ctx context.Context, store Store, id int64) (*Context, error) {
	rows, err := store.ReadRows(ctx,
		"SELECT id, parent_id, branch_msg_id, active, kind, name, config FROM contexts WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: context %d", ErrNotFound, id)
	}
	r := rows[0]
	c := &Context{
		Kind:   asString(r[4]),
		Name:   asString(r[5]),
		Config: asString(r[6]),
	}
	c.ID, _ = asInt64(r[0])
	if pid, ok := asInt64(r[1]); ok {
		c.ParentID = &pid
	}
	if bid, ok := asInt64(r[2]); ok {
		c.BranchMsgID = &bid
	}
	if a, ok := asInt64(r[3]); ok {
		c.Active = a != 0
	}
	return c, nil
}

// SaveContextConfig writes the serialized workflow config snapshot of a
// context.
func SaveContextConfig(ctx context.Context, store Store, id int64, configJSON string) error {
	return store.Execute(ctx, "UPDATE contexts SET config = ? WHERE id = ?", configJSON, id)
}

// SetContextName renames a context (the conversation title for roots).
func SetContextName(ctx context.Context, store Store, id int64, name string) error {
	return store.Execute(ctx, "UPDATE contexts SET name = ? WHERE id = ?", name, id)
}

// Fork creates a sibling branch forking off branchMsgID under parentID.
// Every other context sharing that fork point is deactivated, so the new
// branch becomes the single active chain below the fork.
func Fork(ctx context.Context, store Store, parentID, branchMsgID int64, configJSON string) (int64, error) {
	if configJSON == "" {
		configJSON = "{}"
	}
	if err := store.Execute(ctx,
		"UPDATE contexts SET active = 0 WHERE branch_msg_id = ?", branchMsgID); err != nil {
		return 0, err
	}
	if err := store.Execute(ctx,
		"INSERT INTO contexts (parent_id, branch_msg_id, active, config) VALUES (?, ?, 1, ?)",
		parentID, branchMsgID, configJSON); err != nil {
		return 0, err
	}
	v, err := store.ReadScalar(ctx,
		"SELECT id FROM contexts WHERE parent_id = ? ORDER BY id DESC LIMIT 1", parentID)
	if err != nil {
		return 0, err
	}
	id, ok := asInt64(v)
	if !ok {
		return 0, fmt.Errorf("%w: context id has unexpected type %T", ErrPersistence, v)
	}
	return id, nil
}

// ClearMessages deletes every descendant context of rootID together with
// all messages in the subtree, leaving the root context itself in place.
func ClearMessages(ctx context.Context, store Store, rootID int64) error {
	if err := store.Execute(ctx, `
		WITH RECURSIVE delete_contexts(id) AS (
			SELECT id FROM contexts WHERE id = ?
			UNION ALL
			SELECT contexts.id FROM contexts
			JOIN delete_contexts ON contexts.parent_id = delete_contexts.id
		)
		DELETE FROM contexts_messages WHERE context_id IN delete_contexts;`, rootID); err != nil {
		return err
	}
	return store.Execute(ctx, `
		WITH RECURSIVE delete_contexts(id) AS (
			SELECT id FROM contexts WHERE id = ?
			UNION ALL
			SELECT contexts.id FROM contexts
			JOIN delete_contexts ON contexts.parent_id = delete_contexts.id
		)
		DELETE FROM contexts WHERE id IN delete_contexts AND id != ?;`, rootID, rootID)
}

// SaveEntity stores a workflow config under a unique name in the entity
// library ("save as"). A duplicate name is reported as ErrDuplicateName;
// the store is otherwise unchanged.
func SaveEntity(ctx context.Context, store Store, name, kind, configJSON string) error {
	err := store.Execute(ctx,
		"INSERT INTO entities (uuid, name, kind, config) VALUES (?, ?, ?, ?)",
		uuid.New().String(), name, kind, configJSON)
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "unique") {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	return err
}

// LoadEntity reads a stored workflow config by name.
func LoadEntity(ctx context.Context, store Store, name string) (string, error) {
	v, err := store.ReadScalar(ctx, "SELECT config FROM entities WHERE name = ?", name)
	if errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("%w: entity %q", ErrNotFound, name)
	}
	if err != nil {
		return "", err
	}
	return asString(v), nil
}
