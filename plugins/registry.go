// Package plugins provides the registry wiring specialized member and
// behavior implementations into workflow loading.
package plugins

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/workflow"
)

// Registry holds member and behavior factories keyed by plugin id and
// group key. It implements workflow.Resolver and is safe for concurrent
// use.
type Registry struct {
	mu        sync.RWMutex
	members   map[memberKey]workflow.MemberFactory
	behaviors map[string]workflow.BehaviorFactory
	logger    *zap.Logger
}

type memberKey struct {
	kind     workflow.Kind
	pluginID string
}

var _ workflow.Resolver = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		members:   make(map[memberKey]workflow.MemberFactory),
		behaviors: make(map[string]workflow.BehaviorFactory),
		logger:    logger.With(zap.String("component", "plugin_registry")),
	}
}

// RegisterMember binds a member factory to a kind and plugin id. The
// empty plugin id overrides the default implementation for that kind.
func (r *Registry) RegisterMember(kind workflow.Kind, pluginID string, factory workflow.MemberFactory) error {
	if factory == nil {
		return fmt.Errorf("plugins: nil member factory for %s/%s", kind, pluginID)
	}
	key := memberKey{kind: kind, pluginID: pluginID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.members[key]; exists {
		return fmt.Errorf("plugins: member %s/%s already registered", kind, pluginID)
	}
	r.members[key] = factory
	r.logger.Debug("member plugin registered",
		zap.String("kind", string(kind)), zap.String("plugin", pluginID))
	return nil
}

// RegisterBehavior binds a behavior factory to a group key.
func (r *Registry) RegisterBehavior(groupKey string, factory workflow.BehaviorFactory) error {
	if groupKey == "" {
		return fmt.Errorf("plugins: empty behavior group key")
	}
	if factory == nil {
		return fmt.Errorf("plugins: nil behavior factory for %q", groupKey)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.behaviors[groupKey]; exists {
		return fmt.Errorf("plugins: behavior %q already registered", groupKey)
	}
	r.behaviors[groupKey] = factory
	r.logger.Debug("behavior plugin registered", zap.String("group_key", groupKey))
	return nil
}

// ResolveMember returns the factory registered for the kind and plugin
// id, falling back to the kind's empty-id override.
func (r *Registry) ResolveMember(kind workflow.Kind, pluginID string) (workflow.MemberFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.members[memberKey{kind: kind, pluginID: pluginID}]; ok {
		return f, true
	}
	if pluginID != "" {
		if f, ok := r.members[memberKey{kind: kind}]; ok {
			return f, true
		}
	}
	return nil, false
}

// ResolveBehavior returns the behavior factory for a group key.
func (r *Registry) ResolveBehavior(groupKey string) (workflow.BehaviorFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.behaviors[groupKey]
	return f, ok
}
