package workflow

import (
	"encoding/json"
	"fmt"
)

// Kind identifies what a member is. The wire value lives in the member
// config under "_TYPE" and defaults to agent.
type Kind string

const (
	// KindUser is the human participant.
	KindUser Kind = "user"
	// KindAgent is an automated responder behind a Completer.
	KindAgent Kind = "agent"
	// KindWorkflow is a nested sub-workflow.
	KindWorkflow Kind = "workflow"
	// KindBlock is a static content producer.
	KindBlock Kind = "block"
	// KindNode is a structural node: it routes edges but never produces.
	KindNode Kind = "node"
)

// Message roles used by the built-in members.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleBlock     = "block"
	RoleOutput    = "output"

	// RoleControl carries in-band control markers, never content.
	RoleControl = "SYS"
	// ControlSkip tells the engine a member declines this turn.
	ControlSkip = "SKIP"
)

// MemberConfig is an opaque settings blob for one member. Only "_TYPE"
// and a handful of well-known keys are interpreted here; the rest belongs
// to the member implementation.
type MemberConfig map[string]any

// Kind returns the member kind, defaulting to agent.
func (c MemberConfig) Kind() Kind {
	if t, ok := c["_TYPE"].(string); ok && t != "" {
		return Kind(t)
	}
	return KindAgent
}

// String returns a string-valued key, or "" when absent.
func (c MemberConfig) String(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

// Bool returns a bool-valued key with a default.
func (c MemberConfig) Bool(key string, def bool) bool {
	if v, ok := c[key].(bool); ok {
		return v
	}
	return def
}

// Section returns a nested map-valued key as a MemberConfig. Absent or
// non-map values yield an empty config so lookups chain safely.
func (c MemberConfig) Section(key string) MemberConfig {
	if m, ok := c[key].(map[string]any); ok {
		return MemberConfig(m)
	}
	return MemberConfig{}
}

// GroupKey returns the behavior group key shared by specialized member
// sets, or "" for default members.
func (c MemberConfig) GroupKey() string {
	return c.String("group_key")
}

// MemberSpec is one member entry of a workflow document.
type MemberSpec struct {
	ID      string       `json:"id"`
	AgentID any          `json:"agent_id"`
	LocX    float64      `json:"loc_x"`
	LocY    float64      `json:"loc_y"`
	Config  MemberConfig `json:"config"`
}

// EdgeConfig carries the semantics of one input edge.
type EdgeConfig struct {
	// InputType is "Message" (delivered as a conversational message) or
	// "Flow" (execution-order signal only).
	InputType string `json:"input_type"`
	// Looper marks the edge as a sanctioned back-edge closing a cycle.
	Looper bool `json:"looper"`
}

// Edge input types.
const (
	InputTypeMessage = "Message"
	InputTypeFlow    = "Flow"
)

// InputSpec is one directed dependency edge: MemberID depends on
// InputMemberID.
type InputSpec struct {
	MemberID      string     `json:"member_id"`
	InputMemberID string     `json:"input_member_id"`
	Config        EdgeConfig `json:"config"`
}

// Document is the parsed workflow configuration: the member list, the
// edge list and the workflow-level settings map.
type Document struct {
	Type    string         `json:"_TYPE"`
	Members []MemberSpec   `json:"members"`
	Inputs  []InputSpec    `json:"inputs"`
	Config  map[string]any `json:"config,omitempty"`
	Params  []any          `json:"params,omitempty"`
}

// Autorun reports whether the engine advances past each member without
// pausing. Defaults to true.
func (d *Document) Autorun() bool {
	if v, ok := d.Config["autorun"].(bool); ok {
		return v
	}
	return true
}

// FilterRole returns the role filter for streamed output ("All" passes
// everything).
func (d *Document) FilterRole() string {
	if v, ok := d.Config["filter_role"].(string); ok && v != "" {
		return v
	}
	return "All"
}

// JSON serializes the document for persistence as a context snapshot.
func (d *Document) JSON() (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal workflow document: %w", err)
	}
	return string(b), nil
}

// ParseDocument decodes a configuration blob. Single-member documents are
// implicitly wrapped into a minimal workflow document.
func ParseDocument(data []byte) (*Document, error) {
	var cfg MemberConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return DocumentFromConfig(cfg)
}

// DocumentFromConfig converts an opaque config into a workflow document,
// wrapping non-workflow configs via WrapConfig.
func DocumentFromConfig(cfg MemberConfig) (*Document, error) {
	if cfg.Kind() != KindWorkflow {
		cfg = WrapConfig(cfg, nil)
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if doc.Config == nil {
		doc.Config = map[string]any{}
	}
	return &doc, nil
}

// WrapConfig lifts a single-member config into a workflow document map.
// An agent config is paired with an implicit user member in front of it;
// any other kind becomes a one-member workflow.
func WrapConfig(cfg MemberConfig, agentID any) MemberConfig {
	if cfg.Kind() == KindWorkflow {
		return cfg
	}
	var members []any
	if cfg.Kind() == KindAgent {
		members = []any{
			map[string]any{
				"id": "1", "agent_id": nil, "loc_x": 20, "loc_y": 64,
				"config": map[string]any{"_TYPE": string(KindUser)},
			},
			map[string]any{
				"id": "2", "agent_id": agentID, "loc_x": 100, "loc_y": 80,
				"config": map[string]any(cfg),
			},
		}
	} else {
		members = []any{
			map[string]any{
				"id": "1", "agent_id": nil, "loc_x": 100, "loc_y": 80,
				"config": map[string]any(cfg),
			},
		}
	}
	return MemberConfig{
		"_TYPE":   string(KindWorkflow),
		"members": members,
		"inputs":  []any{},
	}
}
