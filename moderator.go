package parley

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ActionKind tags a moderator action. The engine dispatches on the tag.
type ActionKind string

const (
	ActionContinue       ActionKind = "CONTINUE"
	ActionStop           ActionKind = "STOP"
	ActionRollback       ActionKind = "ROLLBACK"
	ActionClearSummaries ActionKind = "CLEAR_SUMMARIES"
)

// ModeratorAction is one parsed moderator verdict.
//
// STOP sets the stop flag, observed at the iteration boundary; the remaining
// scheduled nodes of the current iteration still run. ROLLBACK removes the
// last Rollback entries from the live window (the durable transcript keeps
// them behind a marker). CLEAR_SUMMARIES drops the running summaries, as
// does a ROLLBACK with ClearSummaries set.
type ModeratorAction struct {
	Kind           ActionKind `json:"action"`
	Summary        string     `json:"summary,omitempty"`
	Drift          float64    `json:"drift"`
	Rollback       int        `json:"rollback,omitempty"`
	ClearSummaries bool       `json:"clear_summaries,omitempty"`
	Citations      []string   `json:"citations,omitempty"`
}

// moderatorSchema is passed as the response schema so providers with
// structured-output support emit the action record directly.
var moderatorSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"action": {"type": "string", "enum": ["CONTINUE", "STOP", "ROLLBACK", "CLEAR_SUMMARIES"]},
		"summary": {"type": "string"},
		"drift": {"type": "number", "minimum": 0, "maximum": 1},
		"rollback": {"type": "integer", "minimum": 0},
		"clear_summaries": {"type": "boolean"},
		"citations": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["action"]
}`)

// ParseModeratorAction parses a moderator reply into an action. Markdown
// code fences and leading or trailing prose around the JSON object are
// tolerated; anything that does not contain a well-formed action object is
// an error (the caller converts it to a *ContractViolation).
func ParseModeratorAction(content string) (*ModeratorAction, error) {
	body := stripCodeFence(content)
	if i := strings.IndexByte(body, '{'); i > 0 {
		body = body[i:]
	}
	if i := strings.LastIndexByte(body, '}'); i >= 0 && i < len(body)-1 {
		body = body[:i+1]
	}
	if body == "" || body[0] != '{' {
		return nil, fmt.Errorf("no JSON object in moderator output")
	}

	var wire struct {
		Action         string   `json:"action"`
		Summary        string   `json:"summary"`
		Drift          float64  `json:"drift"`
		Rollback       int      `json:"rollback"`
		ClearSummaries bool     `json:"clear_summaries"`
		Citations      []string `json:"citations"`
	}
	if err := json.Unmarshal([]byte(body), &wire); err != nil {
		return nil, fmt.Errorf("moderator output is not valid JSON: %v", err)
	}

	kind := ActionKind(strings.ToUpper(strings.TrimSpace(wire.Action)))
	switch kind {
	case ActionContinue, ActionStop, ActionRollback, ActionClearSummaries:
	case "":
		return nil, fmt.Errorf("moderator output missing action")
	default:
		return nil, fmt.Errorf("unknown moderator action %q", wire.Action)
	}
	if wire.Rollback < 0 {
		return nil, fmt.Errorf("negative rollback %d", wire.Rollback)
	}

	// tolerate mildly out-of-range drift rather than dropping the verdict
	drift := wire.Drift
	if drift < 0 {
		drift = 0
	} else if drift > 1 {
		drift = 1
	}

	return &ModeratorAction{
		Kind:           kind,
		Summary:        wire.Summary,
		Drift:          drift,
		Rollback:       wire.Rollback,
		ClearSummaries: wire.ClearSummaries,
		Citations:      wire.Citations,
	}, nil
}

// --- ModeratorNode ---

// ModeratorNode reviews the conversation each time it is scheduled and
// returns a verdict as a JSON action record. Malformed output is a contract
// violation; the lab abandons the turn and escalates to a forced STOP after
// repeated violations.
type ModeratorNode struct {
	id       string
	provider Provider
	cfg      nodeConfig
}

func NewModeratorNode(id string, provider Provider, opts ...NodeOption) *ModeratorNode {
	return &ModeratorNode{id: id, provider: provider, cfg: newNodeConfig(opts)}
}

func (n *ModeratorNode) ID() string { return n.id }

func (n *ModeratorNode) Role() Role { return RoleModerator }

func (n *ModeratorNode) Execute(ctx context.Context, st *State, emit EmitFunc) (NodeOutput, error) {
	if emit == nil {
		emit = func(Event) {}
	}

	req := ChatRequest{
		Messages:       st.ComposeMessages(n.cfg.systemPrompt, n.cfg.window),
		ResponseSchema: moderatorSchema,
		Timeout:        n.cfg.timeout,
	}
	resp, err := n.provider.Chat(ctx, req)
	if err != nil {
		return NodeOutput{}, err
	}
	emit(Event{
		Type:     EventProviderResult,
		AgentID:  n.id,
		Role:     RoleModerator,
		Iter:     st.Iter(),
		Metadata: map[string]any{"content_len": len(resp.Content)},
	})

	action, err := ParseModeratorAction(resp.Content)
	if err != nil {
		return NodeOutput{}, &ContractViolation{Node: n.id, Reason: err.Error()}
	}

	out := NodeOutput{
		Role:    RoleModerator,
		Content: resp.Content,
		Metadata: map[string]any{
			"action": string(action.Kind),
			"drift":  action.Drift,
		},
		Action: action,
	}
	if len(action.Citations) > 0 {
		out.Metadata["citations"] = action.Citations
	}
	if err := validateOutput(st, n.id, out); err != nil {
		return NodeOutput{}, err
	}
	return out, nil
}

// compile-time check
var _ Node = (*ModeratorNode)(nil)
