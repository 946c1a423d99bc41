package parley

import (
	"context"
	"log/slog"
	"time"
)

// defaultMaxToolIterations bounds the agent tool loop: each pass is one
// provider call, so an agent makes at most this many calls per turn.
const defaultMaxToolIterations = 3

// defaultProviderTimeout is applied to provider calls when the node does
// not set its own.
const defaultProviderTimeout = 2 * time.Minute

// Node is one turn-taker in a conversation. Execute runs a single turn
// against the shared state and returns the output to append, emitting
// fine-grained events through emit as it goes. emit may be nil.
//
// Nodes must not mutate state beyond the methods State exposes for their
// role (recording tool calls, popping user input). Appending the output to
// the transcript is the Lab's job.
type Node interface {
	ID() string
	Role() Role
	Execute(ctx context.Context, st *State, emit EmitFunc) (NodeOutput, error)
}

// NodeOutput is the result of one node turn.
type NodeOutput struct {
	Role     Role
	Content  string
	Metadata map[string]any

	// Action is set only by moderator turns.
	Action *ModeratorAction
}

// nodeConfig carries the knobs shared by the provider-backed node kinds.
type nodeConfig struct {
	systemPrompt string
	window       int
	toolIDs      []string
	maxToolIter  int
	timeout      time.Duration
	runOnLast    bool
	logger       *slog.Logger
}

func newNodeConfig(opts []NodeOption) nodeConfig {
	cfg := nodeConfig{
		maxToolIter: defaultMaxToolIterations,
		timeout:     defaultProviderTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}
	return cfg
}

// NodeOption configures an agent, moderator or summarizer node.
type NodeOption func(*nodeConfig)

// WithSystemPrompt sets the node's system prompt.
func WithSystemPrompt(prompt string) NodeOption {
	return func(c *nodeConfig) { c.systemPrompt = prompt }
}

// WithHistoryWindow limits how many recent transcript entries the node sees
// when composing its prompt. Zero (default) means the full live window.
func WithHistoryWindow(n int) NodeOption {
	return func(c *nodeConfig) { c.window = n }
}

// WithNodeTools names the registry tools the node may call.
// Only agent nodes use tools.
func WithNodeTools(ids ...string) NodeOption {
	return func(c *nodeConfig) { c.toolIDs = append(c.toolIDs, ids...) }
}

// WithMaxToolIterations bounds the agent tool loop. Default 3.
func WithMaxToolIterations(n int) NodeOption {
	return func(c *nodeConfig) {
		if n > 0 {
			c.maxToolIter = n
		}
	}
}

// WithNodeTimeout sets the per-provider-call timeout. Default 2 minutes.
func WithNodeTimeout(d time.Duration) NodeOption {
	return func(c *nodeConfig) { c.timeout = d }
}

// WithNodeLogger sets the structured logger for the node.
func WithNodeLogger(l *slog.Logger) NodeOption {
	return func(c *nodeConfig) { c.logger = l }
}

// WithRunOnLast forces a summarizer to fire once more after the final
// iteration of a run, whether or not the turn plan picked it. Other node
// kinds ignore it.
func WithRunOnLast() NodeOption {
	return func(c *nodeConfig) { c.runOnLast = true }
}

// --- AgentNode ---

// AgentNode is a model-backed participant. Each turn composes a prompt from
// the state, calls its provider and, when the response requests tools, runs
// the bounded tool loop: budget check, execute, feed the result back,
// re-ask. Budget refusals skip the tool and force a final generation; when
// the loop bound is hit the last provider content is emitted verbatim.
type AgentNode struct {
	id       string
	provider Provider
	tools    *ToolRegistry
	cfg      nodeConfig
}

// NewAgentNode creates an agent node. tools may be nil for a chat-only
// agent; pass WithNodeTools to expose specific registry tools to the model.
func NewAgentNode(id string, provider Provider, tools *ToolRegistry, opts ...NodeOption) *AgentNode {
	return &AgentNode{
		id:       id,
		provider: provider,
		tools:    tools,
		cfg:      newNodeConfig(opts),
	}
}

func (n *AgentNode) ID() string { return n.id }

func (n *AgentNode) Role() Role { return RoleAgent }

// Execute runs one agent turn. Provider transport errors abandon the turn
// (the error is returned; nothing is appended). Tool failures and budget
// refusals are surfaced as tool_error events and fed back to the model.
func (n *AgentNode) Execute(ctx context.Context, st *State, emit EmitFunc) (NodeOutput, error) {
	if emit == nil {
		emit = func(Event) {}
	}

	msgs := st.ComposeMessages(n.cfg.systemPrompt, n.cfg.window)

	var defs []ToolDefinition
	if n.tools != nil && len(n.cfg.toolIDs) > 0 {
		defs = n.tools.Definitions(n.cfg.toolIDs)
	}

	var citations []string
	var lastContent string

	for i := 0; i < n.cfg.maxToolIter; i++ {
		resp, err := n.chat(ctx, ChatRequest{Messages: msgs, Tools: defs})
		if err != nil {
			return NodeOutput{}, err
		}
		lastContent = resp.Content
		emit(Event{
			Type:    EventProviderResult,
			AgentID: n.id,
			Role:    RoleAgent,
			Iter:    st.Iter(),
			Metadata: map[string]any{
				"content_len": len(resp.Content),
				"tool_calls":  len(resp.ToolCalls),
			},
		})

		if len(resp.ToolCalls) == 0 {
			return n.finish(st, resp.Content, citations)
		}

		msgs = append(msgs, ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		refused := false
		for _, tc := range resp.ToolCalls {
			if refused {
				// protocol still needs a response for every requested call
				msgs = append(msgs, ToolResultMessage(tc.ID, "error: tool call skipped, budget exhausted"))
				continue
			}
			emit(Event{
				Type:    EventToolCall,
				AgentID: n.id,
				Role:    RoleAgent,
				Iter:    st.Iter(),
				Content: tc.Name,
				Metadata: map[string]any{
					"tool": tc.Name,
					"args": string(tc.Args),
				},
			})

			if ok, reason := st.CanCallTool(tc.Name); !ok {
				n.cfg.logger.Warn("tool call refused", "agent", n.id, "tool", tc.Name, "reason", reason)
				emit(Event{
					Type:     EventToolError,
					AgentID:  n.id,
					Role:     RoleAgent,
					Iter:     st.Iter(),
					Content:  reason,
					Metadata: map[string]any{"tool": tc.Name, "budget": true},
				})
				msgs = append(msgs, ToolResultMessage(tc.ID, "error: "+reason))
				refused = true
				continue
			}
			st.RecordToolCall(tc.Name)

			res, err := n.tools.Execute(ctx, tc.Name, tc.Args)
			if err != nil {
				te := &ToolError{Tool: tc.Name, Reason: err.Error()}
				n.cfg.logger.Warn("tool failed", "agent", n.id, "tool", tc.Name, "error", err)
				emit(Event{
					Type:     EventToolError,
					AgentID:  n.id,
					Role:     RoleAgent,
					Iter:     st.Iter(),
					Content:  te.Error(),
					Metadata: map[string]any{"tool": tc.Name},
				})
				msgs = append(msgs, ToolResultMessage(tc.ID, "error: "+err.Error()))
				continue
			}

			text := res.Text()
			if !res.OK {
				emit(Event{
					Type:     EventToolError,
					AgentID:  n.id,
					Role:     RoleAgent,
					Iter:     st.Iter(),
					Content:  res.Error,
					Metadata: map[string]any{"tool": tc.Name},
				})
			} else {
				emit(Event{
					Type:     EventToolResult,
					AgentID:  n.id,
					Role:     RoleAgent,
					Iter:     st.Iter(),
					Content:  text,
					Metadata: map[string]any{"tool": tc.Name},
				})
				citations = append(citations, res.Citations()...)
			}
			msgs = append(msgs, ToolResultMessage(tc.ID, text))
		}

		if refused {
			// Final generation without tools so the model can still answer.
			resp, err := n.chat(ctx, ChatRequest{Messages: msgs})
			if err != nil {
				return NodeOutput{}, err
			}
			emit(Event{
				Type:     EventProviderResult,
				AgentID:  n.id,
				Role:     RoleAgent,
				Iter:     st.Iter(),
				Metadata: map[string]any{"content_len": len(resp.Content), "forced": true},
			})
			return n.finish(st, resp.Content, citations)
		}
	}

	// Loop bound reached with the model still asking for tools.
	n.cfg.logger.Warn("tool loop bound reached", "agent", n.id, "max", n.cfg.maxToolIter)
	return n.finish(st, lastContent, citations)
}

func (n *AgentNode) chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	req.Timeout = n.cfg.timeout
	return n.provider.Chat(ctx, req)
}

// finish assembles and validates the turn output.
func (n *AgentNode) finish(st *State, content string, citations []string) (NodeOutput, error) {
	out := NodeOutput{Role: RoleAgent, Content: content}
	if len(citations) > 0 {
		out.Metadata = map[string]any{"citations": dedupeStrings(citations)}
	}
	if err := validateOutput(st, n.id, out); err != nil {
		return NodeOutput{}, err
	}
	return out, nil
}

// validateOutput runs the node's attached contracts against the output and
// wraps the first failure in a *ContractViolation.
func validateOutput(st *State, nodeID string, out NodeOutput) error {
	for _, c := range st.ContractsFor(nodeID) {
		if err := c.Check(out); err != nil {
			return &ContractViolation{Node: nodeID, Reason: err.Error()}
		}
	}
	return nil
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// compile-time check
var _ Node = (*AgentNode)(nil)
