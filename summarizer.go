package parley

import "context"

// SummarizerNode condenses the recent conversation into plain text. The lab
// appends its output to the running summaries, which feed back into every
// node's prompt through ComposeMessages.
type SummarizerNode struct {
	id       string
	provider Provider
	cfg      nodeConfig
}

func NewSummarizerNode(id string, provider Provider, opts ...NodeOption) *SummarizerNode {
	return &SummarizerNode{id: id, provider: provider, cfg: newNodeConfig(opts)}
}

func (n *SummarizerNode) ID() string { return n.id }

func (n *SummarizerNode) Role() Role { return RoleSummarizer }

// RunOnLast reports whether the node should fire once more after the final
// iteration of a run, even when the turn plan did not pick it.
func (n *SummarizerNode) RunOnLast() bool { return n.cfg.runOnLast }

func (n *SummarizerNode) Execute(ctx context.Context, st *State, emit EmitFunc) (NodeOutput, error) {
	if emit == nil {
		emit = func(Event) {}
	}

	req := ChatRequest{
		Messages: st.ComposeMessages(n.cfg.systemPrompt, n.cfg.window),
		Timeout:  n.cfg.timeout,
	}
	resp, err := n.provider.Chat(ctx, req)
	if err != nil {
		return NodeOutput{}, err
	}
	emit(Event{
		Type:     EventProviderResult,
		AgentID:  n.id,
		Role:     RoleSummarizer,
		Iter:     st.Iter(),
		Metadata: map[string]any{"content_len": len(resp.Content)},
	})

	out := NodeOutput{Role: RoleSummarizer, Content: resp.Content}
	if err := validateOutput(st, n.id, out); err != nil {
		return NodeOutput{}, err
	}
	return out, nil
}

// compile-time check
var _ Node = (*SummarizerNode)(nil)
