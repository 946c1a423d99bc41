package parley

import "context"

// UserNode represents a human participant. A turn dequeues the next message
// posted for this node; when nothing is queued the turn is skipped (the lab
// emits node_skipped and appends nothing). No provider or tool is involved.
type UserNode struct {
	id string
}

func NewUserNode(id string) *UserNode {
	return &UserNode{id: id}
}

func (n *UserNode) ID() string { return n.id }

func (n *UserNode) Role() Role { return RoleUser }

func (n *UserNode) Execute(_ context.Context, st *State, _ EmitFunc) (NodeOutput, error) {
	content, userID, ok := st.PopUserInput(n.id)
	if !ok {
		return NodeOutput{Role: RoleUser}, nil
	}
	out := NodeOutput{Role: RoleUser, Content: content}
	if userID != "" {
		out.Metadata = map[string]any{"user_id": userID}
	}
	return out, nil
}

// compile-time check
var _ Node = (*UserNode)(nil)
