package openaicompat

import "testing"

func TestParseResponse(t *testing.T) {
	resp := ChatResponse{
		ID: "cmpl-1",
		Choices: []Choice{{
			Message: &ChoiceMessage{
				Role:    "assistant",
				Content: "sunny",
				ToolCalls: []ToolCallRequest{
					{ID: "c1", Function: FunctionCall{Name: "echo", Arguments: `{"q":"hi"}`}},
				},
			},
		}},
		Usage: &Usage{PromptTokens: 42, CompletionTokens: 7},
	}

	out, err := ParseResponse(resp)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if out.Content != "sunny" {
		t.Errorf("content = %q", out.Content)
	}
	if len(out.ToolCalls) != 1 || out.ToolCalls[0].Name != "echo" || string(out.ToolCalls[0].Args) != `{"q":"hi"}` {
		t.Errorf("tool calls = %+v", out.ToolCalls)
	}
	if out.Usage.InputTokens != 42 || out.Usage.OutputTokens != 7 {
		t.Errorf("usage = %+v", out.Usage)
	}
}

func TestParseResponseEmpty(t *testing.T) {
	out, err := ParseResponse(ChatResponse{})
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if out.Content != "" || out.ToolCalls != nil {
		t.Errorf("out = %+v", out)
	}
}

func TestParseToolCallsMalformedArgs(t *testing.T) {
	tcs := []ToolCallRequest{
		{ID: "c1", Function: FunctionCall{Name: "echo", Arguments: `{"broken`}},
		{ID: "c2", Function: FunctionCall{Name: "echo", Arguments: ``}},
	}
	out := ParseToolCalls(tcs)
	if len(out) != 2 {
		t.Fatalf("calls = %d, want 2", len(out))
	}
	for i, tc := range out {
		if string(tc.Args) != `{}` {
			t.Errorf("call %d args = %s, want {}", i, tc.Args)
		}
	}
	if ParseToolCalls(nil) != nil {
		t.Error("nil input should parse to nil")
	}
}
