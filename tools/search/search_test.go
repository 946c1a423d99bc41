package search

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

const fixture = `
<div class="result">
  <a rel="nofollow" class="result__a" href="/l/?uddg=https%3A%2F%2Fgo.dev%2Fblog%2Fcontext&amp;rut=abc">The <b>Go</b> Blog: Context</a>
  <a class="result__snippet" href="/l/?uddg=x">Patterns for <b>cancellation</b> &amp; deadlines.</a>
</div>
<div class="result">
  <a rel="nofollow" class="result__a" href="https://pkg.go.dev/context">context package</a>
  <a class="result__snippet" href="#">Package context defines the Context type.</a>
</div>
<div class="result">
  <a rel="nofollow" class="result__a" href="/relative/only"></a>
</div>
`

func TestParseResults(t *testing.T) {
	got := ParseResults(fixture)
	if len(got) != 2 {
		t.Fatalf("results = %d, want 2", len(got))
	}

	if got[0].Title != "The Go Blog: Context" {
		t.Errorf("title = %q", got[0].Title)
	}
	// The uddg redirect unwraps to the target URL.
	if got[0].URL != "https://go.dev/blog/context" {
		t.Errorf("url = %q", got[0].URL)
	}
	if got[0].Snippet != "Patterns for cancellation & deadlines." {
		t.Errorf("snippet = %q", got[0].Snippet)
	}

	if got[1].URL != "https://pkg.go.dev/context" {
		t.Errorf("url = %q", got[1].URL)
	}
}

func TestParseResultsEmpty(t *testing.T) {
	if got := ParseResults("<html><body>no results here</body></html>"); len(got) != 0 {
		t.Errorf("results = %+v, want none", got)
	}
}

func TestExecuteArgValidation(t *testing.T) {
	tool := New(WithoutPageFetch())
	ctx := context.Background()

	res, err := tool.Execute(ctx, "web_search", json.RawMessage(`{broken`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.OK || !strings.Contains(res.Error, "invalid args") {
		t.Errorf("result = %+v", res)
	}

	res, err = tool.Execute(ctx, "web_search", json.RawMessage(`{"query":"  "}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.OK || !strings.Contains(res.Error, "empty") {
		t.Errorf("result = %+v", res)
	}
}

func TestDefinitions(t *testing.T) {
	defs := New().Definitions()
	if len(defs) != 1 || defs[0].Name != "web_search" {
		t.Fatalf("definitions = %+v", defs)
	}
	var schema map[string]any
	if err := json.Unmarshal(defs[0].Parameters, &schema); err != nil {
		t.Fatalf("parameters not valid JSON: %v", err)
	}
}
