package parley

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Contract validates a node's final output before it is committed to the
// transcript. Check returns a non-nil error describing the violation; the
// engine wraps it in a *ContractViolation carrying the node id.
// Implementations must be safe for concurrent use.
type Contract interface {
	Check(out NodeOutput) error
}

// zeroWidthChars are Unicode zero-width and invisible characters commonly
// used to smuggle content past substring checks.
var zeroWidthChars = strings.NewReplacer(
	"\u200B", " ", // zero-width space
	"\u200C", " ", // zero-width non-joiner
	"\u200D", " ", // zero-width joiner
	"\uFEFF", " ", // zero-width no-break space (BOM)
	"\u2060", " ", // word joiner
	"\u180E", " ", // Mongolian vowel separator
	"\u00AD", "",  // soft hyphen (removed, not replaced)
)

// cleanContent strips zero-width characters and applies NFKC normalization
// (fullwidth Latin, mathematical alphanumerics and ligatures fold back to
// their plain forms).
func cleanContent(s string) string {
	return norm.NFKC.String(zeroWidthChars.Replace(s))
}

// stripCodeFence removes one surrounding markdown code fence, with or
// without a language tag. Content without a fence is returned trimmed.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		// drop the language tag line ("json", "yaml", ...)
		if tag := strings.TrimSpace(s[:i]); len(tag) <= 10 && !strings.ContainsAny(tag, "{}[]") {
			s = s[i+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// --- JSONContract ---

// JSONContract requires the output content to be a single JSON object.
// A surrounding markdown code fence is tolerated; arrays and bare scalars
// are rejected. Used by moderator nodes, whose action protocol is JSON.
type JSONContract struct{}

func (JSONContract) Check(out NodeOutput) error {
	body := stripCodeFence(out.Content)
	if body == "" {
		return fmt.Errorf("empty content, expected a JSON object")
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(body), &obj); err != nil {
		return fmt.Errorf("content is not a JSON object: %v", err)
	}
	return nil
}

// --- KeywordContract ---

// KeywordContract rejects output containing any of the configured keywords.
// Matching is a case-insensitive substring check performed after zero-width
// stripping and NFKC normalization, so homoglyph and fullwidth variants of a
// blocked word are still caught.
type KeywordContract struct {
	blocked []string
}

// NewKeywordContract creates a contract that blocks output containing any of
// the given keywords.
func NewKeywordContract(keywords ...string) *KeywordContract {
	lower := make([]string, len(keywords))
	for i, k := range keywords {
		lower[i] = strings.ToLower(k)
	}
	return &KeywordContract{blocked: lower}
}

func (c *KeywordContract) Check(out NodeOutput) error {
	lower := strings.ToLower(cleanContent(out.Content))
	for _, kw := range c.blocked {
		if strings.Contains(lower, kw) {
			return fmt.Errorf("content contains blocked keyword %q", kw)
		}
	}
	return nil
}

// --- LengthContract ---

// LengthContract rejects output longer than max runes. Zero max disables
// the check.
type LengthContract struct {
	Max int
}

func (c LengthContract) Check(out NodeOutput) error {
	if c.Max <= 0 {
		return nil
	}
	if n := len([]rune(out.Content)); n > c.Max {
		return fmt.Errorf("content length %d exceeds limit %d", n, c.Max)
	}
	return nil
}

// --- CitationContract ---

// CitationContract requires at least one citation in the output metadata.
// Agent nodes collect citations from tool results under the "citations"
// metadata key; research presets attach this contract so agents cannot
// answer without sourcing.
type CitationContract struct{}

func (CitationContract) Check(out NodeOutput) error {
	raw, ok := out.Metadata["citations"]
	if !ok {
		return fmt.Errorf("no citations in output metadata")
	}
	switch v := raw.(type) {
	case []string:
		if len(v) > 0 {
			return nil
		}
	case []any:
		if len(v) > 0 {
			return nil
		}
	}
	return fmt.Errorf("citations list is empty")
}

// compile-time checks
var (
	_ Contract = JSONContract{}
	_ Contract = (*KeywordContract)(nil)
	_ Contract = LengthContract{}
	_ Contract = CitationContract{}
)
