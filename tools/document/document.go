// Package document implements a local-document reading tool: plain text,
// markdown and PDF files under a configured root directory.
package document

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/nevindra/parley"
)

const maxDocChars = 16000

// Tool reads documents from a root directory. Paths are resolved relative
// to the root and may not escape it.
type Tool struct {
	root string
}

// New creates a document Tool rooted at dir.
func New(dir string) *Tool {
	return &Tool{root: dir}
}

func (t *Tool) Definitions() []parley.ToolDefinition {
	return []parley.ToolDefinition{{
		Name:        "read_document",
		Description: "Read a local document (text, markdown or PDF) and return its text content. Use for source material the conversation should ground itself on.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Document path relative to the document root"}},"required":["path"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (parley.ToolResult, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return parley.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	text, err := t.Read(ctx, params.Path)
	if err != nil {
		return parley.ToolResult{Error: err.Error()}, nil
	}
	return parley.ToolResult{
		OK:   true,
		Data: text,
		Meta: map[string]any{"citations": []string{params.Path}},
	}, nil
}

// Read loads one document and extracts its text.
func (t *Tool) Read(ctx context.Context, relPath string) (string, error) {
	if strings.TrimSpace(relPath) == "" {
		return "", fmt.Errorf("path must not be empty")
	}
	path := filepath.Join(t.root, filepath.Clean("/"+relPath))
	if !strings.HasPrefix(path, filepath.Clean(t.root)+string(os.PathSeparator)) && path != filepath.Clean(t.root) {
		return "", fmt.Errorf("path %q escapes the document root", relPath)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}

	var text string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		text, err = ExtractPDF(content)
		if err != nil {
			return "", err
		}
	case ".txt", ".md", ".markdown", "":
		text = string(content)
	default:
		return "", fmt.Errorf("unsupported document type %q", filepath.Ext(path))
	}

	text = strings.TrimSpace(text)
	if len(text) > maxDocChars {
		text = text[:maxDocChars] + "\n... (truncated)"
	}
	return text, nil
}

// ExtractPDF extracts plain text from a PDF, page by page.
func ExtractPDF(content []byte) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("empty PDF content")
	}
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}
	return strings.TrimSpace(text.String()), nil
}

var _ parley.Tool = (*Tool)(nil)
