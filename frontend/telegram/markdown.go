package telegram

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"
)

// Telegram's HTML parse mode accepts only a small tag set: b, i, s, u, code,
// pre, a, blockquote, tg-spoiler. Everything else must be flattened to text.
// Headings become bold lines, images become links, lists become bullet or
// numbered lines.

// MarkdownToHTML renders markdown into Telegram's HTML subset. Input that
// fails to parse is escaped and returned verbatim rather than dropped.
// The renderer carries list-numbering state, so each call builds its own.
func MarkdownToHTML(src string) string {
	md := goldmark.New(
		goldmark.WithExtensions(extension.Strikethrough, extension.Linkify),
		goldmark.WithRenderer(renderer.NewRenderer(
			renderer.WithNodeRenderers(util.Prioritized(&tgRenderer{}, 1)),
		)),
	)
	var buf bytes.Buffer
	if err := md.Convert([]byte(src), &buf); err != nil {
		return escapeHTML(src)
	}
	return strings.TrimSpace(buf.String())
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeHTML(s string) string { return htmlEscaper.Replace(s) }

// tgRenderer walks the goldmark AST and emits Telegram HTML. Ordered-list
// numbering is tracked per list so nested lists restart correctly.
type tgRenderer struct {
	ordinals []int
}

// tagPair returns a render func that wraps the node's children in a fixed
// tag. Used for every element that maps one-to-one onto a Telegram tag.
func tagPair(open, close string) renderer.NodeRendererFunc {
	return func(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering {
			_, _ = w.WriteString(open)
		} else {
			_, _ = w.WriteString(close)
		}
		return ast.WalkContinue, nil
	}
}

func noop(util.BufWriter, []byte, ast.Node, bool) (ast.WalkStatus, error) {
	return ast.WalkContinue, nil
}

func (r *tgRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindDocument, noop)
	reg.Register(ast.KindHeading, tagPair("\n<b>", "</b>\n"))
	reg.Register(ast.KindParagraph, r.closeWithNewline)
	reg.Register(ast.KindBlockquote, tagPair("<blockquote>", "</blockquote>"))
	reg.Register(ast.KindFencedCodeBlock, r.fencedCode)
	reg.Register(ast.KindCodeBlock, r.plainCode)
	reg.Register(ast.KindList, r.list)
	reg.Register(ast.KindListItem, r.listItem)
	reg.Register(ast.KindTextBlock, r.textBlock)
	reg.Register(ast.KindThematicBreak, r.rule)
	reg.Register(ast.KindHTMLBlock, r.htmlBlock)

	reg.Register(ast.KindText, r.text)
	reg.Register(ast.KindString, r.str)
	reg.Register(ast.KindCodeSpan, tagPair("<code>", "</code>"))
	reg.Register(ast.KindEmphasis, r.emphasis)
	reg.Register(ast.KindLink, r.link)
	reg.Register(ast.KindAutoLink, r.autoLink)
	reg.Register(ast.KindImage, r.image)
	reg.Register(ast.KindRawHTML, r.rawHTML)

	reg.Register(extast.KindStrikethrough, tagPair("<s>", "</s>"))
}

func (r *tgRenderer) closeWithNewline(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *tgRenderer) fencedCode(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.FencedCodeBlock)
	if lang := n.Language(source); len(lang) > 0 {
		fmt.Fprintf(w, "<pre><code class=\"language-%s\">", escapeHTML(string(lang)))
	} else {
		_, _ = w.WriteString("<pre><code>")
	}
	r.writeRawLines(w, source, node, true)
	_, _ = w.WriteString("</code></pre>")
	return ast.WalkSkipChildren, nil
}

func (r *tgRenderer) plainCode(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	_, _ = w.WriteString("<pre><code>")
	r.writeRawLines(w, source, node, true)
	_, _ = w.WriteString("</code></pre>")
	return ast.WalkSkipChildren, nil
}

func (r *tgRenderer) writeRawLines(w util.BufWriter, source []byte, node ast.Node, escape bool) {
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		v := seg.Value(source)
		if escape {
			_, _ = w.WriteString(escapeHTML(string(v)))
		} else {
			_, _ = w.Write(v)
		}
	}
}

func (r *tgRenderer) list(_ util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	n := node.(*ast.List)
	if entering {
		start := 0
		if n.IsOrdered() {
			start = n.Start
		}
		r.ordinals = append(r.ordinals, start)
	} else if len(r.ordinals) > 0 {
		r.ordinals = r.ordinals[:len(r.ordinals)-1]
	}
	return ast.WalkContinue, nil
}

func (r *tgRenderer) listItem(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		_, _ = w.WriteString("\n")
		return ast.WalkContinue, nil
	}
	depth := len(r.ordinals)
	if parent, ok := node.Parent().(*ast.List); ok && parent.IsOrdered() && depth > 0 {
		fmt.Fprintf(w, "%d. ", r.ordinals[depth-1])
		r.ordinals[depth-1]++
	} else {
		_, _ = w.WriteString("• ")
	}
	return ast.WalkContinue, nil
}

func (r *tgRenderer) textBlock(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	// List items terminate their own lines.
	if !entering && node.Parent() != nil && node.Parent().Kind() != ast.KindListItem {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *tgRenderer) rule(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.WriteString("\n---\n")
	}
	return ast.WalkContinue, nil
}

func (r *tgRenderer) htmlBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		r.writeRawLines(w, source, node, false)
	}
	return ast.WalkContinue, nil
}

func (r *tgRenderer) text(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.Text)
	_, _ = w.WriteString(escapeHTML(string(n.Segment.Value(source))))
	if n.SoftLineBreak() || n.HardLineBreak() {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *tgRenderer) str(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.WriteString(escapeHTML(string(node.(*ast.String).Value)))
	}
	return ast.WalkContinue, nil
}

func (r *tgRenderer) emphasis(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	tag := "i"
	if node.(*ast.Emphasis).Level == 2 {
		tag = "b"
	}
	if entering {
		fmt.Fprintf(w, "<%s>", tag)
	} else {
		fmt.Fprintf(w, "</%s>", tag)
	}
	return ast.WalkContinue, nil
}

func (r *tgRenderer) link(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		fmt.Fprintf(w, "<a href=\"%s\">", escapeHTML(string(node.(*ast.Link).Destination)))
	} else {
		_, _ = w.WriteString("</a>")
	}
	return ast.WalkContinue, nil
}

func (r *tgRenderer) autoLink(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		u := escapeHTML(string(node.(*ast.AutoLink).URL(source)))
		fmt.Fprintf(w, "<a href=\"%s\">%s</a>", u, u)
	}
	return ast.WalkContinue, nil
}

// image renders as a link; Telegram HTML has no inline images.
func (r *tgRenderer) image(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		fmt.Fprintf(w, "<a href=\"%s\">", escapeHTML(string(node.(*ast.Image).Destination)))
	} else {
		_, _ = w.WriteString("</a>")
	}
	return ast.WalkContinue, nil
}

func (r *tgRenderer) rawHTML(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.RawHTML)
	for i := 0; i < n.Segments.Len(); i++ {
		seg := n.Segments.At(i)
		_, _ = w.Write(seg.Value(source))
	}
	return ast.WalkContinue, nil
}
