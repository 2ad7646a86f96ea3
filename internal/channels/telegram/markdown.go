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

// MarkdownToHTML renders Markdown into the HTML subset Telegram accepts:
// <b>, <i>, <s>, <code>, <pre>, <a>, <blockquote>. Headings become bold
// lines; raw HTML is escaped so stray tags never break parse mode.
func MarkdownToHTML(md string) string {
	gm := goldmark.New(
		goldmark.WithExtensions(extension.Strikethrough),
		goldmark.WithRenderer(renderer.NewRenderer(
			renderer.WithNodeRenderers(util.Prioritized(&htmlRenderer{}, 1)),
		)),
	)

	var buf bytes.Buffer
	if err := gm.Convert([]byte(md), &buf); err != nil {
		return escapeHTML(md)
	}
	return strings.TrimSpace(buf.String())
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

type htmlRenderer struct {
	ordinal int
}

func (r *htmlRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindDocument, passThrough)
	reg.Register(ast.KindHeading, wrapTag("\n<b>", "</b>\n"))
	reg.Register(ast.KindParagraph, wrapTag("", "\n"))
	reg.Register(ast.KindBlockquote, wrapTag("<blockquote>", "</blockquote>"))
	reg.Register(ast.KindFencedCodeBlock, r.renderCodeFence)
	reg.Register(ast.KindCodeBlock, r.renderCodeFence)
	reg.Register(ast.KindList, r.renderList)
	reg.Register(ast.KindListItem, r.renderListItem)
	reg.Register(ast.KindTextBlock, r.renderTextBlock)
	reg.Register(ast.KindThematicBreak, literal("\n—\n"))
	reg.Register(ast.KindHTMLBlock, r.renderEscapedBlock)

	reg.Register(ast.KindText, r.renderText)
	reg.Register(ast.KindString, r.renderString)
	reg.Register(ast.KindCodeSpan, wrapTag("<code>", "</code>"))
	reg.Register(ast.KindEmphasis, r.renderEmphasis)
	reg.Register(ast.KindLink, r.renderLink)
	reg.Register(ast.KindAutoLink, r.renderAutoLink)
	reg.Register(ast.KindImage, r.renderImage)
	reg.Register(ast.KindRawHTML, r.renderRawHTML)
	reg.Register(extast.KindStrikethrough, wrapTag("<s>", "</s>"))
}

func passThrough(_ util.BufWriter, _ []byte, _ ast.Node, _ bool) (ast.WalkStatus, error) {
	return ast.WalkContinue, nil
}

func wrapTag(open, close string) renderer.NodeRendererFunc {
	return func(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering {
			_, _ = w.WriteString(open)
		} else {
			_, _ = w.WriteString(close)
		}
		return ast.WalkContinue, nil
	}
}

func literal(s string) renderer.NodeRendererFunc {
	return func(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering {
			_, _ = w.WriteString(s)
		}
		return ast.WalkContinue, nil
	}
}

func (r *htmlRenderer) renderCodeFence(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	if fenced, ok := node.(*ast.FencedCodeBlock); ok {
		if lang := fenced.Language(source); len(lang) > 0 {
			_, _ = fmt.Fprintf(w, "<pre><code class=\"language-%s\">", escapeHTML(string(lang)))
		} else {
			_, _ = w.WriteString("<pre><code>")
		}
	} else {
		_, _ = w.WriteString("<pre><code>")
	}
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		_, _ = w.WriteString(escapeHTML(string(seg.Value(source))))
	}
	_, _ = w.WriteString("</code></pre>")
	return ast.WalkSkipChildren, nil
}

func (r *htmlRenderer) renderList(_ util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		n := node.(*ast.List)
		if n.IsOrdered() {
			r.ordinal = int(n.Start)
		} else {
			r.ordinal = 0
		}
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderListItem(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		if parent, ok := node.Parent().(*ast.List); ok && parent.IsOrdered() {
			_, _ = fmt.Fprintf(w, "%d. ", r.ordinal)
			r.ordinal++
		} else {
			_, _ = w.WriteString("• ")
		}
	} else {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderTextBlock(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering && node.Parent() != nil && node.Parent().Kind() != ast.KindListItem {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderEscapedBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		lines := node.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			_, _ = w.WriteString(escapeHTML(string(seg.Value(source))))
		}
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderText(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
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

func (r *htmlRenderer) renderString(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.WriteString(escapeHTML(string(node.(*ast.String).Value)))
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderEmphasis(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	tag := "i"
	if node.(*ast.Emphasis).Level == 2 {
		tag = "b"
	}
	if entering {
		_, _ = w.WriteString("<" + tag + ">")
	} else {
		_, _ = w.WriteString("</" + tag + ">")
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderLink(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = fmt.Fprintf(w, "<a href=\"%s\">", escapeHTML(string(node.(*ast.Link).Destination)))
	} else {
		_, _ = w.WriteString("</a>")
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderAutoLink(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		url := escapeHTML(string(node.(*ast.AutoLink).URL(source)))
		_, _ = fmt.Fprintf(w, "<a href=\"%s\">%s</a>", url, url)
	}
	return ast.WalkContinue, nil
}

// Inline images have no HTML form on Telegram; the alt text becomes a link.
func (r *htmlRenderer) renderImage(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = fmt.Fprintf(w, "<a href=\"%s\">", escapeHTML(string(node.(*ast.Image).Destination)))
	} else {
		_, _ = w.WriteString("</a>")
	}
	return ast.WalkContinue, nil
}

// Raw inline HTML is escaped; Telegram rejects unknown tags outright.
func (r *htmlRenderer) renderRawHTML(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.RawHTML)
	for i := 0; i < n.Segments.Len(); i++ {
		seg := n.Segments.At(i)
		_, _ = w.WriteString(escapeHTML(string(seg.Value(source))))
	}
	return ast.WalkContinue, nil
}
