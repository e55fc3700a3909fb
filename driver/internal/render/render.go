// CLAUDE:SUMMARY Renders a serialized reply container into markdown-like text blocks and an ordered image list.
// Package render turns the reply container captured by the DOM adapter into
// the text the API returns. Hidden nodes are pruned first, the remainder is
// sanitized with bluemonday and then walked depth-first.
package render

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/chatbridge/driver/internal/dom"
)

// Image is an image found in the reply, in document order.
type Image struct {
	Src string
	Alt string
}

// Reply is the rendered reply.
type Reply struct {
	Blocks []string
	Images []Image
}

// Text joins the blocks with a blank line.
func (r Reply) Text() string {
	return strings.Join(r.Blocks, "\n\n")
}

// Empty reports whether nothing was rendered.
func (r Reply) Empty() bool {
	return len(r.Blocks) == 0 && len(r.Images) == 0
}

// Renderer is safe for concurrent use.
type Renderer struct {
	policy *bluemonday.Policy
	tables *converter.Converter
}

// New returns a Renderer with the reply sanitizing policy.
func New() *Renderer {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class", "style", "aria-hidden", "hidden", dom.HiddenAttr).Globally()
	p.AllowAttrs("start").OnElements("ol")
	p.AllowURLSchemes("http", "https", "blob")
	p.AllowDataURIImages()
	p.SkipElementsContent("button", "mat-icon", "script", "style", "noscript")
	return &Renderer{
		policy: p,
		tables: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Render walks the fragment. Loose text outside any block element is only
// used when the walk yields nothing.
func (r *Renderer) Render(fragment string) (Reply, error) {
	root, err := parse(fragment)
	if err != nil {
		return Reply{}, err
	}
	prune(root)

	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return Reply{}, fmt.Errorf("render: serialize: %w", err)
	}
	root, err = parse(r.policy.Sanitize(buf.String()))
	if err != nil {
		return Reply{}, err
	}

	w := &walker{tables: r.tables}
	w.walk(root)
	if len(w.reply.Blocks) == 0 {
		if text := collapse(visibleText(root)); text != "" {
			w.reply.Blocks = append(w.reply.Blocks, text)
		}
	}
	return w.reply, nil
}

func parse(fragment string) (*html.Node, error) {
	ctx := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), ctx)
	if err != nil {
		return nil, fmt.Errorf("render: parse: %w", err)
	}
	root := &html.Node{Type: html.DocumentNode}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	return root, nil
}

// prune removes hidden element subtrees in place.
func prune(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode && hidden(c) {
			n.RemoveChild(c)
		} else {
			prune(c)
		}
		c = next
	}
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func hidden(n *html.Node) bool {
	if _, ok := attr(n, dom.HiddenAttr); ok {
		return true
	}
	if _, ok := attr(n, "hidden"); ok {
		return true
	}
	if v, _ := attr(n, "aria-hidden"); v == "true" {
		return true
	}
	style, _ := attr(n, "style")
	return dom.InlineHidden(style)
}

type walker struct {
	tables *converter.Converter
	reply  Reply
}

func (w *walker) block(s string) {
	if s = strings.TrimRight(s, " \n"); s != "" {
		w.reply.Blocks = append(w.reply.Blocks, s)
	}
}

func (w *walker) image(n *html.Node) {
	src, _ := attr(n, "src")
	if src == "" {
		return
	}
	alt, _ := attr(n, "alt")
	w.reply.Images = append(w.reply.Images, Image{Src: src, Alt: alt})
}

// images collects images nested in a block element.
func (w *walker) images(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		if c.DataAtom == atom.Img {
			w.image(c)
			continue
		}
		w.images(c)
	}
}

func (w *walker) walk(n *html.Node) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Img:
			w.image(n)
			return
		case atom.Pre:
			w.block(fence(n))
			return
		case atom.Code:
			if text := textContent(n); strings.TrimSpace(text) != "" {
				w.block("`" + strings.TrimSpace(text) + "`")
			}
			return
		case atom.P:
			w.block(collapse(visibleText(n)))
			w.images(n)
			return
		case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
			if text := collapse(visibleText(n)); text != "" {
				level := int(n.Data[1] - '0')
				w.block(strings.Repeat("#", level) + " " + text)
			}
			return
		case atom.Li:
			if text := collapse(visibleText(n)); text != "" {
				w.block(listMarker(n) + text)
			}
			w.images(n)
			return
		case atom.Blockquote:
			if text := collapse(visibleText(n)); text != "" {
				w.block(quote(text))
			}
			return
		case atom.Table:
			w.table(n)
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
}

func (w *walker) table(n *html.Node) {
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return
	}
	md, err := w.tables.ConvertString(buf.String())
	if err != nil || strings.TrimSpace(md) == "" {
		w.block(collapse(visibleText(n)))
		return
	}
	w.block(strings.TrimSpace(md))
}

// listMarker numbers items of an ordered list from its start attribute.
func listMarker(li *html.Node) string {
	parent := li.Parent
	if parent == nil || parent.DataAtom != atom.Ol {
		return "- "
	}
	start := 1
	if v, ok := attr(parent, "start"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			start = n
		}
	}
	idx := 0
	for s := li.PrevSibling; s != nil; s = s.PrevSibling {
		if s.Type == html.ElementNode && s.DataAtom == atom.Li {
			idx++
		}
	}
	return strconv.Itoa(start+idx) + ". "
}

func quote(text string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = "> " + l
	}
	return strings.Join(lines, "\n")
}

// visibleText renders inline content: inline code in backticks, br as a
// newline, whitespace runs collapsed later by collapse.
func visibleText(n *html.Node) string {
	var sb strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			sb.WriteString(n.Data)
			return
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Br:
				sb.WriteString("\n")
				return
			case atom.Img:
				return
			case atom.Code:
				if n.Parent == nil || n.Parent.DataAtom != atom.Pre {
					sb.WriteString("`" + strings.TrimSpace(textContent(n)) + "`")
					return
				}
			case atom.P, atom.Li, atom.Div, atom.Pre, atom.Ul, atom.Ol:
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return sb.String()
}

// textContent is raw text with whitespace preserved.
func textContent(n *html.Node) string {
	var sb strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			return
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.Br {
			sb.WriteString("\n")
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return sb.String()
}

var spaceRun = regexp.MustCompile(`[ \t\r\f\v]+`)

// collapse folds horizontal whitespace and trims every line.
func collapse(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.TrimSpace(spaceRun.ReplaceAllString(l, " "))
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
