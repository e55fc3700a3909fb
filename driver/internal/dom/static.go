package dom

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
)

// Static is an Adapter over a parsed HTML document. It serves selector
// diagnostics against saved pages and stands in for the live page in tests.
// Hidden state comes from inline style, the hidden attribute and aria-hidden.
type Static struct {
	selectors SelectorFunc

	mu  sync.Mutex
	doc *goquery.Document
	// Ops records element operations in call order, e.g. "click:send-button".
	Ops []string
}

// NewStatic parses html.
func NewStatic(html string, selectors SelectorFunc) (*Static, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("dom: parse: %w", err)
	}
	if selectors == nil {
		selectors = Fixed(DefaultSelectors())
	}
	return &Static{doc: doc, selectors: selectors}, nil
}

// Load replaces the document.
func (s *Static) Load(html string) error {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return fmt.Errorf("dom: parse: %w", err)
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

func (s *Static) record(op string) {
	s.mu.Lock()
	s.Ops = append(s.Ops, op)
	s.mu.Unlock()
}

func (s *Static) first(strategies []Strategy) (*goquery.Selection, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range strategies {
		found := s.doc.Find(st.CSS).FilterFunction(func(_ int, sel *goquery.Selection) bool {
			return !StyleHidden(sel)
		})
		if found.Length() > 0 {
			return found.First(), st.Name
		}
	}
	return nil, ""
}

func (s *Static) LocateInput(ctx context.Context) (Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sel, name := s.first(s.selectors().Input)
	if sel == nil {
		return nil, fmt.Errorf("dom: input: %w", ErrNotFound)
	}
	return &staticElement{owner: s, sel: sel, strategy: name}, nil
}

func (s *Static) LocateSend(ctx context.Context) (Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sel, name := s.first(s.selectors().Send)
	if sel == nil {
		return nil, fmt.Errorf("dom: send: %w", ErrNotFound)
	}
	return &staticElement{owner: s, sel: sel, strategy: name}, nil
}

func (s *Static) StopVisible(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	sel, _ := s.first(s.selectors().Stop)
	return sel != nil, nil
}

func (s *Static) responses() (*goquery.Selection, Strategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.selectors().Response {
		found := s.doc.Find(st.CSS)
		if found.Length() > 0 {
			return found, st
		}
	}
	return nil, Strategy{}
}

func (s *Static) CountResponses(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	found, _ := s.responses()
	if found == nil {
		return 0, nil
	}
	return found.Length(), nil
}

func (s *Static) latest() (*goquery.Selection, string) {
	found, st := s.responses()
	if found == nil {
		return nil, ""
	}
	root := found.Last()
	if st.Inner != "" {
		if inner := root.Find(st.Inner).First(); inner.Length() > 0 {
			root = inner
		}
	}
	return root, st.Name
}

func (s *Static) LatestTextLength(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	root, _ := s.latest()
	if root == nil {
		return 0, nil
	}
	return len([]rune(strings.TrimSpace(root.Text()))), nil
}

func (s *Static) LatestResponse(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	root, name := s.latest()
	if root == nil {
		return Snapshot{}, nil
	}
	html, err := goquery.OuterHtml(root)
	if err != nil {
		return Snapshot{}, fmt.Errorf("dom: serialize reply: %w", err)
	}
	return Snapshot{Strategy: name, HTML: html, Text: strings.TrimSpace(root.Text())}, nil
}

// StyleHidden reports hiding visible in the markup itself.
func StyleHidden(sel *goquery.Selection) bool {
	if _, ok := sel.Attr("hidden"); ok {
		return true
	}
	if v, _ := sel.Attr("aria-hidden"); v == "true" {
		return true
	}
	if _, ok := sel.Attr(HiddenAttr); ok {
		return true
	}
	style, _ := sel.Attr("style")
	return InlineHidden(style)
}

// InlineHidden parses an inline style declaration for display:none,
// visibility:hidden or opacity:0.
func InlineHidden(style string) bool {
	for _, decl := range strings.Split(style, ";") {
		prop, val, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		prop = strings.ToLower(strings.TrimSpace(prop))
		val = strings.ToLower(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(val), "!important")))
		switch {
		case prop == "display" && val == "none":
			return true
		case prop == "visibility" && val == "hidden":
			return true
		case prop == "opacity" && (val == "0" || val == "0.0" || val == "0%"):
			return true
		}
	}
	return false
}

type staticElement struct {
	owner    *Static
	sel      *goquery.Selection
	strategy string
}

func (e *staticElement) Strategy() string { return e.strategy }

func (e *staticElement) Click(ctx context.Context) error {
	e.owner.record("click:" + e.strategy)
	return ctx.Err()
}

func (e *staticElement) Clear(ctx context.Context) error {
	e.owner.mu.Lock()
	e.sel.SetHtml("<p><br></p>")
	e.owner.mu.Unlock()
	e.owner.record("clear:" + e.strategy)
	return ctx.Err()
}

func (e *staticElement) SetBlocks(ctx context.Context, markup string) error {
	e.owner.mu.Lock()
	e.sel.SetHtml(markup)
	e.owner.mu.Unlock()
	e.owner.record("blocks:" + e.strategy)
	return ctx.Err()
}

func (e *staticElement) TypeText(ctx context.Context, text string) error {
	e.owner.mu.Lock()
	e.sel.AppendHtml(strings.ReplaceAll(text, "\n", "<br>"))
	e.owner.mu.Unlock()
	e.owner.record("type:" + e.strategy)
	return ctx.Err()
}

func (e *staticElement) PressEnter(ctx context.Context) error {
	e.owner.record("enter:" + e.strategy)
	return ctx.Err()
}

// Finding is the diagnostic result for one capability.
type Finding struct {
	Capability string `json:"capability"`
	Strategy   string `json:"strategy,omitempty"`
	Matches    int    `json:"matches"`
}

// Diagnose reports, per capability, the first strategy that matches the
// loaded document.
func (s *Static) Diagnose() []Finding {
	sels := s.selectors()
	var out []Finding
	for _, c := range []struct {
		name string
		list []Strategy
	}{
		{"input", sels.Input},
		{"send", sels.Send},
		{"stop", sels.Stop},
		{"response", sels.Response},
	} {
		f := Finding{Capability: c.name}
		s.mu.Lock()
		for _, st := range c.list {
			if n := s.doc.Find(st.CSS).Length(); n > 0 {
				f.Strategy, f.Matches = st.Name, n
				break
			}
		}
		s.mu.Unlock()
		out = append(out, f)
	}
	return out
}
