package dom

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

//go:embed response.js
var responseJS string

const (
	setBlocksJS = `function(markup) {
	this.focus();
	this.innerHTML = markup;
	this.dispatchEvent(new Event('input', {bubbles: true}));
	this.dispatchEvent(new Event('change', {bubbles: true}));
}`
	clearJS = `function() {
	this.focus();
	this.innerHTML = '<p><br></p>';
	this.dispatchEvent(new Event('input', {bubbles: true}));
}`
)

// Rod is the live Adapter over a rod page.
type Rod struct {
	page      *rod.Page
	selectors SelectorFunc
	logger    *slog.Logger

	// InputWait bounds the wait for each input strategy.
	InputWait time.Duration
	// KeyDelay separates characters in TypeText.
	KeyDelay time.Duration
}

// NewRod wraps page. A nil logger uses slog.Default.
func NewRod(page *rod.Page, selectors SelectorFunc, logger *slog.Logger) *Rod {
	if logger == nil {
		logger = slog.Default()
	}
	if selectors == nil {
		selectors = Fixed(DefaultSelectors())
	}
	return &Rod{
		page:      page,
		selectors: selectors,
		logger:    logger,
		InputWait: 3 * time.Second,
		KeyDelay:  5 * time.Millisecond,
	}
}

// LocateInput waits briefly on each strategy in order and returns the first
// visible match.
func (r *Rod) LocateInput(ctx context.Context) (Element, error) {
	page := r.page.Context(ctx)
	for _, s := range r.selectors().Input {
		el, err := page.Timeout(r.InputWait).Element(s.CSS)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		el = el.CancelTimeout()
		if ok, _ := el.Visible(); !ok {
			continue
		}
		r.logger.Debug("dom: input located", "strategy", s.Name)
		return &rodElement{el: el, page: page, strategy: s.Name, keyDelay: r.KeyDelay}, nil
	}
	return nil, fmt.Errorf("dom: input: %w", ErrNotFound)
}

// LocateSend returns the first visible send control without waiting.
func (r *Rod) LocateSend(ctx context.Context) (Element, error) {
	page := r.page.Context(ctx)
	el, name, err := firstVisible(page, r.selectors().Send)
	if err != nil {
		return nil, err
	}
	if el == nil {
		return nil, fmt.Errorf("dom: send: %w", ErrNotFound)
	}
	return &rodElement{el: el, page: page, strategy: name, keyDelay: r.KeyDelay}, nil
}

// StopVisible reports whether any stop strategy matches a visible element.
func (r *Rod) StopVisible(ctx context.Context) (bool, error) {
	el, _, err := firstVisible(r.page.Context(ctx), r.selectors().Stop)
	if err != nil {
		return false, err
	}
	return el != nil, nil
}

func firstVisible(page *rod.Page, strategies []Strategy) (*rod.Element, string, error) {
	for _, s := range strategies {
		has, el, err := page.Has(s.CSS)
		if err != nil {
			if page.GetContext().Err() != nil {
				return nil, "", page.GetContext().Err()
			}
			continue
		}
		if !has {
			continue
		}
		if ok, _ := el.Visible(); ok {
			return el, s.Name, nil
		}
	}
	return nil, "", nil
}

type responseResult struct {
	Strategy string `json:"strategy"`
	Count    int    `json:"count"`
	Length   int    `json:"length"`
	HTML     string `json:"html"`
	Text     string `json:"text"`
}

func (r *Rod) evalResponse(ctx context.Context, mode string) (responseResult, error) {
	var out responseResult
	res, err := r.page.Context(ctx).Eval(responseJS, r.selectors().Response, mode, HiddenAttr)
	if err != nil {
		return out, fmt.Errorf("dom: response %s: %w", mode, err)
	}
	if err := json.Unmarshal([]byte(res.Value.Str()), &out); err != nil {
		return out, fmt.Errorf("dom: response %s: decode: %w", mode, err)
	}
	return out, nil
}

// CountResponses counts reply containers using the first strategy with matches.
func (r *Rod) CountResponses(ctx context.Context) (int, error) {
	res, err := r.evalResponse(ctx, "count")
	return res.Count, err
}

// LatestTextLength returns the trimmed visible text length of the latest reply.
func (r *Rod) LatestTextLength(ctx context.Context) (int, error) {
	res, err := r.evalResponse(ctx, "length")
	return res.Length, err
}

// LatestResponse clones the latest reply container with hidden nodes marked.
func (r *Rod) LatestResponse(ctx context.Context) (Snapshot, error) {
	res, err := r.evalResponse(ctx, "full")
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Strategy: res.Strategy, HTML: res.HTML, Text: res.Text}, nil
}

type rodElement struct {
	el       *rod.Element
	page     *rod.Page
	strategy string
	keyDelay time.Duration
}

func (e *rodElement) Strategy() string { return e.strategy }

func (e *rodElement) Click(ctx context.Context) error {
	if err := e.el.Context(ctx).Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("dom: click %s: %w", e.strategy, err)
	}
	return nil
}

func (e *rodElement) Clear(ctx context.Context) error {
	if _, err := e.el.Context(ctx).Eval(clearJS); err != nil {
		return fmt.Errorf("dom: clear %s: %w", e.strategy, err)
	}
	return nil
}

func (e *rodElement) SetBlocks(ctx context.Context, markup string) error {
	if _, err := e.el.Context(ctx).Eval(setBlocksJS, markup); err != nil {
		return fmt.Errorf("dom: set blocks %s: %w", e.strategy, err)
	}
	return nil
}

// TypeText inserts runes one by one; a newline becomes Shift+Enter so the
// editor starts a new block instead of submitting.
func (e *rodElement) TypeText(ctx context.Context, text string) error {
	if err := e.el.Context(ctx).Focus(); err != nil {
		return fmt.Errorf("dom: focus %s: %w", e.strategy, err)
	}
	page := e.page.Context(ctx)
	for _, ch := range text {
		var err error
		if ch == '\n' {
			err = page.KeyActions().Press(input.ShiftLeft).Type(input.Enter).Release(input.ShiftLeft).Do()
		} else {
			err = page.InsertText(string(ch))
		}
		if err != nil {
			return fmt.Errorf("dom: type %s: %w", e.strategy, err)
		}
		if e.keyDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.keyDelay):
			}
		}
	}
	return nil
}

func (e *rodElement) PressEnter(ctx context.Context) error {
	if err := e.el.Context(ctx).Type(input.Enter); err != nil {
		return fmt.Errorf("dom: enter %s: %w", e.strategy, err)
	}
	return nil
}
