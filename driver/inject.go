package driver

import (
	"context"
	"errors"
	"html"
	"strings"
	"time"

	"github.com/hazyhaar/chatbridge/driver/internal/dom"
)

// BlockMarkup converts text to the editor's block form: one paragraph per
// line, blank lines as an empty paragraph holding a line break, content
// HTML-escaped.
func BlockMarkup(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var sb strings.Builder
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			sb.WriteString("<p><br></p>")
			continue
		}
		sb.WriteString("<p>")
		sb.WriteString(html.EscapeString(line))
		sb.WriteString("</p>")
	}
	return sb.String()
}

// inject writes text into the input surface and triggers the send. It
// returns the reply count observed before anything was typed.
func (d *Driver) inject(ctx context.Context, adapter dom.Adapter, text string) (int, error) {
	log := d.cfg.Logger

	input, err := adapter.LocateInput(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, newError(CategoryInternal, "interrupted", ctx.Err())
		}
		log.Warn("driver: input surface not found, reloading", "error", err)
		if rerr := d.session.Reload(ctx); rerr != nil {
			log.Warn("driver: reload failed", "error", rerr)
		}
		input, err = adapter.LocateInput(ctx)
		if err != nil {
			return 0, newError(CategoryInputNotFound, MessageInputNotFound, err)
		}
	}

	baseline, err := adapter.CountResponses(ctx)
	if err != nil {
		log.Warn("driver: baseline count failed", "error", err)
		baseline = 0
	}

	if err := input.Click(ctx); err != nil {
		log.Debug("driver: input click failed", "strategy", input.Strategy(), "error", err)
	}
	if err := input.Clear(ctx); err != nil {
		log.Debug("driver: input clear failed", "strategy", input.Strategy(), "error", err)
	}
	if err := input.SetBlocks(ctx, BlockMarkup(text)); err != nil {
		log.Warn("driver: block assignment failed, typing instead", "strategy", input.Strategy(), "error", err)
		if err := input.TypeText(ctx, text); err != nil {
			return 0, newError(CategoryInputNotFound, "could not write into the chat input", err)
		}
	}

	if err := d.cfg.Clock.Sleep(ctx, 800*time.Millisecond); err != nil {
		return 0, newError(CategoryInternal, "interrupted", err)
	}

	send, err := adapter.LocateSend(ctx)
	if err == nil {
		if err = send.Click(ctx); err == nil {
			return baseline, nil
		}
	}
	if !errors.Is(err, dom.ErrNotFound) {
		log.Debug("driver: send control failed, pressing enter", "error", err)
	}
	if err := input.PressEnter(ctx); err != nil {
		return 0, newError(CategoryInputNotFound, "could not submit the message", err)
	}
	return baseline, nil
}
