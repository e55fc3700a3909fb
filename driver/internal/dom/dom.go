// CLAUDE:SUMMARY Capability interface over the chat page (input, send, stop, reply containers) and its element primitives.
// Package dom is the only place that knows how the chat page is built. The
// driver's state machines talk to an Adapter; selector drift is fixed here
// (or in the selectors file) without touching protocol logic.
package dom

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no strategy matches a visible element.
var ErrNotFound = errors.New("dom: not found")

// Element is a located page element and the primitives the injector needs.
type Element interface {
	// Strategy is the name of the selector strategy that matched.
	Strategy() string
	Click(ctx context.Context) error
	// Clear empties a rich-text surface.
	Clear(ctx context.Context) error
	// SetBlocks assigns block markup and dispatches input and change events.
	SetBlocks(ctx context.Context, markup string) error
	// TypeText writes text one character at a time.
	TypeText(ctx context.Context, text string) error
	// PressEnter sends the keyboard confirm action to the element.
	PressEnter(ctx context.Context) error
}

// Snapshot is the serialized latest reply container. Nodes hidden by
// computed style or aria-hidden carry the HiddenAttr attribute.
type Snapshot struct {
	Strategy string
	HTML     string
	Text     string
}

// Empty reports whether the snapshot holds no reply.
func (s Snapshot) Empty() bool { return s.HTML == "" && s.Text == "" }

// HiddenAttr marks nodes the page does not display.
const HiddenAttr = "data-chatbridge-hidden"

// Adapter is the capability set the driver relies on.
type Adapter interface {
	LocateInput(ctx context.Context) (Element, error)
	LocateSend(ctx context.Context) (Element, error)
	StopVisible(ctx context.Context) (bool, error)
	CountResponses(ctx context.Context) (int, error)
	// LatestTextLength is a cheap sample of the latest reply's visible text.
	LatestTextLength(ctx context.Context) (int, error)
	// LatestResponse returns an empty Snapshot when no reply exists.
	LatestResponse(ctx context.Context) (Snapshot, error)
}
