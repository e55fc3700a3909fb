package driver

import (
	"context"
	"fmt"
	"strings"

	"github.com/hazyhaar/chatbridge/driver/internal/browser"
	"github.com/hazyhaar/chatbridge/driver/internal/dom"
	"github.com/hazyhaar/chatbridge/driver/internal/render"
	"github.com/hazyhaar/chatbridge/media"
	"github.com/hazyhaar/chatbridge/observability"
)

// extract renders the latest reply, retrying once after a pause when the
// first read is empty, then resolves its images.
func (d *Driver) extract(ctx context.Context, adapter dom.Adapter) (Reply, error) {
	if err := d.cfg.Clock.Sleep(ctx, d.cfg.ExtractDelay); err != nil {
		return Reply{}, newError(CategoryInternal, "interrupted", err)
	}
	rendered, err := d.readReply(ctx, adapter)
	if err == nil && rendered.Empty() {
		d.cfg.Logger.Info("driver: reply empty, retrying extraction", "delay", d.cfg.ExtractRetryDelay)
		if err := d.cfg.Clock.Sleep(ctx, d.cfg.ExtractRetryDelay); err != nil {
			return Reply{}, newError(CategoryInternal, "interrupted", err)
		}
		rendered, err = d.readReply(ctx, adapter)
	}
	if err != nil {
		return Reply{}, newError(CategoryExtractionEmpty, "could not read the reply; the page layout may have changed", err)
	}
	if rendered.Empty() {
		return Reply{}, newError(CategoryExtractionEmpty,
			"reply extraction returned nothing; the session may have expired or the page layout changed", nil)
	}

	var reply Reply
	var refs []string
	for _, img := range rendered.Images {
		ref, asset := d.resolveImage(ctx, img)
		refs = append(refs, ref)
		if asset != nil {
			reply.Media = append(reply.Media, *asset)
		}
	}
	reply.Text = compose(rendered.Text(), refs)
	return reply, nil
}

func (d *Driver) readReply(ctx context.Context, adapter dom.Adapter) (render.Reply, error) {
	snap, err := adapter.LatestResponse(ctx)
	if err != nil {
		return render.Reply{}, err
	}
	if snap.Empty() {
		return render.Reply{}, nil
	}
	r, err := d.renderer.Render(snap.HTML)
	if err != nil {
		return render.Reply{}, err
	}
	if r.Empty() && strings.TrimSpace(snap.Text) != "" {
		r.Blocks = []string{strings.TrimSpace(snap.Text)}
	}
	return r, nil
}

// resolveImage returns the markdown line for img and, when the image was
// stored locally, its asset.
func (d *Driver) resolveImage(ctx context.Context, img render.Image) (string, *media.Asset) {
	src := img.Src
	switch {
	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
		return imageRef(img.Alt, src), nil
	case strings.HasPrefix(src, "blob:"), strings.HasPrefix(src, "data:"):
	default:
		return placeholder(img.Alt), nil
	}

	var blob browser.Blob
	var err error
	if strings.HasPrefix(src, "blob:") {
		blob, err = d.session.FetchBlob(ctx, src)
	} else {
		blob, err = browser.DecodeDataURL(src)
	}
	if err == nil && d.cfg.Media == nil {
		err = fmt.Errorf("no media store configured")
	}
	var asset media.Asset
	if err == nil {
		asset, err = d.cfg.Media.Persist(ctx, blob.MIME, blob.Data)
	}
	if err != nil {
		d.cfg.Logger.Warn("driver: image unavailable", "alt", img.Alt, "error", err)
		d.cfg.Events.LogEvent(ctx, observability.Event{
			Type: observability.EventMedia, Action: "resolve", Exchange: d.conv.Count(), Details: fmt.Sprintf("%q", err.Error()),
		})
		return placeholder(img.Alt), nil
	}
	return imageRef(img.Alt, asset.URL), &asset
}

func imageRef(alt, url string) string {
	return fmt.Sprintf("![%s](%s)", alt, url)
}

func placeholder(alt string) string {
	if alt == "" {
		alt = "image"
	}
	return fmt.Sprintf("[image unavailable: %s]", alt)
}

// compose appends one image line per reference after the text blocks.
func compose(text string, refs []string) string {
	if len(refs) == 0 {
		return text
	}
	lines := strings.Join(refs, "\n")
	if text == "" {
		return lines
	}
	return text + "\n\n" + lines
}
