package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Blob is a resolved image payload.
type Blob struct {
	MIME string
	Data []byte
}

// ErrNotDataURL is returned by DecodeDataURL for other inputs.
var ErrNotDataURL = errors.New("browser: not a data url")

const readBlobJS = `async (src) => {
	const resp = await fetch(src);
	if (!resp.ok) throw new Error('fetch ' + resp.status);
	const blob = await resp.blob();
	return await new Promise((resolve, reject) => {
		const r = new FileReader();
		r.onloadend = () => resolve(r.result);
		r.onerror = () => reject(r.error);
		r.readAsDataURL(blob);
	});
}`

// FetchBlob resolves an in-page blob: reference by reading it as a data
// URL inside the page, where the reference is valid.
func (s *Session) FetchBlob(ctx context.Context, src string) (Blob, error) {
	s.mu.RLock()
	page := s.page
	s.mu.RUnlock()
	if page == nil {
		return Blob{}, fmt.Errorf("browser: fetch blob: no page")
	}
	res, err := page.Context(ctx).Eval(readBlobJS, src)
	if err != nil {
		return Blob{}, fmt.Errorf("browser: fetch blob: %w", err)
	}
	return DecodeDataURL(res.Value.Str())
}

// DecodeDataURL decodes a data: URL. The media type defaults to
// text/plain;charset=US-ASCII as in RFC 2397.
func DecodeDataURL(s string) (Blob, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return Blob{}, ErrNotDataURL
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return Blob{}, fmt.Errorf("browser: data url: missing payload")
	}

	isBase64 := false
	if m, found := strings.CutSuffix(meta, ";base64"); found {
		meta, isBase64 = m, true
	}
	mime := meta
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	if mime == "" {
		mime = "text/plain"
	}

	var data []byte
	if isBase64 {
		var err error
		data, err = base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return Blob{}, fmt.Errorf("browser: data url: %w", err)
		}
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return Blob{}, fmt.Errorf("browser: data url: %w", err)
		}
		data = []byte(unescaped)
	}
	if len(data) == 0 {
		return Blob{}, fmt.Errorf("browser: data url: empty payload")
	}
	return Blob{MIME: strings.ToLower(mime), Data: data}, nil
}
