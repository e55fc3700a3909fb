package browser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/proto"
)

func TestUnauthenticated(t *testing.T) {
	markers := []string{"sign in", "login", "accounts.google.com"}
	cases := []struct {
		title, url string
		want       bool
	}{
		{"Gemini", "https://gemini.google.com/app", false},
		{"Sign in - Google Accounts", "https://gemini.google.com/app", true},
		{"Gemini", "https://accounts.google.com/v3/signin", true},
		{"LOGIN required", "https://example.com", true},
		{"", "", false},
	}
	for _, c := range cases {
		if got := Unauthenticated(c.title, c.url, markers); got != c.want {
			t.Errorf("Unauthenticated(%q, %q) = %v, want %v", c.title, c.url, got, c.want)
		}
	}
}

func TestDecodeDataURL(t *testing.T) {
	b, err := DecodeDataURL("data:image/png;base64,iVBORw0KGgo=")
	if err != nil {
		t.Fatal(err)
	}
	if b.MIME != "image/png" {
		t.Errorf("mime = %q", b.MIME)
	}
	if !bytes.Equal(b.Data, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}) {
		t.Errorf("data = %x", b.Data)
	}

	b, err = DecodeDataURL("data:,hello%20world")
	if err != nil {
		t.Fatal(err)
	}
	if b.MIME != "text/plain" || string(b.Data) != "hello world" {
		t.Errorf("blob = %q %q", b.MIME, b.Data)
	}
}

func TestDecodeDataURL_Errors(t *testing.T) {
	if _, err := DecodeDataURL("https://example.com/a.png"); !errors.Is(err, ErrNotDataURL) {
		t.Errorf("err = %v, want ErrNotDataURL", err)
	}
	for _, in := range []string{"data:image/png;base64", "data:image/png;base64,!!!", "data:image/png;base64,"} {
		if _, err := DecodeDataURL(in); err == nil {
			t.Errorf("DecodeDataURL(%q): expected error", in)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.defaults()
	if c.TargetURL != "https://gemini.google.com/app" {
		t.Errorf("target = %q", c.TargetURL)
	}
	if c.ViewportWidth != 1280 || c.ViewportHeight != 800 {
		t.Errorf("viewport = %dx%d", c.ViewportWidth, c.ViewportHeight)
	}
	if c.InputWait != 15*time.Second || c.NavigateTimeout != 30*time.Second {
		t.Errorf("timeouts = %v %v", c.InputWait, c.NavigateTimeout)
	}
	if len(c.UnauthMarkers) != 3 || c.Selectors == nil || c.Logger == nil {
		t.Errorf("config = %+v", c)
	}
}

func TestShouldBlock(t *testing.T) {
	set := map[string]bool{"fonts": true, "images": true, "xhr": true}
	cases := map[string]bool{
		"Font":       true,
		"Image":      false,
		"Stylesheet": false,
		"XHR":        true,
		"Document":   false,
	}
	for typ, want := range cases {
		if got := shouldBlock(set, typ); got != want {
			t.Errorf("shouldBlock(%q) = %v, want %v", typ, got, want)
		}
	}
}

func TestSessionStateWithoutBrowser(t *testing.T) {
	s := New(Config{})
	if s.State() != Uninitialized {
		t.Errorf("state = %v", s.State())
	}
	if s.Adapter() != nil {
		t.Error("adapter should be nil before start")
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if s.State() != Closed {
		t.Errorf("state = %v", s.State())
	}
	if _, err := s.Ensure(t.Context()); !errors.Is(err, ErrClosed) {
		t.Errorf("Ensure after close = %v", err)
	}
	if got := Degraded.String(); got != "degraded" {
		t.Errorf("String = %q", got)
	}
}

func TestCheckSignedIn(t *testing.T) {
	markers := []string{"sign in", "accounts.google.com"}

	if err := checkSignedIn(&proto.TargetTargetInfo{Title: "Gemini", URL: "https://gemini.google.com/app"}, markers); err != nil {
		t.Errorf("signed-in page: %v", err)
	}
	err := checkSignedIn(&proto.TargetTargetInfo{Title: "Gemini", URL: "https://accounts.google.com/v3/signin"}, markers)
	if !errors.Is(err, ErrAuthExpired) {
		t.Errorf("sign-in page err = %v, want ErrAuthExpired", err)
	}
	if err := checkSignedIn(nil, markers); err != nil {
		t.Errorf("nil info: %v", err)
	}
}

func TestKeepAfterFailedStart(t *testing.T) {
	cases := []struct {
		err  error
		keep bool
	}{
		{context.Canceled, false},
		{fmt.Errorf("browser: page info: %w", context.DeadlineExceeded), false},
		{errors.New("browser: launch: exec: chrome not found"), false},
		{fmt.Errorf("%w: landed on %q (%s)", ErrAuthExpired, "Sign in", "https://accounts.google.com"), true},
	}
	for _, c := range cases {
		if got := keepAfterFailedStart(c.err); got != c.keep {
			t.Errorf("keepAfterFailedStart(%v) = %v, want %v", c.err, got, c.keep)
		}
	}
}
