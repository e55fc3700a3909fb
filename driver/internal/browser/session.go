// CLAUDE:SUMMARY Owns the single browser session: launch with a persistent profile, auth check, liveness ping, rebuild on failure.
// Package browser owns the one Chrome instance the bridge drives. The
// Session is created by the composition root and handed to the driver; all
// methods except State are meant to be called from the driver's worker.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/chatbridge/driver/internal/dom"
)

// State is the session lifecycle state.
type State int

const (
	Uninitialized State = iota
	Ready
	Degraded // page is up but the input surface was not found
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrAuthExpired means the target redirected to a sign-in page. The
	// profile must be re-authenticated by hand.
	ErrAuthExpired = errors.New("browser: authentication expired")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("browser: session is closed")
)

// Config configures the session.
type Config struct {
	// TargetURL is the chat application home. Default: https://gemini.google.com/app.
	TargetURL string
	// ProfileDir is the persistent Chrome user data directory.
	ProfileDir string
	// Proxy is an upstream proxy (scheme://host:port), empty for none.
	Proxy string
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string
	// Headful runs a windowed Chrome; with Xvfb it draws on a virtual display.
	Headful     bool
	Xvfb        bool
	XvfbDisplay string
	// ResourceBlocking lists resource types to block (fonts, media, stylesheets).
	ResourceBlocking []string

	ViewportWidth  int
	ViewportHeight int
	UserAgent      string
	Locale         string

	NavigateTimeout time.Duration
	// Settle is the pause after navigation before the page is inspected.
	Settle time.Duration
	// InputWait bounds the post-start wait for the input surface.
	InputWait time.Duration
	// UnauthMarkers are matched case-insensitively against title and URL.
	UnauthMarkers []string

	Selectors dom.SelectorFunc
	Logger    *slog.Logger
}

// DefaultUserAgent is a current desktop Chrome.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

func (c *Config) defaults() {
	if c.TargetURL == "" {
		c.TargetURL = "https://gemini.google.com/app"
	}
	if c.XvfbDisplay == "" {
		c.XvfbDisplay = ":99"
	}
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = 1280
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = 800
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Locale == "" {
		c.Locale = "en-US"
	}
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
	if c.Settle <= 0 {
		c.Settle = 3 * time.Second
	}
	if c.InputWait <= 0 {
		c.InputWait = 15 * time.Second
	}
	if len(c.UnauthMarkers) == 0 {
		c.UnauthMarkers = []string{"sign in", "login", "accounts.google.com"}
	}
	if c.Selectors == nil {
		c.Selectors = dom.Fixed(dom.DefaultSelectors())
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Session is the live browser session.
type Session struct {
	cfg Config

	mu      sync.RWMutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	xvfb    *exec.Cmd
	page    *rod.Page
	adapter *dom.Rod
	state   State
	startAt time.Time
}

// New creates a Session. Call Start to launch Chrome.
func New(cfg Config) *Session {
	cfg.defaults()
	return &Session{cfg: cfg}
}

// State is safe to call from any goroutine and never touches the browser.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// StartedAt returns the time of the last successful launch.
func (s *Session) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startAt
}

// Adapter returns the DOM adapter of the current page, nil before Start.
func (s *Session) Adapter() dom.Adapter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.adapter == nil {
		return nil
	}
	return s.adapter
}

// Start launches Chrome with the persistent profile, opens the target and
// checks authentication. A missing input surface leaves the session
// Degraded and is not an error.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx)
}

func (s *Session) startLocked(ctx context.Context) (err error) {
	log := s.cfg.Logger
	if s.state == Closed {
		return ErrClosed
	}
	defer func() {
		if err != nil && !keepAfterFailedStart(err) {
			s.cleanup()
			s.state = Uninitialized
		}
	}()

	b, err := s.launch()
	if err != nil {
		return err
	}
	s.browser = b

	page, err := s.openPage(ctx, b)
	if err != nil {
		return err
	}
	s.page = page
	s.adapter = dom.NewRod(page, s.cfg.Selectors, log)
	s.startAt = time.Now()

	if err := sleepCtx(ctx, s.cfg.Settle); err != nil {
		return err
	}

	info, err := page.Context(ctx).Info()
	if err != nil {
		return fmt.Errorf("browser: page info: %w", err)
	}
	if err := checkSignedIn(info, s.cfg.UnauthMarkers); err != nil {
		s.state = Degraded
		log.Error("browser: sign-in page detected", "title", info.Title, "url", info.URL)
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.InputWait)
	defer cancel()
	if _, err := s.adapter.LocateInput(waitCtx); err != nil {
		s.state = Degraded
		log.Warn("browser: input surface not found after start", "url", info.URL, "error", err)
		return nil
	}
	s.state = Ready
	log.Info("browser: session ready", "title", info.Title, "url", info.URL)
	return nil
}

// OpenForLogin launches Chrome on the target without the authentication
// check so the operator can sign in by hand. The profile is persisted when
// the session is closed.
func (s *Session) OpenForLogin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return ErrClosed
	}
	b, err := s.launch()
	if err != nil {
		s.cleanup()
		return err
	}
	s.browser = b
	page, err := s.openPage(ctx, b)
	if err != nil {
		s.cleanup()
		return err
	}
	s.page = page
	s.adapter = dom.NewRod(page, s.cfg.Selectors, s.cfg.Logger)
	s.startAt = time.Now()
	s.state = Degraded
	s.cfg.Logger.Info("browser: opened for sign-in", "url", s.cfg.TargetURL, "profile", s.cfg.ProfileDir)
	return nil
}

// Ensure pings the page with a title query and rebuilds the session with
// the same profile and proxy when the ping fails. rebuilt reports whether a
// live session was torn down.
func (s *Session) Ensure(ctx context.Context) (rebuilt bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Closed:
		return false, ErrClosed
	case Uninitialized:
		return false, s.startLocked(ctx)
	}

	if s.page != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		info, err := s.page.Context(pingCtx).Info()
		cancel()
		if err == nil {
			// A live page that sits on a sign-in screen stays signed out
			// until an operator logs in again.
			if authErr := checkSignedIn(info, s.cfg.UnauthMarkers); authErr != nil {
				s.state = Degraded
				return false, authErr
			}
			return false, nil
		}
		s.cfg.Logger.Warn("browser: ping failed, reinitializing", "error", err)
	}

	s.cleanup()
	s.state = Uninitialized
	return true, s.startLocked(ctx)
}

// OpenHome navigates to the target URL, starting a fresh conversation.
func (s *Session) OpenHome(ctx context.Context) error {
	return s.Navigate(ctx, s.cfg.TargetURL)
}

// Navigate loads url in the session page and waits for load.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.mu.RLock()
	page := s.page
	s.mu.RUnlock()
	if page == nil {
		return fmt.Errorf("browser: navigate: no page")
	}

	navCtx, cancel := context.WithTimeout(ctx, s.cfg.NavigateTimeout)
	defer cancel()
	if err := page.Context(navCtx).Navigate(url); err != nil {
		return fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		s.cfg.Logger.Warn("browser: wait load timeout", "url", url, "error", err)
	}
	return sleepCtx(ctx, s.cfg.Settle)
}

// Reload reloads the current page.
func (s *Session) Reload(ctx context.Context) error {
	s.mu.RLock()
	page := s.page
	s.mu.RUnlock()
	if page == nil {
		return fmt.Errorf("browser: reload: no page")
	}

	navCtx, cancel := context.WithTimeout(ctx, s.cfg.NavigateTimeout)
	defer cancel()
	if err := page.Context(navCtx).Reload(); err != nil {
		return fmt.Errorf("browser: reload: %w", err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		s.cfg.Logger.Warn("browser: wait load timeout after reload", "error", err)
	}
	return sleepCtx(ctx, s.cfg.Settle)
}

// Close shuts down Chrome and Xvfb.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Closed
	s.cleanup()
	return nil
}

func (s *Session) cleanup() {
	if s.page != nil {
		s.page.Close()
		s.page = nil
	}
	s.adapter = nil
	if s.browser != nil {
		s.browser.Close()
		s.browser = nil
	}
	if s.lnch != nil {
		s.lnch.Cleanup()
		s.lnch = nil
	}
	s.stopXvfb()
}

// checkSignedIn returns ErrAuthExpired when the page info carries a sign-in
// marker.
func checkSignedIn(info *proto.TargetTargetInfo, markers []string) error {
	if info == nil || !Unauthenticated(info.Title, info.URL, markers) {
		return nil
	}
	return fmt.Errorf("%w: landed on %q (%s)", ErrAuthExpired, info.Title, info.URL)
}

// keepAfterFailedStart reports whether a failed start leaves the browser up.
// A signed-out page is kept so liveness pings keep reporting it; any other
// failure tears Chrome down so the profile lock is released before a retry.
func keepAfterFailedStart(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}

// Unauthenticated reports whether title or url carries a sign-in marker.
func Unauthenticated(title, url string, markers []string) bool {
	title, url = strings.ToLower(title), strings.ToLower(url)
	for _, m := range markers {
		m = strings.ToLower(m)
		if m == "" {
			continue
		}
		if strings.Contains(title, m) || strings.Contains(url, m) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
