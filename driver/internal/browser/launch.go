package browser

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

func (s *Session) launch() (*rod.Browser, error) {
	log := s.cfg.Logger

	if s.cfg.Headful && s.cfg.Xvfb && s.cfg.RemoteURL == "" {
		if err := s.startXvfb(); err != nil {
			return nil, fmt.Errorf("browser: xvfb: %w", err)
		}
	}

	var wsURL string
	if s.cfg.RemoteURL != "" {
		wsURL = s.cfg.RemoteURL
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New()
		if s.cfg.ProfileDir != "" {
			l = l.UserDataDir(s.cfg.ProfileDir)
		}
		if s.cfg.Proxy != "" {
			l = l.Proxy(s.cfg.Proxy)
		}
		switch {
		case s.cfg.Headful && s.cfg.Xvfb:
			l = l.Headless(false).Env(append(os.Environ(), "DISPLAY="+s.cfg.XvfbDisplay)...)
		case s.cfg.Headful:
			l = l.Headless(false)
		default:
			l = l.Headless(true)
		}

		// Anti-detection flags.
		l = l.NoSandbox(true).
			Set("disable-blink-features", "AutomationControlled").
			Set("lang", s.cfg.Locale).
			Delete("enable-automation")

		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		s.lnch = l
		log.Info("browser: launched local chrome", "profile", s.cfg.ProfileDir, "proxy", s.cfg.Proxy != "", "headful", s.cfg.Headful)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	return b, nil
}

func (s *Session) openPage(ctx context.Context, b *rod.Browser) (*rod.Page, error) {
	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: create page: %w", err)
	}

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             s.cfg.ViewportWidth,
		Height:            s.cfg.ViewportHeight,
		DeviceScaleFactor: 1,
	}); err != nil {
		s.cfg.Logger.Warn("browser: set viewport failed", "error", err)
	}
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      s.cfg.UserAgent,
		AcceptLanguage: s.cfg.Locale,
	}); err != nil {
		s.cfg.Logger.Warn("browser: set user agent failed", "error", err)
	}

	if len(s.cfg.ResourceBlocking) > 0 {
		applyResourceBlocking(page, s.cfg.ResourceBlocking)
	}

	navCtx, cancel := context.WithTimeout(ctx, s.cfg.NavigateTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(s.cfg.TargetURL); err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", s.cfg.TargetURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		s.cfg.Logger.Warn("browser: wait load timeout", "url", s.cfg.TargetURL, "error", err)
	}
	return page, nil
}

// applyResourceBlocking fails requests of the configured resource types.
// Images are never blocked: replies carry them.
func applyResourceBlocking(page *rod.Page, types []string) {
	blockSet := make(map[string]bool, len(types))
	for _, t := range types {
		blockSet[strings.ToLower(t)] = true
	}

	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if shouldBlock(blockSet, string(h.Request.Type())) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
}

func shouldBlock(blockSet map[string]bool, resType string) bool {
	switch strings.ToLower(resType) {
	case "image":
		return false
	case "font":
		return blockSet["fonts"]
	case "media":
		return blockSet["media"]
	case "stylesheet":
		return blockSet["stylesheets"]
	}
	return blockSet[strings.ToLower(resType)]
}

// startXvfb launches an Xvfb virtual display for headful mode.
func (s *Session) startXvfb() error {
	if s.xvfb != nil {
		return nil
	}
	display := s.cfg.XvfbDisplay
	cmd := exec.Command("Xvfb", display, "-screen", "0", "1920x1080x24", "-ac")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start xvfb: %w", err)
	}
	s.xvfb = cmd

	// Give Xvfb a moment to initialise.
	time.Sleep(500 * time.Millisecond)

	s.cfg.Logger.Info("browser: xvfb started", "display", display, "pid", cmd.Process.Pid)
	return nil
}

func (s *Session) stopXvfb() {
	if s.xvfb == nil {
		return
	}
	if s.xvfb.Process != nil {
		s.xvfb.Process.Kill()
		s.xvfb.Wait()
	}
	s.cfg.Logger.Info("browser: xvfb stopped")
	s.xvfb = nil
}
