package driver

import (
	"log/slog"

	"github.com/hazyhaar/chatbridge/driver/internal/browser"
	"github.com/hazyhaar/chatbridge/driver/internal/config"
	"github.com/hazyhaar/chatbridge/driver/internal/detect"
	"github.com/hazyhaar/chatbridge/driver/internal/dom"
)

// FileConfig is the top-level chatbridge configuration. Re-exported from internal.
type FileConfig = config.Config

// SelectorStore holds hot-reloadable selectors.
type SelectorStore = config.SelectorStore

// Selectors are the tagged selector strategies per capability.
type Selectors = dom.Selectors

// Finding is one selector diagnosis result.
type Finding = dom.Finding

// BrowserSession is the live browser session.
type BrowserSession = browser.Session

// ErrAuthExpired means the browser profile is signed out.
var ErrAuthExpired = browser.ErrAuthExpired

// LoadConfigFile reads a YAML configuration file; an empty path yields defaults.
func LoadConfigFile(path string) (*FileConfig, error) {
	return config.LoadFile(path)
}

// NewSelectorStore loads the selectors file, if any, over base.
func NewSelectorStore(base Selectors, path string, logger *slog.Logger) (*SelectorStore, error) {
	return config.NewSelectorStore(base, path, logger)
}

// NewBrowserSession builds the browser session described by cfg.
func NewBrowserSession(cfg *FileConfig, selectors *SelectorStore, logger *slog.Logger) *BrowserSession {
	mode := cfg.BrowserMode()
	return browser.New(browser.Config{
		TargetURL:        cfg.Target.URL,
		ProfileDir:       cfg.Browser.ProfileDir,
		Proxy:            cfg.Browser.Proxy,
		RemoteURL:        cfg.Browser.Remote,
		Headful:          mode == "headful" || mode == "xvfb",
		Xvfb:             mode == "xvfb",
		XvfbDisplay:      cfg.Browser.XvfbDisplay,
		ResourceBlocking: cfg.Browser.ResourceBlocking,
		ViewportWidth:    cfg.Browser.ViewportWidth,
		ViewportHeight:   cfg.Browser.ViewportHeight,
		UserAgent:        cfg.Browser.UserAgent,
		Locale:           cfg.Browser.Locale,
		UnauthMarkers:    cfg.Target.UnauthMarkers,
		Selectors:        selectors.Func(),
		Logger:           logger,
	})
}

// ConfigFromFile maps the file configuration onto a driver Config. Media,
// Events and Metrics are wired by the caller.
func ConfigFromFile(cfg *FileConfig, logger *slog.Logger) Config {
	return Config{
		RotateAfter:       cfg.Chat.RotateAfter,
		QueueSize:         cfg.Chat.QueueSize,
		SettleAfterSend:   cfg.Chat.SettleAfterSend,
		ExtractDelay:      cfg.Chat.ExtractDelay,
		ExtractRetryDelay: cfg.Chat.ExtractRetryDelay,
		Detect: detect.Config{
			Interval:        cfg.Detect.Interval,
			Ceiling:         cfg.Detect.Ceiling,
			Grace:           cfg.Detect.Grace,
			NoResponseAfter: cfg.Detect.NoResponseAfter,
			StableSamples:   cfg.Detect.StableSamples,
		},
		Logger: logger,
	}
}

// CheckSelectors diagnoses selectors against a saved copy of the chat page.
func CheckSelectors(html string, selectors Selectors) ([]Finding, error) {
	s, err := dom.NewStatic(html, dom.Fixed(selectors))
	if err != nil {
		return nil, err
	}
	return s.Diagnose(), nil
}
