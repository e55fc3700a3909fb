// CLAUDE:SUMMARY Defines chatbridge config structs, parses YAML with defaults and applies environment overrides.
// Package config handles chatbridge configuration from a YAML file and the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/chatbridge/driver/internal/dom"
)

// Config is the top-level chatbridge configuration.
type Config struct {
	Listen        ListenConfig  `yaml:"listen"`
	Browser       BrowserConfig `yaml:"browser"`
	Target        TargetConfig  `yaml:"target"`
	Chat          ChatConfig    `yaml:"chat"`
	Detect        DetectConfig  `yaml:"detect"`
	Media         MediaConfig   `yaml:"media"`
	Auth          AuthConfig    `yaml:"auth"`
	Selectors     dom.Selectors `yaml:"selectors"`
	SelectorsFile string        `yaml:"selectors_file"`
	// DB is the SQLite file holding the media index and the event log.
	DB       string `yaml:"db"`
	LogLevel string `yaml:"log_level"`
}

// ListenConfig controls the HTTP listener.
type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// AdvertiseHost is the host placed in media URLs. Default: Host.
	AdvertiseHost string `yaml:"advertise_host"`
}

// BrowserConfig controls Chrome.
type BrowserConfig struct {
	ProfileDir       string   `yaml:"profile_dir"`
	Proxy            string   `yaml:"proxy"`
	Remote           string   `yaml:"remote"`
	Mode             string   `yaml:"mode"` // headless | headful | xvfb
	XvfbDisplay      string   `yaml:"xvfb_display"`
	ResourceBlocking []string `yaml:"resource_blocking"`
	ViewportWidth    int      `yaml:"viewport_width"`
	ViewportHeight   int      `yaml:"viewport_height"`
	UserAgent        string   `yaml:"user_agent"`
	Locale           string   `yaml:"locale"`
}

// TargetConfig describes the chat application.
type TargetConfig struct {
	URL           string   `yaml:"url"`
	UnauthMarkers []string `yaml:"unauth_markers"`
}

// ChatConfig controls the exchange cycle.
type ChatConfig struct {
	RotateAfter       int           `yaml:"rotate_after"`
	Models            []string      `yaml:"models"`
	QueueSize         int           `yaml:"queue_size"`
	SettleAfterSend   time.Duration `yaml:"settle_after_send"`
	ExtractDelay      time.Duration `yaml:"extract_delay"`
	ExtractRetryDelay time.Duration `yaml:"extract_retry_delay"`
	StreamChunk       int           `yaml:"stream_chunk"`
}

// DetectConfig tunes completion detection.
type DetectConfig struct {
	Interval        time.Duration `yaml:"interval"`
	Ceiling         time.Duration `yaml:"ceiling"`
	Grace           time.Duration `yaml:"grace"`
	NoResponseAfter time.Duration `yaml:"no_response_after"`
	StableSamples   int           `yaml:"stable_samples"`
}

// MediaConfig controls the media store.
type MediaConfig struct {
	Dir string `yaml:"dir"`
}

// AuthConfig protects the HTTP surface.
type AuthConfig struct {
	// APIKeyHash is a bcrypt hash of the bearer key. Empty disables the check.
	APIKeyHash string `yaml:"api_key_hash"`
	// RateLimit is requests per minute per client IP. 0 disables limiting.
	RateLimit int `yaml:"rate_limit"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadFile reads a YAML configuration file. An empty path yields defaults.
func LoadFile(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen.Host == "" {
		c.Listen.Host = "127.0.0.1"
	}
	if c.Listen.Port <= 0 {
		c.Listen.Port = 8766
	}
	c.Browser.Mode = c.BrowserMode()
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Browser.ViewportWidth <= 0 {
		c.Browser.ViewportWidth = 1280
	}
	if c.Browser.ViewportHeight <= 0 {
		c.Browser.ViewportHeight = 800
	}
	if c.Browser.Locale == "" {
		c.Browser.Locale = "en-US"
	}
	if c.Target.URL == "" {
		c.Target.URL = "https://gemini.google.com/app"
	}
	if len(c.Target.UnauthMarkers) == 0 {
		c.Target.UnauthMarkers = []string{"sign in", "login", "accounts.google.com"}
	}
	if c.Chat.RotateAfter <= 0 {
		c.Chat.RotateAfter = 10
	}
	if len(c.Chat.Models) == 0 {
		c.Chat.Models = []string{"gemini-web", "gemini-web-thinking"}
	}
	if c.Chat.QueueSize <= 0 {
		c.Chat.QueueSize = 16
	}
	if c.Chat.SettleAfterSend <= 0 {
		c.Chat.SettleAfterSend = 3 * time.Second
	}
	if c.Chat.ExtractDelay <= 0 {
		c.Chat.ExtractDelay = time.Second
	}
	if c.Chat.ExtractRetryDelay <= 0 {
		c.Chat.ExtractRetryDelay = 3 * time.Second
	}
	if c.Chat.StreamChunk <= 0 {
		c.Chat.StreamChunk = 50
	}
	if c.Detect.Interval <= 0 {
		c.Detect.Interval = time.Second
	}
	if c.Detect.Ceiling <= 0 {
		c.Detect.Ceiling = 120 * time.Second
	}
	if c.Detect.Grace <= 0 {
		c.Detect.Grace = 5 * time.Second
	}
	if c.Detect.NoResponseAfter <= 0 {
		c.Detect.NoResponseAfter = 30 * time.Second
	}
	if c.Detect.StableSamples <= 0 {
		c.Detect.StableSamples = 3
	}
	if c.Media.Dir == "" {
		c.Media.Dir = "media"
	}
	if c.DB == "" {
		c.DB = "chatbridge.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.Selectors = dom.DefaultSelectors().Merge(c.Selectors)
}

// ApplyEnv overrides fields from environment variables read through
// lookup (os.Getenv in production).
func (c *Config) ApplyEnv(lookup func(string) string) error {
	str := func(key string, dst *string) {
		if v := lookup(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v := lookup(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("HOST", &c.Listen.Host)
	str("ADVERTISE_HOST", &c.Listen.AdvertiseHost)
	str("PROFILE_DIR", &c.Browser.ProfileDir)
	str("PROXY", &c.Browser.Proxy)
	str("BROWSER_REMOTE", &c.Browser.Remote)
	str("BROWSER_MODE", &c.Browser.Mode)
	str("TARGET_URL", &c.Target.URL)
	str("MEDIA_DIR", &c.Media.Dir)
	str("DB_PATH", &c.DB)
	str("SELECTORS_FILE", &c.SelectorsFile)
	str("API_KEY_HASH", &c.Auth.APIKeyHash)
	str("LOG_LEVEL", &c.LogLevel)
	if err := num("PORT", &c.Listen.Port); err != nil {
		return err
	}
	if err := num("ROTATE_AFTER", &c.Chat.RotateAfter); err != nil {
		return err
	}
	return num("RATE_LIMIT", &c.Auth.RateLimit)
}

// Validate checks values that have no usable default.
func (c *Config) Validate() error {
	switch c.BrowserMode() {
	case "headless", "headful", "xvfb":
	default:
		return fmt.Errorf("config: browser.mode %q: want headless, headful or xvfb", c.Browser.Mode)
	}
	if c.Browser.ProfileDir == "" && c.Browser.Remote == "" {
		return fmt.Errorf("config: browser.profile_dir is required")
	}
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port %d out of range", c.Listen.Port)
	}
	if c.Chat.RotateAfter <= 0 {
		return fmt.Errorf("config: chat.rotate_after must be positive")
	}
	return c.Selectors.Validate()
}

// BrowserMode returns browser.mode lowercased, "headless" when unset.
func (c *Config) BrowserMode() string {
	mode := strings.ToLower(strings.TrimSpace(c.Browser.Mode))
	if mode == "" {
		return "headless"
	}
	return mode
}

// Advertised returns the host used in media URLs.
func (c *Config) Advertised() string {
	if c.Listen.AdvertiseHost != "" {
		return c.Listen.AdvertiseHost
	}
	if c.Listen.Host == "0.0.0.0" || c.Listen.Host == "" || c.Listen.Host == "::" {
		return "127.0.0.1"
	}
	return c.Listen.Host
}
