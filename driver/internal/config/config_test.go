package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/chatbridge/driver/internal/dom"
)

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestLoadFile_Defaults(t *testing.T) {
	cfg, err := LoadFile("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen.Host != "127.0.0.1" || cfg.Listen.Port != 8766 {
		t.Errorf("listen = %+v", cfg.Listen)
	}
	if cfg.Chat.RotateAfter != 10 || cfg.Chat.StreamChunk != 50 {
		t.Errorf("chat = %+v", cfg.Chat)
	}
	if cfg.Detect.Interval != time.Second || cfg.Detect.Ceiling != 120*time.Second ||
		cfg.Detect.Grace != 5*time.Second || cfg.Detect.NoResponseAfter != 30*time.Second ||
		cfg.Detect.StableSamples != 3 {
		t.Errorf("detect = %+v", cfg.Detect)
	}
	if len(cfg.Chat.Models) != 2 || cfg.Chat.Models[0] != "gemini-web" {
		t.Errorf("models = %v", cfg.Chat.Models)
	}
	if len(cfg.Selectors.Input) == 0 {
		t.Error("default selectors missing")
	}
}

func TestLoadFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatbridge.yaml")
	writeFile(t, path, `
listen:
  port: 9000
browser:
  profile_dir: /tmp/profile
  mode: xvfb
chat:
  rotate_after: 4
detect:
  ceiling: 90s
selectors:
  stop:
    - name: custom-stop
      css: button.stop
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen.Port != 9000 || cfg.Chat.RotateAfter != 4 || cfg.Detect.Ceiling != 90*time.Second {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.Selectors.Stop) != 1 || cfg.Selectors.Stop[0].Name != "custom-stop" {
		t.Errorf("stop = %+v", cfg.Selectors.Stop)
	}
	if len(cfg.Selectors.Send) != len(dom.DefaultSelectors().Send) {
		t.Error("send defaults should survive")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"PORT":         "8123",
		"PROFILE_DIR":  "/data/profile",
		"PROXY":        "socks5://127.0.0.1:1080",
		"ROTATE_AFTER": "7",
		"LOG_LEVEL":    "debug",
	}
	if err := cfg.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatal(err)
	}
	if cfg.Listen.Port != 8123 || cfg.Browser.ProfileDir != "/data/profile" ||
		cfg.Browser.Proxy != "socks5://127.0.0.1:1080" || cfg.Chat.RotateAfter != 7 || cfg.LogLevel != "debug" {
		t.Errorf("cfg = %+v", cfg)
	}

	bad := map[string]string{"PORT": "eighty"}
	if err := cfg.ApplyEnv(func(k string) string { return bad[k] }); err == nil {
		t.Error("expected error for non-numeric PORT")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Error("missing profile dir should fail")
	}
	cfg.Browser.Remote = "ws://127.0.0.1:9222/devtools/browser/x"
	if err := cfg.Validate(); err != nil {
		t.Errorf("remote browser needs no profile: %v", err)
	}
	cfg.Browser.Mode = "kiosk"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown mode should fail")
	}
}

func TestAdvertised(t *testing.T) {
	cfg := Default()
	cfg.Listen.Host = "0.0.0.0"
	if got := cfg.Advertised(); got != "127.0.0.1" {
		t.Errorf("Advertised = %q", got)
	}
	cfg.Listen.AdvertiseHost = "bridge.lan"
	if got := cfg.Advertised(); got != "bridge.lan" {
		t.Errorf("Advertised = %q", got)
	}
}

func TestSelectorStore_ReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "selectors.yaml")
	writeFile(t, path, "send:\n  - name: first\n    css: button.a\n")

	s, err := NewSelectorStore(dom.DefaultSelectors(), path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Current().Send[0].Name; got != "first" {
		t.Fatalf("send = %q", got)
	}

	writeFile(t, path, "send:\n  - name: broken\n")
	if err := s.Reload(); err == nil {
		t.Fatal("expected validation error")
	}
	if got := s.Func()().Send[0].Name; got != "first" {
		t.Errorf("send after bad reload = %q", got)
	}
}

func TestSelectorStore_WatchPicksUpChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "selectors.yaml")
	writeFile(t, path, "send:\n  - name: first\n    css: button.a\n")

	s, err := NewSelectorStore(dom.DefaultSelectors(), path, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()

	// Let the watcher register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "send:\n  - name: second\n    css: button.b\n")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.Current().Send[0].Name == "second" {
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("Watch: %v", err)
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("selectors were not reloaded")
}

func TestBrowserModeIsNormalized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatbridge.yaml")
	writeFile(t, path, "browser:\n  profile_dir: /tmp/profile\n  mode: \" Headful \"\n")
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Browser.Mode != "headful" {
		t.Errorf("mode = %q, want headful", cfg.Browser.Mode)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	cfg.Browser.Mode = "XVFB"
	if got := cfg.BrowserMode(); got != "xvfb" {
		t.Errorf("BrowserMode = %q, want xvfb", got)
	}
	cfg.Browser.Mode = ""
	if got := cfg.BrowserMode(); got != "headless" {
		t.Errorf("BrowserMode = %q, want headless", got)
	}
}
