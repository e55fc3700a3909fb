// CLAUDE:SUMMARY Entry point for the chat bridge: config, browser session, driver worker, OpenAI API, MCP, metrics; sign-in and selector-check modes.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/chatbridge/dbopen"
	"github.com/hazyhaar/chatbridge/driver"
	"github.com/hazyhaar/chatbridge/horosafe"
	"github.com/hazyhaar/chatbridge/media"
	"github.com/hazyhaar/chatbridge/observability"
	"github.com/hazyhaar/chatbridge/openai"
	"github.com/hazyhaar/chatbridge/shield"
)

var version = "dev"

type flags struct {
	config         string
	host           string
	port           int
	profileDir     string
	proxy          string
	logLevel       string
	checkSelectors string
	login          bool
	hashKey        string
}

func main() {
	var f flags
	flag.StringVar(&f.config, "config", "", "YAML configuration file")
	flag.StringVar(&f.host, "host", "", "listen address (default 127.0.0.1)")
	flag.IntVar(&f.port, "port", 0, "listen port (default 8766)")
	flag.StringVar(&f.profileDir, "profile-dir", "", "Chrome profile directory holding the signed-in session")
	flag.StringVar(&f.proxy, "proxy", "", "upstream proxy for Chrome (http, https, socks4, socks5)")
	flag.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	flag.StringVar(&f.checkSelectors, "check-selectors", "", "diagnose selectors against a saved chat page and exit")
	flag.BoolVar(&f.login, "login", false, "open a visible browser on the profile to sign in, then exit on Ctrl+C")
	flag.StringVar(&f.hashKey, "hash-key", "", "print the bcrypt hash for an API key and exit")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}

	cfg, err := loadConfig(f, os.Getenv)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	switch {
	case f.hashKey != "":
		hash, err := shield.HashAPIKey(f.hashKey)
		if err != nil {
			slog.Error("hash key", "error", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	case f.checkSelectors != "":
		os.Exit(checkSelectors(cfg, f.checkSelectors, logger))
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if f.login {
		os.Exit(login(ctx, cfg, logger))
	}
	if err := serve(ctx, cfg, logger); err != nil {
		slog.Error("chatbridge stopped", "error", err)
		os.Exit(1)
	}
}

// loadConfig layers the YAML file, the environment and the flags, in that
// order of increasing precedence.
func loadConfig(f flags, getenv func(string) string) (*driver.FileConfig, error) {
	cfg, err := driver.LoadConfigFile(f.config)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}
	if f.host != "" {
		cfg.Listen.Host = f.host
	}
	if f.port != 0 {
		cfg.Listen.Port = f.port
	}
	if f.profileDir != "" {
		cfg.Browser.ProfileDir = f.profileDir
	}
	if f.proxy != "" {
		cfg.Browser.Proxy = f.proxy
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if cfg.Browser.Proxy != "" {
		p, err := horosafe.NormalizeProxy(cfg.Browser.Proxy)
		if err != nil {
			return nil, fmt.Errorf("proxy: %w", err)
		}
		cfg.Browser.Proxy = p
	}
	return cfg, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// checkSelectors prints which strategies match a saved page. It exits
// non-zero when the input surface or the reply container is not found.
func checkSelectors(cfg *driver.FileConfig, path string, logger *slog.Logger) int {
	store, err := driver.NewSelectorStore(cfg.Selectors, cfg.SelectorsFile, logger)
	if err != nil {
		slog.Error("selectors", "error", err)
		return 1
	}
	html, err := os.ReadFile(path)
	if err != nil {
		slog.Error("read page", "error", err)
		return 1
	}
	findings, err := driver.CheckSelectors(string(html), store.Current())
	if err != nil {
		slog.Error("diagnose", "error", err)
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(findings)

	found := map[string]bool{}
	for _, fd := range findings {
		if fd.Matches > 0 {
			found[fd.Capability] = true
		}
	}
	if !found["input"] || !found["response"] {
		slog.Warn("selectors: required capability not found", "input", found["input"], "response", found["response"])
		return 2
	}
	return 0
}

// login opens the profile in a visible browser and waits for a signal.
func login(ctx context.Context, cfg *driver.FileConfig, logger *slog.Logger) int {
	if cfg.Browser.Mode == "headless" {
		cfg.Browser.Mode = "headful"
	}
	store, err := driver.NewSelectorStore(cfg.Selectors, cfg.SelectorsFile, logger)
	if err != nil {
		slog.Error("selectors", "error", err)
		return 1
	}
	session := driver.NewBrowserSession(cfg, store, logger)
	defer session.Close()

	if err := session.OpenForLogin(ctx); err != nil {
		slog.Error("open browser", "error", err)
		return 1
	}
	slog.Info("sign in to the chat app in the browser window, then press Ctrl+C", "profile", cfg.Browser.ProfileDir)
	<-ctx.Done()
	slog.Info("closing browser, profile saved")
	return 0
}

func serve(ctx context.Context, cfg *driver.FileConfig, logger *slog.Logger) error {
	db, err := dbopen.Open(cfg.DB, dbopen.WithMkdirAll(),
		dbopen.WithSchema(media.Schema),
		dbopen.WithSchema(observability.Schema),
		dbopen.WithSchema(shield.Schema))
	if err != nil {
		return err
	}
	defer db.Close()

	selectors, err := driver.NewSelectorStore(cfg.Selectors, cfg.SelectorsFile, logger)
	if err != nil {
		return err
	}

	session := driver.NewBrowserSession(cfg, selectors, logger)
	defer session.Close()
	if err := session.Start(ctx); err != nil {
		if errors.Is(err, driver.ErrAuthExpired) {
			slog.Error("the browser profile is signed out; run with -login to sign in", "profile", cfg.Browser.ProfileDir)
		}
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.MustNewMetrics(reg)
	events := observability.NewEventLogger(db, observability.WithEventLogger(logger))

	baseURL := "http://" + net.JoinHostPort(cfg.Advertised(), strconv.Itoa(cfg.Listen.Port))
	store, err := media.New(db, media.Config{Dir: cfg.Media.Dir, BaseURL: baseURL, Logger: logger})
	if err != nil {
		return err
	}

	dcfg := driver.ConfigFromFile(cfg, logger)
	dcfg.Media = store
	dcfg.Events = events
	dcfg.Metrics = metrics
	d := driver.New(session, dcfg)

	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "chatbridge", Version: version}, nil)
	d.RegisterMCP(mcpSrv)

	api := openai.New(d, openai.Config{
		Models:      cfg.Chat.Models,
		Version:     version,
		Proxy:       cfg.Browser.Proxy,
		StreamChunk: cfg.Chat.StreamChunk,
		Logger:      logger,
	})

	rl := shield.NewRateLimiter(db, "/health", "/metrics", "/media/")
	if cfg.Auth.RateLimit > 0 {
		if err := rl.SetRule(ctx, "POST /v1/chat/completions", shield.RateLimitConfig{
			MaxRequests: cfg.Auth.RateLimit, WindowSeconds: 60, Enabled: true,
		}); err != nil {
			return err
		}
	}
	mm := shield.NewMaintenanceMode(db, "/health", "/metrics")

	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)
	for _, mw := range shield.APIStack(rl, mm, cfg.Auth.APIKeyHash, logger) {
		r.Use(mw)
	}
	api.RegisterHTTP(r)
	r.Get("/media/{filename}", store.Handler())
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil))

	addr := net.JoinHostPort(cfg.Listen.Host, strconv.Itoa(cfg.Listen.Port))
	// No write timeout: an exchange can take the full detection ceiling.
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	heartbeat := observability.NewHeartbeatWriter(db, "chatbridge", 30*time.Second, func() string {
		return session.State().String()
	})

	g, gctx := errgroup.WithContext(ctx)
	rl.StartReloader(gctx)
	mm.StartReloader(gctx)
	g.Go(func() error { return d.Run(gctx) })
	g.Go(func() error { return selectors.Watch(gctx) })
	g.Go(func() error { return heartbeat.Run(gctx) })
	g.Go(func() error { return retention(gctx, db) })
	g.Go(func() error {
		slog.Info("chatbridge listening",
			"addr", addr, "api", baseURL+"/v1", "models", cfg.Chat.Models, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		slog.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// retention prunes old events and heartbeats every six hours.
func retention(ctx context.Context, db *sql.DB) error {
	tick := time.NewTicker(6 * time.Hour)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if err := observability.Cleanup(ctx, db, observability.RetentionConfig{EventDays: 30, HeartbeatDays: 7}); err != nil {
				slog.Warn("retention cleanup failed", "error", err)
			}
		}
	}
}
