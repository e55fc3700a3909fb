// CLAUDE:SUMMARY OpenAI-compatible HTTP surface over the driver: models, chat completions (JSON + SSE), new chat, health, index.
// Package openai serves the OpenAI chat completions wire format on top of a
// driver. Only the last user message of a request reaches the chat app; the
// app keeps its own conversation state.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/chatbridge/driver"
	"github.com/hazyhaar/chatbridge/idgen"
	"github.com/hazyhaar/chatbridge/kit"
	"github.com/hazyhaar/chatbridge/shield"
)

// Chatter is the driver surface the handlers need. *driver.Driver
// implements it.
type Chatter interface {
	Send(ctx context.Context, text string) (driver.Reply, error)
	NewChat(ctx context.Context) error
	Health() driver.Health
}

// Config configures a Server.
type Config struct {
	// Models lists the advertised model ids. Default: gemini-web, gemini-web-thinking.
	Models []string
	// Service names the bridge in /health and /. Default: chatbridge.
	Service string
	Version string
	// Proxy is reported in /health with credentials redacted.
	Proxy string
	// StreamChunk is the content delta size in runes. Default: 50.
	StreamChunk int
	// CountTokens computes usage. Default: CountTokens.
	CountTokens func(string) int
	Now         func() time.Time
	Logger      *slog.Logger
}

func (c *Config) defaults() {
	if len(c.Models) == 0 {
		c.Models = []string{"gemini-web", "gemini-web-thinking"}
	}
	if c.Service == "" {
		c.Service = "chatbridge"
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	if c.StreamChunk <= 0 {
		c.StreamChunk = 50
	}
	if c.CountTokens == nil {
		c.CountTokens = CountTokens
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Server holds the API handlers.
type Server struct {
	chat  Chatter
	cfg   Config
	newID func() string
}

// New creates a Server over chat.
func New(chat Chatter, cfg Config) *Server {
	cfg.defaults()
	return &Server{
		chat:  chat,
		cfg:   cfg,
		newID: idgen.Prefixed("chatcmpl-", idgen.Hex(12)),
	}
}

// RegisterHTTP registers the API routes on r.
func (s *Server) RegisterHTTP(r chi.Router) {
	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	r.Get("/v1/models", s.handleModels)
	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Post("/v1/chat/completions/new", s.handleNewChat)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": s.cfg.Service,
		"version": s.cfg.Version,
		"endpoints": map[string]string{
			"chat":     "/v1/chat/completions",
			"models":   "/v1/models",
			"new_chat": "/v1/chat/completions/new",
			"health":   "/health",
			"media":    "/media/{filename}",
			"metrics":  "/metrics",
			"mcp":      "/mcp",
		},
		"description": "Chat web app bridged to an OpenAI-compatible API through a real browser session",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.chat.Health()
	status, browser := "degraded", "disconnected"
	if h.State == "ready" {
		status = "ok"
	}
	if h.Connected {
		browser = "connected"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"browser":       browser,
		"state":         h.State,
		"service":       s.cfg.Service,
		"message_count": h.Exchanges,
		"rotate_after":  h.Threshold,
		"last_reset":    h.LastReset.Unix(),
		"busy":          h.Busy,
		"queued":        h.Queued,
		"proxy":         redactProxy(s.cfg.Proxy),
		"timestamp":     s.cfg.Now().Unix(),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	created := s.cfg.Now().Unix()
	list := ModelList{Object: "list"}
	for _, id := range s.cfg.Models {
		list.Data = append(list.Data, Model{ID: id, Object: "model", Created: created, OwnedBy: "google-web"})
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	log := shield.GetLogger(r.Context())

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shield.WriteError(w, http.StatusBadRequest, "invalid_request_error", "invalid_json", "request body must be a JSON object")
		return
	}
	prompt, err := req.Prompt()
	if err != nil {
		shield.WriteError(w, http.StatusBadRequest, "invalid_request_error", "invalid_messages", err.Error())
		return
	}
	model := req.Model
	if model == "" {
		model = s.cfg.Models[0]
	}
	ctx := kit.WithModel(r.Context(), model)
	log.Info("openai: chat request", "model", model, "stream", req.Stream, "chars", len([]rune(prompt)))

	reply, err := s.chat.Send(ctx, prompt)
	if err != nil {
		s.writeDriverError(w, r, err)
		return
	}

	id := s.newID()
	created := s.cfg.Now().Unix()
	if req.Stream {
		if err := s.streamReply(w, id, model, created, reply.Text); err != nil {
			log.Warn("openai: stream aborted", "error", err)
		}
		return
	}

	promptTokens := s.cfg.CountTokens(prompt)
	completionTokens := s.cfg.CountTokens(reply.Text)
	writeJSON(w, http.StatusOK, ChatCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []Choice{{
			Index:        0,
			Message:      ChatMessage{Role: "assistant", Content: reply.Text},
			FinishReason: "stop",
		}},
		Usage: Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	})
}

func (s *Server) handleNewChat(w http.ResponseWriter, r *http.Request) {
	if err := s.chat.NewChat(r.Context()); err != nil {
		s.writeDriverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "new conversation opened"})
}

// writeDriverError maps a driver failure to the error envelope.
func (s *Server) writeDriverError(w http.ResponseWriter, r *http.Request, err error) {
	log := shield.GetLogger(r.Context())
	switch {
	case errors.Is(err, driver.ErrQueueClosed):
		shield.WriteError(w, http.StatusServiceUnavailable, "server_error", "queue_closed", "the bridge is shutting down")
		return
	case r.Context().Err() != nil:
		log.Info("openai: client went away", "error", err)
		return
	}
	cat := driver.CategoryOf(err)
	if cat == driver.CategoryInvalidRequest {
		shield.WriteError(w, http.StatusBadRequest, "invalid_request_error", string(cat), driver.MessageOf(err))
		return
	}
	log.Error("openai: exchange failed", "category", string(cat), "error", err)
	shield.WriteError(w, http.StatusInternalServerError, "server_error", string(cat), driver.MessageOf(err))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func redactProxy(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "configured"
	}
	return u.Redacted()
}
