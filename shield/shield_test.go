package shield

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/chatbridge/kit"
)

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	rl := NewRateLimiter(setupDB(t), "/health")
	if err := rl.SetRule(context.Background(), "POST /v1/chat/completions", RateLimitConfig{
		MaxRequests: 2, WindowSeconds: 60, Enabled: true,
	}); err != nil {
		t.Fatalf("SetRule: %v", err)
	}
	handler := rl.Middleware(okHandler())

	codes := make([]int, 3)
	for i := range codes {
		req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		codes[i] = w.Code
		if i == 2 && w.Header().Get("Retry-After") == "" {
			t.Error("expected Retry-After on 429")
		}
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}

	// Another client has its own bucket.
	req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	req.RemoteAddr = "10.0.0.2:5555"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("second client got %d", w.Code)
	}
}

func TestRateLimiter_WindowResets(t *testing.T) {
	rl := NewRateLimiter(setupDB(t))
	rl.SetRule(context.Background(), "GET /v1/models", RateLimitConfig{MaxRequests: 1, WindowSeconds: 10, Enabled: true})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if ok, _ := rl.allow("1.2.3.4", "GET /v1/models"); !ok {
		t.Fatal("first request blocked")
	}
	ok, wait := rl.allow("1.2.3.4", "GET /v1/models")
	if ok || wait != 10*time.Second {
		t.Fatalf("second request: ok = %v wait = %v", ok, wait)
	}
	now = now.Add(11 * time.Second)
	if ok, _ := rl.allow("1.2.3.4", "GET /v1/models"); !ok {
		t.Fatal("request after the window blocked")
	}
	now = now.Add(time.Minute)
	rl.gc()
	n := 0
	rl.buckets.Range(func(any, any) bool { n++; return true })
	if n != 0 {
		t.Errorf("gc left %d buckets", n)
	}
}

func TestRateLimiter_NoRuleOrExcluded(t *testing.T) {
	rl := NewRateLimiter(setupDB(t), "/health")
	rl.SetRule(context.Background(), "GET /health", RateLimitConfig{MaxRequests: 0, WindowSeconds: 60, Enabled: true})
	handler := rl.Middleware(okHandler())

	for _, path := range []string{"/health", "/v1/models"} {
		for i := 0; i < 5; i++ {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
			if w.Code != http.StatusOK {
				t.Fatalf("%s: got %d", path, w.Code)
			}
		}
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		xff, remote, want string
	}{
		{"", "192.168.1.5:40000", "192.168.1.5"},
		{"203.0.113.9, 10.0.0.1", "10.0.0.1:1", "203.0.113.9"},
		{" 203.0.113.7 ", "10.0.0.1:1", "203.0.113.7"},
		{"", "unix", "unix"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = tt.remote
		if tt.xff != "" {
			req.Header.Set("X-Forwarded-For", tt.xff)
		}
		if got := ExtractIP(req); got != tt.want {
			t.Errorf("ExtractIP(%q, %q) = %q, want %q", tt.xff, tt.remote, got, tt.want)
		}
	}
}

func TestAPIKey(t *testing.T) {
	hash, err := HashAPIKey("sk-local-test")
	if err != nil {
		t.Fatalf("HashAPIKey: %v", err)
	}
	handler := APIKey(hash, "/health", "/media/")(okHandler())

	tests := []struct {
		name, path, auth string
		want             int
	}{
		{"valid", "/v1/models", "Bearer sk-local-test", 200},
		{"valid again", "/v1/models", "bearer sk-local-test", 200},
		{"wrong key", "/v1/models", "Bearer sk-other", 401},
		{"missing", "/v1/chat/completions", "", 401},
		{"not bearer", "/v1/models", "Basic abc", 401},
		{"health exempt", "/health", "", 200},
		{"media exempt", "/media/gemini_x.png", "", 200},
		{"index exempt", "/", "", 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestTraceID(t *testing.T) {
	var seen string
	handler := TraceID(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = kit.GetTraceID(r.Context())
		if GetLogger(r.Context()) == nil {
			t.Error("nil request logger")
		}
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if len(seen) != 8 || w.Header().Get("X-Trace-ID") != seen {
		t.Errorf("trace id = %q, header = %q", seen, w.Header().Get("X-Trace-ID"))
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Trace-ID", "client-trace_01")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "client-trace_01" {
		t.Errorf("inbound trace id not reused: %q", seen)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Trace-ID", "bad id\n")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen == "bad id\n" {
		t.Error("invalid inbound trace id accepted")
	}
}

func TestMaxJSONBody(t *testing.T) {
	handler := MaxJSONBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("POST", "/", strings.NewReader("0123456789")))
	if w.Code != http.StatusBadRequest {
		t.Errorf("oversized body: got %d", w.Code)
	}
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("POST", "/", strings.NewReader("{}")))
	if w.Code != http.StatusOK {
		t.Errorf("small body: got %d", w.Code)
	}
}

func TestAPIStack_HeadersAndHead(t *testing.T) {
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	stack := APIStack(nil, nil, "", nil)
	for i := len(stack) - 1; i >= 0; i-- {
		h = stack[i](h)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("HEAD", "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("HEAD: got %d", w.Code)
	}
	for _, name := range []string{"X-Content-Type-Options", "X-Frame-Options", "Content-Security-Policy", "X-Trace-ID"} {
		if w.Header().Get(name) == "" {
			t.Errorf("missing header %s", name)
		}
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, http.StatusBadRequest, "invalid_request_error", "bad", "nope")

	var body struct {
		Error struct {
			Message, Type, Code string
		}
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Error.Message != "nope" || body.Error.Type != "invalid_request_error" || body.Error.Code != "bad" {
		t.Errorf("body = %+v", body)
	}
}
