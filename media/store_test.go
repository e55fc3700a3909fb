package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/chatbridge/dbopen"
)

var pngBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

func newStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	s, err := New(db, Config{
		Dir:     filepath.Join(t.TempDir(), "media"),
		BaseURL: "http://127.0.0.1:8766/",
		Now:     func() time.Time { return time.Date(2026, 10, 19, 15, 4, 5, 0, time.UTC) },
		Suffix:  func() string { return "abcd1234" },
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestExtensionFor(t *testing.T) {
	cases := []struct{ mime, ext string }{
		{"image/png", "png"},
		{"image/jpeg", "jpg"},
		{"IMAGE/JPG", "jpg"},
		{"image/webp", "webp"},
		{"image/gif; charset=binary", "gif"},
		{"", "png"},
		{"application/octet-stream", "png"},
	}
	for _, c := range cases {
		if got := ExtensionFor(c.mime); got != c.ext {
			t.Errorf("ExtensionFor(%q) = %q, want %q", c.mime, got, c.ext)
		}
	}
}

func TestPersist_NameAndURL(t *testing.T) {
	s := newStore(t)
	a, err := s.Persist(context.Background(), "image/webp", pngBytes)
	if err != nil {
		t.Fatal(err)
	}
	if a.Name != "gemini_20261019T150405_abcd1234.webp" {
		t.Errorf("name = %q", a.Name)
	}
	if a.URL != "http://127.0.0.1:8766/media/"+a.Name {
		t.Errorf("url = %q", a.URL)
	}
	if a.MIME != "image/webp" || a.Size != int64(len(pngBytes)) || a.Ext != "webp" {
		t.Errorf("asset = %+v", a)
	}
	data, err := os.ReadFile(filepath.Join(s.cfg.Dir, a.Name))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, pngBytes) {
		t.Error("file content differs")
	}
}

func TestPersist_EmptyPayload(t *testing.T) {
	s := newStore(t)
	if _, err := s.Persist(context.Background(), "image/png", nil); err == nil {
		t.Error("expected error for empty payload")
	}
}

func TestPersist_DuplicateNameFails(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if _, err := s.Persist(ctx, "image/png", pngBytes); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Persist(ctx, "image/png", pngBytes); err == nil {
		t.Error("same name twice should violate the index key")
	}
}

func TestLookup(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	a, err := s.Persist(ctx, "image/gif", pngBytes)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Lookup(ctx, a.Name)
	if err != nil {
		t.Fatal(err)
	}
	if got.MIME != "image/gif" || got.Ext != "gif" || got.URL != a.URL {
		t.Errorf("lookup = %+v", got)
	}
	for _, name := range []string{"missing.png", "../etc/passwd", "a/b.png", ""} {
		if _, err := s.Lookup(ctx, name); !errors.Is(err, ErrNotFound) {
			t.Errorf("Lookup(%q) = %v, want ErrNotFound", name, err)
		}
	}
}

func TestHandler_RoundTrip(t *testing.T) {
	s := newStore(t)
	a, err := s.Persist(context.Background(), "image/png", pngBytes)
	if err != nil {
		t.Fatal(err)
	}

	r := chi.NewRouter()
	r.Get("/media/{filename}", s.Handler())
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/media/" + a.Name)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("content-type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(body, pngBytes) {
		t.Error("body differs")
	}

	resp2, err := http.Get(srv.URL + "/media/nope.png")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("missing status = %d", resp2.StatusCode)
	}
}

func TestHandler_TraversalRejected(t *testing.T) {
	s := newStore(t)
	r := chi.NewRouter()
	r.Get("/media/{filename}", s.Handler())

	req := httptest.NewRequest(http.MethodGet, "/media/..%2F..%2Fsecret", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret") {
		t.Error("leaked path")
	}
}
