// CLAUDE:SUMMARY Persists reply images to disk with a SQLite index and serves them back under /media/{filename}.
// Package media stores images extracted from replies. Each asset gets a
// stable filename under the media directory and a row in media_assets; the
// HTTP handler serves it back with the recorded MIME type.
package media

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/chatbridge/dbopen"
	"github.com/hazyhaar/chatbridge/horosafe"
	"github.com/hazyhaar/chatbridge/idgen"
)

// Schema is the media index DDL.
const Schema = `
CREATE TABLE IF NOT EXISTS media_assets (
    name TEXT PRIMARY KEY,
    mime TEXT NOT NULL,
    size INTEGER NOT NULL,
    source TEXT NOT NULL,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_media_assets_created ON media_assets(created_at DESC);
`

// ErrNotFound is returned for unknown asset names.
var ErrNotFound = errors.New("media: not found")

// Asset is a persisted image.
type Asset struct {
	Name      string    `json:"name"`
	Ext       string    `json:"ext"`
	MIME      string    `json:"mime"`
	Size      int64     `json:"size"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// Config configures a Store.
type Config struct {
	// Dir holds the asset files. Created if missing.
	Dir string
	// BaseURL prefixes retrieval URLs, e.g. http://127.0.0.1:8766.
	BaseURL string
	// Source is the filename prefix. Default: "gemini".
	Source string
	Logger *slog.Logger
	// Now and Suffix are replaceable for tests.
	Now    func() time.Time
	Suffix idgen.Generator
}

// Store is safe for concurrent use.
type Store struct {
	cfg Config
	db  *sql.DB
}

// New creates the media directory and returns a Store over db, which must
// carry Schema.
func New(db *sql.DB, cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("media: dir is required")
	}
	if cfg.Source == "" {
		cfg.Source = "gemini"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Suffix == nil {
		cfg.Suffix = idgen.Hex(8)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("media: mkdir: %w", err)
	}
	return &Store{cfg: cfg, db: db}, nil
}

// ExtensionFor maps an image MIME type to a file extension. Unknown types
// are stored as png.
func ExtensionFor(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	switch mime {
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "png"
	}
}

// MIMEFor is the inverse of ExtensionFor.
func MIMEFor(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	case "gif":
		return "image/gif"
	default:
		return "image/png"
	}
}

// Persist writes data under a new name and indexes it.
func (s *Store) Persist(ctx context.Context, mimeHint string, data []byte) (Asset, error) {
	if len(data) == 0 {
		return Asset{}, fmt.Errorf("media: persist: empty payload")
	}
	ext := ExtensionFor(mimeHint)
	now := s.cfg.Now()
	name := fmt.Sprintf("%s_%s_%s.%s", s.cfg.Source, now.UTC().Format("20060102T150405"), s.cfg.Suffix(), ext)

	path, err := horosafe.SafePath(s.cfg.Dir, name)
	if err != nil {
		return Asset{}, fmt.Errorf("media: persist: %w", err)
	}
	if err := writeExclusive(path, data); err != nil {
		return Asset{}, err
	}

	mime := MIMEFor(ext)
	if _, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO media_assets (name, mime, size, source, created_at) VALUES (?,?,?,?,?)`,
		name, mime, len(data), s.cfg.Source, now.Unix()); err != nil {
		os.Remove(path)
		return Asset{}, fmt.Errorf("media: index: %w", err)
	}

	s.cfg.Logger.Debug("media: stored", "name", name, "size", len(data))
	return Asset{
		Name:      name,
		Ext:       ext,
		MIME:      mime,
		Size:      int64(len(data)),
		URL:       s.URL(name),
		CreatedAt: now,
	}, nil
}

func writeExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("media: create: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("media: write: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("media: close: %w", err)
	}
	return nil
}

// URL is the retrieval URL of name.
func (s *Store) URL(name string) string {
	return s.cfg.BaseURL + "/media/" + name
}

// Lookup returns the indexed asset.
func (s *Store) Lookup(ctx context.Context, name string) (Asset, error) {
	if err := horosafe.ValidateIdentifier(name); err != nil {
		return Asset{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var a Asset
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT name, mime, size, created_at FROM media_assets WHERE name = ?`, name).
		Scan(&a.Name, &a.MIME, &a.Size, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Asset{}, ErrNotFound
	}
	if err != nil {
		return Asset{}, fmt.Errorf("media: lookup: %w", err)
	}
	a.Ext = strings.TrimPrefix(filepath.Ext(a.Name), ".")
	a.CreatedAt = time.Unix(created, 0)
	a.URL = s.URL(a.Name)
	return a, nil
}

// Open returns the asset file and its index row. The caller closes the file.
func (s *Store) Open(ctx context.Context, name string) (*os.File, Asset, error) {
	a, err := s.Lookup(ctx, name)
	if err != nil {
		return nil, Asset{}, err
	}
	path, err := horosafe.SafePath(s.cfg.Dir, a.Name)
	if err != nil {
		return nil, Asset{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, Asset{}, ErrNotFound
	}
	if err != nil {
		return nil, Asset{}, fmt.Errorf("media: open: %w", err)
	}
	return f, a, nil
}

// Handler serves GET /media/{filename}.
func (s *Store) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "filename")
		f, a, err := s.Open(r.Context(), name)
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			s.cfg.Logger.Error("media: serve", "name", name, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		defer f.Close()

		w.Header().Set("Content-Type", a.MIME)
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		http.ServeContent(w, r, a.Name, a.CreatedAt, f)
	}
}
