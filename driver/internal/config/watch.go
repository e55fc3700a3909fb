package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hazyhaar/chatbridge/driver/internal/dom"
)

// SelectorStore holds the selectors in force and swaps them when the
// selectors file changes.
type SelectorStore struct {
	cur    atomic.Pointer[dom.Selectors]
	base   dom.Selectors
	path   string
	logger *slog.Logger
}

// NewSelectorStore starts from base. When path is non-empty the file is
// loaded on top of base immediately.
func NewSelectorStore(base dom.Selectors, path string, logger *slog.Logger) (*SelectorStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SelectorStore{base: base, path: path, logger: logger}
	s.cur.Store(&base)
	if path != "" {
		if err := s.Reload(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Current returns the selectors in force.
func (s *SelectorStore) Current() dom.Selectors {
	return *s.cur.Load()
}

// Func adapts the store to dom.SelectorFunc.
func (s *SelectorStore) Func() dom.SelectorFunc {
	return s.Current
}

// Reload re-reads the selectors file. A file that fails to parse or
// validate leaves the previous selectors in force.
func (s *SelectorStore) Reload() error {
	if s.path == "" {
		return nil
	}
	overlay, err := dom.ReadSelectorsFile(s.path)
	if err != nil {
		return fmt.Errorf("config: selectors: %w", err)
	}
	sels := s.base.Merge(overlay)
	if err := sels.Validate(); err != nil {
		return fmt.Errorf("config: selectors: %w", err)
	}
	s.cur.Store(&sels)
	return nil
}

// Watch reloads the selectors file on change until ctx is done. The parent
// directory is watched so editors that replace the file are handled.
func (s *SelectorStore) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", s.path, err)
	}
	target := filepath.Clean(s.path)

	// Editors emit bursts of events; reload once the burst settles.
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				debounce = time.After(200 * time.Millisecond)
			}
		case <-debounce:
			debounce = nil
			if err := s.Reload(); err != nil {
				s.logger.Warn("config: selectors reload failed, keeping previous", "path", s.path, "error", err)
				continue
			}
			s.logger.Info("config: selectors reloaded", "path", s.path)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("config: watcher error", "error", err)
		}
	}
}
