// Package persona loads the assistant's character text from a TOML file
// and keeps it current while the file is edited.
package persona

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/nugget/mimir/examples"
)

// reloadDelay coalesces the burst of events an editor save produces.
const reloadDelay = 200 * time.Millisecond

type file struct {
	OperatingMode struct {
		Mimir string `toml:"mimir"`
	} `toml:"operating_mode"`
}

// Parse extracts the persona text from TOML data.
func Parse(data []byte) (string, error) {
	var f file
	if _, err := toml.Decode(string(data), &f); err != nil {
		return "", fmt.Errorf("decode persona: %w", err)
	}
	text := strings.TrimSpace(f.OperatingMode.Mimir)
	if text == "" {
		return "", errors.New("persona file has no [operating_mode] mimir text")
	}
	return text, nil
}

// Builtin returns the persona shipped with the binary.
func Builtin() string {
	text, err := Parse(examples.PersonaTOML)
	if err != nil {
		panic("embedded persona is invalid: " + err.Error())
	}
	return text
}

// Source serves the current persona text.
type Source struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	text string
}

// New loads the persona at path. An empty path or a missing file falls
// back to the built-in persona; a file that exists but does not parse
// is an error.
func New(path string, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Source{path: path, logger: logger.With("component", "persona")}
	if path == "" {
		s.text = Builtin()
		return s, nil
	}
	text, err := s.read()
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.logger.Warn("persona file not found, using built-in persona", "path", path)
		s.text = Builtin()
	case err != nil:
		return nil, err
	default:
		s.logger.Info("persona loaded", "path", path, "chars", len(text))
		s.text = text
	}
	return s, nil
}

// Text returns the current persona.
func (s *Source) Text() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.text
}

func (s *Source) read() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", err
	}
	return Parse(data)
}

// Reload rereads the file. On failure the previous text stays in use.
func (s *Source) Reload() error {
	text, err := s.read()
	if err != nil {
		return fmt.Errorf("reload persona %s: %w", s.path, err)
	}
	s.mu.Lock()
	changed := text != s.text
	s.text = text
	s.mu.Unlock()
	if changed {
		s.logger.Info("persona reloaded", "path", s.path, "chars", len(text))
	}
	return nil
}

// Watch reloads the persona whenever its file changes, until ctx ends.
// The parent directory is watched so editors that replace the file by
// rename are seen.
func (s *Source) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	name := filepath.Clean(s.path)

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				timer.Reset(reloadDelay)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("persona watcher error", "error", err)
		case <-timer.C:
			if err := s.Reload(); err != nil {
				s.logger.Warn("persona reload failed, keeping previous text", "error", err)
			}
		}
	}
}
