package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/nugget/mimir/examples"
	"github.com/nugget/mimir/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// clearUmask sets the process umask to 0 so permission assertions are
// deterministic.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, &out, args); err != nil {
			t.Fatalf("run(%v) error = %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: mimir") {
			t.Errorf("run(%v) output missing usage:\n%s", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"dance"}, "unknown command: dance"},
		{"unknown flag", []string{"-x"}, "unknown flag: -x"},
		{"bad output format", []string{"-o", "xml", "version"}, "unknown output format"},
		{"ask without question", []string{"ask"}, "usage: mimir ask"},
		{"missing config", []string{"-config", "/nonexistent/mimir.yaml", "ask", "hi"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(context.Background(), &out, &out, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestRun_VersionJSON(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-o", "json", "version"}); err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("version output is not JSON: %v\n%s", err, out.String())
	}
	if info["version"] == "" || info["go_version"] == "" {
		t.Errorf("info = %v", info)
	}
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	if info, err := os.Stat(filepath.Join(dir, "data")); err != nil || !info.IsDir() {
		t.Errorf("data directory not created: %v", err)
	}
	cfgInfo, err := os.Stat(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := cfgInfo.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}
	personaInfo, err := os.Stat(filepath.Join(dir, "persona.toml"))
	if err != nil {
		t.Fatalf("persona.toml not created: %v", err)
	}
	if got := personaInfo.Mode().Perm(); got != 0o644 {
		t.Errorf("persona.toml permissions = %o, want 0644", got)
	}
}

func TestRunInit_PreservesExistingFiles(t *testing.T) {
	dir := t.TempDir()
	custom := []byte("listen:\n  port: 9999\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), custom, 0o600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, custom) {
		t.Errorf("config.yaml overwritten:\n%s", got)
	}
}

func TestExampleConfigLoads(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, examples.ConfigYAML, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.LLM.Gemini.APIKey != "test-key" {
		t.Errorf("api key not expanded: %q", cfg.LLM.Gemini.APIKey)
	}
}

func TestCreateLLMClient(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.Default = "llama3"
	if _, err := createLLMClient(context.Background(), cfg, discardLogger()); err != nil {
		t.Errorf("ollama default: %v", err)
	}

	cfg = config.Default()
	cfg.LLM.Default = "claude-sonnet-4"
	if _, err := createLLMClient(context.Background(), cfg, discardLogger()); err == nil {
		t.Error("anthropic default without a key should fail")
	}
}

func TestNewApp(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.Default = "llama3"
	cfg.DataDir = t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := newApp(ctx, cfg, discardLogger())
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	defer a.Close()

	for _, name := range []string{"profiles.db", "calendar.db", "journal.db", "recall.db", "uploads", "journal"} {
		if _, err := os.Stat(filepath.Join(cfg.DataDir, name)); err != nil {
			t.Errorf("%s not created: %v", name, err)
		}
	}
	msgs := a.history.Get("alice")
	if !strings.Contains(msgs[0].Content, "[TOOL:web_search") {
		t.Error("preamble does not describe the tools")
	}
	d := a.deps()
	if d.Chat == nil || d.Planner == nil || d.Events == nil {
		t.Errorf("deps incomplete: %+v", d)
	}
}
