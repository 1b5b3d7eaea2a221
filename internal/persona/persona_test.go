package persona

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    string
		wantErr bool
	}{
		{"basic", "[operating_mode]\nmimir = \"  Wise one.  \"\n", "Wise one.", false},
		{"multiline", "[operating_mode]\nmimir = \"\"\"\nLine one.\nLine two.\n\"\"\"\n", "Line one.\nLine two.", false},
		{"missing section", "[other]\nx = 1\n", "", true},
		{"bad toml", "[operating_mode\n", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Parse = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuiltin(t *testing.T) {
	if !strings.Contains(Builtin(), "MIMIR") {
		t.Error("built-in persona should introduce MIMIR")
	}
}

func TestNew_Fallbacks(t *testing.T) {
	s, err := New("", nil)
	if err != nil || s.Text() != Builtin() {
		t.Errorf("empty path: %v", err)
	}
	s, err = New(filepath.Join(t.TempDir(), "missing.toml"), nil)
	if err != nil || s.Text() != Builtin() {
		t.Errorf("missing file: %v", err)
	}

	bad := filepath.Join(t.TempDir(), "bad.toml")
	os.WriteFile(bad, []byte("not = [toml"), 0o644)
	if _, err := New(bad, nil); err == nil {
		t.Error("expected error for malformed persona file")
	}
}

func writePersona(t *testing.T, path, text string) {
	t.Helper()
	data := "[operating_mode]\nmimir = \"" + text + "\"\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestReload_KeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.toml")
	writePersona(t, path, "First.")
	s, err := New(path, nil)
	if err != nil {
		t.Fatal(err)
	}

	os.WriteFile(path, []byte("[operating_mode]\n"), 0o644)
	if err := s.Reload(); err == nil {
		t.Error("expected reload error")
	}
	if s.Text() != "First." {
		t.Errorf("Text = %q after failed reload", s.Text())
	}

	writePersona(t, path, "Second.")
	if err := s.Reload(); err != nil {
		t.Fatal(err)
	}
	if s.Text() != "Second." {
		t.Errorf("Text = %q, want Second.", s.Text())
	}
}

func TestWatch_PicksUpEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.toml")
	writePersona(t, path, "Before.")
	s, err := New(path, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register before editing.
	time.Sleep(100 * time.Millisecond)
	writePersona(t, path, "After.")

	deadline := time.Now().Add(5 * time.Second)
	for s.Text() != "After." {
		if time.Now().After(deadline) {
			t.Fatalf("Text = %q, persona edit never observed", s.Text())
		}
		time.Sleep(20 * time.Millisecond)
	}
}
