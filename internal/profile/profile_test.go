package profile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "profiles.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOnboard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Get(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get before onboard err = %v, want ErrNotFound", err)
	}
	p, err := s.Onboard(ctx, "u1", "  Sigrid ", "sigrid@example.com")
	if err != nil {
		t.Fatalf("Onboard: %v", err)
	}
	if p.DisplayName != "Sigrid" || p.Email != "sigrid@example.com" {
		t.Errorf("profile = %+v", p)
	}

	// Renaming without an email keeps the stored one.
	p, err = s.Onboard(ctx, "u1", "Sigga", "")
	if err != nil {
		t.Fatal(err)
	}
	if p.DisplayName != "Sigga" || p.Email != "sigrid@example.com" {
		t.Errorf("after rename = %+v", p)
	}
	if got := s.DisplayName(ctx, "u1"); got != "Sigga" {
		t.Errorf("DisplayName = %q", got)
	}
	if _, err := s.Onboard(ctx, "u1", " ", ""); err == nil {
		t.Error("expected error for blank display name")
	}
}

func TestHomeCity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	city, err := s.HomeCity(ctx, "u2")
	if err != nil || city != "" {
		t.Fatalf("HomeCity = %q, %v; want empty", city, err)
	}
	if err := s.SetHomeCity(ctx, "u2", "Trondheim"); err != nil {
		t.Fatal(err)
	}
	if city, _ := s.HomeCity(ctx, "u2"); city != "Trondheim" {
		t.Errorf("HomeCity = %q, want Trondheim", city)
	}

	// Onboarding later keeps the home city.
	if _, err := s.Onboard(ctx, "u2", "Bjorn", ""); err != nil {
		t.Fatal(err)
	}
	if city, _ := s.HomeCity(ctx, "u2"); city != "Trondheim" {
		t.Errorf("HomeCity after onboard = %q", city)
	}
}

func TestPreferences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, tt := range []struct {
		pref string
		new  bool
	}{
		{"Star Wars", true},
		{"mead", true},
		{"star wars", false},
	} {
		added, err := s.AddPreference(ctx, "u3", tt.pref)
		if err != nil {
			t.Fatal(err)
		}
		if added != tt.new {
			t.Errorf("AddPreference(%q) = %v, want %v", tt.pref, added, tt.new)
		}
	}
	prefs, err := s.Preferences(ctx, "u3")
	if err != nil {
		t.Fatal(err)
	}
	if len(prefs) != 2 || prefs[0] != "Star Wars" || prefs[1] != "mead" {
		t.Errorf("Preferences = %v", prefs)
	}
	if _, err := s.AddPreference(ctx, "u3", "  "); err == nil {
		t.Error("expected error for empty preference")
	}
}
