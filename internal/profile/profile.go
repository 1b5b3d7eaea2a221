// Package profile stores who each user is: display name, home city and
// the preferences they have mentioned in conversation.
package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a user has no profile yet.
var ErrNotFound = errors.New("profile not found")

// Profile describes one user.
type Profile struct {
	UserID      string    `json:"user_id"`
	Email       string    `json:"email,omitempty"`
	DisplayName string    `json:"display_name"`
	HomeCity    string    `json:"home_city,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store manages profile persistence.
type Store struct {
	db *sql.DB
}

// NewStore opens or creates the profile database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open profile database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate profile database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS profiles (
			user_id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			home_city TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS preferences (
			user_id TEXT NOT NULL,
			preference TEXT NOT NULL COLLATE NOCASE,
			created_at TEXT NOT NULL,
			PRIMARY KEY (user_id, preference)
		);
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the profile for userID.
func (s *Store) Get(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	var created, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, email, display_name, home_city, created_at, updated_at
		FROM profiles WHERE user_id = ?`, userID).
		Scan(&p.UserID, &p.Email, &p.DisplayName, &p.HomeCity, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, created)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &p, nil
}

// DisplayName returns the user's display name, or "" when none is set.
func (s *Store) DisplayName(ctx context.Context, userID string) string {
	p, err := s.Get(ctx, userID)
	if err != nil {
		return ""
	}
	return p.DisplayName
}

// Onboard creates the profile or updates its display name and email.
func (s *Store) Onboard(ctx context.Context, userID, displayName, email string) (*Profile, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, errors.New("display name is required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, email, display_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			email = CASE WHEN excluded.email != '' THEN excluded.email ELSE profiles.email END,
			updated_at = excluded.updated_at`,
		userID, email, displayName, now, now)
	if err != nil {
		return nil, fmt.Errorf("save profile: %w", err)
	}
	return s.Get(ctx, userID)
}

// HomeCity returns the stored home city, or "" when none is set.
func (s *Store) HomeCity(ctx context.Context, userID string) (string, error) {
	p, err := s.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return p.HomeCity, nil
}

// SetHomeCity stores city as the user's home, creating a bare profile
// when needed.
func (s *Store) SetHomeCity(ctx context.Context, userID, city string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, home_city, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET home_city = excluded.home_city, updated_at = excluded.updated_at`,
		userID, city, now, now)
	if err != nil {
		return fmt.Errorf("set home city: %w", err)
	}
	return nil
}

// AddPreference records a preference. Repeats, ignoring case, are
// no-ops. It reports whether the preference was new.
func (s *Store) AddPreference(ctx context.Context, userID, preference string) (bool, error) {
	preference = strings.TrimSpace(preference)
	if preference == "" {
		return false, errors.New("preference is empty")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO preferences (user_id, preference, created_at) VALUES (?, ?, ?)`,
		userID, preference, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return false, fmt.Errorf("add preference: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Preferences lists the user's preferences, oldest first.
func (s *Store) Preferences(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT preference FROM preferences WHERE user_id = ? ORDER BY created_at, rowid`, userID)
	if err != nil {
		return nil, fmt.Errorf("list preferences: %w", err)
	}
	defer rows.Close()

	var prefs []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		prefs = append(prefs, p)
	}
	return prefs, rows.Err()
}
