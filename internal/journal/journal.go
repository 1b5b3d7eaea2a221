// Package journal keeps a daily log of each user's interactions and the
// narrative entries summarised from it.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// DateLayout is the key format for journal days.
const DateLayout = "2006-01-02"

const (
	// PromptHour is the local hour from which a sparse day triggers a
	// check-in prompt.
	PromptHour = 19
	// SparseItems is the log size below which a day counts as sparse.
	SparseItems = 5
)

// ErrNoEntry is returned when no journal entry exists for a date.
var ErrNoEntry = errors.New("no journal entry")

// Item kinds written to the daily log.
const (
	KindChat    = "chat"
	KindToolUse = "tool_use"
	KindAction  = "action"
)

// Item is one logged interaction.
type Item struct {
	Timestamp time.Time       `json:"timestamp"`
	Kind      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
}

// Stats are counted from a day's log.
type Stats struct {
	UserMessages   int            `json:"user_messages"`
	TotalToolCalls int            `json:"total_tool_calls"`
	ToolCounts     map[string]int `json:"tool_counts"`
	ToolErrors     int            `json:"tool_errors"`
}

// Entry is the summarised record of one day.
type Entry struct {
	Date       string          `json:"date"`
	UserID     string          `json:"user_id"`
	Summary    string          `json:"summary"`
	Stats      Stats           `json:"stats"`
	Recipe     json.RawMessage `json:"recipe"`
	Attachment string          `json:"attachment,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Store persists logs and entries.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens or creates the journal database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS log_items (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			date TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_log_items_user_date ON log_items(user_id, date, timestamp);

		CREATE TABLE IF NOT EXISTS entries (
			user_id TEXT NOT NULL,
			date TEXT NOT NULL,
			summary TEXT NOT NULL,
			stats TEXT NOT NULL,
			recipe TEXT NOT NULL DEFAULT 'null',
			attachment TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			PRIMARY KEY (user_id, date)
		);

		CREATE TABLE IF NOT EXISTS prompts (
			user_id TEXT NOT NULL,
			date TEXT NOT NULL,
			PRIMARY KEY (user_id, date)
		);
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Log appends an item to today's log for userID. content is stored as
// JSON.
func (s *Store) Log(ctx context.Context, userID, kind string, content any) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("marshal log content: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate log id: %w", err)
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO log_items (id, user_id, date, timestamp, kind, content) VALUES (?, ?, ?, ?, ?, ?)`,
		id.String(), userID, now.Format(DateLayout), now.Format(time.RFC3339Nano), kind, string(raw))
	if err != nil {
		return fmt.Errorf("insert log item: %w", err)
	}
	return nil
}

// Items returns the log for userID on date in order.
func (s *Store) Items(ctx context.Context, userID, date string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, kind, content FROM log_items
		WHERE user_id = ? AND date = ? ORDER BY timestamp, id`, userID, date)
	if err != nil {
		return nil, fmt.Errorf("list log items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var ts, content string
		if err := rows.Scan(&ts, &it.Kind, &content); err != nil {
			return nil, fmt.Errorf("scan log item: %w", err)
		}
		it.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		it.Content = json.RawMessage(content)
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *Store) countItems(ctx context.Context, userID, date string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM log_items WHERE user_id = ? AND date = ?`, userID, date).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count log items: %w", err)
	}
	return n, nil
}

// PromptNeeded reports whether the assistant should ask userID about
// their day: it is at or after PromptHour, the day's log has fewer than
// SparseItems items and no prompt has been given yet today. A true
// result marks the day as prompted.
func (s *Store) PromptNeeded(ctx context.Context, userID string, now time.Time) (bool, error) {
	if now.Hour() < PromptHour {
		return false, nil
	}
	date := now.Format(DateLayout)
	n, err := s.countItems(ctx, userID, date)
	if err != nil {
		return false, err
	}
	if n >= SparseItems {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO prompts (user_id, date) VALUES (?, ?)`, userID, date)
	if err != nil {
		return false, fmt.Errorf("mark prompted: %w", err)
	}
	marked, _ := res.RowsAffected()
	return marked > 0, nil
}

// SaveEntry stores e, replacing any earlier entry for the same day.
func (s *Store) SaveEntry(ctx context.Context, e Entry) error {
	stats, err := json.Marshal(e.Stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	recipe := string(e.Recipe)
	if recipe == "" {
		recipe = "null"
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entries (user_id, date, summary, stats, recipe, attachment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, date) DO UPDATE SET
			summary = excluded.summary,
			stats = excluded.stats,
			recipe = excluded.recipe,
			attachment = excluded.attachment,
			created_at = excluded.created_at`,
		e.UserID, e.Date, e.Summary, string(stats), recipe, e.Attachment, e.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save journal entry: %w", err)
	}
	return nil
}

// Entry returns the entry for date or ErrNoEntry.
func (s *Store) Entry(ctx context.Context, userID, date string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, date, summary, stats, recipe, attachment, created_at
		FROM entries WHERE user_id = ? AND date = ?`, userID, date)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoEntry
	}
	if err != nil {
		return nil, fmt.Errorf("get journal entry: %w", err)
	}
	return e, nil
}

// HasEntry reports whether date already has an entry.
func (s *Store) HasEntry(ctx context.Context, userID, date string) (bool, error) {
	_, err := s.Entry(ctx, userID, date)
	if errors.Is(err, ErrNoEntry) {
		return false, nil
	}
	return err == nil, err
}

// SearchOptions filters Search. Empty fields do not filter.
type SearchOptions struct {
	Start string
	End   string
	Query string
}

// Search returns the user's entries in date order.
func (s *Store) Search(ctx context.Context, userID string, opts SearchOptions) ([]Entry, error) {
	query := `SELECT user_id, date, summary, stats, recipe, attachment, created_at
		FROM entries WHERE user_id = ?`
	args := []any{userID}
	if opts.Start != "" {
		query += ` AND date >= ?`
		args = append(args, opts.Start)
	}
	if opts.End != "" {
		query += ` AND date <= ?`
		args = append(args, opts.End)
	}
	if q := strings.ToLower(strings.TrimSpace(opts.Query)); q != "" {
		query += ` AND instr(lower(summary), ?) > 0`
		args = append(args, q)
	}
	query += ` ORDER BY date`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search journal: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	var stats, recipe, created string
	if err := row.Scan(&e.UserID, &e.Date, &e.Summary, &stats, &recipe, &e.Attachment, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stats), &e.Stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	e.Recipe = json.RawMessage(recipe)
	e.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return &e, nil
}
