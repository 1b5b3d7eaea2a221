// Package calendar stores per-user calendar events in SQLite and
// optionally mirrors them to a CalDAV server.
package calendar

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// MaxDetails is the longest details text kept on an event.
const MaxDetails = 75

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// ErrNotFound is returned when an event does not exist for the user.
var ErrNotFound = errors.New("event not found")

// Event is one calendar entry.
type Event struct {
	ID         string `json:"id"`
	UserID     string `json:"-"`
	Subject    string `json:"subject"`
	Date       string `json:"date"`
	StartTime  string `json:"start_time,omitempty"`
	EndTime    string `json:"end_time,omitempty"`
	Details    string `json:"details,omitempty"`
	Attachment string `json:"attachment,omitempty"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

// SearchOptions filters a Search. Empty fields do not filter.
type SearchOptions struct {
	Start string // inclusive YYYY-MM-DD
	End   string // inclusive YYYY-MM-DD
	Query string // case-insensitive substring of subject or details
}

// Patch holds the fields to change in Update. Empty strings leave the
// field untouched.
type Patch struct {
	Subject    string
	Date       string
	StartTime  string
	EndTime    string
	Details    string
	Attachment string
}

// Submitter runs background work. taskqueue.Queue satisfies it.
type Submitter interface {
	Submit(name string, fn func(ctx context.Context) error) string
}

// Store persists events.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	sync  *Syncer
	queue Submitter
}

// NewStore opens or creates the calendar database at dbPath.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open calendar database: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger.With("component", "calendar")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate calendar database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			subject TEXT NOT NULL,
			date TEXT NOT NULL,
			start_time TEXT NOT NULL DEFAULT '',
			end_time TEXT NOT NULL DEFAULT '',
			details TEXT NOT NULL DEFAULT '',
			attachment TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_user_date ON events(user_id, date, start_time);
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnableSync mirrors every later change to the CalDAV server through q.
func (s *Store) EnableSync(syncer *Syncer, q Submitter) {
	s.sync = syncer
	s.queue = q
}

// Search returns the user's events that pass opts, ordered by date and
// start time.
func (s *Store) Search(ctx context.Context, userID string, opts SearchOptions) ([]Event, error) {
	query := `SELECT id, user_id, subject, date, start_time, end_time, details, attachment, created_at, updated_at
		FROM events WHERE user_id = ?`
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
		query += ` AND (instr(lower(subject), ?) > 0 OR instr(lower(details), ?) > 0)`
		args = append(args, q, q)
	}
	query += ` ORDER BY date, start_time`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.UserID, &e.Subject, &e.Date, &e.StartTime, &e.EndTime,
			&e.Details, &e.Attachment, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Get returns one event.
func (s *Store) Get(ctx context.Context, userID, id string) (*Event, error) {
	var e Event
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, subject, date, start_time, end_time, details, attachment, created_at, updated_at
		FROM events WHERE user_id = ? AND id = ?`, userID, id).
		Scan(&e.ID, &e.UserID, &e.Subject, &e.Date, &e.StartTime, &e.EndTime,
			&e.Details, &e.Attachment, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return &e, nil
}

// Create stores a new event and returns it with its generated id.
func (s *Store) Create(ctx context.Context, e Event) (*Event, error) {
	if strings.TrimSpace(e.Subject) == "" {
		return nil, errors.New("subject is required")
	}
	if err := checkFields(e.Date, e.StartTime, e.EndTime); err != nil {
		return nil, err
	}
	if e.Date == "" {
		return nil, errors.New("date is required")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate event id: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	e.ID = id.String()
	e.Details = truncate(e.Details, MaxDetails)
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, user_id, subject, date, start_time, end_time, details, attachment, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.Subject, e.Date, e.StartTime, e.EndTime, e.Details, e.Attachment, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	s.logger.Info("event created", "user", e.UserID, "id", e.ID, "subject", e.Subject, "date", e.Date)
	s.push(e)
	return &e, nil
}

// Update applies the non-empty fields of p to an existing event.
func (s *Store) Update(ctx context.Context, userID, id string, p Patch) (*Event, error) {
	if err := checkFields(p.Date, p.StartTime, p.EndTime); err != nil {
		return nil, err
	}
	e, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if p.Subject != "" {
		e.Subject = p.Subject
	}
	if p.Date != "" {
		e.Date = p.Date
	}
	if p.StartTime != "" {
		e.StartTime = p.StartTime
	}
	if p.EndTime != "" {
		e.EndTime = p.EndTime
	}
	if p.Details != "" {
		e.Details = truncate(p.Details, MaxDetails)
	}
	if p.Attachment != "" {
		e.Attachment = p.Attachment
	}
	e.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	_, err = s.db.ExecContext(ctx, `
		UPDATE events SET subject = ?, date = ?, start_time = ?, end_time = ?, details = ?, attachment = ?, updated_at = ?
		WHERE user_id = ? AND id = ?`,
		e.Subject, e.Date, e.StartTime, e.EndTime, e.Details, e.Attachment, e.UpdatedAt, userID, id)
	if err != nil {
		return nil, fmt.Errorf("update event: %w", err)
	}
	s.logger.Info("event updated", "user", userID, "id", id)
	s.push(*e)
	return e, nil
}

// Delete removes an event.
func (s *Store) Delete(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	s.logger.Info("event deleted", "user", userID, "id", id)
	if s.sync != nil {
		s.queue.Submit("caldav delete "+id, func(ctx context.Context) error {
			return s.sync.Remove(ctx, id)
		})
	}
	return nil
}

func (s *Store) push(e Event) {
	if s.sync == nil {
		return
	}
	s.queue.Submit("caldav put "+e.ID, func(ctx context.Context) error {
		return s.sync.Put(ctx, e)
	})
}

// checkFields validates the date and time formats of any non-empty field.
func checkFields(date, start, end string) error {
	if date != "" {
		if _, err := time.Parse(dateLayout, date); err != nil {
			return fmt.Errorf("date %q must be YYYY-MM-DD", date)
		}
	}
	for _, t := range []string{start, end} {
		if t == "" {
			continue
		}
		if _, err := time.Parse(timeLayout, t); err != nil {
			return fmt.Errorf("time %q must be HH:MM", t)
		}
	}
	return nil
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
