// Package recall is the assistant's long-term memory: free text written
// after each turn or uploaded by the user, searched by relevance when a
// new message arrives.
package recall

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	// DefaultK is how many memories Recall returns.
	DefaultK = 3
	// DefaultMaxChars bounds the combined length Recall returns.
	DefaultMaxChars = 1_500_000
)

// Memory is one stored text.
type Memory struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Text      string            `json:"text"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Store keeps memories in SQLite with an FTS5 index.
type Store struct {
	db         *sql.DB
	logger     *slog.Logger
	ftsEnabled bool

	K        int
	MaxChars int
}

// NewStore opens or creates the memory database at dbPath.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open recall database: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:       db,
		logger:   logger.With("component", "recall"),
		K:        DefaultK,
		MaxChars: DefaultMaxChars,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate recall database: %w", err)
	}
	s.ftsEnabled = s.tryEnableFTS()
	if !s.ftsEnabled {
		s.logger.Warn("FTS5 not available, recall falls back to LIKE matching")
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			text TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id, created_at DESC);
	`)
	return err
}

// tryEnableFTS creates the external-content FTS5 index and the triggers
// that keep it current. It reports whether FTS5 is usable.
func (s *Store) tryEnableFTS() bool {
	_, err := s.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			text,
			content=memories,
			content_rowid=rowid
		);

		CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, text) VALUES (new.rowid, new.text);
		END;

		CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
		END;
	`)
	return err == nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Remember stores text for userID. metadata is kept alongside but not
// searched.
func (s *Store) Remember(ctx context.Context, text, userID string, metadata map[string]string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate memory id: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, user_id, text, metadata, created_at) VALUES (?, ?, ?, ?, ?)`,
		id.String(), userID, text, string(meta), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	s.logger.Debug("remembered", "user", userID, "chars", len(text), "preview", preview(text, 50))
	return nil
}

// Recall returns up to K memories relevant to query, joined by newlines
// and bounded to MaxChars. An empty string means nothing matched.
func (s *Store) Recall(ctx context.Context, query, userID string) (string, error) {
	memories, err := s.Search(ctx, query, userID, s.K)
	if err != nil {
		return "", err
	}
	return join(memories, s.MaxChars), nil
}

// Search returns up to limit memories for userID ranked by relevance.
func (s *Store) Search(ctx context.Context, query, userID string, limit int) ([]Memory, error) {
	var (
		q    string
		args []any
	)
	if s.ftsEnabled {
		match := sanitizeFTS5Query(query)
		if match == "" {
			return nil, nil
		}
		q = `SELECT m.id, m.user_id, m.text, m.metadata, m.created_at
			FROM memories_fts JOIN memories m ON memories_fts.rowid = m.rowid
			WHERE memories_fts MATCH ? AND m.user_id = ?
			ORDER BY rank LIMIT ?`
		args = []any{match, userID, limit}
	} else {
		query = strings.TrimSpace(query)
		if query == "" {
			return nil, nil
		}
		q = `SELECT id, user_id, text, metadata, created_at FROM memories
			WHERE text LIKE ? AND user_id = ?
			ORDER BY created_at DESC LIMIT ?`
		args = []any{"%" + query + "%", userID, limit}
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var m Memory
		var meta, created string
		if err := rows.Scan(&m.ID, &m.UserID, &m.Text, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		_ = json.Unmarshal([]byte(meta), &m.Metadata)
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Forget deletes every memory for userID and reports how many went.
func (s *Store) Forget(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("forget memories: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Info("memories forgotten", "user", userID, "count", n)
	return n, nil
}

// join concatenates memory texts until maxChars is reached. A memory
// that would overflow is cut and marked with "..." when more than 100
// characters of room remain, and dropped otherwise.
func join(memories []Memory, maxChars int) string {
	var parts []string
	total := 0
	for _, m := range memories {
		if total+len(m.Text) > maxChars {
			if remaining := maxChars - total; remaining > 100 {
				parts = append(parts, m.Text[:remaining]+"...")
			}
			break
		}
		parts = append(parts, m.Text)
		total += len(m.Text)
	}
	return strings.Join(parts, "\n")
}

// sanitizeFTS5Query quotes each term so punctuation cannot break the
// FTS5 query syntax. Terms are ORed so any shared word ranks a memory.
func sanitizeFTS5Query(query string) string {
	words := strings.Fields(query)
	if len(words) == 0 {
		return ""
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		w = strings.ReplaceAll(w, `"`, `""`)
		quoted[i] = `"` + w + `"`
	}
	return strings.Join(quoted, " OR ")
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
