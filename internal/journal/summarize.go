package journal

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/nugget/mimir/internal/calendar"
	"github.com/nugget/mimir/internal/llm"
	"github.com/nugget/mimir/internal/prompts"
)

const (
	// EventSubject names the calendar event created for each entry.
	EventSubject = "Daily Journal"
	eventDetails = "Click to view daily summary."
	eventTime    = "23:59"
)

// Calendar is the part of the calendar store the summariser writes to.
type Calendar interface {
	Search(ctx context.Context, userID string, opts calendar.SearchOptions) ([]calendar.Event, error)
	Create(ctx context.Context, e calendar.Event) (*calendar.Event, error)
	Update(ctx context.Context, userID, id string, p calendar.Patch) (*calendar.Event, error)
}

// Submitter runs background work. taskqueue.Queue satisfies it.
type Submitter interface {
	Submit(name string, fn func(ctx context.Context) error) string
}

// Summarizer turns a day's log into an Entry with a narrative written by
// the model, a stats CSV and a calendar event pointing at it.
type Summarizer struct {
	store    *Store
	llm      llm.Client
	model    string
	calendar Calendar
	dir      string
	logger   *slog.Logger
}

// NewSummarizer creates a Summarizer that writes stats files under dir.
// cal may be nil to skip the calendar event.
func NewSummarizer(store *Store, client llm.Client, model string, cal Calendar, dir string, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{
		store:    store,
		llm:      client,
		model:    model,
		calendar: cal,
		dir:      dir,
		logger:   logger.With("component", "journal"),
	}
}

// Due lists the dates that should be summarised now: today once the
// clock reaches 23:59, and yesterday if it was logged but never
// summarised.
func (s *Summarizer) Due(ctx context.Context, userID string, now time.Time) ([]string, error) {
	var candidates []string
	if now.Hour() == 23 && now.Minute() >= 59 {
		candidates = append(candidates, now.Format(DateLayout))
	}
	candidates = append(candidates, now.AddDate(0, 0, -1).Format(DateLayout))

	var due []string
	for _, date := range candidates {
		n, err := s.store.countItems(ctx, userID, date)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		done, err := s.store.HasEntry(ctx, userID, date)
		if err != nil {
			return nil, err
		}
		if !done {
			due = append(due, date)
		}
	}
	return due, nil
}

// Schedule submits a Generate job to q for every due date.
func (s *Summarizer) Schedule(ctx context.Context, q Submitter, userID string, now time.Time) error {
	dates, err := s.Due(ctx, userID, now)
	if err != nil {
		return err
	}
	for _, date := range dates {
		s.logger.Info("journal entry due", "user", userID, "date", date)
		q.Submit("journal "+userID+" "+date, func(ctx context.Context) error {
			return s.Generate(ctx, userID, date)
		})
	}
	return nil
}

// Generate builds and stores the entry for userID on date. A day with
// no log is skipped.
func (s *Summarizer) Generate(ctx context.Context, userID, date string) error {
	items, err := s.store.Items(ctx, userID, date)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		s.logger.Debug("no log for day", "user", userID, "date", date)
		return nil
	}

	stats, recipe := Tally(items)
	resp, err := s.llm.Invoke(ctx, s.model, []llm.Message{{
		Role:    llm.RoleUser,
		Content: narrativePrompt(userID, items),
	}})
	if err != nil {
		return fmt.Errorf("summarise journal: %w", err)
	}

	attachment, err := s.writeStats(userID, date, stats)
	if err != nil {
		return err
	}

	entry := Entry{
		Date:       date,
		UserID:     userID,
		Summary:    strings.TrimSpace(resp.Text),
		Stats:      stats,
		Recipe:     recipe,
		Attachment: attachment,
	}
	if err := s.store.SaveEntry(ctx, entry); err != nil {
		return err
	}
	if s.calendar != nil {
		if err := s.upsertEvent(ctx, userID, date, attachment); err != nil {
			return err
		}
	}
	s.logger.Info("journal entry generated", "user", userID, "date", date,
		"items", len(items), "tool_calls", stats.TotalToolCalls)
	return nil
}

func (s *Summarizer) upsertEvent(ctx context.Context, userID, date, attachment string) error {
	events, err := s.calendar.Search(ctx, userID, calendar.SearchOptions{Start: date, End: date})
	if err != nil {
		return fmt.Errorf("find journal event: %w", err)
	}
	for _, e := range events {
		if e.Subject == EventSubject {
			_, err := s.calendar.Update(ctx, userID, e.ID, calendar.Patch{Details: eventDetails, Attachment: attachment})
			return err
		}
	}
	_, err = s.calendar.Create(ctx, calendar.Event{
		UserID:     userID,
		Subject:    EventSubject,
		Date:       date,
		StartTime:  eventTime,
		EndTime:    eventTime,
		Details:    eventDetails,
		Attachment: attachment,
	})
	return err
}

// writeStats writes the day's stats as a two-column CSV and returns its
// absolute path.
func (s *Summarizer) writeStats(userID, date string, stats Stats) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create journal directory: %w", err)
	}
	name := fmt.Sprintf("journal_stats_%s_%s.csv", safeID(userID), date)
	path, err := filepath.Abs(filepath.Join(s.dir, name))
	if err != nil {
		return "", err
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create stats file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	rows := [][]string{
		{"Metric", "Value"},
		{"User Messages", strconv.Itoa(stats.UserMessages)},
		{"Total Tool Calls", strconv.Itoa(stats.TotalToolCalls)},
		{"Tool Errors", strconv.Itoa(stats.ToolErrors)},
	}
	tools := make([]string, 0, len(stats.ToolCounts))
	for name := range stats.ToolCounts {
		tools = append(tools, name)
	}
	slices.Sort(tools)
	for _, name := range tools {
		rows = append(rows, []string{"Tool: " + name, strconv.Itoa(stats.ToolCounts[name])})
	}
	if err := w.WriteAll(rows); err != nil {
		return "", fmt.Errorf("write stats file: %w", err)
	}
	return path, nil
}

// ToolUse is the content of a KindToolUse log item.
type ToolUse struct {
	Tools   []string     `json:"tools"`
	Results []ToolResult `json:"results"`
}

// ToolResult pairs a tool with its result payload.
type ToolResult struct {
	Tool   string `json:"tool"`
	Result any    `json:"result"`
}

// Tally counts a day's stats and finds the last recipe the user cooked.
func Tally(items []Item) (Stats, json.RawMessage) {
	stats := Stats{ToolCounts: map[string]int{}}
	var recipe json.RawMessage
	for _, it := range items {
		switch it.Kind {
		case KindChat:
			var text string
			if json.Unmarshal(it.Content, &text) == nil && strings.HasPrefix(text, "User:") {
				stats.UserMessages++
			}
		case KindToolUse:
			stats.TotalToolCalls++
			var use struct {
				Tools   []string `json:"tools"`
				Results []struct {
					Tool   string          `json:"tool"`
					Result json.RawMessage `json:"result"`
				} `json:"results"`
			}
			if json.Unmarshal(it.Content, &use) != nil {
				continue
			}
			for _, name := range use.Tools {
				stats.ToolCounts[name]++
			}
			for _, r := range use.Results {
				var res map[string]json.RawMessage
				if json.Unmarshal(r.Result, &res) != nil {
					continue
				}
				if _, ok := res["error"]; ok || string(res["status"]) == `"error"` {
					stats.ToolErrors++
				}
				if r.Tool == "start_cooking" && string(res["status"]) == `"started"` && res["recipe"] != nil {
					recipe = res["recipe"]
				}
			}
		}
	}
	return stats, recipe
}

func narrativePrompt(userID string, items []Item) string {
	var sb strings.Builder
	for _, it := range items {
		content := string(it.Content)
		var text string
		if json.Unmarshal(it.Content, &text) == nil {
			content = text
		}
		fmt.Fprintf(&sb, "[%s] %s: %s\n", it.Timestamp.Format(time.RFC3339), it.Kind, content)
	}
	return prompts.JournalNarrative(userID, sb.String())
}

// safeID keeps only letters and digits of a user id for file names.
func safeID(id string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, id)
}
