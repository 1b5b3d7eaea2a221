package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/nugget/mimir/internal/journal"
)

// JournalReader reads summarised journal entries. journal.Store
// satisfies it.
type JournalReader interface {
	Search(ctx context.Context, userID string, opts journal.SearchOptions) ([]journal.Entry, error)
	Entry(ctx context.Context, userID, date string) (*journal.Entry, error)
}

// SetJournal adds the journal_search and journal_read tools.
func (r *Registry) SetJournal(j JournalReader) {
	r.journal = j

	r.Register(&Tool{
		Name:        "journal_search",
		Description: "Search the user's daily journal summaries. Dates are YYYY-MM-DD; every parameter is optional.",
		Format:      "[TOOL:journal_search|start_date=<date>|end_date=<date>|query=<text>]",
		Status:      "Searching the annals...",
		Handler:     r.handleJournalSearch,
	})
	r.Register(&Tool{
		Name:        "journal_read",
		Description: "Read the full journal entry for one day.",
		Format:      "[TOOL:journal_read|date=<YYYY-MM-DD>]",
		Status:      "Reading from the chronicles...",
		Handler:     r.handleJournalRead,
	})
}

type journalHit struct {
	Date    string `json:"date"`
	Summary string `json:"summary"`
}

func (r *Registry) handleJournalSearch(ctx context.Context, call Call) (any, error) {
	entries, err := r.journal.Search(ctx, call.UserID, journal.SearchOptions{
		Start: call.Params.Value("start_date"),
		End:   call.Params.Value("end_date"),
		Query: call.Params.Value("query"),
	})
	if err != nil {
		return nil, err
	}
	hits := make([]journalHit, 0, len(entries))
	for _, e := range entries {
		hits = append(hits, journalHit{Date: e.Date, Summary: e.Summary})
	}
	return map[string]any{"entries": hits, "count": len(hits)}, nil
}

func (r *Registry) handleJournalRead(ctx context.Context, call Call) (any, error) {
	date, err := required(call.Params, "date")
	if err != nil {
		return nil, err
	}
	e, err := r.journal.Entry(ctx, call.UserID, date)
	if errors.Is(err, journal.ErrNoEntry) {
		return map[string]any{"error": fmt.Sprintf("No journal entry for %s", date)}, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}
