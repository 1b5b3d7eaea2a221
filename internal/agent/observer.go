package agent

import (
	"context"
	"log/slog"

	"github.com/nugget/mimir/internal/journal"
)

// InteractionLog appends to a user's daily log. journal.Store satisfies
// it.
type InteractionLog interface {
	Log(ctx context.Context, userID, kind string, content any) error
}

// Rememberer stores text for later recall. recall.Store satisfies it.
type Rememberer interface {
	Remember(ctx context.Context, text, userID string, metadata map[string]string) error
}

// Recorder is the TurnObserver that keeps the journal and the recall
// memory up to date. Nil fields are skipped.
type Recorder struct {
	Journal InteractionLog
	Memory  Rememberer

	// Schedule queues any journal summaries that are due for the user.
	Schedule func(ctx context.Context, userID string) error

	Logger *slog.Logger
}

func (r *Recorder) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// TurnStarted logs the user's message and queues overdue summaries.
func (r *Recorder) TurnStarted(ctx context.Context, userID, message string) {
	if r.Journal != nil {
		if err := r.Journal.Log(ctx, userID, journal.KindChat, "User: "+message); err != nil {
			r.logger().Warn("journal log failed", "user", userID, "error", err)
		}
	}
	if r.Schedule != nil {
		if err := r.Schedule(ctx, userID); err != nil {
			r.logger().Warn("journal scheduling failed", "user", userID, "error", err)
		}
	}
}

// TurnComplete remembers the exchange and logs the reply and tool use.
func (r *Recorder) TurnComplete(ctx context.Context, turn Turn) {
	if r.Memory != nil {
		text := "User: " + turn.Message + "\nMIMIR: " + turn.Response
		if err := r.Memory.Remember(ctx, text, turn.UserID, map[string]string{"request_id": turn.RequestID}); err != nil {
			r.logger().Warn("remember failed", "user", turn.UserID, "error", err)
		}
	}
	if r.Journal == nil {
		return
	}
	if err := r.Journal.Log(ctx, turn.UserID, journal.KindChat, "MIMIR: "+turn.Response); err != nil {
		r.logger().Warn("journal log failed", "user", turn.UserID, "error", err)
	}
	if len(turn.ToolsUsed) == 0 {
		return
	}
	use := journal.ToolUse{Tools: turn.ToolsUsed}
	for _, res := range turn.ToolResults {
		use.Results = append(use.Results, journal.ToolResult{Tool: res.Tool, Result: res.Result})
	}
	if err := r.Journal.Log(ctx, turn.UserID, journal.KindToolUse, use); err != nil {
		r.logger().Warn("journal log failed", "user", turn.UserID, "error", err)
	}
}
