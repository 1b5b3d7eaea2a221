package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// ContextProvider supplies text for the transient context of a turn.
// An empty string contributes nothing.
type ContextProvider interface {
	GetContext(ctx context.Context, req *Request) (string, error)
}

// ContextFunc adapts a function to ContextProvider.
type ContextFunc func(ctx context.Context, req *Request) (string, error)

// GetContext implements ContextProvider.
func (f ContextFunc) GetContext(ctx context.Context, req *Request) (string, error) {
	return f(ctx, req)
}

// CompositeContextProvider combines multiple context providers in order.
// Each provider's output is separated by a blank line.
type CompositeContextProvider struct {
	providers []ContextProvider
	logger    *slog.Logger
}

// NewCompositeContextProvider creates a composite from multiple providers.
func NewCompositeContextProvider(logger *slog.Logger, providers ...ContextProvider) *CompositeContextProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompositeContextProvider{providers: providers, logger: logger}
}

// Add appends a provider to the composite.
func (c *CompositeContextProvider) Add(provider ContextProvider) {
	if provider != nil {
		c.providers = append(c.providers, provider)
	}
}

// GetContext calls all providers and combines their output. A failing
// provider is logged and skipped.
func (c *CompositeContextProvider) GetContext(ctx context.Context, req *Request) (string, error) {
	var parts []string
	for _, p := range c.providers {
		content, err := p.GetContext(ctx, req)
		if err != nil {
			c.logger.Warn("context provider failed", "user", req.UserID, "error", err)
			continue
		}
		if content != "" {
			parts = append(parts, content)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// TimeFormat renders the current time for the model.
const TimeFormat = "Monday, January 02, 2006 at 03:04 PM"

// TimeProvider states the current date and time and who is speaking.
type TimeProvider struct {
	Now func() time.Time
}

// GetContext implements ContextProvider.
func (p TimeProvider) GetContext(_ context.Context, req *Request) (string, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	name := req.DisplayName
	if name == "" {
		name = req.UserID
	}
	return "Current Date and Time: " + now().Format(TimeFormat) + "\nUser Name: " + name, nil
}

// Recaller finds remembered text relevant to a query. recall.Store
// satisfies it.
type Recaller interface {
	Recall(ctx context.Context, query, userID string) (string, error)
}

// RecallProvider adds memories related to the user's message.
type RecallProvider struct {
	Store Recaller
}

// GetContext implements ContextProvider.
func (p RecallProvider) GetContext(ctx context.Context, req *Request) (string, error) {
	return p.Store.Recall(ctx, req.Message, req.UserID)
}

// JournalNote is added when the user has logged little by the evening.
const JournalNote = "[SYSTEM NOTE: It is after 7:00 PM and the user has not recorded much today. " +
	"Gently ask them how their day went and if they have anything to add to their daily log.]"

// Prompter decides whether to nudge the user about their journal and
// records that it did. journal.Store satisfies it.
type Prompter interface {
	PromptNeeded(ctx context.Context, userID string, now time.Time) (bool, error)
}

// JournalNoticeProvider adds JournalNote at most once a day per user.
type JournalNoticeProvider struct {
	Journal Prompter
	Now     func() time.Time
}

// GetContext implements ContextProvider.
func (p JournalNoticeProvider) GetContext(ctx context.Context, req *Request) (string, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	needed, err := p.Journal.PromptNeeded(ctx, req.UserID, now())
	if err != nil || !needed {
		return "", err
	}
	return JournalNote, nil
}
