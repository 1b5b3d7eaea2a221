// Package llm provides the model clients Mimir talks to. Mimir's tool
// protocol is textual, so every provider exposes the same two calls: a
// streaming completion that hands each text fragment to a callback, and
// a one-shot invocation used for summaries and page digests.
package llm

import (
	"context"
	"strings"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// PartKind distinguishes text parts from inline binary parts.
type PartKind string

const (
	PartText   PartKind = "text"
	PartInline PartKind = "inline"
)

// Part is one element of a multi-part message, used when a turn carries
// an attached image next to its text.
type Part struct {
	Kind     PartKind `json:"kind"`
	Text     string   `json:"text,omitempty"`
	MIMEType string   `json:"mime_type,omitempty"`
	Data     []byte   `json:"data,omitempty"`
}

// Message is a single conversation message. Content holds the text when
// Parts is empty.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Parts   []Part `json:"parts,omitempty"`
}

// Text returns the message's text, joining text parts when the message
// is multi-part.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Kind != PartText {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	if m.Parts == nil {
		return m
	}
	parts := make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		parts[i] = p
		if p.Data != nil {
			parts[i].Data = append([]byte(nil), p.Data...)
		}
	}
	m.Parts = parts
	return m
}

// Response is the provider-neutral result of a completion.
type Response struct {
	Model        string
	Text         string
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// TokenFunc receives each streamed text fragment in order.
type TokenFunc func(fragment string)

// Client is implemented by every model provider.
type Client interface {
	// Stream runs a completion, calling fn for each text fragment as it
	// arrives. The returned Response carries the full text.
	Stream(ctx context.Context, model string, messages []Message, fn TokenFunc) (*Response, error)

	// Invoke runs a completion and returns only the final text.
	Invoke(ctx context.Context, model string, messages []Message) (*Response, error)

	// Ping checks that the provider is reachable.
	Ping(ctx context.Context) error
}

// splitSystem separates system messages from the conversation. Multiple
// system messages are joined with blank lines.
func splitSystem(messages []Message) (system string, rest []Message) {
	var parts []string
	for _, m := range messages {
		if m.Role == RoleSystem {
			parts = append(parts, m.Text())
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(parts, "\n\n"), rest
}
