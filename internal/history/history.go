// Package history keeps each user's conversation log. Every log opens
// with a single system message carrying the persona text; after that it
// only grows, one committed turn at a time, until it is cleared.
package history

import (
	"context"
	"sync"

	"github.com/nugget/mimir/internal/llm"
)

// PreambleFunc returns the current system preamble text.
type PreambleFunc func() string

type userLog struct {
	messages []llm.Message
	turn     chan struct{} // one slot; held for the duration of a turn
}

// Store holds per-user conversation logs in memory.
type Store struct {
	mu       sync.Mutex
	logs     map[string]*userLog
	preamble PreambleFunc
	limit    int
}

// NewStore creates a store. limit caps the number of messages kept after
// the preamble; zero or less keeps everything.
func NewStore(preamble PreambleFunc, limit int) *Store {
	if preamble == nil {
		preamble = func() string { return "" }
	}
	return &Store{
		logs:     make(map[string]*userLog),
		preamble: preamble,
		limit:    limit,
	}
}

// logFor returns the user's log, creating it on first access. Caller
// holds s.mu.
func (s *Store) logFor(user string) *userLog {
	l, ok := s.logs[user]
	if !ok {
		l = &userLog{
			messages: []llm.Message{s.systemMessage()},
			turn:     make(chan struct{}, 1),
		}
		s.logs[user] = l
	}
	return l
}

func (s *Store) systemMessage() llm.Message {
	return llm.Message{Role: llm.RoleSystem, Content: s.preamble()}
}

// Get returns a deep copy of the user's log. The first message always
// reflects the current preamble, so persona reloads apply to existing
// conversations.
func (s *Store) Get(user string) []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.logFor(user)
	l.messages[0] = s.systemMessage()
	out := make([]llm.Message, len(l.messages))
	for i, m := range l.messages {
		out[i] = m.Clone()
	}
	return out
}

// Len returns the number of messages in the user's log, preamble included.
func (s *Store) Len(user string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logFor(user).messages)
}

// Commit appends a finished turn's messages in one step.
func (s *Store) Commit(user string, msgs ...llm.Message) {
	if len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.logFor(user)
	for _, m := range msgs {
		l.messages = append(l.messages, m.Clone())
	}
	if s.limit > 0 && len(l.messages)-1 > s.limit {
		keep := l.messages[len(l.messages)-s.limit:]
		trimmed := make([]llm.Message, 0, s.limit+1)
		trimmed = append(trimmed, l.messages[0])
		l.messages = append(trimmed, keep...)
	}
}

// Clear drops the user's conversation and reinstates the preamble.
func (s *Store) Clear(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.logFor(user)
	l.messages = []llm.Message{s.systemMessage()}
}

// Lock reserves the user's turn slot. It blocks until any turn already
// running for the user finishes, or until ctx is done. The returned
// function releases the slot and is safe to call more than once.
func (s *Store) Lock(ctx context.Context, user string) (func(), error) {
	s.mu.Lock()
	turn := s.logFor(user).turn
	s.mu.Unlock()

	select {
	case turn <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() { once.Do(func() { <-turn }) }, nil
}

// RenderForModel builds the model input for one generation: the stored
// log followed by the context-enriched copy of the current user message.
// h is not modified.
func RenderForModel(h []llm.Message, transient llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(h)+1)
	out = append(out, h...)
	return append(out, transient)
}
