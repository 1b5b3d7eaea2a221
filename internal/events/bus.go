// Package events carries operational events from the agent loop, the
// background task queue and the health monitor to whoever wants to
// watch: the MQTT publisher and the /v1/events websocket. Publishing
// never blocks, and a nil *Bus accepts every call, so producers need no
// guard checks.
package events

import (
	"slices"
	"sync"
	"time"
)

// Sources.
const (
	SourceAgent  = "agent"
	SourceTasks  = "tasks"
	SourceHealth = "health"
)

// Kinds published by the agent loop.
const (
	// KindRequestStart opens a chat turn.
	// Data: request_id, user, intensity.
	KindRequestStart = "request_start"
	// KindLLMCall starts a model round.
	// Data: request_id, iter, model.
	KindLLMCall = "llm_call"
	// KindLLMResponse ends a model round.
	// Data: request_id, iter, model, tokens_in, tokens_out, tool_calls.
	KindLLMResponse = "llm_response"
	// KindToolCall starts a tool.
	// Data: request_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone ends a tool.
	// Data: request_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindLoopDetected reports a repeated call that was not run.
	// Data: request_id, tool.
	KindLoopDetected = "loop_detected"
	// KindRequestComplete closes a chat turn.
	// Data: request_id, user, iterations, tools, ok, elapsed_ms.
	KindRequestComplete = "request_complete"
)

// Kinds published for background tasks.
const (
	// KindTaskDone reports a finished task.
	// Data: task_id, name, state, error, duration_ms.
	KindTaskDone = "task_done"
)

// Kinds published by the health monitor.
const (
	// KindServiceUp reports a dependency that became reachable.
	// Data: service, attempts.
	KindServiceUp = "service_up"
	// KindServiceDown reports a dependency that stopped answering.
	// Data: service, error.
	KindServiceDown = "service_down"
)

// Event is one operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscription receives events on C until Close is called.
type Subscription struct {
	C <-chan Event

	bus     *Bus
	ch      chan Event
	sources []string
}

// Close ends the subscription and closes C. Calling it again is a no-op.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s]; !ok {
		return
	}
	delete(s.bus.subs, s)
	close(s.ch)
}

func (s *Subscription) wants(source string) bool {
	return len(s.sources) == 0 || slices.Contains(s.sources, source)
}

// Bus is a non-blocking broadcast bus. A subscriber whose buffer is full
// misses events instead of stalling the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// New creates an event bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Publish delivers e to every interested subscriber.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(e.Source) {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe registers a subscriber with a buffer of bufSize events. When
// sources are given only events from those sources are delivered.
func (b *Bus) Subscribe(bufSize int, sources ...string) *Subscription {
	ch := make(chan Event, bufSize)
	s := &Subscription{C: ch, bus: b, ch: ch, sources: sources}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[s] = struct{}{}
	return s
}

// SubscriberCount returns the number of open subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
