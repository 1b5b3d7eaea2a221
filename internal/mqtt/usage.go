package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/mimir/internal/events"
)

// Usage accumulates the day's activity from operational events. Counters
// reset at local midnight. It is safe for concurrent use.
type Usage struct {
	mu       sync.Mutex
	day      int // day-of-year the counters belong to
	loc      *time.Location
	now      func() time.Time
	snapshot UsageSnapshot
}

// UsageSnapshot is the day's activity so far.
type UsageSnapshot struct {
	InputTokens  int64     `json:"tokens_in"`
	OutputTokens int64     `json:"tokens_out"`
	Turns        int64     `json:"turns"`
	FailedTurns  int64     `json:"failed_turns"`
	ToolCalls    int64     `json:"tool_calls"`
	ToolErrors   int64     `json:"tool_errors"`
	Loops        int64     `json:"loops_detected"`
	LastTurn     time.Time `json:"last_turn,omitzero"`
}

// NewUsage creates an accumulator that rolls over at midnight in loc.
// A nil loc means [time.Local].
func NewUsage(loc *time.Location) *Usage {
	if loc == nil {
		loc = time.Local
	}
	u := &Usage{loc: loc, now: time.Now}
	u.day = u.today()
	return u
}

func (u *Usage) today() int { return u.now().In(u.loc).YearDay() }

// rollover zeroes the counters on a new day. Caller holds u.mu.
func (u *Usage) rollover() {
	if d := u.today(); d != u.day {
		u.snapshot = UsageSnapshot{LastTurn: u.snapshot.LastTurn}
		u.day = d
	}
}

// Record counts e.
func (u *Usage) Record(e events.Event) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.rollover()

	s := &u.snapshot
	switch e.Kind {
	case events.KindLLMResponse:
		s.InputTokens += toInt64(e.Data["tokens_in"])
		s.OutputTokens += toInt64(e.Data["tokens_out"])
	case events.KindRequestComplete:
		s.Turns++
		if ok, _ := e.Data["ok"].(bool); !ok {
			s.FailedTurns++
		}
		s.LastTurn = e.Timestamp
	case events.KindToolDone:
		s.ToolCalls++
		if ok, _ := e.Data["ok"].(bool); !ok {
			s.ToolErrors++
		}
	case events.KindLoopDetected:
		s.Loops++
	}
}

// Snapshot returns the counters after any midnight rollover.
func (u *Usage) Snapshot() UsageSnapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.rollover()
	return u.snapshot
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}
