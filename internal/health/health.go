// Package health watches the services Mimir depends on (model providers,
// the CalDAV server) and reports which of them currently answer.
//
// Each service is probed with exponential backoff at startup and then
// polled at a fixed interval. Transitions between reachable and
// unreachable are logged and published on the event bus.
package health

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nugget/mimir/internal/events"
)

// Probe checks whether a service answers. nil means healthy.
type Probe func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	// Initial is the delay after the first failed startup probe.
	Initial time.Duration
	// Max caps the startup delay.
	Max time.Duration
	// Retries bounds the startup attempts before falling back to polling.
	Retries int
	// Poll is the steady-state probe interval.
	Poll time.Duration
	// Timeout bounds each probe.
	Timeout time.Duration
}

// DefaultBackoff probes at 2s, 4s, 8s ... up to 60s for ten attempts,
// then once a minute.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial: 2 * time.Second,
		Max:     time.Minute,
		Retries: 10,
		Poll:    time.Minute,
		Timeout: 10 * time.Second,
	}
}

// Status is the last known state of one service.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

type service struct {
	name  string
	probe Probe

	mu     sync.Mutex
	status Status
}

// Monitor watches a set of services.
type Monitor struct {
	backoff Backoff
	bus     *events.Bus
	logger  *slog.Logger

	mu       sync.RWMutex
	services map[string]*service
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor. Zero fields of b take their defaults.
func NewMonitor(b Backoff, bus *events.Bus, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Retries <= 0 {
		b.Retries = d.Retries
	}
	if b.Poll <= 0 {
		b.Poll = d.Poll
	}
	if b.Timeout <= 0 {
		b.Timeout = d.Timeout
	}
	return &Monitor{
		backoff:  b,
		bus:      bus,
		logger:   logger.With("component", "health"),
		services: make(map[string]*service),
	}
}

// Watch starts probing name until ctx is cancelled.
func (m *Monitor) Watch(ctx context.Context, name string, probe Probe) {
	s := &service{name: name, probe: probe, status: Status{Name: name}}
	m.mu.Lock()
	m.services[name] = s
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, s)
	}()
}

// Wait blocks until every watcher has stopped.
func (m *Monitor) Wait() { m.wg.Wait() }

// Status returns every service's state sorted by name.
func (m *Monitor) Status() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.services))
	for _, s := range m.services {
		s.mu.Lock()
		out = append(out, s.status)
		s.mu.Unlock()
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Healthy reports whether every watched service is ready.
func (m *Monitor) Healthy() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

func (m *Monitor) run(ctx context.Context, s *service) {
	delay := m.backoff.Initial
	for attempt := 1; attempt <= m.backoff.Retries; attempt++ {
		err := m.check(ctx, s)
		if err == nil {
			m.transition(s, true, nil, attempt)
			break
		}
		if ctx.Err() != nil {
			return
		}
		if attempt == m.backoff.Retries {
			m.logger.Warn("service unreachable at startup, polling in background",
				"service", s.name, "attempts", attempt, "error", err)
			break
		}
		m.logger.Debug("startup probe failed, retrying",
			"service", s.name, "attempt", attempt, "next_delay", delay, "error", err)
		if !sleep(ctx, delay) {
			return
		}
		delay = min(delay*2, m.backoff.Max)
	}

	ticker := time.NewTicker(m.backoff.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.check(ctx, s)
			if ctx.Err() != nil {
				return
			}
			m.transition(s, err == nil, err, 0)
		}
	}
}

// check runs one probe and records its outcome.
func (m *Monitor) check(ctx context.Context, s *service) error {
	pctx, cancel := context.WithTimeout(ctx, m.backoff.Timeout)
	defer cancel()
	err := s.probe(pctx)

	s.mu.Lock()
	s.status.LastCheck = time.Now()
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
	}
	s.mu.Unlock()
	return err
}

// transition updates readiness and announces changes.
func (m *Monitor) transition(s *service, ready bool, err error, attempts int) {
	s.mu.Lock()
	was := s.status.Ready
	s.status.Ready = ready
	s.mu.Unlock()
	if was == ready {
		return
	}
	if ready {
		m.logger.Info("service ready", "service", s.name)
		data := map[string]any{"service": s.name}
		if attempts > 0 {
			data["attempts"] = attempts
		}
		m.bus.Emit(events.SourceHealth, events.KindServiceUp, data)
		return
	}
	m.logger.Warn("service became unreachable", "service", s.name, "error", err)
	m.bus.Emit(events.SourceHealth, events.KindServiceDown, map[string]any{
		"service": s.name,
		"error":   err.Error(),
	})
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
