package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/mimir/internal/agent"
	"github.com/nugget/mimir/internal/api"
	"github.com/nugget/mimir/internal/calendar"
	"github.com/nugget/mimir/internal/config"
	"github.com/nugget/mimir/internal/events"
	"github.com/nugget/mimir/internal/fetch"
	"github.com/nugget/mimir/internal/health"
	"github.com/nugget/mimir/internal/history"
	"github.com/nugget/mimir/internal/httpkit"
	"github.com/nugget/mimir/internal/journal"
	"github.com/nugget/mimir/internal/llm"
	"github.com/nugget/mimir/internal/news"
	"github.com/nugget/mimir/internal/persona"
	"github.com/nugget/mimir/internal/planner"
	"github.com/nugget/mimir/internal/profile"
	"github.com/nugget/mimir/internal/recall"
	"github.com/nugget/mimir/internal/search"
	"github.com/nugget/mimir/internal/stream"
	"github.com/nugget/mimir/internal/taskqueue"
	"github.com/nugget/mimir/internal/tools"
	"github.com/nugget/mimir/internal/voice"
	"github.com/nugget/mimir/internal/weather"
)

// app is the assembled assistant shared by serve and ask.
type app struct {
	logger    *slog.Logger
	llm       llm.Client
	persona   *persona.Source
	history   *history.Store
	loop      *agent.Loop
	queue     *taskqueue.Queue
	bus       *events.Bus
	profiles  *profile.Store
	calendar  *calendar.Store
	journal   *journal.Store
	memory    *recall.Store
	news      *news.Client
	planner   *planner.Planner
	stream    *stream.Coordinator
	health    *health.Monitor
	caldav    *calendar.Syncer
	uploadDir string

	closers []func() error
}

// newApp opens the stores under cfg.DataDir and wires the agent loop.
// Background tasks run until ctx is cancelled.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{logger: logger, bus: events.New()}
	a.health = health.NewMonitor(health.Backoff{}, a.bus, logger)
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// --- Data directory ---
	// Every SQLite database, journal stats file and temporary upload
	// lives under this directory.
	a.uploadDir = filepath.Join(cfg.DataDir, "uploads")
	for _, dir := range []string{cfg.DataDir, a.uploadDir, filepath.Join(cfg.DataDir, "journal")} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}

	// --- Task queue ---
	a.queue = taskqueue.New(ctx, cfg.Tasks.Workers, logger)
	a.queue.Notify(func(t taskqueue.Task) {
		a.bus.Emit(events.SourceTasks, events.KindTaskDone, map[string]any{
			"task_id":     t.ID,
			"name":        t.Name,
			"state":       string(t.State),
			"error":       t.Error,
			"duration_ms": t.FinishedAt.Sub(t.StartedAt).Milliseconds(),
		})
	})

	// --- Stores ---
	if a.profiles, err = profile.NewStore(filepath.Join(cfg.DataDir, "profiles.db")); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.profiles.Close)

	if a.calendar, err = calendar.NewStore(filepath.Join(cfg.DataDir, "calendar.db"), logger); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.calendar.Close)

	if a.journal, err = journal.NewStore(filepath.Join(cfg.DataDir, "journal.db")); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.journal.Close)

	if a.memory, err = recall.NewStore(filepath.Join(cfg.DataDir, "recall.db"), logger); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.memory.Close)

	// --- Outbound HTTP ---
	// One rate-limited client is shared by every third-party provider.
	httpClient := httpkit.NewClient(
		httpkit.WithTimeout(cfg.Outbound.Timeout()),
		httpkit.WithRateLimit(httpkit.NewLimiter(cfg.Outbound.RequestsPerSecond, cfg.Outbound.Burst)),
		httpkit.WithRetry(2, time.Second),
		httpkit.WithLogger(logger),
	)

	if cfg.CalDAV.Configured() {
		syncer, err := calendar.NewSyncer(calendar.SyncConfig{
			URL:          cfg.CalDAV.URL,
			Username:     cfg.CalDAV.Username,
			Password:     cfg.CalDAV.Password,
			CalendarPath: cfg.CalDAV.CalendarPath,
			Zone:         time.Local,
		}, httpClient, logger)
		if err != nil {
			return nil, fmt.Errorf("caldav: %w", err)
		}
		a.calendar.EnableSync(syncer, a.queue)
		a.caldav = syncer
		logger.Info("caldav sync enabled", "url", cfg.CalDAV.URL)
	}

	// --- LLM ---
	if a.llm, err = createLLMClient(ctx, cfg, logger); err != nil {
		return nil, err
	}

	// --- Tools ---
	searcher := search.NewManager(cfg.Search.Default)
	if g := cfg.Search.Google; g.APIKey != "" && g.EngineID != "" {
		searcher.Register(search.NewGoogle(g.APIKey, g.EngineID, httpClient))
	}
	if cfg.Search.SearXNG.URL != "" {
		searcher.Register(search.NewSearXNG(cfg.Search.SearXNG.URL, httpClient))
	}
	if cfg.Search.Brave.APIKey != "" {
		searcher.Register(search.NewBrave(cfg.Search.Brave.APIKey, httpClient))
	}
	if !searcher.Configured() {
		logger.Warn("search provider not configured, web_search will report errors", "provider", cfg.Search.Default)
	}
	digester := search.NewDigester(fetch.New(httpClient), a.llm, cfg.LLM.Default, cfg.Search.DigestPages, logger)

	forecaster := weather.NewClient(cfg.Weather.APIKey, cfg.Weather.Units, httpClient)
	if cfg.Weather.APIKey == "" {
		logger.Warn("weather api key not configured, get_weather will report errors")
	}

	registry := tools.NewRegistry(logger)
	registry.SetSearch(searcher, digester)
	registry.SetWeather(forecaster, weather.NewLocator(cfg.Location.URL, httpClient))
	registry.SetCalendar(a.calendar)
	registry.SetJournal(a.journal)
	registry.SetProfile(a.profiles, a.memory)
	if err := registry.Validate(tools.Declared); err != nil {
		return nil, fmt.Errorf("tool registry: %w", err)
	}

	// --- Persona and history ---
	if a.persona, err = persona.New(cfg.PersonaFile, logger); err != nil {
		return nil, err
	}
	toolText := registry.Describe()
	a.history = history.NewStore(func() string {
		return a.persona.Text() + "\n\n" + toolText
	}, cfg.Agent.HistoryLimit)

	// --- Agent loop ---
	summarizer := journal.NewSummarizer(a.journal, a.llm, cfg.LLM.Default, a.calendar, filepath.Join(cfg.DataDir, "journal"), logger)

	a.loop = agent.NewLoop(agent.Config{
		Model:           cfg.LLM.Default,
		MaxIterations:   cfg.Agent.MaxIterations,
		AttachmentRoots: []string{a.uploadDir},
	}, a.llm, a.history, registry, logger)
	a.loop.SetContextProvider(agent.NewCompositeContextProvider(logger,
		agent.TimeProvider{},
		agent.RecallProvider{Store: a.memory},
		agent.JournalNoticeProvider{Journal: a.journal},
	))
	a.loop.SetObserver(&agent.Recorder{
		Journal: a.journal,
		Memory:  a.memory,
		Schedule: func(ctx context.Context, userID string) error {
			return summarizer.Schedule(ctx, a.queue, userID, time.Now())
		},
		Logger: logger,
	})
	a.loop.SetEventBus(a.bus)

	// --- Briefings, news and voice ---
	a.news = news.NewClient(cfg.News.FeedURL, cfg.News.Limit, httpClient, logger)

	tempUnit := "°C"
	if cfg.Weather.Units == "imperial" {
		tempUnit = "°F"
	}
	a.planner = &planner.Planner{
		Profiles: a.profiles,
		News:     a.news,
		Calendar: a.calendar,
		TempUnit: tempUnit,
		Logger:   logger.With("component", "planner"),
	}
	if searcher.Configured() {
		a.planner.Search = searcher
	}
	if cfg.Weather.APIKey != "" {
		a.planner.Weather = forecaster
	}

	var synth voice.Synthesizer
	if cfg.Voice.Enabled && cfg.Voice.APIKey != "" {
		synth = voice.NewGoogle(voice.Options{
			APIKey:       cfg.Voice.APIKey,
			Voice:        cfg.Voice.Voice,
			LanguageCode: cfg.Voice.LanguageCode,
			Pitch:        cfg.Voice.Pitch,
		}, httpClient, logger)
		logger.Info("voice enabled", "voice", cfg.Voice.Voice)
	}
	a.stream = stream.New(synth, stream.Options{MaxInflight: cfg.Voice.MaxInflight}, logger)

	logger.Info("mimir assembled", "tools", len(registry.Names()), "model", cfg.LLM.Default)
	return a, nil
}

// deps exposes the app's collaborators to the API server.
func (a *app) deps() api.Deps {
	return api.Deps{
		Chat:     a.loop,
		History:  a.history,
		Stream:   a.stream,
		Profiles: a.profiles,
		Planner:  a.planner,
		Calendar: a.calendar,
		News:     a.news,
		Journal:  a.journal,
		Memory:   a.memory,
		Tasks:    a.queue,
		Events:   a.bus,
		Health:   a.health,
	}
}

// watch starts health probes for the model providers and CalDAV.
func (a *app) watch(ctx context.Context) {
	a.health.Watch(ctx, "llm", a.llm.Ping)
	if a.caldav != nil {
		a.health.Watch(ctx, "caldav", a.caldav.Check)
	}
}

// Close closes the stores in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

// createLLMClient builds a client routing each model to its provider.
// Only providers that some configured model needs are created, so an
// unused provider never fails the startup ping.
func createLLMClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	needed := map[string]bool{cfg.ProviderFor(cfg.LLM.Default): true}
	for _, m := range cfg.LLM.Models {
		needed[cfg.ProviderFor(m.Name)] = true
	}

	clients := make(map[string]llm.Client)
	temp := cfg.Agent.Temperature
	for provider := range needed {
		switch provider {
		case "gemini":
			if cfg.LLM.Gemini.APIKey == "" {
				logger.Warn("gemini models configured without llm.gemini.api_key")
				continue
			}
			c, err := llm.NewGeminiClient(ctx, cfg.LLM.Gemini.APIKey, temp, logger)
			if err != nil {
				return nil, fmt.Errorf("gemini client: %w", err)
			}
			clients[provider] = c
		case "anthropic":
			if cfg.LLM.Anthropic.APIKey == "" {
				logger.Warn("anthropic models configured without llm.anthropic.api_key")
				continue
			}
			clients[provider] = llm.NewAnthropicClient(cfg.LLM.Anthropic.APIKey, temp, logger)
		case "ollama":
			clients[provider] = llm.NewOllamaClient(cfg.LLM.Ollama.URL, temp, logger)
		}
	}

	defaultProvider := cfg.ProviderFor(cfg.LLM.Default)
	fallback, ok := clients[defaultProvider]
	if !ok {
		return nil, errors.New("default model " + cfg.LLM.Default + " needs provider " + defaultProvider + ", which is not configured")
	}

	multi := llm.NewMultiClient(fallback)
	for name, c := range clients {
		multi.AddProvider(name, c)
	}
	for _, m := range cfg.LLM.Models {
		if _, ok := clients[cfg.ProviderFor(m.Name)]; ok {
			multi.AddModel(m.Name, cfg.ProviderFor(m.Name))
		}
	}
	return multi, nil
}
