// Package agent implements the core agent loop.
//
// A turn streams the model's reply to the caller as it is generated,
// hides the tool markers it contains, runs the requested tools and feeds
// their results back until the model answers without asking for more, or
// until the round limit is reached.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/mimir/internal/events"
	"github.com/nugget/mimir/internal/history"
	"github.com/nugget/mimir/internal/llm"
	"github.com/nugget/mimir/internal/marker"
	"github.com/nugget/mimir/internal/prompts"
	"github.com/nugget/mimir/internal/tools"
)

// Messages shown to the user.
const (
	StartStatus    = "Consulting the runes..."
	ResultsStatus  = "Processing results..."
	FailureMessage = "The threads of fate are tangled. I cannot speak right now."
)

// DefaultMaxIterations bounds the model rounds of one turn.
const DefaultMaxIterations = 5

const (
	loopDetected = "SYSTEM: Loop detected. You have already executed this tool with these parameters. " +
		"Do not do it again. Provide your final response."
	continueInstruction = "Continue processing. If another tool is needed, call it. " +
		"Otherwise, provide your final response to the user."
)

// Request is one user message to answer.
type Request struct {
	UserID  string
	Message string

	// Context is extra background for this turn only, placed ahead of
	// the message together with the provider context.
	Context string

	// PersonalityIntensity runs from 0 (plain) to 100 (full persona).
	PersonalityIntensity int

	// DisplayName is how the user is addressed.
	DisplayName string

	// Model overrides the configured model.
	Model string
}

// ToolRunner executes tools. tools.Registry satisfies it.
type ToolRunner interface {
	Execute(ctx context.Context, name string, params marker.Params, userID string) any
	Status(name string) string
}

// Turn is the record of a completed turn handed to a TurnObserver.
type Turn struct {
	RequestID   string
	UserID      string
	Message     string
	Response    string
	ToolsUsed   []string
	ToolResults []ToolResult
	Started     time.Time
	Finished    time.Time
}

// TurnObserver is told about turns as they start and after they finish
// successfully.
type TurnObserver interface {
	TurnStarted(ctx context.Context, userID, message string)
	TurnComplete(ctx context.Context, turn Turn)
}

// Config tunes the loop.
type Config struct {
	Model         string
	MaxIterations int

	// AttachmentRoots are the directories [FILE: path] references may
	// point into.
	AttachmentRoots []string
}

// Loop is the core agent execution loop.
type Loop struct {
	logger   *slog.Logger
	llm      llm.Client
	history  *history.Store
	tools    ToolRunner
	context  ContextProvider
	observer TurnObserver
	bus      *events.Bus

	model       string
	maxIter     int
	attachRoots []string
}

// NewLoop creates a new agent loop.
func NewLoop(cfg Config, client llm.Client, hist *history.Store, runner ToolRunner, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	l := &Loop{
		logger:  logger.With("component", "agent"),
		llm:     client,
		history: hist,
		tools:   runner,
		model:   cfg.Model,
		maxIter: cfg.MaxIterations,
	}
	for _, root := range cfg.AttachmentRoots {
		if abs, err := filepath.Abs(root); err == nil {
			l.attachRoots = append(l.attachRoots, abs)
		}
	}
	return l
}

// SetContextProvider sets the source of per-turn context.
func (l *Loop) SetContextProvider(p ContextProvider) { l.context = p }

// SetObserver registers the turn observer.
func (l *Loop) SetObserver(o TurnObserver) { l.observer = o }

// SetEventBus publishes operational events to bus.
func (l *Loop) SetEventBus(bus *events.Bus) { l.bus = bus }

// generateRequestID returns a short id for correlating a turn's logs.
func generateRequestID() string {
	return "r_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// turn is the state of one Run.
type turn struct {
	id      string
	req     *Request
	emit    func(Event)
	logger  *slog.Logger
	started time.Time

	modifier string
	gen      []llm.Message // model input, history plus this turn
	pending  []llm.Message // to be committed when the turn succeeds

	executed    map[string]bool
	toolsUsed   []string
	toolResults []ToolResult
}

// Run answers one request. Every event is passed to emit on the calling
// goroutine, and the last one is always a response or an error. The
// user's history gains the turn only when it ends with a response.
// Cancelling ctx abandons the turn: the model stream and running tools
// see the cancellation and nothing is committed.
func (l *Loop) Run(ctx context.Context, req *Request, emit func(Event)) {
	t := &turn{
		id:       generateRequestID(),
		req:      req,
		emit:     emit,
		started:  time.Now(),
		modifier: prompts.Tone(req.PersonalityIntensity),
		executed: make(map[string]bool),
	}
	t.logger = l.logger.With("request_id", t.id, "user", req.UserID)
	ctx = tools.WithRequestID(ctx, t.id)

	unlock, err := l.history.Lock(ctx, req.UserID)
	if err != nil {
		t.logger.Info("turn abandoned before start", "error", err)
		emit(ErrorEvent(FailureMessage))
		return
	}
	defer unlock()

	t.logger.Info("turn started", "intensity", req.PersonalityIntensity, "message_len", len(req.Message))
	l.bus.Emit(events.SourceAgent, events.KindRequestStart, map[string]any{
		"request_id": t.id, "user": req.UserID, "intensity": req.PersonalityIntensity,
	})
	if l.observer != nil {
		l.observer.TurnStarted(ctx, req.UserID, req.Message)
	}

	text, iterations, err := l.run(ctx, t)
	if err != nil {
		if ctx.Err() != nil {
			t.logger.Info("turn cancelled", "iterations", iterations, "error", err)
		} else {
			t.logger.Error("turn failed", "iterations", iterations, "error", err)
		}
		l.complete(t, iterations, false)
		emit(ErrorEvent(FailureMessage))
		return
	}

	t.pending = append(t.pending, llm.Message{Role: llm.RoleAssistant, Content: text})
	l.history.Commit(req.UserID, t.pending...)
	l.complete(t, iterations, true)

	emit(Event{
		Type:        EventResponse,
		Text:        text,
		ToolsUsed:   t.toolsUsed,
		ToolResults: t.toolResults,
	})

	if l.observer != nil {
		l.observer.TurnComplete(context.WithoutCancel(ctx), Turn{
			RequestID:   t.id,
			UserID:      req.UserID,
			Message:     req.Message,
			Response:    text,
			ToolsUsed:   t.toolsUsed,
			ToolResults: t.toolResults,
			Started:     t.started,
			Finished:    time.Now(),
		})
	}
}

func (l *Loop) complete(t *turn, iterations int, ok bool) {
	elapsed := time.Since(t.started)
	t.logger.Info("turn complete",
		"ok", ok,
		"iterations", iterations,
		"tools", len(t.toolsUsed),
		"elapsed", elapsed.Round(time.Millisecond),
	)
	l.bus.Emit(events.SourceAgent, events.KindRequestComplete, map[string]any{
		"request_id": t.id,
		"user":       t.req.UserID,
		"iterations": iterations,
		"tools":      len(t.toolsUsed),
		"ok":         ok,
		"elapsed_ms": elapsed.Milliseconds(),
	})
}

// run drives the model and tool rounds and returns the final text.
func (l *Loop) run(ctx context.Context, t *turn) (string, int, error) {
	clean, transient := l.buildUserTurn(ctx, t)
	t.pending = append(t.pending, clean)
	t.gen = history.RenderForModel(l.history.Get(t.req.UserID), transient)

	model := t.req.Model
	if model == "" {
		model = l.model
	}

	t.emit(StatusEvent(StartStatus))

	var last string
	for iter := 0; iter < l.maxIter; iter++ {
		resp, err := l.stream(ctx, t, model, iter)
		if err != nil {
			return "", iter, err
		}
		last = resp.Text

		calls := marker.Extract(resp.Text)
		if len(calls) == 0 {
			return resp.Text, iter + 1, nil
		}

		results := l.runTools(ctx, t, calls)
		if err := ctx.Err(); err != nil {
			return "", iter + 1, err
		}

		reply := []llm.Message{
			{Role: llm.RoleAssistant, Content: resp.Text},
			{Role: llm.RoleUser, Content: resultsMessage(results) + t.modifier},
		}
		t.gen = append(t.gen, reply...)
		t.pending = append(t.pending, reply...)
		t.emit(StatusEvent(ResultsStatus))
	}

	t.logger.Warn("max iterations reached", "max", l.maxIter)
	return marker.Strip(last), l.maxIter, nil
}

// buildUserTurn returns the clean user message kept in history and the
// context-enriched copy the model sees this turn.
func (l *Loop) buildUserTurn(ctx context.Context, t *turn) (clean, transient llm.Message) {
	att := l.resolveAttachments(t.req.Message)

	var sections []string
	if l.context != nil {
		if c, _ := l.context.GetContext(ctx, t.req); c != "" {
			sections = append(sections, c)
		}
	}
	if c := strings.TrimSpace(t.req.Context); c != "" {
		sections = append(sections, c)
	}
	sections = append(sections, att.files...)

	prompt := att.text + t.modifier
	if len(sections) > 0 {
		prompt = "Context information from your memory:\n" + strings.Join(sections, "\n\n") +
			"\n\nUser Query: " + att.text + t.modifier
	}

	clean = llm.Message{Role: llm.RoleUser, Content: t.req.Message}
	transient = llm.Message{Role: llm.RoleUser, Content: prompt}
	if len(att.images) > 0 {
		clean.Parts = append([]llm.Part{{Kind: llm.PartText, Text: t.req.Message}}, att.images...)
		transient.Parts = append([]llm.Part{{Kind: llm.PartText, Text: prompt}}, att.images...)
	}
	return clean, transient
}

// stream runs one model round, forwarding visible text as it arrives.
func (l *Loop) stream(ctx context.Context, t *turn, model string, iter int) (*llm.Response, error) {
	l.bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
		"request_id": t.id, "iter": iter, "model": model,
	})
	t.logger.Debug("calling model", "model", model, "iter", iter, "messages", len(t.gen))

	var sc marker.Scanner
	resp, err := l.llm.Stream(ctx, model, t.gen, func(fragment string) {
		if visible := sc.Feed(fragment); visible != "" {
			t.emit(ChunkEvent(visible))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("model round %d: %w", iter, err)
	}
	if rest := sc.Flush(); rest != "" {
		t.emit(ChunkEvent(rest))
	}

	l.bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
		"request_id": t.id,
		"iter":       iter,
		"model":      resp.Model,
		"tokens_in":  resp.InputTokens,
		"tokens_out": resp.OutputTokens,
		"tool_calls": len(marker.Extract(resp.Text)),
	})
	return resp, nil
}

// runTools executes one round of calls. Calls already made this turn are
// answered with a loop warning instead of running again. The rest run
// concurrently. Results keep the order of calls.
func (l *Loop) runTools(ctx context.Context, t *turn, calls []marker.Call) []ToolResult {
	results := make([]ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		results[i].Tool = call.Name
		sig := call.Signature()
		if t.executed[sig] {
			t.logger.Warn("loop detected, skipping repeated tool call", "tool", call.Name, "signature", sig)
			l.bus.Emit(events.SourceAgent, events.KindLoopDetected, map[string]any{
				"request_id": t.id, "tool": call.Name,
			})
			results[i].Result = map[string]any{"error": loopDetected}
			continue
		}
		t.executed[sig] = true
		t.toolsUsed = append(t.toolsUsed, call.Name)

		t.emit(Event{Type: EventToolCall, Tool: call.Name, Params: call.Params})
		t.emit(StatusEvent(l.tools.Status(call.Name)))

		wg.Add(1)
		go func() {
			defer wg.Done()
			l.bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
				"request_id": t.id, "tool": call.Name,
			})
			start := time.Now()
			results[i].Result = l.tools.Execute(ctx, call.Name, call.Params, t.req.UserID)
			l.bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
				"request_id":  t.id,
				"tool":        call.Name,
				"ok":          !tools.IsError(results[i].Result),
				"duration_ms": time.Since(start).Milliseconds(),
			})
		}()
	}
	wg.Wait()

	t.toolResults = append(t.toolResults, results...)
	return results
}

// resultsMessage renders a round's results for the model.
func resultsMessage(results []ToolResult) string {
	var sb strings.Builder
	for _, r := range results {
		data, err := json.MarshalIndent(r.Result, "", "  ")
		if err != nil {
			data, _ = json.Marshal(map[string]string{"error": err.Error()})
		}
		fmt.Fprintf(&sb, "Tool '%s' returned:\n%s\n\n", r.Tool, data)
	}
	sb.WriteString(continueInstruction)
	return sb.String()
}
