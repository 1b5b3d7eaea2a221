// Package tools defines the tools available to the agent and runs them.
//
// The model asks for a tool by writing a marker into its reply. The
// orchestrator hands each marker's name and parameters to
// [Registry.Execute], which always returns a JSON-serialisable result.
// Failures come back as {"error": "..."} so the model can read them and
// correct itself.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/mimir/internal/marker"
)

// Declared is the closed set of tools advertised to the model. The
// registry must provide exactly these before the agent starts.
var Declared = []string{
	"web_search",
	"get_weather",
	"get_location",
	"calendar_search",
	"calendar_create",
	"calendar_update",
	"calendar_delete",
	"start_cooking",
	"cooking_navigation",
	"journal_search",
	"journal_read",
	"record_preference",
	"set_home_city",
}

// Call is a single invocation handed to a handler.
type Call struct {
	UserID string
	Params marker.Params
}

// Handler runs a tool. The result must marshal to JSON.
type Handler func(ctx context.Context, call Call) (any, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string
	Description string

	// Format is the marker usage line shown to the model, for example
	// "[TOOL:get_weather|location=<city>]".
	Format string

	// Status is the progress line shown to the user while the tool runs.
	Status string

	Handler Handler
}

// Registry holds available tools and the collaborators their handlers
// use.
type Registry struct {
	tools  map[string]*Tool
	order  []string
	logger *slog.Logger

	search   WebSearcher
	digester Digester
	weather  WeatherReporter
	locator  Locator
	calendar CalendarStore
	kitchen  *Kitchen
	journal  JournalReader
	profiles ProfileStore
	memory   Rememberer
}

// NewRegistry creates an empty registry. Tools are added by the Set
// methods for each collaborator; cooking tools need none and are always
// present.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:   make(map[string]*Tool),
		logger:  logger.With("component", "tools"),
		kitchen: NewKitchen(),
	}
	r.registerCookingTools()
	return r
}

// Register adds a tool to the registry, replacing any tool of the same
// name.
func (r *Registry) Register(t *Tool) {
	if _, ok := r.tools[t.Name]; !ok {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	return slices.Clone(r.order)
}

// Validate checks that the registry provides exactly the declared tools.
func (r *Registry) Validate(declared []string) error {
	var errs []error
	for _, name := range declared {
		if _, ok := r.tools[name]; !ok {
			errs = append(errs, fmt.Errorf("declared tool %q has no handler", name))
		}
	}
	for _, name := range r.order {
		if !slices.Contains(declared, name) {
			errs = append(errs, fmt.Errorf("tool %q is registered but not declared", name))
		}
	}
	return errors.Join(errs...)
}

// Status returns the progress line for a tool.
func (r *Registry) Status(name string) string {
	if t := r.tools[name]; t != nil && t.Status != "" {
		return t.Status
	}
	return "Using tool: " + name + "..."
}

// Describe renders the tool section of the system prompt.
func (r *Registry) Describe() string {
	var sb strings.Builder
	sb.WriteString("You have access to these tools. To use one, write its marker exactly as shown ")
	sb.WriteString("on its own, with parameters separated by |. Values cannot contain | or ].\n")
	sb.WriteString("After a tool runs you will receive its result and can continue your answer.\n\n")
	for i, name := range r.order {
		t := r.tools[name]
		fmt.Fprintf(&sb, "%d. %s: %s\n   %s\n", i+1, t.Name, t.Description, t.Format)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Execute runs a tool by name. It never returns an error and never
// panics; failures are reported as {"error": message}.
func (r *Registry) Execute(ctx context.Context, name string, params marker.Params, userID string) (result any) {
	logger := r.logger.With("tool", name, "user", userID)
	if id := RequestIDFromContext(ctx); id != "" {
		logger = logger.With("request_id", id)
	}

	t := r.tools[name]
	if t == nil {
		err := &UnknownToolError{Name: name}
		logger.Warn("tool not found")
		return errorResult(err)
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			logger.Error("tool panicked", "panic", p)
			result = map[string]any{"error": fmt.Sprint(p)}
		}
	}()

	out, err := t.Handler(ctx, Call{UserID: userID, Params: params})
	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		logger.Warn("tool failed", "error", err, "elapsed", elapsed)
		return errorResult(err)
	}
	logger.Debug("tool done", "elapsed", elapsed)
	return out
}

func errorResult(err error) map[string]any {
	return map[string]any{"error": err.Error()}
}

// IsError reports whether a result is an error payload.
func IsError(result any) bool {
	switch m := result.(type) {
	case map[string]any:
		_, ok := m["error"]
		return ok
	case map[string]string:
		_, ok := m["error"]
		return ok
	}
	return false
}

// required returns a non-empty parameter or a wrapped ErrMissingParam.
func required(p marker.Params, key string) (string, error) {
	v := strings.TrimSpace(p.Value(key))
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingParam, key)
	}
	return v, nil
}

// intParam parses an optional integer parameter.
func intParam(p marker.Params, key string) (*int, error) {
	v, ok := p.Get(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return nil, fmt.Errorf("parameter %s: %q is not a whole number", key, v)
	}
	return &n, nil
}

// floatParam parses an optional decimal parameter.
func floatParam(p marker.Params, key string) (*float64, error) {
	v, ok := p.Get(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return nil, fmt.Errorf("parameter %s: %q is not a number", key, v)
	}
	return &f, nil
}

// boolParam reads a yes/no parameter. Anything unrecognised is false.
func boolParam(p marker.Params, key string) bool {
	switch strings.ToLower(strings.TrimSpace(p.Value(key))) {
	case "true", "yes", "y", "1":
		return true
	}
	return false
}
