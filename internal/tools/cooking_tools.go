package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

const (
	missingStepsMessage = "The 'steps' parameter is REQUIRED and cannot be empty. You must provide the cooking steps " +
		"separated by ;; for example steps=Step 1 description;;Step 2 description;;Step 3 description. " +
		"Please call start_cooking again with ALL recipe steps included in the steps parameter."
	missingIngredientsMessage = "The 'ingredients' parameter is REQUIRED and cannot be empty. " +
		"Please provide the ingredients with quantities separated by ;; for example ingredients=2 eggs;;100g flour."
)

// Recipe is an active cooking session's recipe.
type Recipe struct {
	Title       string   `json:"title"`
	Ingredients []string `json:"ingredients"`
	Steps       []string `json:"steps"`
}

type session struct {
	recipe Recipe
	step   int
}

// Kitchen tracks each user's current recipe and step.
type Kitchen struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// NewKitchen creates an empty kitchen.
func NewKitchen() *Kitchen {
	return &Kitchen{sessions: make(map[string]*session)}
}

// Start begins a session for user at the first step.
func (k *Kitchen) Start(user string, r Recipe) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.sessions[user] = &session{recipe: r}
}

// Current returns the user's recipe and zero-based step.
func (k *Kitchen) Current(user string) (Recipe, int, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.sessions[user]
	if !ok {
		return Recipe{}, 0, false
	}
	return s.recipe, s.step, true
}

// move applies a navigation action and returns the new step. ok is false
// when the user has no session.
func (k *Kitchen) move(user, action string, target *int) (int, Recipe, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.sessions[user]
	if !ok {
		return 0, Recipe{}, false
	}
	last := len(s.recipe.Steps) - 1
	switch action {
	case "next":
		s.step = min(s.step+1, last)
	case "prev":
		s.step = max(s.step-1, 0)
	case "goto":
		s.step = min(max(*target, 0), last)
	}
	return s.step, s.recipe, true
}

// Kitchen returns the cooking session tracker.
func (r *Registry) Kitchen() *Kitchen {
	return r.kitchen
}

func (r *Registry) registerCookingTools() {
	r.Register(&Tool{
		Name: "start_cooking",
		Description: "Open cooking mode with a recipe. Separate ingredients and steps with ;; and " +
			"always include both.",
		Format:  "[TOOL:start_cooking|title=<recipe>|ingredients=<item>;;<item>|steps=<step>;;<step>]",
		Status:  "Preparing the cauldron...",
		Handler: r.handleStartCooking,
	})
	r.Register(&Tool{
		Name:        "cooking_navigation",
		Description: "Move through the recipe in cooking mode. action is next, prev or goto; goto takes a zero-based step_index.",
		Format:      "[TOOL:cooking_navigation|action=<next|prev|goto>|step_index=<n>]",
		Status:      "Guiding the culinary ritual...",
		Handler:     r.handleCookingNavigation,
	})
}

// splitList splits a ;;-delimited value into trimmed, non-empty items.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ";;") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (r *Registry) handleStartCooking(_ context.Context, call Call) (any, error) {
	recipe := Recipe{
		Title:       call.Params.Value("title"),
		Ingredients: splitList(call.Params.Value("ingredients")),
		Steps:       splitList(call.Params.Value("steps")),
	}
	if len(recipe.Steps) == 0 {
		return map[string]any{
			"status":  "error",
			"error":   "MISSING STEPS PARAMETER",
			"message": missingStepsMessage,
		}, nil
	}
	if len(recipe.Ingredients) == 0 {
		return map[string]any{
			"status":  "error",
			"error":   "MISSING INGREDIENTS PARAMETER",
			"message": missingIngredientsMessage,
		}, nil
	}

	r.kitchen.Start(call.UserID, recipe)
	r.logger.Info("cooking session started", "user", call.UserID, "title", recipe.Title, "steps", len(recipe.Steps))
	return map[string]any{
		"status": "started",
		"recipe": recipe,
	}, nil
}

func (r *Registry) handleCookingNavigation(_ context.Context, call Call) (any, error) {
	action, err := required(call.Params, "action")
	if err != nil {
		return nil, err
	}
	action = strings.ToLower(action)
	if action == "previous" {
		action = "prev"
	}
	index, err := intParam(call.Params, "step_index")
	if err != nil {
		return nil, err
	}
	switch action {
	case "next", "prev":
	case "goto":
		if index == nil {
			return nil, fmt.Errorf("%w: step_index", ErrMissingParam)
		}
	default:
		return nil, fmt.Errorf("unknown action %q (valid: next, prev, goto)", action)
	}

	result := map[string]any{
		"status":     "navigating",
		"action":     action,
		"step_index": index,
	}
	step, recipe, ok := r.kitchen.move(call.UserID, action, index)
	if ok {
		result["step_index"] = step
		result["step"] = recipe.Steps[step]
		result["total_steps"] = len(recipe.Steps)
	}
	return result, nil
}
