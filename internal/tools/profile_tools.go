package tools

import (
	"context"
	"fmt"
	"strings"
)

// ProfileStore holds per-user preferences and home city. profile.Store
// satisfies it.
type ProfileStore interface {
	HomeCity(ctx context.Context, userID string) (string, error)
	SetHomeCity(ctx context.Context, userID, city string) error
	AddPreference(ctx context.Context, userID, preference string) (bool, error)
}

// Rememberer stores text for later recall. recall.Store satisfies it.
type Rememberer interface {
	Remember(ctx context.Context, text, userID string, metadata map[string]string) error
}

// SetProfile adds the record_preference and set_home_city tools. Recorded
// preferences are also remembered in mem when it is non-nil.
func (r *Registry) SetProfile(p ProfileStore, mem Rememberer) {
	r.profiles = p
	r.memory = mem

	r.Register(&Tool{
		Name:        "record_preference",
		Description: "Record something the user likes, an interest or a hobby. Use it as soon as they mention one.",
		Format:      "[TOOL:record_preference|preference=<what they like>]",
		Status:      "Noting your preference...",
		Handler:     r.handleRecordPreference,
	})
	r.Register(&Tool{
		Name: "set_home_city",
		Description: "Set the user's home city. If a different city is already set you will be asked to confirm; " +
			"ask the user, then call again with confirm=true.",
		Format:  "[TOOL:set_home_city|city=<city>|confirm=<true|false>]",
		Status:  "Marking your home on the map...",
		Handler: r.handleSetHomeCity,
	})
}

func (r *Registry) handleRecordPreference(ctx context.Context, call Call) (any, error) {
	pref, err := required(call.Params, "preference")
	if err != nil {
		return nil, err
	}
	added, err := r.profiles.AddPreference(ctx, call.UserID, pref)
	if err != nil {
		return nil, err
	}
	if added && r.memory != nil {
		meta := map[string]string{"type": "preference"}
		if err := r.memory.Remember(ctx, "User preference: "+pref, call.UserID, meta); err != nil {
			r.logger.Warn("preference not remembered", "user", call.UserID, "error", err)
		}
	}
	return map[string]any{"status": "recorded", "preference": pref}, nil
}

func (r *Registry) handleSetHomeCity(ctx context.Context, call Call) (any, error) {
	city, err := required(call.Params, "city")
	if err != nil {
		return nil, err
	}
	current, err := r.profiles.HomeCity(ctx, call.UserID)
	if err != nil {
		return nil, err
	}
	if current != "" && !strings.EqualFold(current, city) && !boolParam(call.Params, "confirm") {
		return map[string]any{
			"status":         "requires_confirmation",
			"current_city":   current,
			"requested_city": city,
			"message": fmt.Sprintf("The home city is currently %s. Ask the user to confirm the change to %s, "+
				"then call set_home_city again with confirm=true.", current, city),
		}, nil
	}
	if err := r.profiles.SetHomeCity(ctx, call.UserID, city); err != nil {
		return nil, err
	}
	r.logger.Info("home city set", "user", call.UserID, "city", city)
	return map[string]any{"status": "success", "home_city": city}, nil
}
