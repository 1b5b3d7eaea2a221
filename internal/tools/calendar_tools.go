package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/nugget/mimir/internal/calendar"
)

// CalendarStore is the calendar collaborator. calendar.Store satisfies it.
type CalendarStore interface {
	Search(ctx context.Context, userID string, opts calendar.SearchOptions) ([]calendar.Event, error)
	Create(ctx context.Context, e calendar.Event) (*calendar.Event, error)
	Update(ctx context.Context, userID, id string, p calendar.Patch) (*calendar.Event, error)
	Delete(ctx context.Context, userID, id string) error
}

// SetCalendar adds the calendar_* tools.
func (r *Registry) SetCalendar(store CalendarStore) {
	r.calendar = store

	r.Register(&Tool{
		Name:        "calendar_search",
		Description: "Find calendar events. Dates are YYYY-MM-DD; every parameter is optional.",
		Format:      "[TOOL:calendar_search|start_date=<date>|end_date=<date>|query=<text>]",
		Status:      "Reading the threads of time...",
		Handler:     r.handleCalendarSearch,
	})
	r.Register(&Tool{
		Name: "calendar_create",
		Description: "Create a calendar event. Times are HH:MM (24 hour) and optional; " +
			fmt.Sprintf("details are cut to %d characters.", calendar.MaxDetails),
		Format:  "[TOOL:calendar_create|subject=<title>|date=<YYYY-MM-DD>|start_time=<HH:MM>|end_time=<HH:MM>|details=<notes>]",
		Status:  "Weaving a new fate...",
		Handler: r.handleCalendarCreate,
	})
	r.Register(&Tool{
		Name:        "calendar_update",
		Description: "Change an existing event. Only the fields you pass are changed.",
		Format:      "[TOOL:calendar_update|event_id=<id>|subject=<title>|date=<YYYY-MM-DD>|start_time=<HH:MM>|end_time=<HH:MM>|details=<notes>]",
		Status:      "Altering the timeline...",
		Handler:     r.handleCalendarUpdate,
	})
	r.Register(&Tool{
		Name:        "calendar_delete",
		Description: "Delete an event. Search first if you do not know its id.",
		Format:      "[TOOL:calendar_delete|event_id=<id>]",
		Status:      "Severing a thread of time...",
		Handler:     r.handleCalendarDelete,
	})
}

func (r *Registry) handleCalendarSearch(ctx context.Context, call Call) (any, error) {
	events, err := r.calendar.Search(ctx, call.UserID, calendar.SearchOptions{
		Start: call.Params.Value("start_date"),
		End:   call.Params.Value("end_date"),
		Query: call.Params.Value("query"),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": events, "count": len(events)}, nil
}

func (r *Registry) handleCalendarCreate(ctx context.Context, call Call) (any, error) {
	subject, err := required(call.Params, "subject")
	if err != nil {
		return nil, err
	}
	date, err := required(call.Params, "date")
	if err != nil {
		return nil, err
	}
	return r.calendar.Create(ctx, calendar.Event{
		UserID:    call.UserID,
		Subject:   subject,
		Date:      date,
		StartTime: call.Params.Value("start_time"),
		EndTime:   call.Params.Value("end_time"),
		Details:   call.Params.Value("details"),
	})
}

func (r *Registry) handleCalendarUpdate(ctx context.Context, call Call) (any, error) {
	id, err := required(call.Params, "event_id")
	if err != nil {
		return nil, err
	}
	e, err := r.calendar.Update(ctx, call.UserID, id, calendar.Patch{
		Subject:   call.Params.Value("subject"),
		Date:      call.Params.Value("date"),
		StartTime: call.Params.Value("start_time"),
		EndTime:   call.Params.Value("end_time"),
		Details:   call.Params.Value("details"),
	})
	if errors.Is(err, calendar.ErrNotFound) {
		return map[string]any{"error": fmt.Sprintf("Event %s not found", id)}, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *Registry) handleCalendarDelete(ctx context.Context, call Call) (any, error) {
	id, err := required(call.Params, "event_id")
	if err != nil {
		return nil, err
	}
	err = r.calendar.Delete(ctx, call.UserID, id)
	if errors.Is(err, calendar.ErrNotFound) {
		return map[string]any{
			"success": false,
			"message": fmt.Sprintf("Event %s not found", id),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"success": true,
		"message": fmt.Sprintf("Event %s deleted successfully", id),
	}, nil
}
