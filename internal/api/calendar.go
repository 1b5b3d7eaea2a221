package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nugget/mimir/internal/calendar"
)

type eventRequest struct {
	Subject    string `json:"subject"`
	Date       string `json:"date"`
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
	Details    string `json:"details"`
	Attachment string `json:"attachment"`
}

// handleCalendarList returns events between start_date and end_date.
func (s *Server) handleCalendarList(w http.ResponseWriter, r *http.Request) {
	if s.unavailable(w, s.deps.Calendar, "calendar") {
		return
	}
	q := r.URL.Query()
	events, err := s.deps.Calendar.Search(r.Context(), s.userID(r), calendar.SearchOptions{
		Start: q.Get("start_date"),
		End:   q.Get("end_date"),
		Query: q.Get("q"),
	})
	if err != nil {
		s.logger.Error("calendar search failed", "user", s.userID(r), "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "calendar search failed")
		return
	}
	if events == nil {
		events = []calendar.Event{}
	}
	writeJSON(w, map[string]any{"events": events}, s.logger)
}

func (s *Server) handleCalendarCreate(w http.ResponseWriter, r *http.Request) {
	if s.unavailable(w, s.deps.Calendar, "calendar") {
		return
	}
	var body eventRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	e, err := s.deps.Calendar.Create(r.Context(), calendar.Event{
		UserID:     s.userID(r),
		Subject:    body.Subject,
		Date:       body.Date,
		StartTime:  body.StartTime,
		EndTime:    body.EndTime,
		Details:    body.Details,
		Attachment: body.Attachment,
	})
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(e); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) handleCalendarUpdate(w http.ResponseWriter, r *http.Request) {
	if s.unavailable(w, s.deps.Calendar, "calendar") {
		return
	}
	var body eventRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	e, err := s.deps.Calendar.Update(r.Context(), s.userID(r), r.PathValue("id"), calendar.Patch(body))
	switch {
	case errors.Is(err, calendar.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, "Event not found")
	case err != nil:
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, e, s.logger)
	}
}

func (s *Server) handleCalendarDelete(w http.ResponseWriter, r *http.Request) {
	if s.unavailable(w, s.deps.Calendar, "calendar") {
		return
	}
	err := s.deps.Calendar.Delete(r.Context(), s.userID(r), r.PathValue("id"))
	switch {
	case errors.Is(err, calendar.ErrNotFound):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]bool{"success": false})
	case err != nil:
		s.logger.Error("calendar delete failed", "user", s.userID(r), "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "delete failed")
	default:
		writeJSON(w, map[string]bool{"success": true}, s.logger)
	}
}
