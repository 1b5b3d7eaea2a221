package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/mimir/internal/journal"
	"github.com/nugget/mimir/internal/news"
)

// handleNewsTop returns the top headlines. ?refresh=true bypasses the cache.
func (s *Server) handleNewsTop(w http.ResponseWriter, r *http.Request) {
	if s.unavailable(w, s.deps.News, "news") {
		return
	}
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	items, err := s.deps.News.Top(r.Context(), refresh)
	if err != nil {
		s.logger.Warn("news fetch failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, "news unavailable")
		return
	}
	if items == nil {
		items = []news.Item{}
	}
	writeJSON(w, map[string]any{"news": items}, s.logger)
}

// handleNewsLog records that the caller opened a story.
// POST /news/log with form fields title and url.
func (s *Server) handleNewsLog(w http.ResponseWriter, r *http.Request) {
	if s.unavailable(w, s.deps.Journal, "journal") {
		return
	}
	title := strings.TrimSpace(r.FormValue("title"))
	link := strings.TrimSpace(r.FormValue("url"))
	if title == "" {
		s.errorResponse(w, http.StatusBadRequest, "title is required")
		return
	}
	action := fmt.Sprintf("Read news: %s (%s)", title, link)
	if err := s.deps.Journal.Log(r.Context(), s.userID(r), journal.KindAction, action); err != nil {
		s.logger.Error("news log failed", "user", s.userID(r), "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "log failed")
		return
	}
	writeJSON(w, map[string]string{"status": "logged"}, s.logger)
}

// handleJournal returns the caller's journal entry for a YYYY-MM-DD date.
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.unavailable(w, s.deps.Journal, "journal") {
		return
	}
	date := r.PathValue("date")
	if _, err := time.Parse(journal.DateLayout, date); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	entry, err := s.deps.Journal.Entry(r.Context(), s.userID(r), date)
	if errors.Is(err, journal.ErrNoEntry) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]string{"error": "Journal entry not found"}, s.logger)
		return
	}
	if err != nil {
		s.logger.Error("journal lookup failed", "user", s.userID(r), "date", date, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "journal lookup failed")
		return
	}
	writeJSON(w, entry, s.logger)
}
