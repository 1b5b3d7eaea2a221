package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/nugget/mimir/internal/profile"
)

// handleUserMe returns the caller's profile.
func (s *Server) handleUserMe(w http.ResponseWriter, r *http.Request) {
	if s.unavailable(w, s.deps.Profiles, "profiles") {
		return
	}
	p, err := s.deps.Profiles.Get(r.Context(), s.userID(r))
	if errors.Is(err, profile.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		s.logger.Error("profile lookup failed", "user", s.userID(r), "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "profile lookup failed")
		return
	}
	writeJSON(w, p, s.logger)
}

type onboardRequest struct {
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

// handleOnboard creates or renames the caller's profile.
// POST /user/onboard {"display_name": "Sam", "email": "sam@example.com"}
func (s *Server) handleOnboard(w http.ResponseWriter, r *http.Request) {
	if s.unavailable(w, s.deps.Profiles, "profiles") {
		return
	}
	var body onboardRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.DisplayName) == "" {
		s.errorResponse(w, http.StatusBadRequest, "display_name is required")
		return
	}
	p, err := s.deps.Profiles.Onboard(r.Context(), s.userID(r), strings.TrimSpace(body.DisplayName), strings.TrimSpace(body.Email))
	if err != nil {
		s.logger.Error("onboarding failed", "user", s.userID(r), "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "onboarding failed")
		return
	}
	s.logger.Info("user onboarded", "user", p.UserID, "display_name", p.DisplayName)
	writeJSON(w, p, s.logger)
}
