package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/nugget/mimir/internal/agent"
	"github.com/nugget/mimir/internal/planner"
	"github.com/nugget/mimir/internal/profile"
)

// ChatRequest is the body of POST /chat and each /ws/chat message.
type ChatRequest struct {
	Message              string `json:"message"`
	PersonalityIntensity *int   `json:"personality_intensity,omitempty"`
	Mute                 bool   `json:"mute,omitempty"`
	Model                string `json:"model,omitempty"`
}

// turnBuffer decouples the loop from a slow client.
const turnBuffer = 64

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// errNotOnboarded refuses chat for users without a profile.
var errNotOnboarded = errors.New("User not onboarded")

// prepare checks the caller may chat and builds the agent request.
func (s *Server) prepare(ctx context.Context, userID string, body ChatRequest) (*agent.Request, error) {
	req := &agent.Request{
		UserID:               userID,
		Message:              strings.TrimSpace(body.Message),
		PersonalityIntensity: s.opts.DefaultIntensity,
		Model:                body.Model,
	}
	if body.PersonalityIntensity != nil {
		req.PersonalityIntensity = min(max(*body.PersonalityIntensity, 0), 100)
	}
	if s.deps.Profiles != nil {
		p, err := s.deps.Profiles.Get(ctx, userID)
		if errors.Is(err, profile.ErrNotFound) {
			return nil, errNotOnboarded
		}
		if err != nil {
			return nil, err
		}
		req.DisplayName = p.DisplayName
	}
	return req, nil
}

// turn runs req and relays its events to out, voiced unless muted. It
// returns once the loop has finished, including its bookkeeping after
// the final event.
func (s *Server) turn(ctx context.Context, req *agent.Request, mute bool, out func(agent.Event) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan agent.Event, turnBuffer)
	go func() {
		defer close(ch)
		s.deps.Chat.Run(ctx, req, func(e agent.Event) {
			select {
			case ch <- e:
			case <-ctx.Done():
			}
		})
	}()

	var err error
	if mute {
		err = s.deps.Stream.RelayMuted(ctx, ch, out)
	} else {
		err = s.deps.Stream.Relay(ctx, ch, out)
	}
	if err != nil {
		// The client is gone; abandon the turn.
		cancel()
	}
	for range ch {
	}
	return err
}

// handleChat streams a turn as NDJSON, one event per line.
// POST /chat {"message": "...", "personality_intensity": 50, "mute": false}
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.unavailable(w, s.deps.Chat, "chat") {
		return
	}
	var body ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}
	s.streamTurn(w, r, body, "")
}

// handlePlan opens the day with a briefing turn.
// POST /plan {"personality_intensity": 75, "mute": true}
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	if s.unavailable(w, s.deps.Chat, "chat") || s.unavailable(w, s.deps.Planner, "planner") {
		return
	}
	var body ChatRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	briefing, err := s.deps.Planner.Plan(r.Context(), s.userID(r), s.now())
	if err != nil {
		s.logger.Error("planning failed", "user", s.userID(r), "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "planning failed")
		return
	}
	body.Message = planner.Message
	s.streamTurn(w, r, body, briefing.Prompt())
}

func (s *Server) streamTurn(w http.ResponseWriter, r *http.Request, body ChatRequest, extra string) {
	req, err := s.prepare(r.Context(), s.userID(r), body)
	if errors.Is(err, errNotOnboarded) {
		s.errorResponse(w, http.StatusForbidden, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("chat preparation failed", "user", s.userID(r), "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "profile lookup failed")
		return
	}
	req.Context = extra

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)
	err = s.turn(r.Context(), req, body.Mute, func(e agent.Event) error {
		if err := enc.Encode(e); err != nil {
			return err
		}
		return rc.Flush()
	})
	if err != nil {
		s.logger.Debug("chat stream ended early", "user", req.UserID, "error", err)
	}
}

// handleChatSocket serves turns over a websocket. Each text message is a
// ChatRequest; the events of its turn come back as one JSON message each.
// Turns on one connection run one after another.
func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	if s.unavailable(w, s.deps.Chat, "chat") {
		return
	}
	userID := s.userID(r)
	if _, err := s.prepare(r.Context(), userID, ChatRequest{}); err != nil {
		if errors.Is(err, errNotOnboarded) {
			s.errorResponse(w, http.StatusForbidden, err.Error())
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, "profile lookup failed")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	s.logger.Info("chat socket opened", "user", userID)

	ctx := r.Context()
	for {
		var body ChatRequest
		if err := conn.ReadJSON(&body); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("chat socket read failed", "user", userID, "error", err)
			}
			return
		}
		if strings.TrimSpace(body.Message) == "" {
			if err := conn.WriteJSON(agent.ErrorEvent("message is required")); err != nil {
				return
			}
			continue
		}
		req, err := s.prepare(ctx, userID, body)
		if err != nil {
			_ = conn.WriteJSON(agent.ErrorEvent(err.Error()))
			return
		}
		if err := s.turn(ctx, req, body.Mute, func(e agent.Event) error {
			return conn.WriteJSON(e)
		}); err != nil {
			s.logger.Debug("chat socket write failed", "user", userID, "error", err)
			return
		}
	}
}

// handleChatReset forgets the caller's conversation.
func (s *Server) handleChatReset(w http.ResponseWriter, r *http.Request) {
	if s.unavailable(w, s.deps.History, "history") {
		return
	}
	userID := s.userID(r)
	s.deps.History.Clear(userID)
	s.logger.Info("conversation reset", "user", userID)
	writeJSON(w, map[string]string{"status": "reset"}, s.logger)
}
