package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/williamchildres/terminal-messenger/internal/metrics"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

type userInfo struct {
	Username     string    `json:"username"`
	ConnectedAt  time.Time `json:"connected_at"`
	MessageCount int64     `json:"message_count"`
}

type announceRequest struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleLogin exchanges the admin credentials for a bearer token. Chat
// credentials do not work here; the admin pair is its own identity.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.cfg.AdminUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.cfg.AdminPass)) == 1
	if !userOK || !passOK {
		s.logger.Warn().Str("username", req.Username).Msg("admin login rejected")
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.tokens.Generate(req.Username)
	if err != nil {
		s.logger.Error().Err(err).Msg("token generation failed")
		writeError(w, http.StatusInternalServerError, "token generation failed")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token})
}

// handleUsers lists the authenticated sessions with their connection
// time and message counts.
func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	handles := s.registry.Handles()
	users := make([]userInfo, 0, len(handles))
	for _, h := range handles {
		users = append(users, userInfo{
			Username:     h.Username(),
			ConnectedAt:  h.ConnectedAt(),
			MessageCount: h.MessageCount(),
		})
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].ConnectedAt.Before(users[j].ConnectedAt)
	})
	writeJSON(w, http.StatusOK, users)
}

// handleAnnounce pushes an operator message into the room. With a broker
// configured it goes through NATS so every instance delivers it; without
// one it lands directly in the local room.
func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req announceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	if s.bridge != nil {
		if err := s.bridge.Publish(req.Message); err != nil {
			s.logger.Error().Err(err).Msg("announcement publish failed")
			writeError(w, http.StatusBadGateway, "announcement publish failed")
			return
		}
	} else {
		metrics.AnnouncementsTotal.WithLabelValues("admin").Inc()
		s.deliverAnnouncement(req.Message)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
