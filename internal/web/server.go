package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"riverthello/internal/domain"
	"riverthello/internal/hub"
	"riverthello/internal/obslog"
	"riverthello/internal/session"
	"riverthello/internal/store"
)

// Server is the thin HTTP surface around the core: user/game/invitation CRUD
// and the websocket endpoint. nhooyr websocket's server side requires
// net/http handlers, so the whole surface is served with the standard mux.
type Server struct {
	sessions    *session.Manager
	users       store.UserStore
	invitations store.InvitationStore
	hub         *hub.Hub
}

func NewServer(sessions *session.Manager, users store.UserStore, invitations store.InvitationStore, h *hub.Hub) *Server {
	return &Server{sessions: sessions, users: users, invitations: invitations, hub: h}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/users", s.handleCreateUser)
	mux.HandleFunc("GET /api/users/{id}", s.handleGetUser)
	mux.HandleFunc("GET /api/leaderboard", s.handleLeaderboard)

	mux.HandleFunc("POST /api/games", s.handleCreateGame)
	mux.HandleFunc("GET /api/games/{id}", s.handleGetGame)
	mux.HandleFunc("GET /api/users/{id}/active-game", s.handleActiveGame)
	mux.HandleFunc("GET /api/users/{id}/games", s.handleGameHistory)

	mux.HandleFunc("POST /api/invitations", s.handleCreateInvitation)
	mux.HandleFunc("GET /api/users/{id}/invitations", s.handleInvitations)
	mux.HandleFunc("PATCH /api/invitations/{id}", s.handleUpdateInvitation)

	mux.Handle("GET /ws", s.hub)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		obslog.L().Warn("http_write_error", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username    string `json:"username"`
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}
	user, err := s.users.CreateUser(r.Context(), req.Username, req.DisplayName)
	if errors.Is(err, store.ErrDuplicateUsername) {
		// Registration is idempotent on username, matching client retries.
		if existing, gerr := s.users.GetUserByUsername(r.Context(), req.Username); gerr == nil {
			writeJSON(w, http.StatusOK, existing)
			return
		}
		writeError(w, http.StatusConflict, "username already taken")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	user, err := s.users.GetUser(r.Context(), id)
	if errors.Is(err, store.ErrUserNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.TopRated(r.Context(), queryLimit(r, 10))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateGame(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BlackPlayerID int64 `json:"black_player_id"`
		WhitePlayerID int64 `json:"white_player_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	game, err := s.sessions.CreateGame(r.Context(), req.BlackPlayerID, req.WhitePlayerID)
	switch {
	case errors.Is(err, store.ErrUserNotFound):
		writeError(w, http.StatusBadRequest, "one or both players not found")
	case errors.Is(err, session.ErrHasActiveGame):
		writeError(w, http.StatusBadRequest, "one or both players already in an active game")
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusCreated, game)
	}
}

func (s *Server) handleGetGame(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid game id")
		return
	}
	game, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if game == nil {
		writeError(w, http.StatusNotFound, "game not found")
		return
	}
	writeJSON(w, http.StatusOK, game)
}

func (s *Server) handleActiveGame(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	game, err := s.sessions.ActiveGameByUser(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if game == nil {
		writeError(w, http.StatusNotFound, "no active game found")
		return
	}
	writeJSON(w, http.StatusOK, game)
}

func (s *Server) handleGameHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	games, err := s.sessions.History(r.Context(), id, queryLimit(r, 10))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, games)
}

func (s *Server) handleCreateInvitation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SenderID   int64 `json:"sender_id"`
		ReceiverID int64 `json:"receiver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SenderID == 0 || req.ReceiverID == 0 {
		writeError(w, http.StatusBadRequest, "sender_id and receiver_id are required")
		return
	}
	for _, id := range []int64{req.SenderID, req.ReceiverID} {
		if _, err := s.users.GetUser(r.Context(), id); err != nil {
			writeError(w, http.StatusBadRequest, "one or both users not found")
			return
		}
	}
	inv, err := s.invitations.CreateInvitation(r.Context(), req.SenderID, req.ReceiverID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (s *Server) handleInvitations(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	list, err := s.invitations.InvitationsByUser(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleUpdateInvitation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid invitation id")
		return
	}
	var req struct {
		Status domain.InvitationStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Status {
	case domain.InvitationAccepted, domain.InvitationDeclined, domain.InvitationExpired:
	default:
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	inv, err := s.invitations.UpdateInvitationStatus(r.Context(), id, req.Status)
	if errors.Is(err, store.ErrInvitationNotFound) {
		writeError(w, http.StatusNotFound, "invitation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if req.Status == domain.InvitationAccepted {
		// Sender plays black; accepting starts the match.
		game, err := s.sessions.CreateGame(r.Context(), inv.SenderID, inv.ReceiverID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"invitation": inv, "game": game})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invitation": inv})
}
