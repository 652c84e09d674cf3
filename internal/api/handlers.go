package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/directory"
	"github.com/npezzotti/go-chatsync/internal/rooms"
	"github.com/npezzotti/go-chatsync/internal/server"
	"github.com/npezzotti/go-chatsync/internal/stream"
	"github.com/npezzotti/go-chatsync/internal/types"
)

type CreateRoomRequest struct {
	Name   string `json:"name"`
	PeerId int    `json:"peer_id"`
}

type UpdateProfileRequest struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

func (s *ChatSyncApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *ChatSyncApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Repo.Ping(r.Context()); err != nil {
		s.log.Printf("health check: %v", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *ChatSyncApp) getProfile(w http.ResponseWriter, r *http.Request) {
	p, ok := ProfileFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, p)
}

func (s *ChatSyncApp) updateProfile(w http.ResponseWriter, r *http.Request) {
	p, ok := ProfileFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req UpdateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	params := database.UpdateProfileParams{
		Name:      strings.TrimSpace(req.Name),
		AvatarURL: strings.TrimSpace(req.AvatarURL),
	}
	if params.Name == "" && params.AvatarURL == "" {
		errResp := NewBadRequestError()
		errResp.Message = "nothing to update"
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	updated, err := s.profiles.Update(r.Context(), p.Id, params)
	if err != nil {
		s.log.Printf("update profile %d: %v", p.Id, err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, updated)
}

// getRooms returns a one-off directory snapshot of the caller.
func (s *ChatSyncApp) getRooms(w http.ResponseWriter, r *http.Request) {
	p, ok := ProfileFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dir := directory.New(s.log, s.deps.Repo, s.deps.Router, nil)
	defer dir.Close()
	dir.Load(r.Context(), p.Id)

	s.writeJson(w, http.StatusOK, dir.Snapshot())
}

func roomError(err error) *ApiError {
	var partial *rooms.PartialMembershipError
	switch {
	case errors.Is(err, rooms.ErrEmptyName), errors.Is(err, rooms.ErrSelfChat):
		errResp := NewBadRequestError()
		errResp.Message = err.Error()
		return errResp
	case errors.Is(err, rooms.ErrPeerNotFound):
		errResp := NewNotFoundError()
		errResp.Message = err.Error()
		return errResp
	case errors.As(err, &partial):
		return NewConflictError("could not complete chat setup", err)
	default:
		return NewInternalServerError(err)
	}
}

func (s *ChatSyncApp) createRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	p, ok := ProfileFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var (
		room    types.Room
		created = true
		err     error
	)
	if req.PeerId != 0 {
		room, created, err = s.deps.Creator.CreateDirect(r.Context(), p.Id, req.PeerId)
	} else {
		room, err = s.deps.Creator.CreateGlobal(r.Context(), req.Name)
	}
	if err != nil {
		s.log.Printf("create room for profile %d: %v", p.Id, err)
		errResp := roomError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeJson(w, status, room)
}

func (s *ChatSyncApp) canRead(r *http.Request, room types.Room, profileId int) (bool, error) {
	if room.IsGlobal {
		return true, nil
	}

	participants, err := s.deps.Repo.ListParticipants(r.Context(), room.Id)
	if err != nil {
		return false, err
	}

	return slices.ContainsFunc(participants, func(p database.Profile) bool {
		return p.Id == profileId
	}), nil
}

// getMessages returns a one-off stream snapshot of a room.
func (s *ChatSyncApp) getMessages(w http.ResponseWriter, r *http.Request) {
	roomId, err := strconv.Atoi(r.URL.Query().Get("room_id"))
	if err != nil || roomId <= 0 {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	p, ok := ProfileFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.deps.Repo.GetRoom(r.Context(), roomId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	allowed, err := s.canRead(r, room.Type(), p.Id)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if !allowed {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	st := stream.New(s.log, s.deps.Repo, s.deps.Profiles, s.deps.Router, nil)
	defer st.Close()
	if err := st.Load(r.Context(), roomId); err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, st.Snapshot())
}

func (s *ChatSyncApp) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	return slices.Contains(s.allowedOrigins, origin)
}

// serveWs upgrades the connection and starts a session on the room named by
// room_id, or on the default global room.
func (s *ChatSyncApp) serveWs(w http.ResponseWriter, r *http.Request) {
	p, ok := ProfileFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var roomId int
	if raw := r.URL.Query().Get("room_id"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		roomId = id
	} else {
		room, err := s.deps.Creator.EnsureGlobal(r.Context())
		if err != nil {
			// the session still starts with its directory
			s.log.Printf("ensure global room: %v", err)
		}
		roomId = room.Id
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	session := server.NewSession(p, conn, s.hub, s.log, s.deps)
	if !s.hub.Register(session) {
		s.log.Printf("hub is shutting down, rejecting session for profile %d", p.Id)
		conn.Close()
		return
	}

	go session.Write()
	go func() {
		session.Start(roomId)
		session.Read()
	}()
}
