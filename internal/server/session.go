package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/directory"
	"github.com/npezzotti/go-chatsync/internal/profile"
	"github.com/npezzotti/go-chatsync/internal/realtime"
	"github.com/npezzotti/go-chatsync/internal/rooms"
	"github.com/npezzotti/go-chatsync/internal/send"
	"github.com/npezzotti/go-chatsync/internal/skill"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/stream"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/teris-io/shortid"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Deps are the shared components every session is wired to.
type Deps struct {
	Repo     database.Repository
	Profiles profile.Resolver
	Router   *realtime.Router
	Skills   skill.Skills
	Creator  *rooms.Creator
	Stats    stats.StatsProvider
}

// Session is one connected display. It owns the directory, the stream of
// the open room and the send pipeline of its profile.
type Session struct {
	id       string
	conn     *websocket.Conn
	hub      *Hub
	log      *log.Logger
	profile  types.Profile
	creator  *rooms.Creator
	send     chan *ServerMessage
	stop     chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc

	directory *directory.Directory
	stream    *stream.Stream
	pipeline  *send.Pipeline
}

func NewSession(p types.Profile, conn *websocket.Conn, hub *Hub, l *log.Logger, deps Deps) *Session {
	id, err := shortid.Generate()
	if err != nil {
		l.Printf("generate session id: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      id,
		conn:    conn,
		hub:     hub,
		log:     l,
		profile: p,
		creator: deps.Creator,
		send:    make(chan *ServerMessage, 256),
		stop:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	s.directory = directory.New(l, deps.Repo, deps.Router, func(v types.DirectoryView) {
		s.queueMessage(directoryMessage(v))
	})
	s.stream = stream.New(l, deps.Repo, deps.Profiles, deps.Router, func(v types.StreamView) {
		s.queueMessage(streamMessage(v))
	})
	s.pipeline = send.NewPipeline(l, deps.Repo, deps.Skills, deps.Stats, func(v types.SendView) {
		s.queueMessage(sendStateMessage(v))
	})

	return s
}

func (s *Session) Id() string {
	return s.id
}

// Start loads the directory and, when roomId is set, opens that room. A
// room the profile does not belong to is never opened.
func (s *Session) Start(roomId int) {
	s.directory.Load(s.ctx, s.profile.Id)
	if roomId == 0 {
		return
	}
	if !s.visible(roomId) {
		s.log.Printf("session %s: room %d is not in the directory", s.id, roomId)
		s.queueMessage(ErrRoomNotFound(0))
		return
	}
	if err := s.stream.Load(s.ctx, roomId); err != nil {
		s.log.Printf("session %s: open room %d: %v", s.id, roomId, err)
	}
}

func (s *Session) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		s.log.Printf("session %s: write exiting", s.id)
	}()

	for {
		select {
		case msg := <-s.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				s.log.Println("failed to serialize message:", err)
				continue
			}

			if !s.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-s.stop:
			s.sendMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !s.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (s *Session) Read() {
	defer func() {
		s.conn.Close()
		s.cleanup()
		s.log.Printf("session %s: read exiting", s.id)
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error { s.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				s.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.log.Println("error parsing message:", err)
			s.queueMessage(ErrInvalidMessage(-1))
			continue
		}
		msg.Timestamp = Now()

		s.handle(&msg)
	}
}

func (s *Session) handle(msg *ClientMessage) {
	switch {
	case msg.Open != nil:
		s.open(msg)
	case msg.Send != nil:
		s.submit(msg)
	case msg.Refetch != nil:
		s.refetch(msg)
	case msg.CreateRoom != nil:
		s.createRoom(msg)
	default:
		s.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

// open makes a room of the directory the active one. A room unknown to
// the directory triggers one reload first, since it may have been created
// moments ago.
func (s *Session) open(msg *ClientMessage) {
	roomId := msg.Open.RoomId
	if roomId != 0 && !s.visible(roomId) {
		s.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	if err := s.stream.Load(s.ctx, roomId); err != nil {
		// the stream view already carries the error
		s.log.Printf("session %s: open room %d: %v", s.id, roomId, err)
	}
	s.queueMessage(NoErrOK(msg.Id, map[string]any{"room_id": roomId}))
}

// visible reports whether roomId is in the directory, reloading it once on
// a miss.
func (s *Session) visible(roomId int) bool {
	if _, ok := s.directory.Room(roomId); ok {
		return true
	}
	s.directory.Reload(s.ctx)
	_, ok := s.directory.Room(roomId)
	return ok
}

func (s *Session) submit(msg *ClientMessage) {
	roomId := s.stream.RoomId()
	if roomId == 0 {
		s.queueMessage(ErrNoActiveRoom(msg.Id))
		return
	}

	in := send.Input{
		SendRequest: send.SendRequest{
			Content:  msg.Send.Content,
			RoomId:   roomId,
			SenderId: s.profile.Id,
		},
	}
	if entry, ok := s.directory.Room(roomId); ok && !entry.IsGlobal {
		if peer, ok := entry.Peer(s.profile.Id); ok {
			in.ReceiverHint = &peer.Id
		}
	}
	if last, ok := s.stream.Last(); ok {
		in.Previous = &last.Message
	}

	res, err := s.pipeline.Submit(s.ctx, in)
	if err != nil {
		s.log.Printf("session %s: submit to room %d: %v", s.id, roomId, err)
		// resubmitting would duplicate what was already written
		if len(res.Sent) == 0 {
			s.queueMessage(ErrSendFailed(msg.Id, err, msg.Send.Content))
			return
		}
	}

	if res.Notice != "" {
		s.queueMessage(noticeMessage(res.Notice))
	}
	if res.Compose != "" {
		s.queueMessage(composeMessage(res.Compose))
	}
	s.queueMessage(NoErrOK(msg.Id, map[string]any{"sent": res.Sent}))
}

func (s *Session) refetch(msg *ClientMessage) {
	if s.stream.RoomId() == 0 {
		s.directory.Load(s.ctx, s.profile.Id)
		s.queueMessage(NoErrOK(msg.Id, nil))
		return
	}

	if err := s.stream.Refetch(s.ctx); err != nil {
		s.log.Printf("session %s: refetch: %v", s.id, err)
	}
	s.queueMessage(NoErrOK(msg.Id, nil))
}

func (s *Session) createRoom(msg *ClientMessage) {
	var (
		room    types.Room
		created = true
		err     error
	)
	if msg.CreateRoom.PeerId != 0 {
		room, created, err = s.creator.CreateDirect(s.ctx, s.profile.Id, msg.CreateRoom.PeerId)
	} else {
		room, err = s.creator.CreateGlobal(s.ctx, msg.CreateRoom.Name)
	}

	if err != nil {
		s.log.Printf("session %s: create room: %v", s.id, err)

		var partial *rooms.PartialMembershipError
		switch {
		case errors.As(err, &partial):
			s.queueMessage(ErrIncompleteRoom(msg.Id))
		case errors.Is(err, rooms.ErrEmptyName), errors.Is(err, rooms.ErrSelfChat):
			s.queueMessage(ErrBadRequest(msg.Id, err.Error()))
		case errors.Is(err, rooms.ErrPeerNotFound):
			s.queueMessage(ErrPeerNotFound(msg.Id))
		default:
			s.queueMessage(ErrInternalError(msg.Id))
		}
		return
	}

	s.directory.Reload(s.ctx)
	if err := s.stream.Load(s.ctx, room.Id); err != nil {
		s.log.Printf("session %s: open room %d: %v", s.id, room.Id, err)
	}

	data := map[string]any{"room": room, "created": created}
	if created {
		s.queueMessage(NoErrCreated(msg.Id, data))
		return
	}
	s.queueMessage(NoErrOK(msg.Id, data))
}

func (s *Session) queueMessage(msg *ServerMessage) bool {
	select {
	case s.send <- msg:
	default:
		s.log.Println("failed to send message to session, channel is full")
		return false
	}

	return true
}

func (s *Session) sendMessage(msgType int, msg []byte) bool {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := s.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			s.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (s *Session) stopSession() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

func (s *Session) cleanup() {
	s.cancel()
	s.directory.Close()
	s.stream.Close()
	s.hub.deregister(s)
	s.stopSession()
}
