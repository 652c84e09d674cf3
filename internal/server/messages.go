package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/npezzotti/go-chatsync/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Open       *Open       `json:"open,omitempty"`
	Send       *Send       `json:"send,omitempty"`
	Refetch    *Refetch    `json:"refetch,omitempty"`
	CreateRoom *CreateRoom `json:"create_room,omitempty"`
}

type Open struct {
	RoomId int `json:"room_id"`
}

type Send struct {
	Content string `json:"content"`
}

type Refetch struct{}

// CreateRoom creates a global room when Name is set, otherwise a
// peer-to-peer room with PeerId.
type CreateRoom struct {
	Name   string `json:"name,omitempty"`
	PeerId int    `json:"peer_id,omitempty"`
}

type ServerMessage struct {
	BaseMessage
	Response  *Response            `json:"response,omitempty"`
	Directory *types.DirectoryView `json:"directory,omitempty"`
	Stream    *types.StreamView    `json:"stream,omitempty"`
	SendState *types.SendView      `json:"send_state,omitempty"`
	Notice    *Notice              `json:"notice,omitempty"`
	Compose   *Compose             `json:"compose,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type Notice struct {
	Text string `json:"text"`
}

// Compose replaces the client's compose buffer.
type Compose struct {
	Content string `json:"content"`
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func newServerMessage(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
	}
}

func response(id, code int, errMsg string, data any) *ServerMessage {
	msg := newServerMessage(id)
	msg.Response = &Response{
		ResponseCode: code,
		Error:        errMsg,
		Data:         data,
	}
	return msg
}

func NoErrOK(id int, data any) *ServerMessage {
	return response(id, http.StatusOK, "", data)
}

func NoErrCreated(id int, data any) *ServerMessage {
	return response(id, http.StatusCreated, "", data)
}

func ErrRoomNotFound(id int) *ServerMessage {
	return response(id, http.StatusNotFound, "room not found", nil)
}

func ErrPeerNotFound(id int) *ServerMessage {
	return response(id, http.StatusNotFound, "peer not found", nil)
}

func ErrNoActiveRoom(id int) *ServerMessage {
	return response(id, http.StatusBadRequest, "no active room", nil)
}

func ErrBadRequest(id int, reason string) *ServerMessage {
	return response(id, http.StatusBadRequest, reason, nil)
}

// ErrSendFailed carries the unsent content back so the client can keep
// its compose buffer.
func ErrSendFailed(id int, cause error, content string) *ServerMessage {
	return response(id, http.StatusInternalServerError, "send failed: "+cause.Error(), map[string]any{
		"content": content,
	})
}

func ErrIncompleteRoom(id int) *ServerMessage {
	return response(id, http.StatusConflict, "could not complete chat setup", nil)
}

func ErrInternalError(id int) *ServerMessage {
	return response(id, http.StatusInternalServerError, "internal server error", nil)
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return response(id, http.StatusServiceUnavailable, "service unavailable", nil)
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := response(0, http.StatusBadRequest, "invalid message format", nil)
	if id > 0 {
		msg.Id = id
	}
	return msg
}

func directoryMessage(view types.DirectoryView) *ServerMessage {
	msg := newServerMessage(0)
	msg.Directory = &view
	return msg
}

func streamMessage(view types.StreamView) *ServerMessage {
	msg := newServerMessage(0)
	msg.Stream = &view
	return msg
}

func sendStateMessage(view types.SendView) *ServerMessage {
	msg := newServerMessage(0)
	msg.SendState = &view
	return msg
}

func noticeMessage(text string) *ServerMessage {
	msg := newServerMessage(0)
	msg.Notice = &Notice{Text: text}
	return msg
}

func composeMessage(content string) *ServerMessage {
	msg := newServerMessage(0)
	msg.Compose = &Compose{Content: content}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
