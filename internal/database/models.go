package database

import (
	"time"

	"github.com/npezzotti/go-chatsync/internal/types"
)

type Profile struct {
	Id        int
	UserId    string
	Name      string
	Email     string
	AvatarURL string
	CreatedAt time.Time
}

type Room struct {
	Id        int
	Name      string
	IsGlobal  bool
	CreatedAt time.Time
}

type Participant struct {
	Id        int
	RoomId    int
	ProfileId int
}

type Message struct {
	Id         int
	RoomId     int
	SenderId   int
	ReceiverId *int
	Content    string
	CreatedAt  time.Time
}

type CreateProfileParams struct {
	UserId string
	Name   string
	Email  string
}

// UpdateProfileParams leaves empty fields unchanged.
type UpdateProfileParams struct {
	Name      string
	AvatarURL string
}

type InsertMessageParams struct {
	RoomId     int
	SenderId   int
	ReceiverId *int
	Content    string
}

func (p Profile) Type() types.Profile {
	return types.Profile{
		Id:        p.Id,
		UserId:    p.UserId,
		Name:      p.Name,
		Email:     p.Email,
		AvatarURL: p.AvatarURL,
	}
}

func (r Room) Type() types.Room {
	return types.Room{
		Id:        r.Id,
		Name:      r.Name,
		IsGlobal:  r.IsGlobal,
		CreatedAt: r.CreatedAt,
	}
}

func (m Message) Type() types.Message {
	return types.Message{
		Id:         m.Id,
		RoomId:     m.RoomId,
		SenderId:   m.SenderId,
		ReceiverId: m.ReceiverId,
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
	}
}
