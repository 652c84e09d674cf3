package types

import (
	"time"
)

const UnknownSender = "Unknown user"

type Profile struct {
	Id        int    `json:"id"`
	UserId    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// DisplayName returns the name, falling back to the email address.
func (p Profile) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Email
}

type Room struct {
	Id        int       `json:"id"`
	Name      string    `json:"name"`
	IsGlobal  bool      `json:"is_global"`
	CreatedAt time.Time `json:"created_at"`
}

type Participant struct {
	Id        int `json:"id"`
	RoomId    int `json:"room_id"`
	ProfileId int `json:"profile_id"`
}

type Message struct {
	Id         int       `json:"id"`
	RoomId     int       `json:"room_id"`
	SenderId   int       `json:"sender_id"`
	ReceiverId *int      `json:"receiver_id"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// StreamMessage is a message enriched with its sender's profile. Sender is
// nil when the profile could not be resolved.
type StreamMessage struct {
	Message
	Sender *Profile `json:"sender,omitempty"`
}

func (m StreamMessage) SenderName() string {
	if m.Sender != nil {
		if name := m.Sender.DisplayName(); name != "" {
			return name
		}
	}
	return UnknownSender
}

type RoomSummary struct {
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type RoomEntry struct {
	Room
	Participants []Profile    `json:"participants,omitempty"`
	Summary      *RoomSummary `json:"latest_message,omitempty"`
}

// LastActivity is the timestamp used to order rooms in the directory.
func (e RoomEntry) LastActivity() time.Time {
	if e.Summary != nil {
		return e.Summary.CreatedAt
	}
	return e.CreatedAt
}

// Peer returns the participant of a peer-to-peer room that is not self.
func (e RoomEntry) Peer(self int) (Profile, bool) {
	for _, p := range e.Participants {
		if p.Id != self {
			return p, true
		}
	}
	return Profile{}, false
}

type StreamState string

const (
	StreamIdle    StreamState = "idle"
	StreamLoading StreamState = "loading"
	StreamReady   StreamState = "ready"
	StreamErrored StreamState = "errored"
)

type StreamView struct {
	RoomId   int             `json:"room_id"`
	State    StreamState     `json:"state"`
	Messages []StreamMessage `json:"messages"`
	Loading  bool            `json:"loading"`
	Error    string          `json:"error,omitempty"`
}

type DirectoryView struct {
	Rooms   []RoomEntry `json:"rooms"`
	Loading bool        `json:"loading"`
}

type SendView struct {
	Sending  bool     `json:"sending"`
	Error    string   `json:"error,omitempty"`
	LastSent *Message `json:"last_sent,omitempty"`
}
