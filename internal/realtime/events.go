package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/go-chatsync/internal/types"
)

type Kind uint8

const (
	KindMessageInsert Kind = 1 << iota
	KindRoomInsert
	KindParticipantInsert

	AllKinds = KindMessageInsert | KindRoomInsert | KindParticipantInsert
)

func (k Kind) Has(other Kind) bool {
	return k&other != 0
}

func (k Kind) String() string {
	switch k {
	case KindMessageInsert:
		return "message_insert"
	case KindRoomInsert:
		return "room_insert"
	case KindParticipantInsert:
		return "participant_insert"
	default:
		return fmt.Sprintf("kinds(%d)", uint8(k))
	}
}

// Event is one of MessageInserted, RoomInserted or ParticipantInserted.
type Event interface {
	Kind() Kind
	isEvent()
}

type MessageInserted struct {
	Message types.Message
	// ContentOmitted is set when the payload was too large to carry the
	// content, which then has to be read back by id.
	ContentOmitted bool
}

type RoomInserted struct {
	Room types.Room
}

type ParticipantInserted struct {
	Participant types.Participant
}

func (MessageInserted) Kind() Kind     { return KindMessageInsert }
func (RoomInserted) Kind() Kind        { return KindRoomInsert }
func (ParticipantInserted) Kind() Kind { return KindParticipantInsert }

func (MessageInserted) isEvent()     {}
func (RoomInserted) isEvent()        {}
func (ParticipantInserted) isEvent() {}

const (
	tableMessages     = "messages"
	tableRooms        = "chat_rooms"
	tableParticipants = "participants"
)

var (
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrUnknownTable         = errors.New("unknown table")
	ErrInvalidRecord        = errors.New("invalid record")
)

type envelope struct {
	Type   string          `json:"type"`
	Table  string          `json:"table"`
	Record json.RawMessage `json:"record"`
}

type messageRecord struct {
	Id         int       `json:"id"`
	RoomId     int       `json:"chat_room_id"`
	SenderId   int       `json:"sender_id"`
	ReceiverId *int      `json:"receiver_id"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	Omitted    bool      `json:"content_omitted"`
}

type roomRecord struct {
	Id        int       `json:"id"`
	Name      string    `json:"name"`
	IsGlobal  bool      `json:"is_global"`
	CreatedAt time.Time `json:"created_at"`
}

type participantRecord struct {
	Id        int `json:"id"`
	RoomId    int `json:"chat_room_id"`
	ProfileId int `json:"profile_id"`
}

// DecodeEvent parses a raw push payload into its typed event.
func DecodeEvent(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	if env.Type != "INSERT" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedOperation, env.Type)
	}

	if len(env.Record) == 0 {
		return nil, fmt.Errorf("%w: missing record", ErrInvalidRecord)
	}

	switch env.Table {
	case tableMessages:
		var rec messageRecord
		if err := json.Unmarshal(env.Record, &rec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		if rec.Id == 0 || rec.RoomId == 0 {
			return nil, fmt.Errorf("%w: message without id or room", ErrInvalidRecord)
		}
		return MessageInserted{Message: types.Message{
			Id:         rec.Id,
			RoomId:     rec.RoomId,
			SenderId:   rec.SenderId,
			ReceiverId: rec.ReceiverId,
			Content:    rec.Content,
			CreatedAt:  rec.CreatedAt,
		}, ContentOmitted: rec.Omitted}, nil
	case tableRooms:
		var rec roomRecord
		if err := json.Unmarshal(env.Record, &rec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		if rec.Id == 0 {
			return nil, fmt.Errorf("%w: room without id", ErrInvalidRecord)
		}
		return RoomInserted{Room: types.Room(rec)}, nil
	case tableParticipants:
		var rec participantRecord
		if err := json.Unmarshal(env.Record, &rec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		if rec.RoomId == 0 || rec.ProfileId == 0 {
			return nil, fmt.Errorf("%w: participant without room or profile", ErrInvalidRecord)
		}
		return ParticipantInserted{Participant: types.Participant(rec)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, env.Table)
	}
}
