// Package rooms creates global and peer-to-peer rooms.
package rooms

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/types"
)

const (
	DefaultGlobalRoom  = "Global Chat"
	fallbackDirectName = "Chat with user"
)

var (
	ErrEmptyName    = errors.New("room name is required")
	ErrSelfChat     = errors.New("cannot start a chat with yourself")
	ErrPeerNotFound = errors.New("peer not found")
)

// PartialMembershipError reports a peer-to-peer room that was created but
// whose second participant could not be added.
type PartialMembershipError struct {
	RoomId int
	Err    error
}

func (e *PartialMembershipError) Error() string {
	return fmt.Sprintf("could not complete chat setup for room %d: %v", e.RoomId, e.Err)
}

func (e *PartialMembershipError) Unwrap() error {
	return e.Err
}

type Store interface {
	GetProfile(ctx context.Context, id int) (database.Profile, error)
	FirstGlobalRoom(ctx context.Context) (database.Room, error)
	FindDirectRoom(ctx context.Context, profileId, peerId int) (database.Room, error)
	InsertRoom(ctx context.Context, name string, isGlobal bool) (database.Room, error)
	InsertParticipant(ctx context.Context, roomId, profileId int) (database.Participant, error)
}

type Creator struct {
	log   *log.Logger
	store Store
}

func NewCreator(logger *log.Logger, store Store) *Creator {
	return &Creator{log: logger, store: store}
}

func (c *Creator) CreateGlobal(ctx context.Context, name string) (types.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return types.Room{}, ErrEmptyName
	}

	room, err := c.store.InsertRoom(ctx, name, true)
	if err != nil {
		return types.Room{}, &database.WriteError{Op: "create room", Err: err}
	}

	c.log.Printf("created global room %d %q", room.Id, room.Name)
	return room.Type(), nil
}

// EnsureGlobal returns the first global room, creating the default one
// when none exists.
func (c *Creator) EnsureGlobal(ctx context.Context) (types.Room, error) {
	room, err := c.store.FirstGlobalRoom(ctx)
	if err == nil {
		return room.Type(), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return types.Room{}, &database.FetchError{Op: "find global room", Err: err}
	}

	return c.CreateGlobal(ctx, DefaultGlobalRoom)
}

// CreateDirect returns the peer-to-peer room shared by selfId and peerId,
// creating it when it does not exist yet. The bool reports whether a new
// room was created.
func (c *Creator) CreateDirect(ctx context.Context, selfId, peerId int) (types.Room, bool, error) {
	if selfId == peerId {
		return types.Room{}, false, ErrSelfChat
	}

	existing, err := c.store.FindDirectRoom(ctx, selfId, peerId)
	if err == nil {
		return existing.Type(), false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return types.Room{}, false, &database.FetchError{Op: "check existing chat", Err: err}
	}

	peer, err := c.store.GetProfile(ctx, peerId)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Room{}, false, ErrPeerNotFound
	}
	if err != nil {
		return types.Room{}, false, &database.FetchError{Op: "get peer profile", Err: err}
	}

	room, err := c.store.InsertRoom(ctx, directName(peer.Type()), false)
	if err != nil {
		return types.Room{}, false, &database.WriteError{Op: "create chat room", Err: err}
	}

	if _, err := c.store.InsertParticipant(ctx, room.Id, selfId); err != nil {
		return types.Room{}, false, &database.WriteError{Op: "add yourself to chat", Err: err}
	}

	if _, err := c.store.InsertParticipant(ctx, room.Id, peerId); err != nil {
		c.log.Printf("room %d left with one participant: %v", room.Id, err)
		return types.Room{}, false, &PartialMembershipError{
			RoomId: room.Id,
			Err:    &database.WriteError{Op: "add peer to chat", Err: err},
		}
	}

	c.log.Printf("created direct room %d between %d and %d", room.Id, selfId, peerId)
	return room.Type(), true, nil
}

func directName(peer types.Profile) string {
	if name := peer.DisplayName(); name != "" {
		return name
	}
	return fallbackDirectName
}
