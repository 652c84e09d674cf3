package database

import "context"

// Repository is the persistence boundary. It is the single source of truth
// for rooms, participants, profiles and messages.
type Repository interface {
	Ping(ctx context.Context) error
	GetProfile(ctx context.Context, id int) (Profile, error)
	GetProfileByUserId(ctx context.Context, userId string) (Profile, error)
	CreateProfile(ctx context.Context, params CreateProfileParams) (Profile, error)
	UpdateProfile(ctx context.Context, id int, params UpdateProfileParams) (Profile, error)
	GetRoom(ctx context.Context, id int) (Room, error)
	FirstGlobalRoom(ctx context.Context) (Room, error)
	ListGlobalRooms(ctx context.Context) ([]Room, error)
	ListRoomsForParticipant(ctx context.Context, profileId int) ([]Room, error)
	FindDirectRoom(ctx context.Context, profileId, peerId int) (Room, error)
	InsertRoom(ctx context.Context, name string, isGlobal bool) (Room, error)
	InsertParticipant(ctx context.Context, roomId, profileId int) (Participant, error)
	ListParticipants(ctx context.Context, roomId int) ([]Profile, error)
	LatestMessage(ctx context.Context, roomId int) (*Message, error)
	GetMessage(ctx context.Context, id int) (Message, error)
	ListMessages(ctx context.Context, roomId int) ([]Message, error)
	InsertMessage(ctx context.Context, params InsertMessageParams) (Message, error)
	SetNotifyChannel(ctx context.Context, channel string) error
}
