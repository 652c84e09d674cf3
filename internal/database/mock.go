package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockRepository) GetProfile(ctx context.Context, id int) (Profile, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Profile), args.Error(1)
}
func (m *MockRepository) GetProfileByUserId(ctx context.Context, userId string) (Profile, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).(Profile), args.Error(1)
}
func (m *MockRepository) CreateProfile(ctx context.Context, params CreateProfileParams) (Profile, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Profile), args.Error(1)
}
func (m *MockRepository) UpdateProfile(ctx context.Context, id int, params UpdateProfileParams) (Profile, error) {
	args := m.Called(ctx, id, params)
	return args.Get(0).(Profile), args.Error(1)
}
func (m *MockRepository) GetRoom(ctx context.Context, id int) (Room, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRepository) FirstGlobalRoom(ctx context.Context) (Room, error) {
	args := m.Called(ctx)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRepository) ListGlobalRooms(ctx context.Context) ([]Room, error) {
	args := m.Called(ctx)
	if rooms, ok := args.Get(0).([]Room); ok {
		return rooms, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) ListRoomsForParticipant(ctx context.Context, profileId int) ([]Room, error) {
	args := m.Called(ctx, profileId)
	if rooms, ok := args.Get(0).([]Room); ok {
		return rooms, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) FindDirectRoom(ctx context.Context, profileId, peerId int) (Room, error) {
	args := m.Called(ctx, profileId, peerId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRepository) InsertRoom(ctx context.Context, name string, isGlobal bool) (Room, error) {
	args := m.Called(ctx, name, isGlobal)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRepository) InsertParticipant(ctx context.Context, roomId, profileId int) (Participant, error) {
	args := m.Called(ctx, roomId, profileId)
	return args.Get(0).(Participant), args.Error(1)
}
func (m *MockRepository) ListParticipants(ctx context.Context, roomId int) ([]Profile, error) {
	args := m.Called(ctx, roomId)
	if profiles, ok := args.Get(0).([]Profile); ok {
		return profiles, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) LatestMessage(ctx context.Context, roomId int) (*Message, error) {
	args := m.Called(ctx, roomId)
	if msg, ok := args.Get(0).(*Message); ok {
		return msg, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) GetMessage(ctx context.Context, id int) (Message, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) ListMessages(ctx context.Context, roomId int) ([]Message, error) {
	args := m.Called(ctx, roomId)
	if messages, ok := args.Get(0).([]Message); ok {
		return messages, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) InsertMessage(ctx context.Context, params InsertMessageParams) (Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) SetNotifyChannel(ctx context.Context, channel string) error {
	args := m.Called(ctx, channel)
	return args.Error(0)
}
