package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/realtime"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/testutil"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeResolver struct {
	profiles map[int]types.Profile
	err      error
}

func (f *fakeResolver) Resolve(ctx context.Context, id int) (*types.Profile, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.profiles[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

type viewRecorder struct {
	mu    sync.Mutex
	views []types.StreamView
}

func (r *viewRecorder) record(v types.StreamView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views = append(r.views, v)
}

func row(id, roomId, sender int, at time.Duration) database.Message {
	return database.Message{
		Id:        id,
		RoomId:    roomId,
		SenderId:  sender,
		Content:   "message",
		CreatedAt: base.Add(at),
	}
}

func live(m database.Message) realtime.MessageInserted {
	return realtime.MessageInserted{Message: m.Type()}
}

func ids(view types.StreamView) []int {
	out := make([]int, 0, len(view.Messages))
	for _, m := range view.Messages {
		out = append(out, m.Id)
	}
	return out
}

func assertOrdered(t *testing.T, view types.StreamView) {
	t.Helper()
	for i := 1; i < len(view.Messages); i++ {
		assert.False(t, view.Messages[i].CreatedAt.Before(view.Messages[i-1].CreatedAt),
			"expected non-decreasing timestamps at index %d", i)
	}
}

func newTestStream(t *testing.T, repo *database.MockRepository) (*Stream, *realtime.Router, *viewRecorder) {
	router := realtime.NewRouter(testutil.TestLogger(t), stats.Nop{})
	resolver := &fakeResolver{profiles: map[int]types.Profile{
		1: {Id: 1, Name: "Ada"},
		2: {Id: 2, Email: "grace@example.com"},
	}}
	rec := &viewRecorder{}
	s := New(testutil.TestLogger(t), repo, resolver, router, rec.record)
	return s, router, rec
}

func TestStream_Load(t *testing.T) {
	ctx := context.Background()

	t.Run("loads history with senders", func(t *testing.T) {
		repo := &database.MockRepository{}
		defer repo.AssertExpectations(t)
		repo.On("ListMessages", mock.Anything, 10).
			Return([]database.Message{row(1, 10, 1, 0), row(2, 10, 2, time.Second), row(3, 10, 99, 2*time.Second)}, nil).Once()

		s, router, rec := newTestStream(t, repo)
		assert.NoError(t, s.Load(ctx, 10))

		view := s.Snapshot()
		assert.Equal(t, types.StreamReady, view.State)
		assert.False(t, view.Loading)
		assert.Equal(t, []int{1, 2, 3}, ids(view))
		assert.Equal(t, "Ada", view.Messages[0].SenderName())
		assert.Equal(t, "grace@example.com", view.Messages[1].SenderName())
		assert.Nil(t, view.Messages[2].Sender, "expected unknown sender placeholder")
		assert.Equal(t, types.UnknownSender, view.Messages[2].SenderName())
		assert.Equal(t, 1, router.Registrations(realtime.RoomScope(10)))

		assert.GreaterOrEqual(t, len(rec.views), 2)
		assert.True(t, rec.views[0].Loading, "expected a loading snapshot first")
	})

	t.Run("profile lookup failure is not fatal", func(t *testing.T) {
		repo := &database.MockRepository{}
		defer repo.AssertExpectations(t)
		repo.On("ListMessages", mock.Anything, 10).Return([]database.Message{row(1, 10, 1, 0)}, nil).Once()

		router := realtime.NewRouter(testutil.TestLogger(t), stats.Nop{})
		s := New(testutil.TestLogger(t), repo, &fakeResolver{err: errors.New("profiles down")}, router, nil)
		assert.NoError(t, s.Load(ctx, 10))

		view := s.Snapshot()
		assert.Equal(t, types.StreamReady, view.State)
		assert.Len(t, view.Messages, 1)
		assert.Nil(t, view.Messages[0].Sender)
	})

	t.Run("fetch failure sets errored state", func(t *testing.T) {
		repo := &database.MockRepository{}
		defer repo.AssertExpectations(t)
		repo.On("ListMessages", mock.Anything, 10).Return(nil, errors.New("connection refused")).Once()

		s, _, _ := newTestStream(t, repo)
		err := s.Load(ctx, 10)

		var fetchErr *database.FetchError
		assert.ErrorAs(t, err, &fetchErr)
		view := s.Snapshot()
		assert.Equal(t, types.StreamErrored, view.State)
		assert.False(t, view.Loading)
		assert.Contains(t, view.Error, "connection refused")
		assert.Equal(t, err, s.Err())
	})

	t.Run("absent room clears state", func(t *testing.T) {
		repo := &database.MockRepository{}
		defer repo.AssertExpectations(t)
		repo.On("ListMessages", mock.Anything, 10).Return([]database.Message{row(1, 10, 1, 0)}, nil).Once()

		s, router, _ := newTestStream(t, repo)
		assert.NoError(t, s.Load(ctx, 10))
		assert.NoError(t, s.Load(ctx, 0))

		view := s.Snapshot()
		assert.Equal(t, types.StreamIdle, view.State)
		assert.Empty(t, view.Messages)
		assert.Equal(t, 0, view.RoomId)
		assert.Equal(t, 0, router.Registrations(realtime.RoomScope(10)), "expected room scope to be released")
	})
}

func TestStream_Dedup(t *testing.T) {
	ctx := context.Background()

	t.Run("live insert racing the bulk fetch appears once", func(t *testing.T) {
		repo := &database.MockRepository{}
		defer repo.AssertExpectations(t)

		s, router, _ := newTestStream(t, repo)
		repo.On("ListMessages", mock.Anything, 10).
			Run(func(args mock.Arguments) {
				// the insert is committed after the query ran but the
				// notification arrives before the result is applied
				router.Dispatch(ctx, live(row(2, 10, 1, time.Second)))
			}).
			Return([]database.Message{row(1, 10, 1, 0), row(2, 10, 1, time.Second)}, nil).Once()

		assert.NoError(t, s.Load(ctx, 10))
		assert.Equal(t, []int{1, 2}, ids(s.Snapshot()))
	})

	t.Run("repeated live delivery appears once", func(t *testing.T) {
		repo := &database.MockRepository{}
		defer repo.AssertExpectations(t)
		repo.On("ListMessages", mock.Anything, 10).Return([]database.Message{row(1, 10, 1, 0)}, nil).Once()

		s, router, _ := newTestStream(t, repo)
		assert.NoError(t, s.Load(ctx, 10))

		router.Dispatch(ctx, live(row(1, 10, 1, 0)))
		router.Dispatch(ctx, live(row(2, 10, 2, time.Second)))
		router.Dispatch(ctx, live(row(2, 10, 2, time.Second)))

		view := s.Snapshot()
		assert.Equal(t, []int{1, 2}, ids(view))
		assert.Equal(t, "grace@example.com", view.Messages[1].SenderName())
	})

	t.Run("refetch is idempotent", func(t *testing.T) {
		repo := &database.MockRepository{}
		defer repo.AssertExpectations(t)
		repo.On("ListMessages", mock.Anything, 10).Return([]database.Message{row(1, 10, 1, 0)}, nil).Once()
		repo.On("ListMessages", mock.Anything, 10).
			Return([]database.Message{row(1, 10, 1, 0), row(2, 10, 1, time.Second)}, nil).Once()

		s, router, _ := newTestStream(t, repo)
		assert.NoError(t, s.Load(ctx, 10))
		router.Dispatch(ctx, live(row(2, 10, 1, time.Second)))
		assert.NoError(t, s.Refetch(ctx))

		view := s.Snapshot()
		assert.Equal(t, types.StreamReady, view.State)
		assert.Equal(t, []int{1, 2}, ids(view))
		assert.Equal(t, 1, router.Registrations(realtime.RoomScope(10)), "expected refetch to keep a single registration")
	})
}

func TestStream_Order(t *testing.T) {
	ctx := context.Background()
	repo := &database.MockRepository{}
	defer repo.AssertExpectations(t)
	repo.On("ListMessages", mock.Anything, 10).
		Return([]database.Message{row(1, 10, 1, 0), row(3, 10, 1, 3*time.Second)}, nil).Once()

	s, router, rec := newTestStream(t, repo)
	assert.NoError(t, s.Load(ctx, 10))

	router.Dispatch(ctx, live(row(4, 10, 1, 4*time.Second)))
	assert.Equal(t, []int{1, 3, 4}, ids(s.Snapshot()), "expected newer message to be appended")

	// committed earlier than the last displayed message
	router.Dispatch(ctx, live(row(2, 10, 1, time.Second)))
	assert.Equal(t, []int{1, 2, 3, 4}, ids(s.Snapshot()))

	// same timestamp, ordered by id
	router.Dispatch(ctx, live(row(5, 10, 1, 4*time.Second)))
	assert.Equal(t, []int{1, 2, 3, 4, 5}, ids(s.Snapshot()))

	for _, view := range rec.views {
		assertOrdered(t, view)
	}
}

func TestStream_IgnoresOtherRooms(t *testing.T) {
	ctx := context.Background()
	repo := &database.MockRepository{}
	defer repo.AssertExpectations(t)
	repo.On("ListMessages", mock.Anything, 10).Return([]database.Message{}, nil).Once()

	s, _, _ := newTestStream(t, repo)
	assert.NoError(t, s.Load(ctx, 10))

	s.handleEvent(ctx, live(row(9, 11, 1, 0)))
	s.handleEvent(ctx, realtime.RoomInserted{Room: types.Room{Id: 11}})
	assert.Empty(t, s.Snapshot().Messages)
}

func TestStream_SwitchRoomDiscardsStaleFetch(t *testing.T) {
	ctx := context.Background()
	repo := &database.MockRepository{}
	defer repo.AssertExpectations(t)

	s, router, _ := newTestStream(t, repo)
	repo.On("ListMessages", mock.Anything, 10).
		Run(func(args mock.Arguments) {
			// the user switches rooms while the old fetch is in flight
			assert.NoError(t, s.Load(ctx, 20))
		}).
		Return([]database.Message{row(1, 10, 1, 0)}, nil).Once()
	repo.On("ListMessages", mock.Anything, 20).Return([]database.Message{row(7, 20, 2, 0)}, nil).Once()

	assert.NoError(t, s.Load(ctx, 10))

	view := s.Snapshot()
	assert.Equal(t, 20, view.RoomId)
	assert.Equal(t, []int{7}, ids(view), "expected old room's result to be discarded")
	assert.Equal(t, types.StreamReady, view.State)
	assert.Equal(t, 0, router.Registrations(realtime.RoomScope(10)))
	assert.Equal(t, 1, router.Registrations(realtime.RoomScope(20)))

	router.Dispatch(ctx, live(row(2, 10, 1, time.Second)))
	assert.Equal(t, []int{7}, ids(s.Snapshot()), "expected old room's live events to be ignored")
}

func TestStream_StaleFetchErrorIsDiscarded(t *testing.T) {
	ctx := context.Background()
	repo := &database.MockRepository{}
	defer repo.AssertExpectations(t)

	s, _, _ := newTestStream(t, repo)
	repo.On("ListMessages", mock.Anything, 10).
		Run(func(args mock.Arguments) {
			assert.NoError(t, s.Load(ctx, 20))
		}).
		Return(nil, errors.New("timeout")).Once()
	repo.On("ListMessages", mock.Anything, 20).Return([]database.Message{}, nil).Once()

	assert.NoError(t, s.Load(ctx, 10))
	view := s.Snapshot()
	assert.Equal(t, types.StreamReady, view.State)
	assert.Empty(t, view.Error)
}

func TestStream_Close(t *testing.T) {
	ctx := context.Background()
	repo := &database.MockRepository{}
	defer repo.AssertExpectations(t)
	repo.On("ListMessages", mock.Anything, 10).Return([]database.Message{row(1, 10, 1, 0)}, nil).Once()

	s, router, rec := newTestStream(t, repo)
	assert.NoError(t, s.Load(ctx, 10))
	s.Close()
	notified := len(rec.views)

	assert.Equal(t, 0, router.Registrations(realtime.RoomScope(10)))
	s.handleEvent(ctx, live(row(2, 10, 1, time.Second)))
	assert.NoError(t, s.Load(ctx, 10))

	assert.Equal(t, []int{1}, ids(s.Snapshot()))
	assert.Equal(t, notified, len(rec.views), "expected no notifications after close")
}

func TestStream_Last(t *testing.T) {
	ctx := context.Background()
	repo := &database.MockRepository{}
	defer repo.AssertExpectations(t)
	repo.On("ListMessages", mock.Anything, 10).
		Return([]database.Message{row(1, 10, 1, 0), row(2, 10, 2, time.Second)}, nil).Once()

	s, _, _ := newTestStream(t, repo)
	_, ok := s.Last()
	assert.False(t, ok)

	assert.NoError(t, s.Load(ctx, 10))
	last, ok := s.Last()
	assert.True(t, ok)
	assert.Equal(t, 2, last.Id)
	assert.Equal(t, 10, s.RoomId())
}
