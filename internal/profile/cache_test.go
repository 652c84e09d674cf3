package profile

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

const testRedisAddr = "localhost:6379"

func TestCache_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("returns profile from store", func(t *testing.T) {
		repo := &database.MockRepository{}
		defer repo.AssertExpectations(t)
		repo.On("GetProfile", mock.Anything, 3).
			Return(database.Profile{Id: 3, UserId: "u-3", Name: "Ada", Email: "ada@example.com"}, nil).Once()

		c := NewCache(testutil.TestLogger(t), repo, nil, 0)
		p, err := c.Resolve(ctx, 3)
		assert.NoError(t, err)
		if assert.NotNil(t, p) {
			assert.Equal(t, "Ada", p.Name)
			assert.Equal(t, "u-3", p.UserId)
		}
	})

	t.Run("missing profile is not an error", func(t *testing.T) {
		repo := &database.MockRepository{}
		defer repo.AssertExpectations(t)
		repo.On("GetProfile", mock.Anything, 4).Return(database.Profile{}, sql.ErrNoRows).Once()

		c := NewCache(testutil.TestLogger(t), repo, nil, 0)
		p, err := c.Resolve(ctx, 4)
		assert.NoError(t, err)
		assert.Nil(t, p)
	})

	t.Run("store failure is a fetch error", func(t *testing.T) {
		repo := &database.MockRepository{}
		defer repo.AssertExpectations(t)
		repo.On("GetProfile", mock.Anything, 5).Return(database.Profile{}, errors.New("db down")).Once()

		c := NewCache(testutil.TestLogger(t), repo, nil, 0)
		p, err := c.Resolve(ctx, 5)
		assert.Nil(t, p)
		var fetchErr *database.FetchError
		assert.ErrorAs(t, err, &fetchErr)
	})

	t.Run("zero id resolves to nothing", func(t *testing.T) {
		repo := &database.MockRepository{}
		c := NewCache(testutil.TestLogger(t), repo, nil, 0)
		p, err := c.Resolve(ctx, 0)
		assert.NoError(t, err)
		assert.Nil(t, p)
		repo.AssertNotCalled(t, "GetProfile", mock.Anything, mock.Anything)
	})

	t.Run("concurrent lookups share one query", func(t *testing.T) {
		repo := &database.MockRepository{}
		release := make(chan time.Time)
		repo.On("GetProfile", mock.Anything, 6).
			WaitUntil(release).
			Return(database.Profile{Id: 6, Name: "Grace"}, nil)

		c := NewCache(testutil.TestLogger(t), repo, nil, 0)

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p, err := c.Resolve(ctx, 6)
				assert.NoError(t, err)
				assert.NotNil(t, p)
			}()
		}

		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()

		assert.LessOrEqual(t, len(repo.Calls), 5)
		assert.GreaterOrEqual(t, len(repo.Calls), 1)
	})
}

func TestCache_ResolveWithRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available at %s: %v", testRedisAddr, err)
	}
	defer client.Close()
	defer client.Del(ctx, cacheKey(42))

	repo := &database.MockRepository{}
	defer repo.AssertExpectations(t)
	repo.On("GetProfile", mock.Anything, 42).Return(database.Profile{Id: 42, Name: "Linus"}, nil).Once()

	c := NewCache(testutil.TestLogger(t), repo, client, time.Minute)
	assert.NoError(t, c.Invalidate(ctx, 42))

	first, err := c.Resolve(ctx, 42)
	assert.NoError(t, err)
	second, err := c.Resolve(ctx, 42)
	assert.NoError(t, err)
	assert.Equal(t, first, second, "expected cached profile to match stored one")
}

func TestCache_Ensure(t *testing.T) {
	ctx := context.Background()

	t.Run("existing profile", func(t *testing.T) {
		repo := &database.MockRepository{}
		defer repo.AssertExpectations(t)
		repo.On("GetProfileByUserId", mock.Anything, "u-1").Return(database.Profile{Id: 1, UserId: "u-1"}, nil).Once()

		c := NewCache(testutil.TestLogger(t), repo, nil, 0)
		p, err := c.Ensure(ctx, Identity{UserId: "u-1"})
		assert.NoError(t, err)
		assert.Equal(t, 1, p.Id)
	})

	t.Run("creates missing profile", func(t *testing.T) {
		repo := &database.MockRepository{}
		defer repo.AssertExpectations(t)
		repo.On("GetProfileByUserId", mock.Anything, "u-2").Return(database.Profile{}, sql.ErrNoRows).Once()
		repo.On("CreateProfile", mock.Anything, database.CreateProfileParams{
			UserId: "u-2",
			Name:   "jane",
			Email:  "jane@example.com",
		}).Return(database.Profile{Id: 2, UserId: "u-2", Name: "jane", Email: "jane@example.com"}, nil).Once()

		c := NewCache(testutil.TestLogger(t), repo, nil, 0)
		p, err := c.Ensure(ctx, Identity{UserId: "u-2", Email: "jane@example.com"})
		assert.NoError(t, err)
		assert.Equal(t, "jane", p.Name)
	})

	t.Run("create failure is a write error", func(t *testing.T) {
		repo := &database.MockRepository{}
		defer repo.AssertExpectations(t)
		repo.On("GetProfileByUserId", mock.Anything, "u-3").Return(database.Profile{}, sql.ErrNoRows).Once()
		repo.On("CreateProfile", mock.Anything, mock.Anything).Return(database.Profile{}, errors.New("conflict")).Once()

		c := NewCache(testutil.TestLogger(t), repo, nil, 0)
		_, err := c.Ensure(ctx, Identity{UserId: "u-3"})
		var writeErr *database.WriteError
		assert.ErrorAs(t, err, &writeErr)
	})

	t.Run("lookup failure is a fetch error", func(t *testing.T) {
		repo := &database.MockRepository{}
		defer repo.AssertExpectations(t)
		repo.On("GetProfileByUserId", mock.Anything, "u-4").Return(database.Profile{}, errors.New("timeout")).Once()

		c := NewCache(testutil.TestLogger(t), repo, nil, 0)
		_, err := c.Ensure(ctx, Identity{UserId: "u-4"})
		var fetchErr *database.FetchError
		assert.ErrorAs(t, err, &fetchErr)
	})
}

func TestCache_Update(t *testing.T) {
	ctx := context.Background()

	t.Run("writes the store", func(t *testing.T) {
		repo := &database.MockRepository{}
		defer repo.AssertExpectations(t)
		repo.On("UpdateProfile", mock.Anything, 1, database.UpdateProfileParams{Name: "Ada L."}).
			Return(database.Profile{Id: 1, Name: "Ada L."}, nil).Once()

		c := NewCache(testutil.TestLogger(t), repo, nil, 0)
		p, err := c.Update(ctx, 1, database.UpdateProfileParams{Name: "Ada L."})
		assert.NoError(t, err)
		assert.Equal(t, "Ada L.", p.Name)
	})

	t.Run("store failure is a write error", func(t *testing.T) {
		repo := &database.MockRepository{}
		repo.On("UpdateProfile", mock.Anything, 1, mock.Anything).Return(database.Profile{}, errors.New("timeout")).Once()

		c := NewCache(testutil.TestLogger(t), repo, nil, 0)
		_, err := c.Update(ctx, 1, database.UpdateProfileParams{Name: "Ada L."})
		var writeErr *database.WriteError
		assert.ErrorAs(t, err, &writeErr)
	})
}

func TestCache_UpdateWithRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available at %s: %v", testRedisAddr, err)
	}
	defer client.Close()
	defer client.Del(ctx, cacheKey(43))

	repo := &database.MockRepository{}
	defer repo.AssertExpectations(t)
	repo.On("GetProfile", mock.Anything, 43).Return(database.Profile{Id: 43, Name: "Grace"}, nil).Once()
	repo.On("UpdateProfile", mock.Anything, 43, database.UpdateProfileParams{Name: "Grace H."}).
		Return(database.Profile{Id: 43, Name: "Grace H."}, nil).Once()

	c := NewCache(testutil.TestLogger(t), repo, client, time.Minute)
	assert.NoError(t, c.Invalidate(ctx, 43))

	before, err := c.Resolve(ctx, 43)
	assert.NoError(t, err)
	assert.Equal(t, "Grace", before.Name)

	_, err = c.Update(ctx, 43, database.UpdateProfileParams{Name: "Grace H."})
	assert.NoError(t, err)

	after, err := c.Resolve(ctx, 43)
	assert.NoError(t, err)
	assert.Equal(t, "Grace H.", after.Name, "expected the cached copy to be replaced")
}

func Test_defaultName(t *testing.T) {
	tcases := []struct {
		name     string
		identity Identity
		expected string
	}{
		{name: "full name", identity: Identity{FullName: " Ada Lovelace ", Email: "ada@example.com"}, expected: "Ada Lovelace"},
		{name: "email local part", identity: Identity{Email: "ada@example.com"}, expected: "ada"},
		{name: "fallback", identity: Identity{}, expected: "User"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, defaultName(tc.identity))
		})
	}
}
