// Package profile resolves participant identifiers to display attributes.
package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL = 5 * time.Minute
	keyPrefix  = "chatsync:profile:"
)

// Resolver looks up a profile by id. A missing profile is reported as
// (nil, nil).
type Resolver interface {
	Resolve(ctx context.Context, profileId int) (*types.Profile, error)
}

type Store interface {
	GetProfile(ctx context.Context, id int) (database.Profile, error)
	GetProfileByUserId(ctx context.Context, userId string) (database.Profile, error)
	CreateProfile(ctx context.Context, params database.CreateProfileParams) (database.Profile, error)
	UpdateProfile(ctx context.Context, id int, params database.UpdateProfileParams) (database.Profile, error)
}

// Cache is a cache-aside profile resolver. Redis is optional; without it
// every lookup goes to the store, deduplicated per profile id.
type Cache struct {
	log     *log.Logger
	store   Store
	client  *redis.Client
	ttl     time.Duration
	sfGroup singleflight.Group
}

func NewCache(logger *log.Logger, store Store, client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		log:    logger,
		store:  store,
		client: client,
		ttl:    ttl,
	}
}

func cacheKey(profileId int) string {
	return keyPrefix + strconv.Itoa(profileId)
}

func (c *Cache) Resolve(ctx context.Context, profileId int) (*types.Profile, error) {
	if profileId == 0 {
		return nil, nil
	}

	if p, ok := c.get(ctx, profileId); ok {
		return p, nil
	}

	val, err, _ := c.sfGroup.Do(cacheKey(profileId), func() (any, error) {
		p, err := c.store.GetProfile(ctx, profileId)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, &database.FetchError{Op: "get profile", Err: err}
		}

		profile := p.Type()
		c.set(ctx, &profile)
		return &profile, nil
	})
	if err != nil {
		return nil, err
	}

	p, _ := val.(*types.Profile)
	return p, nil
}

func (c *Cache) get(ctx context.Context, profileId int) (*types.Profile, bool) {
	if c.client == nil {
		return nil, false
	}

	data, err := c.client.Get(ctx, cacheKey(profileId)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Printf("profile cache get %d: %v", profileId, err)
		}
		return nil, false
	}

	var p types.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		c.log.Printf("profile cache unmarshal %d: %v", profileId, err)
		return nil, false
	}

	return &p, true
}

func (c *Cache) set(ctx context.Context, p *types.Profile) {
	if c.client == nil {
		return
	}

	data, err := json.Marshal(p)
	if err != nil {
		c.log.Printf("profile cache marshal %d: %v", p.Id, err)
		return
	}

	if err := c.client.Set(ctx, cacheKey(p.Id), data, c.ttl).Err(); err != nil {
		c.log.Printf("profile cache set %d: %v", p.Id, err)
	}
}

// Invalidate drops a cached profile after its owner changed it.
func (c *Cache) Invalidate(ctx context.Context, profileId int) error {
	if c.client == nil {
		return nil
	}

	if err := c.client.Del(ctx, cacheKey(profileId)).Err(); err != nil {
		return fmt.Errorf("profile cache delete: %w", err)
	}
	return nil
}

// Update writes the changed attributes and replaces the cached copy so
// other instances stop serving the old name.
func (c *Cache) Update(ctx context.Context, profileId int, params database.UpdateProfileParams) (types.Profile, error) {
	p, err := c.store.UpdateProfile(ctx, profileId, params)
	if err != nil {
		return types.Profile{}, &database.WriteError{Op: "update profile", Err: err}
	}

	if err := c.Invalidate(ctx, profileId); err != nil {
		c.log.Printf("profile %d: %v", profileId, err)
	}

	profile := p.Type()
	c.set(ctx, &profile)
	return profile, nil
}

// Identity is the authenticated user as reported by the auth provider.
type Identity struct {
	UserId   string
	Email    string
	FullName string
}

func defaultName(id Identity) string {
	if name := strings.TrimSpace(id.FullName); name != "" {
		return name
	}
	if local, _, ok := strings.Cut(id.Email, "@"); ok && local != "" {
		return local
	}
	return "User"
}

// Ensure returns the profile owned by the identity, creating it on first
// access.
func (c *Cache) Ensure(ctx context.Context, id Identity) (types.Profile, error) {
	p, err := c.store.GetProfileByUserId(ctx, id.UserId)
	if err == nil {
		return p.Type(), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return types.Profile{}, &database.FetchError{Op: "get profile by user", Err: err}
	}

	c.log.Printf("creating profile for user %q", id.UserId)
	p, err = c.store.CreateProfile(ctx, database.CreateProfileParams{
		UserId: id.UserId,
		Name:   defaultName(id),
		Email:  id.Email,
	})
	if err != nil {
		return types.Profile{}, &database.WriteError{Op: "create profile", Err: err}
	}

	profile := p.Type()
	c.set(ctx, &profile)
	return profile, nil
}
