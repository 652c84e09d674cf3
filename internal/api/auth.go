package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-chatsync/internal/profile"
	"github.com/npezzotti/go-chatsync/internal/types"
)

const (
	tokenCookieKey = "token"

	userIdClaim = "user-id"
	emailClaim  = "email"
	nameClaim   = "name"
	expClaim    = "exp"
)

type contextKey string

const profileKey contextKey = "profile"

func WithProfile(ctx context.Context, p types.Profile) context.Context {
	return context.WithValue(ctx, profileKey, p)
}

func ProfileFrom(ctx context.Context) (types.Profile, bool) {
	p, ok := ctx.Value(profileKey).(types.Profile)

	return p, ok
}

// tokenFromRequest reads the session token from the cookie, falling back to
// a bearer Authorization header.
func tokenFromRequest(r *http.Request) (string, error) {
	if cookie, err := r.Cookie(tokenCookieKey); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}

	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && token != "" {
		return token, nil
	}

	return "", fmt.Errorf("no session token")
}

func (s *ChatSyncApp) verifyToken(tokenString string) (*jwt.Token, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return token, nil
}

func (s *ChatSyncApp) identityFromToken(tokenString string) (profile.Identity, error) {
	token, err := s.verifyToken(tokenString)
	if err != nil {
		return profile.Identity{}, fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return profile.Identity{}, fmt.Errorf("invalid token claims")
	}

	var id profile.Identity
	switch v := claims[userIdClaim].(type) {
	case string:
		id.UserId = v
	case float64:
		id.UserId = strconv.FormatInt(int64(v), 10)
	}
	if id.UserId == "" {
		return profile.Identity{}, fmt.Errorf("invalid user id claim")
	}

	id.Email, _ = claims[emailClaim].(string)
	id.FullName, _ = claims[nameClaim].(string)

	return id, nil
}
