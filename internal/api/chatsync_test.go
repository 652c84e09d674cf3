package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/npezzotti/go-chatsync/internal/config"
	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/profile"
	"github.com/npezzotti/go-chatsync/internal/server"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewChatSyncApp(t *testing.T) {
	mux := http.NewServeMux()
	logger := testutil.TestLogger(t)
	repo := &database.MockRepository{}
	hub := server.NewHub(logger, stats.Nop{})
	deps := newTestDeps(t, repo)
	profiles := profile.NewCache(logger, repo, nil, 0)
	cfg := &config.Config{
		ServerAddr:     "localhost:8080",
		DatabaseDSN:    "dsn",
		SigningKey:     []byte("secret"),
		AllowedOrigins: []string{"http://localhost:3000"},
	}

	app := NewChatSyncApp(mux, logger, hub, deps, profiles, cfg)

	assert.NotNil(t, app, "expected app to be initialized")
	assert.NotNil(t, app.srv, "expected http server to be initialized")
	assert.Equal(t, logger, app.log, "expected logger to be set")
	assert.Equal(t, hub, app.hub, "expected hub to be set")
	assert.Equal(t, profiles, app.profiles, "expected profile service to be set")
	assert.Equal(t, cfg.SigningKey, app.signingKey, "expected signing key to be set")
	assert.Equal(t, cfg.AllowedOrigins, app.allowedOrigins, "expected allowed origins to be set")
	assert.Equal(t, cfg.ServerAddr, app.srv.Addr, "expected server address to match config")
}

func TestNewChatSyncApp_Routes(t *testing.T) {
	app := newTestApp(t, &database.MockRepository{})

	tcases := []struct {
		name   string
		method string
		path   string
		code   int
	}{
		{name: "profile requires auth", method: http.MethodGet, path: "/api/profile", code: http.StatusUnauthorized},
		{name: "profile update requires auth", method: http.MethodPatch, path: "/api/profile", code: http.StatusUnauthorized},
		{name: "rooms requires auth", method: http.MethodGet, path: "/api/rooms", code: http.StatusUnauthorized},
		{name: "create room requires auth", method: http.MethodPost, path: "/api/rooms", code: http.StatusUnauthorized},
		{name: "messages requires auth", method: http.MethodGet, path: "/api/messages?room_id=1", code: http.StatusUnauthorized},
		{name: "websocket requires auth", method: http.MethodGet, path: "/ws", code: http.StatusUnauthorized},
		{name: "unknown route", method: http.MethodGet, path: "/api/unknown", code: http.StatusNotFound},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			app.srv.Handler.ServeHTTP(rr, httptest.NewRequest(tc.method, tc.path, nil))
			assert.Equal(t, tc.code, rr.Code)
		})
	}
}
