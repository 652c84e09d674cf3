package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-chatsync/internal/config"
	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/profile"
	"github.com/npezzotti/go-chatsync/internal/server"
	"github.com/npezzotti/go-chatsync/internal/types"
)

// ProfileService resolves the profile owned by an authenticated identity
// and applies changes its owner makes.
type ProfileService interface {
	Ensure(ctx context.Context, id profile.Identity) (types.Profile, error)
	Update(ctx context.Context, profileId int, params database.UpdateProfileParams) (types.Profile, error)
}

type ChatSyncApp struct {
	log            *log.Logger
	srv            *http.Server
	hub            *server.Hub
	deps           server.Deps
	profiles       ProfileService
	signingKey     []byte
	allowedOrigins []string
}

func NewChatSyncApp(mux *http.ServeMux, logger *log.Logger, hub *server.Hub, deps server.Deps, profiles ProfileService, cfg *config.Config) *ChatSyncApp {
	s := &ChatSyncApp{
		log:            logger,
		hub:            hub,
		deps:           deps,
		profiles:       profiles,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.Handle("GET /api/profile", s.authMiddleware(s.getProfile))
	mux.Handle("PATCH /api/profile", s.authMiddleware(s.updateProfile))
	mux.Handle("GET /api/rooms", s.authMiddleware(s.getRooms))
	mux.Handle("POST /api/rooms", s.authMiddleware(s.createRoom))
	mux.Handle("GET /api/messages", s.authMiddleware(s.getMessages))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *ChatSyncApp) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *ChatSyncApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
