package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/npezzotti/go-chatsync/internal/api"
	"github.com/npezzotti/go-chatsync/internal/config"
	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/profile"
	"github.com/npezzotti/go-chatsync/internal/realtime"
	"github.com/npezzotti/go-chatsync/internal/rooms"
	"github.com/npezzotti/go-chatsync/internal/server"
	"github.com/npezzotti/go-chatsync/internal/skill"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/redis/go-redis/v9"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	dsn            string
	signingKey     string
	allowedOrigins stringSliceFlag
	redisAddr      string
	pushSource     string
	natsURL        string
	notifyChannel  string
	skillURL       string
	profileTTL     time.Duration
	migrateUp      bool
)

func newRedisClient(logger *log.Logger, addr string) *redis.Client {
	if addr == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Printf("redis unavailable, profile cache is local only: %v", err)
		client.Close()
		return nil
	}

	return client
}

func newSource(logger *log.Logger, cfg *config.Config, repo *database.PgRepository) realtime.Source {
	if cfg.PushSource == config.PushNats {
		return realtime.NewNatsSource(logger, cfg.NatsURL, cfg.NotifyChannel)
	}
	return realtime.NewPgSource(logger, cfg.DatabaseDSN, cfg.NotifyChannel, repo)
}

func main() {
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.StringVar(&dsn, "dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable", "database connection string")
	flag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.StringVar(&redisAddr, "redis-addr", "", "redis address for the shared profile cache")
	flag.StringVar(&pushSource, "push-source", config.PushPostgres, "live event source (postgres or nats)")
	flag.StringVar(&natsURL, "nats-url", "", "nats server URL")
	flag.StringVar(&notifyChannel, "notify-channel", "", "postgres notify channel (recorded for the insert triggers) or nats subject")
	flag.StringVar(&skillURL, "skill-url", "http://localhost:3000/api/genai", "base URL of the assistant skills")
	flag.DurationVar(&profileTTL, "profile-ttl", config.DefaultProfileTTL, "profile cache TTL")
	flag.BoolVar(&migrateUp, "migrate", false, "apply database migrations on startup")
	flag.Parse()

	logger := log.New(os.Stderr, "[chatsync] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, dsn, signingKey, allowedOrigins,
		config.WithRedis(redisAddr),
		config.WithPushSource(pushSource, natsURL, notifyChannel),
		config.WithSkillBaseURL(skillURL),
		config.WithProfileTTL(profileTTL),
		config.WithMigrate(migrateUp),
	)
	if err != nil {
		logger.Fatal("config:", err)
	}

	repo, err := database.NewPgRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	if cfg.Migrate {
		logger.Println("applying migrations...")
		if err := repo.Migrate(); err != nil {
			logger.Fatal("migrate:", err)
		}
	}

	redisClient := newRedisClient(logger, cfg.RedisAddr)
	if redisClient != nil {
		defer redisClient.Close()
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	profiles := profile.NewCache(logger, repo, redisClient, cfg.ProfileTTL)
	router := realtime.NewRouter(logger, statsUpdater)
	router.SetMessageStore(repo)
	creator := rooms.NewCreator(logger, repo)

	if _, err := creator.EnsureGlobal(context.Background()); err != nil {
		logger.Println("ensure global room:", err)
	}

	routerCtx, stopRouter := context.WithCancel(context.Background())
	defer stopRouter()
	go func() {
		if err := router.Run(routerCtx, newSource(logger, cfg, repo)); err != nil {
			logger.Println("push source:", err)
		}
	}()

	hub := server.NewHub(logger, statsUpdater)

	deps := server.Deps{
		Repo:     repo,
		Profiles: profiles,
		Router:   router,
		Skills:   skill.NewClient(cfg.SkillBaseURL, cfg.SigningKey, skill.DefaultTimeout),
		Creator:  creator,
		Stats:    statsUpdater,
	}

	srv := api.NewChatSyncApp(mux, logger, hub, deps, profiles, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go hub.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutting down session hub...")
	if err := hub.Shutdown(shutDownCtx); err != nil {
		logger.Println("session hub shutdown:", err)
	}

	stopRouter()
	logger.Println("shutdown complete")
}
