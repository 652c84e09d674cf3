package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

const (
	PushPostgres = "postgres"
	PushNats     = "nats"

	DefaultNotifyChannel = "chatsync_events"
	DefaultNatsSubject   = "chatsync.events"
	DefaultProfileTTL    = 5 * time.Minute

	// maxChannelLen is the longest identifier postgres accepts.
	maxChannelLen = 63
)

type Config struct {
	DatabaseDSN    string
	ServerAddr     string
	SigningKey     []byte
	AllowedOrigins []string
	RedisAddr      string
	PushSource     string
	NatsURL        string
	NotifyChannel  string
	SkillBaseURL   string
	ProfileTTL     time.Duration
	Migrate        bool
}

type Option func(*Config)

// WithRedis enables the shared profile cache.
func WithRedis(addr string) Option {
	return func(c *Config) { c.RedisAddr = addr }
}

// WithPushSource selects where live events come from. channel is the
// Postgres notify channel or the NATS subject.
func WithPushSource(source, natsURL, channel string) Option {
	return func(c *Config) {
		c.PushSource = source
		c.NatsURL = natsURL
		c.NotifyChannel = channel
	}
}

func WithSkillBaseURL(url string) Option {
	return func(c *Config) { c.SkillBaseURL = url }
}

func WithProfileTTL(ttl time.Duration) Option {
	return func(c *Config) {
		if ttl > 0 {
			c.ProfileTTL = ttl
		}
	}
}

func WithMigrate(migrate bool) Option {
	return func(c *Config) { c.Migrate = migrate }
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("empty signing secret")
	}
	return key, nil
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string, opts ...Option) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	cfg := &Config{
		DatabaseDSN:    databaseDSN,
		ServerAddr:     serverAddr,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
		PushSource:     PushPostgres,
		ProfileTTL:     DefaultProfileTTL,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	switch cfg.PushSource {
	case PushPostgres:
		if cfg.NotifyChannel == "" {
			cfg.NotifyChannel = DefaultNotifyChannel
		}
		if len(cfg.NotifyChannel) > maxChannelLen {
			return nil, fmt.Errorf("notify channel %q is longer than %d bytes", cfg.NotifyChannel, maxChannelLen)
		}
	case PushNats:
		if cfg.NatsURL == "" {
			return nil, fmt.Errorf("nats URL is required for the nats push source")
		}
		if cfg.NotifyChannel == "" {
			cfg.NotifyChannel = DefaultNatsSubject
		}
	default:
		return nil, fmt.Errorf("unknown push source %q", cfg.PushSource)
	}

	return cfg, nil
}
