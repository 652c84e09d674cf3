package realtime

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
	"github.com/nats-io/nats.go"
)

const (
	DefaultChannel = "chatsync_events"
	DefaultSubject = "chatsync.events"

	minReconnectInterval = 10 * time.Second
	maxReconnectInterval = time.Minute
	pingInterval         = 90 * time.Second
)

// Source delivers raw push payloads to out until ctx is done.
type Source interface {
	Listen(ctx context.Context, out chan<- []byte) error
}

// ChannelStore records which channel the insert triggers notify on.
type ChannelStore interface {
	SetNotifyChannel(ctx context.Context, channel string) error
}

// PgSource listens for NOTIFY payloads emitted by the insert triggers.
type PgSource struct {
	log     *log.Logger
	dsn     string
	channel string
	store   ChannelStore
}

func NewPgSource(logger *log.Logger, dsn, channel string, store ChannelStore) *PgSource {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PgSource{log: logger, dsn: dsn, channel: channel, store: store}
}

// register points the triggers at the listened channel. Failing to do so
// only matters when the channel is not the one the triggers default to.
func (s *PgSource) register(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	err := s.store.SetNotifyChannel(ctx, s.channel)
	if err == nil {
		return nil
	}
	if s.channel != DefaultChannel {
		return fmt.Errorf("set notify channel %q: %w", s.channel, err)
	}
	s.log.Printf("set notify channel: %v", err)

	return nil
}

func (s *PgSource) Listen(ctx context.Context, out chan<- []byte) error {
	if err := s.register(ctx); err != nil {
		return err
	}

	listener := pq.NewListener(s.dsn, minReconnectInterval, maxReconnectInterval,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				s.log.Printf("pq listener: %v", err)
			}
		})
	defer listener.Close()

	if err := listener.Listen(s.channel); err != nil {
		return fmt.Errorf("listen %q: %w", s.channel, err)
	}
	s.log.Printf("listening for notifications on %q", s.channel)

	for {
		select {
		case n := <-listener.Notify:
			if n == nil {
				// the connection was re-established; notifications sent
				// in between are lost
				s.log.Println("pq listener reconnected")
				continue
			}
			select {
			case out <- []byte(n.Extra):
			case <-ctx.Done():
				return nil
			}
		case <-time.After(pingInterval):
			if err := listener.Ping(); err != nil {
				s.log.Printf("pq listener ping: %v", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// NatsSource subscribes to a subject carrying the same JSON envelopes,
// for deployments that relay database changes through NATS.
type NatsSource struct {
	log     *log.Logger
	url     string
	subject string
}

func NewNatsSource(logger *log.Logger, url, subject string) *NatsSource {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NatsSource{log: logger, url: url, subject: subject}
}

func (s *NatsSource) Listen(ctx context.Context, out chan<- []byte) error {
	nc, err := nats.Connect(s.url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer nc.Close()

	msgs := make(chan *nats.Msg, 256)
	sub, err := nc.ChanSubscribe(s.subject, msgs)
	if err != nil {
		return fmt.Errorf("subscribe %q: %w", s.subject, err)
	}
	defer sub.Unsubscribe()
	s.log.Printf("subscribed to nats subject %q at %s", s.subject, s.url)

	for {
		select {
		case msg := <-msgs:
			select {
			case out <- msg.Data:
			case <-ctx.Done():
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// ChanSource forwards payloads written to its channel.
type ChanSource chan []byte

func (c ChanSource) Listen(ctx context.Context, out chan<- []byte) error {
	for {
		select {
		case raw, ok := <-c:
			if !ok {
				return nil
			}
			select {
			case out <- raw:
			case <-ctx.Done():
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}
