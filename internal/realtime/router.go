package realtime

import (
	"cmp"
	"context"
	"fmt"
	"log"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/stats"
)

type scopeKind uint8

const (
	scopeRoom scopeKind = iota + 1
	scopeParticipant
)

// Scope selects the events a registration is interested in.
type Scope struct {
	kind scopeKind
	id   int
}

// RoomScope matches message inserts of a single room.
func RoomScope(roomId int) Scope {
	return Scope{kind: scopeRoom, id: roomId}
}

// ParticipantScope matches everything visible to a participant: global
// rooms, messages that are global or addressed from/to the participant,
// and membership rows naming the participant.
func ParticipantScope(profileId int) Scope {
	return Scope{kind: scopeParticipant, id: profileId}
}

func (s Scope) String() string {
	switch s.kind {
	case scopeRoom:
		return fmt.Sprintf("room:%d", s.id)
	case scopeParticipant:
		return fmt.Sprintf("participant:%d", s.id)
	default:
		return "invalid"
	}
}

func (s Scope) matches(ev Event) bool {
	switch e := ev.(type) {
	case MessageInserted:
		if s.kind == scopeRoom {
			return e.Message.RoomId == s.id
		}
		return e.Message.ReceiverId == nil ||
			*e.Message.ReceiverId == s.id ||
			e.Message.SenderId == s.id
	case RoomInserted:
		return s.kind == scopeParticipant && e.Room.IsGlobal
	case ParticipantInserted:
		return s.kind == scopeParticipant && e.Participant.ProfileId == s.id
	default:
		return false
	}
}

type Handler func(ctx context.Context, ev Event)

type Subscription struct {
	seq     uint64
	scope   Scope
	kinds   Kind
	handler Handler
	router  *Router
	active  atomic.Bool
}

func (s *Subscription) Scope() Scope {
	return s.scope
}

// Unsubscribe removes the registration. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || !s.active.CompareAndSwap(true, false) {
		return
	}
	s.router.remove(s)
}

// Router fans push events out to registered consumers. Delivery happens on
// the caller of Dispatch, one event at a time, so consumers observe events
// in transport order.
type Router struct {
	log      *log.Logger
	stats    stats.StatsProvider
	mu       sync.RWMutex
	subs     map[string][]*Subscription
	seq      uint64
	messages MessageStore
}

// MessageStore reads back messages whose content was left out of the push
// payload.
type MessageStore interface {
	GetMessage(ctx context.Context, id int) (database.Message, error)
}

func NewRouter(logger *log.Logger, sp stats.StatsProvider) *Router {
	sp.RegisterMetric(stats.EventsDispatched)
	sp.RegisterMetric(stats.EventsDropped)

	return &Router{
		log:   logger,
		stats: sp,
		subs:  make(map[string][]*Subscription),
	}
}

// SetMessageStore must be called before Run.
func (r *Router) SetMessageStore(store MessageStore) {
	r.messages = store
}

func (r *Router) Subscribe(scope Scope, kinds Kind, h Handler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	sub := &Subscription{
		seq:     r.seq,
		scope:   scope,
		kinds:   kinds,
		handler: h,
		router:  r,
	}
	sub.active.Store(true)

	token := scope.String()
	r.subs[token] = append(r.subs[token], sub)
	r.log.Printf("subscribed to %s (%d registrations)", token, len(r.subs[token]))

	return sub
}

// Resubscribe unregisters old before registering the new scope, so the
// two registrations never overlap.
func (r *Router) Resubscribe(old *Subscription, scope Scope, kinds Kind, h Handler) *Subscription {
	old.Unsubscribe()
	return r.Subscribe(scope, kinds, h)
}

func (r *Router) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token := sub.scope.String()
	list := r.subs[token]
	if i := slices.Index(list, sub); i >= 0 {
		list = slices.Delete(list, i, i+1)
	}

	if len(list) == 0 {
		delete(r.subs, token)
	} else {
		r.subs[token] = list
	}
	r.log.Printf("unsubscribed from %s", token)
}

// Registrations returns the number of live registrations for scope.
func (r *Router) Registrations(scope Scope) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.subs[scope.String()])
}

func (r *Router) matching(ev Event) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Subscription
	for _, list := range r.subs {
		for _, sub := range list {
			if sub.kinds.Has(ev.Kind()) && sub.scope.matches(ev) {
				matched = append(matched, sub)
			}
		}
	}

	slices.SortFunc(matched, func(a, b *Subscription) int {
		return cmp.Compare(a.seq, b.seq)
	})

	return matched
}

// Dispatch delivers ev to every matching registration exactly once, in
// registration order.
func (r *Router) Dispatch(ctx context.Context, ev Event) {
	for _, sub := range r.matching(ev) {
		if !sub.active.Load() {
			continue
		}
		r.deliver(ctx, sub, ev)
	}
	r.stats.Incr(stats.EventsDispatched)
}

func (r *Router) deliver(ctx context.Context, sub *Subscription, ev Event) {
	defer func() {
		if err := recover(); err != nil {
			r.log.Printf("handler for %s panicked on %s: %v", sub.scope, ev.Kind(), err)
		}
	}()

	sub.handler(ctx, ev)
}

// Run consumes raw payloads from src until ctx is cancelled or the source
// fails. Payloads that cannot be decoded are logged and dropped.
func (r *Router) Run(ctx context.Context, src Source) error {
	payloads := make(chan []byte, 256)
	errCh := make(chan error, 1)
	go func() {
		errCh <- src.Listen(ctx, payloads)
	}()

	for {
		select {
		case raw := <-payloads:
			ev, err := DecodeEvent(raw)
			if err != nil {
				r.log.Printf("dropping push event: %v", err)
				r.stats.Incr(stats.EventsDropped)
				continue
			}
			ev, err = r.complete(ctx, ev)
			if err != nil {
				r.log.Printf("dropping push event: %v", err)
				r.stats.Incr(stats.EventsDropped)
				continue
			}
			r.Dispatch(ctx, ev)
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return nil
		}
	}
}

// complete reads back the content of a message insert that arrived
// without it.
func (r *Router) complete(ctx context.Context, ev Event) (Event, error) {
	inserted, ok := ev.(MessageInserted)
	if !ok || !inserted.ContentOmitted {
		return ev, nil
	}
	if r.messages == nil {
		return nil, fmt.Errorf("message %d arrived without content and no store is set", inserted.Message.Id)
	}

	row, err := r.messages.GetMessage(ctx, inserted.Message.Id)
	if err != nil {
		return nil, fmt.Errorf("read back message %d: %w", inserted.Message.Id, err)
	}

	return MessageInserted{Message: row.Type()}, nil
}
