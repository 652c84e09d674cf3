package server

import (
	"context"
	"log"
	"sync"

	"github.com/npezzotti/go-chatsync/internal/stats"
)

type stopReq struct {
	done chan struct{}
}

// Hub tracks the live sessions so they can be stopped together on
// shutdown.
type Hub struct {
	log            *log.Logger
	stats          stats.StatsProvider
	sessions       map[*Session]struct{}
	sessionsLock   sync.RWMutex
	registerChan   chan *Session
	deregisterChan chan *Session
	stop           chan stopReq
	done           chan struct{}
}

func NewHub(logger *log.Logger, sp stats.StatsProvider) *Hub {
	sp.RegisterMetric(stats.ActiveSessions)

	return &Hub{
		log:            logger,
		stats:          sp,
		sessions:       make(map[*Session]struct{}),
		registerChan:   make(chan *Session),
		deregisterChan: make(chan *Session),
		stop:           make(chan stopReq),
		done:           make(chan struct{}),
	}
}

func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case s := <-h.registerChan:
			h.log.Printf("adding session %s for profile %d", s.id, s.profile.Id)
			h.addSession(s)
		case s := <-h.deregisterChan:
			h.log.Printf("removing session %s for profile %d", s.id, s.profile.Id)
			h.removeSession(s)
		case req := <-h.stop:
			h.log.Println("stopping sessions")
			h.sessionsLock.RLock()
			for s := range h.sessions {
				s.stopSession()
			}
			h.sessionsLock.RUnlock()

			close(req.done)
			return
		}
	}
}

// Register adds s to the hub. It reports false once the hub is stopped.
func (h *Hub) Register(s *Session) bool {
	select {
	case h.registerChan <- s:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) deregister(s *Session) {
	select {
	case h.deregisterChan <- s:
	case <-h.done:
	}
}

func (h *Hub) addSession(s *Session) {
	h.sessionsLock.Lock()
	defer h.sessionsLock.Unlock()

	h.sessions[s] = struct{}{}
	h.stats.Incr(stats.ActiveSessions)
}

func (h *Hub) removeSession(s *Session) {
	h.sessionsLock.Lock()
	defer h.sessionsLock.Unlock()

	if _, ok := h.sessions[s]; ok {
		delete(h.sessions, s)
		h.stats.Decr(stats.ActiveSessions)
	}
}

// Len returns the number of live sessions.
func (h *Hub) Len() int {
	h.sessionsLock.RLock()
	defer h.sessionsLock.RUnlock()

	return len(h.sessions)
}

func (h *Hub) Shutdown(ctx context.Context) error {
	h.log.Println("received shutdown signal")

	req := stopReq{done: make(chan struct{})}
	select {
	case h.stop <- req:
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
