// Package stream keeps the ordered message log of the active room.
package stream

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/profile"
	"github.com/npezzotti/go-chatsync/internal/realtime"
	"github.com/npezzotti/go-chatsync/internal/types"
)

type MessageStore interface {
	ListMessages(ctx context.Context, roomId int) ([]database.Message, error)
}

// Stream merges the bulk history of one room with its live inserts. Only
// its own load and event handlers mutate it; readers use Snapshot.
type Stream struct {
	log      *log.Logger
	store    MessageStore
	profiles profile.Resolver
	router   *realtime.Router
	onChange func(types.StreamView)

	mu       sync.RWMutex
	roomId   int
	gen      uint64
	state    types.StreamState
	messages []types.StreamMessage
	seen     map[int]struct{}
	err      error
	sub      *realtime.Subscription
	closed   bool
}

// New creates an idle stream. onChange, if set, is called with a fresh
// snapshot after every state change.
func New(logger *log.Logger, store MessageStore, profiles profile.Resolver, router *realtime.Router, onChange func(types.StreamView)) *Stream {
	return &Stream{
		log:      logger,
		store:    store,
		profiles: profiles,
		router:   router,
		onChange: onChange,
		state:    types.StreamIdle,
		seen:     make(map[int]struct{}),
	}
}

// Load makes roomId the active room and fetches its history. A roomId of
// zero clears the stream. Results of a fetch that was superseded by a later
// Load or Refetch are discarded.
func (s *Stream) Load(ctx context.Context, roomId int) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	s.gen++
	if roomId == 0 {
		s.sub.Unsubscribe()
		s.sub = nil
		s.reset(0)
		s.state = types.StreamIdle
		view := s.snapshotLocked()
		s.mu.Unlock()
		s.notify(view)
		return nil
	}

	if roomId != s.roomId || s.sub == nil {
		s.reset(roomId)
		// subscribe before fetching so an insert committed in between is
		// seen by at least one of the two paths
		s.sub = s.router.Resubscribe(s.sub, realtime.RoomScope(roomId), realtime.KindMessageInsert, s.handleEvent)
	}
	s.state = types.StreamLoading
	s.err = nil
	gen := s.gen
	view := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(view)

	return s.fetch(ctx, roomId, gen)
}

// Refetch reloads the active room.
func (s *Stream) Refetch(ctx context.Context) error {
	s.mu.RLock()
	roomId := s.roomId
	s.mu.RUnlock()

	return s.Load(ctx, roomId)
}

func (s *Stream) reset(roomId int) {
	s.roomId = roomId
	s.messages = nil
	s.seen = make(map[int]struct{})
	s.err = nil
}

func (s *Stream) fetch(ctx context.Context, roomId int, gen uint64) error {
	rows, err := s.store.ListMessages(ctx, roomId)
	if err != nil {
		fetchErr := &database.FetchError{Op: "list messages", Err: err}
		s.log.Printf("room %d: %v", roomId, fetchErr)

		s.mu.Lock()
		if !s.current(roomId, gen) {
			s.mu.Unlock()
			return nil
		}
		s.state = types.StreamErrored
		s.err = fetchErr
		view := s.snapshotLocked()
		s.mu.Unlock()
		s.notify(view)
		return fetchErr
	}

	fetched := make([]types.StreamMessage, 0, len(rows))
	for _, row := range rows {
		fetched = append(fetched, s.enrich(ctx, row.Type()))
	}

	s.mu.Lock()
	if !s.current(roomId, gen) {
		s.log.Printf("discarding stale fetch for room %d", roomId)
		s.mu.Unlock()
		return nil
	}
	for _, msg := range fetched {
		s.insertLocked(msg)
	}
	s.state = types.StreamReady
	view := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(view)

	return nil
}

func (s *Stream) current(roomId int, gen uint64) bool {
	return !s.closed && s.roomId == roomId && s.gen == gen
}

// enrich attaches the sender profile. Lookup failures leave Sender nil.
func (s *Stream) enrich(ctx context.Context, msg types.Message) types.StreamMessage {
	sender, err := s.profiles.Resolve(ctx, msg.SenderId)
	if err != nil {
		s.log.Printf("resolve sender %d of message %d: %v", msg.SenderId, msg.Id, err)
	}

	return types.StreamMessage{Message: msg, Sender: sender}
}

// insertLocked adds msg unless its id was already seen. The message goes
// after every message that is not newer, so already displayed messages
// keep their relative order.
func (s *Stream) insertLocked(msg types.StreamMessage) bool {
	if _, ok := s.seen[msg.Id]; ok {
		return false
	}
	s.seen[msg.Id] = struct{}{}

	i := sort.Search(len(s.messages), func(i int) bool {
		m := s.messages[i]
		if m.CreatedAt.Equal(msg.CreatedAt) {
			return m.Id > msg.Id
		}
		return m.CreatedAt.After(msg.CreatedAt)
	})

	s.messages = append(s.messages, types.StreamMessage{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = msg

	return true
}

func (s *Stream) handleEvent(ctx context.Context, ev realtime.Event) {
	inserted, ok := ev.(realtime.MessageInserted)
	if !ok {
		return
	}

	s.mu.RLock()
	_, dup := s.seen[inserted.Message.Id]
	active := !s.closed && s.roomId == inserted.Message.RoomId
	s.mu.RUnlock()
	if dup || !active {
		return
	}

	msg := s.enrich(ctx, inserted.Message)

	s.mu.Lock()
	if s.closed || s.roomId != msg.RoomId || !s.insertLocked(msg) {
		s.mu.Unlock()
		return
	}
	view := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(view)
}

// Close unregisters from the router. No later event or fetch changes the
// stream.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.sub.Unsubscribe()
	s.sub = nil
}

// Last returns the most recent message, if any.
func (s *Stream) Last() (types.StreamMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.messages) == 0 {
		return types.StreamMessage{}, false
	}
	return s.messages[len(s.messages)-1], true
}

func (s *Stream) RoomId() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.roomId
}

func (s *Stream) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.err
}

func (s *Stream) Snapshot() types.StreamView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.snapshotLocked()
}

func (s *Stream) snapshotLocked() types.StreamView {
	view := types.StreamView{
		RoomId:   s.roomId,
		State:    s.state,
		Messages: make([]types.StreamMessage, len(s.messages)),
		Loading:  s.state == types.StreamLoading,
	}
	copy(view.Messages, s.messages)
	if s.err != nil {
		view.Error = s.err.Error()
	}

	return view
}

func (s *Stream) notify(view types.StreamView) {
	if s.onChange != nil {
		s.onChange(view)
	}
}
