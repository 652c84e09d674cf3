// Package directory maintains the rooms visible to a participant, ordered
// by their most recent activity.
package directory

import (
	"cmp"
	"context"
	"log"
	"slices"
	"sync"

	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/realtime"
	"github.com/npezzotti/go-chatsync/internal/types"
	"golang.org/x/sync/errgroup"
)

const enrichConcurrency = 8

type RoomStore interface {
	ListGlobalRooms(ctx context.Context) ([]database.Room, error)
	ListRoomsForParticipant(ctx context.Context, profileId int) ([]database.Room, error)
	ListParticipants(ctx context.Context, roomId int) ([]database.Profile, error)
	LatestMessage(ctx context.Context, roomId int) (*database.Message, error)
}

type Directory struct {
	log      *log.Logger
	store    RoomStore
	router   *realtime.Router
	onChange func(types.DirectoryView)

	// reloads requested by live events run on their own goroutine, never
	// on the router's
	ctx     context.Context
	cancel  context.CancelFunc
	reloads sync.WaitGroup

	mu            sync.RWMutex
	participantId int
	gen           uint64
	rooms         []types.RoomEntry
	loading       bool
	sub           *realtime.Subscription
	closed        bool
	reloading     bool
	reloadQueued  bool
}

func New(logger *log.Logger, store RoomStore, router *realtime.Router, onChange func(types.DirectoryView)) *Directory {
	ctx, cancel := context.WithCancel(context.Background())
	return &Directory{
		log:      logger,
		store:    store,
		router:   router,
		onChange: onChange,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Load fetches the directory of participantId and keeps it current from
// live events.
func (d *Directory) Load(ctx context.Context, participantId int) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if participantId != d.participantId || d.sub == nil {
		d.participantId = participantId
		d.rooms = nil
		d.sub = d.router.Resubscribe(d.sub, realtime.ParticipantScope(participantId), realtime.AllKinds, d.handleEvent)
	}
	d.loading = true
	view := d.snapshotLocked()
	d.mu.Unlock()
	d.notify(view)

	d.Reload(ctx)
}

// Reload rebuilds the room list without raising the loading flag.
func (d *Directory) Reload(ctx context.Context) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.gen++
	gen := d.gen
	participantId := d.participantId
	d.mu.Unlock()

	rooms := d.fetch(ctx, participantId)

	d.mu.Lock()
	if d.closed || d.gen != gen || d.participantId != participantId {
		d.log.Printf("discarding stale directory for participant %d", participantId)
		d.mu.Unlock()
		return
	}
	d.rooms = rooms
	d.loading = false
	view := d.snapshotLocked()
	d.mu.Unlock()
	d.notify(view)
}

func (d *Directory) fetch(ctx context.Context, participantId int) []types.RoomEntry {
	globals, err := d.store.ListGlobalRooms(ctx)
	if err != nil {
		d.log.Printf("list global rooms: %v", &database.FetchError{Op: "list global rooms", Err: err})
	}

	direct, err := d.store.ListRoomsForParticipant(ctx, participantId)
	if err != nil {
		d.log.Printf("list rooms for participant %d: %v", participantId, &database.FetchError{Op: "list participant rooms", Err: err})
	}

	entries := make([]types.RoomEntry, 0, len(globals)+len(direct))
	for _, r := range globals {
		entries = append(entries, types.RoomEntry{Room: r.Type()})
	}
	for _, r := range direct {
		entries = append(entries, types.RoomEntry{Room: r.Type()})
	}

	complete := make([]bool, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichConcurrency)
	for i := range entries {
		entry := &entries[i]
		g.Go(func() error {
			complete[i] = d.enrich(gctx, entry)
			return nil
		})
	}
	g.Wait()

	rooms := make([]types.RoomEntry, 0, len(entries))
	for i, entry := range entries {
		if !complete[i] {
			d.log.Printf("excluding room %d: incomplete participant set", entry.Id)
			continue
		}
		rooms = append(rooms, entry)
	}
	sortRooms(rooms)

	return rooms
}

// enrich resolves the participants and summary of one entry. It reports
// false for a peer-to-peer room whose membership is known to be
// incomplete. Fetch failures only degrade the entry.
func (d *Directory) enrich(ctx context.Context, entry *types.RoomEntry) bool {
	complete := true
	if !entry.IsGlobal {
		profiles, err := d.store.ListParticipants(ctx, entry.Id)
		if err != nil {
			d.log.Printf("room %d: %v", entry.Id, &database.FetchError{Op: "list participants", Err: err})
		} else {
			entry.Participants = make([]types.Profile, 0, len(profiles))
			distinct := make(map[int]struct{}, len(profiles))
			for _, p := range profiles {
				entry.Participants = append(entry.Participants, p.Type())
				distinct[p.Id] = struct{}{}
			}
			complete = len(distinct) >= 2
		}
	}

	latest, err := d.store.LatestMessage(ctx, entry.Id)
	if err != nil {
		d.log.Printf("room %d: %v", entry.Id, &database.FetchError{Op: "latest message", Err: err})
	} else if latest != nil {
		entry.Summary = &types.RoomSummary{Content: latest.Content, CreatedAt: latest.CreatedAt}
	}

	return complete
}

// sortRooms orders rooms by last activity, newest first, then by id.
func sortRooms(rooms []types.RoomEntry) {
	slices.SortStableFunc(rooms, func(a, b types.RoomEntry) int {
		if c := b.LastActivity().Compare(a.LastActivity()); c != 0 {
			return c
		}
		return cmp.Compare(a.Id, b.Id)
	})
}

func (d *Directory) handleEvent(ctx context.Context, ev realtime.Event) {
	switch e := ev.(type) {
	case realtime.MessageInserted:
		if !d.patchSummary(e.Message) {
			d.log.Printf("message %d for unknown room %d, reloading", e.Message.Id, e.Message.RoomId)
			d.scheduleReload()
		}
	case realtime.RoomInserted:
		d.scheduleReload()
	case realtime.ParticipantInserted:
		d.mu.RLock()
		mine := e.Participant.ProfileId == d.participantId
		d.mu.RUnlock()
		if mine {
			d.scheduleReload()
		}
	}
}

// scheduleReload starts a background reload. Requests arriving while one
// is running collapse into a single follow-up pass.
func (d *Directory) scheduleReload() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	if d.reloading {
		d.reloadQueued = true
		return
	}
	d.reloading = true
	d.reloads.Add(1)
	go d.reloadLoop()
}

func (d *Directory) reloadLoop() {
	defer d.reloads.Done()

	for {
		d.Reload(d.ctx)

		d.mu.Lock()
		if d.closed || !d.reloadQueued {
			d.reloading = false
			d.mu.Unlock()
			return
		}
		d.reloadQueued = false
		d.mu.Unlock()
	}
}

// patchSummary updates the summary of the message's room in place. It
// reports false when the room is not in the directory.
func (d *Directory) patchSummary(msg types.Message) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return true
	}

	i := slices.IndexFunc(d.rooms, func(e types.RoomEntry) bool { return e.Id == msg.RoomId })
	if i < 0 {
		d.mu.Unlock()
		return false
	}

	entry := &d.rooms[i]
	if entry.Summary != nil && msg.CreatedAt.Before(entry.Summary.CreatedAt) {
		d.mu.Unlock()
		return true
	}
	entry.Summary = &types.RoomSummary{Content: msg.Content, CreatedAt: msg.CreatedAt}
	sortRooms(d.rooms)
	view := d.snapshotLocked()
	d.mu.Unlock()
	d.notify(view)

	return true
}

// Room returns the entry for roomId.
func (d *Directory) Room(roomId int) (types.RoomEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, e := range d.rooms {
		if e.Id == roomId {
			return e, true
		}
	}
	return types.RoomEntry{}, false
}

// Close stops live updates and waits for a running background reload.
func (d *Directory) Close() {
	d.mu.Lock()
	d.closed = true
	d.sub.Unsubscribe()
	d.sub = nil
	d.mu.Unlock()

	d.cancel()
	d.reloads.Wait()
}

func (d *Directory) Snapshot() types.DirectoryView {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.snapshotLocked()
}

func (d *Directory) snapshotLocked() types.DirectoryView {
	view := types.DirectoryView{
		Rooms:   make([]types.RoomEntry, len(d.rooms)),
		Loading: d.loading,
	}
	copy(view.Rooms, d.rooms)

	return view
}

func (d *Directory) notify(view types.DirectoryView) {
	if d.onChange != nil {
		d.onChange(view)
	}
}
