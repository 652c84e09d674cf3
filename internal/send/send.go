// Package send persists outgoing messages and runs the chat commands that
// call remote skills.
package send

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/skill"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/types"
)

const (
	// ReplyMarker prefixes a persisted text-skill reply.
	ReplyMarker = "[chatxai] "
	// ImageMarker prefixes a persisted image URL.
	ImageMarker = "[chatxai:image] "

	SkillNotice = "ChatXAI is unavailable right now, please try again"
	ReplyNotice = "ChatXAI replied but the reply could not be saved"

	suggestPrefix = "@chatxai "
	imaginePrefix = "imagine "
	composeInput  = "/"
)

type Store interface {
	GetRoom(ctx context.Context, id int) (database.Room, error)
	InsertMessage(ctx context.Context, params database.InsertMessageParams) (database.Message, error)
	ListParticipants(ctx context.Context, roomId int) ([]database.Profile, error)
}

type SendRequest struct {
	Content  string
	RoomId   int
	SenderId int
	// ReceiverHint is used for peer-to-peer rooms only.
	ReceiverHint *int
}

// Input is one submission from the compose buffer.
type Input struct {
	SendRequest
	// Previous is the most recent message of the active stream.
	Previous *types.Message
}

type Result struct {
	Sent    []types.Message
	Compose string
	Notice  string
}

type command int

const (
	plain command = iota
	suggest
	compose
	imagine
)

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

func classify(in Input) (command, string) {
	trimmed := strings.TrimSpace(in.Content)

	switch {
	case hasPrefixFold(trimmed, suggestPrefix):
		return suggest, trimmed[len(suggestPrefix):]
	case trimmed == composeInput && in.Previous != nil:
		return compose, in.Previous.Content
	case hasPrefixFold(trimmed, imaginePrefix):
		return imagine, trimmed[len(imaginePrefix):]
	default:
		return plain, ""
	}
}

type Pipeline struct {
	log      *log.Logger
	store    Store
	skills   skill.Skills
	stats    stats.StatsProvider
	onChange func(types.SendView)

	mu       sync.Mutex
	sending  int
	err      error
	lastSent *types.Message
}

func NewPipeline(logger *log.Logger, store Store, skills skill.Skills, sp stats.StatsProvider, onChange func(types.SendView)) *Pipeline {
	sp.RegisterMetric(stats.MessagesSent)
	sp.RegisterMetric(stats.SendFailures)
	sp.RegisterMetric(stats.SkillFailures)

	return &Pipeline{
		log:      logger,
		store:    store,
		skills:   skills,
		stats:    sp,
		onChange: onChange,
	}
}

// Send persists one message. Whitespace-only content is ignored. The
// receiver of a global room is always nil; other rooms use the hint, or
// the other participant when no hint is given.
func (p *Pipeline) Send(ctx context.Context, req SendRequest) (*types.Message, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, nil
	}

	p.begin()
	msg, err := p.insert(ctx, req)
	p.finish(msg, err)

	return msg, err
}

func (p *Pipeline) insert(ctx context.Context, req SendRequest) (*types.Message, error) {
	room, err := p.store.GetRoom(ctx, req.RoomId)
	if err != nil {
		p.stats.Incr(stats.SendFailures)
		return nil, &database.WriteError{Op: "look up room", Err: err}
	}

	receiver := req.ReceiverHint
	if room.IsGlobal {
		receiver = nil
	} else if receiver == nil {
		receiver, err = p.peerOf(ctx, req.RoomId, req.SenderId)
		if err != nil {
			p.stats.Incr(stats.SendFailures)
			p.log.Printf("send to room %d failed: %v", req.RoomId, err)
			return nil, &database.WriteError{Op: "resolve receiver", Err: err}
		}
	}

	row, err := p.store.InsertMessage(ctx, database.InsertMessageParams{
		RoomId:     req.RoomId,
		SenderId:   req.SenderId,
		ReceiverId: receiver,
		Content:    req.Content,
	})
	if err != nil {
		p.stats.Incr(stats.SendFailures)
		p.log.Printf("send to room %d failed: %v", req.RoomId, err)
		return nil, &database.WriteError{Op: "insert message", Err: err}
	}

	p.stats.Incr(stats.MessagesSent)
	msg := row.Type()
	return &msg, nil
}

// peerOf returns the participant of a peer-to-peer room other than the
// sender.
func (p *Pipeline) peerOf(ctx context.Context, roomId, senderId int) (*int, error) {
	members, err := p.store.ListParticipants(ctx, roomId)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if m.Id != senderId {
			id := m.Id
			return &id, nil
		}
	}

	return nil, fmt.Errorf("room %d has no peer for profile %d", roomId, senderId)
}

// Submit classifies the input and runs the matching command. The literal
// input of a skill command is persisted before the skill is called, and
// the reply after it returns. A failed skill call or a failed reply write
// only yields a notice, since the literal is already persisted.
func (p *Pipeline) Submit(ctx context.Context, in Input) (Result, error) {
	cmd, payload := classify(in)

	var res Result
	if cmd == compose {
		suggestion, err := p.skills.Suggest(ctx, in.SenderId, payload)
		if err != nil {
			p.skillFailed(err)
			res.Notice = SkillNotice
			return res, nil
		}
		res.Compose = suggestion
		return res, nil
	}

	literal, err := p.Send(ctx, in.SendRequest)
	if err != nil || literal == nil {
		return res, err
	}
	res.Sent = append(res.Sent, *literal)

	var reply string
	switch cmd {
	case suggest:
		suggestion, err := p.skills.Suggest(ctx, in.SenderId, payload)
		if err != nil {
			p.skillFailed(err)
			res.Notice = SkillNotice
			return res, nil
		}
		reply = ReplyMarker + suggestion
	case imagine:
		url, err := p.skills.Imagine(ctx, in.SenderId, payload)
		if err != nil {
			p.skillFailed(err)
			res.Notice = SkillNotice
			return res, nil
		}
		reply = ImageMarker + url
	default:
		return res, nil
	}

	followUp := in.SendRequest
	followUp.Content = reply
	msg, err := p.Send(ctx, followUp)
	if err != nil {
		p.log.Printf("reply to room %d not saved: %v", in.RoomId, err)
		res.Notice = ReplyNotice
		return res, nil
	}
	if msg != nil {
		res.Sent = append(res.Sent, *msg)
	}

	return res, nil
}

func (p *Pipeline) skillFailed(err error) {
	p.stats.Incr(stats.SkillFailures)

	var skillErr *skill.Error
	if errors.As(err, &skillErr) {
		p.log.Printf("%s skill failed with status %d: %v", skillErr.Skill, skillErr.Status, skillErr.Err)
		return
	}
	p.log.Printf("skill failed: %v", err)
}

func (p *Pipeline) begin() {
	p.mu.Lock()
	p.sending++
	p.err = nil
	view := p.viewLocked()
	p.mu.Unlock()

	p.notify(view)
}

func (p *Pipeline) finish(msg *types.Message, err error) {
	p.mu.Lock()
	p.sending--
	p.err = err
	if msg != nil {
		p.lastSent = msg
	}
	view := p.viewLocked()
	p.mu.Unlock()

	p.notify(view)
}

func (p *Pipeline) Snapshot() types.SendView {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.viewLocked()
}

func (p *Pipeline) viewLocked() types.SendView {
	view := types.SendView{
		Sending:  p.sending > 0,
		LastSent: p.lastSent,
	}
	if p.err != nil {
		view.Error = p.err.Error()
	}

	return view
}

func (p *Pipeline) notify(view types.SendView) {
	if p.onChange != nil {
		p.onChange(view)
	}
}
