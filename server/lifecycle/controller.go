// Package lifecycle admits new messages into channels and drives their
// assistant replies to a terminal state.
package lifecycle

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/115Studio/chat-backend/internal/clock"
	"github.com/115Studio/chat-backend/plugin/ai"
	"github.com/115Studio/chat-backend/server/hub"
	"github.com/115Studio/chat-backend/server/metrics"
	"github.com/115Studio/chat-backend/store"
)

var (
	ErrRateLimited    = errors.New("a reply is still being generated in this channel")
	ErrUnknownChannel = errors.New("unknown channel")
	ErrUnknownMessage = errors.New("unknown message")
	ErrInvalidStages  = errors.New("invalid stages")
	ErrNotAssistant   = errors.New("only assistant messages can be regenerated")
)

const (
	// NewChannelID asks Submit to create the channel first.
	NewChannelID = "@new"
	// historyLimit bounds the context sent to the provider.
	historyLimit = 25
)

// Store is the persistence the controller needs.
type Store interface {
	CreateChannel(ctx context.Context, create *store.Channel) (*store.Channel, error)
	GetChannel(ctx context.Context, find *store.FindChannel) (*store.Channel, error)
	UpdateChannel(ctx context.Context, update *store.UpdateChannel) (*store.Channel, error)
	DeleteChannel(ctx context.Context, id string) error
	CreateMessage(ctx context.Context, create *store.Message) (*store.Message, error)
	GetMessage(ctx context.Context, find *store.FindMessage) (*store.Message, error)
	ListMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error)
	UpdateMessage(ctx context.Context, update *store.UpdateMessage) error
}

// Summarizer names a channel after its first exchange.
type Summarizer interface {
	Summarize(ctx context.Context, content string) (string, error)
}

type Controller struct {
	store    Store
	hubs     *hub.Registry
	provider ai.Provider
	titler   Summarizer
	clock    clock.Clock

	channels keyedMutex
	wg       sync.WaitGroup

	mu sync.Mutex
	// active holds assistant messages created here whose reply has not
	// reached a terminal state yet.
	active map[string]struct{}
}

// NewController returns a controller. titler may be nil, in which case new
// channels keep the default title.
func NewController(s Store, hubs *hub.Registry, provider ai.Provider, titler Summarizer) *Controller {
	return &Controller{
		store:    s,
		hubs:     hubs,
		provider: provider,
		titler:   titler,
		clock:    clock.Real(),
		active:   map[string]struct{}{},
	}
}

type SubmitRequest struct {
	UserID    string
	ChannelID string
	Model     string
	GroupID   string
	Stages    []store.MessageStage
}

type SubmitResult struct {
	Channel          *store.Channel
	UserMessage      *store.Message
	AssistantMessage *store.Message
}

// Submit records a user message and its assistant placeholder, then
// generates the reply in the background. It fails with ErrRateLimited
// while the latest message of the channel is not terminal.
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	stages, err := normalizeUserStages(req.Stages)
	if err != nil {
		return nil, err
	}

	isNew := req.ChannelID == NewChannelID
	var (
		channel *store.Channel
		recent  []*store.Message
	)
	if isNew {
		now := c.now()
		channel, err = c.store.CreateChannel(ctx, &store.Channel{
			ID:        shortuuid.New(),
			OwnerID:   req.UserID,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to create channel")
		}
	} else {
		channel, err = c.ownedChannel(ctx, req.UserID, req.ChannelID)
		if err != nil {
			return nil, err
		}
	}

	unlock := c.channels.Lock(channel.ID)
	defer unlock()

	if !isNew {
		recent, err = c.recentMessages(ctx, req.UserID, channel.ID)
		if err != nil {
			return nil, err
		}
		if err := checkIdle(recent); err != nil {
			metrics.Submissions.WithLabelValues("rate_limited").Inc()
			return nil, err
		}
	}

	now := c.now()
	userMessageID, assistantMessageID := shortuuid.New(), shortuuid.New()
	userGroup, assistantGroup := req.GroupID, req.GroupID
	if userGroup == "" {
		userGroup, assistantGroup = userMessageID, assistantMessageID
	}
	userMessage, err := c.store.CreateMessage(ctx, &store.Message{
		ID:        userMessageID,
		GroupID:   userGroup,
		ChannelID: channel.ID,
		UserID:    req.UserID,
		State:     store.MessageStateCompleted,
		Role:      store.RoleUser,
		Model:     req.Model,
		Stages:    stages,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		if isNew {
			c.dropChannel(ctx, req.UserID, channel)
		}
		return nil, errors.Wrap(err, "failed to create user message")
	}
	assistant, err := c.createPlaceholder(ctx, &store.Message{
		ID:        assistantMessageID,
		GroupID:   assistantGroup,
		ChannelID: channel.ID,
		UserID:    req.UserID,
		Model:     req.Model,
		CreatedAt: now + 1,
	})
	if err != nil {
		if isNew {
			c.dropChannel(ctx, req.UserID, channel)
		}
		return nil, err
	}

	if isNew {
		c.broadcast(req.UserID, hub.Event{Op: hub.OpChannelCreate, Data: hub.ChannelData{Channel: channel}})
	}
	c.broadcast(req.UserID, hub.Event{Op: hub.OpMessageCreate, Data: hub.MessageData{Message: userMessage}})
	c.broadcast(req.UserID, hub.Event{Op: hub.OpMessageCreate, Data: hub.MessageData{Message: assistant}})

	history := chronological(recent)
	history = append(history, userMessage)
	c.start(ctx, &reply{
		userID:     req.UserID,
		channel:    channel,
		assistant:  assistant,
		history:    history,
		newChannel: isNew,
		firstText:  firstText(stages),
	})
	metrics.Submissions.WithLabelValues("ok").Inc()
	return &SubmitResult{Channel: channel, UserMessage: userMessage, AssistantMessage: assistant}, nil
}

type RegenerateRequest struct {
	UserID    string
	ChannelID string
	MessageID string
	// Model overrides the model of the message being regenerated.
	Model string
}

// Regenerate answers the latest user message of the channel again. The new
// assistant message joins the group of MessageID.
func (c *Controller) Regenerate(ctx context.Context, req RegenerateRequest) (*store.Message, error) {
	channel, err := c.ownedChannel(ctx, req.UserID, req.ChannelID)
	if err != nil {
		return nil, err
	}
	target, err := c.store.GetMessage(ctx, &store.FindMessage{
		ID:        &req.MessageID,
		ChannelID: &channel.ID,
		UserID:    &req.UserID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to load message")
	}
	if target == nil {
		return nil, ErrUnknownMessage
	}
	if target.Role != store.RoleAssistant {
		return nil, ErrNotAssistant
	}

	unlock := c.channels.Lock(channel.ID)
	defer unlock()

	recent, err := c.recentMessages(ctx, req.UserID, channel.ID)
	if err != nil {
		return nil, err
	}
	if err := checkIdle(recent); err != nil {
		metrics.Submissions.WithLabelValues("rate_limited").Inc()
		return nil, err
	}
	// recent is newest first; the context ends at the latest user message.
	last := slices.IndexFunc(recent, func(m *store.Message) bool { return m.Role == store.RoleUser })
	if last < 0 {
		return nil, ErrUnknownMessage
	}

	model := req.Model
	if model == "" {
		model = target.Model
	}
	assistant, err := c.createPlaceholder(ctx, &store.Message{
		ID:        shortuuid.New(),
		GroupID:   target.GroupID,
		ChannelID: channel.ID,
		UserID:    req.UserID,
		Model:     model,
		CreatedAt: c.now(),
	})
	if err != nil {
		return nil, err
	}
	c.broadcast(req.UserID, hub.Event{Op: hub.OpMessageCreate, Data: hub.MessageData{Message: assistant}})

	c.start(ctx, &reply{
		userID:    req.UserID,
		channel:   channel,
		assistant: assistant,
		history:   chronological(recent[last:]),
	})
	metrics.Submissions.WithLabelValues("ok").Inc()
	return assistant, nil
}

// History lists messages of a channel oldest first. Replies still
// streaming in this process carry their live stages. Non-terminal replies
// that nothing is generating anymore are resolved to Completed.
func (c *Controller) History(ctx context.Context, userID, channelID string, find *store.FindMessage) ([]*store.Message, error) {
	channel, err := c.ownedChannel(ctx, userID, channelID)
	if err != nil {
		return nil, err
	}
	find.ChannelID = &channel.ID
	find.UserID = &userID
	list, err := c.store.ListMessages(ctx, find)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list messages")
	}

	for _, m := range list {
		if m.Role != store.RoleAssistant || m.State.IsTerminal() {
			continue
		}
		if stages, ok := c.hubs.IncompleteMessage(userID, m.ID); ok {
			m.Stages = stages
			m.UpdatedAt = c.now()
			continue
		}
		if c.isActive(m.ID) {
			continue
		}
		state := store.MessageStateCompleted
		if err := c.store.UpdateMessage(ctx, &store.UpdateMessage{ID: m.ID, State: &state, UpdatedAt: c.now(), OnlyPending: true}); err != nil {
			slog.Warn("failed to resolve orphaned message", "user", userID, "message", m.ID, "err", err)
			continue
		}
		// The reply may have finished since the list was read, in which
		// case the guarded update left its terminal record alone.
		current, err := c.store.GetMessage(ctx, &store.FindMessage{ID: &m.ID})
		if err != nil || current == nil {
			slog.Warn("failed to reload resolved message", "user", userID, "message", m.ID, "err", err)
			continue
		}
		*m = *current
	}
	return chronological(list), nil
}

// Wait blocks until every reply started so far has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) now() int64 {
	return c.clock.Now().UnixMilli()
}

func (c *Controller) ownedChannel(ctx context.Context, userID, channelID string) (*store.Channel, error) {
	channel, err := c.store.GetChannel(ctx, &store.FindChannel{ID: &channelID, OwnerID: &userID})
	if err != nil {
		return nil, errors.Wrap(err, "failed to load channel")
	}
	if channel == nil {
		return nil, ErrUnknownChannel
	}
	return channel, nil
}

func (c *Controller) recentMessages(ctx context.Context, userID, channelID string) ([]*store.Message, error) {
	list, err := c.store.ListMessages(ctx, &store.FindMessage{
		ChannelID: &channelID,
		UserID:    &userID,
		Limit:     historyLimit,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to load recent messages")
	}
	return list, nil
}

// createPlaceholder stores an empty assistant message and marks it active
// so History does not resolve it before its reply starts.
func (c *Controller) createPlaceholder(ctx context.Context, m *store.Message) (*store.Message, error) {
	m.State = store.MessageStateCreated
	m.Role = store.RoleAssistant
	m.Stages = []store.MessageStage{}
	m.UpdatedAt = m.CreatedAt
	created, err := c.store.CreateMessage(ctx, m)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create assistant message")
	}
	c.mu.Lock()
	c.active[created.ID] = struct{}{}
	c.mu.Unlock()
	return created, nil
}

// dropChannel removes a channel created for a submission that could not
// be recorded. Nobody has been told about it yet.
func (c *Controller) dropChannel(ctx context.Context, userID string, channel *store.Channel) {
	if err := c.store.DeleteChannel(context.WithoutCancel(ctx), channel.ID); err != nil {
		slog.Error("failed to remove channel of a failed submission", "user", userID, "channel", channel.ID, "err", err)
	}
}

func (c *Controller) isActive(messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[messageID]
	return ok
}

func (c *Controller) broadcast(userID string, ev hub.Event) {
	if err := c.hubs.Broadcast(userID, ev); err != nil {
		slog.Warn("failed to broadcast", "user", userID, "op", int(ev.Op), "err", err)
	}
}

// checkIdle rejects admission while the newest message is still open.
func checkIdle(newestFirst []*store.Message) error {
	if len(newestFirst) > 0 && !newestFirst[0].State.IsTerminal() {
		return ErrRateLimited
	}
	return nil
}

// chronological returns a newest-first list oldest first.
func chronological(newestFirst []*store.Message) []*store.Message {
	list := slices.Clone(newestFirst)
	slices.Reverse(list)
	return list
}
