package hub

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/115Studio/chat-backend/internal/clock"
	"github.com/115Studio/chat-backend/internal/profile"
	"github.com/115Studio/chat-backend/internal/scheduler"
	"github.com/115Studio/chat-backend/server/stage"
	"github.com/115Studio/chat-backend/store"
)

// ErrUnauthorized is returned when a connection token does not verify.
var ErrUnauthorized = errors.New("unauthorized")

// Verifier resolves a connection token to a user id.
type Verifier interface {
	VerifyConnectionToken(token string) (string, error)
}

// Store is the persistence the hubs need.
type Store interface {
	GetUser(ctx context.Context, find *store.FindUser) (*store.User, error)
	ListDrafts(ctx context.Context, find *store.FindDraft) ([]*store.Draft, error)
	UpsertDraft(ctx context.Context, upsert *store.Draft) error
	UpdateMessage(ctx context.Context, update *store.UpdateMessage) error
}

type Options struct {
	Clock              clock.Clock
	CheckpointInterval time.Duration
	DraftDebounce      time.Duration
	Uploader           stage.Uploader
}

// OptionsFromProfile returns the options for a server run.
func OptionsFromProfile(p *profile.Profile, uploader stage.Uploader) Options {
	return Options{
		Clock:              clock.Real(),
		CheckpointInterval: p.CheckpointInterval,
		DraftDebounce:      p.DraftDebounce,
		Uploader:           uploader,
	}
}

// Registry routes user ids to their hub, creating hubs on first use. The
// lock guards only the routing table; hub state lives in the actors.
type Registry struct {
	store    Store
	verifier Verifier

	clock              clock.Clock
	checkpointInterval time.Duration
	draftDebounce      time.Duration
	uploader           stage.Uploader
	scheduler          *scheduler.Scheduler

	mu     sync.Mutex
	hubs   map[string]*Hub
	closed bool
}

func NewRegistry(s Store, verifier Verifier, opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = profile.DefaultCheckpointInterval
	}
	if opts.DraftDebounce <= 0 {
		opts.DraftDebounce = profile.DefaultDraftDebounce
	}
	return &Registry{
		store:              s,
		verifier:           verifier,
		clock:              opts.Clock,
		checkpointInterval: opts.CheckpointInterval,
		draftDebounce:      opts.DraftDebounce,
		uploader:           opts.Uploader,
		scheduler:          scheduler.New(opts.Clock),
		hubs:               map[string]*Hub{},
	}
}

// Hub returns the hub of userID, starting it if needed.
func (r *Registry) Hub(userID string) (*Hub, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrHubClosed
	}
	h, ok := r.hubs[userID]
	if !ok {
		h = newHub(userID, r)
		r.hubs[userID] = h
	}
	return h, nil
}

func (r *Registry) lookup(userID string) (*Hub, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hubs[userID]
	return h, ok
}

// Connect verifies token, lets accept build the connection for the
// resolved user, registers it and sends the hello snapshot. accept is not
// called when verification fails.
func (r *Registry) Connect(ctx context.Context, token string, accept func(userID string) (Conn, error)) (*Hub, Conn, error) {
	if token == "" {
		return nil, nil, ErrUnauthorized
	}
	userID, err := r.verifier.VerifyConnectionToken(token)
	if err != nil || userID == "" {
		return nil, nil, ErrUnauthorized
	}
	user, err := r.store.GetUser(ctx, &store.FindUser{ID: &userID})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load user")
	}
	if user == nil {
		return nil, nil, ErrUnauthorized
	}
	drafts, err := r.store.ListDrafts(ctx, &store.FindDraft{UserID: userID})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load drafts")
	}

	h, err := r.Hub(userID)
	if err != nil {
		return nil, nil, err
	}
	conn, err := accept(userID)
	if err != nil {
		return nil, nil, err
	}
	if err := h.attach(conn, user, drafts); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return h, conn, nil
}

// Broadcast sends ev to the user's connections. Users without a running
// hub have no connections, so nothing is sent.
func (r *Registry) Broadcast(userID string, ev Event, excludeSessionIDs ...string) error {
	h, ok := r.lookup(userID)
	if !ok {
		return nil
	}
	return h.Broadcast(ev, excludeSessionIDs...)
}

// IncompleteMessage looks up the live stages of a streaming message.
func (r *Registry) IncompleteMessage(userID, messageID string) ([]store.MessageStage, bool) {
	h, ok := r.lookup(userID)
	if !ok {
		return nil, false
	}
	return h.IncompleteMessage(messageID)
}

// Close persists pending drafts, stops every hub and closes all
// connections.
func (r *Registry) Close() {
	r.scheduler.Stop()

	r.mu.Lock()
	r.closed = true
	hubs := make([]*Hub, 0, len(r.hubs))
	for _, h := range r.hubs {
		hubs = append(hubs, h)
	}
	r.mu.Unlock()

	for _, h := range hubs {
		h.stop()
	}
}
