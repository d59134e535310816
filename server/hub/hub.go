// Package hub owns the live state of each user: connections, streaming
// assistant replies and unsent drafts. Every user has one actor goroutine
// and all mutations of that user's state run inside it.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/115Studio/chat-backend/plugin/ai"
	"github.com/115Studio/chat-backend/server/metrics"
	"github.com/115Studio/chat-backend/server/stage"
	"github.com/115Studio/chat-backend/store"
)

var (
	ErrHubClosed        = errors.New("hub closed")
	ErrAlreadyStreaming = errors.New("message is already streaming")
)

const (
	inboxSize          = 64
	draftWriteTimeout  = 10 * time.Second
	interruptedMessage = "The response was interrupted before it finished."
)

// Conn is one live client connection.
type Conn interface {
	ID() string
	SessionID() string
	// Send queues a frame without blocking. An error means the connection
	// can no longer be written to.
	Send(frame []byte) error
	Close() error
}

type inflight struct {
	channelID string
	acc       *stage.Accumulator
}

// state is only touched from the actor goroutine.
type state struct {
	conns    map[string]Conn
	inflight map[string]*inflight
	// drafts holds values received but not yet persisted.
	drafts map[string]*store.Draft
}

type Hub struct {
	userID string
	reg    *Registry

	inbox chan func(*state)
	quit  chan struct{}
	done  chan struct{}
	state *state
}

func newHub(userID string, reg *Registry) *Hub {
	h := &Hub{
		userID: userID,
		reg:    reg,
		inbox:  make(chan func(*state), inboxSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		state: &state{
			conns:    map[string]Conn{},
			inflight: map[string]*inflight{},
			drafts:   map[string]*store.Draft{},
		},
	}
	go h.run()
	return h
}

func (h *Hub) UserID() string { return h.userID }

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case fn := <-h.inbox:
			fn(h.state)
		case <-h.quit:
			return
		}
	}
}

// call runs fn on the actor and waits for it to finish.
func (h *Hub) call(fn func(*state)) error {
	finished := make(chan struct{})
	select {
	case h.inbox <- func(s *state) {
		defer close(finished)
		fn(s)
	}:
	case <-h.done:
		return ErrHubClosed
	}
	select {
	case <-finished:
		return nil
	case <-h.done:
		return ErrHubClosed
	}
}

// post queues fn without waiting for it.
func (h *Hub) post(fn func(*state)) {
	select {
	case h.inbox <- fn:
	case <-h.done:
	}
}

// stop ends the actor and closes every connection.
func (h *Hub) stop() {
	select {
	case <-h.quit:
	default:
		close(h.quit)
	}
	<-h.done
	for id, c := range h.state.conns {
		_ = c.Close()
		delete(h.state.conns, id)
		metrics.Connections.Dec()
	}
}

func (h *Hub) now() int64 {
	return h.reg.clock.Now().UnixMilli()
}

func (h *Hub) attach(conn Conn, user *store.User, persisted []*store.Draft) error {
	return h.call(func(s *state) {
		s.conns[conn.ID()] = conn
		metrics.Connections.Inc()

		drafts := make([]DraftData, 0, len(persisted)+len(s.drafts))
		seen := map[string]bool{}
		for _, d := range s.drafts {
			drafts = append(drafts, DraftData{Stages: d.Stages, ChannelID: d.ChannelID})
			seen[d.ChannelID] = true
		}
		for _, d := range persisted {
			if !seen[d.ChannelID] {
				drafts = append(drafts, DraftData{Stages: d.Stages, ChannelID: d.ChannelID})
			}
		}
		hello := Event{Op: OpServerHello, Data: HelloData{User: ProjectUser(user), Drafts: drafts, Ts: h.now()}}
		frame, err := json.Marshal(hello)
		if err != nil {
			slog.Error("failed to encode hello", "user", h.userID, "err", err)
			return
		}
		h.deliver(s, conn, frame, hello.Op)
	})
}

// Disconnect removes a connection. Unknown ids are ignored.
func (h *Hub) Disconnect(connID string) {
	_ = h.call(func(s *state) {
		if c, ok := s.conns[connID]; ok {
			delete(s.conns, connID)
			_ = c.Close()
			metrics.Connections.Dec()
		}
	})
}

// Connections returns the number of live connections.
func (h *Hub) Connections() int {
	n := 0
	_ = h.call(func(s *state) { n = len(s.conns) })
	return n
}

// Broadcast delivers ev to every connection whose session is not
// excluded.
func (h *Hub) Broadcast(ev Event, excludeSessionIDs ...string) error {
	frame, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return h.call(func(s *state) { h.broadcast(s, ev.Op, frame, excludeSessionIDs) })
}

func (h *Hub) broadcast(s *state, op Opcode, frame []byte, exclude []string) {
	for _, c := range s.conns {
		if slices.Contains(exclude, c.SessionID()) {
			continue
		}
		h.deliver(s, c, frame, op)
	}
}

// deliver drops the connection when the send fails.
func (h *Hub) deliver(s *state, c Conn, frame []byte, op Opcode) {
	if err := c.Send(frame); err != nil {
		slog.Warn("dropping connection after failed delivery", "user", h.userID, "conn", c.ID(), "op", int(op), "err", err)
		metrics.DeliveryFailures.Inc()
		if _, ok := s.conns[c.ID()]; ok {
			delete(s.conns, c.ID())
			metrics.Connections.Dec()
		}
		_ = c.Close()
		return
	}
	metrics.BroadcastFrames.WithLabelValues(op.String()).Inc()
}

// ReceiveDraft mirrors a draft to the user's other sessions and schedules
// it to be persisted once the user stops typing.
func (h *Hub) ReceiveDraft(sessionID, channelID string, stages []store.MessageStage) error {
	if stages == nil {
		stages = []store.MessageStage{}
	}
	draft := &store.Draft{UserID: h.userID, ChannelID: channelID, Stages: stages}
	ev := Event{Op: OpSyncInput, Data: DraftData{Stages: stages, ChannelID: channelID}}
	frame, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	// Rescheduling inside the actor keeps the persisted value in step with
	// the order drafts were applied and mirrored.
	return h.call(func(s *state) {
		s.drafts[channelID] = draft
		h.broadcast(s, ev.Op, frame, []string{sessionID})
		h.reg.scheduler.Schedule(draftKey(h.userID, channelID), h.reg.draftDebounce, func() {
			h.persistDraft(draft)
		})
	})
}

func draftKey(userID, channelID string) string {
	return "draft:" + userID + ":" + channelID
}

func (h *Hub) persistDraft(d *store.Draft) {
	d.UpdatedAt = h.now()
	ctx, cancel := context.WithTimeout(context.Background(), draftWriteTimeout)
	defer cancel()
	if err := h.reg.store.UpsertDraft(ctx, d); err != nil {
		slog.Error("failed to persist draft", "user", h.userID, "channel", d.ChannelID, "err", err)
		metrics.DraftWrites.WithLabelValues("error").Inc()
		return
	}
	metrics.DraftWrites.WithLabelValues("ok").Inc()
	h.post(func(s *state) {
		if s.drafts[d.ChannelID] == d {
			delete(s.drafts, d.ChannelID)
		}
	})
}

// IncompleteMessage returns the live stages of a message that is still
// streaming in this process.
func (h *Hub) IncompleteMessage(messageID string) ([]store.MessageStage, bool) {
	var (
		stages []store.MessageStage
		ok     bool
	)
	_ = h.call(func(s *state) {
		fl, found := s.inflight[messageID]
		if !found {
			return
		}
		stages, ok = fl.acc.Snapshot(), true
	})
	return stages, ok
}

// RunAssistantResponse streams src into the placeholder message, fanning
// every change out to all connections, and returns the terminal record.
// It blocks until the stream ends. A transport error resolves the message
// to Failed while keeping the stages received so far.
func (h *Hub) RunAssistantResponse(ctx context.Context, placeholder *store.Message, src ai.Stream) (*store.Message, error) {
	messageID, channelID := placeholder.ID, placeholder.ChannelID
	norm := stage.NewNormalizer(src, h.reg.uploader, h.userID)
	defer norm.Close()

	duplicate := false
	if err := h.call(func(s *state) {
		if _, ok := s.inflight[messageID]; ok {
			duplicate = true
			return
		}
		s.inflight[messageID] = &inflight{channelID: channelID, acc: stage.NewAccumulator()}
	}); err != nil {
		return nil, err
	}
	if duplicate {
		return nil, ErrAlreadyStreaming
	}

	cp := stage.NewCheckpointer(h.reg.clock, h.reg.checkpointInterval, h.reg.store, messageID)
	var (
		streamErr error
		last      []store.MessageStage
	)
	for {
		u, err := norm.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			streamErr = err
			break
		}

		var snapshot []store.MessageStage
		if err := h.call(func(s *state) {
			fl := s.inflight[messageID]
			if !fl.acc.Apply(u) {
				return
			}
			ev := Event{Op: OpMessageStageUpdate, Data: StageUpdateData{
				MessageID:   messageID,
				ChannelID:   channelID,
				StageUpdate: u.Stage(),
				Ts:          h.now(),
			}}
			if frame, err := json.Marshal(ev); err == nil {
				h.broadcast(s, ev.Op, frame, nil)
			}
			snapshot = fl.acc.Snapshot()
		}); err != nil {
			streamErr = err
			break
		}
		if snapshot == nil {
			continue
		}
		last = snapshot
		if _, err := cp.Observe(ctx, snapshot); err != nil {
			slog.Warn("checkpoint failed", "user", h.userID, "message", messageID, "err", err)
		}
	}

	final := store.MessageStateCompleted
	if streamErr != nil {
		final = store.MessageStateFailed
		slog.Warn("assistant stream failed", "user", h.userID, "message", messageID, "err", streamErr)
	}

	stages := last
	_ = h.call(func(s *state) {
		fl := s.inflight[messageID]
		if streamErr != nil {
			fl.acc.Apply(stage.Update{
				ID:      shortuuid.New(),
				Type:    store.StageTypeError,
				Content: store.StageContent{Type: store.ContentTypeText, Value: interruptedMessage},
			})
		}
		stages = fl.acc.Snapshot()
	})

	updatedAt, err := cp.Finish(ctx, final, stages)
	if err != nil {
		slog.Error("failed to persist terminal message", "user", h.userID, "message", messageID, "err", err)
	}
	metrics.StreamOutcomes.WithLabelValues(final.String()).Inc()

	msg := *placeholder
	msg.State, msg.Stages, msg.UpdatedAt = final, stages, updatedAt
	ev := Event{Op: OpMessageUpdate, Data: MessageData{Message: &msg}}
	frame, _ := json.Marshal(ev)
	_ = h.call(func(s *state) {
		delete(s.inflight, messageID)
		h.broadcast(s, ev.Op, frame, nil)
	})
	return &msg, err
}

// HandleFrame processes one client frame. Malformed or unexpected frames
// are logged and dropped.
func (h *Hub) HandleFrame(conn Conn, raw []byte) {
	var in struct {
		Op   Opcode          `json:"op"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		slog.Warn("dropping malformed client frame", "user", h.userID, "conn", conn.ID(), "err", err)
		return
	}
	switch in.Op {
	case OpHeartbeat:
		frame, _ := json.Marshal(Event{Op: OpHeartbeat, Data: map[string]int64{"ts": h.now()}})
		_ = h.call(func(s *state) {
			if _, ok := s.conns[conn.ID()]; ok {
				h.deliver(s, conn, frame, OpHeartbeat)
			}
		})
	case OpSyncInput:
		var d DraftData
		if err := json.Unmarshal(in.Data, &d); err != nil || d.ChannelID == "" {
			slog.Warn("dropping malformed draft", "user", h.userID, "conn", conn.ID(), "err", err)
			return
		}
		if err := h.ReceiveDraft(conn.SessionID(), d.ChannelID, d.Stages); err != nil {
			slog.Warn("failed to receive draft", "user", h.userID, "err", err)
		}
	default:
		slog.Warn("dropping unexpected client opcode", "user", h.userID, "op", int(in.Op))
	}
}
