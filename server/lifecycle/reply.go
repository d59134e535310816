package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/115Studio/chat-backend/plugin/ai"
	"github.com/115Studio/chat-backend/server/hub"
	"github.com/115Studio/chat-backend/server/metrics"
	"github.com/115Studio/chat-backend/store"
)

const titleTimeout = 30 * time.Second

var errNoStream = errors.New("provider returned no stream")

// reply is one assistant response to generate.
type reply struct {
	userID     string
	channel    *store.Channel
	assistant  *store.Message
	history    []*store.Message
	newChannel bool
	// firstText is the text the user opened a new channel with.
	firstText string
}

// start runs the reply in the background. The request context only
// contributes its values; cancelling it does not stop the reply.
func (c *Controller) start(ctx context.Context, r *reply) {
	ctx = context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.active, r.assistant.ID)
			c.mu.Unlock()
		}()
		c.run(ctx, r)
	}()
}

func (c *Controller) run(ctx context.Context, r *reply) {
	var (
		g     errgroup.Group
		final *store.Message
	)
	titleEarly := r.newChannel && r.firstText != ""
	if titleEarly {
		g.Go(func() error {
			c.retitle(ctx, r.userID, r.channel, r.firstText)
			return nil
		})
	}
	g.Go(func() error {
		final = c.stream(ctx, r)
		return nil
	})
	_ = g.Wait()

	if r.newChannel && !titleEarly {
		content := ""
		if final != nil && final.State == store.MessageStateCompleted {
			content = ai.PlainText(final)
		}
		c.retitle(ctx, r.userID, r.channel, content)
	}
}

// stream generates the reply and returns its terminal record, or nil when
// even the failure could not be recorded.
func (c *Controller) stream(ctx context.Context, r *reply) *store.Message {
	src, err := c.provider.Stream(ctx, &ai.Request{
		Model:   r.assistant.Model,
		UserID:  r.userID,
		History: r.history,
	})
	if err == nil && src == nil {
		err = errNoStream
	}
	if err != nil {
		slog.Warn("provider did not start a stream", "user", r.userID, "message", r.assistant.ID, "model", r.assistant.Model, "err", err)
		return c.fail(ctx, r)
	}

	h, err := c.hubs.Hub(r.userID)
	if err != nil {
		_ = src.Close()
		slog.Warn("no hub to stream into", "user", r.userID, "message", r.assistant.ID, "err", err)
		return c.fail(ctx, r)
	}
	msg, err := h.RunAssistantResponse(ctx, r.assistant, src)
	if err != nil {
		slog.Error("assistant response ended with an error", "user", r.userID, "message", r.assistant.ID, "err", err)
	}
	return msg
}

// fail resolves a reply that never streamed.
func (c *Controller) fail(ctx context.Context, r *reply) *store.Message {
	state := store.MessageStateFailed
	now := c.now()
	if err := c.store.UpdateMessage(ctx, &store.UpdateMessage{ID: r.assistant.ID, State: &state, UpdatedAt: now}); err != nil {
		slog.Error("failed to mark message failed", "user", r.userID, "message", r.assistant.ID, "err", err)
		return nil
	}
	metrics.StreamOutcomes.WithLabelValues(state.String()).Inc()

	msg := *r.assistant
	msg.State, msg.UpdatedAt = state, now
	c.broadcast(r.userID, hub.Event{Op: hub.OpMessageUpdate, Data: hub.MessageData{Message: &msg}})
	return &msg
}

// retitle names the channel after content, falling back to the default
// title when there is nothing to summarize or summarizing fails.
func (c *Controller) retitle(ctx context.Context, userID string, channel *store.Channel, content string) {
	title := ai.DefaultTitle
	if content != "" && c.titler != nil {
		tctx, cancel := context.WithTimeout(ctx, titleTimeout)
		summary, err := c.titler.Summarize(tctx, content)
		cancel()
		if err != nil {
			slog.Warn("failed to summarize channel title", "user", userID, "channel", channel.ID, "err", err)
		} else if summary != "" {
			title = summary
		}
	}

	updated, err := c.store.UpdateChannel(ctx, &store.UpdateChannel{ID: channel.ID, Name: &title, UpdatedAt: c.now()})
	if err != nil {
		slog.Error("failed to update channel title", "user", userID, "channel", channel.ID, "err", err)
		return
	}
	c.broadcast(userID, hub.Event{Op: hub.OpChannelUpdate, Data: hub.ChannelData{Channel: updated}})
}
