package stage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/115Studio/chat-backend/internal/clock"
	"github.com/115Studio/chat-backend/server/metrics"
	"github.com/115Studio/chat-backend/store"
)

// MessageWriter persists message progress.
type MessageWriter interface {
	UpdateMessage(ctx context.Context, update *store.UpdateMessage) error
}

// Checkpointer bounds how often a streaming message is written. It is
// driven by a single goroutine per message, so writes are sequential.
type Checkpointer struct {
	clock     clock.Clock
	interval  time.Duration
	writer    MessageWriter
	messageID string
	last      time.Time
}

// NewCheckpointer starts the interval at the current time, so the first
// intermediate write happens one interval after streaming begins.
func NewCheckpointer(c clock.Clock, interval time.Duration, writer MessageWriter, messageID string) *Checkpointer {
	return &Checkpointer{
		clock:     c,
		interval:  interval,
		writer:    writer,
		messageID: messageID,
		last:      c.Now(),
	}
}

// Observe writes the stages when at least one interval has passed since
// the previous write. The message state is left untouched. It reports
// whether a write happened.
func (c *Checkpointer) Observe(ctx context.Context, stages []store.MessageStage) (bool, error) {
	now := c.clock.Now()
	if now.Sub(c.last) < c.interval {
		return false, nil
	}
	c.last = now
	if err := c.writer.UpdateMessage(ctx, &store.UpdateMessage{
		ID:        c.messageID,
		Stages:    stages,
		UpdatedAt: now.UnixMilli(),
	}); err != nil {
		return false, errors.Wrap(err, "failed to checkpoint message")
	}
	metrics.CheckpointWrites.WithLabelValues("intermediate").Inc()
	return true, nil
}

// Finish performs the terminal write and returns the update timestamp.
func (c *Checkpointer) Finish(ctx context.Context, state store.MessageState, stages []store.MessageStage) (int64, error) {
	now := c.clock.Now().UnixMilli()
	if stages == nil {
		stages = []store.MessageStage{}
	}
	if err := c.writer.UpdateMessage(ctx, &store.UpdateMessage{
		ID:        c.messageID,
		State:     &state,
		Stages:    stages,
		UpdatedAt: now,
	}); err != nil {
		return now, errors.Wrap(err, "failed to finalize message")
	}
	metrics.CheckpointWrites.WithLabelValues("final").Inc()
	return now, nil
}
