package stage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/115Studio/chat-backend/internal/clock"
	"github.com/115Studio/chat-backend/store"
)

type recordingWriter struct {
	mu      sync.Mutex
	updates []store.UpdateMessage
	err     error
}

func (w *recordingWriter) UpdateMessage(_ context.Context, update *store.UpdateMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.updates = append(w.updates, *update)
	return nil
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestCheckpointerInterval(t *testing.T) {
	c := clock.NewFake(epoch)
	w := &recordingWriter{}
	cp := NewCheckpointer(c, 3*time.Second, w, "m1")
	ctx := context.Background()
	stages := []store.MessageStage{{ID: "t", Type: store.StageTypeText, Content: &store.StageContent{Value: "a"}}}

	// Updates every 500ms for 10s.
	writes := 0
	for i := 0; i < 20; i++ {
		c.Advance(500 * time.Millisecond)
		wrote, err := cp.Observe(ctx, stages)
		require.NoError(t, err)
		if wrote {
			writes++
		}
	}
	assert.Equal(t, 3, writes)

	_, err := cp.Finish(ctx, store.MessageStateCompleted, stages)
	require.NoError(t, err)
	require.Len(t, w.updates, 4)

	for i, u := range w.updates[:3] {
		assert.Nil(t, u.State, "intermediate write %d must not change state", i)
		if i > 0 {
			assert.GreaterOrEqual(t, u.UpdatedAt-w.updates[i-1].UpdatedAt, int64(3000))
		}
	}
	final := w.updates[3]
	require.NotNil(t, final.State)
	assert.Equal(t, store.MessageStateCompleted, *final.State)
	assert.Equal(t, epoch.Add(10*time.Second).UnixMilli(), final.UpdatedAt)
}

func TestCheckpointerShortStreamWritesOnlyFinal(t *testing.T) {
	c := clock.NewFake(epoch)
	w := &recordingWriter{}
	cp := NewCheckpointer(c, 3*time.Second, w, "m1")

	c.Advance(time.Second)
	wrote, err := cp.Observe(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, wrote)

	_, err = cp.Finish(context.Background(), store.MessageStateFailed, nil)
	require.NoError(t, err)
	require.Len(t, w.updates, 1)
	assert.Equal(t, store.MessageStateFailed, *w.updates[0].State)
	assert.NotNil(t, w.updates[0].Stages)
}

func TestCheckpointerWriteError(t *testing.T) {
	c := clock.NewFake(epoch)
	w := &recordingWriter{err: errors.New("db down")}
	cp := NewCheckpointer(c, time.Second, w, "m1")

	c.Advance(time.Second)
	_, err := cp.Observe(context.Background(), nil)
	assert.Error(t, err)
	_, err = cp.Finish(context.Background(), store.MessageStateCompleted, nil)
	assert.Error(t, err)
}
