package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/115Studio/chat-backend/plugin/ai"
	"github.com/115Studio/chat-backend/store"
)

func TestConnectRefusesBadToken(t *testing.T) {
	env := newTestEnv(t)
	accepted := false
	accept := func(string) (Conn, error) {
		accepted = true
		return newFakeConn("c", "s"), nil
	}

	_, _, err := env.reg.Connect(context.Background(), "forged", accept)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, _, err = env.reg.Connect(context.Background(), "", accept)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, accepted)
}

func TestConnectSendsHello(t *testing.T) {
	env := newTestEnv(t)
	env.store.drafts["u1/c1"] = &store.Draft{UserID: "u1", ChannelID: "c1", Stages: []store.MessageStage{{ID: "d", Type: store.StageTypeText}}}

	_, conn := env.connect(t, "a", "sa")
	hellos := data[HelloData](t, conn, OpServerHello)
	require.Len(t, hellos, 1)
	assert.Equal(t, UserProjection{ID: "u1", Name: "Ada", DefaultModel: "gpt-4o", DisplayModels: []string{"gpt-4o"}}, hellos[0].User)
	require.Len(t, hellos[0].Drafts, 1)
	assert.Equal(t, "c1", hellos[0].Drafts[0].ChannelID)
	assert.Equal(t, epoch.UnixMilli(), hellos[0].Ts)
}

func TestHelloIncludesPendingDrafts(t *testing.T) {
	env := newTestEnv(t)
	h, _ := env.connect(t, "a", "sa")
	stages := []store.MessageStage{{ID: "d", Type: store.StageTypeText, Content: &store.StageContent{Type: store.ContentTypeText, Value: "unsaved"}}}
	require.NoError(t, h.ReceiveDraft("sa", "c9", stages))

	_, other := env.connect(t, "b", "sb")
	hellos := data[HelloData](t, other, OpServerHello)
	require.Len(t, hellos, 1)
	require.Len(t, hellos[0].Drafts, 1)
	assert.Equal(t, "unsaved", hellos[0].Drafts[0].Stages[0].Text())
}

func TestBroadcastExclusion(t *testing.T) {
	env := newTestEnv(t)
	_, a := env.connect(t, "a", "sa")
	_, b := env.connect(t, "b", "sb")
	h, c := env.connect(t, "c", "sc")

	require.NoError(t, h.Broadcast(Event{Op: OpUserUpdate, Data: map[string]string{"name": "Ada"}}, "sb"))
	assert.Contains(t, a.ops(), OpUserUpdate)
	assert.NotContains(t, b.ops(), OpUserUpdate)
	assert.Contains(t, c.ops(), OpUserUpdate)
}

func TestDeliveryFailureDropsOnlyThatConnection(t *testing.T) {
	env := newTestEnv(t)
	_, a := env.connect(t, "a", "sa")
	h, b := env.connect(t, "b", "sb")
	b.mu.Lock()
	b.fail = true
	b.mu.Unlock()

	require.NoError(t, env.reg.Broadcast("u1", Event{Op: OpUserUpdate}))
	assert.Equal(t, 1, h.Connections())
	assert.True(t, b.isClosed())

	require.NoError(t, env.reg.Broadcast("u1", Event{Op: OpUserUpdate}))
	assert.Len(t, data[json.RawMessage](t, a, OpUserUpdate), 2)
}

func TestBroadcastWithoutHubIsNoop(t *testing.T) {
	env := newTestEnv(t)
	assert.NoError(t, env.reg.Broadcast("nobody", Event{Op: OpUserUpdate}))
}

func TestDisconnectIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	h, _ := env.connect(t, "a", "sa")
	h.Disconnect("a")
	h.Disconnect("a")
	h.Disconnect("unknown")
	assert.Equal(t, 0, h.Connections())
}

func draftStages(v string) []store.MessageStage {
	return []store.MessageStage{{ID: "d", Type: store.StageTypeText, Content: &store.StageContent{Type: store.ContentTypeText, Value: v}}}
}

func TestDraftDebounce(t *testing.T) {
	env := newTestEnv(t)
	h, sender := env.connect(t, "a", "sa")
	_, other := env.connect(t, "b", "sb")

	require.NoError(t, h.ReceiveDraft("sa", "c1", draftStages("h")))
	env.clock.Advance(1000 * time.Millisecond)
	require.NoError(t, h.ReceiveDraft("sa", "c1", draftStages("he")))
	env.clock.Advance(200 * time.Millisecond)
	require.NoError(t, h.ReceiveDraft("sa", "c1", draftStages("hey")))

	// Mirrored immediately to the other session only.
	assert.NotContains(t, sender.ops(), OpSyncInput)
	mirrored := data[DraftData](t, other, OpSyncInput)
	require.Len(t, mirrored, 3)
	assert.Equal(t, "hey", mirrored[2].Stages[0].Text())

	env.clock.Advance(4999 * time.Millisecond)
	assert.Empty(t, env.store.draftUpserts())

	env.clock.Advance(time.Millisecond)
	upserts := env.store.draftUpserts()
	require.Len(t, upserts, 1)
	assert.Equal(t, "hey", upserts[0].Stages[0].Text())
	assert.Equal(t, epoch.Add(6200*time.Millisecond).UnixMilli(), upserts[0].UpdatedAt)

	env.clock.Advance(time.Minute)
	assert.Len(t, env.store.draftUpserts(), 1)
}

func TestConcurrentDraftsPersistLastApplied(t *testing.T) {
	env := newTestEnv(t)
	h, _ := env.connect(t, "a", "sa")
	env.connect(t, "b", "sb")
	_, watcher := env.connect(t, "w", "sw")

	var wg sync.WaitGroup
	for _, session := range []string{"sa", "sb"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				assert.NoError(t, h.ReceiveDraft(session, "c1", draftStages(fmt.Sprintf("%s-%d", session, i))))
			}
		}()
	}
	wg.Wait()

	mirrored := data[DraftData](t, watcher, OpSyncInput)
	require.Len(t, mirrored, 100)
	last := mirrored[len(mirrored)-1].Stages[0].Text()

	env.clock.Advance(5 * time.Second)
	upserts := env.store.draftUpserts()
	require.Len(t, upserts, 1)
	assert.Equal(t, last, upserts[0].Stages[0].Text())

	// The pending copy is cleared, so a new session sees the stored value.
	_, late := env.connect(t, "l", "sl")
	hellos := data[HelloData](t, late, OpServerHello)
	require.Len(t, hellos, 1)
	require.Len(t, hellos[0].Drafts, 1)
	assert.Equal(t, last, hellos[0].Drafts[0].Stages[0].Text())
}

func TestDraftKeysAreIndependent(t *testing.T) {
	env := newTestEnv(t)
	h, _ := env.connect(t, "a", "sa")
	require.NoError(t, h.ReceiveDraft("sa", "c1", draftStages("one")))
	require.NoError(t, h.ReceiveDraft("sa", "c2", draftStages("two")))

	env.clock.Advance(5 * time.Second)
	assert.Len(t, env.store.draftUpserts(), 2)
}

func TestCloseFlushesPendingDrafts(t *testing.T) {
	env := newTestEnv(t)
	h, conn := env.connect(t, "a", "sa")
	require.NoError(t, h.ReceiveDraft("sa", "c1", draftStages("pending")))

	env.reg.Close()
	require.Len(t, env.store.draftUpserts(), 1)
	assert.True(t, conn.isClosed())
	_, err := env.reg.Hub("u1")
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestHandleFrame(t *testing.T) {
	env := newTestEnv(t)
	h, sender := env.connect(t, "a", "sa")
	_, other := env.connect(t, "b", "sb")

	h.HandleFrame(sender, []byte(`{not json`))
	h.HandleFrame(sender, []byte(`{"op":10100,"data":{}}`))
	h.HandleFrame(sender, []byte(`{"op":1004,"data":{"stages":[]}}`))
	h.HandleFrame(sender, []byte(`{"op":0}`))
	h.HandleFrame(sender, []byte(`{"op":1004,"data":{"channelId":"c1","stages":[{"id":"x","type":"text","content":{"type":"text","value":"yo"}}]}}`))

	assert.Equal(t, []Opcode{OpServerHello, OpHeartbeat}, sender.ops())
	mirrored := data[DraftData](t, other, OpSyncInput)
	require.Len(t, mirrored, 1)
	assert.Equal(t, "yo", mirrored[0].Stages[0].Text())
}

func placeholder() *store.Message {
	return &store.Message{ID: "m1", GroupID: "m1", ChannelID: "c1", UserID: "u1", Role: store.RoleAssistant, State: store.MessageStateCreated}
}

type runResult struct {
	msg *store.Message
	err error
}

func startRun(h *Hub, src ai.Stream) chan runResult {
	done := make(chan runResult, 1)
	go func() {
		msg, err := h.RunAssistantResponse(context.Background(), placeholder(), src)
		done <- runResult{msg, err}
	}()
	return done
}

func TestRunAssistantResponse(t *testing.T) {
	env := newTestEnv(t)
	h, a := env.connect(t, "a", "sa")
	_, b := env.connect(t, "b", "sb")

	src := newChanStream()
	done := startRun(h, src)

	src.ch <- ai.Frame{Kind: ai.FrameText, Text: "Hel"}
	src.ch <- ai.Frame{Kind: ai.FrameText, Text: "lo "}
	// The next send only returns once the previous frame was consumed.
	src.ch <- ai.Frame{Kind: ai.FrameText, Text: ""}
	live, ok := h.IncompleteMessage("m1")
	require.True(t, ok)
	require.Len(t, live, 1)
	assert.Equal(t, "Hello ", live[0].Text())

	src.ch <- ai.Frame{Kind: ai.FrameText, Text: "world"}
	close(src.ch)
	res := <-done
	require.NoError(t, res.err)

	assert.Equal(t, store.MessageStateCompleted, res.msg.State)
	require.Len(t, res.msg.Stages, 1)
	assert.Equal(t, "Hello world", res.msg.Stages[0].Text())

	for _, conn := range []*fakeConn{a, b} {
		updates := data[StageUpdateData](t, conn, OpMessageStageUpdate)
		require.Len(t, updates, 3, "empty delta must not be broadcast")
		assert.Equal(t, "world", updates[2].StageUpdate.Text())
		assert.Equal(t, "c1", updates[2].ChannelID)

		finals := data[MessageData](t, conn, OpMessageUpdate)
		require.Len(t, finals, 1)
		assert.Equal(t, store.MessageStateCompleted, finals[0].Message.State)
		assert.Equal(t, "Hello world", finals[0].Message.Stages[0].Text())
	}

	_, ok = h.IncompleteMessage("m1")
	assert.False(t, ok)

	writes := env.store.messageUpdates()
	require.Len(t, writes, 1)
	assert.Equal(t, store.MessageStateCompleted, *writes[0].State)
}

func TestRunAssistantResponseCheckpoints(t *testing.T) {
	env := newTestEnv(t)
	h, _ := env.connect(t, "a", "sa")
	src := newChanStream()
	done := startRun(h, src)

	for i := 0; i < 10; i++ {
		src.ch <- ai.Frame{Kind: ai.FrameText, Text: "x"}
		// An empty delta is dropped; once it is received the previous
		// frame has been applied and observed.
		src.ch <- ai.Frame{Kind: ai.FrameText, Text: ""}
		env.clock.Advance(time.Second)
	}
	close(src.ch)
	require.NoError(t, (<-done).err)

	// Frames observed at 0s..9s with a 3s interval write at 3s, 6s and 9s.
	writes := env.store.messageUpdates()
	require.Len(t, writes, 4)
	for i, w := range writes[:3] {
		assert.Nil(t, w.State)
		assert.Equal(t, epoch.Add(time.Duration(3*(i+1))*time.Second).UnixMilli(), w.UpdatedAt)
		assert.Equal(t, strings.Repeat("x", 3*(i+1)+1), w.Stages[0].Text())
	}
	last := writes[3]
	assert.Equal(t, store.MessageStateCompleted, *last.State)
	assert.Equal(t, "xxxxxxxxxx", last.Stages[0].Text())
}

func TestRunAssistantResponseTransportFailure(t *testing.T) {
	env := newTestEnv(t)
	h, a := env.connect(t, "a", "sa")
	src := newChanStream()
	done := startRun(h, src)

	src.ch <- ai.Frame{Kind: ai.FrameText, Text: "partial"}
	src.ch <- errors.New("connection reset")
	res := <-done
	require.NoError(t, res.err)

	assert.Equal(t, store.MessageStateFailed, res.msg.State)
	require.Len(t, res.msg.Stages, 2)
	assert.Equal(t, "partial", res.msg.Stages[0].Text())
	assert.Equal(t, store.StageTypeError, res.msg.Stages[1].Type)

	finals := data[MessageData](t, a, OpMessageUpdate)
	require.Len(t, finals, 1)
	assert.Equal(t, store.MessageStateFailed, finals[0].Message.State)
}

func TestRunAssistantResponseRejectsDuplicate(t *testing.T) {
	env := newTestEnv(t)
	h, _ := env.connect(t, "a", "sa")
	src := newChanStream()
	done := startRun(h, src)
	src.ch <- ai.Frame{Kind: ai.FrameText, Text: "a"}

	_, err := h.RunAssistantResponse(context.Background(), placeholder(), newChanStream())
	assert.ErrorIs(t, err, ErrAlreadyStreaming)

	close(src.ch)
	require.NoError(t, (<-done).err)
}

func TestRunAssistantResponseWithoutConnections(t *testing.T) {
	env := newTestEnv(t)
	h, err := env.reg.Hub("u1")
	require.NoError(t, err)
	src := newChanStream()
	done := startRun(h, src)
	src.ch <- ai.Frame{Kind: ai.FrameText, Text: "nobody listening"}
	close(src.ch)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, store.MessageStateCompleted, res.msg.State)
	assert.Len(t, env.store.messageUpdates(), 1)
}

func TestRunAssistantResponseFinalWriteError(t *testing.T) {
	env := newTestEnv(t)
	h, a := env.connect(t, "a", "sa")
	env.store.failNext = true
	src := newChanStream()
	done := startRun(h, src)
	close(src.ch)

	res := <-done
	assert.Error(t, res.err)
	// Clients still learn the terminal state.
	assert.Len(t, data[MessageData](t, a, OpMessageUpdate), 1)
}
