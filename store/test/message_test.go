package test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/115Studio/chat-backend/store"
)

func createChannel(ctx context.Context, t *testing.T, ts *store.Store, id, owner string) *store.Channel {
	t.Helper()
	c, err := ts.CreateChannel(ctx, &store.Channel{ID: id, OwnerID: owner, Name: "New chat", CreatedAt: 1, UpdatedAt: 1})
	require.NoError(t, err)
	return c
}

func TestMessageStore(t *testing.T) {
	ctx := context.Background()
	ts := NewTestingStore(ctx, t)
	createChannel(ctx, t, ts, "c1", "u1")

	stages := []store.MessageStage{{ID: "s1", Type: store.StageTypeText, Content: &store.StageContent{Type: store.ContentTypeText, Value: "hi"}}}
	_, err := ts.CreateMessage(ctx, &store.Message{
		ID: "m1", GroupID: "m1", ChannelID: "c1", UserID: "u1",
		State: store.MessageStateCompleted, Role: store.RoleUser, Stages: stages, CreatedAt: 100, UpdatedAt: 100,
	})
	require.NoError(t, err)
	_, err = ts.CreateMessage(ctx, &store.Message{
		ID: "m2", GroupID: "m2", ChannelID: "c1", UserID: "u1",
		State: store.MessageStateCreated, Role: store.RoleAssistant, Model: "gpt", CreatedAt: 101, UpdatedAt: 101,
	})
	require.NoError(t, err)

	channelID := "c1"
	list, err := ts.ListMessages(ctx, &store.FindMessage{ChannelID: &channelID, Limit: 25})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "m2", list[0].ID)
	assert.Equal(t, store.RoleAssistant, list[0].Role)
	assert.Empty(t, list[0].Stages)
	assert.Equal(t, stages, list[1].Stages)

	state := store.MessageStateCompleted
	reply := []store.MessageStage{{ID: "s2", Type: store.StageTypeText, Content: &store.StageContent{Type: store.ContentTypeText, Value: "hello"}}}
	require.NoError(t, ts.UpdateMessage(ctx, &store.UpdateMessage{ID: "m2", State: &state, Stages: reply, UpdatedAt: 200}))

	id := "m2"
	m, err := ts.GetMessage(ctx, &store.FindMessage{ID: &id})
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, store.MessageStateCompleted, m.State)
	assert.Equal(t, reply, m.Stages)
	assert.Equal(t, int64(200), m.UpdatedAt)
	assert.Equal(t, "gpt", m.Model)

	// Stages only, state untouched.
	require.NoError(t, ts.UpdateMessage(ctx, &store.UpdateMessage{ID: "m1", Stages: reply, UpdatedAt: 300}))
	id = "m1"
	m, err = ts.GetMessage(ctx, &store.FindMessage{ID: &id})
	require.NoError(t, err)
	assert.Equal(t, store.MessageStateCompleted, m.State)

	before := int64(101)
	list, err = ts.ListMessages(ctx, &store.FindMessage{ChannelID: &channelID, CreatedBefore: &before})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "m1", list[0].ID)

	missing := "nope"
	m, err = ts.GetMessage(ctx, &store.FindMessage{ID: &missing})
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestChannelStore(t *testing.T) {
	ctx := context.Background()
	ts := NewTestingStore(ctx, t)
	createChannel(ctx, t, ts, "c1", "u1")
	createChannel(ctx, t, ts, "c2", "u2")

	owner := "u1"
	list, err := ts.ListChannels(ctx, &store.FindChannel{OwnerID: &owner})
	require.NoError(t, err)
	require.Len(t, list, 1)

	name := "Go generics"
	c, err := ts.UpdateChannel(ctx, &store.UpdateChannel{ID: "c1", Name: &name, UpdatedAt: 50})
	require.NoError(t, err)
	assert.Equal(t, "Go generics", c.Name)
	assert.Equal(t, int64(50), c.UpdatedAt)

	_, err = ts.CreateMessage(ctx, &store.Message{ID: "m1", GroupID: "m1", ChannelID: "c1", UserID: "u1", Role: store.RoleUser, CreatedAt: 1, UpdatedAt: 1})
	require.NoError(t, err)
	require.NoError(t, ts.DeleteChannel(ctx, "c1"))

	id := "c1"
	got, err := ts.GetChannel(ctx, &store.FindChannel{ID: &id})
	require.NoError(t, err)
	assert.Nil(t, got)
	msgs, err := ts.ListMessages(ctx, &store.FindMessage{ChannelID: &id})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestUserStore(t *testing.T) {
	ctx := context.Background()
	ts := NewTestingStore(ctx, t)

	_, err := ts.CreateUser(ctx, &store.User{ID: "u1", Name: "Ada", Email: "ada@example.com", DisplayModels: []string{"gpt-4o"}, CreatedAt: 1})
	require.NoError(t, err)

	id := "u1"
	u, err := ts.GetUser(ctx, &store.FindUser{ID: &id})
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "Ada", u.Name)
	assert.Equal(t, []string{"gpt-4o"}, u.DisplayModels)
}

func TestUpdateMessageOnlyPending(t *testing.T) {
	ctx := context.Background()
	ts := NewTestingStore(ctx, t)
	createChannel(ctx, t, ts, "c1", "u1")

	for _, m := range []struct {
		id    string
		state store.MessageState
	}{
		{"created", store.MessageStateCreated},
		{"streaming", store.MessageStateStreaming},
		{"failed", store.MessageStateFailed},
		{"completed", store.MessageStateCompleted},
	} {
		_, err := ts.CreateMessage(ctx, &store.Message{
			ID: m.id, GroupID: m.id, ChannelID: "c1", UserID: "u1",
			State: m.state, Role: store.RoleAssistant, CreatedAt: 1, UpdatedAt: 1,
		})
		require.NoError(t, err)
	}

	for _, id := range []string{"created", "streaming", "failed", "completed"} {
		state := store.MessageStateCompleted
		if id == "completed" {
			state = store.MessageStateFailed
		}
		require.NoError(t, ts.UpdateMessage(ctx, &store.UpdateMessage{ID: id, State: &state, UpdatedAt: 50, OnlyPending: true}))
	}

	want := map[string]store.MessageState{
		"created":   store.MessageStateCompleted,
		"streaming": store.MessageStateCompleted,
		"failed":    store.MessageStateFailed,
		"completed": store.MessageStateCompleted,
	}
	for id, state := range want {
		m, err := ts.GetMessage(ctx, &store.FindMessage{ID: &id})
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, state, m.State, id)
		if id == "failed" || id == "completed" {
			assert.Equal(t, int64(1), m.UpdatedAt, id)
		}
	}
}
