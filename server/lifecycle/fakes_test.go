package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/115Studio/chat-backend/internal/clock"
	"github.com/115Studio/chat-backend/plugin/ai"
	"github.com/115Studio/chat-backend/server/hub"
	"github.com/115Studio/chat-backend/store"
	teststore "github.com/115Studio/chat-backend/store/test"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// recorder is a client connection that keeps every event it receives.
type recorder struct {
	mu     sync.Mutex
	events []hub.Event
}

func (r *recorder) ID() string        { return "conn-1" }
func (r *recorder) SessionID() string { return "session-1" }
func (r *recorder) Close() error      { return nil }

func (r *recorder) Send(frame []byte) error {
	var ev struct {
		Op   hub.Opcode      `json:"op"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &ev); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, hub.Event{Op: ev.Op, Data: ev.Data})
	return nil
}

func (r *recorder) count(op hub.Opcode) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Op == op {
			n++
		}
	}
	return n
}

func (r *recorder) messages(t *testing.T, op hub.Opcode) []*store.Message {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var list []*store.Message
	for _, ev := range r.events {
		if ev.Op != op {
			continue
		}
		var d hub.MessageData
		require.NoError(t, json.Unmarshal(ev.Data.(json.RawMessage), &d))
		list = append(list, d.Message)
	}
	return list
}

func (r *recorder) channels(t *testing.T, op hub.Opcode) []*store.Channel {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var list []*store.Channel
	for _, ev := range r.events {
		if ev.Op != op {
			continue
		}
		var d hub.ChannelData
		require.NoError(t, json.Unmarshal(ev.Data.(json.RawMessage), &d))
		list = append(list, d.Channel)
	}
	return list
}

type tokenVerifier struct{}

func (tokenVerifier) VerifyConnectionToken(token string) (string, error) {
	return token, nil
}

// frameStream replays a fixed list of frames.
type frameStream struct {
	frames []ai.Frame
}

func textStream(parts ...string) *frameStream {
	s := &frameStream{}
	for _, p := range parts {
		s.frames = append(s.frames, ai.Frame{Kind: ai.FrameText, Text: p})
	}
	return s
}

func (s *frameStream) Next(context.Context) (ai.Frame, error) {
	if len(s.frames) == 0 {
		return ai.Frame{}, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

func (s *frameStream) Close() error { return nil }

// gateStream yields whatever the test pushes until the channel is closed.
type gateStream struct {
	ch chan ai.Frame
}

func (s *gateStream) Next(ctx context.Context) (ai.Frame, error) {
	select {
	case f, ok := <-s.ch:
		if !ok {
			return ai.Frame{}, io.EOF
		}
		return f, nil
	case <-ctx.Done():
		return ai.Frame{}, ctx.Err()
	}
}

func (s *gateStream) Close() error { return nil }

type fakeProvider struct {
	mu       sync.Mutex
	requests []*ai.Request
	respond  func(req *ai.Request) (ai.Stream, error)
}

func (p *fakeProvider) Stream(_ context.Context, req *ai.Request) (ai.Stream, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	respond := p.respond
	p.mu.Unlock()
	return respond(req)
}

func (p *fakeProvider) lastRequest() *ai.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

type fakeTitler struct {
	mu     sync.Mutex
	inputs []string
	title  string
	err    error
}

func (f *fakeTitler) Summarize(_ context.Context, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, content)
	if f.err != nil {
		return "", f.err
	}
	return f.title, nil
}

type testEnv struct {
	ctx        context.Context
	store      *store.Store
	clock      *clock.Fake
	provider   *fakeProvider
	titler     *fakeTitler
	controller *Controller
	conn       *recorder
	user       *store.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	s := teststore.NewTestingStore(ctx, t)
	user, err := s.CreateUser(ctx, &store.User{ID: "u1", Name: "Ada", Email: "ada@example.com", DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	c := clock.NewFake(epoch)
	reg := hub.NewRegistry(s, tokenVerifier{}, hub.Options{Clock: c})
	provider := &fakeProvider{respond: func(*ai.Request) (ai.Stream, error) {
		return textStream("Hello", " there"), nil
	}}
	titler := &fakeTitler{title: "Greeting"}
	controller := NewController(s, reg, provider, titler)
	controller.clock = c
	t.Cleanup(func() {
		controller.Wait()
		reg.Close()
	})

	conn := &recorder{}
	_, _, err = reg.Connect(ctx, user.ID, func(string) (hub.Conn, error) { return conn, nil })
	require.NoError(t, err)

	return &testEnv{
		ctx:        ctx,
		store:      s,
		clock:      c,
		provider:   provider,
		titler:     titler,
		controller: controller,
		conn:       conn,
		user:       user,
	}
}

func textStages(v string) []store.MessageStage {
	return []store.MessageStage{{Type: store.StageTypeText, Content: &store.StageContent{Type: store.ContentTypeText, Value: v}}}
}

func (e *testEnv) submit(t *testing.T, channelID, text string) *SubmitResult {
	t.Helper()
	res, err := e.controller.Submit(e.ctx, SubmitRequest{UserID: e.user.ID, ChannelID: channelID, Model: "gpt-4o", Stages: textStages(text)})
	require.NoError(t, err)
	e.clock.Advance(time.Second)
	return res
}

func (e *testEnv) message(t *testing.T, id string) *store.Message {
	t.Helper()
	m, err := e.store.GetMessage(e.ctx, &store.FindMessage{ID: &id})
	require.NoError(t, err)
	require.NotNil(t, m)
	return m
}

var (
	errProviderDown = errors.New("provider down")
	errStoreDown    = errors.New("store unavailable")
)

// faultyStore wraps the real store. It can fail message creation after a
// number of successful writes, and it can report stale states from
// ListMessages as if the list had been read before later updates.
type faultyStore struct {
	Store
	createsLeft int
	createErr   error
	staleStates map[string]store.MessageState
}

func (f *faultyStore) CreateMessage(ctx context.Context, create *store.Message) (*store.Message, error) {
	if f.createErr != nil {
		if f.createsLeft == 0 {
			return nil, f.createErr
		}
		f.createsLeft--
	}
	return f.Store.CreateMessage(ctx, create)
}

func (f *faultyStore) ListMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error) {
	list, err := f.Store.ListMessages(ctx, find)
	for _, m := range list {
		if state, ok := f.staleStates[m.ID]; ok {
			m.State = state
		}
	}
	return list, err
}
