package hub

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
	"github.com/115Studio/chat-backend/store"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeConn struct {
	id      string
	session string

	mu     sync.Mutex
	frames []Event
	raw    [][]byte
	fail   bool
	closed bool
}

func newFakeConn(id, session string) *fakeConn {
	return &fakeConn{id: id, session: session}
}

func (c *fakeConn) ID() string        { return c.id }
func (c *fakeConn) SessionID() string { return c.session }

func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail || c.closed {
		return errors.New("broken pipe")
	}
	var ev struct {
		Op   Opcode          `json:"op"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &ev); err != nil {
		return err
	}
	c.frames = append(c.frames, Event{Op: ev.Op, Data: ev.Data})
	c.raw = append(c.raw, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ops returns the opcodes received so far.
func (c *fakeConn) ops() []Opcode {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := make([]Opcode, 0, len(c.frames))
	for _, f := range c.frames {
		list = append(list, f.Op)
	}
	return list
}

// data decodes the payloads of every frame with opcode op.
func data[T any](t *testing.T, c *fakeConn, op Opcode) []T {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []T
	for _, f := range c.frames {
		if f.Op != op {
			continue
		}
		var v T
		require.NoError(t, json.Unmarshal(f.Data.(json.RawMessage), &v))
		out = append(out, v)
	}
	return out
}

type fakeVerifier map[string]string

func (v fakeVerifier) VerifyConnectionToken(token string) (string, error) {
	if id, ok := v[token]; ok {
		return id, nil
	}
	return "", errors.New("bad signature")
}

type fakeStore struct {
	mu       sync.Mutex
	users    map[string]*store.User
	drafts   map[string]*store.Draft
	upserts  []store.Draft
	updates  []store.UpdateMessage
	failNext bool // fail the next UpdateMessage
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:  map[string]*store.User{"u1": {ID: "u1", Name: "Ada", DefaultModel: "gpt-4o", DisplayModels: []string{"gpt-4o"}}},
		drafts: map[string]*store.Draft{},
	}
}

func (s *fakeStore) GetUser(_ context.Context, find *store.FindUser) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[*find.ID], nil
}

func (s *fakeStore) ListDrafts(_ context.Context, find *store.FindDraft) ([]*store.Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []*store.Draft
	for _, d := range s.drafts {
		if d.UserID == find.UserID {
			list = append(list, d)
		}
	}
	return list, nil
}

func (s *fakeStore) UpsertDraft(_ context.Context, d *store.Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.upserts = append(s.upserts, cp)
	s.drafts[d.UserID+"/"+d.ChannelID] = &cp
	return nil
}

func (s *fakeStore) UpdateMessage(_ context.Context, u *store.UpdateMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return errors.New("db down")
	}
	s.updates = append(s.updates, *u)
	return nil
}

func (s *fakeStore) messageUpdates() []store.UpdateMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.UpdateMessage(nil), s.updates...)
}

func (s *fakeStore) draftUpserts() []store.Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Draft(nil), s.upserts...)
}

// chanStream yields whatever the test pushes: an ai.Frame or an error.
// Closing the channel ends the stream.
type chanStream struct {
	ch chan any
}

func newChanStream() *chanStream { return &chanStream{ch: make(chan any)} }

func (s *chanStream) Next(ctx context.Context) (ai.Frame, error) {
	select {
	case item, ok := <-s.ch:
		if !ok {
			return ai.Frame{}, io.EOF
		}
		if err, isErr := item.(error); isErr {
			return ai.Frame{}, err
		}
		return item.(ai.Frame), nil
	case <-ctx.Done():
		return ai.Frame{}, ctx.Err()
	}
}

func (s *chanStream) Close() error { return nil }

type testEnv struct {
	reg   *Registry
	store *fakeStore
	clock *clock.Fake
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	c := clock.NewFake(epoch)
	s := newFakeStore()
	reg := NewRegistry(s, fakeVerifier{"good": "u1"}, Options{
		Clock:              c,
		CheckpointInterval: 3 * time.Second,
		DraftDebounce:      5 * time.Second,
	})
	t.Cleanup(reg.Close)
	return &testEnv{reg: reg, store: s, clock: c}
}

func (e *testEnv) connect(t *testing.T, id, session string) (*Hub, *fakeConn) {
	t.Helper()
	conn := newFakeConn(id, session)
	h, _, err := e.reg.Connect(context.Background(), "good", func(string) (Conn, error) { return conn, nil })
	require.NoError(t, err)
	return h, conn
}
