package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/115Studio/chat-backend/internal/profile"
	"github.com/115Studio/chat-backend/internal/version"
	"github.com/115Studio/chat-backend/plugin/ai"
	teststore "github.com/115Studio/chat-backend/store/test"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()
	p := &profile.Profile{Mode: "dev", Data: t.TempDir(), Driver: "sqlite", DSN: ":memory:"}
	require.NoError(t, p.Validate())

	s, err := NewServer(ctx, p, teststore.NewTestingStore(ctx, t))
	require.NoError(t, err)
	t.Cleanup(func() {
		s.lifecycle.Wait()
		s.hubs.Close()
	})
	return s
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServerRoutes(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	rec := get(t, h, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), version.GetCurrentVersion("dev"))

	rec = get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/v1/channels").Code)
}

func TestServerServesLocalFiles(t *testing.T) {
	s := newTestServer(t)
	path := filepath.Join(s.Profile.Data, "files", "uploads", "u1", "abc.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	rec := get(t, s.Handler(), "/files/uploads/u1/abc.txt")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
}

func TestNewBlobStoreRejectsUnknownDriver(t *testing.T) {
	_, _, err := newBlobStore(context.Background(), &profile.Profile{BlobDriver: "ftp"})
	assert.Error(t, err)
}

func TestProviderWithoutKey(t *testing.T) {
	_, err := newProvider(&profile.Profile{}).Stream(context.Background(), &ai.Request{Model: "gpt-4o"})
	assert.ErrorIs(t, err, ai.ErrNoProvider)
}
