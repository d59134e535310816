// Package server wires the stores, hubs and HTTP routes into one process.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/115Studio/chat-backend/internal/profile"
	"github.com/115Studio/chat-backend/internal/version"
	"github.com/115Studio/chat-backend/plugin/ai"
	"github.com/115Studio/chat-backend/plugin/blob"
	"github.com/115Studio/chat-backend/server/auth"
	"github.com/115Studio/chat-backend/server/hub"
	"github.com/115Studio/chat-backend/server/lifecycle"
	apiv1 "github.com/115Studio/chat-backend/server/router/api/v1"
	"github.com/115Studio/chat-backend/store"
)

const (
	filesPrefix     = "/files/"
	shutdownTimeout = 30 * time.Second
	// dataStreamPrefix routes models to the data stream upstream.
	dataStreamPrefix = "ds/"
)

type Server struct {
	Secret  string
	Profile *profile.Profile
	Store   *store.Store

	hubs       *hub.Registry
	lifecycle  *lifecycle.Controller
	echoServer *echo.Echo
	httpServer *http.Server
}

func NewServer(ctx context.Context, profile *profile.Profile, store *store.Store) (*Server, error) {
	s := &Server{
		Secret:  profile.JWTSecret,
		Profile: profile,
		Store:   store,
	}

	blobStore, localDir, err := newBlobStore(ctx, profile)
	if err != nil {
		return nil, err
	}
	baseURL := profile.CDNEndpoint
	if baseURL == "" {
		baseURL = filesPrefix[:len(filesPrefix)-1]
	}
	uploader := blob.NewUploader(blobStore, baseURL)

	var titler lifecycle.Summarizer
	if profile.OpenRouterAPIKey != "" {
		t, err := ai.NewTitler(profile.OpenRouterAPIKey, profile.AIBaseURL, profile.AIModel)
		if err != nil {
			return nil, err
		}
		titler = t
	} else {
		slog.Warn("no AI API key configured; channels keep the default title")
	}

	authenticator := auth.NewAuthenticator(store, s.Secret)
	s.hubs = hub.NewRegistry(store, authenticator, hub.OptionsFromProfile(profile, uploader))
	s.lifecycle = lifecycle.NewController(store, s.hubs, newProvider(profile), titler)

	s.echoServer = echo.New()
	s.echoServer.Use(middleware.Recover())
	if len(profile.AllowedOrigins) > 0 {
		s.echoServer.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:     profile.AllowedOrigins,
			AllowCredentials: true,
		}))
	}
	apiv1.NewAPIV1Service(s.Secret, profile, store, s.hubs, s.lifecycle).RegisterRoutes(s.echoServer)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.healthz)
	if localDir != "" {
		mux.Handle(filesPrefix, http.StripPrefix(filesPrefix, http.FileServer(http.Dir(localDir))))
	}
	mux.Handle("/", s.echoServer)

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(profile.Addr, fmt.Sprint(profile.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// newProvider routes "ds/" models to the data stream upstream when one is
// configured and everything else to the OpenAI compatible API.
func newProvider(p *profile.Profile) ai.Provider {
	var fallback ai.Provider
	if p.OpenRouterAPIKey != "" {
		fallback = ai.NewOpenAIProvider(p.OpenRouterAPIKey, p.AIBaseURL)
	}
	router := ai.NewRouter(fallback)
	if p.DataStreamURL != "" {
		router.Handle(dataStreamPrefix, ai.NewDataStreamProvider(p.DataStreamURL, p.OpenRouterAPIKey))
	}
	return router
}

// newBlobStore returns the configured store and, for local storage, the
// directory to serve files from.
func newBlobStore(ctx context.Context, p *profile.Profile) (blob.Store, string, error) {
	switch p.BlobDriver {
	case "s3":
		s3, err := blob.NewS3Store(ctx, blob.S3Config{
			Bucket:    p.S3Bucket,
			Region:    p.S3Region,
			Endpoint:  p.S3Endpoint,
			AccessKey: p.S3AccessKey,
			SecretKey: p.S3SecretKey,
		})
		if err != nil {
			return nil, "", err
		}
		return s3, "", nil
	case "local", "":
		dir := filepath.Join(p.Data, "files")
		return blob.NewLocalStore(dir), dir, nil
	default:
		return nil, "", errors.Errorf("unknown blob driver %q", p.BlobDriver)
	}
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.GetDriver().GetDB().PingContext(r.Context()); err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "ok %s\n", version.GetCurrentVersion(s.Profile.Mode))
}

// Handler exposes the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.httpServer.Addr)
	}
	slog.Info("server started", "addr", listener.Addr().String(), "version", version.GetCurrentVersion(s.Profile.Mode), "mode", s.Profile.Mode)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.Shutdown(shutdownCtx)
		return nil
	})
	return g.Wait()
}

// Shutdown stops accepting requests, lets running replies reach a terminal
// state, persists pending drafts and closes the store.
func (s *Server) Shutdown(ctx context.Context) {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		slog.Error("failed to shutdown http server", "err", err)
	}

	done := make(chan struct{})
	go func() {
		s.lifecycle.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("replies still streaming at shutdown deadline")
	}

	s.hubs.Close()
	if err := s.Store.Close(); err != nil {
		slog.Error("failed to close store", "err", err)
	}
	slog.Info("server stopped")
}
