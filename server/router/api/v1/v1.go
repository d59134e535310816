package v1

import (
	"log/slog"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v5"
	"github.com/pkg/errors"

	"github.com/115Studio/chat-backend/internal/profile"
	"github.com/115Studio/chat-backend/server/auth"
	"github.com/115Studio/chat-backend/server/hub"
	"github.com/115Studio/chat-backend/server/lifecycle"
	"github.com/115Studio/chat-backend/store"
)

type APIV1Service struct {
	Secret    string
	Profile   *profile.Profile
	Store     *store.Store
	Hubs      *hub.Registry
	Lifecycle *lifecycle.Controller

	upgrader websocket.Upgrader
}

func NewAPIV1Service(secret string, profile *profile.Profile, store *store.Store, hubs *hub.Registry, controller *lifecycle.Controller) *APIV1Service {
	s := &APIV1Service{
		Secret:    secret,
		Profile:   profile,
		Store:     store,
		Hubs:      hubs,
		Lifecycle: controller,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// RegisterRoutes mounts the v1 API on e.
func (s *APIV1Service) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api/v1")
	g.GET("/sync/connection", s.connectSync)

	g.GET("/users/@me", s.getCurrentUser)

	g.GET("/channels", s.listChannels)
	g.PATCH("/channels/:channelId", s.updateChannel)
	g.DELETE("/channels/:channelId", s.deleteChannel)

	g.GET("/channels/:channelId/messages", s.listMessages)
	g.POST("/channels/:channelId/messages", s.createMessage)
	g.PATCH("/channels/:channelId/messages/:messageId/ai", s.regenerateMessage)
}

// requireAuth resolves the bearer token or access cookie of the request.
func (s *APIV1Service) requireAuth(c *echo.Context) (*store.User, error) {
	authHeader := c.Request().Header.Get("Authorization")
	cookieHeader := c.Request().Header.Get("Cookie")
	user, err := auth.NewAuthenticator(s.Store, s.Secret).AuthenticateToUser(
		c.Request().Context(), authHeader, cookieHeader,
	)
	if err != nil || user == nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	return user, nil
}

// checkOrigin allows any origin in dev mode or when no allow list is set.
func (s *APIV1Service) checkOrigin(r *http.Request) bool {
	if s.Profile == nil || s.Profile.IsDev() || len(s.Profile.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(s.Profile.AllowedOrigins, origin)
}

// toHTTPError maps controller errors to responses.
func toHTTPError(err error) error {
	switch {
	case errors.Is(err, lifecycle.ErrRateLimited):
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case errors.Is(err, lifecycle.ErrUnknownChannel), errors.Is(err, lifecycle.ErrUnknownMessage):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, lifecycle.ErrInvalidStages), errors.Is(err, lifecycle.ErrNotAssistant):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		slog.Error("request failed", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
