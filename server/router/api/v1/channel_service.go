package v1

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/115Studio/chat-backend/server/hub"
	"github.com/115Studio/chat-backend/store"
)

const maxChannelNameLength = 100

type channelRequest struct {
	Name string `json:"name"`
}

func (s *APIV1Service) listChannels(c *echo.Context) error {
	user, err := s.requireAuth(c)
	if err != nil {
		return err
	}
	channels, err := s.Store.ListChannels(c.Request().Context(), &store.FindChannel{OwnerID: &user.ID})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if channels == nil {
		channels = []*store.Channel{}
	}
	return c.JSON(http.StatusOK, map[string]any{"channels": channels})
}

func (s *APIV1Service) updateChannel(c *echo.Context) error {
	channelID := c.Param("channelId")
	user, err := s.requireAuth(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	channel, err := s.Store.GetChannel(ctx, &store.FindChannel{ID: &channelID, OwnerID: &user.ID})
	if err != nil || channel == nil {
		return echo.NewHTTPError(http.StatusNotFound, "channel not found")
	}

	var req channelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || len([]rune(name)) > maxChannelNameLength {
		return echo.NewHTTPError(http.StatusBadRequest, "name must be 1-100 characters")
	}
	updated, err := s.Store.UpdateChannel(ctx, &store.UpdateChannel{
		ID:        channel.ID,
		Name:      &name,
		UpdatedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	s.broadcast(user.ID, hub.Event{Op: hub.OpChannelUpdate, Data: hub.ChannelData{Channel: updated}})
	return c.JSON(http.StatusOK, map[string]any{"channel": updated})
}

func (s *APIV1Service) deleteChannel(c *echo.Context) error {
	channelID := c.Param("channelId")
	user, err := s.requireAuth(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	channel, err := s.Store.GetChannel(ctx, &store.FindChannel{ID: &channelID, OwnerID: &user.ID})
	if err != nil || channel == nil {
		return echo.NewHTTPError(http.StatusNotFound, "channel not found")
	}
	if err := s.Store.DeleteChannel(ctx, channel.ID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	s.broadcast(user.ID, hub.Event{Op: hub.OpChannelDelete, Data: hub.ChannelDeleteData{ChannelID: channel.ID}})
	return c.NoContent(http.StatusNoContent)
}

func (s *APIV1Service) broadcast(userID string, ev hub.Event) {
	if err := s.Hubs.Broadcast(userID, ev); err != nil {
		slog.Warn("failed to broadcast", "user", userID, "op", int(ev.Op), "err", err)
	}
}
