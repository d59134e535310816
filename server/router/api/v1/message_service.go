package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v5"

	"github.com/115Studio/chat-backend/server/lifecycle"
	"github.com/115Studio/chat-backend/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

type createMessageRequest struct {
	Stages  []store.MessageStage `json:"stages"`
	Model   string               `json:"model"`
	GroupID string               `json:"groupId"`
}

type createMessageResponse struct {
	ChannelID        string         `json:"channelId"`
	Channel          *store.Channel `json:"channel"`
	UserMessage      *store.Message `json:"userMessage"`
	AssistantMessage *store.Message `json:"assistantMessage"`
}

type regenerateRequest struct {
	Model string `json:"model"`
}

func (s *APIV1Service) listMessages(c *echo.Context) error {
	channelID := c.Param("channelId")
	user, err := s.requireAuth(c)
	if err != nil {
		return err
	}

	find := &store.FindMessage{Limit: defaultPageSize}
	if v := c.QueryParam("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > maxPageSize {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 100")
		}
		find.Limit = limit
	}
	if v := c.QueryParam("before"); v != "" {
		before, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "before must be a unix millisecond timestamp")
		}
		find.CreatedBefore = &before
	}

	messages, err := s.Lifecycle.History(c.Request().Context(), user.ID, channelID, find)
	if err != nil {
		return toHTTPError(err)
	}
	if messages == nil {
		messages = []*store.Message{}
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": messages})
}

func (s *APIV1Service) createMessage(c *echo.Context) error {
	channelID := c.Param("channelId")
	user, err := s.requireAuth(c)
	if err != nil {
		return err
	}

	var req createMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	model := req.Model
	if model == "" {
		model = user.DefaultModel
	}

	res, err := s.Lifecycle.Submit(c.Request().Context(), lifecycle.SubmitRequest{
		UserID:    user.ID,
		ChannelID: channelID,
		Model:     model,
		GroupID:   req.GroupID,
		Stages:    req.Stages,
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, createMessageResponse{
		ChannelID:        res.Channel.ID,
		Channel:          res.Channel,
		UserMessage:      res.UserMessage,
		AssistantMessage: res.AssistantMessage,
	})
}

func (s *APIV1Service) regenerateMessage(c *echo.Context) error {
	channelID, messageID := c.Param("channelId"), c.Param("messageId")
	user, err := s.requireAuth(c)
	if err != nil {
		return err
	}

	var req regenerateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	msg, err := s.Lifecycle.Regenerate(c.Request().Context(), lifecycle.RegenerateRequest{
		UserID:    user.ID,
		ChannelID: channelID,
		MessageID: messageID,
		Model:     req.Model,
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"message": msg})
}
