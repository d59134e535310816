package v1

import (
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/115Studio/chat-backend/server/hub"
)

func (s *APIV1Service) getCurrentUser(c *echo.Context) error {
	user, err := s.requireAuth(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, hub.ProjectUser(user))
}
