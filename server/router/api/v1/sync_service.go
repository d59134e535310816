package v1

import (
	"net/http"

	"github.com/labstack/echo/v5"
	"github.com/pkg/errors"

	"github.com/115Studio/chat-backend/server/hub"
)

// connectSync upgrades to the sync websocket. The token travels as the
// auth query parameter because browsers cannot set headers on websocket
// handshakes.
func (s *APIV1Service) connectSync(c *echo.Context) error {
	token := c.QueryParam("auth")
	if token == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing auth token")
	}

	var upgradeErr error
	h, conn, err := s.Hubs.Connect(c.Request().Context(), token, func(string) (hub.Conn, error) {
		ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			upgradeErr = err
			return nil, err
		}
		return hub.NewWSConn(ws, c.QueryParam("session")), nil
	})
	if upgradeErr != nil {
		// The upgrader has already answered the request.
		return nil
	}
	if err != nil {
		if errors.Is(err, hub.ErrUnauthorized) {
			return echo.NewHTTPError(http.StatusForbidden, "invalid auth token")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	conn.(*hub.WSConn).Serve(h)
	return nil
}
