package api

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"flowdeck/backend/internal/auth"
	"flowdeck/backend/internal/fault"
)

const maxWebhookBody = 1 << 20

// HandleIdentityWebhook applies user lifecycle events sent by the identity
// provider. Deliveries are authenticated by signature before parsing.
// (POST /webhooks/identity)
func (s *Server) HandleIdentityWebhook(c echo.Context) error {
	if s.Webhooks == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "identity webhooks are not configured")
	}
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return fault.Validation("failed to read body")
	}
	if err := s.Webhooks.Verify(payload, c.Request().Header); err != nil {
		s.Logger.Warn("rejected identity webhook", "error", err)
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}
	ev, err := auth.ParseIdentityEvent(payload)
	if err != nil {
		return fault.Validation(err.Error())
	}
	if err := s.Users.HandleIdentityEvent(c.Request().Context(), ev); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
