package webhook

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

const maxPayloadBytes = 1 << 20

// Handler serves POST /webhooks/:gateway. Gateways retry on anything but 2xx, so every
// recorded delivery is acknowledged with 200, including duplicates and unmatched events.
func Handler(r *Reconciler) echo.HandlerFunc {
	return func(c echo.Context) error {
		name := c.Param("gateway")
		body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxPayloadBytes))
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "could not read payload"})
		}
		sig := c.Request().Header.Get(r.Gateway(name).SignatureHeader())

		out, err := r.Ingest(c.Request().Context(), name, body, sig)
		switch {
		case errors.Is(err, ErrInvalidSignature):
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid signature"})
		case err != nil:
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not record event"})
		}
		return c.JSON(http.StatusOK, out)
	}
}
