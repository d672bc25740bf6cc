package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/vigilo/correlator/internal/database"
	"github.com/vigilo/correlator/internal/dispatcher"
)

// newOpsServer exposes the operational surface: liveness (including a
// database round-trip) and the correlation statistics snapshot.
func newOpsServer(disp *dispatcher.Dispatcher, gateway *database.Gateway) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(otelecho.Middleware("correlator"))

	e.GET("/healthz", func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := gateway.Probe(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	e.GET("/stats", func(c echo.Context) error {
		return c.JSON(http.StatusOK, disp.Stats())
	})

	return e
}
