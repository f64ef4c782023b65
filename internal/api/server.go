package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/smarthealth/auditchain/internal/auth"
	"github.com/smarthealth/auditchain/internal/config"
	"github.com/smarthealth/auditchain/internal/middleware"
)

const BasePath = "/api/v1/blockchain"

// NewServer builds the echo instance with the shared middleware chain and the
// ledger routes mounted under BasePath behind authn.
func NewServer(h *Handler, authn echo.MiddlewareFunc, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	h.RegisterRoutes(e.Group(BasePath, authn))

	return e
}

// Authenticator picks the auth middleware for mode.
func Authenticator(mode string, cfg auth.JWTConfig) echo.MiddlewareFunc {
	if mode == config.AuthModeDev {
		return auth.DevAuthMiddleware(cfg)
	}
	return auth.JWTMiddleware(cfg)
}
