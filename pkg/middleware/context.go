package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/aster/pkg/appcontext"
)

// RequestContext seeds the request context with a request id and the caller's
// verifier identity so downstream logs and queue operations can attribute work.
func RequestContext() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()

			requestID := c.Request().Header.Get("X-Request-Id")
			if requestID == "" {
				requestID = uuid.New().String()
			}
			ctx = appcontext.SetRequestID(ctx, requestID)

			if verifierID := c.Request().Header.Get("X-Verifier-Id"); verifierID != "" {
				ctx = appcontext.SetVerifierID(ctx, verifierID)
			}

			c.SetRequest(c.Request().WithContext(ctx))
			c.Response().Header().Set("X-Request-Id", requestID)
			return next(c)
		}
	}
}
