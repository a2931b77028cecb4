package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clinicops/audittrail/pkg/response"
)

// RequestTimeout sets a deadline on each request context. If the handler has
// not finished when it passes, a 504 envelope is written and the handler's
// later output is discarded. Report handlers apply their own tighter budget
// inside this one.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return gatewayTimeout(c)
				}
				return ctx.Err()
			}
		}
	}
}

func gatewayTimeout(c echo.Context) error {
	if c.Response().Committed {
		return nil
	}
	return response.Fail(c, http.StatusGatewayTimeout, response.ErrorBody{
		Code:    "REQUEST_TIMEOUT",
		Message: "request processing exceeded the allowed time limit",
	})
}
