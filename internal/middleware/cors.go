package middleware

import (
	"github.com/labstack/echo/v4"

	"edge-relays/internal/model"
)

// CORS returns an Echo middleware that sets the policy headers before the
// handler runs, so error responses rendered by Echo carry them too. It should
// be registered ahead of the recovery middleware.
func CORS(policy *model.CORSPolicy) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			policy.Apply(c.Response().Header())
			return next(c)
		}
	}
}
