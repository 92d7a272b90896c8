package auth

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hms/portal/internal/platform/session"
)

// RequireRole returns middleware that checks the caller holds one of roles.
// Role names are compared case-insensitively.
func RequireRole(roles ...session.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, has := range RolesFromContext(c.Request().Context()) {
				if HasRole(session.Role(has), roles) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", joinRoles(roles)))
		}
	}
}
