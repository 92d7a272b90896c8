package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths lists backend endpoints reachable without a bearer token.
var publicPaths = map[string]bool{
	"/health":            true,
	"/api/auth/login":    true,
	"/api/auth/registro": true,
}

// AuthSkipper returns true for requests whose route should skip
// authentication. Pass it to JWTMiddleware.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether path is reachable without a token.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
