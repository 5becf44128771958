package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication.
var publicPaths = map[string]bool{
	"/health":       true,
	"/health/db":    true,
	"/metrics":      true,
	"/version":      true,
	"/openapi.json": true,
	"/docs":         true,
}

// Skipper returns a skipper that passes the public infrastructure endpoints
// and any route under one of prefixes, for routes that authenticate by
// other means.
func Skipper(prefixes ...string) func(echo.Context) bool {
	return func(c echo.Context) bool {
		path := c.Path()
		if path == "" {
			path = c.Request().URL.Path
		}
		if publicPaths[path] {
			return true
		}
		for _, p := range prefixes {
			if strings.HasPrefix(path, p) {
				return true
			}
		}
		return false
	}
}

// IsPublicPath reports whether path is a public infrastructure endpoint.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
