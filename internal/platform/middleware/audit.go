package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/priorauth/priorauth/internal/platform/auth"
)

// auditedRoutes names the state-changing operations by route pattern.
var auditedRoutes = map[string]string{
	"/api/v1/requests":                               "request.create",
	"/api/v1/requests/:id/validate":                  "request.validate",
	"/api/v1/requests/:id/trigger":                   "request.trigger",
	"/api/v1/requests/:id/actions/:actionId/resolve": "action.resolve",
	"/api/v1/automation/callback":                    "callback.receive",
	"/api/v1/automation/screenshot/:id":              "screenshot.receive",
}

// auditAction returns the audit name for a write against route, or "" when
// the request is not audited.
func auditAction(method, route string) string {
	if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
		return ""
	}
	if a, ok := auditedRoutes[route]; ok {
		return a
	}
	if strings.HasPrefix(route, "/api/v1/") {
		return "api.write"
	}
	return ""
}

// Audit emits one structured "audit" log line per state-changing API call,
// after the handler ran, with the caller and outcome.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			action := auditAction(req.Method, c.Path())
			if action == "" {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}

			ctx := req.Context()
			rid, _ := c.Get("request_id").(string)
			evt := logger.Info()
			if status >= 400 {
				evt = logger.Warn()
			}
			evt.
				Str("type", "audit").
				Str("action", action).
				Str("request_id", rid).
				Str("user_id", auth.UserIDFromContext(ctx)).
				Strs("user_roles", auth.RolesFromContext(ctx)).
				Str("pa_request_id", c.Param("id")).
				Str("action_id", c.Param("actionId")).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Str("remote_ip", c.RealIP()).
				Int("status", status).
				Msg("audit")

			return err
		}
	}
}
