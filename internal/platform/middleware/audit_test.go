package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/priorauth/priorauth/internal/platform/auth"
)

// newAuditContext builds a routed context for route; names and values are
// the route's path params in order.
func newAuditContext(method, path, route string, names, values []string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), "user-1", []string{auth.RoleCoordinator}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath(route)
	c.SetParamNames(names...)
	c.SetParamValues(values...)
	return c, rec
}

func decodeAuditLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	dec := json.NewDecoder(buf)
	for dec.More() {
		var m map[string]interface{}
		if err := dec.Decode(&m); err != nil {
			t.Fatalf("decode log line: %v", err)
		}
		out = append(out, m)
	}
	return out
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestAudit_LogsResolve(t *testing.T) {
	var buf bytes.Buffer
	c, _ := newAuditContext(http.MethodPost, "/api/v1/requests/r-1/actions/a-1/resolve",
		"/api/v1/requests/:id/actions/:actionId/resolve", []string{"id", "actionId"}, []string{"r-1", "a-1"})
	c.Set("request_id", "req-abc")

	if err := Audit(zerolog.New(&buf))(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lines := decodeAuditLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 audit line, got %d", len(lines))
	}
	got := lines[0]
	want := map[string]interface{}{
		"type":          "audit",
		"action":        "action.resolve",
		"request_id":    "req-abc",
		"user_id":       "user-1",
		"pa_request_id": "r-1",
		"action_id":     "a-1",
		"level":         "info",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s: got %v, want %v", k, got[k], v)
		}
	}
	if got["status"] != float64(http.StatusOK) {
		t.Errorf("expected status 200, got %v", got["status"])
	}
}

func TestAudit_SkipsReads(t *testing.T) {
	var buf bytes.Buffer
	c, _ := newAuditContext(http.MethodGet, "/api/v1/requests/r-1", "/api/v1/requests/:id", []string{"id"}, []string{"r-1"})

	if err := Audit(zerolog.New(&buf))(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("expected no audit output for reads, got %s", buf.String())
	}
}

func TestAudit_RecordsHandlerError(t *testing.T) {
	var buf bytes.Buffer
	c, _ := newAuditContext(http.MethodPost, "/api/v1/requests/r-1/trigger", "/api/v1/requests/:id/trigger", []string{"id"}, []string{"r-1"})

	handler := func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "invalid transition")
	}
	err := Audit(zerolog.New(&buf))(handler)(c)
	if err == nil {
		t.Fatal("expected handler error to propagate")
	}

	lines := decodeAuditLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 audit line, got %d", len(lines))
	}
	if lines[0]["status"] != float64(http.StatusConflict) || lines[0]["level"] != "warn" {
		t.Errorf("unexpected audit line %v", lines[0])
	}
}

func TestAuditAction(t *testing.T) {
	tests := []struct {
		method, route, want string
	}{
		{http.MethodPost, "/api/v1/requests", "request.create"},
		{http.MethodPost, "/api/v1/requests/:id/validate", "request.validate"},
		{http.MethodPost, "/api/v1/requests/:id/trigger", "request.trigger"},
		{http.MethodPost, "/api/v1/automation/callback", "callback.receive"},
		{http.MethodPost, "/api/v1/automation/screenshot/:id", "screenshot.receive"},
		{http.MethodDelete, "/api/v1/something", "api.write"},
		{http.MethodGet, "/api/v1/requests", ""},
		{http.MethodPost, "/health", ""},
	}
	for _, tt := range tests {
		if got := auditAction(tt.method, tt.route); got != tt.want {
			t.Errorf("auditAction(%s, %s) = %q, want %q", tt.method, tt.route, got, tt.want)
		}
	}
}
