package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStatusClass(t *testing.T) {
	tests := map[int]string{
		200: "2xx",
		204: "2xx",
		302: "3xx",
		404: "4xx",
		503: "5xx",
		0:   "unknown",
	}
	for code, want := range tests {
		if got := statusClass(code); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestMiddleware_RecordsRouteTemplate(t *testing.T) {
	e := echo.New()
	e.Use(Middleware())
	e.GET("/api/v1/requests/:id", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/requests/:id", "2xx"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/requests/abc", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/requests/:id", "2xx"))
	if after-before != 1 {
		t.Fatalf("expected counter to increase by 1, got %v", after-before)
	}
}

func TestMiddleware_HTTPErrorStatus(t *testing.T) {
	e := echo.New()
	e.Use(Middleware())
	e.GET("/missing", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "nope")
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/missing", "4xx"))
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/missing", "4xx"))
	if after-before != 1 {
		t.Fatalf("expected 4xx counter to increase by 1, got %v", after-before)
	}
}

func TestRecordUpstreamCall(t *testing.T) {
	RecordUpstreamCall("payer", nil, 10*time.Millisecond)
	RecordUpstreamCall("payer", errors.New("boom"), 10*time.Millisecond)

	if v := testutil.ToFloat64(upstreamCallsTotal.WithLabelValues("payer", "error")); v < 1 {
		t.Fatalf("expected error outcome recorded, got %v", v)
	}
}

func TestHandler_ExposesCollectors(t *testing.T) {
	RecordCallback("applied")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "priorauth_callbacks_total") {
		t.Fatal("expected priorauth_callbacks_total in exposition")
	}
}
