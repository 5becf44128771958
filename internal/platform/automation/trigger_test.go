package automation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestClient_Trigger_Success(t *testing.T) {
	var got TriggerRequest
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		sig = r.Header.Get(SignatureHeader)
		if !VerifySignature(body, "s3cret", sig) {
			t.Errorf("signature did not verify")
		}
		w.Header().Set(WorkflowIDHeader, "wf-123")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithSecret("s3cret"), WithCallbackURL("http://cb"))
	res, err := c.Trigger(context.Background(), TriggerRequest{RequestID: "r1", PayerID: "aetna"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.WorkflowID != "wf-123" {
		t.Fatalf("expected wf-123, got %q", res.WorkflowID)
	}
	if got.RequestID != "r1" || got.CallbackURL != "http://cb" {
		t.Fatalf("unexpected payload: %+v", got)
	}
	if !strings.HasPrefix(sig, "sha256=") {
		t.Fatalf("expected sha256= prefix, got %q", sig)
	}
}

func TestClient_Trigger_WorkflowIDFromBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"workflowId":"wf-body"}`))
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL).Trigger(context.Background(), TriggerRequest{RequestID: "r1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.WorkflowID != "wf-body" {
		t.Fatalf("expected wf-body, got %q", res.WorkflowID)
	}
}

func TestClient_Trigger_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Trigger(context.Background(), TriggerRequest{RequestID: "r1"})
	if !errors.Is(err, ErrTriggerFailed) {
		t.Fatalf("expected ErrTriggerFailed, got %v", err)
	}
}

func TestClient_Trigger_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, WithTimeout(20*time.Millisecond)).Trigger(context.Background(), TriggerRequest{RequestID: "r1"})
	if !errors.Is(err, ErrTriggerFailed) {
		t.Fatalf("expected ErrTriggerFailed on timeout, got %v", err)
	}
}

func TestClient_Trigger_NoURL(t *testing.T) {
	_, err := NewClient("").Trigger(context.Background(), TriggerRequest{RequestID: "r1"})
	if !errors.Is(err, ErrTriggerFailed) {
		t.Fatalf("expected ErrTriggerFailed, got %v", err)
	}
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"a":1}`)
	sig := SignPayload(payload, "k")

	if !VerifySignature(payload, "k", sig) {
		t.Fatal("expected bare signature to verify")
	}
	if !VerifySignature(payload, "k", "sha256="+sig) {
		t.Fatal("expected prefixed signature to verify")
	}
	if VerifySignature(payload, "other", sig) {
		t.Fatal("expected wrong secret to fail")
	}
}

func TestRequireSignature(t *testing.T) {
	e := echo.New()
	body := `{"requestId":"r1","status":"running"}`
	handler := RequireSignature("k")(func(c echo.Context) error {
		b, _ := io.ReadAll(c.Request().Body)
		if string(b) != body {
			t.Errorf("handler saw %q", b)
		}
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(SignatureHeader, SignPayload([]byte(body), "k"))
	rec := httptest.NewRecorder()
	if err := handler(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(SignatureHeader, "bogus")
	err := handler(e.NewContext(req, httptest.NewRecorder()))
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestRequireSignature_Disabled(t *testing.T) {
	e := echo.New()
	called := false
	handler := RequireSignature("")(func(c echo.Context) error {
		called = true
		return nil
	})
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}"))
	if err := handler(e.NewContext(req, httptest.NewRecorder())); err != nil || !called {
		t.Fatalf("expected passthrough, err=%v called=%v", err, called)
	}
}
