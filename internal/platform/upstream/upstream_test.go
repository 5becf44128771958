package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestClassifier_Classify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/classify" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var in map[string]string
		json.NewDecoder(r.Body).Decode(&in)
		if in["text"] == "" {
			t.Errorf("expected text in body")
		}
		w.Write([]byte(`{"intent":"prior_auth","patientId":"p1","payer":"aetna"}`))
	}))
	defer srv.Close()

	out, err := NewClassifier(srv.URL, time.Second).Classify(context.Background(), "auth for MRI")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Intent != "prior_auth" || out.PatientID != "p1" || out.Payer != "aetna" {
		t.Fatalf("unexpected classification: %+v", out)
	}
}

func TestClassifier_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClassifier(srv.URL, time.Second).Classify(context.Background(), "x")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestPatientClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := NewPatientClient(srv.URL, 20*time.Millisecond).GetPatient(context.Background(), "p1")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestPatientClient_GetPatient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/patients/p1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"id":"p1","name":{"given":"Ada"}}`))
	}))
	defer srv.Close()

	p, err := NewPatientClient(srv.URL, time.Second).GetPatient(context.Background(), "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p["id"] != "p1" {
		t.Fatalf("unexpected patient: %v", p)
	}
}

func TestPayerClient_NotFoundIsNotOnboarded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p, err := NewPayerClient(srv.URL, time.Second).GetPayer(context.Background(), "unknown")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Onboarded {
		t.Fatal("expected unknown payer to be not onboarded")
	}
}

func TestCachedPayerLookup(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"name":"Aetna","onboarded":true}`))
	}))
	defer srv.Close()

	lookup := NewCachedPayerLookup(NewPayerClient(srv.URL, time.Second), time.Minute)
	for i := 0; i < 3; i++ {
		p, err := lookup.GetPayer(context.Background(), "aetna")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !p.Onboarded || p.ID != "aetna" {
			t.Fatalf("unexpected payer: %+v", p)
		}
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected 1 upstream call, got %d", calls)
	}

	lookup.Invalidate("aetna")
	lookup.GetPayer(context.Background(), "aetna")
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected refetch after invalidate, got %d calls", calls)
	}
}

func TestCachedPayerLookup_ErrorsNotCached(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"onboarded":true}`))
	}))
	defer srv.Close()

	lookup := NewCachedPayerLookup(NewPayerClient(srv.URL, time.Second), time.Minute)
	if _, err := lookup.GetPayer(context.Background(), "x"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	p, err := lookup.GetPayer(context.Background(), "x")
	if err != nil || !p.Onboarded {
		t.Fatalf("expected second call to succeed, got %+v %v", p, err)
	}
}

func TestStaticPayerLookup(t *testing.T) {
	lookup := NewStaticPayerLookup([]string{"aetna"})
	p, err := lookup.GetPayer(context.Background(), "aetna")
	if err != nil || !p.Onboarded {
		t.Fatalf("expected aetna onboarded, got %+v %v", p, err)
	}
	p, err = lookup.GetPayer(context.Background(), "acme")
	if err != nil || p.Onboarded {
		t.Fatalf("expected acme not onboarded, got %+v %v", p, err)
	}
}
