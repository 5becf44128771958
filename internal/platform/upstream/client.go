// Package upstream holds thin HTTP clients for the external services the
// tracker consults: the intent classifier, the patient directory and the
// payer directory. None of them retry; every failure surfaces as
// ErrUnavailable.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/priorauth/priorauth/internal/platform/metrics"
)

var (
	// ErrUnavailable means the service could not answer: timeout, transport
	// error, 5xx or an undecodable body.
	ErrUnavailable = errors.New("upstream unavailable")
	// ErrNotFound means the service answered 404.
	ErrNotFound = errors.New("upstream resource not found")
)

// httpClient is the shared JSON-over-HTTP plumbing.
type httpClient struct {
	name    string
	baseURL string
	client  *http.Client
}

func newHTTPClient(name, baseURL string, timeout time.Duration) httpClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return httpClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (h httpClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	start := time.Now()
	err := h.roundTrip(ctx, method, path, in, out)
	recorded := err
	if errors.Is(err, ErrNotFound) {
		recorded = nil
	}
	metrics.RecordUpstreamCall(h.name, recorded, time.Since(start))
	return err
}

func (h httpClient) roundTrip(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", h.name, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", h.name, ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", h.name, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", h.name, path, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%s: %w: status %d", h.name, ErrUnavailable, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("%s: %w: decode response: %v", h.name, ErrUnavailable, err)
	}
	return nil
}

// Classification is the classifier's reading of a free-text prompt.
type Classification struct {
	Intent    string `json:"intent"`
	PatientID string `json:"patientId"`
	Payer     string `json:"payer"`
}

// Classifier calls the intent classification service.
type Classifier struct {
	http httpClient
}

func NewClassifier(baseURL string, timeout time.Duration) *Classifier {
	return &Classifier{http: newHTTPClient("classifier", baseURL, timeout)}
}

// Classify extracts intent, patient and payer from text.
func (c *Classifier) Classify(ctx context.Context, text string) (*Classification, error) {
	var out Classification
	if err := c.http.do(ctx, http.MethodPost, "/classify", map[string]string{"text": text}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PatientClient reads patient records from the patient directory.
type PatientClient struct {
	http httpClient
}

func NewPatientClient(baseURL string, timeout time.Duration) *PatientClient {
	return &PatientClient{http: newHTTPClient("patient", baseURL, timeout)}
}

// GetPatient returns the patient record as decoded JSON.
func (c *PatientClient) GetPatient(ctx context.Context, patientID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.http.do(ctx, http.MethodGet, "/patients/"+url.PathEscape(patientID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
