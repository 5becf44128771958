// Package automation starts workflows on the external automation engine and
// authenticates the callbacks it sends back.
package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/priorauth/priorauth/internal/platform/metrics"
)

// WorkflowIDHeader is the response header carrying the started workflow id.
const WorkflowIDHeader = "X-Workflow-ID"

// ErrTriggerFailed is returned when the engine could not be reached or did
// not accept the trigger.
var ErrTriggerFailed = errors.New("automation trigger failed")

// TriggerRequest is the payload posted to the engine's webhook.
type TriggerRequest struct {
	RequestID     string                 `json:"requestId"`
	PayerID       string                 `json:"payerId,omitempty"`
	UserID        string                 `json:"userId,omitempty"`
	PatientID     string                 `json:"patientId,omitempty"`
	PatientName   string                 `json:"patientName,omitempty"`
	Prompt        string                 `json:"prompt,omitempty"`
	ValidatedData map[string]interface{} `json:"validatedJson,omitempty"`
	CallbackURL   string                 `json:"callbackUrl,omitempty"`
}

// TriggerResult is what the engine reported back synchronously.
type TriggerResult struct {
	WorkflowID string `json:"workflowId"`
	StatusCode int    `json:"statusCode"`
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the default HTTP client used for triggers.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// WithSecret signs every trigger body with secret.
func WithSecret(secret string) ClientOption {
	return func(cl *Client) { cl.secret = secret }
}

// WithTimeout sets the per-trigger timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(cl *Client) {
		if d > 0 {
			cl.httpClient.Timeout = d
		}
	}
}

// WithCallbackURL advertises where the engine should post status callbacks.
func WithCallbackURL(u string) ClientOption {
	return func(cl *Client) { cl.callbackURL = u }
}

// Client posts workflow triggers to the automation engine. Delivery is
// at-least-once from the engine's point of view: the client never retries,
// the caller decides.
type Client struct {
	webhookURL  string
	secret      string
	callbackURL string
	httpClient  *http.Client
}

func NewClient(webhookURL string, opts ...ClientOption) *Client {
	c := &Client{
		webhookURL: webhookURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Trigger starts a workflow for the request. Transport errors, timeouts and
// non-2xx responses are reported as ErrTriggerFailed.
func (c *Client) Trigger(ctx context.Context, tr TriggerRequest) (*TriggerResult, error) {
	start := time.Now()
	res, err := c.trigger(ctx, tr)
	metrics.RecordUpstreamCall("automation", err, time.Since(start))
	return res, err
}

func (c *Client) trigger(ctx context.Context, tr TriggerRequest) (*TriggerResult, error) {
	if c.webhookURL == "" {
		return nil, fmt.Errorf("%w: no webhook url configured", ErrTriggerFailed)
	}
	if tr.CallbackURL == "" {
		tr.CallbackURL = c.callbackURL
	}
	payload, err := json.Marshal(tr)
	if err != nil {
		return nil, fmt.Errorf("encode trigger: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTriggerFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", tr.RequestID)
	req.Header.Set("X-Trigger-Timestamp", time.Now().UTC().Format(time.RFC3339))
	if c.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+SignPayload(payload, c.secret))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTriggerFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: non-2xx response: %d", ErrTriggerFailed, resp.StatusCode)
	}

	result := &TriggerResult{StatusCode: resp.StatusCode, WorkflowID: resp.Header.Get(WorkflowIDHeader)}
	if result.WorkflowID == "" && len(body) > 0 {
		var decoded struct {
			WorkflowID string `json:"workflowId"`
		}
		if json.Unmarshal(body, &decoded) == nil {
			result.WorkflowID = decoded.WorkflowID
		}
	}
	return result, nil
}
