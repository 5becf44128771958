package priorauth

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the internal lifecycle state of a prior-authorization request.
type Status string

const (
	StatusCreated            Status = "CREATED"
	StatusProcessing         Status = "PROCESSING"
	StatusInProgress         Status = "IN_PROGRESS"
	StatusUserActionRequired Status = "USER_ACTION_REQUIRED"
	StatusCompleted          Status = "COMPLETED"
	StatusFailed             Status = "FAILED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusCreated,
	StatusProcessing,
	StatusInProgress,
	StatusUserActionRequired,
	StatusCompleted,
	StatusFailed,
}

// IsTerminal reports whether s is absorbing.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// ParseStatus accepts an internal status name in any case.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	return st, st.Valid()
}

// Request is the lifecycle record of one prior-authorization request.
type Request struct {
	RequestID       string                 `json:"requestId"`
	Status          Status                 `json:"status"`
	Remarks         string                 `json:"remarks"`
	WorkflowStep    *string                `json:"workflowStep,omitempty"`
	Metadata        map[string]interface{} `json:"metadata"`
	AppliedEventSeq int64                  `json:"appliedEventSeq"`
	CreatedAt       time.Time              `json:"createdAt"`
	LastUpdatedAt   time.Time              `json:"lastUpdatedAt"`
}

// Clone returns a deep copy, so a mutation can never alias stored state.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	if r.WorkflowStep != nil {
		step := *r.WorkflowStep
		c.WorkflowStep = &step
	}
	c.Metadata = cloneMap(r.Metadata)
	return &c
}

// ActionStatus is the state of a UserAction.
type ActionStatus string

const (
	ActionPending   ActionStatus = "PENDING"
	ActionCompleted ActionStatus = "COMPLETED"
)

// Well-known action types.
const (
	ActionTypeDataCorrection = "DATA_CORRECTION"
	ActionTypeForm           = "FORM"
	ActionTypeScreenshot     = "SCREENSHOT_CAPTURE"
)

// UserAction is a human step requested by the automation engine.
type UserAction struct {
	ActionID     string                 `json:"actionId"`
	RequestID    string                 `json:"requestId"`
	ActionType   string                 `json:"actionType"`
	ActionStatus ActionStatus           `json:"actionStatus"`
	RequestedAt  time.Time              `json:"requestedAt"`
	ActionedAt   *time.Time             `json:"actionedAt"`
	Metadata     map[string]interface{} `json:"metadata"`
}

func (a *UserAction) Clone() *UserAction {
	if a == nil {
		return nil
	}
	c := *a
	if a.ActionedAt != nil {
		t := *a.ActionedAt
		c.ActionedAt = &t
	}
	c.Metadata = cloneMap(a.Metadata)
	return &c
}

// Disposition records what the reconciler did with an inbound callback.
type Disposition string

const (
	DispositionApplied  Disposition = "applied"
	DispositionClamped  Disposition = "clamped"
	DispositionAbsorbed Disposition = "absorbed"
)

// RequestEvent is an audit entry for one inbound status callback.
type RequestEvent struct {
	EventID       string                 `json:"eventId"`
	RequestID     string                 `json:"requestId"`
	ReceivedAt    time.Time              `json:"receivedAt"`
	ExternalLabel string                 `json:"externalLabel"`
	MappedStatus  Status                 `json:"mappedStatus"`
	ResultStatus  Status                 `json:"resultStatus"`
	Disposition   Disposition            `json:"disposition"`
	Message       string                 `json:"message"`
	WorkflowStep  string                 `json:"workflowStep,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// CallbackEvent is a status report pushed by the automation engine.
type CallbackEvent struct {
	RequestID          string
	Status             string
	Message            string
	Metadata           map[string]interface{}
	UserActionRequired bool
	ActionType         string
	WorkflowStep       string
	OccurredAt         time.Time
}

// ListFilter narrows request listings.
type ListFilter struct {
	Status Status
	Since  time.Time
}

// UnknownPayer groups requests that carry no payer in their metadata.
const UnknownPayer = "unknown"

// PayerOf returns the payer a request is filed under: metadata payerId,
// then payer, then UnknownPayer.
func PayerOf(metadata map[string]interface{}) string {
	for _, key := range []string{"payerId", "payer"} {
		if s, ok := metadata[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return UnknownPayer
}

func countByPayer(counts map[string]map[Status]int, r *Request) {
	payer := PayerOf(r.Metadata)
	if counts[payer] == nil {
		counts[payer] = make(map[Status]int, len(AllStatuses))
	}
	counts[payer][r.Status]++
}

// NewID returns a 32-character hex identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// mergeMetadata copies patch's top-level keys over base.
func mergeMetadata(base, patch map[string]interface{}) map[string]interface{} {
	out := cloneMap(base)
	if out == nil {
		out = make(map[string]interface{}, len(patch))
	}
	for k, v := range patch {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
