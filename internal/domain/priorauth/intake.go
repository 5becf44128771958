package priorauth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/priorauth/priorauth/internal/platform/automation"
	"github.com/priorauth/priorauth/internal/platform/fanout"
	"github.com/priorauth/priorauth/internal/platform/metrics"
	"github.com/priorauth/priorauth/internal/platform/upstream"
	"github.com/priorauth/priorauth/internal/platform/validation"
)

type Classifier interface {
	Classify(ctx context.Context, text string) (*upstream.Classification, error)
}

type PatientDirectory interface {
	GetPatient(ctx context.Context, patientID string) (map[string]interface{}, error)
}

type PayerDirectory interface {
	GetPayer(ctx context.Context, payerID string) (*upstream.Payer, error)
}

type RulesetValidator interface {
	Validate(payerID string, data map[string]interface{}) validation.Result
}

type WorkflowTrigger interface {
	Trigger(ctx context.Context, req automation.TriggerRequest) (*automation.TriggerResult, error)
}

// IntakeDeps are the collaborators of IntakeService. Classifier and Patients
// are optional.
type IntakeDeps struct {
	Classifier Classifier
	Patients   PatientDirectory
	Payers     PayerDirectory
	Rules      RulesetValidator
	Trigger    WorkflowTrigger
}

// StartInput opens a new request.
type StartInput struct {
	UserID   string                 `json:"userId"`
	Prompt   string                 `json:"prompt"`
	Metadata map[string]interface{} `json:"metadata"`
}

// ValidateInput is a submission to check against the payer's ruleset. When
// Data is empty and a patient id is known, the patient record is fetched.
type ValidateInput struct {
	PayerID   string                 `json:"payerId"`
	PatientID string                 `json:"patientId"`
	Data      map[string]interface{} `json:"data"`
}

// ValidationOutcome is the result of ValidateSubmission.
type ValidationOutcome struct {
	Request    *Request          `json:"request"`
	Validation validation.Result `json:"validation"`
	Action     *UserAction       `json:"action,omitempty"`
}

// IntakeService drives a request from creation up to handing it to the
// automation engine.
type IntakeService struct {
	*engine
	deps IntakeDeps
}

func NewIntakeService(store Store, notifier fanout.Publisher, logger zerolog.Logger, deps IntakeDeps, opts ...Option) *IntakeService {
	return &IntakeService{
		engine: newEngine(store, notifier, logger.With().Str("component", "intake").Logger(), opts),
		deps:   deps,
	}
}

// Start creates a request in CREATED. When a classifier is configured the
// prompt is classified first; a classifier failure does not block creation.
func (s *IntakeService) Start(ctx context.Context, in StartInput) (*Request, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	if in.UserID == "" {
		return nil, fmt.Errorf("userId is required: %w", ErrInvalidInput)
	}

	meta := mergeMetadata(in.Metadata, map[string]interface{}{"userId": in.UserID})
	if in.Prompt != "" {
		meta["prompt"] = in.Prompt
	}

	if s.deps.Classifier != nil && in.Prompt != "" {
		cls, err := s.deps.Classifier.Classify(ctx, in.Prompt)
		if err != nil {
			s.logger.Warn().Err(err).Str("user_id", in.UserID).Msg("classification failed")
			meta["classificationError"] = err.Error()
		} else {
			meta["intent"] = cls.Intent
			if cls.PatientID != "" {
				meta["patientId"] = cls.PatientID
			}
			if cls.Payer != "" {
				meta["payer"] = cls.Payer
			}
		}
	}

	wctx, cancel := s.writeContext(ctx)
	defer cancel()
	r, err := s.store.CreateRequest(wctx, NewID(), meta)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("request_id", r.RequestID).Str("user_id", in.UserID).Msg("request created")
	s.publishRequest(ctx, fanout.EventRequestCreated, r, nil)
	return r, nil
}

// ValidateSubmission checks that the payer is onboarded and the submitted
// data satisfies its ruleset. A payer that is not onboarded fails the
// request; invalid data parks it in USER_ACTION_REQUIRED with a
// DATA_CORRECTION action; valid data moves it to PROCESSING.
func (s *IntakeService) ValidateSubmission(ctx context.Context, requestID string, in ValidateInput) (*ValidationOutcome, error) {
	r, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.Status.IsTerminal() {
		return nil, fmt.Errorf("request %s is %s: %w", requestID, r.Status, ErrInvalidTransition)
	}

	payerID := firstNonEmpty(in.PayerID, metaString(r.Metadata, "payer"))
	if payerID == "" {
		return nil, fmt.Errorf("payerId is required: %w", ErrInvalidInput)
	}
	if s.deps.Payers == nil || s.deps.Rules == nil {
		return nil, fmt.Errorf("payer validation is not configured: %w", ErrUpstreamUnavailable)
	}

	payer, err := s.deps.Payers.GetPayer(ctx, payerID)
	if err != nil {
		s.note(ctx, requestID, "payer lookup failed: "+err.Error())
		return nil, fmt.Errorf("payer %s: %w: %v", payerID, ErrUpstreamUnavailable, err)
	}
	if !payer.Onboarded {
		updated, err := s.advance(ctx, requestID, StatusFailed,
			fmt.Sprintf("payer %s is not onboarded", payerID),
			map[string]interface{}{"payerId": payerID})
		if err != nil {
			return nil, err
		}
		return &ValidationOutcome{Request: updated, Validation: validation.Result{
			Errors: []string{fmt.Sprintf("payer %s is not onboarded", payerID)},
		}}, nil
	}

	data := in.Data
	patientID := firstNonEmpty(in.PatientID, metaString(r.Metadata, "patientId"))
	if len(data) == 0 && patientID != "" && s.deps.Patients != nil {
		data, err = s.deps.Patients.GetPatient(ctx, patientID)
		if err != nil {
			s.note(ctx, requestID, "patient lookup failed: "+err.Error())
			return nil, fmt.Errorf("patient %s: %w: %v", patientID, ErrUpstreamUnavailable, err)
		}
	}

	result := s.deps.Rules.Validate(payerID, data)
	meta := map[string]interface{}{
		"payerId":    payerID,
		"validation": validationMetadata(result),
	}
	if patientID != "" {
		meta["patientId"] = patientID
	}

	if !result.Valid {
		updated, err := s.advance(ctx, requestID, StatusUserActionRequired,
			fmt.Sprintf("validation failed: %d error(s)", len(result.Errors)), meta)
		if err != nil {
			return nil, err
		}
		action, err := s.createAction(ctx, requestID, ActionTypeDataCorrection, map[string]interface{}{
			"errors":        stringsToAny(result.Errors),
			"missingFields": stringsToAny(result.MissingFields),
			"payerId":       payerID,
		})
		return &ValidationOutcome{Request: updated, Validation: result, Action: action}, err
	}

	meta["validatedData"] = cloneMap(data)
	updated, err := s.advance(ctx, requestID, StatusProcessing, "validation passed", meta)
	if err != nil {
		return nil, err
	}
	return &ValidationOutcome{Request: updated, Validation: result}, nil
}

// TriggerWorkflow hands the request to the automation engine. The outbound
// call is made without holding any per-request lock; a callback that
// overtakes it is not undone.
func (s *IntakeService) TriggerWorkflow(ctx context.Context, requestID string) (*Request, error) {
	r, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.Status.IsTerminal() {
		return nil, fmt.Errorf("request %s is %s: %w", requestID, r.Status, ErrInvalidTransition)
	}
	if s.deps.Trigger == nil {
		return nil, fmt.Errorf("automation trigger is not configured: %w", ErrUpstreamUnavailable)
	}

	tr := automation.TriggerRequest{
		RequestID:   requestID,
		PayerID:     firstNonEmpty(metaString(r.Metadata, "payerId"), metaString(r.Metadata, "payer")),
		UserID:      metaString(r.Metadata, "userId"),
		PatientID:   metaString(r.Metadata, "patientId"),
		PatientName: metaString(r.Metadata, "patientName"),
		Prompt:      metaString(r.Metadata, "prompt"),
	}
	if v, ok := r.Metadata["validatedData"].(map[string]interface{}); ok {
		tr.ValidatedData = v
	}

	res, err := s.deps.Trigger.Trigger(ctx, tr)
	if err != nil {
		s.logger.Warn().Err(err).Str("request_id", requestID).Msg("automation trigger failed")
		s.note(ctx, requestID, "automation trigger failed: "+err.Error())
		return nil, fmt.Errorf("trigger request %s: %w: %v", requestID, ErrUpstreamUnavailable, err)
	}

	seen := r.AppliedEventSeq
	var from Status
	updated, err := s.update(ctx, requestID, func(cur *Request) error {
		from = cur.Status
		if cur.Status.IsTerminal() {
			return ErrNoChange
		}
		cur.Metadata = mergeMetadata(cur.Metadata, map[string]interface{}{
			"workflowId":  res.WorkflowID,
			"triggeredAt": s.now().Format(time.RFC3339),
		})
		if cur.AppliedEventSeq == seen {
			cur.Status = StatusInProgress
			cur.Remarks = "workflow triggered"
		}
		cur.LastUpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !from.IsTerminal() {
		if from != updated.Status {
			metrics.RecordTransition(string(from), string(updated.Status))
		}
		s.publishRequest(ctx, fanout.EventRequestUpdated, updated, nil)
	}
	s.logger.Info().Str("request_id", requestID).Str("workflow_id", res.WorkflowID).Msg("workflow triggered")
	return updated, nil
}

func validationMetadata(r validation.Result) map[string]interface{} {
	return map[string]interface{}{
		"valid":          r.Valid,
		"errors":         stringsToAny(r.Errors),
		"missingFields":  stringsToAny(r.MissingFields),
		"requiredFields": stringsToAny(r.RequiredFields),
	}
}

func stringsToAny(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func metaString(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
