package priorauth

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/priorauth/priorauth/internal/platform/automation"
	"github.com/priorauth/priorauth/internal/platform/upstream"
	"github.com/priorauth/priorauth/internal/platform/validation"
)

type fakeClassifier struct {
	cls *upstream.Classification
	err error
}

func (f *fakeClassifier) Classify(context.Context, string) (*upstream.Classification, error) {
	return f.cls, f.err
}

type fakePayers map[string]*upstream.Payer

func (f fakePayers) GetPayer(_ context.Context, id string) (*upstream.Payer, error) {
	if p, ok := f[id]; ok {
		return p, nil
	}
	return nil, errors.New("payer service down")
}

type fakePatients map[string]map[string]interface{}

func (f fakePatients) GetPatient(_ context.Context, id string) (map[string]interface{}, error) {
	if p, ok := f[id]; ok {
		return p, nil
	}
	return nil, upstream.ErrNotFound
}

type fakeTrigger struct {
	got []automation.TriggerRequest
	err error
	// before runs ahead of the response, simulating a callback that
	// overtakes the trigger call.
	before func()
}

func (f *fakeTrigger) Trigger(_ context.Context, tr automation.TriggerRequest) (*automation.TriggerResult, error) {
	f.got = append(f.got, tr)
	if f.before != nil {
		f.before()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &automation.TriggerResult{WorkflowID: "wf-1", StatusCode: 200}, nil
}

const testRules = `
payers:
  aetna:
    name: Aetna
    required:
      - path: memberId
        type: string
        pattern: "^[A-Z][0-9]+$"
      - path: diagnosis.code
        type: string
`

type intakeEnv struct {
	*testEnv
	intake  *IntakeService
	trigger *fakeTrigger
}

func newIntakeEnv(t *testing.T, cls *fakeClassifier) *intakeEnv {
	t.Helper()
	env := newTestEnv(t)
	rules, err := validation.Parse([]byte(testRules))
	if err != nil {
		t.Fatalf("parse rules: %v", err)
	}
	trig := &fakeTrigger{}
	deps := IntakeDeps{
		Payers: fakePayers{
			"aetna": {ID: "aetna", Name: "Aetna", Onboarded: true},
			"acme":  {ID: "acme", Onboarded: false},
		},
		Patients: fakePatients{
			"p1": {"memberId": "A123", "diagnosis": map[string]interface{}{"code": "M54.5"}},
		},
		Rules:   rules,
		Trigger: trig,
	}
	if cls != nil {
		deps.Classifier = cls
	}
	return &intakeEnv{
		testEnv: env,
		intake:  NewIntakeService(env.store, env.notifier, zerolog.Nop(), deps, WithClock(env.clock.Now)),
		trigger: trig,
	}
}

func TestIntake_StartRequiresUser(t *testing.T) {
	env := newIntakeEnv(t, nil)
	if _, err := env.intake.Start(context.Background(), StartInput{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestIntake_StartClassifies(t *testing.T) {
	env := newIntakeEnv(t, &fakeClassifier{cls: &upstream.Classification{Intent: "prior_auth", PatientID: "p1", Payer: "aetna"}})
	r, err := env.intake.Start(context.Background(), StartInput{UserID: "u1", Prompt: "MRI for p1 with aetna"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if r.Status != StatusCreated || len(r.RequestID) != 32 {
		t.Fatalf("unexpected request %+v", r)
	}
	for k, want := range map[string]string{"userId": "u1", "intent": "prior_auth", "patientId": "p1", "payer": "aetna"} {
		if r.Metadata[k] != want {
			t.Errorf("metadata[%s] = %v, want %s", k, r.Metadata[k], want)
		}
	}
	if types := env.notifier.types(); len(types) != 1 || types[0] != "request.created" {
		t.Fatalf("expected request.created, got %v", types)
	}
}

func TestIntake_StartSurvivesClassifierFailure(t *testing.T) {
	env := newIntakeEnv(t, &fakeClassifier{err: errors.New("timeout")})
	r, err := env.intake.Start(context.Background(), StartInput{UserID: "u1", Prompt: "hello"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if r.Metadata["classificationError"] != "timeout" {
		t.Fatalf("expected classification error recorded, got %v", r.Metadata)
	}
}

func TestIntake_ValidateFromPatientRecord(t *testing.T) {
	env := newIntakeEnv(t, nil)
	r, _ := env.intake.Start(context.Background(), StartInput{UserID: "u1", Metadata: map[string]interface{}{"payer": "aetna", "patientId": "p1"}})

	out, err := env.intake.ValidateSubmission(context.Background(), r.RequestID, ValidateInput{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !out.Validation.Valid || out.Request.Status != StatusProcessing {
		t.Fatalf("expected valid PROCESSING, got %+v / %s", out.Validation, out.Request.Status)
	}
	if _, ok := out.Request.Metadata["validatedData"].(map[string]interface{}); !ok {
		t.Fatalf("expected validatedData, got %v", out.Request.Metadata)
	}
}

func TestIntake_ValidateInvalidRequestsCorrection(t *testing.T) {
	env := newIntakeEnv(t, nil)
	r, _ := env.intake.Start(context.Background(), StartInput{UserID: "u1"})

	out, err := env.intake.ValidateSubmission(context.Background(), r.RequestID, ValidateInput{
		PayerID: "aetna",
		Data:    map[string]interface{}{"memberId": "bad"},
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if out.Validation.Valid || out.Request.Status != StatusUserActionRequired {
		t.Fatalf("expected USER_ACTION_REQUIRED, got %s", out.Request.Status)
	}
	if out.Action == nil || out.Action.ActionType != ActionTypeDataCorrection {
		t.Fatalf("expected DATA_CORRECTION action, got %+v", out.Action)
	}

	// Corrected data resumes the request.
	out, err = env.intake.ValidateSubmission(context.Background(), r.RequestID, ValidateInput{
		PayerID: "aetna",
		Data:    map[string]interface{}{"memberId": "A1", "diagnosis": map[string]interface{}{"code": "X"}},
	})
	if err != nil {
		t.Fatalf("revalidate: %v", err)
	}
	if out.Request.Status != StatusProcessing {
		t.Fatalf("expected PROCESSING, got %s", out.Request.Status)
	}
}

func TestIntake_ValidateNotOnboardedFails(t *testing.T) {
	env := newIntakeEnv(t, nil)
	r, _ := env.intake.Start(context.Background(), StartInput{UserID: "u1"})

	out, err := env.intake.ValidateSubmission(context.Background(), r.RequestID, ValidateInput{PayerID: "acme"})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if out.Request.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", out.Request.Status)
	}

	if _, err := env.intake.ValidateSubmission(context.Background(), r.RequestID, ValidateInput{PayerID: "aetna"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on terminal request, got %v", err)
	}
}

func TestIntake_ValidatePayerLookupFailure(t *testing.T) {
	env := newIntakeEnv(t, nil)
	r, _ := env.intake.Start(context.Background(), StartInput{UserID: "u1"})

	_, err := env.intake.ValidateSubmission(context.Background(), r.RequestID, ValidateInput{PayerID: "unknown"})
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	got := env.get(t, r.RequestID)
	if got.Status != StatusCreated || got.Remarks == "request created" {
		t.Fatalf("expected remarks noted without status change, got %s %q", got.Status, got.Remarks)
	}
}

func TestIntake_ValidateRequiresPayer(t *testing.T) {
	env := newIntakeEnv(t, nil)
	r, _ := env.intake.Start(context.Background(), StartInput{UserID: "u1"})
	if _, err := env.intake.ValidateSubmission(context.Background(), r.RequestID, ValidateInput{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestIntake_TriggerMovesToInProgress(t *testing.T) {
	env := newIntakeEnv(t, nil)
	r, _ := env.intake.Start(context.Background(), StartInput{UserID: "u1", Prompt: "p", Metadata: map[string]interface{}{"payer": "aetna", "patientId": "p1"}})
	if _, err := env.intake.ValidateSubmission(context.Background(), r.RequestID, ValidateInput{}); err != nil {
		t.Fatalf("validate: %v", err)
	}

	updated, err := env.intake.TriggerWorkflow(context.Background(), r.RequestID)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if updated.Status != StatusInProgress || updated.Metadata["workflowId"] != "wf-1" {
		t.Fatalf("expected IN_PROGRESS with workflow id, got %s %v", updated.Status, updated.Metadata["workflowId"])
	}
	sent := env.trigger.got[0]
	if sent.RequestID != r.RequestID || sent.PayerID != "aetna" || sent.UserID != "u1" || sent.ValidatedData == nil {
		t.Fatalf("unexpected trigger payload %+v", sent)
	}
}

func TestIntake_TriggerDoesNotUndoOvertakingCallback(t *testing.T) {
	env := newIntakeEnv(t, nil)
	r, _ := env.intake.Start(context.Background(), StartInput{UserID: "u1"})
	env.trigger.before = func() {
		env.apply(t, CallbackEvent{RequestID: r.RequestID, Status: "waiting_for_user"})
	}

	updated, err := env.intake.TriggerWorkflow(context.Background(), r.RequestID)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if updated.Status != StatusUserActionRequired {
		t.Fatalf("expected callback status kept, got %s", updated.Status)
	}
	if updated.Metadata["workflowId"] != "wf-1" {
		t.Fatalf("expected workflow id recorded, got %v", updated.Metadata)
	}
}

func TestIntake_TriggerAfterCompletionLeavesRequest(t *testing.T) {
	env := newIntakeEnv(t, nil)
	r, _ := env.intake.Start(context.Background(), StartInput{UserID: "u1"})
	env.trigger.before = func() {
		env.apply(t, CallbackEvent{RequestID: r.RequestID, Status: "processing"})
		env.apply(t, CallbackEvent{RequestID: r.RequestID, Status: "completed"})
	}

	updated, err := env.intake.TriggerWorkflow(context.Background(), r.RequestID)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if updated.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED kept, got %s", updated.Status)
	}
	if _, ok := updated.Metadata["workflowId"]; ok {
		t.Fatal("terminal request must not be modified")
	}
}

func TestIntake_TriggerFailure(t *testing.T) {
	env := newIntakeEnv(t, nil)
	r, _ := env.intake.Start(context.Background(), StartInput{UserID: "u1"})
	env.trigger.err = automation.ErrTriggerFailed

	if _, err := env.intake.TriggerWorkflow(context.Background(), r.RequestID); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if got := env.get(t, r.RequestID); got.Status != StatusCreated {
		t.Fatalf("expected status unchanged, got %s", got.Status)
	}
}

func TestIntake_TriggerUnknownRequest(t *testing.T) {
	env := newIntakeEnv(t, nil)
	if _, err := env.intake.TriggerWorkflow(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
