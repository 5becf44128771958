package priorauth

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func (env *testEnv) waitForUser(t *testing.T, id string) *UserAction {
	t.Helper()
	res := env.apply(t, CallbackEvent{RequestID: id, Status: "waiting_for_user", UserActionRequired: true, ActionType: ActionTypeForm})
	if res.Action == nil {
		t.Fatal("expected action")
	}
	return res.Action
}

func TestActionQueue_ResolveStoresResponse(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "r")
	a := env.waitForUser(t, "r")

	out, err := env.actions.Resolve(context.Background(), a.ActionID, "r", map[string]interface{}{"memberId": "M1"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.Action.ActionStatus != ActionCompleted || out.Action.ActionedAt == nil {
		t.Fatalf("expected completed action, got %+v", out.Action)
	}
	resp, ok := out.Action.Metadata["response"].(map[string]interface{})
	if !ok || resp["memberId"] != "M1" {
		t.Fatalf("expected response stored, got %v", out.Action.Metadata)
	}
	if out.Request.Remarks != "user action completed - ready to resume" {
		t.Fatalf("unexpected remarks %q", out.Request.Remarks)
	}
}

func TestActionQueue_ResolveTwiceIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "r")
	a := env.waitForUser(t, "r")

	if _, err := env.actions.Resolve(context.Background(), a.ActionID, "r", nil); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, err := env.actions.Resolve(context.Background(), a.ActionID, "r", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second resolve, got %v", err)
	}
}

func TestActionQueue_WrongRequestIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "r")
	env.create(t, "other")
	a := env.waitForUser(t, "r")

	if _, err := env.actions.Resolve(context.Background(), a.ActionID, "other", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := env.actions.Resolve(context.Background(), "nope", "r", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown action, got %v", err)
	}
}

func TestActionQueue_InvalidInput(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.actions.Resolve(context.Background(), "", "r", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestActionQueue_WaitsForAllPending(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "r")
	first := env.waitForUser(t, "r")
	second := env.waitForUser(t, "r")

	out, err := env.actions.Resolve(context.Background(), first.ActionID, "r", nil)
	if err != nil {
		t.Fatalf("resolve first: %v", err)
	}
	if out.Resumed || out.Request.Status != StatusUserActionRequired {
		t.Fatalf("expected request to keep waiting, got %s resumed=%v", out.Request.Status, out.Resumed)
	}

	out, err = env.actions.Resolve(context.Background(), second.ActionID, "r", nil)
	if err != nil {
		t.Fatalf("resolve second: %v", err)
	}
	if !out.Resumed || out.Request.Status != StatusProcessing {
		t.Fatalf("expected resume after last action, got %s resumed=%v", out.Request.Status, out.Resumed)
	}
}

func TestActionQueue_NoResumeOutsideUserActionRequired(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "r")
	a := env.waitForUser(t, "r")
	env.apply(t, CallbackEvent{RequestID: "r", Status: "in_progress"})

	out, err := env.actions.Resolve(context.Background(), a.ActionID, "r", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.Resumed || out.Request.Status != StatusInProgress {
		t.Fatalf("expected status untouched, got %s resumed=%v", out.Request.Status, out.Resumed)
	}
}

func TestActionQueue_ConcurrentResolveSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "r")
	a := env.waitForUser(t, "r")

	const n = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.actions.Resolve(context.Background(), a.ActionID, "r", nil)
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else if !errors.Is(err, ErrNotFound) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one successful resolve, got %d", winners)
	}
	if r := env.get(t, "r"); r.Status != StatusProcessing {
		t.Fatalf("expected PROCESSING, got %s", r.Status)
	}
}

func TestActionQueue_Pending(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "r")
	a := env.waitForUser(t, "r")
	env.waitForUser(t, "r")
	env.actions.Resolve(context.Background(), a.ActionID, "r", nil)

	pending, err := env.actions.Pending(context.Background(), "r")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ActionID == a.ActionID {
		t.Fatalf("expected the other action pending, got %+v", pending)
	}
}
