package priorauth

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/priorauth/priorauth/internal/platform/fanout"
	"github.com/priorauth/priorauth/internal/platform/metrics"
)

// ApplyResult describes the outcome of one callback.
type ApplyResult struct {
	Request     *Request    `json:"request"`
	Disposition Disposition `json:"disposition"`
	Action      *UserAction `json:"action,omitempty"`
}

// Reconciler applies automation engine callbacks to stored requests.
type Reconciler struct {
	*engine
}

func NewReconciler(store Store, notifier fanout.Publisher, logger zerolog.Logger, opts ...Option) *Reconciler {
	return &Reconciler{engine: newEngine(store, notifier, logger.With().Str("component", "reconciler").Logger(), opts)}
}

// Apply reconciles one callback with the stored request. Callbacks for
// requests already COMPLETED or FAILED are recorded and otherwise ignored;
// they are not errors.
func (rc *Reconciler) Apply(ctx context.Context, ev CallbackEvent) (*ApplyResult, error) {
	ev.RequestID = strings.TrimSpace(ev.RequestID)
	if ev.RequestID == "" || strings.TrimSpace(ev.Status) == "" {
		metrics.RecordCallback("rejected")
		return nil, fmt.Errorf("requestId and status are required: %w", ErrInvalidInput)
	}

	mapped, known := MapLabel(ev.Status)
	received := rc.now()
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = received
	}

	var (
		from        Status
		target      Status
		disposition Disposition
	)
	updated, err := rc.update(ctx, ev.RequestID, func(r *Request) error {
		from = r.Status
		if r.Status.IsTerminal() {
			target = r.Status
			disposition = DispositionAbsorbed
			return ErrNoChange
		}

		var clamped bool
		target, clamped = ResolveTarget(r.Status, mapped)
		disposition = DispositionApplied
		if clamped {
			disposition = DispositionClamped
		}

		r.Status = target
		r.Remarks = callbackRemarks(ev, known, clamped, from)
		if len(ev.Metadata) > 0 {
			r.Metadata = mergeMetadata(r.Metadata, ev.Metadata)
		}
		if ev.WorkflowStep != "" {
			step := ev.WorkflowStep
			r.WorkflowStep = &step
		}
		if occurred.After(r.LastUpdatedAt) {
			r.LastUpdatedAt = occurred
		}
		return nil
	})
	if err != nil {
		metrics.RecordCallback("rejected")
		return nil, err
	}

	rc.recordEvent(ctx, &RequestEvent{
		EventID:       NewID(),
		RequestID:     ev.RequestID,
		ReceivedAt:    received,
		ExternalLabel: ev.Status,
		MappedStatus:  mapped,
		ResultStatus:  updated.Status,
		Disposition:   disposition,
		Message:       ev.Message,
		WorkflowStep:  ev.WorkflowStep,
		Metadata:      cloneMap(ev.Metadata),
	})
	metrics.RecordCallback(string(disposition))

	result := &ApplyResult{Request: updated, Disposition: disposition}
	if disposition == DispositionAbsorbed {
		rc.logger.Info().
			Str("request_id", ev.RequestID).
			Str("status", string(from)).
			Str("label", ev.Status).
			Msg("callback for terminal request ignored")
		return result, nil
	}

	metrics.RecordTransition(string(from), string(target))
	rc.logger.Info().
		Str("request_id", ev.RequestID).
		Str("from", string(from)).
		Str("to", string(target)).
		Str("disposition", string(disposition)).
		Int64("seq", updated.AppliedEventSeq).
		Msg("callback applied")
	rc.publishRequest(ctx, fanout.EventRequestUpdated, updated, nil)

	if ev.UserActionRequired && ev.ActionType != "" {
		meta := mergeMetadata(ev.Metadata, map[string]interface{}{"message": ev.Message})
		if ev.WorkflowStep != "" {
			meta["workflowStep"] = ev.WorkflowStep
		}
		action, err := rc.createAction(ctx, ev.RequestID, ev.ActionType, meta)
		if err != nil {
			rc.logger.Error().Err(err).Str("request_id", ev.RequestID).Msg("failed to create user action")
			return result, err
		}
		result.Action = action
	}

	if updated.Status == StatusCompleted {
		rc.resolveOutstanding(ctx, ev.RequestID)
	}
	return result, nil
}

// RecordScreenshot files a screenshot taken by the engine as a COMPLETED
// SCREENSHOT_CAPTURE action and points the request's latestScreenshot
// metadata at it. Status is never changed, and a terminal request keeps its
// stored state; the action is recorded either way.
func (rc *Reconciler) RecordScreenshot(ctx context.Context, requestID, url string, metadata map[string]interface{}) (*ApplyResult, error) {
	requestID = strings.TrimSpace(requestID)
	url = strings.TrimSpace(url)
	if requestID == "" || url == "" {
		return nil, fmt.Errorf("requestId and screenshot url are required: %w", ErrInvalidInput)
	}

	now := rc.now()
	action := &UserAction{
		ActionID:     NewID(),
		RequestID:    requestID,
		ActionType:   ActionTypeScreenshot,
		ActionStatus: ActionCompleted,
		RequestedAt:  now,
		ActionedAt:   &now,
		Metadata:     mergeMetadata(metadata, map[string]interface{}{"screenshotUrl": url}),
	}
	wctx, cancel := rc.writeContext(ctx)
	err := rc.store.CreateAction(wctx, action)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("record screenshot for request %s: %w", requestID, err)
	}
	rc.publishAction(ctx, fanout.EventActionCreated, action)

	disposition := DispositionApplied
	updated, err := rc.update(ctx, requestID, func(r *Request) error {
		if r.Status.IsTerminal() {
			disposition = DispositionAbsorbed
			return ErrNoChange
		}
		disposition = DispositionApplied
		r.Remarks = "screenshot captured"
		r.Metadata = mergeMetadata(r.Metadata, map[string]interface{}{"latestScreenshot": url})
		if now.After(r.LastUpdatedAt) {
			r.LastUpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if disposition == DispositionApplied {
		rc.publishRequest(ctx, fanout.EventRequestUpdated, updated, nil)
	}
	rc.logger.Info().
		Str("request_id", requestID).
		Str("action_id", action.ActionID).
		Str("disposition", string(disposition)).
		Msg("screenshot recorded")
	return &ApplyResult{Request: updated, Disposition: disposition, Action: action}, nil
}

// resolveOutstanding completes every PENDING action of a request whose
// workflow finished.
func (rc *Reconciler) resolveOutstanding(ctx context.Context, requestID string) {
	wctx, cancel := rc.writeContext(ctx)
	defer cancel()

	actions, err := rc.store.ListActions(wctx, requestID)
	if err != nil {
		rc.logger.Error().Err(err).Str("request_id", requestID).Msg("failed to list actions for completion")
		return
	}
	for _, a := range actions {
		if a.ActionStatus != ActionPending {
			continue
		}
		resolved, err := rc.store.ResolveAction(wctx, a.ActionID, requestID,
			map[string]interface{}{"resolvedBy": "workflow_completion"}, rc.now())
		if err != nil {
			// resolved concurrently by the user
			rc.logger.Debug().Err(err).Str("action_id", a.ActionID).Msg("action not resolved on completion")
			continue
		}
		rc.publishAction(ctx, fanout.EventActionResolved, resolved)
	}
}

func callbackRemarks(ev CallbackEvent, known, clamped bool, from Status) string {
	msg := strings.TrimSpace(ev.Message)
	var parts []string
	if !known {
		parts = append(parts, fmt.Sprintf("unrecognized status label %q", ev.Status))
	}
	if clamped {
		parts = append(parts, clampRemark(ev.Status, from))
	}
	if msg != "" {
		parts = append(parts, msg)
	}
	if len(parts) == 0 {
		return "status reported as " + ev.Status
	}
	return strings.Join(parts, ": ")
}
