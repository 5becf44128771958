package priorauth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/priorauth/priorauth/internal/platform/fanout"
	"github.com/priorauth/priorauth/internal/platform/metrics"
)

var errStale = errors.New("request changed since pending actions were counted")

// ResolveResult is the outcome of resolving a user action.
type ResolveResult struct {
	Action  *UserAction `json:"action"`
	Request *Request    `json:"request,omitempty"`
	// Resumed is true when resolving this action released the request from
	// USER_ACTION_REQUIRED.
	Resumed bool `json:"resumed"`
}

// ActionQueue manages the human steps requested by the automation engine.
type ActionQueue struct {
	*engine
}

func NewActionQueue(store Store, notifier fanout.Publisher, logger zerolog.Logger, opts ...Option) *ActionQueue {
	return &ActionQueue{engine: newEngine(store, notifier, logger.With().Str("component", "action_queue").Logger(), opts)}
}

// Resolve completes a PENDING action with the user's response. Once no
// PENDING action remains, a request waiting in USER_ACTION_REQUIRED is moved
// to PROCESSING so the workflow can resume.
func (q *ActionQueue) Resolve(ctx context.Context, actionID, requestID string, response interface{}) (*ResolveResult, error) {
	actionID = strings.TrimSpace(actionID)
	requestID = strings.TrimSpace(requestID)
	if actionID == "" || requestID == "" {
		return nil, fmt.Errorf("actionId and requestId are required: %w", ErrInvalidInput)
	}

	wctx, cancel := q.writeContext(ctx)
	defer cancel()

	meta := map[string]interface{}{"resolvedBy": "user"}
	if response != nil {
		meta["response"] = response
	}
	action, err := q.store.ResolveAction(wctx, actionID, requestID, meta, q.now())
	if err != nil {
		return nil, err
	}
	q.publishAction(ctx, fanout.EventActionResolved, action)
	q.logger.Info().Str("request_id", requestID).Str("action_id", actionID).Msg("user action resolved")

	result := &ResolveResult{Action: action}
	req, resumed, err := q.resume(wctx, requestID)
	if err != nil {
		q.logger.Error().Err(err).Str("request_id", requestID).Msg("failed to resume request after action")
		return result, fmt.Errorf("resume request %s: %w", requestID, err)
	}
	result.Request = req
	result.Resumed = resumed
	if resumed {
		metrics.RecordTransition(string(StatusUserActionRequired), string(StatusProcessing))
		q.publishRequest(ctx, fanout.EventRequestUpdated, req, nil)
	}
	return result, nil
}

// resume moves the request to PROCESSING when it is waiting on the user and
// nothing is pending. The pending count is taken against a known sequence
// number; if the request moves on before the write, the check is repeated.
func (q *ActionQueue) resume(ctx context.Context, requestID string) (*Request, bool, error) {
	for attempt := 0; attempt <= q.maxRetries; attempt++ {
		current, err := q.store.GetRequest(ctx, requestID)
		if err != nil {
			return nil, false, err
		}
		if current.Status != StatusUserActionRequired {
			return current, false, nil
		}
		pending, err := q.store.CountPendingActions(ctx, requestID)
		if err != nil {
			return current, false, err
		}
		if pending > 0 {
			return current, false, nil
		}

		seen := current.AppliedEventSeq
		updated, err := q.update(ctx, requestID, func(r *Request) error {
			if r.AppliedEventSeq != seen {
				return errStale
			}
			r.Status = StatusProcessing
			r.Remarks = "user action completed - ready to resume"
			r.LastUpdatedAt = q.now()
			return nil
		})
		if errors.Is(err, errStale) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return updated, true, nil
	}
	return nil, false, fmt.Errorf("request %s kept changing: %w", requestID, ErrConflict)
}

// Pending returns a request's actions that still await a response.
func (q *ActionQueue) Pending(ctx context.Context, requestID string) ([]*UserAction, error) {
	actions, err := q.store.ListActions(ctx, requestID)
	if err != nil {
		return nil, err
	}
	out := make([]*UserAction, 0, len(actions))
	for _, a := range actions {
		if a.ActionStatus == ActionPending {
			out = append(out, a)
		}
	}
	return out, nil
}
