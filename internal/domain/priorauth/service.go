// Package priorauth tracks prior-authorization requests through their
// lifecycle while an external automation engine works on them. Status
// callbacks arrive asynchronously, unordered and possibly duplicated; the
// reconciler sequences them against a fixed state machine and the action
// queue manages the human steps the engine asks for along the way.
package priorauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/priorauth/priorauth/internal/platform/fanout"
	"github.com/priorauth/priorauth/internal/platform/metrics"
)

const (
	defaultMaxConflictRetries = 5
	defaultWriteTimeout       = 10 * time.Second
)

// Option configures the services in this package.
type Option func(*engine)

// WithMaxConflictRetries bounds how many times a read-modify-write is
// re-run after ErrConflict.
func WithMaxConflictRetries(n int) Option {
	return func(e *engine) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// WithWriteTimeout bounds each store write.
func WithWriteTimeout(d time.Duration) Option {
	return func(e *engine) {
		if d > 0 {
			e.writeTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *engine) {
		if now != nil {
			e.now = now
		}
	}
}

// engine holds what the reconciler, action queue and intake service share:
// the store, the notifier and the conflict-retrying update loop.
type engine struct {
	store        Store
	notifier     fanout.Publisher
	logger       zerolog.Logger
	maxRetries   int
	writeTimeout time.Duration
	now          func() time.Time
}

func newEngine(store Store, notifier fanout.Publisher, logger zerolog.Logger, opts []Option) *engine {
	e := &engine{
		store:        store,
		notifier:     notifier,
		logger:       logger,
		maxRetries:   defaultMaxConflictRetries,
		writeTimeout: defaultWriteTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// writeContext detaches ctx from its caller's cancellation so that a client
// disconnect cannot abort a write half way.
func (e *engine) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.writeTimeout)
}

// update runs mutate through the store, re-running it on ErrConflict.
func (e *engine) update(ctx context.Context, requestID string, mutate Mutation) (*Request, error) {
	wctx, cancel := e.writeContext(ctx)
	defer cancel()

	var err error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		var r *Request
		r, err = e.store.ApplyUpdate(wctx, requestID, mutate)
		if !errors.Is(err, ErrConflict) {
			return r, err
		}
		e.logger.Debug().Str("request_id", requestID).Int("attempt", attempt+1).Msg("update conflict, retrying")
	}
	return nil, fmt.Errorf("request %s: gave up after %d attempts: %w", requestID, e.maxRetries+1, err)
}

// advance moves a request to status along an allowed edge. Terminal requests
// and disallowed edges yield ErrInvalidTransition.
func (e *engine) advance(ctx context.Context, requestID string, to Status, remarks string, metadata map[string]interface{}) (*Request, error) {
	var from Status
	updated, err := e.update(ctx, requestID, func(r *Request) error {
		from = r.Status
		if r.Status.IsTerminal() {
			return fmt.Errorf("request %s is %s: %w", requestID, r.Status, ErrInvalidTransition)
		}
		if !CanTransition(r.Status, to) {
			return fmt.Errorf("request %s: %s -> %s not allowed: %w", requestID, r.Status, to, ErrInvalidTransition)
		}
		r.Status = to
		r.Remarks = remarks
		if metadata != nil {
			r.Metadata = mergeMetadata(r.Metadata, metadata)
		}
		r.LastUpdatedAt = e.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordTransition(string(from), string(to))
	e.publishRequest(ctx, fanout.EventRequestUpdated, updated, nil)
	return updated, nil
}

// note records remarks on a non-terminal request without changing status.
func (e *engine) note(ctx context.Context, requestID, remarks string) {
	updated, err := e.update(ctx, requestID, func(r *Request) error {
		if r.Status.IsTerminal() {
			return ErrNoChange
		}
		r.Remarks = remarks
		r.LastUpdatedAt = e.now()
		return nil
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("request_id", requestID).Msg("failed to record remarks")
		return
	}
	e.publishRequest(ctx, fanout.EventRequestUpdated, updated, nil)
}

func (e *engine) createAction(ctx context.Context, requestID, actionType string, metadata map[string]interface{}) (*UserAction, error) {
	a := &UserAction{
		ActionID:     NewID(),
		RequestID:    requestID,
		ActionType:   actionType,
		ActionStatus: ActionPending,
		RequestedAt:  e.now(),
		Metadata:     cloneMap(metadata),
	}
	if a.Metadata == nil {
		a.Metadata = map[string]interface{}{}
	}

	wctx, cancel := e.writeContext(ctx)
	defer cancel()
	if err := e.store.CreateAction(wctx, a); err != nil {
		return nil, fmt.Errorf("create %s action for request %s: %w", actionType, requestID, err)
	}
	e.publishAction(ctx, fanout.EventActionCreated, a)
	return a, nil
}

func (e *engine) recordEvent(ctx context.Context, ev *RequestEvent) {
	wctx, cancel := e.writeContext(ctx)
	defer cancel()
	if err := e.store.RecordEvent(wctx, ev); err != nil {
		e.logger.Error().Err(err).Str("request_id", ev.RequestID).Msg("failed to record request event")
	}
}

func (e *engine) publishRequest(ctx context.Context, typ string, r *Request, data interface{}) {
	if e.notifier == nil || r == nil {
		return
	}
	if data == nil {
		data = r
	}
	e.notifier.Publish(ctx, fanout.Event{
		Type:            typ,
		Topic:           fanout.RequestTopic(r.RequestID),
		RequestID:       r.RequestID,
		Status:          string(r.Status),
		AppliedEventSeq: r.AppliedEventSeq,
		Timestamp:       e.now(),
		Data:            data,
	})
}

func (e *engine) publishAction(ctx context.Context, typ string, a *UserAction) {
	if e.notifier == nil || a == nil {
		return
	}
	e.notifier.Publish(ctx, fanout.Event{
		Type:      typ,
		Topic:     fanout.RequestTopic(a.RequestID),
		RequestID: a.RequestID,
		Timestamp: e.now(),
		Data:      a,
	})
}
