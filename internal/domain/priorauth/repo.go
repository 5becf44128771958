package priorauth

import (
	"context"
	"time"
)

// Mutation computes the next state of a request from a private copy of the
// current one. It must be a pure function of its input: stores may invoke it
// more than once. Returning ErrNoChange skips the write.
type Mutation func(r *Request) error

type RequestRepository interface {
	// CreateRequest stores a new request in state CREATED.
	CreateRequest(ctx context.Context, requestID string, metadata map[string]interface{}) (*Request, error)
	GetRequest(ctx context.Context, requestID string) (*Request, error)
	// ApplyUpdate runs mutate against the current state and persists the
	// result atomically, stamping AppliedEventSeq = base+1. It returns
	// ErrConflict when another writer advanced the request first.
	ApplyUpdate(ctx context.Context, requestID string, mutate Mutation) (*Request, error)
	ListRequests(ctx context.Context, filter ListFilter, limit, offset int) ([]*Request, int, error)
	StatusCounts(ctx context.Context, since time.Time) (map[Status]int, error)
	// PayerStatusCounts groups StatusCounts by the payer recorded in the
	// request metadata (see PayerOf).
	PayerStatusCounts(ctx context.Context, since time.Time) (map[string]map[Status]int, error)
}

type ActionRepository interface {
	CreateAction(ctx context.Context, a *UserAction) error
	// ListActions returns a request's actions ordered by RequestedAt.
	ListActions(ctx context.Context, requestID string) ([]*UserAction, error)
	// ResolveAction moves a PENDING action to COMPLETED. It returns
	// ErrNotFound unless a PENDING action matches both ids.
	ResolveAction(ctx context.Context, actionID, requestID string, metadata map[string]interface{}, at time.Time) (*UserAction, error)
	CountPendingActions(ctx context.Context, requestID string) (int, error)
	ListPendingActions(ctx context.Context, limit, offset int) ([]*UserAction, int, error)
}

type EventRepository interface {
	RecordEvent(ctx context.Context, e *RequestEvent) error
	ListEvents(ctx context.Context, requestID string) ([]*RequestEvent, error)
}

// Store is the persistence boundary of the lifecycle tracker.
type Store interface {
	RequestRepository
	ActionRepository
	EventRepository
}

// stamp finalizes a mutated request against its base: identity fields are
// preserved, the sequence advances by one and the timestamp never regresses.
func stamp(base, next *Request) {
	next.RequestID = base.RequestID
	next.CreatedAt = base.CreatedAt
	next.AppliedEventSeq = base.AppliedEventSeq + 1
	if next.LastUpdatedAt.Before(base.LastUpdatedAt) {
		next.LastUpdatedAt = base.LastUpdatedAt
	}
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}
