package priorauth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memoryStore keeps everything in process. Updates to one request are
// serialized by a per-request lock, so ApplyUpdate never reports a conflict.
type memoryStore struct {
	keys sync.Map // requestID -> *sync.Mutex

	mu       sync.RWMutex
	requests map[string]*Request
	actions  map[string]*UserAction
	byReq    map[string][]string // requestID -> actionIDs in creation order
	events   map[string][]*RequestEvent
	now      func() time.Time
}

// MemoryOption configures the in-process store.
type MemoryOption func(*memoryStore)

// WithMemoryClock sets the time source used to stamp new requests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *memoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore returns an empty in-process Store.
func NewMemoryStore(opts ...MemoryOption) Store {
	s := &memoryStore{
		requests: make(map[string]*Request),
		actions:  make(map[string]*UserAction),
		byReq:    make(map[string][]string),
		events:   make(map[string][]*RequestEvent),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *memoryStore) lock(requestID string) func() {
	m, _ := s.keys.LoadOrStore(requestID, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *memoryStore) CreateRequest(_ context.Context, requestID string, metadata map[string]interface{}) (*Request, error) {
	if requestID == "" {
		return nil, fmt.Errorf("request id is required: %w", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[requestID]; ok {
		return nil, fmt.Errorf("request %s: %w", requestID, ErrAlreadyExists)
	}
	now := s.now()
	r := &Request{
		RequestID:     requestID,
		Status:        StatusCreated,
		Remarks:       "request created",
		Metadata:      mergeMetadata(nil, metadata),
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	s.requests[requestID] = r
	return r.Clone(), nil
}

func (s *memoryStore) GetRequest(_ context.Context, requestID string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", requestID, ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *memoryStore) ApplyUpdate(_ context.Context, requestID string, mutate Mutation) (*Request, error) {
	unlock := s.lock(requestID)
	defer unlock()

	s.mu.RLock()
	base, ok := s.requests[requestID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("request %s: %w", requestID, ErrNotFound)
	}

	next := base.Clone()
	if err := mutate(next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return base.Clone(), nil
		}
		return nil, err
	}
	stamp(base, next)

	s.mu.Lock()
	s.requests[requestID] = next
	s.mu.Unlock()
	return next.Clone(), nil
}

func (s *memoryStore) ListRequests(_ context.Context, filter ListFilter, limit, offset int) ([]*Request, int, error) {
	s.mu.RLock()
	var matched []*Request
	for _, r := range s.requests {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && r.CreatedAt.Before(filter.Since) {
			continue
		}
		matched = append(matched, r.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].RequestID < matched[j].RequestID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return paginate(matched, limit, offset), len(matched), nil
}

func (s *memoryStore) StatusCounts(_ context.Context, since time.Time) (map[Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[Status]int, len(AllStatuses))
	for _, r := range s.requests {
		if !since.IsZero() && r.CreatedAt.Before(since) {
			continue
		}
		counts[r.Status]++
	}
	return counts, nil
}

func (s *memoryStore) PayerStatusCounts(_ context.Context, since time.Time) (map[string]map[Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]map[Status]int)
	for _, r := range s.requests {
		if !since.IsZero() && r.CreatedAt.Before(since) {
			continue
		}
		countByPayer(counts, r)
	}
	return counts, nil
}

func (s *memoryStore) CreateAction(_ context.Context, a *UserAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[a.RequestID]; !ok {
		return fmt.Errorf("request %s: %w", a.RequestID, ErrNotFound)
	}
	if _, ok := s.actions[a.ActionID]; ok {
		return fmt.Errorf("action %s: %w", a.ActionID, ErrAlreadyExists)
	}
	s.actions[a.ActionID] = a.Clone()
	s.byReq[a.RequestID] = append(s.byReq[a.RequestID], a.ActionID)
	return nil
}

func (s *memoryStore) ListActions(_ context.Context, requestID string) ([]*UserAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byReq[requestID]
	out := make([]*UserAction, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.actions[id].Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out, nil
}

func (s *memoryStore) ResolveAction(_ context.Context, actionID, requestID string, metadata map[string]interface{}, at time.Time) (*UserAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[actionID]
	if !ok || a.RequestID != requestID || a.ActionStatus != ActionPending {
		return nil, fmt.Errorf("pending action %s for request %s: %w", actionID, requestID, ErrNotFound)
	}
	next := a.Clone()
	next.ActionStatus = ActionCompleted
	next.ActionedAt = &at
	next.Metadata = mergeMetadata(next.Metadata, metadata)
	s.actions[actionID] = next
	return next.Clone(), nil
}

func (s *memoryStore) CountPendingActions(_ context.Context, requestID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, id := range s.byReq[requestID] {
		if s.actions[id].ActionStatus == ActionPending {
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) ListPendingActions(_ context.Context, limit, offset int) ([]*UserAction, int, error) {
	s.mu.RLock()
	var pending []*UserAction
	for _, a := range s.actions {
		if a.ActionStatus == ActionPending {
			pending = append(pending, a.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(pending, func(i, j int) bool {
		if pending[i].RequestedAt.Equal(pending[j].RequestedAt) {
			return pending[i].ActionID < pending[j].ActionID
		}
		return pending[i].RequestedAt.Before(pending[j].RequestedAt)
	})
	return paginate(pending, limit, offset), len(pending), nil
}

func (s *memoryStore) RecordEvent(_ context.Context, e *RequestEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *e
	c.Metadata = cloneMap(e.Metadata)
	s.events[e.RequestID] = append(s.events[e.RequestID], &c)
	return nil
}

func (s *memoryStore) ListEvents(_ context.Context, requestID string) ([]*RequestEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.events[requestID]
	out := make([]*RequestEvent, 0, len(src))
	for _, e := range src {
		c := *e
		c.Metadata = cloneMap(e.Metadata)
		out = append(out, &c)
	}
	return out, nil
}
