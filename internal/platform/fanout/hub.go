// Package fanout delivers request lifecycle events to any number of live
// subscribers. Each subscriber owns a private unbounded FIFO inbox, so a slow
// reader never stalls the publisher or other subscribers.
package fanout

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/priorauth/priorauth/internal/platform/metrics"
)

// Event types published by the lifecycle tracker.
const (
	EventRequestCreated = "request.created"
	EventRequestUpdated = "request.updated"
	EventActionCreated  = "action.created"
	EventActionResolved = "action.resolved"
)

// AllTopics subscribes to every event regardless of topic.
const AllTopics = "*"

// ErrClosed is returned by Next once the subscription has been closed.
var ErrClosed = errors.New("fanout: subscription closed")

// Event is a single notification delivered to subscribers.
type Event struct {
	Type            string      `json:"type"`
	Topic           string      `json:"topic"`
	RequestID       string      `json:"requestId,omitempty"`
	Status          string      `json:"status,omitempty"`
	AppliedEventSeq int64       `json:"appliedEventSeq,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`
	Data            interface{} `json:"data,omitempty"`
}

// RequestTopic is the topic carrying events for one request.
func RequestTopic(requestID string) string {
	return "request/" + requestID
}

// Publisher is implemented by anything that can accept events for delivery.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Subscription is one subscriber's handle on the hub.
type Subscription struct {
	ID        string
	transport string
	hub       *Hub

	mu     sync.Mutex
	topics map[string]struct{}
	queue  []Event
	closed bool
	wake   chan struct{}
}

// Hub tracks live subscriptions. All operations are safe for concurrent use.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]*Subscription)}
}

// Subscribe registers a new subscription. With no topics the subscription
// receives every event; otherwise only events whose topic matches.
func (h *Hub) Subscribe(transport string, topics ...string) *Subscription {
	s := &Subscription{
		ID:        uuid.New().String(),
		transport: transport,
		hub:       h,
		topics:    make(map[string]struct{}, len(topics)),
		wake:      make(chan struct{}, 1),
	}
	for _, t := range topics {
		if t != "" {
			s.topics[t] = struct{}{}
		}
	}

	h.mu.Lock()
	h.subs[s.ID] = s
	h.mu.Unlock()
	metrics.AddSubscribers(transport, 1)
	return s
}

// Publish appends the event to every matching subscriber's inbox. It never
// blocks on a subscriber and drops subscriptions found closed.
func (h *Hub) Publish(_ context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	var dead []*Subscription
	for _, s := range targets {
		if !s.deliver(event) {
			dead = append(dead, s)
		}
	}
	for _, s := range dead {
		h.remove(s)
	}
}

// Count returns the number of live subscriptions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	_, ok := h.subs[s.ID]
	delete(h.subs, s.ID)
	h.mu.Unlock()
	if ok {
		metrics.AddSubscribers(s.transport, -1)
	}
}

// deliver returns false when the subscription is closed.
func (s *Subscription) deliver(event Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if !s.matches(event.Topic) {
		s.mu.Unlock()
		return true
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// matches reports whether topic passes the subscription's filter. No topics
// and AllTopics both mean everything. Callers hold s.mu.
func (s *Subscription) matches(topic string) bool {
	if len(s.topics) == 0 {
		return true
	}
	if _, ok := s.topics[AllTopics]; ok {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// Next blocks until an event is available, ctx is done, or the subscription
// is closed. Events are returned in publish order.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		if s.closed {
			s.mu.Unlock()
			return Event{}, ErrClosed
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Pending returns the number of queued, undelivered events.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// AddTopics narrows or extends the topic filter.
func (s *Subscription) AddTopics(topics ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range topics {
		if t != "" {
			s.topics[t] = struct{}{}
		}
	}
}

// RemoveTopics removes topics from the filter. Removing every topic returns
// the subscription to receiving all events.
func (s *Subscription) RemoveTopics(topics ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range topics {
		delete(s.topics, t)
	}
}

// Topics returns a snapshot of the topic filter.
func (s *Subscription) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// Close releases the subscription. Queued events are discarded and any
// blocked Next returns ErrClosed. Close is idempotent.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.hub.remove(s)
}
