package priorauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v9"
)

// redisResolveAttempts bounds how often ResolveAction re-reads an action that
// another writer touched between WATCH and EXEC.
const redisResolveAttempts = 3

// redisStore keeps requests and actions as JSON strings with sorted-set
// indexes. Read-modify-write runs under WATCH, so a concurrent writer makes
// EXEC fail and ApplyUpdate reports ErrConflict.
//
// Keys, under namespace ns:
//
//	ns:request:<id>          request JSON
//	ns:request:<id>:actions  zset of action ids scored by requestedAt
//	ns:request:<id>:events   list of event JSON in arrival order
//	ns:requests              zset of request ids scored by createdAt
//	ns:action:<id>           action JSON
//	ns:actions:pending       zset of pending action ids scored by requestedAt
type redisStore struct {
	client    redis.UniversalClient
	namespace string
	now       func() time.Time
}

// NewRedisStore returns a Store that keeps its keys under namespace.
func NewRedisStore(client redis.UniversalClient, namespace string) Store {
	return &redisStore{client: client, namespace: namespace, now: func() time.Time { return time.Now().UTC() }}
}

func (s *redisStore) key(args ...string) string {
	return fmt.Sprintf("%s:%s", s.namespace, strings.Join(args, ":"))
}

func (s *redisStore) requestKey(id string) string { return s.key("request", id) }
func (s *redisStore) actionKey(id string) string  { return s.key("action", id) }

func score(t time.Time) float64 { return float64(t.UnixMicro()) }

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

type multiGetter interface {
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
}

func loadJSON[T any](ctx context.Context, c stringGetter, key string) (*T, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &v, nil
}

// loadMany fetches keys with MGET, skipping keys that have disappeared.
func loadMany[T any](ctx context.Context, c multiGetter, keys []string) ([]*T, error) {
	if len(keys) == 0 {
		return []*T{}, nil
	}
	vals, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var item T
		if err := json.Unmarshal([]byte(str), &item); err != nil {
			return nil, fmt.Errorf("decode %s: %w", keys[i], err)
		}
		out = append(out, &item)
	}
	return out, nil
}

func (s *redisStore) CreateRequest(ctx context.Context, requestID string, metadata map[string]interface{}) (*Request, error) {
	if requestID == "" {
		return nil, fmt.Errorf("request id is required: %w", ErrInvalidInput)
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
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}

	key := s.requestKey(requestID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("request %s: %w", requestID, ErrAlreadyExists)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, s.key("requests"), redis.Z{Score: score(now), Member: requestID})
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, fmt.Errorf("request %s: %w", requestID, ErrAlreadyExists)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *redisStore) GetRequest(ctx context.Context, requestID string) (*Request, error) {
	r, err := loadJSON[Request](ctx, s.client, s.requestKey(requestID))
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("request %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get request %s: %w", requestID, err)
	}
	return r, nil
}

func (s *redisStore) ApplyUpdate(ctx context.Context, requestID string, mutate Mutation) (*Request, error) {
	key := s.requestKey(requestID)
	var result *Request
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		base, err := loadJSON[Request](ctx, tx, key)
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("request %s: %w", requestID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		next := base.Clone()
		if err := mutate(next); err != nil {
			if errors.Is(err, ErrNoChange) {
				result = base
				return nil
			}
			return err
		}
		stamp(base, next)
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, fmt.Errorf("request %s changed during update: %w", requestID, ErrConflict)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// scanRequests loads every request created at or after since, newest first.
func (s *redisStore) scanRequests(ctx context.Context, since time.Time) ([]*Request, error) {
	min := "-inf"
	if !since.IsZero() {
		min = strconv.FormatInt(since.UnixMicro(), 10)
	}
	ids, err := s.client.ZRevRangeByScore(ctx, s.key("requests"), &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("list request ids: %w", err)
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.requestKey(id)
	}
	return loadMany[Request](ctx, s.client, keys)
}

func (s *redisStore) ListRequests(ctx context.Context, filter ListFilter, limit, offset int) ([]*Request, int, error) {
	all, err := s.scanRequests(ctx, filter.Since)
	if err != nil {
		return nil, 0, err
	}
	matched := all[:0]
	for _, r := range all {
		if filter.Status == "" || r.Status == filter.Status {
			matched = append(matched, r)
		}
	}
	return paginate(matched, limit, offset), len(matched), nil
}

func (s *redisStore) StatusCounts(ctx context.Context, since time.Time) (map[Status]int, error) {
	all, err := s.scanRequests(ctx, since)
	if err != nil {
		return nil, err
	}
	counts := make(map[Status]int, len(AllStatuses))
	for _, r := range all {
		counts[r.Status]++
	}
	return counts, nil
}

func (s *redisStore) PayerStatusCounts(ctx context.Context, since time.Time) (map[string]map[Status]int, error) {
	all, err := s.scanRequests(ctx, since)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]map[Status]int)
	for _, r := range all {
		countByPayer(counts, r)
	}
	return counts, nil
}

// CreateAction watches only the action key; requests are never deleted, and
// a status update racing the insert must not abort it.
func (s *redisStore) CreateAction(ctx context.Context, a *UserAction) error {
	reqKey, key := s.requestKey(a.RequestID), s.actionKey(a.ActionID)
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, reqKey).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("request %s: %w", a.RequestID, ErrNotFound)
		}
		if n, err = tx.Exists(ctx, key).Result(); err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("action %s: %w", a.ActionID, ErrAlreadyExists)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, s.key("request", a.RequestID, "actions"), redis.Z{Score: score(a.RequestedAt), Member: a.ActionID})
			if a.ActionStatus == ActionPending {
				pipe.ZAdd(ctx, s.key("actions", "pending"), redis.Z{Score: score(a.RequestedAt), Member: a.ActionID})
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("action %s: %w", a.ActionID, ErrAlreadyExists)
	}
	return err
}

func (s *redisStore) ListActions(ctx context.Context, requestID string) ([]*UserAction, error) {
	ids, err := s.client.ZRange(ctx, s.key("request", requestID, "actions"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list actions of %s: %w", requestID, err)
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.actionKey(id)
	}
	actions, err := loadMany[UserAction](ctx, s.client, keys)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].RequestedAt.Before(actions[j].RequestedAt)
	})
	return actions, nil
}

func (s *redisStore) ResolveAction(ctx context.Context, actionID, requestID string, metadata map[string]interface{}, at time.Time) (*UserAction, error) {
	key := s.actionKey(actionID)
	notFound := fmt.Errorf("pending action %s for request %s: %w", actionID, requestID, ErrNotFound)

	for attempt := 0; attempt < redisResolveAttempts; attempt++ {
		var result *UserAction
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			a, err := loadJSON[UserAction](ctx, tx, key)
			if errors.Is(err, redis.Nil) {
				return notFound
			}
			if err != nil {
				return err
			}
			if a.RequestID != requestID || a.ActionStatus != ActionPending {
				return notFound
			}
			a.ActionStatus = ActionCompleted
			a.ActionedAt = &at
			a.Metadata = mergeMetadata(a.Metadata, metadata)
			data, err := json.Marshal(a)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				pipe.ZRem(ctx, s.key("actions", "pending"), actionID)
				return nil
			})
			if err == nil {
				result = a
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("action %s kept changing: %w", actionID, ErrConflict)
}

func (s *redisStore) CountPendingActions(ctx context.Context, requestID string) (int, error) {
	actions, err := s.ListActions(ctx, requestID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range actions {
		if a.ActionStatus == ActionPending {
			n++
		}
	}
	return n, nil
}

func (s *redisStore) ListPendingActions(ctx context.Context, limit, offset int) ([]*UserAction, int, error) {
	pendingKey := s.key("actions", "pending")
	total, err := s.client.ZCard(ctx, pendingKey).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("count pending actions: %w", err)
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(offset + limit - 1)
	}
	ids, err := s.client.ZRange(ctx, pendingKey, int64(offset), stop).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("list pending actions: %w", err)
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.actionKey(id)
	}
	items, err := loadMany[UserAction](ctx, s.client, keys)
	return items, int(total), err
}

func (s *redisStore) RecordEvent(ctx context.Context, e *RequestEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := s.client.RPush(ctx, s.key("request", e.RequestID, "events"), data).Err(); err != nil {
		return fmt.Errorf("record event for %s: %w", e.RequestID, err)
	}
	return nil
}

func (s *redisStore) ListEvents(ctx context.Context, requestID string) ([]*RequestEvent, error) {
	vals, err := s.client.LRange(ctx, s.key("request", requestID, "events"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list events of %s: %w", requestID, err)
	}
	out := make([]*RequestEvent, 0, len(vals))
	for _, v := range vals {
		var e RequestEvent
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("decode event of %s: %w", requestID, err)
		}
		out = append(out, &e)
	}
	return out, nil
}
