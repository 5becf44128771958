package priorauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// pgStore persists requests in Postgres. Concurrent writers are detected by
// comparing applied_event_seq in the UPDATE predicate.
type pgStore struct {
	db  queryable
	now func() time.Time
}

// NewPGStore returns a Store backed by the tables of migrations/001_priorauth.sql.
func NewPGStore(pool *pgxpool.Pool) Store {
	return &pgStore{db: pool, now: func() time.Time { return time.Now().UTC() }}
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func jsonObject(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

const reqCols = `request_id, status, remarks, workflow_step, metadata,
	applied_event_seq, created_at, last_updated_at`

func scanRequest(row pgx.Row) (*Request, error) {
	var r Request
	var status string
	if err := row.Scan(&r.RequestID, &status, &r.Remarks, &r.WorkflowStep, &r.Metadata,
		&r.AppliedEventSeq, &r.CreatedAt, &r.LastUpdatedAt); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.LastUpdatedAt = r.LastUpdatedAt.UTC()
	return &r, nil
}

func (s *pgStore) CreateRequest(ctx context.Context, requestID string, metadata map[string]interface{}) (*Request, error) {
	if requestID == "" {
		return nil, fmt.Errorf("request id is required: %w", ErrInvalidInput)
	}
	now := s.now()
	r, err := scanRequest(s.db.QueryRow(ctx, `
		INSERT INTO pa_request (request_id, status, remarks, metadata, applied_event_seq, created_at, last_updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $5)
		RETURNING `+reqCols,
		requestID, string(StatusCreated), "request created", jsonObject(metadata), now))
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return nil, fmt.Errorf("request %s: %w", requestID, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("insert request %s: %w", requestID, err)
	}
	return r, nil
}

func (s *pgStore) GetRequest(ctx context.Context, requestID string) (*Request, error) {
	r, err := scanRequest(s.db.QueryRow(ctx, `SELECT `+reqCols+` FROM pa_request WHERE request_id = $1`, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get request %s: %w", requestID, err)
	}
	return r, nil
}

func (s *pgStore) ApplyUpdate(ctx context.Context, requestID string, mutate Mutation) (*Request, error) {
	base, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	next := base.Clone()
	if err := mutate(next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return base, nil
		}
		return nil, err
	}
	stamp(base, next)

	updated, err := scanRequest(s.db.QueryRow(ctx, `
		UPDATE pa_request
		SET status = $3, remarks = $4, workflow_step = $5, metadata = $6,
			applied_event_seq = $7, last_updated_at = $8
		WHERE request_id = $1 AND applied_event_seq = $2
		RETURNING `+reqCols,
		requestID, base.AppliedEventSeq, string(next.Status), next.Remarks, next.WorkflowStep,
		jsonObject(next.Metadata), next.AppliedEventSeq, next.LastUpdatedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.GetRequest(ctx, requestID); errors.Is(gerr, ErrNotFound) {
			return nil, gerr
		}
		return nil, fmt.Errorf("request %s advanced past seq %d: %w", requestID, base.AppliedEventSeq, ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("update request %s: %w", requestID, err)
	}
	return updated, nil
}

func requestWhere(filter ListFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// pgLimit maps a non-positive limit to NULL, which Postgres reads as no limit.
func pgLimit(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}

func (s *pgStore) ListRequests(ctx context.Context, filter ListFilter, limit, offset int) ([]*Request, int, error) {
	where, args := requestWhere(filter)

	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM pa_request`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count requests: %w", err)
	}

	args = append(args, pgLimit(limit), offset)
	query := fmt.Sprintf(`SELECT %s FROM pa_request%s ORDER BY created_at DESC, request_id LIMIT $%d OFFSET $%d`,
		reqCols, where, len(args)-1, len(args))
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	items := []*Request{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, r)
	}
	return items, total, rows.Err()
}

func (s *pgStore) StatusCounts(ctx context.Context, since time.Time) (map[Status]int, error) {
	where, args := requestWhere(ListFilter{Since: since})
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM pa_request`+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, fmt.Errorf("count statuses: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int, len(AllStatuses))
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *pgStore) PayerStatusCounts(ctx context.Context, since time.Time) (map[string]map[Status]int, error) {
	where, args := requestWhere(ListFilter{Since: since})
	args = append(args, UnknownPayer)
	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		SELECT COALESCE(NULLIF(BTRIM(metadata->>'payerId'), ''), NULLIF(BTRIM(metadata->>'payer'), ''), $%d) AS payer,
		       status, COUNT(*)
		FROM pa_request`+where+`
		GROUP BY 1, 2`, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("count statuses by payer: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]map[Status]int)
	for rows.Next() {
		var payer, status string
		var n int
		if err := rows.Scan(&payer, &status, &n); err != nil {
			return nil, err
		}
		if counts[payer] == nil {
			counts[payer] = make(map[Status]int, len(AllStatuses))
		}
		counts[payer][Status(status)] = n
	}
	return counts, rows.Err()
}

const actionCols = `action_id, request_id, action_type, action_status, requested_at, actioned_at, metadata`

func scanAction(row pgx.Row) (*UserAction, error) {
	var a UserAction
	var status string
	if err := row.Scan(&a.ActionID, &a.RequestID, &a.ActionType, &status,
		&a.RequestedAt, &a.ActionedAt, &a.Metadata); err != nil {
		return nil, err
	}
	a.ActionStatus = ActionStatus(status)
	a.RequestedAt = a.RequestedAt.UTC()
	if a.ActionedAt != nil {
		t := a.ActionedAt.UTC()
		a.ActionedAt = &t
	}
	return &a, nil
}

func (s *pgStore) scanActions(rows pgx.Rows) ([]*UserAction, error) {
	defer rows.Close()
	out := []*UserAction{}
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *pgStore) CreateAction(ctx context.Context, a *UserAction) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO pa_user_action (action_id, request_id, action_type, action_status, requested_at, actioned_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ActionID, a.RequestID, a.ActionType, string(a.ActionStatus), a.RequestedAt, a.ActionedAt, jsonObject(a.Metadata))
	switch pgCode(err) {
	case "":
	case pgForeignKeyViolation:
		return fmt.Errorf("request %s: %w", a.RequestID, ErrNotFound)
	case pgUniqueViolation:
		return fmt.Errorf("action %s: %w", a.ActionID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert action %s: %w", a.ActionID, err)
	}
	return nil
}

func (s *pgStore) ListActions(ctx context.Context, requestID string) ([]*UserAction, error) {
	rows, err := s.db.Query(ctx, `SELECT `+actionCols+` FROM pa_user_action
		WHERE request_id = $1 ORDER BY requested_at, action_id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list actions of %s: %w", requestID, err)
	}
	return s.scanActions(rows)
}

func (s *pgStore) ResolveAction(ctx context.Context, actionID, requestID string, metadata map[string]interface{}, at time.Time) (*UserAction, error) {
	a, err := scanAction(s.db.QueryRow(ctx, `
		UPDATE pa_user_action
		SET action_status = $3, actioned_at = $4, metadata = metadata || $5::jsonb
		WHERE action_id = $1 AND request_id = $2 AND action_status = $6
		RETURNING `+actionCols,
		actionID, requestID, string(ActionCompleted), at, jsonObject(metadata), string(ActionPending)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pending action %s for request %s: %w", actionID, requestID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve action %s: %w", actionID, err)
	}
	return a, nil
}

func (s *pgStore) CountPendingActions(ctx context.Context, requestID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM pa_user_action WHERE request_id = $1 AND action_status = $2`,
		requestID, string(ActionPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending actions of %s: %w", requestID, err)
	}
	return n, nil
}

func (s *pgStore) ListPendingActions(ctx context.Context, limit, offset int) ([]*UserAction, int, error) {
	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM pa_user_action WHERE action_status = $1`,
		string(ActionPending)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count pending actions: %w", err)
	}
	rows, err := s.db.Query(ctx, `SELECT `+actionCols+` FROM pa_user_action
		WHERE action_status = $1 ORDER BY requested_at, action_id LIMIT $2 OFFSET $3`,
		string(ActionPending), pgLimit(limit), offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list pending actions: %w", err)
	}
	items, err := s.scanActions(rows)
	return items, total, err
}

func (s *pgStore) RecordEvent(ctx context.Context, e *RequestEvent) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO pa_request_event (event_id, request_id, received_at, external_label, mapped_status,
			result_status, disposition, message, workflow_step, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.EventID, e.RequestID, e.ReceivedAt, e.ExternalLabel, string(e.MappedStatus),
		string(e.ResultStatus), string(e.Disposition), e.Message, e.WorkflowStep, e.Metadata)
	if pgCode(err) == pgForeignKeyViolation {
		return fmt.Errorf("request %s: %w", e.RequestID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("record event for %s: %w", e.RequestID, err)
	}
	return nil
}

func (s *pgStore) ListEvents(ctx context.Context, requestID string) ([]*RequestEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT event_id, request_id, received_at, external_label, mapped_status,
			result_status, disposition, message, workflow_step, metadata
		FROM pa_request_event WHERE request_id = $1 ORDER BY id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list events of %s: %w", requestID, err)
	}
	defer rows.Close()

	out := []*RequestEvent{}
	for rows.Next() {
		var e RequestEvent
		var mapped, result, disposition string
		if err := rows.Scan(&e.EventID, &e.RequestID, &e.ReceivedAt, &e.ExternalLabel, &mapped,
			&result, &disposition, &e.Message, &e.WorkflowStep, &e.Metadata); err != nil {
			return nil, err
		}
		e.MappedStatus = Status(mapped)
		e.ResultStatus = Status(result)
		e.Disposition = Disposition(disposition)
		e.ReceivedAt = e.ReceivedAt.UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}
