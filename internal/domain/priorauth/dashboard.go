package priorauth

import (
	"context"
	"sort"
	"time"
)

// Stats summarises request volume for the dashboard.
type Stats struct {
	Since          time.Time      `json:"since"`
	Total          int            `json:"total"`
	ByStatus       map[Status]int `json:"byStatus"`
	PendingActions int            `json:"pendingActions"`
	SuccessRate    float64        `json:"successRate"`
}

// PayerStats summarises one payer's requests. Pending counts requests the
// engine is still working on (PROCESSING or IN_PROGRESS).
type PayerStats struct {
	PayerID            string  `json:"payerId"`
	Total              int     `json:"total"`
	Completed          int     `json:"completed"`
	Failed             int     `json:"failed"`
	Pending            int     `json:"pending"`
	UserActionRequired int     `json:"userActionRequired"`
	SuccessRate        float64 `json:"successRate"`
}

// PayerBreakdown is the per-payer view of the dashboard.
type PayerBreakdown struct {
	Since  time.Time    `json:"since"`
	Payers []PayerStats `json:"payers"`
}

// TimelineEntry is one line of a request's history.
type TimelineEntry struct {
	At      time.Time   `json:"at"`
	Kind    string      `json:"kind"`
	Status  Status      `json:"status,omitempty"`
	Message string      `json:"message,omitempty"`
	Detail  interface{} `json:"detail,omitempty"`
}

// Dashboard serves read-only views over the store.
type Dashboard struct {
	store Store
	now   func() time.Time
}

func NewDashboard(store Store) *Dashboard {
	return &Dashboard{store: store, now: func() time.Time { return time.Now().UTC() }}
}

func (d *Dashboard) GetRequest(ctx context.Context, requestID string) (*Request, error) {
	return d.store.GetRequest(ctx, requestID)
}

func (d *Dashboard) ListRequests(ctx context.Context, filter ListFilter, limit, offset int) ([]*Request, int, error) {
	return d.store.ListRequests(ctx, filter, limit, offset)
}

// ListActions returns the actions of an existing request.
func (d *Dashboard) ListActions(ctx context.Context, requestID string) ([]*UserAction, error) {
	if _, err := d.store.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	return d.store.ListActions(ctx, requestID)
}

func (d *Dashboard) PendingActions(ctx context.Context, limit, offset int) ([]*UserAction, int, error) {
	return d.store.ListPendingActions(ctx, limit, offset)
}

// Stats counts requests created in the last days days (all time when days
// is not positive).
func (d *Dashboard) Stats(ctx context.Context, days int) (*Stats, error) {
	var since time.Time
	if days > 0 {
		since = d.now().AddDate(0, 0, -days)
	}
	counts, err := d.store.StatusCounts(ctx, since)
	if err != nil {
		return nil, err
	}
	_, pending, err := d.store.ListPendingActions(ctx, 1, 0)
	if err != nil {
		return nil, err
	}

	st := &Stats{Since: since, ByStatus: make(map[Status]int, len(AllStatuses)), PendingActions: pending}
	for _, s := range AllStatuses {
		st.ByStatus[s] = counts[s]
		st.Total += counts[s]
	}
	st.SuccessRate = successRate(counts[StatusCompleted], counts[StatusFailed])
	return st, nil
}

// successRate is the share of finished requests that completed.
func successRate(completed, failed int) float64 {
	if completed+failed == 0 {
		return 0
	}
	return float64(completed) / float64(completed+failed)
}

// PayerStats breaks request counts down by payer over the last days days
// (all time when days is not positive), ordered by payer id.
func (d *Dashboard) PayerStats(ctx context.Context, days int) (*PayerBreakdown, error) {
	var since time.Time
	if days > 0 {
		since = d.now().AddDate(0, 0, -days)
	}
	counts, err := d.store.PayerStatusCounts(ctx, since)
	if err != nil {
		return nil, err
	}

	out := &PayerBreakdown{Since: since, Payers: make([]PayerStats, 0, len(counts))}
	for payer, byStatus := range counts {
		ps := PayerStats{
			PayerID:            payer,
			Completed:          byStatus[StatusCompleted],
			Failed:             byStatus[StatusFailed],
			Pending:            byStatus[StatusProcessing] + byStatus[StatusInProgress],
			UserActionRequired: byStatus[StatusUserActionRequired],
		}
		for _, n := range byStatus {
			ps.Total += n
		}
		ps.SuccessRate = successRate(ps.Completed, ps.Failed)
		out.Payers = append(out.Payers, ps)
	}
	sort.Slice(out.Payers, func(i, j int) bool { return out.Payers[i].PayerID < out.Payers[j].PayerID })
	return out, nil
}

// Timeline merges the callback audit log and action history of a request in
// time order.
func (d *Dashboard) Timeline(ctx context.Context, requestID string) ([]TimelineEntry, error) {
	r, err := d.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	events, err := d.store.ListEvents(ctx, requestID)
	if err != nil {
		return nil, err
	}
	actions, err := d.store.ListActions(ctx, requestID)
	if err != nil {
		return nil, err
	}

	entries := []TimelineEntry{{At: r.CreatedAt, Kind: "created", Status: StatusCreated}}
	for _, e := range events {
		entries = append(entries, TimelineEntry{
			At:      e.ReceivedAt,
			Kind:    "callback." + string(e.Disposition),
			Status:  e.ResultStatus,
			Message: e.Message,
			Detail:  map[string]interface{}{"label": e.ExternalLabel, "workflowStep": e.WorkflowStep},
		})
	}
	for _, a := range actions {
		entries = append(entries, TimelineEntry{
			At:     a.RequestedAt,
			Kind:   "action.requested",
			Detail: map[string]interface{}{"actionId": a.ActionID, "actionType": a.ActionType},
		})
		if a.ActionedAt != nil {
			entries = append(entries, TimelineEntry{
				At:     *a.ActionedAt,
				Kind:   "action.completed",
				Detail: map[string]interface{}{"actionId": a.ActionID, "resolvedBy": a.Metadata["resolvedBy"]},
			})
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].At.Before(entries[j].At)
	})
	return entries, nil
}
