package priorauth

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/priorauth/priorauth/internal/platform/auth"
	"github.com/priorauth/priorauth/pkg/pagination"
)

type Handler struct {
	reconciler *Reconciler
	actions    *ActionQueue
	intake     *IntakeService
	dashboard  *Dashboard
}

func NewHandler(reconciler *Reconciler, actions *ActionQueue, intake *IntakeService, dashboard *Dashboard) *Handler {
	return &Handler{reconciler: reconciler, actions: actions, intake: intake, dashboard: dashboard}
}

// RegisterRoutes mounts the user-facing API on api and the automation
// callbacks on callbacks, which is authenticated separately.
func (h *Handler) RegisterRoutes(api *echo.Group, callbacks *echo.Group) {
	// Per-route role checks; a role-guarded group would also guard the
	// group's not-found fallback.
	read := auth.RequireRole(auth.RoleCoordinator, auth.RoleViewer)
	api.GET("/requests", h.ListRequests, read)
	api.GET("/requests/:id", h.GetRequest, read)
	api.GET("/requests/:id/actions", h.ListActions, read)
	api.GET("/requests/:id/timeline", h.Timeline, read)
	api.GET("/actions/pending", h.PendingActions, read)
	api.GET("/dashboard/stats", h.Stats, read)
	api.GET("/dashboard/payer-stats", h.PayerStats, read)

	write := auth.RequireRole(auth.RoleCoordinator)
	api.POST("/requests", h.CreateRequest, write)
	api.POST("/requests/:id/validate", h.ValidateRequest, write)
	api.POST("/requests/:id/trigger", h.TriggerRequest, write)
	api.POST("/requests/:id/actions/:actionId/resolve", h.ResolveAction, write)

	callbacks.POST("/callback", h.Callback)
	callbacks.POST("/screenshot/:id", h.Screenshot)
}

// statusCode maps domain errors onto HTTP status codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func httpError(err error) error {
	return echo.NewHTTPError(statusCode(err), err.Error())
}

// ---------------------------------------------------------------------------
// Intake
// ---------------------------------------------------------------------------

func (h *Handler) CreateRequest(c echo.Context) error {
	var in StartInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if in.UserID == "" {
		in.UserID = auth.UserIDFromContext(c.Request().Context())
	}
	r, err := h.intake.Start(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) ValidateRequest(c echo.Context) error {
	var in ValidateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.intake.ValidateSubmission(c.Request().Context(), c.Param("id"), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) TriggerRequest(c echo.Context) error {
	r, err := h.intake.TriggerWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, r)
}

// ---------------------------------------------------------------------------
// Actions
// ---------------------------------------------------------------------------

type resolveBody struct {
	ResponseData interface{} `json:"responseData"`
}

type resolveFailure struct {
	*ResolveResult
	Error string `json:"error"`
}

func (h *Handler) ResolveAction(c echo.Context) error {
	var body resolveBody
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	out, err := h.actions.Resolve(c.Request().Context(), c.Param("actionId"), c.Param("id"), body.ResponseData)
	if err != nil {
		if out == nil {
			return httpError(err)
		}
		// The action is resolved but the request was not resumed.
		return c.JSON(statusCode(err), resolveFailure{ResolveResult: out, Error: err.Error()})
	}
	return c.JSON(http.StatusOK, out)
}

// ---------------------------------------------------------------------------
// Automation callbacks
// ---------------------------------------------------------------------------

// callbackPayload accepts both camelCase and snake_case field names.
type callbackPayload struct {
	RequestID          string                 `json:"requestId"`
	RequestIDSnake     string                 `json:"request_id"`
	Status             string                 `json:"status"`
	Message            string                 `json:"message"`
	Metadata           map[string]interface{} `json:"metadata"`
	UserActionRequired *bool                  `json:"userActionRequired"`
	UserActionReqSnake *bool                  `json:"user_action_required"`
	ActionType         string                 `json:"actionType"`
	ActionTypeSnake    string                 `json:"action_type"`
	WorkflowStep       string                 `json:"workflowStep"`
	WorkflowStepSnake  string                 `json:"workflow_step"`
	ScreenshotURL      string                 `json:"screenshot_url"`
	ScreenshotURLCamel string                 `json:"screenshotUrl"`
	Timestamp          *time.Time             `json:"timestamp"`
}

func (p callbackPayload) event() CallbackEvent {
	ev := CallbackEvent{
		RequestID:    firstNonEmpty(p.RequestID, p.RequestIDSnake),
		Status:       p.Status,
		Message:      p.Message,
		Metadata:     cloneMap(p.Metadata),
		ActionType:   firstNonEmpty(p.ActionType, p.ActionTypeSnake),
		WorkflowStep: firstNonEmpty(p.WorkflowStep, p.WorkflowStepSnake),
	}
	switch {
	case p.UserActionRequired != nil:
		ev.UserActionRequired = *p.UserActionRequired
	case p.UserActionReqSnake != nil:
		ev.UserActionRequired = *p.UserActionReqSnake
	}
	if shot := firstNonEmpty(p.ScreenshotURL, p.ScreenshotURLCamel); shot != "" {
		if ev.Metadata == nil {
			ev.Metadata = map[string]interface{}{}
		}
		ev.Metadata["screenshotUrl"] = shot
	}
	if p.Timestamp != nil {
		ev.OccurredAt = p.Timestamp.UTC()
	}
	return ev
}

type callbackResponse struct {
	Success     bool        `json:"success"`
	Message     string      `json:"message"`
	Status      Status      `json:"status,omitempty"`
	Disposition Disposition `json:"disposition,omitempty"`
	ActionID    string      `json:"actionId,omitempty"`
}

// Callback receives status reports from the automation engine. It always
// answers with a {success, message} body.
func (h *Handler) Callback(c echo.Context) error {
	var p callbackPayload
	if err := c.Bind(&p); err != nil {
		return c.JSON(http.StatusBadRequest, callbackResponse{Message: "invalid payload: " + err.Error()})
	}

	res, err := h.reconciler.Apply(c.Request().Context(), p.event())
	if err != nil && res == nil {
		return c.JSON(statusCode(err), callbackResponse{Message: err.Error()})
	}

	out := callbackResponse{
		Success:     err == nil,
		Message:     "status updated",
		Status:      res.Request.Status,
		Disposition: res.Disposition,
	}
	if res.Disposition == DispositionAbsorbed {
		out.Message = "request already " + strings.ToLower(string(res.Request.Status)) + "; update ignored"
	}
	if res.Action != nil {
		out.ActionID = res.Action.ActionID
	}
	if err != nil {
		out.Message = err.Error()
		return c.JSON(statusCode(err), out)
	}
	return c.JSON(http.StatusOK, out)
}

type screenshotPayload struct {
	ScreenshotURL      string                 `json:"screenshot_url"`
	ScreenshotURLCamel string                 `json:"screenshotUrl"`
	WorkflowStep       string                 `json:"workflowStep"`
	WorkflowStepSnake  string                 `json:"workflow_step"`
	Metadata           map[string]interface{} `json:"metadata"`
}

// Screenshot records a screenshot the automation engine captured while
// working on request :id.
func (h *Handler) Screenshot(c echo.Context) error {
	var p screenshotPayload
	if err := c.Bind(&p); err != nil {
		return c.JSON(http.StatusBadRequest, callbackResponse{Message: "invalid payload: " + err.Error()})
	}
	metadata := cloneMap(p.Metadata)
	if step := firstNonEmpty(p.WorkflowStep, p.WorkflowStepSnake); step != "" {
		metadata = mergeMetadata(metadata, map[string]interface{}{"workflowStep": step})
	}

	res, err := h.reconciler.RecordScreenshot(c.Request().Context(), c.Param("id"), firstNonEmpty(p.ScreenshotURL, p.ScreenshotURLCamel), metadata)
	if err != nil {
		return c.JSON(statusCode(err), callbackResponse{Message: err.Error()})
	}
	return c.JSON(http.StatusOK, callbackResponse{
		Success:     true,
		Message:     "screenshot saved",
		Status:      res.Request.Status,
		Disposition: res.Disposition,
		ActionID:    res.Action.ActionID,
	})
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

func (h *Handler) GetRequest(c echo.Context) error {
	r, err := h.dashboard.GetRequest(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) ListRequests(c echo.Context) error {
	pg := pagination.FromContext(c)
	var filter ListFilter
	if s := c.QueryParam("status"); s != "" {
		st, ok := ParseStatus(s)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown status: "+s)
		}
		filter.Status = st
	}
	if d := c.QueryParam("days"); d != "" {
		days, err := strconv.Atoi(d)
		if err != nil || days < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "days must be a non-negative integer")
		}
		if days > 0 {
			filter.Since = time.Now().UTC().AddDate(0, 0, -days)
		}
	}
	items, total, err := h.dashboard.ListRequests(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(pg.Links(c.Request().URL, total)))
}

func (h *Handler) ListActions(c echo.Context) error {
	actions, err := h.dashboard.ListActions(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, actions)
}

func (h *Handler) Timeline(c echo.Context) error {
	entries, err := h.dashboard.Timeline(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, entries)
}

func (h *Handler) PendingActions(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.dashboard.PendingActions(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(pg.Links(c.Request().URL, total)))
}

// windowDays reads the dashboard window from ?days=, defaulting to 30.
func windowDays(c echo.Context) (int, error) {
	d := c.QueryParam("days")
	if d == "" {
		return 30, nil
	}
	n, err := strconv.Atoi(d)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "days must be a non-negative integer")
	}
	return n, nil
}

func (h *Handler) Stats(c echo.Context) error {
	days, err := windowDays(c)
	if err != nil {
		return err
	}
	st, err := h.dashboard.Stats(c.Request().Context(), days)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) PayerStats(c echo.Context) error {
	days, err := windowDays(c)
	if err != nil {
		return err
	}
	out, err := h.dashboard.PayerStats(c.Request().Context(), days)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}
