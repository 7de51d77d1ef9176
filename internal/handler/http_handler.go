package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pesio-ai/be-expenses/internal/errors"
	"github.com/pesio-ai/be-expenses/internal/logger"
	"github.com/pesio-ai/be-expenses/internal/repository"
	"github.com/pesio-ai/be-expenses/internal/service"
)

// UserIDHeader identifies the caller. Authentication happens upstream at the
// gateway, which sets this header.
const UserIDHeader = "X-User-ID"

// Pinger reports whether the record store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RetryConfig bounds the retries of state-changing calls that lose a version
// race or hit a transient store error.
type RetryConfig struct {
	Attempts int
	Backoff  time.Duration
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	expenses *service.ExpenseService
	workflow *service.ExpenseWorkflowService
	store    Pinger
	retry    RetryConfig
	log      *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	expenses *service.ExpenseService,
	workflow *service.ExpenseWorkflowService,
	store Pinger,
	retry RetryConfig,
	log *logger.Logger,
) *HTTPHandler {
	if retry.Attempts < 1 {
		retry.Attempts = 1
	}
	return &HTTPHandler{
		expenses: expenses,
		workflow: workflow,
		store:    store,
		retry:    retry,
		log:      log,
	}
}

// Register mounts every route on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /api/health", h.Health)

	mux.HandleFunc("GET /api/v1/expenses", h.ListExpenses)
	mux.HandleFunc("POST /api/v1/expenses", h.CreateExpense)
	mux.HandleFunc("GET /api/v1/expenses/{id}", h.GetExpense)
	mux.HandleFunc("PATCH /api/v1/expenses/{id}", h.UpdateExpense)
	mux.HandleFunc("POST /api/v1/expenses/{id}/submit", h.SubmitExpense)
	mux.HandleFunc("POST /api/v1/expenses/{id}/resubmit", h.ResubmitExpense)
	mux.HandleFunc("POST /api/v1/expenses/{id}/decision", h.DecideExpense)
	mux.HandleFunc("GET /api/v1/expenses/{id}/checklist", h.GetChecklist)
	mux.HandleFunc("GET /api/v1/expenses/{id}/history", h.GetApprovalHistory)

	mux.HandleFunc("GET /api/v1/approvals/pending", h.PendingApprovals)
	mux.HandleFunc("GET /api/v1/reports/categories", h.CategorySummary)
	mux.HandleFunc("GET /api/v1/reports/statuses", h.StatusSummary)
	mux.HandleFunc("GET /api/v1/reports/monthly", h.MonthlyTrend)

	mux.HandleFunc("GET /api/v1/admin/approval-rules", h.ListRules)
	mux.HandleFunc("POST /api/v1/admin/approval-rules", h.CreateRule)
	mux.HandleFunc("GET /api/v1/admin/approval-rules/{id}", h.GetRule)
	mux.HandleFunc("PUT /api/v1/admin/approval-rules/{id}", h.UpdateRule)
	mux.HandleFunc("DELETE /api/v1/admin/approval-rules/{id}", h.DeleteRule)
}

// Health reports liveness plus store reachability.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.log.Warn().Err(err).Msg("Health check: store unreachable")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ── Expenses ──────────────────────────────────────────────────────────────────

type expenseResponse struct {
	Expense   *repository.Expense   `json:"expense"`
	Checklist *repository.Checklist `json:"checklist,omitempty"`
}

// CreateExpense handles create expense HTTP requests
func (h *HTTPHandler) CreateExpense(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req service.CreateExpenseRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.OwnerID = actor

	e, c, err := h.expenses.CreateExpense(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, expenseResponse{Expense: e, Checklist: c})
}

// GetExpense handles get expense HTTP requests
func (h *HTTPHandler) GetExpense(w http.ResponseWriter, r *http.Request) {
	e, err := h.expenses.GetExpense(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// ListExpenses handles list expenses HTTP requests
func (h *HTTPHandler) ListExpenses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 50
	}

	expenses, total, err := h.expenses.ListExpenses(r.Context(), repository.ExpenseFilter{
		OwnerID:  q.Get("owner_id"),
		Status:   repository.ExpenseStatus(q.Get("status")),
		Category: repository.Category(q.Get("category")),
		FromDate: q.Get("from_date"),
		ToDate:   q.Get("to_date"),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"expenses": expenses,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	})
}

// UpdateExpense handles draft edits
func (h *HTTPHandler) UpdateExpense(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var patch service.ExpensePatch
	if !h.decode(w, r, &patch) {
		return
	}

	e, err := h.expenses.UpdateDraft(r.Context(), r.PathValue("id"), actor, patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// SubmitExpense handles submit for approval HTTP requests
func (h *HTTPHandler) SubmitExpense(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var (
		e *repository.Expense
		c *repository.Checklist
	)
	err := h.withRetry(r.Context(), func(ctx context.Context) error {
		var err error
		e, c, err = h.workflow.Submit(ctx, r.PathValue("id"), actor)
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, expenseResponse{Expense: e, Checklist: c})
}

// ResubmitExpense handles edit-and-resubmit of a draft or rejected expense
func (h *HTTPHandler) ResubmitExpense(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var patch service.ExpensePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil && err != io.EOF {
		h.writeError(w, r, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request body"))
		return
	}

	var (
		e *repository.Expense
		c *repository.Checklist
	)
	err := h.withRetry(r.Context(), func(ctx context.Context) error {
		var err error
		e, c, err = h.expenses.ResubmitExpense(ctx, r.PathValue("id"), actor, patch)
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, expenseResponse{Expense: e, Checklist: c})
}

type decisionRequest struct {
	Decision string `json:"decision"`
	Comment  string `json:"comment"`
}

// DecideExpense records the caller's approve or reject decision
func (h *HTTPHandler) DecideExpense(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if !h.decode(w, r, &req) {
		return
	}

	var decision repository.Decision
	switch strings.ToLower(strings.TrimSpace(req.Decision)) {
	case "approve", "approved":
		decision = repository.DecisionApproved
	case "reject", "rejected":
		decision = repository.DecisionRejected
	default:
		h.writeError(w, r, errors.InvalidInput("decision", "must be approve or reject"))
		return
	}

	var res *service.DecisionResult
	err := h.withRetry(r.Context(), func(ctx context.Context) error {
		var err error
		res, err = h.workflow.Decide(ctx, r.PathValue("id"), actor, decision, req.Comment)
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetChecklist returns the current round's checklist, or ?round=N.
func (h *HTTPHandler) GetChecklist(w http.ResponseWriter, r *http.Request) {
	round := 0
	if raw := r.URL.Query().Get("round"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.writeError(w, r, errors.InvalidInput("round", "must be a positive integer"))
			return
		}
		round = n
	}

	c, err := h.expenses.GetChecklist(r.Context(), r.PathValue("id"), round)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"checklist":  c,
		"actionable": service.ActionableApprovers(c),
	})
}

// GetApprovalHistory returns the audit trail of an expense
func (h *HTTPHandler) GetApprovalHistory(w http.ResponseWriter, r *http.Request) {
	trail, err := h.expenses.GetApprovalHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": trail})
}

// PendingApprovals lists expenses the caller can act on now
func (h *HTTPHandler) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	pending, err := h.expenses.PendingApprovals(r.Context(), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"approvals": pending,
		"total":     len(pending),
	})
}

// CategorySummary reports approved spend per category. owner_id defaults to
// the caller.
func (h *HTTPHandler) CategorySummary(w http.ResponseWriter, r *http.Request) {
	owner, from, to, ok := h.reportScope(w, r)
	if !ok {
		return
	}
	summary, err := h.expenses.CategorySummary(r.Context(), owner, from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// StatusSummary reports approved, rejected and pending totals.
func (h *HTTPHandler) StatusSummary(w http.ResponseWriter, r *http.Request) {
	owner, from, to, ok := h.reportScope(w, r)
	if !ok {
		return
	}
	summary, err := h.expenses.StatusSummary(r.Context(), owner, from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// MonthlyTrend reports approved spend per month; ?months defaults to 6.
func (h *HTTPHandler) MonthlyTrend(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	owner := q.Get("owner_id")
	if owner == "" {
		var ok bool
		if owner, ok = h.actor(w, r); !ok {
			return
		}
	}
	months := 6
	if v := q.Get("months"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, r, errors.InvalidInput("months", "must be a number"))
			return
		}
		months = n
	}

	trend, err := h.expenses.MonthlyTrend(r.Context(), owner, months)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trend)
}

// reportScope reads owner_id (default: the caller) and the date range, given
// either as ?period=week|month|quarter|year or as ?from&to.
func (h *HTTPHandler) reportScope(w http.ResponseWriter, r *http.Request) (owner, from, to string, ok bool) {
	q := r.URL.Query()
	owner = q.Get("owner_id")
	if owner == "" {
		if owner, ok = h.actor(w, r); !ok {
			return "", "", "", false
		}
	}

	if period := q.Get("period"); period != "" {
		var err error
		if from, to, err = h.expenses.PeriodRange(period); err != nil {
			h.writeError(w, r, err)
			return "", "", "", false
		}
		return owner, from, to, true
	}
	for _, field := range []string{"from", "to"} {
		if v := q.Get(field); v != "" {
			if _, err := time.Parse("2006-01-02", v); err != nil {
				h.writeError(w, r, errors.InvalidInput(field, "must be YYYY-MM-DD"))
				return "", "", "", false
			}
		}
	}
	return owner, q.Get("from"), q.Get("to"), true
}

// ── Approval rules ────────────────────────────────────────────────────────────

// ListRules returns approval rules; ?active=true limits to active ones.
func (h *HTTPHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	if !h.ruleAdmin(w, r) {
		return
	}
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	rules, err := h.expenses.ListRules(r.Context(), activeOnly)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rules})
}

func (h *HTTPHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	if !h.ruleAdmin(w, r) {
		return
	}
	var rule repository.ApprovalRule
	if !h.decode(w, r, &rule) {
		return
	}
	created, err := h.expenses.CreateRule(r.Context(), &rule)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *HTTPHandler) GetRule(w http.ResponseWriter, r *http.Request) {
	if !h.ruleAdmin(w, r) {
		return
	}
	rule, err := h.expenses.GetRule(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *HTTPHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	if !h.ruleAdmin(w, r) {
		return
	}
	var rule repository.ApprovalRule
	if !h.decode(w, r, &rule) {
		return
	}
	rule.ID = r.PathValue("id")
	updated, err := h.expenses.UpdateRule(r.Context(), &rule)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *HTTPHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if !h.ruleAdmin(w, r) {
		return
	}
	if err := h.expenses.DeleteRule(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (h *HTTPHandler) actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(UserIDHeader))
	if id == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{
			Code:    "UNAUTHENTICATED",
			Message: UserIDHeader + " header is required",
		})
		return "", false
	}
	return id, true
}

// ruleAdmin admits callers holding the rule administration role.
func (h *HTTPHandler) ruleAdmin(w http.ResponseWriter, r *http.Request) bool {
	actor, ok := h.actor(w, r)
	if !ok {
		return false
	}
	if err := h.expenses.AuthorizeRuleAdmin(r.Context(), actor); err != nil {
		h.writeError(w, r, err)
		return false
	}
	return true
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, r, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request body"))
		return false
	}
	return true
}

func (h *HTTPHandler) withRetry(ctx context.Context, fn func(context.Context) error) error {
	return service.RetryTransient(ctx, h.retry.Attempts, h.retry.Backoff, fn)
}

type errorBody struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	body := errorBody{Code: string(errors.CodeOf(err)), Message: "internal server error"}

	var appErr *errors.Error
	if errors.As(err, &appErr) && status < http.StatusInternalServerError {
		body.Message = appErr.Message
		body.Field = appErr.Field
	} else if status == http.StatusServiceUnavailable {
		body.Message = "service temporarily unavailable"
	}

	evt := h.log.Warn()
	if status >= http.StatusInternalServerError {
		evt = h.log.Error()
	}
	evt.Err(err).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Msg("Request failed")

	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
