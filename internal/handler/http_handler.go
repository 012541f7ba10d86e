package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pesio-ai/be-plt-approvals/internal/orchestrator"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
	"github.com/pesio-ai/be-plt-approvals/internal/worker"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

// RoleAdmin gates workflow, rule, member and job administration.
const RoleAdmin = "admin"

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services behind the HTTP surface. Orchestrator, Reconciler
// and Metrics may be nil.
type Deps struct {
	Approvals    *service.ApprovalService
	Admin        *service.WorkflowAdminService
	Jobs         *service.JobService
	Orchestrator *orchestrator.Orchestrator
	Reconciler   *worker.Reconciler
	Health       Pinger
	Metrics      http.Handler
	Auth         *Authenticator
	// MembersChanged runs after a membership write, e.g. to drop caches.
	MembersChanged func()
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	deps Deps
	log  *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(deps Deps, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{deps: deps, log: log}
}

// Router builds the gin engine with every route registered.
func (h *HTTPHandler) Router() *gin.Engine {
	r := gin.New()
	r.Use(RequestID(), RequestLogger(h.log), Recovery(h.log))

	r.GET("/health", h.Health)
	if h.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(h.deps.Metrics))
	}

	api := r.Group("/api/v1", Auth(h.deps.Auth))
	admin := RequireRole(RoleAdmin)

	approvals := api.Group("/approvals")
	approvals.POST("", h.SubmitForApproval)
	approvals.GET("", h.ListRequests)
	approvals.GET("/pending", h.ListPending)
	approvals.GET("/:id", h.GetRequest)
	approvals.GET("/:id/history", h.History)
	approvals.POST("/:id/approve", h.Approve)
	approvals.POST("/:id/reject", h.Reject)
	approvals.POST("/:id/delegate", h.Delegate)
	approvals.POST("/:id/cancel", h.Cancel)

	workflows := api.Group("/workflows")
	workflows.GET("", h.ListWorkflows)
	workflows.GET("/:id", h.GetWorkflow)
	workflows.POST("", admin, h.CreateWorkflow)
	workflows.PUT("/:id", admin, h.ReviseWorkflow)
	workflows.DELETE("/:id", admin, h.DeactivateWorkflow)

	rules := api.Group("/rules")
	rules.GET("", h.ListRules)
	rules.POST("", admin, h.CreateRule)
	rules.PATCH("/:id", admin, h.SetRuleActive)

	api.PUT("/members/:user_id", admin, h.UpsertMember)

	jobs := api.Group("/jobs")
	jobs.GET("", h.ListJobs)
	jobs.GET("/:id", h.GetJob)
	jobs.POST("", admin, h.AddJob)
	jobs.POST("/:id/cancel", admin, h.CancelJob)
	jobs.POST("/:id/retry", admin, h.RetryJob)
	jobs.POST("/reconcile", admin, h.Reconcile)

	integrations := api.Group("/integrations", admin)
	integrations.GET("/breakers", h.Breakers)
	integrations.GET("/audit", h.IntegrationAudit)

	return r
}

// ── Health ────────────────────────────────────────────────────────────────────

func (h *HTTPHandler) Health(c *gin.Context) {
	if h.deps.Health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.Health.Ping(ctx); err != nil {
			h.log.Warn().Err(err).Msg("Health check failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ── Approvals ─────────────────────────────────────────────────────────────────

func (h *HTTPHandler) SubmitForApproval(c *gin.Context) {
	var req struct {
		EntityType string         `json:"entity_type"`
		EntityID   string         `json:"entity_id"`
		EntityData map[string]any `json:"entity_data"`
	}
	if !h.bind(c, &req) {
		return
	}
	id := identity(c)

	res, err := h.deps.Approvals.SubmitForApproval(c.Request.Context(), service.SubmitInput{
		OrganizationID: id.OrganizationID,
		UserID:         id.UserID,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		EntityData:     req.EntityData,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toSubmitJSON(res))
}

func (h *HTTPHandler) ListRequests(c *gin.Context) {
	limit, offset := pagination(c)
	reqs, err := h.deps.Approvals.ListRequests(c.Request.Context(), repository.RequestFilter{
		OrganizationID: identity(c).OrganizationID,
		EntityType:     c.Query("entity_type"),
		Status:         c.Query("status"),
		RequestedBy:    c.Query("requested_by"),
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": mapSlice(reqs, toRequestJSON), "limit": limit, "offset": offset})
}

func (h *HTTPHandler) ListPending(c *gin.Context) {
	id := identity(c)
	pending, err := h.deps.Approvals.ListPending(c.Request.Context(), id.OrganizationID, id.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	items := make([]gin.H, 0, len(pending))
	for _, p := range pending {
		items = append(items, gin.H{"request": toRequestJSON(p.Request), "step": toStepJSON(p.Step)})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *HTTPHandler) GetRequest(c *gin.Context) {
	detail, err := h.deps.Approvals.GetRequest(c.Request.Context(), identity(c).OrganizationID, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"request": toRequestJSON(detail.Request),
		"steps":   mapSlice(detail.Steps, toStepJSON),
	})
}

func (h *HTTPHandler) History(c *gin.Context) {
	entries, err := h.deps.Approvals.History(c.Request.Context(), identity(c).OrganizationID, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": mapSlice(entries, toAuditJSON)})
}

type actionRequest struct {
	Comments   string `json:"comments"`
	DelegateTo string `json:"delegate_to"`
	Reason     string `json:"reason"`
}

func (h *HTTPHandler) Approve(c *gin.Context) {
	var req actionRequest
	if !h.bindOptional(c, &req) || !h.ownRequest(c) {
		return
	}
	d, err := h.deps.Approvals.Approve(c.Request.Context(), c.Param("id"), identity(c).UserID, req.Comments)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toDecisionJSON(d))
}

func (h *HTTPHandler) Reject(c *gin.Context) {
	var req actionRequest
	if !h.bindOptional(c, &req) || !h.ownRequest(c) {
		return
	}
	d, err := h.deps.Approvals.Reject(c.Request.Context(), c.Param("id"), identity(c).UserID, req.Comments)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toDecisionJSON(d))
}

func (h *HTTPHandler) Delegate(c *gin.Context) {
	var req actionRequest
	if !h.bind(c, &req) || !h.ownRequest(c) {
		return
	}
	step, err := h.deps.Approvals.Delegate(c.Request.Context(), c.Param("id"), identity(c).UserID, req.DelegateTo, req.Comments)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toStepJSON(step))
}

func (h *HTTPHandler) Cancel(c *gin.Context) {
	var req actionRequest
	if !h.bindOptional(c, &req) || !h.ownRequest(c) {
		return
	}
	d, err := h.deps.Approvals.Cancel(c.Request.Context(), c.Param("id"), identity(c).UserID, req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toDecisionJSON(d))
}

// ownRequest hides requests of other organizations behind a 404.
func (h *HTTPHandler) ownRequest(c *gin.Context) bool {
	if _, err := h.deps.Approvals.GetRequest(c.Request.Context(), identity(c).OrganizationID, c.Param("id")); err != nil {
		h.fail(c, err)
		return false
	}
	return true
}

// ── Workflows & rules ─────────────────────────────────────────────────────────

func (h *HTTPHandler) CreateWorkflow(c *gin.Context) {
	var in service.WorkflowInput
	if !h.bind(c, &in) {
		return
	}
	id := identity(c)
	in.OrganizationID, in.CreatedBy = id.OrganizationID, id.UserID

	wf, err := h.deps.Admin.CreateWorkflow(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toWorkflowJSON(wf))
}

func (h *HTTPHandler) ReviseWorkflow(c *gin.Context) {
	var in service.WorkflowInput
	if !h.bind(c, &in) {
		return
	}
	id := identity(c)
	in.OrganizationID, in.CreatedBy = id.OrganizationID, id.UserID

	wf, err := h.deps.Admin.ReviseWorkflow(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toWorkflowJSON(wf))
}

func (h *HTTPHandler) DeactivateWorkflow(c *gin.Context) {
	if err := h.deps.Admin.DeactivateWorkflow(c.Request.Context(), identity(c).OrganizationID, c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) GetWorkflow(c *gin.Context) {
	wf, err := h.deps.Admin.GetWorkflow(c.Request.Context(), identity(c).OrganizationID, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toWorkflowJSON(wf))
}

func (h *HTTPHandler) ListWorkflows(c *gin.Context) {
	wfs, err := h.deps.Admin.ListWorkflows(c.Request.Context(), identity(c).OrganizationID, c.Query("entity_type"), c.Query("active") == "true")
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": mapSlice(wfs, toWorkflowJSON)})
}

func (h *HTTPHandler) CreateRule(c *gin.Context) {
	var in service.RuleInput
	if !h.bind(c, &in) {
		return
	}
	in.OrganizationID = identity(c).OrganizationID

	rule, err := h.deps.Admin.CreateRule(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toRuleJSON(rule))
}

func (h *HTTPHandler) SetRuleActive(c *gin.Context) {
	var req struct {
		IsActive *bool `json:"is_active"`
	}
	if !h.bind(c, &req) {
		return
	}
	if req.IsActive == nil {
		h.fail(c, errors.InvalidInput("is_active", "is_active is required"))
		return
	}
	if err := h.deps.Admin.SetRuleActive(c.Request.Context(), identity(c).OrganizationID, c.Param("id"), *req.IsActive); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) ListRules(c *gin.Context) {
	rules, err := h.deps.Admin.ListRules(c.Request.Context(), identity(c).OrganizationID, c.Query("active") == "true")
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": mapSlice(rules, toRuleJSON)})
}

func (h *HTTPHandler) UpsertMember(c *gin.Context) {
	var req struct {
		Role     string   `json:"role"`
		Teams    []string `json:"teams"`
		IsActive *bool    `json:"is_active"`
	}
	if !h.bind(c, &req) {
		return
	}
	active := req.IsActive == nil || *req.IsActive
	m := &repository.Membership{
		OrganizationID: identity(c).OrganizationID,
		UserID:         c.Param("user_id"),
		Role:           req.Role,
		Teams:          req.Teams,
		IsActive:       active,
	}
	if err := h.deps.Admin.UpsertMember(c.Request.Context(), m); err != nil {
		h.fail(c, err)
		return
	}
	if h.deps.MembersChanged != nil {
		h.deps.MembersChanged()
	}
	c.Status(http.StatusNoContent)
}

// ── Jobs ──────────────────────────────────────────────────────────────────────

func (h *HTTPHandler) AddJob(c *gin.Context) {
	var req struct {
		Queue      string          `json:"queue"`
		Payload    json.RawMessage `json:"payload"`
		Priority   string          `json:"priority"`
		MaxRetries *int            `json:"max_retries"`
		RunAt      *time.Time      `json:"run_at"`
	}
	if !h.bind(c, &req) {
		return
	}

	res, err := h.deps.Jobs.AddJob(c.Request.Context(), req.Queue, req.Payload, service.JobOptions{
		Priority:       req.Priority,
		OrganizationID: identity(c).OrganizationID,
		MaxRetries:     req.MaxRetries,
		RunAt:          req.RunAt,
	})
	if err != nil && res == nil {
		h.fail(c, err)
		return
	}
	if err != nil {
		// Recorded but not yet handed to the broker.
		c.JSON(http.StatusAccepted, gin.H{"job": toAddJobJSON(res), "warning": errors.Public(err)})
		return
	}
	c.JSON(http.StatusCreated, toAddJobJSON(res))
}

func (h *HTTPHandler) GetJob(c *gin.Context) {
	job, ok := h.ownJob(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toJobJSON(job))
}

func (h *HTTPHandler) ListJobs(c *gin.Context) {
	limit, offset := pagination(c)
	jobs, err := h.deps.Jobs.ListJobs(c.Request.Context(), repository.JobFilter{
		Queue:          c.Query("queue"),
		Status:         c.Query("status"),
		OrganizationID: identity(c).OrganizationID,
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": mapSlice(jobs, toJobJSON), "limit": limit, "offset": offset})
}

func (h *HTTPHandler) CancelJob(c *gin.Context) {
	if _, ok := h.ownJob(c); !ok {
		return
	}
	job, err := h.deps.Jobs.CancelJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobJSON(job))
}

func (h *HTTPHandler) RetryJob(c *gin.Context) {
	if _, ok := h.ownJob(c); !ok {
		return
	}
	res, err := h.deps.Jobs.RetryFailed(c.Request.Context(), c.Param("id"))
	if err != nil && res == nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toAddJobJSON(res))
}

func (h *HTTPHandler) Reconcile(c *gin.Context) {
	if h.deps.Reconciler == nil {
		h.fail(c, errors.New(errors.ErrCodeNotFound, "reconciler is not running on this instance"))
		return
	}
	report, err := h.deps.Reconciler.Reconcile(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// ownJob loads the job and hides other organizations' entries.
func (h *HTTPHandler) ownJob(c *gin.Context) (*repository.JobEntry, bool) {
	job, err := h.deps.Jobs.GetJob(c.Request.Context(), c.Param("id"))
	if err == nil && job.OrganizationID != nil && *job.OrganizationID != identity(c).OrganizationID {
		err = errors.NotFound("job", c.Param("id"))
	}
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return job, true
}

// ── Integrations ──────────────────────────────────────────────────────────────

func (h *HTTPHandler) Breakers(c *gin.Context) {
	if h.deps.Orchestrator == nil {
		c.JSON(http.StatusOK, gin.H{"breakers": []orchestrator.BreakerStatus{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"breakers": h.deps.Orchestrator.Breakers()})
}

func (h *HTTPHandler) IntegrationAudit(c *gin.Context) {
	if h.deps.Orchestrator == nil {
		c.JSON(http.StatusOK, gin.H{"entries": []integrationAuditJSON{}})
		return
	}
	limit, _ := pagination(c)
	entries, err := h.deps.Orchestrator.AuditLog(c.Request.Context(), repository.IntegrationAuditFilter{
		Integration:    c.Query("integration"),
		IdempotencyKey: c.Query("idempotency_key"),
		Status:         c.Query("status"),
		Limit:          limit,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": mapSlice(entries, toIntegrationAuditJSON)})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func (h *HTTPHandler) bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		h.fail(c, errors.InvalidInput("body", "invalid request body: "+err.Error()))
		return false
	}
	return true
}

// bindOptional accepts an empty body.
func (h *HTTPHandler) bindOptional(c *gin.Context, v any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	return h.bind(c, v)
}

func (h *HTTPHandler) fail(c *gin.Context, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("request_id", c.GetString(ctxRequestID)).
			Str("path", c.FullPath()).
			Msg("Request failed")
	}
	c.AbortWithStatusJSON(status, errorBody(err))
}

func pagination(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.Query("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset, _ = strconv.Atoi(c.Query("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

