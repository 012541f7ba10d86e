package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/queue"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	store     *memory.Store
	auth      *Authenticator
	approvals *service.ApprovalService
	admin     *service.WorkflowAdminService
	jobs      *service.JobService
	router    *gin.Engine
	flushed   int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.Nop()
	f := &fixture{store: memory.New(), auth: NewAuthenticator(AuthConfig{Secret: testSecret, Issuer: "approvals-test"})}

	broker := queue.NewMemoryBroker()
	t.Cleanup(func() { _ = broker.Close() })

	dir := service.NewRepositoryDirectory(f.store.Repos().Members)
	f.admin = service.NewWorkflowAdminService(f.store, log)
	f.approvals = service.NewApprovalService(f.store, service.NewRulesEngine(f.store, dir, log), dir, nil, nil, 0, log)
	f.jobs = service.NewJobService(f.store, broker, nil, nil, 3, log)

	f.router = NewHTTPHandler(Deps{
		Approvals:      f.approvals,
		Admin:          f.admin,
		Jobs:           f.jobs,
		Health:         f.store,
		Auth:           f.auth,
		MembersChanged: func() { f.flushed++ },
	}, log).Router()
	return f
}

func (f *fixture) token(t *testing.T, org, user string, roles ...string) string {
	t.Helper()
	tok, err := f.auth.Issue(Identity{UserID: user, OrganizationID: org, Roles: roles}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

// setupInvoiceFlow installs a single-step workflow approved by u1.
func (f *fixture) setupInvoiceFlow(t *testing.T, adminTok string) string {
	t.Helper()
	for _, m := range []struct{ user, role string }{{"alice", "clerk"}, {"u1", "manager"}} {
		w, _ := f.do(t, http.MethodPut, "/api/v1/members/"+m.user, adminTok, map[string]any{"role": m.role})
		require.Equal(t, http.StatusNoContent, w.Code)
	}

	w, wf := f.do(t, http.MethodPost, "/api/v1/workflows", adminTok, map[string]any{
		"name":        "Invoice approval",
		"entity_type": "invoice",
		"steps": []map[string]any{{
			"name":          "Manager",
			"step_type":     repository.StepTypeSingle,
			"approver_type": repository.ApproverTypeUser,
			"approver_refs": []string{"u1"},
		}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	wfID := wf["id"].(string)

	w, _ = f.do(t, http.MethodPost, "/api/v1/rules", adminTok, map[string]any{
		"name":        "All invoices",
		"entity_type": "invoice",
		"workflow_id": wfID,
		"conditions":  map[string]any{"operator": "manual"},
		"priority":    1,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return wfID
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w, body := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, w.Header().Get(headerRequestID))
}

func TestRequestIDIsPropagated(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(headerRequestID, "req-42")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get(headerRequestID))
}

func TestAPIRequiresToken(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(t, http.MethodGet, "/api/v1/approvals", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", body["error"].(map[string]any)["code"])

	w, _ = f.do(t, http.MethodGet, "/api/v1/approvals", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	other := NewAuthenticator(AuthConfig{Secret: "other-secret"})
	forged, err := other.Issue(Identity{UserID: "u1", OrganizationID: "org-1"}, time.Hour)
	require.NoError(t, err)
	w, _ = f.do(t, http.MethodGet, "/api/v1/approvals", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	f := newFixture(t)
	w, body := f.do(t, http.MethodPost, "/api/v1/workflows", f.token(t, "org-1", "alice"), map[string]any{"name": "x"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "INSUFFICIENT_PERMISSIONS", body["error"].(map[string]any)["code"])
}

func TestDisabledAuthTrustsIdentityHeaders(t *testing.T) {
	f := newFixture(t)
	f.router = NewHTTPHandler(Deps{
		Approvals: f.approvals,
		Admin:     f.admin,
		Jobs:      f.jobs,
		Auth:      NewAuthenticator(AuthConfig{Disabled: true}),
	}, logger.Nop()).Router()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/approvals", nil)
	req.Header.Set("X-User-ID", "alice")
	req.Header.Set("X-Organization-ID", "org-1")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/approvals", nil)
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestApprovalLifecycleOverREST(t *testing.T) {
	f := newFixture(t)
	adminTok := f.token(t, "org-1", "root", RoleAdmin)
	f.setupInvoiceFlow(t, adminTok)
	assert.Equal(t, 2, f.flushed)

	aliceTok := f.token(t, "org-1", "alice")
	w, sub := f.do(t, http.MethodPost, "/api/v1/approvals", aliceTok, map[string]any{
		"entity_type": "invoice",
		"entity_id":   "inv-1",
		"entity_data": map[string]any{"amount": 250},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	reqID := sub["request_id"].(string)
	assert.Equal(t, []any{"u1"}, sub["approvers"])

	u1Tok := f.token(t, "org-1", "u1")
	w, pending := f.do(t, http.MethodGet, "/api/v1/approvals/pending", u1Tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	items := pending["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, reqID, items[0].(map[string]any)["request"].(map[string]any)["id"])

	// Alice is not an approver on this request.
	w, _ = f.do(t, http.MethodPost, "/api/v1/approvals/"+reqID+"/approve", aliceTok, nil)
	assert.GreaterOrEqual(t, w.Code, 400)
	assert.Less(t, w.Code, 500)

	w, dec := f.do(t, http.MethodPost, "/api/v1/approvals/"+reqID+"/approve", u1Tok, map[string]any{"comments": "ok"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, repository.RequestStatusApproved, dec["status"])
	assert.Equal(t, true, dec["completed"])

	w, detail := f.do(t, http.MethodGet, "/api/v1/approvals/"+reqID, aliceTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, repository.RequestStatusApproved, detail["request"].(map[string]any)["status"])
	assert.Len(t, detail["steps"], 1)

	w, hist := f.do(t, http.MethodGet, "/api/v1/approvals/"+reqID+"/history", aliceTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, hist["entries"])
}

func TestRequestsAreScopedToOrganization(t *testing.T) {
	f := newFixture(t)
	f.setupInvoiceFlow(t, f.token(t, "org-1", "root", RoleAdmin))

	w, sub := f.do(t, http.MethodPost, "/api/v1/approvals", f.token(t, "org-1", "alice"), map[string]any{
		"entity_type": "invoice",
		"entity_id":   "inv-1",
		"entity_data": map[string]any{"amount": 250},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	reqID := sub["request_id"].(string)

	outsider := f.token(t, "org-2", "u1")
	w, _ = f.do(t, http.MethodGet, "/api/v1/approvals/"+reqID, outsider, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/v1/approvals/"+reqID+"/approve", outsider, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, list := f.do(t, http.MethodGet, "/api/v1/approvals", outsider, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, list["requests"])
}

func TestSubmitWithoutMatchingRuleIsNotFound(t *testing.T) {
	f := newFixture(t)
	w, body := f.do(t, http.MethodPost, "/api/v1/approvals", f.token(t, "org-1", "alice"), map[string]any{
		"entity_type": "invoice",
		"entity_id":   "inv-1",
		"entity_data": map[string]any{"amount": 250},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", body["error"].(map[string]any)["code"])
}

func TestMalformedBodyIsBadRequest(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/approvals", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+f.token(t, "org-1", "alice"))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJobEndpoints(t *testing.T) {
	f := newFixture(t)
	adminTok := f.token(t, "org-1", "root", RoleAdmin)

	w, added := f.do(t, http.MethodPost, "/api/v1/jobs", adminTok, map[string]any{
		"queue":    "erp-sync",
		"payload":  map[string]any{"request_id": "r-1"},
		"priority": repository.PriorityHigh,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, true, added["enqueued"])
	jobID := added["ledger_job_id"].(string)

	w, job := f.do(t, http.MethodGet, "/api/v1/jobs/"+jobID, adminTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "erp-sync", job["queue"])

	w, _ = f.do(t, http.MethodGet, "/api/v1/jobs/"+jobID, f.token(t, "org-2", "root", RoleAdmin), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, list := f.do(t, http.MethodGet, "/api/v1/jobs?queue=erp-sync", adminTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, list["jobs"], 1)

	w, cancelled := f.do(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/cancel", adminTok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, repository.JobStatusCancelled, cancelled["status"])

	entry, err := f.store.Repos().Jobs.GetByID(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, repository.JobStatusCancelled, entry.Status)
}

func TestBreakersWithoutOrchestrator(t *testing.T) {
	f := newFixture(t)
	w, body := f.do(t, http.MethodGet, "/api/v1/integrations/breakers", f.token(t, "org-1", "root", RoleAdmin), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body["breakers"])
}
