package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"finguard/internal/app"
	"finguard/internal/config"
	"finguard/internal/domain"
	"finguard/internal/governance"
	"finguard/internal/repo"
)

const (
	testSecret = "test-secret"
	testAPIKey = "fgk_test"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, mutate func(*Config)) (*testServer, func()) {
	t.Helper()
	a, err := app.Build(context.Background(), app.Options{Workspace: t.TempDir(), Config: config.Default()})
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	cfg := Config{
		Governance: a.Governance,
		APIKeys:    a.Repo,
		Metrics:    a.Metrics,
		BasePath:   "/v1",
		Auth:       AuthConfig{JWTSecret: testSecret},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	if err := a.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:          "key-1",
		ActorID:     "planning-app",
		KeyHash:     repo.HashAPIKey(testAPIKey),
		Roles:       []string{"analyst"},
		Permissions: []string{"audit.read"},
	}); err != nil {
		t.Fatalf("seed api key: %v", err)
	}
	handler, err := New(cfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, actor domain.Actor, perms ...string) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, actor, perms, 0)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error
}

var (
	analyst  = domain.Actor{ID: "alice", Roles: []string{"analyst"}}
	manager  = domain.Actor{ID: "mia", Roles: []string{"manager"}}
	fpnaHead = domain.Actor{ID: "hugo", Roles: []string{"fpna_head"}}
	auditor  = domain.Actor{ID: "olga", Roles: []string{"auditor"}}
)

func posting(amount float64) map[string]any {
	return map[string]any{
		"action_type": "actual_posting",
		"payload":     map[string]any{"account": "4000", "amount": amount, "period": "2024-03"},
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/requests", posting(10), nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data).Code; code != "unauthorized" {
		t.Fatalf("expected unauthorized, got %s", code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/requests", posting(10), map[string]string{"Authorization": "Bearer garbage"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data).Code; code != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %s", code)
	}
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests", posting(1200), bearer(t, analyst))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var decision domain.GovernanceDecision
	if err := json.Unmarshal(data, &decision); err != nil {
		t.Fatalf("unmarshal decision: %v", err)
	}
	if decision.Status != domain.StatusPending || decision.RequestID == "" {
		t.Fatalf("unexpected decision %+v", decision)
	}
	base := srv.URL + "/v1/requests/" + decision.RequestID

	// The analyst holds no role on the first stage.
	res, data = doJSON(t, client, http.MethodPost, base+"/decisions", map[string]any{
		"stage": "controller-review", "decision": "APPROVE",
	}, bearer(t, analyst))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data).Code; code != "unauthorized_approver" {
		t.Fatalf("expected unauthorized_approver, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/decisions", map[string]any{
		"stage": "finance-signoff", "decision": "APPROVE",
	}, bearer(t, fpnaHead))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for wrong stage, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data).Code; code != "invalid_state_transition" {
		t.Fatalf("expected invalid_state_transition, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/decisions", map[string]any{
		"stage": "controller-review", "decision": "APPROVE", "comment": "ok",
	}, bearer(t, manager))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var inst domain.WorkflowInstance
	if err := json.Unmarshal(data, &inst); err != nil {
		t.Fatalf("unmarshal instance: %v", err)
	}
	if inst.Status != domain.StatusInReview || inst.CurrentStageIndex != 1 {
		t.Fatalf("expected second stage in review, got %s/%d", inst.Status, inst.CurrentStageIndex)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/decisions", map[string]any{
		"stage": "finance-signoff", "decision": "APPROVE",
	}, bearer(t, fpnaHead))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("final approve status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base, nil, bearer(t, analyst))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var st governance.RequestStatus
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if st.Instance == nil || st.Instance.Status != domain.StatusApproved {
		t.Fatalf("expected approved instance, got %+v", st.Instance)
	}
	if len(st.Decisions) != 2 {
		t.Fatalf("expected 2 decisions, got %d", len(st.Decisions))
	}
	if st.Action == nil || st.Action.Action != domain.ActionCommit {
		t.Fatalf("expected commit action, got %+v", st.Action)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/cancel", map[string]any{"reason": "late"}, bearer(t, analyst))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("cancel after approval: expected 409, got %d %s", res.StatusCode, string(data))
	}
}

func TestBlockingRuleReturnsViolations(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/requests", posting(6000000), bearer(t, analyst))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	body := errorCode(t, data)
	if body.Code != "validation_failed" {
		t.Fatalf("expected validation_failed, got %s", body.Code)
	}
	if !strings.Contains(body.Message, "ACT-002") {
		t.Fatalf("expected ACT-002 in message, got %q", body.Message)
	}
	violations, _ := body.Details["violations"].([]any)
	if len(violations) == 0 {
		t.Fatalf("expected violations in details, got %+v", body.Details)
	}
}

func TestMalformedDecisionIsBadRequest(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/requests/missing/decisions", map[string]any{
		"stage": "controller-review", "decision": "MAYBE",
	}, bearer(t, manager))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/requests/missing/decisions", map[string]any{
		"stage": "controller-review", "decision": "APPROVE",
	}, bearer(t, manager))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestAuditEndpointsRequirePermission(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	for i := 0; i < 2; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests", posting(float64(100+i)), bearer(t, analyst))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/audit/entries", nil, bearer(t, analyst))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	if body := errorCode(t, data); body.Code != "forbidden" || body.Details["permission"] != "audit.read" {
		t.Fatalf("unexpected error %+v", body)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/audit/entries?limit=3", nil, bearer(t, auditor, "audit.read"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("entries status %d: %s", res.StatusCode, string(data))
	}
	var page AuditPage
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 3 || page.NextAfter != 3 {
		t.Fatalf("expected 3 items and next_after 3, got %d/%d", len(page.Items), page.NextAfter)
	}
	for i, item := range page.Items {
		if item.SequenceNo != int64(i+1) {
			t.Fatalf("entries out of order: %d at %d", item.SequenceNo, i)
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/audit/entries?after=3", nil, bearer(t, auditor, "audit.read"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page status %d: %s", res.StatusCode, string(data))
	}
	page = AuditPage{}
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 1 || page.NextAfter != 0 {
		t.Fatalf("expected last page with 1 item, got %d/%d", len(page.Items), page.NextAfter)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/audit/verify", nil, bearer(t, auditor, "audit.read"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify status %d: %s", res.StatusCode, string(data))
	}
	var report struct {
		Valid   bool  `json:"valid"`
		Entries int64 `json:"entries"`
	}
	_ = json.Unmarshal(data, &report)
	if !report.Valid || report.Entries != 4 {
		t.Fatalf("unexpected verify report %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/audit/resume", nil, bearer(t, auditor, "audit.read"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("resume without audit.resume: expected 403, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/audit/resume", nil, bearer(t, auditor, "audit.resume"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resume status %d: %s", res.StatusCode, string(data))
	}
}

func TestDevHeadersOnlyWhenEnabled(t *testing.T) {
	headers := map[string]string{"X-Actor-Id": "alice", "X-Actor-Roles": "analyst"}

	srv, cleanup := newTestServer(t, nil)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/requests", posting(10), headers)
	cleanup()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with dev headers disabled, got %d %s", res.StatusCode, string(data))
	}

	srv, cleanup = newTestServer(t, func(c *Config) { c.Auth.AllowDevHeaders = true })
	defer cleanup()
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/requests", posting(10), headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 with dev headers enabled, got %d %s", res.StatusCode, string(data))
	}
}

func TestRateLimit(t *testing.T) {
	srv, cleanup := newTestServer(t, func(c *Config) { c.RateLimit = RateLimitConfig{RPS: 1, Burst: 1} })
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first request: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data).Code; code != "rate_limited" {
		t.Fatalf("expected rate_limited, got %s", code)
	}
}

func TestMetricsAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/requests", posting(10), bearer(t, analyst))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "finguard_submissions_total") {
		t.Fatalf("expected submissions counter in exposition")
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d: %s", res.StatusCode, string(data))
	}
	if !strings.Contains(string(data), "bearerAuth") || !strings.Contains(string(data), "/v1/requests/{id}/decisions") {
		t.Fatalf("openapi document incomplete")
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/requests", posting(10), map[string]string{"X-Api-Key": testAPIKey})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit with api key: %d %s", res.StatusCode, string(data))
	}
	var decision domain.GovernanceDecision
	_ = json.Unmarshal(data, &decision)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/requests/"+decision.RequestID, nil, map[string]string{"X-Api-Key": testAPIKey})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status with api key: %d %s", res.StatusCode, string(data))
	}
	var st governance.RequestStatus
	_ = json.Unmarshal(data, &st)
	if st.Request.Actor.ID != "planning-app" {
		t.Fatalf("expected key actor, got %q", st.Request.Actor.ID)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/audit/verify", nil, map[string]string{"X-Api-Key": testAPIKey})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify with api key: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/audit/verify", nil, map[string]string{"X-Api-Key": "fgk_wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d %s", res.StatusCode, string(data))
	}
}
