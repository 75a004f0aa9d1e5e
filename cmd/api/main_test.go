package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"disputeflow/auth"
	"disputeflow/dispute"
	"disputeflow/entity"
	"disputeflow/escalation"
	"disputeflow/fault"
)

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type testEnv struct {
	handler  http.Handler
	accounts *auth.Service
	clock    *stubClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	clock := &stubClock{now: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
	entities := entity.NewService(entity.NewDirectory())
	accounts := auth.NewService(auth.NewMemoryRepository(), "test-secret")
	disputes := dispute.NewService(dispute.NewMemoryStore()).
		WithClock(clock.Now).
		WithEntities(entities)

	return &testEnv{
		handler:  NewServer(disputes, accounts, entities, logger).Routes(),
		accounts: accounts,
		clock:    clock,
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// login registers a consumer and returns its token.
func (e *testEnv) login(t *testing.T, email string) string {
	t.Helper()
	creds := map[string]string{"email": email, "password": "correct horse", "full_name": "Test User"}
	if rec := e.do(t, http.MethodPost, "/api/auth/register", "", creds); rec.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	rec := e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": email, "password": "correct horse"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp loginResponse
	decode(t, rec, &resp)
	if resp.Token == "" || resp.User.Role != string(auth.RoleConsumer) {
		t.Fatalf("unexpected login response %+v", resp)
	}
	return resp.Token
}

func (e *testEnv) operatorToken(t *testing.T) string {
	t.Helper()
	token, _, err := e.accounts.IssueToken(auth.Principal{UserID: "operator-1", Role: auth.RoleOperator})
	if err != nil {
		t.Fatalf("issue operator token: %v", err)
	}
	return token
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, rec.Code, rec.Body.String())
	}
	if code == "" {
		return
	}
	var resp errorResponse
	decode(t, rec, &resp)
	if resp.Code != code {
		t.Fatalf("expected code %s, got %+v", code, resp)
	}
}

var createBody = map[string]any{
	"entity_type": "BUREAU",
	"entity_name": "Experian",
	"source":      "DIRECT",
	"violations": []map[string]string{{
		"violation_id":          "v-1",
		"violation_type":        "BALANCE_REPORTED_AFTER_PAYOFF",
		"severity":              "HIGH",
		"creditor_name":         "Capital Bank",
		"account_number_masked": "****1234",
	}},
}

func (e *testEnv) createDispute(t *testing.T, token string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/disputes", token, createBody)
	expectStatus(t, rec, http.StatusCreated, "")
	var resp aggregateResponse
	decode(t, rec, &resp)
	if resp.Dispute.State != escalation.Detected || len(resp.Violations) != 1 {
		t.Fatalf("unexpected create response %+v", resp)
	}
	return resp.Dispute.ID
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestDisputeLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "consumer@example.com")
	id := env.createDispute(t, token)
	base := "/api/disputes/" + id

	rec := env.do(t, http.MethodPost, base+"/tracking", token, map[string]string{"mailed_date": "2025-01-01", "tracking_ref": "USPS-1"})
	expectStatus(t, rec, http.StatusOK, "")
	var d disputeResponse
	decode(t, rec, &d)
	if d.State != escalation.Disputed || d.DeadlineDate != "2025-01-31" {
		t.Fatalf("unexpected tracking response %+v", d)
	}

	rec = env.do(t, http.MethodPost, base+"/responses", token, map[string]any{
		"violation_id":  "v-1",
		"response":      "verified",
		"response_date": "2025-01-25",
		"findings":      map[string]bool{"previously_detected": true, "still_present": true, "evidence_sent": true},
	})
	expectStatus(t, rec, http.StatusOK, "")
	var logged struct {
		Violation violationResponse `json:"violation"`
		State     dispute.StateView `json:"state"`
	}
	decode(t, rec, &logged)
	if logged.Violation.Response != "VERIFIED" || logged.State.State != escalation.NonCompliant || logged.State.Tier != 1 {
		t.Fatalf("unexpected response payload %+v", logged)
	}

	rec = env.do(t, http.MethodPost, base+"/responses", token, map[string]any{
		"violation_id": "v-1", "response": "DELETED", "response_date": "2025-01-26",
	})
	expectStatus(t, rec, http.StatusConflict, string(fault.DuplicateResponse))

	env.clock.Set(time.Date(2025, 2, 10, 10, 0, 0, 0, time.UTC))
	rec = env.do(t, http.MethodPost, base+"/tier2/notice", token, nil)
	expectStatus(t, rec, http.StatusOK, "")
	rec = env.do(t, http.MethodPost, base+"/tier2/notice", token, nil)
	expectStatus(t, rec, http.StatusConflict, string(fault.AlreadySent))

	rec = env.do(t, http.MethodPost, base+"/tier2/response", token, map[string]string{"response": "CURED", "response_date": "2025-02-20"})
	expectStatus(t, rec, http.StatusOK, "")
	var t2 dispute.Tier2Result
	decode(t, rec, &t2)
	if t2.State != escalation.CuredAtTier2 {
		t.Fatalf("unexpected tier2 result %+v", t2)
	}
	rec = env.do(t, http.MethodPost, base+"/tier2/response", token, map[string]string{"response": "CURED", "response_date": "2025-02-21"})
	expectStatus(t, rec, http.StatusConflict, string(fault.AlreadyAdjudicated))

	rec = env.do(t, http.MethodGet, base+"/timeline", token, nil)
	expectStatus(t, rec, http.StatusOK, "")
	var tl struct {
		Entries []map[string]any `json:"entries"`
	}
	decode(t, rec, &tl)
	if len(tl.Entries) != 5 {
		t.Fatalf("expected 5 ledger entries, got %d", len(tl.Entries))
	}

	rec = env.do(t, http.MethodGet, base+"/audit", token, nil)
	expectStatus(t, rec, http.StatusOK, "")
	var audit dispute.AuditReport
	decode(t, rec, &audit)
	if !audit.ChainValid || !audit.Consistent {
		t.Fatalf("expected consistent audit, got %+v", audit)
	}

	rec = env.do(t, http.MethodPost, base+"/artifacts/timeline_export", token, nil)
	expectStatus(t, rec, http.StatusOK, "")
	if rec.Header().Get("X-Artifact-Type") != "TIMELINE_EXPORT" {
		t.Fatalf("unexpected artifact headers %v", rec.Header())
	}
}

func TestDisputeOwnership(t *testing.T) {
	env := newTestEnv(t)
	owner := env.login(t, "owner@example.com")
	stranger := env.login(t, "stranger@example.com")
	operator := env.operatorToken(t)
	id := env.createDispute(t, owner)
	base := "/api/disputes/" + id

	expectStatus(t, env.do(t, http.MethodGet, base, stranger, nil), http.StatusNotFound, string(fault.UnknownDispute))
	expectStatus(t, env.do(t, http.MethodGet, base, operator, nil), http.StatusOK, "")
	expectStatus(t, env.do(t, http.MethodPost, base+"/tracking", operator,
		map[string]string{"mailed_date": "2025-01-01"}), http.StatusForbidden, "FORBIDDEN")
	expectStatus(t, env.do(t, http.MethodDelete, base+"?reason=filed+in+error", stranger, nil), http.StatusNotFound, string(fault.UnknownDispute))

	rec := env.do(t, http.MethodDelete, base+"?reason=filed+in+error", owner, nil)
	expectStatus(t, rec, http.StatusOK, "")
	var d disputeResponse
	decode(t, rec, &d)
	if d.WithdrawnAt == "" {
		t.Fatalf("expected withdrawn dispute, got %+v", d)
	}
	expectStatus(t, env.do(t, http.MethodPost, base+"/tracking", owner,
		map[string]string{"mailed_date": "2025-01-01"}), http.StatusConflict, string(fault.IllegalTransition))
}

func TestRequestValidation(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "consumer@example.com")

	expectStatus(t, env.do(t, http.MethodGet, "/api/disputes/whatever", "", nil), http.StatusUnauthorized, "UNAUTHENTICATED")

	rec := env.do(t, http.MethodPost, "/api/disputes", token, map[string]any{"entity_name": "Experian"})
	expectStatus(t, rec, http.StatusBadRequest, string(fault.InvalidInput))
	var resp errorResponse
	decode(t, rec, &resp)
	if resp.Fields["Violations"] != "required" {
		t.Fatalf("expected field error for violations, got %+v", resp)
	}

	rec = env.do(t, http.MethodPost, "/api/disputes", token, map[string]any{"entity_name": "Experian", "surprise": true})
	expectStatus(t, rec, http.StatusBadRequest, string(fault.InvalidInput))

	id := env.createDispute(t, token)
	expectStatus(t, env.do(t, http.MethodPost, "/api/disputes/"+id+"/tracking", token,
		map[string]string{"mailed_date": "01/02/2025"}), http.StatusBadRequest, string(fault.InvalidInput))
	expectStatus(t, env.do(t, http.MethodPost, "/api/disputes/"+id+"/escalations", token,
		map[string]string{"target": "SOMEWHERE"}), http.StatusBadRequest, string(fault.InvalidInput))
	expectStatus(t, env.do(t, http.MethodPost, "/api/disputes/"+id+"/escalations", token,
		map[string]string{"target": "LITIGATION_READY"}), http.StatusConflict, string(fault.IllegalTransition))
	expectStatus(t, env.do(t, http.MethodPost, "/api/disputes/"+id+"/artifacts/cfpb_complaint", token, nil),
		http.StatusUnprocessableEntity, string(fault.ArtifactUnavailable))
	expectStatus(t, env.do(t, http.MethodGet, "/api/disputes/does-not-exist", token, nil), http.StatusNotFound, string(fault.UnknownDispute))
}

func TestCollaboratorFeedsRequireOperator(t *testing.T) {
	env := newTestEnv(t)
	consumer := env.login(t, "consumer@example.com")
	operator := env.operatorToken(t)

	fact := map[string]any{"creditor_name": "Capital Bank", "account_number_masked": "****1234", "entity_name": "Experian"}
	expectStatus(t, env.do(t, http.MethodPost, "/api/tradeline-facts", consumer, fact), http.StatusForbidden, "FORBIDDEN")

	rec := env.do(t, http.MethodPost, "/api/tradeline-facts", operator, fact)
	expectStatus(t, rec, http.StatusOK, "")
	if !strings.Contains(rec.Body.String(), `"reopened":[]`) {
		t.Fatalf("expected empty reopened list, got %s", rec.Body.String())
	}

	contradiction := map[string]any{
		"cycle_id": "cycle-1", "creditor_name": "Capital Bank", "contradiction": "balance",
		"entity_name": "Equifax",
	}
	expectStatus(t, env.do(t, http.MethodPost, "/api/contradictions", operator, contradiction), http.StatusNoContent, "")

	rec = env.do(t, http.MethodGet, "/api/entities?type=bureau", consumer, nil)
	expectStatus(t, rec, http.StatusOK, "")
	var list struct {
		Entities []entity.Profile `json:"entities"`
	}
	decode(t, rec, &list)
	if len(list.Entities) != 3 {
		t.Fatalf("expected the three bureaus, got %+v", list.Entities)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fault.New(fault.UnknownViolation, "x"), http.StatusNotFound, "UNKNOWN_VIOLATION"},
		{fault.New(fault.NoticeNotSent, "x"), http.StatusConflict, "NOTICE_NOT_SENT"},
		{fault.New(fault.DisputeLocked, "x"), http.StatusConflict, "DISPUTE_LOCKED"},
		{fault.New(fault.InvalidAnchorDate, "x"), http.StatusBadRequest, "INVALID_ANCHOR_DATE"},
		{auth.ErrDuplicateEmail, http.StatusConflict, "DUPLICATE_EMAIL"},
		{auth.ErrInvalidCredentials, http.StatusUnauthorized, "INVALID_CREDENTIALS"},
		{errors.New("db down"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		status, code := classify(tc.err)
		if status != tc.status || code != tc.code {
			t.Fatalf("%v: expected %d %s, got %d %s", tc.err, tc.status, tc.code, status, code)
		}
	}
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s := &Server{logger: logger}
	rec := httptest.NewRecorder()
	s.writeError(rec, errors.New("pq: password authentication failed for user admin"))
	expectStatus(t, rec, http.StatusInternalServerError, "INTERNAL")
	if strings.Contains(rec.Body.String(), "password") {
		t.Fatalf("internal error leaked: %s", rec.Body.String())
	}
}
