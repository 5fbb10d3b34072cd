package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"caliber/internal/config"
	"caliber/internal/db"
	"caliber/internal/domain"
	"caliber/internal/engine"
	"caliber/internal/migrate"
	"caliber/internal/oracle"
	"caliber/internal/server"
)

const (
	testAdminKey = "test-admin-key"
	testAnswer   = "Verify coverage, inspect the site, photograph the damage."
)

type stubOracle struct {
	mu   sync.Mutex
	fail bool
}

func (s *stubOracle) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *stubOracle) GradeAnswer(ctx context.Context, req oracle.GradeRequest) (oracle.GradeResult, error) {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return oracle.GradeResult{}, errors.New("oracle unavailable")
	}
	return oracle.GradeResult{
		Criteria: domain.Criteria{PolicyProcedure: 2, DecisionQuality: 2, EvidenceSpecificity: 2},
	}, nil
}

func (s *stubOracle) GenerateQuestion(ctx context.Context, req oracle.QuestionRequest) (domain.Question, error) {
	return domain.Question{
		ItemID:     fmt.Sprintf("q_gen_%d", req.ItemNumber),
		Text:       "A policyholder disputes your estimate. What do you do?",
		Difficulty: req.Difficulty,
	}, nil
}

type testServer struct {
	URL    string
	Client *http.Client
	Engine engine.Engine
	Oracle *stubOracle
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	so := &stubOracle{}
	eng := engine.New(conn, config.Default("job-1"), so)
	eng.JWTSecret = "test-secret"

	handler, err := server.New(server.Config{
		Engine: eng,
		Auth:   server.AuthConfig{AdminKey: testAdminKey},
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return &testServer{
		URL:    "http://" + ln.Addr().String(),
		Client: &http.Client{Timeout: 5 * time.Second},
		Engine: eng,
		Oracle: so,
	}
}

func adminHeaders() map[string]string {
	return map[string]string{"X-Api-Key": testAdminKey}
}

func bearerHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func (ts *testServer) doJSON(t *testing.T, method, path string, body any, headers map[string]string) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := ts.Client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		decoded = nil
	}
	return res.StatusCode, decoded
}

func errCode(t *testing.T, body map[string]any) string {
	t.Helper()
	envelope, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error envelope, got %v", body)
	}
	code, _ := envelope["code"].(string)
	return code
}

func (ts *testServer) createAssessment(t *testing.T, body map[string]any) string {
	t.Helper()
	status, resp := ts.doJSON(t, http.MethodPost, "/v1/assessments", body, adminHeaders())
	if status != http.StatusCreated {
		t.Fatalf("create: status %d body %v", status, resp)
	}
	id, _ := resp["id"].(string)
	if id == "" {
		t.Fatalf("missing assessment id in %v", resp)
	}
	return id
}

func TestHealthNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t)
	status, body := ts.doJSON(t, http.MethodGet, "/v1/health", nil, nil)
	if status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: status %d body %v", status, body)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)
	status, body := ts.doJSON(t, http.MethodGet, "/v1/assessments", nil, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %v", status, body)
	}
	status, body = ts.doJSON(t, http.MethodGet, "/v1/assessments", nil, map[string]string{"X-Api-Key": "wrong"})
	if status != http.StatusUnauthorized || errCode(t, body) != "invalid_credentials" {
		t.Fatalf("expected invalid credentials, got %d %v", status, body)
	}
	status, body = ts.doJSON(t, http.MethodGet, "/v1/assessments", nil, bearerHeaders("not-a-jwt"))
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d %v", status, body)
	}
}

func TestAdminAssessmentFlow(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createAssessment(t, map[string]any{"candidate_name": "Alex", "max_items": 5})

	status, q := ts.doJSON(t, http.MethodGet, "/v1/assessments/"+id+"/next", nil, adminHeaders())
	itemID, _ := q["item_id"].(string)
	if status != http.StatusOK || itemID == "" {
		t.Fatalf("next: status %d body %v", status, q)
	}

	status, item := ts.doJSON(t, http.MethodPost, "/v1/assessments/"+id+"/items", map[string]any{
		"item_id":     itemID,
		"answer_text": testAnswer,
	}, adminHeaders())
	if status != http.StatusCreated {
		t.Fatalf("submit: status %d body %v", status, item)
	}
	score, ok := item["score"].(map[string]any)
	if !ok || score["total"].(float64) != 6 {
		t.Fatalf("expected inline grade, got %v", item)
	}

	status, progress := ts.doJSON(t, http.MethodGet, "/v1/assessments/"+id+"/progress", nil, adminHeaders())
	if status != http.StatusOK || progress["item_number"].(float64) != 2 {
		t.Fatalf("progress: status %d body %v", status, progress)
	}

	status, report := ts.doJSON(t, http.MethodGet, "/v1/assessments/"+id+"/report", nil, adminHeaders())
	if status != http.StatusOK {
		t.Fatalf("report: status %d body %v", status, report)
	}
	if avg := report["average_total"].(float64); avg < 66 || avg > 67 {
		t.Fatalf("expected average near 66.7, got %f", avg)
	}

	status, finished := ts.doJSON(t, http.MethodPost, "/v1/assessments/"+id+"/finish", map[string]any{"reason": "TIME"}, adminHeaders())
	if status != http.StatusOK || finished["stop_reason"] != "TIME" {
		t.Fatalf("finish: status %d body %v", status, finished)
	}

	status, _ = ts.doJSON(t, http.MethodGet, "/v1/events?assessment_id="+id, nil, adminHeaders())
	if status != http.StatusOK {
		t.Fatalf("events: status %d", status)
	}
}

func TestDuplicateSubmissionConflict(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createAssessment(t, map[string]any{"max_items": 5})
	payload := map[string]any{"item_id": "q1", "answer_text": testAnswer}

	if status, body := ts.doJSON(t, http.MethodPost, "/v1/assessments/"+id+"/items", payload, adminHeaders()); status != http.StatusCreated {
		t.Fatalf("submit: status %d body %v", status, body)
	}
	status, body := ts.doJSON(t, http.MethodPost, "/v1/assessments/"+id+"/items", payload, adminHeaders())
	if status != http.StatusConflict || errCode(t, body) != "duplicate_submission" {
		t.Fatalf("expected duplicate conflict, got %d %v", status, body)
	}
}

func TestMaxItemsConflict(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createAssessment(t, map[string]any{"max_items": 1})

	if status, body := ts.doJSON(t, http.MethodPost, "/v1/assessments/"+id+"/items", map[string]any{
		"item_id": "q1", "answer_text": testAnswer,
	}, adminHeaders()); status != http.StatusCreated {
		t.Fatalf("submit: status %d body %v", status, body)
	}
	status, body := ts.doJSON(t, http.MethodPost, "/v1/assessments/"+id+"/items", map[string]any{
		"item_id": "q2", "answer_text": testAnswer,
	}, adminHeaders())
	if status != http.StatusConflict || errCode(t, body) != "max_items_reached" {
		t.Fatalf("expected max items conflict, got %d %v", status, body)
	}

	status, got := ts.doJSON(t, http.MethodGet, "/v1/assessments/"+id, nil, adminHeaders())
	if status != http.StatusOK || got["stop_reason"] != "MAX_ITEMS" {
		t.Fatalf("expected finished assessment, got %d %v", status, got)
	}
}

func TestCandidateSessionScope(t *testing.T) {
	ts := newTestServer(t)
	idA := ts.createAssessment(t, map[string]any{"candidate_name": "Alex"})
	idB := ts.createAssessment(t, map[string]any{"candidate_name": "Sam"})

	status, session := ts.doJSON(t, http.MethodPost, "/v1/assessments/"+idA+"/sessions", map[string]any{}, adminHeaders())
	if status != http.StatusCreated {
		t.Fatalf("issue session: status %d body %v", status, session)
	}
	token, _ := session["token"].(string)
	if token == "" {
		t.Fatalf("missing token in %v", session)
	}

	if status, body := ts.doJSON(t, http.MethodGet, "/v1/assessments/"+idA, nil, bearerHeaders(token)); status != http.StatusOK {
		t.Fatalf("own assessment: status %d body %v", status, body)
	}
	status, body := ts.doJSON(t, http.MethodGet, "/v1/assessments/"+idB, nil, bearerHeaders(token))
	if status != http.StatusForbidden {
		t.Fatalf("foreign assessment must be forbidden, got %d %v", status, body)
	}
	status, body = ts.doJSON(t, http.MethodPost, "/v1/assessments", map[string]any{}, bearerHeaders(token))
	if status != http.StatusForbidden {
		t.Fatalf("candidate must not create assessments, got %d %v", status, body)
	}
	status, body = ts.doJSON(t, http.MethodGet, "/v1/assessments/"+idA+"/report", nil, bearerHeaders(token))
	if status != http.StatusForbidden {
		t.Fatalf("report is operator-only, got %d %v", status, body)
	}

	if status, body := ts.doJSON(t, http.MethodPost, "/v1/assessments/"+idA+"/finish", map[string]any{}, adminHeaders()); status != http.StatusOK {
		t.Fatalf("finish: status %d body %v", status, body)
	}
	status, body = ts.doJSON(t, http.MethodGet, "/v1/assessments/"+idA, nil, bearerHeaders(token))
	if status != http.StatusUnauthorized || errCode(t, body) != "session_revoked" {
		t.Fatalf("finish must revoke the session, got %d %v", status, body)
	}
}

func TestSubmitSurvivesOracleOutage(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createAssessment(t, map[string]any{"max_items": 5})

	ts.Oracle.setFail(true)
	status, item := ts.doJSON(t, http.MethodPost, "/v1/assessments/"+id+"/items", map[string]any{
		"item_id": "q1", "answer_text": testAnswer,
	}, adminHeaders())
	if status != http.StatusCreated {
		t.Fatalf("submission must persist despite oracle outage, got %d %v", status, item)
	}
	if item["grade_pending"] != true {
		t.Fatalf("expected pending grade, got %v", item)
	}
	if _, ok := item["score"]; ok {
		t.Fatalf("no score expected, got %v", item)
	}

	ts.Oracle.setFail(false)
	status, graded := ts.doJSON(t, http.MethodPost, "/v1/assessments/"+id+"/items/q1/grade", nil, adminHeaders())
	if status != http.StatusOK {
		t.Fatalf("retry grade: status %d body %v", status, graded)
	}
	score, ok := graded["score"].(map[string]any)
	if !ok || score["total"].(float64) != 6 {
		t.Fatalf("expected score after retry, got %v", graded)
	}
}

func TestSubmitWithIntegritySignals(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createAssessment(t, map[string]any{"max_items": 5})

	status, item := ts.doJSON(t, http.MethodPost, "/v1/assessments/"+id+"/items", map[string]any{
		"item_id":     "q1",
		"answer_text": testAnswer,
		"signals": []map[string]any{
			{"type": "paste"},
			{"type": "visibilitychange"},
		},
	}, adminHeaders())
	if status != http.StatusCreated {
		t.Fatalf("submit: status %d body %v", status, item)
	}

	status, report := ts.doJSON(t, http.MethodGet, "/v1/assessments/"+id+"/report", nil, adminHeaders())
	if status != http.StatusOK {
		t.Fatalf("report: status %d", status)
	}
	integrity, ok := report["integrity"].(map[string]any)
	if !ok {
		t.Fatalf("missing integrity in %v", report)
	}
	if risk := integrity["risk"].(float64); risk < 0.09 || risk > 0.11 {
		t.Fatalf("expected risk 0.10, got %f", risk)
	}
}

func TestNotFound(t *testing.T) {
	ts := newTestServer(t)
	status, body := ts.doJSON(t, http.MethodGet, "/v1/assessments/nope", nil, adminHeaders())
	if status != http.StatusNotFound || errCode(t, body) != "not_found" {
		t.Fatalf("expected not found, got %d %v", status, body)
	}
}
