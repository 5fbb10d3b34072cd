package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"caliber/internal/config"
	"caliber/internal/domain"
)

func oracleConfig(baseURL string) config.OracleConfig {
	return config.OracleConfig{
		BaseURL:       baseURL,
		PrimaryModel:  "grader-v2",
		FallbackModel: "grader-v1",
		TimeoutMS:     2000,
	}
}

func gradeBody(p, d, s int, followUp string) string {
	b, _ := json.Marshal(map[string]any{
		"criteria": map[string]int{
			"policy_procedure":     p,
			"decision_quality":     d,
			"evidence_specificity": s,
		},
		"follow_up": followUp,
	})
	return string(b)
}

func TestGradeAnswerPrimaryModel(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Path != "/v1/grade" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req struct {
			Model string `json:"model"`
			Seed  int    `json:"seed"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "grader-v2" || req.Seed != 1 {
			t.Errorf("unexpected request %+v", req)
		}
		w.Write([]byte(gradeBody(2, 3, 1, "And the deductible?")))
	}))
	defer srv.Close()

	c := NewHTTPClient(oracleConfig(srv.URL), "secret-key", nil)
	result, err := c.GradeAnswer(context.Background(), GradeRequest{ItemID: "q1", Answer: "inspect first", Seed: 1})
	if err != nil {
		t.Fatalf("grade: %v", err)
	}
	want := domain.Criteria{PolicyProcedure: 2, DecisionQuality: 3, EvidenceSpecificity: 1}
	if result.Criteria != want || result.FollowUp != "And the deductible?" {
		t.Fatalf("unexpected result %+v", result)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected single call, got %d", calls)
	}
}

func TestGradeAnswerFallsBackOnFailure(t *testing.T) {
	var models []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		models = append(models, req.Model)
		if req.Model == "grader-v2" {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(gradeBody(1, 1, 1, "")))
	}))
	defer srv.Close()

	c := NewHTTPClient(oracleConfig(srv.URL), "", nil)
	result, err := c.GradeAnswer(context.Background(), GradeRequest{ItemID: "q1", Answer: "a", Seed: 2})
	if err != nil {
		t.Fatalf("grade: %v", err)
	}
	if result.Criteria.Total() != 3 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(models) != 2 || models[0] != "grader-v2" || models[1] != "grader-v1" {
		t.Fatalf("unexpected model order %v", models)
	}
}

func TestGradeAnswerAllModelsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(oracleConfig(srv.URL), "", nil)
	_, err := c.GradeAnswer(context.Background(), GradeRequest{ItemID: "q1", Answer: "a", Seed: 1})
	if err == nil {
		t.Fatalf("expected failure")
	}
	for _, model := range []string{"grader-v2", "grader-v1"} {
		if !strings.Contains(err.Error(), model) {
			t.Fatalf("error should name %s: %v", model, err)
		}
	}
}

func TestGradeAnswerRejectsInvalidResponse(t *testing.T) {
	cases := map[string]string{
		"missing criteria":  `{"follow_up":"hm"}`,
		"missing dimension": `{"criteria":{"policy_procedure":1,"decision_quality":2}}`,
		"out of range":      gradeBody(2, 5, 1, ""),
		"not json":          `<html>gateway error</html>`,
	}
	for name, body := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		}))
		c := NewHTTPClient(oracleConfig(srv.URL), "", nil)
		if _, err := c.GradeAnswer(context.Background(), GradeRequest{ItemID: "q1", Answer: "a", Seed: 1}); err == nil {
			t.Errorf("%s: expected validation failure", name)
		}
		srv.Close()
	}
}

func TestGradeAnswerUsesCache(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(gradeBody(3, 3, 3, "")))
	}))
	defer srv.Close()

	c := NewHTTPClient(oracleConfig(srv.URL), "", NewMemoryCache())
	req := GradeRequest{ItemID: "q1", Answer: "same answer", Seed: 1}
	for i := 0; i < 3; i++ {
		result, err := c.GradeAnswer(context.Background(), req)
		if err != nil {
			t.Fatalf("grade %d: %v", i, err)
		}
		if result.Criteria.Total() != 9 {
			t.Fatalf("unexpected result %+v", result)
		}
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected one upstream call, got %d", calls)
	}

	// A different seed is a different call.
	req.Seed = 2
	if _, err := c.GradeAnswer(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected cache miss on new seed, got %d calls", calls)
	}
}

func TestGradeAnswerNotConfigured(t *testing.T) {
	c := &HTTPClient{}
	if _, err := c.GradeAnswer(context.Background(), GradeRequest{}); err != ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestGenerateQuestion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/question" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"question":   "How do you verify a contractor estimate?",
			"item_id":    "q_gen_7",
			"difficulty": "medium",
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(oracleConfig(srv.URL), "", nil)
	q, err := c.GenerateQuestion(context.Background(), QuestionRequest{Difficulty: domain.StepMedium})
	if err != nil {
		t.Fatalf("question: %v", err)
	}
	if q.ItemID != "q_gen_7" || q.Difficulty != domain.StepMedium {
		t.Fatalf("unexpected question %+v", q)
	}
}

func TestGenerateQuestionRejectsInvalidDifficulty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"question":   "anything",
			"item_id":    "q_gen_8",
			"difficulty": "impossible",
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(oracleConfig(srv.URL), "", nil)
	if _, err := c.GenerateQuestion(context.Background(), QuestionRequest{}); err == nil {
		t.Fatalf("expected validation failure")
	}
}

func TestMemoryCacheTTL(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryCache()
	c.now = func() time.Time { return now }

	c.SetWithTTL("k", []byte("v"), time.Minute)
	if v, ok := c.Get("k"); !ok || string(v) != "v" {
		t.Fatalf("expected hit, got %q %v", v, ok)
	}
	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Fatalf("expected expiry")
	}
	c.SetWithTTL("zero", []byte("v"), 0)
	if _, ok := c.Get("zero"); ok {
		t.Fatalf("zero ttl must not store")
	}
}

func TestGradeCacheKey(t *testing.T) {
	base := GradeRequest{ItemID: "q1", Prompt: "p", Answer: "a", Seed: 1}
	if gradeCacheKey(base, "m1") != gradeCacheKey(base, "m1") {
		t.Fatalf("key must be stable")
	}
	variants := []GradeRequest{
		{ItemID: "q2", Prompt: "p", Answer: "a", Seed: 1},
		{ItemID: "q1", Prompt: "p2", Answer: "a", Seed: 1},
		{ItemID: "q1", Prompt: "p", Answer: "b", Seed: 1},
		{ItemID: "q1", Prompt: "p", Answer: "a", Seed: 2},
	}
	seen := map[string]bool{gradeCacheKey(base, "m1"): true, gradeCacheKey(base, "m2"): true}
	for _, v := range variants {
		key := gradeCacheKey(v, "m1")
		if seen[key] {
			t.Fatalf("key collision for %+v", v)
		}
		seen[key] = true
	}
}
