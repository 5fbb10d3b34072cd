package calibersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Caliber HTTP API client. Admin callers set APIKey;
// candidate frontends set SessionToken.
type Client struct {
	BaseURL      string
	APIKey       string
	SessionToken string
	HTTPClient   *http.Client
	Timeout      time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Assessment mirrors the API assessment model.
type Assessment struct {
	ID              string  `json:"id"`
	JobID           string  `json:"job_id"`
	CandidateName   string  `json:"candidate_name,omitempty"`
	Step            string  `json:"step"`
	MaxItems        int     `json:"max_items"`
	DurationMinutes int     `json:"duration_minutes"`
	CreatedAt       string  `json:"created_at"`
	StartedAt       *string `json:"started_at,omitempty"`
	FinishedAt      *string `json:"finished_at,omitempty"`
	StopReason      *string `json:"stop_reason,omitempty"`
}

// Score is a graded outcome.
type Score struct {
	PolicyProcedure     int     `json:"policy_procedure"`
	DecisionQuality     int     `json:"decision_quality"`
	EvidenceSpecificity int     `json:"evidence_specificity"`
	Total               int     `json:"total"`
	FollowUp            string  `json:"follow_up,omitempty"`
	Kappa               float64 `json:"kappa"`
}

// ItemEvent is a submitted answer, possibly graded.
type ItemEvent struct {
	ID           string  `json:"id"`
	AssessmentID string  `json:"assessment_id"`
	ItemID       string  `json:"item_id"`
	TStart       string  `json:"t_start"`
	TEnd         *string `json:"t_end,omitempty"`
	QuestionText string  `json:"question_text,omitempty"`
	Score        *Score  `json:"score,omitempty"`
	GradePending bool    `json:"grade_pending,omitempty"`
	GradeError   string  `json:"grade_error,omitempty"`
}

// Question is the next question to present.
type Question struct {
	ItemID     string `json:"item_id"`
	Question   string `json:"question"`
	Difficulty string `json:"difficulty"`
}

// Session is an issued candidate session.
type Session struct {
	Token        string `json:"token"`
	SessionID    string `json:"session_id"`
	AssessmentID string `json:"assessment_id"`
	ExpiresAt    string `json:"expires_at"`
}

// Progress is the candidate-facing progress view.
type Progress struct {
	TimeRemainingSeconds int     `json:"time_remaining_seconds"`
	ItemNumber           int     `json:"item_number"`
	MaxItems             int     `json:"max_items"`
	ItemRatio            float64 `json:"item_ratio"`
	Step                 string  `json:"step"`
	Finished             bool    `json:"finished"`
}

// Signal is a behavioral integrity event attached to a submission.
type Signal struct {
	Type     string         `json:"type"`
	TS       string         `json:"ts,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Report is the scoring and integrity summary.
type Report struct {
	AssessmentID string  `json:"assessment_id"`
	JobID        string  `json:"job_id"`
	AverageTotal float64 `json:"average_total"`
	Integrity    struct {
		Risk    float64  `json:"risk"`
		Band    string   `json:"band"`
		Reasons []string `json:"reasons"`
	} `json:"integrity"`
	StopReason *string `json:"stop_reason,omitempty"`
	FinishedAt *string `json:"finished_at,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateAssessment creates an assessment (admin).
func (c *Client) CreateAssessment(ctx context.Context, jobID, candidateName string) (Assessment, error) {
	body := map[string]any{}
	if jobID != "" {
		body["job_id"] = jobID
	}
	if candidateName != "" {
		body["candidate_name"] = candidateName
	}
	var resp Assessment
	err := c.do(ctx, http.MethodPost, "v1/assessments", body, &resp)
	return resp, err
}

// IssueSession mints a candidate session token (admin).
func (c *Client) IssueSession(ctx context.Context, assessmentID string) (Session, error) {
	var resp Session
	endpoint := fmt.Sprintf("v1/assessments/%s/sessions", url.PathEscape(assessmentID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// NextQuestion fetches the next question at the current difficulty.
func (c *Client) NextQuestion(ctx context.Context, assessmentID string) (Question, error) {
	var resp Question
	endpoint := fmt.Sprintf("v1/assessments/%s/next", url.PathEscape(assessmentID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SubmitAnswer submits an answer and returns the (usually graded) item.
func (c *Client) SubmitAnswer(ctx context.Context, assessmentID, itemID, answer string, signals []Signal) (ItemEvent, error) {
	body := map[string]any{
		"item_id":     itemID,
		"answer_text": answer,
	}
	if len(signals) > 0 {
		body["signals"] = signals
	}
	var resp ItemEvent
	endpoint := fmt.Sprintf("v1/assessments/%s/items", url.PathEscape(assessmentID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Progress returns the candidate-facing progress view.
func (c *Client) Progress(ctx context.Context, assessmentID string) (Progress, error) {
	var resp Progress
	endpoint := fmt.Sprintf("v1/assessments/%s/progress", url.PathEscape(assessmentID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Report fetches the scoring report (admin).
func (c *Client) Report(ctx context.Context, assessmentID string) (Report, error) {
	var resp Report
	endpoint := fmt.Sprintf("v1/assessments/%s/report", url.PathEscape(assessmentID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// FinishAssessment ends an assessment (admin).
func (c *Client) FinishAssessment(ctx context.Context, assessmentID, reason string) (Assessment, error) {
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Assessment
	endpoint := fmt.Sprintf("v1/assessments/%s/finish", url.PathEscape(assessmentID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.SessionToken != "":
		req.Header.Set("Authorization", "Bearer "+c.SessionToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
