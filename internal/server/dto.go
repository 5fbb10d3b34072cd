package server

import (
	"caliber/internal/domain"
)

// Request payloads

type CreateAssessmentRequest struct {
	ID              *string `json:"id,omitempty"`
	JobID           *string `json:"job_id,omitempty"`
	CandidateName   *string `json:"candidate_name,omitempty"`
	MaxItems        *int    `json:"max_items,omitempty" minimum:"1"`
	DurationMinutes *int    `json:"duration_minutes,omitempty" minimum:"1"`
}

type SubmitAnswerRequest struct {
	ItemID       string                 `json:"item_id"`
	AnswerText   string                 `json:"answer_text"`
	QuestionText *string                `json:"question_text,omitempty"`
	Signals      []IntegrityEventSignal `json:"signals,omitempty"`
}

type IntegrityEventSignal struct {
	Type     string         `json:"type" enum:"visibilitychange,paste,blur,focus,latencyOutlier"`
	TS       *string        `json:"ts,omitempty" format:"date-time"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type IssueSessionRequest struct {
	TTLSeconds *int `json:"ttl_seconds,omitempty" minimum:"1"`
}

type FinishAssessmentRequest struct {
	Reason *string `json:"reason,omitempty" enum:"MAX_ITEMS,TIME"`
}

// Response payloads

type AssessmentResponse struct {
	ID              string  `json:"id"`
	JobID           string  `json:"job_id"`
	CandidateName   string  `json:"candidate_name,omitempty"`
	Step            string  `json:"step" enum:"easy,medium,hard"`
	MaxItems        int     `json:"max_items"`
	DurationMinutes int     `json:"duration_minutes"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	StartedAt       *string `json:"started_at,omitempty" format:"date-time"`
	FinishedAt      *string `json:"finished_at,omitempty" format:"date-time"`
	StopReason      *string `json:"stop_reason,omitempty" enum:"MAX_ITEMS,TIME"`
}

type ItemEventResponse struct {
	ID           string              `json:"id"`
	AssessmentID string              `json:"assessment_id"`
	ItemID       string              `json:"item_id"`
	TStart       string              `json:"t_start" format:"date-time"`
	TEnd         *string             `json:"t_end,omitempty" format:"date-time"`
	QuestionText string              `json:"question_text,omitempty"`
	Score        *GradeScoreResponse `json:"score,omitempty"`
	GradePending bool                `json:"grade_pending,omitempty"`
	GradeError   string              `json:"grade_error,omitempty"`
}

type GradeScoreResponse struct {
	PolicyProcedure     int     `json:"policy_procedure"`
	DecisionQuality     int     `json:"decision_quality"`
	EvidenceSpecificity int     `json:"evidence_specificity"`
	Total               int     `json:"total"`
	FollowUp            string  `json:"follow_up,omitempty"`
	Kappa               float64 `json:"kappa"`
}

type QuestionResponse struct {
	ItemID     string `json:"item_id"`
	Question   string `json:"question"`
	Difficulty string `json:"difficulty" enum:"easy,medium,hard"`
}

type SessionResponse struct {
	Token        string `json:"token"`
	SessionID    string `json:"session_id"`
	AssessmentID string `json:"assessment_id"`
	ExpiresAt    string `json:"expires_at" format:"date-time"`
}

type ProgressResponse struct {
	TimeRemainingSeconds int     `json:"time_remaining_seconds"`
	ItemNumber           int     `json:"item_number"`
	MaxItems             int     `json:"max_items"`
	ItemRatio            float64 `json:"item_ratio"`
	Step                 string  `json:"step" enum:"easy,medium,hard"`
	Finished             bool    `json:"finished"`
}

type ReportResponse struct {
	AssessmentID string                `json:"assessment_id"`
	JobID        string                `json:"job_id"`
	Items        []ReportItemResponse  `json:"items"`
	AverageTotal float64               `json:"average_total"`
	Integrity    IntegrityRiskResponse `json:"integrity"`
	StopReason   *string               `json:"stop_reason,omitempty"`
	FinishedAt   *string               `json:"finished_at,omitempty" format:"date-time"`
}

type ReportItemResponse struct {
	ItemID       string              `json:"item_id"`
	QuestionText string              `json:"question_text,omitempty"`
	AnswerText   string              `json:"answer_text"`
	TStart       string              `json:"t_start" format:"date-time"`
	TEnd         *string             `json:"t_end,omitempty" format:"date-time"`
	Score        *GradeScoreResponse `json:"score,omitempty"`
}

type IntegrityRiskResponse struct {
	Risk    float64  `json:"risk"`
	Band    string   `json:"band" enum:"Low,Med,High"`
	Reasons []string `json:"reasons"`
}

type EventResponse struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	AssessmentID string `json:"assessment_id,omitempty"`
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id,omitempty"`
	ActorID      string `json:"actor_id"`
	Payload      string `json:"payload_json"`
}

// Conversion helpers

func assessmentResponse(a domain.Assessment) AssessmentResponse {
	return AssessmentResponse{
		ID:              a.ID,
		JobID:           a.JobID,
		CandidateName:   a.CandidateName,
		Step:            string(a.Step),
		MaxItems:        a.MaxItems,
		DurationMinutes: a.DurationMinutes,
		CreatedAt:       a.CreatedAt,
		StartedAt:       a.StartedAt,
		FinishedAt:      a.FinishedAt,
		StopReason:      a.StopReason,
	}
}

func mapAssessments(items []domain.Assessment) []AssessmentResponse {
	res := make([]AssessmentResponse, 0, len(items))
	for _, a := range items {
		res = append(res, assessmentResponse(a))
	}
	return res
}

func gradeScoreResponse(o *domain.GradeOutcome) *GradeScoreResponse {
	if o == nil {
		return nil
	}
	return &GradeScoreResponse{
		PolicyProcedure:     o.Criteria.PolicyProcedure,
		DecisionQuality:     o.Criteria.DecisionQuality,
		EvidenceSpecificity: o.Criteria.EvidenceSpecificity,
		Total:               o.Total,
		FollowUp:            o.FollowUp,
		Kappa:               o.Kappa,
	}
}

func itemEventResponse(ev domain.ItemEvent) ItemEventResponse {
	return ItemEventResponse{
		ID:           ev.ID,
		AssessmentID: ev.AssessmentID,
		ItemID:       ev.ItemID,
		TStart:       ev.TStart,
		TEnd:         ev.TEnd,
		QuestionText: ev.QuestionText,
		Score:        gradeScoreResponse(ev.Score),
	}
}

func questionResponse(q domain.Question) QuestionResponse {
	return QuestionResponse{
		ItemID:     q.ItemID,
		Question:   q.Text,
		Difficulty: string(q.Difficulty),
	}
}

func reportResponse(r domain.Report) ReportResponse {
	items := make([]ReportItemResponse, 0, len(r.Items))
	for _, it := range r.Items {
		items = append(items, ReportItemResponse{
			ItemID:       it.ItemID,
			QuestionText: it.QuestionText,
			AnswerText:   it.AnswerText,
			TStart:       it.TStart,
			TEnd:         it.TEnd,
			Score:        gradeScoreResponse(it.Score),
		})
	}
	return ReportResponse{
		AssessmentID: r.AssessmentID,
		JobID:        r.JobID,
		Items:        items,
		AverageTotal: r.AverageTotal,
		Integrity: IntegrityRiskResponse{
			Risk:    r.Integrity.Risk,
			Band:    r.Integrity.Band,
			Reasons: nonNilSlice(r.Integrity.Reasons),
		},
		StopReason: r.StopReason,
		FinishedAt: r.FinishedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse(e)
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(in *string) string {
	if in == nil {
		return ""
	}
	return *in
}
