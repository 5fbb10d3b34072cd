// Package oracle is the boundary to the external grading and
// question-generation service. The service is non-deterministic across
// seeds but deterministic per seed; everything it returns is untrusted
// until it passes schema validation here.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"caliber/internal/domain"
)

var ErrNotConfigured = errors.New("oracle not configured")

type GradeRequest struct {
	ItemID               string                `json:"item_id"`
	Prompt               string                `json:"prompt"`
	Answer               string                `json:"answer"`
	Seed                 int                   `json:"seed"`
	JobContext           string                `json:"job_context,omitempty"`
	ApplicantContext     string                `json:"applicant_context,omitempty"`
	History              []domain.HistoryEntry `json:"history,omitempty"`
	TimeRemainingSeconds int                   `json:"time_remaining,omitempty"`
}

type GradeResult struct {
	Criteria domain.Criteria `json:"criteria"`
	FollowUp string          `json:"follow_up,omitempty"`
}

type QuestionRequest struct {
	JobContext           string                `json:"job_context"`
	ApplicantContext     string                `json:"applicant_context,omitempty"`
	History              []domain.HistoryEntry `json:"history,omitempty"`
	Difficulty           domain.Step           `json:"difficulty,omitempty"`
	TimeRemainingSeconds int                   `json:"time_remaining,omitempty"`
	ItemNumber           int                   `json:"item_number,omitempty"`
	MaxItems             int                   `json:"max_items,omitempty"`
	IsFirstQuestion      bool                  `json:"is_first_question,omitempty"`
	CandidateName        string                `json:"candidate_name,omitempty"`
}

// Client is the oracle contract consumed by the engine. Implementations must
// honor ctx cancellation; the engine sets per-call timeouts.
type Client interface {
	GradeAnswer(ctx context.Context, req GradeRequest) (GradeResult, error)
	GenerateQuestion(ctx context.Context, req QuestionRequest) (domain.Question, error)
}

// decodeGradeResult is the single translation point from untrusted response
// bytes to an internal GradeResult.
func decodeGradeResult(data []byte) (GradeResult, error) {
	var payload struct {
		Criteria *struct {
			PolicyProcedure     *int `json:"policy_procedure"`
			DecisionQuality     *int `json:"decision_quality"`
			EvidenceSpecificity *int `json:"evidence_specificity"`
		} `json:"criteria"`
		FollowUp string `json:"follow_up"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return GradeResult{}, fmt.Errorf("malformed grade response: %w", err)
	}
	if payload.Criteria == nil {
		return GradeResult{}, errors.New("grade response missing criteria")
	}
	c := payload.Criteria
	for _, dim := range []struct {
		name  string
		value *int
	}{
		{"policy_procedure", c.PolicyProcedure},
		{"decision_quality", c.DecisionQuality},
		{"evidence_specificity", c.EvidenceSpecificity},
	} {
		if dim.value == nil {
			return GradeResult{}, fmt.Errorf("grade response missing criteria.%s", dim.name)
		}
		if *dim.value < 0 || *dim.value > 3 {
			return GradeResult{}, fmt.Errorf("criteria.%s out of range: %d", dim.name, *dim.value)
		}
	}
	return GradeResult{
		Criteria: domain.Criteria{
			PolicyProcedure:     *c.PolicyProcedure,
			DecisionQuality:     *c.DecisionQuality,
			EvidenceSpecificity: *c.EvidenceSpecificity,
		},
		FollowUp: payload.FollowUp,
	}, nil
}

// decodeQuestion validates a question-generation response.
func decodeQuestion(data []byte) (domain.Question, error) {
	var payload struct {
		Question   string `json:"question"`
		ItemID     string `json:"item_id"`
		Difficulty string `json:"difficulty"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return domain.Question{}, fmt.Errorf("malformed question response: %w", err)
	}
	if payload.Question == "" {
		return domain.Question{}, errors.New("question response missing question")
	}
	if payload.ItemID == "" {
		return domain.Question{}, errors.New("question response missing item_id")
	}
	switch domain.Step(payload.Difficulty) {
	case domain.StepEasy, domain.StepMedium, domain.StepHard:
	default:
		return domain.Question{}, fmt.Errorf("question response has invalid difficulty %q", payload.Difficulty)
	}
	return domain.Question{
		ItemID:     payload.ItemID,
		Text:       payload.Question,
		Difficulty: domain.Step(payload.Difficulty),
	}, nil
}
