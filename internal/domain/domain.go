package domain

// Step is the staircase difficulty tier.
type Step string

const (
	StepEasy   Step = "easy"
	StepMedium Step = "medium"
	StepHard   Step = "hard"
)

// Stop reasons recorded on a finished assessment.
const (
	StopMaxItems = "MAX_ITEMS"
	StopTime     = "TIME"
)

type Assessment struct {
	ID              string  `json:"id"`
	JobID           string  `json:"job_id"`
	CandidateName   string  `json:"candidate_name,omitempty"`
	Step            Step    `json:"step" enum:"easy,medium,hard"`
	MaxItems        int     `json:"max_items"`
	DurationMinutes int     `json:"duration_minutes"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	StartedAt       *string `json:"started_at,omitempty" format:"date-time"`
	FinishedAt      *string `json:"finished_at,omitempty" format:"date-time"`
	StopReason      *string `json:"stop_reason,omitempty" enum:"MAX_ITEMS,TIME"`
}

// Finished reports whether the assessment is terminal.
func (a Assessment) Finished() bool { return a.FinishedAt != nil }

type ItemEvent struct {
	ID           string           `json:"id"`
	AssessmentID string           `json:"assessment_id"`
	ItemID       string           `json:"item_id"`
	TStart       string           `json:"t_start" format:"date-time"`
	TEnd         *string          `json:"t_end,omitempty" format:"date-time"`
	AnswerText   string           `json:"answer_text"`
	QuestionText string           `json:"question_text,omitempty"`
	Score        *GradeOutcome    `json:"score,omitempty"`
	Events       []IntegrityEvent `json:"events,omitempty"`
}

// Integrity event types. Focus and blur are tracked for audit but carry no
// risk weight.
const (
	SignalVisibilityChange = "visibilitychange"
	SignalPaste            = "paste"
	SignalBlur             = "blur"
	SignalFocus            = "focus"
	SignalLatencyOutlier   = "latencyOutlier"
)

type IntegrityEvent struct {
	Type     string         `json:"type" enum:"visibilitychange,paste,blur,focus,latencyOutlier"`
	TS       string         `json:"ts" format:"date-time"`
	ItemID   string         `json:"item_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Criteria are the three BARS dimensions, each an integer in [0,3].
type Criteria struct {
	PolicyProcedure     int `json:"policy_procedure" minimum:"0" maximum:"3"`
	DecisionQuality     int `json:"decision_quality" minimum:"0" maximum:"3"`
	EvidenceSpecificity int `json:"evidence_specificity" minimum:"0" maximum:"3"`
}

// Total sums the three criterion values (0-9).
func (c Criteria) Total() int {
	return c.PolicyProcedure + c.DecisionQuality + c.EvidenceSpecificity
}

type GradeOutcome struct {
	Criteria Criteria `json:"criteria"`
	Total    int      `json:"total" minimum:"0" maximum:"9"`
	FollowUp string   `json:"follow_up,omitempty"`
	Kappa    float64  `json:"kappa" minimum:"0" maximum:"1"`
}

type Question struct {
	ItemID     string `json:"item_id"`
	Text       string `json:"question"`
	Difficulty Step   `json:"difficulty" enum:"easy,medium,hard"`
}

// HistoryEntry is a prior question/answer pair handed to the oracle for
// context-aware grading and question generation.
type HistoryEntry struct {
	ItemID   string `json:"item_id"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Total    *int   `json:"total,omitempty"`
}

type Session struct {
	ID           string  `json:"id"`
	AssessmentID string  `json:"assessment_id"`
	TokenHash    string  `json:"token_hash"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	ExpiresAt    string  `json:"expires_at" format:"date-time"`
	RevokedAt    *string `json:"revoked_at,omitempty" format:"date-time"`
}

type IntegrityRisk struct {
	Risk    float64  `json:"risk" minimum:"0" maximum:"1"`
	Band    string   `json:"band" enum:"Low,Med,High"`
	Reasons []string `json:"reasons"`
}

// Progress is handed to the question-generation collaborator for prompt
// shaping. TimeRemainingSeconds is clamped at zero.
type Progress struct {
	TimeRemainingSeconds int     `json:"time_remaining_seconds"`
	ItemNumber           int     `json:"item_number"`
	MaxItems             int     `json:"max_items"`
	ItemRatio            float64 `json:"item_ratio"`
}

type ReportItem struct {
	ItemID       string        `json:"item_id"`
	QuestionText string        `json:"question_text,omitempty"`
	AnswerText   string        `json:"answer_text"`
	TStart       string        `json:"t_start" format:"date-time"`
	TEnd         *string       `json:"t_end,omitempty" format:"date-time"`
	Score        *GradeOutcome `json:"score,omitempty"`
}

type Report struct {
	AssessmentID string        `json:"assessment_id"`
	JobID        string        `json:"job_id"`
	Items        []ReportItem  `json:"items"`
	AverageTotal float64       `json:"average_total" minimum:"0" maximum:"100"`
	Integrity    IntegrityRisk `json:"integrity"`
	StopReason   *string       `json:"stop_reason,omitempty"`
	FinishedAt   *string       `json:"finished_at,omitempty" format:"date-time"`
}

type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	AssessmentID string `json:"assessment_id,omitempty"`
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id,omitempty"`
	ActorID      string `json:"actor_id"`
	Payload      string `json:"payload_json"`
}
