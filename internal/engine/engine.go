package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"caliber/internal/config"
	"caliber/internal/domain"
	"caliber/internal/events"
	"caliber/internal/oracle"
	"caliber/internal/repo"
)

// State errors. Expected, user-facing, never auto-retried.
var (
	ErrAssessmentFinished  = errors.New("assessment already finished")
	ErrMaxItemsReached     = errors.New("max items reached")
	ErrTimeExpired         = errors.New("assessment time expired")
	ErrDuplicateSubmission = errors.New("item already submitted")
	ErrBankExhausted       = errors.New("question bank exhausted")
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Oracle    oracle.Client
	JWTSecret string
	Rand      *rand.Rand
	Now       func() time.Time
	Logger    *log.Logger
}

func New(db *sql.DB, cfg *config.Config, oc oracle.Client) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Oracle: oc,
		Rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

// AssessmentCreateOptions are parameters for creating an assessment.
type AssessmentCreateOptions struct {
	ID              string
	JobID           string
	CandidateName   string
	MaxItems        int
	DurationMinutes int
	ActorID         string
}

func (e Engine) CreateAssessment(ctx context.Context, opts AssessmentCreateOptions) (domain.Assessment, error) {
	if e.Config == nil {
		return domain.Assessment{}, errors.New("config not loaded")
	}
	jobID := opts.JobID
	if jobID == "" {
		jobID = e.Config.Job.ID
	}
	if jobID == "" {
		return domain.Assessment{}, errors.New("job is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	maxItems := opts.MaxItems
	if maxItems <= 0 {
		maxItems = e.Config.MaxItems()
	}
	duration := opts.DurationMinutes
	if duration <= 0 {
		duration = e.Config.DurationMinutes()
	}
	a := domain.Assessment{
		ID:              id,
		JobID:           jobID,
		CandidateName:   opts.CandidateName,
		Step:            domain.StepEasy,
		MaxItems:        maxItems,
		DurationMinutes: duration,
		CreatedAt:       e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assessment{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAssessmentTx(ctx, tx, a); err != nil {
		return domain.Assessment{}, fmt.Errorf("insert assessment: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeAssessmentCreated, a.ID, "assessment", a.ID, opts.ActorID, events.EventPayload{
		"job_id":           a.JobID,
		"max_items":        a.MaxItems,
		"duration_minutes": a.DurationMinutes,
	}); err != nil {
		return domain.Assessment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assessment{}, err
	}
	return a, nil
}

// SubmitOptions are parameters for submitting an answer.
type SubmitOptions struct {
	AssessmentID string
	ItemID       string
	AnswerText   string
	QuestionText string
	Signals      []domain.IntegrityEvent
	ActorID      string
}

// SubmitAnswer accepts an answer for an item. The stop-rule check and the
// insert run atomically under a write intent on the assessment row, so two
// concurrent submissions can never both pass an "under limit" check. The
// slow oracle call happens later, in a separate transaction, and never holds
// this lock.
func (e Engine) SubmitAnswer(ctx context.Context, opts SubmitOptions) (domain.ItemEvent, error) {
	if opts.AssessmentID == "" {
		return domain.ItemEvent{}, errors.New("assessment is required")
	}
	if opts.ItemID == "" {
		return domain.ItemEvent{}, errors.New("item is required")
	}
	if opts.AnswerText == "" {
		return domain.ItemEvent{}, errors.New("answer is required")
	}
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ItemEvent{}, err
	}
	defer tx.Rollback()

	// Serializes concurrent submissions for this assessment for the rest of
	// the transaction.
	if err := e.Repo.LockAssessmentTx(ctx, tx, opts.AssessmentID, nowStr); err != nil {
		return domain.ItemEvent{}, err
	}
	// Re-check under the lock: a finish may have landed between the caller's
	// earlier check and this transaction.
	a, err := e.Repo.GetAssessmentTx(ctx, tx, opts.AssessmentID)
	if err != nil {
		return domain.ItemEvent{}, err
	}
	if a.Finished() {
		return domain.ItemEvent{}, ErrAssessmentFinished
	}
	count, err := e.Repo.CountItemEventsTx(ctx, tx, a.ID)
	if err != nil {
		return domain.ItemEvent{}, err
	}
	// Items before time.
	if count >= a.MaxItems {
		if err := e.finishLocked(ctx, tx, a, domain.StopMaxItems, nowStr, opts.ActorID); err != nil {
			return domain.ItemEvent{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.ItemEvent{}, err
		}
		return domain.ItemEvent{}, ErrMaxItemsReached
	}
	if expired(a, now) {
		if err := e.finishLocked(ctx, tx, a, domain.StopTime, nowStr, opts.ActorID); err != nil {
			return domain.ItemEvent{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.ItemEvent{}, err
		}
		return domain.ItemEvent{}, ErrTimeExpired
	}

	if a.StartedAt == nil {
		started, err := e.Repo.MarkStartedTx(ctx, tx, a.ID, nowStr)
		if err != nil {
			return domain.ItemEvent{}, err
		}
		if started {
			if err := e.Events.Append(ctx, tx, events.TypeAssessmentStarted, a.ID, "assessment", a.ID, opts.ActorID, nil); err != nil {
				return domain.ItemEvent{}, err
			}
		}
	}

	ev := domain.ItemEvent{
		ID:           uuid.New().String(),
		AssessmentID: a.ID,
		ItemID:       opts.ItemID,
		TStart:       nowStr,
		AnswerText:   opts.AnswerText,
		QuestionText: e.resolveQuestionText(opts.ItemID, opts.QuestionText),
		Events:       stampSignals(opts.Signals, opts.ItemID, nowStr),
	}
	if err := e.Repo.InsertItemEventTx(ctx, tx, ev); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.ItemEvent{}, ErrDuplicateSubmission
		}
		return domain.ItemEvent{}, fmt.Errorf("insert item event: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeItemSubmitted, a.ID, "item_event", ev.ID, opts.ActorID, events.EventPayload{
		"item_id": ev.ItemID,
	}); err != nil {
		return domain.ItemEvent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ItemEvent{}, err
	}
	return ev, nil
}

// finishLocked performs the finish transition and session revocation inside
// an already-open transaction holding the assessment lock.
func (e Engine) finishLocked(ctx context.Context, tx *sql.Tx, a domain.Assessment, reason, ts, actorID string) error {
	finished, err := e.Repo.FinishAssessmentTx(ctx, tx, a.ID, reason, ts)
	if err != nil {
		return err
	}
	if !finished {
		return nil
	}
	revoked, err := e.Repo.RevokeSessionsTx(ctx, tx, a.ID, ts)
	if err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeAssessmentFinished, a.ID, "assessment", a.ID, actorID, events.EventPayload{
		"stop_reason": reason,
	}); err != nil {
		return err
	}
	if revoked > 0 {
		if err := e.Events.Append(ctx, tx, events.TypeSessionsRevoked, a.ID, "session", a.ID, actorID, events.EventPayload{
			"count": revoked,
		}); err != nil {
			return err
		}
	}
	return nil
}

// resolveQuestionText falls back to the bank text for known item ids when
// the caller did not echo the question.
func (e Engine) resolveQuestionText(itemID, questionText string) string {
	if questionText != "" || e.Config == nil {
		return questionText
	}
	for _, item := range e.Config.Bank {
		if item.ID == itemID {
			return item.Text
		}
	}
	return ""
}

// stampSignals binds submission-time integrity signals to the item and
// fills missing timestamps.
func stampSignals(signals []domain.IntegrityEvent, itemID, ts string) []domain.IntegrityEvent {
	out := make([]domain.IntegrityEvent, 0, len(signals))
	for _, s := range signals {
		if s.ItemID == "" {
			s.ItemID = itemID
		}
		if s.TS == "" {
			s.TS = ts
		}
		out = append(out, s)
	}
	return out
}

func expired(a domain.Assessment, now time.Time) bool {
	if a.StartedAt == nil {
		return false
	}
	started, err := time.Parse(time.RFC3339, *a.StartedAt)
	if err != nil {
		return false
	}
	return now.Sub(started) > time.Duration(a.DurationMinutes)*time.Minute
}
