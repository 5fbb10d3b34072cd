package engine

import (
	"context"
	"fmt"
	"time"

	"caliber/internal/domain"
	"caliber/internal/oracle"
)

// EvaluateStop returns the stop reason that applies to the assessment, if
// any. The item limit is checked before the clock so an assessment that
// trips both stops with reason MAX_ITEMS.
func EvaluateStop(a domain.Assessment, itemCount int, now time.Time) (string, bool) {
	if itemCount >= a.MaxItems {
		return domain.StopMaxItems, true
	}
	if expired(a, now) {
		return domain.StopTime, true
	}
	return "", false
}

// Progress computes prompt-shaping progress figures. Time remaining is
// clamped at zero; an assessment that has not started yet has the full
// duration remaining.
func (e Engine) Progress(a domain.Assessment, itemCount int) domain.Progress {
	remaining := time.Duration(a.DurationMinutes) * time.Minute
	if a.StartedAt != nil {
		if started, err := time.Parse(time.RFC3339, *a.StartedAt); err == nil {
			remaining -= e.now().Sub(started)
		}
	}
	if remaining < 0 {
		remaining = 0
	}
	p := domain.Progress{
		TimeRemainingSeconds: int(remaining / time.Second),
		ItemNumber:           itemCount + 1,
		MaxItems:             a.MaxItems,
	}
	if a.MaxItems > 0 {
		p.ItemRatio = float64(itemCount) / float64(a.MaxItems)
	}
	return p
}

// FinishAssessment ends the assessment with the given stop reason,
// revoking its sessions in the same transaction. Finishing an already
// finished assessment is a no-op and returns the stored state.
func (e Engine) FinishAssessment(ctx context.Context, id, reason, actorID string) (domain.Assessment, error) {
	switch reason {
	case domain.StopMaxItems, domain.StopTime:
	case "":
		reason = domain.StopTime
	default:
		return domain.Assessment{}, fmt.Errorf("invalid stop reason %q", reason)
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assessment{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.LockAssessmentTx(ctx, tx, id, nowStr); err != nil {
		return domain.Assessment{}, err
	}
	a, err := e.Repo.GetAssessmentTx(ctx, tx, id)
	if err != nil {
		return domain.Assessment{}, err
	}
	if a.Finished() {
		return a, nil
	}
	if err := e.finishLocked(ctx, tx, a, reason, nowStr, actorID); err != nil {
		return domain.Assessment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assessment{}, err
	}
	a.FinishedAt = &nowStr
	a.StopReason = &reason
	return a, nil
}

// NextQuestion produces the next question at the assessment's current tier.
// It enforces the stop rules first; hitting a limit finishes the assessment
// and surfaces the corresponding state error, so a client polling for the
// next question learns the interview is over.
func (e Engine) NextQuestion(ctx context.Context, assessmentID, actorID string) (domain.Question, error) {
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Question{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.LockAssessmentTx(ctx, tx, assessmentID, nowStr); err != nil {
		return domain.Question{}, err
	}
	a, err := e.Repo.GetAssessmentTx(ctx, tx, assessmentID)
	if err != nil {
		return domain.Question{}, err
	}
	if a.Finished() {
		return domain.Question{}, ErrAssessmentFinished
	}
	count, err := e.Repo.CountItemEventsTx(ctx, tx, a.ID)
	if err != nil {
		return domain.Question{}, err
	}
	if reason, stop := EvaluateStop(a, count, now); stop {
		if err := e.finishLocked(ctx, tx, a, reason, nowStr, actorID); err != nil {
			return domain.Question{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Question{}, err
		}
		if reason == domain.StopMaxItems {
			return domain.Question{}, ErrMaxItemsReached
		}
		return domain.Question{}, ErrTimeExpired
	}
	if err := tx.Commit(); err != nil {
		return domain.Question{}, err
	}

	items, err := e.Repo.ListItemEvents(ctx, a.ID)
	if err != nil {
		return domain.Question{}, err
	}
	if e.questionSource() == "bank" {
		return e.nextBankQuestion(a, items)
	}
	return e.nextOracleQuestion(ctx, a, items, count)
}

func (e Engine) questionSource() string {
	if e.Config == nil {
		return "oracle"
	}
	if e.Config.Oracle.QuestionSource != "" {
		return e.Config.Oracle.QuestionSource
	}
	return "oracle"
}

func (e Engine) nextBankQuestion(a domain.Assessment, items []domain.ItemEvent) (domain.Question, error) {
	asked := make(map[string]bool, len(items))
	for _, it := range items {
		asked[it.ItemID] = true
	}
	item := PickBankItem(e.Config.Bank, a.Step, asked, e.Rand)
	if item == nil {
		return domain.Question{}, ErrBankExhausted
	}
	return domain.Question{
		ItemID:     item.ID,
		Text:       item.Text,
		Difficulty: domain.Step(item.Difficulty),
	}, nil
}

func (e Engine) nextOracleQuestion(ctx context.Context, a domain.Assessment, items []domain.ItemEvent, count int) (domain.Question, error) {
	if e.Oracle == nil {
		return domain.Question{}, oracle.ErrNotConfigured
	}
	history := make([]domain.HistoryEntry, 0, len(items))
	for _, it := range items {
		entry := domain.HistoryEntry{
			ItemID:   it.ItemID,
			Question: it.QuestionText,
			Answer:   it.AnswerText,
		}
		if it.Score != nil {
			total := it.Score.Total
			entry.Total = &total
		}
		history = append(history, entry)
	}
	progress := e.Progress(a, count)
	jobContext := ""
	if e.Config != nil {
		jobContext = e.Config.Job.Context
	}
	q, err := e.Oracle.GenerateQuestion(ctx, oracle.QuestionRequest{
		JobContext:           jobContext,
		ApplicantContext:     a.CandidateName,
		History:              history,
		Difficulty:           a.Step,
		TimeRemainingSeconds: progress.TimeRemainingSeconds,
		ItemNumber:           progress.ItemNumber,
		MaxItems:             progress.MaxItems,
		IsFirstQuestion:      count == 0,
		CandidateName:        a.CandidateName,
	})
	if err != nil {
		return domain.Question{}, fmt.Errorf("next question: %w", err)
	}
	return q, nil
}
