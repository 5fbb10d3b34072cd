package engine

import (
	"context"
	"fmt"
	"time"

	"caliber/internal/domain"
	"caliber/internal/events"
	"caliber/internal/oracle"
	"caliber/internal/repo"
)

// Grading seeds. The oracle is deterministic per seed; two independent
// seeds expose model variance, the third breaks ties.
const (
	gradeSeedPassOne  = 1
	gradeSeedPassTwo  = 2
	gradeSeedTieBreak = 3
)

// minAgreedCriteria is the consensus bar: at least 2 of 3 criteria must
// match between the primary passes (the documented 0.67 threshold).
const minAgreedCriteria = 2

// GradeInput carries everything the oracle needs to score one answer.
type GradeInput struct {
	ItemID               string
	Prompt               string
	Answer               string
	JobContext           string
	ApplicantContext     string
	History              []domain.HistoryEntry
	TimeRemainingSeconds int
}

// GradeAndScoreAnswer turns a raw answer into a reliable BARS score by
// querying the oracle twice in parallel with distinct seeds and reconciling
// disagreement deterministically. A third tie-break call runs only when the
// primary passes agree on fewer than two criteria. Fails only if the oracle
// fails on every attempted call.
func (e Engine) GradeAndScoreAnswer(ctx context.Context, in GradeInput) (domain.GradeOutcome, error) {
	if e.Oracle == nil {
		return domain.GradeOutcome{}, oracle.ErrNotConfigured
	}
	req := oracle.GradeRequest{
		ItemID:               in.ItemID,
		Prompt:               in.Prompt,
		Answer:               in.Answer,
		JobContext:           in.JobContext,
		ApplicantContext:     in.ApplicantContext,
		History:              in.History,
		TimeRemainingSeconds: in.TimeRemainingSeconds,
	}

	type passResult struct {
		result oracle.GradeResult
		err    error
	}
	run := func(seed int, out chan<- passResult) {
		r := req
		r.Seed = seed
		result, err := e.Oracle.GradeAnswer(ctx, r)
		out <- passResult{result: result, err: err}
	}
	ch1 := make(chan passResult, 1)
	ch2 := make(chan passResult, 1)
	go run(gradeSeedPassOne, ch1)
	go run(gradeSeedPassTwo, ch2)
	p1, p2 := <-ch1, <-ch2
	if p1.err != nil {
		return domain.GradeOutcome{}, fmt.Errorf("grading pass 1: %w", p1.err)
	}
	if p2.err != nil {
		return domain.GradeOutcome{}, fmt.Errorf("grading pass 2: %w", p2.err)
	}

	matches := matchingCriteria(p1.result.Criteria, p2.result.Criteria)
	kappa := float64(matches) / 3

	chosen := p1.result
	if matches < minAgreedCriteria {
		r := req
		r.Seed = gradeSeedTieBreak
		tb, err := e.Oracle.GradeAnswer(ctx, r)
		if err != nil {
			return domain.GradeOutcome{}, fmt.Errorf("grading tie-break: %w", err)
		}
		// Closest primary pass by L1 distance wins; ties favor pass 1.
		d1 := l1Distance(tb.Criteria, p1.result.Criteria)
		d2 := l1Distance(tb.Criteria, p2.result.Criteria)
		if d1 <= d2 {
			chosen = p1.result
		} else {
			chosen = p2.result
		}
		if chosen.FollowUp == "" && tb.FollowUp != "" {
			chosen.FollowUp = tb.FollowUp
		}
	}

	return domain.GradeOutcome{
		Criteria: chosen.Criteria,
		Total:    chosen.Criteria.Total(),
		FollowUp: chosen.FollowUp,
		Kappa:    kappa,
	}, nil
}

func matchingCriteria(a, b domain.Criteria) int {
	n := 0
	if a.PolicyProcedure == b.PolicyProcedure {
		n++
	}
	if a.DecisionQuality == b.DecisionQuality {
		n++
	}
	if a.EvidenceSpecificity == b.EvidenceSpecificity {
		n++
	}
	return n
}

func l1Distance(a, b domain.Criteria) int {
	return abs(a.PolicyProcedure-b.PolicyProcedure) +
		abs(a.DecisionQuality-b.DecisionQuality) +
		abs(a.EvidenceSpecificity-b.EvidenceSpecificity)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// GradeItem grades a persisted answer and records the outcome. The oracle
// call runs outside any assessment lock; the score write is a second,
// causally-downstream transaction on the item event, performed at most
// once. Re-grading an already-scored item returns the stored outcome.
func (e Engine) GradeItem(ctx context.Context, itemEventID, actorID string) (domain.GradeOutcome, error) {
	ev, err := e.Repo.GetItemEvent(ctx, itemEventID)
	if err != nil {
		return domain.GradeOutcome{}, err
	}
	if ev.Score != nil {
		return *ev.Score, nil
	}
	a, err := e.Repo.GetAssessment(ctx, ev.AssessmentID)
	if err != nil {
		return domain.GradeOutcome{}, err
	}
	history, err := e.history(ctx, a.ID, ev.ItemID)
	if err != nil {
		return domain.GradeOutcome{}, err
	}
	items, err := e.Repo.CountItemEvents(ctx, a.ID)
	if err != nil {
		return domain.GradeOutcome{}, err
	}
	progress := e.Progress(a, items)

	jobContext := ""
	applicantContext := ""
	if e.Config != nil {
		jobContext = e.Config.Job.Context
		applicantContext = a.CandidateName
	}
	outcome, err := e.GradeAndScoreAnswer(ctx, GradeInput{
		ItemID:               ev.ItemID,
		Prompt:               ev.QuestionText,
		Answer:               ev.AnswerText,
		JobContext:           jobContext,
		ApplicantContext:     applicantContext,
		History:              history,
		TimeRemainingSeconds: progress.TimeRemainingSeconds,
	})
	if err != nil {
		return domain.GradeOutcome{}, err
	}

	nowStr := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.GradeOutcome{}, err
	}
	defer tx.Rollback()
	wrote, err := e.Repo.SetItemScoreTx(ctx, tx, ev.ID, outcome, nowStr)
	if err != nil {
		return domain.GradeOutcome{}, err
	}
	if !wrote {
		// Lost a race with another grader; the stored score stands.
		stored, err := e.Repo.GetItemEvent(ctx, ev.ID)
		if err != nil {
			return domain.GradeOutcome{}, err
		}
		if stored.Score != nil {
			return *stored.Score, nil
		}
		return domain.GradeOutcome{}, fmt.Errorf("score for item event %s not written", ev.ID)
	}
	next := TransitionStep(a.Step, &outcome.Total)
	if next != a.Step {
		if err := e.Repo.SetStepTx(ctx, tx, a.ID, next); err != nil {
			return domain.GradeOutcome{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.TypeItemGraded, a.ID, "item_event", ev.ID, actorID, events.EventPayload{
		"item_id": ev.ItemID,
		"total":   outcome.Total,
		"kappa":   outcome.Kappa,
		"step":    string(next),
	}); err != nil {
		return domain.GradeOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.GradeOutcome{}, err
	}
	return outcome, nil
}

// history assembles prior question/answer pairs, excluding the item being
// graded, oldest first.
func (e Engine) history(ctx context.Context, assessmentID, excludeItemID string) ([]domain.HistoryEntry, error) {
	items, err := e.Repo.ListItemEvents(ctx, assessmentID)
	if err != nil {
		if err == repo.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	var entries []domain.HistoryEntry
	for _, it := range items {
		if it.ItemID == excludeItemID {
			continue
		}
		entry := domain.HistoryEntry{
			ItemID:   it.ItemID,
			Question: it.QuestionText,
			Answer:   it.AnswerText,
		}
		if it.Score != nil {
			total := it.Score.Total
			entry.Total = &total
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
