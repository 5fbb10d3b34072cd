package engine

import (
	"context"

	"caliber/internal/domain"
)

// Report assembles the hiring-signal summary for an assessment: per-item
// scores, the normalized average, and the behavioral integrity risk. Works
// on running assessments too; unscored items appear without a score and do
// not affect the average.
func (e Engine) Report(ctx context.Context, assessmentID string) (domain.Report, error) {
	a, err := e.Repo.GetAssessment(ctx, assessmentID)
	if err != nil {
		return domain.Report{}, err
	}
	items, err := e.Repo.ListItemEvents(ctx, a.ID)
	if err != nil {
		return domain.Report{}, err
	}

	report := domain.Report{
		AssessmentID: a.ID,
		JobID:        a.JobID,
		StopReason:   a.StopReason,
		FinishedAt:   a.FinishedAt,
		Items:        make([]domain.ReportItem, 0, len(items)),
	}
	var signals []domain.IntegrityEvent
	sum, scored := 0, 0
	for _, it := range items {
		report.Items = append(report.Items, domain.ReportItem{
			ItemID:       it.ItemID,
			QuestionText: it.QuestionText,
			AnswerText:   it.AnswerText,
			TStart:       it.TStart,
			TEnd:         it.TEnd,
			Score:        it.Score,
		})
		if it.Score != nil {
			sum += it.Score.Total
			scored++
		}
		signals = append(signals, it.Events...)
	}
	if scored > 0 {
		// Mean total on the 0-9 scale, reported as a 0-100 percentage.
		report.AverageTotal = float64(sum) / float64(scored) / 9 * 100
	}
	report.Integrity = ComputeIntegrityRisk(signals)
	return report, nil
}
