package engine_test

import (
	"math"
	"testing"

	"caliber/internal/domain"
	"caliber/internal/engine"
)

func TestReportAveragesScoredItemsOnly(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAssessment(t, 5, 15)

	ev1 := env.submit(t, a.ID, "q1")
	if _, err := env.Engine.GradeItem(env.Ctx, ev1.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	ev2 := env.submit(t, a.ID, "q2")
	if _, err := env.Engine.GradeItem(env.Ctx, ev2.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	env.submit(t, a.ID, "q3") // never graded

	report, err := env.Engine.Report(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(report.Items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(report.Items))
	}
	// Two scored items at 6/9 each.
	want := 6.0 / 9 * 100
	if math.Abs(report.AverageTotal-want) > 1e-9 {
		t.Fatalf("average %f, want %f", report.AverageTotal, want)
	}
	if report.Items[2].Score != nil {
		t.Fatalf("ungraded item must have no score")
	}
}

func TestReportEmptyAssessment(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAssessment(t, 5, 15)
	report, err := env.Engine.Report(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.AverageTotal != 0 || len(report.Items) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Integrity.Band != "Low" || report.Integrity.Risk != 0 {
		t.Fatalf("unexpected integrity %+v", report.Integrity)
	}
}

func TestReportAggregatesIntegritySignals(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAssessment(t, 5, 15)

	_, err := env.Engine.SubmitAnswer(env.Ctx, engine.SubmitOptions{
		AssessmentID: a.ID,
		ItemID:       "q1",
		AnswerText:   "pasted from the manual",
		ActorID:      "tester",
		Signals: []domain.IntegrityEvent{
			{Type: domain.SignalPaste},
			{Type: domain.SignalPaste},
			{Type: domain.SignalVisibilityChange},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	report, err := env.Engine.Report(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	// 2 pastes (0.15) + 1 visibility change (0.05) on q1.
	if math.Abs(report.Integrity.Risk-0.20) > 1e-9 {
		t.Fatalf("risk %f, want 0.20", report.Integrity.Risk)
	}
	if len(report.Integrity.Reasons) != 2 {
		t.Fatalf("expected 2 reasons, got %v", report.Integrity.Reasons)
	}
	if report.StopReason != nil {
		t.Fatalf("running assessment has no stop reason")
	}
}
