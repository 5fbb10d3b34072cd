package engine_test

import (
	"fmt"
	"math"
	"testing"

	"caliber/internal/domain"
	"caliber/internal/engine"
)

func signal(sigType, itemID string) domain.IntegrityEvent {
	return domain.IntegrityEvent{Type: sigType, ItemID: itemID, TS: "2024-01-01T00:00:00Z"}
}

func TestComputeIntegrityRiskWeights(t *testing.T) {
	cases := []struct {
		name string
		evs  []domain.IntegrityEvent
		risk float64
		band string
	}{
		{"no signals", nil, 0, "Low"},
		{"single visibility", []domain.IntegrityEvent{
			signal(domain.SignalVisibilityChange, "q1"),
		}, 0.05, "Low"},
		{"repeated visibility is flat", []domain.IntegrityEvent{
			signal(domain.SignalVisibilityChange, "q1"),
			signal(domain.SignalVisibilityChange, "q1"),
			signal(domain.SignalVisibilityChange, "q1"),
		}, 0.15, "Low"},
		{"single paste", []domain.IntegrityEvent{
			signal(domain.SignalPaste, "q1"),
		}, 0.05, "Low"},
		{"pastes grow linearly", []domain.IntegrityEvent{
			signal(domain.SignalPaste, "q1"),
			signal(domain.SignalPaste, "q1"),
			signal(domain.SignalPaste, "q1"),
		}, 0.25, "Low"},
		{"latency outliers stack", []domain.IntegrityEvent{
			signal(domain.SignalLatencyOutlier, "q1"),
			signal(domain.SignalLatencyOutlier, "q2"),
			signal(domain.SignalLatencyOutlier, "q2"),
		}, 0.30, "Med"},
		{"focus and blur are audit only", []domain.IntegrityEvent{
			signal(domain.SignalFocus, "q1"),
			signal(domain.SignalBlur, "q1"),
		}, 0, "Low"},
		{"per item accumulation", []domain.IntegrityEvent{
			signal(domain.SignalVisibilityChange, "q1"),
			signal(domain.SignalVisibilityChange, "q2"),
			signal(domain.SignalPaste, "q1"),
			signal(domain.SignalPaste, "q2"),
			signal(domain.SignalPaste, "q2"),
		}, 0.30, "Med"},
	}
	for _, tc := range cases {
		got := engine.ComputeIntegrityRisk(tc.evs)
		if math.Abs(got.Risk-tc.risk) > 1e-9 {
			t.Errorf("%s: risk %f, want %f", tc.name, got.Risk, tc.risk)
		}
		if got.Band != tc.band {
			t.Errorf("%s: band %s, want %s", tc.name, got.Band, tc.band)
		}
	}
}

func TestComputeIntegrityRiskClampsAndBandsHigh(t *testing.T) {
	var evs []domain.IntegrityEvent
	for i := 0; i < 15; i++ {
		evs = append(evs, signal(domain.SignalLatencyOutlier, "q1"))
	}
	got := engine.ComputeIntegrityRisk(evs)
	if got.Risk != 1 {
		t.Fatalf("expected clamp at 1, got %f", got.Risk)
	}
	if got.Band != "High" {
		t.Fatalf("expected High band, got %s", got.Band)
	}
}

func TestComputeIntegrityRiskReasonsCapped(t *testing.T) {
	var evs []domain.IntegrityEvent
	for i := 0; i < 8; i++ {
		evs = append(evs, signal(domain.SignalPaste, fmt.Sprintf("q%d", i)))
	}
	got := engine.ComputeIntegrityRisk(evs)
	if len(got.Reasons) != 5 {
		t.Fatalf("expected 5 reasons, got %d: %v", len(got.Reasons), got.Reasons)
	}
	if got.Reasons[0] != "1 paste on q0" {
		t.Fatalf("unexpected first reason %q", got.Reasons[0])
	}
}

func TestComputeIntegrityRiskUnknownBucket(t *testing.T) {
	got := engine.ComputeIntegrityRisk([]domain.IntegrityEvent{
		{Type: domain.SignalVisibilityChange, TS: "2024-01-01T00:00:00Z"},
	})
	if math.Abs(got.Risk-0.05) > 1e-9 {
		t.Fatalf("expected 0.05, got %f", got.Risk)
	}
	if len(got.Reasons) != 1 || got.Reasons[0] != "1 visibility change on unknown" {
		t.Fatalf("unexpected reasons %v", got.Reasons)
	}
}
