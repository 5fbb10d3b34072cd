package engine

import (
	"fmt"

	"caliber/internal/domain"
)

// Integrity risk weights. Visibility changes saturate at the repeat weight
// while pastes grow linearly after the first; both are fixed design
// parameters, not derived.
const (
	riskVisibilityOnce   = 0.05
	riskVisibilityRepeat = 0.15
	riskPasteFirst       = 0.05
	riskPasteExtra       = 0.10
	riskLatencyOutlier   = 0.10

	bandMedThreshold  = 0.3
	bandHighThreshold = 0.7

	maxRiskReasons = 5
)

// unknownItemBucket groups events that carry no item id.
const unknownItemBucket = "unknown"

type itemSignalCounts struct {
	visibility int
	paste      int
	latency    int
}

// ComputeIntegrityRisk folds behavioral anomaly events into one bounded
// risk score with human-readable reasons. Purely behavioral; answer content
// is never inspected. Reasons follow grouping order, not severity, and are
// capped at five.
func ComputeIntegrityRisk(evs []domain.IntegrityEvent) domain.IntegrityRisk {
	counts := map[string]*itemSignalCounts{}
	var order []string
	for _, ev := range evs {
		item := ev.ItemID
		if item == "" {
			item = unknownItemBucket
		}
		c, ok := counts[item]
		if !ok {
			c = &itemSignalCounts{}
			counts[item] = c
			order = append(order, item)
		}
		switch ev.Type {
		case domain.SignalVisibilityChange:
			c.visibility++
		case domain.SignalPaste:
			c.paste++
		case domain.SignalLatencyOutlier:
			c.latency++
		}
		// focus/blur are audit-only
	}

	risk := 0.0
	reasons := []string{}
	for _, item := range order {
		c := counts[item]
		if c.visibility == 1 {
			risk += riskVisibilityOnce
			reasons = appendReason(reasons, "1 visibility change on %s", item)
		} else if c.visibility >= 2 {
			risk += riskVisibilityRepeat
			reasons = appendReason(reasons, fmt.Sprintf("%d visibility changes", c.visibility)+" on %s", item)
		}
		if c.paste >= 1 {
			risk += riskPasteFirst + riskPasteExtra*float64(c.paste-1)
			reasons = appendReason(reasons, pluralize(c.paste, "paste", "pastes")+" on %s", item)
		}
		if c.latency >= 1 {
			risk += riskLatencyOutlier * float64(c.latency)
			reasons = appendReason(reasons, pluralize(c.latency, "latency outlier", "latency outliers")+" on %s", item)
		}
	}
	if risk > 1 {
		risk = 1
	}
	if risk < 0 {
		risk = 0
	}
	return domain.IntegrityRisk{
		Risk:    risk,
		Band:    riskBand(risk),
		Reasons: reasons,
	}
}

func riskBand(risk float64) string {
	switch {
	case risk >= bandHighThreshold:
		return "High"
	case risk >= bandMedThreshold:
		return "Med"
	default:
		return "Low"
	}
}

func appendReason(reasons []string, format, item string) []string {
	if len(reasons) >= maxRiskReasons {
		return reasons
	}
	return append(reasons, fmt.Sprintf(format, item))
}

func pluralize(n int, singular, plural string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, singular)
	}
	return fmt.Sprintf("%d %s", n, plural)
}
