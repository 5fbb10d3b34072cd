package engine_test

import (
	"math/rand"
	"testing"

	"caliber/internal/config"
	"caliber/internal/domain"
	"caliber/internal/engine"
)

func TestTransitionStep(t *testing.T) {
	intp := func(v int) *int { return &v }
	cases := []struct {
		name string
		step domain.Step
		last *int
		want domain.Step
	}{
		{"no grade holds", domain.StepMedium, nil, domain.StepMedium},
		{"high raises easy", domain.StepEasy, intp(7), domain.StepMedium},
		{"high raises medium", domain.StepMedium, intp(9), domain.StepHard},
		{"hard is the ceiling", domain.StepHard, intp(9), domain.StepHard},
		{"low lowers hard", domain.StepHard, intp(3), domain.StepMedium},
		{"low lowers medium", domain.StepMedium, intp(0), domain.StepEasy},
		{"easy is the floor", domain.StepEasy, intp(1), domain.StepEasy},
		{"mid band holds", domain.StepMedium, intp(5), domain.StepMedium},
		{"boundary 6 holds", domain.StepEasy, intp(6), domain.StepEasy},
		{"boundary 4 holds", domain.StepHard, intp(4), domain.StepHard},
	}
	for _, tc := range cases {
		if got := engine.TransitionStep(tc.step, tc.last); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestPickBankItemFiltersTierAndAsked(t *testing.T) {
	bank := []config.BankItem{
		{ID: "e1", Difficulty: "easy", Text: "easy one"},
		{ID: "e2", Difficulty: "easy", Text: "easy two"},
		{ID: "m1", Difficulty: "medium", Text: "medium one"},
	}
	rng := rand.New(rand.NewSource(1))

	item := engine.PickBankItem(bank, domain.StepEasy, map[string]bool{"e1": true}, rng)
	if item == nil || item.ID != "e2" {
		t.Fatalf("expected e2, got %+v", item)
	}
	item = engine.PickBankItem(bank, domain.StepMedium, nil, rng)
	if item == nil || item.ID != "m1" {
		t.Fatalf("expected m1, got %+v", item)
	}
	if item = engine.PickBankItem(bank, domain.StepHard, nil, rng); item != nil {
		t.Fatalf("expected empty hard pool, got %+v", item)
	}
	asked := map[string]bool{"e1": true, "e2": true}
	if item = engine.PickBankItem(bank, domain.StepEasy, asked, rng); item != nil {
		t.Fatalf("expected exhausted pool, got %+v", item)
	}
}
