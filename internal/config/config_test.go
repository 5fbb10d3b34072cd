package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default("job-42")
	if cfg.Job.ID != "job-42" {
		t.Fatalf("expected job id, got %s", cfg.Job.ID)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.MaxItems() != DefaultMaxItems || cfg.DurationMinutes() != DefaultDurationMinutes {
		t.Fatalf("unexpected defaults %d/%d", cfg.MaxItems(), cfg.DurationMinutes())
	}
	if len(cfg.Bank) == 0 {
		t.Fatalf("default config needs a bank")
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("job-9")))
	if err != nil {
		t.Fatalf("generated config must parse: %v", err)
	}
	if cfg.Job.ID != "job-9" {
		t.Fatalf("expected job-9, got %s", cfg.Job.ID)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing job id", func(c *Config) { c.Job.ID = "" }, "job.id"},
		{"bad question source", func(c *Config) { c.Oracle.QuestionSource = "dice" }, "question_source"},
		{"bank mode without bank", func(c *Config) {
			c.Oracle.QuestionSource = "bank"
			c.Bank = nil
		}, "non-empty bank"},
		{"bank item without id", func(c *Config) { c.Bank[0].ID = "" }, "empty id"},
		{"duplicate bank id", func(c *Config) { c.Bank[1].ID = c.Bank[0].ID }, "duplicate id"},
		{"bad difficulty", func(c *Config) { c.Bank[0].Difficulty = "extreme" }, "invalid difficulty"},
		{"bank item without text", func(c *Config) { c.Bank[0].Text = "" }, "empty text"},
		{"webhook without url", func(c *Config) { c.Webhooks = []WebhookConfig{{}} }, "empty url"},
	}
	for _, tc := range cases {
		cfg := Default("job-1")
		tc.mutate(cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Errorf("%s: expected error containing %q, got %v", tc.name, tc.wantErr, err)
		}
	}
}

func TestFromYAML(t *testing.T) {
	cfg, err := FromYAML([]byte(`
job:
  id: adjuster-sr
  title: Senior Adjuster
defaults:
  max_items: 6
  duration_minutes: 20
oracle:
  question_source: bank
bank:
  - id: b1
    difficulty: easy
    text: "First steps?"
webhooks:
  - url: https://example.com/hook
    events: [assessment.finished]
    secret: shh
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.MaxItems() != 6 || cfg.DurationMinutes() != 20 {
		t.Fatalf("unexpected defaults %d/%d", cfg.MaxItems(), cfg.DurationMinutes())
	}
	if cfg.Oracle.QuestionSource != "bank" || len(cfg.Bank) != 1 {
		t.Fatalf("unexpected oracle config %+v", cfg.Oracle)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].Secret != "shh" {
		t.Fatalf("unexpected webhooks %+v", cfg.Webhooks)
	}

	if _, err := FromYAML([]byte("job: [broken")); err == nil {
		t.Fatalf("expected yaml error")
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("missing file must yield nil,nil; got %+v %v", cfg, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "caliber.yml"), []byte(GenerateDefault("job-x")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg == nil || cfg.Job.ID != "job-x" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}
