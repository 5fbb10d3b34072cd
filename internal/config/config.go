package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxItems        = 18
	DefaultDurationMinutes = 15
	DefaultOracleTimeoutMS = 12000
	DefaultCacheTTLSeconds = 300
)

// Config models caliber.yml.
type Config struct {
	Job struct {
		ID      string `yaml:"id"`
		Title   string `yaml:"title"`
		Context string `yaml:"context"`
	} `yaml:"job"`
	Defaults struct {
		MaxItems        int `yaml:"max_items"`
		DurationMinutes int `yaml:"duration_minutes"`
	} `yaml:"defaults"`
	Oracle   OracleConfig    `yaml:"oracle"`
	Bank     []BankItem      `yaml:"bank"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type OracleConfig struct {
	BaseURL         string `yaml:"base_url"`
	PrimaryModel    string `yaml:"primary_model"`
	FallbackModel   string `yaml:"fallback_model"`
	TimeoutMS       int    `yaml:"timeout_ms"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
	// QuestionSource selects where next questions come from: "oracle" calls
	// the generation endpoint, "bank" draws from the static bank. Grading
	// always goes through the oracle; there is no bank fallback on oracle
	// failure.
	QuestionSource string `yaml:"question_source"`
}

type BankItem struct {
	ID         string `yaml:"id"`
	Difficulty string `yaml:"difficulty"`
	Text       string `yaml:"text"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Enabled        *bool    `yaml:"enabled"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with caliber config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Job.ID == "" {
		return fmt.Errorf("config.job.id is required")
	}
	if c.Defaults.MaxItems < 0 {
		return fmt.Errorf("config.defaults.max_items must be positive")
	}
	if c.Defaults.DurationMinutes < 0 {
		return fmt.Errorf("config.defaults.duration_minutes must be positive")
	}
	switch c.Oracle.QuestionSource {
	case "", "oracle", "bank":
	default:
		return fmt.Errorf("config.oracle.question_source must be oracle or bank")
	}
	if c.Oracle.QuestionSource == "bank" && len(c.Bank) == 0 {
		return fmt.Errorf("question_source bank requires a non-empty bank")
	}
	seen := map[string]bool{}
	for i, item := range c.Bank {
		if item.ID == "" {
			return fmt.Errorf("bank[%d] has empty id", i)
		}
		if seen[item.ID] {
			return fmt.Errorf("bank has duplicate id %s", item.ID)
		}
		seen[item.ID] = true
		switch item.Difficulty {
		case "easy", "medium", "hard":
		default:
			return fmt.Errorf("bank item %s has invalid difficulty %q", item.ID, item.Difficulty)
		}
		if item.Text == "" {
			return fmt.Errorf("bank item %s has empty text", item.ID)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhooks[%d] has empty url", i)
		}
	}
	return nil
}

// MaxItems returns the configured item limit or the default.
func (c *Config) MaxItems() int {
	if c != nil && c.Defaults.MaxItems > 0 {
		return c.Defaults.MaxItems
	}
	return DefaultMaxItems
}

// DurationMinutes returns the configured duration or the default.
func (c *Config) DurationMinutes() int {
	if c != nil && c.Defaults.DurationMinutes > 0 {
		return c.Defaults.DurationMinutes
	}
	return DefaultDurationMinutes
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "caliber.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(jobID string) string {
	return fmt.Sprintf(defaultTemplate, jobID)
}

// Default returns the default Config struct for a job.
func Default(jobID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, jobID)), &cfg)
	cfg.Job.ID = jobID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `job:
  id: %s
  title: "Claims Adjuster"
  context: "Handles property claims; follows policy procedure and documents evidence."

defaults:
  max_items: 18
  duration_minutes: 15

oracle:
  base_url: ""
  primary_model: grader-v2
  fallback_model: grader-v1
  timeout_ms: 12000
  cache_ttl_seconds: 300
  question_source: oracle

bank:
  - id: q_bank_easy_1
    difficulty: easy
    text: "A policyholder reports minor water damage. What are your first three steps?"
  - id: q_bank_easy_2
    difficulty: easy
    text: "What documentation do you collect before approving a small claim?"
  - id: q_bank_medium_1
    difficulty: medium
    text: "Two estimates for the same loss differ by 40%%. How do you proceed?"
  - id: q_bank_medium_2
    difficulty: medium
    text: "A claimant disputes your coverage determination. Walk through your response."
  - id: q_bank_hard_1
    difficulty: hard
    text: "You suspect staged damage on a high-value claim with a cooperative claimant. What do you do, in what order, and why?"
`
