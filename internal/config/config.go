package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models impactrun.yml: the execution-plan template used when
// bootstrapping an execution from a locked LFA, the gamification
// policy, and serve-mode settings. The plan shape is configuration, not
// engine policy; the engine only requires levels ordered 1..n with at
// least one action each.
type Config struct {
	Corrective struct {
		MaxAttempts int     `yaml:"max_attempts"`
		XPFactor    float64 `yaml:"xp_factor"`
	} `yaml:"corrective"`
	Gamification struct {
		DefaultActionBaseXP int `yaml:"default_action_base_xp"`
	} `yaml:"gamification"`
	Plan     PlanTemplate    `yaml:"plan"`
	Auth     AuthSettings    `yaml:"auth"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type AuthSettings struct {
	JWTSecret              string `yaml:"jwt_secret"`
	AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type PlanTemplate struct {
	Levels []LevelTemplate `yaml:"levels"`
}

type LevelTemplate struct {
	Number           int              `yaml:"number"`
	Name             string           `yaml:"name"`
	Description      string           `yaml:"description"`
	StartOffsetDays  int              `yaml:"start_offset_days"`
	DurationDays     int              `yaml:"duration_days"`
	MappedImpactIDs  []string         `yaml:"mapped_impact_ids"`
	MappedOutcomeIDs []string         `yaml:"mapped_outcome_ids"`
	Actions          []ActionTemplate `yaml:"actions"`
}

type ActionTemplate struct {
	Sequence              int      `yaml:"sequence"`
	Description           string   `yaml:"description"`
	DetailedSteps         []string `yaml:"detailed_steps"`
	DeadlineOffsetDays    int      `yaml:"deadline_offset_days"`
	EstimatedDurationDays int      `yaml:"estimated_duration_days"`
	Indicator             string   `yaml:"indicator"`
	IndicatorType         string   `yaml:"indicator_type"`
	MeasurementMethod     string   `yaml:"measurement_method"`
	Baseline              float64  `yaml:"baseline"`
	Target                float64  `yaml:"target"`
	MinimumAcceptable     float64  `yaml:"minimum_acceptable"`
	BaseXP                int      `yaml:"base_xp"`
}

// Path returns the config file location for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".impactrun", "impactrun.yml")
}

// Load reads config from the workspace, falling back to defaults when
// no file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a config document.
func FromYAML(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	cfg := Default()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ToYAML serializes the config.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate ensures the plan template is executable: contiguous level
// numbers from 1, at least one action per level, contiguous sequence
// numbers from 1, sane criteria.
func (c *Config) Validate() error {
	if c.Corrective.MaxAttempts <= 0 {
		return fmt.Errorf("config.corrective.max_attempts must be positive")
	}
	if c.Corrective.XPFactor <= 0 || c.Corrective.XPFactor > 1 {
		return fmt.Errorf("config.corrective.xp_factor must be in (0,1]")
	}
	if c.Gamification.DefaultActionBaseXP <= 0 {
		return fmt.Errorf("config.gamification.default_action_base_xp must be positive")
	}
	if len(c.Plan.Levels) == 0 {
		return fmt.Errorf("config.plan.levels is required")
	}
	for i, lvl := range c.Plan.Levels {
		if lvl.Number != i+1 {
			return fmt.Errorf("plan level %d has number %d; levels must be numbered contiguously from 1", i+1, lvl.Number)
		}
		if lvl.Name == "" {
			return fmt.Errorf("plan level %d has no name", lvl.Number)
		}
		if len(lvl.Actions) == 0 {
			return fmt.Errorf("plan level %d has no actions", lvl.Number)
		}
		for j, a := range lvl.Actions {
			if a.Sequence != j+1 {
				return fmt.Errorf("level %d action %d has sequence %d; sequences must be contiguous from 1", lvl.Number, j+1, a.Sequence)
			}
			if a.Description == "" {
				return fmt.Errorf("level %d action %d has no description", lvl.Number, a.Sequence)
			}
			if a.Indicator == "" {
				return fmt.Errorf("level %d action %d has no indicator", lvl.Number, a.Sequence)
			}
			if a.IndicatorType != "impact" && a.IndicatorType != "outcome" {
				return fmt.Errorf("level %d action %d indicator_type must be impact or outcome", lvl.Number, a.Sequence)
			}
			if a.MinimumAcceptable > a.Target {
				return fmt.Errorf("level %d action %d minimum_acceptable exceeds target", lvl.Number, a.Sequence)
			}
		}
	}
	return nil
}

// Default returns the deterministic two-level seed plan used when a
// workspace carries no config of its own.
func Default() *Config {
	cfg := &Config{}
	cfg.Corrective.MaxAttempts = 2
	cfg.Corrective.XPFactor = 0.5
	cfg.Gamification.DefaultActionBaseXP = 1000
	cfg.Plan = PlanTemplate{
		Levels: []LevelTemplate{
			{
				Number:       1,
				Name:         "Foundation",
				DurationDays: 30,
				Actions: []ActionTemplate{
					{
						Sequence:              1,
						Description:           "Baseline assessment and preparation",
						DeadlineOffsetDays:    14,
						EstimatedDurationDays: 7,
						Indicator:             "Baseline readiness",
						IndicatorType:         "impact",
						Baseline:              0,
						Target:                100,
						MinimumAcceptable:     80,
					},
				},
			},
			{
				Number:          2,
				Name:            "Launch",
				StartOffsetDays: 30,
				DurationDays:    30,
				Actions: []ActionTemplate{
					{
						Sequence:              1,
						Description:           "Initial rollout and monitoring",
						DeadlineOffsetDays:    45,
						EstimatedDurationDays: 10,
						Indicator:             "Launch effectiveness",
						IndicatorType:         "outcome",
						Baseline:              0,
						Target:                100,
						MinimumAcceptable:     80,
					},
				},
			},
		},
	}
	return cfg
}
