package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models venturegate.yml.
type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Gates        GatesConfig        `yaml:"gates"`
	Server       ServerConfig       `yaml:"server"`
	Notify       NotifyConfig       `yaml:"notify"`
	Webhooks     []WebhookConfig    `yaml:"webhooks"`
}

type OrchestratorConfig struct {
	MinIdeaLength   int `yaml:"min_idea_length"`
	TaskTimeoutSec  int `yaml:"task_timeout_sec"`
	MaxAttempts     int `yaml:"max_attempts"`
	BackoffBaseSec  int `yaml:"backoff_base_sec"`
	BackoffMaxSec   int `yaml:"backoff_max_sec"`
	Workers         int `yaml:"workers"`
	PollIntervalSec int `yaml:"poll_interval_sec"`
}

type GatesConfig struct {
	Desirability DesirabilityThresholds `yaml:"desirability"`
	Feasibility  FeasibilityThresholds  `yaml:"feasibility"`
	Viability    ViabilityThresholds    `yaml:"viability"`
}

// DesirabilityThresholds classify commitment evidence. Resonance and
// conversion floors/ceilings are fractions in [0,1].
type DesirabilityThresholds struct {
	StrongResonance  float64 `yaml:"strong_resonance"`
	FloorResonance   float64 `yaml:"floor_resonance"`
	StrongConversion float64 `yaml:"strong_conversion"`
	MaxZombieRatio   float64 `yaml:"max_zombie_ratio"`
}

type FeasibilityThresholds struct {
	StrongConfidence    float64 `yaml:"strong_confidence"`
	FloorConfidence     float64 `yaml:"floor_confidence"`
	MinPrototypeSuccess float64 `yaml:"min_prototype_success"`
	MaxCriticalRisks    int     `yaml:"max_critical_risks"`
}

type ViabilityThresholds struct {
	ProfitableLTVCAC float64 `yaml:"profitable_ltv_cac"`
	UnderwaterLTVCAC float64 `yaml:"underwater_ltv_cac"`
}

type ServerConfig struct {
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"jwt_secret"`
}

type NotifyConfig struct {
	URL        string `yaml:"url"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from the workspace, falling back to
// defaults when venturegate.yml does not exist.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	o := c.Orchestrator
	if o.MinIdeaLength <= 0 {
		return fmt.Errorf("orchestrator.min_idea_length must be positive")
	}
	if o.TaskTimeoutSec <= 0 {
		return fmt.Errorf("orchestrator.task_timeout_sec must be positive")
	}
	if o.MaxAttempts < 1 {
		return fmt.Errorf("orchestrator.max_attempts must be at least 1")
	}
	if o.BackoffBaseSec <= 0 || o.BackoffMaxSec < o.BackoffBaseSec {
		return fmt.Errorf("orchestrator backoff bounds invalid: base=%d max=%d", o.BackoffBaseSec, o.BackoffMaxSec)
	}
	if o.Workers < 1 {
		return fmt.Errorf("orchestrator.workers must be at least 1")
	}
	d := c.Gates.Desirability
	for name, v := range map[string]float64{
		"strong_resonance":  d.StrongResonance,
		"floor_resonance":   d.FloorResonance,
		"strong_conversion": d.StrongConversion,
		"max_zombie_ratio":  d.MaxZombieRatio,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("gates.desirability.%s must be within [0,1]", name)
		}
	}
	if d.FloorResonance >= d.StrongResonance {
		return fmt.Errorf("gates.desirability.floor_resonance must be below strong_resonance")
	}
	f := c.Gates.Feasibility
	if f.FloorConfidence >= f.StrongConfidence {
		return fmt.Errorf("gates.feasibility.floor_confidence must be below strong_confidence")
	}
	if f.MaxCriticalRisks < 0 {
		return fmt.Errorf("gates.feasibility.max_critical_risks must not be negative")
	}
	v := c.Gates.Viability
	if v.UnderwaterLTVCAC >= v.ProfitableLTVCAC {
		return fmt.Errorf("gates.viability.underwater_ltv_cac must be below profitable_ltv_cac")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "venturegate.yml")
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `orchestrator:
  min_idea_length: 20
  task_timeout_sec: 300
  max_attempts: 3
  backoff_base_sec: 5
  backoff_max_sec: 300
  workers: 8
  poll_interval_sec: 10

gates:
  desirability:
    strong_resonance: 0.5
    floor_resonance: 0.2
    strong_conversion: 0.1
    max_zombie_ratio: 0.4

  feasibility:
    strong_confidence: 0.7
    floor_confidence: 0.3
    min_prototype_success: 0.5
    max_critical_risks: 2

  viability:
    profitable_ltv_cac: 3.0
    underwater_ltv_cac: 1.0

server:
  base_path: /v0
  jwt_secret: ""

notify:
  url: ""
  timeout_sec: 5

webhooks: []
`
