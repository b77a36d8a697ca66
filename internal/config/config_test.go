package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venturegate/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 20, cfg.Orchestrator.MinIdeaLength)
	assert.Equal(t, 3, cfg.Orchestrator.MaxAttempts)
	assert.Greater(t, cfg.Gates.Desirability.StrongResonance, cfg.Gates.Desirability.FloorResonance)
	assert.Greater(t, cfg.Gates.Viability.ProfitableLTVCAC, cfg.Gates.Viability.UnderwaterLTVCAC)
}

func TestGeneratedDefaultRoundTrips(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	yml := `orchestrator:
  min_idea_length: 5
  task_timeout_sec: 60
  max_attempts: 2
  backoff_base_sec: 1
  backoff_max_sec: 10
  workers: 2
  poll_interval_sec: 1
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "venturegate.yml"), []byte(yml), 0o644))

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Orchestrator.MinIdeaLength)
	assert.Equal(t, 2, cfg.Orchestrator.MaxAttempts)
	// Sections absent from the file keep their defaults.
	assert.Equal(t, config.Default().Gates, cfg.Gates)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero idea length", func(c *config.Config) { c.Orchestrator.MinIdeaLength = 0 }},
		{"zero timeout", func(c *config.Config) { c.Orchestrator.TaskTimeoutSec = 0 }},
		{"zero attempts", func(c *config.Config) { c.Orchestrator.MaxAttempts = 0 }},
		{"inverted backoff", func(c *config.Config) { c.Orchestrator.BackoffMaxSec = c.Orchestrator.BackoffBaseSec - 1 }},
		{"zero workers", func(c *config.Config) { c.Orchestrator.Workers = 0 }},
		{"resonance out of range", func(c *config.Config) { c.Gates.Desirability.StrongResonance = 1.5 }},
		{"floor above strong resonance", func(c *config.Config) { c.Gates.Desirability.FloorResonance = 0.9 }},
		{"floor above strong confidence", func(c *config.Config) { c.Gates.Feasibility.FloorConfidence = 0.9 }},
		{"negative critical risks", func(c *config.Config) { c.Gates.Feasibility.MaxCriticalRisks = -1 }},
		{"underwater above profitable", func(c *config.Config) { c.Gates.Viability.UnderwaterLTVCAC = 5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestFromYAMLRejectsMalformedInput(t *testing.T) {
	_, err := config.FromYAML([]byte("orchestrator: [not a map"))
	assert.Error(t, err)
}
