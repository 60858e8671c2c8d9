package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/callcore/internal/config"
	"github.com/PabloGalante/callcore/internal/domain"
)

const acmeTenant = `
tenant_id: acme
triage:
  enabled: true
  threshold: 0.8
  allowed_categories: [TROUBLESHOOT]
tiers:
  generative: true
budgets:
  semantic_tier: 250ms
scenarios:
  - id: ac-down
    intent: ac_not_cooling
    category: TROUBLESHOOT
    keywords: ["ac is down", "not cooling"]
    response: "Sorry to hear that. Check the breaker first."
`

func TestParseTenantConfigAppliesDefaults(t *testing.T) {
	cfg, err := config.ParseTenantConfig([]byte(acmeTenant))
	require.NoError(t, err)

	assert.Equal(t, domain.TenantID("acme"), cfg.TenantID)
	assert.Equal(t, 0.8, cfg.Triage.Threshold)
	assert.True(t, cfg.Tiers.Generative)
	assert.True(t, cfg.Tiers.Rule, "untouched fields keep defaults")
	assert.Equal(t, 250*time.Millisecond, cfg.Budgets.SemanticTier)
	assert.Equal(t, 100*time.Millisecond, cfg.Budgets.RuleTier)
	assert.Equal(t, 0.7, cfg.Thresholds.Semantic)
	assert.True(t, cfg.CategoryAllowed("troubleshoot"))

	s, ok := cfg.Scenario("ac-down")
	require.True(t, ok)
	assert.Equal(t, "TROUBLESHOOT", s.Category)
}

func TestParseTenantConfigRejectsUnknownFields(t *testing.T) {
	_, err := config.ParseTenantConfig([]byte("tenant_id: acme\ntriage:\n  shortcut_enabled: true\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shortcut_enabled")
}

func TestParseTenantConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing tenant", "triage:\n  enabled: true\n"},
		{"threshold out of range", "tenant_id: a\nthresholds:\n  rule: 1.5\n"},
		{"duplicate scenario", "tenant_id: a\nscenarios:\n  - {id: x, response: hi}\n  - {id: x, response: hi}\n"},
		{"bad action", "tenant_id: a\nscenarios:\n  - {id: x, response: hi, action: DANCE}\n"},
		{"bad loop policy", "tenant_id: a\ndiscovery:\n  loop_policy: forever\n"},
		{"confirm without prompt", "tenant_id: a\ndiscovery:\n  steps:\n    - {slot: name, prompt: Name?, confirm: true}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.ParseTenantConfig([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestTenantRegistryFallsBackToDefaults(t *testing.T) {
	reg := config.NewTenantRegistry()
	cfg := reg.Tenant("unknown")
	assert.Equal(t, domain.TenantID("unknown"), cfg.TenantID)
	assert.Equal(t, config.DefaultTenantConfig("unknown"), cfg)
}

func TestLoadTenantDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "acme.yaml"), []byte(acmeTenant), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	reg, err := config.LoadTenantDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []domain.TenantID{"acme"}, reg.IDs())

	missing, err := config.LoadTenantDir(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.Empty(t, missing.IDs())
}

func TestTenantConfigIsFullyWired(t *testing.T) {
	require.NoError(t, config.CheckWiring(config.TenantConfig{}))

	consumers, err := config.Consumers(config.TenantConfig{})
	require.NoError(t, err)
	assert.Contains(t, consumers["triage.enabled"], domain.StageTriage)
	assert.Contains(t, consumers["triage.allowed_categories"], domain.StageTriage)
	assert.Contains(t, consumers["discovery.max_reprompts"], domain.StageDialog)
	assert.Contains(t, consumers["scenarios.keywords"], domain.StageRouterRule)
}

func TestCheckWiringFlagsUnconsumedFields(t *testing.T) {
	type orphan struct {
		Used   bool `yaml:"used" stage:"triage"`
		Unused bool `yaml:"unused"`
	}
	err := config.CheckWiring(orphan{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unused")

	type typo struct {
		Value int `yaml:"value" stage:"triag"`
	}
	err = config.CheckWiring(typo{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown stage")
}
