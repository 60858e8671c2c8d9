package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memstore "github.com/PabloGalante/callcore/internal/adapters/storage/memory"
	"github.com/PabloGalante/callcore/internal/app/conversation"
	"github.com/PabloGalante/callcore/internal/app/policy"
	"github.com/PabloGalante/callcore/internal/config"
	"github.com/PabloGalante/callcore/internal/domain"
)

const tenantYAML = `
tenant_id: acme
fallback_transfer_target: "+15550009999"
triage:
  allowed_categories: [INFO]
scenarios:
  - id: hours
    intent: business_hours
    category: INFO
    keywords: ["when are you open"]
    response: "We're open eight to five, Monday through Friday."
`

const rulesYAML = `
tenant_id: acme
allowed_actions: [CONTINUE, TRANSFER, TAKE_MESSAGE, HANGUP]
rules:
  - id: emergency
    kind: edge_case
    priority: 100
    patterns: ["gas leak"]
    response: "Please hang up and call 911 right away."
    action: HANGUP
`

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestCheckConfigAcceptsValidFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "tenants"), "acme.yaml", tenantYAML)
	writeFile(t, filepath.Join(root, "rules"), "acme.yaml", rulesYAML)

	var out bytes.Buffer
	require.NoError(t, checkConfig(&out, filepath.Join(root, "tenants"), filepath.Join(root, "rules")))
	assert.Contains(t, out.String(), "tenants: 1 ok")
	assert.Contains(t, out.String(), "rule sets: 1 ok")
}

func TestCheckConfigRejectsUnknownKeys(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "tenants"), "acme.yaml", tenantYAML+"greeting_voice: alloy\n")
	writeFile(t, filepath.Join(root, "rules"), "acme.yaml", rulesYAML+"    color: red\n")

	err := checkConfig(&bytes.Buffer{}, filepath.Join(root, "tenants"), filepath.Join(root, "rules"))
	require.Error(t, err)
	assert.ErrorContains(t, err, "greeting_voice")
	assert.ErrorIs(t, err, domain.ErrInvalidRuleSet)
}

func TestPublishRuleDirIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "acme.yaml", rulesYAML)
	ctx := context.Background()

	registry := policy.NewRegistry(memstore.NewDurableStore(), nil)
	compiler := policy.NewCompiler(policy.NewLocalLocker(), registry, nil)

	require.NoError(t, publishRuleDir(ctx, compiler, registry, dir))
	require.NoError(t, publishRuleDir(ctx, compiler, registry, dir))

	art, ok := registry.Active("acme")
	require.True(t, ok)
	assert.Equal(t, int64(1), art.Version, "unchanged rules are not republished")

	writeFile(t, dir, "acme.yaml", rulesYAML+"safe_message: \"One moment please.\"\n")
	require.NoError(t, publishRuleDir(ctx, compiler, registry, dir))
	art, _ = registry.Active("acme")
	assert.Equal(t, int64(2), art.Version)
}

func TestCompileFileDryRun(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "acme.yaml", rulesYAML)

	report, err := compileFile(context.Background(), nil, filepath.Join(dir, "acme.yaml"))
	require.NoError(t, err)
	assert.Equal(t, domain.TenantID("acme"), report.TenantID)
	assert.Equal(t, 1, report.Rules)
	assert.NotEmpty(t, report.Checksum)
}

func TestBuildLocalWiring(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "tenants"), "acme.yaml", tenantYAML)
	cfg := &config.Config{
		Mode:             config.ModeLocal,
		UseMockLLM:       true,
		StorageBackend:   "memory",
		CacheBackend:     "memory",
		MemoryBackend:    "memory",
		SearchBackend:    "memory",
		TenantsDir:       filepath.Join(root, "tenants"),
		SessionLocalTTL:  time.Minute,
		SessionSharedTTL: time.Hour,
		ShutdownGrace:    time.Second,
	}
	require.NoError(t, cfg.Validate())

	a, err := build(context.Background(), cfg)
	require.NoError(t, err)
	defer a.close()

	out := a.conversation.ProcessTurn(context.Background(), conversation.ProcessTurnInput{
		TenantID:  "acme",
		CallID:    "call-1",
		CallerID:  "+15551234567",
		Utterance: "when are you open",
	})
	assert.Equal(t, domain.ActionContinue, out.Action)
	assert.Equal(t, "We're open eight to five, Monday through Friday.", out.SpeechText)
}

func TestShippedConfigIsValid(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, checkConfig(&out, "../../config/tenants", "../../config/rules"))
	assert.Contains(t, out.String(), "tenants: 1 ok")
	assert.Contains(t, out.String(), "rule sets: 1 ok")
}
