package router

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetModelUsesPresetDefault(t *testing.T) {
	r := New(DefaultConfig())
	res, err := r.GetModel("issue-agent:exploration")
	require.NoError(t, err)
	assert.Equal(t, SourcePreset, res.Source)
	assert.False(t, res.UsedFallback)
}

func TestGetModelOverrideWins(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Overrides["issue-agent:exploration"] = anthropic.Model("claude-override-model")
	r := New(cfg)

	res, err := r.GetModel("issue-agent:exploration")
	require.NoError(t, err)
	assert.Equal(t, SourceOverride, res.Source)
	assert.Equal(t, anthropic.Model("claude-override-model"), res.Model)
}

func TestGetModelUnknownWorkTypeFailsFast(t *testing.T) {
	r := New(DefaultConfig())
	_, err := r.GetModel("not-a-real-work-type")
	assert.Error(t, err)
}

func TestGetModelFallsBackWhenProviderNotEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Overrides["issue-agent:exploration"] = anthropic.Model("gemini-1.5-pro")
	r := New(cfg)

	res, err := r.GetModel("issue-agent:exploration")
	require.NoError(t, err)
	assert.True(t, res.UsedFallback)
	assert.Equal(t, SourceFallback, res.Source)
	assert.Equal(t, anthropic.Model("gemini-1.5-pro"), res.OriginalModel)
	assert.Equal(t, cfg.FallbackModel, res.Model)
}

func TestGetModelProviderEnabledViaAPIKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Overrides["issue-agent:exploration"] = anthropic.Model("gemini-1.5-pro")
	cfg.APIKeys["gemini"] = "key-123"
	r := New(cfg)

	res, err := r.GetModel("issue-agent:exploration")
	require.NoError(t, err)
	assert.False(t, res.UsedFallback)
	assert.Equal(t, anthropic.Model("gemini-1.5-pro"), res.Model)
}

func TestAnthropicAlwaysEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnabledProviders = nil
	r := New(cfg)
	res, err := r.GetModel("specialist-review-agent")
	require.NoError(t, err)
	assert.False(t, res.UsedFallback)
}

func TestProviderDisabledViaEnabledProvidersEvenWithAPIKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Overrides["issue-agent:exploration"] = anthropic.Model("gemini-1.5-pro")
	cfg.APIKeys["gemini"] = "key-123"
	cfg.EnabledProviders["gemini"] = false
	r := New(cfg)

	res, err := r.GetModel("issue-agent:exploration")
	require.NoError(t, err)
	assert.True(t, res.UsedFallback, "an explicit false in EnabledProviders must override a valid API key")
	assert.Equal(t, cfg.FallbackModel, res.Model)
}

func TestLoadFromFileMissingUsesDefaults(t *testing.T) {
	r, err := LoadFromFile("/nonexistent/path/config.json")
	require.NoError(t, err)
	res, err := r.GetModel("issue-agent:exploration")
	require.NoError(t, err)
	assert.Equal(t, SourcePreset, res.Source)
}
