// Package router resolves a work-type identifier and the set of
// credentialed providers to a concrete model identifier (C6), applying
// static fallback when the preferred provider is not credentialed.
package router

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

// Source names where a resolved model came from.
type Source string

const (
	SourceOverride Source = "override"
	SourcePreset   Source = "preset"
	SourceFallback Source = "fallback"
)

// knownWorkTypes is the closed set of valid work-type identifiers.
// Invalid ids fail fast at resolution time.
var knownWorkTypes = map[string]bool{
	"issue-agent:exploration":   true,
	"issue-agent:implementation": true,
	"specialist-review-agent":   true,
	"specialist-test-agent":     true,
	"specialist-merge-agent":    true,
	"specialist-plan-agent":     true,
	"subagent:bash":             true,
	"cli:quick-command":         true,
}

// Resolution is the result of Router.GetModel.
type Resolution struct {
	Model         anthropic.Model `json:"model"`
	Source        Source          `json:"source"`
	Preset        string          `json:"preset"`
	UsedFallback  bool            `json:"usedFallback"`
	OriginalModel anthropic.Model `json:"originalModel,omitempty"`
}

// Config is the router's configuration, loaded by LoadFromFile from its
// own file (deacon/router.json for the daemon).
type Config struct {
	Preset           string                     `json:"preset"`
	EnabledProviders map[string]bool            `json:"enabledProviders"`
	Overrides        map[string]anthropic.Model `json:"overrides"`
	APIKeys          map[string]string          `json:"apiKeys"`
	// FallbackModel is the always-available model substituted when the
	// preferred provider is not credentialed.
	FallbackModel anthropic.Model `json:"fallbackModel"`
	// PresetDefaults maps preset name -> work type -> model.
	PresetDefaults map[string]map[string]anthropic.Model `json:"presetDefaults"`
}

// Raw model identifiers, wrapped in anthropic.Model at the point of use.
// The SDK exposes Model as a plain string type rather than a fixed set of
// named constants, so configuration carries the literal identifier the
// provider documents.
const (
	modelSonnet = "claude-sonnet-4-20250514"
	modelOpus   = "claude-opus-4-20250514"
	modelHaiku  = "claude-3-5-haiku-20241022"
)

func DefaultConfig() Config {
	return Config{
		Preset:           "balanced",
		EnabledProviders: map[string]bool{"anthropic": true},
		Overrides:        map[string]anthropic.Model{},
		APIKeys:          map[string]string{},
		FallbackModel:    anthropic.Model(modelHaiku),
		PresetDefaults: map[string]map[string]anthropic.Model{
			"balanced": {
				"issue-agent:exploration":    anthropic.Model(modelSonnet),
				"issue-agent:implementation": anthropic.Model(modelSonnet),
				"specialist-review-agent":    anthropic.Model(modelOpus),
				"specialist-test-agent":      anthropic.Model(modelSonnet),
				"specialist-merge-agent":     anthropic.Model(modelSonnet),
				"specialist-plan-agent":      anthropic.Model(modelOpus),
				"subagent:bash":              anthropic.Model(modelHaiku),
				"cli:quick-command":          anthropic.Model(modelHaiku),
			},
		},
	}
}

// providerOf returns the provider name implied by a model identifier. Only
// Anthropic models are known to this router; anything else is treated as
// belonging to a provider keyed by its own prefix before the first dash,
// which is sufficient for the closed model catalog the config carries.
func providerOf(model anthropic.Model) string {
	s := string(model)
	if strings.HasPrefix(s, "claude-") {
		return "anthropic"
	}
	if idx := strings.Index(s, "-"); idx > 0 {
		return s[:idx]
	}
	return s
}

// isEnabled reports whether provider is usable: an explicit false entry in
// EnabledProviders is a hard kill switch that wins even if credentials are
// present. Anthropic is enabled by default since it's the fallback
// provider of last resort; every other provider also needs a non-empty
// API key.
func (c Config) isEnabled(provider string) bool {
	if enabled, set := c.EnabledProviders[provider]; set && !enabled {
		return false
	}
	if provider == "anthropic" {
		return true
	}
	key, ok := c.APIKeys[provider]
	return ok && key != ""
}

// Router resolves work types against a Config. It is pure given its
// configuration; reload happens only on explicit request.
type Router struct {
	cfg  Config
	path string
}

// New constructs a Router from an already-loaded Config.
func New(cfg Config) *Router {
	return &Router{cfg: cfg}
}

// LoadFromFile reads a router config from path, defaulting when absent.
func LoadFromFile(path string) (*Router, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Router{cfg: cfg, path: path}, nil
		}
		return nil, fmt.Errorf("router: read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("router: parse config %s: %w", path, err)
	}
	return &Router{cfg: cfg, path: path}, nil
}

// Reload re-reads the router's config file, if it was loaded from one.
func (r *Router) Reload() error {
	if r.path == "" {
		return nil
	}
	reloaded, err := LoadFromFile(r.path)
	if err != nil {
		return err
	}
	r.cfg = reloaded.cfg
	return nil
}

// GetModel resolves a work type to a model: override map first, then
// preset default; then apply provider fallback if the resolved model's
// provider isn't enabled.
func (r *Router) GetModel(workType string) (Resolution, error) {
	if !knownWorkTypes[workType] {
		return Resolution{}, fmt.Errorf("router: unknown work type %q", workType)
	}

	var model anthropic.Model
	source := SourcePreset

	if override, ok := r.cfg.Overrides[workType]; ok {
		model = override
		source = SourceOverride
	} else {
		presetModels, ok := r.cfg.PresetDefaults[r.cfg.Preset]
		if !ok {
			return Resolution{}, fmt.Errorf("router: unknown preset %q", r.cfg.Preset)
		}
		m, ok := presetModels[workType]
		if !ok {
			return Resolution{}, fmt.Errorf("router: no default model for work type %q in preset %q", workType, r.cfg.Preset)
		}
		model = m
	}

	provider := providerOf(model)
	if r.cfg.isEnabled(provider) {
		return Resolution{Model: model, Source: source, Preset: r.cfg.Preset}, nil
	}

	fallback := r.cfg.FallbackModel
	if fallback == "" {
		fallback = anthropic.Model(modelHaiku)
	}
	return Resolution{
		Model:         fallback,
		Source:        SourceFallback,
		Preset:        r.cfg.Preset,
		UsedFallback:  true,
		OriginalModel: model,
	}, nil
}
