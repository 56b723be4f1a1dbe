// Package config loads the supervisor's tunables (deacon/config.json) and
// its compiled lazy-behavior pattern table, using a
// Default/LoadFromFile/validate loading convention.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// CurrentSchemaVersion is the schema version this binary understands.
// Config files carrying an incompatible major version fail validation at
// load rather than silently misbehaving.
const CurrentSchemaVersion = "v1.0.0"

// DeaconConfig holds every interval and threshold the supervisor loop
// consults. Field-level comments double as the operator-facing
// documentation for deacon/config.json.
type DeaconConfig struct {
	SchemaVersion string `json:"schemaVersion"`

	// PatrolIntervalMs is how often the clock fires the supervisor.
	PatrolIntervalMs int `json:"patrolIntervalMs"`

	// Heartbeat thresholds, milliseconds.
	TStaleMs   int `json:"tStaleMs"`
	TWarningMs int `json:"tWarningMs"`
	TStuckMs   int `json:"tStuckMs"`

	// KFail is the consecutive-unresponsive-tick count that triggers a
	// force-kill. It is validated at load but not passed to the
	// supervisor, whose force-kill count is fixed at 3.
	KFail int `json:"kFail"`
	// TCooldownMs is the post-force-kill window during which the same
	// specialist is never force-killed again.
	TCooldownMs int `json:"tCooldownMs"`

	// TClassSpecialistMs / TClassWorkAgentMs are the idle-before-suspend
	// thresholds for specialists and work agents respectively.
	TClassSpecialistMs int `json:"tClassSpecialistMs"`
	TClassWorkAgentMs  int `json:"tClassWorkAgentMs"`

	// TLazyCooldownMs bounds how often an anti-lazy nudge can be sent to
	// the same agent.
	TLazyCooldownMs int `json:"tLazyCooldownMs"`

	// TWindowMs / MMassDeath / TAlertCooldownMs configure mass-death
	// detection. MMassDeath is validated at load but not passed to the
	// supervisor, whose mass-death threshold is fixed at 2.
	TWindowMs        int `json:"tWindowMs"`
	MMassDeath       int `json:"mMassDeath"`
	TAlertCooldownMs int `json:"tAlertCooldownMs"`

	// TReadyMs bounds how long resume waits for the hook's ready signal.
	TReadyMs int `json:"tReadyMs"`

	// NMaxNudges is the FPP violation tracker's nudge ceiling. THookIdleMs
	// is carried into Durations.HookIdle, which nothing reads: violations
	// are opened by lazy-behavior detection, with no idle-time gate.
	THookIdleMs int `json:"tHookIdleMs"`
	NMaxNudges  int `json:"nMaxNudges"`
}

func Default() DeaconConfig {
	return DeaconConfig{
		SchemaVersion:      CurrentSchemaVersion,
		PatrolIntervalMs:   30_000,
		TStaleMs:           int(5 * time.Minute / time.Millisecond),
		TWarningMs:         int(15 * time.Minute / time.Millisecond),
		TStuckMs:           int(30 * time.Minute / time.Millisecond),
		KFail:              3,
		TCooldownMs:        int(5 * time.Minute / time.Millisecond),
		TClassSpecialistMs: int(5 * time.Minute / time.Millisecond),
		TClassWorkAgentMs:  int(10 * time.Minute / time.Millisecond),
		TLazyCooldownMs:    int(5 * time.Minute / time.Millisecond),
		TWindowMs:          int(60 * time.Second / time.Millisecond),
		MMassDeath:         2,
		TAlertCooldownMs:   int(5 * time.Minute / time.Millisecond),
		TReadyMs:           int(30 * time.Second / time.Millisecond),
		THookIdleMs:        int(5 * time.Minute / time.Millisecond),
		NMaxNudges:         3,
	}
}

// validate checks range invariants and the schema version gate.
func (c DeaconConfig) validate() error {
	if c.SchemaVersion == "" {
		return fmt.Errorf("config: schemaVersion is required")
	}
	version := c.SchemaVersion
	if version[0] != 'v' {
		version = "v" + version
	}
	if !semver.IsValid(version) {
		return fmt.Errorf("config: schemaVersion %q is not valid semver", c.SchemaVersion)
	}
	if semver.Major(version) != semver.Major(CurrentSchemaVersion) {
		return fmt.Errorf("config: schemaVersion %q is incompatible with supported major %q",
			c.SchemaVersion, semver.Major(CurrentSchemaVersion))
	}
	if c.PatrolIntervalMs < 1000 {
		return fmt.Errorf("config: patrolIntervalMs must be >= 1000 (got %d)", c.PatrolIntervalMs)
	}
	if c.TStaleMs <= 0 || c.TWarningMs <= c.TStaleMs || c.TStuckMs <= c.TWarningMs {
		return fmt.Errorf("config: heartbeat thresholds must satisfy 0 < stale < warning < stuck")
	}
	if c.KFail < 1 {
		return fmt.Errorf("config: kFail must be >= 1 (got %d)", c.KFail)
	}
	if c.MMassDeath < 1 {
		return fmt.Errorf("config: mMassDeath must be >= 1 (got %d)", c.MMassDeath)
	}
	if c.NMaxNudges < 1 {
		return fmt.Errorf("config: nMaxNudges must be >= 1 (got %d)", c.NMaxNudges)
	}
	return nil
}

// LoadFromFile reads deacon/config.json from path, defaulting (and
// validating the default) when the file is absent.
func LoadFromFile(path string) (DeaconConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.validate()
		}
		return DeaconConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return DeaconConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return DeaconConfig{}, fmt.Errorf("config: invalid %s: %w", path, err)
	}
	return cfg, nil
}

func (c DeaconConfig) Durations() Durations {
	return Durations{
		Patrol:         time.Duration(c.PatrolIntervalMs) * time.Millisecond,
		Stale:          time.Duration(c.TStaleMs) * time.Millisecond,
		Warning:        time.Duration(c.TWarningMs) * time.Millisecond,
		Stuck:          time.Duration(c.TStuckMs) * time.Millisecond,
		Cooldown:       time.Duration(c.TCooldownMs) * time.Millisecond,
		ClassSpecialist: time.Duration(c.TClassSpecialistMs) * time.Millisecond,
		ClassWorkAgent: time.Duration(c.TClassWorkAgentMs) * time.Millisecond,
		LazyCooldown:   time.Duration(c.TLazyCooldownMs) * time.Millisecond,
		Window:         time.Duration(c.TWindowMs) * time.Millisecond,
		AlertCooldown:  time.Duration(c.TAlertCooldownMs) * time.Millisecond,
		Ready:          time.Duration(c.TReadyMs) * time.Millisecond,
		HookIdle:       time.Duration(c.THookIdleMs) * time.Millisecond,
	}
}

// Durations is DeaconConfig's fields pre-converted to time.Duration, for
// convenient consumption by the supervisor.
type Durations struct {
	Patrol          time.Duration
	Stale           time.Duration
	Warning         time.Duration
	Stuck           time.Duration
	Cooldown        time.Duration
	ClassSpecialist time.Duration
	ClassWorkAgent  time.Duration
	LazyCooldown    time.Duration
	Window          time.Duration
	AlertCooldown   time.Duration
	Ready           time.Duration
	HookIdle        time.Duration
}

// LazyPatternSet is the compiled table of "lazy behavior" regexes, loaded
// once at startup from YAML.
type LazyPatternSet struct {
	Patterns []*regexp.Regexp
}

type lazyPatternFile struct {
	Patterns []string `yaml:"patterns"`
}

// DefaultLazyPatterns is used when no lazy-patterns.yaml is present.
func DefaultLazyPatterns() []string {
	return []string{
		`(?i)what would you like me to do`,
		`(?i)deferred to (a )?future (pr|pull request)`,
		`(?i)requires human`,
		`(?i)should i continue`,
		`(?i)^\s*(1\.|a\))\s`,
	}
}

// LoadLazyPatterns reads and compiles the lazy-pattern table from path,
// falling back to DefaultLazyPatterns when the file is absent.
func LoadLazyPatterns(path string) (*LazyPatternSet, error) {
	raw := DefaultLazyPatterns()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read lazy patterns %s: %w", path, err)
		}
	} else {
		var f lazyPatternFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("config: parse lazy patterns %s: %w", path, err)
		}
		if len(f.Patterns) > 0 {
			raw = f.Patterns
		}
	}

	compiled := make([]*regexp.Regexp, 0, len(raw))
	for _, p := range raw {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("config: compile lazy pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return &LazyPatternSet{Patterns: compiled}, nil
}

// MatchesAny reports whether text matches any compiled lazy pattern.
func (s *LazyPatternSet) MatchesAny(text string) bool {
	for _, re := range s.Patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
