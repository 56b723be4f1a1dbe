// Package heartbeat reads per-agent heartbeat files and classifies
// freshness into Panopticon's {active, stale, warning, stuck} ladder.
package heartbeat

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/eltmon/panopticon/internal/fsx"
	"github.com/eltmon/panopticon/internal/runtime"
	"github.com/eltmon/panopticon/internal/types"
)

// Default thresholds, overridable via Classifier.Thresholds.
const (
	DefaultStale   = 5 * time.Minute
	DefaultWarning = 15 * time.Minute
	DefaultStuck   = 30 * time.Minute
)

// Thresholds holds the three age boundaries used by Classify.
type Thresholds struct {
	Stale   time.Duration
	Warning time.Duration
	Stuck   time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{Stale: DefaultStale, Warning: DefaultWarning, Stuck: DefaultStuck}
}

// Classifier reads heartbeats/<id>.json under root and classifies agent
// freshness against a Runtime's session liveness.
type Classifier struct {
	Root       string
	Runtime    runtime.Runtime
	Thresholds Thresholds
}

func New(root string, rt runtime.Runtime) *Classifier {
	return &Classifier{Root: root, Runtime: rt, Thresholds: DefaultThresholds()}
}

func (c *Classifier) heartbeatPath(agentID string) string {
	return filepath.Join(c.Root, "heartbeats", agentID+".json")
}

// Classify maps an agent's heartbeat age to a health state, including the
// boundary rule that an age equal to a threshold falls into the older
// bucket.
func (c *Classifier) Classify(ctx context.Context, agentID string) (types.Classification, error) {
	running, err := c.Runtime.SessionExists(ctx, agentID)
	if err != nil {
		return types.Classification{}, fmt.Errorf("heartbeat: session check for %q: %w", agentID, err)
	}
	if !running {
		return types.Classification{State: types.HealthStuck, IsRunning: false}, nil
	}

	var hb types.Heartbeat
	if err := fsx.ReadJSON(c.heartbeatPath(agentID), &hb); err != nil {
		return types.Classification{}, fmt.Errorf("heartbeat: read %q: %w", agentID, err)
	}
	if hb.Timestamp.IsZero() {
		// Session exists but no heartbeat file yet: grace period for a
		// just-spawned agent.
		return types.Classification{State: types.HealthActive, IsRunning: true}, nil
	}

	now := time.Now().UTC()
	age := now.Sub(hb.Timestamp)
	state := classifyAge(age, c.Thresholds)
	ts := hb.Timestamp
	return types.Classification{
		State:             state,
		LastActivity:      &ts,
		TimeSinceActivity: age,
		IsRunning:         true,
	}, nil
}

func classifyAge(age time.Duration, t Thresholds) types.HealthState {
	switch {
	case age < t.Stale:
		return types.HealthActive
	case age < t.Warning:
		return types.HealthStale
	case age < t.Stuck:
		return types.HealthWarning
	default:
		return types.HealthStuck
	}
}

// FormatDuration renders d as the largest whole unit among {s, m, h, d},
// e.g. 90s -> "1m", 30h -> "1d".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
