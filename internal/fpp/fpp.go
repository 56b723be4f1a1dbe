// Package fpp tracks "idle agent with pending work on its hook" incidents
// and their escalating nudge messages (C9).
package fpp

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/eltmon/panopticon/internal/fsx"
	"github.com/eltmon/panopticon/internal/types"
)

// NMaxNudges is the default nudge ceiling: once a violation has received
// this many nudges, Nudge returns ok=false and sends nothing further. The
// violation record itself carries no human-attention flag.
const NMaxNudges = 3

// key identifies one (agentId, type) violation slot.
type key struct {
	AgentID string
	Type    types.FPPViolationType
}

func keyOf(v *types.FPPViolation) key {
	return key{AgentID: v.AgentID, Type: v.Type}
}

type fileFormat struct {
	Violations []types.FPPViolation `json:"violations"`
}

// Tracker persists fpp-violations.json under root.
type Tracker struct {
	Root     string
	MaxNudge int
}

func New(root string) *Tracker {
	return &Tracker{Root: root, MaxNudge: NMaxNudges}
}

func (t *Tracker) path() string {
	return filepath.Join(t.Root, "fpp-violations.json")
}

func (t *Tracker) load() ([]types.FPPViolation, error) {
	var f fileFormat
	if err := fsx.ReadJSON(t.path(), &f); err != nil {
		return nil, err
	}
	return f.Violations, nil
}

func (t *Tracker) save(violations []types.FPPViolation) error {
	return fsx.WriteJSONAtomic(t.path(), fileFormat{Violations: violations})
}

// NudgeMessage renders the message to send for a given nudge count,
// escalating in tone each time the same violation recurs.
func NudgeMessage(nudgeCount int) string {
	switch {
	case nudgeCount <= 1:
		return "status check: are you still working on this?"
	case nudgeCount == 2:
		return "reminder: this task has pending work waiting, please continue"
	default:
		return "act now: this task requires immediate attention"
	}
}

// OpenOrReuse opens a new hook_idle-style violation for agentID, or
// returns the existing unresolved one for (agentID, violationType).
func (t *Tracker) OpenOrReuse(agentID string, violationType types.FPPViolationType, now time.Time) (types.FPPViolation, error) {
	violations, err := t.load()
	if err != nil {
		return types.FPPViolation{}, err
	}
	for i := range violations {
		v := violations[i]
		if v.AgentID == agentID && v.Type == violationType && !v.Resolved {
			return v, nil
		}
	}
	v := types.FPPViolation{AgentID: agentID, Type: violationType, DetectedAt: now}
	violations = append(violations, v)
	if err := t.save(violations); err != nil {
		return types.FPPViolation{}, err
	}
	return v, nil
}

// Nudge records a nudge against the unresolved (agentID, type) violation
// and returns the message to send, or ok=false once N_max nudges have
// already been sent (human attention required, further nudges suppressed).
func (t *Tracker) Nudge(agentID string, violationType types.FPPViolationType, now time.Time) (message string, ok bool, err error) {
	violations, err := t.load()
	if err != nil {
		return "", false, err
	}
	found := false
	for i := range violations {
		v := &violations[i]
		if v.AgentID != agentID || v.Type != violationType || v.Resolved {
			continue
		}
		found = true
		if v.NudgeCount >= t.effectiveMax() {
			return "", false, nil
		}
		v.NudgeCount++
		ts := now
		v.LastNudgeAt = &ts
		message = NudgeMessage(v.NudgeCount)
		ok = true
	}
	if !found {
		return "", false, fmt.Errorf("fpp: no unresolved violation for agent %q type %q", agentID, violationType)
	}
	if err := t.save(violations); err != nil {
		return "", false, err
	}
	return message, ok, nil
}

func (t *Tracker) effectiveMax() int {
	if t.MaxNudge <= 0 {
		return NMaxNudges
	}
	return t.MaxNudge
}

// Resolve marks the unresolved (agentID, type) violation resolved, if any.
func (t *Tracker) Resolve(agentID string, violationType types.FPPViolationType) error {
	violations, err := t.load()
	if err != nil {
		return err
	}
	for i := range violations {
		v := &violations[i]
		if v.AgentID == agentID && v.Type == violationType && !v.Resolved {
			v.Resolved = true
		}
	}
	return t.save(violations)
}

// ClearOld purges resolved violations whose DetectedAt is older than
// maxAge.
func (t *Tracker) ClearOld(maxAge time.Duration) error {
	violations, err := t.load()
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-maxAge)
	kept := violations[:0]
	for _, v := range violations {
		if v.Resolved && v.DetectedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, v)
	}
	return t.save(kept)
}

// List returns every violation currently on disk.
func (t *Tracker) List() ([]types.FPPViolation, error) {
	return t.load()
}
