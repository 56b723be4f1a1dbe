// Package registry owns the on-disk AgentRecord for each agent (C4).
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/eltmon/panopticon/internal/fsx"
	"github.com/eltmon/panopticon/internal/router"
	"github.com/eltmon/panopticon/internal/runtime"
	"github.com/eltmon/panopticon/internal/types"
)

// Entry pairs a record with its live-session observation, as returned by
// List.
type Entry struct {
	Record     types.AgentRecord
	TmuxActive bool
}

// Registry stores one AgentRecord per agent under root/agents/<id>/.
type Registry struct {
	Root    string
	Runtime runtime.Runtime
	Router  *router.Router
}

func New(root string, rt runtime.Runtime, rtr *router.Router) *Registry {
	return &Registry{Root: root, Runtime: rt, Router: rtr}
}

func (r *Registry) recordPath(id string) string {
	return filepath.Join(r.Root, "agents", id, "state.json")
}

// Get loads the record for id. A missing record returns the zero value and
// no error, matching the module-wide convention that absent state is
// empty state.
func (r *Registry) Get(id string) (types.AgentRecord, error) {
	var rec types.AgentRecord
	if err := fsx.ReadJSON(r.recordPath(id), &rec); err != nil {
		return types.AgentRecord{}, err
	}
	return rec, nil
}

// Save replaces id's record atomically.
func (r *Registry) Save(rec types.AgentRecord) error {
	return fsx.WriteJSONAtomic(r.recordPath(rec.ID), rec)
}

// List enumerates every agent directory and joins each record with its
// live-session status.
func (r *Registry) List(ctx context.Context) ([]Entry, error) {
	base := filepath.Join(r.Root, "agents")
	dirEntries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("registry: list agents dir: %w", err)
	}

	var out []Entry
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		id := de.Name()
		rec, err := r.Get(id)
		if err != nil {
			return nil, fmt.Errorf("registry: load %q: %w", id, err)
		}
		active, err := r.Runtime.SessionExists(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("registry: session check %q: %w", id, err)
		}
		out = append(out, Entry{Record: rec, TmuxActive: active})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Record.ID < out[j].Record.ID })
	return out, nil
}

// SpawnInput is the caller-supplied portion of a new agent.
type SpawnInput struct {
	ID            string
	IssueID       string
	WorkspacePath string
	RuntimeName   string
	WorkType      string
	Cmdline       string
	Env           map[string]string
}

// Spawn is the only constructor for a new agent. It validates no prior
// session exists, resolves a model via the router, writes the record at
// status=starting, asks the runtime to create the session, then flips to
// status=running. On failure the record is left at starting so operators
// can inspect it.
func (r *Registry) Spawn(ctx context.Context, in SpawnInput) (types.AgentRecord, error) {
	id := types.NormalizeAgentID(in.ID)

	exists, err := r.Runtime.SessionExists(ctx, id)
	if err != nil {
		return types.AgentRecord{}, fmt.Errorf("registry: session check %q: %w", id, err)
	}
	if exists {
		return types.AgentRecord{}, fmt.Errorf("registry: session %q already exists", id)
	}

	resolution, err := r.Router.GetModel(in.WorkType)
	if err != nil {
		return types.AgentRecord{}, fmt.Errorf("registry: resolve model for %q: %w", in.WorkType, err)
	}

	rec := types.AgentRecord{
		ID:            id,
		IssueID:       in.IssueID,
		WorkspacePath: in.WorkspacePath,
		Runtime:       in.RuntimeName,
		Model:         string(resolution.Model),
		Status:        types.StatusStarting,
		StartedAt:     time.Now().UTC(),
		WorkType:      in.WorkType,
	}
	if err := r.Save(rec); err != nil {
		return rec, fmt.Errorf("registry: save starting record %q: %w", id, err)
	}

	if err := r.Runtime.CreateSession(ctx, id, in.WorkspacePath, in.Cmdline, in.Env); err != nil {
		// Left at starting intentionally: an operator can inspect why the
		// session never came up.
		return rec, fmt.Errorf("registry: create session %q: %w", id, err)
	}

	rec.Status = types.StatusRunning
	if err := r.Save(rec); err != nil {
		return rec, fmt.Errorf("registry: save running record %q: %w", id, err)
	}
	return rec, nil
}

// Stop kills id's session and marks the record stopped.
func (r *Registry) Stop(ctx context.Context, id string) error {
	id = types.NormalizeAgentID(id)
	if err := r.Runtime.KillSession(ctx, id); err != nil {
		return fmt.Errorf("registry: kill session %q: %w", id, err)
	}
	rec, err := r.Get(id)
	if err != nil {
		return err
	}
	if rec.ID == "" {
		return nil
	}
	rec.Status = types.StatusStopped
	return r.Save(rec)
}

// Purge removes an agent's entire on-disk directory. The only deletion
// path in the module; everywhere else "absent" is just the zero value.
func (r *Registry) Purge(id string) error {
	id = types.NormalizeAgentID(id)
	dir := filepath.Join(r.Root, "agents", id)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("registry: purge %q: %w", id, err)
	}
	return nil
}

func (r *Registry) runtimeStatePath(id string) string {
	return filepath.Join(r.Root, "agents", id, "runtime-state.json")
}

// GetRuntimeState loads AgentRuntimeState for id. Owned by the external
// hook; the supervisor only transitions idle->suspended and
// suspended->active.
func (r *Registry) GetRuntimeState(id string) (types.AgentRuntimeState, error) {
	var st types.AgentRuntimeState
	if err := fsx.ReadJSON(r.runtimeStatePath(id), &st); err != nil {
		return types.AgentRuntimeState{}, err
	}
	return st, nil
}

// SaveRuntimeState persists AgentRuntimeState atomically.
func (r *Registry) SaveRuntimeState(id string, st types.AgentRuntimeState) error {
	return fsx.WriteJSONAtomic(r.runtimeStatePath(id), st)
}

func (r *Registry) healthPath(id string) string {
	return filepath.Join(r.Root, "agents", id, "health.json")
}

// AgentHealth is the per-agent health.json counters.
type AgentHealth struct {
	ConsecutiveFailures int `json:"consecutiveFailures"`
	KillCount           int `json:"killCount"`
	RecoveryCount       int `json:"recoveryCount"`
}

func (r *Registry) GetHealth(id string) (AgentHealth, error) {
	var h AgentHealth
	if err := fsx.ReadJSON(r.healthPath(id), &h); err != nil {
		return AgentHealth{}, err
	}
	return h, nil
}

func (r *Registry) SaveHealth(id string, h AgentHealth) error {
	return fsx.WriteJSONAtomic(r.healthPath(id), h)
}

func (r *Registry) sessionIDPath(id string) string {
	return filepath.Join(r.Root, "agents", id, "session.id")
}

// SaveSessionID writes the provider-side session id as plain text, so it
// survives a suspend/kill cycle and can be handed back on resume.
func (r *Registry) SaveSessionID(id, sessionID string) error {
	return fsx.WriteAtomic(r.sessionIDPath(id), []byte(sessionID), 0o644)
}

// ReadSessionID returns the saved session id, or "" if none was saved.
func (r *Registry) ReadSessionID(id string) (string, error) {
	data, err := os.ReadFile(r.sessionIDPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("registry: read session id %q: %w", id, err)
	}
	return string(data), nil
}

func (r *Registry) readyPath(id string) string {
	return filepath.Join(r.Root, "agents", id, "ready.json")
}

// ReadySignalExists reports whether the hook has dropped a ready signal
// for id.
func (r *Registry) ReadySignalExists(id string) bool {
	_, err := os.Stat(r.readyPath(id))
	return err == nil
}

// ClearReadySignal removes any stale ready signal before a resume attempt,
// so the signal behaves as a single-shot latch rather than a sticky flag.
func (r *Registry) ClearReadySignal(id string) error {
	if err := os.Remove(r.readyPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("registry: clear ready signal %q: %w", id, err)
	}
	return nil
}

const maxActivityEntries = 100

type activityEntry struct {
	TS     time.Time `json:"ts"`
	Tool   string    `json:"tool"`
	Action string    `json:"action,omitempty"`
	State  string    `json:"state,omitempty"`
}

func (r *Registry) activityPath(id string) string {
	return filepath.Join(r.Root, "agents", id, "activity.jsonl")
}

// AppendActivity appends one {ts, tool, action?, state?} entry, trimming
// the file to the last maxActivityEntries lines.
func (r *Registry) AppendActivity(id, tool, action, state string) error {
	path := r.activityPath(id)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("registry: read activity log %q: %w", id, err)
	}
	var lines []string
	if len(data) > 0 {
		for _, l := range splitLines(string(data)) {
			if l != "" {
				lines = append(lines, l)
			}
		}
	}
	entry := activityEntry{TS: time.Now().UTC(), Tool: tool, Action: action, State: state}
	encodedBytes, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("registry: marshal activity entry: %w", err)
	}
	lines = append(lines, string(encodedBytes))
	if len(lines) > maxActivityEntries {
		lines = lines[len(lines)-maxActivityEntries:]
	}
	var out string
	for _, l := range lines {
		out += l + "\n"
	}
	return fsx.WriteAtomic(path, []byte(out), 0o644)
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
