package registry

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eltmon/panopticon/internal/router"
	"github.com/eltmon/panopticon/internal/runtime"
	"github.com/eltmon/panopticon/internal/types"
)

func writeStubFile(path string) error {
	return os.WriteFile(path, []byte("{}"), 0o644)
}

func readActivityFile(r *Registry, id string) ([]string, error) {
	data, err := os.ReadFile(r.activityPath(id))
	if err != nil {
		return nil, err
	}
	return splitLines(string(data)), nil
}

func newTestRegistry(t *testing.T) (*Registry, *runtime.MockRuntime) {
	t.Helper()
	rt := runtime.NewMockRuntime()
	rtr := router.New(router.DefaultConfig())
	return New(t.TempDir(), rt, rtr), rt
}

func TestSpawnWritesStartingThenRunning(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	rec, err := reg.Spawn(ctx, SpawnInput{
		ID:            "PAN-7",
		IssueID:       "PAN-7",
		WorkspacePath: "/work/PAN-7",
		RuntimeName:   "claude",
		WorkType:      "issue-agent:exploration",
		Cmdline:       "claude",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, rec.Status)
	assert.NotEmpty(t, rec.Model)

	got, err := reg.Get("PAN-7")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status)
}

func TestSpawnFailsWhenSessionAlreadyExists(t *testing.T) {
	reg, rt := newTestRegistry(t)
	ctx := context.Background()
	rt.SetSession("PAN-7", true)

	_, err := reg.Spawn(ctx, SpawnInput{ID: "PAN-7", WorkType: "issue-agent:exploration"})
	assert.Error(t, err)
}

func TestSpawnLeftAtStartingOnCreateFailure(t *testing.T) {
	reg, rt := newTestRegistry(t)
	ctx := context.Background()
	rt.CreateErr = assert.AnError

	rec, err := reg.Spawn(ctx, SpawnInput{ID: "PAN-8", WorkType: "issue-agent:exploration"})
	assert.Error(t, err)
	assert.Equal(t, types.StatusStarting, rec.Status)

	got, err := reg.Get("PAN-8")
	require.NoError(t, err)
	assert.Equal(t, types.StatusStarting, got.Status)
}

func TestStopKillsSessionAndMarksStopped(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Spawn(ctx, SpawnInput{ID: "PAN-9", WorkType: "issue-agent:exploration"})
	require.NoError(t, err)

	require.NoError(t, reg.Stop(ctx, "PAN-9"))
	got, err := reg.Get("PAN-9")
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, got.Status)
}

func TestListJoinsRecordWithLiveSession(t *testing.T) {
	reg, rt := newTestRegistry(t)
	ctx := context.Background()
	_, err := reg.Spawn(ctx, SpawnInput{ID: "PAN-10", WorkType: "issue-agent:exploration"})
	require.NoError(t, err)

	entries, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "PAN-10", entries[0].Record.ID)
	assert.True(t, entries[0].TmuxActive)

	rt.SetSession("PAN-10", false)
	entries, err = reg.List(ctx)
	require.NoError(t, err)
	assert.False(t, entries[0].TmuxActive)
}

func TestGetMissingRecordIsZeroValue(t *testing.T) {
	reg, _ := newTestRegistry(t)
	rec, err := reg.Get("nope")
	require.NoError(t, err)
	assert.Equal(t, types.AgentRecord{}, rec)
}

func TestRuntimeStateRoundTrip(t *testing.T) {
	reg, _ := newTestRegistry(t)
	st := types.AgentRuntimeState{State: types.RuntimeIdle, CurrentTool: "bash"}
	require.NoError(t, reg.SaveRuntimeState("PAN-1", st))

	got, err := reg.GetRuntimeState("PAN-1")
	require.NoError(t, err)
	assert.Equal(t, st, got)
}

func TestGetRuntimeStateMissingIsZeroValue(t *testing.T) {
	reg, _ := newTestRegistry(t)
	got, err := reg.GetRuntimeState("nope")
	require.NoError(t, err)
	assert.Equal(t, types.AgentRuntimeState{}, got)
}

func TestHealthRoundTrip(t *testing.T) {
	reg, _ := newTestRegistry(t)
	h := AgentHealth{ConsecutiveFailures: 2, KillCount: 1, RecoveryCount: 3}
	require.NoError(t, reg.SaveHealth("PAN-1", h))

	got, err := reg.GetHealth("PAN-1")
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestSessionIDRoundTrip(t *testing.T) {
	reg, _ := newTestRegistry(t)

	empty, err := reg.ReadSessionID("PAN-1")
	require.NoError(t, err)
	assert.Empty(t, empty, "no session id saved yet must return empty string, not an error")

	require.NoError(t, reg.SaveSessionID("PAN-1", "sess-xyz"))
	got, err := reg.ReadSessionID("PAN-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-xyz", got)
}

func TestReadySignalLifecycle(t *testing.T) {
	reg, _ := newTestRegistry(t)
	assert.False(t, reg.ReadySignalExists("PAN-1"))

	require.NoError(t, reg.SaveRuntimeState("PAN-1", types.AgentRuntimeState{}))
	readyPath := reg.readyPath("PAN-1")
	require.NoError(t, writeStubFile(readyPath))
	assert.True(t, reg.ReadySignalExists("PAN-1"))

	require.NoError(t, reg.ClearReadySignal("PAN-1"))
	assert.False(t, reg.ReadySignalExists("PAN-1"))

	// Clearing an already-absent signal is not an error.
	require.NoError(t, reg.ClearReadySignal("PAN-1"))
}

func TestAppendActivityCapsAtMaxEntries(t *testing.T) {
	reg, _ := newTestRegistry(t)
	for i := 0; i < maxActivityEntries+10; i++ {
		require.NoError(t, reg.AppendActivity("PAN-1", "bash", "run", "active"))
	}

	data, err := readActivityFile(reg, "PAN-1")
	require.NoError(t, err)
	assert.Len(t, data, maxActivityEntries)
}
