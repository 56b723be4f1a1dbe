package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eltmon/panopticon/internal/config"
	"github.com/eltmon/panopticon/internal/fpp"
	"github.com/eltmon/panopticon/internal/fsx"
	"github.com/eltmon/panopticon/internal/handoff"
	"github.com/eltmon/panopticon/internal/heartbeat"
	"github.com/eltmon/panopticon/internal/queue"
	"github.com/eltmon/panopticon/internal/registry"
	"github.com/eltmon/panopticon/internal/router"
	rt "github.com/eltmon/panopticon/internal/runtime"
	"github.com/eltmon/panopticon/internal/status"
	"github.com/eltmon/panopticon/internal/types"
)

// fakeInitializer records Start/WakeWithTask calls instead of actually
// spawning anything, so tests assert on supervisor decisions rather than
// registry plumbing.
type fakeInitializer struct {
	started []string
	woken   []string
	mr      *rt.MockRuntime
}

func (f *fakeInitializer) Start(ctx context.Context, name string) error {
	f.started = append(f.started, name)
	f.mr.SetSession(name, true)
	return nil
}

func (f *fakeInitializer) WakeWithTask(ctx context.Context, name string, task types.QueueItem) error {
	f.woken = append(f.woken, name)
	return nil
}

func testDurations() config.Durations {
	return config.Durations{
		Patrol:          time.Second,
		Stale:           50 * time.Millisecond,
		Warning:         100 * time.Millisecond,
		Stuck:           150 * time.Millisecond,
		Cooldown:        200 * time.Millisecond,
		ClassSpecialist: 50 * time.Millisecond,
		ClassWorkAgent:  50 * time.Millisecond,
		LazyCooldown:    50 * time.Millisecond,
		Window:          time.Minute,
		AlertCooldown:   time.Minute,
		Ready:           100 * time.Millisecond,
		HookIdle:        time.Minute,
	}
}

func newHarness(t *testing.T, names []string) (*Supervisor, Deps, *rt.MockRuntime, *fakeInitializer) {
	t.Helper()
	root := t.TempDir()
	mr := rt.NewMockRuntime()
	cfg := router.Config{FallbackModel: "claude-3-5-haiku-20241022"}
	rtr := router.New(cfg)
	reg := registry.New(root, mr, rtr)
	hb := heartbeat.New(root, mr)
	hb.Thresholds = heartbeat.Thresholds{Stale: 50 * time.Millisecond, Warning: 100 * time.Millisecond, Stuck: 150 * time.Millisecond}
	q := queue.New(root)
	st := status.New(root)
	hl := handoff.New(root)
	fp := fpp.New(root)
	lp, err := config.LoadLazyPatterns(filepath.Join(root, "absent-patterns.yaml"))
	require.NoError(t, err)

	init := &fakeInitializer{mr: mr}

	deps := Deps{
		Root:            root,
		Runtime:         mr,
		Heartbeat:       hb,
		Registry:        reg,
		Queue:           q,
		Status:          st,
		Handoff:         hl,
		FPP:             fp,
		Initializer:     init,
		LazyPatterns:    lp,
		Durations:       testDurations(),
		SpecialistNames: names,
	}
	return New(deps), deps, mr, init
}

func writeHeartbeat(t *testing.T, root, agentID string, ts time.Time) {
	t.Helper()
	path := filepath.Join(root, "heartbeats", agentID+".json")
	require.NoError(t, fsx.WriteJSONAtomic(path, types.Heartbeat{Timestamp: ts}))
}

func TestPhase1RestartsDeadSpecialistOutsideCooldown(t *testing.T) {
	sup, _, _, init := newHarness(t, []string{"review"})
	state := types.NewSupervisorState()

	require.NoError(t, sup.phase1HealthCheck(context.Background(), state))
	assert.Contains(t, init.started, "review")
}

func TestPhase1RespectsCooldownAfterForceKill(t *testing.T) {
	sup, deps, mr, init := newHarness(t, []string{"review"})
	mr.SetSession("review", true)
	writeHeartbeat(t, deps.Root, "review", time.Now().Add(-time.Hour))

	state := types.NewSupervisorState()
	// Three consecutive unresponsive ticks trip the force-kill.
	for i := 0; i < 3; i++ {
		require.NoError(t, sup.phase1HealthCheck(context.Background(), state))
	}
	assert.Equal(t, 1, state.Specialists["review"].ForceKillCount)
	assert.Len(t, init.started, 1, "force-kill must restart the specialist exactly once")

	// Kill it dead again immediately; cooldown must suppress a second
	// force-kill even though the agent is still stuck.
	mr.SetSession("review", true)
	writeHeartbeat(t, deps.Root, "review", time.Now().Add(-time.Hour))
	for i := 0; i < 3; i++ {
		require.NoError(t, sup.phase1HealthCheck(context.Background(), state))
	}
	assert.Equal(t, 1, state.Specialists["review"].ForceKillCount, "cooldown must block a second force-kill")
}

func TestPhase3AutoSuspendIdleAgent(t *testing.T) {
	sup, deps, mr, _ := newHarness(t, []string{"review"})
	mr.SetSession("work-1", true)
	require.NoError(t, deps.Registry.Save(types.AgentRecord{ID: "work-1", Status: types.StatusRunning}))
	require.NoError(t, deps.Registry.SaveRuntimeState("work-1", types.AgentRuntimeState{
		State:        types.RuntimeIdle,
		LastActivity: time.Now().Add(-time.Hour),
	}))

	require.NoError(t, sup.phase3AutoSuspend(context.Background()))

	rs, err := deps.Registry.GetRuntimeState("work-1")
	require.NoError(t, err)
	assert.Equal(t, types.RuntimeSuspended, rs.State)
	alive, err := mr.SessionExists(context.Background(), "work-1")
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestPhase3LeavesRecentlyActiveAgentAlone(t *testing.T) {
	sup, deps, mr, _ := newHarness(t, []string{"review"})
	mr.SetSession("work-1", true)
	require.NoError(t, deps.Registry.Save(types.AgentRecord{ID: "work-1", Status: types.StatusRunning}))
	require.NoError(t, deps.Registry.SaveRuntimeState("work-1", types.AgentRuntimeState{
		State:        types.RuntimeIdle,
		LastActivity: time.Now(),
	}))

	require.NoError(t, sup.phase3AutoSuspend(context.Background()))

	rs, err := deps.Registry.GetRuntimeState("work-1")
	require.NoError(t, err)
	assert.Equal(t, types.RuntimeIdle, rs.State)
}

func TestResumeRoundTrip(t *testing.T) {
	sup, deps, mr, _ := newHarness(t, []string{})
	require.NoError(t, deps.Registry.Save(types.AgentRecord{ID: "work-1", Runtime: "claude", WorkspacePath: "/ws"}))
	require.NoError(t, deps.Registry.SaveRuntimeState("work-1", types.AgentRuntimeState{
		State:     types.RuntimeSuspended,
		SessionID: "sess-abc",
	}))

	readyPath := filepath.Join(deps.Root, "agents", "work-1", "ready.json")
	go func() {
		// Simulate the hook dropping its ready signal shortly after the
		// resumed session comes up; Resume clears any stale signal before
		// this point, so writing it up front would be cleared away again.
		time.Sleep(20 * time.Millisecond)
		_ = fsx.WriteJSONAtomic(readyPath, map[string]bool{"ready": true})
	}()

	require.NoError(t, sup.Resume(context.Background(), "work-1", "go"))

	alive, err := mr.SessionExists(context.Background(), "work-1")
	require.NoError(t, err)
	assert.True(t, alive)
	assert.Contains(t, mr.SentKeys["work-1"], "go")

	rs, err := deps.Registry.GetRuntimeState("work-1")
	require.NoError(t, err)
	assert.Equal(t, types.RuntimeActive, rs.State)
	assert.NotNil(t, rs.ResumedAt)
}

func TestResumeTimesOutWithoutReadySignalButStillActivates(t *testing.T) {
	sup, deps, mr, _ := newHarness(t, []string{})
	require.NoError(t, deps.Registry.Save(types.AgentRecord{ID: "work-1", Runtime: "claude", WorkspacePath: "/ws"}))
	require.NoError(t, deps.Registry.SaveRuntimeState("work-1", types.AgentRuntimeState{
		State:     types.RuntimeSuspended,
		SessionID: "sess-abc",
	}))

	require.NoError(t, sup.Resume(context.Background(), "work-1", "go"))

	assert.Empty(t, mr.SentKeys["work-1"], "no ready signal means no message is delivered")
	rs, err := deps.Registry.GetRuntimeState("work-1")
	require.NoError(t, err)
	assert.Equal(t, types.RuntimeActive, rs.State)
}

func TestPhase4HealsOrphanedReviewingRow(t *testing.T) {
	sup, deps, _, _ := newHarness(t, []string{})
	require.NoError(t, deps.Status.Set("PAN-1", types.ExternalStatusRow{ReviewStatus: types.ReviewReviewing}))

	require.NoError(t, sup.phase4HealOrphans(context.Background()))

	row, err := deps.Status.Get("PAN-1")
	require.NoError(t, err)
	assert.Equal(t, types.ReviewPending, row.ReviewStatus, "no active review specialist means the row must be healed back to pending")
}

func TestPhase4LeavesRowAloneWhenSpecialistIsActive(t *testing.T) {
	sup, deps, _, _ := newHarness(t, []string{})
	require.NoError(t, deps.Registry.SaveRuntimeState("review", types.AgentRuntimeState{State: types.RuntimeActive}))
	require.NoError(t, deps.Status.Set("PAN-1", types.ExternalStatusRow{ReviewStatus: types.ReviewReviewing}))

	require.NoError(t, sup.phase4HealOrphans(context.Background()))

	row, err := deps.Status.Get("PAN-1")
	require.NoError(t, err)
	assert.Equal(t, types.ReviewReviewing, row.ReviewStatus)
}

func TestPhase6MassDeathAlertsAtThresholdAndRespectsAlertCooldown(t *testing.T) {
	sup, _, _, _ := newHarness(t, []string{})
	now := time.Now().UTC()
	state := types.NewSupervisorState()
	state.RecentDeaths = []time.Time{now.Add(-30 * time.Second), now.Add(-10 * time.Second)}

	require.NoError(t, sup.phase6MassDeath(state))
	assert.NotNil(t, state.LastMassDeathAlert)

	firstAlert := *state.LastMassDeathAlert
	state.RecentDeaths = append(state.RecentDeaths, now)
	require.NoError(t, sup.phase6MassDeath(state))
	assert.Equal(t, firstAlert, *state.LastMassDeathAlert, "alert cooldown must suppress a second alert")
}

func TestPhase6PrunesDeathsOutsideWindow(t *testing.T) {
	sup, _, _, _ := newHarness(t, []string{})
	now := time.Now().UTC()
	state := types.NewSupervisorState()
	state.RecentDeaths = []time.Time{now.Add(-5 * time.Minute), now.Add(-4 * time.Minute)}

	require.NoError(t, sup.phase6MassDeath(state))
	assert.Empty(t, state.RecentDeaths, "deaths older than the window must be pruned")
	assert.Nil(t, state.LastMassDeathAlert)
}

func TestLazyNudgeDebouncedWithinCooldown(t *testing.T) {
	sup, deps, mr, _ := newHarness(t, []string{})
	require.NoError(t, deps.Registry.Save(types.AgentRecord{ID: "work-1", Status: types.StatusRunning}))
	mr.SetSession("work-1", true)
	mr.SetScrollback("work-1", "What would you like me to do next?\n$ ")

	require.NoError(t, sup.maybeNudgeLazy(context.Background(), "work-1"))
	require.Len(t, mr.SentKeys["work-1"], 2, "first nudge sends text then Enter")
	assert.Equal(t, fpp.NudgeMessage(1), mr.SentKeys["work-1"][0])

	violations, err := deps.FPP.List()
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "work-1", violations[0].AgentID)
	assert.Equal(t, types.FPPHookIdle, violations[0].Type)
	assert.Equal(t, 1, violations[0].NudgeCount)
	assert.False(t, violations[0].Resolved)

	require.NoError(t, sup.maybeNudgeLazy(context.Background(), "work-1"))
	assert.Len(t, mr.SentKeys["work-1"], 2, "second call within cooldown must not send again")
}

func TestLazyNudgeEscalatesAcrossPatrolsThenResolves(t *testing.T) {
	sup, deps, mr, _ := newHarness(t, []string{})
	require.NoError(t, deps.Registry.Save(types.AgentRecord{ID: "work-1", Status: types.StatusRunning}))
	mr.SetSession("work-1", true)
	mr.SetScrollback("work-1", "What would you like me to do next?\n$ ")

	for i := 1; i <= 3; i++ {
		require.NoError(t, sup.maybeNudgeLazy(context.Background(), "work-1"))
		sup.lazyLastNudge["work-1"] = time.Time{} // clear debounce between simulated patrols
	}
	violations, err := deps.FPP.List()
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, 3, violations[0].NudgeCount)

	// A fourth lazy detection exceeds NMaxNudges: no further message sent.
	sentBefore := len(mr.SentKeys["work-1"])
	require.NoError(t, sup.maybeNudgeLazy(context.Background(), "work-1"))
	assert.Len(t, mr.SentKeys["work-1"], sentBefore, "no nudge once max is exceeded")

	// Once the agent is no longer waiting, the violation resolves.
	mr.SetScrollback("work-1", "running tests...")
	require.NoError(t, sup.maybeNudgeLazy(context.Background(), "work-1"))
	violations, err = deps.FPP.List()
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.True(t, violations[0].Resolved)
}

func TestLazyNudgeSkippedWhenRowInReviewPipeline(t *testing.T) {
	sup, deps, mr, _ := newHarness(t, []string{})
	require.NoError(t, deps.Registry.Save(types.AgentRecord{ID: "work-1", Status: types.StatusRunning}))
	mr.SetSession("work-1", true)
	mr.SetScrollback("work-1", "What would you like me to do next?\n$ ")
	require.NoError(t, deps.Status.Set("work-1", types.ExternalStatusRow{ReviewStatus: types.ReviewReviewing}))

	require.NoError(t, sup.maybeNudgeLazy(context.Background(), "work-1"))
	assert.Empty(t, mr.SentKeys["work-1"])

	violations, err := deps.FPP.List()
	require.NoError(t, err)
	assert.Empty(t, violations, "no violation opened while the row is in the review pipeline")
}

func TestRecoverCrashedRestartsRunningRecordsWithoutSession(t *testing.T) {
	sup, deps, mr, _ := newHarness(t, []string{})
	require.NoError(t, deps.Registry.Save(types.AgentRecord{ID: "work-1", Status: types.StatusRunning, WorkspacePath: "/ws", IssueID: "PAN-1"}))
	mr.SetSession("work-1", false)

	recovered, err := sup.RecoverCrashed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"work-1"}, recovered)

	alive, err := mr.SessionExists(context.Background(), "work-1")
	require.NoError(t, err)
	assert.True(t, alive)

	health, err := deps.Registry.GetHealth("work-1")
	require.NoError(t, err)
	assert.Equal(t, 1, health.RecoveryCount)
}

func TestIsFleetIdleReflectsActiveRuntimeState(t *testing.T) {
	sup, deps, mr, _ := newHarness(t, []string{})
	require.NoError(t, deps.Registry.Save(types.AgentRecord{ID: "work-1", Status: types.StatusRunning}))
	mr.SetSession("work-1", true)
	require.NoError(t, deps.Registry.SaveRuntimeState("work-1", types.AgentRuntimeState{State: types.RuntimeIdle}))

	idle, err := sup.IsFleetIdle(context.Background())
	require.NoError(t, err)
	assert.True(t, idle)

	require.NoError(t, deps.Registry.SaveRuntimeState("work-1", types.AgentRuntimeState{State: types.RuntimeActive}))
	idle, err = sup.IsFleetIdle(context.Background())
	require.NoError(t, err)
	assert.False(t, idle)
}
