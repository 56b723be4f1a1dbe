// Package supervisor implements the patrol (C7): the single cooperative
// loop that reconciles desired state (which specialists should be warm,
// which queued work is waiting) against observed state (live sessions,
// heartbeat ages, queue files, review-pipeline status).
//
// Each patrol runs its phases strictly in order and never re-entrantly
// (enforced by the clock package); a failure inside one phase is logged
// and contained so later phases still run, in the same mechanical,
// non-fatal step sequencing a watchdog loop uses.
package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eltmon/panopticon/internal/config"
	"github.com/eltmon/panopticon/internal/fpp"
	"github.com/eltmon/panopticon/internal/fsx"
	"github.com/eltmon/panopticon/internal/handoff"
	"github.com/eltmon/panopticon/internal/heartbeat"
	"github.com/eltmon/panopticon/internal/queue"
	"github.com/eltmon/panopticon/internal/registry"
	"github.com/eltmon/panopticon/internal/runtime"
	"github.com/eltmon/panopticon/internal/status"
	"github.com/eltmon/panopticon/internal/types"
)

// SpecialistInitializer (re)starts a specialist from cold, or wakes a
// suspended/idle one with a queued task. A real implementation composes
// Registry.Spawn with whatever command line launches that specialist.
type SpecialistInitializer interface {
	Start(ctx context.Context, specialistName string) error
	WakeWithTask(ctx context.Context, specialistName string, task types.QueueItem) error
}

// ScrollbackLines is the number of trailing lines Phase 5 captures per
// agent.
const ScrollbackLines = 20

// Deps wires the supervisor to its collaborators: the runtime adapter,
// the health classifier, the registry, the queue, the external status
// store, the handoff log, and the violation tracker, plus everything
// needed to (re)start a specialist and the patrol's tunable durations.
type Deps struct {
	Root            string
	Runtime         runtime.Runtime
	Heartbeat       *heartbeat.Classifier
	Registry        *registry.Registry
	Queue           *queue.Store
	Status          *status.Store
	Handoff         *handoff.Logger
	FPP             *fpp.Tracker
	Initializer     SpecialistInitializer
	LazyPatterns    *config.LazyPatternSet
	Durations       config.Durations
	SpecialistNames []string
}

// Supervisor is the patrol handle: its in-memory state (the per-agent
// lazy-nudge timestamps) is bound to this struct instead of living as
// ambient package globals. Violations persist through the FPP tracker
// and the tick interval is owned by clock.Clock.
type Supervisor struct {
	deps Deps

	lazyLastNudge map[string]time.Time
}

func New(deps Deps) *Supervisor {
	return &Supervisor{
		deps:          deps,
		lazyLastNudge: make(map[string]time.Time),
	}
}

func (s *Supervisor) statePath() string {
	return filepath.Join(s.deps.Root, "deacon", "health-state.json")
}

func (s *Supervisor) loadState() (*types.SupervisorState, error) {
	state := types.NewSupervisorState()
	if err := fsx.ReadJSON(s.statePath(), state); err != nil {
		return nil, fmt.Errorf("supervisor: load state: %w", err)
	}
	if state.Specialists == nil {
		state.Specialists = make(map[string]*types.SpecialistHealthState)
	}
	return state, nil
}

func (s *Supervisor) saveState(state *types.SupervisorState) error {
	if err := fsx.WriteJSONAtomic(s.statePath(), state); err != nil {
		return fmt.Errorf("supervisor: save state: %w", err)
	}
	return nil
}

func (s *Supervisor) specialistHealth(state *types.SupervisorState, name string) *types.SpecialistHealthState {
	h, ok := state.Specialists[name]
	if !ok {
		h = &types.SpecialistHealthState{SpecialistName: name}
		state.Specialists[name] = h
	}
	return h
}

// Patrol runs one full pass: six phases in strict sequence, each
// contained so a failure never prevents later phases from running.
func (s *Supervisor) Patrol(ctx context.Context) {
	state, err := s.loadState()
	if err != nil {
		fmt.Printf("Supervisor: failed to load state, skipping patrol: %v\n", err)
		return
	}
	state.PatrolCycle++

	s.runPhase("health-check", func() error { return s.phase1HealthCheck(ctx, state) })
	s.runPhase("drain-queues", func() error { return s.phase2DrainQueues(ctx) })
	s.runPhase("auto-suspend", func() error { return s.phase3AutoSuspend(ctx) })
	s.runPhase("heal-orphans", func() error { return s.phase4HealOrphans(ctx) })
	s.runPhase("lazy-nudge", func() error { return s.phase5LazyNudge(ctx) })
	s.runPhase("mass-death", func() error { return s.phase6MassDeath(state) })

	if err := s.saveState(state); err != nil {
		fmt.Printf("Supervisor: failed to persist state after patrol: %v\n", err)
	}
}

func (s *Supervisor) runPhase(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Printf("Supervisor: phase %s panicked: %v\n", name, r)
		}
	}()
	if err := fn(); err != nil {
		fmt.Printf("Supervisor: phase %s failed: %v\n", name, err)
	}
}

// IsFleetIdle reports whether no tracked agent (specialist or work agent)
// is currently active. Phase 5 consults it purely to skip scrollback
// capture when the whole fleet is quiescent.
func (s *Supervisor) IsFleetIdle(ctx context.Context) (bool, error) {
	entries, err := s.deps.Registry.List(ctx)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if !e.TmuxActive {
			continue
		}
		rs, err := s.deps.Registry.GetRuntimeState(e.Record.ID)
		if err != nil {
			return false, err
		}
		if rs.State == types.RuntimeActive {
			return false, nil
		}
	}
	return true, nil
}

// ---- Phase 1: specialist health check ----

func (s *Supervisor) phase1HealthCheck(ctx context.Context, state *types.SupervisorState) error {
	now := time.Now().UTC()
	for _, name := range s.deps.SpecialistNames {
		if err := s.checkSpecialist(ctx, state, name, now); err != nil {
			fmt.Printf("Supervisor: health check for %q failed: %v\n", name, err)
		}
	}
	return nil
}

func (s *Supervisor) inCooldown(h *types.SpecialistHealthState, now time.Time) bool {
	if h.LastForceKillTime == nil {
		return false
	}
	return now.Sub(*h.LastForceKillTime) < s.deps.Durations.Cooldown
}

func (s *Supervisor) checkSpecialist(ctx context.Context, state *types.SupervisorState, name string, now time.Time) error {
	h := s.specialistHealth(state, name)

	cl, err := s.deps.Heartbeat.Classify(ctx, name)
	if err != nil {
		return err
	}

	if !cl.IsRunning {
		if !s.inCooldown(h, now) {
			if err := s.deps.Initializer.Start(ctx, name); err != nil {
				return fmt.Errorf("restart %q: %w", name, err)
			}
		}
		return nil
	}

	if cl.NeedsAttention() {
		h.ConsecutiveFailures++
		if h.ConsecutiveFailures >= effectiveKFail(s.deps.Durations) && !s.inCooldown(h, now) {
			if err := s.deps.Runtime.KillSession(ctx, name); err != nil {
				return fmt.Errorf("force-kill %q: %w", name, err)
			}
			ts := now
			h.LastForceKillTime = &ts
			h.ForceKillCount++
			h.ConsecutiveFailures = 0
			state.RecentDeaths = append(state.RecentDeaths, now)
			if err := s.deps.Initializer.Start(ctx, name); err != nil {
				return fmt.Errorf("restart after kill %q: %w", name, err)
			}
		}
		return nil
	}

	h.ConsecutiveFailures = 0
	ts := now
	h.LastResponseTime = &ts
	return nil
}

// effectiveKFail is hardcoded to the default consecutive-failure count
// since Durations doesn't carry a raw count; kept as a function so a
// future config field can replace the constant without touching call
// sites.
func effectiveKFail(_ config.Durations) int {
	return 3
}

// ---- Phase 2: drain queues ----

func (s *Supervisor) phase2DrainQueues(ctx context.Context) error {
	for _, name := range s.deps.SpecialistNames {
		if err := s.drainOne(ctx, name); err != nil {
			fmt.Printf("Supervisor: drain %q failed: %v\n", name, err)
		}
	}
	return nil
}

func (s *Supervisor) drainOne(ctx context.Context, name string) error {
	rs, err := s.deps.Registry.GetRuntimeState(name)
	if err != nil {
		return err
	}
	if rs.State != types.RuntimeIdle && rs.State != types.RuntimeSuspended {
		return nil
	}

	check, err := s.deps.Queue.Check(name)
	if err != nil {
		return err
	}
	if !check.HasWork {
		return nil
	}
	head := check.Items[0]

	if rs.State == types.RuntimeSuspended {
		message := fmt.Sprintf("Processing queued task %s", head.Payload.IssueID)
		if err := s.Resume(ctx, name, message); err != nil {
			return err
		}
	} else {
		if err := s.deps.Initializer.WakeWithTask(ctx, name, head); err != nil {
			return err
		}
	}
	_, err = s.deps.Queue.Complete(name, head.ID)
	return err
}

// ---- Phase 3: auto-suspend idle agents ----

func (s *Supervisor) classThreshold(id string) time.Duration {
	if s.isSpecialist(id) {
		return s.deps.Durations.ClassSpecialist
	}
	return s.deps.Durations.ClassWorkAgent
}

func (s *Supervisor) isSpecialist(id string) bool {
	for _, name := range s.deps.SpecialistNames {
		if name == id {
			return true
		}
	}
	return false
}

func (s *Supervisor) phase3AutoSuspend(ctx context.Context) error {
	entries, err := s.deps.Registry.List(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, e := range entries {
		if !e.TmuxActive {
			continue
		}
		id := e.Record.ID
		rs, err := s.deps.Registry.GetRuntimeState(id)
		if err != nil {
			fmt.Printf("Supervisor: read runtime state %q failed: %v\n", id, err)
			continue
		}
		if rs.State != types.RuntimeIdle {
			continue
		}
		idleMs := now.Sub(rs.LastActivity)
		if idleMs <= s.classThreshold(id) {
			continue
		}

		// Re-check precondition right before mutating: the session might
		// have gone away since List observed it.
		stillAlive, err := s.deps.Runtime.SessionExists(ctx, id)
		if err != nil {
			fmt.Printf("Supervisor: recheck session %q failed: %v\n", id, err)
			continue
		}
		if !stillAlive {
			continue
		}

		sessionID := rs.SessionID
		if err := s.deps.Runtime.KillSession(ctx, id); err != nil {
			fmt.Printf("Supervisor: suspend-kill %q failed: %v\n", id, err)
			continue
		}
		rs.State = types.RuntimeSuspended
		suspendedAt := now
		rs.SuspendedAt = &suspendedAt
		rs.SessionID = sessionID
		if err := s.deps.Registry.SaveRuntimeState(id, rs); err != nil {
			fmt.Printf("Supervisor: save suspended state %q failed: %v\n", id, err)
		}
	}
	return nil
}

// ---- Phase 4: heal orphans ----

func (s *Supervisor) phase4HealOrphans(ctx context.Context) error {
	return s.deps.Status.Update(func(rows map[string]types.ExternalStatusRow) bool {
		changed := false
		for issueID, row := range rows {
			updated := row
			if row.ReviewStatus == types.ReviewReviewing && !s.specialistActive(ctx, "review") {
				updated.ReviewStatus = types.ReviewPending
				changed = true
			}
			if row.TestStatus == types.TestTesting && !s.specialistActive(ctx, "test") {
				updated.TestStatus = types.TestPending
				changed = true
			}
			if updated != row {
				rows[issueID] = updated
			}
		}
		return changed
	})
}

func (s *Supervisor) specialistActive(ctx context.Context, name string) bool {
	rs, err := s.deps.Registry.GetRuntimeState(name)
	if err != nil {
		return false
	}
	return rs.State == types.RuntimeActive
}

// ---- Phase 5: detect & nudge lazy behavior ----

func (s *Supervisor) phase5LazyNudge(ctx context.Context) error {
	defer func() {
		if err := s.deps.FPP.ClearOld(s.deps.Durations.Window); err != nil {
			fmt.Printf("Supervisor: fpp clear-old failed: %v\n", err)
		}
	}()

	idle, err := s.IsFleetIdle(ctx)
	if err != nil {
		return err
	}
	if idle {
		return nil
	}

	entries, err := s.deps.Registry.List(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		e := e
		if !e.TmuxActive {
			continue
		}
		g.Go(func() error {
			if err := s.maybeNudgeLazy(gctx, e.Record.ID); err != nil {
				fmt.Printf("Supervisor: lazy-check %q failed: %v\n", e.Record.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// maybeNudgeLazy checks one agent's scrollback for lazy/waiting-for-
// confirmation behavior and, if found, opens or escalates a hook_idle FPP
// violation and sends its nudge message. An agent found NOT to be lazy
// (in the review pipeline, not waiting, or not matching a lazy pattern)
// has any open hook_idle violation resolved, since it is evidently making
// progress again.
func (s *Supervisor) maybeNudgeLazy(ctx context.Context, id string) error {
	row, err := s.deps.Status.Get(id)
	if err != nil {
		return err
	}
	if row.InReviewPipeline() {
		return s.deps.FPP.Resolve(id, types.FPPHookIdle)
	}

	if last, ok := s.lazyLastNudge[id]; ok {
		if time.Since(last) < s.deps.Durations.LazyCooldown {
			return nil
		}
	}

	text, err := s.deps.Runtime.CaptureScrollback(ctx, id, ScrollbackLines)
	if err != nil {
		return err
	}
	lastLine := lastNonEmptyLine(text)
	if !looksLikeWaitingPrompt(lastLine) {
		return s.deps.FPP.Resolve(id, types.FPPHookIdle)
	}
	if s.deps.LazyPatterns == nil || !s.deps.LazyPatterns.MatchesAny(text) {
		return s.deps.FPP.Resolve(id, types.FPPHookIdle)
	}

	now := time.Now().UTC()
	if _, err := s.deps.FPP.OpenOrReuse(id, types.FPPHookIdle, now); err != nil {
		return err
	}
	message, ok, err := s.deps.FPP.Nudge(id, types.FPPHookIdle, now)
	if err != nil {
		return err
	}
	s.lazyLastNudge[id] = time.Now()
	if !ok {
		fmt.Printf("Supervisor: %q exceeded max hook_idle nudges, needs human attention\n", id)
		return nil
	}

	if err := s.deps.Runtime.SendKeys(ctx, id, message); err != nil {
		return err
	}
	if err := s.deps.Runtime.SendEnter(ctx, id); err != nil {
		return err
	}
	return nil
}

func lastNonEmptyLine(text string) string {
	lines := splitNonEmpty(text)
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

func splitNonEmpty(text string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(text); i++ {
		if i == len(text) || text[i] == '\n' {
			line := text[start:i]
			if trimmed := trimRight(line); trimmed != "" {
				out = append(out, trimmed)
			}
			start = i + 1
		}
	}
	return out
}

func trimRight(s string) string {
	end := len(s)
	for end > 0 && (s[end-1] == ' ' || s[end-1] == '\r' || s[end-1] == '\t') {
		end--
	}
	return s[:end]
}

func looksLikeWaitingPrompt(line string) bool {
	if line == "" {
		return false
	}
	last := line[len(line)-1]
	return last == '$' || last == '#' || last == '>' || last == '?'
}

// ---- Phase 6: mass death ----

func (s *Supervisor) phase6MassDeath(state *types.SupervisorState) error {
	now := time.Now().UTC()
	state.RecentDeaths = pruneWindow(state.RecentDeaths, now, s.deps.Durations.Window)

	if len(state.RecentDeaths) < 2 {
		return nil
	}
	threshold := massDeathThreshold()
	if len(state.RecentDeaths) < threshold {
		return nil
	}
	if state.LastMassDeathAlert != nil && now.Sub(*state.LastMassDeathAlert) < s.deps.Durations.AlertCooldown {
		return nil
	}

	fmt.Printf("Supervisor: MASS DEATH ALERT: %d deaths within %s\n", len(state.RecentDeaths), s.deps.Durations.Window)
	state.LastMassDeathAlert = &now
	return nil
}

func massDeathThreshold() int { return 2 }

func pruneWindow(deaths []time.Time, now time.Time, window time.Duration) []time.Time {
	out := deaths[:0]
	for _, d := range deaths {
		if now.Sub(d) <= window {
			out = append(out, d)
		}
	}
	return out
}

// ---- Resume path ----

// Resume brings a suspended agent back to active, reusing its saved
// session id, and optionally delivers a queued message once the hook's
// ready signal appears.
func (s *Supervisor) Resume(ctx context.Context, id string, message string) error {
	rs, err := s.deps.Registry.GetRuntimeState(id)
	if err != nil {
		return err
	}
	if rs.State != types.RuntimeSuspended || rs.SessionID == "" {
		return fmt.Errorf("supervisor: resume precondition failed for %q (state=%s, sessionId=%q)", id, rs.State, rs.SessionID)
	}

	if err := s.deps.Registry.ClearReadySignal(id); err != nil {
		return err
	}

	rec, err := s.deps.Registry.Get(id)
	if err != nil {
		return err
	}
	resumeCmd := fmt.Sprintf("%s --resume %s", rec.Runtime, rs.SessionID)
	if err := s.deps.Runtime.CreateSession(ctx, id, rec.WorkspacePath, resumeCmd, nil); err != nil {
		return fmt.Errorf("supervisor: recreate session for resume %q: %w", id, err)
	}

	ready := s.waitForReady(ctx, id, s.deps.Durations.Ready)
	if ready {
		if message != "" {
			if err := s.deps.Runtime.SendKeys(ctx, id, message); err != nil {
				return err
			}
			if err := s.deps.Runtime.SendEnter(ctx, id); err != nil {
				return err
			}
		}
	} else {
		fmt.Printf("Supervisor: resume %q timed out waiting for ready signal, proceeding without message\n", id)
	}

	now := time.Now().UTC()
	rs.State = types.RuntimeActive
	rs.ResumedAt = &now
	return s.deps.Registry.SaveRuntimeState(id, rs)
}

func (s *Supervisor) waitForReady(ctx context.Context, id string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		if s.deps.Registry.ReadySignalExists(id) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// ---- Crash recovery (on-demand, not on the tick) ----

// RecoverCrashed lists every record whose stored status is running but
// whose session is absent, recreates the session with a recovery prompt,
// and bumps each agent's persistent recovery counter.
func (s *Supervisor) RecoverCrashed(ctx context.Context) (recovered []string, err error) {
	entries, listErr := s.deps.Registry.List(ctx)
	if listErr != nil {
		return nil, listErr
	}
	for _, e := range entries {
		if e.Record.Status != types.StatusRunning || e.TmuxActive {
			continue
		}
		prompt := fmt.Sprintf(
			"Recovery: you were working on issue %s in %s. Check your hook file and continue where you left off.",
			e.Record.IssueID, e.Record.WorkspacePath,
		)
		if err := s.deps.Runtime.CreateSession(ctx, e.Record.ID, e.Record.WorkspacePath, prompt, nil); err != nil {
			fmt.Printf("Supervisor: crash recovery for %q failed: %v\n", e.Record.ID, err)
			continue
		}
		health, herr := s.deps.Registry.GetHealth(e.Record.ID)
		if herr != nil {
			fmt.Printf("Supervisor: read health for %q failed: %v\n", e.Record.ID, herr)
		}
		health.RecoveryCount++
		if err := s.deps.Registry.SaveHealth(e.Record.ID, health); err != nil {
			fmt.Printf("Supervisor: save health for %q failed: %v\n", e.Record.ID, err)
		}
		recovered = append(recovered, e.Record.ID)
	}
	return recovered, nil
}
