package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// callBudget bounds every tmux invocation, scrollback capture included.
const callBudget = 2 * time.Second

// TmuxRuntime drives tmux as the host multiplexer. Mutating calls
// (new-session, kill-session) are gated by a rate limiter so a mass-kill
// recovery burst can't fork-bomb the host with simultaneous tmux
// invocations.
type TmuxRuntime struct {
	binary  string
	limiter *rate.Limiter
}

// NewTmuxRuntime returns a TmuxRuntime that allows at most burst
// session-mutating calls per second, sustained at rps thereafter.
func NewTmuxRuntime(rps float64, burst int) *TmuxRuntime {
	return &TmuxRuntime{
		binary:  "tmux",
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// SetBinary overrides the tmux executable path, for operators running a
// non-default tmux install.
func (t *TmuxRuntime) SetBinary(path string) {
	if path != "" {
		t.binary = path
	}
}

func (t *TmuxRuntime) run(ctx context.Context, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, callBudget)
	defer cancel()
	cmd := exec.CommandContext(cctx, t.binary, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if cctx.Err() == context.DeadlineExceeded {
		return out.String(), fmt.Errorf("runtime: tmux %v timed out after %s", args, callBudget)
	}
	return out.String(), err
}

func (t *TmuxRuntime) SessionExists(ctx context.Context, id string) (bool, error) {
	_, err := t.run(ctx, "has-session", "-t", id)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return false, nil
	}
	return false, err
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

func (t *TmuxRuntime) CreateSession(ctx context.Context, id, cwd, cmdline string, env map[string]string) error {
	exists, err := t.SessionExists(ctx, id)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("runtime: session %q already exists", id)
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("runtime: rate limiter: %w", err)
	}
	args := []string{"new-session", "-d", "-s", id}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	for k, v := range env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	if cmdline != "" {
		args = append(args, cmdline)
	}
	if _, err := t.run(ctx, args...); err != nil {
		return fmt.Errorf("runtime: create session %q: %w", id, err)
	}
	return nil
}

func (t *TmuxRuntime) KillSession(ctx context.Context, id string) error {
	exists, err := t.SessionExists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("runtime: rate limiter: %w", err)
	}
	if _, err := t.run(ctx, "kill-session", "-t", id); err != nil {
		return fmt.Errorf("runtime: kill session %q: %w", id, err)
	}
	return nil
}

func (t *TmuxRuntime) SendKeys(ctx context.Context, id, text string) error {
	if _, err := t.run(ctx, "send-keys", "-t", id, "-l", text); err != nil {
		return fmt.Errorf("runtime: send-keys %q: %w", id, err)
	}
	return nil
}

func (t *TmuxRuntime) SendEnter(ctx context.Context, id string) error {
	if _, err := t.run(ctx, "send-keys", "-t", id, "Enter"); err != nil {
		return fmt.Errorf("runtime: send-enter %q: %w", id, err)
	}
	return nil
}

func (t *TmuxRuntime) ListAgentSessions(ctx context.Context) ([]string, error) {
	out, err := t.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if strings.Contains(out, "no server running") || strings.Contains(out, "no sessions") {
			return nil, nil
		}
		return nil, fmt.Errorf("runtime: list-sessions: %w", err)
	}
	var ids []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			ids = append(ids, line)
		}
	}
	return ids, nil
}

func (t *TmuxRuntime) CaptureScrollback(ctx context.Context, id string, lastNLines int) (string, error) {
	out, err := t.run(ctx, "capture-pane", "-t", id, "-p", "-S", "-"+strconv.Itoa(lastNLines))
	if err != nil {
		return "", fmt.Errorf("runtime: capture-pane %q: %w", id, err)
	}
	return out, nil
}
