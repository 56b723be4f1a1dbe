// Package runtime adapts Panopticon to a host terminal multiplexer. It is
// a thin, bounded-latency shim: every capability except CaptureScrollback
// is best-effort and time-bounded so the supervisor's single-threaded
// patrol never blocks on a wedged multiplexer.
package runtime

import "context"

// Runtime is the capability set the supervisor needs from a host
// multiplexer. One implementation per supported multiplexer.
type Runtime interface {
	// SessionExists reports whether a session with this id is live.
	SessionExists(ctx context.Context, id string) (bool, error)

	// CreateSession attaches cmdline in a new detached session at cwd with
	// env. It fails when id is already taken.
	CreateSession(ctx context.Context, id, cwd, cmdline string, env map[string]string) error

	// KillSession is idempotent: killing an absent session is not an error.
	KillSession(ctx context.Context, id string) error

	// SendKeys appends text to the session's input without a trailing
	// Enter.
	SendKeys(ctx context.Context, id, text string) error

	// SendEnter sends a bare Enter keystroke.
	SendEnter(ctx context.Context, id string) error

	// ListAgentSessions enumerates all session ids the adapter manages.
	ListAgentSessions(ctx context.Context) ([]string, error)

	// CaptureScrollback returns the last lastNLines of a session's output.
	// Unlike every other method this one is allowed to take longer than
	// the 2s call budget, since scrollback capture is inherently a larger
	// read; it must still never block indefinitely.
	CaptureScrollback(ctx context.Context, id string, lastNLines int) (string, error)
}
