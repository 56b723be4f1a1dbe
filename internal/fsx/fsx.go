// Package fsx provides the atomic file primitives every Panopticon
// component builds on: write-temp-then-rename so readers never observe a
// partial write, and a bounded advisory file lock for the rare case where
// two writers might race.
package fsx

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// WriteAtomic writes data to path by first writing to a sibling temp file
// and renaming it into place, so a reader never sees a half-written file.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fsx: mkdir %s: %w", dir, err)
	}
	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("fsx: write temp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("fsx: rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

// WriteJSONAtomic marshals v and writes it atomically.
func WriteJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("fsx: marshal %s: %w", path, err)
	}
	return WriteAtomic(path, data, 0o644)
}

// ReadJSON decodes path into v. A missing file leaves v untouched (the
// zero value) and returns nil error: every file-backed reader in this
// module treats "absent" as "empty", never as a failure. A present but
// corrupt (unparseable) file is treated the same way: v is left at its
// zero value and no error is returned, and the corrupt file itself is
// left untouched on disk rather than overwritten. Callers that need
// strict handling of malformed data (the handoff log) read the file
// themselves instead of going through ReadJSON.
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("fsx: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return nil
	}
	return nil
}

// AppendLine appends a single newline-framed line to path, creating the
// file and its parent directory if needed. Used by append-only logs
// (handoffs, activity) where WriteAtomic's full-rewrite semantics don't
// apply.
func AppendLine(path string, line []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fsx: mkdir %s: %w", dir, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("fsx: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("fsx: append %s: %w", path, err)
	}
	return nil
}

// WithFileLock runs fn while holding a best-effort advisory lock file next
// to path. The lock is a plain O_EXCL sentinel, not a flock: it is meant to
// reduce interleaving between this process's own writers at patrol
// cadence, not to provide cross-process mutual exclusion. On timeout the
// lock is not acquired, a warning is the caller's responsibility to log,
// and fn still runs — last writer wins, an accepted tradeoff under
// sustained contention.
func WithFileLock(path string, timeout time.Duration, fn func() error) (acquired bool, err error) {
	lockPath := path + ".lock"
	deadline := time.Now().Add(timeout)
	for {
		f, openErr := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if openErr == nil {
			f.Close()
			acquired = true
			break
		}
		if !os.IsExist(openErr) {
			return false, fmt.Errorf("fsx: create lock %s: %w", lockPath, openErr)
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if acquired {
		defer os.Remove(lockPath)
	}
	return acquired, fn()
}
