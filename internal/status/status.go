// Package status maintains the shared external status file (C10): one
// JSON object keyed by issue id, written by specialists and healed by the
// supervisor's orphan-detection pass.
package status

import (
	"path/filepath"
	"time"

	"github.com/eltmon/panopticon/internal/fsx"
	"github.com/eltmon/panopticon/internal/types"
)

const lockTimeout = 500 * time.Millisecond

// Store manages review-status.json under root.
type Store struct {
	Root string
}

func New(root string) *Store {
	return &Store{Root: root}
}

func (s *Store) path() string {
	return filepath.Join(s.Root, "review-status.json")
}

func (s *Store) load() (map[string]types.ExternalStatusRow, error) {
	rows := make(map[string]types.ExternalStatusRow)
	if err := fsx.ReadJSON(s.path(), &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Get returns the row for issueID, or the zero value if absent.
func (s *Store) Get(issueID string) (types.ExternalStatusRow, error) {
	issueID = types.NormalizeAgentID(issueID)
	rows, err := s.load()
	if err != nil {
		return types.ExternalStatusRow{}, err
	}
	return rows[issueID], nil
}

// All returns every row currently on disk.
func (s *Store) All() (map[string]types.ExternalStatusRow, error) {
	return s.load()
}

// Set writes (or replaces) the row for issueID. Used by specialists; the
// supervisor itself only calls Update via the orphan-healing path.
func (s *Store) Set(issueID string, row types.ExternalStatusRow) error {
	issueID = types.NormalizeAgentID(issueID)
	_, err := fsx.WithFileLock(s.path(), lockTimeout, func() error {
		rows, err := s.load()
		if err != nil {
			return err
		}
		rows[issueID] = row
		return fsx.WriteJSONAtomic(s.path(), rows)
	})
	return err
}

// Update applies mutate to every row and persists the result atomically
// under one lock acquisition, used by the orphan-healing pass so the
// whole file is rewritten at most once per patrol phase, and not at all
// when mutate reports no change.
func (s *Store) Update(mutate func(rows map[string]types.ExternalStatusRow) bool) error {
	_, err := fsx.WithFileLock(s.path(), lockTimeout, func() error {
		rows, err := s.load()
		if err != nil {
			return err
		}
		if !mutate(rows) {
			return nil
		}
		return fsx.WriteJSONAtomic(s.path(), rows)
	})
	return err
}
