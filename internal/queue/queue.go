// Package queue implements the per-agent priority queue (C5): an ordered,
// file-backed sequence of QueueItems with a stable sort by
// (priorityRank, insertionTime) and atomic replace-on-reorder.
package queue

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/eltmon/panopticon/internal/fsx"
	"github.com/eltmon/panopticon/internal/types"
)

// lockTimeout bounds how long a writer waits for the advisory lock before
// proceeding anyway: a timed-out lock is non-fatal and the last writer wins.
const lockTimeout = 500 * time.Millisecond

// Store manages one queue file per agent under root/hooks/<id>.json.
type Store struct {
	Root string
}

func New(root string) *Store {
	return &Store{Root: root}
}

func (s *Store) path(agentID string) string {
	return filepath.Join(s.Root, "hooks", agentID+".json")
}

type fileFormat struct {
	Items []types.QueueItem `json:"items"`
}

func (s *Store) load(agentID string) ([]types.QueueItem, error) {
	var f fileFormat
	if err := fsx.ReadJSON(s.path(agentID), &f); err != nil {
		return nil, err
	}
	return f.Items, nil
}

func (s *Store) save(agentID string, items []types.QueueItem) error {
	return fsx.WriteJSONAtomic(s.path(agentID), fileFormat{Items: items})
}

// sortStable orders items by (priorityRank, insertion index), using the
// slice's current index as the insertion-order tiebreaker, since every
// mutation rewrites the whole slice in the order it was already in plus
// the new item appended at the end.
func sortStable(items []types.QueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Priority.Rank() < items[j].Priority.Rank()
	})
}

// Submit appends item at the position that keeps the stored sequence a
// stable sort by (priorityRank, insertionTime). An item with an empty ID
// is given a generated one.
func (s *Store) Submit(agentID string, item types.QueueItem) error {
	agentID = types.NormalizeAgentID(agentID)
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	_, err := fsx.WithFileLock(s.lockPath(agentID), lockTimeout, func() error {
		items, err := s.load(agentID)
		if err != nil {
			return err
		}
		items = append(items, item)
		sortStable(items)
		return s.save(agentID, items)
	})
	return err
}

func (s *Store) lockPath(agentID string) string {
	return s.path(agentID)
}

// PeekNext returns the head item without removing it. The second return
// value is false when the queue is empty.
func (s *Store) PeekNext(agentID string) (types.QueueItem, bool, error) {
	items, err := s.load(agentID)
	if err != nil {
		return types.QueueItem{}, false, err
	}
	if len(items) == 0 {
		return types.QueueItem{}, false, nil
	}
	return items[0], true, nil
}

// Complete removes the item with the given id. The bool result reports
// whether a removal actually occurred.
func (s *Store) Complete(agentID, itemID string) (bool, error) {
	var removed bool
	_, err := fsx.WithFileLock(s.lockPath(agentID), lockTimeout, func() error {
		items, err := s.load(agentID)
		if err != nil {
			return err
		}
		out := items[:0]
		for _, it := range items {
			if it.ID == itemID {
				removed = true
				continue
			}
			out = append(out, it)
		}
		return s.save(agentID, out)
	})
	return removed, err
}

// CheckResult is returned by Check.
type CheckResult struct {
	HasWork     bool
	UrgentCount int
	Items       []types.QueueItem
}

// Check summarizes an agent's queue state.
func (s *Store) Check(agentID string) (CheckResult, error) {
	items, err := s.load(agentID)
	if err != nil {
		return CheckResult{}, err
	}
	res := CheckResult{HasWork: len(items) > 0, Items: items}
	for _, it := range items {
		if it.Priority == types.PriorityUrgent {
			res.UrgentCount++
		}
	}
	return res, nil
}

// Reorder replaces the stored ordering with idsInNewOrder. It fails
// (returning false, nil) without mutating anything when the supplied id
// multiset doesn't exactly match the current queue's.
func (s *Store) Reorder(agentID string, idsInNewOrder []string) (bool, error) {
	var applied bool
	_, err := fsx.WithFileLock(s.lockPath(agentID), lockTimeout, func() error {
		items, err := s.load(agentID)
		if err != nil {
			return err
		}
		if !sameIDMultiset(items, idsInNewOrder) {
			return nil
		}
		byID := make(map[string]types.QueueItem, len(items))
		for _, it := range items {
			byID[it.ID] = it
		}
		reordered := make([]types.QueueItem, 0, len(items))
		for _, id := range idsInNewOrder {
			reordered = append(reordered, byID[id])
		}
		applied = true
		return s.save(agentID, reordered)
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func sameIDMultiset(items []types.QueueItem, ids []string) bool {
	if len(items) != len(ids) {
		return false
	}
	counts := make(map[string]int, len(items))
	for _, it := range items {
		counts[it.ID]++
	}
	for _, id := range ids {
		counts[id]--
		if counts[id] < 0 {
			return false
		}
	}
	for _, c := range counts {
		if c != 0 {
			return false
		}
	}
	return true
}

// ValidatePriority returns an error for an unrecognized priority, used by
// callers constructing a QueueItem before Submit.
func ValidatePriority(p types.Priority) error {
	if !p.IsValid() {
		return fmt.Errorf("queue: invalid priority %q", p)
	}
	return nil
}
