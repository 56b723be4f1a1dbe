// Package handoff implements the append-only JSONL log of inter-specialist
// handoffs (C8), with query helpers used by operator tooling and by the
// supervisor's own bookkeeping.
package handoff

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/eltmon/panopticon/internal/fsx"
	"github.com/eltmon/panopticon/internal/types"
)

// Logger appends to logs/specialist-handoffs.jsonl under root.
type Logger struct {
	Root string
}

func New(root string) *Logger {
	return &Logger{Root: root}
}

func (l *Logger) path() string {
	return filepath.Join(l.Root, "logs", "specialist-handoffs.jsonl")
}

// NewID generates a handoff event id.
func NewID() string {
	return uuid.NewString()
}

// Append writes one handoff event. Later rows with the same ID amend the
// latest-known status/result for that id on query (readAll/readByIssue
// dedup by keeping the last-seen row per id).
func (l *Logger) Append(evt types.HandoffEvent) error {
	if evt.ID == "" {
		evt.ID = NewID()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("handoff: marshal event: %w", err)
	}
	return fsx.AppendLine(l.path(), data)
}

// readAllRaw reads every line in file order. A malformed line aborts the
// reader with an error: unlike every other file-backed component in this
// module, the handoff log is strict so stats are never silently
// understated.
func (l *Logger) readAllRaw() ([]types.HandoffEvent, error) {
	f, err := os.Open(l.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("handoff: open log: %w", err)
	}
	defer f.Close()

	var events []types.HandoffEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}
		var evt types.HandoffEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			return nil, fmt.Errorf("handoff: malformed line %d: %w", lineNo, err)
		}
		events = append(events, evt)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("handoff: scan log: %w", err)
	}
	return events, nil
}

// latestByID collapses amendments: later rows with the same ID override
// earlier ones, latest wins.
func latestByID(events []types.HandoffEvent) []types.HandoffEvent {
	order := make([]string, 0, len(events))
	byID := make(map[string]types.HandoffEvent, len(events))
	for _, evt := range events {
		if _, seen := byID[evt.ID]; !seen {
			order = append(order, evt.ID)
		}
		byID[evt.ID] = evt
	}
	out := make([]types.HandoffEvent, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

// ReadAll returns events most-recent first, capped at limit (0 = no cap).
func (l *Logger) ReadAll(limit int) ([]types.HandoffEvent, error) {
	raw, err := l.readAllRaw()
	if err != nil {
		return nil, err
	}
	collapsed := latestByID(raw)
	sort.SliceStable(collapsed, func(i, j int) bool {
		return collapsed[i].Timestamp.After(collapsed[j].Timestamp)
	})
	if limit > 0 && len(collapsed) > limit {
		collapsed = collapsed[:limit]
	}
	return collapsed, nil
}

// ReadByIssue returns every (collapsed) event for one issue, most-recent
// first.
func (l *Logger) ReadByIssue(issueID string) ([]types.HandoffEvent, error) {
	all, err := l.ReadAll(0)
	if err != nil {
		return nil, err
	}
	var out []types.HandoffEvent
	for _, evt := range all {
		if evt.IssueID == issueID {
			out = append(out, evt)
		}
	}
	return out, nil
}

// ReadToday returns events timestamped on the current UTC calendar day.
func (l *Logger) ReadToday() ([]types.HandoffEvent, error) {
	all, err := l.ReadAll(0)
	if err != nil {
		return nil, err
	}
	today := time.Now().UTC().Format("2006-01-02")
	var out []types.HandoffEvent
	for _, evt := range all {
		if evt.Timestamp.UTC().Format("2006-01-02") == today {
			out = append(out, evt)
		}
	}
	return out, nil
}

// SpecialistCounts is {sent, received} for one specialist in Stats.
type SpecialistCounts struct {
	Sent     int `json:"sent"`
	Received int `json:"received"`
}

// Stats is the aggregate view over the handoff log.
type Stats struct {
	TotalHandoffs int                         `json:"totalHandoffs"`
	TodayCount    int                         `json:"todayCount"`
	SuccessRate   float64                     `json:"successRate"`
	QueueDepth    int                         `json:"queueDepth"`
	BySpecialist  map[string]SpecialistCounts `json:"bySpecialist"`
	ByStatus      map[types.HandoffStatus]int `json:"byStatus"`
}

// Stats computes the aggregate view. successRate excludes queued/processing
// rows from its denominator: it is successes over successes+failures
// among terminal rows only.
func (l *Logger) Stats() (Stats, error) {
	all, err := l.ReadAll(0)
	if err != nil {
		return Stats{}, err
	}
	today := time.Now().UTC().Format("2006-01-02")

	st := Stats{
		BySpecialist: make(map[string]SpecialistCounts),
		ByStatus:     make(map[types.HandoffStatus]int),
	}
	var successes, failures int
	for _, evt := range all {
		st.TotalHandoffs++
		st.ByStatus[evt.Status]++
		if evt.Timestamp.UTC().Format("2006-01-02") == today {
			st.TodayCount++
		}
		switch evt.Status {
		case types.HandoffCompleted:
			successes++
		case types.HandoffFailed:
			failures++
		case types.HandoffQueued, types.HandoffProcessing:
			st.QueueDepth++
		}
		fromCounts := st.BySpecialist[evt.FromSpecialist]
		fromCounts.Sent++
		st.BySpecialist[evt.FromSpecialist] = fromCounts

		toCounts := st.BySpecialist[evt.ToSpecialist]
		toCounts.Received++
		st.BySpecialist[evt.ToSpecialist] = toCounts
	}
	if successes+failures > 0 {
		st.SuccessRate = float64(successes) / float64(successes+failures)
	}
	return st, nil
}
