package fleet

import (
	"sync"
	"time"

	"stratavore/internal/types"
)

type ChangeSource string

const (
	SourceAPI        ChangeSource = "api"
	SourceHeartbeat  ChangeSource = "heartbeat"
	SourceReconciler ChangeSource = "reconciler"
)

type Change struct {
	Seq      uint64             `json:"seq"`
	RunnerID string             `json:"runnerId"`
	Project  string             `json:"project"`
	From     types.RunnerStatus `json:"from"`
	To       types.RunnerStatus `json:"to"`
	Reason   string             `json:"reason,omitempty"`
	Source   ChangeSource       `json:"source"`
	At       time.Time          `json:"at"`
}

const defaultChangeLogCapacity = 4096

// ChangeLog is a bounded, append-only record of runner transitions. The
// reconciler uses sequence marks to skip runners that already moved during
// the current sweep.
type ChangeLog struct {
	mu      sync.Mutex
	entries []Change
	next    int
	full    bool
	seq     uint64
	latest  map[string]uint64
}

func NewChangeLog(capacity int) *ChangeLog {
	if capacity <= 0 {
		capacity = defaultChangeLogCapacity
	}
	return &ChangeLog{
		entries: make([]Change, capacity),
		latest:  map[string]uint64{},
	}
}

func (l *ChangeLog) Append(change Change) Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	change.Seq = l.seq
	l.entries[l.next] = change
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	l.latest[change.RunnerID] = change.Seq
	return change
}

// Seq returns the sequence number of the newest entry.
func (l *ChangeLog) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// ChangedSince reports whether runnerID transitioned after mark.
func (l *ChangeLog) ChangedSince(mark uint64, runnerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latest[runnerID] > mark
}

// Forget drops the per-runner index entry of a garbage-collected runner.
func (l *ChangeLog) Forget(runnerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.latest, runnerID)
}

// Recent returns up to limit entries, newest last. A non-empty runnerID
// keeps only that runner's transitions.
func (l *ChangeLog) Recent(runnerID string, limit int) []Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ordered []Change
	if l.full {
		ordered = append(ordered, l.entries[l.next:]...)
	}
	ordered = append(ordered, l.entries[:l.next]...)
	out := make([]Change, 0, len(ordered))
	for _, change := range ordered {
		if runnerID == "" || change.RunnerID == runnerID {
			out = append(out, change)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
