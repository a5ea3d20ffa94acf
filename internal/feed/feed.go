// Package feed maintains the bounded append-only log of derived events.
// Event ids are stable across ticks, so re-deriving the same session state
// every second inserts each event only once.
package feed

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/session-observatory/daemon/internal/collision"
	"github.com/session-observatory/daemon/internal/sessions"
	"github.com/session-observatory/daemon/internal/turns"
)

type EventType string

const (
	TypeStart             EventType = "start"
	TypeCompletion        EventType = "completion"
	TypeError             EventType = "error"
	TypeCompaction        EventType = "compaction"
	TypePlanStarted       EventType = "plan_started"
	TypePlanApproved      EventType = "plan_approved"
	TypeTaskCompleted     EventType = "task_completed"
	TypeSessionEnded      EventType = "session_ended"
	TypeCollision         EventType = "collision"
	TypeCollisionResolved EventType = "collision_resolved"
	TypeStall             EventType = "stall"
	TypeIdle              EventType = "idle"
)

// Event is one feed entry. ID is stable for turn-derived events and
// synthetic for transient ones.
type Event struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	SessionID   string    `json:"sessionId,omitempty"`
	OperatorID  string    `json:"operatorId,omitempty"`
	ProjectPath string    `json:"projectPath,omitempty"`
	Message     string    `json:"message,omitempty"`
	Severity    string    `json:"severity,omitempty"`
	Path        string    `json:"path,omitempty"`
}

// capacity is the moving window: oldest entries are evicted past this.
const capacity = 200

type activeCollision struct {
	col        collision.Collision
	detectedAt time.Time
}

// Log is the process-wide feed. Only the tick task mutates it; the mutex
// covers REST reads.
type Log struct {
	mu         sync.RWMutex
	events     map[string]Event
	collisions map[string]activeCollision // keyed by file path
}

func NewLog() *Log {
	return &Log{
		events:     make(map[string]Event),
		collisions: make(map[string]activeCollision),
	}
}

// Upsert inserts an event if its id is new. Existing entries are left
// untouched so repeated derivation is idempotent.
func (l *Log) Upsert(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.events[ev.ID]; exists {
		return
	}
	l.events[ev.ID] = ev
	l.evictLocked()
}

// ClearTransient drops the prior stall/idle entries for the given
// sessions; the tick re-adds them only if the session is still silent.
func (l *Log) ClearTransient(sessionIDs []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range sessionIDs {
		delete(l.events, "idle-"+id)
		delete(l.events, "stall-"+id)
	}
}

// AddTransient records a stall or idle entry for a session. The timestamp
// is the moment activity stopped, so re-adding the same entry every tick
// does not change the feed.
func (l *Log) AddTransient(t EventType, s *sessions.Session) {
	prefix := "idle-"
	if t == TypeStall {
		prefix = "stall-"
	}
	l.Upsert(Event{
		ID:          prefix + s.ID,
		Type:        t,
		Timestamp:   s.ModifiedAt,
		SessionID:   s.ID,
		OperatorID:  s.OperatorID,
		ProjectPath: s.ProjectPath,
		Message:     fmt.Sprintf("no activity since %s", s.ModifiedAt.Format(time.Kitchen)),
	})
}

// DiffCollisions compares this tick's collisions against the active map,
// appending open events for new paths and resolved events for vanished
// ones. It returns the current collisions with their first-detection
// timestamps restored, so an open collision serializes identically tick
// after tick. Event ids carry the detection time: a path that collides,
// resolves, and collides again gets a fresh open event each time.
func (l *Log) DiffCollisions(current []collision.Collision, now time.Time) []collision.Collision {
	l.mu.Lock()
	var opened []collision.Collision
	var resolved []activeCollision
	currentPaths := make(map[string]bool, len(current))
	for i := range current {
		path := current[i].Path
		currentPaths[path] = true
		if known, ok := l.collisions[path]; ok {
			current[i].DetectedAt = known.detectedAt
			continue
		}
		current[i].DetectedAt = now
		l.collisions[path] = activeCollision{col: current[i], detectedAt: now}
		opened = append(opened, current[i])
	}
	for path, ac := range l.collisions {
		if !currentPaths[path] {
			resolved = append(resolved, ac)
			delete(l.collisions, path)
		}
	}
	l.mu.Unlock()

	for _, c := range opened {
		l.Upsert(Event{
			ID:        fmt.Sprintf("collision-%s-%d", c.Path, c.DetectedAt.UnixMilli()),
			Type:      TypeCollision,
			Timestamp: c.DetectedAt,
			Message:   collisionMessage(c),
			Severity:  string(c.Severity),
			Path:      c.Path,
		})
	}
	for _, ac := range resolved {
		l.Upsert(Event{
			ID:        fmt.Sprintf("collision-resolved-%s-%d", ac.col.Path, now.UnixMilli()),
			Type:      TypeCollisionResolved,
			Timestamp: now,
			Message:   "resolved: " + collisionMessage(ac.col),
			Path:      ac.col.Path,
		})
	}
	return current
}

// SessionEnded records the end of a session discovered previously but not
// active this tick.
func (l *Log) SessionEnded(s *sessions.Session, now time.Time) {
	l.Upsert(Event{
		ID:          "session-ended-" + s.ID,
		Type:        TypeSessionEnded,
		Timestamp:   now,
		SessionID:   s.ID,
		OperatorID:  s.OperatorID,
		ProjectPath: s.ProjectPath,
	})
}

// DeriveTurnEvents re-derives the stable-id events for one session's
// turns. Insertion is idempotent by id.
func (l *Log) DeriveTurnEvents(s *sessions.Session) {
	taskTitles := make(map[string]string)
	for _, cycle := range s.PlanCycles {
		for _, task := range cycle.Tasks {
			if task.ID != "" {
				taskTitles[task.ID] = task.Title
			}
		}
	}

	if len(s.Turns) > 0 {
		first := s.Turns[0]
		l.Upsert(Event{
			ID:          "start-" + s.ID,
			Type:        TypeStart,
			Timestamp:   first.Timestamp,
			SessionID:   s.ID,
			OperatorID:  s.OperatorID,
			ProjectPath: s.ProjectPath,
			Message:     first.Summary,
		})
	}

	for _, turn := range s.Turns {
		base := Event{
			Timestamp:   turn.Timestamp,
			SessionID:   s.ID,
			OperatorID:  s.OperatorID,
			ProjectPath: s.ProjectPath,
		}
		if turn.HasCommit {
			ev := base
			ev.ID = fmt.Sprintf("commit-%s-%d", s.ID, turn.Index)
			ev.Type = TypeCompletion
			ev.Message = turn.CommitSubject
			l.Upsert(ev)
		}
		if turn.HasError {
			ev := base
			ev.ID = fmt.Sprintf("error-%s-%d", s.ID, turn.Index)
			ev.Type = TypeError
			ev.Message = firstErrorMessage(turn.Corrections)
			l.Upsert(ev)
		}
		if turn.HasCompaction {
			ev := base
			ev.ID = fmt.Sprintf("compaction-%s-%d", s.ID, turn.Index)
			ev.Type = TypeCompaction
			l.Upsert(ev)
		}
		if turn.PlanEntered {
			ev := base
			ev.ID = fmt.Sprintf("plan-started-%s-%d", s.ID, turn.Index)
			ev.Type = TypePlanStarted
			ev.Message = turn.Summary
			l.Upsert(ev)
		}
		if turn.PlanExited && !turn.PlanRejected && turn.PlanMarkdown != "" {
			ev := base
			ev.ID = fmt.Sprintf("plan-approved-%s-%d", s.ID, turn.Index)
			ev.Type = TypePlanApproved
			ev.Message = planApprovedMessage(turn.PlanMarkdown)
			l.Upsert(ev)
		}
		for _, tm := range turn.TaskMutations {
			if tm.Op == "update" && (tm.Status == "completed" || tm.Status == "done") {
				ev := base
				ev.ID = fmt.Sprintf("task-completed-%s-%d-%s", s.ID, turn.Index, tm.ID)
				ev.Type = TypeTaskCompleted
				ev.Message = taskTitles[tm.ID]
				l.Upsert(ev)
			}
		}
	}
}

// Snapshot returns the feed newest-first.
func (l *Log) Snapshot() []Event {
	l.mu.RLock()
	out := make([]Event, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// Len reports the current feed size.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// evictLocked drops the oldest entries past capacity. Caller holds mu.
func (l *Log) evictLocked() {
	for len(l.events) > capacity {
		oldestID := ""
		var oldest time.Time
		for id, ev := range l.events {
			if oldestID == "" || ev.Timestamp.Before(oldest) {
				oldestID = id
				oldest = ev.Timestamp
			}
		}
		delete(l.events, oldestID)
	}
}

func collisionMessage(c collision.Collision) string {
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.SessionID)
	}
	return fmt.Sprintf("%s touched by %s", c.Path, strings.Join(ids, ", "))
}

func planApprovedMessage(markdown string) string {
	for _, line := range strings.Split(markdown, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "# "))
		if line != "" {
			return line
		}
	}
	return ""
}

func firstErrorMessage(corrections []turns.Correction) string {
	if len(corrections) == 0 {
		return ""
	}
	return corrections[0].Error
}
