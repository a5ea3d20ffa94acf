// Package discover enumerates rollout files and decides which sessions are
// currently active by inspecting running agent processes.
package discover

import (
	"context"
	"path/filepath"
	"sort"
	"time"

	"github.com/session-observatory/daemon/internal/logutil"
	"github.com/session-observatory/daemon/internal/procwatch"
	"github.com/session-observatory/daemon/internal/rollout"
)

const (
	// graceWindow keeps a session active one extra tick if its rollout
	// was modified recently, preventing flicker when one session ends
	// and another starts in the same directory.
	graceWindow = 30 * time.Second

	// dormantWindow pulls recently-modified rollouts of a project into
	// the set as long as the project has at least one active session.
	dormantWindow = 24 * time.Hour
)

// Session is one discovered rollout with its activity attribution.
type Session struct {
	rollout.Info
	OperatorID string
	Active     bool
}

// OperatorRoots names one operator's rollout directories.
type OperatorRoots struct {
	OperatorID string
	Roots      rollout.Roots
}

// Discoverer runs static enumeration plus active detection, carrying the
// grace buffer between ticks. Not safe for concurrent use; the tick task
// is the only caller.
type Discoverer struct {
	inspector procwatch.Inspector
	now       func() time.Time
	limiter   *logutil.Limiter

	// lastActive records the sessions confirmed active on the previous
	// tick, for the grace buffer.
	lastActive map[string]bool
}

func New(inspector procwatch.Inspector) *Discoverer {
	return &Discoverer{
		inspector:  inspector,
		now:        time.Now,
		limiter:    logutil.NewLimiter(time.Minute),
		lastActive: make(map[string]bool),
	}
}

// SetClock overrides the time source for tests.
func (d *Discoverer) SetClock(now func() time.Time) { d.now = now }

// Discover returns the relevant session set across all operators: active
// sessions plus recently-modified rollouts from projects with activity.
func (d *Discoverer) Discover(ctx context.Context, operators []OperatorRoots) []Session {
	now := d.now()
	var all []Session

	for _, op := range operators {
		infos, err := rollout.List(op.Roots)
		if err != nil {
			d.limiter.Printf("enum:"+op.OperatorID, "[discover] enumeration error for %s: %v", op.OperatorID, err)
		}
		sessions := make([]Session, 0, len(infos))
		for _, info := range infos {
			sessions = append(sessions, Session{Info: info, OperatorID: op.OperatorID})
		}
		d.markActive(ctx, sessions, now)
		all = append(all, sessions...)
	}

	d.applyGrace(all, now)

	// Remember this tick's confirmed-active set for the next grace pass.
	next := make(map[string]bool)
	for _, s := range all {
		if s.Active {
			next[s.SessionID] = true
		}
	}
	d.lastActive = next

	return d.expand(all, now)
}

// markActive attributes running processes to sessions. An open descriptor
// on a rollout file wins; otherwise each cwd's N processes claim the N
// most-recently-modified rollouts of that project.
func (d *Discoverer) markActive(ctx context.Context, sessions []Session, now time.Time) {
	byPath := make(map[string]int, len(sessions))
	for i, s := range sessions {
		byPath[filepath.Clean(s.Path)] = i
	}

	for _, family := range []rollout.Family{rollout.FamilyClaude, rollout.FamilyCodex} {
		procs, err := d.inspector.ListRunningAgents(ctx, family)
		if err != nil {
			d.limiter.Printf("procs:"+string(family), "[discover] process listing failed for %s: %v", family, err)
			continue
		}

		unmatched := make(map[string]int) // cwd -> process count
		for _, proc := range procs {
			matched := false
			for _, f := range proc.OpenFiles {
				if i, ok := byPath[filepath.Clean(f)]; ok && sessions[i].Family == family {
					sessions[i].Active = true
					matched = true
				}
			}
			if !matched {
				unmatched[filepath.Clean(proc.Cwd)]++
			}
		}

		for cwd, count := range unmatched {
			candidates := make([]int, 0, 4)
			for i, s := range sessions {
				if s.Family == family && filepath.Clean(s.ProjectPath) == cwd {
					candidates = append(candidates, i)
				}
			}
			sort.Slice(candidates, func(a, b int) bool {
				return sessions[candidates[a]].ModTime.After(sessions[candidates[b]].ModTime)
			})
			if count > len(candidates) {
				count = len(candidates)
			}
			for _, i := range candidates[:count] {
				sessions[i].Active = true
			}
		}
	}
}

// applyGrace keeps a session active through one more tick when its file
// was modified within the grace window, even if process enumeration failed
// or attributed nothing this tick.
func (d *Discoverer) applyGrace(sessions []Session, now time.Time) {
	for i := range sessions {
		if sessions[i].Active {
			continue
		}
		if d.lastActive[sessions[i].SessionID] && now.Sub(sessions[i].ModTime) <= graceWindow {
			sessions[i].Active = true
		}
	}
}

// expand filters the full enumeration down to the relevant set: active
// sessions, plus dormant ones modified within 24 h whose project has at
// least one active session.
func (d *Discoverer) expand(sessions []Session, now time.Time) []Session {
	activeProjects := make(map[string]bool)
	for _, s := range sessions {
		if s.Active {
			activeProjects[s.ProjectPath] = true
		}
	}

	out := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		switch {
		case s.Active:
			out = append(out, s)
		case activeProjects[s.ProjectPath] && now.Sub(s.ModTime) <= dormantWindow:
			out = append(out, s)
		}
	}
	return out
}
