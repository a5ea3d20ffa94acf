// Package collision finds files that several live sessions are modifying
// while the file is still uncommitted in the working tree.
package collision

import (
	"path/filepath"
	"sort"
	"time"

	"github.com/session-observatory/daemon/internal/sessions"
	"github.com/session-observatory/daemon/internal/vcs"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Participant is one session touching a contested file.
type Participant struct {
	SessionID   string `json:"sessionId"`
	OperatorID  string `json:"operatorId"`
	ProjectPath string `json:"projectPath"`
	LastAction  string `json:"lastAction,omitempty"`
}

// Collision is ≥2 distinct sessions recently modifying the same dirty file.
type Collision struct {
	Path          string        `json:"path"`
	Participants  []Participant `json:"participants"`
	Severity      Severity      `json:"severity"`
	DetectedAt    time.Time     `json:"detectedAt"`
	DirtyFallback bool          `json:"dirtyFallback,omitempty"`
}

// recencyFloor is the fallback window when a project has no commit newer
// than it: only edits from the last 15 minutes can collide. Any commit
// resets the slate globally for its project.
const recencyFloor = 15 * time.Minute

// Detect computes collisions over the currently active sessions only.
// Dirty-state and last-commit queries go through the per-tick cached tree.
func Detect(active []*sessions.Session, tree vcs.Tree, now time.Time) []Collision {
	type touch struct {
		participant Participant
		fallback    bool
	}
	touches := make(map[string][]touch) // normalized path -> touches

	byProject := make(map[string][]*sessions.Session)
	for _, s := range active {
		if s.ProjectPath == "" {
			continue
		}
		byProject[s.ProjectPath] = append(byProject[s.ProjectPath], s)
	}

	for project, projSessions := range byProject {
		floor := now.Add(-recencyFloor)
		if commitTime, err := tree.LastCommitTime(project); err == nil && commitTime.After(floor) {
			floor = commitTime
		}
		dirty := tree.DirtyFiles(project)

		for _, s := range projSessions {
			for _, turn := range s.Turns {
				if turn.Timestamp.IsZero() || !turn.Timestamp.After(floor) {
					continue
				}
				for _, file := range turn.FilesChanged {
					abs := normalizePath(project, file)
					if !dirty.Contains(abs) {
						continue
					}
					touches[abs] = append(touches[abs], touch{
						participant: Participant{
							SessionID:   s.ID,
							OperatorID:  s.OperatorID,
							ProjectPath: project,
							LastAction:  turn.Summary,
						},
						fallback: dirty.All,
					})
				}
			}
		}
	}

	var out []Collision
	for path, ts := range touches {
		bySession := make(map[string]Participant)
		fallback := false
		for _, t := range ts {
			// Later touches overwrite: LastAction reflects the most
			// recent turn since turns iterate in line order.
			bySession[t.participant.SessionID] = t.participant
			fallback = fallback || t.fallback
		}
		if len(bySession) < 2 {
			continue
		}

		participants := make([]Participant, 0, len(bySession))
		operators := make(map[string]bool)
		projects := make(map[string]bool)
		for _, p := range bySession {
			participants = append(participants, p)
			operators[p.OperatorID] = true
			projects[p.ProjectPath] = true
		}
		sort.Slice(participants, func(i, j int) bool {
			return participants[i].SessionID < participants[j].SessionID
		})

		severity := SeverityWarning
		if len(operators) > 1 || len(projects) > 1 {
			severity = SeverityCritical
		}
		out = append(out, Collision{
			Path:          path,
			Participants:  participants,
			Severity:      severity,
			DetectedAt:    now,
			DirtyFallback: fallback,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity == SeverityCritical
		}
		return out[i].Path < out[j].Path
	})
	return out
}

// normalizePath resolves a turn's file reference against its project root.
func normalizePath(project, file string) string {
	if filepath.IsAbs(file) {
		return filepath.Clean(file)
	}
	return filepath.Clean(filepath.Join(project, file))
}
