package uplink

import (
	"path/filepath"
	"strings"

	"github.com/session-observatory/daemon/internal/collision"
	"github.com/session-observatory/daemon/internal/dashboard"
	"github.com/session-observatory/daemon/internal/risk"
)

// FilterView reduces a snapshot to what one relay target may see: the
// local operator's agents only, restricted to the target's project list.
// An empty project list shares every project. The input snapshot is the
// shared immutable tick value and is never mutated.
func FilterView(snap *dashboard.Snapshot, projects []string) *dashboard.Snapshot {
	allowed := make(map[string]bool, len(projects))
	for _, p := range projects {
		allowed[filepath.Clean(p)] = true
	}
	projectOK := func(project string) bool {
		if len(allowed) == 0 {
			return true
		}
		return allowed[filepath.Clean(project)]
	}
	pathOK := func(path string) bool {
		if len(allowed) == 0 {
			return true
		}
		for p := range allowed {
			if path == p || strings.HasPrefix(path, p+string(filepath.Separator)) {
				return true
			}
		}
		return false
	}

	out := &dashboard.Snapshot{}

	for _, op := range snap.Operators {
		if op.ID == "self" {
			out.Operators = append(out.Operators, op)
		}
	}

	kept := make(map[string]bool)
	for _, a := range snap.Agents {
		if a.OperatorID != "self" || !projectOK(a.ProjectPath) {
			continue
		}
		out.Agents = append(out.Agents, a)
		kept[a.SessionID] = true
	}

	for _, ws := range snap.Workstreams {
		if !projectOK(ws.ProjectPath) {
			continue
		}
		ids := make([]string, 0, len(ws.AgentIDs))
		for _, id := range ws.AgentIDs {
			if kept[id] {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			continue
		}
		ws.AgentIDs = ids
		out.Workstreams = append(out.Workstreams, ws)
	}

	for _, c := range snap.Collisions {
		involved := false
		for _, p := range c.Participants {
			if kept[p.SessionID] {
				involved = true
				break
			}
		}
		// Participants stay intact: a collision stripped to one side
		// would read as no collision at all.
		if involved {
			out.Collisions = append(out.Collisions, c)
		}
	}

	for _, ev := range snap.Feed {
		switch {
		case ev.SessionID != "":
			if kept[ev.SessionID] {
				out.Feed = append(out.Feed, ev)
			}
		case ev.Path != "":
			if pathOK(ev.Path) {
				out.Feed = append(out.Feed, ev)
			}
		}
	}

	out.Summary = summarize(out, snap.Summary.DegradedSources)
	return out
}

func summarize(v *dashboard.Snapshot, degraded []string) dashboard.Summary {
	s := dashboard.Summary{
		TotalAgents:     len(v.Agents),
		Workstreams:     len(v.Workstreams),
		Collisions:      len(v.Collisions),
		DegradedSources: degraded,
	}
	for _, a := range v.Agents {
		if a.Active {
			s.ActiveAgents++
			s.TotalCostUSD += a.Stats.CostUSD
		}
	}
	for _, c := range v.Collisions {
		if c.Severity == collision.SeverityCritical {
			s.CriticalCollisions++
		}
	}
	for _, ws := range v.Workstreams {
		if ws.Risk.Overall != risk.LevelNominal {
			s.WorkstreamsAtRisk++
		}
	}
	return s
}
