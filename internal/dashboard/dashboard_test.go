package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/session-observatory/daemon/internal/collision"
	"github.com/session-observatory/daemon/internal/discover"
	"github.com/session-observatory/daemon/internal/feed"
	"github.com/session-observatory/daemon/internal/procwatch"
	"github.com/session-observatory/daemon/internal/risk"
	"github.com/session-observatory/daemon/internal/rollout"
	"github.com/session-observatory/daemon/internal/sessions"
	"github.com/session-observatory/daemon/internal/turns"
	"github.com/session-observatory/daemon/internal/vcs"
)

func TestAgentStatusPrecedence(t *testing.T) {
	now := time.Date(2026, 1, 30, 12, 0, 0, 0, time.UTC)
	errorTail := []turns.TurnNode{{}, {HasError: true}}
	cleanTail := []turns.TurnNode{{}, {}}
	buriedError := []turns.TurnNode{{HasError: true}, {}, {}, {}}

	tests := []struct {
		name       string
		turns      []turns.TurnNode
		modified   time.Time
		active     bool
		conflicted bool
		want       Status
	}{
		{"conflict beats warning", errorTail, now.Add(-5 * time.Second), true, true, StatusConflict},
		{"recent error warns", errorTail, now.Add(-5 * time.Second), true, false, StatusWarning},
		{"old error is forgiven", buriedError, now.Add(-5 * time.Second), true, false, StatusBusy},
		{"active and fresh is busy", cleanTail, now.Add(-5 * time.Second), true, false, StatusBusy},
		{"active but silent is idle", cleanTail, now.Add(-2 * time.Minute), true, false, StatusIdle},
		{"inactive is idle", cleanTail, now.Add(-5 * time.Second), false, false, StatusIdle},
	}
	for _, tt := range tests {
		s := &sessions.Session{Turns: tt.turns, ModifiedAt: tt.modified}
		if got := agentStatus(s, tt.active, tt.conflicted, now); got != tt.want {
			t.Errorf("%s: agentStatus = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestCompletion(t *testing.T) {
	withTasks := []*sessions.Session{{
		PlanCycles: []turns.PlanCycle{{TaskCounts: turns.TaskCounts{Total: 4, Completed: 2}}},
		Stats:      sessions.Stats{Commits: 9, TotalTurns: 9},
	}}
	if got := completion(withTasks); got != 0.5 {
		t.Errorf("completion = %v, want task ratio 0.5 over commit ratio", got)
	}

	commitRatio := []*sessions.Session{{Stats: sessions.Stats{Commits: 5, TotalTurns: 10}}}
	if got := completion(commitRatio); got != 0.5 {
		t.Errorf("completion = %v, want commit ratio 0.5", got)
	}

	capped := []*sessions.Session{{Stats: sessions.Stats{Commits: 12, TotalTurns: 10}}}
	if got := completion(capped); got != 1 {
		t.Errorf("completion = %v, want ratio capped at 1", got)
	}

	if got := completion(nil); got != 0 {
		t.Errorf("completion = %v for no sessions, want 0", got)
	}
}

func TestCurrentTaskAndLastModel(t *testing.T) {
	s := &sessions.Session{Turns: []turns.TurnNode{
		{Summary: "first step", Model: "claude-opus-4-5"},
		{Summary: "latest step"},
		{Summary: ""},
	}}
	if got := currentTask(s); got != "latest step" {
		t.Errorf("currentTask = %q, want latest non-empty summary", got)
	}
	if got := lastModel(s); got != "claude-opus-4-5" {
		t.Errorf("lastModel = %q, want latest non-empty model", got)
	}
	if got := currentTask(&sessions.Session{}); got != "" {
		t.Errorf("currentTask = %q for empty session, want empty", got)
	}
}

func TestBuildSummaryNumbers(t *testing.T) {
	agents := []Agent{
		{Active: true, Stats: sessions.Stats{CostUSD: 1.5}},
		{Active: false, Stats: sessions.Stats{CostUSD: 9}},
	}
	workstreams := []Workstream{
		{Risk: risk.WorkstreamRisk{Overall: risk.LevelElevated}},
		{Risk: risk.WorkstreamRisk{Overall: risk.LevelNominal}},
	}
	collisions := []collision.Collision{
		{Severity: collision.SeverityCritical},
		{Severity: collision.SeverityWarning},
	}

	s := buildSummary(agents, workstreams, collisions, map[string]bool{"claude:parse": true})
	if s.ActiveAgents != 1 || s.TotalAgents != 2 {
		t.Errorf("agents = %d/%d, want 1 active of 2", s.ActiveAgents, s.TotalAgents)
	}
	if s.TotalCostUSD != 1.5 {
		t.Errorf("TotalCostUSD = %v, want cost of active agents only", s.TotalCostUSD)
	}
	if s.Collisions != 2 || s.CriticalCollisions != 1 {
		t.Errorf("collisions = %d/%d, want 2 with 1 critical", s.Collisions, s.CriticalCollisions)
	}
	if s.WorkstreamsAtRisk != 1 {
		t.Errorf("WorkstreamsAtRisk = %d, want 1", s.WorkstreamsAtRisk)
	}
	if len(s.DegradedSources) != 1 || s.DegradedSources[0] != "claude:parse" {
		t.Errorf("DegradedSources = %v", s.DegradedSources)
	}
}

const buildRollout = `{"type":"user","message":{"role":"user","content":"wire the uplink"},"timestamp":"2026-01-30T11:59:00Z"}
{"type":"assistant","message":{"role":"assistant","model":"claude-opus-4-5","content":[{"type":"text","text":"done"}],"usage":{"input_tokens":1000,"output_tokens":100}},"timestamp":"2026-01-30T11:59:05Z"}
`

func writeClaudeRollout(t *testing.T, root, project, name, content string, mtime time.Time) string {
	t.Helper()
	dir := filepath.Join(root, "projects", rollout.EncodeProjectPath(project))
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestBuildSnapshot(t *testing.T) {
	tmp := t.TempDir()
	project := filepath.Join(tmp, "proj")
	if err := os.MkdirAll(project, 0755); err != nil {
		t.Fatal(err)
	}
	root := filepath.Join(tmp, "claude")

	now := time.Date(2026, 1, 30, 12, 0, 0, 0, time.UTC)
	writeClaudeRollout(t, root, project, "sess-build.jsonl", buildRollout, now.Add(-10*time.Second))

	inspector := &procwatch.FakeInspector{Procs: map[rollout.Family][]procwatch.AgentProcess{
		rollout.FamilyClaude: {{PID: 101, Cwd: project}},
	}}
	disc := discover.New(inspector)
	disc.SetClock(func() time.Time { return now })

	b := NewBuilder(sessions.NewCache(), disc, &vcs.FakeTree{}, feed.NewLog(),
		LoadLabelStore(filepath.Join(tmp, "labels.json")))
	b.SetClock(func() time.Time { return now })

	sources := []OperatorSource{{Operator: SelfOperator(), Roots: rollout.Roots{Claude: root}}}
	snap := b.Build(context.Background(), sources)

	if len(snap.Agents) != 1 {
		t.Fatalf("agents = %d, want 1", len(snap.Agents))
	}
	agent := snap.Agents[0]
	if agent.SessionID != "sess-build" {
		t.Errorf("SessionID = %q, want sess-build", agent.SessionID)
	}
	if !agent.Active {
		t.Error("agent not active")
	}
	if agent.Status != StatusBusy {
		t.Errorf("Status = %q, want busy while the rollout is fresh", agent.Status)
	}
	if agent.OperatorID != "self" {
		t.Errorf("OperatorID = %q, want self", agent.OperatorID)
	}
	if agent.ProjectPath != project {
		t.Errorf("ProjectPath = %q, want %q", agent.ProjectPath, project)
	}
	if agent.Family != rollout.FamilyClaude {
		t.Errorf("Family = %q", agent.Family)
	}
	if agent.Label == "" {
		t.Error("agent has no label")
	}
	if agent.Model != "claude-opus-4-5" {
		t.Errorf("Model = %q", agent.Model)
	}
	if agent.CurrentTask != "wire the uplink" {
		t.Errorf("CurrentTask = %q", agent.CurrentTask)
	}
	if agent.Stats.TotalTurns != 1 {
		t.Errorf("TotalTurns = %d, want 1", agent.Stats.TotalTurns)
	}

	if len(snap.Workstreams) != 1 || snap.Workstreams[0].ProjectPath != project {
		t.Fatalf("workstreams = %+v, want one for %s", snap.Workstreams, project)
	}
	if got := snap.Workstreams[0].AgentIDs; len(got) != 1 || got[0] != "sess-build" {
		t.Errorf("AgentIDs = %v", got)
	}

	if snap.Summary.ActiveAgents != 1 || snap.Summary.TotalAgents != 1 {
		t.Errorf("summary = %+v, want one active agent", snap.Summary)
	}
	if len(snap.Operators) != 1 || !snap.Operators[0].Online {
		t.Errorf("operators = %+v, want self online", snap.Operators)
	}

	foundStart := false
	for _, ev := range snap.Feed {
		if ev.ID == "start-sess-build" && ev.Type == feed.TypeStart {
			foundStart = true
		}
	}
	if !foundStart {
		t.Error("feed missing the session start event")
	}
}

func TestBuildIsByteStableAcrossTicks(t *testing.T) {
	tmp := t.TempDir()
	project := filepath.Join(tmp, "proj")
	if err := os.MkdirAll(project, 0755); err != nil {
		t.Fatal(err)
	}
	root := filepath.Join(tmp, "claude")

	now := time.Date(2026, 1, 30, 12, 0, 0, 0, time.UTC)
	writeClaudeRollout(t, root, project, "sess-stable.jsonl", buildRollout, now.Add(-10*time.Second))

	inspector := &procwatch.FakeInspector{Procs: map[rollout.Family][]procwatch.AgentProcess{
		rollout.FamilyClaude: {{PID: 101, Cwd: project}},
	}}
	disc := discover.New(inspector)
	disc.SetClock(func() time.Time { return now })

	b := NewBuilder(sessions.NewCache(), disc, &vcs.FakeTree{}, feed.NewLog(),
		LoadLabelStore(filepath.Join(tmp, "labels.json")))
	b.SetClock(func() time.Time { return now })

	sources := []OperatorSource{{Operator: SelfOperator(), Roots: rollout.Roots{Claude: root}}}

	first, err := json.Marshal(b.Build(context.Background(), sources))
	if err != nil {
		t.Fatal(err)
	}
	second, err := json.Marshal(b.Build(context.Background(), sources))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("unchanged world produced different snapshots:\n%s\n%s", first, second)
	}
}

func TestBuildSessionEndedEvent(t *testing.T) {
	tmp := t.TempDir()
	project := filepath.Join(tmp, "proj")
	if err := os.MkdirAll(project, 0755); err != nil {
		t.Fatal(err)
	}
	root := filepath.Join(tmp, "claude")

	now := time.Date(2026, 1, 30, 12, 0, 0, 0, time.UTC)
	writeClaudeRollout(t, root, project, "sess-done.jsonl", buildRollout, now.Add(-10*time.Second))

	inspector := &procwatch.FakeInspector{Procs: map[rollout.Family][]procwatch.AgentProcess{
		rollout.FamilyClaude: {{PID: 101, Cwd: project}},
	}}
	disc := discover.New(inspector)
	disc.SetClock(func() time.Time { return now })

	b := NewBuilder(sessions.NewCache(), disc, &vcs.FakeTree{}, feed.NewLog(),
		LoadLabelStore(filepath.Join(tmp, "labels.json")))
	b.SetClock(func() time.Time { return now })

	sources := []OperatorSource{{Operator: SelfOperator(), Roots: rollout.Roots{Claude: root}}}
	snap := b.Build(context.Background(), sources)
	if len(snap.Agents) != 1 {
		t.Fatalf("agents = %d on first tick, want 1", len(snap.Agents))
	}

	// Process exits; the next tick falls outside the grace window.
	inspector.Procs = nil
	later := now.Add(2 * time.Minute)
	disc.SetClock(func() time.Time { return later })
	b.SetClock(func() time.Time { return later })

	snap = b.Build(context.Background(), sources)
	if len(snap.Agents) != 0 {
		t.Errorf("agents = %d after activity stopped, want 0", len(snap.Agents))
	}
	if snap.Summary.ActiveAgents != 0 {
		t.Errorf("ActiveAgents = %d, want 0", snap.Summary.ActiveAgents)
	}

	found := false
	for _, ev := range snap.Feed {
		if ev.ID == "session-ended-sess-done" && ev.Type == feed.TypeSessionEnded {
			found = true
			if !ev.Timestamp.Equal(later) {
				t.Errorf("ended event at %v, want the tick that noticed", ev.Timestamp)
			}
		}
	}
	if !found {
		t.Error("feed missing the session-ended event")
	}
}
