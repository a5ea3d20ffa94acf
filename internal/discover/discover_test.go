package discover

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/session-observatory/daemon/internal/procwatch"
	"github.com/session-observatory/daemon/internal/rollout"
)

// claudeTree creates a Claude-style rollout root with one project directory
// for a real project path, returning the root and the project path.
func claudeTree(t *testing.T) (root, project string) {
	t.Helper()
	base := t.TempDir()
	project = filepath.Join(base, "proj")
	if err := os.MkdirAll(project, 0755); err != nil {
		t.Fatal(err)
	}
	root = filepath.Join(base, "claude")
	dir := filepath.Join(root, "projects", rollout.EncodeProjectPath(project))
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	return root, project
}

func addRollout(t *testing.T, root, project, name string, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(root, "projects", rollout.EncodeProjectPath(project), name+".jsonl")
	if err := os.WriteFile(path, []byte("{}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	return path
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestDiscoverActiveViaOpenFile(t *testing.T) {
	root, project := claudeTree(t)
	now := time.Now()
	path := addRollout(t, root, project, "sess-a", now.Add(-time.Hour))

	inspector := &procwatch.FakeInspector{Procs: map[rollout.Family][]procwatch.AgentProcess{
		rollout.FamilyClaude: {{PID: 100, Cwd: "/somewhere/else", OpenFiles: []string{path}}},
	}}
	d := New(inspector)
	d.SetClock(fixedClock(now))

	got := d.Discover(context.Background(), []OperatorRoots{
		{OperatorID: "self", Roots: rollout.Roots{Claude: root}},
	})
	if len(got) != 1 {
		t.Fatalf("got %d sessions, want 1", len(got))
	}
	if !got[0].Active {
		t.Error("session with an open descriptor not active")
	}
	if got[0].OperatorID != "self" {
		t.Errorf("OperatorID = %q", got[0].OperatorID)
	}
}

func TestDiscoverCwdClaimsMostRecent(t *testing.T) {
	root, project := claudeTree(t)
	now := time.Now()
	addRollout(t, root, project, "sess-old", now.Add(-2*time.Hour))
	addRollout(t, root, project, "sess-new", now.Add(-time.Minute))

	// One process in the project cwd with no readable fd table: it claims
	// exactly the most recent rollout.
	inspector := &procwatch.FakeInspector{Procs: map[rollout.Family][]procwatch.AgentProcess{
		rollout.FamilyClaude: {{PID: 100, Cwd: project}},
	}}
	d := New(inspector)
	d.SetClock(fixedClock(now))

	got := d.Discover(context.Background(), []OperatorRoots{
		{OperatorID: "self", Roots: rollout.Roots{Claude: root}},
	})
	if len(got) != 2 {
		t.Fatalf("got %d sessions, want active plus dormant", len(got))
	}
	active := map[string]bool{}
	for _, s := range got {
		active[s.SessionID] = s.Active
	}
	if !active["sess-new"] {
		t.Error("most recent rollout not claimed by the cwd process")
	}
	if active["sess-old"] {
		t.Error("older rollout claimed by a single process")
	}
}

func TestDiscoverTwoProcessesClaimTwo(t *testing.T) {
	root, project := claudeTree(t)
	now := time.Now()
	addRollout(t, root, project, "sess-old", now.Add(-2*time.Hour))
	addRollout(t, root, project, "sess-new", now.Add(-time.Minute))

	inspector := &procwatch.FakeInspector{Procs: map[rollout.Family][]procwatch.AgentProcess{
		rollout.FamilyClaude: {
			{PID: 100, Cwd: project},
			{PID: 101, Cwd: project},
		},
	}}
	d := New(inspector)
	d.SetClock(fixedClock(now))

	got := d.Discover(context.Background(), []OperatorRoots{
		{OperatorID: "self", Roots: rollout.Roots{Claude: root}},
	})
	for _, s := range got {
		if !s.Active {
			t.Errorf("session %s inactive, want both claimed", s.SessionID)
		}
	}
}

func TestDiscoverGraceWindow(t *testing.T) {
	root, project := claudeTree(t)
	now := time.Now()
	path := addRollout(t, root, project, "sess-a", now)

	inspector := &procwatch.FakeInspector{Procs: map[rollout.Family][]procwatch.AgentProcess{
		rollout.FamilyClaude: {{PID: 100, Cwd: project, OpenFiles: []string{path}}},
	}}
	d := New(inspector)
	d.SetClock(fixedClock(now))

	ops := []OperatorRoots{{OperatorID: "self", Roots: rollout.Roots{Claude: root}}}
	got := d.Discover(context.Background(), ops)
	if len(got) != 1 || !got[0].Active {
		t.Fatalf("tick 1 = %+v, want one active session", got)
	}

	// The process vanishes but the rollout was touched moments ago: the
	// grace window keeps the session active for the next tick.
	inspector.Procs = nil
	d.SetClock(fixedClock(now.Add(10 * time.Second)))
	got = d.Discover(context.Background(), ops)
	if len(got) != 1 || !got[0].Active {
		t.Fatalf("tick 2 = %+v, want grace to hold", got)
	}

	// Past the window the session drops out entirely.
	d.SetClock(fixedClock(now.Add(50 * time.Second)))
	got = d.Discover(context.Background(), ops)
	if len(got) != 0 {
		t.Errorf("tick 3 = %+v, want empty set", got)
	}
}

func TestDiscoverDormantExpansion(t *testing.T) {
	root, project := claudeTree(t)
	now := time.Now()
	active := addRollout(t, root, project, "sess-live", now.Add(-time.Minute))
	addRollout(t, root, project, "sess-dormant", now.Add(-2*time.Hour))
	addRollout(t, root, project, "sess-ancient", now.Add(-30*time.Hour))

	inspector := &procwatch.FakeInspector{Procs: map[rollout.Family][]procwatch.AgentProcess{
		rollout.FamilyClaude: {{PID: 100, Cwd: project, OpenFiles: []string{active}}},
	}}
	d := New(inspector)
	d.SetClock(fixedClock(now))

	got := d.Discover(context.Background(), []OperatorRoots{
		{OperatorID: "self", Roots: rollout.Roots{Claude: root}},
	})
	if len(got) != 2 {
		t.Fatalf("got %d sessions, want live + dormant within 24h", len(got))
	}
	byID := map[string]Session{}
	for _, s := range got {
		byID[s.SessionID] = s
	}
	if !byID["sess-live"].Active {
		t.Error("live session inactive")
	}
	if dormant, ok := byID["sess-dormant"]; !ok || dormant.Active {
		t.Errorf("dormant session = %+v, want present and inactive", dormant)
	}
	if _, ok := byID["sess-ancient"]; ok {
		t.Error("30h-old rollout included")
	}
}

func TestDiscoverProjectWithoutActivityExcluded(t *testing.T) {
	root, project := claudeTree(t)
	now := time.Now()
	addRollout(t, root, project, "sess-idle", now.Add(-time.Hour))

	d := New(&procwatch.FakeInspector{})
	d.SetClock(fixedClock(now))

	got := d.Discover(context.Background(), []OperatorRoots{
		{OperatorID: "self", Roots: rollout.Roots{Claude: root}},
	})
	if len(got) != 0 {
		t.Errorf("got %d sessions from a project with no activity, want 0", len(got))
	}
}

func TestDiscoverInspectorFailureDegrades(t *testing.T) {
	root, project := claudeTree(t)
	now := time.Now()
	addRollout(t, root, project, "sess-a", now)

	d := New(&procwatch.FakeInspector{Err: context.DeadlineExceeded})
	d.SetClock(fixedClock(now))

	got := d.Discover(context.Background(), []OperatorRoots{
		{OperatorID: "self", Roots: rollout.Roots{Claude: root}},
	})
	if len(got) != 0 {
		t.Errorf("got %d sessions with a failing inspector and no prior state, want 0", len(got))
	}
}

func TestDiscoverSeparatesOperators(t *testing.T) {
	rootA, projectA := claudeTree(t)
	rootB, projectB := claudeTree(t)
	now := time.Now()
	pathA := addRollout(t, rootA, projectA, "sess-self", now)
	pathB := addRollout(t, rootB, projectB, "sess-peer", now)

	inspector := &procwatch.FakeInspector{Procs: map[rollout.Family][]procwatch.AgentProcess{
		rollout.FamilyClaude: {{PID: 100, Cwd: "/x", OpenFiles: []string{pathA, pathB}}},
	}}
	d := New(inspector)
	d.SetClock(fixedClock(now))

	got := d.Discover(context.Background(), []OperatorRoots{
		{OperatorID: "self", Roots: rollout.Roots{Claude: rootA}},
		{OperatorID: "peer-1", Roots: rollout.Roots{Claude: rootB}},
	})
	if len(got) != 2 {
		t.Fatalf("got %d sessions, want one per operator", len(got))
	}
	ops := map[string]string{}
	for _, s := range got {
		ops[s.SessionID] = s.OperatorID
	}
	if ops["sess-self"] != "self" || ops["sess-peer"] != "peer-1" {
		t.Errorf("operators = %v", ops)
	}
}
