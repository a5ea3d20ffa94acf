package collision

import (
	"testing"
	"time"

	"github.com/session-observatory/daemon/internal/sessions"
	"github.com/session-observatory/daemon/internal/turns"
	"github.com/session-observatory/daemon/internal/vcs"
)

var now = time.Date(2026, 1, 30, 12, 0, 0, 0, time.UTC)

func touchSession(id, operator, project string, at time.Time, files ...string) *sessions.Session {
	return &sessions.Session{
		ID:          id,
		OperatorID:  operator,
		ProjectPath: project,
		Turns: []turns.TurnNode{{
			Timestamp:    at,
			Summary:      "editing " + files[0],
			FilesChanged: files,
		}},
	}
}

func dirtyTree(project string, files ...string) *vcs.FakeTree {
	set := vcs.DirtySet{Files: make(map[string]bool)}
	for _, f := range files {
		set.Files[f] = true
	}
	return &vcs.FakeTree{Dirty: map[string]vcs.DirtySet{project: set}}
}

func TestDetectRequiresTwoSessions(t *testing.T) {
	active := []*sessions.Session{
		touchSession("a", "self", "/work/proj", now.Add(-time.Minute), "/work/proj/main.go"),
	}
	tree := dirtyTree("/work/proj", "/work/proj/main.go")

	if got := Detect(active, tree, now); len(got) != 0 {
		t.Errorf("got %d collisions from a single session, want 0", len(got))
	}
}

func TestDetectSameProjectIsWarning(t *testing.T) {
	active := []*sessions.Session{
		touchSession("a", "self", "/work/proj", now.Add(-2*time.Minute), "main.go"),
		touchSession("b", "self", "/work/proj", now.Add(-time.Minute), "main.go"),
	}
	tree := dirtyTree("/work/proj", "/work/proj/main.go")

	got := Detect(active, tree, now)
	if len(got) != 1 {
		t.Fatalf("got %d collisions, want 1", len(got))
	}
	c := got[0]
	if c.Path != "/work/proj/main.go" {
		t.Errorf("Path = %q", c.Path)
	}
	if c.Severity != SeverityWarning {
		t.Errorf("Severity = %q, want warning for same operator and project", c.Severity)
	}
	if len(c.Participants) != 2 || c.Participants[0].SessionID != "a" || c.Participants[1].SessionID != "b" {
		t.Errorf("Participants = %+v, want sorted a,b", c.Participants)
	}
	if c.DirtyFallback {
		t.Error("DirtyFallback set with an explicit dirty set")
	}
}

func TestDetectCrossOperatorIsCritical(t *testing.T) {
	active := []*sessions.Session{
		touchSession("a", "self", "/work/proj", now.Add(-time.Minute), "main.go"),
		touchSession("b", "peer-1", "/work/proj", now.Add(-time.Minute), "main.go"),
	}
	tree := dirtyTree("/work/proj", "/work/proj/main.go")

	got := Detect(active, tree, now)
	if len(got) != 1 || got[0].Severity != SeverityCritical {
		t.Errorf("got %+v, want one critical collision", got)
	}
}

func TestDetectCrossProjectIsCritical(t *testing.T) {
	shared := "/work/shared/lib.go"
	active := []*sessions.Session{
		touchSession("a", "self", "/work/proj1", now.Add(-time.Minute), shared),
		touchSession("b", "self", "/work/proj2", now.Add(-time.Minute), shared),
	}
	set := vcs.DirtySet{Files: map[string]bool{shared: true}}
	tree := &vcs.FakeTree{Dirty: map[string]vcs.DirtySet{
		"/work/proj1": set,
		"/work/proj2": set,
	}}

	got := Detect(active, tree, now)
	if len(got) != 1 || got[0].Severity != SeverityCritical {
		t.Errorf("got %+v, want one critical collision across projects", got)
	}
}

func TestDetectRecencyFloor(t *testing.T) {
	// One touch is too old to matter.
	active := []*sessions.Session{
		touchSession("a", "self", "/work/proj", now.Add(-20*time.Minute), "main.go"),
		touchSession("b", "self", "/work/proj", now.Add(-time.Minute), "main.go"),
	}
	tree := dirtyTree("/work/proj", "/work/proj/main.go")

	if got := Detect(active, tree, now); len(got) != 0 {
		t.Errorf("got %d collisions, want 0 with one touch past the floor", len(got))
	}
}

func TestDetectCommitResetsSlate(t *testing.T) {
	active := []*sessions.Session{
		touchSession("a", "self", "/work/proj", now.Add(-10*time.Minute), "main.go"),
		touchSession("b", "self", "/work/proj", now.Add(-8*time.Minute), "main.go"),
	}
	tree := dirtyTree("/work/proj", "/work/proj/main.go")
	tree.CommitTimes = map[string]time.Time{"/work/proj": now.Add(-5 * time.Minute)}

	if got := Detect(active, tree, now); len(got) != 0 {
		t.Errorf("got %d collisions, want 0 for touches predating the commit", len(got))
	}

	// A touch after the commit keeps colliding with another post-commit one.
	active[0].Turns[0].Timestamp = now.Add(-2 * time.Minute)
	active[1].Turns[0].Timestamp = now.Add(-time.Minute)
	if got := Detect(active, tree, now); len(got) != 1 {
		t.Errorf("got %d collisions, want 1 for post-commit touches", len(got))
	}
}

func TestDetectCleanFileDoesNotCollide(t *testing.T) {
	active := []*sessions.Session{
		touchSession("a", "self", "/work/proj", now.Add(-time.Minute), "main.go"),
		touchSession("b", "self", "/work/proj", now.Add(-time.Minute), "main.go"),
	}
	// main.go was committed; only other.go is dirty.
	tree := dirtyTree("/work/proj", "/work/proj/other.go")

	if got := Detect(active, tree, now); len(got) != 0 {
		t.Errorf("got %d collisions on a clean file, want 0", len(got))
	}
}

func TestDetectDirtyQueryFailureFallsBackToAllDirty(t *testing.T) {
	active := []*sessions.Session{
		touchSession("a", "self", "/work/proj", now.Add(-time.Minute), "main.go"),
		touchSession("b", "self", "/work/proj", now.Add(-time.Minute), "main.go"),
	}
	// No dirty entry for the project: FakeTree answers AllDirty.
	tree := &vcs.FakeTree{}

	got := Detect(active, tree, now)
	if len(got) != 1 {
		t.Fatalf("got %d collisions, want 1 under the all-dirty fallback", len(got))
	}
	if !got[0].DirtyFallback {
		t.Error("DirtyFallback not flagged")
	}
}

func TestDetectSortsCriticalFirst(t *testing.T) {
	active := []*sessions.Session{
		touchSession("a", "self", "/work/proj", now.Add(-time.Minute), "warn.go"),
		touchSession("b", "self", "/work/proj", now.Add(-time.Minute), "warn.go"),
		touchSession("c", "self", "/work/proj", now.Add(-time.Minute), "crit.go"),
		touchSession("d", "peer-1", "/work/proj", now.Add(-time.Minute), "crit.go"),
	}
	tree := dirtyTree("/work/proj", "/work/proj/warn.go", "/work/proj/crit.go")

	got := Detect(active, tree, now)
	if len(got) != 2 {
		t.Fatalf("got %d collisions, want 2", len(got))
	}
	if got[0].Severity != SeverityCritical || got[0].Path != "/work/proj/crit.go" {
		t.Errorf("got[0] = %+v, want the critical collision first", got[0])
	}
}

func TestDetectLastActionFromLatestTurn(t *testing.T) {
	a := &sessions.Session{
		ID: "a", OperatorID: "self", ProjectPath: "/work/proj",
		Turns: []turns.TurnNode{
			{Timestamp: now.Add(-3 * time.Minute), Summary: "first pass", FilesChanged: []string{"main.go"}},
			{Timestamp: now.Add(-time.Minute), Summary: "second pass", FilesChanged: []string{"main.go"}},
		},
	}
	b := touchSession("b", "self", "/work/proj", now.Add(-time.Minute), "main.go")
	tree := dirtyTree("/work/proj", "/work/proj/main.go")

	got := Detect([]*sessions.Session{a, b}, tree, now)
	if len(got) != 1 {
		t.Fatalf("got %d collisions, want 1", len(got))
	}
	for _, p := range got[0].Participants {
		if p.SessionID == "a" && p.LastAction != "second pass" {
			t.Errorf("LastAction = %q, want the latest turn's summary", p.LastAction)
		}
	}
}
