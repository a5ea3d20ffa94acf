package rollout

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestListClaude(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "projects", "-home-u-proj", "aaaa1111-2222-3333-4444-555566667777.jsonl"),
		`{"type":"user","message":{"role":"user","content":"hi"},"timestamp":"2026-01-30T10:00:00.000Z"}`+"\n")
	// Non-rollout files are ignored.
	writeFile(t, filepath.Join(root, "projects", "-home-u-proj", "notes.txt"), "x")

	infos, err := ListClaude(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 {
		t.Fatalf("got %d infos, want 1", len(infos))
	}
	info := infos[0]
	if info.Family != FamilyClaude {
		t.Errorf("Family = %q", info.Family)
	}
	if info.SessionID != "aaaa1111-2222-3333-4444-555566667777" {
		t.Errorf("SessionID = %q", info.SessionID)
	}
	if info.ProjectPath != "/home/u/proj" {
		t.Errorf("ProjectPath = %q", info.ProjectPath)
	}
	if info.SizeBytes == 0 {
		t.Error("SizeBytes = 0")
	}
}

func TestListClaudeMissingRoot(t *testing.T) {
	infos, err := ListClaude(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 0 {
		t.Errorf("got %d infos, want 0", len(infos))
	}
}

func TestListCodex(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "sessions", "2026", "01", "30",
		"rollout-2026-01-30T10-00-00-bbbb2222-3333-4444-5555-666677778888.jsonl")
	writeFile(t, path,
		`{"timestamp":"2026-01-30T10:00:00.000Z","type":"session_meta","payload":{"id":"meta-session-id","cwd":"/home/u/proj"}}`+"\n")

	infos, err := ListCodex(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 {
		t.Fatalf("got %d infos, want 1", len(infos))
	}
	info := infos[0]
	if info.Family != FamilyCodex {
		t.Errorf("Family = %q", info.Family)
	}
	// Head-line metadata wins over the filename-derived id.
	if info.SessionID != "meta-session-id" {
		t.Errorf("SessionID = %q, want meta-session-id", info.SessionID)
	}
	if info.ProjectPath != "/home/u/proj" {
		t.Errorf("ProjectPath = %q", info.ProjectPath)
	}
}

func TestListCodexHeadlessFile(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "sessions", "2026", "01", "30",
		"rollout-2026-01-30T11-00-00-cccc3333-4444-5555-6666-777788889999.jsonl")
	writeFile(t, path,
		`{"timestamp":"2026-01-30T11:00:00.000Z","type":"event_msg","payload":{"type":"user_message","message":"hi"}}`+"\n")

	infos, err := ListCodex(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 {
		t.Fatalf("got %d infos, want 1", len(infos))
	}
	// Without session_meta the filename provides the id and the project
	// stays unknown.
	if infos[0].SessionID != "cccc3333-4444-5555-6666-777788889999" {
		t.Errorf("SessionID = %q", infos[0].SessionID)
	}
	if infos[0].ProjectPath != "" {
		t.Errorf("ProjectPath = %q, want empty", infos[0].ProjectPath)
	}
}

func TestListBothFamilies(t *testing.T) {
	claudeRoot := t.TempDir()
	codexRoot := t.TempDir()
	writeFile(t, filepath.Join(claudeRoot, "projects", "-p", "a.jsonl"), "{}\n")
	writeFile(t, filepath.Join(codexRoot, "sessions", "2026", "01", "30", "rollout-2026-01-30T10-00-00-dddd.jsonl"), "{}\n")

	infos, err := List(Roots{Claude: claudeRoot, Codex: codexRoot})
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("got %d infos, want 2", len(infos))
	}
}

func TestListEmptyRootsDisabled(t *testing.T) {
	infos, err := List(Roots{})
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 0 {
		t.Errorf("got %d infos, want 0", len(infos))
	}
}
