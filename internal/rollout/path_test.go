package rollout

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEncodeProjectPath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"/home/user/project", "-home-user-project"},
		{"/home/u/Projects/observatory", "-home-u-Projects-observatory"},
		{"/tmp/test", "-tmp-test"},
	}
	for _, tt := range tests {
		got := EncodeProjectPath(tt.input)
		if got != tt.expected {
			t.Errorf("EncodeProjectPath(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestDecodeProjectPathWithoutDashes(t *testing.T) {
	// No directory exists; the all-slash reading is the deterministic
	// fallback, so dash-free paths always round-trip.
	in := "/nonexistent/abc/def"
	if got := DecodeProjectPath(EncodeProjectPath(in)); got != in {
		t.Errorf("round trip = %q, want %q", got, in)
	}
}

func TestDecodeProjectPathProbesDashedDirs(t *testing.T) {
	base := t.TempDir()
	if strings.Contains(base, "-") {
		t.Skipf("temp dir %q contains dashes; probe order would be ambiguous", base)
	}
	project := filepath.Join(base, "my-proj")
	if err := os.MkdirAll(project, 0755); err != nil {
		t.Fatal(err)
	}

	encoded := EncodeProjectPath(project)
	if got := DecodeProjectPath(encoded); got != project {
		t.Errorf("DecodeProjectPath(%q) = %q, want %q", encoded, got, project)
	}
}

func TestDecodeProjectPathNonEncoded(t *testing.T) {
	if got := DecodeProjectPath("plain"); got != "plain" {
		t.Errorf("DecodeProjectPath(plain) = %q", got)
	}
}

func TestSessionIDFromPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/x/aaaa1111-2222-3333-4444-555566667777.jsonl", "aaaa1111-2222-3333-4444-555566667777"},
		{"/x/rollout-2026-01-30T10-00-00-bbbb2222-3333-4444-5555-666677778888.jsonl", "bbbb2222-3333-4444-5555-666677778888"},
		{"/x/rollout-short.jsonl", "short"},
	}
	for _, tt := range tests {
		if got := SessionIDFromPath(tt.path); got != tt.want {
			t.Errorf("SessionIDFromPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
