package rollout

import (
	"os"
	"path/filepath"
	"strings"
)

// EncodeProjectPath maps an absolute project path to the directory name the
// Claude family uses under its projects root: every slash becomes a dash,
// so /home/user/proj encodes to -home-user-proj.
func EncodeProjectPath(path string) string {
	clean := filepath.Clean(path)
	return strings.ReplaceAll(clean, "/", "-")
}

// DecodeProjectPath reverses EncodeProjectPath. The encoding is lossy for
// paths containing literal dashes, so decoding probes the filesystem:
// first all dashes as separators, then progressively fewer, keeping the
// tail segments joined by dashes. For ASCII paths without dashes the round
// trip is exact without any stat call succeeding.
func DecodeProjectPath(encoded string) string {
	if !strings.HasPrefix(encoded, "-") {
		return encoded
	}

	all := strings.ReplaceAll(encoded, "-", "/")
	if _, err := os.Stat(all); err == nil {
		return all
	}

	parts := strings.Split(encoded[1:], "-")
	for numSlashes := len(parts) - 1; numSlashes > 0; numSlashes-- {
		candidate := "/" + strings.Join(parts[:numSlashes], "/")
		if numSlashes < len(parts) {
			candidate += "/" + strings.Join(parts[numSlashes:], "-")
		}
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}

	// Nothing on disk matches; the dash-free interpretation is the only
	// deterministic one.
	return all
}

// SessionIDFromPath derives the session id from a rollout filename.
// Claude files are <uuid>.jsonl; Codex files are
// rollout-<timestamp>-<uuid>.jsonl.
func SessionIDFromPath(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	if rest, ok := strings.CutPrefix(base, "rollout-"); ok {
		// Timestamp prefix is 2025-01-02T15-04-05; the uuid follows.
		if i := strings.Index(rest, "-"); i >= 0 && len(rest) > 20 {
			return rest[20:]
		}
		return rest
	}
	return base
}
