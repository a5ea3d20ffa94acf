package turns

import (
	"regexp"
	"strings"

	"github.com/session-observatory/daemon/internal/rollout"
)

// Error heuristics. An explicit is_error flag always wins. Without one,
// only the first 500 bytes are inspected, and results longer than 2000
// bytes are never heuristically classified as errors -- long output is
// almost always legitimate command output that happens to mention errors.
const (
	errorScanBytes    = 500
	errorHeuristicCap = 2000
)

var errorMarkers = []string{
	"error:", "error ", "exception", "traceback", "panic:",
	"fatal:", "failed", "failure", "cannot ", "can't ",
	"no such file", "not found", "permission denied", "command not found",
	"syntax error", "undefined", "enoent", "econnrefused",
}

// IsErrorResult classifies a tool-result event as an error.
func IsErrorResult(ev rollout.Event) bool {
	if ev.Kind != rollout.KindToolResult {
		return false
	}
	if ev.HasErrorFlag {
		return ev.ErrorFlag
	}
	if ev.ExitCode != nil {
		return *ev.ExitCode != 0
	}
	if ev.ResultLen > errorHeuristicCap {
		return false
	}
	scan := ev.ResultText
	if len(scan) > errorScanBytes {
		scan = scan[:errorScanBytes]
	}
	scan = strings.ToLower(scan)
	for _, marker := range errorMarkers {
		if strings.Contains(scan, marker) {
			return true
		}
	}
	return false
}

var (
	commitMRe       = regexp.MustCompile(`git commit[^|;&]*?-a?m\s+"((?:[^"\\]|\\.)*)"`)
	commitMSingleRe = regexp.MustCompile(`git commit[^|;&]*?-a?m\s+'([^']*)'`)
	commitHeredocRe = regexp.MustCompile(`(?s)git commit[^\n]*-m\s+"\$\(cat\s+<<'?EOF'?\n(.*?)\n`)
)

// CommitSubjects extracts commit subjects from a shell command string,
// handling -m "..." and -m '...' (and the combined -am form) as well as
// the heredoc form git commit -m "$(cat <<'EOF' ... EOF)". Only the
// subject (first line of the message) is returned.
func CommitSubjects(command string) []string {
	if !strings.Contains(command, "git commit") {
		return nil
	}
	var subjects []string
	add := func(msg string) {
		subject := strings.TrimSpace(strings.SplitN(msg, "\n", 2)[0])
		if subject != "" {
			subjects = append(subjects, subject)
		}
	}
	for _, m := range commitHeredocRe.FindAllStringSubmatch(command, -1) {
		add(m[1])
	}
	if len(subjects) == 0 {
		for _, m := range commitMRe.FindAllStringSubmatch(command, -1) {
			add(strings.ReplaceAll(m[1], `\"`, `"`))
		}
	}
	if len(subjects) == 0 {
		for _, m := range commitMSingleRe.FindAllStringSubmatch(command, -1) {
			add(m[1])
		}
	}
	return subjects
}

var decisionRe = regexp.MustCompile(`(?im)^\s*(?:I(?:'ll| will| am going to|'m going to)|Let(?:'s| me)|The (?:best|right|simplest) (?:approach|option|way)|Instead(?:,| of)|We should|The plan is|My approach)\b[^\n]{0,200}`)

const maxDecisions = 8

// ExtractDecisions pulls planning/reasoning statements out of assistant
// text and thinking blocks.
func ExtractDecisions(text string) []string {
	matches := decisionRe.FindAllString(text, maxDecisions)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.TrimSpace(m))
	}
	return out
}

// taskCreatedRe resolves the server-assigned id from a TaskCreate result.
var taskCreatedRe = regexp.MustCompile(`Task #(\d+) created successfully`)

func taskIDFromResult(text string) string {
	if m := taskCreatedRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}

// planRejectedRe matches the host's tool-result text when the user rejects
// an ExitPlanMode proposal.
var planRejectedRe = regexp.MustCompile(`(?i)tool use was rejected`)

// toolTarget returns the primary target of a tool invocation, used for
// research/action attribution and repeated-tool detection.
func toolTarget(ev rollout.Event) string {
	switch {
	case ev.Input.FilePath != "":
		return ev.Input.FilePath
	case ev.Input.Pattern != "":
		return ev.Input.Pattern
	case ev.Input.Path != "":
		return ev.Input.Path
	case ev.Input.Command != "":
		return firstCommandWord(ev.Input.Command)
	default:
		return ""
	}
}

// firstCommandWord normalizes a shell command to its leading program name
// so retries of the same command compare equal despite argument noise.
func firstCommandWord(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return ""
	}
	if len(fields) >= 2 && (fields[0] == "sudo" || fields[0] == "env") {
		return fields[1]
	}
	return fields[0]
}
