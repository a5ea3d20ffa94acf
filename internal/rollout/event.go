package rollout

import "time"

// Family identifies which agent CLI wrote a rollout file. The two families
// use different on-disk layouts and record envelopes but normalize to the
// same Event vocabulary.
type Family string

const (
	FamilyClaude Family = "claude"
	FamilyCodex  Family = "codex"
)

// Kind tags the normalized event variants. Records the parsers do not
// recognize become KindUnknown; later stages ignore them.
type Kind int

const (
	KindUnknown Kind = iota
	KindUserMessage
	KindAssistantMessage
	KindToolUse
	KindToolResult
	KindCompaction
	KindSystemMeta
	KindTokenUsage
	KindTurnBoundary
	KindPlanMarker
	KindTaskMutation
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindUserMessage:      "user_message",
	KindAssistantMessage: "assistant_message",
	KindToolUse:          "tool_use",
	KindToolResult:       "tool_result",
	KindCompaction:       "compaction",
	KindSystemMeta:       "system_meta",
	KindTokenUsage:       "token_usage",
	KindTurnBoundary:     "turn_boundary",
	KindPlanMarker:       "plan_marker",
	KindTaskMutation:     "task_mutation",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// TokenUsage holds the four token buckets reported per assistant message.
type TokenUsage struct {
	InputTokens              int `json:"input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	OutputTokens             int `json:"output_tokens"`
}

// TotalContext returns the tokens occupying the context window: fresh input
// plus everything served from or written to the prompt cache.
func (t TokenUsage) TotalContext() int {
	return t.InputTokens + t.CacheCreationInputTokens + t.CacheReadInputTokens
}

// Add sums usage in place.
func (t *TokenUsage) Add(o TokenUsage) {
	t.InputTokens += o.InputTokens
	t.CacheCreationInputTokens += o.CacheCreationInputTokens
	t.CacheReadInputTokens += o.CacheReadInputTokens
	t.OutputTokens += o.OutputTokens
}

// IsZero reports whether no bucket carries tokens.
func (t TokenUsage) IsZero() bool {
	return t.InputTokens == 0 && t.CacheCreationInputTokens == 0 &&
		t.CacheReadInputTokens == 0 && t.OutputTokens == 0
}

// ToolInput holds the fields the turn builder cares about from a tool_use
// input object. Unrecognized fields are dropped; the raw input is not kept.
type ToolInput struct {
	FilePath    string `json:"file_path"`
	Pattern     string `json:"pattern"`
	Path        string `json:"path"`
	Command     string `json:"command"`
	Description string `json:"description"`
	Question    string `json:"question"`
	Prompt      string `json:"prompt"`
	Plan        string `json:"plan"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	Status      string `json:"status"`
	TaskID      string `json:"task_id"`
	Subject     string `json:"subject"`
}

// Event is one parsed rollout record, normalized across agent families.
// Events retain original line order via Line.
type Event struct {
	Kind      Kind
	Line      int
	Timestamp time.Time
	Family    Family

	// Message fields (user/assistant).
	Text     string
	Thinking string
	Model    string
	Usage    *TokenUsage

	// Claude user messages that consist only of tool_result blocks are
	// continuations of the previous turn, not new instructions.
	OnlyToolResults bool

	// Tool use.
	ToolName  string
	ToolUseID string
	Input     ToolInput

	// Tool result. ResultText is truncated to resultTextCap bytes; the
	// original length is preserved in ResultLen for the error heuristic's
	// size boundary.
	ResultText   string
	ResultLen    int
	ErrorFlag    bool // explicit is_error from the record
	HasErrorFlag bool // whether the record carried the flag at all
	ExitCode     *int // exec-command results (Codex family)

	// Turn boundary (Codex family).
	BoundaryStart bool

	// Plan marker: markdown attached by the host when a plan is approved.
	PlanMarkdown string

	// Session metadata (system_meta events).
	SessionID  string
	WorkingDir string
}

// resultTextCap bounds how much tool-result text is retained per event.
// Keep comfortably above the 2000-byte heuristic boundary so the error
// classifier sees enough to decide.
const resultTextCap = 4096

func truncateResult(s string) (string, int) {
	if len(s) <= resultTextCap {
		return s, len(s)
	}
	return s[:resultTextCap], len(s)
}
