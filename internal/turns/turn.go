package turns

import (
	"time"

	"github.com/session-observatory/daemon/internal/rollout"
)

// Category classifies what kind of instruction opened a turn.
type Category string

const (
	CategoryTask         Category = "task"
	CategoryQuestion     Category = "question"
	CategoryFeedback     Category = "feedback"
	CategoryCommand      Category = "command"
	CategoryContinuation Category = "continuation"
	CategoryInterruption Category = "interruption"
	CategoryContext      Category = "context"
	CategorySystem       Category = "system"
	CategoryConversation Category = "conversation"
)

// Research records what the agent looked at during a turn.
type Research struct {
	FilesRead []string `json:"filesRead,omitempty"`
	Patterns  []string `json:"patterns,omitempty"`
}

// Actions records what the agent did to the world during a turn.
type Actions struct {
	Creates  []string `json:"creates,omitempty"`
	Edits    []string `json:"edits,omitempty"`
	Commands []string `json:"commands,omitempty"`
}

// Correction pairs an error tool result with the follow-up that addressed
// it. Fix is "unresolved" when nothing within the pairing window retried or
// edited.
type Correction struct {
	Error    string `json:"error"`
	Tool     string `json:"tool,omitempty"`
	Fix      string `json:"fix"`
	Resolved bool   `json:"resolved"`
}

// TaskMutation is one TaskCreate/TaskUpdate observed in a turn. For creates
// the id is resolved from the matching "Task #N created successfully"
// result when present.
type TaskMutation struct {
	Op     string `json:"op"` // create | update
	ID     string `json:"id,omitempty"`
	Title  string `json:"title,omitempty"`
	Status string `json:"status,omitempty"`
}

// ToolTarget is one tool invocation's primary target.
type ToolTarget struct {
	Tool   string
	Target string
}

// TurnNode is one user instruction plus every assistant/tool event up to
// the next real user instruction. Index is monotonic within a single parse;
// across a compaction the index space resets.
type TurnNode struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Category  Category  `json:"category"`

	Summary         string `json:"summary"`
	FullInstruction string `json:"fullInstruction"`
	Thinking        string `json:"thinking,omitempty"`

	Decisions   []string     `json:"decisions,omitempty"`
	Research    Research     `json:"research"`
	Actions     Actions      `json:"actions"`
	Corrections []Correction `json:"corrections,omitempty"`

	FilesChanged   []string `json:"filesChanged,omitempty"`
	CommitSubjects []string `json:"commitSubjects,omitempty"`
	Escalations    []string `json:"escalations,omitempty"`

	ToolCounts map[string]int `json:"toolCounts,omitempty"`
	ToolCalls  int            `json:"toolCalls"`

	// ToolTargets records each invocation's (tool, normalized target)
	// pair in order, for repeated-tool spin detection.
	ToolTargets []ToolTarget `json:"-"`

	HasCommit     bool   `json:"hasCommit"`
	CommitSubject string `json:"commitSubject,omitempty"`
	HasError      bool   `json:"hasError"`
	HasCompaction bool   `json:"hasCompaction"`

	PlanEntered  bool   `json:"planEntered,omitempty"`
	PlanExited   bool   `json:"planExited,omitempty"`
	PlanRejected bool   `json:"planRejected,omitempty"`
	PlanMarkdown string `json:"planMarkdown,omitempty"`

	TaskMutations []TaskMutation `json:"taskMutations,omitempty"`

	Usage rollout.TokenUsage `json:"tokenUsage"`
	Model string             `json:"model,omitempty"`

	// DurationMs is nil for an in-progress tail turn.
	DurationMs *int64 `json:"durationMs,omitempty"`
	InProgress bool   `json:"inProgress,omitempty"`

	StartLine int `json:"startLine"`
	EndLine   int `json:"endLine"`
}
