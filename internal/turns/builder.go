package turns

import (
	"strings"
	"time"

	"github.com/session-observatory/daemon/internal/rollout"
)

// Build groups a normalized event stream into TurnNodes. Claude-family
// turns open at user messages carrying real text; Codex-family turns follow
// explicit turn boundary events, with an unterminated tail emitted as
// in-progress.
func Build(events []rollout.Event, family rollout.Family) []TurnNode {
	if family == rollout.FamilyCodex {
		return buildCodex(events)
	}
	return buildClaude(events)
}

func buildClaude(events []rollout.Event) []TurnNode {
	var groups [][]rollout.Event
	var current []rollout.Event
	started := false

	for _, ev := range events {
		if ev.Kind == rollout.KindUserMessage && !ev.OnlyToolResults {
			cleaned := CleanInstruction(ev.Text)
			if IsRealInstruction(cleaned) {
				if started {
					groups = append(groups, current)
				}
				// Pre-instruction events (compaction summaries, system
				// meta) fold into the first turn.
				if !started {
					current = append(current, ev)
				} else {
					current = []rollout.Event{ev}
				}
				started = true
				continue
			}
		}
		current = append(current, ev)
	}
	if started {
		groups = append(groups, current)
	}

	nodes := make([]TurnNode, 0, len(groups))
	for i, group := range groups {
		node := buildTurn(group, i, rollout.FamilyClaude)
		nodes = append(nodes, node)
	}
	fillClaudeDurations(nodes, events)
	return nodes
}

// fillClaudeDurations derives each turn's duration from the next turn's
// start timestamp; the final turn uses its own last event.
func fillClaudeDurations(nodes []TurnNode, events []rollout.Event) {
	for i := range nodes {
		var end time.Time
		if i+1 < len(nodes) {
			end = nodes[i+1].Timestamp
		} else {
			for j := len(events) - 1; j >= 0; j-- {
				if !events[j].Timestamp.IsZero() {
					end = events[j].Timestamp
					break
				}
			}
		}
		if end.IsZero() || nodes[i].Timestamp.IsZero() || end.Before(nodes[i].Timestamp) {
			continue
		}
		ms := end.Sub(nodes[i].Timestamp).Milliseconds()
		nodes[i].DurationMs = &ms
	}
}

func buildCodex(events []rollout.Event) []TurnNode {
	var groups [][]rollout.Event
	var ends []time.Time
	var current []rollout.Event
	var inProgress bool
	started := false

	for _, ev := range events {
		if ev.Kind == rollout.KindTurnBoundary {
			if ev.BoundaryStart {
				if started {
					// Previous turn never completed; close it without an
					// end timestamp.
					groups = append(groups, current)
					ends = append(ends, time.Time{})
				}
				current = []rollout.Event{ev}
				started = true
			} else if started {
				current = append(current, ev)
				groups = append(groups, current)
				ends = append(ends, ev.Timestamp)
				current = nil
				started = false
			}
			continue
		}
		if started {
			current = append(current, ev)
		}
	}
	if started {
		groups = append(groups, current)
		ends = append(ends, time.Time{})
		inProgress = true
	}

	nodes := make([]TurnNode, 0, len(groups))
	for i, group := range groups {
		node := buildTurn(group, i, rollout.FamilyCodex)
		if !ends[i].IsZero() && !node.Timestamp.IsZero() && !ends[i].Before(node.Timestamp) {
			ms := ends[i].Sub(node.Timestamp).Milliseconds()
			node.DurationMs = &ms
		}
		if inProgress && i == len(groups)-1 {
			node.InProgress = true
			node.DurationMs = nil
		}
		nodes = append(nodes, node)
	}
	return nodes
}

// correctionWindow is how many subsequent tool calls are searched for a
// retry or Edit after an error result before it counts as unresolved.
const correctionWindow = 5

func buildTurn(group []rollout.Event, index int, family rollout.Family) TurnNode {
	node := TurnNode{
		Index:      index,
		ToolCounts: make(map[string]int),
		StartLine:  -1,
		EndLine:    -1,
	}

	// Ordered tool activity for correction pairing: tool uses and whether
	// each result was an error.
	type toolCall struct {
		ev      rollout.Event
		isError bool
		errText string
	}
	var calls []toolCall
	resultByUseID := make(map[string]rollout.Event)

	var thinking []string
	var assistantText []string
	var lastCodexUsage *rollout.TokenUsage

	for _, ev := range group {
		if node.StartLine < 0 || ev.Line < node.StartLine {
			node.StartLine = ev.Line
		}
		if ev.Line > node.EndLine {
			node.EndLine = ev.Line
		}
		if node.Timestamp.IsZero() && !ev.Timestamp.IsZero() {
			node.Timestamp = ev.Timestamp
		}

		switch ev.Kind {
		case rollout.KindUserMessage:
			if node.FullInstruction == "" {
				cleaned := CleanInstruction(ev.Text)
				node.FullInstruction = cleaned
				node.Summary = Summarize(cleaned)
				node.Category = Categorize(cleaned)
			}

		case rollout.KindAssistantMessage:
			if ev.Model != "" {
				node.Model = ev.Model
			}
			if ev.Usage != nil && family == rollout.FamilyClaude {
				node.Usage.Add(*ev.Usage)
			}
			if ev.Thinking != "" {
				thinking = append(thinking, ev.Thinking)
			}
			if ev.Text != "" {
				assistantText = append(assistantText, ev.Text)
			}

		case rollout.KindTokenUsage:
			// Codex emits cumulative totals before each request; only the
			// last one of the turn reflects reality.
			if ev.Usage != nil {
				lastCodexUsage = ev.Usage
			}

		case rollout.KindToolUse:
			node.ToolCalls++
			node.ToolCounts[ev.ToolName]++
			node.ToolTargets = append(node.ToolTargets, ToolTarget{Tool: ev.ToolName, Target: toolTarget(ev)})
			applyToolUse(&node, ev)
			calls = append(calls, toolCall{ev: ev})

		case rollout.KindToolResult:
			isErr := IsErrorResult(ev)
			if isErr {
				node.HasError = true
			}
			if ev.ToolUseID != "" {
				resultByUseID[ev.ToolUseID] = ev
			}
			// Attach to the most recent call without a result.
			for i := len(calls) - 1; i >= 0; i-- {
				if calls[i].ev.ToolUseID == ev.ToolUseID || (ev.ToolUseID == "" && calls[i].errText == "" && !calls[i].isError) {
					calls[i].isError = isErr
					calls[i].errText = firstLine(ev.ResultText)
					break
				}
			}
			if id := taskIDFromResult(ev.ResultText); id != "" {
				resolveCreatedTaskID(&node, id)
			}

		case rollout.KindCompaction:
			node.HasCompaction = true

		case rollout.KindPlanMarker:
			node.PlanExited = true
			node.PlanMarkdown = ev.PlanMarkdown
		}
	}

	if lastCodexUsage != nil {
		node.Usage = *lastCodexUsage
	}

	node.Thinking = strings.Join(thinking, "\n")
	node.Decisions = ExtractDecisions(strings.Join(append(assistantText, node.Thinking), "\n"))

	// Plan rejection: an ExitPlanMode whose result says the tool use was
	// rejected.
	for _, c := range calls {
		if c.ev.ToolName != "ExitPlanMode" {
			continue
		}
		if res, ok := resultByUseID[c.ev.ToolUseID]; ok && planRejectedRe.MatchString(res.ResultText) {
			node.PlanRejected = true
		}
	}

	// Corrections: pair each error with the next retry or Edit within the
	// window.
	for i, c := range calls {
		if !c.isError {
			continue
		}
		corr := Correction{
			Error: c.errText,
			Tool:  c.ev.ToolName,
			Fix:   "unresolved",
		}
		limit := i + 1 + correctionWindow
		if limit > len(calls) {
			limit = len(calls)
		}
		for j := i + 1; j < limit; j++ {
			next := calls[j].ev
			if isEditTool(next.ToolName) && next.Input.FilePath != "" {
				corr.Fix = "Fixed in " + next.Input.FilePath
				corr.Resolved = true
				break
			}
			if next.ToolName == c.ev.ToolName {
				corr.Fix = "Retried " + next.ToolName
				corr.Resolved = true
				break
			}
		}
		node.Corrections = append(node.Corrections, corr)
	}

	node.FilesChanged = dedupe(append(append([]string{}, node.Actions.Creates...), node.Actions.Edits...))
	if len(node.CommitSubjects) > 0 {
		node.HasCommit = true
		node.CommitSubject = node.CommitSubjects[0]
	}
	if node.Category == "" {
		node.Category = CategoryContinuation
	}
	return node
}

func applyToolUse(node *TurnNode, ev rollout.Event) {
	switch ev.ToolName {
	case "Read", "NotebookRead":
		if t := readTarget(ev); t != "" {
			node.Research.FilesRead = append(node.Research.FilesRead, t)
		}
	case "Grep", "Glob":
		if ev.Input.Pattern != "" {
			node.Research.Patterns = append(node.Research.Patterns, ev.Input.Pattern)
		}
	case "Write":
		if t := readTarget(ev); t != "" {
			node.Actions.Creates = append(node.Actions.Creates, t)
		}
	case "Edit", "MultiEdit", "NotebookEdit":
		if t := readTarget(ev); t != "" {
			node.Actions.Edits = append(node.Actions.Edits, t)
		}
	case "Bash":
		cmd := ev.Input.Command
		if ev.Input.Description != "" {
			node.Actions.Commands = append(node.Actions.Commands, ev.Input.Description)
		} else if cmd != "" {
			node.Actions.Commands = append(node.Actions.Commands, Summarize(cmd))
		}
		node.CommitSubjects = append(node.CommitSubjects, CommitSubjects(cmd)...)
	case "AskUserQuestion":
		q := ev.Input.Question
		if q == "" {
			q = ev.Input.Prompt
		}
		if q != "" {
			node.Escalations = append(node.Escalations, q)
		}
	case "EnterPlanMode":
		node.PlanEntered = true
	case "ExitPlanMode":
		node.PlanExited = true
		if ev.Input.Plan != "" {
			node.PlanMarkdown = ev.Input.Plan
		}
	case "TaskCreate":
		title := ev.Input.Title
		if title == "" {
			title = Summarize(ev.Input.Content)
		}
		node.TaskMutations = append(node.TaskMutations, TaskMutation{
			Op:     "create",
			Title:  title,
			Status: "pending",
		})
	case "TaskUpdate":
		node.TaskMutations = append(node.TaskMutations, TaskMutation{
			Op:     "update",
			ID:     ev.Input.TaskID,
			Status: ev.Input.Status,
		})
	}
}

func readTarget(ev rollout.Event) string {
	if ev.Input.FilePath != "" {
		return ev.Input.FilePath
	}
	return ev.Input.Path
}

func isEditTool(name string) bool {
	return name == "Edit" || name == "MultiEdit" || name == "Write" || name == "NotebookEdit"
}

// resolveCreatedTaskID assigns the server-reported id to the most recent
// unresolved task create in the turn.
func resolveCreatedTaskID(node *TurnNode, id string) {
	for i := len(node.TaskMutations) - 1; i >= 0; i-- {
		if node.TaskMutations[i].Op == "create" && node.TaskMutations[i].ID == "" {
			node.TaskMutations[i].ID = id
			return
		}
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
