package turns

import (
	"fmt"
	"strings"
	"time"
)

// Plan cycle statuses, in order of advancement.
const (
	PlanDrafting     = "drafting"
	PlanRejectedStat = "rejected"
	PlanImplementing = "implementing"
	PlanCompleted    = "completed"
)

// PlanTask is one tracked task inside a plan cycle.
type PlanTask struct {
	ID     string `json:"id,omitempty"`
	Title  string `json:"title"`
	Status string `json:"status"` // pending | in_progress | completed
}

// TaskCounts summarizes a cycle's task list.
type TaskCounts struct {
	Total      int `json:"total"`
	InProgress int `json:"inProgress"`
	Completed  int `json:"completed"`
}

// PlanCycle is one observed plan: entered (or directly approved), possibly
// rejected, then implemented through task mutations.
type PlanCycle struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"sessionId"`
	Status     string     `json:"status"`
	Timestamp  time.Time  `json:"timestamp"`
	Title      string     `json:"title"`
	TaskCounts TaskCounts `json:"taskCounts"`
	DurationMs int64      `json:"durationMs"`
	Markdown   string     `json:"markdown,omitempty"`
	Tasks      []PlanTask `json:"tasks,omitempty"`
	TurnIndex  int        `json:"turnIndex"`
}

// ExtractPlanCycles walks a session's turns and assembles plan cycles.
// Cycle ids are deterministic (plan-<session>-<turn>) so re-derivation
// across ticks is stable.
func ExtractPlanCycles(sessionID string, nodes []TurnNode) []PlanCycle {
	var cycles []PlanCycle
	var open *PlanCycle
	taskIndex := make(map[string]int) // task id -> index in open.Tasks

	closeOpen := func(endTime time.Time) {
		if open == nil {
			return
		}
		if !endTime.IsZero() && !open.Timestamp.IsZero() && endTime.After(open.Timestamp) {
			open.DurationMs = endTime.Sub(open.Timestamp).Milliseconds()
		}
		open.TaskCounts = countTasks(open.Tasks)
		if open.Status == PlanImplementing && open.TaskCounts.Total > 0 &&
			open.TaskCounts.Completed == open.TaskCounts.Total {
			open.Status = PlanCompleted
		}
		cycles = append(cycles, *open)
		open = nil
		taskIndex = make(map[string]int)
	}

	var lastTime time.Time
	for i := range nodes {
		node := &nodes[i]
		if !node.Timestamp.IsZero() {
			lastTime = node.Timestamp
		}

		if node.PlanEntered {
			closeOpen(node.Timestamp)
			open = &PlanCycle{
				ID:        fmt.Sprintf("plan-%s-%d", sessionID, node.Index),
				SessionID: sessionID,
				Status:    PlanDrafting,
				Timestamp: node.Timestamp,
				TurnIndex: node.Index,
			}
		}

		if node.PlanExited {
			if open == nil {
				// Approved plan without an observed enter (pre-compaction
				// enter, or host-attached markdown).
				open = &PlanCycle{
					ID:        fmt.Sprintf("plan-%s-%d", sessionID, node.Index),
					SessionID: sessionID,
					Timestamp: node.Timestamp,
					TurnIndex: node.Index,
				}
			}
			if node.PlanMarkdown != "" {
				open.Markdown = node.PlanMarkdown
				open.Title = planTitle(node.PlanMarkdown)
			}
			if node.PlanRejected {
				open.Status = PlanRejectedStat
				closeOpen(node.Timestamp)
			} else {
				open.Status = PlanImplementing
			}
		}

		if open != nil && open.Status == PlanImplementing {
			for _, tm := range node.TaskMutations {
				switch tm.Op {
				case "create":
					open.Tasks = append(open.Tasks, PlanTask{ID: tm.ID, Title: tm.Title, Status: tm.Status})
					if tm.ID != "" {
						taskIndex[tm.ID] = len(open.Tasks) - 1
					}
				case "update":
					if idx, ok := taskIndex[tm.ID]; ok {
						if tm.Status != "" {
							open.Tasks[idx].Status = tm.Status
						}
					}
				}
			}
		}
	}
	closeOpen(lastTime)
	return cycles
}

func countTasks(tasks []PlanTask) TaskCounts {
	var c TaskCounts
	c.Total = len(tasks)
	for _, t := range tasks {
		switch t.Status {
		case "completed", "done":
			c.Completed++
		case "in_progress":
			c.InProgress++
		}
	}
	return c
}

// planTitle takes the first markdown heading, or the first non-empty line.
func planTitle(markdown string) string {
	for _, line := range strings.Split(markdown, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		return strings.TrimSpace(strings.TrimLeft(line, "# "))
	}
	return ""
}

// advancement ranks plan statuses so the accumulator can keep the
// most-advanced cycle set across compactions.
func advancement(status string) int {
	switch status {
	case PlanCompleted:
		return 3
	case PlanImplementing:
		return 2
	case PlanRejectedStat:
		return 1
	default:
		return 0
	}
}

// MoreAdvanced reports whether cycle set a is strictly more advanced than
// b: more cycles wins; on equal count, the higher summed advancement wins.
func MoreAdvanced(a, b []PlanCycle) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	sum := func(cs []PlanCycle) int {
		total := 0
		for _, c := range cs {
			total += advancement(c.Status) + c.TaskCounts.Completed
		}
		return total
	}
	return sum(a) > sum(b)
}
