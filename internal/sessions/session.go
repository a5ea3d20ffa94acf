package sessions

import (
	"time"

	"github.com/session-observatory/daemon/internal/rollout"
	"github.com/session-observatory/daemon/internal/turns"
)

// Session is one parsed rollout with externally-visible stats already
// merged through the accumulator.
type Session struct {
	ID          string            `json:"id"`
	ProjectPath string            `json:"projectPath"`
	Family      rollout.Family    `json:"agentFamily"`
	RolloutPath string            `json:"rolloutPath"`
	CreatedAt   time.Time         `json:"createdAt"`
	ModifiedAt  time.Time         `json:"modifiedAt"`
	SizeBytes   int64             `json:"sizeBytes"`
	OperatorID  string            `json:"operatorId,omitempty"`
	Turns       []turns.TurnNode  `json:"turns"`
	PlanCycles  []turns.PlanCycle `json:"planCycles,omitempty"`
	Stats       Stats             `json:"stats"`
}

// ModelStats aggregates per-model cost and volume.
type ModelStats struct {
	CostUSD float64 `json:"costUsd"`
	Tokens  int     `json:"tokens"`
	Turns   int     `json:"turns"`
}

// Stats is the carry-forward-safe view of a session's counters. After a
// compaction these are accumulated baseline plus current delta, so every
// monotone counter is non-decreasing over time.
type Stats struct {
	TotalTurns      int `json:"totalTurns"`
	ToolCalls       int `json:"toolCalls"`
	Commits         int `json:"commits"`
	Compactions     int `json:"compactions"`
	ErrorTurns      int `json:"errorTurns"`
	CorrectionTurns int `json:"correctionTurns"`

	Usage        rollout.TokenUsage    `json:"tokenUsage"`
	FilesChanged []string              `json:"filesChanged,omitempty"`
	ToolCounts   map[string]int        `json:"toolCounts,omitempty"`
	ErrorTrend   []bool                `json:"errorTrend,omitempty"`
	CostUSD      float64               `json:"costUsd"`
	Models       map[string]ModelStats `json:"models,omitempty"`
}

// rawStats computes a single parse's counters, before accumulator merge.
// Claude turns carry per-turn usage and sum directly; Codex turns carry
// the provider's cumulative counters, so the spend attributable to one
// turn is the step from the previous snapshot and the session total is
// the last snapshot.
func rawStats(family rollout.Family, nodes []turns.TurnNode) Stats {
	s := Stats{
		ToolCounts: make(map[string]int),
		Models:     make(map[string]ModelStats),
	}
	s.TotalTurns = len(nodes)
	seenFiles := make(map[string]bool)

	var prevCum rollout.TokenUsage
	for _, n := range nodes {
		s.ToolCalls += n.ToolCalls
		if n.HasCommit {
			s.Commits++
		}
		if n.HasCompaction {
			s.Compactions++
		}
		if n.HasError {
			s.ErrorTurns++
		}
		if resolvedCorrections(n) > 0 {
			s.CorrectionTurns++
		}
		turnUsage := n.Usage
		if family == rollout.FamilyCodex {
			turnUsage = usageStep(prevCum, n.Usage)
			if !n.Usage.IsZero() {
				prevCum = n.Usage
			}
		} else {
			s.Usage.Add(turnUsage)
		}
		s.ErrorTrend = append(s.ErrorTrend, n.HasError)
		for tool, count := range n.ToolCounts {
			s.ToolCounts[tool] += count
		}
		for _, f := range n.FilesChanged {
			if !seenFiles[f] {
				seenFiles[f] = true
				s.FilesChanged = append(s.FilesChanged, f)
			}
		}

		cost := CostForTurn(n.Model, turnUsage)
		s.CostUSD += cost
		if n.Model != "" {
			m := s.Models[n.Model]
			m.CostUSD += cost
			m.Tokens += turnUsage.TotalContext() + turnUsage.OutputTokens
			m.Turns++
			s.Models[n.Model] = m
		}
	}
	if family == rollout.FamilyCodex {
		s.Usage = prevCum
	}
	return s
}

// usageStep returns cur minus prev per bucket. A counter that moved
// backwards means the provider reset it, so cur stands on its own.
func usageStep(prev, cur rollout.TokenUsage) rollout.TokenUsage {
	step := rollout.TokenUsage{
		InputTokens:              cur.InputTokens - prev.InputTokens,
		CacheCreationInputTokens: cur.CacheCreationInputTokens - prev.CacheCreationInputTokens,
		CacheReadInputTokens:     cur.CacheReadInputTokens - prev.CacheReadInputTokens,
		OutputTokens:             cur.OutputTokens - prev.OutputTokens,
	}
	if step.InputTokens < 0 || step.CacheCreationInputTokens < 0 ||
		step.CacheReadInputTokens < 0 || step.OutputTokens < 0 {
		return cur
	}
	return step
}

func resolvedCorrections(n turns.TurnNode) int {
	count := 0
	for _, c := range n.Corrections {
		if c.Resolved {
			count++
		}
	}
	return count
}
