package sessions

import (
	"github.com/session-observatory/daemon/internal/rollout"
	"github.com/session-observatory/daemon/internal/turns"
)

// accumulator is the per-session carry-forward store. A rollout can be
// truncated and rewritten by context compaction at any point; the
// accumulator folds the pre-compaction epoch into a baseline so the stats
// surfaced externally stay monotone.
type accumulator struct {
	// baseline holds counters summed over completed (compacted-away)
	// epochs.
	baseline Stats

	// epoch holds the running maxima within the current epoch -- the
	// counters of the largest parse seen since the last compaction.
	epoch Stats

	// boundaryCompactions counts truncation events detected by the
	// shrinking-turn-count rule, as opposed to compaction markers seen in
	// the event stream.
	boundaryCompactions int

	// planCycles is the most-advanced cycle set ever observed.
	planCycles []turns.PlanCycle

	// maxCost carries the cost high-water mark across compactions.
	maxCost float64
}

// observe merges a fresh parse into the accumulator and returns the
// externally visible stats and plan cycles.
func (a *accumulator) observe(current Stats, cycles []turns.PlanCycle) (Stats, []turns.PlanCycle) {
	if current.TotalTurns < a.epoch.TotalTurns {
		// Compaction: the rollout shrank. Fold the epoch into the
		// baseline and start over.
		a.foldEpoch()
		a.boundaryCompactions++
	}
	a.epoch = maxStats(a.epoch, current)

	if a.planCycles == nil || turns.MoreAdvanced(cycles, a.planCycles) {
		if len(cycles) > 0 {
			a.planCycles = cycles
		}
	}
	if current.CostUSD > a.maxCost {
		a.maxCost = current.CostUSD
	}

	out := sumStats(a.baseline, a.epoch)
	// A rewritten rollout usually opens with its own compaction marker, so
	// the boundary detector and the marker count witness the same event.
	// Take whichever saw more rather than summing them.
	if a.boundaryCompactions > out.Compactions {
		out.Compactions = a.boundaryCompactions
	}
	out.CostUSD = a.maxCost
	if len(cycles) == 0 {
		cycles = a.planCycles
	} else if turns.MoreAdvanced(a.planCycles, cycles) {
		cycles = a.planCycles
	}
	return out, cycles
}

func (a *accumulator) foldEpoch() {
	a.baseline = sumStats(a.baseline, a.epoch)
	a.epoch = Stats{}
}

// maxStats takes the per-counter maximum of two parses of the same epoch.
// Slices and maps prefer the larger parse's view; tool counts merge by max
// per tool and files union.
func maxStats(prev, cur Stats) Stats {
	out := cur
	out.TotalTurns = maxInt(prev.TotalTurns, cur.TotalTurns)
	out.ToolCalls = maxInt(prev.ToolCalls, cur.ToolCalls)
	out.Commits = maxInt(prev.Commits, cur.Commits)
	out.Compactions = maxInt(prev.Compactions, cur.Compactions)
	out.ErrorTurns = maxInt(prev.ErrorTurns, cur.ErrorTurns)
	out.CorrectionTurns = maxInt(prev.CorrectionTurns, cur.CorrectionTurns)
	out.Usage = maxUsage(prev.Usage, cur.Usage)
	out.ToolCounts = mergeToolCountsMax(prev.ToolCounts, cur.ToolCounts)
	out.FilesChanged = unionFiles(prev.FilesChanged, cur.FilesChanged)
	if len(prev.ErrorTrend) > len(cur.ErrorTrend) {
		out.ErrorTrend = prev.ErrorTrend
	}
	if prev.CostUSD > cur.CostUSD {
		out.CostUSD = prev.CostUSD
	}
	out.Models = mergeModelsMax(prev.Models, cur.Models)
	return out
}

// sumStats combines a completed baseline with the current epoch: counters
// and token usage sum across the compaction boundary, files union, tool
// counts merge by max per tool, and the error trend is the baseline's
// retained history extended with the epoch's.
func sumStats(base, epoch Stats) Stats {
	out := Stats{
		TotalTurns:      base.TotalTurns + epoch.TotalTurns,
		ToolCalls:       base.ToolCalls + epoch.ToolCalls,
		Commits:         base.Commits + epoch.Commits,
		Compactions:     base.Compactions + epoch.Compactions,
		ErrorTurns:      base.ErrorTurns + epoch.ErrorTurns,
		CorrectionTurns: base.CorrectionTurns + epoch.CorrectionTurns,
		CostUSD:         base.CostUSD + epoch.CostUSD,
	}
	out.Usage = base.Usage
	out.Usage.Add(epoch.Usage)
	out.ToolCounts = mergeToolCountsMax(base.ToolCounts, epoch.ToolCounts)
	out.FilesChanged = unionFiles(base.FilesChanged, epoch.FilesChanged)
	out.ErrorTrend = append(append([]bool{}, base.ErrorTrend...), epoch.ErrorTrend...)
	out.Models = mergeModelsMax(base.Models, epoch.Models)
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxUsage(a, b rollout.TokenUsage) rollout.TokenUsage {
	// Usage within an epoch is monotone as the file grows; prefer the
	// larger total.
	if a.TotalContext()+a.OutputTokens > b.TotalContext()+b.OutputTokens {
		return a
	}
	return b
}

func mergeToolCountsMax(a, b map[string]int) map[string]int {
	if len(a) == 0 && len(b) == 0 {
		return map[string]int{}
	}
	out := make(map[string]int, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

func mergeModelsMax(a, b map[string]ModelStats) map[string]ModelStats {
	out := make(map[string]ModelStats, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		e, ok := out[k]
		if !ok {
			out[k] = v
			continue
		}
		// Per-field max: within an epoch each counter is monotone, but
		// two parses can disagree on which field is ahead.
		if v.CostUSD > e.CostUSD {
			e.CostUSD = v.CostUSD
		}
		if v.Tokens > e.Tokens {
			e.Tokens = v.Tokens
		}
		if v.Turns > e.Turns {
			e.Turns = v.Turns
		}
		out[k] = e
	}
	return out
}

func unionFiles(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, f := range list {
			if f == "" || seen[f] {
				continue
			}
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}
