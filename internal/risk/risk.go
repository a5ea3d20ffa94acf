// Package risk scores how likely an agent is to be making things worse
// instead of better: error rates, correction behavior, context pressure,
// and short-window spinning patterns.
package risk

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/session-observatory/daemon/internal/sessions"
)

type Level string

const (
	LevelNominal  Level = "nominal"
	LevelElevated Level = "elevated"
	LevelCritical Level = "critical"
)

// rank orders levels for max aggregation.
func rank(l Level) int {
	switch l {
	case LevelCritical:
		return 2
	case LevelElevated:
		return 1
	default:
		return 0
	}
}

func maxLevel(a, b Level) Level {
	if rank(a) >= rank(b) {
		return a
	}
	return b
}

// Signal is one detected spinning pattern.
type Signal struct {
	Kind   string `json:"kind"` // error_loop | file_churn | repeated_tool | stuck | stall
	Level  Level  `json:"level"`
	Detail string `json:"detail,omitempty"`
}

// Hotspot is a file with an unusual edit count.
type Hotspot struct {
	File  string `json:"file"`
	Count int    `json:"count"`
}

// Assessment is the per-agent risk verdict.
type Assessment struct {
	Overall          Level     `json:"overall"`
	ErrorRate        float64   `json:"errorRate"`
	CorrectionRatio  float64   `json:"correctionRatio"`
	ContextProximity Level     `json:"contextProximity"`
	AvgInputTokens   int       `json:"avgInputTokens"`
	Hotspots         []Hotspot `json:"hotspots,omitempty"`
	Signals          []Signal  `json:"signals,omitempty"`
	Stalled          bool      `json:"stalled,omitempty"`
}

// Window sizes and thresholds from the scoring model. The retry-spin tool
// subset excludes Edit/Write and meta tools: re-editing a file is normal
// iteration, re-running the same search or command is not.
const (
	spinWindow        = 10
	repeatWindow      = 5
	proximityWindow   = 5
	proximityCritical = 150_000
	proximityElevated = 100_000
	hotspotThreshold  = 3
	hotspotLimit      = 10
)

var retrySpinTools = map[string]bool{
	"Bash":      true,
	"Read":      true,
	"Grep":      true,
	"Glob":      true,
	"WebFetch":  true,
	"WebSearch": true,
}

// Assess scores one session. Error-trend and counter inputs come from the
// accumulator-merged stats so compactions do not reset the picture; the
// short-window signals use the current parse's turns.
func Assess(s *sessions.Session) Assessment {
	a := Assessment{Overall: LevelNominal, ContextProximity: LevelNominal, CorrectionRatio: 1}
	stats := s.Stats

	if stats.TotalTurns > 0 {
		a.ErrorRate = float64(stats.ErrorTurns) / float64(stats.TotalTurns)
	}
	if stats.ErrorTurns > 0 {
		a.CorrectionRatio = float64(stats.CorrectionTurns) / float64(stats.ErrorTurns)
	}

	a.AvgInputTokens = avgInputTokens(s)
	switch {
	case a.AvgInputTokens >= proximityCritical:
		a.ContextProximity = LevelCritical
	case a.AvgInputTokens >= proximityElevated:
		a.ContextProximity = LevelElevated
	}

	a.Hotspots = hotspots(s)
	a.Signals = spinningSignals(s, stats)
	a.Overall = overall(a, stats)
	return a
}

// InjectStall raises the assessment when the rollout has gone silent while
// the process is still alive.
func InjectStall(a *Assessment, silentFor time.Duration, processAlive bool) {
	if !processAlive {
		return
	}
	var level Level
	switch {
	case silentFor >= 15*time.Minute:
		level = LevelCritical
	case silentFor >= 5*time.Minute:
		level = LevelElevated
	default:
		return
	}
	a.Stalled = true
	a.Signals = append(a.Signals, Signal{
		Kind:   "stall",
		Level:  level,
		Detail: fmt.Sprintf("no rollout activity for %s", silentFor.Round(time.Minute)),
	})
	a.Overall = maxLevel(a.Overall, level)
}

func avgInputTokens(s *sessions.Session) int {
	n := len(s.Turns)
	if n == 0 {
		return 0
	}
	start := n - proximityWindow
	if start < 0 {
		start = 0
	}
	total, count := 0, 0
	for _, t := range s.Turns[start:] {
		total += t.Usage.TotalContext()
		count++
	}
	return total / count
}

func hotspots(s *sessions.Session) []Hotspot {
	counts := make(map[string]int)
	for _, t := range s.Turns {
		for _, f := range t.Actions.Edits {
			counts[f]++
		}
		for _, f := range t.Actions.Creates {
			counts[f]++
		}
	}
	var out []Hotspot
	for f, c := range counts {
		if c >= hotspotThreshold {
			out = append(out, Hotspot{File: f, Count: c})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].File < out[j].File
	})
	if len(out) > hotspotLimit {
		out = out[:hotspotLimit]
	}
	return out
}

func spinningSignals(s *sessions.Session, stats sessions.Stats) []Signal {
	var signals []Signal

	// error_loop: consecutive error turns at the tail of the trend, which
	// the accumulator extends across compactions.
	trend := stats.ErrorTrend
	if len(trend) > spinWindow {
		trend = trend[len(trend)-spinWindow:]
	}
	maxRun, run := 0, 0
	for _, isErr := range trend {
		if isErr {
			run++
			if run > maxRun {
				maxRun = run
			}
		} else {
			run = 0
		}
	}
	if maxRun >= 3 {
		level := LevelElevated
		if maxRun >= 5 {
			level = LevelCritical
		}
		signals = append(signals, Signal{
			Kind:   "error_loop",
			Level:  level,
			Detail: fmt.Sprintf("%d consecutive error turns", maxRun),
		})
	}

	window := s.Turns
	if len(window) > spinWindow {
		window = window[len(window)-spinWindow:]
	}

	// file_churn: the same file edited over and over in the window.
	churn := make(map[string]int)
	for _, t := range window {
		for _, f := range t.Actions.Edits {
			churn[f]++
		}
	}
	for f, c := range churn {
		if c >= 5 {
			level := LevelElevated
			if c >= 8 {
				level = LevelCritical
			}
			signals = append(signals, Signal{
				Kind:   "file_churn",
				Level:  level,
				Detail: fmt.Sprintf("%s edited %d times", f, c),
			})
			break
		}
	}

	// repeated_tool: the same (tool, target) pair dominating the last
	// turns, restricted to tools that indicate retry-spin.
	repeatTurns := s.Turns
	if len(repeatTurns) > repeatWindow {
		repeatTurns = repeatTurns[len(repeatTurns)-repeatWindow:]
	}
	pairs := make(map[string]int)
	for _, t := range repeatTurns {
		for _, tt := range t.ToolTargets {
			if !retrySpinTools[tt.Tool] || tt.Target == "" {
				continue
			}
			pairs[tt.Tool+"\x00"+tt.Target]++
		}
	}
	for key, c := range pairs {
		if c >= 4 {
			tool := key[:strings.IndexByte(key, '\x00')]
			signals = append(signals, Signal{
				Kind:   "repeated_tool",
				Level:  LevelElevated,
				Detail: fmt.Sprintf("%s repeated %d times on the same target", tool, c),
			})
			break
		}
	}

	// stuck: errors piling up with nothing landing.
	windowErrors, windowCommits := 0, 0
	for _, t := range window {
		if t.HasError {
			windowErrors++
		}
		if t.HasCommit {
			windowCommits++
		}
	}
	if windowErrors >= 5 && windowCommits == 0 {
		signals = append(signals, Signal{
			Kind:   "stuck",
			Level:  LevelCritical,
			Detail: fmt.Sprintf("%d error turns, no commits", windowErrors),
		})
	}

	return signals
}

func overall(a Assessment, stats sessions.Stats) Level {
	level := LevelNominal
	for _, sig := range a.Signals {
		level = maxLevel(level, sig.Level)
	}
	if level == LevelCritical {
		return level
	}

	if stats.TotalTurns >= 6 && a.ErrorRate > 0.35 && a.CorrectionRatio < 0.40 {
		return LevelCritical
	}
	if a.ContextProximity == LevelCritical {
		return LevelCritical
	}

	switch {
	case level == LevelElevated,
		a.ErrorRate > 0.20,
		a.CorrectionRatio < 0.40 && a.ErrorRate > 0.10,
		a.ContextProximity == LevelElevated:
		return maxLevel(level, LevelElevated)
	}
	return level
}

// WorkstreamRisk aggregates the active agents of one project.
type WorkstreamRisk struct {
	Overall       Level   `json:"overall"`
	MeanErrorRate float64 `json:"meanErrorRate"`
	TotalTokens   int     `json:"totalTokens"`
}

// ForWorkstream rolls up agent assessments: max of overall risks, mean of
// error rates, sum of context tokens.
func ForWorkstream(assessments []Assessment, tokens []int) WorkstreamRisk {
	wr := WorkstreamRisk{Overall: LevelNominal}
	if len(assessments) == 0 {
		return wr
	}
	sum := 0.0
	for i, a := range assessments {
		wr.Overall = maxLevel(wr.Overall, a.Overall)
		sum += a.ErrorRate
		if i < len(tokens) {
			wr.TotalTokens += tokens[i]
		}
	}
	wr.MeanErrorRate = sum / float64(len(assessments))
	return wr
}
