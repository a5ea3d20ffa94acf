// Package procwatch inspects running agent CLI processes. Active-session
// detection is load-bearing but OS-dependent, so it lives behind a small
// interface with a deterministic fake for tests.
package procwatch

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/session-observatory/daemon/internal/rollout"
)

// AgentProcess is one running agent CLI process.
type AgentProcess struct {
	PID       int32
	Cwd       string
	OpenFiles []string
}

// Inspector lists the running processes of an agent family. On failure
// implementations return an empty slice; active detection degrades
// gracefully.
type Inspector interface {
	ListRunningAgents(ctx context.Context, family rollout.Family) ([]AgentProcess, error)
}

// defaultBudget bounds every process-table walk unless configured.
const defaultBudget = 5 * time.Second

// PSInspector implements Inspector over gopsutil.
type PSInspector struct {
	budget time.Duration
}

func NewPSInspector(budget time.Duration) *PSInspector {
	if budget <= 0 {
		budget = defaultBudget
	}
	return &PSInspector{budget: budget}
}

func (p *PSInspector) ListRunningAgents(ctx context.Context, family rollout.Family) ([]AgentProcess, error) {
	ctx, cancel := context.WithTimeout(ctx, p.budget)
	defer cancel()

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	var results []AgentProcess
	for _, proc := range procs {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		cmdline, err := proc.CmdlineSliceWithContext(ctx)
		if err != nil || !matchesFamily(cmdline, family) {
			continue
		}
		cwd, err := proc.CwdWithContext(ctx)
		if err != nil || cwd == "" {
			continue
		}
		ap := AgentProcess{PID: proc.Pid, Cwd: cwd}
		// Open descriptors pin a process to a specific rollout file. Best
		// effort: some platforms need elevated rights for other users'
		// fd tables.
		if files, err := proc.OpenFilesWithContext(ctx); err == nil {
			for _, f := range files {
				if strings.HasSuffix(f.Path, ".jsonl") {
					ap.OpenFiles = append(ap.OpenFiles, f.Path)
				}
			}
		}
		results = append(results, ap)
	}
	return results, nil
}

// matchesFamily identifies an agent CLI from its argv. The CLIs run either
// as their own binary or as a script under node.
func matchesFamily(cmdline []string, family rollout.Family) bool {
	if len(cmdline) == 0 {
		return false
	}
	exe := filepath.Base(cmdline[0])
	switch family {
	case rollout.FamilyClaude:
		if exe == "claude" || exe == "claude-code" {
			return true
		}
		return isNodeScript(exe, cmdline, "claude")
	case rollout.FamilyCodex:
		if exe == "codex" {
			return true
		}
		return isNodeScript(exe, cmdline, "codex")
	}
	return false
}

func isNodeScript(exe string, cmdline []string, name string) bool {
	if exe != "node" && exe != "bun" {
		return false
	}
	for _, arg := range cmdline[1:] {
		base := filepath.Base(arg)
		if base == name || strings.HasPrefix(base, name+".") {
			return true
		}
	}
	return false
}

// FakeInspector is a deterministic Inspector for tests and for driving the
// pipeline without process enumeration.
type FakeInspector struct {
	Procs map[rollout.Family][]AgentProcess
	Err   error
}

func (f *FakeInspector) ListRunningAgents(_ context.Context, family rollout.Family) ([]AgentProcess, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Procs[family], nil
}
