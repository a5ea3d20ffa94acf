// Package demo synthesizes rollout files so the daemon can be driven
// without live agents. The generator appends real Claude- and Codex-format
// JSONL under a scratch root on a fixed cadence; discovery, parsing, and
// derivation then run exactly as they would against genuine sessions.
package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/session-observatory/daemon/internal/procwatch"
	"github.com/session-observatory/daemon/internal/rollout"
)

const tickInterval = 2 * time.Second

// Generator owns the scratch rollout trees and the scripted sessions that
// grow inside them.
type Generator struct {
	roots   rollout.Roots
	procs   map[rollout.Family][]procwatch.AgentProcess
	scripts []*script
}

// step produces one JSONL line, or "" to leave the file untouched for a
// tick. seq is the script's monotonic step counter, used for tool-call ids
// and token growth.
type step func(now time.Time, seq int) string

// script is one synthetic session. When restart is >= 0 the script rewinds
// there after the last step, so the session keeps moving for as long as
// the demo runs; -1 parks it (and, after a while, demonstrates a stall).
type script struct {
	path    string
	steps   []step
	next    int
	restart int
	seq     int
}

func (s *script) tick(now time.Time) error {
	if s.next >= len(s.steps) {
		if s.restart < 0 {
			return nil
		}
		s.next = s.restart
	}
	line := s.steps[s.next](now, s.seq)
	s.next++
	s.seq++
	if line == "" {
		return nil
	}
	return appendLine(s.path, line)
}

// New lays out a fresh demo workspace under root. Any previous demo state
// there is discarded; root is private to the daemon.
func New(root string) (*Generator, error) {
	if err := os.RemoveAll(root); err != nil {
		return nil, fmt.Errorf("clearing demo root: %w", err)
	}

	ws := filepath.Join(root, "ws")
	alpha := filepath.Join(ws, "indexer")
	beta := filepath.Join(ws, "uplink")
	gamma := filepath.Join(ws, "sidecar")
	delta := filepath.Join(ws, "soaker")
	for _, dir := range []string{alpha, beta, gamma, delta} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating demo workspace: %w", err)
		}
	}

	claudeRoot := filepath.Join(root, "claude")
	codexRoot := filepath.Join(root, "codex")

	sharedFile := filepath.Join(alpha, "scan.go")

	refactor := claudeScript{id: "demo-refactor", cwd: alpha, model: "claude-opus-4-5-20251101"}
	refactorPath, err := claudeRolloutPath(claudeRoot, alpha, refactor.id)
	if err != nil {
		return nil, err
	}

	planner := claudeScript{id: "demo-planner", cwd: beta, model: "claude-sonnet-4-5-20250929"}
	plannerPath, err := claudeRolloutPath(claudeRoot, beta, planner.id)
	if err != nil {
		return nil, err
	}

	collider := claudeScript{id: "demo-collider", cwd: gamma, model: "claude-sonnet-4-5-20250929"}
	colliderPath, err := claudeRolloutPath(claudeRoot, gamma, collider.id)
	if err != nil {
		return nil, err
	}

	cx := codexScript{id: "demo-codex", cwd: delta}
	codexPath, err := codexRolloutPath(codexRoot, cx.id)
	if err != nil {
		return nil, err
	}

	g := &Generator{
		roots: rollout.Roots{Claude: claudeRoot, Codex: codexRoot},
		scripts: []*script{
			// A steady refactor loop: read, edit, commit, repeat.
			{path: refactorPath, restart: 1, steps: []step{
				refactor.user("tighten up the indexer hot path"),
				refactor.assistant("Reading the scan loop first.", 12000,
					tool("Read", map[string]any{"file_path": sharedFile})),
				refactor.result("package indexer // 140 lines"),
				refactor.assistant("Hoisting the allocation out of the loop.", 28000,
					tool("Edit", map[string]any{"file_path": sharedFile})),
				refactor.result("ok"),
				refactor.assistant("Committing.", 31000,
					tool("Bash", map[string]any{
						"command":     `git commit -am "hoist allocation out of scan loop"`,
						"description": "Commit the change",
					})),
				refactor.result("[main 3f2a91c] hoist allocation out of scan loop"),
			}},
			// A plan that gets approved and half-implemented, then parks:
			// shows plan history, completion ratio, and eventually a stall.
			{path: plannerPath, restart: -1, steps: []step{
				planner.user("plan the uplink retry work"),
				planner.assistant("Drafting a plan.", 9000,
					tool("ExitPlanMode", map[string]any{
						"plan": "# Uplink retries\n\n- exponential backoff\n- jitter\n- regression tests",
					})),
				planner.result("User has approved your plan."),
				planner.assistant("Tracking the work.", 11000,
					tool("TaskCreate", map[string]any{
						"title":   "Add exponential backoff",
						"content": "Grow the retry delay between dials.",
					})),
				planner.result("Task #1 created successfully"),
				planner.assistant("", 11500,
					tool("TaskCreate", map[string]any{
						"title":   "Add jitter",
						"content": "Randomize the delay to avoid thundering herds.",
					})),
				planner.result("Task #2 created successfully"),
				planner.assistant("Backoff is in.", 14000,
					tool("TaskUpdate", map[string]any{"task_id": "1", "status": "completed"})),
				planner.result("ok"),
				planner.assistant("Jitter next.", 15000,
					tool("TaskUpdate", map[string]any{"task_id": "2", "status": "in_progress"})),
				planner.result("ok"),
			}},
			// A second session repeatedly editing the refactor session's
			// file from another project: a cross-project collision.
			{path: colliderPath, restart: 1, steps: []step{
				collider.user("sync the shared scan loop into the sidecar"),
				collider.assistant("Pulling the loop over.", 16000,
					tool("Read", map[string]any{"file_path": sharedFile})),
				collider.result("package indexer // 140 lines"),
				collider.assistant("Adapting it in place.", 22000,
					tool("Edit", map[string]any{"file_path": sharedFile})),
				collider.result("ok"),
			}},
			// A Codex session whose context keeps growing and whose first
			// test run fails: error turns, a correction, and rising
			// compaction risk.
			{path: codexPath, restart: 2, steps: []step{
				cx.meta(),
				cx.turnContext("gpt-5.1-codex"),
				cx.turnStarted(),
				cx.userMessage("run the soak tests and fix what breaks"),
				cx.shell("go test ./... -run Soak"),
				cx.execResult("--- FAIL: TestSoakReconnect (12.04s)", 1),
				cx.tokenCount(),
				cx.agentMessage("The reconnect fixture leaks a listener; patching it."),
				cx.turnComplete(),
				cx.turnStarted(),
				cx.patch(),
				cx.execResult("Done.", 0),
				cx.tokenCount(),
				cx.agentMessage("Soak tests pass now."),
				cx.turnComplete(),
			}},
		},
	}

	g.procs = map[rollout.Family][]procwatch.AgentProcess{
		rollout.FamilyClaude: {
			{PID: 910001, Cwd: alpha, OpenFiles: []string{refactorPath}},
			{PID: 910002, Cwd: beta, OpenFiles: []string{plannerPath}},
			{PID: 910003, Cwd: gamma, OpenFiles: []string{colliderPath}},
		},
		rollout.FamilyCodex: {
			{PID: 910004, Cwd: delta, OpenFiles: []string{codexPath}},
		},
	}
	return g, nil
}

// Roots returns the scratch rollout roots the discoverer should watch
// instead of the real agent directories.
func (g *Generator) Roots() rollout.Roots { return g.roots }

// Inspector returns a process inspector claiming one running agent per
// scripted session, keeping them active without real CLI processes.
func (g *Generator) Inspector() procwatch.Inspector {
	return &procwatch.FakeInspector{Procs: g.procs}
}

// Tick advances every script by one step.
func (g *Generator) Tick(now time.Time) error {
	var firstErr error
	for _, s := range g.scripts {
		if err := s.tick(now); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Run advances the scripts on a fixed cadence until the context ends.
func (g *Generator) Run(ctx context.Context) {
	t := time.NewTicker(tickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if err := g.Tick(now); err != nil {
				log.Printf("[demo] append failed: %v", err)
			}
		}
	}
}

func claudeRolloutPath(claudeRoot, project, sessionID string) (string, error) {
	dir := filepath.Join(claudeRoot, "projects", rollout.EncodeProjectPath(project))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating demo rollout dir: %w", err)
	}
	return filepath.Join(dir, sessionID+".jsonl"), nil
}

func codexRolloutPath(codexRoot, sessionID string) (string, error) {
	now := time.Now()
	dir := filepath.Join(codexRoot, "sessions", now.Format("2006"), now.Format("01"), now.Format("02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating demo rollout dir: %w", err)
	}
	name := fmt.Sprintf("rollout-%s-%s.jsonl", now.Format("2006-01-02T15-04-05"), sessionID)
	return filepath.Join(dir, name), nil
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

func stamp(now time.Time) string {
	return now.UTC().Format(time.RFC3339Nano)
}

func marshalLine(v map[string]any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// claudeScript builds Claude-envelope steps for one session.
type claudeScript struct {
	id    string
	cwd   string
	model string
}

type toolCall struct {
	name  string
	input map[string]any
}

func tool(name string, input map[string]any) toolCall {
	return toolCall{name: name, input: input}
}

func (c claudeScript) user(text string) step {
	return func(now time.Time, _ int) string {
		return marshalLine(map[string]any{
			"type":      "user",
			"sessionId": c.id,
			"cwd":       c.cwd,
			"timestamp": stamp(now),
			"message":   map[string]any{"role": "user", "content": text},
		})
	}
}

// assistant emits a message with at most one tool call, whose id embeds
// seq so the following result step can reference it.
func (c claudeScript) assistant(text string, inputTokens int, tools ...toolCall) step {
	return func(now time.Time, seq int) string {
		var content []any
		if text != "" {
			content = append(content, map[string]any{"type": "text", "text": text})
		}
		for _, tc := range tools {
			content = append(content, map[string]any{
				"type":  "tool_use",
				"name":  tc.name,
				"id":    fmt.Sprintf("tu-%s-%d", c.id, seq),
				"input": tc.input,
			})
		}
		return marshalLine(map[string]any{
			"type":      "assistant",
			"sessionId": c.id,
			"timestamp": stamp(now),
			"message": map[string]any{
				"role":    "assistant",
				"model":   c.model,
				"content": content,
				"usage": map[string]any{
					"input_tokens":            inputTokens,
					"output_tokens":           400,
					"cache_read_input_tokens": inputTokens / 3,
				},
			},
		})
	}
}

// result pairs with the tool call of the immediately preceding step.
func (c claudeScript) result(text string) step {
	return func(now time.Time, seq int) string {
		return marshalLine(map[string]any{
			"type":      "user",
			"sessionId": c.id,
			"timestamp": stamp(now),
			"message": map[string]any{
				"role": "user",
				"content": []any{map[string]any{
					"type":        "tool_result",
					"tool_use_id": fmt.Sprintf("tu-%s-%d", c.id, seq-1),
					"content":     text,
				}},
			},
		})
	}
}

// codexScript builds Codex-envelope steps for one session.
type codexScript struct {
	id  string
	cwd string
}

func codexLine(now time.Time, typ string, payload map[string]any) string {
	return marshalLine(map[string]any{
		"timestamp": stamp(now),
		"type":      typ,
		"payload":   payload,
	})
}

func (c codexScript) meta() step {
	return func(now time.Time, _ int) string {
		return codexLine(now, "session_meta", map[string]any{"id": c.id, "cwd": c.cwd})
	}
}

func (c codexScript) turnContext(model string) step {
	return func(now time.Time, _ int) string {
		return codexLine(now, "turn_context", map[string]any{"model": model})
	}
}

func (c codexScript) turnStarted() step {
	return func(now time.Time, _ int) string {
		return codexLine(now, "event_msg", map[string]any{"type": "turn_started"})
	}
}

func (c codexScript) turnComplete() step {
	return func(now time.Time, _ int) string {
		return codexLine(now, "event_msg", map[string]any{"type": "turn_complete"})
	}
}

func (c codexScript) userMessage(text string) step {
	return func(now time.Time, _ int) string {
		return codexLine(now, "event_msg", map[string]any{"type": "user_message", "message": text})
	}
}

func (c codexScript) agentMessage(text string) step {
	return func(now time.Time, _ int) string {
		return codexLine(now, "event_msg", map[string]any{"type": "agent_message", "message": text})
	}
}

func (c codexScript) shell(command string) step {
	return func(now time.Time, seq int) string {
		args, _ := json.Marshal(map[string]any{"command": []string{"bash", "-lc", command}})
		return codexLine(now, "response_item", map[string]any{
			"type":      "function_call",
			"name":      "shell",
			"call_id":   fmt.Sprintf("call-%s-%d", c.id, seq),
			"arguments": string(args),
		})
	}
}

func (c codexScript) patch() step {
	return func(now time.Time, seq int) string {
		args, _ := json.Marshal(map[string]any{"path": filepath.Join(c.cwd, "soak_test.go")})
		return codexLine(now, "response_item", map[string]any{
			"type":      "function_call",
			"name":      "apply_patch",
			"call_id":   fmt.Sprintf("call-%s-%d", c.id, seq),
			"arguments": string(args),
		})
	}
}

func (c codexScript) execResult(content string, exitCode int) step {
	return func(now time.Time, seq int) string {
		return codexLine(now, "response_item", map[string]any{
			"type":    "function_call_output",
			"call_id": fmt.Sprintf("call-%s-%d", c.id, seq-1),
			"output": map[string]any{
				"content":  content,
				"metadata": map[string]any{"exit_code": exitCode},
			},
		})
	}
}

// tokenCount reports a context that grows with every pass through the
// script, eventually demonstrating compaction-proximity risk.
func (c codexScript) tokenCount() step {
	return func(now time.Time, seq int) string {
		input := 40000 + seq*7000
		if input > 196000 {
			input = 196000
		}
		return codexLine(now, "event_msg", map[string]any{
			"type": "token_count",
			"info": map[string]any{
				"total_token_usage": map[string]any{
					"input_tokens":        input,
					"cached_input_tokens": input / 2,
					"output_tokens":       1200,
				},
			},
		})
	}
}
