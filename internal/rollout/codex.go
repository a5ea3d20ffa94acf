package rollout

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"strings"
)

// codexEntry is the envelope of a Codex-family rollout line:
// {"timestamp":..., "type":..., "payload":{...}}.
type codexEntry struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// codexPayload is the union of payload fields across the record types the
// parser recognizes. Codex tags event_msg and response_item payloads with
// their own inner "type".
type codexPayload struct {
	Type string `json:"type"`

	// session_meta
	ID  string `json:"id"`
	Cwd string `json:"cwd"`

	// turn_context
	Model string `json:"model"`

	// user_message / agent_message
	Message string `json:"message"`

	// agent_reasoning
	Text string `json:"text"`

	// function_call
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	CallID    string `json:"call_id"`

	// function_call_output
	Output codexOutput `json:"output"`

	// token_count
	Info *codexTokenInfo `json:"info"`

	// message (response_item form) content blocks
	Content json.RawMessage `json:"content"`
	Role    string          `json:"role"`
}

type codexTokenInfo struct {
	TotalTokenUsage *codexUsage `json:"total_token_usage"`
	LastTokenUsage  *codexUsage `json:"last_token_usage"`
}

type codexUsage struct {
	InputTokens           int `json:"input_tokens"`
	CachedInputTokens     int `json:"cached_input_tokens"`
	OutputTokens          int `json:"output_tokens"`
	ReasoningOutputTokens int `json:"reasoning_output_tokens"`
}

// codexOutput tolerates both shapes of function_call_output: a bare string
// or {"content": "...", "success": bool, "metadata": {"exit_code": n}}.
type codexOutput struct {
	Content  string
	Success  *bool
	ExitCode *int
}

func (o *codexOutput) UnmarshalJSON(data []byte) error {
	var s string
	if json.Unmarshal(data, &s) == nil {
		o.Content = s
		return nil
	}
	var obj struct {
		Content  string `json:"content"`
		Success  *bool  `json:"success"`
		Metadata struct {
			ExitCode *int `json:"exit_code"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil // unknown shape, leave zero value
	}
	o.Content = obj.Content
	o.Success = obj.Success
	o.ExitCode = obj.Metadata.ExitCode
	return nil
}

// ParseCodexFile reads a full Codex-family rollout and returns its
// normalized event stream.
func ParseCodexFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseCodexStream(f)
}

func parseCodexStream(r io.Reader) ([]Event, error) {
	reader := bufio.NewReader(r)
	var events []Event
	line := -1

	for {
		raw, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return events, err
		}
		complete := len(raw) > 0 && raw[len(raw)-1] == '\n'
		if err == io.EOF && !complete {
			break
		}
		line++

		data := strings.TrimSpace(string(raw))
		if data == "" {
			continue
		}

		var entry codexEntry
		if json.Unmarshal([]byte(data), &entry) != nil {
			continue
		}
		if ev, ok := codexEntryEvent(entry, line); ok {
			events = append(events, ev)
		}

		if err == io.EOF {
			break
		}
	}
	return events, nil
}

func codexEntryEvent(entry codexEntry, line int) (Event, bool) {
	base := Event{
		Line:      line,
		Timestamp: parseTimestamp(entry.Timestamp),
		Family:    FamilyCodex,
	}

	var p codexPayload
	if entry.Payload != nil {
		_ = json.Unmarshal(entry.Payload, &p)
	}

	switch entry.Type {
	case "session_meta":
		base.Kind = KindSystemMeta
		base.SessionID = p.ID
		base.WorkingDir = p.Cwd
		return base, true
	case "turn_context":
		base.Kind = KindSystemMeta
		base.Model = p.Model
		return base, true
	case "compacted":
		base.Kind = KindCompaction
		return base, true
	case "shutdown":
		base.Kind = KindSystemMeta
		return base, true
	case "event_msg":
		return codexEventMsg(base, p)
	case "response_item":
		return codexResponseItem(base, p)
	default:
		base.Kind = KindUnknown
		return base, true
	}
}

func codexEventMsg(base Event, p codexPayload) (Event, bool) {
	switch p.Type {
	case "user_message":
		base.Kind = KindUserMessage
		base.Text = p.Message
		return base, true
	case "agent_message":
		base.Kind = KindAssistantMessage
		base.Text = p.Message
		return base, true
	case "agent_reasoning":
		base.Kind = KindAssistantMessage
		base.Thinking = p.Text
		return base, true
	case "turn_started", "task_started":
		base.Kind = KindTurnBoundary
		base.BoundaryStart = true
		return base, true
	case "turn_complete", "task_complete":
		base.Kind = KindTurnBoundary
		return base, true
	case "token_count":
		base.Kind = KindTokenUsage
		if p.Info != nil && p.Info.TotalTokenUsage != nil {
			u := p.Info.TotalTokenUsage
			// Codex reports input_tokens inclusive of the cached portion;
			// split it so the buckets stay disjoint.
			fresh := u.InputTokens - u.CachedInputTokens
			if fresh < 0 {
				fresh = u.InputTokens
			}
			base.Usage = &TokenUsage{
				InputTokens:          fresh,
				CacheReadInputTokens: u.CachedInputTokens,
				OutputTokens:         u.OutputTokens,
			}
		}
		return base, true
	case "plan_update":
		base.Kind = KindTaskMutation
		return base, true
	default:
		base.Kind = KindUnknown
		return base, true
	}
}

func codexResponseItem(base Event, p codexPayload) (Event, bool) {
	switch p.Type {
	case "message":
		text := codexMessageText(p.Content)
		if p.Role == "user" {
			base.Kind = KindUserMessage
		} else {
			base.Kind = KindAssistantMessage
		}
		base.Text = text
		return base, true
	case "reasoning":
		base.Kind = KindAssistantMessage
		base.Thinking = codexMessageText(p.Content)
		return base, true
	case "function_call", "local_shell_call", "custom_tool_call":
		base.Kind = KindToolUse
		base.ToolName = codexToolName(p.Name)
		base.ToolUseID = p.CallID
		codexToolInput(p.Arguments, &base.Input)
		return base, true
	case "function_call_output", "custom_tool_call_output":
		base.Kind = KindToolResult
		base.ToolUseID = p.CallID
		base.ResultText, base.ResultLen = truncateResult(p.Output.Content)
		base.ExitCode = p.Output.ExitCode
		if p.Output.Success != nil {
			base.HasErrorFlag = true
			base.ErrorFlag = !*p.Output.Success
		} else if p.Output.ExitCode != nil {
			base.HasErrorFlag = true
			base.ErrorFlag = *p.Output.ExitCode != 0
		}
		return base, true
	default:
		base.Kind = KindUnknown
		return base, true
	}
}

// codexToolName maps Codex tool identifiers onto the shared vocabulary the
// turn builder matches on. shell becomes Bash, apply_patch becomes Edit.
func codexToolName(name string) string {
	switch name {
	case "shell", "container.exec", "local_shell":
		return "Bash"
	case "apply_patch":
		return "Edit"
	case "read_file", "view":
		return "Read"
	case "update_plan":
		return "TaskUpdate"
	default:
		return name
	}
}

// codexToolInput extracts the fields the turn builder uses from a
// function_call arguments string (itself JSON).
func codexToolInput(arguments string, in *ToolInput) {
	if arguments == "" {
		return
	}
	var args struct {
		Command json.RawMessage `json:"command"`
		Path    string          `json:"path"`
		File    string          `json:"file"`
		Input   string          `json:"input"`
	}
	if json.Unmarshal([]byte(arguments), &args) != nil {
		return
	}
	in.Path = args.Path
	if in.Path == "" {
		in.Path = args.File
	}
	if len(args.Command) > 0 {
		var s string
		if json.Unmarshal(args.Command, &s) == nil {
			in.Command = s
		} else {
			var argv []string
			if json.Unmarshal(args.Command, &argv) == nil {
				in.Command = strings.Join(argv, " ")
			}
		}
	}
	// apply_patch carries the patch body in "input"; pull the first target
	// path out of its header lines.
	if in.Path == "" && args.Input != "" {
		for _, ln := range strings.Split(args.Input, "\n") {
			for _, prefix := range []string{"*** Update File: ", "*** Add File: ", "*** Delete File: "} {
				if strings.HasPrefix(ln, prefix) {
					in.FilePath = strings.TrimSpace(strings.TrimPrefix(ln, prefix))
					break
				}
			}
			if in.FilePath != "" {
				break
			}
		}
	}
}

func codexMessageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &blocks) == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}
