package rollout

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"
)

// claudeEntry is the envelope of a Claude-family rollout line. Some records
// wrap the message in a "message" field, some tag by "type" only, and a few
// (summaries, hook output) carry neither.
type claudeEntry struct {
	Type        string          `json:"type"`
	UUID        string          `json:"uuid"`
	SessionID   string          `json:"sessionId"`
	Timestamp   string          `json:"timestamp"`
	Cwd         string          `json:"cwd"`
	IsMeta      bool            `json:"isMeta"`
	PlanContent string          `json:"planContent"`
	Message     json.RawMessage `json:"message"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Usage   *TokenUsage     `json:"usage"`
	Content json.RawMessage `json:"content"`
}

// claudeBlock is one element of a content array. tool_result content may
// itself be a string or an array of text blocks.
type claudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	Name      string          `json:"name"`
	ID        string          `json:"id"`
	ToolUseID string          `json:"tool_use_id"`
	IsError   *bool           `json:"is_error"`
	Input     json.RawMessage `json:"input"`
	Content   json.RawMessage `json:"content"`
}

// ParseClaudeFile reads a full Claude-family rollout and returns its
// normalized event stream. Blank and malformed lines are skipped silently,
// as is a trailing incomplete line (mid-line EOF during an agent write).
func ParseClaudeFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseClaudeStream(f)
}

func parseClaudeStream(r io.Reader) ([]Event, error) {
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
			// Last line has no newline: the agent is mid-write. Skip it;
			// the next parse sees it whole.
			break
		}
		line++

		data := strings.TrimSpace(string(raw))
		if data == "" {
			continue
		}

		var entry claudeEntry
		if json.Unmarshal([]byte(data), &entry) != nil {
			continue
		}
		events = append(events, claudeEntryEvents(entry, line)...)

		if err == io.EOF {
			break
		}
	}
	return events, nil
}

// claudeEntryEvents normalizes one envelope into zero or more events. A
// single assistant record with tool_use blocks yields the message event
// followed by one tool-use event per block, all sharing the line index.
func claudeEntryEvents(entry claudeEntry, line int) []Event {
	ts := parseTimestamp(entry.Timestamp)

	base := Event{
		Line:      line,
		Timestamp: ts,
		Family:    FamilyClaude,
		SessionID: entry.SessionID,
	}

	switch entry.Type {
	case "user":
		return claudeUserEvents(entry, base)
	case "assistant":
		return claudeAssistantEvents(entry, base)
	case "system":
		ev := base
		ev.Kind = KindSystemMeta
		ev.WorkingDir = entry.Cwd
		if entry.PlanContent != "" {
			plan := base
			plan.Kind = KindPlanMarker
			plan.PlanMarkdown = entry.PlanContent
			return []Event{ev, plan}
		}
		return []Event{ev}
	case "summary":
		// Context compaction writes a summary record at the head of the
		// rewritten file.
		ev := base
		ev.Kind = KindCompaction
		return []Event{ev}
	default:
		ev := base
		ev.Kind = KindUnknown
		return []Event{ev}
	}
}

func claudeUserEvents(entry claudeEntry, base Event) []Event {
	var msg claudeMessage
	if entry.Message != nil {
		_ = json.Unmarshal(entry.Message, &msg)
	}

	var events []Event
	text, blocks := claudeContent(msg.Content)

	onlyResults := len(blocks) > 0
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if strings.TrimSpace(b.Text) != "" {
				if text != "" {
					text += "\n"
				}
				text += b.Text
				onlyResults = false
			}
		case "tool_result":
			ev := base
			ev.Kind = KindToolResult
			ev.ToolUseID = b.ToolUseID
			ev.ResultText, ev.ResultLen = truncateResult(claudeResultText(b.Content))
			if b.IsError != nil {
				ev.HasErrorFlag = true
				ev.ErrorFlag = *b.IsError
			}
			events = append(events, ev)
		default:
			onlyResults = false
		}
	}

	user := base
	user.Kind = KindUserMessage
	user.Text = text
	user.OnlyToolResults = onlyResults && strings.TrimSpace(text) == ""
	if entry.IsMeta {
		user.Kind = KindSystemMeta
	}

	// Tool results precede the user event so downstream correction pairing
	// sees them attached to the prior turn.
	if user.Kind == KindUserMessage && !user.OnlyToolResults {
		events = append(events, user)
	} else if len(events) == 0 {
		events = append(events, user)
	}
	return events
}

func claudeAssistantEvents(entry claudeEntry, base Event) []Event {
	var msg claudeMessage
	if entry.Message != nil {
		_ = json.Unmarshal(entry.Message, &msg)
	}

	text, blocks := claudeContent(msg.Content)

	asst := base
	asst.Kind = KindAssistantMessage
	asst.Model = msg.Model
	asst.Usage = msg.Usage
	asst.Text = text

	var tools []Event
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if asst.Text != "" && b.Text != "" {
				asst.Text += "\n"
			}
			asst.Text += b.Text
		case "thinking":
			if asst.Thinking != "" && b.Thinking != "" {
				asst.Thinking += "\n"
			}
			asst.Thinking += b.Thinking
		case "tool_use":
			ev := base
			ev.Kind = KindToolUse
			ev.ToolName = b.Name
			ev.ToolUseID = b.ID
			if b.Input != nil {
				_ = json.Unmarshal(b.Input, &ev.Input)
			}
			tools = append(tools, ev)
		case "compaction":
			ev := base
			ev.Kind = KindCompaction
			tools = append(tools, ev)
		}
	}

	if entry.PlanContent != "" {
		plan := base
		plan.Kind = KindPlanMarker
		plan.PlanMarkdown = entry.PlanContent
		tools = append(tools, plan)
	}

	return append([]Event{asst}, tools...)
}

// claudeContent handles the two content shapes: a bare string or an array
// of typed blocks.
func claudeContent(raw json.RawMessage) (string, []claudeBlock) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s, nil
	}
	var blocks []claudeBlock
	if json.Unmarshal(raw, &blocks) == nil {
		return "", blocks
	}
	return "", nil
}

// claudeResultText flattens a tool_result content field (string or array of
// text blocks) into plain text.
func claudeResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []claudeBlock
	if json.Unmarshal(raw, &blocks) == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
