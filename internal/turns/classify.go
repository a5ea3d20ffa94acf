package turns

import (
	"regexp"
	"strings"
)

var (
	systemReminderRe   = regexp.MustCompile(`(?s)<system-reminder>.*?</system-reminder>`)
	taskNotificationRe = regexp.MustCompile(`(?s)<task-notification>.*?</task-notification>`)
	commandNameRe      = regexp.MustCompile(`<command-name>([^<]*)</command-name>`)
	commandWrapperRe   = regexp.MustCompile(`(?s)<command-(?:name|message|args)>.*?</command-(?:name|message|args)>`)
	localCommandOutRe  = regexp.MustCompile(`(?s)<local-command-stdout>.*?</local-command-stdout>`)

	interruptionRe = regexp.MustCompile(`^\[Request interrupted`)
	contextRe      = regexp.MustCompile(`(?i)^this session is being continued from`)
	terminalPaste  = regexp.MustCompile(`^\[(?:Pasted text|Image)`)

	questionStartRe = regexp.MustCompile(`(?i)^(?:what|why|how|where|when|who|which|can you explain|is there|are there|does|do you|should)\b`)
	feedbackRe      = regexp.MustCompile(`(?i)^(?:no[,.\s]|don'?t|stop|wait\b|actually\b|wrong\b|that'?s (?:not|wrong)|not quite|undo\b|revert\b|instead\b)`)
	continuationRe  = regexp.MustCompile(`(?i)^(?:continue|keep going|go on|go ahead|proceed|next|resume|yes\b|yep\b|ok(?:ay)?\b|sounds good|do it|sure\b)[\s.!]*$`)
	conversationRe  = regexp.MustCompile(`(?i)^(?:hi|hello|hey|thanks?|thank you|great|nice|perfect|awesome|cool|good (?:morning|afternoon|evening|job|work))[\s.!,]*`)
)

// CleanInstruction strips host wrappers (system reminders, slash-command
// framing, task notifications) from a raw user message, leaving the text
// the human actually typed.
func CleanInstruction(text string) string {
	out := systemReminderRe.ReplaceAllString(text, "")
	out = taskNotificationRe.ReplaceAllString(out, "")
	out = localCommandOutRe.ReplaceAllString(out, "")
	if m := commandNameRe.FindStringSubmatch(out); m != nil {
		// Surface the slash command itself as the instruction.
		cleaned := commandWrapperRe.ReplaceAllString(out, "")
		out = strings.TrimSpace(m[1]) + " " + cleaned
	}
	return strings.TrimSpace(out)
}

// Categorize maps a cleaned instruction to its Category. Order matters:
// structural markers (interruption, context resumption, slash commands)
// take precedence over linguistic heuristics.
func Categorize(cleaned string) Category {
	if cleaned == "" {
		return CategorySystem
	}
	switch {
	case interruptionRe.MatchString(cleaned):
		return CategoryInterruption
	case contextRe.MatchString(cleaned):
		return CategoryContext
	case strings.HasPrefix(cleaned, "/"):
		return CategoryCommand
	case terminalPaste.MatchString(cleaned):
		return CategoryTask
	case continuationRe.MatchString(cleaned):
		return CategoryContinuation
	case feedbackRe.MatchString(cleaned):
		return CategoryFeedback
	case questionStartRe.MatchString(cleaned) || strings.HasSuffix(strings.TrimSpace(cleaned), "?"):
		return CategoryQuestion
	case conversationRe.MatchString(cleaned) && len(cleaned) < 60:
		return CategoryConversation
	default:
		return CategoryTask
	}
}

const summaryMax = 80

var sentenceEndRe = regexp.MustCompile(`[.!?]\s`)

// Summarize derives the turn summary: the first sentence of the cleaned
// instruction, at most 80 characters, truncated at a word boundary with an
// ellipsis.
func Summarize(cleaned string) string {
	s := strings.Join(strings.Fields(cleaned), " ")
	if s == "" {
		return ""
	}
	if loc := sentenceEndRe.FindStringIndex(s); loc != nil {
		s = s[:loc[0]+1]
	}
	if len(s) <= summaryMax {
		return s
	}
	cut := s[:summaryMax]
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	} else {
		// One unbroken token: leave room for the ellipsis.
		cut = cut[:summaryMax-1]
	}
	return strings.TrimRight(cut, " ,;:") + "…"
}

// IsRealInstruction reports whether a cleaned user message should open a
// new turn. Messages reduced to nothing by wrapper stripping are host
// plumbing, not instructions.
func IsRealInstruction(cleaned string) bool {
	return cleaned != ""
}
