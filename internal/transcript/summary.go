package transcript

import (
	"encoding/json"
	"fmt"
)

const (
	maxCommandSummary = 80
	maxInputSummary   = 60
)

// SummarizeToolInput renders a short one-line description of a tool call
// for the transcript.
func SummarizeToolInput(toolName string, input map[string]any) string {
	switch toolName {
	case "Read", "Write", "Edit", "MultiEdit":
		return stringField(input, "file_path", "")
	case "Bash":
		return truncate(stringField(input, "command", ""), maxCommandSummary)
	case "Glob":
		return stringField(input, "pattern", "")
	case "Grep":
		return fmt.Sprintf("/%s/ in %s", stringField(input, "pattern", ""), stringField(input, "path", "."))
	case "Task":
		return stringField(input, "description", "")
	case "AskUserQuestion":
		if qs, ok := input["questions"].([]any); ok && len(qs) > 0 {
			if q, ok := qs[0].(map[string]any); ok {
				return stringField(q, "header", "")
			}
		}
		return ""
	default:
		data, err := json.Marshal(input)
		if err != nil {
			return ""
		}
		return truncate(string(data), maxInputSummary)
	}
}

func stringField(m map[string]any, key, fallback string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return fallback
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
