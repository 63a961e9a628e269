package transcript

import (
	"strings"
	"testing"
)

func TestSummarizeToolInput(t *testing.T) {
	long := strings.Repeat("x", 100)

	tests := []struct {
		name  string
		tool  string
		input map[string]any
		want  string
	}{
		{"read", "Read", map[string]any{"file_path": "/g/CharacterSheets/pip.md"}, "/g/CharacterSheets/pip.md"},
		{"edit", "Edit", map[string]any{"file_path": "/g/JOURNAL.md"}, "/g/JOURNAL.md"},
		{"bash truncated", "Bash", map[string]any{"command": long}, strings.Repeat("x", 80)},
		{"glob", "Glob", map[string]any{"pattern": "**/*.md"}, "**/*.md"},
		{"grep default path", "Grep", map[string]any{"pattern": "goblin"}, "/goblin/ in ."},
		{"grep with path", "Grep", map[string]any{"pattern": "hp", "path": "Campaign"}, "/hp/ in Campaign"},
		{"task", "Task", map[string]any{"description": "Look up spell"}, "Look up spell"},
		{"question header", "AskUserQuestion", map[string]any{
			"questions": []any{map[string]any{"header": "Path", "question": "Which way?"}},
		}, "Path"},
		{"unknown tool json", "WebFetch", map[string]any{"url": "https://example.com"}, `{"url":"https://example.com"}`},
		{"missing field", "Read", map[string]any{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SummarizeToolInput(tt.tool, tt.input); got != tt.want {
				t.Errorf("SummarizeToolInput(%s) = %q, want %q", tt.tool, got, tt.want)
			}
		})
	}
}

func TestSummarizeToolInput_DefaultTruncates(t *testing.T) {
	got := SummarizeToolInput("WebSearch", map[string]any{"query": strings.Repeat("q", 100)})
	if n := len([]rune(got)); n != 60 {
		t.Errorf("summary length = %d, want 60", n)
	}
}
