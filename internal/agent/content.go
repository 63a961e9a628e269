package agent

import (
	"encoding/json"
	"strings"
)

// ContentBlock is one block of a message in the game master's wire and
// session-log formats.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     map[string]any  `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ResultText flattens a tool_result block's content, which is either a
// string or a list of text blocks.
func (b ContentBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var parts []ContentBlock
	if err := json.Unmarshal(b.Content, &parts); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// DecodeContent parses message content that is either a plain string or
// a list of blocks. Exactly one of the results is set on success.
func DecodeContent(raw json.RawMessage) (text string, blocks []ContentBlock, ok bool) {
	if len(raw) == 0 {
		return "", nil, false
	}
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil, true
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		return "", blocks, true
	}
	return "", nil, false
}
