// Package history rebuilds a transcript from the game master's own session
// log so a resumed game shows what was said before.
package history

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/lairsandllamas/host/internal/agent"
	"github.com/lairsandllamas/host/internal/transcript"
)

const maxLineSize = 16 * 1024 * 1024

// ProjectDir returns the directory the game master keeps session logs in
// for work started from cwd.
func ProjectDir(home, cwd string) string {
	encoded := strings.NewReplacer("/", "-", ".", "-").Replace(cwd)
	return filepath.Join(home, ".claude", "projects", encoded)
}

// SessionPath returns the log file of one session.
func SessionPath(home, cwd, handle string) string {
	return filepath.Join(ProjectDir(home, cwd), handle+".jsonl")
}

// LoadSession reads the session log for handle under the current user's
// home directory. A missing log yields an empty transcript.
func LoadSession(cwd, handle string) ([]transcript.Message, error) {
	if handle == "" {
		return nil, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	return LoadFile(SessionPath(home, cwd, handle))
}

// LoadFile reads one session log file.
func LoadFile(path string) ([]transcript.Message, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Printf("history: no session log at %s", path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()

	msgs, err := Parse(f)
	if err != nil {
		return nil, err
	}
	log.Printf("history: loaded %d messages from %s", len(msgs), path)
	return msgs, nil
}

// entry is one line of a session log. Only the fields the transcript
// needs are decoded.
type entry struct {
	Type                      string `json:"type"`
	UUID                      string `json:"uuid"`
	IsMeta                    bool   `json:"isMeta"`
	IsVisibleInTranscriptOnly bool   `json:"isVisibleInTranscriptOnly"`
	Message                   *struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// Parse converts a session log into transcript messages. Lines that are
// not valid JSON are skipped.
func Parse(r io.Reader) ([]transcript.Message, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var msgs []transcript.Message
	for sc.Scan() {
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if e.IsMeta || e.IsVisibleInTranscriptOnly || e.Message == nil {
			continue
		}

		switch {
		case e.Type == "user" && e.Message.Role == "user":
			msgs = append(msgs, userMessages(e)...)
		case e.Type == "assistant" && e.Message.Role == "assistant":
			msgs = append(msgs, assistantMessages(e)...)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read session log: %w", err)
	}
	return msgs, nil
}

func userMessages(e entry) []transcript.Message {
	text, blocks, ok := agent.DecodeContent(e.Message.Content)
	if !ok {
		return nil
	}
	if blocks == nil {
		return []transcript.Message{{ID: e.UUID, Role: transcript.RoleUser, Content: text}}
	}

	var out []transcript.Message
	if joined, found := joinBlocks(blocks, "text"); found {
		out = append(out, transcript.Message{ID: e.UUID, Role: transcript.RoleUser, Content: joined})
	}
	for _, b := range blocks {
		if b.Type != "tool_result" {
			continue
		}
		result := b.ResultText()
		rolls := transcript.ParseDiceOutput(result)
		if len(rolls) == 0 {
			continue
		}
		out = append(out, transcript.Message{
			ID:        e.UUID + "-dice-" + b.ToolUseID,
			Role:      transcript.RoleDice,
			Content:   result,
			DiceRolls: rolls,
		})
	}
	return out
}

func assistantMessages(e entry) []transcript.Message {
	_, blocks, ok := agent.DecodeContent(e.Message.Content)
	if !ok || blocks == nil {
		return nil
	}

	var out []transcript.Message
	if thinking, found := joinBlocks(blocks, "thinking"); found {
		out = append(out, transcript.Message{ID: e.UUID + "-thinking", Role: transcript.RoleThinking, Content: thinking})
	}
	if text, found := joinBlocks(blocks, "text"); found {
		out = append(out, transcript.Message{ID: e.UUID, Role: transcript.RoleAssistant, Content: text})
	}
	return out
}

// joinBlocks concatenates the text of every block of type typ.
func joinBlocks(blocks []agent.ContentBlock, typ string) (string, bool) {
	var sb strings.Builder
	found := false
	for _, b := range blocks {
		if b.Type != typ {
			continue
		}
		found = true
		if typ == "thinking" {
			sb.WriteString(b.Thinking)
		} else {
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), found
}
