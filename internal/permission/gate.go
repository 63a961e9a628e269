// Package permission decides which side-effecting tools the game master
// may use inside a game directory.
package permission

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/lairsandllamas/host/internal/transcript"
)

// Behavior is the outcome of evaluating a tool request.
type Behavior string

const (
	// Allow lets the tool run unchanged.
	Allow Behavior = "allow"
	// Deny refuses the tool; the turn continues.
	Deny Behavior = "deny"
	// Ask defers the decision to the players.
	Ask Behavior = "ask"
)

// QuestionTool is the structured multiple-choice question tool.
const QuestionTool = "AskUserQuestion"

// Writable areas of a game directory.
const (
	CharacterSheetsDir = "CharacterSheets"
	CampaignDir        = "Campaign"
	JournalFile        = "JOURNAL.md"
)

const (
	denyBash  = "Only roll_dice.py and deleting writable files are allowed via Bash."
	denyWrite = "Can only write to CharacterSheets/, JOURNAL.md, or Campaign/."
)

// readOnlyTools never modify anything.
var readOnlyTools = map[string]bool{
	"Read": true,
	"Glob": true,
	"Grep": true,
	"Task": true,
}

var writeTools = map[string]bool{
	"Write":     true,
	"Edit":      true,
	"MultiEdit": true,
}

// shellMeta are sequences that would let a single allowed command smuggle
// in a second one.
var shellMeta = []string{";", "&", "|", "`", "$(", ">", "<", "\n"}

// Decision is the verdict for one tool request.
type Decision struct {
	Behavior Behavior
	Message  string
}

// Gate evaluates tool requests against the fixed allow-list.
// Gate is stateless and safe for concurrent use.
type Gate struct {
	// Root is the game directory. Relative paths resolve against it and
	// writable areas are located directly beneath it. When Root is empty
	// writable areas are recognized anywhere in an absolute path.
	Root string
}

// NewGate returns a gate rooted at the given game directory.
func NewGate(root string) *Gate {
	if root != "" {
		root = filepath.Clean(root)
	}
	return &Gate{Root: root}
}

// Evaluate decides a single tool request.
func (g *Gate) Evaluate(toolName string, input map[string]any) Decision {
	switch {
	case readOnlyTools[toolName]:
		return Decision{Behavior: Allow}
	case toolName == "Bash":
		command, _ := input["command"].(string)
		if g.allowShell(command) {
			return Decision{Behavior: Allow}
		}
		return Decision{Behavior: Deny, Message: denyBash}
	case writeTools[toolName]:
		path, _ := input["file_path"].(string)
		if g.Writable(path) {
			return Decision{Behavior: Allow}
		}
		return Decision{Behavior: Deny, Message: denyWrite}
	case toolName == QuestionTool:
		return Decision{Behavior: Ask}
	default:
		return Decision{Behavior: Deny, Message: fmt.Sprintf("Tool %s is not allowed.", toolName)}
	}
}

// Writable reports whether path lies inside one of the writable areas.
func (g *Gate) Writable(path string) bool {
	if path == "" {
		return false
	}
	if g.Root == "" {
		for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
			if seg == ".." {
				return false
			}
		}
		slashed := filepath.ToSlash(filepath.Clean(path))
		return strings.Contains(slashed, "/"+CharacterSheetsDir+"/") ||
			strings.Contains(slashed, "/"+CampaignDir+"/") ||
			strings.HasSuffix(slashed, "/"+JournalFile)
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(g.Root, path)
	}
	rel, err := filepath.Rel(g.Root, filepath.Clean(path))
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return false
	}
	return rel == JournalFile ||
		strings.HasPrefix(rel, CharacterSheetsDir+"/") ||
		strings.HasPrefix(rel, CampaignDir+"/")
}

func (g *Gate) allowShell(command string) bool {
	command = strings.TrimSpace(command)
	if command == "" {
		return false
	}
	for _, meta := range shellMeta {
		if strings.Contains(command, meta) {
			return false
		}
	}
	if transcript.IsDiceCommand(command) {
		return true
	}
	return g.allowRemove(command)
}

// allowRemove accepts "rm [flags] path..." when every path is writable.
func (g *Gate) allowRemove(command string) bool {
	fields := strings.Fields(command)
	if len(fields) < 2 || fields[0] != "rm" {
		return false
	}
	paths := 0
	for _, f := range fields[1:] {
		if strings.HasPrefix(f, "-") {
			continue
		}
		if !g.Writable(strings.Trim(f, `"'`)) {
			return false
		}
		paths++
	}
	return paths > 0
}
