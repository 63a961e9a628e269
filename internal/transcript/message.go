// Package transcript holds the ordered record of everything visible in a
// game session: player turns, game master replies, tool records and dice.
package transcript

// Role identifies who or what produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleThinking  Role = "thinking"
	RoleTool      Role = "tool"
	RoleDice      Role = "dice"
)

// Message is one entry of the transcript.
//
// IsStreaming is true while content is still arriving. Once it turns false
// it never becomes true again for the same ID.
type Message struct {
	ID          string     `json:"id"`
	Role        Role       `json:"role"`
	Content     string     `json:"content"`
	IsStreaming bool       `json:"isStreaming"`
	ToolName    string     `json:"toolName,omitempty"`
	DiceRolls   []DiceRoll `json:"diceRolls,omitempty"`
	Animate     bool       `json:"animate,omitempty"`
}

// DiceRoll is a single parsed roll of the dice script.
type DiceRoll struct {
	Sides         int    `json:"sides"`
	Values        []int  `json:"values"`
	Total         int    `json:"total"`
	Label         string `json:"label"`
	Description   string `json:"description,omitempty"`
	Modifier      *int   `json:"modifier,omitempty"`
	ModifiedTotal *int   `json:"modifiedTotal,omitempty"`
}

// Patch is a partial update to a message. Nil fields are left unchanged.
type Patch struct {
	Content     *string `json:"content,omitempty"`
	IsStreaming *bool   `json:"isStreaming,omitempty"`
	Animate     *bool   `json:"animate,omitempty"`
}

// Finished is the patch that ends streaming.
func Finished() Patch {
	f := false
	return Patch{IsStreaming: &f}
}

// Settled is the patch that stops a dice animation.
func Settled() Patch {
	f := false
	return Patch{Animate: &f}
}

// ToolCallInfo describes what the game master is doing right now.
type ToolCallInfo struct {
	ToolName string `json:"toolName"`
	Input    string `json:"input,omitempty"`
}

// QuestionOption is one selectable answer.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description"`
}

// Question is one multiple-choice question asked of the table.
type Question struct {
	Question    string           `json:"question"`
	Header      string           `json:"header"`
	Options     []QuestionOption `json:"options"`
	MultiSelect bool             `json:"multiSelect"`
}

// PendingQuestion is the question set the current turn is waiting on.
type PendingQuestion struct {
	Questions []Question `json:"questions"`
}

// State is the full client-visible state of a session. It is what a newly
// joined client receives and must be enough to render without any prior
// deltas.
type State struct {
	Messages        []Message        `json:"messages"`
	CurrentToolCall *ToolCallInfo    `json:"currentToolCall"`
	IsProcessing    bool             `json:"isProcessing"`
	StatusMessage   *string          `json:"statusMessage"`
	PendingQuestion *PendingQuestion `json:"pendingQuestion"`
	SessionID       *string          `json:"sessionId"`
	Model           string           `json:"model"`
	Effort          string           `json:"effort"`
	ClientCount     int              `json:"clientCount"`
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	if m.DiceRolls != nil {
		rolls := make([]DiceRoll, len(m.DiceRolls))
		for i, r := range m.DiceRolls {
			rolls[i] = r.clone()
		}
		m.DiceRolls = rolls
	}
	return m
}

func (r DiceRoll) clone() DiceRoll {
	r.Values = append([]int(nil), r.Values...)
	if r.Modifier != nil {
		v := *r.Modifier
		r.Modifier = &v
	}
	if r.ModifiedTotal != nil {
		v := *r.ModifiedTotal
		r.ModifiedTotal = &v
	}
	return r
}
