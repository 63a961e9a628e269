package agent

// Event is one item of a turn's event stream.
type Event interface {
	isEvent()
}

// SessionInit carries the resumable conversation handle.
type SessionInit struct {
	SessionID string
}

// Status reports a transient agent status such as "compacting". An empty
// Status clears it.
type Status struct {
	Status string
}

// TextStart opens a new reply block with the given ID.
type TextStart struct {
	ID string
}

// TextDelta extends the open reply block.
type TextDelta struct {
	Text string
}

// ThinkingStart opens a reasoning block. ID identifies the surrounding
// message, not the block itself.
type ThinkingStart struct {
	ID string
}

// ThinkingDelta extends the open reasoning block.
type ThinkingDelta struct {
	Text string
}

// ToolStart announces a tool call before its input is known.
type ToolStart struct {
	Name string
}

// ToolUse is a complete tool call.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult is the output of an earlier ToolUse.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// MessageStop closes every open block of the current message.
type MessageStop struct{}

// TurnEnd is the final event of a turn.
type TurnEnd struct {
	Subtype string
	IsError bool
	Result  string
}

func (SessionInit) isEvent()   {}
func (Status) isEvent()        {}
func (TextStart) isEvent()     {}
func (TextDelta) isEvent()     {}
func (ThinkingStart) isEvent() {}
func (ThinkingDelta) isEvent() {}
func (ToolStart) isEvent()     {}
func (ToolUse) isEvent()       {}
func (ToolResult) isEvent()    {}
func (MessageStop) isEvent()   {}
func (TurnEnd) isEvent()       {}
