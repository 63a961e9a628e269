package protocol

import (
	"github.com/lairsandllamas/host/internal/transcript"
)

// Replica is a client-side copy of the session state rebuilt from server
// messages. A Replica is not safe for concurrent use.
type Replica struct {
	state transcript.State
	log   *transcript.Log
}

// NewReplica returns an empty replica. It holds meaningful state only after
// the first stateSync has been applied.
func NewReplica() *Replica {
	return &Replica{log: transcript.NewLog(nil)}
}

// Apply folds one server message into the replica. It reports whether the
// message changed client-visible state. Messages may be passed as decoded
// (pointers) or as built by the New*Message constructors (values).
func (r *Replica) Apply(msg ServerMessage) bool {
	switch m := asPointer(msg).(type) {
	case *StateSyncMessage:
		r.state = m.State
		r.log = transcript.NewLog(m.State.Messages)
	case *MessageAddMessage:
		return r.log.Append(m.Message)
	case *MessageUpdateMessage:
		return r.log.Patch(m.ID, m.Patch)
	case *StreamDeltaMessage:
		return r.log.AppendContent(m.ID, m.Delta)
	case *ToolCallUpdateMessage:
		r.state.CurrentToolCall = m.ToolCall
	case *ProcessingStateMessage:
		r.state.IsProcessing = m.IsProcessing
	case *StatusUpdateMessage:
		r.state.StatusMessage = m.Status
	case *QuestionPendingMessage:
		r.state.PendingQuestion = m.Question
	case *SessionInitMessage:
		id := m.SessionID
		r.state.SessionID = &id
	case *ModelChangedMessage:
		r.state.Model = m.Model
	case *EffortChangedMessage:
		r.state.Effort = m.Effort
	case *SessionClearedMessage:
		r.log.Reset()
		r.state.CurrentToolCall = nil
		r.state.IsProcessing = false
		r.state.StatusMessage = nil
		r.state.PendingQuestion = nil
		r.state.SessionID = nil
	case *ClientCountMessage:
		r.state.ClientCount = m.Count
	default:
		return false
	}
	return true
}

// asPointer returns the pointer form of a message built by value.
func asPointer(msg ServerMessage) ServerMessage {
	switch m := msg.(type) {
	case StateSyncMessage:
		return &m
	case MessageAddMessage:
		return &m
	case MessageUpdateMessage:
		return &m
	case StreamDeltaMessage:
		return &m
	case ToolCallUpdateMessage:
		return &m
	case ProcessingStateMessage:
		return &m
	case StatusUpdateMessage:
		return &m
	case QuestionPendingMessage:
		return &m
	case SessionInitMessage:
		return &m
	case ModelChangedMessage:
		return &m
	case EffortChangedMessage:
		return &m
	case SessionClearedMessage:
		return &m
	case ClientCountMessage:
		return &m
	}
	return msg
}

// State returns the current replicated state.
func (r *Replica) State() transcript.State {
	s := r.state
	s.Messages = r.log.Messages()
	return s
}

// Message returns one replicated message.
func (r *Replica) Message(id string) (transcript.Message, bool) {
	return r.log.Get(id)
}
