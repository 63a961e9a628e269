// Package protocol defines the JSON messages exchanged between the session
// server and its clients.
//
// Every message carries a "type" field. Server messages other than
// stateSync are deltas: a client that misses one must reconnect and start
// again from the next stateSync.
package protocol

import (
	"github.com/lairsandllamas/host/internal/transcript"
)

// MessageType identifies the kind of a message on the wire.
type MessageType string

// Server to client.
const (
	// MessageTypeStateSync carries the full session state. Sent once per
	// connection, before any delta.
	MessageTypeStateSync MessageType = "stateSync"

	MessageTypeMessageAdd      MessageType = "messageAdd"
	MessageTypeMessageUpdate   MessageType = "messageUpdate"
	MessageTypeStreamDelta     MessageType = "streamDelta"
	MessageTypeToolCallUpdate  MessageType = "toolCallUpdate"
	MessageTypeProcessingState MessageType = "processingState"
	MessageTypeStatusUpdate    MessageType = "statusUpdate"
	MessageTypeQuestionPending MessageType = "questionPending"
	MessageTypeSessionInit     MessageType = "sessionInit"
	MessageTypeModelChanged    MessageType = "modelChanged"
	MessageTypeEffortChanged   MessageType = "effortChanged"

	// MessageTypeSessionCleared replaces the whole state with an empty
	// session. Model and effort are kept.
	MessageTypeSessionCleared MessageType = "sessionCleared"

	MessageTypeClientCount MessageType = "clientCount"
	MessageTypeAuthResult  MessageType = "authResult"
	MessageTypeError       MessageType = "error"
)

// ServerMessage is a message sent from the server to clients.
type ServerMessage interface {
	MessageType() MessageType
}

type StateSyncMessage struct {
	Type  MessageType      `json:"type"`
	State transcript.State `json:"state"`
}

type MessageAddMessage struct {
	Type    MessageType        `json:"type"`
	Message transcript.Message `json:"message"`
}

type MessageUpdateMessage struct {
	Type  MessageType      `json:"type"`
	ID    string           `json:"id"`
	Patch transcript.Patch `json:"patch"`
}

type StreamDeltaMessage struct {
	Type  MessageType `json:"type"`
	ID    string      `json:"id"`
	Delta string      `json:"delta"`
}

// ToolCallUpdateMessage carries a nil ToolCall when the tool call ends.
type ToolCallUpdateMessage struct {
	Type     MessageType              `json:"type"`
	ToolCall *transcript.ToolCallInfo `json:"toolCall"`
}

type ProcessingStateMessage struct {
	Type         MessageType `json:"type"`
	IsProcessing bool        `json:"isProcessing"`
}

type StatusUpdateMessage struct {
	Type   MessageType `json:"type"`
	Status *string     `json:"status"`
}

// QuestionPendingMessage carries a nil Question once it is answered or
// withdrawn.
type QuestionPendingMessage struct {
	Type     MessageType                 `json:"type"`
	Question *transcript.PendingQuestion `json:"question"`
}

type SessionInitMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
}

type ModelChangedMessage struct {
	Type  MessageType `json:"type"`
	Model string      `json:"model"`
}

type EffortChangedMessage struct {
	Type   MessageType `json:"type"`
	Effort string      `json:"effort"`
}

type SessionClearedMessage struct {
	Type MessageType `json:"type"`
}

type ClientCountMessage struct {
	Type  MessageType `json:"type"`
	Count int         `json:"count"`
}

type AuthResultMessage struct {
	Type    MessageType `json:"type"`
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
}

type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
	Code    string      `json:"code,omitempty"`
}

func (StateSyncMessage) MessageType() MessageType       { return MessageTypeStateSync }
func (MessageAddMessage) MessageType() MessageType      { return MessageTypeMessageAdd }
func (MessageUpdateMessage) MessageType() MessageType   { return MessageTypeMessageUpdate }
func (StreamDeltaMessage) MessageType() MessageType     { return MessageTypeStreamDelta }
func (ToolCallUpdateMessage) MessageType() MessageType  { return MessageTypeToolCallUpdate }
func (ProcessingStateMessage) MessageType() MessageType { return MessageTypeProcessingState }
func (StatusUpdateMessage) MessageType() MessageType    { return MessageTypeStatusUpdate }
func (QuestionPendingMessage) MessageType() MessageType { return MessageTypeQuestionPending }
func (SessionInitMessage) MessageType() MessageType     { return MessageTypeSessionInit }
func (ModelChangedMessage) MessageType() MessageType    { return MessageTypeModelChanged }
func (EffortChangedMessage) MessageType() MessageType   { return MessageTypeEffortChanged }
func (SessionClearedMessage) MessageType() MessageType  { return MessageTypeSessionCleared }
func (ClientCountMessage) MessageType() MessageType     { return MessageTypeClientCount }
func (AuthResultMessage) MessageType() MessageType      { return MessageTypeAuthResult }
func (ErrorMessage) MessageType() MessageType           { return MessageTypeError }

// NewStateSyncMessage creates the full-state message for a joining client.
func NewStateSyncMessage(state transcript.State) StateSyncMessage {
	return StateSyncMessage{Type: MessageTypeStateSync, State: state}
}

func NewMessageAddMessage(m transcript.Message) MessageAddMessage {
	return MessageAddMessage{Type: MessageTypeMessageAdd, Message: m}
}

func NewMessageUpdateMessage(id string, patch transcript.Patch) MessageUpdateMessage {
	return MessageUpdateMessage{Type: MessageTypeMessageUpdate, ID: id, Patch: patch}
}

func NewStreamDeltaMessage(id, delta string) StreamDeltaMessage {
	return StreamDeltaMessage{Type: MessageTypeStreamDelta, ID: id, Delta: delta}
}

func NewToolCallUpdateMessage(tc *transcript.ToolCallInfo) ToolCallUpdateMessage {
	return ToolCallUpdateMessage{Type: MessageTypeToolCallUpdate, ToolCall: tc}
}

func NewProcessingStateMessage(processing bool) ProcessingStateMessage {
	return ProcessingStateMessage{Type: MessageTypeProcessingState, IsProcessing: processing}
}

func NewStatusUpdateMessage(status *string) StatusUpdateMessage {
	return StatusUpdateMessage{Type: MessageTypeStatusUpdate, Status: status}
}

func NewQuestionPendingMessage(q *transcript.PendingQuestion) QuestionPendingMessage {
	return QuestionPendingMessage{Type: MessageTypeQuestionPending, Question: q}
}

func NewSessionInitMessage(sessionID string) SessionInitMessage {
	return SessionInitMessage{Type: MessageTypeSessionInit, SessionID: sessionID}
}

func NewModelChangedMessage(model string) ModelChangedMessage {
	return ModelChangedMessage{Type: MessageTypeModelChanged, Model: model}
}

func NewEffortChangedMessage(effort string) EffortChangedMessage {
	return EffortChangedMessage{Type: MessageTypeEffortChanged, Effort: effort}
}

func NewSessionClearedMessage() SessionClearedMessage {
	return SessionClearedMessage{Type: MessageTypeSessionCleared}
}

func NewClientCountMessage(count int) ClientCountMessage {
	return ClientCountMessage{Type: MessageTypeClientCount, Count: count}
}

// NewAuthResultMessage reports the outcome of an auth command. errMsg is
// only sent on failure.
func NewAuthResultMessage(success bool, errMsg string) AuthResultMessage {
	return AuthResultMessage{Type: MessageTypeAuthResult, Success: success, Error: errMsg}
}

// NewErrorMessage creates an error message to send to clients.
func NewErrorMessage(code, message string) ErrorMessage {
	return ErrorMessage{Type: MessageTypeError, Message: message, Code: code}
}
