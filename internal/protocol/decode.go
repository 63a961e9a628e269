package protocol

import (
	"encoding/json"

	apperrors "github.com/lairsandllamas/host/internal/errors"
)

// DecodeServerMessage parses a server frame. Clients use it to apply
// deltas to their local copy of the state.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var env struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeServerInvalidMessage, "malformed JSON", err)
	}

	var msg ServerMessage
	switch env.Type {
	case MessageTypeStateSync:
		msg = &StateSyncMessage{}
	case MessageTypeMessageAdd:
		msg = &MessageAddMessage{}
	case MessageTypeMessageUpdate:
		msg = &MessageUpdateMessage{}
	case MessageTypeStreamDelta:
		msg = &StreamDeltaMessage{}
	case MessageTypeToolCallUpdate:
		msg = &ToolCallUpdateMessage{}
	case MessageTypeProcessingState:
		msg = &ProcessingStateMessage{}
	case MessageTypeStatusUpdate:
		msg = &StatusUpdateMessage{}
	case MessageTypeQuestionPending:
		msg = &QuestionPendingMessage{}
	case MessageTypeSessionInit:
		msg = &SessionInitMessage{}
	case MessageTypeModelChanged:
		msg = &ModelChangedMessage{}
	case MessageTypeEffortChanged:
		msg = &EffortChangedMessage{}
	case MessageTypeSessionCleared:
		msg = &SessionClearedMessage{}
	case MessageTypeClientCount:
		msg = &ClientCountMessage{}
	case MessageTypeAuthResult:
		msg = &AuthResultMessage{}
	case MessageTypeError:
		msg = &ErrorMessage{}
	default:
		return nil, apperrors.InvalidMessage("unknown type " + string(env.Type))
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeServerInvalidMessage, "invalid "+string(env.Type), err)
	}
	return msg, nil
}
