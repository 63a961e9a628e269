package protocol

import (
	"encoding/json"
	"strings"

	"github.com/lairsandllamas/host/internal/agent"
	apperrors "github.com/lairsandllamas/host/internal/errors"
)

// Client to server.
const (
	MessageTypeAuth           MessageType = "auth"
	MessageTypeSendMessage    MessageType = "sendMessage"
	MessageTypeAnswerQuestion MessageType = "answerQuestion"
	MessageTypeInterrupt      MessageType = "interrupt"
	MessageTypeClearSession   MessageType = "clearSession"
	MessageTypeSwitchModel    MessageType = "switchModel"
	MessageTypeSwitchEffort   MessageType = "switchEffort"
)

// ClientCommand is a decoded, validated command from a client. The set of
// implementations is closed.
type ClientCommand interface {
	command()
}

// AuthCommand presents the shared secret. Only meaningful as the first
// frame of a connection.
type AuthCommand struct {
	Password string `json:"password"`
}

// SendMessageCommand submits a player prompt.
type SendMessageCommand struct {
	Text string `json:"text"`
}

// AnswerQuestionCommand answers the pending question, keyed by question
// text.
type AnswerQuestionCommand struct {
	Answers map[string]string `json:"answers"`
}

type InterruptCommand struct{}

type ClearSessionCommand struct{}

type SwitchModelCommand struct {
	Model string `json:"model"`
}

type SwitchEffortCommand struct {
	Effort string `json:"effort"`
}

func (AuthCommand) command()           {}
func (SendMessageCommand) command()    {}
func (AnswerQuestionCommand) command() {}
func (InterruptCommand) command()      {}
func (ClearSessionCommand) command()   {}
func (SwitchModelCommand) command()    {}
func (SwitchEffortCommand) command()   {}

// DecodeClientCommand parses and validates one client frame. Invalid input
// yields a server.invalid_message error.
func DecodeClientCommand(data []byte) (ClientCommand, error) {
	var env struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeServerInvalidMessage, "malformed JSON", err)
	}

	switch env.Type {
	case MessageTypeAuth:
		var c AuthCommand
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, invalid(env.Type, err)
		}
		return c, nil
	case MessageTypeSendMessage:
		var c SendMessageCommand
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, invalid(env.Type, err)
		}
		if strings.TrimSpace(c.Text) == "" {
			return nil, apperrors.InvalidMessage("sendMessage requires text")
		}
		return c, nil
	case MessageTypeAnswerQuestion:
		var c AnswerQuestionCommand
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, invalid(env.Type, err)
		}
		if c.Answers == nil {
			return nil, apperrors.InvalidMessage("answerQuestion requires answers")
		}
		return c, nil
	case MessageTypeInterrupt:
		return InterruptCommand{}, nil
	case MessageTypeClearSession:
		return ClearSessionCommand{}, nil
	case MessageTypeSwitchModel:
		var c SwitchModelCommand
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, invalid(env.Type, err)
		}
		if strings.TrimSpace(c.Model) == "" {
			return nil, apperrors.InvalidMessage("switchModel requires model")
		}
		return c, nil
	case MessageTypeSwitchEffort:
		var c SwitchEffortCommand
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, invalid(env.Type, err)
		}
		if !agent.ValidEffort(c.Effort) {
			return nil, apperrors.InvalidMessage("unknown effort " + c.Effort)
		}
		return c, nil
	case "":
		return nil, apperrors.InvalidMessage("missing type")
	default:
		return nil, apperrors.InvalidMessage("unknown type " + string(env.Type))
	}
}

// EncodeClientCommand renders a command as a wire frame.
func EncodeClientCommand(c ClientCommand) ([]byte, error) {
	var t MessageType
	switch c.(type) {
	case AuthCommand:
		t = MessageTypeAuth
	case SendMessageCommand:
		t = MessageTypeSendMessage
	case AnswerQuestionCommand:
		t = MessageTypeAnswerQuestion
	case InterruptCommand:
		t = MessageTypeInterrupt
	case ClearSessionCommand:
		t = MessageTypeClearSession
	case SwitchModelCommand:
		t = MessageTypeSwitchModel
	case SwitchEffortCommand:
		t = MessageTypeSwitchEffort
	default:
		return nil, apperrors.InvalidMessage("unknown command")
	}

	body, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	typ, _ := json.Marshal(t)
	fields["type"] = typ
	return json.Marshal(fields)
}

func invalid(t MessageType, err error) error {
	return apperrors.Wrap(apperrors.CodeServerInvalidMessage, "invalid "+string(t), err)
}
