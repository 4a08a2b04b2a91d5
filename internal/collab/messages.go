package collab

import (
	"encoding/json"
	"fmt"
)

// Inbound event names accepted from clients.
const (
	EventAuthenticate   = "authenticate"
	EventJoinDocument   = "join-document"
	EventDocumentChange = "document-change"
	EventCursorPosition = "cursor-position"
	EventAutoSave       = "auto-save"
	EventTypingStart    = "typing-start"
	EventTypingStop     = "typing-stop"
)

// Outbound event names sent to clients.
const (
	EventAuthenticated       = "authenticated"
	EventAuthenticationError = "authentication-error"
	EventActiveUsers         = "active-users"
	EventUserJoined          = "user-joined"
	EventUserLeft            = "user-left"
	EventDocumentUpdated     = "document-updated"
	EventCursorUpdate        = "cursor-update"
	EventUserTyping          = "user-typing"
	EventAutoSaveComplete    = "auto-save-complete"
	EventError               = "error"
)

// Principal is the authenticated identity bound to a connection.
type Principal struct {
	UserID   string `json:"id"`
	Username string `json:"username"`
}

// Outbound is the envelope written to clients.
type Outbound struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// envelope is the wire shape of every inbound frame.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// The closed set of inbound variants. Frames that do not decode into one of
// these, or that miss a required field, are rejected before any handler runs.
type (
	Authenticate struct {
		Token string `json:"token"`
	}
	JoinDocument struct {
		DocumentID string `json:"documentId"`
	}
	DocumentChange struct {
		Content   *string         `json:"content"`
		Selection json.RawMessage `json:"selection,omitempty"`
	}
	CursorPosition struct {
		Position  json.RawMessage `json:"position"`
		Selection json.RawMessage `json:"selection,omitempty"`
	}
	AutoSave struct {
		Content *string `json:"content"`
		Title   string  `json:"title,omitempty"`
	}
	TypingStart struct{}
	TypingStop  struct{}
)

// ProtocolError reports a malformed or unknown inbound frame; it is surfaced
// to the client as a scoped error event, never as a disconnect.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return e.Reason
}

func protocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// ParseInbound decodes a raw frame into one of the typed variants.
func ParseInbound(raw []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, protocolError("malformed frame")
	}
	switch env.Type {
	case EventAuthenticate:
		var data Authenticate
		if err := unmarshalData(env.Data, &data); err != nil {
			return nil, err
		}
		if data.Token == "" {
			return nil, protocolError("authenticate requires token")
		}
		return data, nil
	case EventJoinDocument:
		var data JoinDocument
		if err := unmarshalData(env.Data, &data); err != nil {
			return nil, err
		}
		if data.DocumentID == "" {
			return nil, protocolError("join-document requires documentId")
		}
		return data, nil
	case EventDocumentChange:
		var data DocumentChange
		if err := unmarshalData(env.Data, &data); err != nil {
			return nil, err
		}
		if data.Content == nil {
			return nil, protocolError("document-change requires content")
		}
		return data, nil
	case EventCursorPosition:
		var data CursorPosition
		if err := unmarshalData(env.Data, &data); err != nil {
			return nil, err
		}
		return data, nil
	case EventAutoSave:
		var data AutoSave
		if err := unmarshalData(env.Data, &data); err != nil {
			return nil, err
		}
		if data.Content == nil {
			return nil, protocolError("auto-save requires content")
		}
		return data, nil
	case EventTypingStart:
		return TypingStart{}, nil
	case EventTypingStop:
		return TypingStop{}, nil
	case "":
		return nil, protocolError("missing event type")
	default:
		return nil, protocolError("unknown event type %q", env.Type)
	}
}

func unmarshalData(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return protocolError("missing event data")
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return protocolError("malformed event data")
	}
	return nil
}

func errorEvent(message string) Outbound {
	return Outbound{Type: EventError, Data: map[string]any{"message": message}}
}
