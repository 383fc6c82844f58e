package walletlink

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// heartbeatFrame is the reserved single-character liveness pulse. It is
// sent and received verbatim, never JSON encoded.
const heartbeatFrame = "h"

// Client to server message types.
const (
	TypeHostSession      = "HostSession"
	TypeIsLinked         = "IsLinked"
	TypeGetSessionConfig = "GetSessionConfig"
	TypeSetSessionConfig = "SetSessionConfig"
	TypePublishEvent     = "PublishEvent"
)

// Server to client message types.
const (
	TypeOK                   = "OK"
	TypeFail                 = "Fail"
	TypeIsLinkedOK           = "IsLinkedOK"
	TypeLinked               = "Linked"
	TypeGetSessionConfigOK   = "GetSessionConfigOK"
	TypeSessionConfigUpdated = "SessionConfigUpdated"
	TypePublishEventOK       = "PublishEventOK"
	TypeEvent                = "Event"
)

// EventWeb3Response is the only event name the engine decrypts and
// forwards to the listener.
const EventWeb3Response = "Web3Response"

// ClientMessage is any message the client sends to the relay.
type ClientMessage interface {
	MessageType() string
}

// HostSessionMessage authenticates the session on a fresh connection.
type HostSessionMessage struct {
	Type       string `json:"type"`
	ID         int    `json:"id"`
	SessionID  string `json:"sessionId"`
	SessionKey string `json:"sessionKey"`
}

func (m HostSessionMessage) MessageType() string { return m.Type }

// IsLinkedMessage asks the relay whether a wallet is paired.
type IsLinkedMessage struct {
	Type      string `json:"type"`
	ID        int    `json:"id"`
	SessionID string `json:"sessionId"`
}

func (m IsLinkedMessage) MessageType() string { return m.Type }

// GetSessionConfigMessage asks for a full metadata snapshot.
type GetSessionConfigMessage struct {
	Type      string `json:"type"`
	ID        int    `json:"id"`
	SessionID string `json:"sessionId"`
}

func (m GetSessionConfigMessage) MessageType() string { return m.Type }

// SetSessionConfigMessage writes session metadata on the relay.
type SetSessionConfigMessage struct {
	Type       string            `json:"type"`
	ID         int               `json:"id"`
	SessionID  string            `json:"sessionId"`
	WebhookID  string            `json:"webhookId,omitempty"`
	WebhookURL string            `json:"webhookUrl,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (m SetSessionConfigMessage) MessageType() string { return m.Type }

// PublishEventMessage sends an encrypted event to the paired wallet.
type PublishEventMessage struct {
	Type        string `json:"type"`
	ID          int    `json:"id"`
	SessionID   string `json:"sessionId"`
	Event       string `json:"event"`
	Data        string `json:"data"`
	CallWebhook bool   `json:"callWebhook"`
}

func (m PublishEventMessage) MessageType() string { return m.Type }

func newHostSession(id int, s Session) HostSessionMessage {
	return HostSessionMessage{Type: TypeHostSession, ID: id, SessionID: s.ID, SessionKey: s.Key}
}

func newIsLinked(id int, sessionID string) IsLinkedMessage {
	return IsLinkedMessage{Type: TypeIsLinked, ID: id, SessionID: sessionID}
}

func newGetSessionConfig(id int, sessionID string) GetSessionConfigMessage {
	return GetSessionConfigMessage{Type: TypeGetSessionConfig, ID: id, SessionID: sessionID}
}

// ServerMessage is the union of every server to client variant. Only the
// fields relevant to Type are populated. ID is zero for unsolicited
// pushes; request ids start at 1.
type ServerMessage struct {
	Type         string            `json:"type"`
	ID           int               `json:"id,omitempty"`
	SessionID    string            `json:"sessionId,omitempty"`
	Error        string            `json:"error,omitempty"`
	Linked       bool              `json:"linked,omitempty"`
	OnlineGuests int               `json:"onlineGuests,omitempty"`
	WebhookID    string            `json:"webhookId,omitempty"`
	WebhookURL   string            `json:"webhookUrl,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	EventID      string            `json:"eventId,omitempty"`
	Event        string            `json:"event,omitempty"`
	Data         string            `json:"data,omitempty"`
}

// decodeServerMessage parses a text frame. The type is peeked first so
// frames that are not typed JSON objects are rejected without a full
// decode.
func decodeServerMessage(data []byte) (ServerMessage, error) {
	if !gjson.ValidBytes(data) {
		return ServerMessage{}, fmt.Errorf("frame is not valid JSON")
	}

	typ := gjson.GetBytes(data, "type")
	if typ.Type != gjson.String || typ.Str == "" {
		return ServerMessage{}, fmt.Errorf("frame has no message type")
	}

	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{}, fmt.Errorf("decoding %s message: %w", typ.Str, err)
	}

	return msg, nil
}

// encodeClientMessage marshals an outbound message into a text frame.
func encodeClientMessage(msg ClientMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s message: %w", msg.MessageType(), err)
	}

	return data, nil
}
