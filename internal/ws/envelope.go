package ws

import (
	"encoding/json"
	"time"
)

// Inbound and control envelope types. Event types live in domain.
const (
	TypeSession   = "session"
	TypeMessage   = "message"
	TypeAck       = "ack"
	TypeError     = "error"
	TypeHeartbeat = "heartbeat"
	TypeTyping    = "typing"
)

// Envelope is the wire format for every websocket frame.
type Envelope struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	MsgID          string          `json:"msg_id,omitempty"`
	TempID         string          `json:"temp_id,omitempty"`
	From           string          `json:"from,omitempty"`
	SessionID      string          `json:"session_id,omitempty"`
	Code           string          `json:"code,omitempty"`
	Error          string          `json:"error,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	At             time.Time       `json:"at"`
}

func NewEnvelope(typ, conversationID string, payload any) (Envelope, error) {
	env := Envelope{Type: typ, ConversationID: conversationID, At: time.Now().UTC()}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = b
	}
	return env, nil
}

// Delivery addresses an envelope to every session of each recipient except
// ExcludeSession.
type Delivery struct {
	Recipients     []string `json:"recipients"`
	ExcludeSession string   `json:"exclude_session,omitempty"`
	Envelope       Envelope `json:"envelope"`
}
