package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MessageType names the kind of payload an Envelope carries.
type MessageType string

const (
	RegisterRequest     MessageType = "RegisterRequest"
	RegisterResponse    MessageType = "RegisterResponse"
	StatusUpdateRequest MessageType = "StatusUpdateRequest"
	StatusQueryRequest  MessageType = "StatusQueryRequest"
	StatusQueryResponse MessageType = "StatusQueryResponse"
	CommandRequest      MessageType = "CommandRequest"
	CommandResponse     MessageType = "CommandResponse"
	ErrorResponse       MessageType = "ErrorResponse"
)

// Known reports whether t is part of the protocol.
func (t MessageType) Known() bool {
	switch t {
	case RegisterRequest, RegisterResponse, StatusUpdateRequest, StatusQueryRequest,
		StatusQueryResponse, CommandRequest, CommandResponse, ErrorResponse:
		return true
	}
	return false
}

// Envelope is the single JSON object carried on each protocol line.
type Envelope struct {
	MessageType   MessageType     `json:"MessageType"`
	CorrelationID string          `json:"CorrelationId,omitempty"`
	Payload       json.RawMessage `json:"Payload,omitempty"`
}

// UnmarshalJSON accepts any JSON scalar for MessageType and CorrelationId.
// Strings are taken as is, null reads as empty and other values keep their
// compact JSON text, so a numeric id 7 becomes "7".
func (e *Envelope) UnmarshalJSON(b []byte) error {
	var wire struct {
		MessageType   json.RawMessage `json:"MessageType"`
		CorrelationID json.RawMessage `json:"CorrelationId"`
		Payload       json.RawMessage `json:"Payload"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	e.MessageType = MessageType(looseString(wire.MessageType))
	e.CorrelationID = looseString(wire.CorrelationID)
	e.Payload = wire.Payload
	return nil
}

func looseString(raw json.RawMessage) string {
	p := bytes.TrimSpace(raw)
	if len(p) == 0 || bytes.Equal(p, []byte("null")) {
		return ""
	}
	if p[0] == '"' {
		var s string
		if err := json.Unmarshal(p, &s); err == nil {
			return s
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, p); err != nil {
		return string(p)
	}
	return buf.String()
}

// New builds an envelope, marshaling payload into the Payload field.
func New(t MessageType, correlationID string, payload any) (Envelope, error) {
	env := Envelope{MessageType: t, CorrelationID: correlationID}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Payload = b
	return env, nil
}

// DecodePayload unmarshals the envelope payload into v. An absent or null
// payload leaves v untouched and is not an error.
func (e Envelope) DecodePayload(v any) error {
	p := bytes.TrimSpace(e.Payload)
	if len(p) == 0 || bytes.Equal(p, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(p, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.MessageType, err)
	}
	return nil
}

// IsJSONObject reports whether raw holds a JSON object.
func IsJSONObject(raw json.RawMessage) bool {
	p := bytes.TrimSpace(raw)
	return len(p) > 0 && p[0] == '{' && json.Valid(p)
}
