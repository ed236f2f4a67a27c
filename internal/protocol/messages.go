package protocol

import "encoding/json"

type RegisterRequestPayload struct {
	ClientID string `json:"ClientId"`
}

type RegisterResponsePayload struct {
	Success bool   `json:"Success"`
	Message string `json:"Message,omitempty"`
}

type StatusUpdatePayload struct {
	ClientID string          `json:"ClientId"`
	Status   json.RawMessage `json:"Status"`
}

type StatusQueryPayload struct {
	TargetClientID string `json:"TargetClientId"`
}

type StatusQueryResponsePayload struct {
	Found    bool            `json:"Found"`
	ClientID string          `json:"ClientId,omitempty"`
	Status   json.RawMessage `json:"Status,omitempty"`
	Message  string          `json:"Message,omitempty"`
}

type CommandRequestPayload struct {
	TargetClientID string `json:"TargetClientId"`
	Command        string `json:"Command"`
}

type CommandResponsePayload struct {
	SourceClientID string          `json:"SourceClientId"`
	Success        bool            `json:"Success"`
	Result         json.RawMessage `json:"Result,omitempty"`
}

type ErrorResponsePayload struct {
	Message string `json:"Message"`
}

// NewError builds an ErrorResponse envelope.
func NewError(correlationID, message string) Envelope {
	env, _ := New(ErrorResponse, correlationID, ErrorResponsePayload{Message: message})
	return env
}
