package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed marks a line that could not be decoded as an envelope.
	ErrMalformed = errors.New("invalid JSON format")
	// ErrRegistrationRequired marks a first message that is not a RegisterRequest.
	ErrRegistrationRequired = errors.New("first message must be RegisterRequest")
	// ErrMissingClientID marks a RegisterRequest without a ClientId.
	ErrMissingClientID = errors.New("ClientId is missing")
	// ErrTargetNotConnected marks a command addressed to an absent client.
	ErrTargetNotConnected = errors.New("target client not connected")
	// ErrTimeout marks a correlated request that received no reply in time.
	ErrTimeout = errors.New("request timed out")
)

// ConnectionError reports a socket level failure or a refused registration.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RemoteError is an ErrorResponse received from the relay.
type RemoteError struct {
	CorrelationID string
	Message       string
}

func (e *RemoteError) Error() string { return "relay error: " + e.Message }

// Human readable messages carried in ErrorResponse and RegisterResponse payloads.
const (
	MsgRegistered          = "Registration successful."
	MsgFirstMustBeRegister = "Registration failed: First message must be RegisterRequest."
	MsgMissingClientID     = "Registration failed: ClientId is missing."
	MsgRegisterInvalidJSON = "Registration failed: Invalid JSON format."
	MsgInvalidJSON         = "Invalid JSON format."
	MsgTargetIDMissing     = "TargetClientId is missing."
	msgUnknownMessageType  = "Unknown MessageType: %s"
	msgTargetNotConnected  = "Target client %s not connected."
	msgStatusNotFound      = "Client %s not found or has not reported status."
)

// UnknownMessageType formats the ErrorResponse text for an unsupported type.
func UnknownMessageType(t MessageType) string { return fmt.Sprintf(msgUnknownMessageType, t) }

// TargetNotConnected formats the ErrorResponse text for a routing miss.
func TargetNotConnected(id string) string { return fmt.Sprintf(msgTargetNotConnected, id) }

// StatusNotFound formats the StatusQueryResponse text for an unknown client.
func StatusNotFound(id string) string { return fmt.Sprintf(msgStatusNotFound, id) }
