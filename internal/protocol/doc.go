// Package protocol defines the relay wire contract: one JSON envelope per line,
// carrying a MessageType, an optional CorrelationId and a type specific
// Payload. The package is transport agnostic; see internal/transport for the
// byte streams that carry these lines.
package protocol
