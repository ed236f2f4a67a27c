package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Encode renders env as a single line without the trailing newline.
// encoding/json escapes control characters inside strings and compacts raw
// payloads, so the result never contains a newline.
func Encode(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// Decode parses one protocol line. Anything that is not a JSON object yields
// an error wrapping ErrMalformed; the caller decides whether that is fatal.
func Decode(line []byte) (Envelope, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Envelope{}, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, nil
}
