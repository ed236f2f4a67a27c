// Package transport carries protocol lines over persistent byte streams.
// Each Conn delivers one message per ReadLine and serializes WriteLine calls,
// so concurrent writers never interleave partial lines.
package transport

import (
	"context"
	"errors"
	"strings"
)

// MaxLineSize bounds a single protocol line.
const MaxLineSize = 1 << 20

// ErrListenerClosed is returned by Accept once the listener is closed.
var ErrListenerClosed = errors.New("listener closed")

// Conn is one accepted or dialed bidirectional line stream.
type Conn interface {
	// ReadLine blocks until a full line arrives, the stream ends (io.EOF) or
	// ctx is done. The returned slice is owned by the caller.
	ReadLine(ctx context.Context) ([]byte, error)
	// WriteLine writes line followed by a line terminator. Safe for
	// concurrent use.
	WriteLine(ctx context.Context, line []byte) error
	// Close tears the stream down; a blocked ReadLine returns an error.
	Close() error
	RemoteAddr() string
}

// Listener yields inbound Conns.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() string
}

// Dial connects to addr. Addresses with a ws:// or wss:// scheme use the
// WebSocket transport, anything else is treated as a TCP host:port.
func Dial(ctx context.Context, addr string) (Conn, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return DialWS(ctx, addr)
	}
	return DialTCP(ctx, addr)
}
