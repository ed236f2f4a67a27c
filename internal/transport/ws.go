package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

type wsConn struct {
	c      *websocket.Conn
	remote string
}

func newWSConn(c *websocket.Conn, remote string) *wsConn {
	c.SetReadLimit(MaxLineSize)
	return &wsConn{c: c, remote: remote}
}

// DialWS opens a WebSocket connection to url; every text message is one line.
func DialWS(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(c, url), nil
}

func (w *wsConn) ReadLine(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, io.EOF
		}
		return nil, err
	}
	return bytes.TrimRight(data, "\r\n"), nil
}

// WriteLine relies on websocket.Conn.Write being safe for concurrent use;
// each call produces exactly one frame.
func (w *wsConn) WriteLine(ctx context.Context, line []byte) error {
	return w.c.Write(ctx, websocket.MessageText, line)
}

func (w *wsConn) Close() error {
	return w.c.CloseNow()
}

func (w *wsConn) RemoteAddr() string { return w.remote }

// WSListener accepts WebSocket upgrades as an http.Handler and hands the
// resulting Conns to Accept.
type WSListener struct {
	path      string
	opts      *websocket.AcceptOptions
	conns     chan Conn
	closed    chan struct{}
	closeOnce sync.Once
}

// NewWSListener returns a listener reporting path as its address. Browser
// origins are checked against originPatterns; agents that send no Origin
// header are always accepted.
func NewWSListener(path string, originPatterns []string) *WSListener {
	return &WSListener{
		path:   path,
		opts:   &websocket.AcceptOptions{OriginPatterns: originPatterns},
		conns:  make(chan Conn),
		closed: make(chan struct{}),
	}
}

func (l *WSListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.closed:
		http.Error(w, "relay stopped", http.StatusServiceUnavailable)
		return
	default:
	}
	c, err := websocket.Accept(w, r, l.opts)
	if err != nil {
		return
	}
	conn := newWSConn(c, r.RemoteAddr)
	select {
	case l.conns <- conn:
	case <-l.closed:
		_ = conn.Close()
	case <-r.Context().Done():
		_ = conn.Close()
	}
}

func (l *WSListener) Accept() (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	}
}

func (l *WSListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *WSListener) Addr() string { return l.path }

var _ Listener = (*WSListener)(nil)

// IsClosed reports whether err signals a connection torn down by either side.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) || websocket.CloseStatus(err) != -1
}
