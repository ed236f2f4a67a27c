package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

type tcpConn struct {
	c         net.Conn
	sc        *bufio.Scanner
	rmu       sync.Mutex
	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an established net.Conn as a newline delimited Conn.
func NewConn(c net.Conn) Conn {
	sc := bufio.NewScanner(c)
	sc.Buffer(make([]byte, 0, 4096), MaxLineSize)
	return &tcpConn{c: c, sc: sc}
}

// DialTCP opens a TCP connection to addr.
func DialTCP(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewConn(c), nil
}

func (t *tcpConn) ReadLine(ctx context.Context) ([]byte, error) {
	t.rmu.Lock()
	defer t.rmu.Unlock()
	stop := context.AfterFunc(ctx, func() {
		_ = t.c.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()
	if t.sc.Scan() {
		return bytes.Clone(t.sc.Bytes()), nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	err := t.sc.Err()
	if err == nil {
		return nil, io.EOF
	}
	if errors.Is(err, bufio.ErrTooLong) {
		return nil, fmt.Errorf("line exceeds %d bytes: %w", MaxLineSize, err)
	}
	return nil, err
}

func (t *tcpConn) WriteLine(ctx context.Context, line []byte) error {
	buf := make([]byte, len(line)+1)
	copy(buf, line)
	buf[len(line)] = '\n'

	t.wmu.Lock()
	defer t.wmu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = t.c.SetWriteDeadline(dl)
		defer func() { _ = t.c.SetWriteDeadline(time.Time{}) }()
	}
	_, err := t.c.Write(buf)
	return err
}

func (t *tcpConn) Close() error {
	t.closeOnce.Do(func() { t.closeErr = t.c.Close() })
	return t.closeErr
}

func (t *tcpConn) RemoteAddr() string {
	if a := t.c.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

type tcpListener struct {
	ln net.Listener
}

// ListenTCP binds addr and returns a Listener of newline delimited Conns.
func ListenTCP(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln}, nil
}

func (l *tcpListener) Accept() (Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
	}
	return NewConn(c), nil
}

func (l *tcpListener) Close() error { return l.ln.Close() }

func (l *tcpListener) Addr() string { return l.ln.Addr().String() }
