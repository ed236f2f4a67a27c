// Package peer implements the client side of the relay protocol: the
// registration handshake, correlated requests and the agent loop.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/sysrelay/internal/protocol"
	"github.com/gaspardpetit/sysrelay/internal/transport"
)

const defaultNotifyBuffer = 64

// Options configures a Client.
type Options struct {
	Logger zerolog.Logger
	// NotifyBuffer sizes the channel returned by Notifications. Messages
	// arriving while it is full are dropped.
	NotifyBuffer int
}

// Client is one registered connection to the relay. A background read loop
// resolves correlated replies and surfaces everything else as notifications.
type Client struct {
	id   string
	conn transport.Conn
	log  zerolog.Logger

	mu      sync.Mutex
	pending map[string]chan protocol.Envelope
	err     error

	notify    chan protocol.Envelope
	done      chan struct{}
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// ConnectAndRegister dials addr and registers as id.
func ConnectAndRegister(ctx context.Context, addr, id string, opts Options) (*Client, error) {
	conn, err := transport.Dial(ctx, addr)
	if err != nil {
		return nil, &protocol.ConnectionError{Op: "dial " + addr, Err: err}
	}
	c, err := Register(ctx, conn, id, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// Register runs the handshake on an open connection: it sends a
// RegisterRequest and blocks for exactly one reply line. Anything but a
// successful RegisterResponse fails with a *protocol.ConnectionError.
func Register(ctx context.Context, conn transport.Conn, id string, opts Options) (*Client, error) {
	req, err := protocol.New(protocol.RegisterRequest, uuid.NewString(), protocol.RegisterRequestPayload{ClientID: id})
	if err != nil {
		return nil, err
	}
	b, err := protocol.Encode(req)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteLine(ctx, b); err != nil {
		return nil, &protocol.ConnectionError{Op: "register", Err: err}
	}
	line, err := conn.ReadLine(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("server closed the connection before responding")
		}
		return nil, &protocol.ConnectionError{Op: "register", Err: err}
	}
	resp, err := protocol.Decode(line)
	if err != nil {
		return nil, &protocol.ConnectionError{Op: "register", Err: err}
	}
	switch resp.MessageType {
	case protocol.RegisterResponse:
		var p protocol.RegisterResponsePayload
		if err := resp.DecodePayload(&p); err != nil {
			return nil, &protocol.ConnectionError{Op: "register", Err: err}
		}
		if !p.Success {
			return nil, &protocol.ConnectionError{Op: "register", Err: fmt.Errorf("registration failed: %s", p.Message)}
		}
	case protocol.ErrorResponse:
		var p protocol.ErrorResponsePayload
		_ = resp.DecodePayload(&p)
		return nil, &protocol.ConnectionError{Op: "register", Err: &protocol.RemoteError{CorrelationID: resp.CorrelationID, Message: p.Message}}
	default:
		return nil, &protocol.ConnectionError{Op: "register", Err: fmt.Errorf("unexpected reply %s", resp.MessageType)}
	}

	if opts.NotifyBuffer <= 0 {
		opts.NotifyBuffer = defaultNotifyBuffer
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		id:      id,
		conn:    conn,
		log:     opts.Logger.With().Str("client_id", id).Logger(),
		pending: make(map[string]chan protocol.Envelope),
		notify:  make(chan protocol.Envelope, opts.NotifyBuffer),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go c.readLoop(loopCtx)
	return c, nil
}

func (c *Client) ID() string { return c.id }

// Notifications delivers every inbound message that did not answer a pending
// request: routed CommandRequests and uncorrelated ErrorResponses. It is
// closed when the connection ends.
func (c *Client) Notifications() <-chan protocol.Envelope { return c.notify }

// Done is closed once the read loop has exited.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended. It is nil before Done is closed and
// after a local Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears the connection down and waits for the read loop to exit.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close()
	})
	<-c.done
	return err
}

func (c *Client) readLoop(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		// abandoned waiters observe done
		c.pending = nil
		c.mu.Unlock()
		close(c.notify)
		close(c.done)
	}()
	for {
		line, err := c.conn.ReadLine(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.mu.Lock()
				c.err = &protocol.ConnectionError{Op: "read", Err: err}
				c.mu.Unlock()
				c.log.Debug().Err(err).Msg("connection lost")
			}
			_ = c.conn.Close()
			return
		}
		env, err := protocol.Decode(line)
		if err != nil {
			c.log.Warn().Err(err).Msg("undecodable message from relay")
			continue
		}
		if c.resolve(env) {
			continue
		}
		select {
		case c.notify <- env:
		default:
			c.log.Warn().Str("message_type", string(env.MessageType)).Str("correlation_id", env.CorrelationID).Msg("notification dropped, buffer full")
		}
	}
}

func (c *Client) resolve(env protocol.Envelope) bool {
	if env.CorrelationID == "" {
		return false
	}
	c.mu.Lock()
	ch, ok := c.pending[env.CorrelationID]
	if ok {
		delete(c.pending, env.CorrelationID)
	}
	c.mu.Unlock()
	if ok {
		ch <- env
	}
	return ok
}

// Send writes env without waiting for a reply.
func (c *Client) Send(ctx context.Context, env protocol.Envelope) error {
	b, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := c.conn.WriteLine(ctx, b); err != nil {
		return &protocol.ConnectionError{Op: "write", Err: err}
	}
	return nil
}

// Request sends env and waits up to timeout for the reply carrying the same
// correlation id, generating one when env has none. On timeout the waiter is
// removed and a late reply is dropped. An ErrorResponse reply is returned
// together with a *protocol.RemoteError. A timeout of zero waits until ctx
// is done.
func (c *Client) Request(ctx context.Context, env protocol.Envelope, timeout time.Duration) (protocol.Envelope, error) {
	if env.CorrelationID == "" {
		env.CorrelationID = uuid.NewString()
	}
	id := env.CorrelationID
	ch := make(chan protocol.Envelope, 1)

	c.mu.Lock()
	switch {
	case c.pending == nil:
		c.mu.Unlock()
		return protocol.Envelope{}, c.closedErr()
	case c.pending[id] != nil:
		c.mu.Unlock()
		return protocol.Envelope{}, fmt.Errorf("correlation id %s already in flight", id)
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer c.forget(id)

	if err := c.Send(ctx, env); err != nil {
		return protocol.Envelope{}, err
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case reply := <-ch:
		return replyResult(reply)
	case <-expired:
		return protocol.Envelope{}, fmt.Errorf("%w: no reply to %s %s within %s", protocol.ErrTimeout, env.MessageType, id, timeout)
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	case <-c.done:
		select {
		case reply := <-ch:
			return replyResult(reply)
		default:
		}
		return protocol.Envelope{}, c.closedErr()
	}
}

func replyResult(reply protocol.Envelope) (protocol.Envelope, error) {
	if reply.MessageType == protocol.ErrorResponse {
		var p protocol.ErrorResponsePayload
		_ = reply.DecodePayload(&p)
		return reply, &protocol.RemoteError{CorrelationID: reply.CorrelationID, Message: p.Message}
	}
	return reply, nil
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Client) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return &protocol.ConnectionError{Op: "request", Err: net.ErrClosed}
}

// PublishStatus sends a fire-and-forget StatusUpdateRequest. status must
// marshal to a JSON object.
func (c *Client) PublishStatus(ctx context.Context, status any) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if !protocol.IsJSONObject(raw) {
		return fmt.Errorf("status must be a JSON object, got %s", raw)
	}
	env, err := protocol.New(protocol.StatusUpdateRequest, "", protocol.StatusUpdatePayload{ClientID: c.id, Status: raw})
	if err != nil {
		return err
	}
	return c.Send(ctx, env)
}

// QueryStatus asks the relay for the last status reported by target.
func (c *Client) QueryStatus(ctx context.Context, target string, timeout time.Duration) (protocol.StatusQueryResponsePayload, error) {
	var out protocol.StatusQueryResponsePayload
	env, err := protocol.New(protocol.StatusQueryRequest, "", protocol.StatusQueryPayload{TargetClientID: target})
	if err != nil {
		return out, err
	}
	reply, err := c.Request(ctx, env, timeout)
	if err != nil {
		return out, err
	}
	if reply.MessageType != protocol.StatusQueryResponse {
		return out, fmt.Errorf("unexpected reply %s", reply.MessageType)
	}
	err = reply.DecodePayload(&out)
	return out, err
}

// SendCommand routes command to target through the relay and waits for the
// target's CommandResponse. A target that is not connected yields a
// *protocol.RemoteError.
func (c *Client) SendCommand(ctx context.Context, target, command string, timeout time.Duration) (protocol.CommandResponsePayload, error) {
	var out protocol.CommandResponsePayload
	env, err := protocol.New(protocol.CommandRequest, "", protocol.CommandRequestPayload{TargetClientID: target, Command: command})
	if err != nil {
		return out, err
	}
	reply, err := c.Request(ctx, env, timeout)
	if err != nil {
		return out, err
	}
	if reply.MessageType != protocol.CommandResponse {
		return out, fmt.Errorf("unexpected reply %s", reply.MessageType)
	}
	err = reply.DecodePayload(&out)
	return out, err
}

// Reply answers a routed CommandRequest.
func (c *Client) Reply(ctx context.Context, correlationID string, success bool, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	env, err := protocol.New(protocol.CommandResponse, correlationID, protocol.CommandResponsePayload{SourceClientID: c.id, Success: success, Result: raw})
	if err != nil {
		return err
	}
	return c.Send(ctx, env)
}
