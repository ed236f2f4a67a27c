package peer

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/sysrelay/core/reconnect"
	"github.com/gaspardpetit/sysrelay/internal/hostinfo"
	"github.com/gaspardpetit/sysrelay/internal/protocol"
)

// CommandDiagnostics is the command every agent answers by default.
const CommandDiagnostics = "get_diagnostics"

// CommandHandler executes a routed command and returns the CommandResponse
// Success flag and Result.
type CommandHandler func(ctx context.Context, command string) (bool, any)

// StatusSource produces the status object published on every tick.
type StatusSource func(ctx context.Context) (any, error)

// AgentOptions configures an Agent. Zero values fall back to the host
// sampler, the default command handler and 10 s intervals.
type AgentOptions struct {
	Logger         zerolog.Logger
	StatusInterval time.Duration
	ReconnectDelay time.Duration
	Status         StatusSource
	Handler        CommandHandler
	// DialTimeout bounds connect plus registration.
	DialTimeout time.Duration
}

// Agent is the reporting role: it stays registered under one id, publishes
// status periodically and answers routed commands, reconnecting with a fixed
// delay whenever the connection drops.
type Agent struct {
	addr string
	id   string
	opts AgentOptions
	log  zerolog.Logger
}

func NewAgent(addr, id string, opts AgentOptions) *Agent {
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 10 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 10 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.Status == nil {
		opts.Status = HostStatus
	}
	if opts.Handler == nil {
		opts.Handler = DefaultHandler(os.TempDir())
	}
	return &Agent{addr: addr, id: id, opts: opts, log: opts.Logger.With().Str("client_id", id).Logger()}
}

// Run keeps the agent connected until ctx is canceled.
func (a *Agent) Run(ctx context.Context) error {
	err := reconnect.Run(ctx, reconnect.Fixed(a.opts.ReconnectDelay), a.session, func(err error, wait time.Duration) {
		ev := a.log.Warn()
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Dur("retry_in", wait).Msg("disconnected, reconnecting")
	})
	a.log.Info().Msg("agent stopped")
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// session runs one connection from registration until it drops.
func (a *Agent) session(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, a.opts.DialTimeout)
	c, err := ConnectAndRegister(dctx, a.addr, a.id, Options{Logger: a.log})
	cancel()
	if err != nil {
		return err
	}
	defer c.Close()
	a.log.Info().Str("server", a.addr).Msg("connected and registered")

	ticker := time.NewTicker(a.opts.StatusInterval)
	defer ticker.Stop()
	a.publish(ctx, c)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			return c.Err()
		case <-ticker.C:
			a.publish(ctx, c)
		case env, ok := <-c.Notifications():
			if !ok {
				<-c.Done()
				return c.Err()
			}
			a.handle(ctx, c, env)
		}
	}
}

func (a *Agent) publish(ctx context.Context, c *Client) {
	status, err := a.opts.Status(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("sample status")
	}
	if status == nil {
		return
	}
	if err := c.PublishStatus(ctx, status); err != nil {
		a.log.Warn().Err(err).Msg("publish status")
		return
	}
	a.log.Debug().Msg("status published")
}

func (a *Agent) handle(ctx context.Context, c *Client, env protocol.Envelope) {
	switch env.MessageType {
	case protocol.CommandRequest:
		var p protocol.CommandRequestPayload
		if err := env.DecodePayload(&p); err != nil {
			a.log.Debug().Err(err).Str("correlation_id", env.CorrelationID).Msg("payload decode failed")
		}
		log := a.log.With().Str("correlation_id", env.CorrelationID).Str("command", p.Command).Logger()
		log.Info().Msg("command received")
		ok, result := a.opts.Handler(ctx, p.Command)
		if err := c.Reply(ctx, env.CorrelationID, ok, result); err != nil {
			log.Warn().Err(err).Msg("send command response")
			return
		}
		log.Debug().Bool("success", ok).Msg("command response sent")
	case protocol.ErrorResponse:
		var p protocol.ErrorResponsePayload
		_ = env.DecodePayload(&p)
		a.log.Warn().Str("message", p.Message).Msg("relay reported an error")
	default:
		a.log.Debug().Str("message_type", string(env.MessageType)).Msg("ignored message")
	}
}

// HostStatus samples the local machine.
func HostStatus(ctx context.Context) (any, error) {
	st, err := hostinfo.Collect(ctx)
	return st, err
}

// DefaultHandler answers get_diagnostics with disk usage of the volume holding
// diskPath and the host uptime. Any other command fails with
// "Unknown command: <name>".
func DefaultHandler(diskPath string) CommandHandler {
	return func(ctx context.Context, command string) (bool, any) {
		switch command {
		case CommandDiagnostics:
			d, err := hostinfo.CollectDiagnostics(ctx, diskPath)
			if err != nil {
				return false, err.Error()
			}
			return true, d
		default:
			return false, "Unknown command: " + command
		}
	}
}
