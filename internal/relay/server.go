package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/sysrelay/internal/metrics"
	"github.com/gaspardpetit/sysrelay/internal/protocol"
	"github.com/gaspardpetit/sysrelay/internal/transport"
)

const (
	defaultWriteTimeout  = 10 * time.Second
	defaultSweepInterval = time.Minute
)

// Options configures a Server.
type Options struct {
	Logger zerolog.Logger
	// Status defaults to an in-memory store without expiry.
	Status StatusStore
	// PendingTTL bounds how long a routed command waits for its response
	// before the sweep forgets it. Zero keeps entries until answered.
	PendingTTL    time.Duration
	SweepInterval time.Duration
	WriteTimeout  time.Duration
}

// Server is the relay. It owns the registry, the status store and the
// command router; any number of listeners may feed it connections.
type Server struct {
	log      zerolog.Logger
	registry *Registry
	status   StatusStore
	router   *Router
	opts     Options

	sweepOnce sync.Once
}

func New(opts Options) *Server {
	if opts.Status == nil {
		opts.Status = NewMemoryStore(0)
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	return &Server{
		log:      opts.Logger,
		registry: NewRegistry(),
		status:   opts.Status,
		router:   NewRouter(),
		opts:     opts,
	}
}

func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) Router() *Router { return s.router }

func (s *Server) Status() StatusStore { return s.status }

// Start binds a TCP listener on addr and serves it until ctx is canceled.
// A bind failure is returned immediately.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := transport.ListenTCP(addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln, one handler goroutine each, until ctx is
// canceled. On cancellation the listener is closed, every handler observes
// the canceled context and Serve waits for them to exit.
func (s *Server) Serve(ctx context.Context, ln transport.Listener) error {
	s.log.Info().Str("addr", ln.Addr()).Msg("relay listening")
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	s.sweepOnce.Do(func() { go s.sweepLoop(ctx) })

	// handlers are tracked per listener; several Serve calls may share s
	var wg sync.WaitGroup
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, transport.ErrListenerClosed) {
				return err
			}
			s.log.Error().Err(err).Str("addr", ln.Addr()).Msg("accept")
			select {
			case <-ctx.Done():
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(ctx, c)
		}()
	}

	s.log.Info().Str("addr", ln.Addr()).Msg("relay stopping")
	wg.Wait()
	s.log.Info().Str("addr", ln.Addr()).Msg("relay stopped")
	return nil
}

func (s *Server) handle(ctx context.Context, c transport.Conn) {
	defer func() { _ = c.Close() }()
	metrics.ConnectionOpened()
	defer metrics.ConnectionClosed()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	log := s.log.With().Str("remote_addr", c.RemoteAddr()).Logger()
	log.Debug().Msg("connection accepted")

	line, err := c.ReadLine(connCtx)
	if err != nil {
		log.Debug().Err(err).Msg("closed before registering")
		return
	}
	sess, err := s.register(connCtx, cancel, c, line)
	if err != nil {
		metrics.RecordRegistration("rejected")
		log.Warn().Err(err).Msg("registration rejected")
		return
	}
	defer s.unregister(sess)

	log = log.With().Str("client_id", sess.ID).Logger()
	for {
		line, err := c.ReadLine(connCtx)
		if err != nil {
			if connCtx.Err() != nil || transport.IsClosed(err) {
				log.Info().Msg("disconnected")
			} else {
				log.Error().Err(err).Msg("disconnected")
			}
			return
		}
		s.dispatch(connCtx, log, sess, line)
	}
}

// register runs the handshake on the first line of a connection.
func (s *Server) register(ctx context.Context, cancel context.CancelFunc, c transport.Conn, line []byte) (*Session, error) {
	env, err := protocol.Decode(line)
	if err != nil {
		s.reply(ctx, c, protocol.NewError("", protocol.MsgRegisterInvalidJSON))
		return nil, err
	}
	if env.MessageType != protocol.RegisterRequest {
		s.reply(ctx, c, protocol.NewError(env.CorrelationID, protocol.MsgFirstMustBeRegister))
		return nil, fmt.Errorf("%w: got %q", protocol.ErrRegistrationRequired, env.MessageType)
	}
	var p protocol.RegisterRequestPayload
	decodePayload(s.log.With().Str("remote_addr", c.RemoteAddr()).Logger(), env, &p)
	if p.ClientID == "" {
		s.reply(ctx, c, protocol.NewError(env.CorrelationID, protocol.MsgMissingClientID))
		return nil, protocol.ErrMissingClientID
	}

	sess := newSession(p.ClientID, c, cancel)
	if prev := s.registry.Register(sess); prev != nil {
		metrics.RecordRegistration("superseded")
		s.log.Warn().Str("client_id", sess.ID).Str("remote_addr", c.RemoteAddr()).Str("previous_addr", prev.Conn.RemoteAddr()).Msg("reconnected, closed previous session")
	} else {
		metrics.RecordRegistration("new")
		s.log.Info().Str("client_id", sess.ID).Str("remote_addr", c.RemoteAddr()).Msg("registered")
	}
	metrics.SetRegisteredClients(s.registry.Len())

	resp, _ := protocol.New(protocol.RegisterResponse, env.CorrelationID, protocol.RegisterResponsePayload{Success: true, Message: protocol.MsgRegistered})
	if err := s.send(ctx, sess, resp); err != nil {
		s.unregister(sess)
		return nil, &protocol.ConnectionError{Op: "register reply", Err: err}
	}
	return sess, nil
}

// decodePayload fills v from the envelope payload. A payload of the wrong
// shape leaves v zeroed.
func decodePayload(log zerolog.Logger, env protocol.Envelope, v any) {
	if err := env.DecodePayload(v); err != nil {
		log.Debug().Err(err).Str("correlation_id", env.CorrelationID).Msg("payload decode failed")
	}
}

func (s *Server) unregister(sess *Session) {
	if s.registry.RemoveIf(sess.ID, sess) {
		s.log.Info().Str("client_id", sess.ID).Msg("client cleaned up")
	}
	metrics.SetRegisteredClients(s.registry.Len())
}

// dispatch handles one line from a registered session. Lines of a single
// session are handled strictly in order by its own goroutine.
func (s *Server) dispatch(ctx context.Context, log zerolog.Logger, sess *Session, line []byte) {
	env, err := protocol.Decode(line)
	if err != nil {
		metrics.RecordProtocolError("malformed")
		log.Warn().Err(err).Msg("malformed message")
		s.sendLogged(ctx, log, sess, protocol.NewError("", protocol.MsgInvalidJSON))
		return
	}
	if env.MessageType.Known() {
		metrics.RecordMessage(string(env.MessageType))
	} else {
		metrics.RecordMessage("unknown")
	}

	switch env.MessageType {
	case protocol.StatusUpdateRequest:
		s.handleStatusUpdate(ctx, log, sess, env)
	case protocol.StatusQueryRequest:
		s.handleStatusQuery(ctx, log, sess, env)
	case protocol.CommandRequest:
		s.routeCommand(ctx, log, sess, env, line)
	case protocol.CommandResponse:
		s.routeResponse(ctx, log, sess, env, line)
	default:
		metrics.RecordProtocolError("unknown_type")
		log.Warn().Str("message_type", string(env.MessageType)).Msg("unknown message type")
		s.sendLogged(ctx, log, sess, protocol.NewError(env.CorrelationID, protocol.UnknownMessageType(env.MessageType)))
	}
}

// handleStatusUpdate stores the status only when the payload names the
// sending client; mismatches are dropped without a reply.
func (s *Server) handleStatusUpdate(ctx context.Context, log zerolog.Logger, sess *Session, env protocol.Envelope) {
	var p protocol.StatusUpdatePayload
	decodePayload(log, env, &p)
	if p.ClientID != sess.ID || !protocol.IsJSONObject(p.Status) {
		log.Debug().Str("payload_client_id", p.ClientID).Msg("status update dropped")
		return
	}
	if err := s.status.Put(ctx, sess.ID, p.Status); err != nil {
		log.Error().Err(err).Msg("store status")
	}
}

func (s *Server) handleStatusQuery(ctx context.Context, log zerolog.Logger, sess *Session, env protocol.Envelope) {
	var p protocol.StatusQueryPayload
	decodePayload(log, env, &p)

	var out protocol.StatusQueryResponsePayload
	switch {
	case p.TargetClientID == "":
		out = protocol.StatusQueryResponsePayload{Found: false, Message: protocol.MsgTargetIDMissing}
	default:
		status, ok, err := s.status.Get(ctx, p.TargetClientID)
		if err != nil {
			log.Error().Err(err).Str("target_id", p.TargetClientID).Msg("load status")
		}
		if ok {
			out = protocol.StatusQueryResponsePayload{Found: true, ClientID: p.TargetClientID, Status: status}
		} else {
			out = protocol.StatusQueryResponsePayload{Found: false, Message: protocol.StatusNotFound(p.TargetClientID)}
		}
	}
	resp, err := protocol.New(protocol.StatusQueryResponse, env.CorrelationID, out)
	if err != nil {
		log.Error().Err(err).Msg("build status response")
		return
	}
	s.sendLogged(ctx, log, sess, resp)
}

// routeCommand forwards the raw request line to its target and remembers the
// issuer under the correlation id.
func (s *Server) routeCommand(ctx context.Context, log zerolog.Logger, sess *Session, env protocol.Envelope, line []byte) {
	var p protocol.CommandRequestPayload
	decodePayload(log, env, &p)
	log = log.With().Str("correlation_id", env.CorrelationID).Str("target_id", p.TargetClientID).Logger()

	tracked := env.CorrelationID != "" && p.TargetClientID != ""
	if tracked {
		s.router.Track(env.CorrelationID, sess.ID)
	}

	target, ok := s.registry.Get(p.TargetClientID)
	if !ok {
		metrics.RecordRoute(metrics.KindCommand, metrics.OutcomeTargetMissing)
		log.Debug().Msg("command target not connected")
	} else if err := s.writeRaw(ctx, target, line); err != nil {
		metrics.RecordRoute(metrics.KindCommand, metrics.OutcomeWriteFailed)
		log.Warn().Err(err).Msg("forward command")
	} else {
		metrics.RecordRoute(metrics.KindCommand, metrics.OutcomeDelivered)
		metrics.SetPendingCommands(s.router.Len())
		log.Debug().Msg("command routed")
		return
	}

	if tracked {
		s.router.Forget(env.CorrelationID, sess.ID)
	}
	metrics.SetPendingCommands(s.router.Len())
	metrics.RecordProtocolError("target_not_connected")
	s.sendLogged(ctx, log, sess, protocol.NewError(env.CorrelationID, protocol.TargetNotConnected(p.TargetClientID)))
}

// routeResponse delivers the raw response line to the issuer of the matching
// command, at most once. Unmatched responses are dropped silently.
func (s *Server) routeResponse(ctx context.Context, log zerolog.Logger, sess *Session, env protocol.Envelope, line []byte) {
	log = log.With().Str("correlation_id", env.CorrelationID).Logger()
	if env.CorrelationID == "" {
		metrics.RecordRoute(metrics.KindResponse, metrics.OutcomeUnsolicited)
		log.Debug().Msg("response without correlation id dropped")
		return
	}
	issuer, ok := s.router.Resolve(env.CorrelationID)
	metrics.SetPendingCommands(s.router.Len())
	if !ok {
		metrics.RecordRoute(metrics.KindResponse, metrics.OutcomeUnsolicited)
		log.Debug().Msg("unsolicited response dropped")
		return
	}
	dst, ok := s.registry.Get(issuer)
	if !ok {
		metrics.RecordRoute(metrics.KindResponse, metrics.OutcomeIssuerGone)
		log.Debug().Str("issuer_id", issuer).Msg("issuer gone, response dropped")
		return
	}
	if err := s.writeRaw(ctx, dst, line); err != nil {
		metrics.RecordRoute(metrics.KindResponse, metrics.OutcomeWriteFailed)
		log.Warn().Err(err).Str("issuer_id", issuer).Msg("forward response")
		return
	}
	metrics.RecordRoute(metrics.KindResponse, metrics.OutcomeDelivered)
}

func (s *Server) writeRaw(ctx context.Context, dst *Session, line []byte) error {
	wctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()
	return dst.Conn.WriteLine(wctx, line)
}

func (s *Server) send(ctx context.Context, dst *Session, env protocol.Envelope) error {
	wctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()
	return dst.Send(wctx, env)
}

func (s *Server) sendLogged(ctx context.Context, log zerolog.Logger, dst *Session, env protocol.Envelope) {
	if err := s.send(ctx, dst, env); err != nil {
		log.Debug().Err(err).Str("message_type", string(env.MessageType)).Msg("reply failed")
	}
}

// reply writes to a connection that has no session yet.
func (s *Server) reply(ctx context.Context, c transport.Conn, env protocol.Envelope) {
	b, err := protocol.Encode(env)
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()
	_ = c.WriteLine(wctx, b)
}

type sweeper interface {
	Sweep(now time.Time) int
}

// sweepLoop purges pending commands older than PendingTTL and expired status
// entries of stores that support it.
func (s *Server) sweepLoop(ctx context.Context) {
	st, canSweepStatus := s.status.(sweeper)
	if s.opts.PendingTTL <= 0 && !canSweepStatus {
		return
	}
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.router.Sweep(s.opts.PendingTTL); n > 0 {
				metrics.RecordPendingExpired(n)
				metrics.SetPendingCommands(s.router.Len())
				s.log.Info().Int("count", n).Msg("expired pending commands")
			}
			if canSweepStatus {
				if n := st.Sweep(now); n > 0 {
					s.log.Debug().Int("count", n).Msg("expired status entries")
				}
			}
		}
	}
}

// Stats is a point-in-time view of the relay tables.
type Stats struct {
	Clients         int `json:"clients"`
	PendingCommands int `json:"pending_commands"`
}

func (s *Server) Stats() Stats {
	return Stats{Clients: s.registry.Len(), PendingCommands: s.router.Len()}
}
