package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/sysrelay/core/logx"
	"github.com/gaspardpetit/sysrelay/internal/protocol"
	"github.com/gaspardpetit/sysrelay/internal/transport"
)

type testPeer struct {
	t *testing.T
	c transport.Conn
}

func startRelay(t *testing.T) (*Server, string) {
	t.Helper()
	ln, err := transport.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := New(Options{Logger: logx.Discard()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv, ln.Addr()
}

func dialPeer(t *testing.T, addr string) *testPeer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := transport.DialTCP(ctx, addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return &testPeer{t: t, c: c}
}

func (p *testPeer) sendRaw(line string) {
	p.t.Helper()
	if err := p.c.WriteLine(context.Background(), []byte(line)); err != nil {
		p.t.Fatalf("write: %v", err)
	}
}

func (p *testPeer) send(t protocol.MessageType, corrID string, payload any) {
	p.t.Helper()
	env, err := protocol.New(t, corrID, payload)
	if err != nil {
		p.t.Fatalf("build: %v", err)
	}
	b, _ := protocol.Encode(env)
	p.sendRaw(string(b))
}

func (p *testPeer) recv() protocol.Envelope {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	line, err := p.c.ReadLine(ctx)
	if err != nil {
		p.t.Fatalf("read: %v", err)
	}
	env, err := protocol.Decode(line)
	if err != nil {
		p.t.Fatalf("decode %q: %v", line, err)
	}
	return env
}

// expectSilence asserts nothing arrives within d. The read is abandoned on
// timeout, so this must be the last read on the peer.
func (p *testPeer) expectSilence(d time.Duration) {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if line, err := p.c.ReadLine(ctx); err == nil {
		p.t.Fatalf("expected no message, got %s", line)
	}
}

func (p *testPeer) expectClosed() {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, err := p.c.ReadLine(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, context.DeadlineExceeded) {
			p.t.Fatalf("connection still open")
		}
		return
	}
}

func (p *testPeer) register(id string) {
	p.t.Helper()
	p.send(protocol.RegisterRequest, "reg-"+id, protocol.RegisterRequestPayload{ClientID: id})
	env := p.recv()
	var rp protocol.RegisterResponsePayload
	_ = env.DecodePayload(&rp)
	if env.MessageType != protocol.RegisterResponse || !rp.Success || env.CorrelationID != "reg-"+id {
		p.t.Fatalf("registration failed: %+v", env)
	}
}

func errorMessage(t *testing.T, env protocol.Envelope) string {
	t.Helper()
	if env.MessageType != protocol.ErrorResponse {
		t.Fatalf("expected ErrorResponse, got %s", env.MessageType)
	}
	var p protocol.ErrorResponsePayload
	_ = env.DecodePayload(&p)
	return p.Message
}

func TestRegisterSupersedesPreviousConnection(t *testing.T) {
	srv, addr := startRelay(t)
	first := dialPeer(t, addr)
	first.register("A")
	second := dialPeer(t, addr)
	second.register("A")

	first.expectClosed()
	if n := srv.Registry().Len(); n != 1 {
		t.Fatalf("expected one registry entry, got %d", n)
	}
	// the replacement keeps working and survives the old handler's cleanup
	second.send(protocol.StatusQueryRequest, "q", protocol.StatusQueryPayload{TargetClientID: "nobody"})
	if env := second.recv(); env.MessageType != protocol.StatusQueryResponse {
		t.Fatalf("unexpected %s", env.MessageType)
	}
	if _, ok := srv.Registry().Get("A"); !ok {
		t.Fatalf("replacement session was evicted")
	}
}

func TestStatusUpdateThenQuery(t *testing.T) {
	_, addr := startRelay(t)
	a := dialPeer(t, addr)
	a.register("A")
	a.send(protocol.StatusUpdateRequest, "", protocol.StatusUpdatePayload{ClientID: "A", Status: json.RawMessage(`{"cpu":1}`)})
	a.send(protocol.StatusUpdateRequest, "", protocol.StatusUpdatePayload{ClientID: "A", Status: json.RawMessage(`{"cpu":7,"state":"Running"}`)})
	a.send(protocol.StatusQueryRequest, "q1", protocol.StatusQueryPayload{TargetClientID: "A"})

	env := a.recv()
	var p protocol.StatusQueryResponsePayload
	_ = env.DecodePayload(&p)
	if env.CorrelationID != "q1" || !p.Found || p.ClientID != "A" || string(p.Status) != `{"cpu":7,"state":"Running"}` {
		t.Fatalf("unexpected response %+v / %+v", env, p)
	}

	a.send(protocol.StatusQueryRequest, "q2", protocol.StatusQueryPayload{TargetClientID: "never-seen"})
	env = a.recv()
	p = protocol.StatusQueryResponsePayload{}
	_ = env.DecodePayload(&p)
	if p.Found || p.Message != protocol.StatusNotFound("never-seen") {
		t.Fatalf("expected not found, got %+v", p)
	}

	a.send(protocol.StatusQueryRequest, "q3", protocol.StatusQueryPayload{})
	env = a.recv()
	p = protocol.StatusQueryResponsePayload{}
	_ = env.DecodePayload(&p)
	if p.Found || p.Message != protocol.MsgTargetIDMissing {
		t.Fatalf("expected missing target, got %+v", p)
	}
}

func TestStatusUpdateForOtherClientIgnored(t *testing.T) {
	srv, addr := startRelay(t)
	a := dialPeer(t, addr)
	a.register("A")
	a.send(protocol.StatusUpdateRequest, "", protocol.StatusUpdatePayload{ClientID: "B", Status: json.RawMessage(`{"spoofed":true}`)})
	a.send(protocol.StatusQueryRequest, "q", protocol.StatusQueryPayload{TargetClientID: "B"})
	env := a.recv()
	var p protocol.StatusQueryResponsePayload
	_ = env.DecodePayload(&p)
	if env.MessageType != protocol.StatusQueryResponse || p.Found {
		t.Fatalf("mismatched update must be dropped silently, got %+v", p)
	}
	if _, ok, _ := srv.Status().Get(context.Background(), "B"); ok {
		t.Fatalf("status stored for B")
	}
}

func TestCommandRoutedExactlyOnce(t *testing.T) {
	srv, addr := startRelay(t)
	a := dialPeer(t, addr)
	a.register("A")
	b := dialPeer(t, addr)
	b.register("B")
	c := dialPeer(t, addr)
	c.register("C")

	a.send(protocol.CommandRequest, "c1", protocol.CommandRequestPayload{TargetClientID: "B", Command: "get_diagnostics"})
	req := b.recv()
	var rp protocol.CommandRequestPayload
	_ = req.DecodePayload(&rp)
	if req.MessageType != protocol.CommandRequest || req.CorrelationID != "c1" || rp.Command != "get_diagnostics" {
		t.Fatalf("unexpected forwarded request %+v", req)
	}
	if srv.Router().Len() != 1 {
		t.Fatalf("expected one pending command")
	}

	resp := protocol.CommandResponsePayload{SourceClientID: "B", Success: true, Result: json.RawMessage(`{"uptime":"12 days"}`)}
	b.send(protocol.CommandResponse, "c1", resp)
	got := a.recv()
	var gp protocol.CommandResponsePayload
	_ = got.DecodePayload(&gp)
	if got.MessageType != protocol.CommandResponse || got.CorrelationID != "c1" || gp.SourceClientID != "B" || !gp.Success {
		t.Fatalf("unexpected response %+v", got)
	}
	if srv.Router().Len() != 0 {
		t.Fatalf("pending command not removed")
	}

	// replaying c1 reaches nobody
	b.send(protocol.CommandResponse, "c1", resp)
	a.expectSilence(300 * time.Millisecond)
	c.expectSilence(50 * time.Millisecond)
}

func TestCommandToMissingTarget(t *testing.T) {
	srv, addr := startRelay(t)
	a := dialPeer(t, addr)
	a.register("A")
	other := dialPeer(t, addr)
	other.register("other")

	a.send(protocol.CommandRequest, "c9", protocol.CommandRequestPayload{TargetClientID: "ghost", Command: "reboot"})
	env := a.recv()
	if msg := errorMessage(t, env); msg != protocol.TargetNotConnected("ghost") {
		t.Fatalf("unexpected error message %q", msg)
	}
	if env.CorrelationID != "c9" {
		t.Fatalf("error should carry the request correlation id")
	}
	if srv.Router().Len() != 0 {
		t.Fatalf("routing miss left a pending command")
	}
	other.expectSilence(200 * time.Millisecond)
}

func TestUnsolicitedResponseDropped(t *testing.T) {
	_, addr := startRelay(t)
	a := dialPeer(t, addr)
	a.register("A")
	b := dialPeer(t, addr)
	b.register("B")
	b.send(protocol.CommandResponse, "never-issued", protocol.CommandResponsePayload{SourceClientID: "B"})
	b.send(protocol.CommandResponse, "", protocol.CommandResponsePayload{SourceClientID: "B"})
	// the sender gets no error back and the connection stays usable
	b.send(protocol.StatusQueryRequest, "q", protocol.StatusQueryPayload{TargetClientID: "A"})
	if env := b.recv(); env.MessageType != protocol.StatusQueryResponse {
		t.Fatalf("expected only the query response, got %s", env.MessageType)
	}
	a.expectSilence(200 * time.Millisecond)
}

func TestMalformedLineIsNotFatal(t *testing.T) {
	_, addr := startRelay(t)
	a := dialPeer(t, addr)
	a.register("A")
	a.sendRaw("this is not json")
	if msg := errorMessage(t, a.recv()); msg != protocol.MsgInvalidJSON {
		t.Fatalf("unexpected message %q", msg)
	}
	a.send(protocol.StatusUpdateRequest, "", protocol.StatusUpdatePayload{ClientID: "A", Status: json.RawMessage(`{"ok":true}`)})
	a.send(protocol.StatusQueryRequest, "q", protocol.StatusQueryPayload{TargetClientID: "A"})
	var p protocol.StatusQueryResponsePayload
	_ = a.recv().DecodePayload(&p)
	if !p.Found {
		t.Fatalf("connection unusable after malformed line")
	}
}

func TestUnknownMessageType(t *testing.T) {
	_, addr := startRelay(t)
	a := dialPeer(t, addr)
	a.register("A")
	a.sendRaw(`{"MessageType":"Teleport","CorrelationId":"x1","Payload":{}}`)
	env := a.recv()
	if msg := errorMessage(t, env); msg != protocol.UnknownMessageType("Teleport") || env.CorrelationID != "x1" {
		t.Fatalf("unexpected %q %q", msg, env.CorrelationID)
	}
}

func TestFirstMessageMustRegister(t *testing.T) {
	srv, addr := startRelay(t)
	a := dialPeer(t, addr)
	a.send(protocol.StatusUpdateRequest, "", protocol.StatusUpdatePayload{ClientID: "A", Status: json.RawMessage(`{}`)})
	if msg := errorMessage(t, a.recv()); msg != protocol.MsgFirstMustBeRegister {
		t.Fatalf("unexpected message %q", msg)
	}
	a.expectClosed()
	if srv.Registry().Len() != 0 {
		t.Fatalf("registry entry created for unregistered connection")
	}

	b := dialPeer(t, addr)
	b.send(protocol.RegisterRequest, "r", protocol.RegisterRequestPayload{})
	if msg := errorMessage(t, b.recv()); msg != protocol.MsgMissingClientID {
		t.Fatalf("unexpected message %q", msg)
	}
	b.expectClosed()

	c := dialPeer(t, addr)
	c.sendRaw("{broken")
	if msg := errorMessage(t, c.recv()); msg != protocol.MsgRegisterInvalidJSON {
		t.Fatalf("unexpected message %q", msg)
	}
	c.expectClosed()
	if srv.Registry().Len() != 0 {
		t.Fatalf("expected empty registry")
	}
}

func TestDisconnectRemovesRegistryEntry(t *testing.T) {
	srv, addr := startRelay(t)
	a := dialPeer(t, addr)
	a.register("A")
	_ = a.c.Close()
	for i := 0; i < 100; i++ {
		if srv.Registry().Len() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("registry entry not removed after disconnect")
}

func TestEndToEndStatusQuery(t *testing.T) {
	_, addr := startRelay(t)
	sys := dialPeer(t, addr)
	sys.register("sys1")
	sys.send(protocol.StatusUpdateRequest, "", protocol.StatusUpdatePayload{ClientID: "sys1", Status: json.RawMessage(`{"cpu":42}`)})

	ctrl := dialPeer(t, addr)
	ctrl.register("ctrl1")
	// status updates are fire-and-forget; poll until the relay has applied it
	for i := 0; i < 50; i++ {
		ctrl.send(protocol.StatusQueryRequest, "q", protocol.StatusQueryPayload{TargetClientID: "sys1"})
		var p protocol.StatusQueryResponsePayload
		_ = ctrl.recv().DecodePayload(&p)
		if p.Found {
			var status map[string]any
			if err := json.Unmarshal(p.Status, &status); err != nil {
				t.Fatalf("status: %v", err)
			}
			if p.ClientID != "sys1" || status["cpu"] != float64(42) {
				t.Fatalf("unexpected %+v", p)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("status never became visible")
}

func TestShutdownClosesConnections(t *testing.T) {
	ln, err := transport.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := New(Options{Logger: logx.Discard()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	a := dialPeer(t, ln.Addr())
	a.register("A")
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("serve did not return after cancel")
	}
	a.expectClosed()

	dctx, dcancel := context.WithTimeout(context.Background(), time.Second)
	defer dcancel()
	if c, err := transport.DialTCP(dctx, ln.Addr()); err == nil {
		_ = c.Close()
		t.Fatalf("listener still accepting after shutdown")
	}
}

func TestStartBindFailure(t *testing.T) {
	ln, err := transport.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	srv := New(Options{Logger: logx.Discard()})
	if err := srv.Start(context.Background(), ln.Addr()); err == nil {
		t.Fatalf("expected bind failure on busy address")
	}
}

func TestPendingTTLSweep(t *testing.T) {
	ln, err := transport.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := New(Options{Logger: logx.Discard(), PendingTTL: 20 * time.Millisecond, SweepInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx, ln) }()

	a := dialPeer(t, ln.Addr())
	a.register("A")
	b := dialPeer(t, ln.Addr())
	b.register("B")
	a.send(protocol.CommandRequest, "slow", protocol.CommandRequestPayload{TargetClientID: "B", Command: "noop"})
	_ = b.recv()
	for i := 0; i < 100; i++ {
		if srv.Router().Len() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pending command never swept")
}

func TestNumericCorrelationIDEchoed(t *testing.T) {
	_, addr := startRelay(t)
	a := dialPeer(t, addr)
	a.register("A")
	a.sendRaw(`{"MessageType":"StatusQueryRequest","CorrelationId":7,"Payload":{"TargetClientId":"A"}}`)
	env := a.recv()
	if env.MessageType != protocol.StatusQueryResponse || env.CorrelationID != "7" {
		t.Fatalf("unexpected reply %+v", env)
	}
}

func TestServeOnSeveralListeners(t *testing.T) {
	srv := New(Options{Logger: logx.Discard()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 2)
	var addrs []string
	for i := 0; i < 2; i++ {
		ln, err := transport.ListenTCP("127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		addrs = append(addrs, ln.Addr())
		go func() { done <- srv.Serve(ctx, ln) }()
	}

	a := dialPeer(t, addrs[0])
	a.register("A")
	b := dialPeer(t, addrs[1])
	b.register("B")
	a.send(protocol.CommandRequest, "x1", protocol.CommandRequestPayload{TargetClientID: "B", Command: "noop"})
	if env := b.recv(); env.MessageType != protocol.CommandRequest || env.CorrelationID != "x1" {
		t.Fatalf("command not routed across listeners: %+v", env)
	}

	cancel()
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("serve: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("serve did not return after cancel")
		}
	}
	a.expectClosed()
	b.expectClosed()
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestPayloadDecodeFailureLogged(t *testing.T) {
	prev := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	defer zerolog.SetGlobalLevel(prev)

	var out lockedBuffer
	ln, err := transport.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := New(Options{Logger: zerolog.New(&out).Level(zerolog.DebugLevel)})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx, ln)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	a := dialPeer(t, ln.Addr())
	a.register("A")
	a.sendRaw(`{"MessageType":"CommandRequest","CorrelationId":"c1","Payload":[1]}`)
	errorMessage(t, a.recv())

	logged := out.String()
	if !strings.Contains(logged, "payload decode failed") || !strings.Contains(logged, "decode CommandRequest payload") {
		t.Fatalf("decode failure not logged: %s", logged)
	}
}
