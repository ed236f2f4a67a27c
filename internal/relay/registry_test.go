package relay

import (
	"context"
	"net"
	"testing"

	"github.com/gaspardpetit/sysrelay/internal/transport"
)

func pipeSession(t *testing.T, id string) (*Session, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	_, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() { _ = b.Close() })
	return newSession(id, transport.NewConn(a), cancel), b
}

func TestRegistrySupersedes(t *testing.T) {
	reg := NewRegistry()
	s1, peer1 := pipeSession(t, "A")
	s2, _ := pipeSession(t, "A")

	if prev := reg.Register(s1); prev != nil {
		t.Fatalf("expected no previous session")
	}
	if prev := reg.Register(s2); prev != s1 {
		t.Fatalf("expected s1 to be returned as previous")
	}
	if reg.Len() != 1 {
		t.Fatalf("expected one entry, got %d", reg.Len())
	}
	if got, _ := reg.Get("A"); got != s2 {
		t.Fatalf("expected s2 registered")
	}
	// the evicted socket is closed: its peer observes EOF
	if _, err := peer1.Read(make([]byte, 1)); err == nil {
		t.Fatalf("expected superseded connection closed")
	}
}

func TestRegistryRemoveIf(t *testing.T) {
	reg := NewRegistry()
	s1, _ := pipeSession(t, "A")
	s2, _ := pipeSession(t, "A")
	reg.Register(s1)
	reg.Register(s2)

	if reg.RemoveIf("A", s1) {
		t.Fatalf("stale session must not remove its replacement")
	}
	if !reg.RemoveIf("A", s2) {
		t.Fatalf("expected current session removed")
	}
	if _, ok := reg.Get("A"); ok {
		t.Fatalf("expected A gone")
	}
	if _, ok := reg.Get(""); ok {
		t.Fatalf("empty id must never resolve")
	}
}

func TestRegistrySnapshotSorted(t *testing.T) {
	reg := NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		s, _ := pipeSession(t, id)
		reg.Register(s)
	}
	snap := reg.Snapshot()
	if len(snap) != 3 || snap[0].ID != "a" || snap[2].ID != "c" {
		t.Fatalf("unexpected snapshot order")
	}
}
