package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gaspardpetit/sysrelay/internal/protocol"
	"github.com/gaspardpetit/sysrelay/internal/transport"
)

// Session is a registered connection: a client identifier bound to the live
// Conn currently representing it, with its own cancellation scope.
type Session struct {
	ID          string
	Conn        transport.Conn
	ConnectedAt time.Time

	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newSession(id string, c transport.Conn, cancel context.CancelFunc) *Session {
	return &Session{ID: id, Conn: c, ConnectedAt: time.Now(), cancel: cancel}
}

// Close cancels the session scope and closes the socket, unblocking its
// read loop.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		_ = s.Conn.Close()
	})
}

// Send encodes env and writes it to the session.
func (s *Session) Send(ctx context.Context, env protocol.Envelope) error {
	b, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return s.Conn.WriteLine(ctx, b)
}

// Registry maps client identifiers to their live session. At most one session
// exists per identifier.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register installs s under s.ID. A previous session for the same identifier
// is closed before the new one is inserted and is returned to the caller.
func (r *Registry) Register(s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.sessions[s.ID]
	if prev != nil {
		prev.Close()
	}
	r.sessions[s.ID] = s
	return prev
}

// Get returns the live session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	if id == "" {
		return nil, false
	}
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	return s, ok
}

// RemoveIf deletes id only while it still maps to s, so a superseded session
// never evicts its replacement.
func (r *Registry) RemoveIf(id string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[id]; ok && cur == s {
		delete(r.sessions, id)
		return true
	}
	return false
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the current sessions ordered by identifier.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	res := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		res = append(res, s)
	}
	r.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}
