package relay

import (
	"sync"
	"time"
)

type pendingCommand struct {
	issuer  string
	created time.Time
}

// Router maps the correlation id of an in-flight command to the identifier
// of the client that issued it.
type Router struct {
	mu      sync.Mutex
	pending map[string]pendingCommand
	now     func() time.Time
}

func NewRouter() *Router {
	return &Router{pending: make(map[string]pendingCommand), now: time.Now}
}

// Track records that issuer awaits the response for correlationID.
func (r *Router) Track(correlationID, issuer string) {
	r.mu.Lock()
	r.pending[correlationID] = pendingCommand{issuer: issuer, created: r.now()}
	r.mu.Unlock()
}

// Resolve returns the issuer for correlationID and forgets the entry, so a
// replayed response finds nothing.
func (r *Router) Resolve(correlationID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[correlationID]
	if ok {
		delete(r.pending, correlationID)
	}
	return p.issuer, ok
}

// Forget drops correlationID if it is still owned by issuer.
func (r *Router) Forget(correlationID, issuer string) {
	r.mu.Lock()
	if p, ok := r.pending[correlationID]; ok && p.issuer == issuer {
		delete(r.pending, correlationID)
	}
	r.mu.Unlock()
}

func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Sweep removes entries older than ttl and returns how many were dropped.
func (r *Router) Sweep(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := r.now().Add(-ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, p := range r.pending {
		if p.created.Before(cutoff) {
			delete(r.pending, id)
			n++
		}
	}
	return n
}
