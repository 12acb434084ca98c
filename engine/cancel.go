package engine

import (
	"sync"
	"time"
)

// CancelRegistry holds session-scoped cancellation markers. Cancellation
// is cooperative: Cancel sets a marker, the engine polls IsCancelled at
// event boundaries and clears the marker once it stops. Markers expire
// after a TTL so a cancel issued with no request in flight cannot poison
// a later one.
type CancelRegistry struct {
	mu    sync.Mutex
	marks map[string]time.Time
	ttl   time.Duration
	now   func() time.Time
}

// NewCancelRegistry creates a registry. ttl <= 0 defaults to 30 seconds.
func NewCancelRegistry(ttl time.Duration) *CancelRegistry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CancelRegistry{
		marks: make(map[string]time.Time),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Cancel marks a session for cancellation.
func (r *CancelRegistry) Cancel(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked()
	r.marks[sessionID] = r.now().Add(r.ttl)
}

// IsCancelled reports whether a live marker exists for the session.
func (r *CancelRegistry) IsCancelled(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	expiry, ok := r.marks[sessionID]
	if !ok {
		return false
	}
	if r.now().After(expiry) {
		delete(r.marks, sessionID)
		return false
	}
	return true
}

// Clear removes the session's marker.
func (r *CancelRegistry) Clear(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.marks, sessionID)
}

// Len returns the number of live markers.
func (r *CancelRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked()
	return len(r.marks)
}

func (r *CancelRegistry) evictLocked() {
	now := r.now()
	for id, expiry := range r.marks {
		if now.After(expiry) {
			delete(r.marks, id)
		}
	}
}
