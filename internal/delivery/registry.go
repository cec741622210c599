package delivery

import (
	"sync"
	"time"

	"driftpursuit/broker/internal/logging"
)

// RegistryConfig carries the defaults new Sessions are constructed with
// and the grace window Reap uses to decide a detached, empty, expired
// session is safe to drop.
type RegistryConfig struct {
	Session     SessionConfig
	GraceWindow time.Duration
	Clock       func() time.Time
}

func (c RegistryConfig) clock() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

// Registry owns every live Session, keyed by (user, guid), and is the
// only place Sessions are created, looked up, or reaped.
type Registry struct {
	cfg RegistryConfig
	log *logging.Logger

	mu       sync.RWMutex
	sessions map[Identity]*Session
}

// NewRegistry returns an empty Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		cfg:      cfg,
		log:      cfg.Session.logger(),
		sessions: make(map[Identity]*Session),
	}
}

// LookupOrCreate returns the existing Session for id, creating one under
// the registry lock if none exists yet.
func (r *Registry) LookupOrCreate(id Identity) *Session {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s
	}
	s = NewSession(id, r.cfg.Session)
	r.sessions[id] = s
	r.log.Info("session created", logging.String("user", id.User), logging.String("guid", id.GUID))
	return s
}

// Lookup returns the existing Session for id without creating one.
func (r *Registry) Lookup(id Identity) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes id from the registry unconditionally. Used when a
// caller has independently decided a session is no longer wanted (for
// example, an explicit logout).
func (r *Registry) Remove(id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Broadcast enqueues payload on every live session whose identity
// satisfies predicate, then flushes each one that currently has a
// transport attached. A nil predicate matches every session.
func (r *Registry) Broadcast(predicate func(Identity) bool, payload []byte, strongLifetime, softLifetime time.Duration) {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		if predicate != nil && !predicate(id) {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		s.Enqueue(payload, strongLifetime, softLifetime)
		s.Flush()
	}
}

// TickAll runs Tick on every live session. A scheduler calls this on a
// fixed interval to drive idle-deadline probing and queue expiry even
// for sessions with no pending traffic.
func (r *Registry) TickAll() {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		s.Tick()
	}
}

// Reap removes every session that is detached, has an empty DualQueue,
// and has been idle (deadline already passed) for at least GraceWindow.
// It returns the identities removed.
func (r *Registry) Reap() []Identity {
	now := r.cfg.clock()
	var removed []Identity

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		if s.HasAttachment() {
			continue
		}
		if !s.QueueEmpty() {
			continue
		}
		if now.Before(s.Deadline().Add(r.cfg.GraceWindow)) {
			continue
		}
		delete(r.sessions, id)
		removed = append(removed, id)
	}
	if len(removed) > 0 {
		r.log.Info("sessions reaped", logging.Int("count", len(removed)))
	}
	return removed
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// BacklogDepths sums the strong and soft queue depths across every live
// session, for registry-wide audit sampling.
func (r *Registry) BacklogDepths() (sessions, strong, soft int) {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		sStrong, sSoft := s.QueueDepths()
		strong += sStrong
		soft += sSoft
	}
	return len(targets), strong, soft
}

// Counts reports the total session count and how many currently have a
// transport attached.
func (r *Registry) Counts() (sessions, attached int) {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		if s.HasAttachment() {
			attached++
		}
	}
	return len(targets), attached
}
