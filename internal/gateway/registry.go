package gateway

import (
	"math/rand"
	"sync"

	"github.com/rs/zerolog"
)

// Registry owns the set of active downstream sessions keyed by correlation ID,
// the accepted IDENTIFY tokens, and the set of chat clients currently online
// on the lobby server. All three are read and written from concurrent paths
// and share one lock.
type Registry struct {
	log *zerolog.Logger

	mu       sync.Mutex
	sessions map[int]*Session
	online   map[string]struct{}
	tokens   map[string]struct{}
}

// NewRegistry builds a registry accepting the given IDENTIFY tokens.
func NewRegistry(tokens []string, logger *zerolog.Logger) *Registry {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return &Registry{
		log:      logger,
		sessions: make(map[int]*Session),
		online:   make(map[string]struct{}),
		tokens:   set,
	}
}

// Register adds a session to the active set. Correlation IDs are random; on
// the rare collision with a live session the ID is re-rolled, which keeps the
// wire behavior unchanged while ruling out misrouted replies.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		if _, taken := r.sessions[s.corrID]; !taken {
			break
		}
		s.corrID = newCorrelationID()
	}
	r.sessions[s.corrID] = s
}

// Unregister drops a session from the active set. Safe to call for a session
// that was already removed.
func (r *Registry) Unregister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[s.corrID]; ok && cur == s {
		delete(r.sessions, s.corrID)
	}
}

// Deliver routes one tagged upstream reply to the session holding corrID.
// Returns false when no such session exists (it may have died while the
// request was in flight).
func (r *Registry) Deliver(corrID int, line string) bool {
	r.mu.Lock()
	s := r.sessions[corrID]
	r.mu.Unlock()

	if s == nil {
		r.log.Warn().Int("corr_id", corrID).Msg("reply for unknown session dropped")
		return false
	}
	s.Deliver(line)
	return true
}

// HasToken reports whether token is in the IDENTIFY allow-list.
func (r *Registry) HasToken(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tokens[token]
	return ok
}

// SetOnline marks a lobby client as present.
func (r *Registry) SetOnline(name string) {
	r.mu.Lock()
	r.online[name] = struct{}{}
	r.mu.Unlock()
}

// SetOffline removes a lobby client from the online set.
func (r *Registry) SetOffline(name string) {
	r.mu.Lock()
	delete(r.online, name)
	r.mu.Unlock()
}

// Online reports whether a lobby client with exactly this name is present.
func (r *Registry) Online(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.online[name]
	return ok
}

// SessionCount returns the number of active downstream sessions.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll terminates every active session, used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Kill()
	}
}

// newCorrelationID picks a random ID in the historical 0..32767 range used on
// the wire by existing lobby servers.
func newCorrelationID() int {
	return rand.Intn(1 << 15)
}
