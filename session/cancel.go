package session

import (
	"sync"

	"github.com/pgdog/pgdog-go/wire"
)

// CancelRegistry maps a client's BackendKeyData to the Session currently
// holding it. A CancelRequest always arrives on a brand-new connection
// (it has no startup handshake of its own), so the listener forwards it
// here instead of to a Session's normal message loop.
type CancelRegistry struct {
	mu       sync.Mutex
	sessions map[cancelKey]*Session
}

type cancelKey struct {
	pid, secret uint32
}

// NewCancelRegistry returns an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{sessions: map[cancelKey]*Session{}}
}

func (r *CancelRegistry) register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[cancelKey{s.backendPID, s.backendSecret}] = s
}

func (r *CancelRegistry) unregister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, cancelKey{s.backendPID, s.backendSecret})
}

// ClientInfo is a point-in-time summary of one connected session, for the
// admin backend's SHOW CLIENTS.
type ClientInfo struct {
	PID      uint32
	User     string
	Database string
}

// Snapshot lists every currently registered session, for SHOW CLIENTS.
func (r *CancelRegistry) Snapshot() []ClientInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ClientInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, ClientInfo{PID: s.backendPID, User: s.user, Database: s.database})
	}
	return out
}

// Cancel looks up the session matching req's (pid, secret) pair and asks
// it to issue a cancel against every server it currently holds, using
// each server's own backend_key_data as PostgreSQL requires — the
// client's key only identifies the session to the proxy.
func (r *CancelRegistry) Cancel(req *wire.CancelRequest) {
	r.mu.Lock()
	s, ok := r.sessions[cancelKey{req.ProcessID, req.SecretKey}]
	r.mu.Unlock()
	if !ok {
		return
	}
	s.cancelHeldServers()
}
