// Package rendezvous implements the Signaling Fabric of spec.md section 4.1:
// a WebSocket rendezvous that pairs a host with one or more clients per
// session and forwards offer/answer/ICE-candidate traffic between them. It
// holds no authentication state — the host alone owns TOTP validation — and
// its only job is message delivery and connection bookkeeping, matching the
// teacher's gateway/src/tunnel.go proxy style generalized from a raw TCP
// tunnel to session-scoped signaling fan-out.
package rendezvous

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jl1nie/vibe-coder-go/internal/ratelimit"
	"github.com/jl1nie/vibe-coder-go/internal/wsmsg"
)

// sessionIdleTimeout is how long a RendezvousSession may sit without
// activity before the periodic sweep reaps it, per spec.md section 4.1.
const sessionIdleTimeout = 10 * time.Minute

// rendezvousSession lives only in the rendezvous process, per spec.md
// section 3's RendezvousSession definition.
type rendezvousSession struct {
	mu sync.Mutex

	sessionID string
	hostSock  *socket
	clients   map[string]*socket // clientId -> socket

	createdAt    time.Time
	lastActivity time.Time
}

func newRendezvousSession(id string) *rendezvousSession {
	now := time.Now()
	return &rendezvousSession{
		sessionID: id,
		clients:   make(map[string]*socket),
		createdAt: now,
		lastActivity: now,
	}
}

func (rs *rendezvousSession) touch() {
	rs.lastActivity = time.Now()
}

// empty reports whether the session has neither a host nor any clients, the
// condition under which it is deleted per spec.md section 4.1.
func (rs *rendezvousSession) empty() bool {
	return rs.hostSock == nil && len(rs.clients) == 0
}

// socket wraps one WebSocket connection with the role it plays in its
// session (host or client), so that disconnect handling and routing can
// identify "the other side" without a second lookup structure.
type socket struct {
	conn      *websocket.Conn
	sessionID string
	clientID  string // empty for the host socket
	isHost    bool

	writeMu sync.Mutex
}

func (s *socket) writeJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(v)
}

// Hub owns the live session table. One Hub instance serves every socket in
// the process; per-session locking (rendezvousSession.mu) serializes
// routing within a session, per spec.md section 5's ordering guarantee,
// while the table-level lock only guards map membership.
type Hub struct {
	log *slog.Logger

	tableMu sync.RWMutex
	table   map[string]*rendezvousSession

	limiter *ratelimit.Limiter
}

// NewHub creates an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		table:   make(map[string]*rendezvousSession),
		limiter: ratelimit.New(ratelimit.DefaultLimits()),
	}
}

func (h *Hub) getOrCreate(sessionID string) *rendezvousSession {
	h.tableMu.Lock()
	defer h.tableMu.Unlock()
	rs, ok := h.table[sessionID]
	if !ok {
		rs = newRendezvousSession(sessionID)
		h.table[sessionID] = rs
	}
	return rs
}

func (h *Hub) get(sessionID string) (*rendezvousSession, bool) {
	h.tableMu.RLock()
	defer h.tableMu.RUnlock()
	rs, ok := h.table[sessionID]
	return rs, ok
}

// deleteIfEmpty removes sessionID from the table if it has no host and no
// clients left, per spec.md section 4.1's "session is empty" cleanup rule
// and testable property 6.
func (h *Hub) deleteIfEmpty(sessionID string) {
	h.tableMu.Lock()
	defer h.tableMu.Unlock()
	rs, ok := h.table[sessionID]
	if !ok {
		return
	}
	rs.mu.Lock()
	empty := rs.empty()
	rs.mu.Unlock()
	if empty {
		delete(h.table, sessionID)
	}
}

// SweepIdle removes sessions whose lastActivity is older than
// sessionIdleTimeout, per spec.md section 4.1's periodic reaper.
func (h *Hub) SweepIdle() {
	cutoff := time.Now().Add(-sessionIdleTimeout)

	h.tableMu.RLock()
	var stale []string
	for id, rs := range h.table {
		rs.mu.Lock()
		if rs.lastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
		rs.mu.Unlock()
	}
	h.tableMu.RUnlock()

	if len(stale) == 0 {
		return
	}

	h.tableMu.Lock()
	defer h.tableMu.Unlock()
	for _, id := range stale {
		delete(h.table, id)
		h.log.Info("reaped idle rendezvous session", "sessionId", id)
	}
}

// SessionCount returns the number of live rendezvous sessions, for health
// reporting.
func (h *Hub) SessionCount() int {
	h.tableMu.RLock()
	defer h.tableMu.RUnlock()
	return len(h.table)
}

// Disconnect detaches sock from its session, notifies the peer side with
// peer-disconnected, and deletes the session if it is now empty, per
// spec.md section 4.1's socket-disconnect failure semantics.
func (h *Hub) Disconnect(sock *socket) {
	h.limiter.Forget(socketKey(sock))

	rs, ok := h.get(sock.sessionID)
	if !ok {
		return
	}

	rs.mu.Lock()
	if sock.isHost {
		if rs.hostSock == sock {
			rs.hostSock = nil
		}
	} else {
		if rs.clients[sock.clientID] == sock {
			delete(rs.clients, sock.clientID)
		}
	}
	rs.touch()
	rs.mu.Unlock()

	h.notifyPeerDisconnected(rs, sock)
	h.deleteIfEmpty(sock.sessionID)
}

func socketKey(sock *socket) string {
	if sock.isHost {
		return sock.sessionID + "#host"
	}
	return sock.sessionID + "#" + sock.clientID
}

func (h *Hub) notifyPeerDisconnected(rs *rendezvousSession, from *socket) {
	msg := wsmsg.Envelope{Type: wsmsg.TypePeerDisconn, SessionID: rs.sessionID, ClientID: from.clientID, Timestamp: time.Now().Unix()}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if from.isHost {
		for _, c := range rs.clients {
			_ = c.writeJSON(msg)
		}
		return
	}
	if rs.hostSock != nil {
		_ = rs.hostSock.writeJSON(msg)
	}
}
