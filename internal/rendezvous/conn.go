package rendezvous

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jl1nie/vibe-coder-go/internal/wsmsg"
)

// upgrader mirrors the teacher's tunnel.go WebSocket upgrader: permissive
// origin checking, since the rendezvous is reached over the open internet by
// design and relies on TOTP/bearer auth rather than origin checks.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 64 * 1024
)

// ServeWS upgrades an HTTP request to a WebSocket and runs the connection's
// read pump until it disconnects. It does not return until the socket is
// closed, so callers should invoke it from the request goroutine directly,
// matching the teacher's http.HandlerFunc-per-connection pattern.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	sock := &socket{conn: conn}
	h.runConnection(sock)
}

func (h *Hub) runConnection(sock *socket) {
	defer sock.conn.Close()
	defer func() {
		if sock.sessionID != "" {
			h.Disconnect(sock)
		}
	}()

	sock.conn.SetReadLimit(maxMessage)
	_ = sock.conn.SetReadDeadline(time.Now().Add(pongWait))
	sock.conn.SetPongHandler(func(string) error {
		return sock.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stopPing := make(chan struct{})
	go h.pingLoop(sock, stopPing)
	defer close(stopPing)

	for {
		var env wsmsg.Envelope
		if err := sock.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug("websocket closed unexpectedly", "error", err)
			}
			return
		}
		h.dispatch(sock, env)
	}
}

func (h *Hub) pingLoop(sock *socket, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			sock.writeMu.Lock()
			_ = sock.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := sock.conn.WriteMessage(websocket.PingMessage, nil)
			sock.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// dispatch routes one inbound envelope by type, per spec.md section 4.1's
// message table. Unknown session IDs and rate-limit violations are answered
// with a type-error envelope rather than silently dropped, so the client can
// distinguish "rejected" from "lost in transit".
func (h *Hub) dispatch(sock *socket, env wsmsg.Envelope) {
	key := dispatchKey(sock, env)
	if !h.limiter.Allow(key, env.Type) {
		_ = sock.writeJSON(errorEnvelope(env.SessionID, "rate limit exceeded"))
		return
	}

	switch env.Type {
	case wsmsg.TypeRegisterHost:
		h.handleRegisterHost(sock, env)
	case wsmsg.TypeJoinSession:
		h.handleJoinSession(sock, env)
	case wsmsg.TypeVerifyTOTP:
		h.forwardToHost(sock, env)
	case wsmsg.TypeOffer:
		h.forwardToHost(sock, env)
	case wsmsg.TypeAnswer:
		h.forwardToClient(sock, env)
	case wsmsg.TypeAuthSuccess:
		h.forwardToClient(sock, env)
	case wsmsg.TypeIceCandidate:
		h.forwardCandidate(sock, env)
	case wsmsg.TypeLeaveSession:
		h.Disconnect(sock)
	case wsmsg.TypeHeartbeat:
		h.handleHeartbeat(sock, env)
	case wsmsg.TypeError:
		if sock.isHost {
			h.forwardToClient(sock, env)
			return
		}
		_ = sock.writeJSON(errorEnvelope(env.SessionID, "clients may not originate error messages"))
	default:
		_ = sock.writeJSON(errorEnvelope(env.SessionID, "unknown message type: "+string(env.Type)))
	}
}

// dispatchKey namespaces rate-limit state before a socket has joined a
// session (register-host/join-session arrive with no established identity
// yet), falling back to the envelope's sessionId plus a "#pending" suffix.
func dispatchKey(sock *socket, env wsmsg.Envelope) string {
	if sock.sessionID != "" {
		return socketKey(sock)
	}
	return env.SessionID + "#pending"
}

func errorEnvelope(sessionID, message string) wsmsg.Envelope {
	return wsmsg.Envelope{Type: wsmsg.TypeError, SessionID: sessionID, Error: message, Timestamp: time.Now().Unix()}
}

// handleRegisterHost binds sock as the host socket of env.SessionID, per
// spec.md section 4.1. If the session is not yet in this process's table it
// is created here, so the host is the one that brings a session into
// existence (the host agent calls register-host right after creating the
// session locally via the session manager).
func (h *Hub) handleRegisterHost(sock *socket, env wsmsg.Envelope) {
	if env.SessionID == "" {
		_ = sock.writeJSON(errorEnvelope("", "register-host requires sessionId"))
		return
	}

	rs := h.getOrCreate(env.SessionID)
	rs.mu.Lock()
	if rs.hostSock != nil && rs.hostSock != sock {
		rs.mu.Unlock()
		_ = sock.writeJSON(errorEnvelope(env.SessionID, "session already has a registered host"))
		return
	}
	rs.hostSock = sock
	rs.touch()
	rs.mu.Unlock()

	sock.sessionID = env.SessionID
	sock.isHost = true

	_ = sock.writeJSON(wsmsg.Envelope{Type: wsmsg.TypeSessionCreate, SessionID: env.SessionID, Timestamp: time.Now().Unix()})
}

// handleJoinSession binds sock as a client socket of env.SessionID, keyed by
// env.ClientID, and notifies the host that a client has joined.
func (h *Hub) handleJoinSession(sock *socket, env wsmsg.Envelope) {
	if env.SessionID == "" || env.ClientID == "" {
		_ = sock.writeJSON(errorEnvelope(env.SessionID, "join-session requires sessionId and clientId"))
		return
	}

	rs, ok := h.get(env.SessionID)
	if !ok {
		_ = sock.writeJSON(errorEnvelope(env.SessionID, "unknown session"))
		return
	}

	rs.mu.Lock()
	rs.clients[env.ClientID] = sock
	host := rs.hostSock
	rs.touch()
	rs.mu.Unlock()

	sock.sessionID = env.SessionID
	sock.clientID = env.ClientID
	sock.isHost = false

	_ = sock.writeJSON(wsmsg.Envelope{Type: wsmsg.TypeSessionJoined, SessionID: env.SessionID, ClientID: env.ClientID, Timestamp: time.Now().Unix()})

	if host != nil {
		_ = host.writeJSON(wsmsg.Envelope{Type: wsmsg.TypeSessionJoined, SessionID: env.SessionID, ClientID: env.ClientID, Timestamp: time.Now().Unix()})
	}
}

// forwardToHost relays a client-originated envelope (verify-totp, offer) to
// the session's host socket, translating the type to its "-recv" companion
// where spec.md section 4.1 defines one so the host can distinguish
// inbound-relayed traffic from its own outbound messages.
func (h *Hub) forwardToHost(sock *socket, env wsmsg.Envelope) {
	rs, ok := h.get(env.SessionID)
	if !ok {
		_ = sock.writeJSON(errorEnvelope(env.SessionID, "unknown session"))
		return
	}

	rs.mu.Lock()
	host := rs.hostSock
	rs.touch()
	rs.mu.Unlock()

	if host == nil {
		_ = sock.writeJSON(errorEnvelope(env.SessionID, "host is not connected"))
		return
	}

	out := env
	out.ClientID = sock.clientID
	if out.Type == wsmsg.TypeOffer {
		out.Type = wsmsg.TypeOfferRecv
	}
	if err := host.writeJSON(out); err != nil {
		_ = sock.writeJSON(errorEnvelope(env.SessionID, "failed to reach host"))
	}
}

// forwardToClient relays a host-originated answer/auth-success/error to the
// target client socket named by env.ClientID, or to every client of the
// session if clientId is absent, per spec.md section 4.1. Like
// forwardToHost it replies to the sender with an error envelope, not a
// silent drop, when the session or the named client cannot be found.
func (h *Hub) forwardToClient(sock *socket, env wsmsg.Envelope) {
	rs, ok := h.get(env.SessionID)
	if !ok {
		_ = sock.writeJSON(errorEnvelope(env.SessionID, "unknown session"))
		return
	}

	out := env
	if out.Type == wsmsg.TypeAnswer {
		out.Type = wsmsg.TypeAnswerRecv
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.touch()

	if env.ClientID == "" {
		for _, c := range rs.clients {
			_ = c.writeJSON(out)
		}
		return
	}

	client, ok := rs.clients[env.ClientID]
	if !ok {
		_ = sock.writeJSON(errorEnvelope(env.SessionID, "unknown client: "+env.ClientID))
		return
	}
	_ = client.writeJSON(out)
}

// forwardCandidate relays an ICE candidate in whichever direction it
// arrived from: client candidates go to the host, host candidates go to the
// named client.
func (h *Hub) forwardCandidate(sock *socket, env wsmsg.Envelope) {
	rs, ok := h.get(env.SessionID)
	if !ok {
		_ = sock.writeJSON(errorEnvelope(env.SessionID, "unknown session"))
		return
	}

	out := env
	out.Type = wsmsg.TypeCandidateRecv

	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.touch()

	if sock.isHost {
		client, ok := rs.clients[env.ClientID]
		if ok {
			out.ClientID = env.ClientID
			_ = client.writeJSON(out)
		}
		return
	}

	if rs.hostSock != nil {
		out.ClientID = sock.clientID
		_ = rs.hostSock.writeJSON(out)
	}
}

func (h *Hub) handleHeartbeat(sock *socket, env wsmsg.Envelope) {
	if rs, ok := h.get(env.SessionID); ok {
		rs.mu.Lock()
		rs.touch()
		rs.mu.Unlock()
	}
	_ = sock.writeJSON(wsmsg.Envelope{Type: wsmsg.TypeHeartbeatAck, SessionID: env.SessionID, Timestamp: time.Now().Unix()})
}
