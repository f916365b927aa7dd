// Package adminapi implements the host agent's admin HTTP surface of
// spec.md section 6, using github.com/gorilla/mux and the
// success/data/error envelope of the teacher's gateway/src/api.go
// (APIResponse, writeJSON/writeError, loggingMiddleware), generalized from
// gateway-token auth to per-session bearer-token auth (closer to
// gateway/src/tunnel.go's JWT check, since every session here has its own
// signing context rather than one shared gateway secret).
package adminapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/jl1nie/vibe-coder-go/internal/apierror"
	"github.com/jl1nie/vibe-coder-go/internal/bridge"
	"github.com/jl1nie/vibe-coder-go/internal/hoststate"
	"github.com/jl1nie/vibe-coder-go/internal/session"
)

// APIResponse is the standard response envelope for all admin API
// responses, matching the teacher's gateway/src/api.go shape.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Server bundles the collaborators the admin HTTP surface needs.
type Server struct {
	state            *hoststate.State
	sessions         *session.Manager
	bridge           *bridge.Bridge
	trustedCIDRs     []*net.IPNet
	onSessionCreated func(sessionID string)
	log              *slog.Logger
	startedAt        time.Time
}

// Config wires a Server to its collaborators.
type Config struct {
	State        *hoststate.State
	Sessions     *session.Manager
	Bridge       *bridge.Bridge
	TrustedCIDRs []string
	// OnSessionCreated is called after a new PENDING session is created via
	// /api/auth/setup, so the caller can start that session's rendezvous
	// connection (one WebSocket per session, per spec.md section 4.1).
	OnSessionCreated func(sessionID string)
	Logger           *slog.Logger
}

// New builds a Server and its gorilla/mux router.
func New(cfg Config) (*Server, http.Handler) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	var nets []*net.IPNet
	for _, cidr := range cfg.TrustedCIDRs {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			log.Warn("ignoring malformed trusted CIDR", "cidr", cidr, "error", err)
			continue
		}
		nets = append(nets, n)
	}

	s := &Server{
		state:            cfg.State,
		sessions:         cfg.Sessions,
		bridge:           cfg.Bridge,
		trustedCIDRs:     nets,
		onSessionCreated: cfg.OnSessionCreated,
		log:              log,
		startedAt:        time.Now(),
	}

	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(contentTypeMiddleware)

	r.HandleFunc("/", s.handleStatusPage).Methods(http.MethodGet)
	r.HandleFunc("/setup", s.loopbackOnly(s.handleSetupPage)).Methods(http.MethodGet)

	r.HandleFunc("/api/auth/setup", s.handleAuthSetup).Methods(http.MethodGet)
	r.Handle("/api/auth/renew-host-id", s.bearerAuthMiddleware(http.HandlerFunc(s.handleRenewHostID))).Methods(http.MethodPost)
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)

	claude := r.PathPrefix("/api/claude").Subrouter()
	claude.Use(s.bearerAuthMiddleware)
	claude.HandleFunc("/execute", s.handleClaudeExecute).Methods(http.MethodPost)
	claude.HandleFunc("/cancel", s.handleClaudeCancel).Methods(http.MethodPost)
	claude.HandleFunc("/status", s.handleClaudeStatus).Methods(http.MethodGet)
	claude.HandleFunc("/health", s.handleClaudeHealth).Methods(http.MethodGet)

	webrtc := r.PathPrefix("/api/webrtc").Subrouter()
	webrtc.Use(s.bearerAuthMiddleware)
	webrtc.HandleFunc("/channels", s.handleListChannels).Methods(http.MethodGet)

	return s, r
}

func (s *Server) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<html><body><h1>vibe-coder host</h1><p>host id: %s</p><p>TOTP secret and QR are configured at <a href="/setup">/setup</a> from localhost only.</p></body></html>`, s.state.HostID)
}

// loopbackOnly rejects requests whose remote address is not loopback or in
// a configured trusted CIDR (e.g. the Docker bridge network), per spec.md
// section 6's /setup gate.
func (s *Server) loopbackOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.isTrustedSource(r) {
			writeError(w, http.StatusForbidden, "setup is only reachable from the local host")
			return
		}
		next(w, r)
	}
}

func (s *Server) isTrustedSource(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	for _, n := range s.trustedCIDRs {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (s *Server) handleSetupPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<html><body><h1>2FA setup</h1><p>Call GET /api/auth/setup to obtain the TOTP secret and otpauth:// URL. QR rendering is delegated to the mobile client.</p></body></html>`)
}

// handleAuthSetup creates a new session and returns its id and TOTP
// material, per spec.md section 6's GET /api/auth/setup.
func (s *Server) handleAuthSetup(w http.ResponseWriter, r *http.Request) {
	sess, totpURL, err := s.sessions.CreateSession(s.state.TOTPSecret)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "creating session: "+err.Error())
		return
	}

	if s.onSessionCreated != nil {
		s.onSessionCreated(sess.SessionID)
	}

	writeJSON(w, http.StatusCreated, APIResponse{
		Success: true,
		Data: map[string]string{
			"sessionId":  sess.SessionID,
			"totpSecret": s.state.TOTPSecret,
			"totpUrl":    totpURL,
		},
	})
}

// handleRenewHostID rotates the host identity and clears the session
// table, per spec.md section 4.2's renewHostId() operation. This endpoint
// is intentionally not loopback-gated by spec.md, but is behind
// bearerAuthMiddleware like /api/claude and /api/webrtc: the caller must
// already hold a valid bearer token for an existing session, consistent
// with "administrative" framing in spec.md section 6.
func (s *Server) handleRenewHostID(w http.ResponseWriter, r *http.Request) {
	newID, err := s.state.RenewHostID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "renewing host id: "+err.Error())
		return
	}
	s.sessions.RenewHostID(newID)

	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    map[string]string{"hostId": newID},
	})
}

// healthStatus is the payload for GET /api/health, per spec.md section 6.
type healthStatus struct {
	Alive          bool   `json:"alive"`
	ActiveSessions int    `json:"activeSessions"`
	PeerChannels   int    `json:"peerChannels"`
	UptimeSeconds  int64  `json:"uptimeSeconds"`
	MemoryAllocMB  uint64 `json:"memoryAllocMb"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, healthStatus{
		Alive:          true,
		ActiveSessions: s.sessions.Count(),
		PeerChannels:   s.bridge.Count(),
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
		MemoryAllocMB:  mem.Alloc / (1024 * 1024),
	})
}

// bearerAuthMiddleware requires a valid per-session bearer token, per
// spec.md section 6: "all require a valid bearer token in the
// Authorization header".
func (s *Server) bearerAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "missing Authorization header")
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeError(w, http.StatusUnauthorized, "invalid Authorization header format")
			return
		}

		claims, ok := s.sessions.VerifyToken(parts[1], s.state.SessionSecret)
		if !ok {
			writeError(w, http.StatusForbidden, "invalid or expired bearer token")
			return
		}

		r = r.WithContext(withSessionID(r.Context(), claims.SessionID))
		next.ServeHTTP(w, r)
	})
}

type claudeExecuteRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleClaudeExecute(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing session context")
		return
	}

	var req claudeExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	err := s.bridge.Execute(sessionID, req.Command)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, APIResponse{Success: true})
}

func (s *Server) handleClaudeCancel(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing session context")
		return
	}
	if err := s.bridge.Cancel(sessionID); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true})
}

func (s *Server) handleClaudeStatus(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing session context")
		return
	}
	running := s.bridge.IsAssistantRunning(sessionID)
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: map[string]bool{"running": running}})
}

func (s *Server) handleClaudeHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: map[string]bool{"healthy": true}})
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: map[string]int{"count": s.bridge.Count()}})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.Info("admin http request", "method", r.Method, "path", r.URL.Path, "remoteAddr", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

func contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, APIResponse{Success: false, Error: message})
}

func writeAPIError(w http.ResponseWriter, err error) {
	if apiErr, ok := apierror.As(err); ok {
		writeError(w, apierror.HTTPStatus(apiErr.Kind), apiErr.Message)
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
