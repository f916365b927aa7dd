// Command hostagent runs the per-machine host process described in spec.md
// sections 3, 4.2, and 4.3: it owns the persisted host identity, the
// session table, the WebRTC peer-channel bridge, and the rendezvous
// signaling connections, and exposes the admin HTTP surface of section 6.
// Its service-lifecycle shape (install/uninstall/run flags,
// kardianos/service wrapping for unattended operation) is grounded on the
// teacher's host-agent/cmd/agent/main.go.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kardianos/service"
	"github.com/pion/webrtc/v4"

	"github.com/jl1nie/vibe-coder-go/internal/adminapi"
	"github.com/jl1nie/vibe-coder-go/internal/assistant"
	"github.com/jl1nie/vibe-coder-go/internal/bridge"
	"github.com/jl1nie/vibe-coder-go/internal/hostconfig"
	"github.com/jl1nie/vibe-coder-go/internal/hoststate"
	"github.com/jl1nie/vibe-coder-go/internal/session"
	"github.com/jl1nie/vibe-coder-go/internal/signalingclient"
	"github.com/jl1nie/vibe-coder-go/internal/wsmsg"
)

const (
	serviceName        = "VibeCoderHostAgent"
	serviceDisplayName = "Vibe Coder Host Agent"
	serviceDescription = "Pairs a coding assistant on this machine with the vibe-coder mobile client over WebRTC"

	shutdownTimeout = 30 * time.Second
	sweepInterval   = 30 * time.Second
)

// hostAgentService implements kardianos/service.Interface.
type hostAgentService struct {
	cancel context.CancelFunc
}

func (a *hostAgentService) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go func() {
		if err := runAgent(ctx); err != nil {
			slog.Error("host agent exited with error", "error", err)
		}
	}()
	return nil
}

func (a *hostAgentService) Stop(s service.Service) error {
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}

func main() {
	initLogger()

	var (
		doInstall   = flag.Bool("install", false, "install as an OS service")
		doUninstall = flag.Bool("uninstall", false, "uninstall the OS service")
		doRun       = flag.Bool("run", false, "run in the foreground instead of as a service")
	)
	flag.Parse()

	svcConfig := &service.Config{
		Name:        serviceName,
		DisplayName: serviceDisplayName,
		Description: serviceDescription,
	}
	svc, err := service.New(&hostAgentService{}, svcConfig)
	if err != nil {
		slog.Error("failed to create service wrapper", "error", err)
		os.Exit(1)
	}

	switch {
	case *doInstall:
		if err := svc.Install(); err != nil {
			slog.Error("failed to install service", "error", err)
			os.Exit(1)
		}
		fmt.Println("service installed:", serviceName)
	case *doUninstall:
		if err := svc.Uninstall(); err != nil {
			slog.Error("failed to uninstall service", "error", err)
			os.Exit(1)
		}
		fmt.Println("service uninstalled:", serviceName)
	case *doRun || service.Interactive():
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		if err := runAgent(ctx); err != nil {
			slog.Error("host agent exited with error", "error", err)
			os.Exit(1)
		}
	default:
		if err := svc.Run(); err != nil {
			slog.Error("service run failed", "error", err)
			os.Exit(1)
		}
	}
}

// runAgent wires every collaborator described in spec.md and runs the admin
// HTTP server until ctx is cancelled, then shuts down gracefully.
func runAgent(ctx context.Context) error {
	cfg, err := hostconfig.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	initLoggerLevel(cfg.LogLevel)

	st, err := hoststate.Load(cfg.WorkspacePath)
	if err != nil {
		return fmt.Errorf("loading host state: %w", err)
	}
	slog.Info("host identity loaded", "hostId", st.HostID)

	sessions := session.New(st.HostID, cfg.TOTPWindow)

	sigMgr := signalingclient.NewManager(
		cfg.SignalingURL+cfg.SignalingWSPath,
		nil, // factory is set below, once sigMgr and br can close over each other
		slog.Default(),
	)

	launch := func(sessionID string) *assistant.Session {
		s := assistant.NewSession(assistant.Config{
			SessionID: sessionID,
			Command:   cfg.AssistantCommand,
			Args:      cfg.AssistantArgs,
			Dir:       cfg.WorkspacePath,
			Logger:    slog.Default(),
		})
		if err := s.Start(); err != nil {
			slog.Error("failed to start assistant process", "sessionId", sessionID, "error", err)
		}
		return s
	}

	br := bridge.New(bridge.Config{
		ICEServers: iceServers(cfg.WebRTCStunServers, cfg.WebRTCTurnServers, cfg.TurnUsername, cfg.TurnCredential),
		Send:       sigMgr.Send,
		Launch:     launch,
		OnStateChange: func(sessionID string, connected bool) {
			if connected {
				sessions.MarkConnected(sessionID)
			}
		},
		Logger: slog.Default(),
	})

	sigMgr.SetFactory(signalingHandlerFactory(sessions, br, st, sigMgr, slog.Default()))

	_, router := adminapi.New(adminapi.Config{
		State:        st,
		Sessions:     sessions,
		Bridge:       br,
		TrustedCIDRs: cfg.AdminTrustedCIDRs,
		OnSessionCreated: func(sessionID string) {
			sigMgr.Start(ctx, sessionID)
		},
		Logger: slog.Default(),
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	go runSweepLoop(sweepCtx, sessions, br)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("host agent admin api listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("host agent shutting down")
	case err := <-errCh:
		slog.Error("admin api server error", "error", err)
	}

	stopSweep()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	slog.Info("host agent shut down cleanly")
	return nil
}

func runSweepLoop(ctx context.Context, sessions *session.Manager, br *bridge.Bridge) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			br.SweepIdle()
			if expired := sessions.SweepExpired(); len(expired) > 0 {
				slog.Info("swept expired sessions", "count", len(expired))
			}
		}
	}
}

// signalingHandlerFactory builds the per-session inbound envelope handler
// that drives session-state transitions and the WebRTC bridge from
// rendezvous traffic, per spec.md section 4.1's message table.
func signalingHandlerFactory(sessions *session.Manager, br *bridge.Bridge, st *hoststate.State, sigMgr *signalingclient.Manager, log *slog.Logger) signalingclient.HandlerFactory {
	return func(sessionID string) signalingclient.Handler {
		return func(env wsmsg.Envelope) {
			switch env.Type {
			case wsmsg.TypeSessionCreate:
				// ack of our own register-host; nothing to do.
			case wsmsg.TypeSessionJoined:
				log.Info("client joined session", "sessionId", sessionID, "clientId", env.ClientID)
			case wsmsg.TypeVerifyTOTP:
				handleVerifyTOTP(sessions, st, sigMgr, log, sessionID, env)
			case wsmsg.TypeOfferRecv:
				handleOffer(sessions, st, br, sigMgr, log, sessionID, env)
			case wsmsg.TypeCandidateRecv:
				handleCandidate(sessions, st, br, sigMgr, log, sessionID, env)
			case wsmsg.TypePeerDisconn:
				sessions.MarkDisconnected(sessionID, env.ClientID)
				br.Remove(sessionID)
			case wsmsg.TypeHeartbeatAck:
				// connection liveness only; no state change.
			default:
				log.Debug("unhandled signaling envelope", "sessionId", sessionID, "type", env.Type)
			}
		}
	}
}

func handleVerifyTOTP(sessions *session.Manager, st *hoststate.State, sigMgr *signalingclient.Manager, log *slog.Logger, sessionID string, env wsmsg.Envelope) {
	if !sessions.VerifyTOTP(sessionID, env.TOTPCode, st.TOTPSecret) {
		if err := sigMgr.Send(wsmsg.TypeError, sessionID, env.ClientID, []byte("invalid or expired TOTP code")); err != nil {
			log.Warn("sending auth failure failed", "sessionId", sessionID, "error", err)
		}
		return
	}

	token, err := sessions.IssueToken(sessionID, st.SessionSecret)
	if err != nil {
		log.Warn("issuing bearer token failed", "sessionId", sessionID, "error", err)
		_ = sigMgr.Send(wsmsg.TypeError, sessionID, env.ClientID, []byte("failed to issue session token"))
		return
	}
	if err := sigMgr.Send(wsmsg.TypeAuthSuccess, sessionID, env.ClientID, []byte(token)); err != nil {
		log.Warn("sending auth-success failed", "sessionId", sessionID, "error", err)
	}
}

// verifyBearerToken confirms env carries a token valid for sessionID, per
// spec.md section 4.3's "signaling handlers are all gated on verifyToken".
// On failure it sends an error envelope back to env.ClientID and returns
// false.
func verifyBearerToken(sessions *session.Manager, st *hoststate.State, sigMgr *signalingclient.Manager, log *slog.Logger, sessionID string, env wsmsg.Envelope) bool {
	claims, ok := sessions.VerifyToken(env.Token, st.SessionSecret)
	if !ok || claims.SessionID != sessionID {
		if err := sigMgr.Send(wsmsg.TypeError, sessionID, env.ClientID, []byte("invalid or missing bearer token")); err != nil {
			log.Warn("sending token-rejection failed", "sessionId", sessionID, "error", err)
		}
		return false
	}
	return true
}

func handleOffer(sessions *session.Manager, st *hoststate.State, br *bridge.Bridge, sigMgr *signalingclient.Manager, log *slog.Logger, sessionID string, env wsmsg.Envelope) {
	if !verifyBearerToken(sessions, st, sigMgr, log, sessionID, env) {
		return
	}
	if sessions.RequiresReAuth(sessionID) {
		_ = sigMgr.Send(wsmsg.TypeError, sessionID, env.ClientID, []byte("session requires re-authentication"))
		return
	}
	if err := sessions.AddPeerChannel(sessionID, env.ClientID); err != nil {
		_ = sigMgr.Send(wsmsg.TypeError, sessionID, env.ClientID, []byte(err.Error()))
		return
	}

	answer, err := br.HandleOffer(sessionID, env.ClientID, env.Offer)
	if err != nil {
		log.Warn("handling offer failed", "sessionId", sessionID, "error", err)
		_ = sigMgr.Send(wsmsg.TypeError, sessionID, env.ClientID, []byte("failed to negotiate connection"))
		return
	}
	if err := sigMgr.Send(wsmsg.TypeAnswer, sessionID, env.ClientID, answer); err != nil {
		log.Warn("sending answer failed", "sessionId", sessionID, "error", err)
	}
}

func handleCandidate(sessions *session.Manager, st *hoststate.State, br *bridge.Bridge, sigMgr *signalingclient.Manager, log *slog.Logger, sessionID string, env wsmsg.Envelope) {
	if !verifyBearerToken(sessions, st, sigMgr, log, sessionID, env) {
		return
	}
	if err := br.HandleCandidate(sessionID, env.Candidate); err != nil {
		log.Warn("applying remote ice candidate failed", "sessionId", sessionID, "error", err)
	}
}

func iceServers(stun, turn []string, turnUsername, turnCredential string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(stun) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}
	if len(turn) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   turnUsername,
			Credential: turnCredential,
		})
	}
	return servers
}

func initLogger() {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(handler))
}

func initLoggerLevel(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
