package signalingclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jl1nie/vibe-coder-go/internal/wsmsg"
)

// HandlerFactory builds the inbound-envelope handler for one session, e.g.
// closing over that session's wsmsg-to-bridge/session-manager wiring.
type HandlerFactory func(sessionID string) Handler

// Manager owns one Client per active session and doubles as the
// bridge.SignalFunc implementation: outbound answer/candidate/auth-success/
// error messages are routed to whichever session's connection
// they belong to, since a single host agent process may run several
// concurrent client sessions, each requiring its own rendezvous
// registration (the rendezvous binds one session per socket).
type Manager struct {
	baseURL string
	factory HandlerFactory
	log     *slog.Logger

	mu      sync.Mutex
	clients map[string]*Client
	cancels map[string]context.CancelFunc
}

// NewManager creates a Manager. factory is called once per session to build
// that session's inbound handler; it may be nil and set later with
// SetFactory when its closure needs to reference the Manager itself.
func NewManager(baseURL string, factory HandlerFactory, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		baseURL: baseURL,
		factory: factory,
		log:     log,
		clients: make(map[string]*Client),
		cancels: make(map[string]context.CancelFunc),
	}
}

// SetFactory assigns the HandlerFactory used by future Start calls. It does
// not affect sessions already started.
func (m *Manager) SetFactory(factory HandlerFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factory = factory
}

// Start launches (or returns the existing) rendezvous connection for
// sessionID, deriving its lifetime from ctx.
func (m *Manager) Start(ctx context.Context, sessionID string) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.clients[sessionID]; ok {
		return c
	}

	c := New(Config{URL: m.baseURL, SessionID: sessionID, Handler: m.factory(sessionID), Logger: m.log})
	sessionCtx, cancel := context.WithCancel(ctx)
	m.clients[sessionID] = c
	m.cancels[sessionID] = cancel
	go c.Run(sessionCtx)
	return c
}

// Stop tears down sessionID's rendezvous connection, e.g. on
// invalidateSession or renewHostId.
func (m *Manager) Stop(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.cancels[sessionID]; ok {
		cancel()
		delete(m.cancels, sessionID)
	}
	delete(m.clients, sessionID)
}

// Send implements bridge.SignalFunc, routing an outbound signaling message
// to the named session's connection and mapping payload into the envelope
// field spec.md section 4.1 defines for msgType.
func (m *Manager) Send(msgType wsmsg.Type, sessionID, clientID string, payload []byte) error {
	m.mu.Lock()
	c, ok := m.clients[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no signaling connection for session %s", sessionID)
	}

	env := wsmsg.Envelope{Type: msgType, SessionID: sessionID, ClientID: clientID, Timestamp: time.Now().Unix()}
	switch msgType {
	case wsmsg.TypeAnswer:
		env.Answer = payload
	case wsmsg.TypeIceCandidate:
		env.Candidate = payload
	case wsmsg.TypeAuthSuccess:
		env.Token = string(payload)
	case wsmsg.TypeError:
		env.Error = string(payload)
	default:
		return fmt.Errorf("unsupported outbound signal type %q", msgType)
	}
	return c.Send(env)
}

// Count returns the number of sessions with a registered connection.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}
