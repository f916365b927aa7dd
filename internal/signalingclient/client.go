// Package signalingclient implements the host agent's side of spec.md
// section 4.1's rendezvous protocol: one persistent, auto-reconnecting
// WebSocket connection per session that registers as that session's host
// and relays inbound signaling envelopes to the rest of the host agent. The
// reconnect/backoff and ping-keepalive shape is grounded on the teacher's
// host-agent/internal/heartbeat/websocket.go ConnectSignaling (exponential
// backoff capped at 2 minutes, context-cancellable reconnect loop), adapted
// from that file's Socket.IO v4 handshake to this project's plain JSON
// wsmsg.Envelope protocol, which needs no Engine.IO/Socket.IO framing.
package signalingclient

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jl1nie/vibe-coder-go/internal/wsmsg"
)

const (
	baseReconnectDelay = 1 * time.Second
	maxReconnectDelay  = 2 * time.Minute
	handshakeTimeout   = 15 * time.Second
	writeTimeout       = 10 * time.Second
	heartbeatInterval  = 20 * time.Second
)

// Handler processes one inbound envelope relayed by the rendezvous for the
// session this Client registered as host for.
type Handler func(env wsmsg.Envelope)

// Config wires one session's rendezvous connection.
type Config struct {
	URL       string // ws(s):// URL of the rendezvous, including path
	SessionID string
	Handler   Handler
	Logger    *slog.Logger
}

// Client maintains the rendezvous connection for one session. Dial failures
// and read errors both trigger a reconnect with exponential backoff; a
// fresh register-host is sent on every reconnect since the rendezvous holds
// no connection state across sockets.
type Client struct {
	cfg Config
	log *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// New constructs a Client. Call Run to begin connecting.
func New(cfg Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{cfg: cfg, log: log}
}

// Run connects and maintains the connection until ctx is cancelled,
// reconnecting with exponential backoff on every disconnect.
func (c *Client) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		if err := c.runSession(ctx); err != nil {
			c.log.Warn("signaling session ended", "sessionId", c.cfg.SessionID, "error", err)
		}

		if ctx.Err() != nil {
			return
		}

		delay := backoff(attempt)
		attempt++
		c.log.Info("reconnecting to rendezvous", "sessionId", c.cfg.SessionID, "delay", delay, "attempt", attempt)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Client) runSession(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dialing rendezvous: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	if err := c.send(wsmsg.Envelope{Type: wsmsg.TypeRegisterHost, SessionID: c.cfg.SessionID, Timestamp: time.Now().Unix()}); err != nil {
		return fmt.Errorf("sending register-host: %w", err)
	}
	c.log.Info("registered as host with rendezvous", "sessionId", c.cfg.SessionID)

	stop := make(chan struct{})
	go c.heartbeatLoop(stop)
	defer close(stop)

	readErrs := make(chan error, 1)
	go func() {
		for {
			var env wsmsg.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				readErrs <- err
				return
			}
			if c.cfg.Handler != nil {
				c.cfg.Handler(env)
			}
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-readErrs:
		return err
	}
}

func (c *Client) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.send(wsmsg.Envelope{Type: wsmsg.TypeHeartbeat, SessionID: c.cfg.SessionID, Timestamp: time.Now().Unix()}); err != nil {
				c.log.Warn("sending heartbeat failed", "sessionId", c.cfg.SessionID, "error", err)
				return
			}
		}
	}
}

// Send writes env to the current connection, failing if not connected.
func (c *Client) Send(env wsmsg.Envelope) error {
	return c.send(env)
}

func (c *Client) send(env wsmsg.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("signaling client for session %s is not connected", c.cfg.SessionID)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(env)
}

// Connected reports whether the client currently holds a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func backoff(attempt int) time.Duration {
	if attempt == 0 {
		return baseReconnectDelay
	}
	d := time.Duration(math.Pow(2, float64(attempt))) * baseReconnectDelay
	if d > maxReconnectDelay {
		d = maxReconnectDelay
	}
	return d
}
