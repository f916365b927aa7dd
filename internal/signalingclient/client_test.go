package signalingclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/jl1nie/vibe-coder-go/internal/wsmsg"
)

// fakeRendezvous upgrades one connection, records every envelope it
// receives, and lets the test push further envelopes back down.
type fakeRendezvous struct {
	mu       sync.Mutex
	received []wsmsg.Envelope
	conn     *websocket.Conn
	connCh   chan struct{}
}

func newFakeRendezvous() *fakeRendezvous {
	return &fakeRendezvous{connCh: make(chan struct{}, 1)}
}

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func (f *fakeRendezvous) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	select {
	case f.connCh <- struct{}{}:
	default:
	}

	for {
		var env wsmsg.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		f.mu.Lock()
		f.received = append(f.received, env)
		f.mu.Unlock()
	}
}

func (f *fakeRendezvous) waitConnected(t *testing.T) {
	t.Helper()
	select {
	case <-f.connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client connection")
	}
}

func (f *fakeRendezvous) firstReceived(t *testing.T) wsmsg.Envelope {
	t.Helper()
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.received) > 0
	}, 2*time.Second, 10*time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.received[0]
}

func TestClientRegistersAsHostOnConnect(t *testing.T) {
	fake := newFakeRendezvous()
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New(Config{URL: url, SessionID: "SESSION-X"})
	go c.Run(ctx)

	fake.waitConnected(t)
	env := fake.firstReceived(t)
	require.Equal(t, wsmsg.TypeRegisterHost, env.Type)
	require.Equal(t, "SESSION-X", env.SessionID)
}

func TestClientDispatchesInboundEnvelopesToHandler(t *testing.T) {
	fake := newFakeRendezvous()
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	received := make(chan wsmsg.Envelope, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New(Config{URL: url, SessionID: "SESSION-Y", Handler: func(env wsmsg.Envelope) {
		received <- env
	}})
	go c.Run(ctx)

	fake.waitConnected(t)
	fake.firstReceived(t) // drain the register-host envelope

	fake.mu.Lock()
	conn := fake.conn
	fake.mu.Unlock()
	require.NoError(t, conn.WriteJSON(wsmsg.Envelope{Type: wsmsg.TypeSessionJoined, SessionID: "SESSION-Y", ClientID: "mobile-1"}))

	select {
	case env := <-received:
		require.Equal(t, wsmsg.TypeSessionJoined, env.Type)
		require.Equal(t, "mobile-1", env.ClientID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched envelope")
	}
}

func TestSendFailsWhenNotConnected(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:0/unreachable", SessionID: "SESSION-Z"})
	err := c.Send(wsmsg.Envelope{Type: wsmsg.TypeHeartbeat, SessionID: "SESSION-Z"})
	require.Error(t, err)
}

func TestManagerSendRoutesToNamedSessionConnection(t *testing.T) {
	fake := newFakeRendezvous()
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(url, func(sessionID string) Handler { return func(wsmsg.Envelope) {} }, nil)
	m.Start(ctx, "SESSION-M")

	fake.waitConnected(t)
	fake.firstReceived(t) // drain register-host

	require.NoError(t, m.Send(wsmsg.TypeIceCandidate, "SESSION-M", "mobile-1", []byte(`{"candidate":"x"}`)))

	require.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return len(fake.received) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	fake.mu.Lock()
	env := fake.received[1]
	fake.mu.Unlock()
	require.Equal(t, wsmsg.TypeIceCandidate, env.Type)
	require.Equal(t, "mobile-1", env.ClientID)
}

func TestManagerSendOnUnknownSessionReturnsError(t *testing.T) {
	m := NewManager("ws://127.0.0.1:0", func(sessionID string) Handler { return nil }, nil)
	err := m.Send(wsmsg.TypeAnswer, "no-such-session", "mobile-1", nil)
	require.Error(t, err)
}
