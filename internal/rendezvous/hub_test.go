package rendezvous

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/jl1nie/vibe-coder-go/internal/wsmsg"
)

func startTestServer(t *testing.T) (*Hub, string) {
	t.Helper()
	h := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return h, wsURL
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wsmsg.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env wsmsg.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestRegisterHostThenJoinSessionNotifiesBothSides(t *testing.T) {
	_, url := startTestServer(t)

	host := dial(t, url)
	defer host.Close()
	require.NoError(t, host.WriteJSON(wsmsg.Envelope{Type: wsmsg.TypeRegisterHost, SessionID: "ABCD1234"}))
	created := readEnvelope(t, host)
	require.Equal(t, wsmsg.TypeSessionCreate, created.Type)

	client := dial(t, url)
	defer client.Close()
	require.NoError(t, client.WriteJSON(wsmsg.Envelope{Type: wsmsg.TypeJoinSession, SessionID: "ABCD1234", ClientID: "mobile-1"}))

	joinedAck := readEnvelope(t, client)
	require.Equal(t, wsmsg.TypeSessionJoined, joinedAck.Type)

	joinedNotice := readEnvelope(t, host)
	require.Equal(t, wsmsg.TypeSessionJoined, joinedNotice.Type)
	require.Equal(t, "mobile-1", joinedNotice.ClientID)
}

func TestJoinUnknownSessionReturnsError(t *testing.T) {
	_, url := startTestServer(t)

	client := dial(t, url)
	defer client.Close()
	require.NoError(t, client.WriteJSON(wsmsg.Envelope{Type: wsmsg.TypeJoinSession, SessionID: "NOPE0000", ClientID: "mobile-1"}))

	resp := readEnvelope(t, client)
	require.Equal(t, wsmsg.TypeError, resp.Type)
}

func TestOfferAnswerCandidateRoundTrip(t *testing.T) {
	_, url := startTestServer(t)

	host := dial(t, url)
	defer host.Close()
	require.NoError(t, host.WriteJSON(wsmsg.Envelope{Type: wsmsg.TypeRegisterHost, SessionID: "SESSION1"}))
	readEnvelope(t, host) // session-create ack

	client := dial(t, url)
	defer client.Close()
	require.NoError(t, client.WriteJSON(wsmsg.Envelope{Type: wsmsg.TypeJoinSession, SessionID: "SESSION1", ClientID: "mobile-1"}))
	readEnvelope(t, client)   // session-joined ack
	readEnvelope(t, host)     // session-joined notice

	require.NoError(t, client.WriteJSON(wsmsg.Envelope{Type: wsmsg.TypeOffer, SessionID: "SESSION1", Offer: []byte(`{"sdp":"offer-sdp"}`)}))
	offerRecv := readEnvelope(t, host)
	require.Equal(t, wsmsg.TypeOfferRecv, offerRecv.Type)
	require.Equal(t, "mobile-1", offerRecv.ClientID)

	require.NoError(t, host.WriteJSON(wsmsg.Envelope{Type: wsmsg.TypeAnswer, SessionID: "SESSION1", ClientID: "mobile-1", Answer: []byte(`{"sdp":"answer-sdp"}`)}))
	answerRecv := readEnvelope(t, client)
	require.Equal(t, wsmsg.TypeAnswerRecv, answerRecv.Type)

	require.NoError(t, client.WriteJSON(wsmsg.Envelope{Type: wsmsg.TypeIceCandidate, SessionID: "SESSION1", Candidate: []byte(`{"candidate":"x"}`)}))
	candAtHost := readEnvelope(t, host)
	require.Equal(t, wsmsg.TypeCandidateRecv, candAtHost.Type)
	require.Equal(t, "mobile-1", candAtHost.ClientID)
}

func TestHostDisconnectNotifiesClientsAndKeepsSessionForRemainingClient(t *testing.T) {
	h, url := startTestServer(t)

	host := dial(t, url)
	require.NoError(t, host.WriteJSON(wsmsg.Envelope{Type: wsmsg.TypeRegisterHost, SessionID: "SESSION2"}))
	readEnvelope(t, host)

	client := dial(t, url)
	defer client.Close()
	require.NoError(t, client.WriteJSON(wsmsg.Envelope{Type: wsmsg.TypeJoinSession, SessionID: "SESSION2", ClientID: "mobile-1"}))
	readEnvelope(t, client)

	host.Close()

	notice := readEnvelope(t, client)
	require.Equal(t, wsmsg.TypePeerDisconn, notice.Type)

	require.Eventually(t, func() bool {
		rs, ok := h.get("SESSION2")
		if !ok {
			return false
		}
		rs.mu.Lock()
		defer rs.mu.Unlock()
		return rs.hostSock == nil
	}, time.Second, 10*time.Millisecond, "session should remain (client still connected) but host cleared")
}

func TestHeartbeatIsAcknowledged(t *testing.T) {
	_, url := startTestServer(t)

	host := dial(t, url)
	defer host.Close()
	require.NoError(t, host.WriteJSON(wsmsg.Envelope{Type: wsmsg.TypeRegisterHost, SessionID: "SESSION3"}))
	readEnvelope(t, host)

	require.NoError(t, host.WriteJSON(wsmsg.Envelope{Type: wsmsg.TypeHeartbeat, SessionID: "SESSION3"}))
	ack := readEnvelope(t, host)
	require.Equal(t, wsmsg.TypeHeartbeatAck, ack.Type)
}

func TestHostCanRelayAuthSuccessAndErrorToClient(t *testing.T) {
	_, url := startTestServer(t)

	host := dial(t, url)
	defer host.Close()
	require.NoError(t, host.WriteJSON(wsmsg.Envelope{Type: wsmsg.TypeRegisterHost, SessionID: "SESSION4"}))
	readEnvelope(t, host)

	client := dial(t, url)
	defer client.Close()
	require.NoError(t, client.WriteJSON(wsmsg.Envelope{Type: wsmsg.TypeJoinSession, SessionID: "SESSION4", ClientID: "mobile-1"}))
	readEnvelope(t, client) // session-joined ack
	readEnvelope(t, host)   // session-joined notice

	require.NoError(t, client.WriteJSON(wsmsg.Envelope{Type: wsmsg.TypeVerifyTOTP, SessionID: "SESSION4", TOTPCode: "123456"}))
	verifyAtHost := readEnvelope(t, host)
	require.Equal(t, wsmsg.TypeVerifyTOTP, verifyAtHost.Type)
	require.Equal(t, "mobile-1", verifyAtHost.ClientID)

	require.NoError(t, host.WriteJSON(wsmsg.Envelope{Type: wsmsg.TypeAuthSuccess, SessionID: "SESSION4", ClientID: "mobile-1"}))
	authAtClient := readEnvelope(t, client)
	require.Equal(t, wsmsg.TypeAuthSuccess, authAtClient.Type)

	require.NoError(t, host.WriteJSON(wsmsg.Envelope{Type: wsmsg.TypeError, SessionID: "SESSION4", ClientID: "mobile-1", Error: "bad totp code"}))
	errAtClient := readEnvelope(t, client)
	require.Equal(t, wsmsg.TypeError, errAtClient.Type)
	require.Equal(t, "bad totp code", errAtClient.Error)
}

func TestClientCannotOriginateErrorMessages(t *testing.T) {
	_, url := startTestServer(t)

	client := dial(t, url)
	defer client.Close()
	require.NoError(t, client.WriteJSON(wsmsg.Envelope{Type: wsmsg.TypeError, SessionID: "SESSION5", Error: "spoofed"}))

	resp := readEnvelope(t, client)
	require.Equal(t, wsmsg.TypeError, resp.Type)
	require.Equal(t, "clients may not originate error messages", resp.Error)
}

func TestRateLimitRejectsExcessiveVerifyTOTPAttempts(t *testing.T) {
	_, url := startTestServer(t)

	conn := dial(t, url)
	defer conn.Close()

	// A socket that never joins a session keeps the same "pending" rate-limit
	// key across calls. DefaultLimits gives verify-totp a burst of 5 within
	// 10s against an unknown session; the sixth attempt must be rejected by
	// the limiter rather than by the unknown-session check.
	for i := 0; i < 5; i++ {
		require.NoError(t, conn.WriteJSON(wsmsg.Envelope{Type: wsmsg.TypeVerifyTOTP, SessionID: "BURST001", TOTPCode: "000000"}))
		resp := readEnvelope(t, conn)
		require.Equal(t, wsmsg.TypeError, resp.Type)
		require.Equal(t, "unknown session", resp.Error)
	}

	require.NoError(t, conn.WriteJSON(wsmsg.Envelope{Type: wsmsg.TypeVerifyTOTP, SessionID: "BURST001", TOTPCode: "000000"}))
	resp := readEnvelope(t, conn)
	require.Equal(t, wsmsg.TypeError, resp.Type)
	require.Equal(t, "rate limit exceeded", resp.Error)
}
