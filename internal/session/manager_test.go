package session

import (
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, string, string) {
	t.Helper()
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "test", AccountName: "ABCD1234", SecretSize: 20})
	require.NoError(t, err)
	return New("12345678", 2), key.Secret(), "session-secret-at-least-32-characters-long"
}

func currentCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	return code
}

func TestIssueTokenOnlyAfterAuthentication(t *testing.T) {
	m, totpSecret, signingSecret := newTestManager(t)
	s, _, err := m.CreateSession(totpSecret)
	require.NoError(t, err)

	_, err = m.IssueToken(s.SessionID, signingSecret)
	assert.Error(t, err, "issueToken must fail before TOTP verification")

	ok := m.VerifyTOTP(s.SessionID, currentCode(t, totpSecret), totpSecret)
	require.True(t, ok)

	token, err := m.IssueToken(s.SessionID, signingSecret)
	require.NoError(t, err)

	claims, ok := m.VerifyToken(token, signingSecret)
	require.True(t, ok)
	assert.Equal(t, s.SessionID, claims.SessionID)
	assert.Equal(t, "12345678", claims.HostID)
}

func TestVerifyTokenRejectsForgedToken(t *testing.T) {
	m, totpSecret, signingSecret := newTestManager(t)
	s, _, err := m.CreateSession(totpSecret)
	require.NoError(t, err)
	require.True(t, m.VerifyTOTP(s.SessionID, currentCode(t, totpSecret), totpSecret))

	_, err = m.IssueToken(s.SessionID, signingSecret)
	require.NoError(t, err)

	_, ok := m.VerifyToken("not-a-real-token", signingSecret)
	assert.False(t, ok)

	_, ok = m.VerifyToken("", signingSecret)
	assert.False(t, ok)
}

func TestFourFailedTOTPAttemptsRequireReAuth(t *testing.T) {
	m, totpSecret, _ := newTestManager(t)
	s, _, err := m.CreateSession(totpSecret)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		ok := m.VerifyTOTP(s.SessionID, "000000", totpSecret)
		assert.False(t, ok)
	}

	// The fifth attempt, even with the correct code, must still fail: the
	// session has been terminated by the four prior failures.
	ok := m.VerifyTOTP(s.SessionID, currentCode(t, totpSecret), totpSecret)
	assert.False(t, ok)
	assert.True(t, m.RequiresReAuth(s.SessionID))
}

func TestInvalidateSessionBlocksFutureTokenVerification(t *testing.T) {
	m, totpSecret, signingSecret := newTestManager(t)
	s, _, err := m.CreateSession(totpSecret)
	require.NoError(t, err)
	require.True(t, m.VerifyTOTP(s.SessionID, currentCode(t, totpSecret), totpSecret))

	token, err := m.IssueToken(s.SessionID, signingSecret)
	require.NoError(t, err)

	m.InvalidateSession(s.SessionID)

	_, ok := m.VerifyToken(token, signingSecret)
	assert.False(t, ok, "token must not verify after invalidation")
}

func TestRenewHostIDClearsSessionTable(t *testing.T) {
	m, totpSecret, _ := newTestManager(t)
	_, _, err := m.CreateSession(totpSecret)
	require.NoError(t, err)
	_, _, err = m.CreateSession(totpSecret)
	require.NoError(t, err)
	require.Equal(t, 2, m.Count())

	m.RenewHostID("87654321")
	assert.Equal(t, 0, m.Count())
}

func TestMultipleConnectionsTripsAtThirdChannel(t *testing.T) {
	m, totpSecret, _ := newTestManager(t)
	s, _, err := m.CreateSession(totpSecret)
	require.NoError(t, err)
	require.True(t, m.VerifyTOTP(s.SessionID, currentCode(t, totpSecret), totpSecret))

	require.NoError(t, m.AddPeerChannel(s.SessionID, "conn-1"))
	got, _ := m.Get(s.SessionID)
	assert.False(t, got.SecurityFlags.MultipleConnections)

	require.NoError(t, m.AddPeerChannel(s.SessionID, "conn-2"))
	got, _ = m.Get(s.SessionID)
	assert.False(t, got.SecurityFlags.MultipleConnections)

	require.NoError(t, m.AddPeerChannel(s.SessionID, "conn-3"))
	got, _ = m.Get(s.SessionID)
	assert.True(t, got.SecurityFlags.MultipleConnections)
}

func TestUnknownSessionLookupsReturnAbsent(t *testing.T) {
	m, _, signingSecret := newTestManager(t)
	assert.False(t, m.VerifyTOTP("NOPE0000", "000000", "JBSWY3DPEHPK3PXP"))
	assert.False(t, m.RequiresReAuth("NOPE0000"))
	_, ok := m.Get("NOPE0000")
	assert.False(t, ok)
	_, err := m.IssueToken("NOPE0000", signingSecret)
	assert.Error(t, err)
}
