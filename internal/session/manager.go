package session

import (
	"crypto/rand"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// otpIssuer labels the otpauth:// URIs CreateSession builds, matching the
// issuer hoststate.generateTOTPSecret used when it minted the secret.
const otpIssuer = "vibe-coder"

const (
	sessionIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	sessionIDLength   = 8

	sessionTTL         = 24 * time.Hour
	inactivityReauth   = 30 * time.Minute
	reconnectThreshold = 3
)

// entry pairs a Session with the per-record lock that serializes every
// operation touching it, per spec.md section 4.2's "operations are
// serialized per-sessionId" ordering rule and the "arena of session records
// keyed by sessionId with per-record locks" design note.
type entry struct {
	mu sync.Mutex
	s  *Session
}

// Manager owns the single in-memory session table for a host run.
type Manager struct {
	hostID string

	// totpWindow is the number of 30s steps accepted on either side of the
	// current step, per spec.md section 4.2 ("±2-step window"). Exposed as
	// config per the Open Question in spec.md section 9.
	totpWindow uint

	tableMu sync.RWMutex
	table   map[string]*entry
}

// New creates a session Manager bound to the given host ID, accepting TOTP
// codes within totpWindow steps (2 when totpWindow is 0). The TOTP secret and
// the bearer-token signing secret are passed to the individual operations.
func New(hostID string, totpWindow uint) *Manager {
	if totpWindow == 0 {
		totpWindow = 2
	}
	return &Manager{
		hostID:     hostID,
		totpWindow: totpWindow,
		table:      make(map[string]*entry),
	}
}

// CreateSession generates a new 8-char upper-alphanumeric session ID,
// inserts a PENDING record with a 24h expiry, and returns it along with an
// otpauth:// URI wrapping the permanent host TOTP secret, per spec.md
// section 4.2's createSession() operation and section 6's
// { sessionId, totpSecret, totpUrl } response shape.
func (m *Manager) CreateSession(totpSecret string) (*Session, string, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, "", fmt.Errorf("generating session id: %w", err)
	}

	now := time.Now()
	s := &Session{
		SessionID:    id,
		HostID:       m.hostID,
		State:        StatePending,
		LastActivity: now,
		PeerChannels: make(map[string]struct{}),
		CreatedAt:    now,
		ExpiresAt:    now.Add(sessionTTL),
	}

	m.tableMu.Lock()
	m.table[id] = &entry{s: s}
	m.tableMu.Unlock()

	return s, buildTOTPURL(otpIssuer, m.hostID, totpSecret), nil
}

// buildTOTPURL constructs the otpauth:// key URI for secret in the format
// github.com/pquerna/otp/totp.Generate's Key.String() produces, so a secret
// persisted once by hoststate can be re-displayed as a scannable URI on
// every /api/auth/setup call without re-generating the secret itself.
func buildTOTPURL(issuer, accountName, secret string) string {
	v := url.Values{}
	v.Set("secret", secret)
	v.Set("issuer", issuer)
	v.Set("algorithm", "SHA1")
	v.Set("digits", "6")
	v.Set("period", "30")
	u := url.URL{
		Scheme:   "otpauth",
		Host:     "totp",
		Path:     "/" + issuer + ":" + accountName,
		RawQuery: v.Encode(),
	}
	return u.String()
}

// VerifyTOTP validates code against totpSecret with the configured window.
// On success it transitions the session to AUTHENTICATED and stamps
// lastActivity. Unknown sessionIDs return false without side effects, per
// spec.md's "rejects silently for unknown sessionId" rule. Concurrent calls
// on the same session are serialized by the per-record lock, so no two
// verifications can race to both succeed.
func (m *Manager) VerifyTOTP(sessionID, code, totpSecret string) bool {
	e := m.get(sessionID)
	if e == nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.State == StateTerminated {
		return false
	}

	ok, err := totp.ValidateCustom(code, totpSecret, time.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      m.totpWindow,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !ok {
		e.s.FailedTOTPAttempts++
		if e.s.FailedTOTPAttempts > 3 {
			e.s.State = StateTerminated
		}
		return false
	}

	e.s.Authenticated = true
	e.s.State = StateAuthenticated
	e.s.FailedTOTPAttempts = 0
	e.s.LastActivity = time.Now()
	return true
}

// IssueToken mints a bearer token for an AUTHENTICATED session, per spec.md
// section 4.2's issueToken() operation. The token is a JWT signed with
// sessionSecret, embedding sessionId, hostId, and an expiry equal to the
// session's expiresAt.
func (m *Manager) IssueToken(sessionID, sessionSecret string) (string, error) {
	e := m.get(sessionID)
	if e == nil {
		return "", fmt.Errorf("unknown session %q", sessionID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.State != StateAuthenticated && e.s.State != StateNegotiating && e.s.State != StateLive {
		return "", fmt.Errorf("session %q is not authenticated", sessionID)
	}

	token, err := signToken(e.s.SessionID, e.s.HostID, e.s.ExpiresAt, sessionSecret)
	if err != nil {
		return "", err
	}

	e.s.BearerToken = token
	e.s.TokenExpiry = e.s.ExpiresAt
	return token, nil
}

// VerifiedClaims is the result of a successful VerifyToken call.
type VerifiedClaims struct {
	SessionID string
	HostID    string
}

// VerifyToken decodes and checks token's signature, confirms the named
// session still exists, is authenticated, and is unexpired, and stamps
// lastActivity. Per spec.md section 8 invariant 1, this accepts exactly the
// tokens issued by IssueToken for an extant, authenticated, unexpired
// session.
func (m *Manager) VerifyToken(token, sessionSecret string) (*VerifiedClaims, bool) {
	claims, err := parseToken(token, sessionSecret)
	if err != nil {
		return nil, false
	}

	e := m.get(claims.SessionID)
	if e == nil {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.s.Authenticated || e.s.BearerToken != token {
		return nil, false
	}
	if time.Now().After(e.s.TokenExpiry) {
		return nil, false
	}

	e.s.LastActivity = time.Now()
	return &VerifiedClaims{SessionID: e.s.SessionID, HostID: e.s.HostID}, true
}

// RequiresReAuth reports whether sessionID must re-authenticate before any
// new peer channel is accepted, per spec.md section 4.2. An unknown
// sessionID reports false, the "absent" result of every lookup here.
func (m *Manager) RequiresReAuth(sessionID string) bool {
	e := m.get(sessionID)
	if e == nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return requiresReAuthLocked(e.s)
}

// requiresReAuthLocked implements the requiresReAuth predicate assuming the
// caller already holds e.mu; callers that already hold the lock (such as
// AddPeerChannel) must use this instead of RequiresReAuth to avoid
// re-locking the same per-record mutex.
func requiresReAuthLocked(s *Session) bool {
	if s.State == StateTerminated {
		return true
	}
	if s.SecurityFlags.Suspicious {
		return true
	}
	if s.ReconnectAttempts > reconnectThreshold {
		return true
	}
	if time.Since(s.LastActivity) > inactivityReauth {
		s.State = StateReauthRequired
		return true
	}
	return false
}

// ExtendSession atomically replaces the bearer token and pushes expiry
// forward, per spec.md section 4.2's extendSession() operation.
func (m *Manager) ExtendSession(sessionID, newToken string, newExpiry time.Time) bool {
	e := m.get(sessionID)
	if e == nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.s.Authenticated {
		return false
	}
	e.s.BearerToken = newToken
	e.s.TokenExpiry = newExpiry
	e.s.LastActivity = time.Now()
	return true
}

// AddPeerChannel registers connectionId against sessionID. The third and
// subsequent channel sets MultipleConnections, per spec.md section 3.
func (m *Manager) AddPeerChannel(sessionID, connectionID string) error {
	e := m.get(sessionID)
	if e == nil {
		return fmt.Errorf("unknown session %q", sessionID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if requiresReAuthLocked(e.s) {
		return fmt.Errorf("session %q requires re-authentication", sessionID)
	}

	e.s.PeerChannels[connectionID] = struct{}{}
	if len(e.s.PeerChannels) >= multipleConnectionsThreshold {
		e.s.SecurityFlags.MultipleConnections = true
	}
	e.s.State = StateNegotiating
	e.s.LastActivity = time.Now()
	return nil
}

// MarkConnected transitions sessionID to LIVE once its peer connection
// reports connected.
func (m *Manager) MarkConnected(sessionID string) {
	e := m.get(sessionID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.s.State = StateLive
	e.s.LastActivity = time.Now()
}

// MarkDisconnected transitions sessionID back to AUTHENTICATED and
// increments reconnectAttempts, per spec.md's LIVE -> AUTHENTICATED
// transition.
func (m *Manager) MarkDisconnected(sessionID, connectionID string) {
	e := m.get(sessionID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.s.PeerChannels, connectionID)
	e.s.ReconnectAttempts++
	if e.s.State == StateLive || e.s.State == StateNegotiating {
		e.s.State = StateAuthenticated
	}
	e.s.LastActivity = time.Now()
}

// IncrementReconnectAttempts bumps the reconnect counter without a state
// transition, for callers that track attempts separately from disconnects.
func (m *Manager) IncrementReconnectAttempts(sessionID string) {
	e := m.get(sessionID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.s.ReconnectAttempts++
}

// MarkSuspicious sets the suspicious security flag, forcing RequiresReAuth
// to return true on the next check.
func (m *Manager) MarkSuspicious(sessionID string) {
	e := m.get(sessionID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.s.SecurityFlags.Suspicious = true
}

// InvalidateSession irreversibly clears the token, marks the session
// unauthenticated, and detaches its peer channels, per spec.md section 4.2's
// invalidateSession() operation.
func (m *Manager) InvalidateSession(sessionID string) {
	e := m.get(sessionID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.s.Authenticated = false
	e.s.BearerToken = ""
	e.s.TokenExpiry = time.Time{}
	e.s.PeerChannels = make(map[string]struct{})
	e.s.State = StateTerminated
}

// RenewHostID updates the host ID recorded on every future-created session
// and clears the entire table, per spec.md section 4.2's renewHostId()
// operation (the caller is responsible for persisting the new ID and
// notifying open peer channels to terminate).
func (m *Manager) RenewHostID(newHostID string) {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	m.hostID = newHostID
	m.table = make(map[string]*entry)
}

// Get returns a read-only snapshot of sessionID, or false if it does not
// exist.
func (m *Manager) Get(sessionID string) (Session, bool) {
	e := m.get(sessionID)
	if e == nil {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.snapshot(), true
}

// Count returns the number of live session records, for health reporting.
func (m *Manager) Count() int {
	m.tableMu.RLock()
	defer m.tableMu.RUnlock()
	return len(m.table)
}

// SweepExpired removes sessions past their absolute expiry. It takes a
// snapshot of expired IDs under the table lock, then locks and deletes each
// in turn, per the design note on periodic sweeps.
func (m *Manager) SweepExpired() []string {
	m.tableMu.RLock()
	var expired []string
	now := time.Now()
	for id, e := range m.table {
		e.mu.Lock()
		if now.After(e.s.ExpiresAt) {
			expired = append(expired, id)
		}
		e.mu.Unlock()
	}
	m.tableMu.RUnlock()

	if len(expired) == 0 {
		return nil
	}

	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	for _, id := range expired {
		delete(m.table, id)
	}
	return expired
}

func (m *Manager) get(sessionID string) *entry {
	m.tableMu.RLock()
	defer m.tableMu.RUnlock()
	return m.table[sessionID]
}

func generateSessionID() (string, error) {
	buf := make([]byte, sessionIDLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, sessionIDLength)
	for i, b := range buf {
		out[i] = sessionIDAlphabet[int(b)%len(sessionIDAlphabet)]
	}
	return string(out), nil
}

// tokenClaims is the JWT payload for bearer tokens, per spec.md section
// 4.2's issueToken()/verifyToken() operations.
type tokenClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	HostID    string `json:"hid"`
}

func signToken(sessionID, hostID string, expiry time.Time, secret string) (string, error) {
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiry),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		SessionID: sessionID,
		HostID:    hostID,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing bearer token: %w", err)
	}
	return signed, nil
}

func parseToken(tokenStr, secret string) (*tokenClaims, error) {
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parsing bearer token: %w", err)
	}
	return claims, nil
}
