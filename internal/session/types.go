// Package session implements the per-client session lifecycle and
// authentication state machine described in spec.md section 4.2: TOTP
// challenge, bearer-token issuance and verification, peer-channel
// registration, re-authentication triggers, and security flags.
package session

import "time"

// State is one of the lifecycle states of spec.md section 4.2's transition
// diagram.
type State string

const (
	StateUnknown        State = "UNKNOWN"
	StatePending        State = "PENDING"
	StateAuthenticated  State = "AUTHENTICATED"
	StateNegotiating    State = "NEGOTIATING"
	StateLive           State = "LIVE"
	StateReauthRequired State = "REAUTH_REQUIRED"
	StateTerminated      State = "TERMINATED"
)

// SecurityFlags tracks suspicious-activity signals for a session.
type SecurityFlags struct {
	Suspicious          bool
	MultipleConnections bool
}

// Session is the per-client record of spec.md section 3.
type Session struct {
	SessionID  string
	HostID     string
	State      State
	Authenticated bool

	BearerToken string
	TokenExpiry time.Time

	LastActivity time.Time

	FailedTOTPAttempts int
	ReconnectAttempts  int

	SecurityFlags SecurityFlags

	PeerChannels map[string]struct{}

	CreatedAt time.Time
	ExpiresAt time.Time
}

// multipleConnectionsThreshold is the peer-channel count at which
// SecurityFlags.MultipleConnections trips. spec.md's data model text says
// "the moment peerChannels grows beyond two" — i.e. the third channel.
// This resolves the Open Question in spec.md section 9 ("third or second
// threshold"); see DESIGN.md.
const multipleConnectionsThreshold = 3

// snapshot returns a value copy safe to hand to callers outside the lock.
func (s *Session) snapshot() Session {
	cp := *s
	cp.PeerChannels = make(map[string]struct{}, len(s.PeerChannels))
	for k := range s.PeerChannels {
		cp.PeerChannels[k] = struct{}{}
	}
	return cp
}
