// Package wsmsg defines the JSON message envelope shared by the rendezvous
// signaling fabric and the host agent's peer-channel bridge.
package wsmsg

import "encoding/json"

// Type identifies a signaling message's purpose. The wire shape is a tagged
// sum type over Type: the rendezvous answers an unknown value with an error
// envelope, while the host agent logs types it does not handle and ignores
// them.
type Type string

// Inbound message types (client/host -> rendezvous) and their rendezvous
// notifications (rendezvous -> client/host). See spec.md section 4.1.
const (
	TypeRegisterHost  Type = "register-host"
	TypeJoinSession   Type = "join-session"
	TypeVerifyTOTP    Type = "verify-totp"
	TypeOffer         Type = "offer"
	TypeAnswer        Type = "answer"
	TypeIceCandidate  Type = "ice-candidate"
	TypeLeaveSession  Type = "leave-session"
	TypeHeartbeat     Type = "heartbeat"
	TypeHeartbeatAck  Type = "heartbeat-ack"
	TypeSessionCreate Type = "session-created"
	TypeSessionJoined Type = "session-joined"
	TypeSessionLeft   Type = "session-left"
	TypeOfferRecv     Type = "offer-received"
	TypeAnswerRecv    Type = "answer-received"
	TypeCandidateRecv Type = "candidate-received"
	TypePeerConnected Type = "peer-connected"
	TypePeerDisconn   Type = "peer-disconnected"
	TypeAuthSuccess   Type = "auth-success"
	TypeError         Type = "error"
)

// Envelope is the single JSON shape carried over the rendezvous WebSocket
// path in both directions, per spec.md section 4.1.
type Envelope struct {
	Type      Type            `json:"type"`
	SessionID string          `json:"sessionId"`
	ClientID  string          `json:"clientId,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	TOTPCode  string          `json:"totpCode,omitempty"`
	Token     string          `json:"token,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Error     string          `json:"error,omitempty"`
}

// DataChannelType identifies the purpose of a frame exchanged over the
// peer-channel's data channel once it is open, per spec.md section 4.3.
type DataChannelType string

const (
	DCPing          DataChannelType = "ping"
	DCPong          DataChannelType = "pong"
	DCClaudeCommand DataChannelType = "claude-command"
	DCResponse      DataChannelType = "response"
	DCKeyInput      DataChannelType = "key-input"
	DCOutput        DataChannelType = "output"
	DCError         DataChannelType = "error"
	DCCompleted     DataChannelType = "completed"
)

// DataChannelFrame is the JSON text-frame shape multiplexed over the data
// channel between the client terminal and the assistant's pty.
type DataChannelFrame struct {
	Type      DataChannelType `json:"type"`
	Command   string          `json:"command,omitempty"`
	Input     string          `json:"input,omitempty"`
	Keys      string          `json:"keys,omitempty"`
	Output    string          `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}
